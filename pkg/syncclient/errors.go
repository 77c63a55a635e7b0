package syncclient

import (
	"errors"
	"fmt"

	"github.com/hackgods/appointment-booking-sync/internal/events"
)

var (
	// ErrRealtimeUnavailable is returned by Run once polling exhausted MaxPollDuration
	// without push coming back.
	ErrRealtimeUnavailable = errors.New("real-time updates unavailable")
	ErrReplayGap           = events.ErrReplayGap
)

// ReplayGapError means events between Requested and Current were missed. The caller
// must refetch current state; delivery continues after Current.
type ReplayGapError struct {
	Instance  string
	Requested uint64
	Oldest    uint64
	Current   uint64
}

func (e *ReplayGapError) Error() string {
	return fmt.Sprintf("replay gap on %s: resumed at %d, oldest retained %d, now at %d", e.Instance, e.Requested, e.Oldest, e.Current)
}

func (e *ReplayGapError) Is(target error) bool { return target == ErrReplayGap }

func gapFrom(instance string, g *events.ReplayGapError) *ReplayGapError {
	return &ReplayGapError{Instance: instance, Requested: g.Requested, Oldest: g.Oldest, Current: g.Current}
}
