package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-booking-sync/internal/events"
	redisclient "github.com/hackgods/appointment-booking-sync/internal/redis"
)

const sweepLockName = "sweep:tentative"

// ReleaseExpiredClaims frees busy-tentative slots older than the tentative TTL and
// retires any appointment that was waiting to commit against them. It returns how
// many slots were released.
func (s *Service) ReleaseExpiredClaims(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.TentativeTTL)
	stale, err := s.store.SearchSlots(ctx, SlotQuery{
		Statuses:      []SlotStatus{SlotBusyTentative},
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("find expired claims: %w", err)
	}

	released := 0
	for _, sl := range stale {
		freed, err := s.store.UpdateSlotStatus(ctx, sl.ID, SlotBusyTentative, sl.Version, SlotFree)
		if err != nil {
			if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrNotFound) {
				// committed or released while we looked
				continue
			}
			s.logger.Error().Err(err).Str("slot_id", sl.ID).Msg("release expired claim")
			continue
		}

		released++
		if s.metrics != nil {
			s.metrics.TentativeExpired.Inc()
		}
		s.logger.Info().Str("slot_id", sl.ID).Time("claimed_at", sl.UpdatedAt).Msg("expired tentative claim released")
		s.emit(ctx, events.TypeSlotUpdated, ResourceSlot, freed.ID, "", freed.PractitionerID, freed)

		s.retireOrphans(ctx, sl)
	}
	return released, nil
}

// retireOrphans marks appointments created against a claim that can no longer commit.
func (s *Service) retireOrphans(ctx context.Context, claim Slot) {
	appts, err := s.store.SearchAppointments(ctx, AppointmentQuery{SlotID: claim.ID})
	if err != nil {
		s.logger.Error().Err(err).Str("slot_id", claim.ID).Msg("look up appointments for released claim")
		return
	}
	for _, a := range appts {
		if !a.HoldsSlot() || a.SlotVersion != claim.Version+1 {
			continue
		}
		retired := a
		retired.Status = StatusEnteredInError
		updated, err := s.store.UpdateAppointment(ctx, &retired, a.Version)
		if err != nil {
			if !errors.Is(err, ErrVersionConflict) {
				s.logger.Error().Err(err).Str("appointment_id", a.ID).Msg("retire orphaned appointment")
			}
			continue
		}
		s.emit(ctx, events.TypeResourceUpdated, ResourceAppointment, updated.ID, updated.PatientID(), updated.PractitionerID(), updated)
	}
}

// Sweeper runs ReleaseExpiredClaims on an interval. With a locker, only the process
// holding the lease sweeps in a given round.
type Sweeper struct {
	svc      *Service
	locker   redisclient.Locker
	interval time.Duration
	logger   zerolog.Logger
}

func NewSweeper(svc *Service, interval time.Duration, locker redisclient.Locker, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Sweeper{
		svc:      svc,
		locker:   locker,
		interval: interval,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (sw *Sweeper) Run(ctx context.Context) error {
	sw.RunOnce(ctx)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info().Msg("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			sw.RunOnce(ctx)
		}
	}
}

func (sw *Sweeper) RunOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	var released int
	sweep := func(ctx context.Context) error {
		n, err := sw.svc.ReleaseExpiredClaims(ctx)
		released = n
		return err
	}

	var err error
	if sw.locker != nil {
		err = sw.locker.WithLock(runCtx, sweepLockName, sweep)
	} else {
		err = sweep(runCtx)
	}

	switch {
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		sw.logger.Debug().Msg("another process holds the sweep lease")
	case err != nil:
		sw.logger.Error().Err(err).Msg("sweep failed")
	case released > 0:
		sw.logger.Info().Int("released", released).Dur("took", time.Since(start)).Msg("sweep complete")
	}
}
