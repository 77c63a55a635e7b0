// Package events fans booking lifecycle changes out to subscribers over a WebSocket push
// channel, with an HTTP polling endpoint as the fallback transport.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type EventType string

const (
	TypeResourceCreated      EventType = "resource_created"
	TypeResourceUpdated      EventType = "resource_updated"
	TypeAppointmentCancelled EventType = "appointment_cancelled"
	TypeSlotUpdated          EventType = "slot_updated"
	TypeWarning              EventType = "warning"
)

// Notice is an unsequenced change notification handed to a Publisher.
type Notice struct {
	Type           EventType       `json:"type"`
	ResourceType   string          `json:"resourceType"`
	ResourceID     string          `json:"resourceId"`
	PatientID      string          `json:"patientId,omitempty"`
	PractitionerID string          `json:"practitionerId,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// Event is a Notice after the distributor assigned it a sequence number.
type Event struct {
	Seq            uint64          `json:"seq"`
	Type           EventType       `json:"type"`
	ResourceType   string          `json:"resourceType"`
	ResourceID     string          `json:"resourceId"`
	PatientID      string          `json:"patientId,omitempty"`
	PractitionerID string          `json:"practitionerId,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Publisher accepts change notifications from the booking engine.
type Publisher interface {
	Publish(ctx context.Context, n Notice) error
}

// Filter selects the events a subscriber receives. Empty fields match everything. A
// set field only constrains events that carry that dimension, so slot events (which
// have no patient) still reach patient-scoped subscribers unless Types excludes them.
type Filter struct {
	PatientID      string   `json:"patient,omitempty"`
	PractitionerID string   `json:"practitioner,omitempty"`
	ResourceTypes  []string `json:"types,omitempty"`
}

func (f Filter) Matches(e Event) bool {
	if f.PatientID != "" && e.PatientID != "" && e.PatientID != f.PatientID {
		return false
	}
	if f.PractitionerID != "" && e.PractitionerID != "" && e.PractitionerID != f.PractitionerID {
		return false
	}
	if len(f.ResourceTypes) > 0 {
		for _, rt := range f.ResourceTypes {
			if strings.EqualFold(rt, e.ResourceType) {
				return true
			}
		}
		return false
	}
	return true
}

var ErrReplayGap = errors.New("replay gap")

// ReplayGapError reports that events after Requested-1 are no longer retained, so the
// subscriber has to resynchronize from current state.
type ReplayGapError struct {
	Requested uint64 `json:"requested"`
	Oldest    uint64 `json:"oldest"`
	Current   uint64 `json:"current"`
}

func (e *ReplayGapError) Error() string {
	return fmt.Sprintf("replay gap: requested seq %d, oldest retained %d, current %d", e.Requested, e.Oldest, e.Current)
}

func (e *ReplayGapError) Is(target error) bool { return target == ErrReplayGap }

// NopPublisher drops every notice.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Notice) error { return nil }

// MultiPublisher forwards to every publisher and returns the first error.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, n Notice) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
