package appointment

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrSlotConflict      = errors.New("slot conflict")
	ErrVersionConflict   = errors.New("version conflict")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

const (
	ReasonClaimConflict  = "claim_conflict"
	ReasonNoFreeSlot     = "no_free_slot"
	ReasonSlotNotFree    = "slot_not_free"
	ReasonCommitConflict = "commit_conflict"
)

type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid booking request: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// SlotConflictError means no slot could be claimed. Alternatives holds free slots
// nearest to the requested start.
type SlotConflictError struct {
	SlotID       string
	Reason       string
	Alternatives []Slot
}

func (e *SlotConflictError) Error() string {
	if e.SlotID != "" {
		return fmt.Sprintf("slot %s unavailable: %s", e.SlotID, e.Reason)
	}
	return "no slot available: " + e.Reason
}

func (e *SlotConflictError) Is(target error) bool { return target == ErrSlotConflict }

// ConflictError is returned by stores when a conditional update's expectation no
// longer holds. Nothing was written.
type ConflictError struct {
	Resource        string
	ID              string
	ExpectedVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s changed since version %d", e.Resource, e.ID, e.ExpectedVersion)
}

func (e *ConflictError) Is(target error) bool { return target == ErrVersionConflict }

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

type InvalidTransitionError struct {
	From AppointmentStatus
	To   AppointmentStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot move appointment from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }
