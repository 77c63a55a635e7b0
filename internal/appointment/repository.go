package appointment

import (
	"context"
)

const (
	ResourceSlot        = "Slot"
	ResourceAppointment = "Appointment"
)

// Store is the persistence collaborator. Every mutation is conditional: a write whose
// expectation no longer holds returns *ConflictError and changes nothing.
type Store interface {
	GetSlot(ctx context.Context, id string) (*Slot, error)
	SearchSlots(ctx context.Context, q SlotQuery) ([]Slot, error)
	CreateSlot(ctx context.Context, s *Slot) (*Slot, error)

	// UpdateSlotStatus moves the slot to `to` only if it is still at expectedStatus and
	// expectedVersion. The returned slot carries the new version.
	UpdateSlotStatus(ctx context.Context, id string, expectedStatus SlotStatus, expectedVersion int64, to SlotStatus) (*Slot, error)

	CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error)
	GetAppointment(ctx context.Context, id string) (*Appointment, error)

	// UpdateAppointment replaces the appointment when its stored version is still
	// expectedVersion.
	UpdateAppointment(ctx context.Context, a *Appointment, expectedVersion int64) (*Appointment, error)
	SearchAppointments(ctx context.Context, q AppointmentQuery) ([]Appointment, error)
}
