package appointment

import (
	"time"
)

type AppointmentStatus string

const (
	StatusProposed       AppointmentStatus = "proposed"
	StatusPending        AppointmentStatus = "pending"
	StatusBooked         AppointmentStatus = "booked"
	StatusArrived        AppointmentStatus = "arrived"
	StatusFulfilled      AppointmentStatus = "fulfilled"
	StatusCancelled      AppointmentStatus = "cancelled"
	StatusNoShow         AppointmentStatus = "noshow"
	StatusEnteredInError AppointmentStatus = "entered-in-error"
	StatusCheckedIn      AppointmentStatus = "checked-in"
	StatusWaitlist       AppointmentStatus = "waitlist"
)

type SlotStatus string

const (
	SlotFree            SlotStatus = "free"
	SlotBusy            SlotStatus = "busy"
	SlotBusyTentative   SlotStatus = "busy-tentative"
	SlotBusyUnavailable SlotStatus = "busy-unavailable"
	SlotEnteredInError  SlotStatus = "entered-in-error"
)

func (s SlotStatus) Valid() bool {
	switch s {
	case SlotFree, SlotBusy, SlotBusyTentative, SlotBusyUnavailable, SlotEnteredInError:
		return true
	}
	return false
}

const (
	ActorPatient      = "patient"
	ActorPractitioner = "practitioner"

	ParticipantRequired = "required"
	ParticipantOptional = "optional"

	ParticipationAccepted    = "accepted"
	ParticipationTentative   = "tentative"
	ParticipationNeedsAction = "needs-action"
	ParticipationDeclined    = "declined"
)

type Slot struct {
	ID             string     `json:"id"`
	ScheduleID     string     `json:"scheduleId,omitempty"`
	PractitionerID string     `json:"practitionerId,omitempty"`
	ServiceType    string     `json:"serviceType,omitempty"`
	Start          time.Time  `json:"start"`
	End            time.Time  `json:"end"`
	Status         SlotStatus `json:"status"`
	Version        int64      `json:"version"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func (s Slot) Duration() time.Duration { return s.End.Sub(s.Start) }

type Participant struct {
	ActorType string `json:"actorType"`
	ActorID   string `json:"actorId"`
	Required  string `json:"required"`
	Status    string `json:"status"`
}

type Appointment struct {
	ID                 string            `json:"id"`
	Status             AppointmentStatus `json:"status"`
	SlotID             string            `json:"slotId,omitempty"`
	SlotVersion        int64             `json:"slotVersion,omitempty"` // slot version at commit
	Start              time.Time         `json:"start"`
	End                time.Time         `json:"end"`
	Participants       []Participant     `json:"participants"`
	ServiceType        string            `json:"serviceType,omitempty"`
	Reason             string            `json:"reason,omitempty"`
	CancellationReason string            `json:"cancellationReason,omitempty"`
	Version            int64             `json:"version"`
	CreatedAt          time.Time         `json:"createdAt"`
	LastModified       time.Time         `json:"lastModified"`
}

func (a Appointment) actor(kind string) string {
	for _, p := range a.Participants {
		if p.ActorType == kind {
			return p.ActorID
		}
	}
	return ""
}

func (a Appointment) PatientID() string      { return a.actor(ActorPatient) }
func (a Appointment) PractitionerID() string { return a.actor(ActorPractitioner) }

// HoldsSlot reports whether the appointment still owns its slot.
func (a Appointment) HoldsSlot() bool {
	if a.SlotID == "" {
		return false
	}
	switch a.Status {
	case StatusProposed, StatusPending, StatusBooked, StatusCheckedIn, StatusArrived:
		return true
	}
	return false
}

// BookingRequest is the input of Service.Book. Either SlotID or Start+Duration is set.
type BookingRequest struct {
	PatientID      string        `json:"patientId"`
	Start          time.Time     `json:"start"`
	Duration       time.Duration `json:"duration"`
	SlotID         string        `json:"slotId,omitempty"`
	ServiceType    string        `json:"serviceType,omitempty"`
	PractitionerID string        `json:"practitionerId,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	AllowWaitlist  bool          `json:"allowWaitlist,omitempty"`
}

type SlotQuery struct {
	Start          time.Time // slot start >= Start when set
	End            time.Time // slot start < End when set
	PractitionerID string
	ServiceType    string
	Statuses       []SlotStatus
	MinDuration    time.Duration
	UpdatedBefore  time.Time // only slots last written before this instant
	Limit          int
}

type AppointmentQuery struct {
	PatientID      string
	PractitionerID string
	SlotID         string
	Statuses       []AppointmentStatus
	From           time.Time
	To             time.Time
	Limit          int
}
