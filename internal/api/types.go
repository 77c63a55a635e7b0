package api

import (
	"time"

	"github.com/hackgods/appointment-booking-sync/internal/appointment"
)

// CreateAppointmentRequest books either a named slot or the first free slot that
// starts at Start and lasts DurationMinutes.
type CreateAppointmentRequest struct {
	PatientID       string     `json:"patientId"`
	SlotID          string     `json:"slotId,omitempty"`
	Start           *time.Time `json:"start,omitempty"`
	DurationMinutes int        `json:"durationMinutes,omitempty"`
	ServiceType     string     `json:"serviceType,omitempty"`
	PractitionerID  string     `json:"practitionerId,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	AllowWaitlist   bool       `json:"allowWaitlist,omitempty"`
}

func (r CreateAppointmentRequest) booking() appointment.BookingRequest {
	req := appointment.BookingRequest{
		PatientID:      r.PatientID,
		SlotID:         r.SlotID,
		Duration:       time.Duration(r.DurationMinutes) * time.Minute,
		ServiceType:    r.ServiceType,
		PractitionerID: r.PractitionerID,
		Reason:         r.Reason,
		AllowWaitlist:  r.AllowWaitlist,
	}
	if r.Start != nil {
		req.Start = *r.Start
	}
	return req
}

type CreateSlotRequest struct {
	ID             string    `json:"id,omitempty"`
	ScheduleID     string    `json:"scheduleId,omitempty"`
	PractitionerID string    `json:"practitionerId,omitempty"`
	ServiceType    string    `json:"serviceType,omitempty"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Status         string    `json:"status,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type StatusRequest struct {
	Status string `json:"status"`
}

type SlotListResponse struct {
	Slots []appointment.Slot `json:"slots"`
	Count int                `json:"count"`
}

type AppointmentListResponse struct {
	Appointments []appointment.Appointment `json:"appointments"`
	Count        int                       `json:"count"`
}

type SessionResponse struct {
	State   string     `json:"state"`
	Expiry  *time.Time `json:"expiry,omitempty"`
	Scopes  []string   `json:"scopes,omitempty"`
	Patient string     `json:"patient,omitempty"`
}

type ErrorResponse struct {
	Error        string             `json:"error"`
	Details      string             `json:"details,omitempty"`
	Problems     []string           `json:"problems,omitempty"`
	Reason       string             `json:"reason,omitempty"`
	Alternatives []appointment.Slot `json:"alternatives,omitempty"`
}
