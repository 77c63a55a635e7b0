package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-booking-sync/internal/config"
	"github.com/hackgods/appointment-booking-sync/internal/events"
	"github.com/hackgods/appointment-booking-sync/internal/obs"
)

const rollbackTimeout = 5 * time.Second

// Service is the booking engine. It never holds a lock across store calls: every
// slot and appointment write is a conditional update, and losing one is handled by
// retrying or reporting a conflict.
type Service struct {
	store   Store
	pub     events.Publisher
	cfg     config.BookingConfig
	logger  zerolog.Logger
	metrics *obs.Metrics
	now     func() time.Time
}

func NewService(store Store, pub events.Publisher, cfg config.BookingConfig, logger zerolog.Logger, metrics *obs.Metrics) *Service {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	if cfg.ClaimRetries < 1 {
		cfg.ClaimRetries = 1
	}
	if cfg.TentativeTTL <= 0 {
		cfg.TentativeTTL = 10 * time.Second
	}
	if cfg.SearchHorizon <= 0 {
		cfg.SearchHorizon = 7 * 24 * time.Hour
	}
	return &Service{
		store:   store,
		pub:     pub,
		cfg:     cfg,
		logger:  logger.With().Str("component", "booking").Logger(),
		metrics: metrics,
		now:     time.Now,
	}
}

// WithClock replaces the clock used for validation.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Book claims a slot and commits an appointment against it.
func (s *Service) Book(ctx context.Context, req BookingRequest) (*Appointment, error) {
	began := time.Now()
	appt, err := s.book(ctx, req)

	if s.metrics != nil {
		s.metrics.BookingLatencyMS.Observe(float64(time.Since(began).Milliseconds()))
		s.metrics.BookingTotal.WithLabelValues(bookingResult(appt, err)).Inc()
	}
	return appt, err
}

func (s *Service) book(ctx context.Context, req BookingRequest) (*Appointment, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	claimCtx, cancel := context.WithTimeout(ctx, s.cfg.TentativeTTL)
	defer cancel()

	slot, err := s.claim(claimCtx, req)
	if err != nil {
		var conflict *SlotConflictError
		if errors.As(err, &conflict) && conflict.Reason == ReasonNoFreeSlot && req.AllowWaitlist {
			return s.waitlist(ctx, req)
		}
		return nil, err
	}

	appt, err := s.store.CreateAppointment(claimCtx, s.newAppointment(req, slot))
	if err != nil {
		s.releaseTentative(ctx, slot)
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	committed, err := s.commit(claimCtx, slot, appt)
	if err != nil {
		s.logger.Warn().Err(err).Str("slot_id", slot.ID).Str("appointment_id", appt.ID).Msg("slot commit failed, rolling back")
		s.rollback(ctx, slot, appt)
		if !errors.Is(err, ErrVersionConflict) {
			return nil, fmt.Errorf("commit slot %s: %w", slot.ID, err)
		}
		return nil, &SlotConflictError{
			SlotID:       slot.ID,
			Reason:       ReasonCommitConflict,
			Alternatives: s.alternatives(ctx, req, slot.Start, slot.ID),
		}
	}

	if committed.Version != appt.SlotVersion {
		// Stores that assign versions themselves may not follow v+1.
		fixed := *appt
		fixed.SlotVersion = committed.Version
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
		updated, err := s.store.UpdateAppointment(fctx, &fixed, appt.Version)
		cancel()
		if err == nil {
			appt = updated
		} else {
			s.logger.Warn().Err(err).Str("appointment_id", appt.ID).Msg("could not record committed slot version")
		}
	}

	s.emit(ctx, events.TypeResourceCreated, ResourceAppointment, appt.ID, appt.PatientID(), appt.PractitionerID(), appt)
	s.emit(ctx, events.TypeSlotUpdated, ResourceSlot, committed.ID, "", committed.PractitionerID, committed)

	s.logger.Info().
		Str("appointment_id", appt.ID).
		Str("slot_id", committed.ID).
		Str("status", string(appt.Status)).
		Msg("appointment booked")

	return appt, nil
}

// commit moves the tentative claim to busy. A failure other than a version conflict
// may have landed anyway, so the slot is re-read: busy with no other active holder
// means the write went through.
func (s *Service) commit(ctx context.Context, slot *Slot, appt *Appointment) (*Slot, error) {
	committed, err := s.store.UpdateSlotStatus(ctx, slot.ID, SlotBusyTentative, slot.Version, SlotBusy)
	if err == nil || errors.Is(err, ErrVersionConflict) {
		return committed, err
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	current, rerr := s.store.GetSlot(rctx, slot.ID)
	if rerr != nil || current.Status != SlotBusy {
		return nil, err
	}
	holders, rerr := s.store.SearchAppointments(rctx, AppointmentQuery{SlotID: slot.ID})
	if rerr != nil {
		return nil, err
	}
	for _, h := range holders {
		if h.ID != appt.ID && h.HoldsSlot() {
			return nil, err
		}
	}
	s.logger.Info().Err(err).Str("slot_id", slot.ID).Msg("slot commit reported an error but landed")
	return current, nil
}

func (s *Service) validate(req BookingRequest) error {
	var problems []string
	if req.PatientID == "" {
		problems = append(problems, "patientId is required")
	}
	if req.Duration < 0 {
		problems = append(problems, "duration must be positive")
	}
	if req.SlotID == "" && (req.Start.IsZero() || req.Duration <= 0) {
		problems = append(problems, "either slotId or start and a positive duration are required")
	}
	if !req.Start.IsZero() && req.Start.Before(s.now().Add(-s.cfg.ClockSkew)) {
		problems = append(problems, "start is in the past")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// claim moves one slot from free to busy-tentative.
func (s *Service) claim(ctx context.Context, req BookingRequest) (*Slot, error) {
	if req.SlotID != "" {
		return s.claimExplicit(ctx, req)
	}

	excluded := make(map[string]bool)
	for attempt := 0; attempt < s.cfg.ClaimRetries; attempt++ {
		candidates, err := s.store.SearchSlots(ctx, s.candidateQuery(req))
		if err != nil {
			return nil, fmt.Errorf("search slots: %w", err)
		}

		var pick *Slot
		for i := range candidates {
			if !excluded[candidates[i].ID] {
				pick = &candidates[i]
				break
			}
		}
		if pick == nil {
			if len(excluded) == 0 {
				return nil, &SlotConflictError{Reason: ReasonNoFreeSlot}
			}
			break
		}

		claimed, err := s.store.UpdateSlotStatus(ctx, pick.ID, SlotFree, pick.Version, SlotBusyTentative)
		if err == nil {
			return claimed, nil
		}
		if !errors.Is(err, ErrVersionConflict) && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("claim slot %s: %w", pick.ID, err)
		}
		s.claimLost(pick.ID, attempt)
		excluded[pick.ID] = true
	}

	return nil, &SlotConflictError{
		Reason:       ReasonClaimConflict,
		Alternatives: s.alternatives(ctx, req, req.Start, ""),
	}
}

// claimExplicit never substitutes a different slot for the one asked for.
func (s *Service) claimExplicit(ctx context.Context, req BookingRequest) (*Slot, error) {
	for attempt := 0; attempt < s.cfg.ClaimRetries; attempt++ {
		slot, err := s.store.GetSlot(ctx, req.SlotID)
		if err != nil {
			return nil, err
		}
		if attempt == 0 && slot.Start.Before(s.now().Add(-s.cfg.ClockSkew)) {
			return nil, &ValidationError{Problems: []string{"slot starts in the past"}}
		}
		if attempt == 0 && req.Duration > 0 && slot.Duration() < req.Duration {
			return nil, &ValidationError{Problems: []string{"slot is shorter than the requested duration"}}
		}
		if slot.Status != SlotFree {
			return nil, &SlotConflictError{
				SlotID:       slot.ID,
				Reason:       ReasonSlotNotFree,
				Alternatives: s.alternatives(ctx, withSlotDefaults(req, slot), slot.Start, slot.ID),
			}
		}

		claimed, err := s.store.UpdateSlotStatus(ctx, slot.ID, SlotFree, slot.Version, SlotBusyTentative)
		if err == nil {
			return claimed, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, fmt.Errorf("claim slot %s: %w", slot.ID, err)
		}
		s.claimLost(slot.ID, attempt)
	}

	slot, _ := s.store.GetSlot(ctx, req.SlotID)
	start := req.Start
	if slot != nil {
		start = slot.Start
		req = withSlotDefaults(req, slot)
	}
	return nil, &SlotConflictError{
		SlotID:       req.SlotID,
		Reason:       ReasonClaimConflict,
		Alternatives: s.alternatives(ctx, req, start, req.SlotID),
	}
}

func (s *Service) claimLost(slotID string, attempt int) {
	if s.metrics != nil {
		s.metrics.ClaimConflicts.Inc()
	}
	s.logger.Debug().Str("slot_id", slotID).Int("attempt", attempt+1).Msg("slot claim lost to a concurrent writer")
}

func (s *Service) candidateQuery(req BookingRequest) SlotQuery {
	return SlotQuery{
		Start:          req.Start,
		End:            req.Start.Add(s.cfg.SearchHorizon),
		PractitionerID: req.PractitionerID,
		ServiceType:    req.ServiceType,
		Statuses:       []SlotStatus{SlotFree},
		MinDuration:    req.Duration,
	}
}

// alternatives lists free slots closest to target. Lookup failures only cost the caller
// the suggestions.
func (s *Service) alternatives(ctx context.Context, req BookingRequest, target time.Time, exclude string) []Slot {
	if s.cfg.MaxAlternatives <= 0 || target.IsZero() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	from := target.Add(-s.cfg.SearchHorizon)
	if now := s.now(); from.Before(now) {
		from = now
	}
	q := SlotQuery{
		Start:          from,
		End:            target.Add(s.cfg.SearchHorizon),
		PractitionerID: req.PractitionerID,
		ServiceType:    req.ServiceType,
		Statuses:       []SlotStatus{SlotFree},
		MinDuration:    req.Duration,
	}
	found, err := s.store.SearchSlots(ctx, q)
	if err != nil {
		s.logger.Warn().Err(err).Msg("alternative slot search failed")
		return nil
	}

	out := make([]Slot, 0, len(found))
	for _, sl := range found {
		if sl.ID != exclude {
			out = append(out, sl)
		}
	}
	rankByDistance(out, target)
	return limitSlots(out, s.cfg.MaxAlternatives)
}

func withSlotDefaults(req BookingRequest, slot *Slot) BookingRequest {
	if req.PractitionerID == "" {
		req.PractitionerID = slot.PractitionerID
	}
	if req.ServiceType == "" {
		req.ServiceType = slot.ServiceType
	}
	if req.Duration == 0 {
		req.Duration = slot.Duration()
	}
	return req
}

func (s *Service) newAppointment(req BookingRequest, slot *Slot) *Appointment {
	status := StatusPending
	practitionerStatus := ParticipationNeedsAction
	if s.cfg.AutoConfirm {
		status = StatusBooked
		practitionerStatus = ParticipationAccepted
	}

	a := &Appointment{
		Status: status,
		SlotID: slot.ID,
		// The commit is conditional on slot.Version, so it lands on the next version.
		SlotVersion: slot.Version + 1,
		Start:       slot.Start,
		End:         slot.End,
		ServiceType: firstNonEmpty(req.ServiceType, slot.ServiceType),
		Reason:      req.Reason,
		Participants: []Participant{{
			ActorType: ActorPatient,
			ActorID:   req.PatientID,
			Required:  ParticipantRequired,
			Status:    ParticipationAccepted,
		}},
	}
	if pid := firstNonEmpty(slot.PractitionerID, req.PractitionerID); pid != "" {
		a.Participants = append(a.Participants, Participant{
			ActorType: ActorPractitioner,
			ActorID:   pid,
			Required:  ParticipantRequired,
			Status:    practitionerStatus,
		})
	}
	return a
}

func (s *Service) waitlist(ctx context.Context, req BookingRequest) (*Appointment, error) {
	a := &Appointment{
		Status:      StatusWaitlist,
		Start:       req.Start,
		End:         req.Start.Add(req.Duration),
		ServiceType: req.ServiceType,
		Reason:      req.Reason,
		Participants: []Participant{{
			ActorType: ActorPatient,
			ActorID:   req.PatientID,
			Required:  ParticipantRequired,
			Status:    ParticipationAccepted,
		}},
	}
	if req.PractitionerID != "" {
		a.Participants = append(a.Participants, Participant{
			ActorType: ActorPractitioner,
			ActorID:   req.PractitionerID,
			Required:  ParticipantRequired,
			Status:    ParticipationNeedsAction,
		})
	}

	created, err := s.store.CreateAppointment(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("create waitlist appointment: %w", err)
	}
	s.emit(ctx, events.TypeResourceCreated, ResourceAppointment, created.ID, created.PatientID(), created.PractitionerID(), created)
	s.logger.Info().Str("appointment_id", created.ID).Msg("no free slot, appointment waitlisted")
	return created, nil
}

// releaseTentative gives back a claim that never got an appointment.
func (s *Service) releaseTentative(ctx context.Context, slot *Slot) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	released, err := s.store.UpdateSlotStatus(rctx, slot.ID, SlotBusyTentative, slot.Version, SlotFree)
	if err != nil {
		s.logger.Warn().Err(err).Str("slot_id", slot.ID).Msg("tentative slot left for the sweep")
		return
	}
	s.emit(rctx, events.TypeSlotUpdated, ResourceSlot, released.ID, "", released.PractitionerID, released)
}

// rollback undoes a booking whose slot commit failed: the tentative claim is released
// if it is still ours and the appointment is retired as entered-in-error.
func (s *Service) rollback(ctx context.Context, slot *Slot, appt *Appointment) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	released := true
	freed, err := s.store.UpdateSlotStatus(rctx, slot.ID, SlotBusyTentative, slot.Version, SlotFree)
	switch {
	case err == nil:
		s.emit(rctx, events.TypeSlotUpdated, ResourceSlot, freed.ID, "", freed.PractitionerID, freed)
	case errors.Is(err, ErrVersionConflict):
		// Already released by the sweep or claimed by someone else.
	default:
		released = false
		s.logger.Error().Err(err).Str("slot_id", slot.ID).Msg("rollback could not release slot")
	}

	retired := *appt
	retired.Status = StatusEnteredInError
	if _, err := s.store.UpdateAppointment(rctx, &retired, appt.Version); err != nil && !errors.Is(err, ErrVersionConflict) {
		s.logger.Error().Err(err).Str("appointment_id", appt.ID).Msg("rollback could not retire appointment")
	}

	s.warn(rctx, ResourceAppointment, appt.ID, appt.PatientID(), appt.PractitionerID(), map[string]any{
		"reason":        ReasonCommitConflict,
		"slotId":        slot.ID,
		"appointmentId": appt.ID,
		"slotReleased":  released,
	})
}

// Cancel moves an appointment to cancelled and gives its slot back.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Appointment, error) {
	updated, prev, err := s.move(ctx, id, StatusCancelled, reason)
	if s.metrics != nil {
		s.metrics.CancelTotal.WithLabelValues(cancelResult(err)).Inc()
	}
	if err != nil {
		return nil, err
	}

	s.releaseSlot(ctx, prev)
	s.emit(ctx, events.TypeAppointmentCancelled, ResourceAppointment, updated.ID, updated.PatientID(), updated.PractitionerID(), updated)

	s.logger.Info().Str("appointment_id", updated.ID).Str("reason", reason).Msg("appointment cancelled")
	return updated, nil
}

// Transition applies any lifecycle move the status graph allows.
func (s *Service) Transition(ctx context.Context, id string, to AppointmentStatus) (*Appointment, error) {
	if !to.Valid() {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("unknown appointment status %q", to)}}
	}
	if to == StatusCancelled {
		return s.Cancel(ctx, id, "")
	}

	updated, prev, err := s.move(ctx, id, to, "")
	if err != nil {
		return nil, err
	}
	if releasesSlot(to) {
		s.releaseSlot(ctx, prev)
	}
	s.emit(ctx, events.TypeResourceUpdated, ResourceAppointment, updated.ID, updated.PatientID(), updated.PractitionerID(), updated)
	return updated, nil
}

// move performs the conditional status write, refetching on a lost race.
func (s *Service) move(ctx context.Context, id string, to AppointmentStatus, reason string) (*Appointment, *Appointment, error) {
	for attempt := 0; ; attempt++ {
		cur, err := s.store.GetAppointment(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if !CanTransition(cur.Status, to) {
			return nil, nil, &InvalidTransitionError{From: cur.Status, To: to}
		}

		next := *cur
		next.Status = to
		if to == StatusCancelled {
			next.CancellationReason = reason
		}

		updated, err := s.store.UpdateAppointment(ctx, &next, cur.Version)
		if err == nil {
			return updated, cur, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt+1 >= s.cfg.ClaimRetries {
			return nil, nil, err
		}
		s.logger.Debug().Str("appointment_id", id).Int("attempt", attempt+1).Msg("appointment changed underneath, retrying")
	}
}

// releaseSlot frees the slot prev held, guarded by the version recorded at commit so a
// slot already handed to someone else is never released.
func (s *Service) releaseSlot(ctx context.Context, prev *Appointment) {
	if !prev.HoldsSlot() {
		return
	}

	freed, err := s.store.UpdateSlotStatus(ctx, prev.SlotID, SlotBusy, prev.SlotVersion, SlotFree)
	if err == nil {
		s.emit(ctx, events.TypeSlotUpdated, ResourceSlot, freed.ID, "", freed.PractitionerID, freed)
		return
	}

	reason := "slot_release_failed"
	if errors.Is(err, ErrVersionConflict) {
		reason = "slot_reassigned"
	}
	s.logger.Warn().Err(err).Str("slot_id", prev.SlotID).Str("appointment_id", prev.ID).Msg("slot not released")
	s.warn(ctx, ResourceSlot, prev.SlotID, prev.PatientID(), prev.PractitionerID(), map[string]any{
		"reason":        reason,
		"slotId":        prev.SlotID,
		"appointmentId": prev.ID,
	})
}

// GetAvailableSlots searches slots, defaulting to free ones.
func (s *Service) GetAvailableSlots(ctx context.Context, q SlotQuery) ([]Slot, error) {
	if !q.Start.IsZero() && !q.End.IsZero() && !q.Start.Before(q.End) {
		return nil, &ValidationError{Problems: []string{"start must be before end"}}
	}
	for _, st := range q.Statuses {
		if !st.Valid() {
			return nil, &ValidationError{Problems: []string{fmt.Sprintf("unknown slot status %q", st)}}
		}
	}
	if len(q.Statuses) == 0 {
		q.Statuses = []SlotStatus{SlotFree}
	}
	slots, err := s.store.SearchSlots(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("search slots: %w", err)
	}
	return slots, nil
}

func (s *Service) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	return s.store.GetAppointment(ctx, id)
}

func (s *Service) SearchAppointments(ctx context.Context, q AppointmentQuery) ([]Appointment, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
	out, err := s.store.SearchAppointments(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("search appointments: %w", err)
	}
	return out, nil
}

// CreateSlot stores a new free slot and announces it.
func (s *Service) CreateSlot(ctx context.Context, slot Slot) (*Slot, error) {
	var problems []string
	if slot.Start.IsZero() || slot.End.IsZero() {
		problems = append(problems, "start and end are required")
	} else if !slot.Start.Before(slot.End) {
		problems = append(problems, "start must be before end")
	}
	if slot.Status != "" && !slot.Status.Valid() {
		problems = append(problems, fmt.Sprintf("unknown slot status %q", slot.Status))
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	created, err := s.store.CreateSlot(ctx, &slot)
	if err != nil {
		return nil, fmt.Errorf("create slot: %w", err)
	}
	s.emit(ctx, events.TypeResourceCreated, ResourceSlot, created.ID, "", created.PractitionerID, created)
	return created, nil
}

func (s *Service) emit(ctx context.Context, typ events.EventType, resourceType, id, patientID, practitionerID string, snapshot any) {
	n := events.Notice{
		Type:           typ,
		ResourceType:   resourceType,
		ResourceID:     id,
		PatientID:      patientID,
		PractitionerID: practitionerID,
	}
	if snapshot != nil {
		data, err := json.Marshal(snapshot)
		if err != nil {
			s.logger.Error().Err(err).Str("event", string(typ)).Msg("marshal event snapshot")
		} else {
			n.Data = data
		}
	}
	// Events describe writes that already happened, so a cancelled caller must not drop them.
	if err := s.pub.Publish(context.WithoutCancel(ctx), n); err != nil {
		s.logger.Error().Err(err).Str("event", string(typ)).Str("resource_id", id).Msg("publish event")
	}
}

func (s *Service) warn(ctx context.Context, resourceType, id, patientID, practitionerID string, detail map[string]any) {
	s.emit(ctx, events.TypeWarning, resourceType, id, patientID, practitionerID, detail)
}

func bookingResult(a *Appointment, err error) string {
	switch {
	case err == nil && a != nil:
		return string(a.Status)
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrSlotConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func cancelResult(err error) string {
	switch {
	case err == nil:
		return "cancelled"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
