package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hackgods/appointment-booking-sync/internal/fhir"
)

const (
	practitionerExtension = "https://booking.hackgods.dev/fhir/StructureDefinition/slot-practitioner"
	slotVersionExtension  = "https://booking.hackgods.dev/fhir/StructureDefinition/appointment-slot-version"
)

// FHIRStore keeps slots and appointments on a FHIR server. Conditional writes are
// sent with If-Match so the server arbitrates concurrent claims.
type FHIRStore struct {
	client *fhir.Client
}

func NewFHIRStore(client *fhir.Client) *FHIRStore {
	return &FHIRStore{client: client}
}

type fhirReference struct {
	Reference string `json:"reference"`
}

type fhirCodeableConcept struct {
	Text string `json:"text,omitempty"`
}

type fhirExtension struct {
	URL            string         `json:"url"`
	ValueReference *fhirReference `json:"valueReference,omitempty"`
	ValueInteger   *int64         `json:"valueInteger,omitempty"`
}

type fhirSlot struct {
	ResourceType string                `json:"resourceType"`
	ID           string                `json:"id,omitempty"`
	Meta         fhir.Meta             `json:"meta,omitempty"`
	Extension    []fhirExtension       `json:"extension,omitempty"`
	Schedule     *fhirReference        `json:"schedule,omitempty"`
	ServiceType  []fhirCodeableConcept `json:"serviceType,omitempty"`
	Status       string                `json:"status"`
	Start        time.Time             `json:"start"`
	End          time.Time             `json:"end"`
}

func (r *fhirSlot) ResourceMeta() *fhir.Meta { return &r.Meta }

type fhirParticipant struct {
	Actor    *fhirReference `json:"actor,omitempty"`
	Required string         `json:"required,omitempty"`
	Status   string         `json:"status"`
}

type fhirAppointment struct {
	ResourceType      string                `json:"resourceType"`
	ID                string                `json:"id,omitempty"`
	Meta              fhir.Meta             `json:"meta,omitempty"`
	Extension         []fhirExtension       `json:"extension,omitempty"`
	Status            string                `json:"status"`
	CancelationReason *fhirCodeableConcept  `json:"cancelationReason,omitempty"`
	ServiceType       []fhirCodeableConcept `json:"serviceType,omitempty"`
	ReasonCode        []fhirCodeableConcept `json:"reasonCode,omitempty"`
	Start             time.Time             `json:"start"`
	End               time.Time             `json:"end"`
	Created           *time.Time            `json:"created,omitempty"`
	Slot              []fhirReference       `json:"slot,omitempty"`
	Participant       []fhirParticipant     `json:"participant"`
}

func (r *fhirAppointment) ResourceMeta() *fhir.Meta { return &r.Meta }

func reference(kind, id string) *fhirReference {
	if id == "" {
		return nil
	}
	return &fhirReference{Reference: kind + "/" + id}
}

// splitReference turns "Patient/123" into ("Patient", "123").
func splitReference(ref *fhirReference) (string, string) {
	if ref == nil {
		return "", ""
	}
	kind, id, ok := strings.Cut(ref.Reference, "/")
	if !ok {
		return "", ref.Reference
	}
	return kind, id
}

func concept(text string) []fhirCodeableConcept {
	if text == "" {
		return nil
	}
	return []fhirCodeableConcept{{Text: text}}
}

func firstText(cs []fhirCodeableConcept) string {
	for _, c := range cs {
		if c.Text != "" {
			return c.Text
		}
	}
	return ""
}

func lastUpdated(m fhir.Meta) time.Time {
	if m.LastUpdated == nil {
		return time.Time{}
	}
	return m.LastUpdated.UTC()
}

func toFHIRSlot(s Slot) *fhirSlot {
	r := &fhirSlot{
		ResourceType: ResourceSlot,
		ID:           s.ID,
		ServiceType:  concept(s.ServiceType),
		Status:       string(s.Status),
		Start:        s.Start.UTC(),
		End:          s.End.UTC(),
	}
	if s.ScheduleID != "" {
		r.Schedule = reference("Schedule", s.ScheduleID)
	}
	if s.PractitionerID != "" {
		r.Extension = []fhirExtension{{URL: practitionerExtension, ValueReference: reference("Practitioner", s.PractitionerID)}}
	}
	return r
}

func fromFHIRSlot(r *fhirSlot) *Slot {
	s := &Slot{
		ID:          r.ID,
		ServiceType: firstText(r.ServiceType),
		Start:       r.Start.UTC(),
		End:         r.End.UTC(),
		Status:      SlotStatus(r.Status),
		Version:     fhir.VersionNumber(r.Meta.VersionID),
		UpdatedAt:   lastUpdated(r.Meta),
	}
	_, s.ScheduleID = splitReference(r.Schedule)
	for _, ext := range r.Extension {
		if ext.URL == practitionerExtension {
			_, s.PractitionerID = splitReference(ext.ValueReference)
		}
	}
	return s
}

func toFHIRAppointment(a Appointment) *fhirAppointment {
	r := &fhirAppointment{
		ResourceType: ResourceAppointment,
		ID:           a.ID,
		Status:       string(a.Status),
		ServiceType:  concept(a.ServiceType),
		ReasonCode:   concept(a.Reason),
		Start:        a.Start.UTC(),
		End:          a.End.UTC(),
		Participant:  make([]fhirParticipant, 0, len(a.Participants)),
	}
	if !a.CreatedAt.IsZero() {
		created := a.CreatedAt.UTC()
		r.Created = &created
	}
	if a.CancellationReason != "" {
		r.CancelationReason = &fhirCodeableConcept{Text: a.CancellationReason}
	}
	if a.SlotID != "" {
		r.Slot = []fhirReference{*reference(ResourceSlot, a.SlotID)}
		v := a.SlotVersion
		r.Extension = []fhirExtension{{URL: slotVersionExtension, ValueInteger: &v}}
	}
	for _, p := range a.Participants {
		kind := "Patient"
		if p.ActorType == ActorPractitioner {
			kind = "Practitioner"
		}
		r.Participant = append(r.Participant, fhirParticipant{
			Actor:    reference(kind, p.ActorID),
			Required: p.Required,
			Status:   p.Status,
		})
	}
	return r
}

func fromFHIRAppointment(r *fhirAppointment) *Appointment {
	a := &Appointment{
		ID:           r.ID,
		Status:       AppointmentStatus(r.Status),
		Start:        r.Start.UTC(),
		End:          r.End.UTC(),
		ServiceType:  firstText(r.ServiceType),
		Reason:       firstText(r.ReasonCode),
		Version:      fhir.VersionNumber(r.Meta.VersionID),
		LastModified: lastUpdated(r.Meta),
		Participants: make([]Participant, 0, len(r.Participant)),
	}
	if r.Created != nil {
		a.CreatedAt = r.Created.UTC()
	}
	if r.CancelationReason != nil {
		a.CancellationReason = r.CancelationReason.Text
	}
	if len(r.Slot) > 0 {
		_, a.SlotID = splitReference(&r.Slot[0])
	}
	for _, ext := range r.Extension {
		if ext.URL == slotVersionExtension && ext.ValueInteger != nil {
			a.SlotVersion = *ext.ValueInteger
		}
	}
	for _, p := range r.Participant {
		kind, id := splitReference(p.Actor)
		actorType := ActorPatient
		if kind == "Practitioner" {
			actorType = ActorPractitioner
		}
		a.Participants = append(a.Participants, Participant{
			ActorType: actorType,
			ActorID:   id,
			Required:  p.Required,
			Status:    p.Status,
		})
	}
	return a
}

// storeError translates client errors into the store's vocabulary.
func storeError(resource, id string, expectedVersion int64, err error) error {
	if err == nil {
		return nil
	}
	if fhir.IsNotFound(err) {
		return &NotFoundError{Resource: resource, ID: id}
	}
	if errors.Is(err, fhir.ErrConflict) {
		return &ConflictError{Resource: resource, ID: id, ExpectedVersion: expectedVersion}
	}
	return fmt.Errorf("fhir %s %s: %w", resource, id, err)
}

func (f *FHIRStore) GetSlot(ctx context.Context, id string) (*Slot, error) {
	var r fhirSlot
	if err := f.client.Read(ctx, ResourceSlot, id, &r); err != nil {
		return nil, storeError(ResourceSlot, id, 0, err)
	}
	return fromFHIRSlot(&r), nil
}

// SearchSlots narrows on the server by status and start, then applies the full query
// locally since practitioner and duration are not standard Slot search parameters.
func (f *FHIRStore) SearchSlots(ctx context.Context, q SlotQuery) ([]Slot, error) {
	params := url.Values{}
	if ss := slotStatusStrings(q.Statuses); len(ss) > 0 {
		params.Set("status", strings.Join(ss, ","))
	}
	if !q.Start.IsZero() {
		params.Add("start", "ge"+q.Start.UTC().Format(time.RFC3339))
	}
	if !q.End.IsZero() {
		params.Add("start", "lt"+q.End.UTC().Format(time.RFC3339))
	}
	if q.ServiceType != "" {
		params.Set("service-type", q.ServiceType)
	}

	raw, err := f.client.SearchAll(ctx, ResourceSlot, params)
	if err != nil {
		return nil, fmt.Errorf("search slots: %w", err)
	}
	out := make([]Slot, 0, len(raw))
	for _, entry := range raw {
		var r fhirSlot
		if err := json.Unmarshal(entry, &r); err != nil {
			return nil, fmt.Errorf("decode slot: %w", err)
		}
		if s := fromFHIRSlot(&r); q.matches(*s) {
			out = append(out, *s)
		}
	}
	sortSlots(out)
	return limitSlots(out, q.Limit), nil
}

// CreateSlot posts a new slot. A caller-chosen id is written with PUT after checking
// it is unused.
func (f *FHIRStore) CreateSlot(ctx context.Context, s *Slot) (*Slot, error) {
	c := *s
	if c.Status == "" {
		c.Status = SlotFree
	}
	var out fhirSlot
	if c.ID == "" {
		if err := f.client.Create(ctx, ResourceSlot, toFHIRSlot(c), &out); err != nil {
			return nil, fmt.Errorf("create slot: %w", err)
		}
		return fromFHIRSlot(&out), nil
	}

	if _, err := f.GetSlot(ctx, c.ID); err == nil {
		return nil, &ConflictError{Resource: ResourceSlot, ID: c.ID}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err := f.client.Update(ctx, ResourceSlot, c.ID, toFHIRSlot(c), "", &out); err != nil {
		return nil, storeError(ResourceSlot, c.ID, 0, err)
	}
	return fromFHIRSlot(&out), nil
}

func (f *FHIRStore) UpdateSlotStatus(ctx context.Context, id string, expectedStatus SlotStatus, expectedVersion int64, to SlotStatus) (*Slot, error) {
	cur, err := f.GetSlot(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != expectedStatus || cur.Version != expectedVersion {
		return nil, &ConflictError{Resource: ResourceSlot, ID: id, ExpectedVersion: expectedVersion}
	}

	next := *cur
	next.Status = to
	var out fhirSlot
	if err := f.client.Update(ctx, ResourceSlot, id, toFHIRSlot(next), strconv.FormatInt(expectedVersion, 10), &out); err != nil {
		return nil, storeError(ResourceSlot, id, expectedVersion, err)
	}
	return fromFHIRSlot(&out), nil
}

func (f *FHIRStore) CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error) {
	c := cloneAppointment(*a)
	c.ID = ""
	var out fhirAppointment
	if err := f.client.Create(ctx, ResourceAppointment, toFHIRAppointment(c), &out); err != nil {
		return nil, fmt.Errorf("create appointment: %w", err)
	}
	created := fromFHIRAppointment(&out)
	if created.CreatedAt.IsZero() {
		created.CreatedAt = created.LastModified
	}
	return created, nil
}

func (f *FHIRStore) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	var r fhirAppointment
	if err := f.client.Read(ctx, ResourceAppointment, id, &r); err != nil {
		return nil, storeError(ResourceAppointment, id, 0, err)
	}
	return fromFHIRAppointment(&r), nil
}

func (f *FHIRStore) UpdateAppointment(ctx context.Context, a *Appointment, expectedVersion int64) (*Appointment, error) {
	var out fhirAppointment
	err := f.client.Update(ctx, ResourceAppointment, a.ID, toFHIRAppointment(*a), strconv.FormatInt(expectedVersion, 10), &out)
	if err != nil {
		return nil, storeError(ResourceAppointment, a.ID, expectedVersion, err)
	}
	return fromFHIRAppointment(&out), nil
}

func (f *FHIRStore) SearchAppointments(ctx context.Context, q AppointmentQuery) ([]Appointment, error) {
	params := url.Values{}
	if q.PatientID != "" {
		params.Set("patient", "Patient/"+q.PatientID)
	}
	if q.PractitionerID != "" {
		params.Set("practitioner", "Practitioner/"+q.PractitionerID)
	}
	if q.SlotID != "" {
		params.Set("slot", "Slot/"+q.SlotID)
	}
	if ss := appointmentStatusStrings(q.Statuses); len(ss) > 0 {
		params.Set("status", strings.Join(ss, ","))
	}
	if !q.From.IsZero() {
		params.Add("date", "ge"+q.From.UTC().Format(time.RFC3339))
	}
	if !q.To.IsZero() {
		params.Add("date", "lt"+q.To.UTC().Format(time.RFC3339))
	}

	raw, err := f.client.SearchAll(ctx, ResourceAppointment, params)
	if err != nil {
		return nil, fmt.Errorf("search appointments: %w", err)
	}
	out := make([]Appointment, 0, len(raw))
	for _, entry := range raw {
		var r fhirAppointment
		if err := json.Unmarshal(entry, &r); err != nil {
			return nil, fmt.Errorf("decode appointment: %w", err)
		}
		if a := fromFHIRAppointment(&r); q.matches(*a) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
