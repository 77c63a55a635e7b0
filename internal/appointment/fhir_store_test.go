package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-booking-sync/internal/fhir"
)

// fakeFHIRServer is a versioned resource map honouring If-Match.
type fakeFHIRServer struct {
	mu      sync.Mutex
	docs    map[string]map[string]any
	version map[string]int
	seq     int
	now     func() time.Time
}

func newFakeFHIRServer(now func() time.Time) *fakeFHIRServer {
	return &fakeFHIRServer{docs: map[string]map[string]any{}, version: map[string]int{}, now: now}
}

func (s *fakeFHIRServer) stamp(key, id string, doc map[string]any) {
	s.version[key]++
	doc["id"] = id
	doc["meta"] = map[string]any{
		"versionId":   strconv.Itoa(s.version[key]),
		"lastUpdated": s.now().UTC().Format(time.RFC3339Nano),
	}
	s.docs[key] = doc
}

func (s *fakeFHIRServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/fhir/"), "/")
	kind := parts[0]
	w.Header().Set("Content-Type", "application/fhir+json")

	switch {
	case r.Method == http.MethodGet && len(parts) == 2:
		doc, ok := s.docs[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(fhir.NewOperationOutcome("error", "not-found", r.URL.Path))
			return
		}
		json.NewEncoder(w).Encode(doc)

	case r.Method == http.MethodGet:
		b := fhir.Bundle{ResourceType: "Bundle", Type: "searchset"}
		for key, doc := range s.docs {
			if strings.HasPrefix(key, "/fhir/"+kind+"/") {
				raw, _ := json.Marshal(doc)
				b.Entry = append(b.Entry, fhir.BundleEntry{Resource: raw})
			}
		}
		json.NewEncoder(w).Encode(b)

	case r.Method == http.MethodPost:
		var doc map[string]any
		json.NewDecoder(r.Body).Decode(&doc)
		s.seq++
		id := fmt.Sprintf("%s-%d", strings.ToLower(kind), s.seq)
		s.stamp("/fhir/"+kind+"/"+id, id, doc)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(doc)

	case r.Method == http.MethodPut:
		key := r.URL.Path
		if m := r.Header.Get("If-Match"); m != "" {
			want, _ := fhir.ParseETag(m)
			if strconv.Itoa(s.version[key]) != want {
				w.WriteHeader(http.StatusPreconditionFailed)
				json.NewEncoder(w).Encode(fhir.NewOperationOutcome("error", "conflict", "version mismatch"))
				return
			}
		}
		var doc map[string]any
		json.NewDecoder(r.Body).Decode(&doc)
		s.stamp(key, parts[1], doc)
		w.Header().Set("ETag", fhir.FormatETag(strconv.Itoa(s.version[key])))
		json.NewEncoder(w).Encode(doc)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newFHIRStore(t *testing.T, clock *testClock) *FHIRStore {
	t.Helper()
	srv := httptest.NewServer(newFakeFHIRServer(clock.Now))
	t.Cleanup(srv.Close)
	return NewFHIRStore(fhir.NewClient(fhir.Options{BaseURL: srv.URL + "/fhir", Logger: zerolog.Nop()}))
}

func TestFHIRStore_SlotConditionalUpdate(t *testing.T) {
	clock := &testClock{now: at(8, 0)}
	store := newFHIRStore(t, clock)
	ctx := context.Background()

	s, err := store.CreateSlot(ctx, &Slot{ID: "s1", PractitionerID: "prac-1", ScheduleID: "sch-1", ServiceType: "consult", Start: at(9, 0), End: at(9, 30)})
	if err != nil {
		t.Fatalf("create slot: %v", err)
	}
	if s.Version != 1 || s.Status != SlotFree || s.PractitionerID != "prac-1" || s.ScheduleID != "sch-1" {
		t.Fatalf("unexpected new slot %+v", s)
	}
	if _, err := store.CreateSlot(ctx, &Slot{ID: "s1", Start: at(9, 0), End: at(9, 30)}); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("duplicate id should conflict, got %v", err)
	}

	claimed, err := store.UpdateSlotStatus(ctx, "s1", SlotFree, 1, SlotBusyTentative)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Version != 2 || claimed.Status != SlotBusyTentative || !claimed.Start.Equal(at(9, 0)) {
		t.Fatalf("unexpected claimed slot %+v", claimed)
	}
	if _, err := store.UpdateSlotStatus(ctx, "s1", SlotFree, 1, SlotBusyTentative); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale claim should conflict, got %v", err)
	}
	if _, err := store.GetSlot(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing slot should be not found, got %v", err)
	}

	free, err := store.SearchSlots(ctx, SlotQuery{Statuses: []SlotStatus{SlotBusyTentative}, PractitionerID: "prac-1"})
	if err != nil || len(free) != 1 || free[0].ID != "s1" {
		t.Fatalf("search: %v %+v", err, free)
	}
}

func TestFHIRStore_AppointmentRoundTrip(t *testing.T) {
	clock := &testClock{now: at(8, 0)}
	store := newFHIRStore(t, clock)
	ctx := context.Background()

	created, err := store.CreateAppointment(ctx, &Appointment{
		Status:      StatusBooked,
		SlotID:      "s1",
		SlotVersion: 3,
		Start:       at(9, 0),
		End:         at(9, 30),
		Reason:      "checkup",
		ServiceType: "consult",
		Participants: []Participant{
			{ActorType: ActorPatient, ActorID: "P1", Required: ParticipantRequired, Status: ParticipationAccepted},
			{ActorType: ActorPractitioner, ActorID: "prac-1", Required: ParticipantRequired, Status: ParticipationAccepted},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || created.Version != 1 {
		t.Fatalf("unexpected created appointment %+v", created)
	}

	got, err := store.GetAppointment(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PatientID() != "P1" || got.PractitionerID() != "prac-1" || got.SlotID != "s1" || got.SlotVersion != 3 || got.Reason != "checkup" {
		t.Fatalf("appointment did not round-trip: %+v", got)
	}

	next := *got
	next.Status = StatusCancelled
	next.CancellationReason = "patient request"
	updated, err := store.UpdateAppointment(ctx, &next, 1)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 || updated.CancellationReason != "patient request" {
		t.Fatalf("unexpected update %+v", updated)
	}
	if _, err := store.UpdateAppointment(ctx, &next, 1); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale update should conflict, got %v", err)
	}

	list, err := store.SearchAppointments(ctx, AppointmentQuery{PatientID: "P1", Statuses: []AppointmentStatus{StatusCancelled}})
	if err != nil || len(list) != 1 {
		t.Fatalf("search: %v %+v", err, list)
	}
}

func TestFHIRStore_ConcurrentBookingsThroughService(t *testing.T) {
	clock := &testClock{now: at(8, 0)}
	store := newFHIRStore(t, clock)
	ctx := context.Background()
	if _, err := store.CreateSlot(ctx, &Slot{ID: "s1", PractitionerID: "prac-1", Start: at(9, 0), End: at(9, 30)}); err != nil {
		t.Fatalf("create slot: %v", err)
	}

	svc := NewService(store, &recordingPublisher{}, testBookingConfig(), zerolog.Nop(), nil).WithClock(clock.Now)

	var (
		wg        sync.WaitGroup
		successes int32
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Book(ctx, BookingRequest{PatientID: fmt.Sprintf("P%d", i), SlotID: "s1"})
			if err == nil {
				atomic.AddInt32(&successes, 1)
			} else if !errors.Is(err, ErrSlotConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one booking, got %d", successes)
	}
	slot, _ := store.GetSlot(ctx, "s1")
	if slot.Status != SlotBusy || slot.Version != 3 {
		t.Fatalf("slot should be busy at version 3, got %+v", slot)
	}
}
