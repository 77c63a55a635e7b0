package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	gaps   []*ReplayGapError
	fail   bool
}

func (s *recordingSink) Send(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return ErrSinkFull
	}
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) SendGap(g *ReplayGapError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gaps = append(s.gaps, g)
	return nil
}

func (s *recordingSink) seqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.events))
	for i, e := range s.events {
		out[i] = e.Seq
	}
	return out
}

func newTestDistributor(size int, retention time.Duration, now func() time.Time) *Distributor {
	return NewDistributor(Options{BufferSize: size, Retention: retention, Logger: zerolog.Nop(), Now: now})
}

func notice(id string) Notice {
	return Notice{Type: TypeResourceUpdated, ResourceType: "Appointment", ResourceID: id, PatientID: "pat-1"}
}

func TestEmit_AssignsIncreasingSeq(t *testing.T) {
	d := newTestDistributor(10, 0, nil)
	sink := &recordingSink{}
	d.Subscribe(Filter{}, sink)

	for i := 0; i < 5; i++ {
		d.Emit(notice("a"))
	}

	got := sink.seqs()
	if len(got) != 5 {
		t.Fatalf("expected 5 events, got %d", len(got))
	}
	for i, s := range got {
		if s != uint64(i+1) {
			t.Fatalf("event %d has seq %d", i, s)
		}
	}
	if d.Seq() != 5 {
		t.Fatalf("expected current seq 5, got %d", d.Seq())
	}
}

func TestEmit_ConcurrentPublishersKeepOrder(t *testing.T) {
	d := newTestDistributor(1000, 0, nil)
	sink := &recordingSink{}
	d.Subscribe(Filter{}, sink)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				d.Emit(notice("a"))
			}
		}()
	}
	wg.Wait()

	got := sink.seqs()
	if len(got) != 400 {
		t.Fatalf("expected 400 events, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i] != got[i-1]+1 {
			t.Fatalf("out of order delivery at %d: %d after %d", i, got[i], got[i-1])
		}
	}
}

func TestFilter_Matches(t *testing.T) {
	appt := Event{ResourceType: "Appointment", PatientID: "pat-1", PractitionerID: "prac-1"}
	slot := Event{ResourceType: "Slot", PractitionerID: "prac-1"}

	cases := []struct {
		name   string
		filter Filter
		event  Event
		want   bool
	}{
		{"empty filter", Filter{}, appt, true},
		{"same patient", Filter{PatientID: "pat-1"}, appt, true},
		{"other patient", Filter{PatientID: "pat-2"}, appt, false},
		{"patient filter passes slot events", Filter{PatientID: "pat-2"}, slot, true},
		{"practitioner mismatch", Filter{PractitionerID: "prac-9"}, slot, false},
		{"type filter", Filter{ResourceTypes: []string{"appointment"}}, slot, false},
		{"type filter hit", Filter{ResourceTypes: []string{"Slot", "Appointment"}}, slot, true},
	}
	for _, tc := range cases {
		if got := tc.filter.Matches(tc.event); got != tc.want {
			t.Fatalf("%s: Matches=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSubscribeFrom_ReplaysMissedEvents(t *testing.T) {
	d := newTestDistributor(100, 0, nil)

	for i := 0; i < 10; i++ {
		d.Emit(notice("a"))
	}

	sink := &recordingSink{}
	_, gap := d.SubscribeFrom(Filter{}, sink, 4)
	if gap != nil {
		t.Fatalf("unexpected gap: %v", gap)
	}
	d.Emit(notice("a"))

	got := sink.seqs()
	want := []uint64{5, 6, 7, 8, 9, 10, 11}
	if len(got) != len(want) {
		t.Fatalf("got seqs %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got seqs %v, want %v", got, want)
		}
	}
}

func TestSubscribeFrom_GapWhenEvicted(t *testing.T) {
	d := newTestDistributor(3, 0, nil)
	for i := 0; i < 10; i++ {
		d.Emit(notice("a"))
	}

	sink := &recordingSink{}
	sub, gap := d.SubscribeFrom(Filter{}, sink, 2)
	if gap == nil {
		t.Fatal("expected a replay gap")
	}
	if gap.Requested != 3 || gap.Oldest != 8 || gap.Current != 10 {
		t.Fatalf("unexpected gap %+v", gap)
	}
	if !errors.Is(gap, ErrReplayGap) {
		t.Fatal("gap should match ErrReplayGap")
	}
	if len(sink.gaps) != 1 {
		t.Fatalf("expected the gap in-band, got %d", len(sink.gaps))
	}
	if sub == nil || d.SubscriberCount() != 1 {
		t.Fatal("subscription should still be registered from the current seq")
	}

	d.Emit(notice("a"))
	if got := sink.seqs(); len(got) != 1 || got[0] != 11 {
		t.Fatalf("expected only live event 11, got %v", got)
	}
}

func TestSince_GapFromOtherInstance(t *testing.T) {
	d := newTestDistributor(10, 0, nil)
	d.Emit(notice("a"))

	_, _, err := d.Since(42, Filter{})
	if !errors.Is(err, ErrReplayGap) {
		t.Fatalf("expected replay gap for a seq beyond current, got %v", err)
	}
}

func TestSince_RetentionAge(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	d := newTestDistributor(100, time.Minute, clock)

	d.Emit(notice("a")) // seq 1 at 09:00
	now = now.Add(2 * time.Minute)
	d.Emit(notice("a")) // seq 2 at 09:02

	if _, _, err := d.Since(0, Filter{}); !errors.Is(err, ErrReplayGap) {
		t.Fatalf("seq 1 aged out, expected gap, got %v", err)
	}
	evts, seq, err := d.Since(1, Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seq != 2 || len(evts) != 1 || evts[0].Seq != 2 {
		t.Fatalf("unexpected poll result seq=%d events=%v", seq, evts)
	}
}

func TestSince_UpToDateReturnsNothing(t *testing.T) {
	d := newTestDistributor(10, 0, nil)
	evts, seq, err := d.Since(0, Filter{})
	if err != nil || seq != 0 || len(evts) != 0 {
		t.Fatalf("fresh distributor: events=%v seq=%d err=%v", evts, seq, err)
	}
}

func TestDegradedSubscriberIsDropped(t *testing.T) {
	d := newTestDistributor(10, 0, nil)
	bad := &recordingSink{fail: true}
	good := &recordingSink{}
	badSub := d.Subscribe(Filter{}, bad)
	d.Subscribe(Filter{}, good)

	d.Emit(notice("a"))

	select {
	case <-badSub.Degraded():
	default:
		t.Fatal("failing subscriber should be degraded")
	}
	if d.SubscriberCount() != 1 {
		t.Fatalf("expected 1 live subscriber, got %d", d.SubscriberCount())
	}

	d.Emit(notice("a"))
	if got := good.seqs(); len(got) != 2 {
		t.Fatalf("healthy subscriber should keep receiving, got %v", got)
	}

	// the degraded client catches up by polling
	evts, _, err := d.Since(0, Filter{})
	if err != nil || len(evts) != 2 {
		t.Fatalf("poll after degrade: events=%d err=%v", len(evts), err)
	}
}

func TestRing_WrapsAround(t *testing.T) {
	r := newRing(3)
	for i := uint64(1); i <= 5; i++ {
		r.push(Event{Seq: i})
	}
	first, ok := r.first()
	if !ok || first.Seq != 3 {
		t.Fatalf("expected oldest seq 3, got %d", first.Seq)
	}
	if got := r.after(3); len(got) != 2 || got[0].Seq != 4 || got[1].Seq != 5 {
		t.Fatalf("unexpected tail %v", got)
	}
}

func TestResume_OtherInstanceIsAGap(t *testing.T) {
	d := newTestDistributor(10, 0, nil)
	for i := 0; i < 4; i++ {
		d.Emit(notice("a"))
	}

	sink := &recordingSink{}
	sub, gap := d.Resume(Filter{}, sink, "some-previous-instance", 2)
	if gap == nil || gap.Current != 4 || len(sink.gaps) != 1 {
		t.Fatalf("expected gap reported in-band, got %+v (%d gap frames)", gap, len(sink.gaps))
	}
	if len(sink.events) != 0 {
		t.Fatalf("events of another instance must not be replayed, got %v", sink.seqs())
	}

	d.Emit(notice("b"))
	if got := sink.seqs(); len(got) != 1 || got[0] != 5 || sub.LastSeq() != 5 {
		t.Fatalf("subscription should continue live from the current seq, got %v", got)
	}

	if _, _, err := d.Poll(d.Instance(), 2, Filter{}); err != nil {
		t.Fatalf("same instance poll should replay, got %v", err)
	}
	if _, _, err := d.Poll("other", 2, Filter{}); !errors.Is(err, ErrReplayGap) {
		t.Fatalf("other instance poll should be a gap, got %v", err)
	}
}
