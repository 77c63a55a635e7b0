package syncclient

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-booking-sync/internal/events"
)

// connTracker remembers hijacked connections so a test can cut them server-side.
type connTracker struct {
	mu    sync.Mutex
	conns []net.Conn
}

type trackingWriter struct {
	http.ResponseWriter
	t *connTracker
}

func (w trackingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(w.ResponseWriter).Hijack()
	if err == nil {
		w.t.mu.Lock()
		w.t.conns = append(w.t.conns, conn)
		w.t.mu.Unlock()
	}
	return conn, rw, err
}

func (t *connTracker) wrap(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(trackingWriter{ResponseWriter: w, t: t}, r)
	})
}

func (t *connTracker) cut() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.conns {
		c.Close()
	}
	t.conns = nil
}

type testServer struct {
	dist    *events.Distributor
	srv     *httptest.Server
	tracker *connTracker
}

func newTestServer(t *testing.T, bufferSize int) *testServer {
	t.Helper()
	d := events.NewDistributor(events.Options{BufferSize: bufferSize, Logger: zerolog.Nop()})
	tracker := &connTracker{}
	mux := http.NewServeMux()
	mux.Handle("/ws", tracker.wrap(events.NewPushHandler(d, zerolog.Nop())))
	mux.Handle("/events", events.NewPollHandler(d))
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		tracker.cut()
		srv.Close()
	})
	return &testServer{dist: d, srv: srv, tracker: tracker}
}

func (s *testServer) config() Config {
	return Config{
		PushURL:        "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws",
		PollURL:        s.srv.URL + "/events",
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		DialTimeout:    time.Second,
		PollInterval:   20 * time.Millisecond,
		Logger:         zerolog.Nop(),
	}
}

func (s *testServer) emit(id string) events.Event {
	return s.dist.Emit(events.Notice{Type: events.TypeSlotUpdated, ResourceType: "Slot", ResourceID: id})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func next(t *testing.T, m *Manager) events.Event {
	t.Helper()
	select {
	case e, ok := <-m.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("no event delivered")
	}
	return events.Event{}
}

func nextSignal(t *testing.T, m *Manager, kind SignalKind) Signal {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-m.Signals():
			if s.Kind == kind {
				return s
			}
		case <-deadline:
			t.Fatalf("no %s signal", kind)
		}
	}
}

func start(t *testing.T, m *Manager) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestManager_PushResumesWithoutLossOrDuplicates(t *testing.T) {
	s := newTestServer(t, 100)
	cfg := s.config()
	cfg.InitialBackoff = 200 * time.Millisecond
	m := New(cfg)
	start(t, m)

	waitFor(t, "push subscription", func() bool { return m.Mode() == ModePush && s.dist.SubscriberCount() == 1 })
	for i := 0; i < 3; i++ {
		s.emit("s")
	}
	for want := uint64(1); want <= 3; want++ {
		if e := next(t, m); e.Seq != want {
			t.Fatalf("expected seq %d, got %d", want, e.Seq)
		}
	}

	s.tracker.cut()
	waitFor(t, "server to drop the subscriber", func() bool { return s.dist.SubscriberCount() == 0 })
	s.emit("s")
	s.emit("s")

	for want := uint64(4); want <= 5; want++ {
		if e := next(t, m); e.Seq != want {
			t.Fatalf("expected seq %d after reconnect, got %d", want, e.Seq)
		}
	}
	waitFor(t, "resubscription", func() bool { return s.dist.SubscriberCount() == 1 })
	s.emit("s")
	if e := next(t, m); e.Seq != 6 {
		t.Fatalf("expected live seq 6, got %d", e.Seq)
	}
	if m.LastSeq() != 6 || m.Instance() != s.dist.Instance() {
		t.Fatalf("unexpected cursor %d@%s", m.LastSeq(), m.Instance())
	}
}

func TestManager_ReportsReplayGap(t *testing.T) {
	s := newTestServer(t, 2)
	cfg := s.config()
	cfg.InitialBackoff = 300 * time.Millisecond
	m := New(cfg)
	start(t, m)

	waitFor(t, "push subscription", func() bool { return s.dist.SubscriberCount() == 1 })
	s.emit("s")
	if e := next(t, m); e.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", e.Seq)
	}

	s.tracker.cut()
	waitFor(t, "server to drop the subscriber", func() bool { return s.dist.SubscriberCount() == 0 })
	for i := 0; i < 5; i++ {
		s.emit("s")
	}

	sig := nextSignal(t, m, SignalReplayGap)
	if sig.Gap == nil || sig.Gap.Requested != 2 || sig.Gap.Current != 6 || !errors.Is(sig.Err, ErrReplayGap) {
		t.Fatalf("unexpected gap signal %+v", sig)
	}
	if m.LastSeq() != 6 {
		t.Fatalf("baseline should move to the current seq, got %d", m.LastSeq())
	}

	waitFor(t, "resubscription", func() bool { return s.dist.SubscriberCount() == 1 })
	s.emit("s")
	if e := next(t, m); e.Seq != 7 {
		t.Fatalf("expected seq 7 after the gap, got %d", e.Seq)
	}
}

func TestManager_PollsWhenPushDisabled(t *testing.T) {
	s := newTestServer(t, 100)
	cfg := s.config()
	cfg.PushDisabled = true
	cfg.Filter = events.Filter{ResourceTypes: []string{"Slot"}}
	m := New(cfg)
	start(t, m)

	waitFor(t, "first poll", func() bool { return m.Mode() == ModePoll && m.Instance() != "" })
	s.dist.Emit(events.Notice{Type: events.TypeResourceCreated, ResourceType: "Appointment", ResourceID: "a"})
	s.emit("s1")
	s.emit("s2")

	if e := next(t, m); e.Seq != 2 || e.ResourceID != "s1" {
		t.Fatalf("expected s1 at seq 2, got %+v", e)
	}
	if e := next(t, m); e.Seq != 3 {
		t.Fatalf("expected seq 3, got %d", e.Seq)
	}
	if s.dist.SubscriberCount() != 0 {
		t.Fatal("polling must not open push subscriptions")
	}
}

func TestManager_FallsBackAfterPushFailures(t *testing.T) {
	s := newTestServer(t, 100)
	cfg := s.config()
	cfg.PushURL = "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/nowhere"
	cfg.MaxPushFailures = 2
	m := New(cfg)
	start(t, m)

	nextSignal(t, m, SignalFallback)
	waitFor(t, "poll mode", func() bool { return m.Mode() == ModePoll && m.Instance() != "" })
	s.emit("s1")
	if e := next(t, m); e.ResourceID != "s1" {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestManager_GivesUpAfterMaxPollDuration(t *testing.T) {
	s := newTestServer(t, 100)
	cfg := s.config()
	cfg.PushDisabled = true
	cfg.MaxPollDuration = 100 * time.Millisecond
	m := New(cfg)
	_, done := start(t, m)

	select {
	case err := <-done:
		if !errors.Is(err, ErrRealtimeUnavailable) {
			t.Fatalf("expected ErrRealtimeUnavailable, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not give up")
	}

	var seen bool
	for sig := range m.Signals() {
		if sig.Kind == SignalUnavailable {
			seen = true
		}
	}
	if !seen {
		t.Fatal("caller was not told that real-time updates are unavailable")
	}
	if m.Mode() != ModeStopped {
		t.Fatalf("expected stopped, got %s", m.Mode())
	}
}

func TestBackoffIsCappedWithJitter(t *testing.T) {
	m := New(Config{})
	for attempt, base := range []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second} {
		d := m.backoff(attempt)
		lo, hi := time.Duration(float64(base)*0.8), time.Duration(float64(base)*1.2)
		if d < lo || d > hi {
			t.Errorf("attempt %d: %s outside [%s, %s]", attempt, d, lo, hi)
		}
	}
	if d := m.backoff(20); d > 36*time.Second || d < 24*time.Second {
		t.Errorf("backoff not capped: %s", d)
	}
}
