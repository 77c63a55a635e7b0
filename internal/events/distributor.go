package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-booking-sync/internal/obs"
)

var ErrSinkFull = errors.New("subscriber buffer full")

// Sink receives events for one subscription. Send is called with the distributor lock
// held and must not block.
type Sink interface {
	Send(Event) error
}

// GapSink is implemented by sinks that want a replay gap reported in-band, ahead of any
// live event.
type GapSink interface {
	Sink
	SendGap(*ReplayGapError) error
}

type SinkFunc func(Event) error

func (f SinkFunc) Send(e Event) error { return f(e) }

type Subscription struct {
	id       string
	filter   Filter
	sink     Sink
	degraded chan struct{}
	once     sync.Once

	mu      sync.Mutex
	lastSeq uint64 // last seq handed to the sink
	acked   uint64
}

func (s *Subscription) ID() string { return s.id }

// Degraded is closed when a push to the sink failed and the subscription was dropped.
func (s *Subscription) Degraded() <-chan struct{} { return s.degraded }

func (s *Subscription) IsDegraded() bool {
	select {
	case <-s.degraded:
		return true
	default:
		return false
	}
}

// Ack records the last seq the client confirmed.
func (s *Subscription) Ack(seq uint64) {
	s.mu.Lock()
	if seq > s.acked {
		s.acked = seq
	}
	s.mu.Unlock()
}

func (s *Subscription) Acked() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked
}

func (s *Subscription) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

func (s *Subscription) deliver(e Event) error {
	if !s.filter.Matches(e) {
		return nil
	}
	if err := s.sink.Send(e); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSeq = e.Seq
	s.mu.Unlock()
	return nil
}

type Options struct {
	BufferSize int
	Retention  time.Duration
	Logger     zerolog.Logger
	Metrics    *obs.Metrics
	Now        func() time.Time
}

// Distributor assigns a process-wide sequence number to every notice, keeps a bounded
// replay buffer and pushes each event to the matching subscriptions in seq order.
type Distributor struct {
	mu       sync.Mutex
	instance string
	seq      uint64
	ring     *ring
	subs     map[string]*Subscription

	retention time.Duration
	logger    zerolog.Logger
	metrics   *obs.Metrics
	now       func() time.Time
}

func NewDistributor(opts Options) *Distributor {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 500
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Distributor{
		instance:  uuid.NewString(),
		ring:      newRing(opts.BufferSize),
		subs:      make(map[string]*Subscription),
		retention: opts.Retention,
		logger:    opts.Logger.With().Str("component", "distributor").Logger(),
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
}

// Instance identifies this distributor. Sequence numbers from a different instance are
// not comparable.
func (d *Distributor) Instance() string { return d.instance }

func (d *Distributor) Seq() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq
}

// Publish implements Publisher.
func (d *Distributor) Publish(_ context.Context, n Notice) error {
	d.Emit(n)
	return nil
}

// Emit sequences n, appends it to the replay buffer and fans it out.
func (d *Distributor) Emit(n Notice) Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	e := Event{
		Seq:            d.seq,
		Type:           n.Type,
		ResourceType:   n.ResourceType,
		ResourceID:     n.ResourceID,
		PatientID:      n.PatientID,
		PractitionerID: n.PractitionerID,
		Data:           n.Data,
		Timestamp:      d.now().UTC(),
	}
	d.ring.push(e)
	d.pruneLocked()

	if d.metrics != nil {
		d.metrics.EventsPublished.WithLabelValues(string(e.Type)).Inc()
	}

	for id, sub := range d.subs {
		if err := sub.deliver(e); err != nil {
			d.degradeLocked(id, sub, err)
		}
	}
	return e
}

// Subscribe registers a live subscription starting after the current seq.
func (d *Distributor) Subscribe(f Filter, sink Sink) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registerLocked(f, sink, d.seq)
}

// SubscribeFrom replays every retained event after lastSeq and registers the
// subscription in one step, so nothing published concurrently is missed or duplicated.
// When the buffer no longer covers lastSeq+1 the subscription still starts from the
// current seq and the gap is returned (and reported through GapSink when implemented).
func (d *Distributor) SubscribeFrom(f Filter, sink Sink, lastSeq uint64) (*Subscription, *ReplayGapError) {
	return d.Resume(f, sink, "", lastSeq)
}

// Resume is SubscribeFrom for a client that remembers which instance issued lastSeq.
// Seqs of another instance are not comparable, so a different instance is always a gap.
// An empty instance is taken to be this one.
func (d *Distributor) Resume(f Filter, sink Sink, instance string, lastSeq uint64) (*Subscription, *ReplayGapError) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pruneLocked()
	sub := d.registerLocked(f, sink, d.seq)

	if gap := d.gapLocked(instance, lastSeq); gap != nil {
		if gs, ok := sink.(GapSink); ok {
			if err := gs.SendGap(gap); err != nil {
				d.degradeLocked(sub.id, sub, err)
			}
		}
		return sub, gap
	}

	for _, e := range d.ring.after(lastSeq) {
		if err := sub.deliver(e); err != nil {
			d.degradeLocked(sub.id, sub, err)
			break
		}
	}
	return sub, nil
}

// Since returns the retained events after lastSeq that match f, for polling clients.
func (d *Distributor) Since(lastSeq uint64, f Filter) ([]Event, uint64, error) {
	return d.Poll("", lastSeq, f)
}

// Poll is Since for a client that remembers which instance issued lastSeq.
func (d *Distributor) Poll(instance string, lastSeq uint64, f Filter) ([]Event, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pruneLocked()
	if gap := d.gapLocked(instance, lastSeq); gap != nil {
		return nil, d.seq, gap
	}

	var out []Event
	for _, e := range d.ring.after(lastSeq) {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out, d.seq, nil
}

func (d *Distributor) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subs[sub.id]; ok {
		delete(d.subs, sub.id)
		d.setGaugeLocked()
	}
}

func (d *Distributor) SubscriberCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

func (d *Distributor) registerLocked(f Filter, sink Sink, seq uint64) *Subscription {
	sub := &Subscription{
		id:       uuid.NewString(),
		filter:   f,
		sink:     sink,
		degraded: make(chan struct{}),
		lastSeq:  seq,
	}
	d.subs[sub.id] = sub
	d.setGaugeLocked()
	return sub
}

// gapLocked reports whether the events after lastSeq can no longer be replayed. A
// lastSeq beyond the current seq means the client saw a previous instance.
func (d *Distributor) gapLocked(instance string, lastSeq uint64) *ReplayGapError {
	oldest := d.seq + 1
	if first, ok := d.ring.first(); ok {
		oldest = first.Seq
	}
	if instance != "" && instance != d.instance {
		return &ReplayGapError{Requested: lastSeq + 1, Oldest: oldest, Current: d.seq}
	}
	if lastSeq == d.seq {
		return nil
	}
	if lastSeq > d.seq || lastSeq+1 < oldest {
		return &ReplayGapError{Requested: lastSeq + 1, Oldest: oldest, Current: d.seq}
	}
	return nil
}

func (d *Distributor) degradeLocked(id string, sub *Subscription, err error) {
	delete(d.subs, id)
	d.setGaugeLocked()
	sub.once.Do(func() { close(sub.degraded) })
	if d.metrics != nil {
		d.metrics.DegradedTotal.Inc()
	}
	d.logger.Warn().Err(err).Str("subscription", id).Msg("push failed, subscriber degraded to polling")
}

func (d *Distributor) pruneLocked() {
	if d.retention <= 0 {
		return
	}
	cutoff := d.now().Add(-d.retention)
	for {
		e, ok := d.ring.first()
		if !ok || !e.Timestamp.Before(cutoff) {
			return
		}
		d.ring.shift()
	}
}

func (d *Distributor) setGaugeLocked() {
	if d.metrics != nil {
		d.metrics.Subscriptions.Set(float64(len(d.subs)))
	}
}

// ring is a fixed capacity FIFO of events ordered by seq.
type ring struct {
	buf   []Event
	start int
	n     int
}

func newRing(size int) *ring {
	return &ring{buf: make([]Event, size)}
}

func (r *ring) push(e Event) {
	if r.n == len(r.buf) {
		r.buf[r.start] = e
		r.start = (r.start + 1) % len(r.buf)
		return
	}
	r.buf[(r.start+r.n)%len(r.buf)] = e
	r.n++
}

func (r *ring) first() (Event, bool) {
	if r.n == 0 {
		return Event{}, false
	}
	return r.buf[r.start], true
}

func (r *ring) shift() {
	if r.n == 0 {
		return
	}
	r.buf[r.start] = Event{}
	r.start = (r.start + 1) % len(r.buf)
	r.n--
}

func (r *ring) after(seq uint64) []Event {
	out := make([]Event, 0, r.n)
	for i := 0; i < r.n; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}
