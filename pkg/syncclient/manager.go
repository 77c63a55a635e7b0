// Package syncclient keeps a client in step with the booking engine's event stream. It
// holds one WebSocket push connection, reconnects with backoff and resumes from the
// last seen seq, and falls back to polling when push keeps failing.
package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-booking-sync/internal/events"
)

type Mode string

const (
	ModeIdle         Mode = "idle"
	ModeConnecting   Mode = "connecting"
	ModePush         Mode = "push"
	ModeReconnecting Mode = "reconnecting"
	ModePoll         Mode = "poll"
	ModeStopped      Mode = "stopped"
)

type SignalKind string

const (
	SignalConnected    SignalKind = "connected"
	SignalDisconnected SignalKind = "disconnected"
	SignalReplayGap    SignalKind = "replay_gap"
	SignalFallback     SignalKind = "fallback_to_poll"
	SignalUnavailable  SignalKind = "realtime_unavailable"
)

// Signal reports a transport change. Gap is set for SignalReplayGap.
type Signal struct {
	Kind SignalKind
	Gap  *ReplayGapError
	Err  error
}

type Config struct {
	PushURL      string // ws://host/ws
	PollURL      string // http://host/events
	Filter       events.Filter
	PushDisabled bool

	InitialBackoff    time.Duration // 500ms
	BackoffFactor     float64       // 2
	MaxBackoff        time.Duration // 30s
	Jitter            float64       // 0.2 means +/-20%, the default
	DialTimeout       time.Duration // 10s, also bounds the welcome frame
	MaxPushFailures   int           // consecutive failed dials before polling, 5
	PollInterval      time.Duration // 5s
	MaxPollDuration   time.Duration // 10m in total without push
	PushRetryInterval time.Duration // how long a poll phase lasts before push is probed again, 1m

	EventBuffer int
	HTTPClient  *http.Client
	Dialer      *websocket.Dialer
	Logger      zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 2
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Jitter <= 0 || c.Jitter >= 1 {
		c.Jitter = 0.2
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.MaxPushFailures <= 0 {
		c.MaxPushFailures = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxPollDuration <= 0 {
		c.MaxPollDuration = 10 * time.Minute
	}
	if c.PushRetryInterval <= 0 {
		c.PushRetryInterval = time.Minute
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

// Manager delivers events with strictly increasing seqs on Events, whatever the
// transport. Both channels are closed when Run returns.
type Manager struct {
	cfg     Config
	logger  zerolog.Logger
	events  chan events.Event
	signals chan Signal

	mu       sync.Mutex
	mode     Mode
	instance string
	lastSeq  uint64
}

func New(cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "syncclient").Logger(),
		events:  make(chan events.Event, cfg.EventBuffer),
		signals: make(chan Signal, 32),
		mode:    ModeIdle,
	}
}

func (m *Manager) Events() <-chan events.Event { return m.events }
func (m *Manager) Signals() <-chan Signal      { return m.signals }

func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// LastSeq is the last seq delivered, or the baseline after a gap.
func (m *Manager) LastSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeq
}

// Instance is the distributor instance LastSeq belongs to.
func (m *Manager) Instance() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instance
}

// Run supervises the transports until ctx ends or polling runs out of budget.
func (m *Manager) Run(ctx context.Context) error {
	defer func() {
		m.setMode(ModeStopped)
		close(m.events)
		close(m.signals)
	}()

	var (
		failures int
		attempt  int
		polled   time.Duration
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !m.cfg.PushDisabled && failures < m.cfg.MaxPushFailures {
			m.setMode(ModeConnecting)
			connected, err := m.runPush(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if connected {
				failures, attempt, polled = 0, 0, 0
				m.notify(ctx, Signal{Kind: SignalDisconnected, Err: err})
			} else {
				failures++
				m.logger.Debug().Err(err).Int("failures", failures).Msg("push dial failed")
			}
			if failures >= m.cfg.MaxPushFailures {
				m.logger.Warn().Err(err).Int("failures", failures).Msg("push unavailable, falling back to polling")
				m.notify(ctx, Signal{Kind: SignalFallback, Err: err})
				continue
			}

			m.setMode(ModeReconnecting)
			if !sleep(ctx, m.backoff(attempt)) {
				return ctx.Err()
			}
			attempt++
			continue
		}

		used, err := m.runPoll(ctx, m.cfg.MaxPollDuration-polled)
		polled += used
		if err != nil {
			if errors.Is(err, ErrRealtimeUnavailable) {
				m.logger.Error().Dur("polled", polled).Msg("real-time updates unavailable")
				m.notify(ctx, Signal{Kind: SignalUnavailable, Err: err})
			}
			return err
		}
		// probe push once; a single failure returns to polling
		failures = m.cfg.MaxPushFailures - 1
	}
}

// backoff is InitialBackoff * factor^attempt, capped, with jitter.
func (m *Manager) backoff(attempt int) time.Duration {
	d := float64(m.cfg.InitialBackoff) * math.Pow(m.cfg.BackoffFactor, float64(attempt))
	if d > float64(m.cfg.MaxBackoff) {
		d = float64(m.cfg.MaxBackoff)
	}
	d += (rand.Float64()*2 - 1) * m.cfg.Jitter * d
	return time.Duration(d)
}

// runPush holds one push session. connected reports whether the welcome arrived.
func (m *Manager) runPush(ctx context.Context) (connected bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, _, err := m.cfg.Dialer.DialContext(dialCtx, m.cfg.PushURL, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", m.cfg.PushURL, err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	hello := events.ClientFrame{Action: "subscribe", Filter: m.cfg.Filter}
	m.mu.Lock()
	if m.instance != "" {
		seq := m.lastSeq
		hello.LastSeq = &seq
		hello.Instance = m.instance
	}
	m.mu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.DialTimeout))
	if err := conn.WriteJSON(hello); err != nil {
		return false, fmt.Errorf("send subscribe: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.DialTimeout))
	var welcome events.ServerFrame
	if err := conn.ReadJSON(&welcome); err != nil {
		return false, fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Type != events.FrameWelcome {
		return false, fmt.Errorf("expected welcome frame, got %q", welcome.Type)
	}

	m.mu.Lock()
	if m.instance == "" {
		m.instance = welcome.Instance
		m.lastSeq = welcome.Seq
	}
	m.mu.Unlock()

	m.setMode(ModePush)
	m.logger.Info().Str("instance", welcome.Instance).Uint64("seq", welcome.Seq).Msg("push connected")
	m.notify(ctx, Signal{Kind: SignalConnected})

	// the server pings every ~54s
	const readWait = 90 * time.Second
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		var f events.ServerFrame
		if err := conn.ReadJSON(&f); err != nil {
			return true, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		switch f.Type {
		case events.FrameEvent:
			if f.Event == nil {
				continue
			}
			if !m.deliver(ctx, *f.Event) {
				return true, ctx.Err()
			}
			_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.DialTimeout))
			if err := conn.WriteJSON(events.ClientFrame{Action: "ack", Seq: f.Event.Seq}); err != nil {
				return true, err
			}
		case events.FrameReplayGap:
			if f.Gap != nil {
				m.gap(ctx, welcome.Instance, f.Gap)
			}
		}
	}
}

// runPoll polls until budget is spent, push is due for another try, or ctx ends.
func (m *Manager) runPoll(ctx context.Context, budget time.Duration) (time.Duration, error) {
	m.setMode(ModePoll)
	start := time.Now()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := m.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return time.Since(start), ctx.Err()
			}
			m.logger.Warn().Err(err).Msg("poll failed")
		}

		elapsed := time.Since(start)
		if elapsed >= budget {
			return elapsed, ErrRealtimeUnavailable
		}
		if !m.cfg.PushDisabled && elapsed >= m.cfg.PushRetryInterval {
			return elapsed, nil
		}

		select {
		case <-ctx.Done():
			return time.Since(start), ctx.Err()
		case <-ticker.C:
		}
	}
}

type pollGap struct {
	Error    string                 `json:"error"`
	Instance string                 `json:"instance"`
	Seq      uint64                 `json:"seq"`
	Gap      *events.ReplayGapError `json:"gap"`
}

func (m *Manager) pollOnce(ctx context.Context) error {
	m.mu.Lock()
	instance, since := m.instance, m.lastSeq
	m.mu.Unlock()

	q := url.Values{}
	if instance != "" {
		q.Set("since", strconv.FormatUint(since, 10))
		q.Set("instance", instance)
	}
	if m.cfg.Filter.PatientID != "" {
		q.Set("patient", m.cfg.Filter.PatientID)
	}
	if m.cfg.Filter.PractitionerID != "" {
		q.Set("practitioner", m.cfg.Filter.PractitionerID)
	}
	if len(m.cfg.Filter.ResourceTypes) > 0 {
		q.Set("types", strings.Join(m.cfg.Filter.ResourceTypes, ","))
	}

	target := m.cfg.PollURL
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build poll request: %w", err)
	}
	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body events.PollResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("decode poll response: %w", err)
		}
		if instance == "" {
			// first contact starts live, like a fresh push subscription
			m.mu.Lock()
			m.instance, m.lastSeq = body.Instance, body.Seq
			m.mu.Unlock()
			return nil
		}
		for _, e := range body.Events {
			if !m.deliver(ctx, e) {
				return ctx.Err()
			}
		}
		// events filtered out still move the cursor
		m.advance(body.Seq)
		return nil

	case http.StatusGone:
		var body pollGap
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("decode poll gap: %w", err)
		}
		if body.Gap == nil {
			return errors.New("poll answered 410 without a gap")
		}
		m.gap(ctx, body.Instance, body.Gap)
		return nil

	default:
		return fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}
}

// deliver forwards e unless it was already delivered. It returns false when ctx ended.
func (m *Manager) deliver(ctx context.Context, e events.Event) bool {
	m.mu.Lock()
	if e.Seq <= m.lastSeq {
		m.mu.Unlock()
		return true
	}
	m.lastSeq = e.Seq
	m.mu.Unlock()

	select {
	case m.events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) advance(seq uint64) {
	m.mu.Lock()
	if seq > m.lastSeq {
		m.lastSeq = seq
	}
	m.mu.Unlock()
}

// gap moves the baseline to the server's current seq and tells the caller to resync.
func (m *Manager) gap(ctx context.Context, instance string, g *events.ReplayGapError) {
	m.mu.Lock()
	m.instance = instance
	m.lastSeq = g.Current
	m.mu.Unlock()

	ge := gapFrom(instance, g)
	m.logger.Warn().Err(ge).Msg("events missed, caller must resynchronize")
	m.notify(ctx, Signal{Kind: SignalReplayGap, Gap: ge, Err: ge})
}

// notify blocks for gaps and unavailability, which the caller must see. Other
// signals are dropped when nobody is listening.
func (m *Manager) notify(ctx context.Context, s Signal) {
	if s.Kind == SignalReplayGap || s.Kind == SignalUnavailable {
		select {
		case m.signals <- s:
		case <-ctx.Done():
		}
		return
	}
	select {
	case m.signals <- s:
	default:
	}
}

func (m *Manager) setMode(mode Mode) {
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
