package events

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	subscribeWait  = 10 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 256
)

const (
	FrameWelcome   = "welcome"
	FrameEvent     = "event"
	FrameReplayGap = "replay_gap"
)

// ServerFrame is every message the server writes on a push connection.
type ServerFrame struct {
	Type     string          `json:"type"`
	Instance string          `json:"instance,omitempty"`
	Seq      uint64          `json:"seq,omitempty"`
	Event    *Event          `json:"event,omitempty"`
	Gap      *ReplayGapError `json:"gap,omitempty"`
}

// ClientFrame is every message a client may send. The first one must be a subscribe.
type ClientFrame struct {
	Action   string  `json:"action"` // subscribe, ack
	Filter   Filter  `json:"filter"`
	Instance string  `json:"instance,omitempty"` // instance that issued LastSeq
	LastSeq  *uint64 `json:"last_seq,omitempty"`
	Seq      uint64  `json:"seq,omitempty"`
}

// PushHandler upgrades GET /ws to a WebSocket and streams events to it.
type PushHandler struct {
	dist     *Distributor
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func NewPushHandler(d *Distributor, logger zerolog.Logger) *PushHandler {
	return &PushHandler{
		dist:   d,
		logger: logger.With().Str("component", "push").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *PushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(subscribeWait))

	var hello ClientFrame
	if err := conn.ReadJSON(&hello); err != nil || hello.Action != "subscribe" {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected subscribe"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	c := &pushClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	welcomeSeq := h.dist.Seq()
	if err := c.enqueue(ServerFrame{Type: FrameWelcome, Instance: h.dist.Instance(), Seq: welcomeSeq}); err != nil {
		conn.Close()
		return
	}

	// a fresh subscriber starts at the welcome seq, so whatever was emitted since the
	// welcome was built is replayed
	instance, from := h.dist.Instance(), welcomeSeq
	if hello.LastSeq != nil {
		instance, from = hello.Instance, *hello.LastSeq
	}
	sub, gap := h.dist.Resume(hello.Filter, c, instance, from)
	if gap != nil {
		h.logger.Info().Uint64("requested", gap.Requested).Uint64("oldest", gap.Oldest).Msg("replay gap on resume")
	}

	log := h.logger.With().Str("subscription", sub.ID()).Logger()
	log.Debug().Msg("push subscriber connected")

	go c.writePump()
	go func() {
		select {
		case <-sub.Degraded():
			// The client resumes from its last seq on the next connection.
			c.close()
		case <-c.done:
		}
	}()
	c.readPump(sub)

	h.dist.Unsubscribe(sub)
	c.close()
	log.Debug().Uint64("acked", sub.Acked()).Msg("push subscriber disconnected")
}

type pushClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *pushClient) Send(e Event) error {
	return c.enqueue(ServerFrame{Type: FrameEvent, Seq: e.Seq, Event: &e})
}

func (c *pushClient) SendGap(gap *ReplayGapError) error {
	return c.enqueue(ServerFrame{Type: FrameReplayGap, Seq: gap.Current, Gap: gap})
}

func (c *pushClient) enqueue(f ServerFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSinkFull
	}
}

func (c *pushClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *pushClient) readPump(sub *Subscription) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f ClientFrame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if f.Action == "ack" {
			sub.Ack(f.Seq)
		}
	}
}

func (c *pushClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
