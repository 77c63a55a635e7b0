package redisclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-booking-sync/internal/events"
)

const DefaultRelayChannel = "booking:events"

type relayEnvelope struct {
	Origin string        `json:"origin"`
	Notice events.Notice `json:"notice"`
}

// Relay carries notices between processes over redis pub/sub. Processes that publish
// locally and also listen skip their own messages by origin.
type Relay struct {
	client  *redis.Client
	channel string
	origin  string
	logger  zerolog.Logger
}

func NewRelay(client *redis.Client, channel, origin string, logger zerolog.Logger) *Relay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &Relay{
		client:  client,
		channel: channel,
		origin:  origin,
		logger:  logger.With().Str("component", "relay").Logger(),
	}
}

// Publish implements events.Publisher.
func (r *Relay) Publish(ctx context.Context, n events.Notice) error {
	raw, err := json.Marshal(relayEnvelope{Origin: r.origin, Notice: n})
	if err != nil {
		return fmt.Errorf("encode notice: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, raw).Err(); err != nil {
		return fmt.Errorf("relay notice: %w", err)
	}
	return nil
}

// Emitter is the sequencing side of events.Distributor.
type Emitter interface {
	Emit(n events.Notice) events.Event
}

// Listen forwards relayed notices from other processes into dst until ctx ends.
// ready, if non-nil, is closed once the subscription is active.
func (r *Relay) Listen(ctx context.Context, dst Emitter, ready chan<- struct{}) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	r.logger.Info().Str("channel", r.channel).Msg("relay listening")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn().Err(err).Msg("dropping malformed relay message")
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			e := dst.Emit(env.Notice)
			r.logger.Debug().Uint64("seq", e.Seq).Str("type", string(e.Type)).Str("origin", env.Origin).Msg("relayed event")
		}
	}
}
