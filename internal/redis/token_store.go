package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hackgods/appointment-booking-sync/internal/auth"
)

// TokenStore keeps the OAuth session under one key per scope. The key expires with
// the access token.
type TokenStore struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

func NewTokenStore(client *redis.Client, scope string) *TokenStore {
	return &TokenStore{client: client, key: "auth:token:" + scope, now: time.Now}
}

func (s *TokenStore) Load(ctx context.Context) (*auth.Token, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	var t auth.Token
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode stored token: %w", err)
	}
	return &t, nil
}

func (s *TokenStore) Save(ctx context.Context, t *auth.Token) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	var ttl time.Duration // 0 keeps the key without expiry
	if !t.Expiry.IsZero() {
		ttl = t.Expiry.Sub(s.now())
		if ttl <= 0 {
			return s.Clear(ctx)
		}
	}
	if err := s.client.Set(ctx, s.key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (s *TokenStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}
