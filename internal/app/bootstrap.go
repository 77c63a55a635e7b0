// Package app wires configuration into the shared collaborators the binaries need: the
// persistence store for the configured driver, redis, and the OAuth session.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-booking-sync/internal/api"
	"github.com/hackgods/appointment-booking-sync/internal/appointment"
	"github.com/hackgods/appointment-booking-sync/internal/auth"
	"github.com/hackgods/appointment-booking-sync/internal/config"
	"github.com/hackgods/appointment-booking-sync/internal/db"
	"github.com/hackgods/appointment-booking-sync/internal/fhir"
	"github.com/hackgods/appointment-booking-sync/internal/obs"
	redisclient "github.com/hackgods/appointment-booking-sync/internal/redis"
)

const tokenScope = "fhir"

type Resources struct {
	Store  appointment.Store
	Redis  *redis.Client // nil when REDIS_ADDR is unset
	Auth   *auth.Manager // nil when no OAuth client is configured
	Checks []api.Check

	closers []func()
}

// Open connects everything cfg asks for. On error, whatever was opened is closed again.
func Open(ctx context.Context, cfg config.Config, logger zerolog.Logger, metrics *obs.Metrics) (*Resources, error) {
	res := &Resources{}
	if err := res.open(ctx, cfg, logger, metrics); err != nil {
		res.Close()
		return nil, err
	}
	return res, nil
}

func (r *Resources) open(ctx context.Context, cfg config.Config, logger zerolog.Logger, metrics *obs.Metrics) error {
	if cfg.RedisEnabled() {
		rdb, err := redisclient.Connect(ctx, redisclient.ClientOptions{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			Name:     "booking-sync",
		})
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		r.Redis = rdb
		r.closers = append(r.closers, func() {
			if err := rdb.Close(); err != nil {
				logger.Warn().Err(err).Msg("close redis")
			}
		})
		r.Checks = append(r.Checks, api.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
		logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
	}

	if cfg.OAuth.Enabled() {
		var store auth.TokenStore = auth.NewMemoryTokenStore()
		if r.Redis != nil {
			store = redisclient.NewTokenStore(r.Redis, tokenScope)
		}
		mgr, err := auth.NewManager(ctx, auth.Options{
			OAuth:   cfg.OAuth,
			Store:   store,
			Logger:  logger,
			Metrics: metrics,
		})
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		r.Auth = mgr
	}

	switch cfg.StoreDriver {
	case config.DriverMemory:
		r.Store = appointment.NewMemoryStore()
		logger.Warn().Msg("using the in-memory store, data is lost on restart")

	case config.DriverPostgres:
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		r.closers = append(r.closers, pool.Close)
		if err := db.EnsurePostgresSchema(ctx, pool); err != nil {
			return err
		}
		r.Store = appointment.NewPgStore(pool)
		r.Checks = append(r.Checks, api.Check{Name: "postgres", Critical: true, Ping: pool.Ping})
		logger.Info().Msg("connected to postgres")

	case config.DriverSQLite:
		sqlDB, err := db.OpenSQLite(ctx, db.SQLiteConfig{Path: cfg.SQLitePath})
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		r.closers = append(r.closers, func() { _ = sqlDB.Close() })
		r.Store = appointment.NewSQLiteStore(sqlDB)
		r.Checks = append(r.Checks, api.Check{Name: "sqlite", Critical: true, Ping: sqlDB.PingContext})
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite")

	case config.DriverFHIR:
		client := fhir.NewClient(fhir.Options{
			BaseURL: cfg.FHIR.BaseURL,
			Timeout: cfg.FHIR.Timeout,
			Tokens:  r.Auth,
			Logger:  logger,
			Metrics: metrics,
		})
		r.Store = appointment.NewFHIRStore(client)
		mgr := r.Auth
		r.Checks = append(r.Checks, api.Check{Name: "oauth", Critical: true, Ping: func(ctx context.Context) error {
			_, err := mgr.AccessToken(ctx)
			return err
		}})
		logger.Info().Str("base_url", cfg.FHIR.BaseURL).Msg("using fhir server as the store")

	default:
		return fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	return nil
}

// Close releases connections in reverse order of opening.
func (r *Resources) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// Locker returns the sweep lease locker, or nil without redis.
func (r *Resources) Locker(ttl time.Duration) redisclient.Locker {
	if r.Redis == nil {
		return nil
	}
	return redisclient.NewRedisLocker(r.Redis, ttl)
}

// Relay returns the cross-process event relay, or nil without redis.
func (r *Resources) Relay(origin string, logger zerolog.Logger) *redisclient.Relay {
	if r.Redis == nil {
		return nil
	}
	return redisclient.NewRelay(r.Redis, redisclient.DefaultRelayChannel, origin, logger)
}
