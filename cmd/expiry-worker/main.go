package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hackgods/appointment-booking-sync/internal/app"
	"github.com/hackgods/appointment-booking-sync/internal/appointment"
	"github.com/hackgods/appointment-booking-sync/internal/config"
	"github.com/hackgods/appointment-booking-sync/internal/events"
	"github.com/hackgods/appointment-booking-sync/internal/obs"
)

// The worker releases expired busy-tentative claims outside the api-server. Its slot
// events reach connected clients through the redis relay.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}
	if cfg.StoreDriver == config.DriverMemory {
		log.Fatal().Msg("the expiry worker needs a shared store, STORE_DRIVER=memory is process local")
	}

	logger := obs.NewLogger(cfg.Env, cfg.LogLevel, cfg.LogFormat).With().Str("service", "expiry-worker").Logger()
	logger.Info().Str("env", cfg.Env).Dur("interval", cfg.Booking.SweepInterval).Dur("tentative_ttl", cfg.Booking.TentativeTTL).Msg("expiry-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := app.Open(rootCtx, cfg, logger, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer res.Close()

	var pub events.Publisher = events.NopPublisher{}
	if relay := res.Relay("expiry-worker-"+uuid.NewString(), logger); relay != nil {
		pub = relay
	} else {
		logger.Warn().Msg("redis not configured, released slots will not be announced")
	}

	svc := appointment.NewService(res.Store, pub, cfg.Booking, logger, nil)
	sweeper := appointment.NewSweeper(svc, cfg.Booking.SweepInterval, res.Locker(cfg.Booking.SweepLockTTL), logger)

	if err := sweeper.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("sweeper stopped")
	}
	logger.Info().Msg("shutdown signal received, expiry worker stopped")
}
