package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hackgods/appointment-booking-sync/internal/api"
	"github.com/hackgods/appointment-booking-sync/internal/app"
	"github.com/hackgods/appointment-booking-sync/internal/appointment"
	"github.com/hackgods/appointment-booking-sync/internal/config"
	"github.com/hackgods/appointment-booking-sync/internal/events"
	"github.com/hackgods/appointment-booking-sync/internal/obs"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	logger := obs.NewLogger(cfg.Env, cfg.LogLevel, cfg.LogFormat).With().Str("service", "api-server").Logger()
	logger.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("store", cfg.StoreDriver).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := obs.NewMetrics()

	res, err := app.Open(rootCtx, cfg, logger, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer res.Close()

	dist := events.NewDistributor(events.Options{
		BufferSize: cfg.Events.BufferSize,
		Retention:  cfg.Events.Retention,
		Logger:     logger,
		Metrics:    metrics,
	})

	var pub events.Publisher = dist
	relay := res.Relay(dist.Instance(), logger)
	if relay != nil {
		pub = events.MultiPublisher{dist, relay}

		ready := make(chan struct{})
		go func() {
			if err := relay.Listen(rootCtx, dist, ready); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("event relay stopped")
			}
		}()
		select {
		case <-ready:
		case <-time.After(5 * time.Second):
			logger.Warn().Msg("event relay not subscribed yet, continuing")
		}
	}

	svc := appointment.NewService(res.Store, pub, cfg.Booking, logger, metrics)

	sweeper := appointment.NewSweeper(svc, cfg.Booking.SweepInterval, res.Locker(cfg.Booking.SweepLockTTL), logger)
	go func() {
		_ = sweeper.Run(rootCtx)
	}()

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(api.RouterConfig{
			Service: svc,
			Events:  dist,
			Auth:    res.Auth,
			Metrics: metrics,
			Checks:  res.Checks,
			Logger:  logger,
			Env:     cfg.Env,
			Version: version,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server failed")
		res.Close()
		os.Exit(1)
	}

	logger.Info().Msg("shutting down api-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
