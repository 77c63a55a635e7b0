package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-booking-sync/internal/appointment"
	"github.com/hackgods/appointment-booking-sync/internal/auth"
	"github.com/hackgods/appointment-booking-sync/internal/events"
	"github.com/hackgods/appointment-booking-sync/internal/obs"
)

type RouterConfig struct {
	Service *appointment.Service
	Events  *events.Distributor
	Auth    *auth.Manager // nil leaves /auth unmounted
	Metrics *obs.Metrics  // nil leaves /metrics unmounted
	Checks  []Check
	Logger  zerolog.Logger
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.Checks, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	r.Get("/slots", listSlotsHandler(cfg.Service))
	r.Post("/slots", createSlotHandler(cfg.Service))

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", createAppointmentHandler(cfg.Service))
		r.Get("/", listAppointmentsHandler(cfg.Service))
		r.Get("/{id}", getAppointmentHandler(cfg.Service))
		r.Post("/{id}/cancel", cancelAppointmentHandler(cfg.Service))
		r.Post("/{id}/status", transitionAppointmentHandler(cfg.Service))
	})

	if cfg.Events != nil {
		r.Handle("/ws", events.NewPushHandler(cfg.Events, cfg.Logger))
		r.Handle("/events", events.NewPollHandler(cfg.Events))
	}

	if cfg.Auth != nil {
		h := authHandler{mgr: cfg.Auth}
		r.Route("/auth", func(r chi.Router) {
			r.Get("/login", h.login)
			r.Get("/callback", h.callback)
			r.Get("/session", h.session)
			r.Post("/logout", h.logout)
		})
	}

	return r
}
