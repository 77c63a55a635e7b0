package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	BookingTotal     *prometheus.CounterVec   // result=booked|pending|waitlist|conflict|invalid|error
	BookingLatencyMS prometheus.Histogram     // end to end bookAppointment latency
	ClaimConflicts   prometheus.Counter       // lost conditional claims
	CancelTotal      *prometheus.CounterVec   // result=cancelled|invalid|not_found|error
	TentativeExpired prometheus.Counter       // busy-tentative slots released by the sweep
	EventsPublished  *prometheus.CounterVec   // type=resource_created|...
	Subscriptions    prometheus.Gauge         // live push subscriptions
	DegradedTotal    prometheus.Counter       // subscriptions marked degraded
	FHIRRequests     *prometheus.CounterVec   // op=read|search|create|update, status=2xx|4xx|5xx|network
	FHIRLatencyMS    *prometheus.HistogramVec // op
	TokenRefresh     *prometheus.CounterVec   // result=ok|rejected|error

	registry *prometheus.Registry
}

// NewMetrics registers every collector on a private registry so tests can build as
// many instances as they like.
func NewMetrics() *Metrics {
	m := &Metrics{
		BookingTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "booking_attempts_total",
				Help: "Booking attempts by result",
			},
			[]string{"result"},
		),
		BookingLatencyMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "booking_latency_ms",
			Help:    "End to end latency of bookAppointment (ms)",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
		}),
		ClaimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slot_claim_conflicts_total",
			Help: "Conditional slot claims lost to a concurrent writer",
		}),
		CancelTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appointment_cancel_total",
				Help: "Cancellation attempts by result",
			},
			[]string{"result"},
		),
		TentativeExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slot_tentative_expired_total",
			Help: "Tentative slot claims released by the sweep",
		}),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_published_total",
				Help: "Events assigned a sequence number by type",
			},
			[]string{"type"},
		),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "event_subscriptions",
			Help: "Currently registered event subscriptions",
		}),
		DegradedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "event_subscriptions_degraded_total",
			Help: "Subscriptions that failed a push and fell back to polling",
		}),
		FHIRRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fhir_requests_total",
				Help: "Resource client requests by operation and status class",
			},
			[]string{"op", "status"},
		),
		FHIRLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fhir_request_latency_ms",
				Help:    "Resource client request latency (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"op"},
		),
		TokenRefresh: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oauth_token_refresh_total",
				Help: "Token refresh attempts by result",
			},
			[]string{"result"},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.BookingTotal,
		m.BookingLatencyMS,
		m.ClaimConflicts,
		m.CancelTotal,
		m.TentativeExpired,
		m.EventsPublished,
		m.Subscriptions,
		m.DegradedTotal,
		m.FHIRRequests,
		m.FHIRLatencyMS,
		m.TokenRefresh,
	)

	return m
}

// Handler exposes the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StatusClass buckets an HTTP status into 2xx/3xx/4xx/5xx for low-cardinality labels.
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "network"
	}
}
