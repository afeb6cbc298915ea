// Package metrics provides Prometheus instrumentation for the flag delivery
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the
// global default) so that only this server's metrics appear on the /metrics
// endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	EvaluationsTotal   *prometheus.CounterVec
	CacheInvalidations prometheus.Counter

	ActiveStreams       prometheus.Gauge
	StreamEventsDropped *prometheus.CounterVec

	SchedulerRunsTotal     prometheus.Counter
	SchedulerFailuresTotal prometheus.Counter

	AnalyticsEventsBuffered prometheus.Gauge
	AnalyticsEventsDropped  prometheus.Counter

	AuthFailuresTotal prometheus.Counter
}

// New creates and registers all server metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagdelivery_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagdelivery_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagdelivery_flag_evaluations_total",
			Help: "Total number of flag evaluations by result reason.",
		}, []string{"reason"}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagdelivery_cache_invalidations_total",
			Help: "Total number of flag cache invalidations.",
		}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagdelivery_active_streams",
			Help: "Number of active SSE connections.",
		}),

		StreamEventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagdelivery_stream_events_dropped_total",
			Help: "Total number of stream events dropped for slow subscribers.",
		}, []string{"environment_id"}),

		SchedulerRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagdelivery_scheduler_runs_total",
			Help: "Total number of scheduler polling runs.",
		}),

		SchedulerFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagdelivery_scheduler_failures_total",
			Help: "Total number of scheduled changes that failed to apply.",
		}),

		AnalyticsEventsBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagdelivery_analytics_events_buffered",
			Help: "Number of analytics events waiting in the flush buffer.",
		}),

		AnalyticsEventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagdelivery_analytics_events_dropped_total",
			Help: "Total number of analytics events shed at the buffer ceiling.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagdelivery_auth_failures_total",
			Help: "Total number of failed SDK credential verifications.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EvaluationsTotal,
		m.CacheInvalidations,
		m.ActiveStreams,
		m.StreamEventsDropped,
		m.SchedulerRunsTotal,
		m.SchedulerFailuresTotal,
		m.AnalyticsEventsBuffered,
		m.AnalyticsEventsDropped,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordEvaluation increments the evaluation counter for a result reason.
func (m *Metrics) RecordEvaluation(reason string) {
	m.EvaluationsTotal.WithLabelValues(reason).Inc()
}

// RecordStreamDrop increments the dropped-event counter for an environment.
func (m *Metrics) RecordStreamDrop(environmentID string) {
	m.StreamEventsDropped.WithLabelValues(environmentID).Inc()
}
