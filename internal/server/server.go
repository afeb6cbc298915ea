// Package server exposes the SDK-facing HTTP surface: flag delivery,
// server-sent event streaming, analytics ingestion, and targeting mutation
// endpoints. Handlers hold no state of their own; everything flows through
// the service layer and the stream hub.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/core"
	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/metrics"
	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/middleware"
	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/repository"
	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/service"
	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/stream"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultMaxJSONBodySize   = 1 << 20
)

// Service is the subset of the service layer the HTTP handlers depend on.
type Service interface {
	FlagsForEnvironment(ctx context.Context, projectID, environmentID string) (map[string]core.Flag, error)
	EvaluateAll(ctx context.Context, projectID, environmentID string, evalCtx core.Context) (map[string]core.Result, error)
	EvaluateFlag(ctx context.Context, projectID, environmentID, flagKey string, evalCtx core.Context) (core.Result, error)
	UpdateTargeting(ctx context.Context, projectID, flagKey, environmentID string, update service.TargetingUpdate) (core.Flag, error)
	SetFlagOn(ctx context.Context, projectID, flagKey, environmentID string, on bool) (core.Flag, error)
	DeleteFlagConfig(ctx context.Context, projectID, flagKey, environmentID string) error
	ScheduleChange(ctx context.Context, change repository.ScheduledChange) (repository.ScheduledChange, error)
	CancelScheduledChange(ctx context.Context, id string) error
	PendingChanges(ctx context.Context, environmentID string) ([]repository.ScheduledChange, error)
	EvaluationCounts(ctx context.Context, environmentID string, since time.Time) ([]repository.EvaluationCount, error)
	VariationBreakdown(ctx context.Context, environmentID, flagKey string, since time.Time) ([]repository.VariationCount, error)
	StaleFlags(ctx context.Context, projectID string, since time.Time) ([]string, error)
}

// EventSink accepts analytics events for asynchronous persistence.
type EventSink interface {
	Record(events ...repository.AnalyticsEvent)
}

// HandlerConfig carries the dependencies and tunables for NewHTTPHandler.
// Service, Events, Hub, and Resolver are required; the rest fall back to
// sensible defaults.
type HandlerConfig struct {
	Service  Service
	Events   EventSink
	Hub      *stream.Hub
	Resolver middleware.EnvironmentResolver
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	HeartbeatInterval time.Duration
	MaxJSONBodySize   int64
	AuthRateLimit     int
}

// Server is the assembled HTTP handler. Close it on shutdown to release the
// auth rate limiter's background goroutine.
type Server struct {
	handler http.Handler

	svc        Service
	events     EventSink
	hub        *stream.Hub
	logger     *slog.Logger
	metrics    *metrics.Metrics
	heartbeat  time.Duration
	maxBody    int64
	rateLimits *middleware.RateLimiter
}

// NewHTTPHandler builds the full HTTP handler: SDK-authenticated API routes
// plus unauthenticated health and metrics endpoints, wrapped in request
// logging and per-route instrumentation.
func NewHTTPHandler(cfg HandlerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:       cfg.Service,
		events:    cfg.Events,
		hub:       cfg.Hub,
		logger:    logger,
		metrics:   cfg.Metrics,
		heartbeat: cfg.HeartbeatInterval,
		maxBody:   cfg.MaxJSONBodySize,
	}
	if s.heartbeat <= 0 {
		s.heartbeat = defaultHeartbeatInterval
	}
	if s.maxBody <= 0 {
		s.maxBody = defaultMaxJSONBodySize
	}

	authOpts := []middleware.AuthOption{}
	if cfg.AuthRateLimit > 0 {
		s.rateLimits = middleware.NewRateLimiter(context.Background(), cfg.AuthRateLimit)
		authOpts = append(authOpts, middleware.WithRateLimiter(s.rateLimits))
	}
	if cfg.Metrics != nil {
		authOpts = append(authOpts, middleware.WithOnAuthFailure(cfg.Metrics.AuthFailuresTotal.Inc))
	}
	auth := middleware.SDKAuth(cfg.Resolver, authOpts...)

	api := http.NewServeMux()
	api.HandleFunc("GET /flags", s.handleFlags)
	api.HandleFunc("GET /flags/{flagKey}", s.handleFlag)
	api.HandleFunc("GET /stream", s.handleStream)
	api.HandleFunc("POST /events", s.handleEvents)
	api.HandleFunc("PUT /flags/{flagKey}/targeting", s.handleUpdateTargeting)
	api.HandleFunc("POST /flags/{flagKey}/toggle", s.handleToggle)
	api.HandleFunc("DELETE /flags/{flagKey}/targeting", s.handleDeleteConfig)
	api.HandleFunc("POST /flags/{flagKey}/changes", s.handleScheduleChange)
	api.HandleFunc("GET /changes", s.handlePendingChanges)
	api.HandleFunc("DELETE /changes/{changeID}", s.handleCancelChange)
	api.HandleFunc("GET /analytics/evaluations", s.handleEvaluationCounts)
	api.HandleFunc("GET /analytics/flags/{flagKey}/variations", s.handleVariationBreakdown)
	api.HandleFunc("GET /analytics/stale", s.handleStaleFlags)

	mux := http.NewServeMux()
	mux.Handle("/", auth(api))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	s.handler = middleware.RequestLogging(logger)(s.instrument(mux))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close releases background resources held by the handler, currently the
// auth rate limiter's cleanup goroutine.
func (s *Server) Close() {
	if s.rateLimits != nil {
		s.rateLimits.Stop()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument records request counts and latencies keyed by the matched route
// pattern rather than the raw path, keeping label cardinality bounded.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(rw.status)
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	_ = http.NewResponseController(r.ResponseWriter).Flush()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
