package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jobmetrics "github.com/odyssey-erp/odyssey-auth/internal/jobs"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	sessionsIssued       prometheus.Counter
	sessionsRevoked      prometheus.Counter
	auditWriteFailures   *prometheus.CounterVec
	permissionCache      *prometheus.CounterVec
	invalidationFailures prometheus.Counter

	jobs *jobmetrics.Metrics
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	issued := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_auth_sessions_issued_total",
		Help: "Refresh sessions opened.",
	})
	revoked := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_auth_sessions_revoked_total",
		Help: "Refresh sessions revoked, one per session.",
	})
	auditFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_auth_audit_write_failures_total",
		Help: "Durable session writes that failed after the ephemeral store changed.",
	}, []string{"op"})
	permCache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_auth_permission_cache_total",
		Help: "Permission cache lookups by result.",
	}, []string{"result"})
	invalidation := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_auth_permission_invalidation_failures_total",
		Help: "Permission cache entries that could not be dropped after a catalog change.",
	})
	registry.MustRegister(requests, duration, issued, revoked, auditFailures, permCache, invalidation)
	return &Metrics{
		registry:             registry,
		handler:              promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:        requests,
		requestDuration:      duration,
		sessionsIssued:       issued,
		sessionsRevoked:      revoked,
		auditWriteFailures:   auditFailures,
		permissionCache:      permCache,
		invalidationFailures: invalidation,
		jobs:                 jobmetrics.NewMetrics(registry),
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// Jobs returns the background job collectors sharing this registry.
func (m *Metrics) Jobs() *jobmetrics.Metrics {
	if m == nil {
		return nil
	}
	return m.jobs
}

// SessionIssued implements session.Metrics.
func (m *Metrics) SessionIssued() {
	if m != nil {
		m.sessionsIssued.Inc()
	}
}

// SessionRevoked implements session.Metrics.
func (m *Metrics) SessionRevoked(n int) {
	if m != nil && n > 0 {
		m.sessionsRevoked.Add(float64(n))
	}
}

// AuditWriteFailed implements session.Metrics.
func (m *Metrics) AuditWriteFailed(op string) {
	if m != nil {
		m.auditWriteFailures.WithLabelValues(op).Inc()
	}
}

// PermissionCacheHit implements rbac.ResolverMetrics.
func (m *Metrics) PermissionCacheHit() {
	if m != nil {
		m.permissionCache.WithLabelValues("hit").Inc()
	}
}

// PermissionCacheMiss implements rbac.ResolverMetrics.
func (m *Metrics) PermissionCacheMiss() {
	if m != nil {
		m.permissionCache.WithLabelValues("miss").Inc()
	}
}

// InvalidationFailed implements rbac.ResolverMetrics.
func (m *Metrics) InvalidationFailed() {
	if m != nil {
		m.invalidationFailures.Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
