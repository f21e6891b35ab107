package core

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects cache and upstream counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	CacheOperations   *prometheus.CounterVec
	CacheFallbacks    *prometheus.CounterVec
	CacheRemoteUp     prometheus.Gauge
	CourseCacheLookup *prometheus.CounterVec
	UpstreamRequests  *prometheus.CounterVec
	UpstreamDuration  *prometheus.HistogramVec
}

// NewMetrics registers all collectors on reg. Pass prometheus.NewRegistry() in tests.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		CacheOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Cache store operations by backend",
		}, []string{"op", "backend"}),
		CacheFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_fallbacks_total",
			Help:      "Remote cache failures absorbed by switching to the in-process store",
		}, []string{"op"}),
		CacheRemoteUp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_remote_up",
			Help:      "1 while the cache store is backed by the remote cache",
		}),
		CourseCacheLookup: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "course_cache_lookups_total",
			Help:      "Course table cache lookups by result",
		}, []string{"result"}),
		UpstreamRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jwxt_requests_total",
			Help:      "Requests to the academic-affairs service",
		}, []string{"endpoint", "outcome"}),
		UpstreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "jwxt_request_duration_seconds",
			Help:      "Academic-affairs request latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"endpoint"}),
	}
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) cacheOp(op string, backend CacheMode) {
	if m == nil {
		return
	}
	m.CacheOperations.WithLabelValues(op, string(backend)).Inc()
}

func (m *Metrics) cacheFallback(op string) {
	if m == nil {
		return
	}
	m.CacheFallbacks.WithLabelValues(op).Inc()
}

func (m *Metrics) cacheMode(mode CacheMode) {
	if m == nil {
		return
	}
	if mode == ModeRemote {
		m.CacheRemoteUp.Set(1)
	} else {
		m.CacheRemoteUp.Set(0)
	}
}

func (m *Metrics) courseLookup(result string) {
	if m == nil {
		return
	}
	m.CourseCacheLookup.WithLabelValues(result).Inc()
}

func (m *Metrics) upstream(endpoint, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.UpstreamRequests.WithLabelValues(endpoint, outcome).Inc()
	m.UpstreamDuration.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
}
