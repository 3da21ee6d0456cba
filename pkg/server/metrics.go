package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	upstreamFetches *prometheus.HistogramVec
	rateLimited     prometheus.Counter
	cacheEvictions  prometheus.Counter
}

// NewMetrics registers all collectors on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "igproxy_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "igproxy_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "igproxy_profile_cache_lookups_total",
				Help: "Profile cache lookups by result",
			},
			[]string{"result"},
		),
		upstreamFetches: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "igproxy_upstream_fetch_duration_seconds",
				Help:    "Duration of Instagram profile fetches by outcome",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "igproxy_rate_limited_total",
			Help: "Profile requests rejected by the per-client rate limiter",
		}),
		cacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "igproxy_profile_cache_evictions_total",
			Help: "Profiles evicted from a full cache",
		}),
	}
}

// ObserveCacheLookup implements profile.Metrics
func (m *Metrics) ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveFetch implements profile.Metrics
func (m *Metrics) ObserveFetch(kind string, duration time.Duration) {
	m.upstreamFetches.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveEviction counts a capacity eviction
func (m *Metrics) ObserveEviction() {
	m.cacheEvictions.Inc()
}

// RegisterCacheSize exposes the live cache size as a gauge
func (m *Metrics) RegisterCacheSize(size func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "igproxy_profile_cache_entries",
			Help: "Live entries in the profile cache",
		},
		func() float64 { return float64(size()) },
	))
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request counts and durations per route pattern
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := routePattern(r)
		m.requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// routePattern keeps label cardinality bounded by using the matched pattern
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
