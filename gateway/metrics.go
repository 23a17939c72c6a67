package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records per-request observations and exports per-service
// aggregates.
type Metrics struct {
	requestsTotal       *prometheus.CounterVec
	requestsFailed      *prometheus.CounterVec
	responseTime        *prometheus.HistogramVec
	cacheHits           *prometheus.CounterVec
	cacheMisses         *prometheus.CounterVec
	rateLimitHits       *prometheus.CounterVec
	circuitBreakerTrips *prometheus.CounterVec
}

// NewMetrics registers the gateway collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Requests handled, by service and status code.",
		}, []string{"service", "status"}),
		requestsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_failed_total",
			Help: "Requests that returned a failure status, by service.",
		}, []string{"service"}),
		responseTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_response_time_ms",
			Help:    "Request duration in milliseconds, by service.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"service"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Responses served from cache, by service.",
		}, []string{"service"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Cache lookups that missed, by service.",
		}, []string{"service"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Requests rejected by the rate limiter, by service.",
		}, []string{"service"}),
		circuitBreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_trips_total",
			Help: "Circuit breaker open transitions, by service.",
		}, []string{"service"}),
	}
	reg.MustRegister(m.requestsTotal, m.requestsFailed, m.responseTime,
		m.cacheHits, m.cacheMisses, m.rateLimitHits, m.circuitBreakerTrips)
	return m
}

// Observation is everything recorded for one request.
type Observation struct {
	Service     string
	Status      int
	Duration    time.Duration
	CacheHit    bool
	CacheMiss   bool
	RateLimited bool
	CircuitTrip bool
}

// Record folds one request's observation into the aggregates.
func (m *Metrics) Record(o Observation) {
	status := statusClass(o.Status)
	m.requestsTotal.WithLabelValues(o.Service, status).Inc()
	if o.Status >= 500 {
		m.requestsFailed.WithLabelValues(o.Service).Inc()
	}
	m.responseTime.WithLabelValues(o.Service).Observe(float64(o.Duration.Milliseconds()))
	if o.CacheHit {
		m.cacheHits.WithLabelValues(o.Service).Inc()
	}
	if o.CacheMiss {
		m.cacheMisses.WithLabelValues(o.Service).Inc()
	}
	if o.RateLimited {
		m.rateLimitHits.WithLabelValues(o.Service).Inc()
	}
	if o.CircuitTrip {
		m.circuitBreakerTrips.WithLabelValues(o.Service).Inc()
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
