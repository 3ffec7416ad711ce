package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var batchDurationBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// Metrics holds the Prometheus collectors for the store and the HTTP API.
// It satisfies store.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	batches       *prometheus.CounterVec
	items         *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        prometheus.Gauge
}

// NewMetrics registers every collector on a fresh registry, together with
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fitq_store_batches_total",
			Help: "Backend round trips by store operation and outcome.",
		}, []string{"op", "outcome"}),
		items: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fitq_store_batch_items_total",
			Help: "Items sent to the backend by store operation.",
		}, []string{"op"}),
		batchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fitq_store_batch_duration_seconds",
			Help:    "Backend round-trip latency by store operation.",
			Buckets: batchDurationBuckets,
		}, []string{"op"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fitq_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fitq_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: batchDurationBuckets,
		}, []string{"method", "route"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "fitq_http_requests_in_flight",
			Help: "HTTP requests currently being served.",
		}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveBatch records one backend round trip.
func (m *Metrics) ObserveBatch(op string, items int, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.batches.WithLabelValues(op, outcome).Inc()
	if items > 0 {
		m.items.WithLabelValues(op).Add(float64(items))
	}
	m.batchDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// BeginRequest marks a request in flight and returns the function that
// records its outcome.
func (m *Metrics) BeginRequest() func(method, route string, status int, elapsed time.Duration) {
	m.inFlight.Inc()
	return func(method, route string, status int, elapsed time.Duration) {
		m.inFlight.Dec()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
		m.requestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
	}
}
