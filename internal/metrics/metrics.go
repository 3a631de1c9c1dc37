// Package metrics exposes request and batch-fetch metrics in the Prometheus
// format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storacha/public-bucket/byterange"
)

const namespace = "public_bucket"

// Metrics records HTTP requests and physical batch fetches. It satisfies
// server.Recorder.
type Metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	batches         *prometheus.CounterVec
	batchBytes      prometheus.Histogram
	batchMembers    prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time to serve a request, including the response body.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_fetches_total",
			Help:      "Physical storage reads issued for multi-range requests.",
		}, []string{"result"}),
		batchBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_fetch_bytes",
			Help:      "Size of each batch fetch window in bytes.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}),
		batchMembers: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_ranges",
			Help:      "Number of requested ranges served by each batch fetch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}),
	}
	reg.MustRegister(m.requests, m.requestDuration, m.batches, m.batchBytes, m.batchMembers)
	return m
}

// ObserveRequest records one served request.
func (m *Metrics) ObserveRequest(method string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// BatchFetched records one physical batch fetch.
func (m *Metrics) BatchFetched(window byterange.AbsoluteRange, members int, err error) {
	if err != nil {
		m.batches.WithLabelValues("error").Inc()
		return
	}
	m.batches.WithLabelValues("ok").Inc()
	m.batchBytes.Observe(float64(window.Len()))
	m.batchMembers.Observe(float64(members))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
