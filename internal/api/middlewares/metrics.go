package middleware

import (
	"net/http"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Requests counts outbound API requests by endpoint and status.
	Requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tibberlink_requests_total",
			Help: "Number of outbound API requests.",
		},
		[]string{"endpoint", "status"},
	)

	// Latency observes outbound API request duration by endpoint.
	Latency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tibberlink_request_duration_seconds",
			Help:    "Duration of outbound API requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
)

var registerOnce sync.Once

// RegisterMetrics registers the shared collectors with the default Prometheus
// registry. Every client constructor calls it; only the first registers.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(Requests, Latency)
	})
}

// NewMetricsMiddleware records request counts and latencies into the given
// collectors.
func NewMetricsMiddleware(
	requests *prometheus.CounterVec,
	latency *prometheus.HistogramVec,
) Middleware {
	return func(next Doer) Doer {
		return func(req *http.Request) (*http.Response, error) {
			start := time.Now()

			resp, err := next(req)

			// Record metrics
			duration := time.Since(start).Seconds()
			endpoint := path.Base(req.URL.Path)

			status := "error"
			if resp != nil {
				status = strconv.Itoa(resp.StatusCode)
			}
			requests.WithLabelValues(endpoint, status).Inc()
			latency.WithLabelValues(endpoint).Observe(duration)

			return resp, err
		}
	}
}
