package httpx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/morphlink/internal/metrics"
)

type requestMetrics struct {
	total    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newRequestMetrics() requestMetrics {
	return requestMetrics{
		total:    metrics.CounterVec("module", "http_requests_total", "Count of requests served by module handlers", "module", "route", "method", "status"),
		duration: metrics.HistogramVec("module", "http_request_duration_seconds", "Latency distribution of module handlers", metrics.DurationBuckets, "module", "route", "method", "status"),
	}
}

func (m requestMetrics) observe(module, route, method string, status int, d time.Duration) {
	labels := prometheus.Labels{
		"module": module,
		"route":  route,
		"method": method,
		"status": strconv.Itoa(status),
	}
	m.total.With(labels).Inc()
	m.duration.With(labels).Observe(d.Seconds())
}

// StatusRecorder captures the status code written through it.
type StatusRecorder struct {
	http.ResponseWriter
	Status int
}

func (rr *StatusRecorder) WriteHeader(code int) {
	rr.Status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *StatusRecorder) Write(b []byte) (int, error) {
	if rr.Status == 0 {
		rr.Status = http.StatusOK
	}
	return rr.ResponseWriter.Write(b)
}

// Code returns the recorded status, defaulting to 200.
func (rr *StatusRecorder) Code() int {
	if rr.Status == 0 {
		return http.StatusOK
	}
	return rr.Status
}
