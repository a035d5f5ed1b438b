package httpserver

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the optional instrumentation named in spec §4.3: active
// request count, server latency, request/response body bytes, and a
// status-code counter bucketed the way the spec's table groups them
// (2xx-local/forwarded, 4xx-*, 5xx-*, unresolvable-route).
type Metrics struct {
	ActiveRequests    prometheus.Gauge
	RequestLatency    prometheus.Histogram
	RequestBodyBytes  prometheus.Histogram
	ResponseBodyBytes prometheus.Histogram
	StatusCodes       *prometheus.CounterVec
}

// NewMetrics constructs and registers a Metrics set against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pbs_http_active_requests",
			Help: "Number of requests currently in flight.",
		}),
		RequestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pbs_http_request_latency_seconds",
			Help:    "End-to-end request latency.",
			Buckets: prometheus.DefBuckets,
		}),
		RequestBodyBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pbs_http_request_body_bytes",
			Help:    "Request body size in bytes.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}),
		ResponseBodyBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pbs_http_response_body_bytes",
			Help:    "Response body size in bytes.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}),
		StatusCodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pbs_http_status_codes_total",
			Help: "Responses served, bucketed by outcome.",
		}, []string{"bucket"}),
	}
	reg.MustRegister(m.ActiveRequests, m.RequestLatency, m.RequestBodyBytes, m.ResponseBodyBytes, m.StatusCodes)
	return m
}

// statusBucket reproduces spec §4.3's bucket names for the status-code
// counter.
func statusBucket(status int, local, forwarded bool) string {
	switch {
	case status == 0:
		return "unresolvable-route"
	case status >= 200 && status < 300 && local:
		return "2xx-local"
	case status >= 200 && status < 300 && forwarded:
		return "2xx-forwarded"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "other"
	}
}
