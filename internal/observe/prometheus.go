package observe

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink exports events as Prometheus metrics.
type PrometheusSink struct {
	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	rateLimit *prometheus.CounterVec
	bytesIn   *prometheus.CounterVec
	bytesOut  *prometheus.CounterVec
	failOpen  prometheus.Counter
}

// NewPrometheusSink registers the gateway metrics on reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "janus",
			Name:      "requests_total",
			Help:      "Proxied requests by method, status class and backend.",
		}, []string{"method", "status", "backend"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "janus",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"backend"}),
		rateLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "janus",
			Name:      "ratelimit_decisions_total",
			Help:      "Rate-limit decisions by outcome, algorithm and tier.",
		}, []string{"outcome", "algorithm", "tier"}),
		bytesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "janus",
			Name:      "request_bytes_total",
			Help:      "Bytes received from clients.",
		}, []string{"backend"}),
		bytesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "janus",
			Name:      "response_bytes_total",
			Help:      "Bytes sent to clients.",
		}, []string{"backend"}),
		failOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "janus",
			Name:      "ratelimit_fail_open_total",
			Help:      "Rate-limit decisions admitted because the coordination store was unreachable.",
		}),
	}
	reg.MustRegister(s.requests, s.duration, s.rateLimit, s.bytesIn, s.bytesOut, s.failOpen)
	return s
}

// Observe implements Sink.
func (s *PrometheusSink) Observe(ev Event) {
	backend := ev.Backend
	if backend == "" {
		backend = "none"
	}
	status := strconv.Itoa(ev.StatusCode/100) + "xx"

	s.requests.WithLabelValues(ev.Method, status, backend).Inc()
	s.duration.WithLabelValues(backend).Observe(ev.Duration.Seconds())
	if ev.BytesIn > 0 {
		s.bytesIn.WithLabelValues(backend).Add(float64(ev.BytesIn))
	}
	if ev.BytesOut > 0 {
		s.bytesOut.WithLabelValues(backend).Add(float64(ev.BytesOut))
	}

	if ev.RateLimit.Outcome != "" {
		tier := ev.Tier
		if tier == "" {
			tier = "anonymous"
		}
		s.rateLimit.WithLabelValues(ev.RateLimit.Outcome, ev.RateLimit.Algorithm, tier).Inc()
	}
	if ev.RateLimit.FailedOpen {
		s.failOpen.Inc()
	}
}
