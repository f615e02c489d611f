package docs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts and times dispatched requests by kind (resource, tool, prompt), name and
// outcome.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

const (
	outcomeOK    = "ok"
	outcomeError = "error"
)

// NewMetrics creates the request metrics and registers them with reg. A nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harpmcp",
			Subsystem: "docs",
			Name:      "requests_total",
			Help:      "Documentation requests handled, by kind, name and outcome.",
		}, []string{"kind", "name", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "harpmcp",
			Subsystem: "docs",
			Name:      "request_duration_seconds",
			Help:      "Time spent resolving documentation requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "name"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration)
	}
	return m
}

func (m *Metrics) observe(kind, name string, isError bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := outcomeOK
	if isError {
		outcome = outcomeError
	}
	m.requests.WithLabelValues(kind, name, outcome).Inc()
	m.duration.WithLabelValues(kind, name).Observe(elapsed.Seconds())
}
