package remote

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the client's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	retries  *prometheus.CounterVec
	skipped  prometheus.Counter
	repaired prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stocksync",
			Subsystem: "remote",
			Name:      "requests_total",
			Help:      "Remote store requests by backend, operation and result.",
		}, []string{"backend", "op", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stocksync",
			Subsystem: "remote",
			Name:      "request_duration_seconds",
			Help:      "Remote store request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "op"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stocksync",
			Subsystem: "remote",
			Name:      "rate_limit_retries_total",
			Help:      "Requests retried after a rate-limit response.",
		}, []string{"backend"}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stocksync",
			Subsystem: "remote",
			Name:      "noop_writes_skipped_total",
			Help:      "Writes skipped because the content matched the remote.",
		}),
		repaired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stocksync",
			Subsystem: "remote",
			Name:      "documents_repaired_total",
			Help:      "Fetched documents that needed the repair pass.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.latency, m.retries, m.skipped, m.repaired)
	}
	return m
}

func (m *Metrics) observe(backend, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
	m.requests.WithLabelValues(backend, op, resultLabel(err)).Inc()
}

func (m *Metrics) retried(backend string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(backend).Inc()
}

func (m *Metrics) skippedWrite() {
	if m == nil {
		return
	}
	m.skipped.Inc()
}

func (m *Metrics) repairedDocument() {
	if m == nil {
		return
	}
	m.repaired.Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrVersionConflict):
		return "conflict"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrAuthFailure):
		return "auth"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	default:
		return "error"
	}
}
