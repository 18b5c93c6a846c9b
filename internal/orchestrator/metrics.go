package orchestrator

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the orchestrator's collectors. A nil *Metrics is valid.
type Metrics struct {
	pushes    *prometheus.CounterVec
	pulls     *prometheus.CounterVec
	conflicts prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stocksync",
			Subsystem: "sync",
			Name:      "pushes_total",
			Help:      "Push executions by result.",
		}, []string{"result"}),
		pulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stocksync",
			Subsystem: "sync",
			Name:      "pulls_total",
			Help:      "Login pulls by result.",
		}, []string{"result"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stocksync",
			Subsystem: "sync",
			Name:      "field_conflicts_total",
			Help:      "Field-level conflicts resolved by tie-break.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.pushes, m.pulls, m.conflicts)
	}
	return m
}

func (m *Metrics) push(result string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(result).Inc()
}

func (m *Metrics) pull(result string) {
	if m == nil {
		return
	}
	m.pulls.WithLabelValues(result).Inc()
}

func (m *Metrics) conflict(n int) {
	if m == nil || n == 0 {
		return
	}
	m.conflicts.Add(float64(n))
}
