package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the status tracker.
type Metrics struct {
	Tracked  prometheus.Gauge
	Polls    *prometheus.CounterVec
	Terminal *prometheus.CounterVec
}

// New registers the tracker metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Tracked: f.NewGauge(prometheus.GaugeOpts{
			Name: "dte_tracking_entries",
			Help: "Documents currently being polled",
		}),
		Polls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dte_tracking_polls_total",
			Help: "Status polls by result",
		}, []string{"result"}),
		Terminal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dte_tracking_finished_total",
			Help: "Tracking entries that reached a terminal state",
		}, []string{"state"}),
	}
}

func (m *Metrics) SetTracked(n int) {
	if m == nil {
		return
	}
	m.Tracked.Set(float64(n))
}

func (m *Metrics) ObservePoll(result string) {
	if m == nil {
		return
	}
	m.Polls.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveTerminal(state string) {
	if m == nil {
		return
	}
	m.Terminal.WithLabelValues(state).Inc()
}
