package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Submission outcomes recorded per attempt.
const (
	OutcomeSubmitted = "submitted"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
	OutcomeTimeout   = "timeout"
)

// Metrics provides observability for the contingency outbox.
type Metrics struct {
	QueueDepth      *prometheus.GaugeVec
	Submissions     *prometheus.CounterVec
	Enqueued        *prometheus.CounterVec
	SweepDuration   prometheus.Histogram
	ContingencyMode prometheus.Gauge
	CleanupRemoved  prometheus.Counter
}

// New registers the outbox metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dte_contingency_requests",
			Help: "Outbox requests by state after the last sweep or change",
		}, []string{"state"}),
		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dte_contingency_submissions_total",
			Help: "Resubmission attempts by outcome",
		}, []string{"outcome"}),
		Enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dte_contingency_enqueued_total",
			Help: "Documents placed in the outbox by reason",
		}, []string{"reason"}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dte_contingency_sweep_duration_seconds",
			Help:    "Duration of one outbox sweep",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),
		ContingencyMode: f.NewGauge(prometheus.GaugeOpts{
			Name: "dte_contingency_mode",
			Help: "1 while the authority is considered unavailable",
		}),
		CleanupRemoved: f.NewCounter(prometheus.CounterOpts{
			Name: "dte_contingency_cleanup_removed_total",
			Help: "Outbox requests removed by retention cleanup",
		}),
	}
}

func (m *Metrics) ObserveSubmission(outcome string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncEnqueued(reason string) {
	if m == nil {
		return
	}
	m.Enqueued.WithLabelValues(reason).Inc()
}

// ObserveSweep records the duration of a sweep started at start.
func (m *Metrics) ObserveSweep(start time.Time) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) SetDepth(pending, exhausted, rejected, submitted int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues("pending").Set(float64(pending))
	m.QueueDepth.WithLabelValues("exhausted").Set(float64(exhausted))
	m.QueueDepth.WithLabelValues("rejected").Set(float64(rejected))
	m.QueueDepth.WithLabelValues("submitted").Set(float64(submitted))
}

func (m *Metrics) SetContingencyMode(on bool) {
	if m == nil {
		return
	}
	if on {
		m.ContingencyMode.Set(1)
		return
	}
	m.ContingencyMode.Set(0)
}

func (m *Metrics) AddCleanupRemoved(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CleanupRemoved.Add(float64(n))
}
