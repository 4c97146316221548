// Package metrics exposes Prometheus metrics for assessment runs.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/antinvestor/releasegate/internal/events"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the assessor.
//
// All methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	// Steps
	StepDuration *prometheus.HistogramVec
	StepTimeouts *prometheus.CounterVec
	StepFailures *prometheus.CounterVec

	// Router
	RouterOutcomes *prometheus.CounterVec

	// Decisions
	DecisionsTotal *prometheus.CounterVec
	CompositeScore prometheus.Histogram
	Escalations    prometheus.Counter
	QualityRetries prometheus.Counter

	// Pipeline
	DuplicateRequests prometheus.Counter
	NotifyFailures    *prometheus.CounterVec
}

// NewMetrics returns the process-wide metrics, registering them with the
// default registry on first use.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = newMetrics(prometheus.DefaultRegisterer)
	})
	return globalMetrics
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "assessor_step_duration_seconds",
				Help:    "Duration of analysis steps in seconds",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
			},
			[]string{"step", "method"},
		),
		StepTimeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assessor_step_timeouts_total",
				Help: "Total number of analysis steps that exceeded their timeout",
			},
			[]string{"step"},
		),
		StepFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assessor_step_failures_total",
				Help: "Total number of analysis steps that produced no output",
			},
			[]string{"step", "required"},
		),
		RouterOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assessor_router_outcomes_total",
				Help: "Analysis router outcomes by method and primary failure reason",
			},
			[]string{"step", "method", "reason"},
		),
		DecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assessor_decisions_total",
				Help: "Total number of decisions by verdict",
			},
			[]string{"verdict"},
		),
		CompositeScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "assessor_composite_score",
				Help:    "Distribution of composite risk scores",
				Buckets: prometheus.LinearBuckets(0, 10, 11),
			},
		),
		Escalations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "assessor_escalations_total",
				Help: "Total number of decisions flagged for human escalation",
			},
		),
		QualityRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "assessor_quality_retries_total",
				Help: "Total number of decision quality check retries",
			},
		),
		DuplicateRequests: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "assessor_duplicate_requests_total",
				Help: "Total number of assessment requests answered from a stored decision",
			},
		),
		NotifyFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assessor_notify_failures_total",
				Help: "Total number of failed decision notifications",
			},
			[]string{"sink"},
		),
	}
}

// RecordRoute records how the router resolved a step.
func (m *Metrics) RecordRoute(step string, method events.AnalysisMethod, reason events.FailureReason) {
	if m == nil {
		return
	}
	r := string(reason)
	if r == "" {
		r = "none"
	}
	m.RouterOutcomes.WithLabelValues(step, string(method), r).Inc()
}

// RecordStep records a finished step.
func (m *Metrics) RecordStep(step string, method events.AnalysisMethod, d time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(step, string(method)).Observe(d.Seconds())
}

// RecordStepTimeout records a step that exceeded its timeout.
func (m *Metrics) RecordStepTimeout(step string) {
	if m == nil {
		return
	}
	m.StepTimeouts.WithLabelValues(step).Inc()
}

// RecordStepFailure records a step that produced no output.
func (m *Metrics) RecordStepFailure(step string, required bool) {
	if m == nil {
		return
	}
	label := "false"
	if required {
		label = "true"
	}
	m.StepFailures.WithLabelValues(step, label).Inc()
}

// RecordDecision records a completed decision.
func (m *Metrics) RecordDecision(d *events.Decision) {
	if m == nil || d == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(string(d.Verdict)).Inc()
	m.CompositeScore.Observe(float64(d.Score))
	if d.Escalate {
		m.Escalations.Inc()
	}
	if d.RetriesUsed > 0 {
		m.QualityRetries.Add(float64(d.RetriesUsed))
	}
}

// RecordDuplicate records a request answered from the assessment store.
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.DuplicateRequests.Inc()
}

// RecordNotifyFailure records a failed notification.
func (m *Metrics) RecordNotifyFailure(sink string) {
	if m == nil {
		return
	}
	m.NotifyFailures.WithLabelValues(sink).Inc()
}
