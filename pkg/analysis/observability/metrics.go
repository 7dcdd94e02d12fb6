// Package observability provides Prometheus metrics and OpenTelemetry spans
// for the analysis pipeline.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stage attempt outcomes.
const (
	OutcomeSucceeded    = "succeeded"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeDiscarded    = "discarded"
	OutcomeDuplicate    = "duplicate"
)

// Metrics holds all Prometheus metrics for the analysis pipeline.
type Metrics struct {
	// Queue metrics
	JobsEnqueuedTotal *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	QueueWaitSeconds  *prometheus.HistogramVec

	// Stage metrics
	StageAttemptsTotal   *prometheus.CounterVec
	StageDurationSeconds *prometheus.HistogramVec
	RetriesTotal         *prometheus.CounterVec
	DeadLettersTotal     *prometheus.CounterVec
	LateResultsDiscarded *prometheus.CounterVec

	// Report metrics
	ReportTransitionsTotal *prometheus.CounterVec

	// Notification metrics
	NotificationDeliveriesTotal *prometheus.CounterVec
}

// NewMetrics registers the pipeline metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		JobsEnqueuedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexireport_jobs_enqueued_total",
				Help: "Stage jobs enqueued",
			},
			[]string{"stage", "priority"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lexireport_queue_depth",
				Help: "Messages in the job queue by bucket",
			},
			[]string{"queue", "bucket"},
		),
		QueueWaitSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lexireport_queue_wait_seconds",
				Help:    "Time from enqueue to first delivery",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
			},
			[]string{"priority"},
		),
		StageAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexireport_stage_attempts_total",
				Help: "Stage attempts by outcome",
			},
			[]string{"stage", "outcome"},
		),
		StageDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lexireport_stage_duration_seconds",
				Help:    "Capability invocation latency per stage",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"stage"},
		),
		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexireport_stage_retries_total",
				Help: "Stage retries scheduled by error code",
			},
			[]string{"stage", "code"},
		),
		DeadLettersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexireport_stage_dead_letters_total",
				Help: "Stage jobs dead-lettered by error class",
			},
			[]string{"stage", "class"},
		),
		LateResultsDiscarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexireport_late_results_discarded_total",
				Help: "Capability results dropped because the report was cancelled mid-flight",
			},
			[]string{"stage"},
		),
		ReportTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexireport_report_transitions_total",
				Help: "Report state transitions",
			},
			[]string{"from", "to"},
		),
		NotificationDeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexireport_notification_deliveries_total",
				Help: "Notification deliveries by subscriber and status",
			},
			[]string{"subscriber", "status"},
		),
	}
}

// NewNopMetrics returns metrics registered on a throwaway registry.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func (m *Metrics) RecordEnqueued(stage, priority string) {
	m.JobsEnqueuedTotal.WithLabelValues(stage, priority).Inc()
}

func (m *Metrics) RecordQueueDepth(queue string, ready, delayed, processing, deadLetter int64) {
	m.QueueDepth.WithLabelValues(queue, "ready").Set(float64(ready))
	m.QueueDepth.WithLabelValues(queue, "delayed").Set(float64(delayed))
	m.QueueDepth.WithLabelValues(queue, "processing").Set(float64(processing))
	m.QueueDepth.WithLabelValues(queue, "dead_letter").Set(float64(deadLetter))
}

func (m *Metrics) RecordQueueWait(priority string, seconds float64) {
	m.QueueWaitSeconds.WithLabelValues(priority).Observe(seconds)
}

func (m *Metrics) RecordAttempt(stage, outcome string) {
	m.StageAttemptsTotal.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) RecordStageDuration(stage string, seconds float64) {
	m.StageDurationSeconds.WithLabelValues(stage).Observe(seconds)
}

func (m *Metrics) RecordRetry(stage, code string) {
	m.RetriesTotal.WithLabelValues(stage, code).Inc()
	m.StageAttemptsTotal.WithLabelValues(stage, OutcomeRetried).Inc()
}

func (m *Metrics) RecordDeadLetter(stage, class string) {
	m.DeadLettersTotal.WithLabelValues(stage, class).Inc()
	m.StageAttemptsTotal.WithLabelValues(stage, OutcomeDeadLettered).Inc()
}

func (m *Metrics) RecordLateResult(stage string) {
	m.LateResultsDiscarded.WithLabelValues(stage).Inc()
	m.StageAttemptsTotal.WithLabelValues(stage, OutcomeDiscarded).Inc()
}

func (m *Metrics) RecordTransition(from, to string) {
	m.ReportTransitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordNotification(subscriber, status string) {
	m.NotificationDeliveriesTotal.WithLabelValues(subscriber, status).Inc()
}
