// Package metrics exposes the Prometheus collectors the runtime updates as
// it processes messages: queue depth, host lifecycle, router rule hits,
// trace writes, and MLLP frame/ACK counters.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Host metrics
	HostState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conduit_host_state",
			Help: "Current lifecycle state of a host (1 for the active state, 0 otherwise)",
		},
		[]string{"item", "kind", "state"},
	)

	HostRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_host_restarts_total",
			Help: "Total number of supervisor-driven restarts per host",
		},
		[]string{"item"},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conduit_queue_depth",
			Help: "Current number of envelopes buffered in a host's queue",
		},
		[]string{"item"},
	)

	QueueOverflowTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_queue_overflow_total",
			Help: "Total number of envelopes dropped or rejected by queue overflow policy",
		},
		[]string{"item", "policy"},
	)

	// Router metrics
	RuleEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_rule_evaluations_total",
			Help: "Total number of routing rule evaluations by outcome",
		},
		[]string{"router", "rule", "matched"},
	)

	RuleEvaluationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_rule_evaluation_failures_total",
			Help: "Total number of routing rule condition evaluation failures (treated as false)",
		},
		[]string{"router", "rule"},
	)

	// Trace metrics
	TraceWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_trace_writes_total",
			Help: "Total number of trace header writes by status",
		},
		[]string{"status"},
	)

	TraceDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conduit_trace_dropped_total",
			Help: "Total number of trace records dropped because the writer buffer saturated",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conduit_session_reconciliation_duration_seconds",
			Help:    "Time taken by one session-chaining reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// MLLP metrics
	MLLPFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_mllp_frames_total",
			Help: "Total number of MLLP frames read or written",
		},
		[]string{"item", "direction"},
	)

	MLLPAcksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_mllp_acks_total",
			Help: "Total number of MLLP ACKs by MSA-1 code",
		},
		[]string{"item", "code"},
	)

	MLLPFramingErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_mllp_framing_errors_total",
			Help: "Total number of MLLP framing errors by connection",
		},
		[]string{"item"},
	)
)

func init() {
	prometheus.MustRegister(
		HostState,
		HostRestartsTotal,
		QueueDepth,
		QueueOverflowTotal,
		RuleEvaluationsTotal,
		RuleEvaluationFailuresTotal,
		TraceWritesTotal,
		TraceDroppedTotal,
		ReconciliationDuration,
		MLLPFramesTotal,
		MLLPAcksTotal,
		MLLPFramingErrorsTotal,
	)
}

// Timer measures an in-flight operation for later observation into a
// histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
