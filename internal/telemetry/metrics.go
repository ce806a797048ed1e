package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across every route.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "oroboros",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// RunsClaimedTotal counts worker claim cycles by outcome.
var RunsClaimedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "oroboros",
		Subsystem: "worker",
		Name:      "runs_claimed_total",
		Help:      "Total number of claim cycles by outcome.",
	},
	[]string{"outcome"},
)

// RunsTransitionedTotal counts run state transitions.
var RunsTransitionedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "oroboros",
		Subsystem: "run",
		Name:      "transitions_total",
		Help:      "Total number of run state transitions by target status.",
	},
	[]string{"status_to"},
)

// RunsFailedTotal counts terminal failures by reason code.
var RunsFailedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "oroboros",
		Subsystem: "run",
		Name:      "failed_total",
		Help:      "Total number of runs failed by failure_reason_code.",
	},
	[]string{"failure_reason_code"},
)

// SlotLeaseAcquireTotal counts slot acquisition attempts by outcome.
var SlotLeaseAcquireTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "oroboros",
		Subsystem: "slot",
		Name:      "acquire_total",
		Help:      "Total number of slot lease acquire attempts by outcome.",
	},
	[]string{"outcome"},
)

// SlotLeaseExpiredTotal counts leases reclaimed by the reaper or by acquire's own sweep.
var SlotLeaseExpiredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "oroboros",
		Subsystem: "slot",
		Name:      "expired_total",
		Help:      "Total number of slot leases reclaimed as expired.",
	},
	[]string{"slot_id"},
)

// CheckDuration tracks validation/merge-gate check durations.
var CheckDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "oroboros",
		Subsystem: "check",
		Name:      "duration_seconds",
		Help:      "Validation/merge-gate check duration in seconds.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 900},
	},
	[]string{"check_name", "status"},
)

// SlackNotificationsTotal counts best-effort Slack notifications sent.
var SlackNotificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "oroboros",
		Subsystem: "notify",
		Name:      "slack_total",
		Help:      "Total number of Slack notifications sent by outcome.",
	},
	[]string{"outcome"},
)

// All returns every Oroboros-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		RunsClaimedTotal,
		RunsTransitionedTotal,
		RunsFailedTotal,
		SlotLeaseAcquireTotal,
		SlotLeaseExpiredTotal,
		CheckDuration,
		SlackNotificationsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
