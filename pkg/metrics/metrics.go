package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Audit chain metrics
	AuditAppends       prometheus.Counter
	AuditAppendRetries prometheus.Counter
	AuditAppendFailed  prometheus.Counter
	AuditAppendLatency prometheus.Histogram

	// Chain verification metrics
	VerifyRuns        *prometheus.CounterVec
	VerifyBrokenChain prometheus.Counter
	VerifyLatency     prometheus.Histogram

	// Risk engine metrics
	RiskEvaluations *prometheus.CounterVec
	RiskEvalErrors  prometheus.Counter
	RiskEvalLatency prometheus.Histogram
	ActionsBlocked  *prometheus.CounterVec

	// Alert metrics
	AlertsDispatched *prometheus.CounterVec
	AlertRetries     prometheus.Counter

	// Lockout metrics
	Lockouts     prometheus.Counter
	AdminUnlocks prometheus.Counter
}

// NewMetrics creates and registers all application metrics
func NewMetrics(namespace, subsystem string) *Metrics {
	return &Metrics{
		AuditAppends: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "audit_appends_total",
			Help:      "Total number of audit entries appended",
		}),
		AuditAppendRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "audit_append_retries_total",
			Help:      "Total number of append retries after a stale chain head or write failure",
		}),
		AuditAppendFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "audit_append_failures_total",
			Help:      "Total number of audit entries lost after exhausting retries",
		}),
		AuditAppendLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "audit_append_duration_seconds",
			Help:      "Time spent appending an audit entry",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		VerifyRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "chain_verify_runs_total",
			Help:      "Total number of chain verification runs",
		}, []string{"result"}),
		VerifyBrokenChain: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "chain_verify_broken_total",
			Help:      "Total number of verification runs that found a broken chain",
		}),
		VerifyLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "chain_verify_duration_seconds",
			Help:      "Time spent walking a chain",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		}),
		RiskEvaluations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "risk_evaluations_total",
			Help:      "Total number of risk evaluations by resulting level",
		}, []string{"level"}),
		RiskEvalErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "risk_evaluation_errors_total",
			Help:      "Total number of risk evaluations degraded to LOW by an internal error",
		}),
		RiskEvalLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "risk_evaluation_duration_seconds",
			Help:      "Time spent evaluating one access event",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25},
		}),
		ActionsBlocked: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "actions_blocked_total",
			Help:      "Total number of actions blocked by the pre-check",
		}, []string{"threshold"}),
		AlertsDispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "alerts_dispatched_total",
			Help:      "Total number of security alerts dispatched by channel and status",
		}, []string{"channel", "status"}),
		AlertRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "alert_retries_total",
			Help:      "Total number of alert delivery retries",
		}),
		Lockouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "account_lockouts_total",
			Help:      "Total number of accounts transitioned to locked",
		}),
		AdminUnlocks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "admin_unlocks_total",
			Help:      "Total number of explicit admin unlocks",
		}),
	}
}
