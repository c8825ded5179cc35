// Package metrics provides Prometheus metrics for the SpotVortex governor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DecisionsTotal counts final decisions by decision and the stage that wrote it.
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spotvortex",
			Name:      "decisions_total",
			Help:      "Final pipeline decisions grouped by decision and source stage",
		},
		[]string{"decision", "source"},
	)

	// EvaluationErrors counts evaluations aborted by a stage error.
	EvaluationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spotvortex",
			Name:      "evaluation_errors_total",
			Help:      "Evaluations aborted by a stage error",
		},
		[]string{"stage"},
	)

	// StageDuration tracks per-stage latency.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "spotvortex",
			Name:      "stage_duration_seconds",
			Help:      "Latency of a single pipeline stage",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"stage"},
	)

	// Candidates tracks candidate counts leaving each stage.
	Candidates = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "spotvortex",
			Name:      "candidates",
			Help:      "Candidates after a stage, by validity",
		},
		[]string{"stage", "state"},
	)

	// ClassifierDegraded counts risk scoring runs that used the fallback probability.
	ClassifierDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spotvortex",
			Name:      "classifier_degraded_total",
			Help:      "Risk scoring runs that fell back to the conservative probability",
		},
		[]string{"reason"},
	)

	// InferenceLatency tracks classifier prediction duration.
	InferenceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "spotvortex",
			Name:      "inference_latency_seconds",
			Help:      "Latency of risk classifier prediction",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	// CrashProbability tracks the latest crash probability per pool.
	CrashProbability = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "spotvortex",
			Name:      "crash_probability",
			Help:      "Latest classifier crash probability (0=safe, 1=imminent)",
		},
		[]string{"pool"},
	)

	// SpotPriceUSD tracks the latest observed unit price per pool.
	SpotPriceUSD = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "spotvortex",
			Name:      "spot_price_usd",
			Help:      "Current spot price in USD per hour",
		},
		[]string{"instance", "zone"},
	)

	// PoolsPoisoned tracks pools currently quarantined.
	PoolsPoisoned = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "spotvortex",
			Name:      "pools_poisoned",
			Help:      "Capacity pools currently quarantined after a production interruption",
		},
	)

	// PoisonEvents counts quarantine writes and discarded signals.
	PoisonEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spotvortex",
			Name:      "poison_events_total",
			Help:      "Interruption signals handled by the risk manager grouped by outcome",
		},
		[]string{"outcome"},
	)

	// LaunchesRefused counts launches blocked by a quarantined pool.
	LaunchesRefused = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spotvortex",
			Name:      "launches_refused_total",
			Help:      "Launches refused because the target pool is quarantined",
		},
		[]string{"optimizer"},
	)

	// SwapsTotal counts cluster optimizer swaps by result.
	SwapsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spotvortex",
			Name:      "swaps_total",
			Help:      "Capacity-preserving group swaps grouped by result",
		},
		[]string{"result"},
	)

	// ReplacementsTotal counts node replacements by result and the phase reached.
	ReplacementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spotvortex",
			Name:      "replacements_total",
			Help:      "Node replacements grouped by result and last phase",
		},
		[]string{"result", "phase"},
	)

	// NodesDraining tracks nodes currently being drained.
	NodesDraining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "spotvortex",
			Name:      "nodes_draining",
			Help:      "Number of nodes currently draining",
		},
	)

	// NodesManaged tracks nodes under management.
	NodesManaged = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "spotvortex",
			Name:      "nodes_managed",
			Help:      "Number of nodes currently managed",
		},
	)

	// ReconcileLoopDuration tracks the full reconcile cycle time.
	ReconcileLoopDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "spotvortex",
			Name:      "reconcile_loop_duration_seconds",
			Help:      "Duration of complete reconciliation loop",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)

	// SignalsTotal counts interruption signals observed by the poller.
	SignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spotvortex",
			Name:      "signals_total",
			Help:      "Interruption signals observed grouped by type and instance family",
		},
		[]string{"type", "family"},
	)

	// GovernanceFindings counts governance scanner findings.
	GovernanceFindings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spotvortex",
			Name:      "governance_findings_total",
			Help:      "Governance scanner findings grouped by scanner and reason",
		},
		[]string{"scanner", "reason"},
	)

	// GovernanceTerminations counts instances terminated by the security enforcer.
	GovernanceTerminations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "spotvortex",
			Name:      "governance_terminations_total",
			Help:      "Untagged instances terminated after their grace period",
		},
	)

	// PotentialSavingsHourly tracks the hourly saving a SWITCH decision would realise.
	// Populated in dry-run mode too, so the value is visible before enabling.
	PotentialSavingsHourly = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "spotvortex",
			Name:      "potential_savings_hourly_usd",
			Help:      "Hourly saving of the selected candidate versus the current placement (USD)",
		},
		[]string{"resource", "pool"},
	)
)

// RecordSavings records the hourly delta between the current and the selected price.
// Non-positive prices are ignored.
func RecordSavings(resource, pool string, currentPrice, selectedPrice float64) {
	if currentPrice <= 0 || selectedPrice <= 0 {
		return
	}
	PotentialSavingsHourly.WithLabelValues(resource, pool).Set(currentPrice - selectedPrice)
}
