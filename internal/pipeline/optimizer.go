package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
)

// Optimizer defaults.
const (
	DefaultSafetyGate        = 0.85
	DefaultTopK              = 10
	DefaultRiskPenaltyWeight = 1.0
)

// Optimizer applies the safety gate, prices waste in fleet mode and ranks
// the surviving candidates.
type Optimizer struct {
	base
	gate   float64
	topK   int
	weight float64
	waste  WasteCalculator
	logger *slog.Logger
}

// OptimizerConfig configures the Optimizer.
type OptimizerConfig struct {
	SafetyGate        float64
	TopK              int
	RiskPenaltyWeight float64
	// Waste is nil in single-instance mode.
	Waste  WasteCalculator
	Logger *slog.Logger
}

// NewOptimizer builds the stage.
func NewOptimizer(cfg OptimizerConfig) *Optimizer {
	if cfg.SafetyGate <= 0 || cfg.SafetyGate > 1 {
		cfg.SafetyGate = DefaultSafetyGate
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.RiskPenaltyWeight <= 0 {
		cfg.RiskPenaltyWeight = DefaultRiskPenaltyWeight
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Optimizer{
		gate:   cfg.SafetyGate,
		topK:   cfg.TopK,
		weight: cfg.RiskPenaltyWeight,
		waste:  cfg.Waste,
		logger: cfg.Logger,
	}
}

// Name implements Stage.
func (o *Optimizer) Name() string { return StageOptimizer }

// Process implements Stage.
func (o *Optimizer) Process(_ context.Context, dc *candidate.DecisionContext) error {
	for _, c := range dc.ValidCandidates() {
		if c.CrashProbability > o.gate {
			c.Reject(StageOptimizer, fmt.Sprintf("crash probability %.2f exceeds safety gate %.2f", c.CrashProbability, o.gate))
		}
	}

	valid := dc.ValidCandidates()
	for _, c := range valid {
		if o.waste != nil && len(dc.Request.Workload) > 0 {
			c.WasteCost = o.waste.Cost(c, dc.Request.Workload)
		}
		c.Score = o.score(c)
	}

	Rank(valid)
	if len(valid) > o.topK {
		valid = valid[:o.topK]
	}
	dc.Ranked = valid
	return nil
}

// score is unit price + waste + weight * reference price * p^2. The squared
// term makes risky pools fall away quickly as p grows.
func (o *Optimizer) score(c *candidate.Candidate) float64 {
	ref := c.OnDemandPrice
	if ref <= 0 {
		ref = c.UnitPrice
	}
	p := c.CrashProbability
	return c.UnitPrice + c.WasteCost + o.weight*ref*p*p
}

// Rank sorts ascending by score, then crash probability, then ID.
func Rank(cands []*candidate.Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Score != b.Score {
			return a.Score < b.Score
		}
		if a.CrashProbability != b.CrashProbability {
			return a.CrashProbability < b.CrashProbability
		}
		return a.ID < b.ID
	})
}
