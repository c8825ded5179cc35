package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
	"github.com/softcane/spot-vortex-governor/internal/cloudapi"
	"github.com/softcane/spot-vortex-governor/internal/inference"
)

// Config wires the six stages. Zero values take the package defaults.
type Config struct {
	Mode        Mode
	Inventory   cloudapi.Inventory
	Prices      cloudapi.PriceProvider
	PriceWindow time.Duration

	HistoricalRiskThreshold float64
	// Rightsizer is only used in fleet mode.
	Rightsizer Rightsizer

	Classifier          inference.Classifier
	Stress              inference.StressSource
	FallbackProbability float64

	SafetyGate        float64
	TopK              int
	RiskPenaltyWeight float64

	Signals SignalSource

	// Actuator defaults to a LogActuator over Recorder.
	Actuator Stage
	Recorder Recorder
	DryRun   bool

	Logger *slog.Logger
	Now    func() time.Time
}

// Evaluator turns requests into decisions.
type Evaluator struct {
	pipeline *Pipeline
	dryRun   bool
	now      func() time.Time
}

// NewEvaluator builds the stage list from cfg.
func NewEvaluator(cfg Config) (*Evaluator, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeSingle
	}
	if cfg.Mode != ModeSingle && cfg.Mode != ModeFleet {
		return nil, fmt.Errorf("pipeline: unknown mode %q", cfg.Mode)
	}

	var (
		rightsizer Rightsizer
		waste      WasteCalculator
	)
	if cfg.Mode == ModeFleet {
		rightsizer = cfg.Rightsizer
		waste = BinPackingWaste{}
	}

	actuator := cfg.Actuator
	if actuator == nil {
		actuator = NewLogActuator(cfg.Recorder, cfg.Logger)
	}
	if actuator.Name() != StageActuator {
		return nil, fmt.Errorf("pipeline: actuator stage is named %q", actuator.Name())
	}

	stages := []Stage{
		NewInputAdapter(InputAdapterConfig{
			Mode:        cfg.Mode,
			Inventory:   cfg.Inventory,
			Prices:      cfg.Prices,
			PriceWindow: cfg.PriceWindow,
			Logger:      cfg.Logger,
		}),
		NewStaticFilter(cfg.HistoricalRiskThreshold, rightsizer, cfg.Logger),
		NewRiskScorer(cfg.Classifier, inference.NewFeatureBuilder(cfg.Stress, cfg.Logger), cfg.FallbackProbability, cfg.Logger),
		NewOptimizer(OptimizerConfig{
			SafetyGate:        cfg.SafetyGate,
			TopK:              cfg.TopK,
			RiskPenaltyWeight: cfg.RiskPenaltyWeight,
			Waste:             waste,
			Logger:            cfg.Logger,
		}),
		NewReactiveOverride(cfg.Signals, cfg.SafetyGate, cfg.Logger),
		actuator,
	}

	p := New(cfg.Logger, stages...)
	p.now = cfg.Now
	return &Evaluator{pipeline: p, dryRun: cfg.DryRun, now: cfg.Now}, nil
}

// Evaluate runs one evaluation. On any stage error the partial context is
// dropped and only the error is returned.
func (e *Evaluator) Evaluate(ctx context.Context, req candidate.Request) (candidate.Result, error) {
	if err := req.Validate(); err != nil {
		return candidate.Result{}, err
	}
	dc := candidate.NewDecisionContext(req, e.now())
	if err := e.pipeline.Execute(ctx, dc); err != nil {
		return candidate.Result{}, err
	}
	res := dc.Result()
	res.DryRun = e.dryRun
	return res, nil
}
