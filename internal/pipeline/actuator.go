package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
)

// ErrNoExecutor is returned when a mutating decision has no optimizer to run it.
var ErrNoExecutor = errors.New("pipeline: no optimizer configured for request")

// NodeReplacer executes an action by replacing a Kubernetes node.
type NodeReplacer interface {
	ReplaceNode(ctx context.Context, act candidate.Action) error
}

// GroupSwapper executes an action by swapping an instance inside its group.
type GroupSwapper interface {
	SwapInstance(ctx context.Context, act candidate.Action) error
}

// Recorder persists decision results for audit.
type Recorder interface {
	Record(ctx context.Context, res candidate.Result) error
}

// LogActuator records the decision a mutating run would execute and changes nothing.
type LogActuator struct {
	base
	recorder Recorder
	logger   *slog.Logger
}

// NewLogActuator builds the dry-run actuator. recorder may be nil.
func NewLogActuator(recorder Recorder, logger *slog.Logger) *LogActuator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogActuator{recorder: recorder, logger: logger}
}

// Name implements Stage.
func (a *LogActuator) Name() string { return StageActuator }

// Process implements Stage.
func (a *LogActuator) Process(ctx context.Context, dc *candidate.DecisionContext) error {
	res := dc.Result()
	res.DryRun = true
	a.logger.Info("dry-run: decision",
		"resource", dc.Request.Key(),
		"decision", res.Decision.String(),
		"reason", res.Reason,
		"target", targetName(dc),
		"signal", res.Signal.String(),
		"action", dryRunVerb(res.Decision),
	)
	record(ctx, a.recorder, a.logger, res)
	return nil
}

// MutatingActuator hands SWITCH, DRAIN and EVACUATE to the node or cluster
// optimizer. It is the only caller of the optimizers.
type MutatingActuator struct {
	base
	nodes    NodeReplacer
	groups   GroupSwapper
	recorder Recorder
	logger   *slog.Logger
}

// MutatingActuatorConfig configures a MutatingActuator.
type MutatingActuatorConfig struct {
	Nodes    NodeReplacer
	Groups   GroupSwapper
	Recorder Recorder
	Logger   *slog.Logger
}

// NewMutatingActuator builds the live actuator.
func NewMutatingActuator(cfg MutatingActuatorConfig) *MutatingActuator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MutatingActuator{nodes: cfg.Nodes, groups: cfg.Groups, recorder: cfg.Recorder, logger: cfg.Logger}
}

// Name implements Stage.
func (a *MutatingActuator) Name() string { return StageActuator }

// Process implements Stage. The decision is recorded before execution so a
// failed optimizer run still leaves an audit trail.
func (a *MutatingActuator) Process(ctx context.Context, dc *candidate.DecisionContext) error {
	record(ctx, a.recorder, a.logger, dc.Result())

	if dc.Decision() == candidate.DecisionStay {
		return nil
	}

	act := dc.Action()
	a.logger.Info("executing decision",
		"resource", dc.Request.Key(),
		"decision", act.Decision.String(),
		"target", targetName(dc),
		"expedited", act.Expedited,
	)

	// Group members are swapped inside their group so its size never dips.
	switch {
	case dc.Request.Group != "" && a.groups != nil:
		if err := a.groups.SwapInstance(ctx, act); err != nil {
			return fmt.Errorf("cluster optimizer: %w", err)
		}
	case dc.Request.NodeName != "" && a.nodes != nil:
		if err := a.nodes.ReplaceNode(ctx, act); err != nil {
			return fmt.Errorf("node optimizer: %w", err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrNoExecutor, dc.Request.Key())
	}
	return nil
}

func record(ctx context.Context, r Recorder, logger *slog.Logger, res candidate.Result) {
	if r == nil {
		return
	}
	if err := r.Record(ctx, res); err != nil {
		logger.Warn("failed to record decision", "resource", res.ResourceID, "error", err)
	}
}

func targetName(dc *candidate.DecisionContext) string {
	if sel := dc.Selected(); sel != nil {
		return sel.ID
	}
	if dc.OnDemandFallback() {
		return "on-demand"
	}
	return ""
}

func dryRunVerb(d candidate.Decision) string {
	switch d {
	case candidate.DecisionSwitch:
		return "would_switch_pool"
	case candidate.DecisionDrain:
		return "would_drain_node"
	case candidate.DecisionEvacuate:
		return "would_evacuate_node"
	default:
		return "no_op"
	}
}
