package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
)

// SignalSource returns the most recent interruption signal polled for a
// resource. It must not block.
type SignalSource interface {
	Latest(resourceID string) candidate.Signal
}

// ReactiveOverride is the only stage that writes the final decision. It
// evaluates its table in strict priority order:
//
//	TERMINATION_NOTICE                    -> EVACUATE
//	REBALANCE_RECOMMENDATION              -> DRAIN
//	NONE, current valid and under gate    -> STAY
//	NONE, otherwise                       -> SWITCH to the top-ranked alternative
type ReactiveOverride struct {
	base
	signals SignalSource
	gate    float64
	logger  *slog.Logger
}

// NewReactiveOverride builds the stage. signals may be nil.
func NewReactiveOverride(signals SignalSource, safetyGate float64, logger *slog.Logger) *ReactiveOverride {
	if safetyGate <= 0 || safetyGate > 1 {
		safetyGate = DefaultSafetyGate
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReactiveOverride{signals: signals, gate: safetyGate, logger: logger}
}

// Name implements Stage.
func (o *ReactiveOverride) Name() string { return StageReactiveOverride }

// OnEnter picks up a signal polled since the evaluation started, if it
// outranks the one attached to the request.
func (o *ReactiveOverride) OnEnter(_ context.Context, dc *candidate.DecisionContext) error {
	if o.signals == nil || dc.Request.ResourceID == "" {
		return nil
	}
	latest := o.signals.Latest(dc.Request.ResourceID)
	if latest.Outranks(dc.Signal) {
		o.logger.Info("interruption signal escalated",
			"resource", dc.Request.Key(),
			"from", dc.Signal.String(),
			"to", latest.String(),
		)
		dc.Signal = latest
	}
	return nil
}

// Process implements Stage.
func (o *ReactiveOverride) Process(_ context.Context, dc *candidate.DecisionContext) error {
	return dc.Decide(StageReactiveOverride, o.decide(dc))
}

func (o *ReactiveOverride) decide(dc *candidate.DecisionContext) candidate.Outcome {
	alts := dc.Alternatives()
	var target *candidate.Candidate
	if len(alts) > 0 {
		target = alts[0]
	}

	switch dc.Signal {
	case candidate.SignalTerminationNotice:
		return candidate.Outcome{
			Decision:         candidate.DecisionEvacuate,
			Selected:         target,
			Reason:           "termination notice received: evacuating " + destination(target),
			OnDemandFallback: target == nil,
		}
	case candidate.SignalRebalanceRecommendation:
		return candidate.Outcome{
			Decision:         candidate.DecisionDrain,
			Selected:         target,
			Reason:           "rebalance recommendation received: draining " + destination(target),
			OnDemandFallback: target == nil,
		}
	}

	cur := dc.CurrentCandidate()
	if cur != nil && cur.Valid && cur.CrashProbability <= o.gate {
		return candidate.Outcome{
			Decision: candidate.DecisionStay,
			Reason: fmt.Sprintf("current pool %s is safe: crash probability %.2f within safety gate %.2f",
				cur.ID, cur.CrashProbability, o.gate),
		}
	}

	why := "current placement unknown"
	if cur != nil {
		why = fmt.Sprintf("current pool %s rejected by %s: %s", cur.ID, cur.RejectedBy, cur.RejectionReason)
	}
	if target == nil {
		return candidate.Outcome{
			Decision:         candidate.DecisionSwitch,
			Reason:           "no safe candidates: " + why + "; falling back to on-demand capacity",
			OnDemandFallback: true,
		}
	}
	return candidate.Outcome{
		Decision: candidate.DecisionSwitch,
		Selected: target,
		Reason: fmt.Sprintf("%s; switching to %s (crash probability %.2f, score %.4f)",
			why, target.ID, target.CrashProbability, target.Score),
	}
}

func destination(target *candidate.Candidate) string {
	if target == nil {
		return "to on-demand capacity"
	}
	return "to " + target.ID
}
