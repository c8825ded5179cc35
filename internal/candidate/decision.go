package candidate

import (
	"errors"
	"time"
)

var (
	// ErrInvalidRequest is returned for malformed evaluation requests.
	ErrInvalidRequest = errors.New("candidate: invalid request")

	// ErrAlreadyDecided is returned when a second final decision is written.
	ErrAlreadyDecided = errors.New("candidate: final decision already set")
)

// DecisionContext is the unit of work threaded through the pipeline.
// It is owned by exactly one stage at a time and is not safe for concurrent use.
type DecisionContext struct {
	Request    Request
	Candidates []*Candidate
	Signal     Signal

	// Ranked holds the top-K valid candidates in ranking order once the
	// optimizer has run. The current placement may or may not be among them.
	Ranked []*Candidate

	// StartedAt is the evaluation clock; time features are derived from it.
	StartedAt time.Time

	decision         Decision
	selected         *Candidate
	reason           string
	source           string
	onDemandFallback bool

	trace []TraceEntry
}

// NewDecisionContext creates a context for one evaluation.
func NewDecisionContext(req Request, now time.Time) *DecisionContext {
	return &DecisionContext{
		Request:   req,
		Signal:    req.Signal,
		StartedAt: now,
	}
}

// Outcome describes a final decision written by the stage that owns it.
type Outcome struct {
	Decision         Decision
	Selected         *Candidate
	Reason           string
	OnDemandFallback bool
}

// Decide records the final decision. It may be called once per context.
func (c *DecisionContext) Decide(source string, out Outcome) error {
	if c.decision != DecisionUndecided {
		return ErrAlreadyDecided
	}
	c.decision = out.Decision
	c.selected = out.Selected
	c.reason = out.Reason
	c.source = source
	c.onDemandFallback = out.OnDemandFallback
	return nil
}

// Decision returns the final decision, DecisionUndecided until one is written.
func (c *DecisionContext) Decision() Decision { return c.decision }

// Selected returns the chosen candidate, nil for STAY or on-demand fallback.
func (c *DecisionContext) Selected() *Candidate { return c.selected }

// Reason returns the human readable justification.
func (c *DecisionContext) Reason() string { return c.reason }

// DecisionSource names the stage that wrote the decision.
func (c *DecisionContext) DecisionSource() string { return c.source }

// OnDemandFallback reports whether the decision targets on-demand capacity.
func (c *DecisionContext) OnDemandFallback() bool { return c.onDemandFallback }

// Record appends a trace entry.
func (c *DecisionContext) Record(e TraceEntry) {
	c.trace = append(c.trace, e)
}

// Trace returns a copy of the execution trace.
func (c *DecisionContext) Trace() []TraceEntry {
	return append([]TraceEntry(nil), c.trace...)
}

// ValidCandidates returns candidates still eligible for ranking, in order.
func (c *DecisionContext) ValidCandidates() []*Candidate {
	out := make([]*Candidate, 0, len(c.Candidates))
	for _, cand := range c.Candidates {
		if cand.Valid {
			out = append(out, cand)
		}
	}
	return out
}

// Counts returns total, valid and rejected candidate counts.
func (c *DecisionContext) Counts() (total, valid, rejected int) {
	total = len(c.Candidates)
	for _, cand := range c.Candidates {
		if cand.Valid {
			valid++
		}
	}
	return total, valid, total - valid
}

// CurrentCandidate returns the candidate describing the present placement.
func (c *DecisionContext) CurrentCandidate() *Candidate {
	for _, cand := range c.Candidates {
		if cand.Current {
			return cand
		}
	}
	return nil
}

// Alternatives returns the ranked pools that are not the current placement.
func (c *DecisionContext) Alternatives() []*Candidate {
	out := make([]*Candidate, 0, len(c.Ranked))
	for _, cand := range c.Ranked {
		if !cand.Current {
			out = append(out, cand)
		}
	}
	return out
}

// Action is the infrastructure change an actuator hands to an optimizer.
type Action struct {
	Request  Request
	Decision Decision
	Reason   string

	// Target is the pool to launch into; nil means on-demand capacity.
	Target *Candidate

	// Fallbacks are the next-ranked pools, tried in order when Target is quarantined.
	Fallbacks []PoolKey

	// Expedited skips waiting for the replacement to become schedulable.
	Expedited bool
}

// Pools returns Target followed by Fallbacks.
func (a Action) Pools() []PoolKey {
	out := make([]PoolKey, 0, len(a.Fallbacks)+1)
	if a.Target != nil {
		out = append(out, a.Target.Pool)
	}
	for _, p := range a.Fallbacks {
		if a.Target != nil && p == a.Target.Pool {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Action derives the optimizer action from the decided context.
func (c *DecisionContext) Action() Action {
	act := Action{
		Request:   c.Request,
		Decision:  c.decision,
		Reason:    c.reason,
		Target:    c.selected.Clone(),
		Expedited: c.decision == DecisionEvacuate,
	}
	for _, alt := range c.Alternatives() {
		act.Fallbacks = append(act.Fallbacks, alt.Pool)
	}
	return act
}

// Result is what evaluate hands back to callers.
type Result struct {
	ResourceID       string       `json:"resourceId"`
	NodeName         string       `json:"nodeName,omitempty"`
	Decision         Decision     `json:"decision"`
	Reason           string       `json:"reason"`
	Selected         *Candidate   `json:"selectedCandidate,omitempty"`
	CurrentPrice     float64      `json:"currentPrice,omitempty"`
	Signal           Signal       `json:"signal"`
	DecisionSource   string       `json:"decisionSource"`
	OnDemandFallback bool         `json:"onDemandFallback,omitempty"`
	DryRun           bool         `json:"dryRun"`
	EvaluatedAt      time.Time    `json:"evaluatedAt"`
	Trace            []TraceEntry `json:"trace"`
}

// Result snapshots the context. The selected candidate is copied so the
// result does not alias pipeline state.
func (c *DecisionContext) Result() Result {
	var currentPrice float64
	if cur := c.CurrentCandidate(); cur != nil {
		currentPrice = cur.UnitPrice
	}
	return Result{
		ResourceID:       c.Request.ResourceID,
		NodeName:         c.Request.NodeName,
		Decision:         c.decision,
		Reason:           c.reason,
		Selected:         c.selected.Clone(),
		CurrentPrice:     currentPrice,
		Signal:           c.Signal,
		DecisionSource:   c.source,
		OnDemandFallback: c.onDemandFallback,
		EvaluatedAt:      c.StartedAt,
		Trace:            c.Trace(),
	}
}
