package candidate

import (
	"fmt"
	"strings"
	"time"
)

// Signal is the latest interruption signal the provider published for a resource.
type Signal int

const (
	SignalNone Signal = iota
	SignalRebalanceRecommendation
	SignalTerminationNotice
)

func (s Signal) String() string {
	switch s {
	case SignalNone:
		return "NONE"
	case SignalRebalanceRecommendation:
		return "REBALANCE_RECOMMENDATION"
	case SignalTerminationNotice:
		return "TERMINATION_NOTICE"
	default:
		return fmt.Sprintf("Signal(%d)", int(s))
	}
}

// Outranks reports whether s must take precedence over other.
func (s Signal) Outranks(other Signal) bool {
	return s > other
}

// ParseSignal accepts the upper-case names and a few provider spellings.
func ParseSignal(v string) (Signal, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "", "NONE":
		return SignalNone, nil
	case "REBALANCE_RECOMMENDATION", "REBALANCE":
		return SignalRebalanceRecommendation, nil
	case "TERMINATION_NOTICE", "TERMINATE", "TERMINATION":
		return SignalTerminationNotice, nil
	default:
		return SignalNone, fmt.Errorf("unknown signal %q", v)
	}
}

// MarshalText encodes the signal name.
func (s Signal) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a signal name.
func (s *Signal) UnmarshalText(b []byte) error {
	v, err := ParseSignal(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Decision is the final action chosen for a resource.
type Decision int

const (
	DecisionUndecided Decision = iota
	DecisionStay
	DecisionSwitch
	DecisionDrain
	DecisionEvacuate
)

func (d Decision) String() string {
	switch d {
	case DecisionStay:
		return "STAY"
	case DecisionSwitch:
		return "SWITCH"
	case DecisionDrain:
		return "DRAIN"
	case DecisionEvacuate:
		return "EVACUATE"
	default:
		return "UNDECIDED"
	}
}

// MarshalText encodes the decision name.
func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Requirement is the hardware a workload needs from a candidate.
type Requirement struct {
	MinVCPU      int32  `json:"minVcpu" yaml:"minVcpu"`
	MinMemoryMiB int64  `json:"minMemoryMiB" yaml:"minMemoryMiB"`
	Architecture string `json:"architecture,omitempty" yaml:"architecture,omitempty"`
}

// WorkloadItem is one schedulable unit (a pod) to be packed onto nodes.
type WorkloadItem struct {
	Name      string  `json:"name" yaml:"name"`
	CPU       float64 `json:"cpu" yaml:"cpu"`
	MemoryMiB float64 `json:"memoryMiB" yaml:"memoryMiB"`
}

// Request is what a caller asks to have evaluated.
type Request struct {
	// ResourceID is the cloud instance id of the resource being evaluated.
	ResourceID string `json:"resourceId" yaml:"resourceId"`

	// NodeName is the Kubernetes node backed by the resource, if any.
	NodeName string `json:"nodeName,omitempty" yaml:"nodeName,omitempty"`

	// Group is the fixed-size instance group the resource belongs to, if any.
	Group string `json:"group,omitempty" yaml:"group,omitempty"`

	Current     Seed              `json:"current" yaml:"current"`
	Requirement Requirement       `json:"requirement" yaml:"requirement"`
	Workload    []WorkloadItem    `json:"workload,omitempty" yaml:"workload,omitempty"`
	Tags        map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Signal      Signal            `json:"signal" yaml:"signal"`
}

// Validate rejects requests the pipeline cannot evaluate.
func (r Request) Validate() error {
	if r.ResourceID == "" && r.NodeName == "" {
		return fmt.Errorf("%w: resourceId or nodeName is required", ErrInvalidRequest)
	}
	if r.Current.Pool.InstanceType == "" || r.Current.Pool.Zone == "" {
		return fmt.Errorf("%w: current placement must name instanceType and zone", ErrInvalidRequest)
	}
	if r.Requirement.MinVCPU < 0 || r.Requirement.MinMemoryMiB < 0 {
		return fmt.Errorf("%w: requirement must not be negative", ErrInvalidRequest)
	}
	return nil
}

// Key identifies the evaluated resource in logs and per-resource locks.
func (r Request) Key() string {
	if r.NodeName != "" {
		return r.NodeName
	}
	return r.ResourceID
}

// TraceEntry is one append-only record of a stage run.
type TraceEntry struct {
	Stage     string        `json:"stage"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Total     int           `json:"total"`
	Valid     int           `json:"valid"`
	Rejected  int           `json:"rejected"`
	Note      string        `json:"note,omitempty"`
}
