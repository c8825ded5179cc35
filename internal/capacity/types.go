// Package capacity launches replacement capacity and swaps instances inside
// fixed-size groups without ever dropping below the group's desired size.
//
// A swap runs Discover, RiskCheck, Launch, HealthCheck, AttachToGroup,
// DetachOld and Terminate in that order. The replacement is attached
// (N -> N+1) before the old instance is detached (N+1 -> N).
package capacity

import (
	"errors"
	"fmt"
)

// Well-known tag keys.
const (
	// TagGroup names the group an instance was launched for.
	TagGroup = "spotvortex.io/group"
	// TagManagedBy marks capacity launched by this agent.
	TagManagedBy = "spotvortex.io/managed-by"
)

// SwapPhase is a state of the group swap state machine.
type SwapPhase string

const (
	PhaseDiscover    SwapPhase = "discover"
	PhaseRiskCheck   SwapPhase = "risk_check"
	PhaseLaunch      SwapPhase = "launch"
	PhaseHealthCheck SwapPhase = "health_check"
	PhaseAttach      SwapPhase = "attach"
	PhaseDetachOld   SwapPhase = "detach_old"
	PhaseTerminate   SwapPhase = "terminate"
	PhaseDone        SwapPhase = "done"
)

var (
	// ErrSwapInProgress is returned when the group already has a swap in flight.
	ErrSwapInProgress = errors.New("capacity: swap already in progress")

	// ErrDetachBeforeAttach means the old instance was about to leave the
	// group before its replacement was healthy and attached. It is a bug and
	// is never retried.
	ErrDetachBeforeAttach = errors.New("capacity: detach attempted before replacement attached")

	// ErrNotInGroup is returned when the instance to replace is not a group member.
	ErrNotInGroup = errors.New("capacity: instance is not in group")

	// ErrUnhealthy is returned when the replacement never passed health checks.
	ErrUnhealthy = errors.New("capacity: replacement did not become healthy")

	// ErrGroupNotFound is returned when a group cannot be described.
	ErrGroupNotFound = errors.New("capacity: group not found")
)

// SwapError reports the phase a failed swap reached and whether the
// replacement was rolled back.
type SwapError struct {
	Group      string
	Phase      SwapPhase
	RolledBack bool
	Err        error
}

func (e *SwapError) Error() string {
	msg := fmt.Sprintf("swap in group %s failed in %s: %v", e.Group, e.Phase, e.Err)
	if e.RolledBack {
		msg += " (replacement terminated)"
	}
	return msg
}

func (e *SwapError) Unwrap() error { return e.Err }
