// Package governance runs fleet-wide audits that sit beside the decision
// pipeline: a waste scanner that reports idle billable resources and a
// security enforcer that flags, and after a grace period terminates,
// instances nobody owns.
package governance

import (
	"context"
	"strings"
	"time"

	"github.com/softcane/spot-vortex-governor/internal/cloudapi"
)

// Scanner names used in metrics and logs.
const (
	ScannerWaste    = "waste"
	ScannerSecurity = "security"
)

// Reason explains why a resource was flagged.
type Reason string

const (
	ReasonUnattachedAddress Reason = "unattached_address"
	ReasonOrphanedVolume    Reason = "orphaned_volume"
	ReasonUnusedSnapshot    Reason = "unused_snapshot"
	ReasonMissingOwner      Reason = "missing_owner_tag"
)

// WasteFinding is one idle resource found by a waste scan.
type WasteFinding struct {
	ResourceID   string    `json:"resourceId"`
	Kind         string    `json:"kind"`
	Reason       Reason    `json:"reason"`
	SizeGiB      int32     `json:"sizeGiB,omitempty"`
	CreatedAt    time.Time `json:"createdAt,omitempty"`
	DiscoveredAt time.Time `json:"discoveredAt"`
}

// Flag is one unowned instance found by a security audit.
type Flag struct {
	ResourceID   string    `json:"resourceId"`
	Reason       Reason    `json:"reason"`
	LaunchedAt   time.Time `json:"launchedAt"`
	DiscoveredAt time.Time `json:"discoveredAt"`
	// FlaggedAt is when the instance was first seen without an owner.
	FlaggedAt time.Time `json:"flaggedAt"`
	// Deadline is when the instance becomes eligible for termination.
	Deadline   time.Time `json:"deadline"`
	Terminated bool      `json:"terminated"`
	// DryRun is set when termination was only simulated.
	DryRun bool   `json:"dryRun,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Overdue reports whether the grace period has elapsed at now.
func (f Flag) Overdue(now time.Time) bool {
	return !now.Before(f.Deadline)
}

// Scope narrows a scan to resources carrying every listed tag value.
// An empty scope matches everything.
type Scope struct {
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Matches reports whether tags satisfy the scope. Values compare
// case-insensitively.
func (s Scope) Matches(tags map[string]string) bool {
	for k, want := range s.Tags {
		if !strings.EqualFold(tags[k], want) {
			return false
		}
	}
	return true
}

// ResourceLister lists the billable resources the waste scanner audits.
type ResourceLister interface {
	ListAddresses(ctx context.Context) ([]cloudapi.Address, error)
	ListVolumes(ctx context.Context) ([]cloudapi.Volume, error)
	ListSnapshots(ctx context.Context) ([]cloudapi.Snapshot, error)
	ListImages(ctx context.Context) ([]cloudapi.Image, error)
}

// InstanceLister lists running instances.
type InstanceLister interface {
	ListInstances(ctx context.Context) ([]cloudapi.Instance, error)
}

// Terminator terminates instances. cloudapi.Infrastructure satisfies it.
type Terminator interface {
	Terminate(ctx context.Context, instanceID string) error
}

// Tagger writes and removes resource tags. The security enforcer keeps the
// first-flagged time on the instance itself.
type Tagger interface {
	TagResource(ctx context.Context, resourceID string, tags map[string]string) error
	UntagResource(ctx context.Context, resourceID string, keys ...string) error
}

type dryRunner interface {
	IsDryRun() bool
}
