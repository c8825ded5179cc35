// Package cloudapi defines what the decision system needs from a cloud:
// price history, inventory and tags, and instance lifecycle control.
// Mutating operations go through DryRunWrapper so dry-run mode is enforced
// in one place.
package cloudapi

import (
	"context"
	"time"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
)

// DefaultHistoryWindow is the price history window used when none is configured.
const DefaultHistoryWindow = 7 * 24 * time.Hour

// PriceSeries is the price history of one pool, oldest point first.
type PriceSeries struct {
	Pool          candidate.PoolKey
	Prices        []float64
	Current       float64
	OnDemandPrice float64
	Volatility    float64
}

// PriceProvider serves historical prices and long-run interruption rates.
type PriceProvider interface {
	GetPriceHistory(ctx context.Context, pool candidate.PoolKey, window time.Duration) (PriceSeries, error)
	// GetInterruptionRate returns the long-run interruption fraction in [0,1].
	GetInterruptionRate(ctx context.Context, pool candidate.PoolKey) (float64, error)
}

// Inventory lists compatible capacity pools and resolves resource metadata.
type Inventory interface {
	ListCandidates(ctx context.Context, req candidate.Request) ([]candidate.Seed, error)
	GetResourceTags(ctx context.Context, resourceID string) (map[string]string, error)
	PoolForResource(ctx context.Context, resourceID string) (candidate.PoolKey, error)
}

// LaunchSpec describes new capacity to launch into a pool.
type LaunchSpec struct {
	Pool candidate.PoolKey
	// Spot is false for on-demand fallback capacity.
	Spot bool
	// ReplacesID is the instance this launch will replace, if any.
	ReplacesID     string
	LaunchTemplate string
	Tags           map[string]string
}

// InstanceHandle identifies a launched instance.
type InstanceHandle struct {
	ID         string
	Pool       candidate.PoolKey
	Spot       bool
	LaunchedAt time.Time
	DryRun     bool
}

// Infrastructure controls instance lifecycle.
type Infrastructure interface {
	Launch(ctx context.Context, spec LaunchSpec) (InstanceHandle, error)
	Terminate(ctx context.Context, instanceID string) error
	// InstanceHealthy reports whether the instance is running and passing status checks.
	InstanceHealthy(ctx context.Context, instanceID string) (bool, error)
}
