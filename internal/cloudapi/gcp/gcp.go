// Package gcp implements cloudapi price and inventory lookups for Compute
// Engine Spot VMs. Compute Engine publishes no spot price history, so the
// series is a single point derived from the machine shape.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	"google.golang.org/api/iterator"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
	"github.com/softcane/spot-vortex-governor/internal/cloudapi"
)

const (
	// CacheTTL bounds how long a machine type lookup is reused.
	CacheTTL = 5 * time.Minute

	// Approximate list prices used to derive an on-demand reference.
	pricePerVCPUHour     = 0.033
	pricePerGiBHour      = 0.004
	spotDiscountFraction = 0.70
)

// Client serves Compute Engine prices and inventory for one project.
type Client struct {
	machineTypes *compute.MachineTypesClient
	instances    *compute.InstancesClient
	project      string
	region       string
	logger       *slog.Logger

	mu    sync.RWMutex
	cache map[candidate.PoolKey]cachedShape
}

type cachedShape struct {
	vcpu      int32
	memoryMiB int64
	fetchedAt time.Time
}

var (
	_ cloudapi.PriceProvider = (*Client)(nil)
	_ cloudapi.Inventory     = (*Client)(nil)
)

// NewClient creates REST clients for project. region limits ListCandidates to its zones.
func NewClient(ctx context.Context, project, region string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mt, err := compute.NewMachineTypesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create machine types client: %w", err)
	}
	inst, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		mt.Close()
		return nil, fmt.Errorf("create instances client: %w", err)
	}
	return &Client{
		machineTypes: mt,
		instances:    inst,
		project:      project,
		region:       region,
		logger:       logger,
		cache:        make(map[candidate.PoolKey]cachedShape),
	}, nil
}

// Close releases the underlying clients.
func (c *Client) Close() error {
	return errors.Join(c.machineTypes.Close(), c.instances.Close())
}

// GetPriceHistory returns a one-point series priced from the machine shape.
func (c *Client) GetPriceHistory(ctx context.Context, pool candidate.PoolKey, _ time.Duration) (cloudapi.PriceSeries, error) {
	vcpu, mem, err := c.shape(ctx, pool)
	if err != nil {
		return cloudapi.PriceSeries{}, err
	}
	onDemand := OnDemandPrice(vcpu, mem)
	spot := onDemand * (1 - spotDiscountFraction)
	return cloudapi.PriceSeries{
		Pool:          pool,
		Prices:        []float64{spot},
		Current:       spot,
		OnDemandPrice: onDemand,
	}, nil
}

// GetInterruptionRate always fails: Compute Engine publishes no interruption
// frequencies, so callers fall back to their conservative default.
func (c *Client) GetInterruptionRate(context.Context, candidate.PoolKey) (float64, error) {
	return 0, fmt.Errorf("%w: compute engine publishes no interruption rates", cloudapi.ErrNoPriceData)
}

// OnDemandPrice approximates the hourly on-demand price of a machine shape.
func OnDemandPrice(vcpu int32, memoryMiB int64) float64 {
	return float64(vcpu)*pricePerVCPUHour + float64(memoryMiB)/1024*pricePerGiBHour
}

func (c *Client) shape(ctx context.Context, pool candidate.PoolKey) (int32, int64, error) {
	c.mu.RLock()
	s, ok := c.cache[pool]
	c.mu.RUnlock()
	if ok && time.Since(s.fetchedAt) < CacheTTL {
		return s.vcpu, s.memoryMiB, nil
	}

	mt, err := c.machineTypes.Get(ctx, &computepb.GetMachineTypeRequest{
		Project:     c.project,
		Zone:        pool.Zone,
		MachineType: pool.InstanceType,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("get machine type %s: %w", pool, err)
	}
	s = cachedShape{vcpu: mt.GetGuestCpus(), memoryMiB: int64(mt.GetMemoryMb()), fetchedAt: time.Now()}

	c.mu.Lock()
	c.cache[pool] = s
	c.mu.Unlock()
	return s.vcpu, s.memoryMiB, nil
}

// ListCandidates returns one seed per machine type per zone of the region.
func (c *Client) ListCandidates(ctx context.Context, _ candidate.Request) ([]candidate.Seed, error) {
	it := c.machineTypes.AggregatedList(ctx, &computepb.AggregatedListMachineTypesRequest{Project: c.project})
	var seeds []candidate.Seed
	for {
		pair, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list machine types: %w", err)
		}
		zone := path.Base(pair.Key)
		if c.region != "" && ZoneRegion(zone) != c.region {
			continue
		}
		for _, mt := range pair.Value.GetMachineTypes() {
			seeds = append(seeds, candidate.Seed{
				Pool:         candidate.PoolKey{InstanceType: mt.GetName(), Zone: zone},
				Region:       ZoneRegion(zone),
				VCPU:         mt.GetGuestCpus(),
				MemoryMiB:    int64(mt.GetMemoryMb()),
				Architecture: strings.ToLower(mt.GetArchitecture()),
			})
		}
	}
	slices.SortFunc(seeds, func(a, b candidate.Seed) int {
		return strings.Compare(a.Pool.String(), b.Pool.String())
	})
	return seeds, nil
}

// GetResourceTags returns the labels of an instance identified as "zone/name".
func (c *Client) GetResourceTags(ctx context.Context, resourceID string) (map[string]string, error) {
	inst, err := c.instance(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	return inst.GetLabels(), nil
}

// PoolForResource returns the machine type and zone of an instance identified as "zone/name".
func (c *Client) PoolForResource(ctx context.Context, resourceID string) (candidate.PoolKey, error) {
	inst, err := c.instance(ctx, resourceID)
	if err != nil {
		return candidate.PoolKey{}, err
	}
	return candidate.PoolKey{
		InstanceType: path.Base(inst.GetMachineType()),
		Zone:         path.Base(inst.GetZone()),
	}, nil
}

func (c *Client) instance(ctx context.Context, resourceID string) (*computepb.Instance, error) {
	zone, name, ok := strings.Cut(resourceID, "/")
	if !ok {
		return nil, fmt.Errorf("%w: %q is not zone/name", cloudapi.ErrUnknownResource, resourceID)
	}
	inst, err := c.instances.Get(ctx, &computepb.GetInstanceRequest{Project: c.project, Zone: zone, Instance: name})
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", resourceID, err)
	}
	return inst, nil
}

// ZoneRegion strips the zone suffix: "us-central1-a" -> "us-central1".
func ZoneRegion(zone string) string {
	if i := strings.LastIndex(zone, "-"); i > 0 {
		return zone[:i]
	}
	return zone
}
