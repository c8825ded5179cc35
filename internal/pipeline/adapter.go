package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
	"github.com/softcane/spot-vortex-governor/internal/cloudapi"
)

// Mode selects the input adapter variant. It comes from configuration, never
// from request content.
type Mode string

const (
	// ModeSingle evaluates only the resource's current placement.
	ModeSingle Mode = "single"
	// ModeFleet evaluates every compatible pool in the inventory.
	ModeFleet Mode = "fleet"
)

// DefaultFallbackBucket is the interruption bucket assumed when a pool's
// long-run rate is unavailable (15-20%).
const DefaultFallbackBucket = 3

// InputAdapter populates the context's candidates and attaches prices and
// interruption buckets. It never rejects candidates.
type InputAdapter struct {
	base
	mode           Mode
	inventory      cloudapi.Inventory
	prices         cloudapi.PriceProvider
	window         time.Duration
	fallbackBucket int
	logger         *slog.Logger
}

// InputAdapterConfig configures an InputAdapter.
type InputAdapterConfig struct {
	Mode Mode
	// Inventory is required in fleet mode.
	Inventory      cloudapi.Inventory
	Prices         cloudapi.PriceProvider
	PriceWindow    time.Duration
	FallbackBucket int
	Logger         *slog.Logger
}

// NewInputAdapter builds the stage.
func NewInputAdapter(cfg InputAdapterConfig) *InputAdapter {
	if cfg.Mode == "" {
		cfg.Mode = ModeSingle
	}
	if cfg.PriceWindow <= 0 {
		cfg.PriceWindow = cloudapi.DefaultHistoryWindow
	}
	if cfg.FallbackBucket <= 0 {
		cfg.FallbackBucket = DefaultFallbackBucket
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &InputAdapter{
		mode:           cfg.Mode,
		inventory:      cfg.Inventory,
		prices:         cfg.Prices,
		window:         cfg.PriceWindow,
		fallbackBucket: cfg.FallbackBucket,
		logger:         cfg.Logger,
	}
}

// Name implements Stage.
func (a *InputAdapter) Name() string { return StageInputAdapter }

// Process implements Stage.
func (a *InputAdapter) Process(ctx context.Context, dc *candidate.DecisionContext) error {
	seeds := a.seeds(ctx, dc.Request)

	seen := make(map[string]struct{}, len(seeds))
	cands := make([]*candidate.Candidate, 0, len(seeds))
	for _, s := range seeds {
		c := candidate.NewCandidate(s)
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		c.Current = s.Pool == dc.Request.Current.Pool
		cands = append(cands, c)
	}

	if err := a.enrich(ctx, dc.Request.Key(), cands); err != nil {
		return err
	}
	dc.Candidates = cands
	return nil
}

func (a *InputAdapter) seeds(ctx context.Context, req candidate.Request) []candidate.Seed {
	current := req.Current
	if a.mode != ModeFleet {
		return []candidate.Seed{current}
	}
	if a.inventory == nil {
		a.logger.Warn("fleet mode without inventory, evaluating current placement only",
			"resource", req.Key(),
			"degraded_mode", true,
		)
		return []candidate.Seed{current}
	}

	seeds, err := a.inventory.ListCandidates(ctx, req)
	if err != nil {
		a.logger.Warn("inventory unavailable, evaluating current placement only",
			"resource", req.Key(),
			"error", err,
			"degraded_mode", true,
		)
		return []candidate.Seed{current}
	}

	// The current placement always leads so STAY can be evaluated.
	out := make([]candidate.Seed, 0, len(seeds)+1)
	out = append(out, current)
	for _, s := range seeds {
		if s.Pool == current.Pool {
			continue
		}
		out = append(out, s)
	}
	return out
}

// enrich attaches prices and buckets. A pool whose price lookup fails is
// priced at the highest known unit price so it never wins on price alone.
func (a *InputAdapter) enrich(ctx context.Context, resource string, cands []*candidate.Candidate) error {
	var (
		unpriced  []*candidate.Candidate
		maxPrice  float64
		maxOnDmd  float64
		rateFails int
	)

	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return err
		}

		series, err := a.history(ctx, c.Pool)
		if err != nil {
			a.logger.Warn("price history unavailable",
				"resource", resource,
				"pool", c.ID,
				"error", err,
				"degraded_mode", true,
			)
			unpriced = append(unpriced, c)
		} else {
			c.UnitPrice = series.Current
			c.OnDemandPrice = series.OnDemandPrice
			c.PriceHistory = series.Prices
			maxPrice = max(maxPrice, c.UnitPrice)
			maxOnDmd = max(maxOnDmd, c.OnDemandPrice)
		}

		rate, err := a.interruptionRate(ctx, c.Pool)
		if err != nil {
			rateFails++
			c.InterruptionBucket = a.fallbackBucket
			continue
		}
		c.InterruptionBucket = candidate.BucketForRate(rate)
	}

	for _, c := range unpriced {
		c.UnitPrice = maxPrice
		c.OnDemandPrice = maxOnDmd
	}
	if rateFails > 0 {
		a.logger.Warn("interruption rate unavailable, using fallback bucket",
			"resource", resource,
			"pools", rateFails,
			"fallback_bucket", a.fallbackBucket,
			"degraded_mode", true,
		)
	}
	return nil
}

func (a *InputAdapter) history(ctx context.Context, pool candidate.PoolKey) (cloudapi.PriceSeries, error) {
	if a.prices == nil {
		return cloudapi.PriceSeries{}, cloudapi.ErrNoProvider
	}
	return a.prices.GetPriceHistory(ctx, pool, a.window)
}

func (a *InputAdapter) interruptionRate(ctx context.Context, pool candidate.PoolKey) (float64, error) {
	if a.prices == nil {
		return 0, cloudapi.ErrNoProvider
	}
	return a.prices.GetInterruptionRate(ctx, pool)
}
