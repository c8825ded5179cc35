// Package riskmanager implements fleet-wide pool quarantine ("herd immunity").
//
// A production interruption in a capacity pool marks that pool poisoned for a
// cooldown window. Every optimizer asks IsPoolPoisoned immediately before
// launching capacity and refuses poisoned pools.
package riskmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
	"github.com/softcane/spot-vortex-governor/internal/metrics"
)

// DefaultCooldown is how long a pool stays poisoned after an interruption.
const DefaultCooldown = 15 * 24 * time.Hour

// ErrPoolPoisoned is returned by callers that refuse a quarantined pool.
var ErrPoolPoisoned = errors.New("riskmanager: pool is poisoned")

// Checker is the read side consumed by optimizers.
type Checker interface {
	IsPoolPoisoned(ctx context.Context, pool candidate.PoolKey) (bool, error)
}

// PoolResolver maps a resource to the capacity pool it runs in.
type PoolResolver interface {
	PoolForResource(ctx context.Context, resourceID string) (candidate.PoolKey, error)
}

// Config configures the Manager.
type Config struct {
	Store    Store
	Resolver PoolResolver
	Cooldown time.Duration

	// ProductionTagKeys are the tag keys inspected for the environment
	// (e.g. "environment", "env"). ProductionTagValues are the values that
	// mark a resource as production. Matching is case-insensitive.
	ProductionTagKeys   []string
	ProductionTagValues []string

	Logger *slog.Logger
	Now    func() time.Time
}

// Manager owns the pool risk table.
type Manager struct {
	store    Store
	resolver PoolResolver
	cooldown time.Duration
	tagKeys  []string
	tagVals  map[string]struct{}
	logger   *slog.Logger
	now      func() time.Time
}

var _ Checker = (*Manager)(nil)

// New creates a Manager. A nil Store defaults to an in-memory store.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	keys := cfg.ProductionTagKeys
	if len(keys) == 0 {
		keys = []string{"environment", "env"}
	}
	vals := cfg.ProductionTagValues
	if len(vals) == 0 {
		vals = []string{"production", "prod"}
	}
	valSet := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		valSet[strings.ToLower(v)] = struct{}{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:    store,
		resolver: cfg.Resolver,
		cooldown: cooldown,
		tagKeys:  keys,
		tagVals:  valSet,
		logger:   logger,
		now:      now,
	}
}

// IsPoolPoisoned reports whether pool is quarantined. Expired records read as
// not poisoned even before the sweep removes them.
func (m *Manager) IsPoolPoisoned(ctx context.Context, pool candidate.PoolKey) (bool, error) {
	rec, ok, err := m.store.Get(ctx, pool)
	if err != nil {
		return false, fmt.Errorf("lookup pool %s: %w", pool, err)
	}
	return ok && rec.Active(m.now()), nil
}

// MarkPoisoned quarantines pool for the cooldown window. Re-poisoning an
// already poisoned pool extends the window.
func (m *Manager) MarkPoisoned(ctx context.Context, pool candidate.PoolKey, reason string) error {
	return m.markPoisoned(ctx, pool, reason, "")
}

func (m *Manager) markPoisoned(ctx context.Context, pool candidate.PoolKey, reason, source string) error {
	now := m.now()
	rec := PoolRiskRecord{
		Pool:       pool,
		Poisoned:   true,
		PoisonedAt: now,
		ExpiresAt:  now.Add(m.cooldown),
		Reason:     reason,
		Source:     source,
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("poison pool %s: %w", pool, err)
	}
	metrics.PoisonEvents.WithLabelValues("poisoned").Inc()
	m.refreshGauge(ctx)
	m.logger.Warn("capacity pool poisoned",
		"pool", pool.String(),
		"reason", reason,
		"source", source,
		"expires_at", rec.ExpiresAt,
	)
	return nil
}

// CleanupExpired deletes records whose cooldown has elapsed and returns how
// many were removed. Records re-poisoned after the listing are kept.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	recs, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pool records: %w", err)
	}
	now := m.now()
	removed := 0
	for _, rec := range recs {
		if rec.Active(now) {
			continue
		}
		ok, err := m.store.DeleteIfExpired(ctx, rec.Pool, now)
		if err != nil {
			return removed, fmt.Errorf("delete pool record %s: %w", rec.Pool, err)
		}
		if !ok {
			// Re-poisoned since the List.
			continue
		}
		removed++
		m.logger.Info("pool quarantine expired", "pool", rec.Pool.String())
	}
	m.refreshGauge(ctx)
	return removed, nil
}

// Poisoned lists currently active quarantines.
func (m *Manager) Poisoned(ctx context.Context) ([]PoolRiskRecord, error) {
	recs, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := recs[:0]
	for _, rec := range recs {
		if rec.Active(now) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// OnInterruptionSignal handles an interruption signal for a resource. Only a
// TERMINATION_NOTICE from a production-tagged resource poisons its pool; it
// returns true when a pool was poisoned.
func (m *Manager) OnInterruptionSignal(ctx context.Context, resourceID string, sig candidate.Signal, tags map[string]string) (bool, error) {
	if sig != candidate.SignalTerminationNotice {
		if sig != candidate.SignalNone {
			metrics.PoisonEvents.WithLabelValues("ignored_signal").Inc()
			m.logger.Info("interruption signal does not poison pools",
				"resource_id", resourceID, "signal", sig.String())
		}
		return false, nil
	}
	if !m.isProduction(tags) {
		metrics.PoisonEvents.WithLabelValues("discarded_non_production").Inc()
		m.logger.Info("discarding interruption signal from non-production resource",
			"resource_id", resourceID, "signal", sig.String())
		return false, nil
	}
	if m.resolver == nil {
		return false, fmt.Errorf("resolve pool for %s: no pool resolver configured", resourceID)
	}
	pool, err := m.resolver.PoolForResource(ctx, resourceID)
	if err != nil {
		return false, fmt.Errorf("resolve pool for %s: %w", resourceID, err)
	}
	if err := m.markPoisoned(ctx, pool, "production interruption: "+sig.String(), resourceID); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) isProduction(tags map[string]string) bool {
	for k, v := range tags {
		for _, key := range m.tagKeys {
			if !strings.EqualFold(k, key) {
				continue
			}
			if _, ok := m.tagVals[strings.ToLower(strings.TrimSpace(v))]; ok {
				return true
			}
		}
	}
	return false
}

func (m *Manager) refreshGauge(ctx context.Context) {
	active, err := m.Poisoned(ctx)
	if err != nil {
		m.logger.Debug("failed to refresh poisoned pools gauge", "error", err)
		return
	}
	metrics.PoolsPoisoned.Set(float64(len(active)))
}

// FirstUnpoisoned walks ranked in order and returns the first pool that is
// not quarantined. ok is false when every pool is poisoned, in which case the
// caller falls back to on-demand capacity. A lookup error stops the walk.
func FirstUnpoisoned(ctx context.Context, c Checker, ranked []candidate.PoolKey) (pool candidate.PoolKey, ok bool, err error) {
	for _, p := range ranked {
		poisoned, err := c.IsPoolPoisoned(ctx, p)
		if err != nil {
			return candidate.PoolKey{}, false, err
		}
		if !poisoned {
			return p, true, nil
		}
	}
	return candidate.PoolKey{}, false, nil
}
