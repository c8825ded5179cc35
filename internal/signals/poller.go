// Package signals polls provider interruption signals in the background
// and serves the latest one per resource without blocking. Newly observed
// termination notices are forwarded to the risk manager so production
// interruptions quarantine their pool fleet-wide.
package signals

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
	"github.com/softcane/spot-vortex-governor/internal/cloudapi"
	"github.com/softcane/spot-vortex-governor/internal/metrics"
	"github.com/softcane/spot-vortex-governor/internal/pipeline"
)

// Poller defaults.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultSignalTTL    = 10 * time.Minute
	pollJitter          = 0.1
)

// ErrNoProviders is returned by NewPoller when no provider is configured.
var ErrNoProviders = errors.New("signals: at least one provider is required")

// Observation is one signal seen by a provider.
type Observation struct {
	ResourceID string
	Signal     candidate.Signal
	// NoticeTime is when the provider says the signal takes effect, if known.
	NoticeTime time.Time
}

// Provider returns the signals currently published for the resources it
// can see. Resources without a signal may be omitted.
type Provider interface {
	Name() string
	Poll(ctx context.Context) ([]Observation, error)
}

// InterruptionHandler receives newly observed signals.
type InterruptionHandler interface {
	OnInterruptionSignal(ctx context.Context, resourceID string, sig candidate.Signal, tags map[string]string) (bool, error)
}

// Config configures a Poller.
type Config struct {
	Providers []Provider
	// Handler is optional. Without it signals are only cached.
	Handler InterruptionHandler
	// Inventory resolves tags and pools for forwarded signals and metrics.
	Inventory cloudapi.Inventory
	Interval  time.Duration
	// TTL drops cached signals no provider has reported for this long.
	TTL    time.Duration
	Logger *slog.Logger
	// Now is overridable in tests.
	Now func() time.Time
}

type entry struct {
	signal   candidate.Signal
	notice   time.Time
	lastSeen time.Time
	// forwarded is set once the handler accepted the signal.
	forwarded bool
}

// Poller caches the latest signal per resource.
type Poller struct {
	providers []Provider
	handler   InterruptionHandler
	inventory cloudapi.Inventory
	interval  time.Duration
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.RWMutex
	latest map[string]entry
}

var _ pipeline.SignalSource = (*Poller)(nil)

// NewPoller creates a Poller.
func NewPoller(cfg Config) (*Poller, error) {
	if len(cfg.Providers) == 0 {
		return nil, ErrNoProviders
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSignalTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Poller{
		providers: cfg.Providers,
		handler:   cfg.Handler,
		inventory: cfg.Inventory,
		interval:  cfg.Interval,
		ttl:       cfg.TTL,
		logger:    cfg.Logger,
		now:       cfg.Now,
		latest:    make(map[string]entry),
	}, nil
}

// Latest returns the most recent signal for a resource, or SignalNone.
func (p *Poller) Latest(resourceID string) candidate.Signal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest[resourceID].signal
}

// Snapshot returns a copy of every cached non-NONE signal.
func (p *Poller) Snapshot() map[string]candidate.Signal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]candidate.Signal, len(p.latest))
	for id, e := range p.latest {
		out[id] = e.signal
	}
	return out
}

// Run polls every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("signal poller starting", "interval", p.interval, "providers", len(p.providers))
	wait.JitterUntilWithContext(ctx, p.PollOnce, p.interval, pollJitter, true)
	p.logger.Info("signal poller stopped")
}

// PollOnce queries every provider, updates the cache and forwards newly
// observed signals. A failing provider does not stop the others. Signals
// the handler has not accepted yet are forwarded again on every poll.
func (p *Poller) PollOnce(ctx context.Context) {
	now := p.now()
	for _, prov := range p.providers {
		obs, err := prov.Poll(ctx)
		if err != nil {
			p.logger.Warn("signal provider poll failed", "provider", prov.Name(), "error", err)
			continue
		}
		for _, o := range obs {
			if o.ResourceID == "" || o.Signal == candidate.SignalNone {
				continue
			}
			if p.observe(o, now) {
				p.announce(ctx, o)
			}
		}
	}
	p.expire(now)
	p.forwardPending(ctx)
}

// observe records o and reports whether it is new or outranks the cached signal.
func (p *Poller) observe(o Observation, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok := p.latest[o.ResourceID]
	if ok && !o.Signal.Outranks(prev.signal) {
		prev.lastSeen = now
		p.latest[o.ResourceID] = prev
		return false
	}
	// A stronger signal replaces the entry and must be forwarded again.
	p.latest[o.ResourceID] = entry{signal: o.Signal, notice: o.NoticeTime, lastSeen: now}
	return true
}

func (p *Poller) expire(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.latest {
		if now.Sub(e.lastSeen) > p.ttl {
			delete(p.latest, id)
		}
	}
}

// announce counts and logs a newly observed signal.
func (p *Poller) announce(ctx context.Context, o Observation) {
	family := "unknown"
	if p.inventory != nil {
		if pool, err := p.inventory.PoolForResource(ctx, o.ResourceID); err == nil {
			family = pool.Family()
		}
	}
	metrics.SignalsTotal.WithLabelValues(o.Signal.String(), family).Inc()

	p.logger.Info("interruption signal observed",
		"resource_id", o.ResourceID,
		"signal", o.Signal.String(),
		"family", family,
		"notice_time", o.NoticeTime,
	)
}

// forwardPending hands every cached signal the handler has not accepted yet
// to the handler.
func (p *Poller) forwardPending(ctx context.Context) {
	if p.handler == nil {
		return
	}
	p.mu.RLock()
	pending := make(map[string]candidate.Signal)
	for id, e := range p.latest {
		if !e.forwarded {
			pending[id] = e.signal
		}
	}
	p.mu.RUnlock()

	for id, sig := range pending {
		if !p.forward(ctx, id, sig) {
			continue
		}
		p.mu.Lock()
		if e, ok := p.latest[id]; ok && e.signal == sig {
			e.forwarded = true
			p.latest[id] = e
		}
		p.mu.Unlock()
	}
}

// forward reports whether the handler accepted the signal. Without the
// resource's tags the handler cannot tell production from other resources,
// so the signal is held back until they resolve.
func (p *Poller) forward(ctx context.Context, resourceID string, sig candidate.Signal) bool {
	var tags map[string]string
	if p.inventory != nil {
		var err error
		if tags, err = p.inventory.GetResourceTags(ctx, resourceID); err != nil {
			p.logger.Warn("resource tags unavailable, signal forwarding deferred",
				"resource_id", resourceID,
				"signal", sig.String(),
				"error", err,
			)
			return false
		}
	}
	poisoned, err := p.handler.OnInterruptionSignal(ctx, resourceID, sig, tags)
	if err != nil {
		p.logger.Error("interruption signal handling failed, will retry",
			"resource_id", resourceID,
			"signal", sig.String(),
			"error", err,
		)
		return false
	}
	if poisoned {
		p.logger.Warn("pool poisoned by interruption", "resource_id", resourceID)
	}
	return true
}
