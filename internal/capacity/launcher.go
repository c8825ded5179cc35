package capacity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
	"github.com/softcane/spot-vortex-governor/internal/cloudapi"
	"github.com/softcane/spot-vortex-governor/internal/metrics"
	"github.com/softcane/spot-vortex-governor/internal/riskmanager"
)

// Launcher launches replacement capacity for an action. It asks the risk
// manager about each pool immediately before launching into it and never
// launches spot capacity into a quarantined pool.
type Launcher struct {
	infra  cloudapi.Infrastructure
	risk   riskmanager.Checker
	// name labels refusals in metrics ("cluster" or "node").
	name   string
	logger *slog.Logger
}

// NewLauncher builds a Launcher. risk must not be nil.
func NewLauncher(infra cloudapi.Infrastructure, risk riskmanager.Checker, name string, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{infra: infra, risk: risk, name: name, logger: logger}
}

// Launch walks the action's target and fallback pools in ranked order,
// skipping quarantined pools and pools out of spot capacity. When no spot
// pool is usable it launches on-demand capacity in the current placement's
// pool. base supplies tags, launch template and the replaced instance.
func (l *Launcher) Launch(ctx context.Context, act candidate.Action, base cloudapi.LaunchSpec) (cloudapi.InstanceHandle, error) {
	if l.infra == nil {
		return cloudapi.InstanceHandle{}, cloudapi.ErrNoProvider
	}

	for _, pool := range act.Pools() {
		poisoned, err := l.risk.IsPoolPoisoned(ctx, pool)
		if err != nil {
			return cloudapi.InstanceHandle{}, fmt.Errorf("risk check %s: %w", pool, err)
		}
		if poisoned {
			metrics.LaunchesRefused.WithLabelValues(l.name).Inc()
			l.logger.Warn("refusing launch into quarantined pool",
				"pool", pool.String(),
				"resource", act.Request.Key(),
			)
			continue
		}

		spec := base
		spec.Pool = pool
		spec.Spot = true
		h, err := l.infra.Launch(ctx, spec)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, cloudapi.ErrSpotUnavailable) {
			return cloudapi.InstanceHandle{}, err
		}
		l.logger.Warn("spot capacity unavailable, trying next pool", "pool", pool.String(), "error", err)
	}

	spec := base
	spec.Pool = act.Request.Current.Pool
	spec.Spot = false
	l.logger.Info("launching on-demand fallback capacity",
		"pool", spec.Pool.String(),
		"resource", act.Request.Key(),
	)
	return l.infra.Launch(ctx, spec)
}
