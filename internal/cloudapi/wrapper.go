package cloudapi

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

const dryRunPrefix = "dry-run-"

// DryRunWrapper guards an Infrastructure with dry-run mode. In dry-run it
// logs the intended action and returns synthetic handles that report healthy,
// so optimizers walk their full state machine without touching the cloud.
type DryRunWrapper struct {
	dryRun bool
	infra  Infrastructure
	logger *slog.Logger
	now    func() time.Time
}

// DryRunWrapperConfig configures the DryRunWrapper.
type DryRunWrapperConfig struct {
	DryRun bool
	// Infra is the real implementation. It may be nil in dry-run mode.
	Infra  Infrastructure
	Logger *slog.Logger
}

// NewDryRunWrapper creates a wrapper.
func NewDryRunWrapper(cfg DryRunWrapperConfig) *DryRunWrapper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRunWrapper{
		dryRun: cfg.DryRun,
		infra:  cfg.Infra,
		logger: logger,
		now:    time.Now,
	}
}

// Launch implements Infrastructure.
func (w *DryRunWrapper) Launch(ctx context.Context, spec LaunchSpec) (InstanceHandle, error) {
	w.logger.Info("launch requested",
		"pool", spec.Pool.String(),
		"spot", spec.Spot,
		"replaces", spec.ReplacesID,
		"dry_run", w.dryRun,
	)

	if w.dryRun {
		w.logger.Info("dry-run: simulating launch",
			"pool", spec.Pool.String(),
			"action", "would_launch_instance",
		)
		return InstanceHandle{
			ID:         dryRunPrefix + spec.Pool.InstanceType + "-" + spec.Pool.Zone,
			Pool:       spec.Pool,
			Spot:       spec.Spot,
			LaunchedAt: w.now(),
			DryRun:     true,
		}, nil
	}

	if w.infra == nil {
		w.logger.Error("no infrastructure configured for live mode")
		return InstanceHandle{}, ErrNoProvider
	}
	return w.infra.Launch(ctx, spec)
}

// Terminate implements Infrastructure.
func (w *DryRunWrapper) Terminate(ctx context.Context, instanceID string) error {
	w.logger.Info("terminate requested", "instance_id", instanceID, "dry_run", w.dryRun)
	if w.dryRun {
		w.logger.Info("dry-run: simulating terminate",
			"instance_id", instanceID,
			"action", "would_terminate_instance",
		)
		return nil
	}
	if w.infra == nil {
		return ErrNoProvider
	}
	return w.infra.Terminate(ctx, instanceID)
}

// InstanceHealthy implements Infrastructure. Synthetic dry-run instances are always healthy.
func (w *DryRunWrapper) InstanceHealthy(ctx context.Context, instanceID string) (bool, error) {
	if w.dryRun || strings.HasPrefix(instanceID, dryRunPrefix) {
		return true, nil
	}
	if w.infra == nil {
		return false, ErrNoProvider
	}
	return w.infra.InstanceHealthy(ctx, instanceID)
}

// IsDryRun returns whether the wrapper is in dry-run mode.
func (w *DryRunWrapper) IsDryRun() bool {
	return w.dryRun
}

var _ Infrastructure = (*DryRunWrapper)(nil)
