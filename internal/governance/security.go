package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/softcane/spot-vortex-governor/internal/capacity"
	"github.com/softcane/spot-vortex-governor/internal/cloudapi"
	"github.com/softcane/spot-vortex-governor/internal/metrics"
)

// DefaultSecurityGrace is how long an unowned instance may run before it
// is terminated.
const DefaultSecurityGrace = 24 * time.Hour

// TagFlaggedAt records, on the instance, when it was first flagged. It is
// removed once an owner tag appears.
const TagFlaggedAt = "spotvortex.io/flagged-at"

// DefaultOwnerTags are the tag keys that establish ownership. Instances
// launched by the optimizers carry capacity.TagManagedBy.
var DefaultOwnerTags = []string{"owner", "team", capacity.TagManagedBy}

// SecurityEnforcerConfig configures a SecurityEnforcer.
type SecurityEnforcerConfig struct {
	Instances InstanceLister
	// Terminator is required only for enforcing runs. Pass the dry-run
	// wrapper so enforcement honours dry-run mode.
	Terminator Terminator
	// Tagger persists the first-flagged time. Without it nothing is written,
	// so an instance first seen in this run is never overdue.
	Tagger    Tagger
	OwnerTags []string
	Grace     time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

// SecurityEnforcer flags running instances without a recognised owner tag.
// The deadline is the first-flagged time, stored as TagFlaggedAt on the
// instance, plus the grace period. Re-tagging an instance with an owner
// clears the flag on the next run.
type SecurityEnforcer struct {
	instances  InstanceLister
	terminator Terminator
	tagger     Tagger
	ownerTags  []string
	grace      time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewSecurityEnforcer creates a SecurityEnforcer.
func NewSecurityEnforcer(cfg SecurityEnforcerConfig) (*SecurityEnforcer, error) {
	if cfg.Instances == nil {
		return nil, errors.New("governance: instance lister is required")
	}
	if len(cfg.OwnerTags) == 0 {
		cfg.OwnerTags = DefaultOwnerTags
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultSecurityGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SecurityEnforcer{
		instances:  cfg.Instances,
		terminator: cfg.Terminator,
		tagger:     cfg.Tagger,
		ownerTags:  cfg.OwnerTags,
		grace:      cfg.Grace,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}, nil
}

// Run audits running instances in scope. With autoEnforce, flagged
// instances past their deadline are terminated. Termination failures are
// recorded on the flag and returned joined; the scan itself continues.
func (e *SecurityEnforcer) Run(ctx context.Context, scope Scope, autoEnforce bool) ([]Flag, error) {
	if autoEnforce && e.terminator == nil {
		return nil, errors.New("governance: enforcement requires a terminator")
	}
	instances, err := e.instances.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	now := e.now()
	var (
		flags []Flag
		errs  []error
	)
	for _, inst := range instances {
		if !scope.Matches(inst.Tags) {
			continue
		}
		if e.owned(inst.Tags) {
			e.clearFlag(ctx, inst)
			continue
		}
		flaggedAt, err := e.flaggedAt(ctx, inst, now)
		f := Flag{
			ResourceID:   inst.ID,
			Reason:       ReasonMissingOwner,
			LaunchedAt:   inst.LaunchedAt,
			DiscoveredAt: now,
			FlaggedAt:    flaggedAt,
			Deadline:     flaggedAt.Add(e.grace),
		}
		if err != nil {
			f.Error = err.Error()
			errs = append(errs, err)
		}
		metrics.GovernanceFindings.WithLabelValues(ScannerSecurity, string(f.Reason)).Inc()

		if autoEnforce && f.Overdue(now) {
			if err := e.terminator.Terminate(ctx, inst.ID); err != nil {
				f.Error = err.Error()
				errs = append(errs, fmt.Errorf("terminate %s: %w", inst.ID, err))
				e.logger.Error("failed to terminate unowned instance", "instance_id", inst.ID, "error", err)
			} else {
				f.Terminated = true
				f.DryRun = e.dryRun()
				if !f.DryRun {
					metrics.GovernanceTerminations.Inc()
				}
				e.logger.Warn("terminated unowned instance",
					"instance_id", inst.ID,
					"flagged_at", f.FlaggedAt,
					"deadline", f.Deadline,
					"dry_run", f.DryRun,
				)
			}
		}
		flags = append(flags, f)
	}

	sort.Slice(flags, func(i, j int) bool { return flags[i].Deadline.Before(flags[j].Deadline) })

	e.logger.Info("security audit complete",
		"instances", len(instances),
		"flagged", len(flags),
		"auto_enforce", autoEnforce,
	)
	return flags, errors.Join(errs...)
}

// flaggedAt returns the instance's recorded first-flagged time, recording now
// when there is none. A record that cannot be written restarts the grace
// period on the next run.
func (e *SecurityEnforcer) flaggedAt(ctx context.Context, inst cloudapi.Instance, now time.Time) (time.Time, error) {
	if raw := inst.Tags[TagFlaggedAt]; raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err == nil {
			return t, nil
		}
		e.logger.Warn("ignoring malformed flag tag", "instance_id", inst.ID, "value", raw)
	}
	if e.tagger == nil {
		return now, nil
	}
	if err := e.tagger.TagResource(ctx, inst.ID, map[string]string{TagFlaggedAt: now.UTC().Format(time.RFC3339)}); err != nil {
		return now, fmt.Errorf("record flag on %s: %w", inst.ID, err)
	}
	e.logger.Info("flagged unowned instance",
		"instance_id", inst.ID,
		"deadline", now.Add(e.grace),
	)
	return now, nil
}

func (e *SecurityEnforcer) clearFlag(ctx context.Context, inst cloudapi.Instance) {
	if inst.Tags[TagFlaggedAt] == "" || e.tagger == nil {
		return
	}
	if err := e.tagger.UntagResource(ctx, inst.ID, TagFlaggedAt); err != nil {
		e.logger.Warn("failed to clear flag", "instance_id", inst.ID, "error", err)
		return
	}
	e.logger.Info("owner tag restored, flag cleared", "instance_id", inst.ID)
}

func (e *SecurityEnforcer) dryRun() bool {
	d, ok := e.terminator.(dryRunner)
	return ok && d.IsDryRun()
}

func (e *SecurityEnforcer) owned(tags map[string]string) bool {
	for _, k := range e.ownerTags {
		if tags[k] != "" {
			return true
		}
	}
	return false
}
