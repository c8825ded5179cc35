package capacity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
	"github.com/softcane/spot-vortex-governor/internal/cloudapi"
	"github.com/softcane/spot-vortex-governor/internal/metrics"
	"github.com/softcane/spot-vortex-governor/internal/riskmanager"
)

// Swap defaults.
const (
	DefaultHealthTimeout = 5 * time.Minute
	DefaultPollInterval  = 10 * time.Second
)

// ClusterOptimizerConfig configures a ClusterOptimizer.
type ClusterOptimizerConfig struct {
	Groups GroupClient
	Infra  cloudapi.Infrastructure
	Risk   riskmanager.Checker

	HealthTimeout time.Duration
	PollInterval  time.Duration

	// Backoff bounds DetachOld and Terminate retries. Zero uses retry.DefaultBackoff.
	Backoff wait.Backoff

	Logger *slog.Logger
}

// ClusterOptimizer swaps one instance of a fixed-size group for a new one in
// a better pool. Swaps for different groups run in parallel; a second swap
// for a group with one in flight is rejected.
type ClusterOptimizer struct {
	groups        GroupClient
	infra         cloudapi.Infrastructure
	launcher      *Launcher
	healthTimeout time.Duration
	pollInterval  time.Duration
	backoff       wait.Backoff
	logger        *slog.Logger
	tracer        trace.Tracer

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewClusterOptimizer validates cfg and applies defaults.
func NewClusterOptimizer(cfg ClusterOptimizerConfig) (*ClusterOptimizer, error) {
	if cfg.Groups == nil || cfg.Infra == nil || cfg.Risk == nil {
		return nil, errors.New("capacity: cluster optimizer needs a group client, infrastructure and risk checker")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Backoff.Steps == 0 {
		cfg.Backoff = retry.DefaultBackoff
	}
	return &ClusterOptimizer{
		groups:        cfg.Groups,
		infra:         cfg.Infra,
		launcher:      NewLauncher(cfg.Infra, cfg.Risk, "cluster", cfg.Logger),
		healthTimeout: cfg.HealthTimeout,
		pollInterval:  cfg.PollInterval,
		backoff:       cfg.Backoff,
		logger:        cfg.Logger,
		tracer:        otel.Tracer("github.com/softcane/spot-vortex-governor/internal/capacity"),
		inflight:      make(map[string]struct{}),
	}, nil
}

// swapState tracks one swap. attached and healthy guard DetachOld.
type swapState struct {
	group    string
	oldID    string
	newID    string
	phase    SwapPhase
	healthy  bool
	attached bool
}

// SwapInstance replaces act.Request.ResourceID inside act.Request.Group.
func (o *ClusterOptimizer) SwapInstance(ctx context.Context, act candidate.Action) (err error) {
	group := act.Request.Group
	if group == "" || act.Request.ResourceID == "" {
		return fmt.Errorf("capacity: swap needs a group and a resource id")
	}
	if !o.acquire(group) {
		return fmt.Errorf("%w: %s", ErrSwapInProgress, group)
	}
	defer o.release(group)

	ctx, span := o.tracer.Start(ctx, "capacity.swap", trace.WithAttributes(
		attribute.String("group", group),
		attribute.String("instance_id", act.Request.ResourceID),
	))
	defer span.End()

	s := &swapState{group: group, oldID: act.Request.ResourceID}
	start := time.Now()
	defer func() {
		result := "success"
		var se *SwapError
		switch {
		case errors.As(err, &se) && se.RolledBack:
			result = "rolled_back"
		case err != nil:
			result = "failed"
		}
		metrics.SwapsTotal.WithLabelValues(result).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		o.logger.Info("group swap finished",
			"group", group,
			"old_instance", s.oldID,
			"new_instance", s.newID,
			"phase", string(s.phase),
			"result", result,
			"duration", time.Since(start),
		)
	}()

	s.enter(ctx, PhaseDiscover)
	info, err := o.groups.DescribeGroup(ctx, group)
	if err != nil {
		return s.fail(err)
	}
	if !info.Has(s.oldID) {
		return s.fail(fmt.Errorf("%w: %s not in %s", ErrNotInGroup, s.oldID, group))
	}
	if info.DesiredCapacity+1 > info.MaxSize {
		return s.fail(fmt.Errorf("group %s is at max size %d, no room to attach a replacement", group, info.MaxSize))
	}

	// RiskCheck and Launch are one step: the quarantine lookup happens
	// immediately before each launch attempt.
	s.enter(ctx, PhaseRiskCheck)
	s.enter(ctx, PhaseLaunch)
	h, err := o.launcher.Launch(ctx, act, cloudapi.LaunchSpec{
		ReplacesID:     s.oldID,
		LaunchTemplate: info.LaunchTemplate,
		Tags:           map[string]string{TagGroup: group, TagManagedBy: "spotvortex"},
	})
	if err != nil {
		return s.fail(err)
	}
	s.newID = h.ID

	s.enter(ctx, PhaseHealthCheck)
	if err := o.waitHealthy(ctx, s.newID); err != nil {
		return s.rollback(o, err)
	}
	s.healthy = true

	s.enter(ctx, PhaseAttach)
	if err := o.groups.AttachInstance(ctx, group, s.newID); err != nil {
		return s.rollback(o, err)
	}
	s.attached = true

	s.enter(ctx, PhaseDetachOld)
	if !s.healthy || !s.attached {
		return s.fail(ErrDetachBeforeAttach)
	}
	if err := o.retry(func() error { return o.groups.DetachInstance(ctx, group, s.oldID) }); err != nil {
		return s.fail(err)
	}

	s.enter(ctx, PhaseTerminate)
	if err := o.retry(func() error { return o.infra.Terminate(ctx, s.oldID) }); err != nil {
		return s.fail(err)
	}

	s.enter(ctx, PhaseDone)
	return nil
}

func (o *ClusterOptimizer) acquire(group string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[group]; busy {
		return false
	}
	o.inflight[group] = struct{}{}
	return true
}

func (o *ClusterOptimizer) release(group string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, group)
}

// waitHealthy polls until the instance passes health checks. Lookup errors
// are retried until the timeout.
func (o *ClusterOptimizer) waitHealthy(ctx context.Context, id string) error {
	var lastErr error
	err := wait.PollUntilContextTimeout(ctx, o.pollInterval, o.healthTimeout, true, func(ctx context.Context) (bool, error) {
		ok, err := o.infra.InstanceHealthy(ctx, id)
		if err != nil {
			lastErr = err
			return false, nil
		}
		return ok, nil
	})
	if err == nil {
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("%w after %v: %w", ErrUnhealthy, o.healthTimeout, lastErr)
	}
	return fmt.Errorf("%w after %v: %w", ErrUnhealthy, o.healthTimeout, err)
}

// retry runs an idempotent step with backoff. Context errors are not retried.
func (o *ClusterOptimizer) retry(fn func() error) error {
	return retry.OnError(o.backoff, func(err error) bool {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}, fn)
}

func (s *swapState) enter(ctx context.Context, p SwapPhase) {
	s.phase = p
	trace.SpanFromContext(ctx).AddEvent(string(p))
}

func (s *swapState) fail(err error) error {
	return &SwapError{Group: s.group, Phase: s.phase, Err: err}
}

// rollback terminates the replacement so no orphan is left behind. The
// terminate uses a fresh context because ctx may already be cancelled.
func (s *swapState) rollback(o *ClusterOptimizer, cause error) error {
	tctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := o.infra.Terminate(tctx, s.newID); err != nil {
		o.logger.Error("failed to terminate replacement during rollback",
			"group", s.group,
			"instance_id", s.newID,
			"error", err,
		)
		return &SwapError{Group: s.group, Phase: s.phase, Err: errors.Join(cause, err)}
	}
	o.logger.Warn("swap rolled back",
		"group", s.group,
		"phase", string(s.phase),
		"instance_id", s.newID,
		"error", cause,
	)
	return &SwapError{Group: s.group, Phase: s.phase, RolledBack: true, Err: cause}
}
