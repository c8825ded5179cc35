package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
	"github.com/softcane/spot-vortex-governor/internal/cloudapi"
	"github.com/softcane/spot-vortex-governor/internal/collector"
	"github.com/softcane/spot-vortex-governor/internal/metrics"
	"github.com/softcane/spot-vortex-governor/internal/pipeline"
)

// Reconcile defaults.
const (
	DefaultReconcileInterval = 60 * time.Second
	DefaultWorkers           = 4
)

// Evaluator runs one decision pipeline evaluation.
type Evaluator interface {
	Evaluate(ctx context.Context, req candidate.Request) (candidate.Result, error)
}

// Config configures the reconcile Controller.
type Config struct {
	Collector *collector.Collector
	Evaluator Evaluator
	// Signals is optional; without it every request carries SignalNone and
	// the pipeline's own override refresh is the only signal path.
	Signals pipeline.SignalSource
	// Inventory is optional and resolves resource tags for audit records.
	Inventory cloudapi.Inventory

	// NodeSelector limits which nodes are managed.
	NodeSelector string
	Interval     time.Duration
	// Workers bounds concurrent evaluations.
	Workers int
	// FleetMode attaches the pool's whole workload to every request so the
	// pipeline can rightsize the fleet instead of a single node.
	FleetMode bool
	// GroupTagKeys are the resource tags naming the instance group a node
	// belongs to, for example aws:autoscaling:groupName. When set, requests
	// for group members carry the group so the actuator swaps them inside the
	// group. Requires Inventory.
	GroupTagKeys []string

	Logger *slog.Logger
}

// Controller periodically evaluates every managed node.
type Controller struct {
	collector    *collector.Collector
	evaluator    Evaluator
	signals      pipeline.SignalSource
	inventory    cloudapi.Inventory
	nodeSelector string
	interval     time.Duration
	workers      int
	fleetMode    bool
	groupTagKeys []string
	logger       *slog.Logger

	mu         sync.RWMutex
	running    bool
	stopCh     chan struct{}
	lastReport *SavingsReport
}

// New validates cfg and creates a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Collector == nil {
		return nil, fmt.Errorf("controller: collector is required")
	}
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("controller: evaluator is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReconcileInterval
	}
	if len(cfg.GroupTagKeys) > 0 && cfg.Inventory == nil {
		return nil, fmt.Errorf("controller: group tag keys need an inventory")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		collector:    cfg.Collector,
		evaluator:    cfg.Evaluator,
		signals:      cfg.Signals,
		inventory:    cfg.Inventory,
		nodeSelector: cfg.NodeSelector,
		interval:     cfg.Interval,
		workers:      cfg.Workers,
		fleetMode:    cfg.FleetMode,
		groupTagKeys: cfg.GroupTagKeys,
		logger:       cfg.Logger,
		stopCh:       make(chan struct{}),
	}, nil
}

// Start runs Reconcile on every tick until ctx is done or Stop is called.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.mu.Unlock()

	c.logger.Info("controller starting",
		"reconcile_interval", c.interval,
		"workers", c.workers,
		"node_selector", c.nodeSelector,
		"fleet_mode", c.fleetMode,
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	if err := c.Reconcile(ctx); err != nil {
		c.logger.Error("initial reconciliation failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("controller stopped by context")
			return ctx.Err()
		case <-c.stopCh:
			c.logger.Info("controller stopped")
			return nil
		case <-ticker.C:
			if err := c.Reconcile(ctx); err != nil {
				c.logger.Error("reconciliation failed", "error", err)
			}
		}
	}
}

// Stop stops the controller.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		close(c.stopCh)
		c.running = false
	}
}

// LastReport returns the savings report of the most recent cycle.
func (c *Controller) LastReport() *SavingsReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastReport
}

// Reconcile collects the managed nodes and evaluates each one. Nodes that
// are already being replaced are skipped. A failed evaluation is logged
// and does not stop the others.
func (c *Controller) Reconcile(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.ReconcileLoopDuration.Observe(time.Since(start).Seconds())
	}()

	snap, err := c.collector.Collect(ctx, c.nodeSelector)
	if err != nil {
		return fmt.Errorf("collect workload: %w", err)
	}
	metrics.NodesManaged.Set(float64(len(snap.Nodes)))

	var (
		mu      sync.Mutex
		results []candidate.Result
		failed  int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, w := range snap.Nodes {
		if w.Unschedulable || w.Protected {
			c.logger.Debug("skipping node under replacement", "node", w.Node)
			continue
		}
		req, ok := c.requestFor(gctx, w)
		if !ok {
			continue
		}
		g.Go(func() error {
			res, err := c.evaluator.Evaluate(gctx, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				c.logEvaluationError(req, err)
				return nil
			}
			results = append(results, res)
			return nil
		})
	}
	_ = g.Wait()

	report := BuildSavingsReport(results)
	c.mu.Lock()
	c.lastReport = report
	c.mu.Unlock()

	c.logger.Info("reconcile complete",
		"nodes", len(snap.Nodes),
		"evaluated", len(results),
		"failed", failed,
		"actions", report.Actions,
		"potential_savings_hourly", report.TotalSavingsHour,
		"duration", time.Since(start),
	)
	return ctx.Err()
}

// requestFor builds the evaluation request for one node. Nodes without a
// usable provider id or pool labels are skipped, and so are nodes whose group
// membership cannot be resolved when groups are in use.
func (c *Controller) requestFor(ctx context.Context, w collector.NodeWorkload) (candidate.Request, bool) {
	pid, ok := cloudapi.ParseProviderID(w.ProviderID)
	if !ok {
		c.logger.Debug("skipping node without provider id", "node", w.Node)
		return candidate.Request{}, false
	}
	if w.Pool.InstanceType == "unknown" || w.Pool.Zone == "unknown" {
		c.logger.Debug("skipping node without pool labels", "node", w.Node)
		return candidate.Request{}, false
	}

	req := candidate.Request{
		ResourceID: pid.InstanceID,
		NodeName:   w.Node,
		Current: candidate.Seed{
			Pool:         w.Pool,
			Region:       w.Region,
			VCPU:         w.VCPU,
			MemoryMiB:    w.MemoryMiB,
			Architecture: w.Arch,
		},
		Requirement: w.Requirement(),
	}
	if c.fleetMode {
		req.Workload = c.collector.PoolWorkload(w.Pool)
	}
	if c.signals != nil {
		req.Signal = c.signals.Latest(pid.InstanceID)
	}
	if c.inventory != nil {
		tags, err := c.inventory.GetResourceTags(ctx, pid.InstanceID)
		if err != nil {
			if len(c.groupTagKeys) > 0 {
				c.logger.Warn("skipping node, group membership unknown", "node", w.Node, "error", err)
				return candidate.Request{}, false
			}
			c.logger.Debug("resource tags unavailable", "node", w.Node, "error", err)
		}
		req.Tags = tags
		req.Group = groupFromTags(tags, c.groupTagKeys)
	}
	return req, true
}

func groupFromTags(tags map[string]string, keys []string) string {
	for _, k := range keys {
		if g := tags[k]; g != "" {
			return g
		}
	}
	return ""
}

func (c *Controller) logEvaluationError(req candidate.Request, err error) {
	switch {
	case errors.Is(err, ErrReplacementInProgress), errors.Is(err, context.Canceled):
		c.logger.Debug("evaluation skipped", "node", req.NodeName, "error", err)
	default:
		c.logger.Error("evaluation failed",
			"node", req.NodeName,
			"instance_id", req.ResourceID,
			"error", err,
		)
	}
}
