package controller

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
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
	"github.com/softcane/spot-vortex-governor/internal/capacity"
	"github.com/softcane/spot-vortex-governor/internal/cloudapi"
	"github.com/softcane/spot-vortex-governor/internal/finalizer"
	"github.com/softcane/spot-vortex-governor/internal/metrics"
	"github.com/softcane/spot-vortex-governor/internal/pipeline"
	"github.com/softcane/spot-vortex-governor/internal/riskmanager"
)

// Phase is a step of a node replacement.
type Phase string

const (
	PhaseScaleOut  Phase = "scale_out"
	PhaseCordon    Phase = "cordon"
	PhaseDrain     Phase = "drain"
	PhaseTerminate Phase = "terminate"
	PhaseDone      Phase = "done"
)

// Replacement defaults.
const (
	DefaultScaleOutTimeout = 5 * time.Minute
	DefaultNodePoll        = 10 * time.Second

	// LabelReplacesNode is set on the replacement instance.
	LabelReplacesNode = "spotvortex.io/replaces-node"
)

var (
	// ErrReplacementInProgress is returned when a second replacement is
	// requested for a node that already has one in flight.
	ErrReplacementInProgress = errors.New("controller: replacement already in progress for node")

	// ErrTerminateBeforeDrain guards the terminate phase. It is an invariant
	// violation and is never retried.
	ErrTerminateBeforeDrain = errors.New("controller: terminate attempted before drain completed")

	// ErrScaleOutTimeout means the replacement never became schedulable.
	ErrScaleOutTimeout = errors.New("controller: replacement node not schedulable before timeout")

	// ErrGuardrailBlocked means a guardrail refused the replacement.
	ErrGuardrailBlocked = errors.New("controller: replacement blocked by guardrail")
)

// PhaseError reports the phase a replacement stopped in.
type PhaseError struct {
	Node  string
	Phase Phase
	// Uncordoned is true when a cancelled replacement was rolled back.
	Uncordoned bool
	Err        error
}

func (e *PhaseError) Error() string {
	msg := fmt.Sprintf("node %s: replacement failed in %s: %v", e.Node, e.Phase, e.Err)
	if e.Uncordoned {
		msg += " (node uncordoned)"
	}
	return msg
}

func (e *PhaseError) Unwrap() error { return e.Err }

// Replacement is the state of one in-flight node replacement.
type Replacement struct {
	Node          string
	InstanceID    string
	ReplacementID string
	Phase         Phase
	Expedited     bool
	Started       time.Time

	cordoned bool
	drained  bool
}

// NodeOptimizerConfig configures a NodeOptimizer.
type NodeOptimizerConfig struct {
	Client    kubernetes.Interface
	Infra     cloudapi.Infrastructure
	Risk      riskmanager.Checker
	Drainer   *Drainer
	Protector *finalizer.Protector
	// Guardrails is optional.
	Guardrails *GuardrailChecker

	// LaunchTemplate names the template replacements launch from.
	LaunchTemplate  string
	ScaleOutTimeout time.Duration
	PollInterval    time.Duration
	// Backoff retries the terminate call.
	Backoff wait.Backoff
	Logger  *slog.Logger
}

// NodeOptimizer replaces a Kubernetes node in four phases: scale out a
// replacement, cordon the old node, drain it, terminate its instance.
// Capacity is added before any is removed. Only one replacement runs per
// node; different nodes proceed in parallel.
type NodeOptimizer struct {
	client          kubernetes.Interface
	infra           cloudapi.Infrastructure
	launcher        *capacity.Launcher
	drainer         *Drainer
	protector       *finalizer.Protector
	guardrails      *GuardrailChecker
	launchTemplate  string
	scaleOutTimeout time.Duration
	pollInterval    time.Duration
	backoff         wait.Backoff
	logger          *slog.Logger
	tracer          trace.Tracer

	mu       sync.Mutex
	inflight map[string]*Replacement
}

var _ pipeline.NodeReplacer = (*NodeOptimizer)(nil)

// NewNodeOptimizer validates cfg and builds the optimizer.
func NewNodeOptimizer(cfg NodeOptimizerConfig) (*NodeOptimizer, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("controller: node optimizer needs a kubernetes client")
	}
	if cfg.Infra == nil {
		return nil, fmt.Errorf("controller: node optimizer needs infrastructure: %w", cloudapi.ErrNoProvider)
	}
	if cfg.Risk == nil {
		return nil, fmt.Errorf("controller: node optimizer needs a risk manager")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Drainer == nil {
		cfg.Drainer = NewDrainer(cfg.Client, cfg.Logger, DrainConfig{})
	}
	if cfg.Protector == nil {
		cfg.Protector = finalizer.NewProtector(cfg.Client, cfg.Logger, false)
	}
	if cfg.ScaleOutTimeout <= 0 {
		cfg.ScaleOutTimeout = DefaultScaleOutTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultNodePoll
	}
	if cfg.Backoff.Steps == 0 {
		cfg.Backoff = retry.DefaultBackoff
	}
	return &NodeOptimizer{
		client:          cfg.Client,
		infra:           cfg.Infra,
		launcher:        capacity.NewLauncher(cfg.Infra, cfg.Risk, "node", cfg.Logger),
		drainer:         cfg.Drainer,
		protector:       cfg.Protector,
		guardrails:      cfg.Guardrails,
		launchTemplate:  cfg.LaunchTemplate,
		scaleOutTimeout: cfg.ScaleOutTimeout,
		pollInterval:    cfg.PollInterval,
		backoff:         cfg.Backoff,
		logger:          cfg.Logger,
		tracer:          otel.Tracer("github.com/softcane/spot-vortex-governor/internal/controller"),
		inflight:        make(map[string]*Replacement),
	}, nil
}

// Inflight returns the number of replacements currently running.
func (o *NodeOptimizer) Inflight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

// Status returns a copy of the in-flight replacement for node, if any.
func (o *NodeOptimizer) Status(node string) (Replacement, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.inflight[node]
	if !ok {
		return Replacement{}, false
	}
	return *r, true
}

// ReplaceNode runs ScaleOut, Cordon, Drain and Terminate for
// act.Request.NodeName. A failure in any phase stops the sequence with the
// old node left cordoned. Cancelling ctx after Cordon rolls the node back
// to schedulable instead.
func (o *NodeOptimizer) ReplaceNode(ctx context.Context, act candidate.Action) (err error) {
	nodeName := act.Request.NodeName
	if nodeName == "" {
		return fmt.Errorf("controller: replacement needs a node name")
	}
	r, ok := o.acquire(nodeName, act)
	if !ok {
		return fmt.Errorf("%w: %s", ErrReplacementInProgress, nodeName)
	}
	defer o.release(nodeName)

	ctx, span := o.tracer.Start(ctx, "controller.replace_node", trace.WithAttributes(
		attribute.String("node", nodeName),
		attribute.String("decision", act.Decision.String()),
	))
	defer span.End()

	defer func() {
		result := "success"
		var pe *PhaseError
		switch {
		case errors.As(err, &pe) && pe.Uncordoned:
			result = "rolled_back"
		case err != nil:
			result = "failed"
		}
		metrics.ReplacementsTotal.WithLabelValues(result, string(r.Phase)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		o.logger.Info("node replacement finished",
			"node", nodeName,
			"instance_id", r.InstanceID,
			"replacement_id", r.ReplacementID,
			"phase", string(r.Phase),
			"result", result,
			"duration", time.Since(r.Started),
		)
	}()

	node, err := o.client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		return o.fail(r, fmt.Errorf("get node: %w", err))
	}
	instanceID := act.Request.ResourceID
	if pid, ok := cloudapi.ParseProviderID(node.Spec.ProviderID); ok && instanceID == "" {
		instanceID = pid.InstanceID
	}
	o.update(func() { r.InstanceID = instanceID })
	if instanceID == "" {
		return o.fail(r, fmt.Errorf("node %s has no instance id", nodeName))
	}

	if o.guardrails != nil {
		gr, err := o.guardrails.Check(ctx, node, act, o.Inflight()-1)
		if err != nil {
			return o.fail(r, err)
		}
		if !gr.Approved {
			return o.fail(r, fmt.Errorf("%w: %s: %s", ErrGuardrailBlocked, gr.GuardrailName, gr.Reason))
		}
		if act.Expedited && !gr.Expedited {
			o.logger.Info("expedited replacement downgraded",
				"node", nodeName,
				"guardrail", gr.GuardrailName,
				"reason", gr.Reason,
			)
		}
		act.Expedited = gr.Expedited
		o.update(func() { r.Expedited = gr.Expedited })
	}

	if err := o.scaleOut(ctx, r, act); err != nil {
		return o.fail(r, err)
	}

	o.enter(ctx, r, PhaseCordon)
	if err := o.protector.AddProtection(ctx, nodeName); err != nil {
		return o.abort(ctx, r, err)
	}
	if err := o.protector.MarkReplacementReady(ctx, nodeName, r.ReplacementID); err != nil {
		return o.abort(ctx, r, err)
	}
	if err := o.drainer.Cordon(ctx, nodeName); err != nil {
		return o.abort(ctx, r, err)
	}
	o.update(func() { r.cordoned = true })
	metrics.NodesDraining.Inc()
	defer metrics.NodesDraining.Dec()

	o.enter(ctx, r, PhaseDrain)
	res, err := o.drainer.Drain(ctx, nodeName)
	if err != nil {
		return o.abort(ctx, r, err)
	}
	if !res.Success || res.Remaining > 0 {
		return o.abort(ctx, r, fmt.Errorf("%w: %d pods on %s", ErrDrainTimeout, res.Remaining, nodeName))
	}
	o.update(func() { r.drained = true })

	o.enter(ctx, r, PhaseTerminate)
	if err := ctx.Err(); err != nil {
		return o.abort(ctx, r, err)
	}
	if !r.drained {
		return o.fail(r, ErrTerminateBeforeDrain)
	}
	if err := o.retry(func() error { return o.infra.Terminate(ctx, r.InstanceID) }); err != nil {
		return o.abort(ctx, r, err)
	}
	if err := o.protector.RemoveProtection(ctx, nodeName); err != nil {
		o.logger.Warn("failed to remove drain protection after terminate", "node", nodeName, "error", err)
	}

	o.enter(ctx, r, PhaseDone)
	return nil
}

// scaleOut launches the replacement and, unless the action is expedited,
// waits until it registers as a Ready, schedulable node.
func (o *NodeOptimizer) scaleOut(ctx context.Context, r *Replacement, act candidate.Action) error {
	o.enter(ctx, r, PhaseScaleOut)
	h, err := o.launcher.Launch(ctx, act, cloudapi.LaunchSpec{
		ReplacesID:     r.InstanceID,
		LaunchTemplate: o.launchTemplate,
		Tags: map[string]string{
			LabelReplacesNode:     r.Node,
			capacity.TagManagedBy: "spotvortex",
		},
	})
	if err != nil {
		return err
	}
	o.update(func() { r.ReplacementID = h.ID })

	if act.Expedited || h.DryRun {
		o.logger.Info("not waiting for replacement to become schedulable",
			"node", r.Node,
			"replacement_id", h.ID,
			"expedited", act.Expedited,
			"dry_run", h.DryRun,
		)
		return nil
	}

	if err := o.waitSchedulable(ctx, h.ID); err != nil {
		o.terminateReplacement(r)
		return err
	}
	return nil
}

// waitSchedulable polls until a Ready, schedulable node backed by
// instanceID exists, bounded by the scale-out timeout.
func (o *NodeOptimizer) waitSchedulable(ctx context.Context, instanceID string) error {
	err := wait.PollUntilContextTimeout(ctx, o.pollInterval, o.scaleOutTimeout, true, func(ctx context.Context) (bool, error) {
		nodes, err := o.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
		if err != nil {
			return false, nil
		}
		for i := range nodes.Items {
			n := &nodes.Items[i]
			pid, ok := cloudapi.ParseProviderID(n.Spec.ProviderID)
			if !ok || pid.InstanceID != instanceID {
				continue
			}
			return isNodeReady(n) && !n.Spec.Unschedulable, nil
		}
		return false, nil
	})
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return fmt.Errorf("%w after %v: %s", ErrScaleOutTimeout, o.scaleOutTimeout, instanceID)
}

// abort ends a replacement that failed after scale-out. When the caller
// cancelled, the node is uncordoned and unprotected so it is not leaked;
// any other failure leaves it cordoned for intervention.
func (o *NodeOptimizer) abort(ctx context.Context, r *Replacement, cause error) error {
	if ctx.Err() == nil {
		if r.cordoned {
			o.logger.Error("replacement halted, node left cordoned",
				"node", r.Node,
				"phase", string(r.Phase),
				"error", cause,
			)
		}
		return o.fail(r, cause)
	}

	rctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	pe := &PhaseError{Node: r.Node, Phase: r.Phase, Err: cause}
	if err := o.drainer.Uncordon(rctx, r.Node); err != nil {
		o.logger.Error("failed to uncordon node during rollback", "node", r.Node, "error", err)
		pe.Err = errors.Join(cause, err)
		return pe
	}
	if err := o.protector.RemoveProtection(rctx, r.Node); err != nil {
		o.logger.Warn("failed to remove drain protection during rollback", "node", r.Node, "error", err)
	}
	pe.Uncordoned = true
	o.logger.Warn("replacement cancelled, node uncordoned",
		"node", r.Node,
		"phase", string(r.Phase),
		"replacement_id", r.ReplacementID,
	)
	return pe
}

// terminateReplacement removes a replacement that never became usable.
func (o *NodeOptimizer) terminateReplacement(r *Replacement) {
	tctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := o.infra.Terminate(tctx, r.ReplacementID); err != nil {
		o.logger.Error("failed to terminate unusable replacement",
			"node", r.Node,
			"replacement_id", r.ReplacementID,
			"error", err,
		)
	}
}

func (o *NodeOptimizer) fail(r *Replacement, err error) error {
	return &PhaseError{Node: r.Node, Phase: r.Phase, Err: err}
}

// update mutates replacement state visible through Status.
func (o *NodeOptimizer) update(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn()
}

func (o *NodeOptimizer) enter(ctx context.Context, r *Replacement, p Phase) {
	o.update(func() { r.Phase = p })
	trace.SpanFromContext(ctx).AddEvent(string(p))
	o.logger.Debug("replacement phase", "node", r.Node, "phase", string(p))
}

// retry runs an idempotent step with backoff. Context errors are not retried.
func (o *NodeOptimizer) retry(fn func() error) error {
	return retry.OnError(o.backoff, func(err error) bool {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}, fn)
}

func (o *NodeOptimizer) acquire(node string, act candidate.Action) (*Replacement, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[node]; busy {
		return nil, false
	}
	r := &Replacement{
		Node:      node,
		Phase:     PhaseScaleOut,
		Expedited: act.Expedited,
		Started:   time.Now(),
	}
	o.inflight[node] = r
	return r, true
}

func (o *NodeOptimizer) release(node string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, node)
}

func isNodeReady(node *corev1.Node) bool {
	for _, c := range node.Status.Conditions {
		if c.Type == corev1.NodeReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}
