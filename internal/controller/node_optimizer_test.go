package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
	"github.com/softcane/spot-vortex-governor/internal/cloudapi"
	"github.com/softcane/spot-vortex-governor/internal/finalizer"
	"github.com/softcane/spot-vortex-governor/internal/metrics"
)

var (
	poolA = candidate.PoolKey{InstanceType: "m5.large", Zone: "us-east-1a"}
	poolB = candidate.PoolKey{InstanceType: "m5.large", Zone: "us-east-1b"}
	poolC = candidate.PoolKey{InstanceType: "c5.large", Zone: "us-east-1c"}
)

const (
	oldNode     = "old-node"
	oldInstance = "i-old"
)

type stubRisk map[candidate.PoolKey]bool

func (s stubRisk) IsPoolPoisoned(_ context.Context, p candidate.PoolKey) (bool, error) {
	return s[p], nil
}

// fakeInfra launches instances that optionally join the cluster as Ready
// nodes, and records any terminate that would drop workload.
type fakeInfra struct {
	client *fake.Clientset
	join   bool
	gate   chan struct{}

	mu                sync.Mutex
	next              int
	launched          []cloudapi.LaunchSpec
	terminated        []string
	terminateFailures int
	violations        []string
}

func (f *fakeInfra) Launch(ctx context.Context, spec cloudapi.LaunchSpec) (cloudapi.InstanceHandle, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return cloudapi.InstanceHandle{}, ctx.Err()
		}
	}
	f.mu.Lock()
	f.next++
	id := fmt.Sprintf("i-new-%d", f.next)
	f.launched = append(f.launched, spec)
	if n, err := f.client.CoreV1().Nodes().Get(ctx, oldNode, metav1.GetOptions{}); err == nil && n.Spec.Unschedulable {
		f.violations = append(f.violations, "old node cordoned before scale out")
	}
	f.mu.Unlock()

	if f.join {
		_, _ = f.client.CoreV1().Nodes().Create(ctx, testNode("node-"+id, id), metav1.CreateOptions{})
	}
	return cloudapi.InstanceHandle{ID: id, Pool: spec.Pool, Spot: spec.Spot, LaunchedAt: time.Now()}, nil
}

func (f *fakeInfra) Terminate(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminateFailures > 0 {
		f.terminateFailures--
		return errors.New("RequestLimitExceeded")
	}
	if id == oldInstance {
		pods, _ := f.client.CoreV1().Pods("").List(ctx, metav1.ListOptions{})
		for _, p := range pods.Items {
			if p.Spec.NodeName == oldNode {
				f.violations = append(f.violations, "terminated with pod "+p.Name)
			}
		}
		if n, err := f.client.CoreV1().Nodes().Get(ctx, oldNode, metav1.GetOptions{}); err == nil && !n.Spec.Unschedulable {
			f.violations = append(f.violations, "terminated an uncordoned node")
		}
	}
	f.terminated = append(f.terminated, id)
	return nil
}

func (f *fakeInfra) InstanceHealthy(context.Context, string) (bool, error) { return true, nil }

func (f *fakeInfra) terminatedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.terminated...)
}

type fixture struct {
	client *fake.Clientset
	infra  *fakeInfra
	opt    *NodeOptimizer
}

func newFixture(t *testing.T, risk stubRisk, drainTimeout time.Duration, pods ...string) *fixture {
	t.Helper()
	objs := []runtime.Object{testNode(oldNode, oldInstance)}
	for _, p := range pods {
		objs = append(objs, testPod(p, oldNode))
	}
	client := fake.NewSimpleClientset(objs...)
	infra := &fakeInfra{client: client, join: true}
	opt, err := NewNodeOptimizer(NodeOptimizerConfig{
		Client:          client,
		Infra:           infra,
		Risk:            risk,
		Drainer:         NewDrainer(client, nil, DrainConfig{Timeout: drainTimeout, RetryInterval: time.Millisecond}),
		ScaleOutTimeout: time.Second,
		PollInterval:    time.Millisecond,
		Backoff:         wait.Backoff{Steps: 4, Duration: time.Millisecond, Factor: 1},
	})
	if err != nil {
		t.Fatalf("NewNodeOptimizer: %v", err)
	}
	return &fixture{client: client, infra: infra, opt: opt}
}

func (f *fixture) node(t *testing.T) *corev1.Node {
	t.Helper()
	n, err := f.client.CoreV1().Nodes().Get(context.Background(), oldNode, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	return n
}

func switchAction() candidate.Action {
	return candidate.Action{
		Request: candidate.Request{
			ResourceID: oldInstance,
			NodeName:   oldNode,
			Current:    candidate.Seed{Pool: poolA},
		},
		Decision:  candidate.DecisionSwitch,
		Target:    candidate.NewCandidate(candidate.Seed{Pool: poolB}),
		Fallbacks: []candidate.PoolKey{poolC},
	}
}

func TestReplaceNode_Success(t *testing.T) {
	f := newFixture(t, stubRisk{}, time.Second, "web", "api")
	evictionDeletes(t, f.client)
	before := testutil.ToFloat64(metrics.ReplacementsTotal.WithLabelValues("success", string(PhaseDone)))

	if err := f.opt.ReplaceNode(context.Background(), switchAction()); err != nil {
		t.Fatalf("ReplaceNode: %v", err)
	}

	if len(f.infra.violations) > 0 {
		t.Fatalf("ordering violations: %v", f.infra.violations)
	}
	if len(f.infra.launched) != 1 || f.infra.launched[0].Pool != poolB || !f.infra.launched[0].Spot {
		t.Errorf("expected one spot launch into the target pool, got %+v", f.infra.launched)
	}
	if f.infra.launched[0].ReplacesID != oldInstance || f.infra.launched[0].Tags[LabelReplacesNode] != oldNode {
		t.Errorf("launch spec should reference the replaced node: %+v", f.infra.launched[0])
	}
	if got := f.infra.terminatedIDs(); len(got) != 1 || got[0] != oldInstance {
		t.Errorf("expected only the old instance terminated, got %v", got)
	}

	n := f.node(t)
	if !n.Spec.Unschedulable {
		t.Error("old node should stay cordoned until the cloud removes it")
	}
	if finalizer.IsProtected(n) {
		t.Error("drain protection should be removed after terminate")
	}
	if n.Annotations[finalizer.ReplacementReadyAnnotation] != "i-new-1" {
		t.Errorf("replacement annotation = %q", n.Annotations[finalizer.ReplacementReadyAnnotation])
	}
	if _, ok := f.opt.Status(oldNode); ok {
		t.Error("finished replacement should not be in flight")
	}
	if got := testutil.ToFloat64(metrics.ReplacementsTotal.WithLabelValues("success", string(PhaseDone))); got != before+1 {
		t.Errorf("success counter = %v, want %v", got, before+1)
	}
}

// Run with -race: Status copies the replacement while ReplaceNode advances it.
func TestReplaceNode_StatusDuringReplacement(t *testing.T) {
	f := newFixture(t, stubRisk{}, time.Second, "web", "api")
	evictionDeletes(t, f.client)

	done := make(chan struct{})
	phases := make(chan Phase, 1024)
	go func() {
		defer close(phases)
		for {
			select {
			case <-done:
				return
			default:
			}
			if r, ok := f.opt.Status(oldNode); ok {
				select {
				case phases <- r.Phase:
				default:
				}
			}
		}
	}()

	err := f.opt.ReplaceNode(context.Background(), switchAction())
	close(done)
	if err != nil {
		t.Fatalf("ReplaceNode: %v", err)
	}
	for p := range phases {
		if p == "" {
			t.Fatal("in-flight replacement reported without a phase")
		}
	}
}

func TestReplaceNode_SkipsPoisonedPool(t *testing.T) {
	f := newFixture(t, stubRisk{poolB: true}, time.Second, "web")
	evictionDeletes(t, f.client)

	if err := f.opt.ReplaceNode(context.Background(), switchAction()); err != nil {
		t.Fatalf("ReplaceNode: %v", err)
	}
	if f.infra.launched[0].Pool != poolC {
		t.Errorf("expected launch into the fallback pool, got %s", f.infra.launched[0].Pool)
	}
}

func TestReplaceNode_ScaleOutTimeout(t *testing.T) {
	f := newFixture(t, stubRisk{}, time.Second, "web")
	f.infra.join = false
	f.opt.scaleOutTimeout = 20 * time.Millisecond

	err := f.opt.ReplaceNode(context.Background(), switchAction())
	if !errors.Is(err, ErrScaleOutTimeout) {
		t.Fatalf("expected ErrScaleOutTimeout, got %v", err)
	}
	var pe *PhaseError
	if !errors.As(err, &pe) || pe.Phase != PhaseScaleOut {
		t.Fatalf("expected PhaseError in scale_out, got %#v", err)
	}

	if f.node(t).Spec.Unschedulable {
		t.Error("old node must not be cordoned when scale out fails")
	}
	got := f.infra.terminatedIDs()
	if len(got) != 1 || got[0] != "i-new-1" {
		t.Errorf("expected only the unusable replacement terminated, got %v", got)
	}
}

func TestReplaceNode_ExpeditedSkipsScaleOutWait(t *testing.T) {
	f := newFixture(t, stubRisk{}, time.Second, "web")
	f.infra.join = false
	f.opt.scaleOutTimeout = 20 * time.Millisecond
	evictionDeletes(t, f.client)

	act := switchAction()
	act.Decision = candidate.DecisionEvacuate
	act.Expedited = true
	if err := f.opt.ReplaceNode(context.Background(), act); err != nil {
		t.Fatalf("expedited replacement should not wait for the new node: %v", err)
	}
	if got := f.infra.terminatedIDs(); len(got) != 1 || got[0] != oldInstance {
		t.Errorf("terminated = %v", got)
	}
	if len(f.infra.violations) > 0 {
		t.Errorf("violations: %v", f.infra.violations)
	}
}

func TestReplaceNode_DrainFailureLeavesCordoned(t *testing.T) {
	f := newFixture(t, stubRisk{}, 30*time.Millisecond, "web")
	f.client.PrependReactor("create", "pods/eviction", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewTooManyRequests("PDB blocks", 1)
	})

	err := f.opt.ReplaceNode(context.Background(), switchAction())
	if !errors.Is(err, ErrEvictionBlocked) {
		t.Fatalf("expected ErrEvictionBlocked, got %v", err)
	}
	var pe *PhaseError
	if !errors.As(err, &pe) || pe.Phase != PhaseDrain || pe.Uncordoned {
		t.Fatalf("expected non-rolled-back PhaseError in drain, got %#v", err)
	}

	n := f.node(t)
	if !n.Spec.Unschedulable {
		t.Error("failed drain must leave the node cordoned")
	}
	if !finalizer.IsProtected(n) {
		t.Error("failed drain must keep drain protection")
	}
	for _, id := range f.infra.terminatedIDs() {
		if id == oldInstance {
			t.Fatal("old instance terminated with undrained workload")
		}
	}
}

func TestReplaceNode_CancelRollsBackToUncordon(t *testing.T) {
	f := newFixture(t, stubRisk{}, time.Minute, "stuck")
	// Evictions are accepted but the pod never goes away.
	f.client.PrependReactor("create", "pods/eviction", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, nil
	})
	before := testutil.ToFloat64(metrics.ReplacementsTotal.WithLabelValues("rolled_back", string(PhaseDrain)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = wait.PollUntilContextTimeout(context.Background(), time.Millisecond, 5*time.Second, true, func(context.Context) (bool, error) {
			r, ok := f.opt.Status(oldNode)
			return ok && r.Phase == PhaseDrain, nil
		})
		cancel()
	}()

	err := f.opt.ReplaceNode(ctx, switchAction())
	var pe *PhaseError
	if !errors.As(err, &pe) || !pe.Uncordoned {
		t.Fatalf("expected rolled-back PhaseError, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cause should be the cancellation, got %v", err)
	}

	n := f.node(t)
	if n.Spec.Unschedulable {
		t.Error("cancelled replacement must uncordon the node")
	}
	if finalizer.IsProtected(n) {
		t.Error("cancelled replacement must remove drain protection")
	}
	for _, id := range f.infra.terminatedIDs() {
		if id == oldInstance {
			t.Fatal("cancelled replacement must not terminate the old instance")
		}
	}
	if got := testutil.ToFloat64(metrics.ReplacementsTotal.WithLabelValues("rolled_back", string(PhaseDrain))); got != before+1 {
		t.Errorf("rolled_back counter = %v, want %v", got, before+1)
	}
}

func TestReplaceNode_OnePerNode(t *testing.T) {
	f := newFixture(t, stubRisk{}, time.Second, "web")
	evictionDeletes(t, f.client)
	f.infra.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- f.opt.ReplaceNode(context.Background(), switchAction()) }()

	err := wait.PollUntilContextTimeout(context.Background(), time.Millisecond, 5*time.Second, true, func(context.Context) (bool, error) {
		_, ok := f.opt.Status(oldNode)
		return ok, nil
	})
	if err != nil {
		t.Fatal("first replacement never started")
	}

	if err := f.opt.ReplaceNode(context.Background(), switchAction()); !errors.Is(err, ErrReplacementInProgress) {
		t.Fatalf("expected ErrReplacementInProgress, got %v", err)
	}
	if f.opt.Inflight() != 1 {
		t.Errorf("inflight = %d, want 1", f.opt.Inflight())
	}

	close(f.infra.gate)
	if err := <-done; err != nil {
		t.Fatalf("first replacement failed: %v", err)
	}
	if len(f.infra.launched) != 1 {
		t.Errorf("rejected replacement must not launch capacity, launched %d", len(f.infra.launched))
	}
}

func TestReplaceNode_TerminateRetried(t *testing.T) {
	f := newFixture(t, stubRisk{}, time.Second, "web")
	evictionDeletes(t, f.client)
	f.infra.terminateFailures = 2

	if err := f.opt.ReplaceNode(context.Background(), switchAction()); err != nil {
		t.Fatalf("terminate should be retried: %v", err)
	}
	if got := f.infra.terminatedIDs(); len(got) != 1 || got[0] != oldInstance {
		t.Errorf("terminated = %v", got)
	}
}

func TestReplaceNode_TerminateExhaustedLeavesCordoned(t *testing.T) {
	f := newFixture(t, stubRisk{}, time.Second, "web")
	evictionDeletes(t, f.client)
	f.infra.terminateFailures = 10

	err := f.opt.ReplaceNode(context.Background(), switchAction())
	var pe *PhaseError
	if !errors.As(err, &pe) || pe.Phase != PhaseTerminate {
		t.Fatalf("expected PhaseError in terminate, got %v", err)
	}
	n := f.node(t)
	if !n.Spec.Unschedulable || !finalizer.IsProtected(n) {
		t.Error("node should stay cordoned and protected for intervention")
	}
}

func TestReplaceNode_GuardrailDowngradesExpedite(t *testing.T) {
	f := newFixture(t, stubRisk{}, time.Second)
	critical := testPod("payments", oldNode)
	critical.Annotations = map[string]string{AnnotationCritical: "true"}
	_, _ = f.client.CoreV1().Pods("default").Create(context.Background(), critical, metav1.CreateOptions{})
	f.infra.join = false
	f.opt.scaleOutTimeout = 20 * time.Millisecond
	f.opt.guardrails = NewGuardrailChecker(f.client, nil, 0, "")

	act := switchAction()
	act.Decision = candidate.DecisionEvacuate
	act.Expedited = true
	err := f.opt.ReplaceNode(context.Background(), act)
	if !errors.Is(err, ErrScaleOutTimeout) {
		t.Fatalf("downgraded replacement should wait for the new node, got %v", err)
	}
}

func TestNewNodeOptimizer_RequiresDependencies(t *testing.T) {
	client := fake.NewSimpleClientset()
	infra := &fakeInfra{client: client}
	tests := []struct {
		name string
		cfg  NodeOptimizerConfig
	}{
		{"no client", NodeOptimizerConfig{Infra: infra, Risk: stubRisk{}}},
		{"no infra", NodeOptimizerConfig{Client: client, Risk: stubRisk{}}},
		{"no risk", NodeOptimizerConfig{Client: client, Infra: infra}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewNodeOptimizer(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}
