package capacity

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
	"github.com/softcane/spot-vortex-governor/internal/cloudapi"
	"github.com/softcane/spot-vortex-governor/internal/metrics"
	"github.com/softcane/spot-vortex-governor/internal/riskmanager"
)

// fakeInfra launches numbered instances and checks that nothing it
// terminates is still an in-service group member.
type fakeInfra struct {
	mu         sync.Mutex
	groups     *FakeGroupClient
	group      string
	launched   []cloudapi.LaunchSpec
	terminated []string
	violations []string
	launchErr  map[string]error
	healthFn   func(id string) (bool, error)
	next       int
}

func (f *fakeInfra) Launch(_ context.Context, spec cloudapi.LaunchSpec) (cloudapi.InstanceHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, spec)
	if err := f.launchErr[spec.Pool.String()]; err != nil {
		return cloudapi.InstanceHandle{}, err
	}
	f.next++
	return cloudapi.InstanceHandle{ID: fmt.Sprintf("i-new-%d", f.next), Pool: spec.Pool, Spot: spec.Spot}, nil
}

func (f *fakeInfra) Terminate(ctx context.Context, id string) error {
	if f.groups != nil {
		if g, err := f.groups.DescribeGroup(ctx, f.group); err == nil && g.Has(id) {
			f.mu.Lock()
			f.violations = append(f.violations, id)
			f.mu.Unlock()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, id)
	return nil
}

func (f *fakeInfra) InstanceHealthy(_ context.Context, id string) (bool, error) {
	if f.healthFn != nil {
		return f.healthFn(id)
	}
	return true, nil
}

var (
	poolA = candidate.PoolKey{InstanceType: "m5.large", Zone: "us-east-1a"}
	poolB = candidate.PoolKey{InstanceType: "m5.large", Zone: "us-east-1b"}
	poolC = candidate.PoolKey{InstanceType: "c5.large", Zone: "us-east-1c"}
)

func swapAction(group, id string) candidate.Action {
	target := candidate.NewCandidate(candidate.Seed{Pool: poolB})
	return candidate.Action{
		Request: candidate.Request{
			ResourceID: id,
			Group:      group,
			Current:    candidate.Seed{Pool: poolA},
		},
		Decision:  candidate.DecisionSwitch,
		Target:    target,
		Fallbacks: []candidate.PoolKey{poolC},
	}
}

type swapFixture struct {
	groups *FakeGroupClient
	infra  *fakeInfra
	risk   *riskmanager.Manager
	opt    *ClusterOptimizer
}

func newSwapFixture(t *testing.T) *swapFixture {
	t.Helper()
	groups := NewFakeGroupClient()
	groups.AddGroup("workers", 5, "i-old", "i-2", "i-3")
	infra := &fakeInfra{groups: groups, group: "workers"}
	risk := riskmanager.New(riskmanager.Config{})
	opt, err := NewClusterOptimizer(ClusterOptimizerConfig{
		Groups:        groups,
		Infra:         infra,
		Risk:          risk,
		HealthTimeout: 50 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
		Backoff:       wait.Backoff{Steps: 4, Duration: time.Millisecond, Factor: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	return &swapFixture{groups: groups, infra: infra, risk: risk, opt: opt}
}

func TestSwapInstance_Success(t *testing.T) {
	f := newSwapFixture(t)
	before := testutil.ToFloat64(metrics.SwapsTotal.WithLabelValues("success"))

	if err := f.opt.SwapInstance(context.Background(), swapAction("workers", "i-old")); err != nil {
		t.Fatalf("swap failed: %v", err)
	}

	want := []string{"attach:i-new-1", "detach:i-old"}
	if !slices.Equal(f.groups.Events, want) {
		t.Errorf("events = %v, want %v", f.groups.Events, want)
	}
	if !slices.Equal(f.infra.terminated, []string{"i-old"}) {
		t.Errorf("terminated = %v", f.infra.terminated)
	}
	if len(f.infra.violations) != 0 {
		t.Errorf("terminated in-service members: %v", f.infra.violations)
	}
	if got := f.groups.MinLive("workers"); got < 3 {
		t.Errorf("group dropped to %d live instances, desired 3", got)
	}

	g, _ := f.groups.DescribeGroup(context.Background(), "workers")
	if g.DesiredCapacity != 3 || g.Has("i-old") || !g.Has("i-new-1") {
		t.Errorf("unexpected final group %+v", g)
	}

	spec := f.infra.launched[0]
	if spec.Pool != poolB || !spec.Spot || spec.ReplacesID != "i-old" || spec.LaunchTemplate != "workers-lt" {
		t.Errorf("unexpected launch spec %+v", spec)
	}
	if spec.Tags[TagGroup] != "workers" {
		t.Errorf("launch should be tagged with its group, got %v", spec.Tags)
	}
	if got := testutil.ToFloat64(metrics.SwapsTotal.WithLabelValues("success")) - before; got != 1 {
		t.Errorf("swaps_total{success} increased by %v", got)
	}
}

func TestSwapInstance_SkipsPoisonedPool(t *testing.T) {
	f := newSwapFixture(t)
	if err := f.risk.MarkPoisoned(context.Background(), poolB, "test"); err != nil {
		t.Fatal(err)
	}
	before := testutil.ToFloat64(metrics.LaunchesRefused.WithLabelValues("cluster"))

	if err := f.opt.SwapInstance(context.Background(), swapAction("workers", "i-old")); err != nil {
		t.Fatal(err)
	}
	for _, spec := range f.infra.launched {
		if spec.Pool == poolB {
			t.Fatalf("launched into quarantined pool %s", poolB)
		}
	}
	if f.infra.launched[0].Pool != poolC {
		t.Errorf("expected next-ranked pool %s, got %s", poolC, f.infra.launched[0].Pool)
	}
	if got := testutil.ToFloat64(metrics.LaunchesRefused.WithLabelValues("cluster")) - before; got != 1 {
		t.Errorf("launches_refused_total increased by %v", got)
	}
}

func TestSwapInstance_AllPoisonedFallsBackToOnDemand(t *testing.T) {
	f := newSwapFixture(t)
	for _, p := range []candidate.PoolKey{poolB, poolC} {
		if err := f.risk.MarkPoisoned(context.Background(), p, "test"); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.opt.SwapInstance(context.Background(), swapAction("workers", "i-old")); err != nil {
		t.Fatal(err)
	}
	if len(f.infra.launched) != 1 {
		t.Fatalf("launches = %d", len(f.infra.launched))
	}
	if spec := f.infra.launched[0]; spec.Spot || spec.Pool != poolA {
		t.Errorf("expected on-demand launch in current pool, got %+v", spec)
	}
}

func TestSwapInstance_SpotUnavailableTriesNextPool(t *testing.T) {
	f := newSwapFixture(t)
	f.infra.launchErr = map[string]error{poolB.String(): fmt.Errorf("%w: InsufficientInstanceCapacity", cloudapi.ErrSpotUnavailable)}

	if err := f.opt.SwapInstance(context.Background(), swapAction("workers", "i-old")); err != nil {
		t.Fatal(err)
	}
	if len(f.infra.launched) != 2 || f.infra.launched[1].Pool != poolC {
		t.Errorf("expected fallback launch into %s, got %+v", poolC, f.infra.launched)
	}
}

func TestSwapInstance_AttachFailureRollsBack(t *testing.T) {
	f := newSwapFixture(t)
	f.groups.AttachErr = errors.New("ValidationError: instance not running")

	err := f.opt.SwapInstance(context.Background(), swapAction("workers", "i-old"))
	var se *SwapError
	if !errors.As(err, &se) {
		t.Fatalf("expected SwapError, got %v", err)
	}
	if se.Phase != PhaseAttach || !se.RolledBack {
		t.Errorf("phase=%s rolledBack=%v", se.Phase, se.RolledBack)
	}
	if !slices.Equal(f.infra.terminated, []string{"i-new-1"}) {
		t.Errorf("rollback should terminate only the replacement, got %v", f.infra.terminated)
	}
	g, _ := f.groups.DescribeGroup(context.Background(), "workers")
	if !g.Has("i-old") || g.DesiredCapacity != 3 {
		t.Errorf("group should be untouched, got %+v", g)
	}
}

func TestSwapInstance_HealthTimeoutRollsBack(t *testing.T) {
	f := newSwapFixture(t)
	f.infra.healthFn = func(string) (bool, error) { return false, nil }

	err := f.opt.SwapInstance(context.Background(), swapAction("workers", "i-old"))
	if !errors.Is(err, ErrUnhealthy) {
		t.Fatalf("expected ErrUnhealthy, got %v", err)
	}
	var se *SwapError
	if !errors.As(err, &se) || se.Phase != PhaseHealthCheck || !se.RolledBack {
		t.Errorf("unexpected swap error %+v", se)
	}
	if len(f.groups.Events) != 0 {
		t.Errorf("unhealthy replacement must never be attached: %v", f.groups.Events)
	}
	if slices.Contains(f.infra.terminated, "i-old") {
		t.Error("old instance terminated after failed health check")
	}
}

func TestSwapInstance_DetachRetried(t *testing.T) {
	f := newSwapFixture(t)
	f.groups.DetachFailures = 2
	f.groups.DetachErr = errors.New("throttled")

	if err := f.opt.SwapInstance(context.Background(), swapAction("workers", "i-old")); err != nil {
		t.Fatalf("transient detach failures should be retried: %v", err)
	}
	if !slices.Equal(f.infra.terminated, []string{"i-old"}) {
		t.Errorf("terminated = %v", f.infra.terminated)
	}
}

func TestSwapInstance_DetachExhaustedLeavesOldRunning(t *testing.T) {
	f := newSwapFixture(t)
	f.groups.DetachFailures = 10
	f.groups.DetachErr = errors.New("throttled")

	err := f.opt.SwapInstance(context.Background(), swapAction("workers", "i-old"))
	var se *SwapError
	if !errors.As(err, &se) || se.Phase != PhaseDetachOld || se.RolledBack {
		t.Fatalf("expected non-rolled-back detach failure, got %v", err)
	}
	if len(f.infra.terminated) != 0 {
		t.Errorf("nothing may be terminated when detach fails: %v", f.infra.terminated)
	}
	if got := f.groups.MinLive("workers"); got < 3 {
		t.Errorf("group dropped to %d", got)
	}
}

func TestSwapInstance_NotInGroup(t *testing.T) {
	f := newSwapFixture(t)
	err := f.opt.SwapInstance(context.Background(), swapAction("workers", "i-stranger"))
	if !errors.Is(err, ErrNotInGroup) {
		t.Fatalf("expected ErrNotInGroup, got %v", err)
	}
	if len(f.infra.launched) != 0 {
		t.Error("nothing should launch for a non-member")
	}
}

func TestSwapInstance_OneSwapPerGroup(t *testing.T) {
	f := newSwapFixture(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.infra.healthFn = func(string) (bool, error) {
		once.Do(func() { close(entered) })
		<-release
		return true, nil
	}
	opt, _ := NewClusterOptimizer(ClusterOptimizerConfig{
		Groups: f.groups, Infra: f.infra, Risk: f.risk,
		HealthTimeout: time.Second, PollInterval: time.Millisecond,
	})

	done := make(chan error, 1)
	go func() { done <- opt.SwapInstance(context.Background(), swapAction("workers", "i-old")) }()
	<-entered

	if err := opt.SwapInstance(context.Background(), swapAction("workers", "i-2")); !errors.Is(err, ErrSwapInProgress) {
		t.Errorf("expected ErrSwapInProgress, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first swap failed: %v", err)
	}
}

func TestSwapInstance_CapacityInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for round := 0; round < 30; round++ {
		f := newSwapFixture(t)
		if rng.Intn(3) == 0 {
			f.groups.AttachErr = errors.New("attach refused")
		}
		f.groups.DetachFailures = rng.Intn(6)
		f.groups.DetachErr = errors.New("throttled")
		healthy := rng.Intn(4) > 0
		f.infra.healthFn = func(string) (bool, error) { return healthy, nil }

		members := []string{"i-old", "i-2", "i-3"}
		_ = f.opt.SwapInstance(context.Background(), swapAction("workers", members[rng.Intn(len(members))]))

		if got := f.groups.MinLive("workers"); got < 3 {
			t.Fatalf("round %d: live instances dropped to %d below desired 3", round, got)
		}
		if len(f.infra.violations) != 0 {
			t.Fatalf("round %d: terminated in-service members %v", round, f.infra.violations)
		}
	}
}

func TestNewClusterOptimizer_RequiresDependencies(t *testing.T) {
	if _, err := NewClusterOptimizer(ClusterOptimizerConfig{}); err == nil {
		t.Error("expected error without dependencies")
	}
}
