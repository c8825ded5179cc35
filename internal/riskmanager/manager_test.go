package riskmanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
)

type staticResolver map[string]candidate.PoolKey

func (r staticResolver) PoolForResource(_ context.Context, id string) (candidate.PoolKey, error) {
	p, ok := r[id]
	if !ok {
		return candidate.PoolKey{}, errors.New("unknown resource")
	}
	return p, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var poolA = candidate.PoolKey{InstanceType: "m5.large", Zone: "us-east-1a"}

func newTestManager(store Store, clk *clock) *Manager {
	return New(Config{
		Store:    store,
		Resolver: staticResolver{"i-prod": poolA, "i-dev": poolA},
		Now:      clk.Now,
	})
}

func TestMarkPoisonedUntilExpiry(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	m := newTestManager(NewMemoryStore(), clk)

	poisoned, err := m.IsPoolPoisoned(ctx, poolA)
	require.NoError(t, err)
	require.False(t, poisoned)

	require.NoError(t, m.MarkPoisoned(ctx, poolA, "test"))

	poisoned, err = m.IsPoolPoisoned(ctx, poolA)
	require.NoError(t, err)
	require.True(t, poisoned)

	clk.Advance(DefaultCooldown - time.Minute)
	poisoned, _ = m.IsPoolPoisoned(ctx, poolA)
	require.True(t, poisoned, "pool must stay poisoned inside the cooldown")

	clk.Advance(2 * time.Minute)
	poisoned, _ = m.IsPoolPoisoned(ctx, poolA)
	require.False(t, poisoned, "pool must be released after the cooldown")

	removed, err := m.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	recs, err := m.store.List(ctx)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestOnInterruptionSignalProductionOnly(t *testing.T) {
	tests := []struct {
		name       string
		resource   string
		signal     candidate.Signal
		tags       map[string]string
		wantPoison bool
	}{
		{
			name:       "production termination poisons",
			resource:   "i-prod",
			signal:     candidate.SignalTerminationNotice,
			tags:       map[string]string{"Environment": "Production"},
			wantPoison: true,
		},
		{
			name:     "sandbox termination discarded",
			resource: "i-dev",
			signal:   candidate.SignalTerminationNotice,
			tags:     map[string]string{"environment": "sandbox"},
		},
		{
			name:     "untagged termination discarded",
			resource: "i-dev",
			signal:   candidate.SignalTerminationNotice,
		},
		{
			name:     "rebalance does not poison",
			resource: "i-prod",
			signal:   candidate.SignalRebalanceRecommendation,
			tags:     map[string]string{"env": "prod"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			clk := &clock{t: time.Now()}
			m := newTestManager(NewMemoryStore(), clk)

			got, err := m.OnInterruptionSignal(ctx, tt.resource, tt.signal, tt.tags)
			require.NoError(t, err)
			require.Equal(t, tt.wantPoison, got)

			poisoned, err := m.IsPoolPoisoned(ctx, poolA)
			require.NoError(t, err)
			require.Equal(t, tt.wantPoison, poisoned)
		})
	}
}

func TestConcurrentPoisonVisibility(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(NewMemoryStore(), &clock{t: time.Now()})

	require.NoError(t, m.MarkPoisoned(ctx, poolA, "interruption"))

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			poisoned, err := m.IsPoolPoisoned(ctx, poolA)
			if err != nil {
				errs <- err
				return
			}
			if !poisoned {
				errs <- errors.New("reader missed the poisoning")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestFirstUnpoisoned(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(NewMemoryStore(), &clock{t: time.Now()})
	poolB := candidate.PoolKey{InstanceType: "m5a.large", Zone: "us-east-1b"}

	require.NoError(t, m.MarkPoisoned(ctx, poolA, "interruption"))

	got, ok, err := FirstUnpoisoned(ctx, m, []candidate.PoolKey{poolA, poolB})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, poolB, got)

	require.NoError(t, m.MarkPoisoned(ctx, poolB, "interruption"))
	_, ok, err = FirstUnpoisoned(ctx, m, []candidate.PoolKey{poolA, poolB})
	require.NoError(t, err)
	require.False(t, ok, "all pools poisoned means on-demand fallback")
}

func TestConfigMapStoreSharedAcrossManagers(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset()
	clk := &clock{t: time.Now()}

	writer := newTestManager(NewConfigMapStore(client, "spotvortex", "pool-risk"), clk)
	reader := newTestManager(NewConfigMapStore(client, "spotvortex", "pool-risk"), clk)

	require.NoError(t, writer.MarkPoisoned(ctx, poolA, "interruption"))

	poisoned, err := reader.IsPoolPoisoned(ctx, poolA)
	require.NoError(t, err)
	require.True(t, poisoned)

	cm, err := client.CoreV1().ConfigMaps("spotvortex").Get(ctx, "pool-risk", metav1.GetOptions{})
	require.NoError(t, err)
	require.Contains(t, cm.Data, "m5.large_us-east-1a")

	clk.Advance(DefaultCooldown + time.Hour)
	removed, err := reader.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}

func TestConfigMapStoreUpdatesExisting(t *testing.T) {
	ctx := context.Background()
	existing := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "pool-risk", Namespace: "spotvortex"},
	}
	client := fake.NewSimpleClientset(existing)
	store := NewConfigMapStore(client, "spotvortex", "pool-risk")

	require.NoError(t, store.Put(ctx, PoolRiskRecord{Pool: poolA, Poisoned: true}))
	rec, ok, err := store.Get(ctx, poolA)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, rec.Poisoned)

	// Active records survive a conditional delete.
	now := time.Now()
	require.NoError(t, store.Put(ctx, PoolRiskRecord{Pool: poolA, Poisoned: true, ExpiresAt: now.Add(time.Hour)}))
	removed, err := store.DeleteIfExpired(ctx, poolA, now)
	require.NoError(t, err)
	require.False(t, removed)

	removed, err = store.DeleteIfExpired(ctx, poolA, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.True(t, removed)
	_, ok, err = store.Get(ctx, poolA)
	require.NoError(t, err)
	require.False(t, ok)
}

// repoisoningStore runs hook once, right after the next List returns, the way
// another worker or replica could write between a sweep's List and delete.
type repoisoningStore struct {
	Store
	mu   sync.Mutex
	hook func()
}

func (s *repoisoningStore) arm(hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

func (s *repoisoningStore) List(ctx context.Context) ([]PoolRiskRecord, error) {
	recs, err := s.Store.List(ctx)
	s.mu.Lock()
	hook := s.hook
	s.hook = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return recs, err
}

func TestCleanupExpiredKeepsRecordPoisonedAfterList(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}

	for name, inner := range map[string]Store{
		"memory":    NewMemoryStore(),
		"configmap": NewConfigMapStore(fake.NewSimpleClientset(), "spotvortex", "pool-risk"),
	} {
		t.Run(name, func(t *testing.T) {
			clk := &clock{t: clk.Now()}
			store := &repoisoningStore{Store: inner}
			m := newTestManager(store, clk)
			require.NoError(t, m.MarkPoisoned(ctx, poolA, "first interruption"))
			clk.Advance(DefaultCooldown + time.Hour)

			other := newTestManager(inner, clk)
			store.arm(func() {
				require.NoError(t, other.MarkPoisoned(ctx, poolA, "second interruption"))
			})

			removed, err := m.CleanupExpired(ctx)
			require.NoError(t, err)
			require.Zero(t, removed)

			poisoned, err := m.IsPoolPoisoned(ctx, poolA)
			require.NoError(t, err)
			require.True(t, poisoned, "poisoning written after the sweep listed records must survive")
		})
	}
}
