package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
	"github.com/softcane/spot-vortex-governor/internal/cloudapi"
	"github.com/softcane/spot-vortex-governor/internal/inference"
)

var evalTime = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return evalTime }

// stubPrices prices every pool identically and looks up interruption rates by instance type.
type stubPrices struct {
	price    float64
	onDemand float64
	rates    map[string]float64
	fail     bool
}

func (s stubPrices) GetPriceHistory(_ context.Context, pool candidate.PoolKey, _ time.Duration) (cloudapi.PriceSeries, error) {
	if s.fail {
		return cloudapi.PriceSeries{}, fmt.Errorf("price api timeout")
	}
	return cloudapi.PriceSeries{
		Pool:          pool,
		Prices:        []float64{s.price * 0.9, s.price * 1.1, s.price},
		Current:       s.price,
		OnDemandPrice: s.onDemand,
	}, nil
}

func (s stubPrices) GetInterruptionRate(_ context.Context, pool candidate.PoolKey) (float64, error) {
	r, ok := s.rates[pool.InstanceType]
	if !ok {
		return 0, cloudapi.ErrNoPriceData
	}
	return r, nil
}

type stubInventory struct {
	seeds []candidate.Seed
	err   error
}

func (s stubInventory) ListCandidates(context.Context, candidate.Request) ([]candidate.Seed, error) {
	return s.seeds, s.err
}

func (s stubInventory) GetResourceTags(context.Context, string) (map[string]string, error) {
	return nil, nil
}

func (s stubInventory) PoolForResource(context.Context, string) (candidate.PoolKey, error) {
	return candidate.PoolKey{}, nil
}

// signalBox is a SignalSource whose value can change mid-evaluation.
type signalBox struct {
	mu  sync.Mutex
	sig map[string]candidate.Signal
}

func (b *signalBox) Set(id string, s candidate.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sig == nil {
		b.sig = map[string]candidate.Signal{}
	}
	b.sig[id] = s
}

func (b *signalBox) Latest(id string) candidate.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sig[id]
}

// byType scores candidates by instance type; unknown types get def.
func byType(probs map[string]float64, def float64) inference.Classifier {
	return inference.ClassifierFunc(func(_ context.Context, rows []inference.FeatureRow) (map[string]float64, error) {
		out := make(map[string]float64, len(rows))
		for _, r := range rows {
			p, ok := probs[r.InstanceType]
			if !ok {
				p = def
			}
			out[r.Key] = p
		}
		return out, nil
	})
}

func seed(pool string, vcpu int32, memMiB int64) candidate.Seed {
	k, err := candidate.ParsePoolKey(pool)
	if err != nil {
		panic(err)
	}
	return candidate.Seed{Pool: k, Region: "us-east-1", VCPU: vcpu, MemoryMiB: memMiB, Architecture: "x86_64"}
}

func singleRequest(pool string) candidate.Request {
	return candidate.Request{
		ResourceID:  "i-0123456789",
		NodeName:    "node-a",
		Current:     seed(pool, 2, 8192),
		Requirement: candidate.Requirement{MinVCPU: 2, MinMemoryMiB: 4096},
	}
}

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

type recordingRecorder struct {
	results []candidate.Result
}

func (r *recordingRecorder) Record(_ context.Context, res candidate.Result) error {
	r.results = append(r.results, res)
	return nil
}

type recordingNodes struct {
	actions []candidate.Action
	err     error
}

func (r *recordingNodes) ReplaceNode(_ context.Context, act candidate.Action) error {
	r.actions = append(r.actions, act)
	return r.err
}

type recordingGroups struct {
	actions []candidate.Action
}

func (r *recordingGroups) SwapInstance(_ context.Context, act candidate.Action) error {
	r.actions = append(r.actions, act)
	return nil
}
