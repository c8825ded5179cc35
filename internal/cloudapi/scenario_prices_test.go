package cloudapi

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
)

func pool(s string) candidate.PoolKey {
	k, _ := candidate.ParsePoolKey(s)
	return k
}

func TestScenarioPriceProvider_SequenceAndRepeatLast(t *testing.T) {
	p, err := ParseScenarioPriceProvider([]byte(`
default:
  current: 0.20
  onDemand: 1.00
  interruptionRate: 0.03
pools:
  "m5.large:us-east-1a":
    - {current: 0.25, history: [0.24, 0.25]}
    - {current: 0.90, history: [0.70, 0.90]}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ctx := context.Background()
	k := pool("m5.large:us-east-1a")

	for i, want := range []float64{0.25, 0.90, 0.90} {
		s, err := p.GetPriceHistory(ctx, k, DefaultHistoryWindow)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if s.Current != want {
			t.Errorf("step %d: current = %v, want %v", i, s.Current, want)
		}
		if s.OnDemandPrice != 1.00 {
			t.Errorf("step %d: on-demand should come from default, got %v", i, s.OnDemandPrice)
		}
	}

	rate, err := p.GetInterruptionRate(ctx, k)
	if err != nil || rate != 0.03 {
		t.Errorf("rate = %v, %v", rate, err)
	}
}

func TestScenarioPriceProvider_WildcardPrecedence(t *testing.T) {
	p, err := ParseScenarioPriceProvider([]byte(`{
  "pools": {
    "*:*": [{"current": 0.12}],
    "*:us-east-1a": [{"current": 0.13}],
    "m5.large:*": [{"current": 0.14}],
    "m5.large:us-east-1a": [{"current": 0.15}]
  }
}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tests := []struct {
		pool string
		want float64
	}{
		{"m5.large:us-east-1a", 0.15},
		{"m5.large:us-west-2b", 0.14},
		{"c6i.large:us-east-1a", 0.13},
		{"c6i.large:eu-west-1a", 0.12},
	}
	for _, tt := range tests {
		t.Run(tt.pool, func(t *testing.T) {
			s, err := p.GetPriceHistory(context.Background(), pool(tt.pool), 0)
			if err != nil {
				t.Fatal(err)
			}
			if s.Current != tt.want {
				t.Errorf("current = %v, want %v", s.Current, tt.want)
			}
		})
	}
}

func TestScenarioPriceProvider_ErrorsAndExhaustion(t *testing.T) {
	p, err := ParseScenarioPriceProvider([]byte(`
repeatLast: false
pools:
  "m5.large:us-east-1a":
    - {current: 0.25}
    - {error: throttled}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ctx := context.Background()
	k := pool("m5.large:us-east-1a")

	if _, err := p.GetPriceHistory(ctx, k, 0); err != nil {
		t.Fatalf("step 1: %v", err)
	}
	if _, err := p.GetPriceHistory(ctx, k, 0); err == nil || !strings.Contains(err.Error(), "throttled") {
		t.Fatalf("expected injected error, got %v", err)
	}
	if _, err := p.GetPriceHistory(ctx, k, 0); err == nil || !strings.Contains(err.Error(), "exhausted") {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if _, err := p.GetInterruptionRate(ctx, pool("c5.large:us-east-1a")); !errors.Is(err, ErrNoPriceData) {
		t.Fatalf("expected ErrNoPriceData, got %v", err)
	}
}

func TestParseScenarioPriceProvider_RejectsUnknownFields(t *testing.T) {
	if _, err := ParseScenarioPriceProvider([]byte(`default: {spot: 0.1}`)); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
	if _, err := ParseScenarioPriceProvider([]byte(`pools: {"m5.large": [{current: 1}]}`)); err == nil {
		t.Fatal("expected malformed key to be rejected")
	}
}

func TestParseProviderID(t *testing.T) {
	tests := []struct {
		raw  string
		want ProviderID
		ok   bool
	}{
		{"aws:///us-east-1a/i-0abc", ProviderID{Cloud: CloudTypeAWS, Zone: "us-east-1a", InstanceID: "i-0abc"}, true},
		{"aws:///i-0abc", ProviderID{Cloud: CloudTypeAWS, InstanceID: "i-0abc"}, true},
		{"gce://proj/us-central1-a/node-1", ProviderID{Cloud: CloudTypeGCP, Zone: "us-central1-a", InstanceID: "node-1"}, true},
		{"kind://docker/kind/node", ProviderID{}, false},
		{"", ProviderID{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseProviderID(tt.raw)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseProviderID(%q) = %+v, %v; want %+v, %v", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestVolatility(t *testing.T) {
	if v := Volatility([]float64{0.1, 0.1, 0.1}); v != 0 {
		t.Errorf("flat series volatility = %v", v)
	}
	if v := Volatility([]float64{0.1, 0.3}); v <= 0 {
		t.Errorf("expected positive volatility, got %v", v)
	}
}
