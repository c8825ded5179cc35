package cloudapi

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
)

// PriceScenario scripts price responses per pool for offline evaluation and
// tests. Pool keys are "<instanceType>:<zone>" and either side may be "*".
// Each GetPriceHistory call advances that pool's step cursor.
type PriceScenario struct {
	Default    PriceStep              `yaml:"default"`
	Pools      map[string][]PriceStep `yaml:"pools"`
	RepeatLast *bool                  `yaml:"repeatLast,omitempty"`
}

// PriceStep is one scripted response. Nil fields fall back to Default.
type PriceStep struct {
	Current          *float64   `yaml:"current,omitempty"`
	OnDemand         *float64   `yaml:"onDemand,omitempty"`
	History          *[]float64 `yaml:"history,omitempty"`
	InterruptionRate *float64   `yaml:"interruptionRate,omitempty"`
	Error            string     `yaml:"error,omitempty"`
}

// ScenarioPriceProvider is a deterministic PriceProvider driven by a PriceScenario.
type ScenarioPriceProvider struct {
	mu         sync.Mutex
	scenario   PriceScenario
	repeatLast bool
	cursors    map[string]int
}

var _ PriceProvider = (*ScenarioPriceProvider)(nil)

// NewScenarioPriceProvider validates scenario and builds a provider.
func NewScenarioPriceProvider(scenario PriceScenario) (*ScenarioPriceProvider, error) {
	if !scenario.Default.set() && len(scenario.Pools) == 0 {
		return nil, fmt.Errorf("price scenario must define default and/or pools")
	}
	for key, steps := range scenario.Pools {
		if !strings.Contains(key, ":") {
			return nil, fmt.Errorf("price scenario key %q must be <instanceType>:<zone>", key)
		}
		if len(steps) == 0 {
			return nil, fmt.Errorf("price scenario pool %q has no steps", key)
		}
	}
	repeatLast := true
	if scenario.RepeatLast != nil {
		repeatLast = *scenario.RepeatLast
	}
	return &ScenarioPriceProvider{
		scenario:   scenario,
		repeatLast: repeatLast,
		cursors:    make(map[string]int, len(scenario.Pools)),
	}, nil
}

// LoadScenarioPriceProvider reads a YAML (or JSON) scenario file.
func LoadScenarioPriceProvider(path string) (*ScenarioPriceProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read price scenario %q: %w", path, err)
	}
	return ParseScenarioPriceProvider(raw)
}

// ParseScenarioPriceProvider decodes a scenario, rejecting unknown fields.
func ParseScenarioPriceProvider(raw []byte) (*ScenarioPriceProvider, error) {
	var scenario PriceScenario
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("decode price scenario: %w", err)
	}
	return NewScenarioPriceProvider(scenario)
}

// GetPriceHistory returns the next scripted step for pool.
func (p *ScenarioPriceProvider) GetPriceHistory(_ context.Context, pool candidate.PoolKey, _ time.Duration) (PriceSeries, error) {
	step, err := p.step(pool, true)
	if err != nil {
		return PriceSeries{}, err
	}
	history := []float64(nil)
	if step.History != nil {
		history = append(history, (*step.History)...)
	}
	return PriceSeries{
		Pool:          pool,
		Prices:        history,
		Current:       deref(step.Current),
		OnDemandPrice: deref(step.OnDemand),
		Volatility:    coefficientOfVariation(history),
	}, nil
}

// GetInterruptionRate returns the scripted rate without advancing the cursor.
func (p *ScenarioPriceProvider) GetInterruptionRate(_ context.Context, pool candidate.PoolKey) (float64, error) {
	step, err := p.step(pool, false)
	if err != nil {
		return 0, err
	}
	if step.InterruptionRate == nil {
		return 0, fmt.Errorf("%w: no interruption rate for %s", ErrNoPriceData, pool)
	}
	return *step.InterruptionRate, nil
}

func (p *ScenarioPriceProvider) step(pool candidate.PoolKey, advance bool) (PriceStep, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key, ok := p.match(pool)
	if !ok {
		if !p.scenario.Default.set() {
			return PriceStep{}, fmt.Errorf("%w: no scenario for %s", ErrNoPriceData, pool)
		}
		return p.scenario.Default, nil
	}

	steps := p.scenario.Pools[key]
	i := p.cursors[key]
	if i >= len(steps) {
		if !p.repeatLast {
			return PriceStep{}, fmt.Errorf("price scenario for %q exhausted", key)
		}
		i = len(steps) - 1
	}
	if advance {
		switch {
		case i < len(steps)-1:
			p.cursors[key] = i + 1
		case !p.repeatLast:
			p.cursors[key] = len(steps)
		}
	}

	step := p.scenario.Default.merge(steps[i])
	if step.Error != "" {
		return PriceStep{}, fmt.Errorf("price scenario injected error for %s: %s", pool, step.Error)
	}
	return step, nil
}

func (p *ScenarioPriceProvider) match(pool candidate.PoolKey) (string, bool) {
	it, zone := strings.TrimSpace(pool.InstanceType), strings.TrimSpace(pool.Zone)
	if it == "" {
		it = "*"
	}
	if zone == "" {
		zone = "*"
	}
	for _, key := range []string{it + ":" + zone, it + ":*", "*:" + zone, "*:*"} {
		if _, ok := p.scenario.Pools[key]; ok {
			return key, true
		}
	}
	return "", false
}

func (s PriceStep) merge(o PriceStep) PriceStep {
	if o.Current != nil {
		s.Current = o.Current
	}
	if o.OnDemand != nil {
		s.OnDemand = o.OnDemand
	}
	if o.History != nil {
		s.History = o.History
	}
	if o.InterruptionRate != nil {
		s.InterruptionRate = o.InterruptionRate
	}
	if o.Error != "" {
		s.Error = o.Error
	}
	return s
}

func (s PriceStep) set() bool {
	return s.Current != nil || s.OnDemand != nil || s.History != nil || s.InterruptionRate != nil || s.Error != ""
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
