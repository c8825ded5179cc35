package aws

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/softcane/spot-vortex-governor/internal/cloudapi"
)

// SpotAdvisor holds the per-instance-type interruption frequency published in
// the Spot Instance Advisor dataset (spot-advisor-data.json) for one region.
type SpotAdvisor struct {
	region string
	// rates maps instance type to the upper bound of its frequency range.
	rates map[string]float64
}

type advisorFile struct {
	Ranges []struct {
		Index int     `json:"index"`
		Label string  `json:"label"`
		Max   float64 `json:"max"`
	} `json:"ranges"`
	SpotAdvisor map[string]map[string]map[string]struct {
		Savings int `json:"s"`
		Range   int `json:"r"`
	} `json:"spot_advisor"`
}

// LoadSpotAdvisor reads the advisor dataset for region and operating system
// ("Linux" or "Windows").
func LoadSpotAdvisor(path, region, osName string) (*SpotAdvisor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spot advisor data: %w", err)
	}
	return ParseSpotAdvisor(raw, region, osName)
}

// ParseSpotAdvisor decodes the advisor dataset.
func ParseSpotAdvisor(raw []byte, region, osName string) (*SpotAdvisor, error) {
	var f advisorFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse spot advisor data: %w", err)
	}
	if osName == "" {
		osName = "Linux"
	}

	upper := make(map[int]float64, len(f.Ranges))
	for _, r := range f.Ranges {
		upper[r.Index] = r.Max / 100
	}

	byOS, ok := f.SpotAdvisor[region]
	if !ok {
		return nil, fmt.Errorf("spot advisor data has no region %q", region)
	}
	entries := byOS[osName]

	a := &SpotAdvisor{region: region, rates: make(map[string]float64, len(entries))}
	for instanceType, e := range entries {
		rate, ok := upper[e.Range]
		if !ok {
			continue
		}
		a.rates[strings.ToLower(instanceType)] = rate
	}
	return a, nil
}

// InterruptionRate returns the upper bound of the instance type's interruption range.
func (a *SpotAdvisor) InterruptionRate(instanceType string) (float64, error) {
	rate, ok := a.rates[strings.ToLower(instanceType)]
	if !ok {
		return 0, fmt.Errorf("%w: no advisor entry for %s in %s", cloudapi.ErrNoPriceData, instanceType, a.region)
	}
	return rate, nil
}
