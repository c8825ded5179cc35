package pipeline

import (
	"strings"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
)

// sizeLadder orders instance sizes from small to large.
var sizeLadder = []string{"medium", "large", "xlarge", "2xlarge", "4xlarge", "8xlarge", "12xlarge", "16xlarge", "24xlarge"}

var sizeVCPU = map[string]int32{
	"medium": 1, "large": 2, "xlarge": 4, "2xlarge": 8, "4xlarge": 16,
	"8xlarge": 32, "12xlarge": 48, "16xlarge": 64, "24xlarge": 96,
}

// memoryPerVCPU is GiB per vCPU by family class letter.
var memoryPerVCPU = map[byte]int64{'c': 2, 'm': 4, 'r': 8, 't': 4}

// CatalogEntry is the hardware shape of an instance type.
type CatalogEntry struct {
	VCPU         int32
	MemoryMiB    int64
	Architecture string
}

// CatalogRightsizer adds the next size up in the same family and zone for
// each candidate, when the catalog knows that type. Prices scale linearly
// with vCPU and the interruption bucket is inherited.
type CatalogRightsizer struct {
	catalog map[string]CatalogEntry
}

// NewCatalogRightsizer builds a rightsizer over an explicit catalog.
func NewCatalogRightsizer(catalog map[string]CatalogEntry) *CatalogRightsizer {
	return &CatalogRightsizer{catalog: catalog}
}

// BuildCatalog derives a catalog for the given families ("m5", "c6g", ...)
// across the standard size ladder. Families ending in "g" are arm64.
func BuildCatalog(families []string) map[string]CatalogEntry {
	out := make(map[string]CatalogEntry, len(families)*len(sizeLadder))
	for _, fam := range families {
		fam = strings.ToLower(strings.TrimSpace(fam))
		if fam == "" {
			continue
		}
		perVCPU, ok := memoryPerVCPU[fam[0]]
		if !ok {
			perVCPU = 4
		}
		arch := "x86_64"
		if strings.HasSuffix(fam, "g") || strings.Contains(fam, "gd") {
			arch = "arm64"
		}
		for _, size := range sizeLadder {
			vcpu := sizeVCPU[size]
			out[fam+"."+size] = CatalogEntry{VCPU: vcpu, MemoryMiB: int64(vcpu) * perVCPU * 1024, Architecture: arch}
		}
	}
	return out
}

// Expand implements Rightsizer.
func (r *CatalogRightsizer) Expand(c *candidate.Candidate) []*candidate.Candidate {
	next := nextSize(c.Pool.InstanceType)
	if next == "" {
		return nil
	}
	shape, ok := r.catalog[next]
	if !ok || c.VCPU <= 0 {
		return nil
	}

	factor := float64(shape.VCPU) / float64(c.VCPU)
	bigger := candidate.NewCandidate(candidate.Seed{
		Pool:         candidate.PoolKey{InstanceType: next, Zone: c.Pool.Zone},
		Region:       c.Region,
		VCPU:         shape.VCPU,
		MemoryMiB:    shape.MemoryMiB,
		Architecture: shape.Architecture,
	})
	bigger.UnitPrice = c.UnitPrice * factor
	bigger.OnDemandPrice = c.OnDemandPrice * factor
	bigger.InterruptionBucket = c.InterruptionBucket
	if len(c.PriceHistory) > 0 {
		bigger.PriceHistory = make([]float64, len(c.PriceHistory))
		for i, p := range c.PriceHistory {
			bigger.PriceHistory[i] = p * factor
		}
	}
	return []*candidate.Candidate{bigger}
}

func nextSize(instanceType string) string {
	fam, size := candidate.Family(instanceType), candidate.Size(instanceType)
	for i, s := range sizeLadder {
		if s == size && i+1 < len(sizeLadder) {
			return fam + "." + sizeLadder[i+1]
		}
	}
	return ""
}
