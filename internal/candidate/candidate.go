// Package candidate holds the data model shared by every decision stage:
// capacity-pool candidates, the per-evaluation decision context and the
// result handed back to callers.
package candidate

import (
	"fmt"
	"strings"
)

// PoolKey identifies a capacity pool: one resource type in one placement.
type PoolKey struct {
	InstanceType string `json:"instanceType" yaml:"instanceType"`
	Zone         string `json:"zone" yaml:"zone"`
}

// String renders the key as "instanceType:zone", the same pool id format
// the collector and metrics use.
func (k PoolKey) String() string {
	return k.InstanceType + ":" + k.Zone
}

// Family returns the instance family ("m5" for "m5.large").
func (k PoolKey) Family() string {
	return Family(k.InstanceType)
}

// ParsePoolKey parses the "instanceType:zone" form.
func ParsePoolKey(s string) (PoolKey, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return PoolKey{}, fmt.Errorf("invalid pool key %q: expected instanceType:zone", s)
	}
	return PoolKey{InstanceType: parts[0], Zone: parts[1]}, nil
}

// Family returns the family prefix of an instance type name.
func Family(instanceType string) string {
	if i := strings.IndexByte(instanceType, '.'); i > 0 {
		return instanceType[:i]
	}
	return instanceType
}

// Size returns the size suffix of an instance type name ("2xlarge" for "m5.2xlarge").
func Size(instanceType string) string {
	if i := strings.IndexByte(instanceType, '.'); i > 0 && i < len(instanceType)-1 {
		return instanceType[i+1:]
	}
	return ""
}

// Features are the derived inputs the risk classifier consumes.
type Features struct {
	// PricePosition is where the current price sits inside its recent
	// min/max band, 0 at the floor and 1 at the ceiling.
	PricePosition float64 `json:"pricePosition"`

	// DiscountDepth is 1 - unitPrice/onDemandPrice.
	DiscountDepth float64 `json:"discountDepth"`

	// PriceVolatility is the coefficient of variation of the price history.
	PriceVolatility float64 `json:"priceVolatility"`

	// FamilyStressMean and FamilyStressStdDev aggregate the interruption
	// rates of every candidate sharing this candidate's family.
	FamilyStressMean   float64 `json:"familyStressMean"`
	FamilyStressStdDev float64 `json:"familyStressStdDev"`
}

// Candidate is one purchasable capacity offer.
//
// A candidate is valid until some stage rejects it. Rejected candidates stay
// in the context so the trace and audit records can explain every decision.
type Candidate struct {
	ID     string  `json:"id"`
	Pool   PoolKey `json:"pool"`
	Region string  `json:"region,omitempty"`

	VCPU          int32   `json:"vcpu"`
	MemoryMiB     int64   `json:"memoryMiB"`
	Architecture  string  `json:"architecture"`
	UnitPrice     float64 `json:"unitPrice"`
	OnDemandPrice float64 `json:"onDemandPrice"`

	// InterruptionBucket is the long-run interruption-rate bucket
	// (0: <5%, 1: 5-10%, 2: 10-15%, 3: 15-20%, 4: >20%).
	InterruptionBucket int `json:"interruptionBucket"`

	// PriceHistory is the recent unit price series, oldest first.
	PriceHistory []float64 `json:"-"`

	Features         Features `json:"features"`
	CrashProbability float64  `json:"crashProbability"`
	WasteCost        float64  `json:"wasteCost,omitempty"`
	Score            float64  `json:"score,omitempty"`

	// Current marks the candidate describing the resource's present placement.
	Current bool `json:"current,omitempty"`

	// Rightsized marks candidates added by rightsizing expansion.
	Rightsized bool `json:"rightsized,omitempty"`

	Valid           bool   `json:"valid"`
	RejectionReason string `json:"rejectionReason,omitempty"`
	RejectedBy      string `json:"rejectedBy,omitempty"`
}

// Reject marks the candidate invalid. The first rejection wins; later calls
// on an already invalid candidate are ignored.
func (c *Candidate) Reject(stage, reason string) {
	if !c.Valid {
		return
	}
	c.Valid = false
	c.RejectedBy = stage
	c.RejectionReason = reason
}

// bucketUpperBounds holds the upper edge of each interruption-rate bucket.
var bucketUpperBounds = []float64{0.05, 0.10, 0.15, 0.20, 1.0}

// InterruptionRate returns the upper bound of the candidate's bucket.
func (c *Candidate) InterruptionRate() float64 {
	return BucketUpperBound(c.InterruptionBucket)
}

// BucketUpperBound maps an interruption bucket index to its upper rate bound.
// Unknown buckets are treated as the riskiest.
func BucketUpperBound(bucket int) float64 {
	if bucket < 0 || bucket >= len(bucketUpperBounds) {
		return 1.0
	}
	return bucketUpperBounds[bucket]
}

// BucketForRate returns the bucket index a rate falls into.
func BucketForRate(rate float64) int {
	for i, upper := range bucketUpperBounds {
		if rate <= upper {
			return i
		}
	}
	return len(bucketUpperBounds) - 1
}

// Seed is what the inventory provider knows about a capacity offer before
// prices, history and features are attached.
type Seed struct {
	Pool         PoolKey `json:"pool" yaml:"pool"`
	Region       string  `json:"region,omitempty" yaml:"region,omitempty"`
	VCPU         int32   `json:"vcpu" yaml:"vcpu"`
	MemoryMiB    int64   `json:"memoryMiB" yaml:"memoryMiB"`
	Architecture string  `json:"architecture" yaml:"architecture"`
}

// NewCandidate builds a valid candidate from a seed.
func NewCandidate(seed Seed) *Candidate {
	return &Candidate{
		ID:           seed.Pool.String(),
		Pool:         seed.Pool,
		Region:       seed.Region,
		VCPU:         seed.VCPU,
		MemoryMiB:    seed.MemoryMiB,
		Architecture: seed.Architecture,
		Valid:        true,
	}
}

// Clone returns a deep copy.
func (c *Candidate) Clone() *Candidate {
	if c == nil {
		return nil
	}
	cp := *c
	if c.PriceHistory != nil {
		cp.PriceHistory = append([]float64(nil), c.PriceHistory...)
	}
	return &cp
}
