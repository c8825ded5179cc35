package inference

import (
	"context"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
)

// Feature names in model input order. ONNX models consume them as a dense
// vector in exactly this order; equations reference them by name.
const (
	FeaturePricePosition       = "price_position"
	FeatureDiscountDepth       = "discount_depth"
	FeaturePriceVolatility     = "price_volatility"
	FeatureInterruptionRate    = "interruption_rate"
	FeatureFamilyStressMean    = "family_stress_mean"
	FeatureFamilyStressStdDev  = "family_stress_std"
	FeatureFamilyInterruptions = "family_interruptions"
	FeatureHourSin             = "hour_sin"
	FeatureHourCos             = "hour_cos"
	FeatureDaySin              = "dow_sin"
	FeatureDayCos              = "dow_cos"
)

// FeatureNames is the canonical feature order.
var FeatureNames = []string{
	FeaturePricePosition,
	FeatureDiscountDepth,
	FeaturePriceVolatility,
	FeatureInterruptionRate,
	FeatureFamilyStressMean,
	FeatureFamilyStressStdDev,
	FeatureFamilyInterruptions,
	FeatureHourSin,
	FeatureHourCos,
	FeatureDaySin,
	FeatureDayCos,
}

// FeatureRow is the classifier input for one candidate.
type FeatureRow struct {
	Key          string
	InstanceType string
	Values       map[string]float64
}

// Vector returns the row as a dense float32 vector in the given order.
// Missing features are zero.
func (r FeatureRow) Vector(order []string) []float32 {
	out := make([]float32, len(order))
	for i, name := range order {
		out[i] = float32(r.Values[name])
	}
	return out
}

// StressSource reports fleet-wide recent interruption counts per family.
type StressSource interface {
	FamilyInterruptions(ctx context.Context, family string) (float64, error)
}

// FeatureBuilder derives classifier features from candidates.
type FeatureBuilder struct {
	stress StressSource
	logger *slog.Logger
}

// NewFeatureBuilder creates a builder. stress may be nil.
func NewFeatureBuilder(stress StressSource, logger *slog.Logger) *FeatureBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeatureBuilder{stress: stress, logger: logger}
}

// Build computes features for cands at the evaluation time at. It writes the
// derived features back onto each candidate and returns one row per candidate.
func (b *FeatureBuilder) Build(ctx context.Context, cands []*candidate.Candidate, at time.Time) []FeatureRow {
	familyRates := make(map[string][]float64)
	for _, c := range cands {
		fam := c.Pool.Family()
		familyRates[fam] = append(familyRates[fam], c.InterruptionRate())
	}

	familyMean := make(map[string]float64, len(familyRates))
	familyStd := make(map[string]float64, len(familyRates))
	familyEvents := make(map[string]float64, len(familyRates))
	for fam, rates := range familyRates {
		familyMean[fam], familyStd[fam] = meanStdDev(rates)
		if b.stress != nil {
			n, err := b.stress.FamilyInterruptions(ctx, fam)
			if err != nil {
				b.logger.Warn("family stress unavailable, using zero",
					"family", fam, "error", err, "degraded_mode", true)
				continue
			}
			familyEvents[fam] = n
		}
	}

	hourSin, hourCos := CyclicEncode(float64(at.Hour())+float64(at.Minute())/60, 24)
	daySin, dayCos := CyclicEncode(float64(at.Weekday()), 7)

	rows := make([]FeatureRow, 0, len(cands))
	for _, c := range cands {
		fam := c.Pool.Family()
		c.Features = candidate.Features{
			PricePosition:      PricePosition(c.PriceHistory, c.UnitPrice),
			DiscountDepth:      DiscountDepth(c.UnitPrice, c.OnDemandPrice),
			PriceVolatility:    Volatility(c.PriceHistory),
			FamilyStressMean:   familyMean[fam],
			FamilyStressStdDev: familyStd[fam],
		}
		rows = append(rows, FeatureRow{
			Key:          c.ID,
			InstanceType: c.Pool.InstanceType,
			Values: map[string]float64{
				FeaturePricePosition:       c.Features.PricePosition,
				FeatureDiscountDepth:       c.Features.DiscountDepth,
				FeaturePriceVolatility:     c.Features.PriceVolatility,
				FeatureInterruptionRate:    c.InterruptionRate(),
				FeatureFamilyStressMean:    c.Features.FamilyStressMean,
				FeatureFamilyStressStdDev:  c.Features.FamilyStressStdDev,
				FeatureFamilyInterruptions: familyEvents[fam],
				FeatureHourSin:             hourSin,
				FeatureHourCos:             hourCos,
				FeatureDaySin:              daySin,
				FeatureDayCos:              dayCos,
			},
		})
	}
	return rows
}

// CyclicEncode maps value on a cycle of the given period onto the unit circle,
// so 23:00 and 00:00 end up close together.
func CyclicEncode(value, period float64) (sin, cos float64) {
	angle := 2 * math.Pi * value / period
	return math.Sin(angle), math.Cos(angle)
}

// PricePosition returns where current sits in the min/max band of history.
// With no usable history the position is 1, the most conservative reading.
func PricePosition(history []float64, current float64) float64 {
	if len(history) == 0 {
		return 1
	}
	lo, hi := history[0], history[0]
	for _, p := range history[1:] {
		lo = math.Min(lo, p)
		hi = math.Max(hi, p)
	}
	lo = math.Min(lo, current)
	hi = math.Max(hi, current)
	if hi-lo < 1e-12 {
		return 0.5
	}
	return clamp01((current - lo) / (hi - lo))
}

// DiscountDepth returns 1 - price/onDemand, clamped to [0,1].
func DiscountDepth(price, onDemand float64) float64 {
	if onDemand <= 0 {
		return 0
	}
	return clamp01(1 - price/onDemand)
}

// Volatility is the coefficient of variation of history.
func Volatility(history []float64) float64 {
	mean, std := meanStdDev(history)
	if mean <= 0 {
		return 0
	}
	return std / mean
}

func meanStdDev(xs []float64) (mean, std float64) {
	switch len(xs) {
	case 0:
		return 0, 0
	case 1:
		return xs[0], 0
	}
	mean, std = stat.MeanStdDev(xs, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return mean, std
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
