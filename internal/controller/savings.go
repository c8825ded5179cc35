package controller

import (
	"sort"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
	"github.com/softcane/spot-vortex-governor/internal/metrics"
)

const hoursPerMonth = 730

// NodeSavings is the saving one decision would realise.
type NodeSavings struct {
	Node          string
	ResourceID    string
	Decision      candidate.Decision
	Target        string
	CurrentPrice  float64
	SelectedPrice float64
	SavingsHourly float64
	DryRun        bool
}

// SavingsReport summarises one reconcile cycle.
type SavingsReport struct {
	Evaluated         int
	Actions           int
	OnDemandFallbacks int
	TotalSavingsHour  float64
	TotalSavingsMonth float64
	Nodes             []NodeSavings
}

// BuildSavingsReport aggregates evaluation results and publishes the
// per-resource potential saving gauge. Moves to on-demand capacity and
// moves to a pricier pool count as actions with zero saving.
func BuildSavingsReport(results []candidate.Result) *SavingsReport {
	r := &SavingsReport{Evaluated: len(results)}
	for _, res := range results {
		if res.Decision == candidate.DecisionStay || res.Decision == candidate.DecisionUndecided {
			continue
		}
		r.Actions++
		if res.OnDemandFallback || res.Selected == nil {
			r.OnDemandFallbacks++
			continue
		}

		ns := NodeSavings{
			Node:          res.NodeName,
			ResourceID:    res.ResourceID,
			Decision:      res.Decision,
			Target:        res.Selected.Pool.String(),
			CurrentPrice:  res.CurrentPrice,
			SelectedPrice: res.Selected.UnitPrice,
			DryRun:        res.DryRun,
		}
		if d := ns.CurrentPrice - ns.SelectedPrice; ns.CurrentPrice > 0 && d > 0 {
			ns.SavingsHourly = d
		}
		metrics.RecordSavings(res.ResourceID, ns.Target, ns.CurrentPrice, ns.SelectedPrice)

		r.TotalSavingsHour += ns.SavingsHourly
		r.Nodes = append(r.Nodes, ns)
	}
	r.TotalSavingsMonth = r.TotalSavingsHour * hoursPerMonth
	sort.Slice(r.Nodes, func(i, j int) bool { return r.Nodes[i].SavingsHourly > r.Nodes[j].SavingsHourly })
	return r
}
