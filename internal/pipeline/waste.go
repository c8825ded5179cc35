package pipeline

import (
	"sort"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
)

// WasteCalculator estimates the hourly cost of capacity left idle or
// unschedulable if the workload ran on a candidate's instance size.
type WasteCalculator interface {
	Cost(c *candidate.Candidate, workload []candidate.WorkloadItem) float64
}

// BinPackingWaste packs the workload onto nodes of the candidate's shape with
// best-fit decreasing over the dominant resource share. CPU and memory are
// weighted equally.
type BinPackingWaste struct{}

type bin struct {
	cpu, mem float64
}

// Cost implements WasteCalculator. Idle capacity is priced at the unit price;
// each item too large for one node costs a full reference-priced node.
func (BinPackingWaste) Cost(c *candidate.Candidate, workload []candidate.WorkloadItem) float64 {
	capCPU, capMem := float64(c.VCPU), float64(c.MemoryMiB)
	if len(workload) == 0 || capCPU <= 0 || capMem <= 0 {
		return 0
	}

	items := append([]candidate.WorkloadItem(nil), workload...)
	share := func(it candidate.WorkloadItem) float64 {
		return max(it.CPU/capCPU, it.MemoryMiB/capMem)
	}
	sort.SliceStable(items, func(i, j int) bool {
		si, sj := share(items[i]), share(items[j])
		if si != sj {
			return si > sj
		}
		return items[i].Name < items[j].Name
	})

	var (
		bins     []bin
		unplaced int
	)
	for _, it := range items {
		if it.CPU > capCPU || it.MemoryMiB > capMem {
			unplaced++
			continue
		}
		best, bestSlack := -1, 0.0
		for i, b := range bins {
			if b.cpu+it.CPU > capCPU || b.mem+it.MemoryMiB > capMem {
				continue
			}
			slack := min((capCPU-b.cpu-it.CPU)/capCPU, (capMem-b.mem-it.MemoryMiB)/capMem)
			if best < 0 || slack < bestSlack {
				best, bestSlack = i, slack
			}
		}
		if best < 0 {
			bins = append(bins, bin{})
			best = len(bins) - 1
		}
		bins[best].cpu += it.CPU
		bins[best].mem += it.MemoryMiB
	}

	idle := 0.0
	for _, b := range bins {
		idle += ((capCPU-b.cpu)/capCPU + (capMem-b.mem)/capMem) / 2
	}

	ref := c.OnDemandPrice
	if ref <= 0 {
		ref = c.UnitPrice
	}
	return idle*c.UnitPrice + float64(unplaced)*ref
}
