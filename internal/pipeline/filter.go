package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
)

// DefaultHistoricalRiskThreshold rejects pools whose interruption bucket
// reaches above 20%.
const DefaultHistoricalRiskThreshold = 0.20

// Rightsizer proposes larger candidates for a valid candidate.
type Rightsizer interface {
	Expand(c *candidate.Candidate) []*candidate.Candidate
}

// StaticFilter applies the deterministic hardware and historical-risk rules,
// then adds rightsized candidates when a Rightsizer is configured.
type StaticFilter struct {
	base
	threshold  float64
	rightsizer Rightsizer
	logger     *slog.Logger
}

// NewStaticFilter builds the stage. A nil rightsizer disables expansion.
func NewStaticFilter(threshold float64, rightsizer Rightsizer, logger *slog.Logger) *StaticFilter {
	if threshold <= 0 {
		threshold = DefaultHistoricalRiskThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StaticFilter{threshold: threshold, rightsizer: rightsizer, logger: logger}
}

// Name implements Stage.
func (f *StaticFilter) Name() string { return StageStaticFilter }

// Process implements Stage.
func (f *StaticFilter) Process(_ context.Context, dc *candidate.DecisionContext) error {
	for _, c := range dc.Candidates {
		f.apply(c, dc.Request.Requirement)
	}
	if f.rightsizer == nil {
		return nil
	}

	seen := make(map[string]struct{}, len(dc.Candidates))
	for _, c := range dc.Candidates {
		seen[c.ID] = struct{}{}
	}

	var added []*candidate.Candidate
	for _, c := range dc.ValidCandidates() {
		for _, extra := range f.rightsizer.Expand(c) {
			if _, dup := seen[extra.ID]; dup {
				continue
			}
			seen[extra.ID] = struct{}{}
			extra.Rightsized = true
			f.apply(extra, dc.Request.Requirement)
			added = append(added, extra)
		}
	}
	dc.Candidates = append(dc.Candidates, added...)

	if len(added) > 0 {
		f.logger.Debug("rightsizing expanded candidates", "resource", dc.Request.Key(), "added", len(added))
	}
	return nil
}

func (f *StaticFilter) apply(c *candidate.Candidate, req candidate.Requirement) {
	if reason := hardwareMismatch(c, req); reason != "" {
		c.Reject(StageStaticFilter, reason)
		return
	}
	if rate := c.InterruptionRate(); rate > f.threshold {
		c.Reject(StageStaticFilter, fmt.Sprintf(
			"historical interruption bucket %d (up to %.0f%%) exceeds threshold %.0f%%",
			c.InterruptionBucket, rate*100, f.threshold*100))
	}
}

func hardwareMismatch(c *candidate.Candidate, req candidate.Requirement) string {
	if c.VCPU < req.MinVCPU {
		return fmt.Sprintf("vcpu %d below required %d", c.VCPU, req.MinVCPU)
	}
	if c.MemoryMiB < req.MinMemoryMiB {
		return fmt.Sprintf("memory %dMiB below required %dMiB", c.MemoryMiB, req.MinMemoryMiB)
	}
	if req.Architecture != "" && c.Architecture != "" && normalizeArch(c.Architecture) != normalizeArch(req.Architecture) {
		return fmt.Sprintf("architecture %s does not match required %s", c.Architecture, req.Architecture)
	}
	return ""
}

func normalizeArch(a string) string {
	switch a = strings.ToLower(a); a {
	case "amd64", "x86_64":
		return "x86_64"
	case "arm64", "aarch64":
		return "arm64"
	default:
		return a
	}
}
