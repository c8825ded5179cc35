package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/softcane/spot-vortex-governor/internal/cloudapi"
	"github.com/softcane/spot-vortex-governor/internal/metrics"
)

// DefaultVolumeGrace is how old an unattached volume must be before it is
// reported.
const DefaultVolumeGrace = 7 * 24 * time.Hour

// WasteScannerConfig configures a WasteScanner.
type WasteScannerConfig struct {
	Lister      ResourceLister
	VolumeGrace time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// WasteScanner reports unattached addresses, old unattached volumes and
// snapshots no image references. It never mutates anything.
type WasteScanner struct {
	lister      ResourceLister
	volumeGrace time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewWasteScanner creates a WasteScanner.
func NewWasteScanner(cfg WasteScannerConfig) (*WasteScanner, error) {
	if cfg.Lister == nil {
		return nil, errors.New("governance: resource lister is required")
	}
	if cfg.VolumeGrace <= 0 {
		cfg.VolumeGrace = DefaultVolumeGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &WasteScanner{
		lister:      cfg.Lister,
		volumeGrace: cfg.VolumeGrace,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}, nil
}

// Run scans the account once. Findings are ordered by kind then id.
func (s *WasteScanner) Run(ctx context.Context, scope Scope) ([]WasteFinding, error) {
	var (
		addresses []cloudapi.Address
		volumes   []cloudapi.Volume
		snapshots []cloudapi.Snapshot
		images    []cloudapi.Image
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		addresses, err = s.lister.ListAddresses(gctx)
		return wrapList("addresses", err)
	})
	g.Go(func() (err error) {
		volumes, err = s.lister.ListVolumes(gctx)
		return wrapList("volumes", err)
	})
	g.Go(func() (err error) {
		snapshots, err = s.lister.ListSnapshots(gctx)
		return wrapList("snapshots", err)
	})
	g.Go(func() (err error) {
		images, err = s.lister.ListImages(gctx)
		return wrapList("images", err)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := s.now()
	var findings []WasteFinding
	add := func(f WasteFinding) {
		f.DiscoveredAt = now
		findings = append(findings, f)
		metrics.GovernanceFindings.WithLabelValues(ScannerWaste, string(f.Reason)).Inc()
	}

	for _, a := range addresses {
		if a.Associated || !scope.Matches(a.Tags) {
			continue
		}
		add(WasteFinding{ResourceID: a.AllocationID, Kind: "address", Reason: ReasonUnattachedAddress})
	}

	for _, v := range volumes {
		if v.Attached || !scope.Matches(v.Tags) || now.Sub(v.CreatedAt) < s.volumeGrace {
			continue
		}
		add(WasteFinding{ResourceID: v.ID, Kind: "volume", Reason: ReasonOrphanedVolume, SizeGiB: v.SizeGiB, CreatedAt: v.CreatedAt})
	}

	referenced := make(map[string]struct{})
	for _, img := range images {
		for _, id := range img.SnapshotIDs {
			referenced[id] = struct{}{}
		}
	}
	for _, snap := range snapshots {
		if _, ok := referenced[snap.ID]; ok || !scope.Matches(snap.Tags) {
			continue
		}
		add(WasteFinding{ResourceID: snap.ID, Kind: "snapshot", Reason: ReasonUnusedSnapshot, SizeGiB: snap.SizeGiB, CreatedAt: snap.StartedAt})
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Kind != findings[j].Kind {
			return findings[i].Kind < findings[j].Kind
		}
		return findings[i].ResourceID < findings[j].ResourceID
	})

	s.logger.Info("waste scan complete",
		"addresses", len(addresses),
		"volumes", len(volumes),
		"snapshots", len(snapshots),
		"findings", len(findings),
	)
	return findings, nil
}

func wrapList(kind string, err error) error {
	if err != nil {
		return fmt.Errorf("list %s: %w", kind, err)
	}
	return nil
}
