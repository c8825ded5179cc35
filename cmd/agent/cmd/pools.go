package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/softcane/spot-vortex-governor/internal/config"
	"github.com/softcane/spot-vortex-governor/internal/riskmanager"
)

var outputFormat string

var poolsCmd = &cobra.Command{
	Use:   "pools",
	Short: "List quarantined pools and pool utilization",
	Long: `List the pools currently quarantined by the risk manager and, when
Prometheus is configured, the observed utilization of each pool.

Example:
  agent pools --config config/default.yaml
  agent pools --output json`,
	RunE: runPools,
}

func init() {
	rootCmd.AddCommand(poolsCmd)
	poolsCmd.Flags().StringVar(&outputFormat, "output", "table",
		"Output format: table, json")
}

// poolStatus is one row of the pools listing.
type poolStatus struct {
	Pool        string    `json:"pool"`
	Poisoned    bool      `json:"poisoned"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Utilization *float64  `json:"utilization,omitempty"`
}

func runPools(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := slog.Default()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var store riskmanager.Store = riskmanager.NewMemoryStore()
	if cfg.Risk.Store == config.StoreConfigMap {
		client, err := kubeClient()
		if err != nil {
			return err
		}
		store = riskmanager.NewConfigMapStore(client, cfg.Risk.ConfigMapNamespace, cfg.Risk.ConfigMapName)
	}
	risk := newRiskManager(cfg, store, nil, logger)

	var util map[string]float64
	promClient, err := newStressSource(cfg, logger)
	if err != nil {
		return err
	}
	if promClient != nil {
		util, err = promClient.GetPoolUtilization(ctx)
		if err != nil {
			logger.Warn("pool utilization unavailable", "error", err)
		}
	}

	rows, err := poolRows(ctx, risk, util)
	if err != nil {
		return err
	}
	switch outputFormat {
	case "json":
		return writeJSON(cmd.OutOrStdout(), rows)
	default:
		return outputTable(cmd.OutOrStdout(), rows)
	}
}

func poolRows(ctx context.Context, risk *riskmanager.Manager, util map[string]float64) ([]poolStatus, error) {
	records, err := risk.Poisoned(ctx)
	if err != nil {
		return nil, fmt.Errorf("list quarantined pools: %w", err)
	}
	byPool := make(map[string]*poolStatus)
	for _, r := range records {
		byPool[r.Pool.String()] = &poolStatus{
			Pool:      r.Pool.String(),
			Poisoned:  true,
			ExpiresAt: r.ExpiresAt,
			Reason:    r.Reason,
		}
	}
	for pool, u := range util {
		row, ok := byPool[pool]
		if !ok {
			row = &poolStatus{Pool: pool}
			byPool[pool] = row
		}
		row.Utilization = &u
	}

	rows := make([]poolStatus, 0, len(byPool))
	for _, r := range byPool {
		rows = append(rows, *r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Pool < rows[j].Pool })
	return rows, nil
}

func outputTable(w io.Writer, rows []poolStatus) error {
	fmt.Fprintf(w, "%-32s %-10s %-22s %-8s %s\n", "POOL", "POISONED", "EXPIRES", "UTIL%", "REASON")
	for _, r := range rows {
		expires, util := "-", "-"
		if r.Poisoned {
			expires = r.ExpiresAt.UTC().Format(time.RFC3339)
		}
		if r.Utilization != nil {
			util = fmt.Sprintf("%.1f", *r.Utilization*100)
		}
		reason := r.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(w, "%-32s %-10t %-22s %-8s %s\n", r.Pool, r.Poisoned, expires, util, reason)
	}
	return nil
}
