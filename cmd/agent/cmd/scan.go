package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/softcane/spot-vortex-governor/internal/cloudapi"
	"github.com/softcane/spot-vortex-governor/internal/config"
	"github.com/softcane/spot-vortex-governor/internal/governance"
)

var enforce bool

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a governance scan once",
}

var scanWasteCmd = &cobra.Command{
	Use:   "waste",
	Short: "Report unattached addresses, orphaned volumes and unused snapshots",
	RunE:  runWasteScan,
}

var scanSecurityCmd = &cobra.Command{
	Use:   "security",
	Short: "Flag instances without an owner tag",
	Long: `Flag running instances that carry none of the configured owner tags.

The first time an instance is flagged it is tagged spotvortex.io/flagged-at.
With --enforce, instances flagged longer ago than the grace period are
terminated. Adding an owner tag clears the flag. Tags are written and
termination is performed only with --dry-run=false.`,
	RunE: runSecurityAudit,
}

func init() {
	scanSecurityCmd.Flags().BoolVar(&enforce, "enforce", false,
		"Terminate flagged instances whose grace period has passed")
	scanCmd.AddCommand(scanWasteCmd, scanSecurityCmd)
	rootCmd.AddCommand(scanCmd)
}

func runWasteScan(cmd *cobra.Command, _ []string) error {
	cfg, stack, err := governanceStack(cmd)
	if err != nil {
		return err
	}
	defer stack.Close()

	scanner, err := newWasteScanner(cfg, stack, slog.Default())
	if err != nil {
		return err
	}
	findings, err := scanner.Run(cmd.Context(), governance.Scope{Tags: cfg.Governance.Scope})
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), findings)
}

func runSecurityAudit(cmd *cobra.Command, _ []string) error {
	cfg, stack, err := governanceStack(cmd)
	if err != nil {
		return err
	}
	defer stack.Close()

	enforcer, err := newSecurityEnforcer(cfg, stack, slog.Default())
	if err != nil {
		return err
	}
	flags, runErr := enforcer.Run(cmd.Context(), governance.Scope{Tags: cfg.Governance.Scope}, enforce)
	if err := writeJSON(cmd.OutOrStdout(), flags); err != nil {
		return err
	}
	return runErr
}

func governanceStack(cmd *cobra.Command) (*config.Config, *cloudStack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	stack, err := resolveCloud(cmd.Context(), cfg, slog.Default(), IsDryRun())
	if err != nil {
		return nil, nil, err
	}
	if stack.account == nil {
		stack.Close()
		return nil, nil, fmt.Errorf("governance scans are not supported for cloud %q", stack.name)
	}
	return cfg, stack, nil
}

func newWasteScanner(cfg *config.Config, stack *cloudStack, logger *slog.Logger) (*governance.WasteScanner, error) {
	return governance.NewWasteScanner(governance.WasteScannerConfig{
		Lister:      stack.account,
		VolumeGrace: cfg.Governance.OrphanVolumeGrace(),
		Logger:      logger,
	})
}

// newSecurityEnforcer terminates through the dry-run wrapper so --dry-run
// holds for enforcement too. Flag tags are only written in live mode, so a
// dry run never starts a grace period.
func newSecurityEnforcer(cfg *config.Config, stack *cloudStack, logger *slog.Logger) (*governance.SecurityEnforcer, error) {
	cfgEnforcer := governance.SecurityEnforcerConfig{
		Instances: stack.account,
		OwnerTags: cfg.Governance.OwnerTags,
		Grace:     cfg.Governance.SecurityGrace(),
		Logger:    logger,
	}
	if !IsDryRun() {
		cfgEnforcer.Tagger = stack.account
	}
	if stack.infra != nil {
		cfgEnforcer.Terminator = cloudapi.NewDryRunWrapper(cloudapi.DryRunWrapperConfig{
			DryRun: IsDryRun(),
			Infra:  stack.infra,
			Logger: logger,
		})
	}
	return governance.NewSecurityEnforcer(cfgEnforcer)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
