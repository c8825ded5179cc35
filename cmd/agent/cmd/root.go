// Package cmd provides the CLI commands for the SpotVortex governor.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/softcane/spot-vortex-governor/internal/config"
)

var (
	// Global flags
	dryRun    bool
	verbose   bool
	cfgFile   string
	logFormat string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "SpotVortex Governor - risk-aware spot capacity management",
	Long: `SpotVortex Governor ranks spot capacity pools by price and predicted
interruption risk, replaces nodes and group members without ever dropping
capacity, quarantines pools that interrupted production workloads and scans
the account for waste and unowned instances.

Prime Directive: Uptime over Cost. If uncertain, we fall back to On-Demand.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(cmd.ErrOrStderr())
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", true,
		"Shadow mode: log actions without executing them (set --dry-run=false for active mode)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable verbose logging output")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Path to configuration file (built-in defaults when empty)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json",
		"Log format: json or text")
}

// setupLogging configures structured logging using slog. Logs go to w so
// command output on stdout stays machine readable.
func setupLogging(w io.Writer) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch logFormat {
	case "json", "":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return fmt.Errorf("unknown --log-format %q", logFormat)
	}
	slog.SetDefault(slog.New(handler))

	if dryRun {
		slog.Info(
			"dry-run mode enabled",
			"action", "mutating cloud and cluster actions are disabled; read-only calls may still occur",
		)
	}
	return nil
}

// IsDryRun returns whether dry-run mode is enabled.
func IsDryRun() bool {
	return dryRun
}

// loadConfig reads --config, or returns the defaults when it is unset.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		if _, err := os.Stat("config/default.yaml"); err == nil {
			cfgFile = "config/default.yaml"
		} else {
			slog.Info("no config file given, using defaults")
			return config.Default(), nil
		}
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
