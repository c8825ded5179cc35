package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"

	"github.com/softcane/spot-vortex-governor/internal/capacity"
	"github.com/softcane/spot-vortex-governor/internal/cloudapi"
	"github.com/softcane/spot-vortex-governor/internal/collector"
	"github.com/softcane/spot-vortex-governor/internal/config"
	"github.com/softcane/spot-vortex-governor/internal/controller"
	"github.com/softcane/spot-vortex-governor/internal/finalizer"
	"github.com/softcane/spot-vortex-governor/internal/governance"
	"github.com/softcane/spot-vortex-governor/internal/httpserver"
	"github.com/softcane/spot-vortex-governor/internal/inference"
	"github.com/softcane/spot-vortex-governor/internal/pipeline"
	"github.com/softcane/spot-vortex-governor/internal/riskmanager"
	"github.com/softcane/spot-vortex-governor/internal/signals"
	"github.com/softcane/spot-vortex-governor/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the SpotVortex governor",
	Long: `Run starts the governor in controller mode.

The governor will:
1. Poll interruption signals and quarantine pools that interrupted production
2. Periodically evaluate every managed node through the decision pipeline
3. Replace nodes (or swap group members) when a safer, cheaper pool exists
4. Run the waste and security scans on their cron schedules

Use --dry-run to test without affecting the cluster.`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	logger := slog.Default()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("starting SpotVortex governor",
		"dry_run", IsDryRun(),
		"cluster_id", cfg.ClusterID,
		"cloud", cfg.Cloud,
		"mode", cfg.Pipeline.Mode,
	)

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.OTLPEndpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
		Insecure:    cfg.Tracing.Insecure,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	k8sClient, err := kubeClient()
	if err != nil {
		return err
	}

	stack, err := resolveCloud(ctx, cfg, logger, IsDryRun())
	if err != nil {
		return err
	}
	defer stack.Close()

	classifier, closeClassifier, err := resolveClassifier(cfg, logger)
	if err != nil {
		return err
	}
	defer closeClassifier()

	promClient, err := newStressSource(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize prometheus client: %w", err)
	}
	var stress inference.StressSource
	if promClient != nil {
		stress = promClient
	}

	store, err := resolveRiskStore(cfg, k8sClient)
	if err != nil {
		return err
	}
	risk := newRiskManager(cfg, store, stack.inventory, logger)

	recorder, err := newRecorder(cfg, k8sClient, logger)
	if err != nil {
		return err
	}

	selector := nodeSelector(cfg)
	poller, err := newSignalPoller(cfg, k8sClient, stack, risk, selector, logger)
	if err != nil {
		return err
	}
	var signalSource pipeline.SignalSource
	if poller != nil {
		signalSource = poller
	}

	actuator, err := newActuator(cfg, k8sClient, stack, risk, recorder, selector, logger)
	if err != nil {
		return err
	}

	evaluator, err := newEvaluator(cfg, evaluatorDeps{
		stack:      stack,
		classifier: classifier,
		stress:     stress,
		signals:    signalSource,
		actuator:   actuator,
		recorder:   recorder,
	}, logger, IsDryRun())
	if err != nil {
		return fmt.Errorf("failed to build decision pipeline: %w", err)
	}

	coll := collector.NewCollector(k8sClient, logger)
	if promClient != nil {
		coll.SetUtilizationProvider(promClient)
	}
	var groupTagKeys []string
	if cfg.Cluster.Enabled && stack.inventory != nil {
		groupTagKeys = cfg.Cluster.GroupTagKeys
	}
	ctrl, err := controller.New(controller.Config{
		Collector:    coll,
		Evaluator:    evaluator,
		Signals:      signalSource,
		Inventory:    stack.inventory,
		NodeSelector: selector,
		Interval:     cfg.Controller.ReconcileInterval(),
		Workers:      cfg.Controller.Workers,
		FleetMode:    cfg.Pipeline.Mode == string(pipeline.ModeFleet),
		GroupTagKeys: groupTagKeys,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	sched, err := newScheduler(cfg, stack, risk, logger)
	if err != nil {
		return err
	}
	for name, next := range sched.Next(time.Now()) {
		logger.Info("scheduled job", "job", name, "next_run", next)
	}

	srv := httpserver.New(logger, cfg.Server.Address, map[string]httpserver.ReadinessCheck{
		"controller": func(context.Context) error {
			if ctrl.LastReport() == nil {
				return errors.New("no reconciliation completed yet")
			}
			return nil
		},
	})
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("http server shutdown failed", "error", err)
		}
	}()

	logger.Info("governor ready, starting reconciliation loop")

	g, gctx := errgroup.WithContext(ctx)
	if poller != nil {
		g.Go(func() error {
			poller.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := ctrl.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("controller failure: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// newSignalPoller returns nil when no signal provider is enabled.
func newSignalPoller(cfg *config.Config, k8sClient kubernetes.Interface, stack *cloudStack, risk *riskmanager.Manager, selector string, logger *slog.Logger) (*signals.Poller, error) {
	var providers []signals.Provider
	if cfg.Signals.IMDS {
		providers = append(providers, signals.NewIMDSProvider(nil, logger))
	}
	if cfg.Signals.NodeTaints {
		providers = append(providers, signals.NewTaintProvider(k8sClient, selector, nil, logger))
	}
	if len(providers) == 0 {
		logger.Warn("no interruption signal provider enabled")
		return nil, nil
	}
	return signals.NewPoller(signals.Config{
		Providers: providers,
		Handler:   risk,
		Inventory: stack.inventory,
		Interval:  cfg.Signals.PollInterval(),
		TTL:       cfg.Signals.TTL(),
		Logger:    logger,
	})
}

// newActuator returns nil in dry-run mode so the pipeline uses its logging
// actuator.
func newActuator(cfg *config.Config, k8sClient kubernetes.Interface, stack *cloudStack, risk *riskmanager.Manager, recorder pipeline.Recorder, selector string, logger *slog.Logger) (pipeline.Stage, error) {
	if IsDryRun() {
		return nil, nil
	}
	if stack.infra == nil {
		return nil, fmt.Errorf("cloud %q cannot launch or terminate instances: %w", stack.name, cloudapi.ErrNoProvider)
	}
	infra := cloudapi.NewDryRunWrapper(cloudapi.DryRunWrapperConfig{Infra: stack.infra, Logger: logger})

	nodes, err := controller.NewNodeOptimizer(controller.NodeOptimizerConfig{
		Client: k8sClient,
		Infra:  infra,
		Risk:   risk,
		Drainer: controller.NewDrainer(k8sClient, logger, controller.DrainConfig{
			GracePeriodSeconds: int64(cfg.Controller.DrainGracePeriodSeconds),
			Timeout:            cfg.Controller.DrainTimeout(),
		}),
		Protector:       finalizer.NewProtector(k8sClient, logger, false),
		Guardrails:      controller.NewGuardrailChecker(k8sClient, logger, cfg.Controller.ClusterFractionLimit, selector),
		LaunchTemplate:  cfg.Controller.LaunchTemplate,
		ScaleOutTimeout: cfg.Controller.ScaleOutTimeout(),
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	var groups pipeline.GroupSwapper
	if cfg.Cluster.Enabled {
		if stack.groups == nil {
			return nil, fmt.Errorf("cluster optimizer enabled but cloud %q has no instance groups", stack.name)
		}
		swapper, err := capacity.NewClusterOptimizer(capacity.ClusterOptimizerConfig{
			Groups:        stack.groups,
			Infra:         infra,
			Risk:          risk,
			HealthTimeout: cfg.Cluster.HealthTimeout(),
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		groups = swapper
	}

	return pipeline.NewMutatingActuator(pipeline.MutatingActuatorConfig{
		Nodes:    nodes,
		Groups:   groups,
		Recorder: recorder,
		Logger:   logger,
	}), nil
}

// newScheduler registers the risk sweep and, where the cloud supports it,
// the governance scans.
func newScheduler(cfg *config.Config, stack *cloudStack, risk *riskmanager.Manager, logger *slog.Logger) (*governance.Scheduler, error) {
	sched := governance.NewScheduler(logger)
	err := sched.Add("risk-sweep", cfg.Risk.SweepSchedule, func(ctx context.Context) error {
		n, err := risk.CleanupExpired(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("expired pool quarantines removed", "count", n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if stack.account == nil {
		if cfg.Governance.WasteSchedule != "" || cfg.Governance.SecuritySchedule != "" {
			logger.Warn("governance scans are not supported for this cloud", "cloud", stack.name)
		}
		return sched, nil
	}
	scope := governance.Scope{Tags: cfg.Governance.Scope}

	if cfg.Governance.WasteSchedule != "" {
		scanner, err := newWasteScanner(cfg, stack, logger)
		if err != nil {
			return nil, err
		}
		err = sched.Add("waste-scan", cfg.Governance.WasteSchedule, func(ctx context.Context) error {
			findings, err := scanner.Run(ctx, scope)
			logger.Info("waste scan finished", "findings", len(findings))
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	if cfg.Governance.SecuritySchedule != "" {
		enforcer, err := newSecurityEnforcer(cfg, stack, logger)
		if err != nil {
			return nil, err
		}
		err = sched.Add("security-audit", cfg.Governance.SecuritySchedule, func(ctx context.Context) error {
			flags, err := enforcer.Run(ctx, scope, cfg.Governance.AutoEnforce)
			logger.Info("security audit finished", "flagged", len(flags), "auto_enforce", cfg.Governance.AutoEnforce)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return sched, nil
}
