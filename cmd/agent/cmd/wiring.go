package cmd

import (
	"log/slog"

	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"

	"github.com/softcane/spot-vortex-governor/internal/audit"
	"github.com/softcane/spot-vortex-governor/internal/config"
	"github.com/softcane/spot-vortex-governor/internal/inference"
	"github.com/softcane/spot-vortex-governor/internal/metrics"
	"github.com/softcane/spot-vortex-governor/internal/pipeline"
)

// evaluatorDeps are the runtime collaborators of the decision pipeline.
type evaluatorDeps struct {
	stack      *cloudStack
	classifier inference.Classifier
	stress     inference.StressSource
	signals    pipeline.SignalSource
	actuator   pipeline.Stage
	recorder   pipeline.Recorder
}

func newEvaluator(cfg *config.Config, deps evaluatorDeps, logger *slog.Logger, isDryRun bool) (*pipeline.Evaluator, error) {
	return pipeline.NewEvaluator(pipeline.Config{
		Mode:                    pipeline.Mode(cfg.Pipeline.Mode),
		Inventory:               deps.stack.inventory,
		Prices:                  deps.stack.prices,
		PriceWindow:             cfg.Pipeline.PriceWindow(),
		HistoricalRiskThreshold: cfg.Pipeline.HistoricalRiskThreshold,
		Rightsizer:              pipeline.NewCatalogRightsizer(pipeline.BuildCatalog(cfg.Pipeline.RightsizeFamilies)),
		Classifier:              deps.classifier,
		Stress:                  deps.stress,
		FallbackProbability:     cfg.Pipeline.FallbackProbability,
		SafetyGate:              cfg.Pipeline.SafetyGate,
		TopK:                    cfg.Pipeline.TopK,
		RiskPenaltyWeight:       cfg.Pipeline.RiskPenaltyWeight,
		Signals:                 deps.signals,
		Actuator:                deps.actuator,
		Recorder:                deps.recorder,
		DryRun:                  isDryRun,
		Logger:                  logger,
	})
}

// newRecorder signs decisions when an audit secret is configured. Node
// decisions become Kubernetes events when the event sink is enabled and a
// client is available.
func newRecorder(cfg *config.Config, client kubernetes.Interface, logger *slog.Logger) (pipeline.Recorder, error) {
	if cfg.Audit.SecretKey == "" {
		logger.Warn("audit secret not configured, decisions are logged unsigned",
			"env", config.EnvAuditSecret,
		)
		return nil, nil
	}
	var sink audit.Sink = audit.NewLogSink(logger)
	if cfg.Audit.EventSink && client != nil {
		sink = audit.NewEventSink(client, cfg.Audit.Namespace, sink)
	}
	auditor, err := audit.NewAuditor(audit.Config{SecretKey: cfg.Audit.SecretKey, ClusterID: cfg.ClusterID}, sink, logger)
	if err != nil {
		return nil, err
	}
	return auditor, nil
}

// newStressSource reads fleet-wide interruption counts from Prometheus.
func newStressSource(cfg *config.Config, logger *slog.Logger) (*metrics.Client, error) {
	if cfg.Prometheus.URL == "" {
		logger.Warn("prometheus url not configured, family stress is zero", "degraded_mode", true)
		return nil, nil
	}
	return metrics.NewClient(metrics.ClientConfig{
		PrometheusURL: cfg.Prometheus.URL,
		StressWindow:  cfg.Prometheus.StressWindow(),
		Timeout:       cfg.Prometheus.Timeout(),
		Logger:        logger,
	})
}

func nodeSelector(cfg *config.Config) string {
	if len(cfg.Controller.NodeSelector) == 0 {
		return ""
	}
	return labels.SelectorFromSet(cfg.Controller.NodeSelector).String()
}
