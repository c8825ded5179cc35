package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/softcane/spot-vortex-governor/internal/capacity"
	"github.com/softcane/spot-vortex-governor/internal/cloudapi"
	awsprovider "github.com/softcane/spot-vortex-governor/internal/cloudapi/aws"
	"github.com/softcane/spot-vortex-governor/internal/cloudapi/gcp"
	"github.com/softcane/spot-vortex-governor/internal/config"
	"github.com/softcane/spot-vortex-governor/internal/governance"
	"github.com/softcane/spot-vortex-governor/internal/inference"
	"github.com/softcane/spot-vortex-governor/internal/riskmanager"
)

// errScenarioLive guards the offline price scenario from driving real actions.
var errScenarioLive = errors.New("scenario prices are offline test data and require --dry-run=true")

// account is the governance view of a cloud account.
type account interface {
	governance.ResourceLister
	governance.InstanceLister
	governance.Tagger
}

// cloudStack bundles the providers for one cloud. Fields a cloud cannot
// serve stay nil.
type cloudStack struct {
	name      string
	prices    cloudapi.PriceProvider
	inventory cloudapi.Inventory
	// infra is the unwrapped implementation; callers wrap it for dry-run.
	infra   cloudapi.Infrastructure
	account account
	groups  capacity.GroupClient
	closers []func() error
}

func (s *cloudStack) Close() {
	for _, c := range s.closers {
		if err := c(); err != nil {
			slog.Warn("failed to close provider", "cloud", s.name, "error", err)
		}
	}
}

// validateModePolicy rejects flag and config combinations that would let test
// data drive live changes.
func validateModePolicy(isDryRun bool, cfg *config.Config) error {
	if !isDryRun && cfg.Cloud == config.CloudScenario {
		return errScenarioLive
	}
	return nil
}

func resolveCloud(ctx context.Context, cfg *config.Config, logger *slog.Logger, isDryRun bool) (*cloudStack, error) {
	if err := validateModePolicy(isDryRun, cfg); err != nil {
		return nil, err
	}

	cloud := cfg.Cloud
	if cloud == config.CloudAuto {
		detected := cloudapi.DetectCloud(ctx)
		logger.Info("detected cloud", "cloud", detected)
		switch detected {
		case cloudapi.CloudTypeGCP:
			cloud = config.CloudGCP
		default:
			cloud = config.CloudAWS
		}
	}

	switch cloud {
	case config.CloudScenario:
		prices, err := cloudapi.LoadScenarioPriceProvider(cfg.Scenario.Path)
		if err != nil {
			return nil, fmt.Errorf("load price scenario: %w", err)
		}
		logger.Info("using offline price scenario", "path", cfg.Scenario.Path)
		return &cloudStack{name: cloud, prices: prices}, nil

	case config.CloudGCP:
		client, err := gcp.NewClient(ctx, cfg.GCP.ProjectID, cfg.GCP.Region, logger)
		if err != nil {
			return nil, fmt.Errorf("initialize gcp provider: %w", err)
		}
		return &cloudStack{
			name:      cloud,
			prices:    client,
			inventory: client,
			closers:   []func() error{client.Close},
		}, nil

	default:
		return resolveAWS(ctx, cfg, logger)
	}
}

func resolveAWS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*cloudStack, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	ec2Client := ec2.NewFromConfig(awsCfg)

	var advisor *awsprovider.SpotAdvisor
	if cfg.AWS.SpotAdvisorPath != "" {
		advisor, err = awsprovider.LoadSpotAdvisor(cfg.AWS.SpotAdvisorPath, cfg.AWS.Region, "Linux")
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("no spot advisor data configured, interruption rates unavailable",
			"degraded_mode", true,
		)
	}

	prices, err := awsprovider.NewPriceClient(ctx, awsprovider.PriceClientConfig{
		Region:  cfg.AWS.Region,
		EC2:     ec2Client,
		Advisor: advisor,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize aws price provider: %w", err)
	}
	client, err := awsprovider.NewClient(ctx, awsprovider.ClientConfig{
		Region:        cfg.AWS.Region,
		InstanceTypes: cfg.AWS.InstanceTypes,
		API:           ec2Client,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize aws inventory: %w", err)
	}

	return &cloudStack{
		name:      config.CloudAWS,
		prices:    prices,
		inventory: client,
		infra:     client,
		account:   client,
		groups:    capacity.NewAWSGroupClient(autoscaling.NewFromConfig(awsCfg), logger),
	}, nil
}

// resolveClassifier builds the configured risk classifier behind a circuit
// breaker. A nil classifier means every candidate gets the fallback
// probability.
func resolveClassifier(cfg *config.Config, logger *slog.Logger) (inference.Classifier, func() error, error) {
	var (
		inner  inference.Classifier
		closer = func() error { return nil }
	)
	switch cfg.Inference.Backend {
	case "onnx":
		c, err := inference.NewONNXClassifier(inference.ONNXConfig{
			ModelPath:    cfg.Inference.ModelPath,
			ManifestPath: cfg.Inference.ManifestPath,
			InputName:    cfg.Inference.InputName,
			OutputName:   cfg.Inference.OutputName,
			Logger:       logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("initialize onnx classifier: %w", err)
		}
		inner, closer = c, c.Close
	case "equation":
		c, err := inference.LoadEquationClassifier(cfg.Inference.EquationPath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize equation classifier: %w", err)
		}
		inner = c
	default:
		logger.Warn("no risk classifier configured, using fallback probability",
			"fallback_probability", cfg.Pipeline.FallbackProbability,
			"degraded_mode", true,
		)
		return nil, closer, nil
	}

	breaker := inference.NewBreakerClassifier(inner, inference.BreakerConfig{
		FailureThreshold: cfg.Inference.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Inference.Breaker.SuccessThreshold,
		OpenTimeout:      cfg.Inference.Breaker.OpenTimeout(),
		Logger:           logger,
	})
	return breaker, closer, nil
}

// resolveRiskStore returns the pool-risk store. The ConfigMap store needs a
// Kubernetes client.
func resolveRiskStore(cfg *config.Config, client kubernetes.Interface) (riskmanager.Store, error) {
	switch cfg.Risk.Store {
	case config.StoreConfigMap:
		if client == nil {
			return nil, fmt.Errorf("risk.store %q needs a kubernetes client", config.StoreConfigMap)
		}
		return riskmanager.NewConfigMapStore(client, cfg.Risk.ConfigMapNamespace, cfg.Risk.ConfigMapName), nil
	default:
		return riskmanager.NewMemoryStore(), nil
	}
}

func newRiskManager(cfg *config.Config, store riskmanager.Store, resolver riskmanager.PoolResolver, logger *slog.Logger) *riskmanager.Manager {
	return riskmanager.New(riskmanager.Config{
		Store:               store,
		Resolver:            resolver,
		Cooldown:            cfg.Risk.Cooldown(),
		ProductionTagKeys:   cfg.Risk.ProductionTagKeys,
		ProductionTagValues: cfg.Risk.ProductionTagValues,
		Logger:              logger,
	})
}

// kubeClient uses the in-cluster config, then $KUBECONFIG or ~/.kube/config.
func kubeClient() (kubernetes.Interface, error) {
	k8sConfig, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			kubeconfig = os.Getenv("HOME") + "/.kube/config"
		}
		k8sConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
		}
	}
	client, err := kubernetes.NewForConfig(k8sConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return client, nil
}
