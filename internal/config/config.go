// Package config provides configuration loading for the SpotVortex governor.
// Optional fields receive their defaults in Validate; out-of-range values are
// rejected.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvAuditSecret overrides audit.secretKey so the key can live in a Secret.
const EnvAuditSecret = "SPOTVORTEX_AUDIT_SECRET"

// DefaultGroupTagKey is the tag AWS Auto Scaling puts on every group member.
const DefaultGroupTagKey = "aws:autoscaling:groupName"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config holds all SpotVortex configuration.
type Config struct {
	ClusterID  string           `yaml:"clusterId"`
	Cloud      string           `yaml:"cloud"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Inference  InferenceConfig  `yaml:"inference"`
	Risk       RiskConfig       `yaml:"risk"`
	Controller ControllerConfig `yaml:"controller"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Signals    SignalsConfig    `yaml:"signals"`
	Governance GovernanceConfig `yaml:"governance"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	AWS        AWSConfig        `yaml:"aws"`
	GCP        GCPConfig        `yaml:"gcp"`
	Scenario   ScenarioConfig   `yaml:"scenario"`
	Audit      AuditConfig      `yaml:"audit"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Server     ServerConfig     `yaml:"server"`
}

// Cloud backends.
const (
	CloudAWS      = "aws"
	CloudGCP      = "gcp"
	CloudScenario = "scenario"
	// CloudAuto probes the environment and instance metadata at startup.
	CloudAuto = "auto"
)

// PipelineConfig tunes the decision pipeline stages.
type PipelineConfig struct {
	// Mode is "single" (one instance per request) or "fleet" (pool-wide
	// workload, waste-aware ranking).
	Mode                    string   `yaml:"mode"`
	HistoricalRiskThreshold float64  `yaml:"historicalRiskThreshold"`
	SafetyGate              float64  `yaml:"safetyGate"`
	TopK                    int      `yaml:"topK"`
	RiskPenaltyWeight       float64  `yaml:"riskPenaltyWeight"`
	FallbackProbability     float64  `yaml:"fallbackProbability"`
	PriceWindowHours        int      `yaml:"priceWindowHours"`
	RightsizeFamilies       []string `yaml:"rightsizeFamilies"`
}

// InferenceConfig selects and configures the risk classifier.
type InferenceConfig struct {
	// Backend is "onnx", "equation" or "none". With "none" every candidate
	// is scored with the fallback probability.
	Backend      string        `yaml:"backend"`
	ModelPath    string        `yaml:"modelPath"`
	ManifestPath string        `yaml:"manifestPath"`
	EquationPath string        `yaml:"equationPath"`
	InputName    string        `yaml:"inputName"`
	OutputName   string        `yaml:"outputName"`
	Breaker      BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the classifier circuit breaker.
type BreakerConfig struct {
	FailureThreshold   int `yaml:"failureThreshold"`
	SuccessThreshold   int `yaml:"successThreshold"`
	OpenTimeoutSeconds int `yaml:"openTimeoutSeconds"`
}

// RiskConfig configures the fleet-wide risk manager.
type RiskConfig struct {
	CooldownHours       int      `yaml:"cooldownHours"`
	Store               string   `yaml:"store"`
	ConfigMapNamespace  string   `yaml:"configMapNamespace"`
	ConfigMapName       string   `yaml:"configMapName"`
	ProductionTagKeys   []string `yaml:"productionTagKeys"`
	ProductionTagValues []string `yaml:"productionTagValues"`
	// SweepSchedule is a cron expression for purging expired poison entries.
	SweepSchedule string `yaml:"sweepSchedule"`
}

// Risk store backends.
const (
	StoreMemory    = "memory"
	StoreConfigMap = "configmap"
)

// ControllerConfig configures the reconciliation controller and the node
// optimizer.
type ControllerConfig struct {
	ReconcileIntervalSeconds int               `yaml:"reconcileIntervalSeconds"`
	Workers                  int               `yaml:"workers"`
	NodeSelector             map[string]string `yaml:"nodeSelector"`
	// ClusterFractionLimit caps the share of nodes being replaced at once.
	ClusterFractionLimit    float64 `yaml:"clusterFractionLimit"`
	ScaleOutTimeoutSeconds  int     `yaml:"scaleOutTimeoutSeconds"`
	DrainTimeoutSeconds     int     `yaml:"drainTimeoutSeconds"`
	DrainGracePeriodSeconds int     `yaml:"drainGracePeriodSeconds"`
	LaunchTemplate          string  `yaml:"launchTemplate"`
}

// ClusterConfig configures the capacity-preserving group swap.
type ClusterConfig struct {
	Enabled              bool `yaml:"enabled"`
	HealthTimeoutSeconds int  `yaml:"healthTimeoutSeconds"`
	// GroupTagKeys name the resource tags carrying group membership.
	GroupTagKeys []string `yaml:"groupTagKeys"`
}

// SignalsConfig configures interruption signal polling.
type SignalsConfig struct {
	IMDS                bool `yaml:"imds"`
	NodeTaints          bool `yaml:"nodeTaints"`
	PollIntervalSeconds int  `yaml:"pollIntervalSeconds"`
	TTLSeconds          int  `yaml:"ttlSeconds"`
}

// GovernanceConfig configures the waste scanner and security enforcer.
type GovernanceConfig struct {
	WasteSchedule          string            `yaml:"wasteSchedule"`
	SecuritySchedule       string            `yaml:"securitySchedule"`
	AutoEnforce            bool              `yaml:"autoEnforce"`
	SecurityGraceHours     int               `yaml:"securityGraceHours"`
	OrphanVolumeGraceHours int               `yaml:"orphanVolumeGraceHours"`
	OwnerTags              []string          `yaml:"ownerTags"`
	Scope                  map[string]string `yaml:"scope"`
}

// PrometheusConfig configures the Prometheus client.
type PrometheusConfig struct {
	URL                 string `yaml:"url"`
	TimeoutSeconds      int    `yaml:"timeoutSeconds"`
	StressWindowMinutes int    `yaml:"stressWindowMinutes"`
}

// AWSConfig configures the AWS provider.
type AWSConfig struct {
	Region        string   `yaml:"region"`
	InstanceTypes []string `yaml:"instanceTypes"`
	// SpotAdvisorPath points at a local copy of the Spot Instance Advisor
	// interruption-frequency data.
	SpotAdvisorPath string `yaml:"spotAdvisorPath"`
}

// GCPConfig configures the GCP price provider.
type GCPConfig struct {
	ProjectID string `yaml:"projectId"`
	Region    string `yaml:"region"`
}

// ScenarioConfig points at an offline price scenario.
type ScenarioConfig struct {
	Path string `yaml:"path"`
}

// AuditConfig configures signed decision records.
type AuditConfig struct {
	SecretKey string `yaml:"secretKey"`
	EventSink bool   `yaml:"eventSink"`
	Namespace string `yaml:"namespace"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	ServiceName  string  `yaml:"serviceName"`
	SampleRatio  float64 `yaml:"sampleRatio"`
	Insecure     bool    `yaml:"insecure"`
}

// ServerConfig configures the health and metrics server.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if secret := os.Getenv(EnvAuditSecret); secret != "" {
		cfg.Audit.SecretKey = secret
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.Audit.SecretKey = os.Getenv(EnvAuditSecret)
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate applies defaults to optional fields and rejects out-of-range
// values.
func (c *Config) Validate() error {
	if c.ClusterID == "" {
		c.ClusterID = "default"
	}
	switch c.Cloud {
	case "":
		c.Cloud = CloudAWS
	case CloudAWS, CloudGCP, CloudAuto:
	case CloudScenario:
		if c.Scenario.Path == "" {
			return invalid("scenario.path is required when cloud is %q", CloudScenario)
		}
	default:
		return invalid("cloud must be one of aws, gcp, auto, scenario, got %q", c.Cloud)
	}

	if err := c.Pipeline.validate(); err != nil {
		return err
	}
	if err := c.Inference.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Controller.validate(); err != nil {
		return err
	}
	if c.Cluster.HealthTimeoutSeconds == 0 {
		c.Cluster.HealthTimeoutSeconds = 300
	}
	if c.Cluster.HealthTimeoutSeconds < 0 {
		return invalid("cluster.healthTimeoutSeconds must be positive")
	}
	if len(c.Cluster.GroupTagKeys) == 0 {
		c.Cluster.GroupTagKeys = []string{DefaultGroupTagKey}
	}

	if c.Signals.PollIntervalSeconds == 0 {
		c.Signals.PollIntervalSeconds = 5
	}
	if c.Signals.TTLSeconds == 0 {
		c.Signals.TTLSeconds = 600
	}
	if c.Signals.PollIntervalSeconds < 1 || c.Signals.TTLSeconds < c.Signals.PollIntervalSeconds {
		return invalid("signals.ttlSeconds must be >= signals.pollIntervalSeconds >= 1")
	}

	if err := c.Governance.validate(); err != nil {
		return err
	}

	if c.Prometheus.TimeoutSeconds == 0 {
		c.Prometheus.TimeoutSeconds = 10
	}
	if c.Prometheus.StressWindowMinutes == 0 {
		c.Prometheus.StressWindowMinutes = 60
	}

	if c.AWS.Region == "" {
		c.AWS.Region = "us-east-1"
	}
	if c.Cloud == CloudGCP && (c.GCP.ProjectID == "" || c.GCP.Region == "") {
		return invalid("gcp.projectId and gcp.region are required when cloud is %q", CloudGCP)
	}

	if c.Audit.Namespace == "" {
		c.Audit.Namespace = "default"
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "spotvortex-governor"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return invalid("tracing.sampleRatio must be between 0 and 1")
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	return nil
}

func (p *PipelineConfig) validate() error {
	switch p.Mode {
	case "":
		p.Mode = "single"
	case "single", "fleet":
	default:
		return invalid("pipeline.mode must be single or fleet, got %q", p.Mode)
	}
	if p.HistoricalRiskThreshold == 0 {
		p.HistoricalRiskThreshold = 0.20
	}
	if p.SafetyGate == 0 {
		p.SafetyGate = 0.85
	}
	if p.TopK == 0 {
		p.TopK = 10
	}
	if p.RiskPenaltyWeight == 0 {
		p.RiskPenaltyWeight = 1.0
	}
	if p.FallbackProbability == 0 {
		p.FallbackProbability = 0.5
	}
	if p.PriceWindowHours == 0 {
		p.PriceWindowHours = 168
	}
	if p.HistoricalRiskThreshold < 0 || p.HistoricalRiskThreshold > 1 {
		return invalid("pipeline.historicalRiskThreshold must be between 0 and 1")
	}
	if p.SafetyGate <= 0 || p.SafetyGate > 1 {
		return invalid("pipeline.safetyGate must be between 0 and 1")
	}
	if p.FallbackProbability < 0 || p.FallbackProbability > 1 {
		return invalid("pipeline.fallbackProbability must be between 0 and 1")
	}
	if p.TopK < 1 {
		return invalid("pipeline.topK must be >= 1")
	}
	if p.RiskPenaltyWeight < 0 {
		return invalid("pipeline.riskPenaltyWeight must not be negative")
	}
	if p.PriceWindowHours < 1 {
		return invalid("pipeline.priceWindowHours must be >= 1")
	}
	return nil
}

func (i *InferenceConfig) validate() error {
	switch i.Backend {
	case "":
		i.Backend = "none"
	case "none":
	case "onnx":
		if i.ModelPath == "" {
			return invalid("inference.modelPath is required for the onnx backend")
		}
	case "equation":
		if i.EquationPath == "" {
			return invalid("inference.equationPath is required for the equation backend")
		}
	default:
		return invalid("inference.backend must be onnx, equation or none, got %q", i.Backend)
	}
	if i.Breaker.FailureThreshold == 0 {
		i.Breaker.FailureThreshold = 5
	}
	if i.Breaker.SuccessThreshold == 0 {
		i.Breaker.SuccessThreshold = 1
	}
	if i.Breaker.OpenTimeoutSeconds == 0 {
		i.Breaker.OpenTimeoutSeconds = 60
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.CooldownHours == 0 {
		r.CooldownHours = 360
	}
	if r.CooldownHours < 0 {
		return invalid("risk.cooldownHours must be positive")
	}
	switch r.Store {
	case "":
		r.Store = StoreMemory
	case StoreMemory, StoreConfigMap:
	default:
		return invalid("risk.store must be memory or configmap, got %q", r.Store)
	}
	if r.ConfigMapNamespace == "" {
		r.ConfigMapNamespace = "spotvortex-system"
	}
	if r.ConfigMapName == "" {
		r.ConfigMapName = "spotvortex-pool-risk"
	}
	if r.SweepSchedule == "" {
		r.SweepSchedule = "*/15 * * * *"
	}
	return nil
}

func (c *ControllerConfig) validate() error {
	if c.ReconcileIntervalSeconds == 0 {
		c.ReconcileIntervalSeconds = 60
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.ClusterFractionLimit == 0 {
		c.ClusterFractionLimit = 0.20
	}
	if c.ScaleOutTimeoutSeconds == 0 {
		c.ScaleOutTimeoutSeconds = 300
	}
	if c.DrainTimeoutSeconds == 0 {
		c.DrainTimeoutSeconds = 300
	}
	if c.DrainGracePeriodSeconds == 0 {
		c.DrainGracePeriodSeconds = 30
	}
	if c.ReconcileIntervalSeconds < 10 {
		return invalid("controller.reconcileIntervalSeconds must be >= 10")
	}
	if c.Workers < 1 {
		return invalid("controller.workers must be >= 1")
	}
	if c.ClusterFractionLimit <= 0 || c.ClusterFractionLimit > 1 {
		return invalid("controller.clusterFractionLimit must be between 0 and 1")
	}
	if c.ScaleOutTimeoutSeconds < 0 || c.DrainTimeoutSeconds < 0 || c.DrainGracePeriodSeconds < 0 {
		return invalid("controller timeouts must not be negative")
	}
	return nil
}

func (g *GovernanceConfig) validate() error {
	if g.SecurityGraceHours == 0 {
		g.SecurityGraceHours = 24
	}
	if g.OrphanVolumeGraceHours == 0 {
		g.OrphanVolumeGraceHours = 168
	}
	if g.SecurityGraceHours < 0 || g.OrphanVolumeGraceHours < 0 {
		return invalid("governance grace periods must not be negative")
	}
	return nil
}

// PriceWindow returns the price-history lookback.
func (p *PipelineConfig) PriceWindow() time.Duration {
	return time.Duration(p.PriceWindowHours) * time.Hour
}

// OpenTimeout returns how long the breaker stays open.
func (b *BreakerConfig) OpenTimeout() time.Duration {
	return time.Duration(b.OpenTimeoutSeconds) * time.Second
}

// Cooldown returns the pool poison cooldown.
func (r *RiskConfig) Cooldown() time.Duration {
	return time.Duration(r.CooldownHours) * time.Hour
}

// ReconcileInterval returns the reconcile interval as a duration.
func (c *ControllerConfig) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

// ScaleOutTimeout returns how long to wait for a replacement to become ready.
func (c *ControllerConfig) ScaleOutTimeout() time.Duration {
	return time.Duration(c.ScaleOutTimeoutSeconds) * time.Second
}

// DrainTimeout returns the drain deadline.
func (c *ControllerConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// DrainGracePeriod returns the pod termination grace period used on eviction.
func (c *ControllerConfig) DrainGracePeriod() time.Duration {
	return time.Duration(c.DrainGracePeriodSeconds) * time.Second
}

// HealthTimeout returns how long a swapped-in instance has to become healthy.
func (c *ClusterConfig) HealthTimeout() time.Duration {
	return time.Duration(c.HealthTimeoutSeconds) * time.Second
}

// PollInterval returns the signal poll interval.
func (s *SignalsConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// TTL returns how long a polled signal stays in the cache.
func (s *SignalsConfig) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

// SecurityGrace returns the owner-tag grace period.
func (g *GovernanceConfig) SecurityGrace() time.Duration {
	return time.Duration(g.SecurityGraceHours) * time.Hour
}

// OrphanVolumeGrace returns the minimum age of an unattached volume before it
// counts as waste.
func (g *GovernanceConfig) OrphanVolumeGrace() time.Duration {
	return time.Duration(g.OrphanVolumeGraceHours) * time.Hour
}

// Timeout returns the Prometheus timeout as a duration.
func (c *PrometheusConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// StressWindow returns the lookback for family interruption counts.
func (c *PrometheusConfig) StressWindow() time.Duration {
	return time.Duration(c.StressWindowMinutes) * time.Minute
}
