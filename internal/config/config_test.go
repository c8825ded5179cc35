package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestValidate_AppliesDefaults(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty config should validate: %v", err)
	}

	if cfg.Cloud != CloudAWS || cfg.AWS.Region != "us-east-1" {
		t.Errorf("expected aws/us-east-1 defaults, got %s/%s", cfg.Cloud, cfg.AWS.Region)
	}
	if cfg.Pipeline.Mode != "single" || cfg.Pipeline.TopK != 10 {
		t.Errorf("unexpected pipeline defaults %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.HistoricalRiskThreshold != 0.20 || cfg.Pipeline.SafetyGate != 0.85 {
		t.Errorf("unexpected thresholds %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.FallbackProbability != 0.5 || cfg.Pipeline.RiskPenaltyWeight != 1.0 {
		t.Errorf("unexpected scoring defaults %+v", cfg.Pipeline)
	}
	if got := cfg.Risk.Cooldown(); got != 15*24*time.Hour {
		t.Errorf("poison cooldown = %v, want 15 days", got)
	}
	if got := cfg.Controller.ScaleOutTimeout(); got != 5*time.Minute {
		t.Errorf("scale-out timeout = %v", got)
	}
	if got := cfg.Governance.SecurityGrace(); got != 24*time.Hour {
		t.Errorf("security grace = %v", got)
	}
	if got := cfg.Governance.OrphanVolumeGrace(); got != 7*24*time.Hour {
		t.Errorf("orphan volume grace = %v", got)
	}
	if len(cfg.Cluster.GroupTagKeys) != 1 || cfg.Cluster.GroupTagKeys[0] != DefaultGroupTagKey {
		t.Errorf("group tag keys = %v", cfg.Cluster.GroupTagKeys)
	}
	if cfg.Inference.Backend != "none" || cfg.Risk.Store != StoreMemory {
		t.Errorf("unexpected backends %s/%s", cfg.Inference.Backend, cfg.Risk.Store)
	}
	if cfg.Server.Address != ":8080" {
		t.Errorf("server address = %q", cfg.Server.Address)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown cloud", func(c *Config) { c.Cloud = "azure" }},
		{"scenario without path", func(c *Config) { c.Cloud = CloudScenario }},
		{"gcp without project", func(c *Config) { c.Cloud = CloudGCP }},
		{"bad mode", func(c *Config) { c.Pipeline.Mode = "cluster" }},
		{"safety gate above one", func(c *Config) { c.Pipeline.SafetyGate = 1.5 }},
		{"negative history threshold", func(c *Config) { c.Pipeline.HistoricalRiskThreshold = -0.1 }},
		{"negative top k", func(c *Config) { c.Pipeline.TopK = -1 }},
		{"onnx without model", func(c *Config) { c.Inference.Backend = "onnx" }},
		{"equation without file", func(c *Config) { c.Inference.Backend = "equation" }},
		{"unknown store", func(c *Config) { c.Risk.Store = "redis" }},
		{"fast reconcile", func(c *Config) { c.Controller.ReconcileIntervalSeconds = 5 }},
		{"fraction above one", func(c *Config) { c.Controller.ClusterFractionLimit = 2 }},
		{"ttl below interval", func(c *Config) { c.Signals.PollIntervalSeconds = 30; c.Signals.TTLSeconds = 10 }},
		{"sample ratio", func(c *Config) { c.Tracing.SampleRatio = 3 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Setenv(EnvAuditSecret, "from-env")
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")

	content := `
clusterId: prod-east
cloud: aws
pipeline:
  mode: fleet
  safetyGate: 0.7
  rightsizeFamilies: [m5, c5]
inference:
  backend: equation
  equationPath: models/risk.json
risk:
  store: configmap
  productionTagKeys: [env]
  productionTagValues: [production]
controller:
  reconcileIntervalSeconds: 30
  nodeSelector:
    spotvortex.io/managed: "true"
governance:
  wasteSchedule: "0 */6 * * *"
  autoEnforce: true
  scope:
    team: payments
audit:
  secretKey: from-file
`
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClusterID != "prod-east" || cfg.Pipeline.Mode != "fleet" || cfg.Pipeline.SafetyGate != 0.7 {
		t.Errorf("unexpected values %+v", cfg.Pipeline)
	}
	if len(cfg.Pipeline.RightsizeFamilies) != 2 || cfg.Governance.Scope["team"] != "payments" {
		t.Errorf("lists and maps not decoded: %+v", cfg)
	}
	if cfg.Controller.ReconcileInterval() != 30*time.Second || cfg.Controller.NodeSelector["spotvortex.io/managed"] != "true" {
		t.Errorf("unexpected controller %+v", cfg.Controller)
	}
	if cfg.Risk.ConfigMapName != "spotvortex-pool-risk" {
		t.Errorf("configmap default not applied: %q", cfg.Risk.ConfigMapName)
	}
	if cfg.Audit.SecretKey != "from-env" {
		t.Errorf("environment should override the audit secret, got %q", cfg.Audit.SecretKey)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
	if _, err := Parse([]byte("pipeline: [")); err == nil {
		t.Error("malformed yaml should fail")
	}
	if _, err := Parse([]byte("pipeline:\n  topK: -3\n")); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Signals.PollInterval() != 5*time.Second || cfg.Signals.TTL() != 10*time.Minute {
		t.Errorf("signal defaults %+v", cfg.Signals)
	}
	if cfg.Pipeline.PriceWindow() != 7*24*time.Hour {
		t.Errorf("price window = %v", cfg.Pipeline.PriceWindow())
	}
}
