package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// DefaultStressWindow is how far back FamilyInterruptions counts.
const DefaultStressWindow = time.Hour

// ErrNoPrometheus is returned when neither a URL nor an API is configured.
var ErrNoPrometheus = errors.New("metrics: prometheus url is required")

// Client queries Prometheus for pool utilization and fleet-wide
// interruption pressure. It reads back the signals_total series this
// process and its peers export, so every agent sees the whole fleet.
type Client struct {
	api     v1.API
	window  time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// ClientConfig holds configuration for the metrics client.
type ClientConfig struct {
	PrometheusURL string
	// StressWindow defaults to DefaultStressWindow.
	StressWindow time.Duration
	// Timeout bounds each query on the server side. Zero means no limit.
	Timeout time.Duration
	Logger  *slog.Logger
	// API overrides the client built from PrometheusURL.
	API v1.API
}

// NewClient creates a Prometheus client.
func NewClient(cfg ClientConfig) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	window := cfg.StressWindow
	if window <= 0 {
		window = DefaultStressWindow
	}

	v1api := cfg.API
	if v1api == nil {
		if cfg.PrometheusURL == "" {
			return nil, ErrNoPrometheus
		}
		client, err := api.NewClient(api.Config{Address: cfg.PrometheusURL})
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus client: %w", err)
		}
		v1api = v1.NewAPI(client)
	}

	return &Client{api: v1api, window: window, timeout: cfg.Timeout, logger: logger}, nil
}

// FamilyInterruptions returns how many termination notices were observed
// for an instance family across the fleet within the stress window.
func (c *Client) FamilyInterruptions(ctx context.Context, family string) (float64, error) {
	query := fmt.Sprintf(`sum(increase(spotvortex_signals_total{type="TERMINATION_NOTICE",family=%q}[%s]))`,
		family, model.Duration(c.window))

	result, err := c.query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("query family interruptions: %w", err)
	}
	v, ok := scalarValue(result)
	if !ok {
		return 0, nil
	}
	return v, nil
}

// GetClusterUtilization returns the average cluster-wide CPU utilization
// (0.0 to 1.0), or 0.5 when Prometheus has no data.
func (c *Client) GetClusterUtilization(ctx context.Context) (float64, error) {
	query := `avg(100 - (avg by (node) (rate(node_cpu_seconds_total{mode="idle"}[5m])) * 100))`

	result, err := c.query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to query cluster utilization: %w", err)
	}
	if v, ok := scalarValue(result); ok {
		return v / 100.0, nil
	}

	c.logger.Debug("no cluster utilization data available")
	return 0.5, nil
}

// GetPoolUtilization returns average CPU utilization keyed by
// "instanceType:zone" (0.0 to 1.0). When the pool query fails, the
// cluster-wide value is returned under the key "default".
func (c *Client) GetPoolUtilization(ctx context.Context) (map[string]float64, error) {
	query := `avg by (node_kubernetes_io_instance_type, topology_kubernetes_io_zone) (
		100 - (avg by (node, node_kubernetes_io_instance_type, topology_kubernetes_io_zone)
			(rate(node_cpu_seconds_total{mode="idle"}[5m])) * 100)
	)`

	result, err := c.query(ctx, query)
	if err != nil {
		c.logger.Debug("pool-level utilization query failed, falling back to cluster-wide", "error", err)
		clusterUtil, clusterErr := c.GetClusterUtilization(ctx)
		if clusterErr != nil {
			return nil, clusterErr
		}
		return map[string]float64{"default": clusterUtil}, nil
	}

	poolUtils := make(map[string]float64)
	vector, ok := result.(model.Vector)
	if !ok {
		c.logger.Debug("unexpected prometheus result type for pool utilization", "type", result.Type())
		return poolUtils, nil
	}
	for _, sample := range vector {
		instanceType := labelOr(sample.Metric, "node_kubernetes_io_instance_type", "unknown")
		zone := labelOr(sample.Metric, "topology_kubernetes_io_zone", "unknown")
		poolUtils[instanceType+":"+zone] = float64(sample.Value) / 100.0
	}
	return poolUtils, nil
}

func (c *Client) query(ctx context.Context, q string) (model.Value, error) {
	var opts []v1.Option
	if c.timeout > 0 {
		opts = append(opts, v1.WithTimeout(c.timeout))
	}
	result, warnings, err := c.api.Query(ctx, q, time.Now(), opts...)
	if err != nil {
		return nil, err
	}
	if len(warnings) > 0 {
		c.logger.Warn("prometheus query warnings", "warnings", strings.Join(warnings, "; "))
	}
	return result, nil
}

func scalarValue(v model.Value) (float64, bool) {
	switch r := v.(type) {
	case model.Vector:
		if len(r) > 0 {
			return float64(r[0].Value), true
		}
	case *model.Scalar:
		return float64(r.Value), true
	}
	return 0, false
}

func labelOr(m model.Metric, name model.LabelName, def string) string {
	if v := string(m[name]); v != "" {
		return v
	}
	return def
}
