package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// MockAPI implements v1.API for testing
type MockAPI struct {
	v1.API
	QueryResult model.Value
	QueryErr    error
	Warnings    v1.Warnings
	LastQuery   string
}

func (m *MockAPI) Query(ctx context.Context, query string, ts time.Time, opts ...v1.Option) (model.Value, v1.Warnings, error) {
	m.LastQuery = query
	return m.QueryResult, m.Warnings, m.QueryErr
}

type QueryFunc func(query string) (model.Value, error)

type SmartMockAPI struct {
	v1.API
	QueryFn QueryFunc
}

func (m *SmartMockAPI) Query(ctx context.Context, query string, ts time.Time, opts ...v1.Option) (model.Value, v1.Warnings, error) {
	val, err := m.QueryFn(query)
	return val, nil, err
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ClientConfig
		wantErr bool
	}{
		{"valid config", ClientConfig{PrometheusURL: "http://localhost:9090", Logger: slog.Default()}, false},
		{"missing url and api", ClientConfig{}, true},
		{"provided api", ClientConfig{API: &MockAPI{}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewClient() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrNoPrometheus) {
				t.Errorf("expected ErrNoPrometheus, got %v", err)
			}
		})
	}
}

func TestFamilyInterruptions(t *testing.T) {
	tests := []struct {
		name    string
		mockVal model.Value
		mockErr error
		want    float64
		wantErr bool
	}{
		{"vector result", model.Vector{{Value: 4}}, nil, 4, false},
		{"no series", model.Vector{}, nil, 0, false},
		{"query error", nil, fmt.Errorf("prom down"), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockAPI{QueryResult: tt.mockVal, QueryErr: tt.mockErr}
			client, _ := NewClient(ClientConfig{API: mock, StressWindow: 30 * time.Minute})

			got, err := client.FamilyInterruptions(context.Background(), "m5")
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
			if !strings.Contains(mock.LastQuery, `family="m5"`) || !strings.Contains(mock.LastQuery, "[30m]") {
				t.Errorf("unexpected query %q", mock.LastQuery)
			}
		})
	}
}

func TestGetClusterUtilization(t *testing.T) {
	tests := []struct {
		name    string
		mockVal model.Value
		mockErr error
		want    float64
		wantErr bool
	}{
		{name: "vector result", mockVal: model.Vector{{Value: 45.0}}, want: 0.45},
		{name: "scalar result", mockVal: &model.Scalar{Value: 60.0}, want: 0.60},
		{name: "query error", mockErr: fmt.Errorf("prom error"), wantErr: true},
		{name: "empty result", mockVal: model.Vector{}, want: 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &Client{api: &MockAPI{QueryResult: tt.mockVal, QueryErr: tt.mockErr}, logger: slog.Default()}

			got, err := client.GetClusterUtilization(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("GetClusterUtilization() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("GetClusterUtilization() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetPoolUtilization(t *testing.T) {
	mockAPI := &MockAPI{
		QueryResult: model.Vector{
			{
				Metric: model.Metric{
					"node_kubernetes_io_instance_type": "m5.large",
					"topology_kubernetes_io_zone":      "us-east-1a",
				},
				Value: 75.0,
			},
			{Metric: model.Metric{}, Value: 10.0},
		},
		Warnings: v1.Warnings{"partial data"},
	}
	client := &Client{api: mockAPI, logger: slog.Default()}

	utils, err := client.GetPoolUtilization(context.Background())
	if err != nil {
		t.Fatalf("GetPoolUtilization failed: %v", err)
	}
	if val := utils["m5.large:us-east-1a"]; val != 0.75 {
		t.Errorf("expected 0.75, got %f", val)
	}
	if val := utils["unknown:unknown"]; val != 0.10 {
		t.Errorf("expected unlabelled series under unknown:unknown, got %v", utils)
	}
}

func TestGetPoolUtilization_FallsBackToCluster(t *testing.T) {
	mockAPI := &SmartMockAPI{
		QueryFn: func(query string) (model.Value, error) {
			if strings.Contains(query, "node_kubernetes_io_instance_type") {
				return nil, fmt.Errorf("missing relabeling")
			}
			return model.Vector{{Value: 30}}, nil
		},
	}
	client := &Client{api: mockAPI, logger: slog.Default()}

	utils, err := client.GetPoolUtilization(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if utils["default"] != 0.30 {
		t.Errorf("expected cluster fallback 0.30, got %v", utils)
	}
}
