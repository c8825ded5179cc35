package inference

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
)

// MockSession implements ONNXSession for testing. It writes Probabilities
// into the output tensor in row order.
type MockSession struct {
	Probabilities []float32
	Err           error
	Inputs        [][]float32
}

func (m *MockSession) Run(inputs []ort.ArbitraryTensor, outputs []ort.ArbitraryTensor) error {
	if m.Err != nil {
		return m.Err
	}
	if in, ok := inputs[0].(*ort.Tensor[float32]); ok {
		m.Inputs = append(m.Inputs, append([]float32(nil), in.GetData()...))
	}
	t, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return errors.New("unexpected output tensor type")
	}
	data := t.GetData()
	for i := range data {
		if i < len(m.Probabilities) {
			data[i] = m.Probabilities[i]
		}
	}
	return nil
}

func (m *MockSession) Destroy() error {
	return nil
}

func requireORT(t *testing.T) {
	t.Helper()
	SetSharedLibraryPath()
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			t.Skipf("onnxruntime shared library unavailable: %v", err)
		}
	}
}

func rows(keys ...string) []FeatureRow {
	out := make([]FeatureRow, 0, len(keys))
	for _, k := range keys {
		pool, _ := candidate.ParsePoolKey(k)
		out = append(out, FeatureRow{
			Key:          k,
			InstanceType: pool.InstanceType,
			Values:       map[string]float64{FeaturePricePosition: 0.5, FeatureDiscountDepth: 0.6},
		})
	}
	return out
}

func TestONNXClassifier_Mocked(t *testing.T) {
	requireORT(t)

	session := &MockSession{Probabilities: []float32{0.28, 0.91}}
	c, err := NewONNXClassifier(ONNXConfig{Session: session})
	if err != nil {
		t.Fatalf("failed to create classifier: %v", err)
	}

	got, err := c.Predict(context.Background(), rows("m5.large:us-east-1a", "c5.large:us-east-1b"))
	if err != nil {
		t.Fatalf("prediction failed: %v", err)
	}
	if math.Abs(got["m5.large:us-east-1a"]-0.28) > 1e-6 {
		t.Errorf("expected 0.28, got %v", got["m5.large:us-east-1a"])
	}
	if math.Abs(got["c5.large:us-east-1b"]-0.91) > 1e-6 {
		t.Errorf("expected 0.91, got %v", got["c5.large:us-east-1b"])
	}
	if len(session.Inputs) != 1 || len(session.Inputs[0]) != 2*len(FeatureNames) {
		t.Fatalf("expected one batched input of %d values, got %#v", 2*len(FeatureNames), session.Inputs)
	}
	if session.Inputs[0][0] != 0.5 || session.Inputs[0][1] != 0.6 {
		t.Errorf("feature order not respected: %v", session.Inputs[0][:2])
	}
}

func TestONNXClassifier_ModelScope(t *testing.T) {
	requireORT(t)

	dir := t.TempDir()
	manifest := filepath.Join(dir, "MODEL_MANIFEST.json")
	if err := os.WriteFile(manifest, []byte(`{"supported_instance_families":["m5"],"artifacts":{"risk.onnx":{"sha256":"00"}}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	session := &MockSession{Probabilities: []float32{0.4}}
	c, err := NewONNXClassifier(ONNXConfig{Session: session, ManifestPath: manifest})
	if err != nil {
		t.Fatalf("failed to create classifier: %v", err)
	}

	got, err := c.Predict(context.Background(), rows("m5.large:us-east-1a", "c5.large:us-east-1b"))
	if err != nil {
		t.Fatalf("prediction failed: %v", err)
	}
	if _, ok := got["c5.large:us-east-1b"]; ok {
		t.Error("out-of-scope family must be left unscored")
	}
	if _, ok := got["m5.large:us-east-1a"]; !ok {
		t.Error("in-scope family must be scored")
	}
}

func TestONNXClassifier_ModelNotLoaded(t *testing.T) {
	c := &ONNXClassifier{order: FeatureNames}
	_, err := c.Predict(context.Background(), rows("m5.large:us-east-1a"))
	if !errors.Is(err, ErrModelNotLoaded) {
		t.Errorf("expected ErrModelNotLoaded, got %v", err)
	}
}

func TestEquationClassifier(t *testing.T) {
	c, err := NewEquationClassifier("sigmoid(4 * price_position - 3 * discount_depth)", nil)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	got, err := c.Predict(context.Background(), rows("m5.large:us-east-1a"))
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}
	want := 1 / (1 + math.Exp(-(4*0.5 - 3*0.6)))
	if math.Abs(got["m5.large:us-east-1a"]-want) > 1e-9 {
		t.Errorf("got %v, want %v", got["m5.large:us-east-1a"], want)
	}
}

func TestEquationClassifier_Clamped(t *testing.T) {
	c, err := NewEquationClassifier("price_position * 10", nil)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := c.Predict(context.Background(), rows("m5.large:us-east-1a"))
	if got["m5.large:us-east-1a"] != 1 {
		t.Errorf("expected clamp to 1, got %v", got["m5.large:us-east-1a"])
	}
}

func TestEquationClassifier_UnknownFeature(t *testing.T) {
	if _, err := NewEquationClassifier("cpu_usage * 2", nil); err == nil {
		t.Error("expected unknown feature to be rejected")
	}
}

func TestBreakerClassifier(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fail := true
	inner := ClassifierFunc(func(ctx context.Context, rows []FeatureRow) (map[string]float64, error) {
		if fail {
			return nil, errors.New("model server down")
		}
		return map[string]float64{"x": 0.1}, nil
	})
	b := NewBreakerClassifier(inner, BreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		OpenTimeout:      time.Minute,
		Now:              func() time.Time { return now },
	})

	for i := 0; i < 2; i++ {
		if _, err := b.Predict(context.Background(), nil); err == nil {
			t.Fatal("expected failure")
		}
	}
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
	if _, err := b.Predict(context.Background(), nil); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	fail = false
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %s, want half-open", b.State())
	}
	if _, err := b.Predict(context.Background(), nil); err != nil {
		t.Fatalf("half-open probe failed: %v", err)
	}
	if b.State() != BreakerClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
}

func TestBreakerClassifier_HalfOpenAdmitsOneCall(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var fail atomic.Bool
	fail.Store(true)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	inner := ClassifierFunc(func(ctx context.Context, rows []FeatureRow) (map[string]float64, error) {
		if fail.Load() {
			return nil, errors.New("model server down")
		}
		entered <- struct{}{}
		<-release
		return map[string]float64{"x": 0.1}, nil
	})
	b := NewBreakerClassifier(inner, BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		OpenTimeout:      time.Minute,
		Now:              func() time.Time { return now },
	})

	if _, err := b.Predict(context.Background(), nil); err == nil {
		t.Fatal("expected failure")
	}
	now = now.Add(2 * time.Minute)
	fail.Store(false)

	probeErr := make(chan error, 1)
	go func() {
		_, err := b.Predict(context.Background(), nil)
		probeErr <- err
	}()
	<-entered

	if _, err := b.Predict(context.Background(), nil); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("second half-open call should be rejected, got %v", err)
	}

	close(release)
	if err := <-probeErr; err != nil {
		t.Fatalf("half-open call failed: %v", err)
	}
	if b.State() != BreakerClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
}
