package inference

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/softcane/spot-vortex-governor/internal/metrics"
)

// ONNXSession defines the interface for an ONNX runtime session.
type ONNXSession interface {
	Run(inputs []ort.ArbitraryTensor, outputs []ort.ArbitraryTensor) error
	Destroy() error
}

// ONNXConfig configures the ONNX classifier.
type ONNXConfig struct {
	ModelPath string

	// ManifestPath optionally points at a model manifest; when set the model
	// checksum is verified and the manifest's feature order and family scope apply.
	ManifestPath string

	InputName  string
	OutputName string

	Logger *slog.Logger

	// Session allows injecting a mock session for testing.
	Session ONNXSession
}

// ONNXClassifier scores feature rows with an ONNX binary classifier that takes
// a [batch, features] float32 input and returns [batch, 1] probabilities.
type ONNXClassifier struct {
	mu       sync.RWMutex
	session  ONNXSession
	manifest *ModelManifest
	order    []string
	logger   *slog.Logger
}

var _ Classifier = (*ONNXClassifier)(nil)

// NewONNXClassifier loads the model and returns a ready classifier.
func NewONNXClassifier(cfg ONNXConfig) (*ONNXClassifier, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &ONNXClassifier{
		session: cfg.Session,
		order:   FeatureNames,
		logger:  logger,
	}

	if cfg.ManifestPath != "" {
		m, err := LoadModelManifest(cfg.ManifestPath)
		if err != nil {
			return nil, err
		}
		if cfg.Session == nil {
			if err := m.VerifyArtifacts(cfg.ModelPath); err != nil {
				return nil, err
			}
		}
		c.manifest = m
		if len(m.Features) > 0 {
			c.order = m.Features
		}
	}

	// If a session was injected (testing), skip ORT initialization and loading
	if cfg.Session != nil {
		return c, nil
	}

	SetSharedLibraryPath()
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	inputName := cfg.InputName
	if inputName == "" {
		inputName = "input"
	}
	outputName := cfg.OutputName
	if outputName == "" {
		outputName = "probability"
	}

	logger.Info("loading ONNX risk model", "path", cfg.ModelPath)
	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, []string{inputName}, []string{outputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	c.session = session
	return c, nil
}

// Predict runs one batched inference over every in-scope row.
func (c *ONNXClassifier) Predict(ctx context.Context, rows []FeatureRow) (map[string]float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.session == nil {
		return nil, ErrModelNotLoaded
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scoped := make([]FeatureRow, 0, len(rows))
	for _, r := range rows {
		if ok, reason := c.manifest.SupportsInstanceType(r.InstanceType); !ok {
			c.logger.Debug("row outside model scope", "candidate", r.Key, "reason", reason)
			continue
		}
		scoped = append(scoped, r)
	}
	out := make(map[string]float64, len(scoped))
	if len(scoped) == 0 {
		return out, nil
	}

	width := len(c.order)
	input := make([]float32, 0, len(scoped)*width)
	for _, r := range scoped {
		input = append(input, r.Vector(c.order)...)
	}

	start := time.Now()
	inputTensor, err := ort.NewTensor(ort.NewShape(int64(len(scoped)), int64(width)), input)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	probs := make([]float32, len(scoped))
	outputTensor, err := ort.NewTensor(ort.NewShape(int64(len(scoped)), 1), probs)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := c.session.Run(
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
	); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	metrics.InferenceLatency.WithLabelValues("onnx").Observe(time.Since(start).Seconds())

	data := outputTensor.GetData()
	for i, r := range scoped {
		out[r.Key] = clamp01(float64(data[i]))
	}
	return out, nil
}

// Close releases the session and the ONNX runtime environment.
func (c *ONNXClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		if err := c.session.Destroy(); err != nil {
			return err
		}
		c.session = nil
	}
	if ort.IsInitialized() {
		return ort.DestroyEnvironment()
	}
	return nil
}

// SetSharedLibraryPath points onnxruntime_go at the first shared library found
// from the environment overrides or well-known install locations.
func SetSharedLibraryPath() {
	var paths []string
	for _, env := range []string{"ORT_SHARED_LIBRARY_PATH", "SPOTVORTEX_ONNXRUNTIME_PATH"} {
		if v := os.Getenv(env); v != "" {
			paths = appendSharedLibraryCandidates(paths, v)
		}
	}
	paths = append(paths,
		"/opt/homebrew/lib/libonnxruntime.dylib",
		"/usr/local/lib/libonnxruntime.dylib",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/libonnxruntime.so",
	)
	seen := map[string]struct{}{}
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			ort.SetSharedLibraryPath(p)
			return
		}
	}
	ort.SetSharedLibraryPath("onnxruntime")
}

// appendSharedLibraryCandidates expands path into library candidates. A file
// is used as-is; a directory contributes every libonnxruntime* file inside it.
func appendSharedLibraryCandidates(paths []string, path string) []string {
	info, err := os.Stat(path)
	if err != nil {
		return append(paths, path)
	}
	if !info.IsDir() {
		return append(paths, path)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return paths
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "libonnxruntime") {
			continue
		}
		paths = append(paths, filepath.Join(path, e.Name()))
	}
	return paths
}
