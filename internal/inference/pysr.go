package inference

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/Knetic/govaluate"

	"github.com/softcane/spot-vortex-governor/internal/metrics"
)

// EquationClassifier scores rows with a closed-form symbolic regression
// equation over the named features (for example an exported PySR model).
// The result is clamped to [0,1].
type EquationClassifier struct {
	expression *govaluate.EvaluableExpression
	vars       []string
	logger     *slog.Logger
}

var _ Classifier = (*EquationClassifier)(nil)

// LoadEquationClassifier reads an equation from path.
func LoadEquationClassifier(path string, logger *slog.Logger) (*EquationClassifier, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read equation: %w", err)
	}
	return NewEquationClassifier(string(payload), logger)
}

// NewEquationClassifier parses expr. Every variable in expr must be a known feature name.
func NewEquationClassifier(expr string, logger *slog.Logger) (*EquationClassifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("equation is empty")
	}

	evaluable, err := govaluate.NewEvaluableExpressionWithFunctions(expr, equationFunctions)
	if err != nil {
		return nil, fmt.Errorf("parse equation: %w", err)
	}

	known := make(map[string]struct{}, len(FeatureNames))
	for _, n := range FeatureNames {
		known[n] = struct{}{}
	}
	for _, v := range evaluable.Vars() {
		if _, ok := known[v]; !ok {
			return nil, fmt.Errorf("equation references unknown feature %q", v)
		}
	}

	return &EquationClassifier{
		expression: evaluable,
		vars:       evaluable.Vars(),
		logger:     logger,
	}, nil
}

// Predict evaluates the equation for every row. A row that fails to evaluate
// is left out of the result rather than failing the batch.
func (e *EquationClassifier) Predict(ctx context.Context, rows []FeatureRow) (map[string]float64, error) {
	start := time.Now()
	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := e.evaluate(r.Values)
		if err != nil {
			e.logger.Warn("equation evaluation failed", "candidate", r.Key, "error", err)
			continue
		}
		out[r.Key] = v
	}
	metrics.InferenceLatency.WithLabelValues("equation").Observe(time.Since(start).Seconds())
	return out, nil
}

func (e *EquationClassifier) evaluate(features map[string]float64) (float64, error) {
	params := make(map[string]interface{}, len(e.vars))
	for _, key := range e.vars {
		value, ok := features[key]
		if !ok {
			return 0, fmt.Errorf("missing variable %q", key)
		}
		params[key] = value
	}

	result, err := e.expression.Evaluate(params)
	if err != nil {
		return 0, err
	}
	value, err := toFloatAny(result)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("equation produced %v", value)
	}
	return clamp01(value), nil
}

var equationFunctions = map[string]govaluate.ExpressionFunction{
	"sqrt": unary(func(v float64) float64 {
		if v < 0 {
			v = 0
		}
		return math.Sqrt(v)
	}),
	"square": unary(func(v float64) float64 { return v * v }),
	"exp":    unary(math.Exp),
	"log": unary(func(v float64) float64 {
		if v <= 0 {
			v = 1e-6
		}
		return math.Log(v)
	}),
	"sigmoid": unary(func(v float64) float64 { return 1 / (1 + math.Exp(-v)) }),
	"sin":     unary(func(v float64) float64 { return math.Sin(clampRange(v, -20, 20)) }),
	"cos":     unary(func(v float64) float64 { return math.Cos(clampRange(v, -20, 20)) }),
	"tanh":    unary(math.Tanh),
}

func unary(fn func(float64) float64) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
		}
		v, err := toFloatAny(args[0])
		if err != nil {
			return nil, err
		}
		return fn(v), nil
	}
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func toFloatAny(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", value)
	}
}
