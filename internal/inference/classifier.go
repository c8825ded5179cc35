// Package inference provides the interruption-risk classifier consumed by the
// risk scoring stage: feature rows, an ONNX backend, a symbolic-equation
// backend and a circuit breaker that marks the classifier unavailable.
package inference

import (
	"context"
	"errors"
)

var (
	// ErrModelNotLoaded is returned when a backend has no model to run.
	ErrModelNotLoaded = errors.New("inference: model not loaded")

	// ErrBreakerOpen is returned while the circuit breaker rejects calls.
	ErrBreakerOpen = errors.New("inference: classifier circuit breaker is open")
)

// Classifier predicts an interruption probability per feature row.
//
// Implementations return probabilities keyed by FeatureRow.Key. A row may be
// missing from the result when the model declines to score it; callers treat
// missing rows as unscored.
type Classifier interface {
	Predict(ctx context.Context, rows []FeatureRow) (map[string]float64, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, rows []FeatureRow) (map[string]float64, error)

// Predict calls f.
func (f ClassifierFunc) Predict(ctx context.Context, rows []FeatureRow) (map[string]float64, error) {
	return f(ctx, rows)
}
