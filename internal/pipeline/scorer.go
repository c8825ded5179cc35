package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
	"github.com/softcane/spot-vortex-governor/internal/inference"
	"github.com/softcane/spot-vortex-governor/internal/metrics"
)

// DefaultFallbackProbability is the conservative crash probability used when
// the classifier cannot score a candidate.
const DefaultFallbackProbability = 0.5

// RiskScorer writes a crash probability onto every valid candidate. It never
// invalidates candidates.
type RiskScorer struct {
	base
	classifier inference.Classifier
	features   *inference.FeatureBuilder
	fallback   float64
	logger     *slog.Logger
}

// NewRiskScorer builds the stage. A nil classifier runs permanently degraded.
func NewRiskScorer(classifier inference.Classifier, features *inference.FeatureBuilder, fallback float64, logger *slog.Logger) *RiskScorer {
	if logger == nil {
		logger = slog.Default()
	}
	if features == nil {
		features = inference.NewFeatureBuilder(nil, logger)
	}
	if fallback <= 0 || fallback > 1 {
		fallback = DefaultFallbackProbability
	}
	return &RiskScorer{classifier: classifier, features: features, fallback: fallback, logger: logger}
}

// Name implements Stage.
func (s *RiskScorer) Name() string { return StageRiskScorer }

// Process implements Stage.
func (s *RiskScorer) Process(ctx context.Context, dc *candidate.DecisionContext) error {
	valid := dc.ValidCandidates()
	if len(valid) == 0 {
		return nil
	}
	rows := s.features.Build(ctx, valid, dc.StartedAt)

	probs, err := s.predict(ctx, rows)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		reason := "classifier_error"
		switch {
		case errors.Is(err, inference.ErrBreakerOpen):
			reason = "breaker_open"
		case errors.Is(err, inference.ErrModelNotLoaded):
			reason = "classifier_unavailable"
		}
		s.logger.Warn("risk classifier unavailable, using fallback probability",
			"resource", dc.Request.Key(),
			"error", err,
			"fallback_probability", s.fallback,
			"candidates", len(valid),
			"degraded_mode", true,
		)
		metrics.ClassifierDegraded.WithLabelValues(reason).Inc()
		for _, c := range valid {
			c.CrashProbability = s.fallback
		}
		s.observe(valid)
		return nil
	}

	unscored := 0
	for _, c := range valid {
		p, ok := probs[c.ID]
		if !ok || math.IsNaN(p) {
			unscored++
			p = s.fallback
		}
		c.CrashProbability = min(max(p, 0), 1)
	}
	if unscored > 0 {
		s.logger.Warn("classifier left candidates unscored, using fallback probability",
			"resource", dc.Request.Key(),
			"unscored", unscored,
			"fallback_probability", s.fallback,
			"degraded_mode", true,
		)
		metrics.ClassifierDegraded.WithLabelValues("unscored").Add(float64(unscored))
	}
	s.observe(valid)
	return nil
}

func (s *RiskScorer) predict(ctx context.Context, rows []inference.FeatureRow) (map[string]float64, error) {
	if s.classifier == nil {
		return nil, inference.ErrModelNotLoaded
	}
	return s.classifier.Predict(ctx, rows)
}

// observe exports the current placement's probability only, to bound label cardinality.
func (s *RiskScorer) observe(valid []*candidate.Candidate) {
	for _, c := range valid {
		if c.Current {
			metrics.CrashProbability.WithLabelValues(c.ID).Set(c.CrashProbability)
		}
	}
}
