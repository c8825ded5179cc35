package inference

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a BreakerClassifier.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// BreakerClassifier wraps a Classifier and stops calling it after repeated
// failures. While open every call returns ErrBreakerOpen immediately. While
// half-open a single call at a time reaches the model; concurrent callers
// get ErrBreakerOpen.
type BreakerClassifier struct {
	inner Classifier
	cfg   BreakerConfig

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	probing   bool
}

var _ Classifier = (*BreakerClassifier)(nil)

// NewBreakerClassifier wraps inner. Zero config values get defaults of
// 3 failures, 2 successes and a 60s open timeout.
func NewBreakerClassifier(inner Classifier, cfg BreakerConfig) *BreakerClassifier {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &BreakerClassifier{inner: inner, cfg: cfg}
}

// State returns the current state, moving open to half-open once the timeout elapsed.
func (b *BreakerClassifier) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

func (b *BreakerClassifier) advance() {
	if b.state == BreakerOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
}

// Predict forwards to the wrapped classifier unless the breaker is open.
func (b *BreakerClassifier) Predict(ctx context.Context, rows []FeatureRow) (map[string]float64, error) {
	b.mu.Lock()
	b.advance()
	if b.state == BreakerOpen || (b.state == BreakerHalfOpen && b.probing) {
		b.mu.Unlock()
		return nil, ErrBreakerOpen
	}
	probe := b.state == BreakerHalfOpen
	if probe {
		b.probing = true
	}
	b.mu.Unlock()

	out, err := b.inner.Predict(ctx, rows)

	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probing = false
	}
	if err != nil {
		b.onFailure(err)
		return nil, fmt.Errorf("classifier predict: %w", err)
	}
	b.onSuccess()
	return out, nil
}

func (b *BreakerClassifier) onFailure(err error) {
	b.successes = 0
	switch b.state {
	case BreakerHalfOpen:
		b.trip(err)
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip(err)
		}
	}
}

func (b *BreakerClassifier) onSuccess() {
	b.failures = 0
	if b.state != BreakerHalfOpen {
		return
	}
	b.successes++
	if b.successes >= b.cfg.SuccessThreshold {
		b.state = BreakerClosed
		b.successes = 0
		b.cfg.Logger.Info("classifier circuit breaker closed")
	}
}

func (b *BreakerClassifier) trip(err error) {
	b.state = BreakerOpen
	b.openedAt = b.cfg.Now()
	b.failures = 0
	b.cfg.Logger.Warn("classifier circuit breaker opened",
		"error", err,
		"open_timeout", b.cfg.OpenTimeout,
		"degraded_mode", true,
	)
}
