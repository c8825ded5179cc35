// Package audit turns decision results into HMAC-signed records so a
// reviewer can prove what the governor decided and why, and that the
// record was not edited afterwards.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
	"github.com/softcane/spot-vortex-governor/internal/pipeline"
)

// ErrNoSecret is returned when the auditor is created without a signing key.
var ErrNoSecret = errors.New("audit: signing secret is required")

// DecisionRecord is the signed form of one decision.
type DecisionRecord struct {
	ClusterID        string    `json:"cluster_id"`
	ResourceID       string    `json:"resource_id"`
	NodeName         string    `json:"node_name,omitempty"`
	Decision         string    `json:"decision"`
	Reason           string    `json:"reason"`
	Signal           string    `json:"signal"`
	DecisionSource   string    `json:"decision_source"`
	SelectedPool     string    `json:"selected_pool,omitempty"`
	CurrentPrice     float64   `json:"current_price_hourly"`
	SelectedPrice    float64   `json:"selected_price_hourly"`
	CrashProbability float64   `json:"crash_probability"`
	OnDemandFallback bool      `json:"on_demand_fallback"`
	DryRun           bool      `json:"dry_run"`
	Stages           []string  `json:"stages"`
	EvaluatedAt      time.Time `json:"evaluated_at"`
	Signature        string    `json:"signature"`
}

// Sink stores signed records.
type Sink interface {
	Write(ctx context.Context, rec DecisionRecord) error
}

// Config for the Auditor.
type Config struct {
	SecretKey string
	ClusterID string
}

// Auditor signs decision results and hands them to a Sink.
type Auditor struct {
	config Config
	sink   Sink
	logger *slog.Logger
}

var _ pipeline.Recorder = (*Auditor)(nil)

// NewAuditor creates an Auditor. A nil sink logs records.
func NewAuditor(config Config, sink Sink, logger *slog.Logger) (*Auditor, error) {
	if config.SecretKey == "" {
		return nil, ErrNoSecret
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = NewLogSink(logger)
	}
	return &Auditor{config: config, sink: sink, logger: logger}, nil
}

// Record implements pipeline.Recorder.
func (a *Auditor) Record(ctx context.Context, res candidate.Result) error {
	rec, err := a.NewRecord(res)
	if err != nil {
		return err
	}
	if err := a.sink.Write(ctx, rec); err != nil {
		return fmt.Errorf("write audit record for %s: %w", rec.ResourceID, err)
	}
	return nil
}

// NewRecord builds and signs the record for res.
func (a *Auditor) NewRecord(res candidate.Result) (DecisionRecord, error) {
	rec := DecisionRecord{
		ClusterID:        a.config.ClusterID,
		ResourceID:       res.ResourceID,
		NodeName:         res.NodeName,
		Decision:         res.Decision.String(),
		Reason:           res.Reason,
		Signal:           res.Signal.String(),
		DecisionSource:   res.DecisionSource,
		CurrentPrice:     res.CurrentPrice,
		OnDemandFallback: res.OnDemandFallback,
		DryRun:           res.DryRun,
		EvaluatedAt:      res.EvaluatedAt.UTC(),
	}
	if res.Selected != nil {
		rec.SelectedPool = res.Selected.Pool.String()
		rec.SelectedPrice = res.Selected.UnitPrice
		rec.CrashProbability = res.Selected.CrashProbability
	}
	for _, e := range res.Trace {
		rec.Stages = append(rec.Stages, e.Stage)
	}
	sig, err := a.sign(rec)
	if err != nil {
		return DecisionRecord{}, err
	}
	rec.Signature = sig
	return rec, nil
}

// Verify reports whether rec carries a valid signature.
func (a *Auditor) Verify(rec DecisionRecord) bool {
	expected, err := a.sign(rec)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(rec.Signature))
}

// sign computes HMAC-SHA256 over the JSON encoding of rec without its
// signature. Struct field order makes the encoding deterministic.
func (a *Auditor) sign(rec DecisionRecord) (string, error) {
	rec.Signature = ""
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("audit: encode record for %s: %w", rec.ResourceID, err)
	}
	h := hmac.New(sha256.New, []byte(a.config.SecretKey))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}
