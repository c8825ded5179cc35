package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// Event annotations carrying the signed record.
const (
	AnnotationRecord    = "spotvortex.io/audit-record"
	AnnotationSignature = "spotvortex.io/audit-signature"

	eventReason    = "SpotVortexDecision"
	eventComponent = "spotvortex-governor"
)

// LogSink writes records to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Write implements Sink.
func (s *LogSink) Write(_ context.Context, rec DecisionRecord) error {
	s.logger.Info("audit record",
		"resource_id", rec.ResourceID,
		"node", rec.NodeName,
		"decision", rec.Decision,
		"reason", rec.Reason,
		"signal", rec.Signal,
		"decision_source", rec.DecisionSource,
		"selected_pool", rec.SelectedPool,
		"dry_run", rec.DryRun,
		"signature", rec.Signature,
	)
	return nil
}

// EventSink records decisions about Kubernetes nodes as Events on the
// node, with the signed record in annotations. Records without a node go
// to the fallback sink.
type EventSink struct {
	client    kubernetes.Interface
	namespace string
	fallback  Sink
}

// NewEventSink creates an EventSink. Node events live in the "default"
// namespace unless namespace is set.
func NewEventSink(client kubernetes.Interface, namespace string, fallback Sink) *EventSink {
	if namespace == "" {
		namespace = metav1.NamespaceDefault
	}
	if fallback == nil {
		fallback = NewLogSink(nil)
	}
	return &EventSink{client: client, namespace: namespace, fallback: fallback}
}

// Write implements Sink.
func (s *EventSink) Write(ctx context.Context, rec DecisionRecord) error {
	if rec.NodeName == "" {
		return s.fallback.Write(ctx, rec)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	now := metav1.NewTime(rec.EvaluatedAt)
	msg := fmt.Sprintf("%s: %s", rec.Decision, rec.Reason)
	if rec.DryRun {
		msg = "[dry-run] " + msg
	}
	event := &corev1.Event{
		ObjectMeta: metav1.ObjectMeta{
			Name:      eventName(rec),
			Namespace: s.namespace,
			Annotations: map[string]string{
				AnnotationRecord:    string(raw),
				AnnotationSignature: rec.Signature,
			},
		},
		InvolvedObject: corev1.ObjectReference{
			APIVersion: "v1",
			Kind:       "Node",
			Name:       rec.NodeName,
		},
		Reason:         eventReason,
		Message:        msg,
		Type:           corev1.EventTypeNormal,
		Source:         corev1.EventSource{Component: eventComponent},
		FirstTimestamp: now,
		LastTimestamp:  now,
		Count:          1,
	}
	if _, err := s.client.CoreV1().Events(s.namespace).Create(ctx, event, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create audit event: %w", err)
	}
	return nil
}

// eventName follows the <object>.<suffix> convention of kubectl events;
// the signature prefix keeps names unique per record.
func eventName(rec DecisionRecord) string {
	suffix := rec.Signature
	if len(suffix) > 16 {
		suffix = suffix[:16]
	}
	return rec.NodeName + "." + suffix
}

// MultiSink writes to every sink and joins their errors.
type MultiSink []Sink

// Write implements Sink.
func (m MultiSink) Write(ctx context.Context, rec DecisionRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DecodeEvent extracts the record carried by an audit event.
func DecodeEvent(ev *corev1.Event) (DecisionRecord, error) {
	var rec DecisionRecord
	raw, ok := ev.Annotations[AnnotationRecord]
	if !ok {
		return rec, fmt.Errorf("event %s carries no audit record", ev.Name)
	}
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return rec, fmt.Errorf("decode audit record: %w", err)
	}
	return rec, nil
}
