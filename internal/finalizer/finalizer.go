// Package finalizer guards nodes that are being replaced. A node carrying
// the drain-protection finalizer cannot be deleted out from under an
// in-flight replacement; the finalizer is removed only once the node's
// instance has been terminated.
package finalizer

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
)

const (
	// DrainProtectionFinalizer prevents node deletion until the replacement finished.
	DrainProtectionFinalizer = "spotvortex.io/drain-protection"

	// ReplacementReadyAnnotation names the instance that replaces the node.
	ReplacementReadyAnnotation = "spotvortex.io/replacement-ready"

	// DrainStartedAnnotation records when protection was added.
	DrainStartedAnnotation = "spotvortex.io/drain-started"
)

// Protector adds and removes drain protection on nodes.
type Protector struct {
	client kubernetes.Interface
	logger *slog.Logger
	dryRun bool
	now    func() time.Time
}

// NewProtector creates a Protector. In dry-run mode every call only logs.
func NewProtector(client kubernetes.Interface, logger *slog.Logger, dryRun bool) *Protector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Protector{
		client: client,
		logger: logger,
		dryRun: dryRun,
		now:    time.Now,
	}
}

// AddProtection adds the finalizer and stamps the drain start time.
func (p *Protector) AddProtection(ctx context.Context, nodeName string) error {
	if p.dryRun {
		p.logger.Info("DRY-RUN: would add drain protection", "node", nodeName)
		return nil
	}
	err := p.mutate(ctx, nodeName, func(node *corev1.Node) bool {
		if slices.Contains(node.Finalizers, DrainProtectionFinalizer) {
			return false
		}
		node.Finalizers = append(node.Finalizers, DrainProtectionFinalizer)
		setAnnotation(node, DrainStartedAnnotation, p.now().UTC().Format(time.RFC3339))
		return true
	})
	if err != nil {
		return fmt.Errorf("add drain protection to %s: %w", nodeName, err)
	}
	p.logger.Info("drain protection added", "node", nodeName, "finalizer", DrainProtectionFinalizer)
	return nil
}

// MarkReplacementReady records the replacement instance on the protected node.
func (p *Protector) MarkReplacementReady(ctx context.Context, nodeName, replacement string) error {
	if p.dryRun {
		return nil
	}
	err := p.mutate(ctx, nodeName, func(node *corev1.Node) bool {
		if node.Annotations[ReplacementReadyAnnotation] == replacement {
			return false
		}
		setAnnotation(node, ReplacementReadyAnnotation, replacement)
		return true
	})
	if err != nil {
		return fmt.Errorf("mark replacement ready on %s: %w", nodeName, err)
	}
	return nil
}

// RemoveProtection drops the finalizer. A node that is already gone is not an error.
func (p *Protector) RemoveProtection(ctx context.Context, nodeName string) error {
	if p.dryRun {
		p.logger.Info("DRY-RUN: would remove drain protection", "node", nodeName)
		return nil
	}
	err := p.mutate(ctx, nodeName, func(node *corev1.Node) bool {
		n := len(node.Finalizers)
		node.Finalizers = slices.DeleteFunc(node.Finalizers, func(f string) bool {
			return f == DrainProtectionFinalizer
		})
		return len(node.Finalizers) != n
	})
	if err != nil {
		return fmt.Errorf("remove drain protection from %s: %w", nodeName, err)
	}
	p.logger.Info("drain protection removed", "node", nodeName)
	return nil
}

// mutate applies fn to a fresh copy of the node and writes it back when fn
// reports a change, retrying on update conflicts.
func (p *Protector) mutate(ctx context.Context, nodeName string, fn func(*corev1.Node) bool) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		node, err := p.client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
		if err != nil {
			return err
		}
		if !fn(node) {
			return nil
		}
		_, err = p.client.CoreV1().Nodes().Update(ctx, node, metav1.UpdateOptions{})
		return err
	})
}

func setAnnotation(node *corev1.Node, key, value string) {
	if node.Annotations == nil {
		node.Annotations = make(map[string]string)
	}
	node.Annotations[key] = value
}

// IsProtected reports whether the node carries the drain-protection finalizer.
func IsProtected(node *corev1.Node) bool {
	return slices.Contains(node.Finalizers, DrainProtectionFinalizer)
}

// IsReplacementReady reports whether a replacement was recorded on the node.
func IsReplacementReady(node *corev1.Node) bool {
	_, ok := node.Annotations[ReplacementReadyAnnotation]
	return ok
}
