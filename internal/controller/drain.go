// Package controller replaces Kubernetes nodes without losing capacity and
// runs the periodic reconcile loop that feeds nodes to the decision pipeline.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
)

// Drain defaults.
const (
	DefaultDrainTimeout      = 5 * time.Minute
	DefaultEvictionRetry     = 5 * time.Second
	DefaultGracePeriodSecond = int64(30)
)

var (
	// ErrDrainTimeout means workload was still present on the node when the
	// drain deadline passed.
	ErrDrainTimeout = errors.New("controller: drain timed out with workload remaining")

	// ErrEvictionBlocked means a disruption budget refused an eviction for the
	// whole drain window.
	ErrEvictionBlocked = errors.New("controller: eviction blocked by disruption budget")
)

// DrainConfig configures the drain operation.
type DrainConfig struct {
	// GracePeriodSeconds is the grace period for pod termination.
	GracePeriodSeconds int64

	// Timeout bounds eviction plus the wait for evicted pods to disappear.
	Timeout time.Duration

	// RetryInterval is the pause between evictions refused by a disruption budget.
	RetryInterval time.Duration

	// DryRun logs evictions without performing them.
	DryRun bool
}

// DrainResult represents the outcome of a drain operation.
type DrainResult struct {
	NodeName    string
	Success     bool
	DryRun      bool
	PodsEvicted int
	PodsSkipped int
	Remaining   int
	Duration    time.Duration
	FailedPods  []string
}

// Drainer cordons, drains and uncordons nodes through the Eviction API so
// disruption budgets are honoured.
type Drainer struct {
	client kubernetes.Interface
	logger *slog.Logger
	config DrainConfig
}

// NewDrainer creates a Drainer. Zero config values get defaults.
func NewDrainer(client kubernetes.Interface, logger *slog.Logger, config DrainConfig) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultDrainTimeout
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultEvictionRetry
	}
	if config.GracePeriodSeconds <= 0 {
		config.GracePeriodSeconds = DefaultGracePeriodSecond
	}
	return &Drainer{
		client: client,
		logger: logger,
		config: config,
	}
}

// Cordon marks the node unschedulable. Running pods are not touched.
func (d *Drainer) Cordon(ctx context.Context, nodeName string) error {
	return d.setUnschedulable(ctx, nodeName, true)
}

// Uncordon marks the node schedulable again.
func (d *Drainer) Uncordon(ctx context.Context, nodeName string) error {
	return d.setUnschedulable(ctx, nodeName, false)
}

func (d *Drainer) setUnschedulable(ctx context.Context, nodeName string, unschedulable bool) error {
	verb := "cordon"
	if !unschedulable {
		verb = "uncordon"
	}
	if d.config.DryRun {
		d.logger.Info("DRY-RUN: would "+verb+" node", "node", nodeName)
		return nil
	}

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		node, err := d.client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
		if err != nil {
			return err
		}
		if node.Spec.Unschedulable == unschedulable {
			return nil
		}
		node.Spec.Unschedulable = unschedulable
		_, err = d.client.CoreV1().Nodes().Update(ctx, node, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("%s node %s: %w", verb, nodeName, err)
	}
	d.logger.Info("node "+verb+"ed", "node", nodeName)
	return nil
}

// Drain evicts every evictable pod from a node that must already be
// cordoned, then waits until none remain. Evictions refused by a
// disruption budget are retried until the drain timeout. Success is only
// reported when zero evictable pods remain on the node.
func (d *Drainer) Drain(ctx context.Context, nodeName string) (*DrainResult, error) {
	start := time.Now()
	result := &DrainResult{
		NodeName: nodeName,
		DryRun:   d.config.DryRun,
	}
	defer func() { result.Duration = time.Since(start) }()

	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	pods, skipped, err := d.evictablePods(ctx, nodeName)
	if err != nil {
		return result, err
	}
	result.PodsSkipped = skipped

	d.logger.Info("draining node",
		"node", nodeName,
		"pods", len(pods),
		"skipped", skipped,
		"dry_run", d.config.DryRun,
	)

	for i := range pods {
		pod := &pods[i]
		if err := d.evictWithRetry(ctx, pod); err != nil {
			result.FailedPods = append(result.FailedPods, pod.Namespace+"/"+pod.Name)
			result.Remaining = len(pods) - result.PodsEvicted
			return result, err
		}
		result.PodsEvicted++
	}

	if d.config.DryRun {
		result.Success = true
		return result, nil
	}

	err = wait.PollUntilContextCancel(ctx, d.config.RetryInterval, true, func(ctx context.Context) (bool, error) {
		left, _, err := d.evictablePods(ctx, nodeName)
		if err != nil {
			return false, nil
		}
		result.Remaining = len(left)
		return len(left) == 0, nil
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return result, ctx.Err()
		}
		return result, fmt.Errorf("%w: %d pods on %s", ErrDrainTimeout, result.Remaining, nodeName)
	}

	result.Success = true
	d.logger.Info("drain complete",
		"node", nodeName,
		"evicted", result.PodsEvicted,
		"duration", time.Since(start),
	)
	return result, nil
}

// evictWithRetry evicts a pod, retrying while a disruption budget refuses.
func (d *Drainer) evictWithRetry(ctx context.Context, pod *corev1.Pod) error {
	if d.config.DryRun {
		d.logger.Info("DRY-RUN: would evict pod", "pod", pod.Name, "namespace", pod.Namespace)
		return nil
	}

	var lastErr error
	err := wait.PollUntilContextCancel(ctx, d.config.RetryInterval, true, func(ctx context.Context) (bool, error) {
		lastErr = d.evictPod(ctx, pod)
		switch {
		case lastErr == nil:
			return true, nil
		case apierrors.IsTooManyRequests(lastErr):
			d.logger.Debug("eviction refused by disruption budget, retrying",
				"pod", pod.Name,
				"namespace", pod.Namespace,
			)
			return false, nil
		default:
			return false, lastErr
		}
	})
	if err == nil {
		return nil
	}
	if lastErr != nil && apierrors.IsTooManyRequests(lastErr) {
		return fmt.Errorf("%w: %s/%s", ErrEvictionBlocked, pod.Namespace, pod.Name)
	}
	if lastErr != nil {
		return fmt.Errorf("evict %s/%s: %w", pod.Namespace, pod.Name, lastErr)
	}
	return err
}

func (d *Drainer) evictPod(ctx context.Context, pod *corev1.Pod) error {
	grace := d.config.GracePeriodSeconds
	eviction := &policyv1.Eviction{
		ObjectMeta: metav1.ObjectMeta{
			Name:      pod.Name,
			Namespace: pod.Namespace,
		},
		DeleteOptions: &metav1.DeleteOptions{
			GracePeriodSeconds: &grace,
		},
	}
	err := d.client.CoreV1().Pods(pod.Namespace).EvictV1(ctx, eviction)
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

// evictablePods lists pods bound to the node, leaving out DaemonSet pods,
// mirror pods and pods that already finished.
func (d *Drainer) evictablePods(ctx context.Context, nodeName string) ([]corev1.Pod, int, error) {
	list, err := d.client.CoreV1().Pods("").List(ctx, metav1.ListOptions{
		FieldSelector: "spec.nodeName=" + nodeName,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list pods on %s: %w", nodeName, err)
	}

	var out []corev1.Pod
	skipped := 0
	for _, pod := range list.Items {
		if pod.Spec.NodeName != nodeName {
			continue
		}
		if isDaemonSetPod(&pod) || isMirrorPod(&pod) || isFinished(&pod) {
			skipped++
			continue
		}
		out = append(out, pod)
	}
	return out, skipped, nil
}

func isDaemonSetPod(pod *corev1.Pod) bool {
	for _, ref := range pod.OwnerReferences {
		if ref.Kind == "DaemonSet" {
			return true
		}
	}
	return false
}

func isMirrorPod(pod *corev1.Pod) bool {
	_, ok := pod.Annotations[corev1.MirrorPodAnnotationKey]
	return ok
}

func isFinished(pod *corev1.Pod) bool {
	return pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed
}
