package controller

import (
	"context"
	"fmt"
	"log/slog"

	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
)

const (
	// AnnotationCritical marks a pod as critical.
	AnnotationCritical = "spotvortex.io/critical"

	// AnnotationMigrationStrategy set to "graceful-only" forbids expedited moves.
	AnnotationMigrationStrategy = "spotvortex.io/migration-strategy"

	// DefaultClusterFractionLimit caps the share of nodes under replacement at once.
	DefaultClusterFractionLimit = 0.20
)

// GuardrailResult is the outcome of the guardrail checks for one action.
type GuardrailResult struct {
	Approved bool
	// Expedited is the action's expedite flag after any downgrade.
	Expedited     bool
	Reason        string
	GuardrailName string
}

// GuardrailChecker vets node replacements before the Node Optimizer starts them.
type GuardrailChecker struct {
	k8s                  kubernetes.Interface
	logger               *slog.Logger
	clusterFractionLimit float64
	nodeSelector         string
}

// NewGuardrailChecker creates a checker. nodeSelector restricts the node
// population the cluster fraction is computed against.
func NewGuardrailChecker(k8s kubernetes.Interface, logger *slog.Logger, clusterFractionLimit float64, nodeSelector string) *GuardrailChecker {
	if logger == nil {
		logger = slog.Default()
	}
	if clusterFractionLimit <= 0 {
		clusterFractionLimit = DefaultClusterFractionLimit
	}
	return &GuardrailChecker{
		k8s:                  k8s,
		logger:               logger,
		clusterFractionLimit: clusterFractionLimit,
		nodeSelector:         nodeSelector,
	}
}

// Check applies the guardrails. inflight is the number of replacements
// already running. Blocked actions come back with Approved false; an
// expedited evacuation may come back downgraded to a graceful one.
func (g *GuardrailChecker) Check(ctx context.Context, node *corev1.Node, act candidate.Action, inflight int) (*GuardrailResult, error) {
	if act.Decision == candidate.DecisionStay {
		return &GuardrailResult{Approved: true}, nil
	}

	// An evacuation is never blocked: the node is going away regardless.
	if act.Decision != candidate.DecisionEvacuate {
		if result, err := g.checkClusterFraction(ctx, node, inflight); err != nil {
			return nil, err
		} else if !result.Approved {
			return result, nil
		}
	}

	if !act.Expedited {
		return &GuardrailResult{Approved: true}, nil
	}

	pods, err := g.k8s.CoreV1().Pods("").List(ctx, metav1.ListOptions{
		FieldSelector: "spec.nodeName=" + node.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}
	for i := range pods.Items {
		pod := &pods.Items[i]
		if pod.Spec.NodeName != node.Name {
			continue
		}
		if result := g.checkCriticalWorkload(pod); result != nil {
			return result, nil
		}
		if result, err := g.checkPDB(ctx, pod); err != nil {
			return nil, err
		} else if result != nil {
			return result, nil
		}
	}

	return &GuardrailResult{Approved: true, Expedited: true}, nil
}

// checkClusterFraction blocks a replacement that would put more than the
// configured share of nodes under replacement at the same time.
func (g *GuardrailChecker) checkClusterFraction(ctx context.Context, node *corev1.Node, inflight int) (*GuardrailResult, error) {
	nodes, err := g.k8s.CoreV1().Nodes().List(ctx, metav1.ListOptions{
		LabelSelector: g.nodeSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	clusterSize := len(nodes.Items)
	if clusterSize == 0 {
		return &GuardrailResult{Approved: true, GuardrailName: "cluster_fraction"}, nil
	}

	// A single replacement is always allowed so small clusters can make progress.
	if inflight == 0 {
		return &GuardrailResult{Approved: true, GuardrailName: "cluster_fraction"}, nil
	}

	fraction := float64(inflight+1) / float64(clusterSize)
	if fraction > g.clusterFractionLimit {
		g.logger.Warn("replacement blocked: cluster fraction too high",
			"node", node.Name,
			"fraction", fraction,
			"limit", g.clusterFractionLimit,
			"cluster_size", clusterSize,
		)
		return &GuardrailResult{
			Approved:      false,
			Reason:        fmt.Sprintf("replacement would affect %.1f%% of cluster (limit: %.1f%%)", fraction*100, g.clusterFractionLimit*100),
			GuardrailName: "cluster_fraction",
		}, nil
	}
	return &GuardrailResult{Approved: true, GuardrailName: "cluster_fraction"}, nil
}

func (g *GuardrailChecker) checkCriticalWorkload(pod *corev1.Pod) *GuardrailResult {
	var reason string
	switch {
	case pod.Annotations[AnnotationCritical] == "true":
		reason = fmt.Sprintf("critical pod %s requires graceful migration", pod.Name)
	case pod.Annotations[AnnotationMigrationStrategy] == "graceful-only":
		reason = fmt.Sprintf("pod %s migration-strategy=graceful-only", pod.Name)
	default:
		return nil
	}
	g.logger.Warn("downgrading expedited replacement", "pod", pod.Name, "reason", reason)
	return &GuardrailResult{
		Approved:      true,
		Expedited:     false,
		Reason:        reason,
		GuardrailName: "critical_workload",
	}
}

// checkPDB downgrades an expedited replacement when a pod's disruption
// budget currently allows no disruptions.
func (g *GuardrailChecker) checkPDB(ctx context.Context, pod *corev1.Pod) (*GuardrailResult, error) {
	pdb, err := g.getPDBForPod(ctx, pod)
	if err != nil {
		return nil, fmt.Errorf("failed to list disruption budgets: %w", err)
	}
	if pdb == nil || pdb.Status.DisruptionsAllowed > 0 {
		return nil, nil
	}
	g.logger.Warn("downgrading expedited replacement due to PDB",
		"pod", pod.Name,
		"pdb", pdb.Name,
	)
	return &GuardrailResult{
		Approved:      true,
		Expedited:     false,
		Reason:        fmt.Sprintf("PDB %s for pod %s allows 0 disruptions", pdb.Name, pod.Name),
		GuardrailName: "pdb",
	}, nil
}

// getPDBForPod finds the PDB that matches a pod.
func (g *GuardrailChecker) getPDBForPod(ctx context.Context, pod *corev1.Pod) (*policyv1.PodDisruptionBudget, error) {
	pdbs, err := g.k8s.PolicyV1().PodDisruptionBudgets(pod.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	for i := range pdbs.Items {
		pdb := &pdbs.Items[i]
		selector, err := metav1.LabelSelectorAsSelector(pdb.Spec.Selector)
		if err != nil {
			continue
		}
		if selector.Matches(labels.Set(pod.Labels)) {
			return pdb, nil
		}
	}
	return nil, nil
}
