package signals

import (
	"context"
	"fmt"
	"log/slog"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
	"github.com/softcane/spot-vortex-governor/internal/cloudapi"
)

// DefaultTaintSignals maps the taints aws-node-termination-handler and
// similar agents place on nodes to signals.
var DefaultTaintSignals = map[string]candidate.Signal{
	"aws-node-termination-handler/spot-itn":                  candidate.SignalTerminationNotice,
	"aws-node-termination-handler/asg-lifecycle-termination": candidate.SignalTerminationNotice,
	"aws-node-termination-handler/rebalance-recommendation":  candidate.SignalRebalanceRecommendation,
	"cloud.google.com/impending-node-termination":            candidate.SignalTerminationNotice,
}

// TaintProvider reads interruption signals from node taints, which makes
// signals observed by per-node handlers visible to a central agent.
type TaintProvider struct {
	client   kubernetes.Interface
	selector string
	taints   map[string]candidate.Signal
	logger   *slog.Logger
}

// NewTaintProvider creates a provider. A nil taint map uses DefaultTaintSignals.
func NewTaintProvider(client kubernetes.Interface, selector string, taints map[string]candidate.Signal, logger *slog.Logger) *TaintProvider {
	if taints == nil {
		taints = DefaultTaintSignals
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TaintProvider{client: client, selector: selector, taints: taints, logger: logger}
}

// Name implements Provider.
func (p *TaintProvider) Name() string { return "node-taints" }

// Poll implements Provider.
func (p *TaintProvider) Poll(ctx context.Context) ([]Observation, error) {
	nodes, err := p.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{LabelSelector: p.selector})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	var out []Observation
	for i := range nodes.Items {
		node := &nodes.Items[i]
		sig, when := p.strongest(node.Spec.Taints)
		if sig == candidate.SignalNone {
			continue
		}
		pid, ok := cloudapi.ParseProviderID(node.Spec.ProviderID)
		if !ok {
			p.logger.Debug("tainted node has no provider id", "node", node.Name)
			continue
		}
		o := Observation{ResourceID: pid.InstanceID, Signal: sig}
		if when != nil {
			o.NoticeTime = when.Time
		}
		out = append(out, o)
	}
	return out, nil
}

func (p *TaintProvider) strongest(taints []corev1.Taint) (candidate.Signal, *metav1.Time) {
	best := candidate.SignalNone
	var when *metav1.Time
	for _, t := range taints {
		sig, ok := p.taints[t.Key]
		if ok && sig.Outranks(best) {
			best, when = sig, t.TimeAdded
		}
	}
	return best, when
}
