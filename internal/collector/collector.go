// Package collector builds the workload view the decision pipeline needs
// from the Kubernetes API: which pool every node runs in and which pods,
// with what resource requests, it has to carry.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
	"github.com/softcane/spot-vortex-governor/internal/finalizer"
)

// Well-known node labels.
const (
	LabelZone         = "topology.kubernetes.io/zone"
	LabelRegion       = "topology.kubernetes.io/region"
	LabelInstanceType = "node.kubernetes.io/instance-type"
	LabelArch         = "kubernetes.io/arch"

	// WorkloadPoolLabel is the label key for customer-defined workload pools.
	WorkloadPoolLabel = "spotvortex.io/pool"
)

// Annotation keys for workload-specific overrides.
const (
	// AnnotationCritical marks a pod as critical.
	AnnotationCritical = "spotvortex.io/critical"

	// AnnotationMigrationTier assigns an explicit migration tier (0=critical,
	// 1=standard, 2=batch).
	AnnotationMigrationTier = "spotvortex.io/migration-tier"
)

const mib = 1024 * 1024

// NodeWorkload is what one node carries.
type NodeWorkload struct {
	Node       string
	ProviderID string
	Pool       candidate.PoolKey
	Region     string
	Arch       string
	// Unschedulable and Protected mark nodes already being replaced.
	Unschedulable bool
	Protected     bool
	// VCPU and MemoryMiB are the node's allocatable capacity.
	VCPU      int32
	MemoryMiB int64
	// Items are the evictable pods on the node with their requests.
	Items          []candidate.WorkloadItem
	RequestedCPU   float64
	RequestedMiB   float64
	HasCriticalPod bool
	// Utilization is the pool utilization reported by the provider, or -1.
	Utilization float64
}

// Requirement returns the smallest shape that still fits the node's
// requested workload, rounded up to whole vCPUs.
func (w NodeWorkload) Requirement() candidate.Requirement {
	return candidate.Requirement{
		MinVCPU:      int32(math.Ceil(w.RequestedCPU)),
		MinMemoryMiB: int64(math.Ceil(w.RequestedMiB)),
		Architecture: w.Arch,
	}
}

// Snapshot is the result of one collection pass.
type Snapshot struct {
	Nodes       map[string]NodeWorkload
	CollectedAt time.Time
}

// UtilizationProvider fetches per-pool utilization, keyed by "instanceType:zone".
type UtilizationProvider interface {
	GetPoolUtilization(ctx context.Context) (map[string]float64, error)
}

// Collector gathers node workload from the Kubernetes API.
type Collector struct {
	client   kubernetes.Interface
	logger   *slog.Logger
	utilProv UtilizationProvider

	mu   sync.RWMutex
	last Snapshot
}

// NewCollector creates a collector.
func NewCollector(client kubernetes.Interface, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		client: client,
		logger: logger,
		last:   Snapshot{Nodes: map[string]NodeWorkload{}},
	}
}

// SetUtilizationProvider enables utilization lookups. Call before Collect.
func (c *Collector) SetUtilizationProvider(prov UtilizationProvider) {
	c.utilProv = prov
}

// Collect lists nodes matching selector and the pods bound to them.
func (c *Collector) Collect(ctx context.Context, selector string) (*Snapshot, error) {
	nodes, err := c.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	pods, err := c.client.CoreV1().Pods("").List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}

	utilization := map[string]float64{}
	if c.utilProv != nil {
		if u, err := c.utilProv.GetPoolUtilization(ctx); err == nil {
			utilization = u
		} else {
			c.logger.Warn("failed to fetch pool utilization", "error", err)
		}
	}

	snap := Snapshot{Nodes: make(map[string]NodeWorkload, len(nodes.Items)), CollectedAt: time.Now()}
	for i := range nodes.Items {
		node := &nodes.Items[i]
		w := NodeWorkload{
			Node:          node.Name,
			ProviderID:    node.Spec.ProviderID,
			Pool:          PoolKey(node),
			Region:        node.Labels[LabelRegion],
			Arch:          node.Labels[LabelArch],
			Unschedulable: node.Spec.Unschedulable,
			Protected:     finalizer.IsProtected(node),
			Utilization:   -1,
		}
		if cpu, ok := node.Status.Allocatable[corev1.ResourceCPU]; ok {
			w.VCPU = int32(cpu.MilliValue() / 1000)
		}
		if mem, ok := node.Status.Allocatable[corev1.ResourceMemory]; ok {
			w.MemoryMiB = mem.Value() / mib
		}
		if u, ok := utilization[w.Pool.String()]; ok {
			w.Utilization = u
		} else if u, ok := utilization["default"]; ok {
			w.Utilization = u
		}
		snap.Nodes[node.Name] = w
	}

	for i := range pods.Items {
		pod := &pods.Items[i]
		w, ok := snap.Nodes[pod.Spec.NodeName]
		if !ok || !counts(pod) {
			continue
		}
		cpu, mem := podRequests(pod)
		w.Items = append(w.Items, candidate.WorkloadItem{
			Name:      pod.Namespace + "/" + pod.Name,
			CPU:       cpu,
			MemoryMiB: mem,
		})
		w.RequestedCPU += cpu
		w.RequestedMiB += mem
		w.HasCriticalPod = w.HasCriticalPod || isCritical(pod)
		snap.Nodes[pod.Spec.NodeName] = w
	}
	for name, w := range snap.Nodes {
		sort.Slice(w.Items, func(i, j int) bool { return w.Items[i].Name < w.Items[j].Name })
		snap.Nodes[name] = w
	}

	c.mu.Lock()
	c.last = snap
	c.mu.Unlock()

	c.logger.Debug("collected workload", "nodes", len(snap.Nodes), "pods", len(pods.Items))
	return &snap, nil
}

// Node returns the last collected workload for a node.
func (c *Collector) Node(name string) (NodeWorkload, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.last.Nodes[name]
	return w, ok
}

// PoolWorkload returns every workload item on nodes in pool, in name order.
// It is the input for fleet-level rightsizing.
func (c *Collector) PoolWorkload(pool candidate.PoolKey) []candidate.WorkloadItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []candidate.WorkloadItem
	for _, w := range c.last.Nodes {
		if w.Pool == pool {
			out = append(out, w.Items...)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PoolKey derives the capacity pool of a node from its labels.
func PoolKey(node *corev1.Node) candidate.PoolKey {
	k := candidate.PoolKey{
		InstanceType: node.Labels[LabelInstanceType],
		Zone:         node.Labels[LabelZone],
	}
	if k.InstanceType == "" {
		k.InstanceType = "unknown"
	}
	if k.Zone == "" {
		k.Zone = "unknown"
	}
	return k
}

// GetExtendedPoolID prefixes the pool id with the workload pool label when set.
func GetExtendedPoolID(node *corev1.Node) string {
	id := PoolKey(node).String()
	if pool := node.Labels[WorkloadPoolLabel]; pool != "" {
		return pool + ":" + id
	}
	return id
}

// counts reports whether a pod contributes workload that must move with the node.
func counts(pod *corev1.Pod) bool {
	if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
		return false
	}
	if _, mirror := pod.Annotations[corev1.MirrorPodAnnotationKey]; mirror {
		return false
	}
	for _, ref := range pod.OwnerReferences {
		if ref.Kind == "DaemonSet" {
			return false
		}
	}
	return true
}

// podRequests sums container requests in cores and MiB. Init containers
// count when they request more than the app containers combined.
func podRequests(pod *corev1.Pod) (cpu, mem float64) {
	for _, c := range pod.Spec.Containers {
		cpu += float64(c.Resources.Requests.Cpu().MilliValue()) / 1000
		mem += float64(c.Resources.Requests.Memory().Value()) / mib
	}
	for _, c := range pod.Spec.InitContainers {
		cpu = math.Max(cpu, float64(c.Resources.Requests.Cpu().MilliValue())/1000)
		mem = math.Max(mem, float64(c.Resources.Requests.Memory().Value())/mib)
	}
	return cpu, mem
}

func isCritical(pod *corev1.Pod) bool {
	if pod.Annotations[AnnotationCritical] == "true" || pod.Annotations[AnnotationMigrationTier] == "0" {
		return true
	}
	switch pod.Spec.PriorityClassName {
	case "system-cluster-critical", "system-node-critical":
		return true
	}
	return false
}
