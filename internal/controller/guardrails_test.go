package controller

import (
	"context"
	"fmt"
	"testing"

	policyv1 "k8s.io/api/policy/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/intstr"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
)

func clusterOf(n int) []runtime.Object {
	objs := make([]runtime.Object, 0, n)
	for i := 0; i < n; i++ {
		objs = append(objs, testNode(fmt.Sprintf("node-%d", i), fmt.Sprintf("i-%d", i)))
	}
	return objs
}

func TestGuardrails_ClusterFraction(t *testing.T) {
	tests := []struct {
		name         string
		nodes        int
		inflight     int
		decision     candidate.Decision
		wantApproved bool
	}{
		{"first replacement always allowed", 2, 0, candidate.DecisionSwitch, true},
		{"within limit", 10, 1, candidate.DecisionSwitch, true},
		{"over limit", 10, 2, candidate.DecisionSwitch, false},
		{"drain over limit", 10, 5, candidate.DecisionDrain, false},
		{"evacuation never blocked", 10, 5, candidate.DecisionEvacuate, true},
		{"stay is a no-op", 1, 9, candidate.DecisionStay, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := k8sfake.NewSimpleClientset(clusterOf(tt.nodes)...)
			g := NewGuardrailChecker(client, nil, 0.20, "")
			node := testNode("node-0", "i-0")

			result, err := g.Check(context.Background(), node, candidate.Action{Decision: tt.decision}, tt.inflight)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Approved != tt.wantApproved {
				t.Errorf("Approved = %v, want %v (reason %q)", result.Approved, tt.wantApproved, result.Reason)
			}
			if !result.Approved && result.GuardrailName != "cluster_fraction" {
				t.Errorf("GuardrailName = %q", result.GuardrailName)
			}
		})
	}
}

func TestGuardrails_ExpediteDowngrade(t *testing.T) {
	critical := testPod("payments", "node-0")
	critical.Annotations = map[string]string{AnnotationCritical: "true"}

	graceful := testPod("ledger", "node-0")
	graceful.Annotations = map[string]string{AnnotationMigrationStrategy: "graceful-only"}

	guarded := testPod("api", "node-0")
	exhausted := &policyv1.PodDisruptionBudget{
		ObjectMeta: metav1.ObjectMeta{Name: "api-pdb", Namespace: "default"},
		Spec: policyv1.PodDisruptionBudgetSpec{
			MinAvailable: &intstr.IntOrString{Type: intstr.Int, IntVal: 1},
			Selector:     &metav1.LabelSelector{MatchLabels: map[string]string{"app": "api"}},
		},
		Status: policyv1.PodDisruptionBudgetStatus{DisruptionsAllowed: 0},
	}
	roomy := exhausted.DeepCopy()
	roomy.Status.DisruptionsAllowed = 1

	otherNode := testPod("payments", "node-1")
	otherNode.Annotations = map[string]string{AnnotationCritical: "true"}

	tests := []struct {
		name          string
		objs          []runtime.Object
		wantExpedited bool
		wantGuardrail string
	}{
		{"plain pods keep expedite", []runtime.Object{testPod("web", "node-0")}, true, ""},
		{"critical pod", []runtime.Object{critical}, false, "critical_workload"},
		{"graceful-only strategy", []runtime.Object{graceful}, false, "critical_workload"},
		{"exhausted PDB", []runtime.Object{guarded, exhausted}, false, "pdb"},
		{"PDB with room", []runtime.Object{guarded, roomy}, true, ""},
		{"critical pod on another node", []runtime.Object{otherNode}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			objs := append(clusterOf(2), tt.objs...)
			client := k8sfake.NewSimpleClientset(objs...)
			g := NewGuardrailChecker(client, nil, 0, "")

			act := candidate.Action{Decision: candidate.DecisionEvacuate, Expedited: true}
			result, err := g.Check(context.Background(), testNode("node-0", "i-0"), act, 0)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.Approved {
				t.Fatal("evacuation must be approved")
			}
			if result.Expedited != tt.wantExpedited {
				t.Errorf("Expedited = %v, want %v (reason %q)", result.Expedited, tt.wantExpedited, result.Reason)
			}
			if result.GuardrailName != tt.wantGuardrail {
				t.Errorf("GuardrailName = %q, want %q", result.GuardrailName, tt.wantGuardrail)
			}
		})
	}
}

func TestGuardrails_NotExpeditedSkipsPodChecks(t *testing.T) {
	critical := testPod("payments", "node-0")
	critical.Annotations = map[string]string{AnnotationCritical: "true"}
	client := k8sfake.NewSimpleClientset(append(clusterOf(2), critical)...)
	g := NewGuardrailChecker(client, nil, 0, "")

	result, err := g.Check(context.Background(), testNode("node-0", "i-0"), candidate.Action{Decision: candidate.DecisionDrain}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Approved || result.Expedited {
		t.Errorf("unexpected result %+v", result)
	}
}
