package signals

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
)

type fakeMetadata struct {
	paths map[string]string
	err   error
	calls map[string]int
}

func (f *fakeMetadata) GetMetadata(_ context.Context, in *imds.GetMetadataInput, _ ...func(*imds.Options)) (*imds.GetMetadataOutput, error) {
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[in.Path]++
	if f.err != nil {
		return nil, f.err
	}
	body, ok := f.paths[in.Path]
	if !ok {
		return nil, &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusNotFound}},
			Err:      errors.New("not found"),
		}
	}
	return &imds.GetMetadataOutput{Content: io.NopCloser(strings.NewReader(body))}, nil
}

func TestIMDSProvider(t *testing.T) {
	tests := []struct {
		name  string
		paths map[string]string
		want  []Observation
	}{
		{
			name:  "no notice",
			paths: map[string]string{pathInstanceID: "i-0abc"},
		},
		{
			name: "rebalance recommendation",
			paths: map[string]string{
				pathInstanceID: "i-0abc",
				pathRebalance:  `{"noticeTime":"2026-03-01T12:00:00Z"}`,
			},
			want: []Observation{{
				ResourceID: "i-0abc",
				Signal:     candidate.SignalRebalanceRecommendation,
				NoticeTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			}},
		},
		{
			name: "instance action wins over rebalance",
			paths: map[string]string{
				pathInstanceID:     "i-0abc",
				pathRebalance:      `{"noticeTime":"2026-03-01T12:00:00Z"}`,
				pathInstanceAction: `{"action":"terminate","time":"2026-03-01T12:02:00Z"}`,
			},
			want: []Observation{{
				ResourceID: "i-0abc",
				Signal:     candidate.SignalTerminationNotice,
				NoticeTime: time.Date(2026, 3, 1, 12, 2, 0, 0, time.UTC),
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewIMDSProvider(&fakeMetadata{paths: tt.paths}, nil)
			got, err := p.Poll(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIMDSProvider_CachesInstanceID(t *testing.T) {
	md := &fakeMetadata{paths: map[string]string{pathInstanceID: "i-0abc"}}
	p := NewIMDSProvider(md, nil)
	for i := 0; i < 3; i++ {
		_, err := p.Poll(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, md.calls[pathInstanceID])
	assert.Equal(t, 3, md.calls[pathInstanceAction])
}

func TestIMDSProvider_Errors(t *testing.T) {
	p := NewIMDSProvider(&fakeMetadata{err: errors.New("connection refused")}, nil)
	_, err := p.Poll(context.Background())
	require.Error(t, err)

	p = NewIMDSProvider(&fakeMetadata{paths: map[string]string{
		pathInstanceID:     "i-0abc",
		pathInstanceAction: "{not json",
	}}, nil)
	_, err = p.Poll(context.Background())
	require.ErrorContains(t, err, "decode "+pathInstanceAction)
}

func taintedNode(name, providerID string, taints ...corev1.Taint) *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec:       corev1.NodeSpec{ProviderID: providerID, Taints: taints},
	}
}

func TestTaintProvider(t *testing.T) {
	added := metav1.NewTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	client := fake.NewSimpleClientset(
		taintedNode("clean", "aws:///us-east-1a/i-clean"),
		taintedNode("rebalancing", "aws:///us-east-1a/i-rebalance",
			corev1.Taint{Key: "aws-node-termination-handler/rebalance-recommendation", Effect: corev1.TaintEffectPreferNoSchedule}),
		taintedNode("dying", "aws:///us-east-1b/i-dying",
			corev1.Taint{Key: "aws-node-termination-handler/rebalance-recommendation", Effect: corev1.TaintEffectPreferNoSchedule},
			corev1.Taint{Key: "aws-node-termination-handler/spot-itn", Effect: corev1.TaintEffectNoSchedule, TimeAdded: &added}),
		taintedNode("kind", "",
			corev1.Taint{Key: "aws-node-termination-handler/spot-itn", Effect: corev1.TaintEffectNoSchedule}),
	)

	got, err := NewTaintProvider(client, "", nil, nil).Poll(context.Background())
	require.NoError(t, err)

	bySignal := map[string]Observation{}
	for _, o := range got {
		bySignal[o.ResourceID] = o
	}
	require.Len(t, bySignal, 2)
	assert.Equal(t, candidate.SignalRebalanceRecommendation, bySignal["i-rebalance"].Signal)
	assert.Equal(t, candidate.SignalTerminationNotice, bySignal["i-dying"].Signal)
	assert.True(t, bySignal["i-dying"].NoticeTime.Equal(added.Time))
}
