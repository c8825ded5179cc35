package riskmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
)

// ConfigMapStore keeps pool risk records in a single ConfigMap so every
// agent replica shares one quarantine table. Writes use the ConfigMap's
// resourceVersion and retry on conflict, so concurrent writers never lose
// a poisoning.
type ConfigMapStore struct {
	client    kubernetes.Interface
	namespace string
	name      string
}

// NewConfigMapStore creates a store backed by namespace/name.
func NewConfigMapStore(client kubernetes.Interface, namespace, name string) *ConfigMapStore {
	return &ConfigMapStore{client: client, namespace: namespace, name: name}
}

var _ Store = (*ConfigMapStore)(nil)

// ConfigMap data keys cannot contain ':'.
func dataKey(pool candidate.PoolKey) string {
	return pool.InstanceType + "_" + pool.Zone
}

func (s *ConfigMapStore) Get(ctx context.Context, pool candidate.PoolKey) (PoolRiskRecord, bool, error) {
	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, s.name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return PoolRiskRecord{}, false, nil
	}
	if err != nil {
		return PoolRiskRecord{}, false, fmt.Errorf("get configmap %s/%s: %w", s.namespace, s.name, err)
	}
	raw, ok := cm.Data[dataKey(pool)]
	if !ok {
		return PoolRiskRecord{}, false, nil
	}
	var rec PoolRiskRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return PoolRiskRecord{}, false, fmt.Errorf("decode record %s: %w", pool, err)
	}
	return rec, true, nil
}

func (s *ConfigMapStore) Put(ctx context.Context, rec PoolRiskRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.Pool, err)
	}
	return s.mutate(ctx, func(data map[string]string) error {
		data[dataKey(rec.Pool)] = string(raw)
		return nil
	})
}

// DeleteIfExpired re-reads the record inside the conflict-retried update, so
// a poisoning written by another replica after the caller's List survives.
func (s *ConfigMapStore) DeleteIfExpired(ctx context.Context, pool candidate.PoolKey, now time.Time) (bool, error) {
	var removed bool
	err := s.mutate(ctx, func(data map[string]string) error {
		removed = false
		raw, ok := data[dataKey(pool)]
		if !ok {
			return nil
		}
		var rec PoolRiskRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return fmt.Errorf("decode record %s: %w", pool, err)
		}
		if rec.Active(now) {
			return nil
		}
		delete(data, dataKey(pool))
		removed = true
		return nil
	})
	return removed, err
}

func (s *ConfigMapStore) List(ctx context.Context) ([]PoolRiskRecord, error) {
	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, s.name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get configmap %s/%s: %w", s.namespace, s.name, err)
	}

	keys := make([]string, 0, len(cm.Data))
	for k := range cm.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]PoolRiskRecord, 0, len(keys))
	for _, k := range keys {
		var rec PoolRiskRecord
		if err := json.Unmarshal([]byte(cm.Data[k]), &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", strings.TrimSpace(k), err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// mutate applies fn to the ConfigMap data, creating the ConfigMap on first
// write. fn runs again on every conflict retry against the fresh data.
func (s *ConfigMapStore) mutate(ctx context.Context, fn func(map[string]string) error) error {
	cms := s.client.CoreV1().ConfigMaps(s.namespace)
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		cm, err := cms.Get(ctx, s.name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			cm = &corev1.ConfigMap{
				ObjectMeta: metav1.ObjectMeta{
					Name:      s.name,
					Namespace: s.namespace,
					Labels:    map[string]string{"app.kubernetes.io/managed-by": "spotvortex"},
				},
				Data: map[string]string{},
			}
			if err := fn(cm.Data); err != nil {
				return err
			}
			_, err = cms.Create(ctx, cm, metav1.CreateOptions{})
			if apierrors.IsAlreadyExists(err) {
				// Lost the create race; retry as an update.
				return apierrors.NewConflict(corev1.Resource("configmaps"), s.name, err)
			}
			return err
		}
		if err != nil {
			return err
		}
		if cm.Data == nil {
			cm.Data = map[string]string{}
		}
		if err := fn(cm.Data); err != nil {
			return err
		}
		_, err = cms.Update(ctx, cm, metav1.UpdateOptions{})
		return err
	})
}
