package riskmanager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
)

// PoolRiskRecord is the quarantine state of one capacity pool.
type PoolRiskRecord struct {
	Pool       candidate.PoolKey `json:"pool"`
	Poisoned   bool              `json:"poisoned"`
	PoisonedAt time.Time         `json:"poisonedAt"`
	ExpiresAt  time.Time         `json:"expiresAt"`
	Reason     string            `json:"reason,omitempty"`
	Source     string            `json:"source,omitempty"`
}

// Active reports whether the record still quarantines its pool at now.
func (r PoolRiskRecord) Active(now time.Time) bool {
	return r.Poisoned && now.Before(r.ExpiresAt)
}

// Store persists pool risk records. Implementations must be safe for
// concurrent use and must make a Put visible to every later Get.
//
// DeleteIfExpired removes the record for pool only if the stored record is
// no longer active at now, checked atomically with the removal. It reports
// whether a record was removed.
type Store interface {
	Get(ctx context.Context, pool candidate.PoolKey) (PoolRiskRecord, bool, error)
	Put(ctx context.Context, rec PoolRiskRecord) error
	DeleteIfExpired(ctx context.Context, pool candidate.PoolKey, now time.Time) (bool, error)
	List(ctx context.Context) ([]PoolRiskRecord, error)
}

// MemoryStore keeps records in process memory. It is shared by every
// evaluation worker in the process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[candidate.PoolKey]PoolRiskRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[candidate.PoolKey]PoolRiskRecord)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Get(_ context.Context, pool candidate.PoolKey) (PoolRiskRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[pool]
	return rec, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, rec PoolRiskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Pool] = rec
	return nil
}

func (s *MemoryStore) DeleteIfExpired(_ context.Context, pool candidate.PoolKey, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[pool]
	if !ok || rec.Active(now) {
		return false, nil
	}
	delete(s.records, pool)
	return true, nil
}

func (s *MemoryStore) List(_ context.Context) ([]PoolRiskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PoolRiskRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pool.String() < out[j].Pool.String() })
	return out, nil
}
