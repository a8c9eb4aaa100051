package progress

import (
	"context"
	"sync"
	"time"

	"github.com/uncovering-world/track-your-regions/internal/region"
)

// MemoryStore keeps progress records in process memory. Suitable for a single
// orchestrator instance; multi-instance deployments use the Redis store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[region.HierarchyID]*Record
	expiry  map[region.HierarchyID]time.Time

	// now is injectable for eviction tests.
	now func() time.Time
}

// NewMemoryStore creates an empty in-memory progress store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[region.HierarchyID]*Record),
		expiry:  make(map[region.HierarchyID]time.Time),
		now:     time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Get(_ context.Context, id region.HierarchyID) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(id)
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Put(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.HierarchyID] = &cp
	delete(s.expiry, rec.HierarchyID)
	return nil
}

func (s *MemoryStore) RequestCancel(_ context.Context, id region.HierarchyID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(id)
	rec, ok := s.records[id]
	if !ok {
		return false, nil
	}
	if !rec.Terminal() {
		rec.CancelRequested = true
	}
	return true, nil
}

func (s *MemoryStore) ExpireAfter(_ context.Context, id region.HierarchyID, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; ok {
		s.expiry[id] = s.now().Add(ttl)
	}
	return nil
}

func (s *MemoryStore) evictLocked(id region.HierarchyID) {
	if at, ok := s.expiry[id]; ok && s.now().After(at) {
		delete(s.records, id)
		delete(s.expiry, id)
	}
}
