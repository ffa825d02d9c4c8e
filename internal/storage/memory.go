package storage

import (
	"context"
	"sync"

	"nanobanana-cli/internal/domain"
	"nanobanana-cli/internal/ports"
)

// DefaultMemoryCapacity bounds the in-memory history.
const DefaultMemoryCapacity = 1000

// MemoryStore is a process-local history.  The oldest record is evicted
// once capacity is reached.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]domain.GenerationRecord
	order    []string
	capacity int
}

// NewMemoryStore creates a store holding at most capacity records; a
// non-positive capacity selects DefaultMemoryCapacity.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{records: make(map[string]domain.GenerationRecord), capacity: capacity}
}

// Save implements ports.GenerationStore.  A record with a known task id
// replaces the stored one.
func (s *MemoryStore) Save(_ context.Context, rec domain.GenerationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.TaskID]; !ok {
		s.order = append(s.order, rec.TaskID)
		if len(s.order) > s.capacity {
			delete(s.records, s.order[0])
			s.order = s.order[1:]
		}
	}
	rec.ImageURLs = append([]string(nil), rec.ImageURLs...)
	s.records[rec.TaskID] = rec
	return nil
}

// Get returns nil without error for an unknown task id.
func (s *MemoryStore) Get(_ context.Context, taskID string) (*domain.GenerationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[taskID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Recent returns up to limit records, newest first.
func (s *MemoryStore) Recent(_ context.Context, limit int) ([]domain.GenerationRecord, error) {
	limit = recentLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.GenerationRecord, 0, min(limit, len(s.order)))
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[s.order[i]])
	}
	return out, nil
}

// Close implements ports.GenerationStore.
func (s *MemoryStore) Close() error { return nil }

var _ ports.GenerationStore = (*MemoryStore)(nil)
