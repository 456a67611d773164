// Package memory provides in-process repositories used when no database is configured.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/coachpo/runner/internal/domain/runstore"
)

// RunStore keeps the most recent run records in a fixed-size ring.
type RunStore struct {
	mu       sync.RWMutex
	entries  []runstore.Record
	index    map[uuid.UUID]int
	next     int
	size     int
	capacity int
}

// NewRunStore constructs a ring holding up to capacity records.
func NewRunStore(capacity int) *RunStore {
	if capacity <= 0 {
		capacity = 256
	}
	return &RunStore{
		entries:  make([]runstore.Record, capacity),
		index:    make(map[uuid.UUID]int, capacity),
		capacity: capacity,
	}
}

// Save stores record, evicting the oldest entry when full. Saving an existing id replaces it.
func (s *RunStore) Save(_ context.Context, record runstore.Record) error {
	if record.ID == uuid.Nil {
		return fmt.Errorf("run store: id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok := s.index[record.ID]; ok {
		s.entries[slot] = record
		return nil
	}
	if s.size == s.capacity {
		delete(s.index, s.entries[s.next].ID)
	} else {
		s.size++
	}
	s.entries[s.next] = record
	s.index[record.ID] = s.next
	s.next = (s.next + 1) % s.capacity
	return nil
}

// Get returns the record stored under id.
func (s *RunStore) Get(_ context.Context, id uuid.UUID) (runstore.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.index[id]
	if !ok {
		return runstore.Record{}, runstore.ErrNotFound
	}
	return s.entries[slot], nil
}

// Recent returns up to limit records, most recently started first. A non-positive limit
// returns everything retained.
func (s *RunStore) Recent(_ context.Context, limit int) ([]runstore.Record, error) {
	s.mu.RLock()
	out := make([]runstore.Record, 0, s.size)
	for i := 0; i < s.size; i++ {
		idx := (s.next - 1 - i + s.capacity) % s.capacity
		out = append(out, s.entries[idx])
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of retained records.
func (s *RunStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}
