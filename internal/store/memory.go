package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store. The production deployment points at the
// shared status store; Memory backs tests and single-node setups.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

// Get returns a copy of the user's record.
func (m *Memory) Get(ctx context.Context, userID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := rec
	return &copied, nil
}

// Save stores a copy of rec keyed by its user id.
func (m *Memory) Save(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m.records[rec.UserID] = *rec
	return nil
}
