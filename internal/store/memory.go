package store

import (
	"context"
	"fmt"
	"sync"

	"tripsaga/internal/saga"
)

// MemoryStore keeps sagas in process memory. It is safe for concurrent use.
type MemoryStore struct {
	mu    sync.Mutex
	sagas map[string]saga.Saga
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sagas: make(map[string]saga.Saga)}
}

func (m *MemoryStore) Create(ctx context.Context, s saga.Saga) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sagas[s.CorrelationID]; exists {
		return fmt.Errorf("create %s: %w", s.CorrelationID, saga.ErrConflict)
	}
	if s.Version == 0 {
		s.Version = 1
	}
	m.sagas[s.CorrelationID] = s
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, correlationID string) (saga.Saga, error) {
	if err := ctx.Err(); err != nil {
		return saga.Saga{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sagas[correlationID]
	if !ok {
		return saga.Saga{}, saga.ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) Update(ctx context.Context, s saga.Saga) (saga.Saga, error) {
	if err := ctx.Err(); err != nil {
		return saga.Saga{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sagas[s.CorrelationID]
	if !ok {
		return saga.Saga{}, saga.ErrNotFound
	}
	if current.Version != s.Version {
		return saga.Saga{}, fmt.Errorf("update %s at version %d (stored %d): %w", s.CorrelationID, s.Version, current.Version, saga.ErrConflict)
	}
	s.Version++
	m.sagas[s.CorrelationID] = s
	return s, nil
}
