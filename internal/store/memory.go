package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/hivetrade/shares-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	bindings map[string]*model.Binding
	trades   []model.TradeRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bindings: make(map[string]*model.Binding),
	}
}

func (s *MemoryStore) UpsertBinding(_ context.Context, b *model.Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	copy := *b
	s.bindings[b.SubjectKey] = &copy
	return nil
}

func (s *MemoryStore) DeleteBinding(_ context.Context, subjectKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, subjectKey)
	return nil
}

func (s *MemoryStore) GetBinding(_ context.Context, subjectKey string) (*model.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bindings[subjectKey]
	if !ok {
		return nil, fmt.Errorf("%w: binding %s", ErrNotFound, subjectKey)
	}
	copy := *b
	return &copy, nil
}

func (s *MemoryStore) GetBindingByInstance(_ context.Context, instance model.Address) (*model.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, b := range s.bindings {
		if b.Instance == instance {
			copy := *b
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("%w: binding for instance %s", ErrNotFound, instance)
}

func (s *MemoryStore) ListBindings(_ context.Context) ([]model.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bindings := make([]model.Binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		bindings = append(bindings, *b)
	}
	return bindings, nil
}

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) GetTradesByInstance(_ context.Context, instance model.Address) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeRecord
	for _, t := range s.trades {
		if t.Instance == instance {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetTradesByTrader(_ context.Context, trader model.Address) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeRecord
	for _, t := range s.trades {
		if t.Trader == trader {
			result = append(result, t)
		}
	}
	return result, nil
}
