package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hivetrade/shares-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertBinding(ctx context.Context, b *model.Binding) error {
	if err := s.primary.UpsertBinding(ctx, b); err != nil {
		return err
	}
	s.cacheBinding(ctx, b)
	s.rdb.Set(ctx, instanceKey(b.Instance), b.SubjectKey, s.ttl)
	return nil
}

func (s *CachedStore) DeleteBinding(ctx context.Context, subjectKey string) error {
	if err := s.primary.DeleteBinding(ctx, subjectKey); err != nil {
		return err
	}
	s.rdb.Del(ctx, bindingKey(subjectKey))
	return nil
}

func (s *CachedStore) InsertTrade(ctx context.Context, t *model.TradeRecord) error {
	if err := s.primary.InsertTrade(ctx, t); err != nil {
		return err
	}
	// Invalidate the instance's trade history; next read re-populates.
	s.rdb.Del(ctx, tradesKey(t.Instance))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBinding(ctx context.Context, subjectKey string) (*model.Binding, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, bindingKey(subjectKey)).Bytes()
	if err == nil {
		var b model.Binding
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	// Cache miss: read from primary.
	b, err := s.primary.GetBinding(ctx, subjectKey)
	if err != nil {
		return nil, err
	}

	s.cacheBinding(ctx, b)
	return b, nil
}

func (s *CachedStore) GetBindingByInstance(ctx context.Context, instance model.Address) (*model.Binding, error) {
	// Try cache via instance→subject mapping.
	subjectKey, err := s.rdb.Get(ctx, instanceKey(instance)).Result()
	if err == nil {
		return s.GetBinding(ctx, subjectKey)
	}

	// Cache miss.
	b, err := s.primary.GetBindingByInstance(ctx, instance)
	if err != nil {
		return nil, err
	}

	// Cache both the binding and the instance→subject mapping.
	s.cacheBinding(ctx, b)
	s.rdb.Set(ctx, instanceKey(instance), b.SubjectKey, s.ttl)
	return b, nil
}

func (s *CachedStore) GetTradesByInstance(ctx context.Context, instance model.Address) ([]model.TradeRecord, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, tradesKey(instance)).Bytes()
	if err == nil {
		var trades []model.TradeRecord
		if json.Unmarshal(data, &trades) == nil {
			return trades, nil
		}
	}

	// Cache miss.
	trades, err := s.primary.GetTradesByInstance(ctx, instance)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(trades); err == nil {
		s.rdb.Set(ctx, tradesKey(instance), data, s.ttl)
	}
	return trades, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListBindings(ctx context.Context) ([]model.Binding, error) {
	return s.primary.ListBindings(ctx)
}

func (s *CachedStore) GetTradesByTrader(ctx context.Context, trader model.Address) ([]model.TradeRecord, error) {
	return s.primary.GetTradesByTrader(ctx, trader)
}

// --- Cache helpers ---

func (s *CachedStore) cacheBinding(ctx context.Context, b *model.Binding) {
	if data, err := json.Marshal(b); err == nil {
		s.rdb.Set(ctx, bindingKey(b.SubjectKey), data, s.ttl)
	}
}

func bindingKey(key string) string       { return fmt.Sprintf("binding:%s", key) }
func instanceKey(a model.Address) string { return fmt.Sprintf("instance:%s", a) }
func tradesKey(a model.Address) string   { return fmt.Sprintf("trades:%s", a) }
