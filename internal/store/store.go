// Package store defines the persistence interface for the shares venue.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/hivetrade/shares-engine/internal/model"
)

// ErrNotFound is returned when a binding or trade does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Subject registry ---

	// UpsertBinding persists a subject ↔ instance binding, replacing any
	// previous row for the same subject key.
	UpsertBinding(ctx context.Context, b *model.Binding) error

	// DeleteBinding removes a subject's binding (rebind releases the old
	// key).
	DeleteBinding(ctx context.Context, subjectKey string) error

	// GetBinding retrieves a binding by its subject key.
	GetBinding(ctx context.Context, subjectKey string) (*model.Binding, error)

	// GetBindingByInstance retrieves a binding by instance address.
	GetBindingByInstance(ctx context.Context, instance model.Address) (*model.Binding, error)

	// ListBindings returns all bindings.
	ListBindings(ctx context.Context) ([]model.Binding, error)

	// --- Immutable trade log ---

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, t *model.TradeRecord) error

	// GetTradesByInstance returns all trades for an instance in execution
	// order.
	GetTradesByInstance(ctx context.Context, instance model.Address) ([]model.TradeRecord, error)

	// GetTradesByTrader returns all trades for a trader in execution order.
	GetTradesByTrader(ctx context.Context, trader model.Address) ([]model.TradeRecord, error)
}
