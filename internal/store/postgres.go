package store

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hivetrade/shares-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC and moved as TEXT so wei-scale
// integers survive the round trip exactly.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) UpsertBinding(ctx context.Context, b *model.Binding) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bindings (subject_key, collection, item_id, instance, new_deployment, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (subject_key) DO UPDATE
		 SET instance = EXCLUDED.instance, new_deployment = EXCLUDED.new_deployment`,
		b.SubjectKey, b.Collection, b.ItemID, b.Instance, b.NewDeployment, b.CreatedAt,
	)
	return err
}

func (s *PostgresStore) DeleteBinding(ctx context.Context, subjectKey string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM bindings WHERE subject_key = $1`, subjectKey)
	return err
}

func (s *PostgresStore) GetBinding(ctx context.Context, subjectKey string) (*model.Binding, error) {
	var b model.Binding
	err := s.pool.QueryRow(ctx,
		`SELECT subject_key, collection, item_id, instance, new_deployment, created_at
		 FROM bindings WHERE subject_key = $1`, subjectKey).
		Scan(&b.SubjectKey, &b.Collection, &b.ItemID, &b.Instance, &b.NewDeployment, &b.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get binding %s: %w", subjectKey, err)
	}
	return &b, nil
}

func (s *PostgresStore) GetBindingByInstance(ctx context.Context, instance model.Address) (*model.Binding, error) {
	var b model.Binding
	err := s.pool.QueryRow(ctx,
		`SELECT subject_key, collection, item_id, instance, new_deployment, created_at
		 FROM bindings WHERE instance = $1`, instance).
		Scan(&b.SubjectKey, &b.Collection, &b.ItemID, &b.Instance, &b.NewDeployment, &b.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get binding by instance %s: %w", instance, err)
	}
	return &b, nil
}

func (s *PostgresStore) ListBindings(ctx context.Context) ([]model.Binding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT subject_key, collection, item_id, instance, new_deployment, created_at
		 FROM bindings ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bindings []model.Binding
	for rows.Next() {
		var b model.Binding
		if err := rows.Scan(&b.SubjectKey, &b.Collection, &b.ItemID,
			&b.Instance, &b.NewDeployment, &b.CreatedAt); err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.TradeRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, instance, collection, item_id, trader, issuer, side, amount,
		                     base_price, protocol_fee, holders_fee, subject_fee, supply_after, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13, $14)`,
		t.ID, t.Instance, t.Subject.Collection, t.Subject.ItemID,
		t.Trader, t.Issuer, t.Side, t.Amount,
		t.BasePrice.String(), t.ProtocolFee.String(), t.HoldersFee.String(), t.SubjectFee.String(),
		t.SupplyAfter, t.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetTradesByInstance(ctx context.Context, instance model.Address) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, instance, collection, item_id, trader, issuer, side, amount,
		        base_price::TEXT, protocol_fee::TEXT, holders_fee::TEXT, subject_fee::TEXT,
		        supply_after, timestamp
		 FROM trades WHERE instance = $1 ORDER BY timestamp`, instance)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) GetTradesByTrader(ctx context.Context, trader model.Address) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, instance, collection, item_id, trader, issuer, side, amount,
		        base_price::TEXT, protocol_fee::TEXT, holders_fee::TEXT, subject_fee::TEXT,
		        supply_after, timestamp
		 FROM trades WHERE trader = $1 ORDER BY timestamp`, trader)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// scanTrades reads pgx rows into TradeRecord slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTrades(rows pgxRows) ([]model.TradeRecord, error) {
	var trades []model.TradeRecord
	for rows.Next() {
		var t model.TradeRecord
		var baseS, protoS, holdersS, subjS string

		if err := rows.Scan(&t.ID, &t.Instance, &t.Subject.Collection, &t.Subject.ItemID,
			&t.Trader, &t.Issuer, &t.Side, &t.Amount,
			&baseS, &protoS, &holdersS, &subjS,
			&t.SupplyAfter, &t.Timestamp); err != nil {
			return nil, err
		}

		t.BasePrice, _ = new(big.Int).SetString(baseS, 10)
		t.ProtocolFee, _ = new(big.Int).SetString(protoS, 10)
		t.HoldersFee, _ = new(big.Int).SetString(holdersS, 10)
		t.SubjectFee, _ = new(big.Int).SetString(subjS, 10)

		trades = append(trades, t)
	}
	return trades, rows.Err()
}
