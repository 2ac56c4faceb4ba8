package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gregtusar/bfxexec/pkg/models"
)

const createOrdersTable = `
CREATE TABLE IF NOT EXISTS bfx_orders (
	id          TEXT PRIMARY KEY,
	external_id TEXT UNIQUE,
	status      TEXT NOT NULL,
	body        JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const upsertOrder = `
INSERT INTO bfx_orders (id, external_id, status, body, updated_at)
VALUES ($1, NULLIF($2, ''), $3, $4, now())
ON CONFLICT (id) DO UPDATE
SET external_id = EXCLUDED.external_id,
	status = EXCLUDED.status,
	body = EXCLUDED.body,
	updated_at = now()`

// PostgresStore persists orders as JSONB rows.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and creates the orders table if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, createOrdersTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create orders table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) FindByExternalID(ctx context.Context, externalID string) (*models.Order, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM bfx_orders WHERE external_id = $1`, externalID).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query order %s: %w", externalID, err)
	}
	return decode(body)
}

func (s *PostgresStore) Save(ctx context.Context, order *models.Order) (*models.Order, error) {
	assignID(order)
	body, err := encode(order)
	if err != nil {
		return nil, err
	}
	if _, err := s.pool.Exec(ctx, upsertOrder, order.ID, order.ExternalID, string(order.Status), body); err != nil {
		return nil, fmt.Errorf("save order %s: %w", order.ID, err)
	}
	return order, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*models.Order, error) {
	rows, err := s.pool.Query(ctx, `SELECT body FROM bfx_orders ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		order, err := decode(body)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return orders, nil
}
