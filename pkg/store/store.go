// Package store persists orders between submission and reconciliation.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/gregtusar/bfxexec/pkg/models"
)

// Store is the order persistence used by the exchange adapter and the API.
// FindByExternalID returns (nil, nil) when nothing matches.
type Store interface {
	FindByExternalID(ctx context.Context, externalID string) (*models.Order, error)
	Save(ctx context.Context, order *models.Order) (*models.Order, error)
	List(ctx context.Context) ([]*models.Order, error)
	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PebbleStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// assignID gives a new order its local id.
func assignID(order *models.Order) {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
}

func encode(order *models.Order) ([]byte, error) {
	data, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order %s: %w", order.ID, err)
	}
	return data, nil
}

func decode(data []byte) (*models.Order, error) {
	var order models.Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &order, nil
}
