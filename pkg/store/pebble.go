package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/gregtusar/bfxexec/pkg/models"
)

// PebbleStore persists orders in an embedded Pebble database.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open order store at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// keys: o:<local id> holds the order, x:<external id> holds the local id
const (
	orderPrefix    = "o:"
	externalPrefix = "x:"
)

func orderKey(id string) []byte          { return []byte(orderPrefix + id) }
func externalKey(externalID string) []byte { return []byte(externalPrefix + externalID) }

func (s *PebbleStore) FindByExternalID(_ context.Context, externalID string) (*models.Order, error) {
	id, err := s.get(externalKey(externalID))
	if err != nil || id == nil {
		return nil, err
	}
	data, err := s.get(orderKey(string(id)))
	if err != nil || data == nil {
		return nil, err
	}
	return decode(data)
}

func (s *PebbleStore) Save(_ context.Context, order *models.Order) (*models.Order, error) {
	assignID(order)
	data, err := encode(order)
	if err != nil {
		return nil, err
	}

	prev, err := s.get(orderKey(order.ID))
	if err != nil {
		return nil, err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if prev != nil {
		old, err := decode(prev)
		if err != nil {
			return nil, err
		}
		if old.ExternalID != "" && old.ExternalID != order.ExternalID {
			if err := batch.Delete(externalKey(old.ExternalID), nil); err != nil {
				return nil, fmt.Errorf("failed to unindex order %s: %w", order.ID, err)
			}
		}
	}
	if err := batch.Set(orderKey(order.ID), data, nil); err != nil {
		return nil, fmt.Errorf("failed to save order %s: %w", order.ID, err)
	}
	if order.ExternalID != "" {
		if err := batch.Set(externalKey(order.ExternalID), []byte(order.ID), nil); err != nil {
			return nil, fmt.Errorf("failed to index order %s: %w", order.ID, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to save order %s: %w", order.ID, err)
	}
	return order, nil
}

func (s *PebbleStore) List(_ context.Context) ([]*models.Order, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(orderPrefix),
		UpperBound: []byte("o;"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate orders: %w", err)
	}
	defer iter.Close()

	var orders []*models.Order
	for iter.First(); iter.Valid(); iter.Next() {
		order, err := decode(iter.Value())
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate orders: %w", err)
	}
	return orders, nil
}

// get returns a copy of the value, or nil when the key is absent.
func (s *PebbleStore) get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}
