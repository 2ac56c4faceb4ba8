package store

import (
	"context"
	"sort"
	"sync"

	"github.com/gregtusar/bfxexec/pkg/models"
)

// MemoryStore keeps orders in process. Callers get copies, so mutating a returned
// order does not change what is stored until it is saved again.
type MemoryStore struct {
	mu         sync.RWMutex
	orders     map[string]models.Order
	byExternal map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:     make(map[string]models.Order),
		byExternal: make(map[string]string),
	}
}

func (s *MemoryStore) FindByExternalID(_ context.Context, externalID string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byExternal[externalID]
	if !ok {
		return nil, nil
	}
	order := clone(s.orders[id])
	return &order, nil
}

func (s *MemoryStore) Save(_ context.Context, order *models.Order) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	assignID(order)
	if prev, ok := s.orders[order.ID]; ok && prev.ExternalID != order.ExternalID {
		delete(s.byExternal, prev.ExternalID)
	}
	s.orders[order.ID] = clone(*order)
	if order.ExternalID != "" {
		s.byExternal[order.ExternalID] = order.ID
	}
	return order, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]*models.Order, 0, len(s.orders))
	for _, o := range s.orders {
		order := clone(o)
		orders = append(orders, &order)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders, nil
}

func (s *MemoryStore) Close() error { return nil }

func clone(o models.Order) models.Order {
	if o.Trades != nil {
		o.Trades = append([]models.Trade(nil), o.Trades...)
	}
	if o.SubmissionTimestamp != nil {
		ts := *o.SubmissionTimestamp
		o.SubmissionTimestamp = &ts
	}
	if o.ExecutionTimestamp != nil {
		ts := *o.ExecutionTimestamp
		o.ExecutionTimestamp = &ts
	}
	return o
}
