// Package trader runs the background loops that keep local order state in step with
// the exchange.
package trader

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/bfxexec/pkg/models"
)

type OrderReconciler interface {
	GetActiveOrders(ctx context.Context) ([]*models.Order, error)
}

type TickerSource interface {
	GetTickerData(ctx context.Context, symbol string) (*models.TickerData, error)
}

type MonitorConfig struct {
	ReconcileInterval time.Duration
	// TickerInterval polls tickers over REST. Zero disables polling, e.g. when a
	// TickerStream feeds UpdateTicker instead.
	TickerInterval time.Duration
	Symbols        []string
}

// Monitor periodically reconciles open orders and keeps the latest ticker per symbol.
type Monitor struct {
	orders     OrderReconciler
	tickers    TickerSource
	cfg        MonitorConfig
	marketData *MarketDataCache
	logger     *logrus.Logger

	mu         sync.RWMutex
	lastStatus map[string]models.OrderStatus
	active     []*models.Order

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type MarketDataCache struct {
	tickers map[string]models.TickerData
	mu      sync.RWMutex
}

func NewMonitor(orders OrderReconciler, tickers TickerSource, cfg MonitorConfig, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Monitor{
		orders:  orders,
		tickers: tickers,
		cfg:     cfg,
		marketData: &MarketDataCache{
			tickers: make(map[string]models.TickerData),
		},
		logger:     logger,
		lastStatus: make(map[string]models.OrderStatus),
		stopCh:     make(chan struct{}),
	}
}

func (m *Monitor) Start(ctx context.Context) error {
	m.logger.WithFields(logrus.Fields{
		"reconcile_interval": m.cfg.ReconcileInterval,
		"ticker_interval":    m.cfg.TickerInterval,
		"symbols":            m.cfg.Symbols,
	}).Info("Starting order monitor")

	if m.cfg.ReconcileInterval > 0 {
		m.wg.Add(1)
		go m.loop(ctx, m.cfg.ReconcileInterval, m.reconcileOnce)
	}
	if m.cfg.TickerInterval > 0 && m.tickers != nil && len(m.cfg.Symbols) > 0 {
		m.wg.Add(1)
		go m.loop(ctx, m.cfg.TickerInterval, m.pollTickers)
	}
	return nil
}

// Stop ends the loops and waits for them to return. It is safe to call twice.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.logger.Info("Stopping order monitor")
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (m *Monitor) reconcileOnce(ctx context.Context) {
	orders, err := m.orders.GetActiveOrders(ctx)
	if err != nil {
		m.logger.WithError(err).Error("Failed to reconcile active orders")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range orders {
		previous, seen := m.lastStatus[o.ExternalID]
		if seen && previous != o.Status {
			m.logger.WithFields(logrus.Fields{
				"external_id": o.ExternalID,
				"symbol":      o.Symbol,
				"previous":    previous,
				"status":      o.Status,
			}).Info("Order status changed")
		}
		m.lastStatus[o.ExternalID] = o.Status
	}
	m.active = orders
	m.logger.WithField("active_orders", len(orders)).Debug("Reconciled active orders")
}

func (m *Monitor) pollTickers(ctx context.Context) {
	var wg sync.WaitGroup
	for _, symbol := range m.cfg.Symbols {
		wg.Add(1)
		go func(s string) {
			defer wg.Done()
			td, err := m.tickers.GetTickerData(ctx, s)
			if err != nil {
				m.logger.WithError(err).WithField("symbol", s).Error("Failed to get ticker")
				return
			}
			m.UpdateTicker(*td)
		}(symbol)
	}
	wg.Wait()
}

// ActiveOrders returns the result of the last successful reconciliation.
func (m *Monitor) ActiveOrders() []*models.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*models.Order(nil), m.active...)
}

// UpdateTicker records a ticker. Its signature matches bitfinex.TickerHandler.
func (m *Monitor) UpdateTicker(td models.TickerData) {
	m.marketData.mu.Lock()
	m.marketData.tickers[td.Symbol] = td
	m.marketData.mu.Unlock()
}

func (m *Monitor) LatestTicker(symbol string) (models.TickerData, bool) {
	m.marketData.mu.RLock()
	defer m.marketData.mu.RUnlock()
	td, ok := m.marketData.tickers[symbol]
	return td, ok
}
