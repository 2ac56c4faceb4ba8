package bitfinex

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/bfxexec/pkg/models"
)

const (
	pathActiveOrders = "/v2/auth/r/orders"
	pathOrderHistory = "/v2/auth/r/orders/hist"
	pathWallets      = "/v2/auth/r/wallets"
)

func pathOrderTrades(symbol string, id int64) string {
	return fmt.Sprintf("/v2/auth/r/order/%s:%d/trades", symbol, id)
}

// Bitfinex appends fill details to some statuses, e.g. "EXECUTED @ 1.2(2.0)", so
// those are matched on their leading words.
var statusPrefixes = []struct {
	prefix string
	status models.OrderStatus
}{
	{"EXECUTED", models.OrderStatusFilled},
	{"PARTIALLY FILLED", models.OrderStatusPartiallyFilled},
	{"CANCELED", models.OrderStatusCancelled},
}

// MapStatus translates a Bitfinex order status. Unrecognised statuses map to
// OrderStatusUnknown and are left for the caller to act on.
func MapStatus(status string) models.OrderStatus {
	status = strings.TrimSpace(status)
	if status == "ACTIVE" {
		return models.OrderStatusSubmitted
	}
	for _, p := range statusPrefixes {
		if status == p.prefix || strings.HasPrefix(status, p.prefix+" ") {
			return p.status
		}
	}
	return models.OrderStatusUnknown
}

// CheckOrder refreshes one order from the exchange. It looks at open orders first,
// then order history. An order the exchange does not know about yields (nil, nil).
func (e *Exchange) CheckOrder(ctx context.Context, handle models.SubmittedOrder) (*models.Order, error) {
	id, err := strconv.ParseInt(handle.ExternalID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidExternalID, handle.ExternalID)
	}
	log := e.logger.WithField("external_id", handle.ExternalID)

	remote, found, err := e.findExchangeOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		log.Debug("Order not found on exchange")
		return nil, nil
	}

	local, err := e.store.FindByExternalID(ctx, handle.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", handle.ExternalID, err)
	}
	if local == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFoundLocally, handle.ExternalID)
	}

	return e.reconcile(ctx, local, remote)
}

// GetActiveOrders reconciles every open exchange order that has a local record.
// Orders placed outside this system are skipped.
func (e *Exchange) GetActiveOrders(ctx context.Context) ([]*models.Order, error) {
	remotes, err := e.fetchActiveOrders(ctx)
	if err != nil {
		return nil, err
	}

	orders := make([]*models.Order, 0, len(remotes))
	for _, remote := range remotes {
		local, err := e.store.FindByExternalID(ctx, remote.externalID())
		if err != nil {
			return nil, fmt.Errorf("load order %d: %w", remote.ID, err)
		}
		if local == nil {
			e.logger.WithFields(logrus.Fields{
				"external_id": remote.ID,
				"symbol":      remote.Symbol,
			}).Debug("Skipping untracked exchange order")
			continue
		}

		order, err := e.reconcile(ctx, local, remote)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// CancelAllOrders cancels every open exchange order concurrently. One failing
// cancellation does not stop the others; all failures are returned joined.
func (e *Exchange) CancelAllOrders(ctx context.Context) ([]*models.Order, error) {
	remotes, err := e.fetchActiveOrders(ctx)
	if err != nil {
		return nil, err
	}
	e.logger.WithField("count", len(remotes)).Info("Cancelling all open orders")

	results := make([]*models.Order, len(remotes))
	errs := make([]error, len(remotes))

	var wg sync.WaitGroup
	for i, remote := range remotes {
		wg.Add(1)
		go func(i int, remote exchangeOrder) {
			defer wg.Done()

			order, err := e.store.FindByExternalID(ctx, remote.externalID())
			if err != nil {
				errs[i] = fmt.Errorf("load order %d: %w", remote.ID, err)
				return
			}
			if order == nil {
				order = &models.Order{
					ExternalID: remote.externalID(),
					Symbol:     remote.Symbol,
					Status:     MapStatus(remote.Status),
				}
			}
			results[i], errs[i] = e.CancelOrder(ctx, order)
		}(i, remote)
	}
	wg.Wait()

	cancelled := make([]*models.Order, 0, len(results))
	for _, order := range results {
		if order != nil {
			cancelled = append(cancelled, order)
		}
	}
	return cancelled, errors.Join(errs...)
}

// FetchWallet returns every wallet balance on the account.
func (e *Exchange) FetchWallet(ctx context.Context) ([]models.AssetHolding, error) {
	raw, err := e.post(ctx, pathWallets, struct{}{})
	if err != nil {
		return nil, err
	}
	return decodeWallets(raw)
}

// Holdings returns the balances of the wallet that trades the given instrument type.
func (e *Exchange) Holdings(ctx context.Context, instrument models.InstrumentType) ([]models.AssetHolding, error) {
	all, err := e.FetchWallet(ctx)
	if err != nil {
		return nil, err
	}

	walletType := "exchange"
	if instrument == models.InstrumentMargin {
		walletType = "margin"
	}
	holdings := make([]models.AssetHolding, 0, len(all))
	for _, h := range all {
		if h.WalletType == walletType {
			holdings = append(holdings, h)
		}
	}
	return holdings, nil
}

// reconcile merges the exchange view of an order into the local record and saves it.
func (e *Exchange) reconcile(ctx context.Context, local *models.Order, remote exchangeOrder) (*models.Order, error) {
	previous := local.Status
	local.Status = MapStatus(remote.Status)

	if dir, ok := directionOf(remote); ok {
		local.Direction = dir
	}
	if local.Symbol == "" {
		local.Symbol = remote.Symbol
	}
	if local.Status == models.OrderStatusFilled && previous != models.OrderStatusFilled {
		executed := e.now().UTC()
		local.ExecutionTimestamp = &executed
	}
	if local.SubmissionTimestamp == nil && !remote.CreatedAt.IsZero() {
		submitted := remote.CreatedAt
		local.SubmissionTimestamp = &submitted
	}

	trades, err := e.fetchTrades(ctx, remote.Symbol, remote.ID)
	if err != nil {
		return nil, err
	}
	local.Trades = trades
	if !local.Price1.Valid {
		if last, ok := latestTrade(trades); ok {
			local.Price1 = decimal.NewNullDecimal(last.Price)
		}
	}

	log := e.logger.WithFields(logrus.Fields{
		"external_id": local.ExternalID,
		"status":      local.Status,
		"raw_status":  remote.Status,
		"trades":      len(trades),
	})
	switch {
	case local.Status == models.OrderStatusUnknown:
		log.Warn("Unrecognised exchange order status")
	case local.Status != previous:
		log.WithField("previous", previous).Info("Order status changed")
	default:
		log.Debug("Order reconciled")
	}

	return e.store.Save(ctx, local)
}

// directionOf reads the direction from the sign of the remaining amount, falling
// back to the original amount once the order is fully executed.
func directionOf(o exchangeOrder) (models.OrderDirection, bool) {
	amount := o.Amount
	if amount.IsZero() {
		amount = o.OriginalAmount
	}
	switch amount.Sign() {
	case 1:
		return models.OrderDirectionLong, true
	case -1:
		return models.OrderDirectionShort, true
	default:
		return "", false
	}
}

func latestTrade(trades []models.Trade) (models.Trade, bool) {
	if len(trades) == 0 {
		return models.Trade{}, false
	}
	latest := trades[0]
	for _, t := range trades[1:] {
		if t.Timestamp.After(latest.Timestamp) || (t.Timestamp.Equal(latest.Timestamp) && t.ID > latest.ID) {
			latest = t
		}
	}
	return latest, true
}

func (e *Exchange) findExchangeOrder(ctx context.Context, id int64) (exchangeOrder, bool, error) {
	active, err := e.fetchActiveOrders(ctx)
	if err != nil {
		return exchangeOrder{}, false, err
	}
	for _, o := range active {
		if o.ID == id {
			return o, true, nil
		}
	}

	raw, err := e.post(ctx, pathOrderHistory, map[string][]int64{"id": {id}})
	if err != nil {
		return exchangeOrder{}, false, err
	}
	history, err := decodeOrders(raw)
	if err != nil {
		return exchangeOrder{}, false, err
	}
	for _, o := range history {
		if o.ID == id {
			return o, true, nil
		}
	}
	return exchangeOrder{}, false, nil
}

func (e *Exchange) fetchActiveOrders(ctx context.Context) ([]exchangeOrder, error) {
	raw, err := e.post(ctx, pathActiveOrders, struct{}{})
	if err != nil {
		return nil, err
	}
	return decodeOrders(raw)
}

func (e *Exchange) fetchTrades(ctx context.Context, symbol string, id int64) ([]models.Trade, error) {
	raw, err := e.post(ctx, pathOrderTrades(symbol, id), struct{}{})
	if err != nil {
		return nil, err
	}
	return decodeTrades(raw)
}
