package bitfinex

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/bfxexec/pkg/models"
)

const (
	pathSubmitOrder = "/v2/auth/w/order/submit"
	pathCancelOrder = "/v2/auth/w/order/cancel"
)

var spotOrderTypes = map[models.OrderType]string{
	models.OrderTypeLimit:     "EXCHANGE LIMIT",
	models.OrderTypeMarket:    "EXCHANGE MARKET",
	models.OrderTypeStop:      "EXCHANGE STOP",
	models.OrderTypeStopLimit: "EXCHANGE STOP LIMIT",
	models.OrderTypeFOK:       "EXCHANGE FOK",
	models.OrderTypeIOC:       "EXCHANGE IOC",
}

var marginOrderTypes = map[models.OrderType]string{
	models.OrderTypeLimit:     "LIMIT",
	models.OrderTypeMarket:    "MARKET",
	models.OrderTypeStop:      "STOP",
	models.OrderTypeStopLimit: "STOP LIMIT",
	models.OrderTypeFOK:       "FOK",
	models.OrderTypeIOC:       "IOC",
}

// ExchangeOrderType returns the Bitfinex name for an order type.
func ExchangeOrderType(instrument models.InstrumentType, t models.OrderType) (string, error) {
	table := spotOrderTypes
	if instrument == models.InstrumentMargin {
		table = marginOrderTypes
	}
	name, ok := table[t]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedOrderType, t)
	}
	return name, nil
}

type submitRequest struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
	Amount string `json:"amount"`
	Price  string `json:"price,omitempty"`
}

type cancelRequest struct {
	ID int64 `json:"id"`
}

// SubmitOrder places the order and records the exchange-assigned id on it. Every
// precondition is checked before anything is sent.
func (e *Exchange) SubmitOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	if order.ExternalID != "" {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubmitted, order.ExternalID)
	}
	if !order.Quantity.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidQuantity, order.Quantity.Quantity)
	}

	orderType, err := ExchangeOrderType(order.InstrumentType, order.Type)
	if err != nil {
		return nil, err
	}

	req := submitRequest{
		Type:   orderType,
		Symbol: order.Symbol,
	}
	if order.Type != models.OrderTypeMarket {
		price, err := orderPrice(order)
		if err != nil {
			return nil, err
		}
		req.Price = price.String()
	}

	amount, err := e.resolver.Resolve(ctx, order)
	if err != nil {
		return nil, err
	}
	// Percent sizing against an empty balance, or rounding to exchange precision, can leave nothing to trade.
	if amount.IsZero() {
		return nil, fmt.Errorf("%w: %s resolves to zero", ErrInvalidQuantity, order.Quantity.Quantity)
	}
	req.Amount = amount.String()

	log := e.logger.WithFields(logrus.Fields{
		"symbol": order.Symbol,
		"type":   req.Type,
		"amount": req.Amount,
		"price":  req.Price,
	})
	log.Info("Submitting order")

	raw, err := e.post(ctx, pathSubmitOrder, req)
	if err != nil {
		log.WithError(err).Error("Order submission failed")
		return nil, err
	}

	id, err := decodeSubmitted(raw)
	if err != nil {
		log.WithError(err).Error("Order submission failed")
		return nil, err
	}

	order.ExternalID = strconv.FormatInt(id, 10)
	order.Status = models.OrderStatusSubmitted
	log.WithField("external_id", order.ExternalID).Info("Order submitted")

	return e.store.Save(ctx, order)
}

// CancelRetry bounds the cancel retry loop. Delays grow from BaseDelay, doubling on
// each attempt, capped at MaxDelay.
type CancelRetry struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultCancelRetry() CancelRetry {
	return CancelRetry{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Backoff returns the delay before retry number attempt, counted from zero.
func (c CancelRetry) Backoff(attempt int) time.Duration {
	if attempt < 0 || c.BaseDelay <= 0 {
		return c.BaseDelay
	}
	if attempt > 30 {
		return c.MaxDelay
	}
	delay := c.BaseDelay * time.Duration(1<<attempt)
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}

// CancelOrder cancels the order on the exchange and marks the stored record
// cancelled. Failed attempts are retried with backoff until the retry budget or ctx
// runs out.
func (e *Exchange) CancelOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	id, err := strconv.ParseInt(order.ExternalID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidExternalID, order.ExternalID)
	}

	attempts := e.cancelRetry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	log := e.logger.WithField("external_id", order.ExternalID)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := e.cancelRetry.Backoff(attempt - 1)
			log.WithError(lastErr).WithFields(logrus.Fields{
				"attempt": attempt + 1,
				"backoff": delay,
			}).Warn("Retrying order cancellation")

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("cancel order %s: %w", order.ExternalID, errors.Join(ctx.Err(), lastErr))
			case <-time.After(delay):
			}
		}

		lastErr = e.cancelOnce(ctx, id)
		if lastErr == nil {
			return e.markCancelled(ctx, order)
		}
	}

	log.WithError(lastErr).Error("Giving up on order cancellation")
	return nil, fmt.Errorf("%w: order %s after %d attempts: %w", ErrCancelRetriesExhausted, order.ExternalID, attempts, lastErr)
}

func (e *Exchange) cancelOnce(ctx context.Context, id int64) error {
	raw, err := e.post(ctx, pathCancelOrder, cancelRequest{ID: id})
	if err != nil {
		return err
	}
	return decodeCancelled(raw)
}

func (e *Exchange) markCancelled(ctx context.Context, order *models.Order) (*models.Order, error) {
	stored, err := e.store.FindByExternalID(ctx, order.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", order.ExternalID, err)
	}
	if stored == nil {
		order.Status = models.OrderStatusCancelled
		e.logger.WithField("external_id", order.ExternalID).Info("Cancelled untracked order")
		return order, nil
	}

	stored.Status = models.OrderStatusCancelled
	e.logger.WithField("external_id", order.ExternalID).Info("Order cancelled")
	return e.store.Save(ctx, stored)
}
