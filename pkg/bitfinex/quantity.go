package bitfinex

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/gregtusar/bfxexec/pkg/models"
)

// amountPlaces is the precision Bitfinex accepts for order amounts.
const amountPlaces = 8

var hundred = decimal.NewFromInt(100)

// HoldingsLookup returns current balances of the wallet that backs an instrument type.
type HoldingsLookup interface {
	Holdings(ctx context.Context, instrument models.InstrumentType) ([]models.AssetHolding, error)
}

// QuantityResolver turns an order's declared quantity into the signed base-unit
// amount Bitfinex expects: positive buys, negative sells.
type QuantityResolver struct {
	holdings HoldingsLookup
}

func NewQuantityResolver(holdings HoldingsLookup) *QuantityResolver {
	return &QuantityResolver{holdings: holdings}
}

func (r *QuantityResolver) Resolve(ctx context.Context, order *models.Order) (decimal.Decimal, error) {
	qty := order.Quantity.Quantity
	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidQuantity, qty)
	}

	sign, err := directionSign(order.Direction)
	if err != nil {
		return decimal.Zero, err
	}

	switch order.Quantity.Unit {
	case models.QuantityUnitBase, "":
		return qty.Mul(sign).Round(amountPlaces), nil

	case models.QuantityUnitQuote:
		price, err := orderPrice(order)
		if err != nil {
			return decimal.Zero, err
		}
		return qty.Mul(sign).Div(price).Round(amountPlaces), nil

	case models.QuantityUnitPercent:
		return r.resolvePercent(ctx, order, sign)

	default:
		return decimal.Zero, fmt.Errorf("%w: unit %q", ErrInvalidQuantity, order.Quantity.Unit)
	}
}

// resolvePercent sizes buys from the quote balance and sells from the base balance.
func (r *QuantityResolver) resolvePercent(ctx context.Context, order *models.Order, sign decimal.Decimal) (decimal.Decimal, error) {
	base, quote, err := ParsePair(order.Symbol)
	if err != nil {
		return decimal.Zero, err
	}

	holdings, err := r.holdings.Holdings(ctx, order.InstrumentType)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch holdings: %w", err)
	}
	fraction := order.Quantity.Quantity.Div(hundred)

	switch order.Direction {
	case models.OrderDirectionLong:
		price, err := orderPrice(order)
		if err != nil {
			return decimal.Zero, err
		}
		balance := holdingAmount(holdings, quote)
		return balance.Mul(fraction).Div(price).Round(amountPlaces), nil

	case models.OrderDirectionShort:
		balance := holdingAmount(holdings, base)
		return balance.Mul(fraction).Mul(sign).Round(amountPlaces), nil

	default:
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownDirection, order.Direction)
	}
}

func directionSign(d models.OrderDirection) (decimal.Decimal, error) {
	switch d {
	case models.OrderDirectionLong:
		return decimal.NewFromInt(1), nil
	case models.OrderDirectionShort:
		return decimal.NewFromInt(-1), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownDirection, d)
	}
}

func orderPrice(order *models.Order) (decimal.Decimal, error) {
	if !order.Price1.Valid || !order.Price1.Decimal.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: order %s", ErrMissingPrice, order.Symbol)
	}
	return order.Price1.Decimal, nil
}

// holdingAmount sums balances of an asset. Missing assets count as zero.
func holdingAmount(holdings []models.AssetHolding, asset string) decimal.Decimal {
	total := decimal.Zero
	for _, h := range holdings {
		if strings.EqualFold(h.Name, asset) {
			total = total.Add(decimal.NewFromFloat(h.Amount))
		}
	}
	return total
}
