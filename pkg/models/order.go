package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID                  string              `json:"id"`
	Symbol              string              `json:"symbol"`
	ExternalID          string              `json:"external_id,omitempty"`
	InstrumentType      InstrumentType      `json:"instrument_type"`
	Direction           OrderDirection      `json:"direction"`
	Type                OrderType           `json:"type"`
	Price1              decimal.NullDecimal `json:"price1"`
	Quantity            OrderQuantity       `json:"quantity"`
	Status              OrderStatus         `json:"status"`
	SubmissionTimestamp *time.Time          `json:"submission_timestamp,omitempty"`
	ExecutionTimestamp  *time.Time          `json:"execution_timestamp,omitempty"`
	Trades              []Trade             `json:"trades,omitempty"`
}

// SubmittedOrder references an order already known to the exchange.
type SubmittedOrder struct {
	ExternalID string `json:"external_id"`
}

type OrderQuantity struct {
	Quantity decimal.Decimal   `json:"quantity"`
	Unit     OrderQuantityUnit `json:"unit"`
}

type InstrumentType string

const (
	InstrumentSpot   InstrumentType = "spot"
	InstrumentMargin InstrumentType = "margin"
)

type OrderDirection string

const (
	OrderDirectionLong  OrderDirection = "LONG"
	OrderDirectionShort OrderDirection = "SHORT"
)

type OrderType string

const (
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
	OrderTypeFOK       OrderType = "FOK"
	OrderTypeIOC       OrderType = "IOC"
)

type OrderQuantityUnit string

const (
	QuantityUnitBase    OrderQuantityUnit = "BASE"
	QuantityUnitQuote   OrderQuantityUnit = "QUOTE"
	QuantityUnitPercent OrderQuantityUnit = "PERCENT"
)

type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusUnknown         OrderStatus = "unknown"
)

// Trade is a single execution against an order, as reported by the exchange.
type Trade struct {
	ID          int64           `json:"id"`
	OrderID     int64           `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Timestamp   time.Time       `json:"timestamp"`
	Amount      decimal.Decimal `json:"amount"`
	Price       decimal.Decimal `json:"price"`
	Fee         decimal.Decimal `json:"fee"`
	FeeCurrency string          `json:"fee_currency"`
	Maker       bool            `json:"maker"`
}

// IsTerminal reports whether the exchange will no longer change the order.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusFilled || o.Status == OrderStatusCancelled
}
