package bitfinex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gregtusar/bfxexec/pkg/models"
)

// Bitfinex answers with positional arrays. Everything in this file turns those arrays
// into typed values and fails on layouts it does not recognise, so the rest of the
// package never indexes into raw JSON.

const (
	orderFieldID        = 0
	orderFieldSymbol    = 3
	orderFieldCreated   = 4
	orderFieldUpdated   = 5
	orderFieldAmount    = 6
	orderFieldAmountOrg = 7
	orderFieldType      = 8
	orderFieldStatus    = 13
	orderFieldPrice     = 16
	orderFieldPriceAvg  = 17
	orderFieldCount     = 18

	notifyFieldData   = 4
	notifyFieldStatus = 6
	notifyFieldText   = 7
)

type row []json.RawMessage

func decodeRow(raw []byte, minLen int) (row, error) {
	var r row
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	if len(r) < minLen {
		return nil, fmt.Errorf("%w: expected at least %d fields, got %d", ErrUnexpectedResponse, minLen, len(r))
	}
	return r, nil
}

func decodeRows(raw []byte, minLen int) ([]row, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	rows := make([]row, 0, len(items))
	for _, item := range items {
		r, err := decodeRow(item, minLen)
		if err != nil {
			return nil, err
		}
		rows = append(rows, r)
	}
	return rows, nil
}

func (r row) isNull(i int) bool {
	return bytes.Equal(bytes.TrimSpace(r[i]), []byte("null"))
}

func (r row) int64At(i int) (int64, error) {
	var v int64
	if err := json.Unmarshal(r[i], &v); err != nil {
		return 0, fmt.Errorf("%w: field %d: %v", ErrUnexpectedResponse, i, err)
	}
	return v, nil
}

// floatAt reads a number; null reads as zero.
func (r row) floatAt(i int) (float64, error) {
	if r.isNull(i) {
		return 0, nil
	}
	var v float64
	if err := json.Unmarshal(r[i], &v); err != nil {
		return 0, fmt.Errorf("%w: field %d: %v", ErrUnexpectedResponse, i, err)
	}
	return v, nil
}

func (r row) decimalAt(i int) (decimal.Decimal, error) {
	if r.isNull(i) {
		return decimal.Zero, nil
	}
	var v decimal.Decimal
	if err := json.Unmarshal(r[i], &v); err != nil {
		return decimal.Zero, fmt.Errorf("%w: field %d: %v", ErrUnexpectedResponse, i, err)
	}
	return v, nil
}

func (r row) stringAt(i int) (string, error) {
	if r.isNull(i) {
		return "", nil
	}
	var v string
	if err := json.Unmarshal(r[i], &v); err != nil {
		return "", fmt.Errorf("%w: field %d: %v", ErrUnexpectedResponse, i, err)
	}
	return v, nil
}

// timeAt reads epoch milliseconds. Null or zero reads as the zero time.
func (r row) timeAt(i int) (time.Time, error) {
	if r.isNull(i) {
		return time.Time{}, nil
	}
	ms, err := r.int64At(i)
	if err != nil || ms == 0 {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// checkError detects the ["error", code, message] convention. Bodies of any other
// shape are left for the caller to decode.
func checkError(body []byte) error {
	var r row
	if err := json.Unmarshal(body, &r); err != nil || len(r) == 0 {
		return nil
	}
	if tag, err := r.stringAt(0); err != nil || tag != "error" {
		return nil
	}

	exErr := &ExchangeError{Raw: body}
	if len(r) > 1 {
		exErr.Code, _ = r.int64At(1)
	}
	if len(r) > 2 {
		exErr.Message, _ = r.stringAt(2)
	}
	return exErr
}

// exchangeOrder is an order as Bitfinex reports it.
type exchangeOrder struct {
	ID             int64
	Symbol         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Amount         decimal.Decimal
	OriginalAmount decimal.Decimal
	Type           string
	Status         string
	Price          decimal.Decimal
	AveragePrice   decimal.Decimal
}

func (o exchangeOrder) externalID() string {
	return fmt.Sprintf("%d", o.ID)
}

func decodeOrder(r row) (exchangeOrder, error) {
	if len(r) < orderFieldCount {
		return exchangeOrder{}, fmt.Errorf("%w: order has %d fields", ErrUnexpectedResponse, len(r))
	}

	var (
		o   exchangeOrder
		err error
	)
	if o.ID, err = r.int64At(orderFieldID); err != nil {
		return o, err
	}
	if o.Symbol, err = r.stringAt(orderFieldSymbol); err != nil {
		return o, err
	}
	if o.CreatedAt, err = r.timeAt(orderFieldCreated); err != nil {
		return o, err
	}
	if o.UpdatedAt, err = r.timeAt(orderFieldUpdated); err != nil {
		return o, err
	}
	if o.Amount, err = r.decimalAt(orderFieldAmount); err != nil {
		return o, err
	}
	if o.OriginalAmount, err = r.decimalAt(orderFieldAmountOrg); err != nil {
		return o, err
	}
	if o.Type, err = r.stringAt(orderFieldType); err != nil {
		return o, err
	}
	if o.Status, err = r.stringAt(orderFieldStatus); err != nil {
		return o, err
	}
	if o.Price, err = r.decimalAt(orderFieldPrice); err != nil {
		return o, err
	}
	if o.AveragePrice, err = r.decimalAt(orderFieldPriceAvg); err != nil {
		return o, err
	}
	return o, nil
}

func decodeOrders(body []byte) ([]exchangeOrder, error) {
	rows, err := decodeRows(body, orderFieldCount)
	if err != nil {
		return nil, err
	}
	orders := make([]exchangeOrder, 0, len(rows))
	for _, r := range rows {
		o, err := decodeOrder(r)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// decodeSubmitted extracts the new order id from a submit notification:
// [MTS, TYPE, MSG_ID, null, [[ID, ...]], CODE, STATUS, TEXT].
func decodeSubmitted(body []byte) (int64, error) {
	n, err := decodeRow(body, notifyFieldData+1)
	if err != nil {
		return 0, err
	}
	if err := notificationError(n, body); err != nil {
		return 0, err
	}

	placed, err := decodeRows(n[notifyFieldData], 1)
	if err != nil {
		return 0, err
	}
	if len(placed) == 0 {
		return 0, fmt.Errorf("%w: submit notification carries no order", ErrUnexpectedResponse)
	}
	return placed[0].int64At(orderFieldID)
}

// decodeCancelled checks a cancel notification, whose data is a single order array.
func decodeCancelled(body []byte) error {
	n, err := decodeRow(body, notifyFieldData+1)
	if err != nil {
		return err
	}
	return notificationError(n, body)
}

func notificationError(n row, body []byte) error {
	if len(n) <= notifyFieldStatus {
		return nil
	}
	status, err := n.stringAt(notifyFieldStatus)
	if err != nil {
		return err
	}
	if status != "ERROR" && status != "FAILURE" {
		return nil
	}

	exErr := &ExchangeError{Raw: body}
	if len(n) > notifyFieldText {
		exErr.Message, _ = n.stringAt(notifyFieldText)
	}
	return exErr
}

// decodeTrade reads [ID, SYMBOL, MTS, ORDER_ID, EXEC_AMOUNT, EXEC_PRICE, ORDER_TYPE,
// ORDER_PRICE, MAKER, FEE, FEE_CURRENCY, ...].
func decodeTrade(r row) (models.Trade, error) {
	var (
		t   models.Trade
		err error
	)
	if t.ID, err = r.int64At(0); err != nil {
		return t, err
	}
	if t.Symbol, err = r.stringAt(1); err != nil {
		return t, err
	}
	if t.Timestamp, err = r.timeAt(2); err != nil {
		return t, err
	}
	if t.OrderID, err = r.int64At(3); err != nil {
		return t, err
	}
	if t.Amount, err = r.decimalAt(4); err != nil {
		return t, err
	}
	if t.Price, err = r.decimalAt(5); err != nil {
		return t, err
	}
	maker, err := r.floatAt(8)
	if err != nil {
		return t, err
	}
	t.Maker = maker > 0
	if t.Fee, err = r.decimalAt(9); err != nil {
		return t, err
	}
	if t.FeeCurrency, err = r.stringAt(10); err != nil {
		return t, err
	}
	return t, nil
}

func decodeTrades(body []byte) ([]models.Trade, error) {
	rows, err := decodeRows(body, 11)
	if err != nil {
		return nil, err
	}
	trades := make([]models.Trade, 0, len(rows))
	for _, r := range rows {
		t, err := decodeTrade(r)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// decodeWallets reads [WALLET_TYPE, CURRENCY, BALANCE, UNSETTLED_INTEREST, AVAILABLE_BALANCE, ...].
func decodeWallets(body []byte) ([]models.AssetHolding, error) {
	rows, err := decodeRows(body, 3)
	if err != nil {
		return nil, err
	}
	holdings := make([]models.AssetHolding, 0, len(rows))
	for _, r := range rows {
		var h models.AssetHolding
		if h.WalletType, err = r.stringAt(0); err != nil {
			return nil, err
		}
		if h.Name, err = r.stringAt(1); err != nil {
			return nil, err
		}
		if h.Amount, err = r.floatAt(2); err != nil {
			return nil, err
		}
		h.Available = h.Amount
		if len(r) > 4 && !r.isNull(4) {
			if h.Available, err = r.floatAt(4); err != nil {
				return nil, err
			}
		}
		holdings = append(holdings, h)
	}
	return holdings, nil
}

// rawCandle is a [MTS, OPEN, CLOSE, HIGH, LOW, VOLUME] row.
type rawCandle struct {
	Timestamp int64
	Open      float64
	Close     float64
	High      float64
	Low       float64
	Volume    float64
}

func decodeCandles(body []byte) ([]rawCandle, error) {
	rows, err := decodeRows(body, 6)
	if err != nil {
		return nil, err
	}
	candles := make([]rawCandle, 0, len(rows))
	for _, r := range rows {
		var c rawCandle
		if c.Timestamp, err = r.int64At(0); err != nil {
			return nil, err
		}
		fields := []*float64{&c.Open, &c.Close, &c.High, &c.Low, &c.Volume}
		for i, f := range fields {
			if *f, err = r.floatAt(i + 1); err != nil {
				return nil, err
			}
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// decodeTicker reads [BID, BID_SIZE, ASK, ASK_SIZE, DAILY_CHANGE, DAILY_CHANGE_RELATIVE,
// LAST_PRICE, VOLUME, HIGH, LOW].
func decodeTicker(symbol string, r row) (models.TickerData, error) {
	if len(r) < 10 {
		return models.TickerData{}, fmt.Errorf("%w: ticker has %d fields", ErrUnexpectedResponse, len(r))
	}
	full := make([]float64, len(r))
	for i := range r {
		v, err := r.floatAt(i)
		if err != nil {
			return models.TickerData{}, err
		}
		full[i] = v
	}

	last, volume := full[6], full[7]
	return models.TickerData{
		Symbol:      symbol,
		Current:     last,
		High:        full[8],
		Low:         full[9],
		BaseVolume:  volume,
		QuoteVolume: volume * last,
		FullData:    full,
	}, nil
}

// decodePairs reads the [[PAIR, ...]] configuration list.
func decodePairs(body []byte) ([]string, error) {
	var lists [][]string
	if err := json.Unmarshal(body, &lists); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	if len(lists) == 0 {
		return nil, fmt.Errorf("%w: empty pair list", ErrUnexpectedResponse)
	}
	return lists[0], nil
}
