package bitfinex

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidQuantity        = errors.New("order quantity must be positive")
	ErrAlreadySubmitted       = errors.New("order already has an external id")
	ErrUnknownDirection       = errors.New("unknown order direction")
	ErrUnsupportedInterval    = errors.New("unsupported candle interval")
	ErrUnsupportedOrderType   = errors.New("unsupported order type")
	ErrMissingPrice           = errors.New("order price is required")
	ErrInvalidExternalID      = errors.New("invalid external order id")
	ErrNotFoundLocally        = errors.New("exchange order has no local record")
	ErrExchangeRejected       = errors.New("exchange rejected request")
	ErrTransportFailure       = errors.New("exchange transport failure")
	ErrUnexpectedResponse     = errors.New("unexpected exchange response")
	ErrCancelRetriesExhausted = errors.New("cancel retries exhausted")
)

// ExchangeError carries an error-shaped Bitfinex response: ["error", code, message].
type ExchangeError struct {
	Code    int64
	Message string
	Raw     []byte
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("bitfinex error %d: %s", e.Code, e.Message)
}

func (e *ExchangeError) Is(target error) bool {
	return target == ErrExchangeRejected
}
