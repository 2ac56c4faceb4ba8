// Package bitfinex executes and reconciles orders against the Bitfinex v2 REST API.
package bitfinex

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/bfxexec/pkg/models"
	"github.com/gregtusar/bfxexec/pkg/supply"
	"github.com/gregtusar/bfxexec/pkg/transport"
)

const (
	DefaultBaseURL   = "https://api.bitfinex.com"
	DefaultPublicURL = "https://api-pub.bitfinex.com"
	DefaultQuote     = "USD"
)

// OrderStore persists orders on behalf of the caller. FindByExternalID returns
// (nil, nil) when no order matches.
type OrderStore interface {
	FindByExternalID(ctx context.Context, externalID string) (*models.Order, error)
	Save(ctx context.Context, order *models.Order) (*models.Order, error)
}

// SupplySource provides circulating supply figures for an asset code.
type SupplySource interface {
	CirculatingSupply(ctx context.Context, asset string) (float64, error)
}

type Exchange struct {
	baseURL      string
	publicURL    string
	defaultQuote string

	signer    *Signer
	transport transport.Transport
	store     OrderStore
	supply    SupplySource
	logger    *logrus.Logger
	now       func() time.Time

	cancelRetry CancelRetry
	quoteVolume QuoteVolumePolicy
	resolver    *QuantityResolver
}

type Option func(*Exchange)

func WithLogger(logger *logrus.Logger) Option {
	return func(e *Exchange) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithBaseURL(url string) Option {
	return func(e *Exchange) { e.baseURL = url }
}

func WithPublicURL(url string) Option {
	return func(e *Exchange) { e.publicURL = url }
}

// WithDefaultQuote sets the quote currency used for default ticker symbols.
func WithDefaultQuote(quote string) Option {
	return func(e *Exchange) { e.defaultQuote = quote }
}

func WithSupplySource(src SupplySource) Option {
	return func(e *Exchange) {
		if src != nil {
			e.supply = src
		}
	}
}

// WithClock replaces the wall clock used to stamp execution times.
func WithClock(now func() time.Time) Option {
	return func(e *Exchange) { e.now = now }
}

func WithCancelRetry(cfg CancelRetry) Option {
	return func(e *Exchange) { e.cancelRetry = cfg }
}

func WithQuoteVolumePolicy(p QuoteVolumePolicy) Option {
	return func(e *Exchange) { e.quoteVolume = p }
}

// New creates an exchange client. A nil store keeps orders in the caller's hands
// only: lookups find nothing and saves return the order unchanged.
func New(apiKey, apiSecret string, t transport.Transport, store OrderStore, opts ...Option) *Exchange {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	if store == nil {
		store = nopStore{}
	}

	e := &Exchange{
		baseURL:      DefaultBaseURL,
		publicURL:    DefaultPublicURL,
		defaultQuote: DefaultQuote,
		signer:       NewSigner(apiKey, apiSecret),
		transport:    t,
		store:        store,
		supply:       supply.Nop{},
		logger:       discard,
		now:          time.Now,
		cancelRetry:  DefaultCancelRetry(),
		quoteVolume:  QuoteVolumeFromClose,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.resolver = NewQuantityResolver(e)
	return e
}

// post signs and sends a request to a private endpoint.
func (e *Exchange) post(ctx context.Context, path string, body any) ([]byte, error) {
	payload, headers, err := e.signer.Sign(path, body)
	if err != nil {
		return nil, err
	}

	raw, err := e.transport.Post(ctx, e.baseURL+path, payload, headers)
	if exErr := checkError(raw); exErr != nil {
		return nil, exErr
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTransportFailure, path, err)
	}
	return raw, nil
}

// get reads a public endpoint. Only slow-moving reference data should be cached.
func (e *Exchange) get(ctx context.Context, path string, cached bool) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	if cached {
		var fromCache bool
		raw, fromCache, err = e.transport.GetWithCache(ctx, e.publicURL+path)
		e.logger.WithFields(logrus.Fields{"path": path, "from_cache": fromCache}).Debug("public lookup")
	} else {
		raw, err = e.transport.GetNoCache(ctx, e.publicURL+path)
	}

	if exErr := checkError(raw); exErr != nil {
		return nil, exErr
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTransportFailure, path, err)
	}
	return raw, nil
}

type nopStore struct{}

func (nopStore) FindByExternalID(context.Context, string) (*models.Order, error) { return nil, nil }

func (nopStore) Save(_ context.Context, order *models.Order) (*models.Order, error) { return order, nil }
