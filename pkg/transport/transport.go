// Package transport performs the HTTP calls made on behalf of the exchange client.
//
// GET lookups that tolerate staleness go through an expiring LRU cache, everything
// else goes straight to the wire. All requests share one rate limiter and an optional
// random pre-request delay so bursts of calls do not trip exchange rate limits.
package transport

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type Transport interface {
	Post(ctx context.Context, url string, body []byte, headers map[string]string) ([]byte, error)
	GetWithCache(ctx context.Context, url string) (body []byte, fromCache bool, err error)
	GetNoCache(ctx context.Context, url string) ([]byte, error)
}

// StatusError is returned for non-2xx responses. The body is returned alongside it
// because exchanges encode their own error payloads in it.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

type Config struct {
	Timeout     time.Duration
	MinInterval time.Duration
	MaxJitter   time.Duration
	CacheTTL    time.Duration
	CacheSize   int
}

func DefaultConfig() Config {
	return Config{
		Timeout:     30 * time.Second,
		MinInterval: 500 * time.Millisecond,
		CacheTTL:    5 * time.Minute,
		CacheSize:   256,
	}
}

type RestyTransport struct {
	client    *resty.Client
	limiter   *rate.Limiter
	cache     *expirable.LRU[string, []byte]
	maxJitter time.Duration
	logger    *logrus.Logger
}

type Option func(*RestyTransport)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(t *RestyTransport) {
		t.client = resty.NewWithClient(hc)
	}
}

func New(cfg Config, logger *logrus.Logger, opts ...Option) *RestyTransport {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultConfig().CacheSize
	}

	t := &RestyTransport{
		client:    resty.New(),
		limiter:   rate.NewLimiter(limit, 1),
		cache:     expirable.NewLRU[string, []byte](size, nil, cfg.CacheTTL),
		maxJitter: cfg.MaxJitter,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	if cfg.Timeout > 0 {
		t.client.SetTimeout(cfg.Timeout)
	}
	return t
}

func (t *RestyTransport) Post(ctx context.Context, url string, body []byte, headers map[string]string) ([]byte, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		Post(url)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", url, err)
	}
	return t.result(http.MethodPost, url, resp)
}

func (t *RestyTransport) GetWithCache(ctx context.Context, url string) ([]byte, bool, error) {
	if body, ok := t.cache.Get(url); ok {
		t.logger.WithField("url", url).Debug("cache hit")
		return body, true, nil
	}

	body, err := t.GetNoCache(ctx, url)
	if err != nil {
		return body, false, err
	}
	t.cache.Add(url, body)
	return body, false, nil
}

func (t *RestyTransport) GetNoCache(ctx context.Context, url string) ([]byte, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	return t.result(http.MethodGet, url, resp)
}

func (t *RestyTransport) result(method, url string, resp *resty.Response) ([]byte, error) {
	t.logger.WithFields(logrus.Fields{
		"method":  method,
		"url":     url,
		"status":  resp.StatusCode(),
		"elapsed": resp.Time(),
	}).Debug("http request")

	if resp.IsError() {
		return resp.Body(), &StatusError{StatusCode: resp.StatusCode(), Body: resp.Body()}
	}
	return resp.Body(), nil
}

// wait paces requests through the limiter, then sleeps a random jitter.
func (t *RestyTransport) wait(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	if t.maxJitter <= 0 {
		return nil
	}

	delay := time.Duration(rand.Int63n(int64(t.maxJitter)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
