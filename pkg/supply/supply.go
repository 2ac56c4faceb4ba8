// Package supply looks up circulating supply figures from an external reference source.
package supply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
)

var ErrNotFound = errors.New("circulating supply not found")

// Nop never finds a supply figure.
type Nop struct{}

func (Nop) CirculatingSupply(context.Context, string) (float64, error) {
	return 0, ErrNotFound
}

const DefaultCoinGeckoURL = "https://api.coingecko.com"

// CoinGecko reads circulating supply from the CoinGecko markets endpoint.
type CoinGecko struct {
	baseURL    string
	vsCurrency string
	httpClient *resty.Client
}

func NewCoinGecko(baseURL string, httpClient *resty.Client) *CoinGecko {
	if baseURL == "" {
		baseURL = DefaultCoinGeckoURL
	}
	if httpClient == nil {
		httpClient = resty.New()
	}
	return &CoinGecko{
		baseURL:    strings.TrimRight(baseURL, "/"),
		vsCurrency: "usd",
		httpClient: httpClient,
	}
}

type coinMarket struct {
	ID                string   `json:"id"`
	Symbol            string   `json:"symbol"`
	MarketCap         float64  `json:"market_cap"`
	CirculatingSupply *float64 `json:"circulating_supply"`
}

// CirculatingSupply returns the supply of the largest listed coin with the asset's
// ticker, since several coins may share one.
func (c *CoinGecko) CirculatingSupply(ctx context.Context, asset string) (float64, error) {
	symbol := strings.ToLower(asset)

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"vs_currency": c.vsCurrency,
			"symbols":     symbol,
		}).
		Get(c.baseURL + "/api/v3/coins/markets")
	if err != nil {
		return 0, fmt.Errorf("failed to execute request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("unexpected status code: %d", resp.StatusCode())
	}

	var markets []coinMarket
	if err := json.Unmarshal(resp.Body(), &markets); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}

	var best *coinMarket
	for i := range markets {
		m := &markets[i]
		if m.Symbol != symbol || m.CirculatingSupply == nil {
			continue
		}
		if best == nil || m.MarketCap > best.MarketCap {
			best = m
		}
	}
	if best == nil {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, asset)
	}
	return *best.CirculatingSupply, nil
}
