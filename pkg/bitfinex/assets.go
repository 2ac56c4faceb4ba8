package bitfinex

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/bfxexec/pkg/models"
	"github.com/gregtusar/bfxexec/pkg/supply"
)

const pathPairList = "/v2/conf/pub:list:pair:exchange"

// Bitfinex lists some currencies under legacy codes.
var supplyAliases = map[string]string{
	"UST": "USDT",
	"UDC": "USDC",
	"DSH": "DASH",
	"IOT": "IOTA",
	"QTM": "QTUM",
}

// ParsePair splits a trading symbol such as "tBTCUSD" or "tAVAX:USD" into its base
// and quote currencies. The "t" prefix is optional.
func ParsePair(symbol string) (base, quote string, err error) {
	if strings.HasPrefix(symbol, "f") {
		return "", "", fmt.Errorf("%q is a funding symbol", symbol)
	}
	pair := strings.TrimPrefix(symbol, "t")

	if b, q, ok := strings.Cut(pair, ":"); ok {
		if b == "" || q == "" {
			return "", "", fmt.Errorf("malformed pair %q", symbol)
		}
		return b, q, nil
	}
	if len(pair) != 6 {
		return "", "", fmt.Errorf("malformed pair %q", symbol)
	}
	return pair[:3], pair[3:], nil
}

// AssetCatalog indexes the exchange's trading pairs by base asset.
type AssetCatalog struct {
	symbols       []string
	assets        []string
	assetBySymbol map[string]string
	symbolByAsset map[string]string
}

// NewAssetCatalog builds a catalog from raw pair codes ("BTCUSD", "AVAX:USD").
// Test and funding pairs are left out. Each asset's default symbol is its pair
// against defaultQuote.
func NewAssetCatalog(pairs []string, defaultQuote string) *AssetCatalog {
	c := &AssetCatalog{
		assetBySymbol: make(map[string]string),
		symbolByAsset: make(map[string]string),
	}

	for _, pair := range pairs {
		if strings.Contains(pair, "TEST") {
			continue
		}
		base, quote, err := ParsePair(pair)
		if err != nil {
			continue
		}

		symbol := "t" + strings.TrimPrefix(pair, "t")
		c.symbols = append(c.symbols, symbol)
		if _, seen := c.symbolByAsset[base]; !seen {
			c.assets = append(c.assets, base)
		}
		c.assetBySymbol[symbol] = base
		if quote == defaultQuote {
			c.symbolByAsset[base] = symbol
		} else if _, ok := c.symbolByAsset[base]; !ok {
			c.symbolByAsset[base] = ""
		}
	}

	sort.Strings(c.symbols)
	sort.Strings(c.assets)
	return c
}

func (c *AssetCatalog) TickerSymbols() []string {
	return append([]string(nil), c.symbols...)
}

func (c *AssetCatalog) SupportedAssets() []string {
	return append([]string(nil), c.assets...)
}

// DefaultTickerSymbol returns the asset's symbol against the default quote currency.
func (c *AssetCatalog) DefaultTickerSymbol(asset string) (string, bool) {
	symbol := c.symbolByAsset[strings.ToUpper(asset)]
	return symbol, symbol != ""
}

func (c *AssetCatalog) AssetForSymbol(symbol string) (string, bool) {
	asset, ok := c.assetBySymbol[symbol]
	return asset, ok
}

// Catalog builds the asset catalog from the exchange pair list. The list changes
// rarely, so it goes through the transport cache.
func (e *Exchange) Catalog(ctx context.Context) (*AssetCatalog, error) {
	raw, err := e.get(ctx, pathPairList, true)
	if err != nil {
		return nil, err
	}
	pairs, err := decodePairs(raw)
	if err != nil {
		return nil, err
	}
	return NewAssetCatalog(pairs, e.defaultQuote), nil
}

func (e *Exchange) GetTickerSymbols(ctx context.Context) ([]string, error) {
	c, err := e.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	return c.TickerSymbols(), nil
}

func (e *Exchange) GetSupportedAssets(ctx context.Context) ([]string, error) {
	c, err := e.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	return c.SupportedAssets(), nil
}

func (e *Exchange) GetAssetDefaultTickerSymbol(ctx context.Context, asset string) (string, bool, error) {
	c, err := e.Catalog(ctx)
	if err != nil {
		return "", false, err
	}
	symbol, ok := c.DefaultTickerSymbol(asset)
	return symbol, ok, nil
}

// GetTickerData returns a fresh ticker snapshot. Circulating supply is added when
// the supply source knows the asset; enrichment failures never fail the call.
func (e *Exchange) GetTickerData(ctx context.Context, symbol string) (*models.TickerData, error) {
	raw, err := e.get(ctx, "/v2/ticker/"+symbol, false)
	if err != nil {
		return nil, err
	}
	r, err := decodeRow(raw, 10)
	if err != nil {
		return nil, err
	}
	data, err := decodeTicker(symbol, r)
	if err != nil {
		return nil, err
	}

	e.enrichSupply(ctx, &data)
	return &data, nil
}

func (e *Exchange) enrichSupply(ctx context.Context, data *models.TickerData) {
	log := e.logger.WithField("symbol", data.Symbol)

	base, _, err := ParsePair(data.Symbol)
	if err != nil {
		log.WithError(err).Warn("Cannot derive asset for supply lookup")
		return
	}
	if alias, ok := supplyAliases[base]; ok {
		base = alias
	}

	circulating, err := e.supply.CirculatingSupply(ctx, base)
	if err != nil {
		entry := log.WithError(err).WithField("asset", base)
		if errors.Is(err, supply.ErrNotFound) {
			entry.Debug("No circulating supply for asset")
		} else {
			entry.Warn("Circulating supply lookup failed")
		}
		return
	}
	data.CirculatingSupply = &circulating
	log.WithFields(logrus.Fields{"asset": base, "circulating_supply": circulating}).Debug("Ticker enriched")
}
