package bitfinex

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/gregtusar/bfxexec/pkg/models"
)

// QuoteVolumePolicy selects the price used to estimate a candle's quote volume.
type QuoteVolumePolicy string

const (
	QuoteVolumeFromClose    QuoteVolumePolicy = "close"
	QuoteVolumeFromMidpoint QuoteVolumePolicy = "midpoint"
)

// ParseQuoteVolumePolicy accepts "close" or "midpoint"; empty means close.
func ParseQuoteVolumePolicy(s string) (QuoteVolumePolicy, error) {
	switch QuoteVolumePolicy(s) {
	case QuoteVolumeFromClose, "":
		return QuoteVolumeFromClose, nil
	case QuoteVolumeFromMidpoint:
		return QuoteVolumeFromMidpoint, nil
	default:
		return "", fmt.Errorf("unknown quote volume policy %q", s)
	}
}

func (p QuoteVolumePolicy) estimate(c rawCandle) float64 {
	if p == QuoteVolumeFromMidpoint {
		return c.Volume * (c.Open + c.Close) / 2
	}
	return c.Volume * c.Close
}

var candleIntervals = map[int]string{
	1:     "1m",
	5:     "5m",
	15:    "15m",
	30:    "30m",
	60:    "1h",
	180:   "3h",
	360:   "6h",
	720:   "12h",
	1440:  "1D",
	10080: "1W",
	20160: "14D",
	43200: "1M",
}

// MinutesToInterval returns the Bitfinex timeframe for an interval in minutes.
func MinutesToInterval(minutes int) (string, error) {
	code, ok := candleIntervals[minutes]
	if !ok {
		return "", fmt.Errorf("%w: %d minutes", ErrUnsupportedInterval, minutes)
	}
	return code, nil
}

// FetchCandles returns the latest candles, newest first. Market data is never cached.
func (e *Exchange) FetchCandles(ctx context.Context, symbol string, intervalMinutes, limit int) ([]models.TickerCandle, error) {
	code, err := MinutesToInterval(intervalMinutes)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/v2/candles/trade:%s:%s/hist", code, url.PathEscape(symbol))
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	raw, err := e.get(ctx, path, false)
	if err != nil {
		return nil, err
	}
	rows, err := decodeCandles(raw)
	if err != nil {
		return nil, err
	}

	intervalMillis := int64(intervalMinutes) * 60 * 1000
	candles := make([]models.TickerCandle, 0, len(rows))
	for _, r := range rows {
		candles = append(candles, models.TickerCandle{
			OpenTimestamp:  r.Timestamp,
			CloseTimestamp: r.Timestamp + intervalMillis - 1,
			Open:           r.Open,
			High:           r.High,
			Low:            r.Low,
			Close:          r.Close,
			BaseVolume:     r.Volume,
			QuoteVolume:    e.quoteVolume.estimate(r),
		})
	}
	return candles, nil
}
