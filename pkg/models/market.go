package models

type TickerCandle struct {
	OpenTimestamp  int64   `json:"open_timestamp"`
	CloseTimestamp int64   `json:"close_timestamp"`
	Open           float64 `json:"open"`
	High           float64 `json:"high"`
	Low            float64 `json:"low"`
	Close          float64 `json:"close"`
	BaseVolume     float64 `json:"base_volume"`
	// QuoteVolume is estimated from BaseVolume, the exchange does not report it.
	QuoteVolume float64 `json:"quote_volume"`
}

type TickerData struct {
	Symbol            string    `json:"symbol"`
	Current           float64   `json:"current"`
	High              float64   `json:"high"`
	Low               float64   `json:"low"`
	BaseVolume        float64   `json:"base_volume"`
	QuoteVolume       float64   `json:"quote_volume"`
	FullData          []float64 `json:"full_data"`
	CirculatingSupply *float64  `json:"circulating_supply,omitempty"`
}

// AssetHolding is a wallet balance snapshot. It is re-fetched whenever needed.
type AssetHolding struct {
	Name       string  `json:"name"`
	Amount     float64 `json:"amount"`
	Available  float64 `json:"available"`
	WalletType string  `json:"wallet_type"`
}
