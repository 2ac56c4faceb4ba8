package supply

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestServer(t *testing.T, response interface{}, status int) (*httptest.Server, *CoinGecko) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/coins/markets", r.URL.Path)
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currency"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		require.NoError(t, json.NewEncoder(w).Encode(response))
	}))
	t.Cleanup(server.Close)

	return server, NewCoinGecko(server.URL, resty.NewWithClient(server.Client()))
}

func ptr(v float64) *float64 { return &v }

func TestCoinGecko_CirculatingSupply(t *testing.T) {
	tests := []struct {
		name     string
		asset    string
		status   int
		response interface{}
		want     float64
		wantErr  bool
		notFound bool
	}{
		{
			name:   "picks largest market cap",
			asset:  "BTC",
			status: http.StatusOK,
			response: []coinMarket{
				{ID: "bitcoin", Symbol: "btc", MarketCap: 1e12, CirculatingSupply: ptr(19_700_000)},
				{ID: "batcat", Symbol: "btc", MarketCap: 10, CirculatingSupply: ptr(5)},
			},
			want: 19_700_000,
		},
		{
			name:     "no match",
			asset:    "XYZ",
			status:   http.StatusOK,
			response: []coinMarket{},
			wantErr:  true,
			notFound: true,
		},
		{
			name:     "supply missing",
			asset:    "ETH",
			status:   http.StatusOK,
			response: []coinMarket{{ID: "ethereum", Symbol: "eth"}},
			wantErr:  true,
			notFound: true,
		},
		{
			name:     "rate limited",
			asset:    "BTC",
			status:   http.StatusTooManyRequests,
			response: map[string]string{"error": "slow down"},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, src := setupTestServer(t, tt.response, tt.status)

			got, err := src.CirculatingSupply(context.Background(), tt.asset)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.notFound, errors.Is(err, ErrNotFound))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNop(t *testing.T) {
	_, err := Nop{}.CirculatingSupply(context.Background(), "BTC")
	assert.ErrorIs(t, err, ErrNotFound)
}
