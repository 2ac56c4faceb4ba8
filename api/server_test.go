package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/bfxexec/pkg/bitfinex"
	"github.com/gregtusar/bfxexec/pkg/models"
)

type fakeEngine struct {
	submitted *models.Order
	received  models.Order
	orders    map[string]*models.Order
	err       error
	candleReq struct {
		symbol          string
		interval, limit int
	}
}

func (f *fakeEngine) SubmitOrder(_ context.Context, order *models.Order) (*models.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.submitted = order
	f.received = *order
	order.ExternalID = "1001"
	order.Status = models.OrderStatusSubmitted
	return order, nil
}

func (f *fakeEngine) CancelOrder(_ context.Context, order *models.Order) (*models.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	order.Status = models.OrderStatusCancelled
	return order, nil
}

func (f *fakeEngine) CheckOrder(_ context.Context, handle models.SubmittedOrder) (*models.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.orders[handle.ExternalID], nil
}

func (f *fakeEngine) GetActiveOrders(context.Context) ([]*models.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*models.Order
	for _, o := range f.orders {
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeEngine) CancelAllOrders(context.Context) ([]*models.Order, error) {
	return []*models.Order{{ExternalID: "1", Status: models.OrderStatusCancelled}}, f.err
}

func (f *fakeEngine) FetchCandles(_ context.Context, symbol string, interval, limit int) ([]models.TickerCandle, error) {
	f.candleReq.symbol, f.candleReq.interval, f.candleReq.limit = symbol, interval, limit
	if f.err != nil {
		return nil, f.err
	}
	return []models.TickerCandle{{OpenTimestamp: 200, Close: 12}}, nil
}

func (f *fakeEngine) GetTickerSymbols(context.Context) ([]string, error) {
	return []string{"tBTCUSD", "tETHUSD"}, f.err
}

func (f *fakeEngine) GetTickerData(_ context.Context, symbol string) (*models.TickerData, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.TickerData{Symbol: symbol, Current: 10.5}, nil
}

func (f *fakeEngine) GetSupportedAssets(context.Context) ([]string, error) {
	return []string{"BTC", "ETH"}, f.err
}

func (f *fakeEngine) FetchWallet(context.Context) ([]models.AssetHolding, error) {
	return []models.AssetHolding{{Name: "USD", Amount: 100, Available: 100, WalletType: "exchange"}}, f.err
}

func setupTestServer(t *testing.T, engine *fakeEngine, cfg Config) *httptest.Server {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	server := httptest.NewServer(NewServer(engine, cfg, logger).Handler())
	t.Cleanup(server.Close)
	return server
}

func doRequest(t *testing.T, method, url, body, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	server := setupTestServer(t, &fakeEngine{}, Config{})

	resp := doRequest(t, http.MethodGet, server.URL+"/api/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestSubmitOrder(t *testing.T) {
	engine := &fakeEngine{}
	server := setupTestServer(t, engine, Config{})

	body := `{"symbol":"tBTCUSD","instrument_type":"spot","direction":"LONG","type":"LIMIT","price1":"100","quantity":{"quantity":"0.5","unit":"BASE"}}`
	resp := doRequest(t, http.MethodPost, server.URL+"/api/orders", body, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var got models.Order
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "1001", got.ExternalID)
	assert.Equal(t, models.OrderStatusSubmitted, got.Status)

	require.NotNil(t, engine.submitted)
	assert.True(t, decimal.RequireFromString("0.5").Equal(engine.submitted.Quantity.Quantity))
	assert.True(t, engine.submitted.Price1.Valid)
}

func TestSubmitOrder_IgnoresServerOwnedFields(t *testing.T) {
	engine := &fakeEngine{}
	server := setupTestServer(t, engine, Config{})

	body := `{"id":"existing-local-id","external_id":"100","status":"EXECUTED","trades":[{"id":1}],` +
		`"submission_timestamp":"2024-01-01T00:00:00Z","execution_timestamp":"2024-01-01T00:00:00Z",` +
		`"symbol":"tBTCUSD","instrument_type":"spot","direction":"SHORT","type":"MARKET","quantity":{"quantity":"1","unit":"BASE"}}`
	resp := doRequest(t, http.MethodPost, server.URL+"/api/orders", body, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.NotNil(t, engine.submitted)
	assert.Empty(t, engine.received.ID)
	assert.Empty(t, engine.received.ExternalID)
	assert.Equal(t, models.OrderStatusPending, engine.received.Status)
	assert.Nil(t, engine.submitted.Trades)
	assert.Nil(t, engine.submitted.SubmissionTimestamp)
	assert.Nil(t, engine.submitted.ExecutionTimestamp)
	assert.Equal(t, "tBTCUSD", engine.submitted.Symbol)
	assert.Equal(t, models.OrderDirectionShort, engine.submitted.Direction)
}

func TestSubmitOrder_MalformedBody(t *testing.T) {
	server := setupTestServer(t, &fakeEngine{}, Config{})

	resp := doRequest(t, http.MethodPost, server.URL+"/api/orders", `{"symbol":`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid quantity", fmt.Errorf("%w: 0", bitfinex.ErrInvalidQuantity), http.StatusBadRequest},
		{"unsupported interval", bitfinex.ErrUnsupportedInterval, http.StatusBadRequest},
		{"not found locally", bitfinex.ErrNotFoundLocally, http.StatusNotFound},
		{"exchange rejected", &bitfinex.ExchangeError{Code: 10001, Message: "bad"}, http.StatusBadGateway},
		{"transport failure", fmt.Errorf("%w: timeout", bitfinex.ErrTransportFailure), http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := setupTestServer(t, &fakeEngine{err: tt.err}, Config{})

			resp := doRequest(t, http.MethodGet, server.URL+"/api/orders/42", "", "")
			assert.Equal(t, tt.want, resp.StatusCode)

			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestCheckOrder(t *testing.T) {
	engine := &fakeEngine{orders: map[string]*models.Order{
		"42": {ExternalID: "42", Status: models.OrderStatusFilled},
	}}
	server := setupTestServer(t, engine, Config{})

	resp := doRequest(t, http.MethodGet, server.URL+"/api/orders/42", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.Order
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, models.OrderStatusFilled, got.Status)

	resp = doRequest(t, http.MethodGet, server.URL+"/api/orders/43", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestActiveOrdersRouteIsNotAnID(t *testing.T) {
	engine := &fakeEngine{orders: map[string]*models.Order{"1": {ExternalID: "1"}}}
	server := setupTestServer(t, engine, Config{})

	resp := doRequest(t, http.MethodGet, server.URL+"/api/orders/active", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got []models.Order
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Len(t, got, 1)
}

func TestCancelRoutes(t *testing.T) {
	server := setupTestServer(t, &fakeEngine{}, Config{})

	resp := doRequest(t, http.MethodDelete, server.URL+"/api/orders/42", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.Order
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "42", got.ExternalID)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)

	resp = doRequest(t, http.MethodDelete, server.URL+"/api/orders", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCancelAll_PartialFailure(t *testing.T) {
	engine := &fakeEngine{err: fmt.Errorf("%w: order 2", bitfinex.ErrCancelRetriesExhausted)}
	server := setupTestServer(t, engine, Config{})

	resp := doRequest(t, http.MethodDelete, server.URL+"/api/orders", "", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var body struct {
		Cancelled []models.Order `json:"cancelled"`
		Error     string         `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Cancelled, 1)
	assert.NotEmpty(t, body.Error)
}

func TestCandles(t *testing.T) {
	engine := &fakeEngine{}
	server := setupTestServer(t, engine, Config{})

	resp := doRequest(t, http.MethodGet, server.URL+"/api/candles/tBTCUSD?interval=5&limit=2", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tBTCUSD", engine.candleReq.symbol)
	assert.Equal(t, 5, engine.candleReq.interval)
	assert.Equal(t, 2, engine.candleReq.limit)

	resp = doRequest(t, http.MethodGet, server.URL+"/api/candles/tBTCUSD?interval=abc", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMarketRoutes(t *testing.T) {
	server := setupTestServer(t, &fakeEngine{}, Config{JWTSecret: "secret"})

	for _, path := range []string{"/api/tickers", "/api/tickers/tBTCUSD", "/api/assets"} {
		resp := doRequest(t, http.MethodGet, server.URL+path, "", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func signToken(t *testing.T, secret string, method jwt.SigningMethod, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(method, jwt.MapClaims{
		"sub": "operator",
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAuth(t *testing.T) {
	server := setupTestServer(t, &fakeEngine{}, Config{JWTSecret: "secret"})
	url := server.URL + "/api/wallet"

	resp := doRequest(t, http.MethodGet, url, "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, url, "", signToken(t, "wrong", jwt.SigningMethodHS256, time.Now().Add(time.Hour)))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, url, "", signToken(t, "secret", jwt.SigningMethodHS256, time.Now().Add(-time.Hour)))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, url, "", signToken(t, "secret", jwt.SigningMethodHS512, time.Now().Add(time.Hour)))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, url, "", signToken(t, "secret", jwt.SigningMethodHS256, time.Now().Add(time.Hour)))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	server := setupTestServer(t, &fakeEngine{}, Config{AllowedOrigins: []string{"http://localhost:8501"}})

	req, err := http.NewRequest(http.MethodOptions, server.URL+"/api/orders", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:8501")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "http://localhost:8501", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStartStopsOnContextCancel(t *testing.T) {
	s := NewServer(&fakeEngine{}, Config{Addr: "127.0.0.1:0"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
