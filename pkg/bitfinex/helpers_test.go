package bitfinex

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/bfxexec/pkg/models"
)

const (
	testBaseURL   = "https://api.bfx.test"
	testPublicURL = "https://pub.bfx.test"
)

type route func(body []byte) ([]byte, error)

type recordedCall struct {
	Method  string
	Path    string
	Query   string
	Body    []byte
	Headers map[string]string
}

// fakeTransport answers requests from handlers keyed by URL path.
type fakeTransport struct {
	mu     sync.Mutex
	routes map[string]route
	calls  []recordedCall
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{routes: make(map[string]route)}
}

func (f *fakeTransport) handle(path string, r route) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[path] = r
}

func (f *fakeTransport) respond(path, body string) {
	f.handle(path, func([]byte) ([]byte, error) { return []byte(body), nil })
}

func (f *fakeTransport) do(method, rawURL string, body []byte, headers map[string]string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{Method: method, Path: u.Path, Query: u.RawQuery, Body: body, Headers: headers})

	r, ok := f.routes[u.Path]
	if !ok {
		return nil, fmt.Errorf("no route for %s", u.Path)
	}
	return r(body)
}

func (f *fakeTransport) Post(_ context.Context, rawURL string, body []byte, headers map[string]string) ([]byte, error) {
	return f.do("POST", rawURL, body, headers)
}

func (f *fakeTransport) GetWithCache(_ context.Context, rawURL string) ([]byte, bool, error) {
	body, err := f.do("GET", rawURL, nil, nil)
	return body, false, err
}

func (f *fakeTransport) GetNoCache(_ context.Context, rawURL string) ([]byte, error) {
	return f.do("GET", rawURL, nil, nil)
}

func (f *fakeTransport) callsTo(path string) []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedCall
	for _, c := range f.calls {
		if c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// memStore keeps copies so tests observe only what was saved.
type memStore struct {
	mu     sync.Mutex
	orders map[string]models.Order
}

func newMemStore(orders ...models.Order) *memStore {
	s := &memStore{orders: make(map[string]models.Order)}
	for _, o := range orders {
		s.orders[o.ExternalID] = o
	}
	return s
}

func (s *memStore) FindByExternalID(_ context.Context, externalID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[externalID]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *memStore) Save(_ context.Context, order *models.Order) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ExternalID] = *order
	return order, nil
}

func (s *memStore) get(externalID string) (models.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[externalID]
	return o, ok
}

type fakeSupply struct {
	values map[string]float64
	err    error
	asked  []string
}

func (f *fakeSupply) CirculatingSupply(_ context.Context, asset string) (float64, error) {
	f.asked = append(f.asked, asset)
	if f.err != nil {
		return 0, f.err
	}
	v, ok := f.values[asset]
	if !ok {
		return 0, errors.New("unknown asset")
	}
	return v, nil
}

func newTestExchange(t *testing.T, ft *fakeTransport, store OrderStore, opts ...Option) *Exchange {
	t.Helper()
	base := []Option{
		WithBaseURL(testBaseURL),
		WithPublicURL(testPublicURL),
		WithCancelRetry(CancelRetry{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
	}
	return New("test-key", "test-secret", ft, store, append(base, opts...)...)
}

// orderRow renders a 32-field order array as returned by the orders endpoints.
func orderRow(id int64, amount, amountOrig, status, price string) string {
	return fmt.Sprintf(`[%d,null,1,"tBTCUSD",1700000000000,1700000005000,%s,%s,"EXCHANGE LIMIT",null,null,null,0,"%s",null,null,%s,0,0,0,null,null,null,0,0,null,null,null,"API>BFX",null,null,{}]`,
		id, amount, amountOrig, status, price)
}

func tradeRow(id, orderID int64, mts int64, amount, price string) string {
	return fmt.Sprintf(`[%d,"tBTCUSD",%d,%d,%s,%s,"EXCHANGE LIMIT",%s,1,-0.004,"USD"]`, id, mts, orderID, amount, price, price)
}

func submitNotification(id int64) string {
	return fmt.Sprintf(`[1700000000000,"on-req",null,null,[[%d,null,1,"tBTCUSD",1700000000000,1700000000000,0.5,0.5,"EXCHANGE LIMIT"]],null,"SUCCESS","Submitting 1 orders."]`, id)
}

const cancelNotification = `[1700000000000,"oc-req",null,null,[1,null,1,"tBTCUSD"],null,"SUCCESS","Submitted for cancellation; waiting for confirmation (ID: 1)."]`
