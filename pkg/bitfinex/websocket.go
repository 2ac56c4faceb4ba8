package bitfinex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/bfxexec/pkg/models"
)

const DefaultWebSocketURL = "wss://api-pub.bitfinex.com/ws/2"

type TickerHandler func(ticker models.TickerData)

// TickerStream follows the public ticker channel for a set of symbols.
type TickerStream struct {
	url      string
	conn     *websocket.Conn
	mu       sync.Mutex
	writeMu  sync.Mutex
	channels map[int64]string
	handler  TickerHandler
	logger   *logrus.Logger
	done     chan struct{}
}

type wsEvent struct {
	Event   string `json:"event"`
	Channel string `json:"channel,omitempty"`
	ChanID  int64  `json:"chanId,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
	Code    int64  `json:"code,omitempty"`
	Msg     string `json:"msg,omitempty"`
}

func NewTickerStream(url string, handler TickerHandler, logger *logrus.Logger) *TickerStream {
	if url == "" {
		url = DefaultWebSocketURL
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &TickerStream{
		url:      url,
		channels: make(map[int64]string),
		handler:  handler,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

func (ts *TickerStream) Connect(ctx context.Context) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, ts.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}
	ts.conn = conn

	go ts.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			ts.Close()
		case <-ts.done:
		}
	}()
	return nil
}

// Subscribe asks for ticker updates on each symbol.
func (ts *TickerStream) Subscribe(symbols ...string) error {
	ts.mu.Lock()
	conn := ts.conn
	ts.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("websocket not connected")
	}

	ts.writeMu.Lock()
	defer ts.writeMu.Unlock()
	for _, symbol := range symbols {
		sub := wsEvent{Event: "subscribe", Channel: "ticker", Symbol: symbol}
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("subscribe %s: %w", symbol, err)
		}
	}
	return nil
}

// Done is closed once the stream stops reading.
func (ts *TickerStream) Done() <-chan struct{} {
	return ts.done
}

func (ts *TickerStream) Close() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.conn == nil {
		return nil
	}
	return ts.conn.Close()
}

func (ts *TickerStream) readLoop() {
	defer close(ts.done)

	for {
		_, data, err := ts.conn.ReadMessage()
		if err != nil {
			ts.logger.WithError(err).Info("Ticker stream closed")
			return
		}
		if err := ts.handleMessage(data); err != nil {
			ts.logger.WithError(err).Warn("Failed to handle ticker message")
		}
	}
}

func (ts *TickerStream) handleMessage(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	if data[0] == '{' {
		return ts.handleEvent(data)
	}

	msg, err := decodeRow(data, 2)
	if err != nil {
		return err
	}
	chanID, err := msg.int64At(0)
	if err != nil {
		return err
	}
	if hb, _ := msg.stringAt(1); hb == "hb" {
		return nil
	}

	ts.mu.Lock()
	symbol, ok := ts.channels[chanID]
	ts.mu.Unlock()
	if !ok {
		return fmt.Errorf("update for unknown channel %d", chanID)
	}

	fields, err := decodeRow(msg[1], 10)
	if err != nil {
		return err
	}
	ticker, err := decodeTicker(symbol, fields)
	if err != nil {
		return err
	}
	ts.handler(ticker)
	return nil
}

func (ts *TickerStream) handleEvent(data []byte) error {
	var ev wsEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}

	switch ev.Event {
	case "subscribed":
		ts.mu.Lock()
		ts.channels[ev.ChanID] = ev.Symbol
		ts.mu.Unlock()
		ts.logger.WithFields(logrus.Fields{"symbol": ev.Symbol, "chan_id": ev.ChanID}).Info("Subscribed to ticker")
	case "error":
		return fmt.Errorf("%w: %d %s", ErrExchangeRejected, ev.Code, ev.Msg)
	default:
		ts.logger.WithField("event", ev.Event).Debug("Ticker stream event")
	}
	return nil
}
