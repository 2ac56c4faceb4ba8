package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/bfxexec/pkg/bitfinex"
	"github.com/gregtusar/bfxexec/pkg/models"
)

// Engine is the exchange surface the API exposes.
type Engine interface {
	SubmitOrder(ctx context.Context, order *models.Order) (*models.Order, error)
	CancelOrder(ctx context.Context, order *models.Order) (*models.Order, error)
	CheckOrder(ctx context.Context, handle models.SubmittedOrder) (*models.Order, error)
	GetActiveOrders(ctx context.Context) ([]*models.Order, error)
	CancelAllOrders(ctx context.Context) ([]*models.Order, error)
	FetchCandles(ctx context.Context, symbol string, intervalMinutes, limit int) ([]models.TickerCandle, error)
	GetTickerSymbols(ctx context.Context) ([]string, error)
	GetTickerData(ctx context.Context, symbol string) (*models.TickerData, error)
	GetSupportedAssets(ctx context.Context) ([]string, error)
	FetchWallet(ctx context.Context) ([]models.AssetHolding, error)
}

type Config struct {
	Addr           string
	JWTSecret      string
	AllowedOrigins []string
}

type Server struct {
	engine Engine
	cfg    Config
	router *mux.Router
	logger *logrus.Logger
}

func NewServer(engine Engine, cfg Config, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		engine: engine,
		cfg:    cfg,
		router: mux.NewRouter(),
		logger: logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// Market data
	api.HandleFunc("/candles/{symbol}", s.handleCandles).Methods(http.MethodGet)
	api.HandleFunc("/tickers", s.handleTickers).Methods(http.MethodGet)
	api.HandleFunc("/tickers/{symbol}", s.handleTicker).Methods(http.MethodGet)
	api.HandleFunc("/assets", s.handleAssets).Methods(http.MethodGet)

	// Account and orders
	private := api.NewRoute().Subrouter()
	private.Use(s.authMiddleware)
	private.HandleFunc("/wallet", s.handleWallet).Methods(http.MethodGet)
	private.HandleFunc("/orders/active", s.handleActiveOrders).Methods(http.MethodGet)
	private.HandleFunc("/orders", s.handleSubmitOrder).Methods(http.MethodPost)
	private.HandleFunc("/orders", s.handleCancelAll).Methods(http.MethodDelete)
	private.HandleFunc("/orders/{id}", s.handleCheckOrder).Methods(http.MethodGet)
	private.HandleFunc("/orders/{id}", s.handleCancelOrder).Methods(http.MethodDelete)
}

// Handler returns the router wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting API server on %s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown api server: %w", err)
		}
		return nil
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.JWTSecret == "" {
			next.ServeHTTP(w, r)
			return
		}

		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			s.respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		_, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) {
			return []byte(s.cfg.JWTSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil {
			s.logger.WithError(err).Debug("Rejected API token")
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	interval, err := queryInt(r, "interval", 1)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	candles, err := s.engine.FetchCandles(r.Context(), symbol, interval, limit)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, candles)
}

func (s *Server) handleTickers(w http.ResponseWriter, r *http.Request) {
	symbols, err := s.engine.GetTickerSymbols(r.Context())
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, symbols)
}

func (s *Server) handleTicker(w http.ResponseWriter, r *http.Request) {
	data, err := s.engine.GetTickerData(r.Context(), mux.Vars(r)["symbol"])
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.engine.GetSupportedAssets(r.Context())
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, assets)
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	holdings, err := s.engine.FetchWallet(r.Context())
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, holdings)
}

func (s *Server) handleActiveOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.engine.GetActiveOrders(r.Context())
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, orders)
}

// submitOrderRequest carries only the fields a client may set on a new order.
// Ids, status, trades and timestamps are owned by the exchange adapter.
type submitOrderRequest struct {
	Symbol         string                `json:"symbol"`
	InstrumentType models.InstrumentType `json:"instrument_type"`
	Direction      models.OrderDirection `json:"direction"`
	Type           models.OrderType      `json:"type"`
	Price1         decimal.NullDecimal   `json:"price1"`
	Quantity       models.OrderQuantity  `json:"quantity"`
}

func (req submitOrderRequest) order() *models.Order {
	return &models.Order{
		Symbol:         req.Symbol,
		InstrumentType: req.InstrumentType,
		Direction:      req.Direction,
		Type:           req.Type,
		Price1:         req.Price1,
		Quantity:       req.Quantity,
		Status:         models.OrderStatusPending,
	}
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid order: "+err.Error())
		return
	}

	submitted, err := s.engine.SubmitOrder(r.Context(), req.order())
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, submitted)
}

func (s *Server) handleCheckOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	order, err := s.engine.CheckOrder(r.Context(), models.SubmittedOrder{ExternalID: id})
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	if order == nil {
		s.respondError(w, http.StatusNotFound, "order "+id+" not found on exchange")
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.engine.CancelOrder(r.Context(), &models.Order{ExternalID: mux.Vars(r)["id"]})
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.engine.CancelAllOrders(r.Context())
	if err != nil {
		s.logger.WithError(err).WithField("cancelled", len(cancelled)).Error("Cancel all finished with failures")
		s.writeJSON(w, statusFor(err), map[string]interface{}{
			"cancelled": cancelled,
			"error":     err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"cancelled": cancelled})
}

var badRequestErrors = []error{
	bitfinex.ErrInvalidQuantity,
	bitfinex.ErrAlreadySubmitted,
	bitfinex.ErrUnknownDirection,
	bitfinex.ErrUnsupportedInterval,
	bitfinex.ErrUnsupportedOrderType,
	bitfinex.ErrMissingPrice,
	bitfinex.ErrInvalidExternalID,
}

// statusFor maps an engine error onto an HTTP status.
func statusFor(err error) int {
	for _, target := range badRequestErrors {
		if errors.Is(err, target) {
			return http.StatusBadRequest
		}
	}
	switch {
	case errors.Is(err, bitfinex.ErrNotFoundLocally):
		return http.StatusNotFound
	case errors.Is(err, bitfinex.ErrTransportFailure):
		return http.StatusServiceUnavailable
	case errors.Is(err, bitfinex.ErrExchangeRejected),
		errors.Is(err, bitfinex.ErrUnexpectedResponse),
		errors.Is(err, bitfinex.ErrCancelRetriesExhausted):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	entry := s.logger.WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}
	s.respondError(w, status, err.Error())
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return v, nil
}
