package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/gregtusar/bfxexec/api"
	"github.com/gregtusar/bfxexec/pkg/bitfinex"
	"github.com/gregtusar/bfxexec/pkg/models"
	"github.com/gregtusar/bfxexec/pkg/trader"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withExchange runs fn against a wired exchange and closes the store afterwards.
func withExchange(requireAuth bool, fn func(ctx context.Context, ex *bitfinex.Exchange) error) error {
	ctx, cancel := signalContext()
	defer cancel()

	ex, st, err := newExchange(ctx, requireAuth)
	if err != nil {
		return err
	}
	defer st.Close()

	return fn(ctx, ex)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the order monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			ex, st, err := newExchange(ctx, true)
			if err != nil {
				return err
			}
			defer st.Close()

			var monitor *trader.Monitor
			if cfg.Monitor.Enabled {
				monitor, err = startMonitor(ctx, ex)
				if err != nil {
					return err
				}
				defer monitor.Stop()
			}

			server := api.NewServer(ex, api.Config{
				Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
				JWTSecret:      cfg.Server.JWTSecret,
				AllowedOrigins: cfg.Server.AllowedOrigins,
			}, logger)

			logger.Info("bfxexec is running. Press Ctrl+C to stop.")
			if err := server.Start(ctx); err != nil {
				return fmt.Errorf("api server: %w", err)
			}
			logger.Info("bfxexec stopped")
			return nil
		},
	}
}

func startMonitor(ctx context.Context, ex *bitfinex.Exchange) (*trader.Monitor, error) {
	monitorCfg := trader.MonitorConfig{
		ReconcileInterval: cfg.Monitor.ReconcileInterval,
		TickerInterval:    cfg.Monitor.TickerInterval,
		Symbols:           cfg.Monitor.Symbols,
	}
	if cfg.Monitor.UseWebSocket {
		monitorCfg.TickerInterval = 0
	}

	monitor := trader.NewMonitor(ex, ex, monitorCfg, logger)
	if err := monitor.Start(ctx); err != nil {
		return nil, err
	}

	if cfg.Monitor.UseWebSocket && len(cfg.Monitor.Symbols) > 0 {
		stream := bitfinex.NewTickerStream(cfg.Bitfinex.WebSocketURL, monitor.UpdateTicker, logger)
		if err := stream.Connect(ctx); err != nil {
			monitor.Stop()
			return nil, err
		}
		if err := stream.Subscribe(cfg.Monitor.Symbols...); err != nil {
			monitor.Stop()
			stream.Close()
			return nil, err
		}
	}
	return monitor, nil
}

func newSubmitCmd() *cobra.Command {
	var (
		symbol, direction, orderType, unit, instrument string
		quantity, price                                string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an order",
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := decimal.NewFromString(quantity)
			if err != nil {
				return fmt.Errorf("invalid --quantity: %w", err)
			}
			order := &models.Order{
				Symbol:         symbol,
				InstrumentType: models.InstrumentType(strings.ToLower(instrument)),
				Direction:      models.OrderDirection(strings.ToUpper(direction)),
				Type:           models.OrderType(strings.ToUpper(orderType)),
				Quantity:       models.OrderQuantity{Quantity: qty, Unit: models.OrderQuantityUnit(strings.ToUpper(unit))},
				Status:         models.OrderStatusPending,
			}
			if price != "" {
				p, err := decimal.NewFromString(price)
				if err != nil {
					return fmt.Errorf("invalid --price: %w", err)
				}
				order.Price1 = decimal.NewNullDecimal(p)
			}

			return withExchange(true, func(ctx context.Context, ex *bitfinex.Exchange) error {
				submitted, err := ex.SubmitOrder(ctx, order)
				if err != nil {
					return err
				}
				return printJSON(submitted)
			})
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "trading symbol, e.g. tBTCUSD")
	cmd.Flags().StringVar(&direction, "direction", "", "LONG or SHORT")
	cmd.Flags().StringVar(&orderType, "type", string(models.OrderTypeLimit), "LIMIT, MARKET, STOP, STOP_LIMIT, FOK or IOC")
	cmd.Flags().StringVar(&quantity, "quantity", "", "order quantity")
	cmd.Flags().StringVar(&unit, "unit", string(models.QuantityUnitBase), "BASE, QUOTE or PERCENT")
	cmd.Flags().StringVar(&price, "price", "", "limit price")
	cmd.Flags().StringVar(&instrument, "instrument", string(models.InstrumentSpot), "spot or margin")
	_ = cmd.MarkFlagRequired("symbol")
	_ = cmd.MarkFlagRequired("direction")
	_ = cmd.MarkFlagRequired("quantity")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <external-id>",
		Short: "Cancel one order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExchange(true, func(ctx context.Context, ex *bitfinex.Exchange) error {
				order, err := ex.CancelOrder(ctx, &models.Order{ExternalID: args[0]})
				if err != nil {
					return err
				}
				return printJSON(order)
			})
		},
	}
}

func newCancelAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-all",
		Short: "Cancel every open order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExchange(true, func(ctx context.Context, ex *bitfinex.Exchange) error {
				cancelled, err := ex.CancelAllOrders(ctx)
				if printErr := printJSON(cancelled); printErr != nil {
					return printErr
				}
				return err
			})
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <external-id>",
		Short: "Reconcile one order with the exchange",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExchange(true, func(ctx context.Context, ex *bitfinex.Exchange) error {
				order, err := ex.CheckOrder(ctx, models.SubmittedOrder{ExternalID: args[0]})
				if err != nil {
					return err
				}
				if order == nil {
					return fmt.Errorf("order %s not found on exchange", args[0])
				}
				return printJSON(order)
			})
		},
	}
}

func newActiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "Reconcile and list open orders tracked locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExchange(true, func(ctx context.Context, ex *bitfinex.Exchange) error {
				orders, err := ex.GetActiveOrders(ctx)
				if err != nil {
					return err
				}
				return printJSON(orders)
			})
		},
	}
}

func newCandlesCmd() *cobra.Command {
	var interval, limit int
	cmd := &cobra.Command{
		Use:   "candles <symbol>",
		Short: "Fetch recent candles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExchange(false, func(ctx context.Context, ex *bitfinex.Exchange) error {
				candles, err := ex.FetchCandles(ctx, args[0], interval, limit)
				if err != nil {
					return err
				}
				return printJSON(candles)
			})
		},
	}
	cmd.Flags().IntVar(&interval, "interval", 1, "candle interval in minutes")
	cmd.Flags().IntVar(&limit, "limit", 100, "number of candles")
	return cmd
}

func newTickersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tickers",
		Short: "List tradable symbols",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExchange(false, func(ctx context.Context, ex *bitfinex.Exchange) error {
				symbols, err := ex.GetTickerSymbols(ctx)
				if err != nil {
					return err
				}
				return printJSON(symbols)
			})
		},
	}
}

func newTickerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ticker <symbol>",
		Short: "Show a ticker snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExchange(false, func(ctx context.Context, ex *bitfinex.Exchange) error {
				data, err := ex.GetTickerData(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(data)
			})
		},
	}
}

func newAssetsCmd() *cobra.Command {
	var defaultFor string
	cmd := &cobra.Command{
		Use:   "assets",
		Short: "List supported assets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExchange(false, func(ctx context.Context, ex *bitfinex.Exchange) error {
				if defaultFor != "" {
					symbol, ok, err := ex.GetAssetDefaultTickerSymbol(ctx, defaultFor)
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("no %s pair for %s", cfg.Bitfinex.DefaultQuote, defaultFor)
					}
					return printJSON(symbol)
				}

				assets, err := ex.GetSupportedAssets(ctx)
				if err != nil {
					return err
				}
				return printJSON(assets)
			})
		},
	}
	cmd.Flags().StringVar(&defaultFor, "default-symbol", "", "print the default ticker symbol for this asset")
	return cmd
}

func newWalletCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wallet",
		Short: "Show wallet balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExchange(true, func(ctx context.Context, ex *bitfinex.Exchange) error {
				holdings, err := ex.FetchWallet(ctx)
				if err != nil {
					return err
				}
				return printJSON(holdings)
			})
		},
	}
}

func newStreamCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stream <symbol>...",
		Short: "Print live ticker updates",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			enc := json.NewEncoder(os.Stdout)
			stream := bitfinex.NewTickerStream(cfg.Bitfinex.WebSocketURL, func(td models.TickerData) {
				if err := enc.Encode(td); err != nil {
					logger.WithError(err).Error("Failed to print ticker")
				}
			}, logger)

			if err := stream.Connect(ctx); err != nil {
				return err
			}
			if err := stream.Subscribe(args...); err != nil {
				stream.Close()
				return err
			}
			<-stream.Done()
			return nil
		},
	}
}
