package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gregtusar/bfxexec/internal/config"
	"github.com/gregtusar/bfxexec/pkg/bitfinex"
	"github.com/gregtusar/bfxexec/pkg/store"
	"github.com/gregtusar/bfxexec/pkg/supply"
	"github.com/gregtusar/bfxexec/pkg/transport"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bfxexec",
		Short: "Bitfinex order execution and reconciliation",
		Long:  `Submits, cancels and reconciles Bitfinex orders and serves market data over a small HTTP API`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logger = cfg.Logging.NewLogger()
			return nil
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(
		newServeCmd(),
		newSubmitCmd(),
		newCancelCmd(),
		newCancelAllCmd(),
		newCheckCmd(),
		newActiveCmd(),
		newCandlesCmd(),
		newTickersCmd(),
		newTickerCmd(),
		newAssetsCmd(),
		newWalletCmd(),
		newStreamCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Database.Driver {
	case "pebble":
		return store.NewPebbleStore(cfg.Database.Path)
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Database.DSN)
	default:
		return store.NewMemoryStore(), nil
	}
}

func newSupplySource() bitfinex.SupplySource {
	if cfg.Supply.Provider != "coingecko" {
		return supply.Nop{}
	}
	client := resty.New().SetTimeout(cfg.Transport.Timeout)
	return supply.NewCoinGecko(cfg.Supply.URL, client)
}

// newExchange wires the exchange client. requireAuth rejects missing API credentials
// up front for commands that hit private endpoints.
func newExchange(ctx context.Context, requireAuth bool) (*bitfinex.Exchange, store.Store, error) {
	if requireAuth {
		if err := cfg.RequireCredentials(); err != nil {
			return nil, nil, err
		}
	}

	policy, err := bitfinex.ParseQuoteVolumePolicy(cfg.Candles.QuoteVolumePolicy)
	if err != nil {
		return nil, nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	t := transport.New(cfg.Transport.ToTransport(), logger)
	ex := bitfinex.New(cfg.Bitfinex.APIKey, cfg.Bitfinex.APISecret, t, st,
		bitfinex.WithLogger(logger),
		bitfinex.WithBaseURL(cfg.Bitfinex.BaseURL),
		bitfinex.WithPublicURL(cfg.Bitfinex.PublicURL),
		bitfinex.WithDefaultQuote(cfg.Bitfinex.DefaultQuote),
		bitfinex.WithSupplySource(newSupplySource()),
		bitfinex.WithCancelRetry(cfg.Orders.CancelRetry()),
		bitfinex.WithQuoteVolumePolicy(policy),
	)

	logger.WithFields(logrus.Fields{
		"base_url": cfg.Bitfinex.BaseURL,
		"store":    cfg.Database.Driver,
		"supply":   cfg.Supply.Provider,
	}).Debug("Exchange client ready")
	return ex, st, nil
}
