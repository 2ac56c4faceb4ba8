package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/gregtusar/bfxexec/pkg/bitfinex"
	"github.com/gregtusar/bfxexec/pkg/secrets"
	"github.com/gregtusar/bfxexec/pkg/transport"
)

type Config struct {
	Bitfinex  BitfinexConfig  `mapstructure:"bitfinex"`
	Transport TransportConfig `mapstructure:"transport"`
	Orders    OrdersConfig    `mapstructure:"orders"`
	Candles   CandlesConfig   `mapstructure:"candles"`
	Supply    SupplyConfig    `mapstructure:"supply"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	GCP       GCPConfig       `mapstructure:"gcp"`
}

type BitfinexConfig struct {
	APIKey       string `mapstructure:"api_key"`
	APISecret    string `mapstructure:"api_secret"`
	BaseURL      string `mapstructure:"base_url"`
	PublicURL    string `mapstructure:"public_url"`
	WebSocketURL string `mapstructure:"websocket_url"`
	DefaultQuote string `mapstructure:"default_quote"`
}

type TransportConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	MaxJitter   time.Duration `mapstructure:"max_jitter"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	CacheSize   int           `mapstructure:"cache_size"`
}

type OrdersConfig struct {
	CancelMaxAttempts int           `mapstructure:"cancel_max_attempts"`
	CancelBaseDelay   time.Duration `mapstructure:"cancel_base_delay"`
	CancelMaxDelay    time.Duration `mapstructure:"cancel_max_delay"`
}

type CandlesConfig struct {
	// QuoteVolumePolicy is "close" or "midpoint".
	QuoteVolumePolicy string `mapstructure:"quote_volume_policy"`
}

type SupplyConfig struct {
	// Provider is "none" or "coingecko".
	Provider string `mapstructure:"provider"`
	URL      string `mapstructure:"url"`
}

type DatabaseConfig struct {
	// Driver is "memory", "pebble" or "postgres".
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	JWTSecret      string   `mapstructure:"jwt_secret"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type MonitorConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	TickerInterval    time.Duration `mapstructure:"ticker_interval"`
	UseWebSocket      bool          `mapstructure:"use_websocket"`
	Symbols           []string      `mapstructure:"symbols"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

// SecretSource reads named secrets, falling back to a default when unavailable.
type SecretSource interface {
	GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string
}

func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/bfxexec")
	}

	v.SetEnvPrefix("BFXEXEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		sm, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
		if err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
		defer sm.Close()
		loadSecrets(ctx, &config, sm)
		logger.Info("Successfully loaded secrets from GCP Secret Manager")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bitfinex.api_key", "")
	v.SetDefault("bitfinex.api_secret", "")
	v.SetDefault("bitfinex.base_url", bitfinex.DefaultBaseURL)
	v.SetDefault("bitfinex.public_url", bitfinex.DefaultPublicURL)
	v.SetDefault("bitfinex.websocket_url", bitfinex.DefaultWebSocketURL)
	v.SetDefault("bitfinex.default_quote", bitfinex.DefaultQuote)

	td := transport.DefaultConfig()
	v.SetDefault("transport.timeout", td.Timeout)
	v.SetDefault("transport.min_interval", td.MinInterval)
	v.SetDefault("transport.max_jitter", td.MaxJitter)
	v.SetDefault("transport.cache_ttl", td.CacheTTL)
	v.SetDefault("transport.cache_size", td.CacheSize)

	cr := bitfinex.DefaultCancelRetry()
	v.SetDefault("orders.cancel_max_attempts", cr.MaxAttempts)
	v.SetDefault("orders.cancel_base_delay", cr.BaseDelay)
	v.SetDefault("orders.cancel_max_delay", cr.MaxDelay)

	v.SetDefault("candles.quote_volume_policy", string(bitfinex.QuoteVolumeFromClose))

	v.SetDefault("supply.provider", "none")
	v.SetDefault("supply.url", "")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.path", "./data/orders")
	v.SetDefault("database.dsn", "")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.reconcile_interval", 30*time.Second)
	v.SetDefault("monitor.ticker_interval", time.Duration(0))
	v.SetDefault("monitor.use_websocket", false)
	v.SetDefault("monitor.symbols", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	names := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.api_key", names.APIKey)
	v.SetDefault("gcp.secret_names.api_secret", names.APISecret)
	v.SetDefault("gcp.secret_names.database_dsn", names.DatabaseDSN)
	v.SetDefault("gcp.secret_names.jwt_secret", names.JWTSecret)
}

func overrideFromEnv(config *Config) {
	if apiKey := os.Getenv("BFX_API_KEY"); apiKey != "" {
		config.Bitfinex.APIKey = apiKey
	}
	if apiSecret := os.Getenv("BFX_API_SECRET"); apiSecret != "" {
		config.Bitfinex.APISecret = apiSecret
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

// loadSecrets fills values that are still empty from the secret source.
func loadSecrets(ctx context.Context, config *Config, src SecretSource) {
	names := config.GCP.SecretNames
	fill := func(dst *string, name string) {
		if *dst == "" {
			*dst = src.GetSecretWithDefault(ctx, name, "")
		}
	}
	fill(&config.Bitfinex.APIKey, names.APIKey)
	fill(&config.Bitfinex.APISecret, names.APISecret)
	fill(&config.Database.DSN, names.DatabaseDSN)
	fill(&config.Server.JWTSecret, names.JWTSecret)
}

// Validate checks settings that would otherwise fail deep inside a command.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "memory":
	case "pebble":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for the pebble driver"))
		}
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}

	switch c.Supply.Provider {
	case "none", "", "coingecko":
	default:
		errs = append(errs, fmt.Errorf("unknown supply.provider %q", c.Supply.Provider))
	}

	if _, err := bitfinex.ParseQuoteVolumePolicy(c.Candles.QuoteVolumePolicy); err != nil {
		errs = append(errs, fmt.Errorf("candles.quote_volume_policy: %w", err))
	}
	if c.Orders.CancelMaxAttempts < 1 {
		errs = append(errs, errors.New("orders.cancel_max_attempts must be at least 1"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}

	return errors.Join(errs...)
}

// RequireCredentials reports whether private endpoints can be signed.
func (c *Config) RequireCredentials() error {
	if c.Bitfinex.APIKey == "" || c.Bitfinex.APISecret == "" {
		return errors.New("bitfinex api_key and api_secret are required (set BFX_API_KEY and BFX_API_SECRET)")
	}
	return nil
}

func (c TransportConfig) ToTransport() transport.Config {
	return transport.Config{
		Timeout:     c.Timeout,
		MinInterval: c.MinInterval,
		MaxJitter:   c.MaxJitter,
		CacheTTL:    c.CacheTTL,
		CacheSize:   c.CacheSize,
	}
}

func (c OrdersConfig) CancelRetry() bitfinex.CancelRetry {
	return bitfinex.CancelRetry{
		MaxAttempts: c.CancelMaxAttempts,
		BaseDelay:   c.CancelBaseDelay,
		MaxDelay:    c.CancelMaxDelay,
	}
}

// NewLogger builds the process logger from the logging settings.
func (c LoggingConfig) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if c.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
