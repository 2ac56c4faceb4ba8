package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/bfxexec/pkg/bitfinex"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, bitfinex.DefaultBaseURL, cfg.Bitfinex.BaseURL)
	assert.Equal(t, bitfinex.DefaultPublicURL, cfg.Bitfinex.PublicURL)
	assert.Equal(t, "USD", cfg.Bitfinex.DefaultQuote)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Transport.Timeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Transport.MinInterval)
	assert.Equal(t, bitfinex.DefaultCancelRetry(), cfg.Orders.CancelRetry())
	assert.Equal(t, "close", cfg.Candles.QuoteVolumePolicy)
	assert.Equal(t, "bitfinex-api-key", cfg.GCP.SecretNames.APIKey)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
bitfinex:
  default_quote: EUR
transport:
  min_interval: 250ms
  cache_size: 16
orders:
  cancel_max_attempts: 3
  cancel_base_delay: 2s
database:
  driver: pebble
  path: /tmp/orders
candles:
  quote_volume_policy: midpoint
monitor:
  symbols: [tBTCUSD, tETHUSD]
`)
	t.Setenv("BFX_API_KEY", "env-key")
	t.Setenv("BFX_API_SECRET", "env-secret")
	t.Setenv("BFXEXEC_SERVER_PORT", "9090")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "EUR", cfg.Bitfinex.DefaultQuote)
	assert.Equal(t, "env-key", cfg.Bitfinex.APIKey)
	assert.Equal(t, "env-secret", cfg.Bitfinex.APISecret)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Transport.ToTransport().MinInterval)
	assert.Equal(t, 16, cfg.Transport.ToTransport().CacheSize)
	assert.Equal(t, bitfinex.CancelRetry{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}, cfg.Orders.CancelRetry())
	assert.Equal(t, "pebble", cfg.Database.Driver)
	assert.Equal(t, "midpoint", cfg.Candles.QuoteVolumePolicy)
	assert.Equal(t, []string{"tBTCUSD", "tETHUSD"}, cfg.Monitor.Symbols)
	assert.NoError(t, cfg.RequireCredentials())
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	_, err := Load(writeConfig(t, "database:\n  driver: postgres\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.dsn")
}

func TestLoad_DatabaseDSNFromEnv(t *testing.T) {
	t.Setenv("DATABASE_DSN", "postgres://localhost/bfx")

	cfg, err := Load(writeConfig(t, "database:\n  driver: postgres\n"))
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/bfx", cfg.Database.DSN)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Database: DatabaseConfig{Driver: "memory"},
			Supply:   SupplyConfig{Provider: "none"},
			Candles:  CandlesConfig{QuoteVolumePolicy: "close"},
			Orders:   OrdersConfig{CancelMaxAttempts: 5},
			Server:   ServerConfig{Port: 8080},
			Logging:  LoggingConfig{Level: "info"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"pebble without path", func(c *Config) { c.Database.Driver = "pebble" }, "database.path"},
		{"unknown supply", func(c *Config) { c.Supply.Provider = "cmc" }, "supply.provider"},
		{"bad policy", func(c *Config) { c.Candles.QuoteVolumePolicy = "vwap" }, "quote_volume_policy"},
		{"no cancel attempts", func(c *Config) { c.Orders.CancelMaxAttempts = 0 }, "cancel_max_attempts"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRequireCredentials(t *testing.T) {
	cfg := &Config{Bitfinex: BitfinexConfig{APIKey: "k"}}
	assert.Error(t, cfg.RequireCredentials())
}

type mapSecrets map[string]string

func (m mapSecrets) GetSecretWithDefault(_ context.Context, name, def string) string {
	if v, ok := m[name]; ok {
		return v
	}
	return def
}

func TestLoadSecrets_FillsOnlyEmptyValues(t *testing.T) {
	cfg := &Config{
		Bitfinex: BitfinexConfig{APIKey: "from-env"},
	}
	cfg.GCP.SecretNames.APIKey = "key"
	cfg.GCP.SecretNames.APISecret = "secret"
	cfg.GCP.SecretNames.JWTSecret = "jwt"

	loadSecrets(context.Background(), cfg, mapSecrets{
		"key":    "from-gcp",
		"secret": "gcp-secret",
		"jwt":    "gcp-jwt",
	})

	assert.Equal(t, "from-env", cfg.Bitfinex.APIKey)
	assert.Equal(t, "gcp-secret", cfg.Bitfinex.APISecret)
	assert.Equal(t, "gcp-jwt", cfg.Server.JWTSecret)
	assert.Empty(t, cfg.Database.DSN)
}

func TestLoggingConfig_NewLogger(t *testing.T) {
	logger := LoggingConfig{Level: "debug", Format: "text"}.NewLogger()
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)

	logger = LoggingConfig{Level: "nonsense"}.NewLogger()
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}
