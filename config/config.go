package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// DebugMode turns on verbose per message logging across packages.
var DebugMode = false

type Config struct {
	App   AppConfig   `envPrefix:"APP_"`
	Feed  FeedConfig  `envPrefix:"FEED_"`
	Sync  SyncConfig  `envPrefix:"SYNC_"`
	Cache CacheConfig `envPrefix:"CACHE_"`
	RPC   RPCConfig   `envPrefix:"RPC_"`
}

type AppConfig struct {
	Name        string `env:"NAME" envDefault:"marketstate-bridge"`
	Debug       bool   `env:"DEBUG" envDefault:"false"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile     string `env:"LOG_FILE"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":8080"`
}

type FeedConfig struct {
	URL              string        `env:"URL" envDefault:"ws://localhost:9443/stream"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"5s"`
	KeepAliveTimeout time.Duration `env:"KEEPALIVE_TIMEOUT" envDefault:"9m"`
	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	// Streams opened at startup, e.g. "orderbook:btc_usdt,trades:btc_usdt,candles:eth_usdt:1m".
	Subscriptions []string `env:"SUBSCRIPTIONS" envSeparator:","`
}

type SyncConfig struct {
	WarmupDelay      time.Duration `env:"WARMUP_DELAY" envDefault:"1s"`
	FetchTimeout     time.Duration `env:"FETCH_TIMEOUT" envDefault:"10s"`
	MaxFetchAttempts int           `env:"MAX_FETCH_ATTEMPTS" envDefault:"5"`
	SnapshotDepth    int           `env:"SNAPSHOT_DEPTH" envDefault:"0"`
	PendingLimit     int           `env:"PENDING_LIMIT" envDefault:"1000"`
}

type CacheConfig struct {
	TradesLimit int `env:"TRADES_LIMIT" envDefault:"1000"`
	FillsLimit  int `env:"FILLS_LIMIT" envDefault:"1000"`
	OrdersLimit int `env:"ORDERS_LIMIT" envDefault:"1000"`
	OHLCVLimit  int `env:"OHLCV_LIMIT" envDefault:"1000"`
}

type RPCConfig struct {
	HTTPAddr string   `env:"HTTP_ADDR" envDefault:":8081"`
	GRPCAddr string   `env:"GRPC_ADDR" envDefault:":8880"`
	Markets  []string `env:"MARKETS" envSeparator:"," envDefault:"btc_usdt,eth_usdt"`
	MaxDepth int      `env:"MAX_DEPTH" envDefault:"5000"`
}

// Load reads the configuration from the environment, after loading .env files when present.
func Load(files ...string) (*Config, error) {
	_ = godotenv.Load(files...)

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	DebugMode = cfg.App.Debug
	return cfg, nil
}

func (c *Config) validate() error {
	limits := map[string]int{
		"SYNC_MAX_FETCH_ATTEMPTS": c.Sync.MaxFetchAttempts,
		"SYNC_PENDING_LIMIT":      c.Sync.PendingLimit,
		"CACHE_TRADES_LIMIT":      c.Cache.TradesLimit,
		"CACHE_FILLS_LIMIT":       c.Cache.FillsLimit,
		"CACHE_ORDERS_LIMIT":      c.Cache.OrdersLimit,
		"CACHE_OHLCV_LIMIT":       c.Cache.OHLCVLimit,
	}
	for name, value := range limits {
		if value <= 0 {
			return errors.Errorf("%s must be positive, got %d", name, value)
		}
	}
	return nil
}
