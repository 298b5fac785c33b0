// Package config defines the top-level configuration for the round engine
// and provides validation helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/roundengine/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ROUNDENGINE_* environment variables.
type Config struct {
	Mode        string             `toml:"mode"`
	LogLevel    string             `toml:"log_level"`
	Round       RoundConfig        `toml:"round"`
	Instruments []InstrumentConfig `toml:"instruments"`
	Feed        FeedConfig         `toml:"feed"`
	Postgres    PostgresConfig     `toml:"postgres"`
	Redis       RedisConfig        `toml:"redis"`
	S3          S3Config           `toml:"s3"`
	Server      ServerConfig       `toml:"server"`
	Notify      NotifyConfig       `toml:"notify"`
}

// RoundConfig holds the round clock, pricing and settlement parameters.
type RoundConfig struct {
	// RootTime is the unix second round ids are counted from.
	RootTime int64 `toml:"root_time"`
	// FeeRate is the winnings paid on top of the returned stake.
	FeeRate          decimal.Decimal `toml:"fee_rate"`
	VolumeMultiplier decimal.Decimal `toml:"volume_multiplier"`
	// WindowSize is the number of recent trades kept per instrument.
	WindowSize   int             `toml:"window_size"`
	InterceptMin int             `toml:"intercept_min"`
	InterceptMax int             `toml:"intercept_max"`
	PriceStep    decimal.Decimal `toml:"price_step"`
	// Demo also settles the demo order tables.
	Demo                bool     `toml:"demo"`
	SettleLockTTL       duration `toml:"settle_lock_ttl"`
	MaxPendingAge       duration `toml:"max_pending_age"`
	CommissionCountdown int      `toml:"commission_countdown"`
}

// InstrumentConfig names one traded pair.
type InstrumentConfig struct {
	ID     string `toml:"id"`
	Pair   string `toml:"pair"`
	Symbol string `toml:"symbol"`
}

// FeedConfig holds the trade stream endpoint.
type FeedConfig struct {
	URL string `toml:"url"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. An empty Addr runs the
// engine on in-process state, which only suits a single instance.
type RedisConfig struct {
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	KeyPrefix    string `toml:"key_prefix"`
	StreamMaxLen int64  `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for round report
// archival.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKeyHash is the bcrypt hash of the admin API key. Admin routes are
	// unauthenticated when empty.
	APIKeyHash string  `toml:"api_key_hash"`
	RateLimit  float64 `toml:"rate_limit"`
	RateBurst  int     `toml:"rate_burst"`
}

// NotifyConfig holds operator alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	PerMinute         int      `toml:"per_minute"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Mode:     "full",
		LogLevel: "info",
		Round: RoundConfig{
			RootTime:            1577836800,
			FeeRate:             decimal.RequireFromString("0.95"),
			VolumeMultiplier:    decimal.RequireFromString("1"),
			WindowSize:          10,
			InterceptMin:        5,
			InterceptMax:        25,
			PriceStep:           decimal.RequireFromString("0.01"),
			SettleLockTTL:       duration{30 * time.Second},
			MaxPendingAge:       duration{2 * time.Hour},
			CommissionCountdown: 10,
		},
		Instruments: []InstrumentConfig{
			{ID: "BTC", Pair: "BTC/USDT", Symbol: "BTCUSDT"},
			{ID: "ETH", Pair: "ETH/USDT", Symbol: "ETHUSDT"},
		},
		Feed: FeedConfig{
			URL: "wss://stream.binance.com:9443",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyPrefix:    "roundengine",
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "round-reports",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   20,
			RateBurst:   40,
		},
		Notify: NotifyConfig{
			Events:    []string{"settlement_failed", "settlement_gave_up", "rebalance_failed", "feed_down", "trade_mode_changed"},
			PerMinute: 20,
		},
	}
}

// DomainInstruments converts the configured instruments.
func (c *Config) DomainInstruments() []domain.Instrument {
	out := make([]domain.Instrument, len(c.Instruments))
	for i, in := range c.Instruments {
		out[i] = domain.Instrument{
			ID:     in.ID,
			Pair:   in.Pair,
			Symbol: strings.ToUpper(in.Symbol),
		}
	}
	return out
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":   true,
	"engine": true,
	"feed":   true,
	"server": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, engine, feed, server)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Round
	if c.Round.RootTime%60 != 0 {
		errs = append(errs, fmt.Sprintf("round: root_time must be a multiple of 60, got %d", c.Round.RootTime))
	}
	if c.Round.FeeRate.IsNegative() {
		errs = append(errs, "round: fee_rate must be >= 0")
	}
	if !c.Round.VolumeMultiplier.IsPositive() {
		errs = append(errs, "round: volume_multiplier must be > 0")
	}
	if c.Round.WindowSize < 1 {
		errs = append(errs, "round: window_size must be >= 1")
	}
	if c.Round.InterceptMin < 1 || c.Round.InterceptMax > domain.RoundSeconds || c.Round.InterceptMin > c.Round.InterceptMax {
		errs = append(errs, fmt.Sprintf("round: intercept window must satisfy 1 <= intercept_min <= intercept_max <= %d, got [%d, %d]",
			domain.RoundSeconds, c.Round.InterceptMin, c.Round.InterceptMax))
	}
	if !c.Round.PriceStep.IsPositive() {
		errs = append(errs, "round: price_step must be > 0")
	}
	if c.Round.SettleLockTTL.Duration <= 0 {
		errs = append(errs, "round: settle_lock_ttl must be > 0")
	}
	if c.Round.MaxPendingAge.Duration <= 0 {
		errs = append(errs, "round: max_pending_age must be > 0")
	}
	if c.Round.CommissionCountdown < 1 || c.Round.CommissionCountdown > domain.RoundSeconds {
		errs = append(errs, fmt.Sprintf("round: commission_countdown must be 1-%d", domain.RoundSeconds))
	}

	// Instruments
	if len(c.Instruments) == 0 {
		errs = append(errs, "instruments: at least one instrument is required")
	}
	seen := make(map[string]bool, len(c.Instruments))
	for i, in := range c.Instruments {
		if in.ID == "" || in.Pair == "" || in.Symbol == "" {
			errs = append(errs, fmt.Sprintf("instruments[%d]: id, pair and symbol must all be set", i))
		}
		if seen[in.ID] {
			errs = append(errs, fmt.Sprintf("instruments[%d]: duplicate id %q", i, in.ID))
		}
		seen[in.ID] = true
	}

	// Feed
	needsFeed := c.Mode == "full" || c.Mode == "feed" || c.Mode == "engine"
	if needsFeed {
		if u, err := url.Parse(c.Feed.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Sprintf("feed: url must be a ws:// or wss:// URL, got %q", c.Feed.URL))
		}
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}
	if c.Redis.StreamMaxLen < 0 {
		errs = append(errs, "redis: stream_max_len must be >= 0")
	}
	if c.Redis.Addr == "" && (c.Mode == "feed" || c.Mode == "engine" || c.Mode == "server") {
		errs = append(errs, fmt.Sprintf("redis: addr is required for mode %s (split processes share state through redis)", c.Mode))
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.APIKeyHash != "" && !strings.HasPrefix(c.Server.APIKeyHash, "$2") {
			errs = append(errs, "server: api_key_hash must be a bcrypt hash")
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
