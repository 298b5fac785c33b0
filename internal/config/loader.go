package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// envPrefix namespaces every environment override.
const envPrefix = "ROUNDENGINE_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ROUNDENGINE_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides reads well-known ROUNDENGINE_* environment variables and
// overwrites the corresponding Config fields when a variable is set. Values
// that do not parse are reported instead of silently ignored.
func applyEnvOverrides(cfg *Config) error {
	var o overrides

	// ── Top-level ──
	o.str(&cfg.Mode, "MODE")
	o.str(&cfg.LogLevel, "LOG_LEVEL")

	// ── Round ──
	o.int64(&cfg.Round.RootTime, "ROUND_ROOT_TIME")
	o.decimal(&cfg.Round.FeeRate, "ROUND_FEE_RATE")
	o.decimal(&cfg.Round.VolumeMultiplier, "ROUND_VOLUME_MULTIPLIER")
	o.int(&cfg.Round.WindowSize, "ROUND_WINDOW_SIZE")
	o.int(&cfg.Round.InterceptMin, "ROUND_INTERCEPT_MIN")
	o.int(&cfg.Round.InterceptMax, "ROUND_INTERCEPT_MAX")
	o.decimal(&cfg.Round.PriceStep, "ROUND_PRICE_STEP")
	o.bool(&cfg.Round.Demo, "ROUND_DEMO")
	o.duration(&cfg.Round.SettleLockTTL, "ROUND_SETTLE_LOCK_TTL")
	o.duration(&cfg.Round.MaxPendingAge, "ROUND_MAX_PENDING_AGE")

	// ── Feed ──
	o.str(&cfg.Feed.URL, "FEED_URL")

	// ── Postgres ──
	o.str(&cfg.Postgres.DSN, "POSTGRES_DSN")
	o.str(&cfg.Postgres.Host, "POSTGRES_HOST")
	o.int(&cfg.Postgres.Port, "POSTGRES_PORT")
	o.str(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	o.str(&cfg.Postgres.User, "POSTGRES_USER")
	o.str(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	o.str(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	o.int(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	o.int(&cfg.Postgres.PoolMinConns, "POSTGRES_POOL_MIN_CONNS")
	o.bool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	o.str(&cfg.Redis.Addr, "REDIS_ADDR")
	o.str(&cfg.Redis.Password, "REDIS_PASSWORD")
	o.int(&cfg.Redis.DB, "REDIS_DB")
	o.int(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	o.bool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	o.str(&cfg.Redis.KeyPrefix, "REDIS_KEY_PREFIX")

	// ── S3 ──
	o.bool(&cfg.S3.Enabled, "S3_ENABLED")
	o.str(&cfg.S3.Endpoint, "S3_ENDPOINT")
	o.str(&cfg.S3.Region, "S3_REGION")
	o.str(&cfg.S3.Bucket, "S3_BUCKET")
	o.str(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	o.str(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	o.bool(&cfg.S3.UseSSL, "S3_USE_SSL")
	o.bool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	// ── Server ──
	o.bool(&cfg.Server.Enabled, "SERVER_ENABLED")
	o.int(&cfg.Server.Port, "SERVER_PORT")
	o.strings(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	o.str(&cfg.Server.APIKeyHash, "SERVER_API_KEY_HASH")

	// ── Notify ──
	o.str(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	o.str(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	o.str(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	o.strings(&cfg.Notify.Events, "NOTIFY_EVENTS")

	if len(o.errs) > 0 {
		return fmt.Errorf("config: invalid environment overrides: %s", strings.Join(o.errs, "; "))
	}
	return nil
}

// overrides collects parse failures while applying environment variables.
// Each setter only mutates the target when the variable is present and
// non-empty.
type overrides struct {
	errs []string
}

func (o *overrides) lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	return v, v != ""
}

func (o *overrides) fail(key, v string, err error) {
	o.errs = append(o.errs, fmt.Sprintf("%s%s=%q: %v", envPrefix, key, v, err))
}

func (o *overrides) str(dst *string, key string) {
	if v, ok := o.lookup(key); ok {
		*dst = v
	}
}

func (o *overrides) int(dst *int, key string) {
	if v, ok := o.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			o.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (o *overrides) int64(dst *int64, key string) {
	if v, ok := o.lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			o.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (o *overrides) bool(dst *bool, key string) {
	if v, ok := o.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			o.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (o *overrides) decimal(dst *decimal.Decimal, key string) {
	if v, ok := o.lookup(key); ok {
		d, err := decimal.NewFromString(v)
		if err != nil {
			o.fail(key, v, err)
			return
		}
		*dst = d
	}
}

func (o *overrides) duration(dst *duration, key string) {
	if v, ok := o.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			o.fail(key, v, err)
			return
		}
		dst.Duration = d
	}
}

func (o *overrides) strings(dst *[]string, key string) {
	v, ok := o.lookup(key)
	if !ok {
		return
	}
	parts := strings.Split(v, ",")
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
