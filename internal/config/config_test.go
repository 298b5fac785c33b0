package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults_AreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Zero(t, cfg.Round.RootTime%60)
	assert.Equal(t, 10, cfg.Round.WindowSize)
	assert.Equal(t, 2*time.Hour, cfg.Round.MaxPendingAge.Duration)
}

func TestLoad_MergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "engine"

[round]
fee_rate = "0.9"
intercept_min = 8
max_pending_age = "30m"
demo = true

[[instruments]]
id = "SOL"
pair = "SOL/USDT"
symbol = "solusdt"

[redis]
addr = "redis:6379"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "engine", cfg.Mode)
	assert.True(t, cfg.Round.FeeRate.Equal(decimal.RequireFromString("0.9")))
	assert.Equal(t, 8, cfg.Round.InterceptMin)
	assert.Equal(t, 25, cfg.Round.InterceptMax, "untouched keys keep defaults")
	assert.Equal(t, 30*time.Minute, cfg.Round.MaxPendingAge.Duration)
	assert.True(t, cfg.Round.Demo)

	insts := cfg.DomainInstruments()
	require.Len(t, insts, 1)
	assert.Equal(t, "SOL", insts[0].ID)
	assert.Equal(t, "SOLUSDT", insts[0].Symbol)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[round]
fee_rat = "0.9"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "round.fee_rat")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ROUNDENGINE_MODE", "server")
	t.Setenv("ROUNDENGINE_ROUND_FEE_RATE", "0.85")
	t.Setenv("ROUNDENGINE_ROUND_SETTLE_LOCK_TTL", "45s")
	t.Setenv("ROUNDENGINE_SERVER_CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("ROUNDENGINE_POSTGRES_PASSWORD", "pw")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "server", cfg.Mode)
	assert.True(t, cfg.Round.FeeRate.Equal(decimal.RequireFromString("0.85")))
	assert.Equal(t, 45*time.Second, cfg.Round.SettleLockTTL.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "pw", cfg.Postgres.Password)
}

func TestLoad_ReportsBadEnvValues(t *testing.T) {
	t.Setenv("ROUNDENGINE_ROUND_WINDOW_SIZE", "ten")
	t.Setenv("ROUNDENGINE_ROUND_DEMO", "maybe")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ROUNDENGINE_ROUND_WINDOW_SIZE")
	assert.Contains(t, err.Error(), "ROUNDENGINE_ROUND_DEMO")
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Round.RootTime = 1577836830
	cfg.Round.InterceptMin = 20
	cfg.Round.InterceptMax = 10
	cfg.Round.PriceStep = decimal.Zero
	cfg.Instruments = append(cfg.Instruments, InstrumentConfig{ID: "BTC", Pair: "BTC/USDT", Symbol: "BTCUSDT"})
	cfg.Server.APIKeyHash = "plaintext"
	cfg.Notify.TelegramToken = "token-only"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		"root_time must be a multiple of 60",
		"intercept window",
		"price_step",
		`duplicate id "BTC"`,
		"api_key_hash must be a bcrypt hash",
		"telegram_token and telegram_chat_id",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_SplitModesNeedRedis(t *testing.T) {
	cfg := Defaults()
	cfg.Redis.Addr = ""
	require.NoError(t, cfg.Validate(), "full mode runs on in-process state")

	cfg.Mode = "engine"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis: addr is required for mode engine")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.DSN = "postgres://app:hunter2@db:5432/rounds?sslmode=require"
	cfg.Redis.Password = "redis-pw"
	cfg.S3.SecretKey = "s3-secret"
	cfg.Server.APIKeyHash = "$2a$10$abcdefghijklmnopqrstuv"
	cfg.Notify.TelegramToken = "tg"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "postgres://app:***@db:5432/rounds?sslmode=require", out.Postgres.DSN)
	assert.Equal(t, "***", out.Redis.Password)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Equal(t, "***", out.Server.APIKeyHash)
	assert.Equal(t, "***", out.Notify.TelegramToken)
	assert.Empty(t, out.Notify.DiscordWebhookURL)

	out.Server.CORSOrigins[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
	assert.Equal(t, "redis-pw", cfg.Redis.Password)
}
