package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/roundengine/internal/blob/s3"
	"github.com/alanyoungcy/roundengine/internal/cache/memory"
	"github.com/alanyoungcy/roundengine/internal/cache/redis"
	"github.com/alanyoungcy/roundengine/internal/config"
	"github.com/alanyoungcy/roundengine/internal/domain"
	"github.com/alanyoungcy/roundengine/internal/notify"
	"github.com/alanyoungcy/roundengine/internal/server/handler"
	"github.com/alanyoungcy/roundengine/internal/store/postgres"
)

// Dependencies bundles every backing service the run modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores; nil in modes that never touch orders.
	Settlements *postgres.SettlementStore
	Orders      *postgres.OrderStore

	// Shared state
	State     domain.StateStore
	Locks     domain.LockManager
	SignalBus domain.SignalBus

	// Report archival; nil when S3 is disabled.
	Archiver *s3blob.ReportArchiver

	Notifier *notify.Notifier

	// Health probes for GET /api/health.
	Checks map[string]handler.Check
}

// needsPostgres returns true for modes that settle rounds.
func needsPostgres(mode string) bool {
	switch mode {
	case "full", "engine":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- PostgreSQL ---
	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx, logger); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Settlements = postgres.NewSettlementStore(pool)
		deps.Orders = postgres.NewOrderStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- Redis, or in-process state for a single full-mode instance ---
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.State = redis.NewStateStore(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		logger.WarnContext(ctx, "redis addr not set, using in-process state (single instance only)")
		deps.State = memory.NewStateStore()
		deps.Locks = memory.NewLockManager()
		deps.SignalBus = memory.NewBoundedSignalBus(cfg.Redis.StreamMaxLen)
	}

	// --- S3 round report archive ---
	if cfg.S3.Enabled && needsPostgres(cfg.Mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewReportArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client))
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.PerMinute, logger)

	return deps, cleanup, nil
}
