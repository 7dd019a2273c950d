package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/lib/pq"

	"github.com/digivault/escrowd/internal/config"
	"github.com/digivault/escrowd/internal/escrow"
	"github.com/digivault/escrowd/internal/health"
	"github.com/digivault/escrowd/internal/notify"
	"github.com/digivault/escrowd/internal/runlock"
	"github.com/digivault/escrowd/internal/settings"
	"github.com/digivault/escrowd/internal/settlement"
	"github.com/digivault/escrowd/migrations"
)

// Backend is the storage and messaging side shared by the API server and
// the one-shot settlement job.
type Backend struct {
	DB       *sql.DB // nil if using in-memory
	Store    escrow.Store
	Memory   *escrow.MemoryStore // non-nil in memory mode
	Settings settings.Provider
	Notifier escrow.Notifier
	Locker   settlement.Locker
	Health   *health.Registry

	closers []func() error
}

// OpenBackend connects to every configured backing service. Only the
// database is mandatory when configured; redis and nsqd fall back to
// unlocked runs and log delivery.
func OpenBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	defaults, err := cfg.DefaultSettings()
	if err != nil {
		return nil, err
	}
	b := &Backend{Health: health.NewRegistry()}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		b.closers = append(b.closers, db.Close)

		applied, err := migrations.Up(ctx, db)
		if err != nil {
			b.Close(logger)
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
		logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL), "migrations_applied", applied)

		b.DB = db
		b.Store = escrow.NewPostgresStore(db)
		b.Settings = settings.NewPostgresStore(db, defaults)
		b.Health.Register("database", true, db.PingContext)
	} else {
		mem := escrow.NewMemoryStore()
		SeedDemo(mem)
		b.Memory = mem
		b.Store = mem
		b.Settings = settings.Static{S: defaults}
		logger.Warn("DATABASE_URL not set, using in-memory storage with demo data")
	}

	b.Locker = settlement.Locker(runlock.NopLocker{})
	if cfg.RedisURL != "" {
		client, err := runlock.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, settlement runs will not be serialized", "error", err)
		} else {
			locker := runlock.NewRedisLocker(client)
			b.Locker = locker
			b.Health.Register("redis", false, locker.Ping)
			b.closers = append(b.closers, client.Close)
			logger.Info("settlement run lock enabled")
		}
	}

	b.Notifier = notify.NewLogSink(logger)
	if cfg.NSQDAddress != "" {
		producer, err := notify.NewProducer(cfg.NSQDAddress)
		if err != nil {
			logger.Warn("nsqd unavailable, notifications will only be logged", "error", err)
		} else {
			sink := notify.NewNSQSink(producer, cfg.NotifyTopic, logger)
			b.Notifier = sink
			b.Health.Register("nsqd", false, sink.Ping)
			b.closers = append(b.closers, func() error { sink.Stop(); return nil })
			logger.Info("notification fan-out enabled", "nsqd", cfg.NSQDAddress, "topic", cfg.NotifyTopic)
		}
	}

	return b, nil
}

// Engine builds a settlement engine over the backend.
func (b *Backend) Engine(cfg *config.Config, logger *slog.Logger) *settlement.Engine {
	return settlement.NewEngine(b.Store, logger, settlement.Config{
		ReleaseBatch: cfg.SettlementReleaseBatch,
		RefundBatch:  cfg.SettlementRefundBatch,
		StaleAfter:   cfg.StaleAfter(),
	}).WithNotifier(b.Notifier).WithLocker(b.Locker)
}

// Close releases every connection in reverse order of opening.
func (b *Backend) Close(logger *slog.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			logger.Error("backend close error", "error", err)
		}
	}
	b.closers = nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
