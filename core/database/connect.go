package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	coreconfig "github.com/m3rciful/dialogbot/core/config"
	"github.com/m3rciful/dialogbot/core/logger"
	"github.com/m3rciful/dialogbot/core/retry"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// readyTimeout bounds how long Connect waits for a starting database.
const readyTimeout = 30 * time.Second

// PostgresDSN renders cfg as a lib/pq keyword/value connection string.
func PostgresDSN(cfg coreconfig.PostgresConfig) string {
	return fmt.Sprintf(
		"user=%s password=%s host=%s port=%s dbname=%s sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name, cfg.SSLMode,
	)
}

// Connect opens the postgres pool, retrying until the server accepts
// connections or readyTimeout passes.
func Connect(ctx context.Context, cfg coreconfig.PostgresConfig) (*sqlx.DB, error) {
	attrs := []any{
		slog.String("driver", DialectPostgres),
		slog.String("host", cfg.Host),
		slog.String("port", cfg.Port),
		slog.String("db", cfg.Name),
	}

	start := time.Now()
	attempt := 0
	db, err := backoff.Retry(ctx, func() (*sqlx.DB, error) {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return sqlx.ConnectContext(pingCtx, DialectPostgres, PostgresDSN(cfg))
	},
		backoff.WithBackOff(retry.Policy{Base: time.Second, Max: 5 * time.Second}.Schedule()),
		backoff.WithMaxElapsedTime(readyTimeout),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.DB.Warn("db not ready",
				append(attrs,
					slog.String("event", "db.connect"),
					slog.String("status", "retry"),
					slog.Int("attempt", attempt),
					slog.Duration("delay", wait),
					slog.String("err", err.Error()),
				)...,
			)
		}),
	)
	took := time.Since(start)
	if err != nil {
		logger.DB.Error("db connect failed",
			append(attrs,
				slog.String("event", "db.connect"),
				slog.String("status", "fail"),
				slog.Duration("duration", logger.RoundMS(took)),
				slog.String("err", err.Error()),
			)...,
		)
		return nil, fmt.Errorf("db connect: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections)

	logger.DB.Info("db connected",
		append(attrs,
			slog.String("event", "db.connect"),
			slog.String("status", "ok"),
			slog.Int("pool_open", cfg.MaxConnections),
			slog.Int("attempts", attempt),
			slog.Duration("duration", logger.RoundMS(took)),
		)...,
	)
	return db, nil
}
