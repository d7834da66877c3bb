package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/dialogbot/core/codec"
	coreconfig "github.com/m3rciful/dialogbot/core/config"
	coredatabase "github.com/m3rciful/dialogbot/core/database"
	"github.com/m3rciful/dialogbot/core/dialogue"
	"github.com/m3rciful/dialogbot/core/logger"
	"github.com/m3rciful/dialogbot/core/storage"
	"github.com/m3rciful/dialogbot/core/storage/redisstore"
	"github.com/m3rciful/dialogbot/core/storage/sqlstore"
)

// Options control the generic bootstrap pipeline shared between bots.
type Options struct {
	Config *coreconfig.Config

	LoggerInit func(coreconfig.LoggingConfig) error
	Connect    func(context.Context, coreconfig.PostgresConfig) (*sqlx.DB, error)
	Migrate    func(db *sqlx.DB, dialect string) error
}

// Result exposes infrastructure initialized by the bootstrap pipeline.
type Result struct {
	Storage      storage.Backend
	Offsets      storage.OffsetStore
	Codec        codec.Codec
	DecodePolicy dialogue.DecodePolicy
	// InstanceID is unique per process and tagged on startup logs.
	InstanceID string

	cfg coreconfig.StorageConfig
}

// Close releases the storage backend.
func (r *Result) Close() error {
	if r == nil || r.Storage == nil {
		return nil
	}
	return r.Storage.Close()
}

// DialogueOptions returns manager options bound to the bootstrapped storage
// and codec.
func (r *Result) DialogueOptions(effects dialogue.EffectRunner) dialogue.Options {
	return dialogue.Options{
		Storage:        r.Storage,
		Codec:          r.Codec,
		Effects:        effects,
		SchemaVersion:  r.cfg.SchemaVersion,
		DecodePolicy:   r.DecodePolicy,
		StorageTimeout: time.Duration(r.cfg.TimeoutMS) * time.Millisecond,
	}
}

// Run initializes the logger, selects the codec and opens the storage
// backend, applying migrations for SQL backends.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("bootstrap: nil config provided")
	}
	cfg := opts.Config.Storage

	loggerInit := opts.LoggerInit
	if loggerInit == nil {
		loggerInit = logger.InitLogger
	}
	if err := loggerInit(opts.Config.Logging); err != nil {
		return nil, fmt.Errorf("bootstrap: logger init failed: %w", err)
	}

	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	policy, err := dialogue.ParseDecodePolicy(cfg.DecodePolicy)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	start := time.Now()
	backend, err := openBackend(ctx, cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %s storage initialization failed: %w", cfg.Backend, err)
	}

	res := &Result{
		Storage:      backend,
		Offsets:      backend,
		Codec:        c,
		DecodePolicy: policy,
		InstanceID:   uuid.NewString(),
		cfg:          cfg,
	}
	logger.Info(ctx, "app", "bootstrap",
		slog.String("instance", res.InstanceID),
		slog.String("backend", cfg.Backend),
		slog.String("codec", c.Name()),
		slog.Int("schema_version", cfg.SchemaVersion),
		slog.String("decode_policy", cfg.DecodePolicy),
		slog.Duration("duration", logger.Took(start)),
	)
	return res, nil
}

func openBackend(ctx context.Context, cfg coreconfig.StorageConfig, opts Options) (storage.Backend, error) {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	migrate := opts.Migrate
	if migrate == nil {
		migrate = coredatabase.Migrate
	}

	switch cfg.Backend {
	case coreconfig.BackendMemory, "":
		return storage.NewMemory(storage.MemoryOptions{TTL: ttl}), nil
	case coreconfig.BackendSQLite:
		db, err := coredatabase.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return migrated(db, coredatabase.DialectSQLite, migrate)
	case coreconfig.BackendPostgres:
		connect := opts.Connect
		if connect == nil {
			connect = coredatabase.Connect
		}
		db, err := connect(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return migrated(db, coredatabase.DialectPostgres, migrate)
	case coreconfig.BackendRedis:
		store, err := redisstore.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, redisstore.Options{
			Prefix: cfg.Redis.Prefix,
			TTL:    ttl,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func migrated(db *sqlx.DB, dialect string, migrate func(*sqlx.DB, string) error) (storage.Backend, error) {
	if err := migrate(db, dialect); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	return sqlstore.New(db), nil
}
