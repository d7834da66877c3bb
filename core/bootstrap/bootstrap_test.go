package bootstrap

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreconfig "github.com/m3rciful/dialogbot/core/config"
	"github.com/m3rciful/dialogbot/core/dialogue"
	"github.com/m3rciful/dialogbot/core/storage"
)

func noLogger(coreconfig.LoggingConfig) error { return nil }

func configFor(t *testing.T, s coreconfig.StorageConfig) *coreconfig.Config {
	t.Helper()
	cfg := &coreconfig.Config{Telegram: coreconfig.TelegramConfig{Token: "1:x"}, Storage: s}
	require.NoError(t, coreconfig.Normalize(cfg))
	return cfg
}

func putAndGet(t *testing.T, b storage.Backend) {
	t.Helper()
	ctx := context.Background()
	_, err := b.Put(ctx, storage.Record{ChatID: 1, Data: []byte("x"), SchemaVersion: 1, LastUpdateID: 3})
	require.NoError(t, err)
	rec, found, err := b.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(3), rec.LastUpdateID)
}

func TestRunMemoryDefaults(t *testing.T) {
	res, err := Run(context.Background(), Options{Config: configFor(t, coreconfig.StorageConfig{}), LoggerInit: noLogger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Close() })

	assert.IsType(t, &storage.Memory{}, res.Storage)
	assert.Equal(t, "json", res.Codec.Name())
	assert.Equal(t, dialogue.Suspend, res.DecodePolicy)
	assert.NotEmpty(t, res.InstanceID)
	putAndGet(t, res.Storage)

	opts := res.DialogueOptions(nil)
	assert.Equal(t, 1, opts.SchemaVersion)
	assert.Equal(t, res.Codec, opts.Codec)
	assert.Equal(t, 3*time.Second, opts.StorageTimeout)
}

func TestRunSQLiteMigrates(t *testing.T) {
	cfg := configFor(t, coreconfig.StorageConfig{
		Backend:      coreconfig.BackendSQLite,
		SQLitePath:   filepath.Join(t.TempDir(), "state.db"),
		Codec:        "cbor",
		DecodePolicy: "reset",
	})
	res, err := Run(context.Background(), Options{Config: cfg, LoggerInit: noLogger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Close() })

	assert.Equal(t, "cbor", res.Codec.Name())
	assert.Equal(t, dialogue.ResetOnDecodeError, res.DecodePolicy)
	putAndGet(t, res.Storage)
	require.NoError(t, res.Offsets.SaveOffset(context.Background(), "longpoll", 5))
}

func TestRunRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := configFor(t, coreconfig.StorageConfig{
		Backend: coreconfig.BackendRedis,
		Redis:   coreconfig.RedisConfig{Addr: mr.Addr()},
	})
	res, err := Run(context.Background(), Options{Config: cfg, LoggerInit: noLogger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Close() })
	putAndGet(t, res.Storage)
}

func TestRunPostgresUsesInjectedConnect(t *testing.T) {
	cfg := configFor(t, coreconfig.StorageConfig{
		Backend:  coreconfig.BackendPostgres,
		Postgres: coreconfig.PostgresConfig{Host: "db", Name: "bot"},
	})
	boom := errors.New("unreachable")
	_, err := Run(context.Background(), Options{
		Config:     cfg,
		LoggerInit: noLogger,
		Connect: func(_ context.Context, pc coreconfig.PostgresConfig) (*sqlx.DB, error) {
			assert.Equal(t, "5432", pc.Port)
			return nil, boom
		},
	})
	require.ErrorIs(t, err, boom)
}

func TestRunFailsOnLoggerInit(t *testing.T) {
	boom := errors.New("no sink")
	_, err := Run(context.Background(), Options{
		Config:     configFor(t, coreconfig.StorageConfig{}),
		LoggerInit: func(coreconfig.LoggingConfig) error { return boom },
	})
	require.ErrorIs(t, err, boom)

	_, err = Run(context.Background(), Options{})
	require.Error(t, err)
}
