package sqlstore_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/dialogbot/core/database"
	"github.com/m3rciful/dialogbot/core/storage"
	"github.com/m3rciful/dialogbot/core/storage/sqlstore"
	"github.com/m3rciful/dialogbot/core/storage/storagetest"
)

func newSQLite(t *testing.T) *sqlstore.Store {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "dialogues.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db, database.DialectSQLite))
	s := sqlstore.New(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteContract(t *testing.T) {
	storagetest.RunContract(t, func(t *testing.T) storage.Backend {
		return newSQLite(t)
	})
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dialogues.db")
	ctx := context.Background()

	db, err := database.OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db, database.DialectSQLite))
	s := sqlstore.New(db)
	_, err = s.Put(ctx, storage.Record{ChatID: 5, Data: []byte("kept"), SchemaVersion: 1, LastUpdateID: 11})
	require.NoError(t, err)
	require.NoError(t, s.SaveOffset(ctx, "longpoll", 12))
	require.NoError(t, s.Close())

	db, err = database.OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db, database.DialectSQLite))
	s = sqlstore.New(db)
	t.Cleanup(func() { _ = s.Close() })

	rec, ok, err := s.Get(ctx, 5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("kept"), rec.Data)
	assert.Equal(t, int64(11), rec.LastUpdateID)
	off, err := s.LoadOffset(ctx, "longpoll")
	require.NoError(t, err)
	assert.Equal(t, int64(12), off)
}

// TestPostgresContract runs against a live server named by
// DIALOGBOT_POSTGRES_DSN; each run uses its own schema.
func TestPostgresContract(t *testing.T) {
	dsn := os.Getenv("DIALOGBOT_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DIALOGBOT_POSTGRES_DSN not set")
	}
	n := 0
	storagetest.RunContract(t, func(t *testing.T) storage.Backend {
		n++
		admin, err := sqlx.Connect(database.DialectPostgres, dsn)
		require.NoError(t, err)
		schema := fmt.Sprintf("dialogbot_test_%d_%d", os.Getpid(), n)
		_, err = admin.Exec("CREATE SCHEMA " + schema)
		require.NoError(t, err)
		t.Cleanup(func() {
			_, _ = admin.Exec("DROP SCHEMA " + schema + " CASCADE")
			_ = admin.Close()
		})

		db, err := sqlx.Connect(database.DialectPostgres, dsn+" search_path="+schema)
		require.NoError(t, err)
		require.NoError(t, database.Migrate(db, database.DialectPostgres))
		s := sqlstore.New(db)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
