// Package storagetest holds the behavioural contract every storage backend
// must satisfy.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/dialogbot/core/storage"
)

// Factory returns a fresh, empty backend. Cleanup is registered on t.
type Factory func(t *testing.T) storage.Backend

// RunContract exercises get/put/delete semantics, revision checks and
// offsets against the backend produced by newBackend.
func RunContract(t *testing.T, newBackend Factory) {
	t.Run("GetMissing", func(t *testing.T) {
		s := newBackend(t)
		_, ok, err := s.Get(context.Background(), 42)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		s := newBackend(t)
		ctx := context.Background()
		stored, err := s.Put(ctx, storage.Record{ChatID: 7, Data: []byte("state-1"), SchemaVersion: 2, LastUpdateID: 100})
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.Revision)

		got, ok, err := s.Get(ctx, 7)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("state-1"), got.Data)
		assert.Equal(t, 2, got.SchemaVersion)
		assert.Equal(t, int64(100), got.LastUpdateID)
		assert.Equal(t, int64(1), got.Revision)
		assert.False(t, got.UpdatedAt.IsZero())

		got.Data = []byte("state-2")
		got.LastUpdateID = 101
		stored, err = s.Put(ctx, got)
		require.NoError(t, err)
		assert.Equal(t, int64(2), stored.Revision)
	})

	t.Run("PutConflict", func(t *testing.T) {
		s := newBackend(t)
		ctx := context.Background()
		first, err := s.Put(ctx, storage.Record{ChatID: 1, Data: []byte("a")})
		require.NoError(t, err)

		_, err = s.Put(ctx, storage.Record{ChatID: 1, Data: []byte("b")})
		assert.ErrorIs(t, err, storage.ErrConflict, "insert over existing record")

		_, err = s.Put(ctx, storage.Record{ChatID: 1, Data: []byte("c"), Revision: first.Revision + 4})
		assert.ErrorIs(t, err, storage.ErrConflict, "revision ahead of stored")

		got, _, err := s.Get(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), got.Data)
	})

	t.Run("DeleteRevisionChecked", func(t *testing.T) {
		s := newBackend(t)
		ctx := context.Background()
		require.NoError(t, s.Delete(ctx, 9, 0), "absent record")
		assert.ErrorIs(t, s.Delete(ctx, 9, 3), storage.ErrConflict)

		rec, err := s.Put(ctx, storage.Record{ChatID: 9, Data: []byte("x")})
		require.NoError(t, err)
		assert.ErrorIs(t, s.Delete(ctx, 9, rec.Revision+1), storage.ErrConflict)
		require.NoError(t, s.Delete(ctx, 9, rec.Revision))

		_, ok, err := s.Get(ctx, 9)
		require.NoError(t, err)
		assert.False(t, ok)

		again, err := s.Put(ctx, storage.Record{ChatID: 9, Data: []byte("y")})
		require.NoError(t, err)
		assert.Equal(t, int64(1), again.Revision)
	})

	t.Run("EmptyDataKeepsMetadata", func(t *testing.T) {
		s := newBackend(t)
		ctx := context.Background()
		rec, err := s.Put(ctx, storage.Record{ChatID: 4, Data: []byte("live"), LastUpdateID: 1})
		require.NoError(t, err)
		_, err = s.Put(ctx, storage.Record{ChatID: 4, SchemaVersion: 1, LastUpdateID: 2, Revision: rec.Revision})
		require.NoError(t, err)

		got, ok, err := s.Get(ctx, 4)
		require.NoError(t, err)
		require.True(t, ok, "a record without data still exists")
		assert.Empty(t, got.Data)
		assert.Equal(t, int64(2), got.LastUpdateID)
		assert.Equal(t, rec.Revision+1, got.Revision)
	})

	t.Run("KeysIndependent", func(t *testing.T) {
		s := newBackend(t)
		ctx := context.Background()
		for id := int64(1); id <= 5; id++ {
			_, err := s.Put(ctx, storage.Record{ChatID: id, Data: []byte{byte(id)}})
			require.NoError(t, err)
		}
		require.NoError(t, s.Delete(ctx, 3, 1))
		for id := int64(1); id <= 5; id++ {
			rec, ok, err := s.Get(ctx, id)
			require.NoError(t, err)
			if id == 3 {
				assert.False(t, ok)
				continue
			}
			require.True(t, ok)
			assert.Equal(t, []byte{byte(id)}, rec.Data)
		}
	})

	t.Run("ConcurrentWritersOneWins", func(t *testing.T) {
		s := newBackend(t)
		ctx := context.Background()
		base, err := s.Put(ctx, storage.Record{ChatID: 77, Data: []byte("base")})
		require.NoError(t, err)

		const writers = 8
		var wins, conflicts atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rec := base
				rec.Data = []byte{byte(i)}
				_, err := s.Put(ctx, rec)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, storage.ErrConflict):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(writers-1), conflicts.Load())

		got, _, err := s.Get(ctx, 77)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Revision)
	})

	t.Run("Offsets", func(t *testing.T) {
		s := newBackend(t)
		ctx := context.Background()
		off, err := s.LoadOffset(ctx, "longpoll")
		require.NoError(t, err)
		assert.Zero(t, off)

		require.NoError(t, s.SaveOffset(ctx, "longpoll", 120))
		require.NoError(t, s.SaveOffset(ctx, "longpoll", 90))
		require.NoError(t, s.SaveOffset(ctx, "webhook", 7))

		off, err = s.LoadOffset(ctx, "longpoll")
		require.NoError(t, err)
		assert.Equal(t, int64(120), off, "offsets never move backwards")
		off, err = s.LoadOffset(ctx, "webhook")
		require.NoError(t, err)
		assert.Equal(t, int64(7), off)
	})
}
