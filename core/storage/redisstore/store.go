// Package redisstore implements storage.Backend on redis. Each dialogue is
// a hash; compare-and-swap uses WATCH/MULTI on the dialogue key.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/m3rciful/dialogbot/core/storage"
)

const (
	fieldData          = "data"
	fieldSchemaVersion = "schema_version"
	fieldLastUpdateID  = "last_update_id"
	fieldRevision      = "revision"
	fieldUpdatedUnixMS = "updated_unix_ms"
)

// Options configures the store.
type Options struct {
	// Prefix namespaces every key; "dialogbot" when empty.
	Prefix string
	// TTL expires dialogues not written for this long; zero keeps them.
	TTL time.Duration
}

// Store keeps records in redis.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

var _ storage.Backend = (*Store)(nil)

// New wraps an existing client. Close closes the client.
func New(rdb redis.UniversalClient, opts Options) *Store {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "dialogbot"
	}
	return &Store{rdb: rdb, prefix: prefix, ttl: opts.TTL, now: time.Now}
}

// Dial connects to addr and verifies the server answers PING.
func Dial(ctx context.Context, addr, password string, db int, opts Options) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisstore: ping %s: %w", addr, err)
	}
	return New(rdb, opts), nil
}

func (s *Store) dialogueKey(chatID int64) string {
	return s.prefix + ":dialogue:" + strconv.FormatInt(chatID, 10)
}

func (s *Store) offsetKey(name string) string {
	return s.prefix + ":offset:" + name
}

func (s *Store) Get(ctx context.Context, chatID int64) (storage.Record, bool, error) {
	rec, ok, err := s.read(ctx, s.rdb, chatID)
	if err != nil {
		return storage.Record{}, false, fmt.Errorf("redisstore: get %d: %w", chatID, err)
	}
	return rec, ok, nil
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *Store) read(ctx context.Context, r hashReader, chatID int64) (storage.Record, bool, error) {
	fields, err := r.HGetAll(ctx, s.dialogueKey(chatID)).Result()
	if err != nil {
		return storage.Record{}, false, err
	}
	if len(fields) == 0 {
		return storage.Record{}, false, nil
	}
	rec, err := parseRecord(chatID, fields)
	if err != nil {
		return storage.Record{}, false, err
	}
	return rec, true, nil
}

func (s *Store) Put(ctx context.Context, rec storage.Record) (storage.Record, error) {
	key := s.dialogueKey(rec.ChatID)
	next := storage.Next(rec, s.now())
	next.UpdatedAt = next.UpdatedAt.Truncate(time.Millisecond)

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, ok, err := s.read(ctx, tx, rec.ChatID)
		if err != nil {
			return err
		}
		var stored int64
		if ok {
			stored = cur.Revision
		}
		if stored != rec.Revision {
			return storage.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]any{
				fieldData:          next.Data,
				fieldSchemaVersion: next.SchemaVersion,
				fieldLastUpdateID:  next.LastUpdateID,
				fieldRevision:      next.Revision,
				fieldUpdatedUnixMS: next.UpdatedAt.UnixMilli(),
			})
			if s.ttl > 0 {
				pipe.PExpire(ctx, key, s.ttl)
			}
			return nil
		})
		return err
	}, key)
	if err := mapTxErr(err); err != nil {
		return storage.Record{}, fmt.Errorf("redisstore: put %d: %w", rec.ChatID, err)
	}
	return next, nil
}

func (s *Store) Delete(ctx context.Context, chatID int64, revision int64) error {
	key := s.dialogueKey(chatID)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, ok, err := s.read(ctx, tx, chatID)
		if err != nil {
			return err
		}
		switch {
		case !ok && revision == 0:
			return nil
		case !ok || cur.Revision != revision:
			return storage.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if err := mapTxErr(err); err != nil {
		return fmt.Errorf("redisstore: delete %d: %w", chatID, err)
	}
	return nil
}

func (s *Store) LoadOffset(ctx context.Context, name string) (int64, error) {
	v, err := s.rdb.Get(ctx, s.offsetKey(name)).Int64()
	switch {
	case errors.Is(err, redis.Nil):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("redisstore: load offset %q: %w", name, err)
	}
	return v, nil
}

// offsetAttempts caps optimistic retries when concurrent writers keep moving
// the offset key.
const offsetAttempts = 5

// SaveOffset stores offset unless a larger one is already stored.
func (s *Store) SaveOffset(ctx context.Context, name string, offset int64) error {
	key := s.offsetKey(name)
	var err error
	for attempt := 0; attempt < offsetAttempts; attempt++ {
		err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.Get(ctx, key).Int64()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if cur >= offset {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, offset, 0)
				return nil
			})
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) || ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("redisstore: save offset %q: %w", name, mapTxErr(err))
	}
	return nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// mapTxErr turns an aborted EXEC into ErrConflict: the watched key changed
// between the read and the write.
func mapTxErr(err error) error {
	if errors.Is(err, redis.TxFailedErr) {
		return storage.ErrConflict
	}
	return err
}

func parseRecord(chatID int64, fields map[string]string) (storage.Record, error) {
	rec := storage.Record{ChatID: chatID, Data: []byte(fields[fieldData])}
	var err error
	parse := func(name string) int64 {
		if err != nil {
			return 0
		}
		var v int64
		v, err = strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			err = fmt.Errorf("field %s: %w", name, err)
		}
		return v
	}
	rec.SchemaVersion = int(parse(fieldSchemaVersion))
	rec.LastUpdateID = parse(fieldLastUpdateID)
	rec.Revision = parse(fieldRevision)
	rec.UpdatedAt = time.UnixMilli(parse(fieldUpdatedUnixMS)).UTC()
	if err != nil {
		return storage.Record{}, err
	}
	return rec, nil
}
