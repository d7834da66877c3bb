// Package sqlstore implements storage.Backend on a SQL database through sqlx.
// The same queries serve postgres (lib/pq) and sqlite (modernc.org/sqlite);
// placeholders are rebound per driver.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/dialogbot/core/storage"
)

// Store keeps dialogue records in the dialogues table and source offsets in
// source_offsets. Records never expire.
type Store struct {
	db  *sqlx.DB
	now func() time.Time

	getQ    string
	insertQ string
	updateQ string
	deleteQ string
	loadQ   string
	saveQ   string
}

var _ storage.Backend = (*Store)(nil)

type row struct {
	ChatID        int64  `db:"chat_id"`
	Data          []byte `db:"data"`
	SchemaVersion int    `db:"schema_version"`
	LastUpdateID  int64  `db:"last_update_id"`
	Revision      int64  `db:"revision"`
	UpdatedUnixMS int64  `db:"updated_unix_ms"`
}

func (r row) record() storage.Record {
	return storage.Record{
		ChatID:        r.ChatID,
		Data:          r.Data,
		SchemaVersion: r.SchemaVersion,
		LastUpdateID:  r.LastUpdateID,
		Revision:      r.Revision,
		UpdatedAt:     time.UnixMilli(r.UpdatedUnixMS).UTC(),
	}
}

// New wraps an open, migrated pool. Close closes the pool.
func New(db *sqlx.DB) *Store {
	return &Store{
		db:  db,
		now: time.Now,

		getQ: db.Rebind(`SELECT chat_id, data, schema_version, last_update_id, revision, updated_unix_ms
			FROM dialogues WHERE chat_id = ?`),
		insertQ: db.Rebind(`INSERT INTO dialogues (chat_id, data, schema_version, last_update_id, revision, updated_unix_ms)
			VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (chat_id) DO NOTHING`),
		updateQ: db.Rebind(`UPDATE dialogues
			SET data = ?, schema_version = ?, last_update_id = ?, revision = ?, updated_unix_ms = ?
			WHERE chat_id = ? AND revision = ?`),
		deleteQ: db.Rebind(`DELETE FROM dialogues WHERE chat_id = ? AND revision = ?`),
		loadQ:   db.Rebind(`SELECT committed FROM source_offsets WHERE source = ?`),
		saveQ: db.Rebind(`INSERT INTO source_offsets (source, committed) VALUES (?, ?)
			ON CONFLICT (source) DO UPDATE SET committed = excluded.committed
			WHERE source_offsets.committed < excluded.committed`),
	}
}

func (s *Store) Get(ctx context.Context, chatID int64) (storage.Record, bool, error) {
	var r row
	err := s.db.GetContext(ctx, &r, s.getQ, chatID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return storage.Record{}, false, nil
	case err != nil:
		return storage.Record{}, false, fmt.Errorf("sqlstore: get %d: %w", chatID, err)
	}
	return r.record(), true, nil
}

func (s *Store) Put(ctx context.Context, rec storage.Record) (storage.Record, error) {
	next := storage.Next(rec, s.now())
	next.UpdatedAt = next.UpdatedAt.Truncate(time.Millisecond)
	data := next.Data
	if data == nil {
		data = []byte{}
	}

	var (
		res sql.Result
		err error
	)
	if rec.Revision == 0 {
		res, err = s.db.ExecContext(ctx, s.insertQ,
			next.ChatID, data, next.SchemaVersion, next.LastUpdateID, next.Revision, next.UpdatedAt.UnixMilli())
	} else {
		res, err = s.db.ExecContext(ctx, s.updateQ,
			data, next.SchemaVersion, next.LastUpdateID, next.Revision, next.UpdatedAt.UnixMilli(),
			next.ChatID, rec.Revision)
	}
	if err != nil {
		return storage.Record{}, fmt.Errorf("sqlstore: put %d: %w", rec.ChatID, err)
	}
	if err := requireOneRow(res); err != nil {
		return storage.Record{}, err
	}
	return next, nil
}

func (s *Store) Delete(ctx context.Context, chatID int64, revision int64) error {
	if revision == 0 {
		_, ok, err := s.Get(ctx, chatID)
		if err != nil {
			return err
		}
		if ok {
			return storage.ErrConflict
		}
		return nil
	}
	res, err := s.db.ExecContext(ctx, s.deleteQ, chatID, revision)
	if err != nil {
		return fmt.Errorf("sqlstore: delete %d: %w", chatID, err)
	}
	return requireOneRow(res)
}

func (s *Store) LoadOffset(ctx context.Context, name string) (int64, error) {
	var offset int64
	err := s.db.GetContext(ctx, &offset, s.loadQ, name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("sqlstore: load offset %q: %w", name, err)
	}
	return offset, nil
}

func (s *Store) SaveOffset(ctx context.Context, name string, offset int64) error {
	if _, err := s.db.ExecContext(ctx, s.saveQ, name, offset); err != nil {
		return fmt.Errorf("sqlstore: save offset %q: %w", name, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// requireOneRow maps a CAS statement that touched nothing to ErrConflict.
func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: rows affected: %w", err)
	}
	if n != 1 {
		return storage.ErrConflict
	}
	return nil
}
