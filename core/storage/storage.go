// Package storage defines the per-chat dialogue record store and its
// in-process implementation.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConflict reports that the stored revision differs from the one the
	// caller read; the caller must reload and recompute.
	ErrConflict = errors.New("storage: revision conflict")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("storage: closed")
)

// Record is the persisted form of one dialogue.
type Record struct {
	ChatID        int64
	Data          []byte
	SchemaVersion int
	// LastUpdateID is the id of the last update applied to this dialogue.
	LastUpdateID int64
	// Revision is 0 for a record that does not exist yet; every successful
	// Put stores Revision+1.
	Revision  int64
	UpdatedAt time.Time
}

// Storage is a keyed record store with compare-and-swap writes.
type Storage interface {
	// Get returns the record for chatID; ok is false when none exists.
	Get(ctx context.Context, chatID int64) (rec Record, ok bool, err error)
	// Put stores rec when rec.Revision equals the stored revision (0 for
	// absent) and returns the stored record. Otherwise it returns ErrConflict.
	Put(ctx context.Context, rec Record) (Record, error)
	// Delete removes the record when revision matches. Deleting an absent
	// record with revision 0 is a no-op.
	Delete(ctx context.Context, chatID int64, revision int64) error
	Close() error
}

// OffsetStore persists the committed update offset of a named source.
type OffsetStore interface {
	LoadOffset(ctx context.Context, name string) (int64, error)
	SaveOffset(ctx context.Context, name string, offset int64) error
}

// Backend is a Storage that also keeps source offsets.
type Backend interface {
	Storage
	OffsetStore
}

// Next returns the record as it is stored by a successful Put of rec.
func Next(rec Record, now time.Time) Record {
	rec.Revision++
	rec.UpdatedAt = now.UTC()
	return rec
}
