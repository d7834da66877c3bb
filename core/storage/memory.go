package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryOptions tunes the in-process store.
type MemoryOptions struct {
	// TTL expires records not written for this long; zero keeps them forever.
	TTL time.Duration
	Now func() time.Time
}

// Memory keeps records in a mutex-guarded map. It is neither durable nor
// shared between processes.
type Memory struct {
	mu      sync.Mutex
	records map[int64]Record
	offsets map[string]int64
	ttl     time.Duration
	now     func() time.Time
	closed  bool
}

var _ Backend = (*Memory)(nil)

// NewMemory constructs an empty store.
func NewMemory(opts MemoryOptions) *Memory {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Memory{
		records: make(map[int64]Record),
		offsets: make(map[string]int64),
		ttl:     opts.TTL,
		now:     now,
	}
}

// lookup returns the live record for chatID, evicting it when expired.
// Caller must hold m.mu.
func (m *Memory) lookup(chatID int64) (Record, bool) {
	rec, ok := m.records[chatID]
	if !ok {
		return Record{}, false
	}
	if m.ttl > 0 && m.now().Sub(rec.UpdatedAt) >= m.ttl {
		delete(m.records, chatID)
		return Record{}, false
	}
	return rec, true
}

func (m *Memory) Get(ctx context.Context, chatID int64) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Record{}, false, ErrClosed
	}
	rec, ok := m.lookup(chatID)
	if !ok {
		return Record{}, false, nil
	}
	rec.Data = append([]byte(nil), rec.Data...)
	return rec, true, nil
}

func (m *Memory) Put(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Record{}, ErrClosed
	}
	cur, ok := m.lookup(rec.ChatID)
	var stored int64
	if ok {
		stored = cur.Revision
	}
	if rec.Revision != stored {
		return Record{}, ErrConflict
	}
	next := Next(rec, m.now())
	next.Data = append([]byte(nil), rec.Data...)
	m.records[rec.ChatID] = next
	return next, nil
}

func (m *Memory) Delete(ctx context.Context, chatID int64, revision int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cur, ok := m.lookup(chatID)
	if !ok {
		if revision == 0 {
			return nil
		}
		return ErrConflict
	}
	if cur.Revision != revision {
		return ErrConflict
	}
	delete(m.records, chatID)
	return nil
}

func (m *Memory) LoadOffset(ctx context.Context, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offsets[name], nil
}

func (m *Memory) SaveOffset(ctx context.Context, name string, offset int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if offset > m.offsets[name] {
		m.offsets[name] = offset
	}
	return nil
}

// Len reports the number of live records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id := range m.records {
		if _, ok := m.lookup(id); ok {
			n++
		}
	}
	return n
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
