package source

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/m3rciful/dialogbot/core/logger"
	"github.com/m3rciful/dialogbot/core/storage"
)

// idState is the lifecycle of a delivered id.
type idState uint8

const (
	inFlight idState = iota
	parked           // registered, handoff failed; blocks the offset until redelivered
	acked
)

// tracker keeps delivered-but-unacknowledged ids. The committed offset is
// the highest id at or below which every delivered update was acked.
type tracker struct {
	name    string
	offsets storage.OffsetStore

	mu        sync.Mutex
	committed int64
	saved     int64
	order     []int64 // delivered, uncommitted ids in ascending order
	states    map[int64]idState
	changed   chan struct{} // closed and replaced on every ack
}

func newTracker(name string, offsets storage.OffsetStore) *tracker {
	return &tracker{
		name:    name,
		offsets: offsets,
		states:  make(map[int64]idState),
		changed: make(chan struct{}),
	}
}

// load restores the committed offset from the offset store.
func (t *tracker) load(ctx context.Context) int64 {
	var committed int64
	if t.offsets != nil {
		off, err := t.offsets.LoadOffset(ctx, t.name)
		if err != nil {
			logger.Warn(ctx, "source", "offset.load",
				slog.String("status", "fail"),
				slog.String("source", t.name),
				slog.String("err", err.Error()),
			)
		} else {
			committed = off
		}
	}
	t.mu.Lock()
	if committed > t.committed {
		t.committed, t.saved = committed, committed
	}
	committed = t.committed
	t.mu.Unlock()
	return committed
}

// deliver registers id and reports whether the caller must hand it out.
// A parked id is handed out again; any other known id is a duplicate.
func (t *tracker) deliver(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id <= t.committed {
		return false
	}
	if st, seen := t.states[id]; seen {
		if st != parked {
			return false
		}
		t.states[id] = inFlight
		return true
	}
	t.states[id] = inFlight
	i := sort.Search(len(t.order), func(i int) bool { return t.order[i] > id })
	t.order = append(t.order, 0)
	copy(t.order[i+1:], t.order[i:])
	t.order[i] = id
	return true
}

// park marks an id that was registered but never handed out. It keeps the
// committed offset below id until a redelivery hands it out and it is acked.
func (t *tracker) park(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[id]; ok && st == inFlight {
		t.states[id] = parked
	}
}

// ack marks an in-flight id processed; unknown, parked and acked ids are
// ignored.
func (t *tracker) ack(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[id]; !ok || st != inFlight {
		return
	}
	t.states[id] = acked
	t.advance()
	close(t.changed)
	t.changed = make(chan struct{})
}

// advance moves committed over the acked prefix. Caller holds t.mu.
func (t *tracker) advance() {
	n := 0
	for n < len(t.order) && t.states[t.order[n]] == acked {
		t.committed = t.order[n]
		delete(t.states, t.order[n])
		n++
	}
	if n > 0 {
		t.order = append(t.order[:0], t.order[n:]...)
	}
}

// wait blocks until done reports true under the lock or ctx ends.
func (t *tracker) wait(ctx context.Context, done func() bool) error {
	for {
		t.mu.Lock()
		ok, changed := done(), t.changed
		t.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitAcked blocks until id is acked or committed.
func (t *tracker) waitAcked(ctx context.Context, id int64) error {
	return t.wait(ctx, func() bool {
		return id <= t.committed || t.states[id] == acked
	})
}

// waitCommitted blocks until the committed offset reaches offset.
func (t *tracker) waitCommitted(ctx context.Context, offset int64) error {
	return t.wait(ctx, func() bool { return t.committed >= offset })
}

func (t *tracker) state() (committed int64, pending int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed, len(t.order)
}

// flush saves the committed offset when it moved since the last save.
func (t *tracker) flush(ctx context.Context) error {
	if t.offsets == nil {
		return nil
	}
	t.mu.Lock()
	committed, saved := t.committed, t.saved
	t.mu.Unlock()
	if committed <= saved {
		return nil
	}
	if err := t.offsets.SaveOffset(ctx, t.name, committed); err != nil {
		logger.Warn(ctx, "source", "offset.save",
			slog.String("status", "fail"),
			slog.String("source", t.name),
			slog.Int64("offset", committed),
			slog.String("err", err.Error()),
		)
		return err
	}
	t.mu.Lock()
	if committed > t.saved {
		t.saved = committed
	}
	t.mu.Unlock()
	logger.Debug(ctx, "source", "offset.save",
		slog.String("status", "ok"),
		slog.String("source", t.name),
		slog.Int64("offset", committed),
	)
	return nil
}
