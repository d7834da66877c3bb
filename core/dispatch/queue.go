// Package dispatch routes updates to a worker pool through per-chat FIFO
// queues: updates of one chat are handled one at a time in arrival order,
// different chats proceed in parallel.
package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/m3rciful/dialogbot/core/update"
)

var (
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("dispatch: queues closed")
	// ErrDuplicate marks an update not newer than the last one enqueued for its chat.
	ErrDuplicate = errors.New("dispatch: duplicate update")
)

type chatQueue struct {
	items []update.Update
	// busy is set while a worker holds the chat.
	busy bool
	// scheduled is set while the chat sits on the ready list.
	scheduled bool
	lastID    int64
	touched   time.Time
}

// Stats is a snapshot of queue occupancy.
type Stats struct {
	Chats   int
	Pending int
	Busy    int
}

// Queues holds one FIFO per chat and a ready list of chats that have work
// and no worker. A chat is on the ready list at most once and is never
// handed to two workers at the same time.
type Queues struct {
	mu      sync.Mutex
	cond    *sync.Cond
	chats   map[int64]*chatQueue
	ready   []int64
	pending int
	busy    int
	closed  bool
	now     func() time.Time
}

// NewQueues returns empty queues.
func NewQueues() *Queues {
	q := &Queues{chats: make(map[int64]*chatQueue), now: time.Now}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends u to its chat's queue, creating the queue on first use.
func (q *Queues) Enqueue(u update.Update) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	cq, ok := q.chats[u.ChatID]
	if !ok {
		cq = &chatQueue{}
		q.chats[u.ChatID] = cq
	}
	if u.ID <= cq.lastID {
		return ErrDuplicate
	}
	cq.lastID = u.ID
	cq.touched = q.now()
	cq.items = append(cq.items, u)
	q.pending++
	q.schedule(u.ChatID, cq)
	return nil
}

// schedule puts an idle chat with work on the ready list. Caller holds q.mu.
func (q *Queues) schedule(chatID int64, cq *chatQueue) {
	if cq.busy || cq.scheduled || len(cq.items) == 0 {
		return
	}
	cq.scheduled = true
	q.ready = append(q.ready, chatID)
	q.cond.Signal()
}

// Next blocks until a chat is ready, pops its oldest update and marks the
// chat busy until Done. After Close it keeps returning queued updates and
// reports false once nothing is left to hand out.
func (q *Queues) Next() (update.Update, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.ready) == 0 {
		if q.closed && q.pending == 0 {
			return update.Update{}, false
		}
		q.cond.Wait()
	}
	chatID := q.ready[0]
	q.ready[0] = 0
	q.ready = q.ready[1:]

	cq := q.chats[chatID]
	cq.scheduled = false
	cq.busy = true
	q.busy++
	u := cq.items[0]
	cq.items[0] = update.Update{}
	cq.items = cq.items[1:]
	q.pending--
	return u, true
}

// Done releases the chat taken by Next and reschedules it when more
// updates are waiting.
func (q *Queues) Done(chatID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cq, ok := q.chats[chatID]
	if !ok || !cq.busy {
		return
	}
	cq.busy = false
	q.busy--
	cq.touched = q.now()
	if len(cq.items) > 0 {
		q.schedule(chatID, cq)
		return
	}
	if q.closed && q.pending == 0 {
		q.cond.Broadcast()
	}
}

// Sweep deletes queues that are empty, not held and untouched for idle.
// The duplicate filter of a swept chat starts over.
func (q *Queues) Sweep(idle time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	removed := 0
	for id, cq := range q.chats {
		if cq.busy || cq.scheduled || len(cq.items) > 0 {
			continue
		}
		if now.Sub(cq.touched) >= idle {
			delete(q.chats, id)
			removed++
		}
	}
	return removed
}

// Close stops intake and wakes blocked callers of Next.
func (q *Queues) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *Queues) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Chats: len(q.chats), Pending: q.pending, Busy: q.busy}
}
