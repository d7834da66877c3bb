// Package source produces inbound updates in arrival order, either by
// polling the remote API or by accepting pushed deliveries, and tracks
// which of them were fully processed.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/m3rciful/dialogbot/core/update"
)

// ErrStopped is returned by Push.Deliver once the source has shut down; the
// transport should ask the sender to redeliver.
var ErrStopped = errors.New("source: stopped")

// ErrNotAcked is returned by Push.Deliver when the update was handed out but
// not processed within PushOptions.AckTimeout.
var ErrNotAcked = errors.New("source: update not acked in time")

// Source emits updates to out until ctx is done.
type Source interface {
	Run(ctx context.Context, out chan<- update.Update) error
	// Ack marks an update as fully processed.
	Ack(id int64)
	// Flush persists the committed offset.
	Flush(ctx context.Context) error
}

// Fetcher retrieves the next batch of updates with ids >= offset, waiting
// up to timeout for new ones.
type Fetcher interface {
	GetUpdates(ctx context.Context, offset int64, limit int, timeout time.Duration) ([]update.Update, error)
}

const defaultFlushInterval = 5 * time.Second

// flushLoop saves the committed offset every interval until ctx is done.
func flushLoop(ctx context.Context, t *tracker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = t.flush(ctx)
		}
	}
}
