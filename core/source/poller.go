package source

import (
	"context"
	"log/slog"
	"time"

	"github.com/m3rciful/dialogbot/core/logger"
	"github.com/m3rciful/dialogbot/core/retry"
	"github.com/m3rciful/dialogbot/core/storage"
	"github.com/m3rciful/dialogbot/core/update"
)

// PollerOptions configures a Poller.
type PollerOptions struct {
	// Name keys the offset in Offsets; "longpoll" when empty.
	Name string
	// Limit caps a batch (1..100); zero means 100.
	Limit int
	// Timeout is the long-poll wait; zero means 10s.
	Timeout time.Duration
	// Retry is the backoff applied to failed fetches. Attempts are unlimited.
	Retry         retry.Policy
	Offsets       storage.OffsetStore
	FlushInterval time.Duration
	Sleep         func(ctx context.Context, d time.Duration) error
}

// Poller pulls updates from a Fetcher.
type Poller struct {
	fetcher Fetcher
	opts    PollerOptions
	tracker *tracker
}

var _ Source = (*Poller)(nil)

func NewPoller(f Fetcher, opts PollerOptions) *Poller {
	if opts.Name == "" {
		opts.Name = "longpoll"
	}
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	opts.Retry = opts.Retry.WithDefaults()
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	return &Poller{fetcher: f, opts: opts, tracker: newTracker(opts.Name, opts.Offsets)}
}

// Run fetches from the committed offset onward. Passing an offset confirms
// every lower id to the server, so after emitting a batch Run waits until
// all of it is acked and the next fetch starts at committed+1. Fetch errors
// never end the sequence.
func (p *Poller) Run(ctx context.Context, out chan<- update.Update) error {
	committed := p.tracker.load(ctx)
	var cursor int64
	if committed > 0 {
		cursor = committed + 1
	}
	logger.Info(ctx, "source", "poller.start",
		slog.String("source", p.opts.Name),
		slog.Int64("offset", cursor),
		slog.Int("limit", p.opts.Limit),
		slog.Duration("timeout", p.opts.Timeout),
	)

	flushCtx, stopFlush := context.WithCancel(ctx)
	defer stopFlush()
	go flushLoop(flushCtx, p.tracker, p.opts.FlushInterval)

	schedule := p.opts.Retry.Schedule()
	failures := 0
	for ctx.Err() == nil {
		batch, err := p.fetcher.GetUpdates(ctx, cursor, p.opts.Limit, p.opts.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failures++
			delay := schedule.NextBackOff()
			logger.Warn(ctx, "source", "poller.fetch",
				slog.String("status", "retry"),
				slog.Int("attempt", failures),
				slog.Duration("delay", delay),
				slog.String("err", err.Error()),
			)
			_ = p.opts.Sleep(ctx, delay)
			continue
		}
		if failures > 0 {
			logger.Info(ctx, "source", "poller.recovered", slog.Int("attempts", failures))
			failures = 0
			schedule.Reset()
		}

		for _, u := range batch {
			if u.ID < cursor {
				continue
			}
			cursor = u.ID + 1
			if !p.emit(ctx, out, u) {
				break
			}
		}
		if cursor > 0 && p.tracker.waitCommitted(ctx, cursor-1) != nil {
			break
		}
	}

	logger.Info(context.WithoutCancel(ctx), "source", "poller.stop",
		slog.String("source", p.opts.Name),
		slog.Int64("offset", cursor),
	)
	return nil
}

// emit hands u to out and reports false when ctx ended first.
func (p *Poller) emit(ctx context.Context, out chan<- update.Update, u update.Update) bool {
	if !p.tracker.deliver(u.ID) {
		return true
	}
	if u.Payload == nil {
		p.tracker.ack(u.ID)
		return true
	}
	select {
	case out <- u:
		return true
	case <-ctx.Done():
		p.tracker.park(u.ID)
		return false
	}
}

func (p *Poller) Ack(id int64) { p.tracker.ack(id) }

func (p *Poller) Flush(ctx context.Context) error { return p.tracker.flush(ctx) }

// Committed reports the committed offset and the number of pending ids.
func (p *Poller) Committed() (int64, int) { return p.tracker.state() }
