package source

import (
	"context"
	"log/slog"
	"time"

	"github.com/m3rciful/dialogbot/core/logger"
	"github.com/m3rciful/dialogbot/core/storage"
	"github.com/m3rciful/dialogbot/core/update"
)

// PushOptions configures a Push source.
type PushOptions struct {
	// Name keys the offset in Offsets; "webhook" when empty.
	Name          string
	Offsets       storage.OffsetStore
	FlushInterval time.Duration
	// AckTimeout bounds how long Deliver waits for the update to be acked;
	// zero means 30s.
	AckTimeout time.Duration
}

// Push accepts updates delivered by an inbound transport such as a webhook.
type Push struct {
	opts    PushOptions
	tracker *tracker

	ready   chan struct{}
	stopped chan struct{}
	out     chan<- update.Update
}

var _ Source = (*Push)(nil)

func NewPush(opts PushOptions) *Push {
	if opts.Name == "" {
		opts.Name = "webhook"
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	return &Push{
		opts:    opts,
		tracker: newTracker(opts.Name, opts.Offsets),
		ready:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Run opens the source for Deliver and blocks until ctx is done.
// It must be called once.
func (p *Push) Run(ctx context.Context, out chan<- update.Update) error {
	committed := p.tracker.load(ctx)
	p.out = out
	close(p.ready)
	logger.Info(ctx, "source", "push.start",
		slog.String("source", p.opts.Name),
		slog.Int64("offset", committed),
	)

	go flushLoop(ctx, p.tracker, p.opts.FlushInterval)
	<-ctx.Done()
	close(p.stopped)
	logger.Info(context.WithoutCancel(ctx), "source", "push.stop", slog.String("source", p.opts.Name))
	return nil
}

const defaultAckTimeout = 30 * time.Second

// Deliver hands u to the dispatcher and blocks until it is acked, so a nil
// error means the update was processed and the sender may forget it. A
// redelivery of an id still in flight waits for the first copy; committed
// ids return nil at once.
func (p *Push) Deliver(ctx context.Context, u update.Update) error {
	select {
	case <-p.ready:
	case <-p.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-p.stopped:
		return ErrStopped
	default:
	}

	if !p.tracker.deliver(u.ID) {
		logger.Debug(ctx, "source", "push.duplicate", slog.Int64("update_id", u.ID))
		return p.awaitAck(ctx, u.ID)
	}
	if u.Payload == nil {
		p.tracker.ack(u.ID)
		return nil
	}
	select {
	case p.out <- u:
	case <-p.stopped:
		p.tracker.park(u.ID)
		return ErrStopped
	case <-ctx.Done():
		p.tracker.park(u.ID)
		return ctx.Err()
	}
	return p.awaitAck(ctx, u.ID)
}

func (p *Push) awaitAck(ctx context.Context, id int64) error {
	wctx, cancel := context.WithTimeout(ctx, p.opts.AckTimeout)
	defer cancel()
	if err := p.tracker.waitAcked(wctx, id); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn(ctx, "source", "push.ack",
			slog.String("status", "timeout"),
			slog.Int64("update_id", id),
			slog.Duration("timeout", p.opts.AckTimeout),
		)
		return ErrNotAcked
	}
	return nil
}

func (p *Push) Ack(id int64) { p.tracker.ack(id) }

func (p *Push) Flush(ctx context.Context) error { return p.tracker.flush(ctx) }

// Committed reports the committed offset and the number of pending ids.
func (p *Push) Committed() (int64, int) { return p.tracker.state() }
