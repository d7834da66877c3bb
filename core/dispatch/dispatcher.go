package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/m3rciful/dialogbot/core/dialogue"
	"github.com/m3rciful/dialogbot/core/logger"
	"github.com/m3rciful/dialogbot/core/metrics"
	"github.com/m3rciful/dialogbot/core/retry"
	"github.com/m3rciful/dialogbot/core/update"
)

// Handler processes one update. Errors are classified with the dialogue
// error taxonomy: stale updates are dropped, retryable ones are retried,
// everything else is consumed and flagged for operator review.
type Handler interface {
	Handle(ctx context.Context, u update.Update) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, u update.Update) error

func (f HandlerFunc) Handle(ctx context.Context, u update.Update) error { return f(ctx, u) }

// Acker is told about every update the dispatcher has consumed.
type Acker interface {
	Ack(id int64)
}

// Options configures a Dispatcher.
type Options struct {
	// Workers is the pool size; zero means 8.
	Workers int
	// IdleTTL evicts empty chat queues; zero means 10 minutes.
	IdleTTL time.Duration
	// JanitorInterval is the eviction period; zero means 1 minute.
	JanitorInterval time.Duration
	// Retry governs retryable handler failures.
	Retry   retry.Policy
	Acker   Acker
	Metrics *metrics.Metrics
	// Sleep replaces retry.Sleep between handler retries.
	Sleep func(ctx context.Context, d time.Duration) error
	// Name tags handler logs; "dialogue" when empty.
	Name string
}

// Dispatcher feeds updates through Queues to a fixed worker pool.
type Dispatcher struct {
	handler Handler
	opts    Options
	queues  *Queues
}

// New builds a Dispatcher around h.
func New(h Handler, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 10 * time.Minute
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = time.Minute
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = retry.DefaultMaxAttempts
	}
	opts.Retry = opts.Retry.WithDefaults()
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	if opts.Name == "" {
		opts.Name = "dialogue"
	}
	return &Dispatcher{handler: h, opts: opts, queues: NewQueues()}
}

// Queues exposes the dispatcher's queues for inspection.
func (d *Dispatcher) Queues() *Queues { return d.queues }

// Run consumes in until it is closed or ctx is done. On shutdown intake
// stops, queued updates are drained and in-flight handlers finish with a
// context that is not cancelled by ctx. Run returns once every worker exited.
func (d *Dispatcher) Run(ctx context.Context, in <-chan update.Update) error {
	workCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	for i := 0; i < d.opts.Workers; i++ {
		wctx := logger.WithLogger(workCtx, logger.FromContext(workCtx).With(slog.Int("worker", i)))
		g.Go(func() error {
			d.work(wctx)
			return nil
		})
	}

	janitorDone := make(chan struct{})
	stopJanitor := make(chan struct{})
	go func() {
		defer close(janitorDone)
		d.janitor(stopJanitor)
	}()

	logger.Info(ctx, "dispatch", "dispatch.start",
		slog.Int("workers", d.opts.Workers),
		slog.Duration("idle_ttl", d.opts.IdleTTL),
	)

	d.intake(ctx, in)

	d.queues.Close()
	st := d.queues.Stats()
	logger.Info(workCtx, "dispatch", "dispatch.drain",
		slog.Int("pending", st.Pending),
		slog.Int("busy", st.Busy),
	)
	err := g.Wait()
	close(stopJanitor)
	<-janitorDone
	d.observeDepth()
	logger.Info(workCtx, "dispatch", "dispatch.stop")
	return err
}

func (d *Dispatcher) intake(ctx context.Context, in <-chan update.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-in:
			if !ok {
				return
			}
			d.accept(ctx, u)
		}
	}
}

func (d *Dispatcher) accept(ctx context.Context, u update.Update) {
	d.opts.Metrics.Received()
	if !u.Routable() {
		logger.Debug(ctx, "dispatch", "update.skip",
			slog.Int64("update_id", u.ID),
			slog.String("kind", string(u.Kind())),
		)
		d.opts.Metrics.Processed(metrics.OutcomeSkipped, 0)
		d.ack(u.ID)
		return
	}
	err := d.queues.Enqueue(u)
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicate):
		// The chat already moved past this id, so the manager would reject
		// it as stale; ack it too or the committed offset stalls below it.
		logger.Debug(ctx, "dispatch", "update.duplicate",
			slog.Int64("update_id", u.ID),
			slog.Int64("chat_id", u.ChatID),
		)
		d.opts.Metrics.Processed(metrics.OutcomeStale, 0)
		d.ack(u.ID)
	default:
		logger.Warn(ctx, "dispatch", "update.rejected",
			slog.Int64("update_id", u.ID),
			slog.Int64("chat_id", u.ChatID),
			slog.String("err", err.Error()),
		)
	}
	d.observeDepth()
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		u, ok := d.queues.Next()
		if !ok {
			return
		}
		d.process(ctx, u)
		d.queues.Done(u.ChatID)
		d.observeDepth()
	}
}

// process runs the handler for u with retries and acks u once consumed.
func (d *Dispatcher) process(ctx context.Context, u update.Update) {
	start := time.Now()
	ctx = logger.WithUpdateMeta(ctx, u.ID, u.SenderID, u.ChatID)
	ctx = logger.WithRID(ctx, logger.BuildRID(u.ID, u.ChatID, u.SenderID))
	ctx = logger.WithHandler(ctx, d.opts.Name)
	schedule := d.opts.Retry.Schedule()

	outcome := metrics.OutcomeOK
	for attempt := 1; ; attempt++ {
		err := d.safeHandle(ctx, u)
		if err == nil {
			break
		}
		if errors.Is(err, dialogue.ErrStaleUpdate) {
			outcome = metrics.OutcomeStale
			logger.Debug(ctx, "dispatch", "update.stale",
				slog.String("kind", string(u.Kind())),
				slog.String("err", err.Error()),
			)
			break
		}
		if dialogue.IsRetryable(err) && !d.opts.Retry.Exhausted(attempt) {
			delay := schedule.NextBackOff()
			d.opts.Metrics.Retry()
			logger.Warn(ctx, "dispatch", "update.retry",
				slog.String("status", "retry"),
				slog.String("error_kind", dialogue.Kind(err)),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("err", err.Error()),
			)
			if d.opts.Sleep(ctx, delay) == nil {
				continue
			}
		}

		outcome = metrics.OutcomeFailed
		kind := dialogue.Kind(err)
		var pe *panicError
		if errors.As(err, &pe) {
			outcome, kind = metrics.OutcomePanic, "panic"
		}
		logger.Error(ctx, "dispatch", "update.fail",
			slog.String("status", logger.Status(err)),
			slog.String("kind", string(u.Kind())),
			slog.String("text", logger.SanitizeLimit(update.Text(u), maxLoggedText)),
			slog.String("error_kind", kind),
			slog.Bool("retryable", dialogue.IsRetryable(err)),
			slog.Int("attempts", attempt),
			slog.Bool("operator_review", true),
			slog.String("err", err.Error()),
		)
		break
	}

	took := time.Since(start)
	d.opts.Metrics.Processed(outcome, took)
	if outcome == metrics.OutcomeOK && logger.ShouldSampleDebug() {
		logger.Debug(ctx, "dispatch", "update.done",
			slog.String("kind", string(u.Kind())),
			slog.String("outcome", outcome),
			slog.Duration("duration", logger.RoundMS(took)),
		)
	}
	d.ack(u.ID)
}

const maxLoggedText = 64

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.value)
}

func (d *Dispatcher) safeHandle(ctx context.Context, u update.Update) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := &panicError{value: r, stack: debug.Stack()}
			logger.Error(ctx, "dispatch", "update.panic",
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(pe.stack)),
			)
			err = pe
		}
	}()
	return d.handler.Handle(ctx, u)
}

func (d *Dispatcher) ack(id int64) {
	if d.opts.Acker != nil {
		d.opts.Acker.Ack(id)
	}
}

func (d *Dispatcher) janitor(stop <-chan struct{}) {
	ticker := time.NewTicker(d.opts.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := d.queues.Sweep(d.opts.IdleTTL); n > 0 {
				st := d.queues.Stats()
				logger.Debug(context.Background(), "dispatch", "queues.sweep",
					slog.Int("removed", n),
					slog.Int("chats", st.Chats),
				)
			}
			d.observeDepth()
		}
	}
}

func (d *Dispatcher) observeDepth() {
	if d.opts.Metrics == nil {
		return
	}
	st := d.queues.Stats()
	d.opts.Metrics.QueueDepth(st.Chats, st.Pending)
}
