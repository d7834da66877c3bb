package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/m3rciful/dialogbot/core/logger"
	"github.com/m3rciful/dialogbot/core/metrics"
	"github.com/m3rciful/dialogbot/core/netutil"
	"github.com/m3rciful/dialogbot/core/retry"
)

// ErrRetriesExhausted is wrapped by a CallError whose attempts ran out.
var ErrRetriesExhausted = errors.New("outbound: retries exhausted")

// CallError describes a call that did not succeed.
type CallError struct {
	Action   string
	Attempts int
	Class    Class
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("outbound %s failed after %d attempt(s) (%s): %v", e.Action, e.Attempts, e.Class, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// CallerOptions tunes retries of one call.
type CallerOptions struct {
	// Timeout bounds each attempt.
	Timeout time.Duration
	// Retry sets the transient backoff and the attempt cap.
	Retry   retry.Policy
	Metrics *metrics.Metrics
	// Sleep replaces retry.Sleep; tests use it to observe waits.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Caller runs remote calls under CallerOptions.
type Caller struct {
	opts CallerOptions
}

// NewCaller fills defaults: 10s per attempt and 4 attempts.
func NewCaller(opts CallerOptions) *Caller {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 4
	}
	opts.Retry = opts.Retry.WithDefaults()
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	return &Caller{opts: opts}
}

// Do runs fn until it succeeds, fails permanently or runs out of attempts.
// Rate-limited attempts wait exactly the server-requested delay; transient
// ones follow the exponential schedule.
func (c *Caller) Do(ctx context.Context, action string, fn func(ctx context.Context) error) error {
	start := time.Now()
	schedule := c.opts.Retry.Schedule()
	attrs := []slog.Attr{slog.String("action", action)}

	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		err := fn(attemptCtx)
		cancel()

		verdict := Classify(err)
		if verdict.Class == Success {
			c.opts.Metrics.Outbound(action, "ok")
			if attempt > 1 {
				logger.Info(ctx, "outbound", "call.retry.success",
					append(attrs, slog.Int("attempt", attempt), slog.Duration("duration", logger.Took(start)))...)
			}
			return nil
		}
		// The caller's own cancellation ends the call regardless of class.
		if ctx.Err() != nil {
			verdict.Class = Permanent
		}
		c.opts.Metrics.Outbound(action, verdict.Class.String())

		if verdict.Class == Permanent {
			return c.fail(ctx, attrs, start, &CallError{Action: action, Attempts: attempt, Class: verdict.Class, Err: err})
		}
		if c.opts.Retry.Exhausted(attempt) {
			return c.fail(ctx, attrs, start, &CallError{
				Action: action, Attempts: attempt, Class: verdict.Class,
				Err: fmt.Errorf("%w: %w", ErrRetriesExhausted, err),
			})
		}

		delay := verdict.RetryAfter
		if verdict.Class != RateLimited || delay <= 0 {
			delay = schedule.NextBackOff()
		}
		logger.Warn(ctx, "outbound", "call.retry",
			append(attrs,
				slog.String("status", "retry"),
				slog.String("error_kind", verdict.Class.String()),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("err", netutil.Redact(err)),
			)...)
		if sleepErr := c.opts.Sleep(ctx, delay); sleepErr != nil {
			return c.fail(ctx, attrs, start, &CallError{Action: action, Attempts: attempt, Class: verdict.Class, Err: err})
		}
	}
}

func (c *Caller) fail(ctx context.Context, attrs []slog.Attr, start time.Time, err *CallError) error {
	logger.Error(ctx, "outbound", "call.fail",
		append(attrs,
			slog.String("status", "fail"),
			slog.String("error_kind", err.Class.String()),
			slog.Int("attempts", err.Attempts),
			slog.Duration("duration", logger.Took(start)),
			slog.String("err", netutil.Redact(err.Err)),
		)...)
	return err
}
