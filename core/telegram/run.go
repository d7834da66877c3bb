package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	coreconfig "github.com/m3rciful/dialogbot/core/config"
	"github.com/m3rciful/dialogbot/core/dispatch"
	"github.com/m3rciful/dialogbot/core/logger"
	"github.com/m3rciful/dialogbot/core/metrics"
	"github.com/m3rciful/dialogbot/core/outbound"
	"github.com/m3rciful/dialogbot/core/retry"
	"github.com/m3rciful/dialogbot/core/source"
	"github.com/m3rciful/dialogbot/core/storage"
	"github.com/m3rciful/dialogbot/core/update"

	"golang.org/x/sync/errgroup"
	tele "gopkg.in/telebot.v4"
)

const flushTimeout = 5 * time.Second

// RunOptions controls the behaviour of RunTelegram.
type RunOptions struct {
	Config *coreconfig.Config
	// Offsets persists committed source offsets; nil keeps them in memory.
	Offsets storage.OffsetStore
	// Handler builds the update handler from the assembled runtime.
	Handler func(rt Runtime) (dispatch.Handler, error)
	// Metrics is shared with the caller when set; otherwise a fresh set is used.
	Metrics *metrics.Metrics

	DisableWebhookCleanup bool

	OnStart func(ctx context.Context, rt Runtime) error
	OnStop  func(ctx context.Context, rt Runtime) error
}

// Runtime exposes runtime components to the handler builder and lifecycle hooks.
type Runtime struct {
	Bot      *tele.Bot
	Client   *Client
	Executor *outbound.Executor
	Metrics  *metrics.Metrics
	Source   source.Source
	// Dispatcher is nil while Handler runs.
	Dispatcher *dispatch.Dispatcher
}

// RunTelegram composes the bot, update source, dispatcher and outbound
// executor and runs them until ctx is done. On return every accepted update
// has been processed and the committed offset has been flushed.
func RunTelegram(ctx context.Context, opts RunOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Config == nil {
		return fmt.Errorf("telegram: nil config provided")
	}
	if opts.Handler == nil {
		return fmt.Errorf("telegram: nil handler builder provided")
	}
	cfg := opts.Config
	longPoll := time.Duration(cfg.Telegram.LongPollTimeoutSeconds) * time.Second

	bot, err := NewBot(ctx, BotOptions{
		Token:    cfg.Telegram.Token,
		APIURL:   cfg.Telegram.APIURL,
		LongPoll: longPoll,
	})
	if err != nil {
		return err
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	client := NewClient(bot)
	caller := outbound.NewCaller(outbound.CallerOptions{
		Timeout: time.Duration(cfg.Outbound.TimeoutMS) * time.Millisecond,
		Retry:   retry.FromMillis(cfg.Outbound.BaseDelayMS, cfg.Outbound.MaxDelayMS, cfg.Outbound.MaxAttempts),
		Metrics: m,
	})
	rt := Runtime{
		Bot:      bot,
		Client:   client,
		Executor: outbound.NewExecutor(client, caller),
		Metrics:  m,
	}

	var push *source.Push
	if cfg.Telegram.RunMode == coreconfig.RunModeWebhook {
		push = source.NewPush(source.PushOptions{
			Offsets:    opts.Offsets,
			AckTimeout: time.Duration(cfg.Webhook.AckTimeoutSec) * time.Second,
		})
		rt.Source = push
	} else {
		rt.Source = source.NewPoller(NewFetcher(bot), source.PollerOptions{
			Limit:   cfg.Telegram.PollLimit,
			Timeout: longPoll,
			Retry:   retry.FromMillis(cfg.Backoff.BaseDelayMS, cfg.Backoff.MaxDelayMS, 0),
			Offsets: opts.Offsets,
		})
	}

	handler, err := opts.Handler(rt)
	if err != nil {
		return fmt.Errorf("telegram: build handler: %w", err)
	}
	rt.Dispatcher = dispatch.New(handler, dispatch.Options{
		Workers:         cfg.Dispatcher.Workers,
		IdleTTL:         time.Duration(cfg.Dispatcher.QueueIdleSeconds) * time.Second,
		JanitorInterval: time.Duration(cfg.Dispatcher.JanitorIntervalSeconds) * time.Second,
		Retry:           retry.FromMillis(cfg.Backoff.BaseDelayMS, cfg.Backoff.MaxDelayMS, cfg.Backoff.MaxAttempts),
		Acker:           rt.Source,
		Metrics:         m,
	})

	if push != nil {
		if err := SetWebhook(ctx, bot, cfg.Webhook); err != nil {
			return err
		}
		logger.Info(ctx, "tg", "mode",
			slog.String("mode", coreconfig.RunModeWebhook),
			slog.String("public_url", PublicURL(cfg.Webhook)),
		)
	} else {
		if !opts.DisableWebhookCleanup {
			if err := RemoveWebhook(ctx, bot, false); err != nil {
				logger.Warn(ctx, "tg", "delete_webhook",
					slog.String("mode", coreconfig.RunModeLongpoll),
					slog.String("err", err.Error()),
				)
			}
		}
		logger.Info(ctx, "tg", "mode",
			slog.String("mode", coreconfig.RunModeLongpoll),
			slog.Duration("timeout", longPoll),
			slog.Int("limit", cfg.Telegram.PollLimit),
		)
	}

	if opts.OnStart != nil {
		if err := opts.OnStart(ctx, rt); err != nil {
			return err
		}
	}

	updates := make(chan update.Update)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Source.Run(gctx, updates) })
	g.Go(func() error { return rt.Dispatcher.Run(gctx, updates) })
	if push != nil {
		g.Go(func() error { return serveWebhook(gctx, cfg.Webhook, WebhookHandler(push, cfg.Webhook.Secret)) })
	}
	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return m.Serve(gctx, cfg.Metrics.Listen) })
	}
	runErr := g.Wait()

	stopCtx := context.WithoutCancel(ctx)
	flushCtx, cancel := context.WithTimeout(stopCtx, flushTimeout)
	if err := rt.Source.Flush(flushCtx); err != nil {
		logger.Warn(stopCtx, "tg", "offset.flush", slog.String("err", err.Error()))
	}
	cancel()

	var stopErr error
	if opts.OnStop != nil {
		stopErr = opts.OnStop(stopCtx, rt)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return stopErr
}
