// Package telegram adapts the Telegram Bot API to the dialogue engine: it
// fetches and receives updates, converts them, and executes outbound effects.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/m3rciful/dialogbot/core/logger"
	"github.com/m3rciful/dialogbot/core/netutil"

	tele "gopkg.in/telebot.v4"
)

// BotOptions configures NewBot.
type BotOptions struct {
	Token string
	// APIURL overrides the Bot API base URL.
	APIURL string
	// LongPoll sizes the HTTP client's response deadlines.
	LongPoll time.Duration
	// Client replaces the tuned client built by BuildHTTPClient.
	Client *http.Client
	// Offline skips the getMe round trip.
	Offline bool
}

// NewBot builds a telebot Bot. Updates are never consumed through telebot's
// poller; the bot is used as an API client only.
func NewBot(ctx context.Context, opts BotOptions) (*tele.Bot, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, fmt.Errorf("telegram: empty token")
	}
	client := opts.Client
	if client == nil {
		client = BuildHTTPClient(opts.LongPoll)
	}

	start := time.Now()
	bot, err := tele.NewBot(tele.Settings{
		Token:   opts.Token,
		URL:     opts.APIURL,
		Client:  client,
		Offline: opts.Offline,
		OnError: func(err error, _ tele.Context) {
			logger.Warn(ctx, "tg", "bot.error", slog.String("err", netutil.Redact(err)))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: bot initialization failed: %s", netutil.Redact(err))
	}

	attrs := []slog.Attr{slog.Duration("duration", logger.Took(start))}
	if bot.Me != nil && bot.Me.Username != "" {
		attrs = append(attrs, slog.String("bot", bot.Me.Username))
	}
	logger.Info(ctx, "tg", "bot.ready", attrs...)
	return bot, nil
}
