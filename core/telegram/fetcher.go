package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/m3rciful/dialogbot/core/source"
	"github.com/m3rciful/dialogbot/core/update"

	tele "gopkg.in/telebot.v4"
)

// allowedUpdates limits getUpdates and setWebhook to the routed kinds.
var allowedUpdates = []string{"message", "edited_message", "channel_post", "callback_query"}

// Fetcher pulls updates with getUpdates.
type Fetcher struct {
	bot *tele.Bot
}

var _ source.Fetcher = (*Fetcher)(nil)

func NewFetcher(bot *tele.Bot) *Fetcher {
	return &Fetcher{bot: bot}
}

// GetUpdates calls getUpdates with offset and converts the batch.
func (f *Fetcher) GetUpdates(ctx context.Context, offset int64, limit int, timeout time.Duration) ([]update.Update, error) {
	params := map[string]any{
		"offset":          offset,
		"limit":           limit,
		"timeout":         int(timeout / time.Second),
		"allowed_updates": allowedUpdates,
	}

	var data []byte
	err := withContext(ctx, func() error {
		var rawErr error
		data, rawErr = f.bot.Raw("getUpdates", params)
		return rawErr
	})
	if err != nil {
		return nil, wrapError(err)
	}

	var resp struct {
		Result []tele.Update `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("telegram: decode getUpdates: %w", err)
	}
	out := make([]update.Update, 0, len(resp.Result))
	for _, u := range resp.Result {
		out = append(out, Convert(u))
	}
	return out, nil
}

// withContext runs fn and returns early when ctx is done. telebot calls take
// no context; an abandoned call finishes in the background within the HTTP
// client's deadlines.
func withContext(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
