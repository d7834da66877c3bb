package telegram

import (
	"context"

	"github.com/m3rciful/dialogbot/core/outbound"

	tele "gopkg.in/telebot.v4"
)

// Client executes outbound effects through the Bot API.
type Client struct {
	bot *tele.Bot
}

var _ outbound.Client = (*Client)(nil)

func NewClient(bot *tele.Bot) *Client {
	return &Client{bot: bot}
}

// SendMessage sends plain text to chatID.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	return wrapError(withContext(ctx, func() error {
		_, err := c.bot.Send(tele.ChatID(chatID), text)
		return err
	}))
}

// AnswerCallback answers the callback query callbackID.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return wrapError(withContext(ctx, func() error {
		return c.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
	}))
}
