package telegram

import (
	"github.com/m3rciful/dialogbot/core/update"

	tele "gopkg.in/telebot.v4"
)

// Convert maps a Bot API update onto the routed payload variant. Kinds
// outside the variant keep their id and get a nil payload.
func Convert(u tele.Update) update.Update {
	out := update.Update{ID: int64(u.ID)}

	switch {
	case u.Message != nil:
		out.ChatID, out.SenderID = messageOrigin(u.Message)
		out.Payload = update.Message{MessageID: int64(u.Message.ID), Text: messageText(u.Message)}
	case u.EditedMessage != nil:
		out.ChatID, out.SenderID = messageOrigin(u.EditedMessage)
		out.Payload = update.EditedMessage{MessageID: int64(u.EditedMessage.ID), Text: messageText(u.EditedMessage)}
	case u.ChannelPost != nil:
		out.ChatID, out.SenderID = messageOrigin(u.ChannelPost)
		out.Payload = update.ChannelPost{MessageID: int64(u.ChannelPost.ID), Text: messageText(u.ChannelPost)}
	case u.Callback != nil:
		c := u.Callback
		if c.Sender != nil {
			out.SenderID = c.Sender.ID
		}
		cb := update.CallbackQuery{CallbackID: c.ID, Data: c.Data}
		if c.Message != nil {
			cb.MessageID = int64(c.Message.ID)
			if c.Message.Chat != nil {
				out.ChatID = c.Message.Chat.ID
			}
		}
		out.Payload = cb
	}
	return out
}

func messageOrigin(m *tele.Message) (chatID, senderID int64) {
	if m.Chat != nil {
		chatID = m.Chat.ID
	}
	switch {
	case m.Sender != nil:
		senderID = m.Sender.ID
	case m.SenderChat != nil:
		senderID = m.SenderChat.ID
	}
	return chatID, senderID
}

func messageText(m *tele.Message) string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}
