// Package update defines the transport-neutral inbound event routed by the
// dispatcher to dialogue handlers.
package update

// Kind names a payload case.
type Kind string

const (
	KindMessage       Kind = "message"
	KindEditedMessage Kind = "edited_message"
	KindChannelPost   Kind = "channel_post"
	KindCallbackQuery Kind = "callback_query"
	KindUnsupported   Kind = "unsupported"
)

// Update is one inbound event. ID is the server-assigned, strictly
// increasing offset; ChatID scopes ordering and state.
type Update struct {
	ID       int64
	ChatID   int64
	SenderID int64
	// Payload is nil for update kinds the core does not route.
	Payload Payload
}

// Payload is the closed set of routed update contents.
type Payload interface {
	Kind() Kind
	payload()
}

// Message is a new message in a private chat or group.
type Message struct {
	MessageID int64
	Text      string
}

// EditedMessage is a new version of a previously delivered message.
type EditedMessage struct {
	MessageID int64
	Text      string
}

// ChannelPost is a message posted to a channel.
type ChannelPost struct {
	MessageID int64
	Text      string
}

// CallbackQuery is an inline keyboard button press.
type CallbackQuery struct {
	CallbackID string
	MessageID  int64
	Data       string
}

func (Message) Kind() Kind       { return KindMessage }
func (EditedMessage) Kind() Kind { return KindEditedMessage }
func (ChannelPost) Kind() Kind   { return KindChannelPost }
func (CallbackQuery) Kind() Kind { return KindCallbackQuery }

func (Message) payload()       {}
func (EditedMessage) payload() {}
func (ChannelPost) payload()   {}
func (CallbackQuery) payload() {}

// Kind reports the payload case of u.
func (u Update) Kind() Kind {
	if u.Payload == nil {
		return KindUnsupported
	}
	return u.Payload.Kind()
}

// Routable reports whether the update carries a payload and a chat.
func (u Update) Routable() bool {
	return u.Payload != nil && u.ChatID != 0
}

// Text returns the textual content of the update: message text or callback data.
func Text(u Update) string {
	switch p := u.Payload.(type) {
	case Message:
		return p.Text
	case EditedMessage:
		return p.Text
	case ChannelPost:
		return p.Text
	case CallbackQuery:
		return p.Data
	default:
		return ""
	}
}
