package outbound

import "context"

// Effect is an outbound action requested by a state transition.
type Effect interface {
	Action() string
	effect()
}

// SendMessage sends Text to ChatID; zero ChatID targets the dialogue's chat.
type SendMessage struct {
	ChatID int64
	Text   string
}

// AnswerCallback acknowledges an inline button press.
type AnswerCallback struct {
	CallbackID string
	Text       string
}

func (SendMessage) Action() string    { return "send_message" }
func (AnswerCallback) Action() string { return "answer_callback" }

func (SendMessage) effect()    {}
func (AnswerCallback) effect() {}

// Client is the remote API surface effects are executed against.
type Client interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
}
