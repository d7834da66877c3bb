package outbound

import (
	"context"
	"fmt"
)

// Executor performs effects through a Client under the retry rules of a Caller.
type Executor struct {
	client Client
	caller *Caller
}

// NewExecutor builds an Executor; a nil caller uses NewCaller defaults.
func NewExecutor(client Client, caller *Caller) *Executor {
	if caller == nil {
		caller = NewCaller(CallerOptions{})
	}
	return &Executor{client: client, caller: caller}
}

// Run executes effects in order for the dialogue of chatID and stops at
// the first failure, returning it with the index of the failed effect.
func (e *Executor) Run(ctx context.Context, chatID int64, effects []Effect) error {
	for i, eff := range effects {
		if err := e.run(ctx, chatID, eff); err != nil {
			return fmt.Errorf("effect %d/%d %s: %w", i+1, len(effects), eff.Action(), err)
		}
	}
	return nil
}

func (e *Executor) run(ctx context.Context, chatID int64, eff Effect) error {
	switch x := eff.(type) {
	case SendMessage:
		target := x.ChatID
		if target == 0 {
			target = chatID
		}
		return e.caller.Do(ctx, x.Action(), func(ctx context.Context) error {
			return e.client.SendMessage(ctx, target, x.Text)
		})
	case AnswerCallback:
		return e.caller.Do(ctx, x.Action(), func(ctx context.Context) error {
			return e.client.AnswerCallback(ctx, x.CallbackID, x.Text)
		})
	default:
		return fmt.Errorf("outbound: unsupported effect %T", eff)
	}
}
