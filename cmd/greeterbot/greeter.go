package main

import (
	"context"
	"strings"

	"github.com/m3rciful/dialogbot/core/dialogue"
	"github.com/m3rciful/dialogbot/core/outbound"
	"github.com/m3rciful/dialogbot/core/update"
)

// Stage is the step of the greeting dialogue.
type Stage string

const (
	StageStart        Stage = "start"
	StageAwaitingName Stage = "awaiting_name"
	StageDone         Stage = "done"
)

// Greeting is the persisted state of one chat.
type Greeting struct {
	Stage Stage  `json:"stage" yaml:"stage" cbor:"stage"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty" cbor:"name,omitempty"`
}

const (
	promptName = "Hi! What's your name?"
	farewell   = "Forgotten. Send /start to begin again."
)

// greeter asks for a name after /start and greets once it arrives.
// /reset returns the chat to the start.
var greeter = dialogue.MachineFunc[Greeting]{
	InitialState: Greeting{Stage: StageStart},
	Step:         greet,
}

func greet(_ context.Context, s Greeting, u update.Update) (dialogue.Result[Greeting], error) {
	if cb, ok := u.Payload.(update.CallbackQuery); ok {
		return dialogue.Result[Greeting]{
			Next:    s,
			Effects: []outbound.Effect{outbound.AnswerCallback{CallbackID: cb.CallbackID}},
		}, nil
	}

	text := strings.TrimSpace(update.Text(u))
	switch {
	case text == "/start":
		return dialogue.Result[Greeting]{
			Next:    Greeting{Stage: StageAwaitingName},
			Effects: []outbound.Effect{outbound.SendMessage{Text: promptName}},
		}, nil
	case text == "/reset":
		return dialogue.Result[Greeting]{
			Reset:   true,
			Effects: []outbound.Effect{outbound.SendMessage{Text: farewell}},
		}, nil
	case s.Stage == StageAwaitingName && text != "" && !strings.HasPrefix(text, "/"):
		return dialogue.Result[Greeting]{
			Next:    Greeting{Stage: StageDone, Name: text},
			Effects: []outbound.Effect{outbound.SendMessage{Text: "Hello " + text}},
		}, nil
	}
	return dialogue.Result[Greeting]{Next: s}, nil
}
