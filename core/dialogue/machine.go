// Package dialogue runs per-chat state machines over updates, persisting
// each chat's state through a storage.Storage with compare-and-swap.
package dialogue

import (
	"context"

	"github.com/m3rciful/dialogbot/core/outbound"
	"github.com/m3rciful/dialogbot/core/update"
)

// Result is the outcome of one transition.
type Result[S any] struct {
	Next S
	// Reset clears the stored state, returning the chat to Initial. The
	// last applied id is kept so older updates remain stale.
	Reset bool
	// Effects are executed in order after the state is persisted.
	Effects []outbound.Effect
}

// Machine is an application state machine. Transition must not perform
// side effects: it returns them in Result.
type Machine[S any] interface {
	Initial() S
	Transition(ctx context.Context, state S, u update.Update) (Result[S], error)
}

// TransitionFunc computes the result of applying u to state.
type TransitionFunc[S any] func(ctx context.Context, state S, u update.Update) (Result[S], error)

// MachineFunc adapts a TransitionFunc and an initial value to Machine.
// InitialState is returned as is, so it must not share mutable data.
type MachineFunc[S any] struct {
	InitialState S
	Step         TransitionFunc[S]
}

func (m MachineFunc[S]) Initial() S { return m.InitialState }

func (m MachineFunc[S]) Transition(ctx context.Context, state S, u update.Update) (Result[S], error) {
	return m.Step(ctx, state, u)
}
