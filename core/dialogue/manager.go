package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/m3rciful/dialogbot/core/codec"
	"github.com/m3rciful/dialogbot/core/logger"
	"github.com/m3rciful/dialogbot/core/outbound"
	"github.com/m3rciful/dialogbot/core/storage"
	"github.com/m3rciful/dialogbot/core/update"
)

// DecodePolicy selects how an unreadable stored state is handled.
type DecodePolicy int

const (
	// Suspend returns the DecodeError and leaves the record untouched.
	Suspend DecodePolicy = iota
	// ResetOnDecodeError continues from the initial state and overwrites the record.
	ResetOnDecodeError
)

// ParseDecodePolicy maps the configuration values "suspend" and "reset".
func ParseDecodePolicy(s string) (DecodePolicy, error) {
	switch s {
	case "", "suspend":
		return Suspend, nil
	case "reset":
		return ResetOnDecodeError, nil
	}
	return Suspend, fmt.Errorf("dialogue: unknown decode policy %q", s)
}

// EffectRunner executes the effects of one transition.
type EffectRunner interface {
	Run(ctx context.Context, chatID int64, effects []outbound.Effect) error
}

// Options configures a Manager.
type Options struct {
	Storage storage.Storage
	Codec   codec.Codec
	// Effects may be nil, in which case effects are discarded.
	Effects       EffectRunner
	SchemaVersion int
	DecodePolicy  DecodePolicy
	// StorageTimeout bounds each storage call; zero means 3s.
	StorageTimeout time.Duration
	// ConflictRetries is how many times a revision conflict is resolved by
	// reloading and recomputing before giving up; zero means 3.
	ConflictRetries int
}

// Manager applies updates to per-chat state.
type Manager[S any] struct {
	machine Machine[S]
	opts    Options
}

// NewManager validates opts and builds a Manager.
func NewManager[S any](machine Machine[S], opts Options) (*Manager[S], error) {
	if machine == nil {
		return nil, errors.New("dialogue: nil machine")
	}
	if opts.Storage == nil {
		return nil, errors.New("dialogue: nil storage")
	}
	if opts.Codec == nil {
		opts.Codec = codec.JSON{}
	}
	if opts.SchemaVersion <= 0 {
		opts.SchemaVersion = 1
	}
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = 3 * time.Second
	}
	if opts.ConflictRetries <= 0 {
		opts.ConflictRetries = 3
	}
	return &Manager[S]{machine: machine, opts: opts}, nil
}

// Handle loads the chat's state, applies u, persists the next state and runs
// the resulting effects. It satisfies dispatch.Handler.
func (m *Manager[S]) Handle(ctx context.Context, u update.Update) error {
	for conflicts := 0; ; conflicts++ {
		rec, found, err := m.get(ctx, u.ChatID)
		if err != nil {
			return err
		}
		if found && u.ID <= rec.LastUpdateID {
			return fmt.Errorf("%w: update %d, last applied %d", ErrStaleUpdate, u.ID, rec.LastUpdateID)
		}

		state, err := m.decode(ctx, rec, found)
		if err != nil {
			return err
		}

		res, err := m.machine.Transition(ctx, state, u)
		if err != nil {
			return &TransitionError{ChatID: u.ChatID, UpdateID: u.ID, Err: err}
		}

		err = m.persist(ctx, u, rec, res)
		if errors.Is(err, storage.ErrConflict) && conflicts < m.opts.ConflictRetries {
			logger.Debug(ctx, "dialogue", "dialogue.conflict",
				slog.Int("attempt", conflicts+1),
				slog.Int64("revision", rec.Revision),
			)
			continue
		}
		if errors.Is(err, storage.ErrConflict) {
			return &StorageError{Op: "put", ChatID: u.ChatID, Err: err}
		}
		if err != nil {
			return err
		}

		if len(res.Effects) == 0 || m.opts.Effects == nil {
			return nil
		}
		if err := m.opts.Effects.Run(ctx, u.ChatID, res.Effects); err != nil {
			return &EffectError{ChatID: u.ChatID, UpdateID: u.ID, Err: err}
		}
		return nil
	}
}

// State returns the current state of chatID, or Initial when none is stored.
func (m *Manager[S]) State(ctx context.Context, chatID int64) (S, error) {
	rec, found, err := m.get(ctx, chatID)
	if err != nil {
		var zero S
		return zero, err
	}
	if !found {
		return m.machine.Initial(), nil
	}
	return m.unmarshal(rec)
}

// Forget deletes the stored record of chatID, including its last applied
// id. Unlike a reset, a redelivered old update is then applied again.
func (m *Manager[S]) Forget(ctx context.Context, chatID int64) error {
	for conflicts := 0; ; conflicts++ {
		rec, found, err := m.get(ctx, chatID)
		if err != nil || !found {
			return err
		}
		sctx, cancel := context.WithTimeout(ctx, m.opts.StorageTimeout)
		err = m.opts.Storage.Delete(sctx, chatID, rec.Revision)
		cancel()
		if errors.Is(err, storage.ErrConflict) && conflicts < m.opts.ConflictRetries {
			continue
		}
		if err != nil {
			return &StorageError{Op: "delete", ChatID: chatID, Err: err}
		}
		logger.Info(ctx, "dialogue", "dialogue.forget", slog.Int64("chat_id", chatID))
		return nil
	}
}

func (m *Manager[S]) get(ctx context.Context, chatID int64) (storage.Record, bool, error) {
	sctx, cancel := context.WithTimeout(ctx, m.opts.StorageTimeout)
	defer cancel()
	rec, found, err := m.opts.Storage.Get(sctx, chatID)
	if err != nil {
		return storage.Record{}, false, &StorageError{Op: "get", ChatID: chatID, Err: err}
	}
	return rec, found, nil
}

func (m *Manager[S]) decode(ctx context.Context, rec storage.Record, found bool) (S, error) {
	if !found {
		return m.machine.Initial(), nil
	}
	state, err := m.unmarshal(rec)
	if err == nil {
		return state, nil
	}
	if m.opts.DecodePolicy != ResetOnDecodeError {
		return state, err
	}
	logger.Warn(ctx, "dialogue", "dialogue.decode.reset",
		slog.String("codec", m.opts.Codec.Name()),
		slog.Int("schema_version", rec.SchemaVersion),
		slog.String("err", err.Error()),
	)
	return m.machine.Initial(), nil
}

// unmarshal decodes rec; a record without data is a reset chat.
func (m *Manager[S]) unmarshal(rec storage.Record) (S, error) {
	if len(rec.Data) == 0 {
		return m.machine.Initial(), nil
	}
	var state S
	if rec.SchemaVersion != m.opts.SchemaVersion {
		return state, &DecodeError{ChatID: rec.ChatID, SchemaVersion: rec.SchemaVersion, WantVersion: m.opts.SchemaVersion}
	}
	if err := m.opts.Codec.Unmarshal(rec.Data, &state); err != nil {
		var zero S
		return zero, &DecodeError{ChatID: rec.ChatID, SchemaVersion: rec.SchemaVersion, WantVersion: m.opts.SchemaVersion, Err: err}
	}
	return state, nil
}

// persist writes res against the revision read in rec. A storage.ErrConflict
// is returned unwrapped so Handle can recompute.
func (m *Manager[S]) persist(ctx context.Context, u update.Update, rec storage.Record, res Result[S]) error {
	sctx, cancel := context.WithTimeout(ctx, m.opts.StorageTimeout)
	defer cancel()

	// A reset stores a record without data: the chat restarts from Initial
	// but keeps its last applied id, so ids from before the reset stay stale.
	var data []byte
	if !res.Reset {
		var err error
		data, err = m.opts.Codec.Marshal(res.Next)
		if err != nil {
			return &TransitionError{ChatID: u.ChatID, UpdateID: u.ID, Err: fmt.Errorf("encode state: %w", err)}
		}
	}
	stored, err := m.opts.Storage.Put(sctx, storage.Record{
		ChatID:        u.ChatID,
		Data:          data,
		SchemaVersion: m.opts.SchemaVersion,
		LastUpdateID:  u.ID,
		Revision:      rec.Revision,
	})
	switch {
	case err == nil && res.Reset:
		logger.Debug(ctx, "dialogue", "dialogue.reset", slog.Int64("revision", stored.Revision))
		return nil
	case err == nil:
		logger.Debug(ctx, "dialogue", "dialogue.persist", slog.Int64("revision", stored.Revision))
		return nil
	case errors.Is(err, storage.ErrConflict):
		return storage.ErrConflict
	default:
		return &StorageError{Op: "put", ChatID: u.ChatID, Err: err}
	}
}
