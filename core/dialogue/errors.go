package dialogue

import (
	"errors"
	"fmt"
)

// ErrStaleUpdate marks an update whose id is not newer than the last one
// applied to its chat. It is dropped without side effects.
var ErrStaleUpdate = errors.New("dialogue: stale update")

// DecodeError reports a stored state the current codec or schema cannot read.
type DecodeError struct {
	ChatID        int64
	SchemaVersion int
	WantVersion   int
	Err           error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("dialogue: chat %d: stored schema version %d, want %d", e.ChatID, e.SchemaVersion, e.WantVersion)
	}
	return fmt.Sprintf("dialogue: chat %d: decode state: %v", e.ChatID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// StorageError reports a failed storage call. It is retryable.
type StorageError struct {
	Op     string
	ChatID int64
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("dialogue: chat %d: storage %s: %v", e.ChatID, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// TransitionError reports that the state machine itself failed. The update
// is consumed and flagged for operator review.
type TransitionError struct {
	ChatID   int64
	UpdateID int64
	Err      error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("dialogue: chat %d: transition of update %d: %v", e.ChatID, e.UpdateID, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// EffectError reports an effect that failed after the new state was persisted.
type EffectError struct {
	ChatID   int64
	UpdateID int64
	Err      error
}

func (e *EffectError) Error() string {
	return fmt.Sprintf("dialogue: chat %d: effects of update %d: %v", e.ChatID, e.UpdateID, e.Err)
}

func (e *EffectError) Unwrap() error { return e.Err }

// IsRetryable reports whether handling the same update again may succeed.
func IsRetryable(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Kind names the error class for logs and metrics.
func Kind(err error) string {
	var (
		de *DecodeError
		se *StorageError
		te *TransitionError
		ee *EffectError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStaleUpdate):
		return "stale"
	case errors.As(err, &de):
		return "decode"
	case errors.As(err, &se):
		return "storage"
	case errors.As(err, &te):
		return "transition"
	case errors.As(err, &ee):
		return "effect"
	default:
		return "unknown"
	}
}
