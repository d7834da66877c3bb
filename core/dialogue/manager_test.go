package dialogue

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/dialogbot/core/codec"
	"github.com/m3rciful/dialogbot/core/outbound"
	"github.com/m3rciful/dialogbot/core/storage"
	"github.com/m3rciful/dialogbot/core/update"
)

type tally struct {
	Count int    `json:"count"`
	Last  string `json:"last"`
}

var tallyMachine = MachineFunc[tally]{
	Step: func(_ context.Context, s tally, u update.Update) (Result[tally], error) {
		switch text := update.Text(u); text {
		case "reset":
			return Result[tally]{Reset: true}, nil
		case "fail":
			return Result[tally]{}, errors.New("cannot handle fail")
		case "echo":
			s.Count++
			return Result[tally]{Next: s, Effects: []outbound.Effect{outbound.SendMessage{Text: "echo"}}}, nil
		default:
			s.Count++
			s.Last = text
			return Result[tally]{Next: s}, nil
		}
	},
}

type recordingRunner struct {
	mu    sync.Mutex
	calls [][]outbound.Effect
	err   error
}

func (r *recordingRunner) Run(_ context.Context, _ int64, effects []outbound.Effect) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, effects)
	return r.err
}

func msg(id, chat int64, text string) update.Update {
	return update.Update{ID: id, ChatID: chat, SenderID: chat, Payload: update.Message{Text: text}}
}

func newTallyManager(t *testing.T, st storage.Storage, runner EffectRunner, policy DecodePolicy) *Manager[tally] {
	t.Helper()
	m, err := NewManager[tally](tallyMachine, Options{
		Storage:      st,
		Codec:        codec.JSON{},
		Effects:      runner,
		DecodePolicy: policy,
	})
	require.NoError(t, err)
	return m
}

func TestHandleStartsFromInitialState(t *testing.T) {
	st := storage.NewMemory(storage.MemoryOptions{})
	m := newTallyManager(t, st, nil, Suspend)
	ctx := context.Background()

	s, err := m.State(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, tally{}, s)

	require.NoError(t, m.Handle(ctx, msg(10, 1, "a")))
	s, err = m.State(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, tally{Count: 1, Last: "a"}, s)

	rec, ok, err := st.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(10), rec.LastUpdateID)
	assert.Equal(t, 1, rec.SchemaVersion)
}

func TestHandleRejectsStaleAndDuplicate(t *testing.T) {
	st := storage.NewMemory(storage.MemoryOptions{})
	runner := &recordingRunner{}
	m := newTallyManager(t, st, runner, Suspend)
	ctx := context.Background()

	require.NoError(t, m.Handle(ctx, msg(5, 1, "echo")))
	before, _, err := st.Get(ctx, 1)
	require.NoError(t, err)

	for _, id := range []int64{5, 4, 1} {
		err := m.Handle(ctx, msg(id, 1, "echo"))
		assert.ErrorIs(t, err, ErrStaleUpdate, "id %d", id)
	}

	after, _, err := st.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, runner.calls, 1, "redelivery must not repeat effects")
}

func TestHandleRunsEffectsAfterPersist(t *testing.T) {
	st := storage.NewMemory(storage.MemoryOptions{})
	runner := &recordingRunner{err: errors.New("send failed")}
	m := newTallyManager(t, st, runner, Suspend)
	ctx := context.Background()

	err := m.Handle(ctx, msg(1, 3, "echo"))
	var effErr *EffectError
	require.ErrorAs(t, err, &effErr)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, "effect", Kind(err))

	s, err := m.State(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Count, "state is kept when effects fail")
	require.Len(t, runner.calls, 1)
	assert.Equal(t, []outbound.Effect{outbound.SendMessage{Text: "echo"}}, runner.calls[0])
}

func TestHandleResetKeepsLastUpdateID(t *testing.T) {
	st := storage.NewMemory(storage.MemoryOptions{})
	m := newTallyManager(t, st, nil, Suspend)
	ctx := context.Background()

	require.NoError(t, m.Handle(ctx, msg(1, 1, "a")))
	require.NoError(t, m.Handle(ctx, msg(2, 1, "reset")))
	rec, ok, err := st.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, rec.Data)
	assert.Equal(t, int64(2), rec.LastUpdateID)

	s, err := m.State(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, tally{}, s)

	assert.ErrorIs(t, m.Handle(ctx, msg(1, 1, "a")), ErrStaleUpdate, "updates from before the reset stay stale")

	require.NoError(t, m.Handle(ctx, msg(3, 1, "b")))
	s, err = m.State(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, tally{Count: 1, Last: "b"}, s)
}

func TestForgetDeletesRecord(t *testing.T) {
	st := storage.NewMemory(storage.MemoryOptions{})
	m := newTallyManager(t, st, nil, Suspend)
	ctx := context.Background()

	require.NoError(t, m.Forget(ctx, 1), "absent chat")
	require.NoError(t, m.Handle(ctx, msg(5, 1, "a")))
	require.NoError(t, m.Forget(ctx, 1))
	_, ok, err := st.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Handle(ctx, msg(5, 1, "a")), "a forgotten chat accepts any id")
}

func TestHandleTransitionErrorIsFatal(t *testing.T) {
	st := storage.NewMemory(storage.MemoryOptions{})
	m := newTallyManager(t, st, nil, Suspend)
	err := m.Handle(context.Background(), msg(1, 1, "fail"))
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int64(1), te.UpdateID)
	assert.False(t, IsRetryable(err))
	assert.Zero(t, st.Len())
}

func TestDecodePolicies(t *testing.T) {
	ctx := context.Background()
	seed := func(t *testing.T, rec storage.Record) *storage.Memory {
		st := storage.NewMemory(storage.MemoryOptions{})
		_, err := st.Put(ctx, rec)
		require.NoError(t, err)
		return st
	}

	t.Run("suspend on schema mismatch", func(t *testing.T) {
		st := seed(t, storage.Record{ChatID: 1, Data: []byte(`{"count":4}`), SchemaVersion: 2, LastUpdateID: 1})
		m := newTallyManager(t, st, nil, Suspend)
		err := m.Handle(ctx, msg(2, 1, "a"))
		var de *DecodeError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, 2, de.SchemaVersion)
		assert.Equal(t, 1, de.WantVersion)
		assert.Equal(t, "decode", Kind(err))

		rec, _, err := st.Get(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), rec.Revision, "record untouched")
	})

	t.Run("suspend on corrupt bytes", func(t *testing.T) {
		st := seed(t, storage.Record{ChatID: 1, Data: []byte("not json"), SchemaVersion: 1})
		m := newTallyManager(t, st, nil, Suspend)
		err := m.Handle(ctx, msg(2, 1, "a"))
		assert.ErrorIs(t, err, codec.ErrDecode)
	})

	t.Run("reset continues from initial", func(t *testing.T) {
		st := seed(t, storage.Record{ChatID: 1, Data: []byte("not json"), SchemaVersion: 1, LastUpdateID: 1})
		m := newTallyManager(t, st, nil, ResetOnDecodeError)
		require.NoError(t, m.Handle(ctx, msg(2, 1, "a")))
		s, err := m.State(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, tally{Count: 1, Last: "a"}, s)
	})

	t.Run("stale check precedes decode", func(t *testing.T) {
		st := seed(t, storage.Record{ChatID: 1, Data: []byte("not json"), SchemaVersion: 1, LastUpdateID: 9})
		m := newTallyManager(t, st, nil, Suspend)
		assert.ErrorIs(t, m.Handle(ctx, msg(9, 1, "a")), ErrStaleUpdate)
	})
}

// racingStorage lets another writer win the first Put it sees.
type racingStorage struct {
	*storage.Memory
	once sync.Once
	race func()
}

func (r *racingStorage) Put(ctx context.Context, rec storage.Record) (storage.Record, error) {
	r.once.Do(r.race)
	return r.Memory.Put(ctx, rec)
}

func TestHandleRecomputesOnConflict(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory(storage.MemoryOptions{})
	st := &racingStorage{Memory: mem}
	st.race = func() {
		_, err := mem.Put(ctx, storage.Record{ChatID: 1, Data: []byte(`{"count":10,"last":"other"}`), SchemaVersion: 1, LastUpdateID: 5})
		require.NoError(t, err)
	}
	m := newTallyManager(t, st, nil, Suspend)

	require.NoError(t, m.Handle(ctx, msg(6, 1, "mine")))
	s, err := m.State(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, tally{Count: 11, Last: "mine"}, s)
}

func TestHandleConflictAfterCompetingNewerUpdateIsStale(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory(storage.MemoryOptions{})
	st := &racingStorage{Memory: mem}
	st.race = func() {
		_, err := mem.Put(ctx, storage.Record{ChatID: 1, Data: []byte(`{"count":1}`), SchemaVersion: 1, LastUpdateID: 8})
		require.NoError(t, err)
	}
	m := newTallyManager(t, st, nil, Suspend)
	assert.ErrorIs(t, m.Handle(ctx, msg(7, 1, "late")), ErrStaleUpdate)
}

type brokenStorage struct {
	storage.Storage
}

func (brokenStorage) Get(context.Context, int64) (storage.Record, bool, error) {
	return storage.Record{}, false, errors.New("connection refused")
}

func TestStorageFailureIsRetryable(t *testing.T) {
	m := newTallyManager(t, brokenStorage{}, nil, Suspend)
	err := m.Handle(context.Background(), msg(1, 1, "a"))
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "get", se.Op)
	assert.True(t, IsRetryable(err))
}

type alwaysConflict struct {
	*storage.Memory
}

func (alwaysConflict) Put(context.Context, storage.Record) (storage.Record, error) {
	return storage.Record{}, storage.ErrConflict
}

func TestPersistentConflictBecomesStorageError(t *testing.T) {
	m := newTallyManager(t, alwaysConflict{storage.NewMemory(storage.MemoryOptions{})}, nil, Suspend)
	err := m.Handle(context.Background(), msg(1, 1, "a"))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestParseDecodePolicy(t *testing.T) {
	p, err := ParseDecodePolicy("reset")
	require.NoError(t, err)
	assert.Equal(t, ResetOnDecodeError, p)
	p, err = ParseDecodePolicy("")
	require.NoError(t, err)
	assert.Equal(t, Suspend, p)
	_, err = ParseDecodePolicy("ignore")
	assert.Error(t, err)
}

func TestNewManagerValidates(t *testing.T) {
	_, err := NewManager[tally](nil, Options{Storage: storage.NewMemory(storage.MemoryOptions{})})
	assert.Error(t, err)
	_, err = NewManager[tally](tallyMachine, Options{})
	assert.Error(t, err)
}
