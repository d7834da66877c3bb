package telegram

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	coreconfig "github.com/m3rciful/dialogbot/core/config"
	"github.com/m3rciful/dialogbot/core/dispatch"
	"github.com/m3rciful/dialogbot/core/outbound"
	"github.com/m3rciful/dialogbot/core/storage"
	"github.com/m3rciful/dialogbot/core/update"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, apiURL string) *coreconfig.Config {
	t.Helper()
	cfg := &coreconfig.Config{
		Telegram: coreconfig.TelegramConfig{Token: testToken, APIURL: apiURL, LongPollTimeoutSeconds: 1},
		Backoff:  coreconfig.BackoffConfig{BaseDelayMS: 10, MaxDelayMS: 50},
	}
	require.NoError(t, coreconfig.Normalize(cfg))
	return cfg
}

func TestRunTelegramLongpollEndToEnd(t *testing.T) {
	api, srv := newFakeAPI(t)
	var served atomic.Bool
	api.handle("getUpdates", func(map[string]any) string {
		if served.CompareAndSwap(false, true) {
			return `{"ok":true,"result":[{"update_id":10,"message":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"},"from":{"id":9,"first_name":"A"},"text":"ping"}}]}`
		}
		time.Sleep(20 * time.Millisecond)
		return `{"ok":true,"result":[]}`
	})

	offsets := storage.NewMemory(storage.MemoryOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var started, stopped atomic.Bool
	errCh := make(chan error, 1)
	go func() {
		errCh <- RunTelegram(ctx, RunOptions{
			Config:  testConfig(t, srv.URL),
			Offsets: offsets,
			Handler: func(rt Runtime) (dispatch.Handler, error) {
				return dispatch.HandlerFunc(func(ctx context.Context, u update.Update) error {
					return rt.Executor.Run(ctx, u.ChatID, []outbound.Effect{
						outbound.SendMessage{Text: "pong " + update.Text(u)},
					})
				}), nil
			},
			OnStart: func(context.Context, Runtime) error { started.Store(true); return nil },
			OnStop:  func(context.Context, Runtime) error { stopped.Store(true); return nil },
		})
	}()

	require.Eventually(t, func() bool { return len(api.callsTo("sendMessage")) == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(api.callsTo("getUpdates")) >= 2 }, 3*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 11, api.callsTo("getUpdates")[1]["offset"], "the next fetch confirms only the acked update")
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("RunTelegram did not return")
	}

	send := api.callsTo("sendMessage")[0]
	assert.Equal(t, "42", send["chat_id"])
	assert.Equal(t, "pong ping", send["text"])
	assert.Len(t, api.callsTo("deleteWebhook"), 1)
	assert.True(t, started.Load())
	assert.True(t, stopped.Load())

	committed, err := offsets.LoadOffset(context.Background(), "longpoll")
	require.NoError(t, err)
	assert.Equal(t, int64(10), committed)
}

func TestRunTelegramValidatesOptions(t *testing.T) {
	require.Error(t, RunTelegram(context.Background(), RunOptions{}))
	_, srv := newFakeAPI(t)
	require.Error(t, RunTelegram(context.Background(), RunOptions{Config: testConfig(t, srv.URL)}))
}
