package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/dialogbot/core/retry"
)

type recordedSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestCaller(rs *recordedSleep, attempts int) *Caller {
	return NewCaller(CallerOptions{
		Timeout: time.Second,
		Retry:   retry.Policy{Base: 100 * time.Millisecond, Max: time.Second, MaxAttempts: attempts},
		Sleep:   rs.sleep,
	})
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Verdict
	}{
		{"success", nil, Verdict{Class: Success}},
		{"rate limited", &APIError{Code: 429, RetryAfter: 3 * time.Second}, Verdict{Class: RateLimited, RetryAfter: 3 * time.Second}},
		{"server error", &APIError{Code: 502}, Verdict{Class: Transient}},
		{"bad request", &APIError{Code: 400, Description: "chat not found"}, Verdict{Class: Permanent}},
		{"forbidden", &APIError{Code: 403}, Verdict{Class: Permanent}},
		{"deadline", context.DeadlineExceeded, Verdict{Class: Transient}},
		{"cancelled", context.Canceled, Verdict{Class: Permanent}},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("refused")}, Verdict{Class: Transient}},
		{"invalid json", fmt.Errorf("decode response: %w", &json.SyntaxError{Offset: 1}), Verdict{Class: Permanent}},
		{"unknown", errors.New("mystery"), Verdict{Class: Permanent}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestCallerHonorsRetryAfter(t *testing.T) {
	rs := &recordedSleep{}
	c := newTestCaller(rs, 4)
	calls := 0
	err := c.Do(context.Background(), "send_message", func(context.Context) error {
		calls++
		if calls == 1 {
			return &APIError{Code: 429, Description: "Too Many Requests", RetryAfter: 2 * time.Second}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{2 * time.Second}, rs.delays)
}

func TestCallerCapsAttempts(t *testing.T) {
	rs := &recordedSleep{}
	c := newTestCaller(rs, 3)
	calls := 0
	err := c.Do(context.Background(), "send_message", func(context.Context) error {
		calls++
		return &APIError{Code: 500, Description: "Internal Server Error"}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, 3, callErr.Attempts)
	assert.Equal(t, Transient, callErr.Class)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rs.delays)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 500, apiErr.Code)
}

func TestCallerPermanentIsNotRetried(t *testing.T) {
	rs := &recordedSleep{}
	c := newTestCaller(rs, 5)
	calls := 0
	err := c.Do(context.Background(), "answer_callback", func(context.Context) error {
		calls++
		return &APIError{Code: 400, Description: "query is too old"}
	})
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, Permanent, callErr.Class)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rs.delays)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
}

func TestCallerPerAttemptTimeout(t *testing.T) {
	rs := &recordedSleep{}
	c := NewCaller(CallerOptions{
		Timeout: 10 * time.Millisecond,
		Retry:   retry.Policy{Base: time.Millisecond, MaxAttempts: 2},
		Sleep:   rs.sleep,
	})
	calls := 0
	err := c.Do(context.Background(), "send_message", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, calls)
}

func TestCallerStopsOnCancel(t *testing.T) {
	rs := &recordedSleep{}
	c := newTestCaller(rs, 5)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := c.Do(ctx, "send_message", func(context.Context) error {
		calls++
		cancel()
		return &APIError{Code: 503}
	})
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, Permanent, callErr.Class)
	assert.Equal(t, 1, calls)
}

type fakeClient struct {
	mu      sync.Mutex
	sent    []string
	answers []string
	failOn  string
}

func (f *fakeClient) SendMessage(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if text == f.failOn {
		return &APIError{Code: 403, Description: "bot was blocked by the user"}
	}
	f.sent = append(f.sent, text)
	if chatID != 42 && chatID != 7 {
		return &APIError{Code: 400, Description: "chat not found"}
	}
	return nil
}

func (f *fakeClient) AnswerCallback(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, id+":"+text)
	return nil
}

func TestExecutorRunsInOrder(t *testing.T) {
	client := &fakeClient{}
	ex := NewExecutor(client, newTestCaller(&recordedSleep{}, 2))
	err := ex.Run(context.Background(), 42, []Effect{
		AnswerCallback{CallbackID: "cb1", Text: "ok"},
		SendMessage{Text: "first"},
		SendMessage{ChatID: 7, Text: "second"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, client.sent)
	assert.Equal(t, []string{"cb1:ok"}, client.answers)
}

func TestExecutorStopsAtFirstFailure(t *testing.T) {
	client := &fakeClient{failOn: "boom"}
	ex := NewExecutor(client, newTestCaller(&recordedSleep{}, 2))
	err := ex.Run(context.Background(), 42, []Effect{
		SendMessage{Text: "a"},
		SendMessage{Text: "boom"},
		SendMessage{Text: "never"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "effect 2/3 send_message")
	assert.Equal(t, []string{"a"}, client.sent)
}

func TestCallerRateLimitedExhausts(t *testing.T) {
	rs := &recordedSleep{}
	c := newTestCaller(rs, 3)
	calls := 0
	err := c.Do(context.Background(), "send_message", func(context.Context) error {
		calls++
		return &APIError{Code: 429, RetryAfter: 5 * time.Second}
	})
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, RateLimited, callErr.Class)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, rs.delays)
}
