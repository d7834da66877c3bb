package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleDoublesUpToCap(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: 500 * time.Millisecond}
	s := p.Schedule()
	want := []time.Duration{100, 200, 400, 500, 500}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, s.NextBackOff(), "step %d", i)
	}
}

func TestExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.False(t, Policy{}.Exhausted(100))
}

func TestWithDefaults(t *testing.T) {
	p := Policy{}.WithDefaults()
	assert.Equal(t, DefaultBase, p.Base)
	assert.Equal(t, DefaultMax, p.Max)
	assert.Equal(t, 2*time.Second, FromMillis(2000, 1000, 1).WithDefaults().Max)
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	require.NoError(t, Sleep(context.Background(), time.Millisecond))
}
