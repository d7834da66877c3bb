// Package retry holds the exponential backoff policy shared by the update
// source, the dispatcher and the outbound call layer.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultBase        = 500 * time.Millisecond
	DefaultMax         = 30 * time.Second
	DefaultMaxAttempts = 5
)

// Policy describes a base delay doubling up to Max, with at most
// MaxAttempts tries of one operation. MaxAttempts <= 0 means unlimited.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// FromMillis builds a Policy from config-style millisecond values.
func FromMillis(baseMS, maxMS, attempts int) Policy {
	return Policy{
		Base:        time.Duration(baseMS) * time.Millisecond,
		Max:         time.Duration(maxMS) * time.Millisecond,
		MaxAttempts: attempts,
	}
}

// WithDefaults fills zero fields.
func (p Policy) WithDefaults() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Max <= 0 {
		p.Max = DefaultMax
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	return p
}

// Exhausted reports whether attempt (1-based) was the last allowed one.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Schedule returns a fresh delay sequence: Base, 2*Base, 4*Base, ... capped at Max.
func (p Policy) Schedule() *backoff.ExponentialBackOff {
	p = p.WithDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.MaxInterval = p.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
