// Package outbound performs calls to the remote API with classification of
// failures, bounded retries and rate-limit waits.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/m3rciful/dialogbot/core/netutil"
)

// Class is the outcome category of one remote call.
type Class int

const (
	Success Class = iota
	// RateLimited means the server asked to wait RetryAfter before retrying.
	RateLimited
	// Transient failures are retried with exponential backoff.
	Transient
	// Permanent failures are surfaced immediately.
	Permanent
)

func (c Class) String() string {
	switch c {
	case Success:
		return "ok"
	case RateLimited:
		return "rate_limited"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Verdict is the classification of one call result.
type Verdict struct {
	Class      Class
	RetryAfter time.Duration
}

// APIError is an error reply of the remote API.
type APIError struct {
	Code        int
	Description string
	// RetryAfter is the server-requested wait of a 429 reply.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("api error %d: %s (retry after %s)", e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("api error %d: %s", e.Code, e.Description)
}

// Classify maps a call result to a Verdict. Unknown errors are permanent:
// a call is retried only when the failure is known to be safe to repeat.
func Classify(err error) Verdict {
	if err == nil {
		return Verdict{Class: Success}
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return Verdict{Class: RateLimited, RetryAfter: apiErr.RetryAfter}
		case apiErr.Code >= 500:
			return Verdict{Class: Transient}
		default:
			return Verdict{Class: Permanent}
		}
	}

	switch {
	case errors.Is(err, context.Canceled):
		return Verdict{Class: Permanent}
	case errors.Is(err, context.DeadlineExceeded):
		return Verdict{Class: Transient}
	case netutil.ShouldRetry(err):
		return Verdict{Class: Transient}
	}
	return Verdict{Class: Permanent}
}
