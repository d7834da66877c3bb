package telegram

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/m3rciful/dialogbot/core/retry"
)

const (
	defaultDialTimeout       = 5 * time.Second
	defaultTLSHandshake      = 5 * time.Second
	defaultIdleConnTimeout   = 30 * time.Second
	defaultKeepAliveInterval = 30 * time.Second
	defaultRetryAttempts     = 3
	defaultRetryBackoff      = 500 * time.Millisecond
	// responseSlack is added to the long-poll timeout for response deadlines.
	responseSlack = 10 * time.Second
)

// BuildHTTPClient returns an HTTP client tuned for Bot API calls. Response
// deadlines leave room for getUpdates to hold the connection for longPoll.
func BuildHTTPClient(longPoll time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAliveInterval}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   defaultTLSHandshake,
		ResponseHeaderTimeout: longPoll + responseSlack,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout: longPoll + 2*responseSlack,
		Transport: &dialRetryTransport{
			base:   transport,
			policy: retry.Policy{Base: defaultRetryBackoff, Max: 4 * defaultRetryBackoff, MaxAttempts: defaultRetryAttempts},
		},
	}
}

// dialRetryTransport repeats requests that failed to connect. Such requests
// never reached the server, so repeating them cannot duplicate a send.
type dialRetryTransport struct {
	base   http.RoundTripper
	policy retry.Policy
}

func (t *dialRetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	schedule := t.policy.Schedule()
	var lastErr error

	for attempt := 1; ; attempt++ {
		currReq := req
		if attempt > 1 {
			currReq = req.Clone(req.Context())
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, err
				}
				currReq.Body = body
			} else if req.Body != nil && req.Body != http.NoBody {
				return nil, lastErr
			}
		}

		resp, err := base.RoundTrip(currReq)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isDialError(err) || t.policy.Exhausted(attempt) {
			return nil, lastErr
		}
		if err := retry.Sleep(req.Context(), schedule.NextBackOff()); err != nil {
			return nil, err
		}
	}
}

func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
