package retry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Transport is an http.RoundTripper that replays requests according to a
// Policy. Once the attempts are exhausted the last response is returned
// as-is, so callers inspect the final status themselves.
type Transport struct {
	Base   http.RoundTripper
	Policy Policy

	// OnRetry, if set, is called before every retry.
	OnRetry func(req *http.Request, attempt int, status int, err error)

	sleep func(ctx context.Context, d time.Duration) error
}

// NewTransport wraps base with the given policy. A nil base uses
// http.DefaultTransport.
func NewTransport(base http.RoundTripper, policy Policy) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Base: base, Policy: policy, sleep: sleepCtx}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	sleep := t.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	for attempt := 1; ; attempt++ {
		attemptReq, err := rewind(req, attempt)
		if err != nil {
			return nil, err
		}

		resp, err := t.Base.RoundTrip(attemptReq)
		if err != nil {
			if req.Context().Err() != nil || !t.Policy.ShouldRetryError(attempt) {
				return nil, err
			}
			t.notify(req, attempt, 0, err)
		} else {
			if !t.Policy.ShouldRetryStatus(attempt, resp.StatusCode) {
				return resp, nil
			}
			t.notify(req, attempt, resp.StatusCode, nil)
			drain(resp)
		}

		if err := sleep(req.Context(), t.Policy.Delay(attempt)); err != nil {
			return nil, err
		}
	}
}

func (t *Transport) notify(req *http.Request, attempt, status int, err error) {
	if t.OnRetry != nil {
		t.OnRetry(req, attempt, status, err)
	}
}

// rewind returns a request whose body is positioned at the start. The first
// attempt reuses the original request.
func rewind(req *http.Request, attempt int) (*http.Request, error) {
	if attempt == 1 || req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("retry %s %s: request body cannot be replayed", req.Method, req.URL.Path)
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("retry %s %s: rewind body: %w", req.Method, req.URL.Path, err)
	}
	clone := req.Clone(req.Context())
	clone.Body = body
	return clone, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
