// Package retry provides the retry policy applied to every control-plane and
// storage HTTP call, plus the backoff strategies the policy draws delays from.
// Policies are plain values and can be exercised without any network I/O.
package retry

import (
	"math"
	"math/rand/v2"
	"net/http"
	"time"
)

// DefaultRetryableStatuses is the transient status set retried by default.
// It includes 400, which the control plane also uses for canceled jobs.
var DefaultRetryableStatuses = []int{
	http.StatusBadRequest,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// Delay returns the fixed interval.
func (c Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter spreads each delay uniformly over [d/2, d].
	Jitter bool
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	if e.Jitter {
		d = d/2 + rand.Float64()*d/2 //nolint:gosec // jitter does not need crypto rand
	}
	return time.Duration(d)
}

// Policy decides whether and when a failed call is attempted again.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Retryable reports whether a response status warrants another attempt.
	Retryable func(status int) bool
	// Backoff yields the wait before each retry.
	Backoff Strategy
}

// DefaultPolicy returns three attempts over the default status set with
// exponential backoff starting at one second.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Retryable:   StatusIn(DefaultRetryableStatuses...),
		Backoff:     Exponential{Initial: time.Second, Max: 10 * time.Second, Jitter: true},
	}
}

// StatusIn returns a predicate matching exactly the given statuses.
func StatusIn(statuses ...int) func(int) bool {
	set := make(map[int]struct{}, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	return func(status int) bool {
		_, ok := set[status]
		return ok
	}
}

// ShouldRetryStatus reports whether a response with the given status after
// the given attempt (1-indexed) should be retried.
func (p Policy) ShouldRetryStatus(attempt, status int) bool {
	if attempt >= p.attempts() {
		return false
	}
	if status >= 200 && status < 300 {
		return false
	}
	return p.Retryable != nil && p.Retryable(status)
}

// ShouldRetryError reports whether a transport-level failure after the given
// attempt should be retried. Connection failures are always transient.
func (p Policy) ShouldRetryError(attempt int) bool {
	return attempt < p.attempts()
}

// Delay returns the wait before the retry that follows attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff.Delay(attempt)
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}
