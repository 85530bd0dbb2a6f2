package retry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestPolicy_ShouldRetryStatus(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name    string
		attempt int
		status  int
		want    bool
	}{
		{"success", 1, 200, false},
		{"service unavailable", 1, 503, true},
		{"bad request", 2, 400, true},
		{"not found is permanent", 1, 404, false},
		{"forbidden is permanent", 1, 403, false},
		{"last attempt", 3, 503, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.ShouldRetryStatus(tt.attempt, tt.status); got != tt.want {
				t.Errorf("ShouldRetryStatus(%d, %d) = %v, want %v", tt.attempt, tt.status, got, tt.want)
			}
		})
	}
}

func TestExponential_Delay(t *testing.T) {
	e := Exponential{Initial: time.Second, Max: 5 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
	}

	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_JitterBounds(t *testing.T) {
	e := Exponential{Initial: time.Second, Jitter: true}
	for i := 0; i < 100; i++ {
		d := e.Delay(2)
		if d < time.Second || d > 2*time.Second {
			t.Fatalf("jittered delay %v outside [1s, 2s]", d)
		}
	}
}

func newTestTransport(policy Policy) *Transport {
	tr := NewTransport(nil, policy)
	tr.sleep = noSleep
	return tr
}

func TestTransport_StopsAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := &http.Client{Transport: newTestTransport(DefaultPolicy())}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected final status 503, got %d", resp.StatusCode)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", n)
	}
}

func TestTransport_SucceedsWithoutFurtherAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 2 {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := &http.Client{Transport: newTestTransport(DefaultPolicy())}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("Expected 2 attempts, got %d", n)
	}
}

func TestTransport_DoesNotRetryPermanentErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := &http.Client{Transport: newTestTransport(DefaultPolicy())}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	resp.Body.Close()

	if n := calls.Load(); n != 1 {
		t.Errorf("Expected a single attempt for 404, got %d", n)
	}
}

func TestTransport_ReplaysBody(t *testing.T) {
	var calls atomic.Int32
	var lastBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		lastBody.Store(string(data))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &http.Client{Transport: newTestTransport(DefaultPolicy())}
	req, err := http.NewRequest(http.MethodPut, srv.URL, strings.NewReader("part-bytes"))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	resp.Body.Close()

	if got := lastBody.Load().(string); got != "part-bytes" {
		t.Errorf("Expected replayed body %q, got %q", "part-bytes", got)
	}
}

func TestTransport_RetriesConnectionErrors(t *testing.T) {
	var calls int
	base := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		return nil, io.ErrUnexpectedEOF
	})

	tr := NewTransport(base, DefaultPolicy())
	tr.sleep = noSleep

	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid/", nil)
	if _, err := tr.RoundTrip(req); err == nil {
		t.Fatal("Expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
