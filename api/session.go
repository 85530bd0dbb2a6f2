package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"github.com/franksops/trainworker/retry"
)

// HeaderAPIKey carries the worker credential on every request.
const HeaderAPIKey = "x-api-key"

// SessionOptions configures NewSession.
type SessionOptions struct {
	BaseURL string
	APIKey  string
	Policy  retry.Policy
	// RateLimit caps requests per second. Zero means unlimited.
	RateLimit float64
	// Base is the underlying transport; nil uses http.DefaultTransport.
	Base   http.RoundTripper
	Logger *slog.Logger
}

// Session is an HTTP session bound to the control plane. The credential
// header and retry policy are attached once here so callers never thread
// them through individual calls.
type Session struct {
	BaseURL string
	HTTP    *http.Client
}

// NewSession builds a Session whose transport chain is
// credential header -> retry policy -> rate limiter -> base transport.
func NewSession(opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var base = opts.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		base = &limitTransport{
			base:    base,
			limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), burst),
		}
	}

	rt := retry.NewTransport(base, opts.Policy)
	rt.OnRetry = func(req *http.Request, attempt int, status int, err error) {
		attrs := []any{
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int("attempt", attempt),
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		} else {
			attrs = append(attrs, slog.Int("status", status))
		}
		logger.Warn("retrying request", attrs...)
	}

	return &Session{
		BaseURL: strings.TrimRight(opts.BaseURL, "/"),
		HTTP: &http.Client{
			Transport: &headerTransport{
				base:    rt,
				headers: http.Header{HeaderAPIKey: []string{opts.APIKey}},
			},
		},
	}
}

// URL joins the base URL with an already-escaped path and query.
func (s *Session) URL(path string, query url.Values) string {
	u := s.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// NewRequest builds a request against the session base URL. A non-nil body
// is buffered so the retry transport can replay it.
func (s *Session) NewRequest(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.URL(path, query), rdr)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s %s: %w", method, path, err)
	}
	return req, nil
}

// NewJSONRequest marshals payload as the request body.
func (s *Session) NewJSONRequest(ctx context.Context, method, path string, query url.Values, payload any) (*http.Request, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", path, err)
	}
	req, err := s.NewRequest(ctx, method, path, query, data)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Do sends req and decodes a JSON response into out (if non-nil). A non-2xx
// response is returned as a *StatusError tagged with op.
func (s *Session) Do(req *http.Request, op string, out any) error {
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if err := CheckResponse(resp, op); err != nil {
		return err
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// Stream sends req and returns the open response body on success. The caller
// must close it.
func (s *Session) Stream(req *http.Request, op string) (io.ReadCloser, error) {
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := CheckResponse(resp, op); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// CheckResponse turns a non-2xx response into a *StatusError.
func CheckResponse(resp *http.Response, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

type headerTransport struct {
	base    http.RoundTripper
	headers http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header[k] = v
	}
	return t.base.RoundTrip(clone)
}

type limitTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *limitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}
