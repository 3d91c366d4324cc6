// Package httpclient holds the JSON-over-HTTP plumbing shared by the
// auth provider, issuance and key store clients.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	apperrors "github.com/memhub/console/internal/errors"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller may retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// DefaultTimeout is the timeout of the client created when no
	// custom http.Client is provided.
	DefaultTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads. Every collaborator
	// answers with small JSON payloads.
	maxResponseBytes = 1024 * 1024
)

// Client sends JSON requests and returns raw responses. It never
// interprets status codes; callers decide what a failure looks like.
type Client struct {
	httpClient *http.Client
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so API keys and bearer tokens are
// never forwarded to a third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// New creates a Client. If httpClient is nil, a client with a 30-second
// timeout and same-host redirect policy is created.
func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       DefaultTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{httpClient: httpClient}
}

// Request describes one call. Body, when non-nil, is JSON encoded.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   any
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// StatusText returns the reason phrase for the status code.
func (r *Response) StatusText() string {
	return http.StatusText(r.StatusCode)
}

// Do sends the request and reads the whole (capped) body. Transport
// failures are returned as TransientError wrapping ErrNetwork.
func (c *Client) Do(ctx context.Context, r Request) (*Response, error) {
	var body io.Reader

	if r.Body != nil {
		payload, err := json.Marshal(r.Body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}

		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if r.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts, refused connections and DNS failures are transient.
		return nil, &TransientError{Err: fmt.Errorf("sending %s %s: %w: %w", r.Method, req.URL.Path, apperrors.ErrNetwork, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading response from %s: %w: %w", req.URL.Path, apperrors.ErrNetwork, err)}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

// IsTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func IsTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// SanitizeBody truncates and sanitizes a response body for inclusion in
// error messages and logs. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func SanitizeBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
