// Package issuer calls the key issuance endpoint that mints new API keys.
package issuer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	apperrors "github.com/memhub/console/internal/errors"
	"github.com/memhub/console/internal/httpclient"
	"github.com/memhub/console/internal/metrics"
	"github.com/memhub/console/internal/models"
	"github.com/tidwall/gjson"
)

// snippetLen is how much of an undecodable success body is quoted back.
const snippetLen = 100

// errorFields is the order in which error bodies are probed for a message.
var errorFields = []string{"detail", "message", "error"}

// Request is the issuance request body.
type Request struct {
	UserID      string `json:"user_id"`
	ProjectName string `json:"Project_Name"`
	ExpiresAt   string `json:"Expires_At"`
}

// Response is the issued key as returned by the endpoint.
type Response struct {
	models.KeyRecord
	Message string `json:"message"`
}

// ProtocolError is a non-2xx response. Message is the best human-readable
// description that could be extracted from the body.
type ProtocolError struct {
	Status     int
	StatusText string
	Message    string
}

func (e *ProtocolError) Error() string { return e.Message }

func (e *ProtocolError) Unwrap() error { return apperrors.ErrProtocol }

// DecodeError is a 2xx response whose body is empty or not JSON.
type DecodeError struct {
	Body string
}

func (e *DecodeError) Error() string {
	return "Response is not valid JSON: " + truncateRunes(e.Body, snippetLen) + "..."
}

func (e *DecodeError) Unwrap() error { return apperrors.ErrDecode }

// Empty reports whether the response body was empty.
func (e *DecodeError) Empty() bool { return e.Body == "" }

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}

	return string([]rune(s)[:n])
}

// Client posts to {API_BASE_URL}/generate-api-key.
type Client struct {
	endpoint string
	http     *httpclient.Client
	logger   *slog.Logger
}

// New creates a client for the given absolute endpoint URL. A nil
// http.Client selects the shared default.
func New(endpoint string, hc *http.Client, logger *slog.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		http:     httpclient.New(hc),
		logger:   logger.With(slog.String("component", "issuer")),
	}
}

// Endpoint returns the issuance URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Issue requests a new key.
func (c *Client) Issue(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	resp, err := c.issue(ctx, req)

	result := metrics.ResultOK
	if err != nil {
		result = metrics.ResultError
	}

	metrics.IssuerDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())

	return resp, err
}

func (c *Client) issue(ctx context.Context, req Request) (*Response, error) {
	c.logger.Debug("issuing key",
		slog.String("user_id", req.UserID),
		slog.String("name", req.ProjectName),
		slog.String("expires", req.ExpiresAt),
	)

	resp, err := c.http.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		URL:    c.endpoint,
		Body:   req,
	})
	if err != nil {
		return nil, fmt.Errorf("issuing key: %w", err)
	}

	c.logger.Debug("issuer responded", slog.Int("status", resp.StatusCode), slog.Int("bytes", len(resp.Body)))

	if !resp.OK() {
		return nil, &ProtocolError{
			Status:     resp.StatusCode,
			StatusText: resp.StatusText(),
			Message:    httpclient.ErrorMessage(resp, errorFields...),
		}
	}

	if len(resp.Body) == 0 || !gjson.ValidBytes(resp.Body) {
		c.logger.Warn("issuer returned undecodable body", slog.String("body", httpclient.SanitizeBody(resp.Body)))
		return nil, &DecodeError{Body: string(resp.Body)}
	}

	var out Response
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, &DecodeError{Body: string(resp.Body)}
	}

	if out.APIKey == "" {
		return nil, fmt.Errorf("issuing key: %w: response has no User_API_Key", apperrors.ErrDecode)
	}

	return &out, nil
}
