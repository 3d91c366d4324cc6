// Package authprovider is a client for a GoTrue-compatible auth service.
// It persists the session, refreshes it before expiry and notifies
// listeners of sign-in, sign-out and refresh transitions.
package authprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	apperrors "github.com/memhub/console/internal/errors"
	"github.com/memhub/console/internal/httpclient"
	"github.com/memhub/console/internal/models"
	"github.com/tidwall/gjson"
)

const (
	// DefaultRefreshTick is how often AutoRefresh checks the session.
	DefaultRefreshTick = 30 * time.Second

	// refreshThresholdTicks is how many ticks before expiry a session is
	// refreshed.
	refreshThresholdTicks = 3

	// transientRetryDivisor sets how much sooner than a tick AutoRefresh
	// retries after a temporary failure.
	transientRetryDivisor = 6
)

// errorFields is the order in which auth error bodies are probed for a
// human-readable message.
var errorFields = []string{"error_description", "msg", "message", "error"}

// APIError is a non-2xx response from the auth service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("auth provider returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return apperrors.ErrProtocol }

// rejected reports whether the server refused the credentials or token,
// as opposed to failing for some other reason.
func (e *APIError) rejected() bool {
	return e.Status == http.StatusBadRequest || e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// Listener receives auth state transitions. sess is nil on sign-out.
type Listener func(event models.AuthEvent, sess *models.Session)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for auth requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = httpclient.New(hc) }
}

// WithStorage sets where the session is persisted. Defaults to memory.
func WithStorage(s SessionStorage) Option {
	return func(c *Client) { c.storage = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithRefreshTick overrides the AutoRefresh tick. The refresh margin is
// three ticks.
func WithRefreshTick(d time.Duration) Option {
	return func(c *Client) { c.tick = d }
}

// Client talks to the auth service at {url}/auth/v1.
type Client struct {
	baseURL    string
	anonKey    string
	configured bool
	http       *httpclient.Client
	storage    SessionStorage
	logger     *slog.Logger
	now        func() time.Time
	tick       time.Duration

	listenersMu sync.Mutex
	listeners   map[int]Listener
	nextID      int

	// refreshMu serializes token refreshes so concurrent GetSession calls
	// do not spend the same refresh token twice.
	refreshMu sync.Mutex

	// knownMu guards known, the last session this client wrote or observed.
	// WatchStorage compares against it to detect writes by other processes.
	knownMu sync.Mutex
	known   *models.Session
}

// New creates a client. Construction never fails: a missing URL or key is
// logged once and every call returns ErrProviderUnconfigured.
func New(providerURL, anonKey string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		anonKey:   anonKey,
		http:      httpclient.New(nil),
		storage:   &MemoryStorage{},
		logger:    logger,
		now:       time.Now,
		tick:      DefaultRefreshTick,
		listeners: make(map[int]Listener),
	}

	for _, opt := range opts {
		opt(c)
	}

	providerURL = strings.TrimRight(providerURL, "/")
	if providerURL == "" || anonKey == "" {
		c.logger.Warn("auth provider is not configured; set SUPABASE_URL and SUPABASE_ANON_KEY")
	} else {
		c.baseURL = providerURL + "/auth/v1"
		c.configured = true
	}

	if sess, err := c.storage.Session(); err == nil {
		c.setKnown(sess)
	}

	return c
}

// Configured reports whether the provider URL and key are set.
func (c *Client) Configured() bool {
	return c.configured
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, accessToken string, body any) (*httpclient.Response, error) {
	if !c.configured {
		return nil, apperrors.ErrProviderUnconfigured
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	header := http.Header{}
	header.Set("apikey", c.anonKey)

	if accessToken != "" {
		header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.Do(ctx, httpclient.Request{Method: method, URL: u, Header: header, Body: body})
	if err != nil {
		return nil, err
	}

	if !resp.OK() {
		apiErr := &APIError{Status: resp.StatusCode, Message: httpclient.ErrorMessage(resp, errorFields...)}
		if httpclient.IsTransientStatus(resp.StatusCode) {
			return nil, &httpclient.TransientError{Err: apiErr}
		}

		return nil, apiErr
	}

	return resp, nil
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignUp registers a new account. When the project does not require email
// confirmation the response carries a session, which is persisted and
// announced as SIGNED_IN. Otherwise the returned session is nil.
func (c *Client) SignUp(ctx context.Context, email, password string) (*models.User, *models.Session, error) {
	resp, err := c.do(ctx, http.MethodPost, "/signup", nil, "", credentials{Email: email, Password: password})
	if err != nil {
		return nil, nil, fmt.Errorf("signing up: %w", err)
	}

	if gjson.GetBytes(resp.Body, "access_token").String() != "" {
		sess, err := c.decodeSession(resp.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("signing up: %w", err)
		}

		if err := c.persist(sess); err != nil {
			return nil, nil, err
		}

		c.emit(models.EventSignedIn, sess)

		return sess.User, sess, nil
	}

	raw := resp.Body
	if u := gjson.GetBytes(resp.Body, "user"); u.IsObject() {
		raw = []byte(u.Raw)
	}

	var user models.User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, nil, fmt.Errorf("signing up: %w: %w", apperrors.ErrDecode, err)
	}

	return &user, nil, nil
}

// SignInWithPassword exchanges email and password for a session.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*models.Session, error) {
	resp, err := c.do(ctx, http.MethodPost, "/token", url.Values{"grant_type": {"password"}}, "", credentials{Email: email, Password: password})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.rejected() {
			return nil, fmt.Errorf("signing in: %w: %w", apperrors.ErrInvalidCredentials, err)
		}

		return nil, fmt.Errorf("signing in: %w", err)
	}

	sess, err := c.decodeSession(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("signing in: %w", err)
	}

	if err := c.persist(sess); err != nil {
		return nil, err
	}

	c.emit(models.EventSignedIn, sess)

	return sess, nil
}

// SignOut revokes the session server-side and clears it locally. The local
// session is cleared and SIGNED_OUT emitted even when the remote call
// fails; that failure is still returned.
func (c *Client) SignOut(ctx context.Context) error {
	sess, err := c.storage.Session()
	if err != nil {
		c.logger.Warn("reading session for sign-out", slog.String("error", err.Error()))
	}

	var remoteErr error

	if sess != nil && sess.AccessToken != "" {
		_, remoteErr = c.do(ctx, http.MethodPost, "/logout", nil, sess.AccessToken, nil)
	}

	if err := c.clear(); err != nil {
		return err
	}

	c.emit(models.EventSignedOut, nil)

	if remoteErr != nil {
		return fmt.Errorf("signing out: %w", remoteErr)
	}

	return nil
}

// GetUser fetches the identity behind the current access token from the
// server. It returns ErrNotAuthenticated when there is no session.
func (c *Client) GetUser(ctx context.Context) (*models.User, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodGet, "/user", nil, token, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.rejected() {
			return nil, fmt.Errorf("fetching user: %w: %w", apperrors.ErrNotAuthenticated, err)
		}

		return nil, fmt.Errorf("fetching user: %w", err)
	}

	var user models.User
	if err := json.Unmarshal(resp.Body, &user); err != nil {
		return nil, fmt.Errorf("fetching user: %w: %w", apperrors.ErrDecode, err)
	}

	return &user, nil
}
