// Package realtime follows the key table over the provider's realtime
// websocket and forwards row changes for the signed-in user.
//
// The connection speaks the Phoenix channel protocol. A reader goroutine
// feeds inbound frames to a single event loop which also owns heartbeats
// and token updates, so all writes happen from one goroutine.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	apperrors "github.com/memhub/console/internal/errors"
	"github.com/memhub/console/internal/httpclient"
	"github.com/memhub/console/internal/metrics"
	"github.com/memhub/console/internal/models"
	"github.com/tidwall/gjson"
)

//go:generate mockgen -source=realtime.go -destination=mock_wsconn_test.go -package=realtime -exclude_interfaces=Identity,TokenSource,Sink

const (
	protocolVersion = "1.0.0"
	heartbeatEvery  = 25 * time.Second
	joinTimeout     = 10 * time.Second

	reconnectMin = time.Second
	reconnectMax = time.Minute

	// jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor              = 2
	reconnectBackoffMultiplier = 2

	readLimit       = 1 << 20
	inboundChanSize = 16

	phoenixTopic = "phoenix"
	schema       = "public"
)

const (
	eventJoin        = "phx_join"
	eventReply       = "phx_reply"
	eventError       = "phx_error"
	eventClose       = "phx_close"
	eventHeartbeat   = "heartbeat"
	eventAccessToken = "access_token"
	eventChanges     = "postgres_changes"
	eventSystem      = "system"
)

var (
	errHeartbeatTimeout = errors.New("heartbeat timeout")
	errChannelClosed    = errors.New("channel closed by server")
)

// wsConn abstracts the websocket so the client can be tested without a
// server. *websocket.Conn satisfies it.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// dialer opens a websocket to url.
type dialer func(ctx context.Context, url string) (wsConn, error)

// Identity resolves the user whose rows are followed.
type Identity interface {
	GetUser(ctx context.Context) (*models.User, error)
}

// TokenSource supplies the access token the channel is authorized with.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Sink receives row changes. *apikeys.Manager implements it.
type Sink interface {
	ApplyChange(change models.KeyChange)
}

// Config describes the feed.
type Config struct {
	ProviderURL string
	AnonKey     string
	Table       string
	Identity    Identity
	Tokens      TokenSource
	Sink        Sink
}

// message is an outbound Phoenix frame.
type message struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref,omitempty"`
	JoinRef string `json:"join_ref,omitempty"`
}

type inboundMsg struct {
	data []byte
	err  error
}

// Client maintains the realtime subscription.
type Client struct {
	cfg    Config
	url    string
	dial   dialer
	logger *slog.Logger

	// ref numbers outbound frames. Only the goroutine running Run uses it.
	ref uint64

	connected atomic.Bool
}

// New validates cfg and builds a client. It returns ErrProviderUnconfigured
// when the provider URL or anon key is missing.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.ProviderURL == "" || cfg.AnonKey == "" {
		return nil, apperrors.ErrProviderUnconfigured
	}

	if cfg.Identity == nil || cfg.Tokens == nil || cfg.Sink == nil {
		return nil, errors.New("realtime: identity, token source and sink are required")
	}

	u, err := SocketURL(cfg.ProviderURL, cfg.AnonKey)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:    cfg,
		url:    u,
		dial:   dialWebsocket,
		logger: logger.With(slog.String("component", "realtime")),
	}, nil
}

// SocketURL returns the realtime endpoint for a provider base URL.
func SocketURL(providerURL, anonKey string) (string, error) {
	u, err := url.Parse(strings.TrimRight(providerURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parsing provider url: %w", err)
	}

	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported provider url scheme %q", u.Scheme)
	}

	u.Path += "/realtime/v1/websocket"
	u.RawQuery = url.Values{"apikey": {anonKey}, "vsn": {protocolVersion}}.Encode()

	return u.String(), nil
}

// RejectedError is a websocket handshake the server refused with a status
// that retrying soon will not change, such as a bad key or a missing
// endpoint.
type RejectedError struct {
	Status int
	Err    error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("realtime handshake rejected with %d: %v", e.Status, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// dialWebsocket classifies failures: refused handshakes are a
// RejectedError, everything else is transient.
func dialWebsocket(ctx context.Context, u string) (wsConn, error) {
	conn, resp, err := websocket.Dial(ctx, u, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		if resp != nil && !httpclient.IsTransientStatus(resp.StatusCode) {
			return nil, &RejectedError{Status: resp.StatusCode, Err: err}
		}

		return nil, &httpclient.TransientError{Err: fmt.Errorf("dialing realtime: %w: %w", apperrors.ErrNetwork, err)}
	}

	return conn, nil
}

// Connected reports whether the channel is currently joined.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) setConnected(v bool) {
	c.connected.Store(v)

	if v {
		metrics.RealtimeConnected.Set(1)
	} else {
		metrics.RealtimeConnected.Set(0)
	}
}

// Run keeps the subscription alive until ctx is cancelled, reconnecting
// with exponential backoff. While nobody is signed in it waits and
// retries.
func (c *Client) Run(ctx context.Context) error {
	backoff := reconnectMin

	for {
		joined, err := c.session(ctx)
		c.setConnected(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if joined {
			backoff = reconnectMin
		}

		var rejected *RejectedError

		switch {
		case errors.Is(err, apperrors.ErrNotAuthenticated):
			c.logger.Debug("waiting for sign-in", slog.Duration("backoff", backoff))
		case errors.As(err, &rejected):
			backoff = reconnectMax
			c.logger.Error("realtime handshake rejected",
				slog.Int("status", rejected.Status),
				slog.Duration("backoff", backoff),
			)
		default:
			c.logger.Warn("realtime connection lost",
				slog.String("error", err.Error()),
				slog.Bool("transient", httpclient.IsTransient(err)),
				slog.Duration("backoff", backoff),
			)
		}

		jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // jitter has no security impact

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	return min(d*reconnectBackoffMultiplier, reconnectMax)
}

// session runs one connection. joined reports whether the channel join
// succeeded before it ended.
func (c *Client) session(ctx context.Context) (joined bool, err error) {
	user, err := c.cfg.Identity.GetUser(ctx)
	if err != nil {
		return false, err
	}

	if user == nil || user.ID == "" {
		return false, apperrors.ErrNotAuthenticated
	}

	token, err := c.cfg.Tokens.AccessToken(ctx)
	if err != nil {
		return false, err
	}

	conn, err := c.dial(ctx, c.url)
	if err != nil {
		return false, err
	}

	defer conn.Close(websocket.StatusNormalClosure, "bye")

	conn.SetReadLimit(readLimit)

	topic := "realtime:" + c.table() + ":" + user.ID
	if err := c.join(ctx, conn, topic, user.ID, token); err != nil {
		return false, err
	}

	c.setConnected(true)
	c.logger.Info("realtime subscribed", slog.String("topic", topic))

	return true, c.listen(ctx, conn, topic, token)
}

func (c *Client) table() string {
	if c.cfg.Table == "" {
		return "User_API_Keys_manager"
	}

	return c.cfg.Table
}

func (c *Client) nextRef() string {
	c.ref++
	return strconv.FormatUint(c.ref, 10)
}

func (c *Client) send(ctx context.Context, conn wsConn, msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return conn.Write(ctx, websocket.MessageText, data)
}

// join subscribes to the user's rows and waits for the server's reply.
func (c *Client) join(ctx context.Context, conn wsConn, topic, userID, token string) error {
	ref := c.nextRef()

	payload := map[string]any{
		"config": map[string]any{
			"broadcast": map[string]any{"self": false},
			"presence":  map[string]any{"key": ""},
			"postgres_changes": []map[string]string{{
				"event":  "*",
				"schema": schema,
				"table":  c.table(),
				"filter": "user_id=eq." + userID,
			}},
		},
		"access_token": token,
	}

	if err := c.send(ctx, conn, message{Topic: topic, Event: eventJoin, Payload: payload, Ref: ref, JoinRef: ref}); err != nil {
		return fmt.Errorf("sending join: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading join reply: %w", err)
		}

		msg := gjson.ParseBytes(data)
		if msg.Get("event").String() != eventReply || msg.Get("ref").String() != ref {
			continue
		}

		if status := msg.Get("payload.status").String(); status != "ok" {
			reason := msg.Get("payload.response.reason").String()
			if reason == "" {
				reason = status
			}

			return fmt.Errorf("join rejected: %s", reason)
		}

		return nil
	}
}

func (c *Client) startReader(ctx context.Context, conn wsConn) <-chan inboundMsg {
	ch := make(chan inboundMsg, inboundChanSize)

	go func() {
		for {
			_, data, err := conn.Read(ctx)
			select {
			case ch <- inboundMsg{data: data, err: err}:
			case <-ctx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return ch
}

// listen is the event loop for one joined connection.
func (c *Client) listen(ctx context.Context, conn wsConn, topic, token string) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := c.startReader(connCtx, conn)

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	var pending string

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			if err := c.handle(msg.data, topic, &pending); err != nil {
				return err
			}

		case <-ticker.C:
			if pending != "" {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return errHeartbeatTimeout
			}

			pending = c.nextRef()
			if err := c.send(ctx, conn, message{Topic: phoenixTopic, Event: eventHeartbeat, Payload: struct{}{}, Ref: pending}); err != nil {
				return fmt.Errorf("sending heartbeat: %w", err)
			}

			next, err := c.rotateToken(ctx, conn, topic, token)
			if err != nil {
				return err
			}

			token = next

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// rotateToken pushes a refreshed access token to the channel. A sign-out
// ends the connection.
func (c *Client) rotateToken(ctx context.Context, conn wsConn, topic, current string) (string, error) {
	token, err := c.cfg.Tokens.AccessToken(ctx)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotAuthenticated) {
			return "", err
		}

		c.logger.Debug("reading access token", slog.String("error", err.Error()))

		return current, nil
	}

	if token == current {
		return current, nil
	}

	msg := message{Topic: topic, Event: eventAccessToken, Payload: map[string]string{"access_token": token}, Ref: c.nextRef()}
	if err := c.send(ctx, conn, msg); err != nil {
		return "", fmt.Errorf("sending access token: %w", err)
	}

	return token, nil
}

// handle processes one inbound frame. pending is the ref of the heartbeat
// awaiting a reply.
func (c *Client) handle(data []byte, topic string, pending *string) error {
	msg := gjson.ParseBytes(data)
	if !msg.IsObject() {
		c.logger.Debug("unparseable frame", slog.Int("bytes", len(data)))
		return nil
	}

	msgTopic := msg.Get("topic").String()
	event := msg.Get("event").String()

	if msgTopic == phoenixTopic {
		if event == eventReply && msg.Get("ref").String() == *pending {
			*pending = ""
		}

		return nil
	}

	if msgTopic != topic {
		return nil
	}

	switch event {
	case eventChanges:
		change, err := decodeChange(msg.Get("payload.data"))
		if err != nil {
			c.logger.Debug("skipping change", slog.String("error", err.Error()))
			return nil
		}

		metrics.RealtimeChanges.WithLabelValues(string(change.Type)).Inc()
		c.cfg.Sink.ApplyChange(change)

	case eventError:
		return fmt.Errorf("channel error: %s", msg.Get("payload").Raw)

	case eventClose:
		return errChannelClosed

	case eventSystem:
		if msg.Get("payload.status").String() == "error" {
			return fmt.Errorf("realtime system error: %s", msg.Get("payload.message").String())
		}

	case eventReply:
		if status := msg.Get("payload.status").String(); status != "ok" {
			c.logger.Warn("realtime request failed",
				slog.String("status", status),
				slog.String("reason", msg.Get("payload.response.reason").String()),
			)
		}
	}

	return nil
}

// decodeChange reads a postgres_changes data object.
func decodeChange(data gjson.Result) (models.KeyChange, error) {
	typ := data.Get("type")
	if !typ.Exists() {
		typ = data.Get("eventType")
	}

	change := models.KeyChange{Type: models.ChangeType(strings.ToUpper(typ.String()))}

	switch change.Type {
	case models.ChangeInsert, models.ChangeUpdate, models.ChangeDelete:
	default:
		return models.KeyChange{}, fmt.Errorf("unknown change type %q", typ.String())
	}

	if rec := data.Get("record"); rec.IsObject() {
		if err := json.Unmarshal([]byte(rec.Raw), &change.Record); err != nil {
			return models.KeyChange{}, fmt.Errorf("decoding record: %w", err)
		}
	}

	if old := data.Get("old_record"); old.IsObject() {
		if err := json.Unmarshal([]byte(old.Raw), &change.OldRecord); err != nil {
			return models.KeyChange{}, fmt.Errorf("decoding old record: %w", err)
		}
	}

	return change, nil
}
