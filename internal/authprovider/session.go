package authprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/memhub/console/internal/errors"
	"github.com/memhub/console/internal/models"
)

// tokenClaims are the access token claims the client reads. Tokens are
// never verified here; the auth service does that on every request.
type tokenClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

func parseClaims(token string) (*tokenClaims, error) {
	claims := &tokenClaims{}

	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parsing access token: %w", err)
	}

	return claims, nil
}

// decodeSession parses a token grant response and fills the expiry and
// identity from the access token claims when the body omits them.
func (c *Client) decodeSession(body []byte) (*models.Session, error) {
	var sess models.Session
	if err := json.Unmarshal(body, &sess); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrDecode, err)
	}

	if sess.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access_token", apperrors.ErrDecode)
	}

	c.fillFromClaims(&sess)

	return &sess, nil
}

func (c *Client) fillFromClaims(sess *models.Session) {
	needExpiry := sess.ExpiresAt == 0
	needUser := sess.User == nil || sess.User.ID == ""

	if !needExpiry && !needUser {
		return
	}

	claims, err := parseClaims(sess.AccessToken)
	if err != nil {
		c.logger.Debug("access token claims unavailable", slog.String("error", err.Error()))

		if needExpiry && sess.ExpiresIn > 0 {
			sess.ExpiresAt = c.now().Unix() + sess.ExpiresIn
		}

		return
	}

	if needExpiry {
		switch {
		case claims.ExpiresAt != nil:
			sess.ExpiresAt = claims.ExpiresAt.Unix()
		case sess.ExpiresIn > 0:
			sess.ExpiresAt = c.now().Unix() + sess.ExpiresIn
		}
	}

	if needUser && claims.Subject != "" {
		if sess.User == nil {
			sess.User = &models.User{}
		}

		sess.User.ID = claims.Subject
		if sess.User.Email == "" {
			sess.User.Email = claims.Email
		}
	}
}

// refreshMargin is how close to expiry a session must be before it is
// refreshed.
func (c *Client) refreshMargin() time.Duration {
	return refreshThresholdTicks * c.tick
}

func (c *Client) needsRefresh(sess *models.Session) bool {
	if sess.ExpiresAt == 0 {
		return false
	}

	expires := time.Unix(sess.ExpiresAt, 0)

	return expires.Sub(c.now()) < c.refreshMargin()
}

// GetSession returns the persisted session, refreshing it first when it is
// expired or about to expire. It returns nil without error when nobody is
// signed in.
func (c *Client) GetSession(ctx context.Context) (*models.Session, error) {
	if !c.configured {
		return nil, apperrors.ErrProviderUnconfigured
	}

	sess, err := c.storage.Session()
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	if sess == nil {
		return nil, nil
	}

	if sess.ExpiresAt == 0 {
		c.fillFromClaims(sess)
	}

	if !c.needsRefresh(sess) {
		return sess, nil
	}

	return c.refresh(ctx, sess)
}

// AccessToken returns the access token of the current session.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	sess, err := c.GetSession(ctx)
	if err != nil {
		return "", err
	}

	if sess == nil || sess.AccessToken == "" {
		return "", apperrors.ErrNotAuthenticated
	}

	return sess.AccessToken, nil
}

// RefreshSession forces a token refresh of the current session.
func (c *Client) RefreshSession(ctx context.Context) (*models.Session, error) {
	if !c.configured {
		return nil, apperrors.ErrProviderUnconfigured
	}

	sess, err := c.storage.Session()
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	if sess == nil {
		return nil, apperrors.ErrNotAuthenticated
	}

	return c.refresh(ctx, sess)
}

func (c *Client) refresh(ctx context.Context, stale *models.Session) (*models.Session, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Another caller may have refreshed while this one waited.
	current, err := c.storage.Session()
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	if current == nil {
		return nil, nil
	}

	if current.AccessToken != stale.AccessToken && !c.needsRefresh(current) {
		return current, nil
	}

	if current.RefreshToken == "" {
		return nil, c.expire("session has no refresh token")
	}

	resp, err := c.do(ctx, http.MethodPost, "/token", url.Values{"grant_type": {"refresh_token"}}, "",
		map[string]string{"refresh_token": current.RefreshToken})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.rejected() {
			if clearErr := c.expire(apiErr.Message); clearErr != nil {
				return nil, clearErr
			}

			return nil, fmt.Errorf("refreshing session: %w: %w", apperrors.ErrNotAuthenticated, err)
		}

		return nil, fmt.Errorf("refreshing session: %w", err)
	}

	sess, err := c.decodeSession(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("refreshing session: %w", err)
	}

	if sess.User == nil {
		sess.User = current.User
	}

	if err := c.persist(sess); err != nil {
		return nil, err
	}

	c.logger.Debug("session refreshed", slog.Int64("expires_at", sess.ExpiresAt))
	c.emit(models.EventTokenRefreshed, sess)

	return sess, nil
}

// expire drops a session the server no longer accepts.
func (c *Client) expire(reason string) error {
	c.logger.Info("session expired, signing out", slog.String("reason", reason))

	if err := c.clear(); err != nil {
		return err
	}

	c.emit(models.EventSignedOut, nil)

	return nil
}

func (c *Client) persist(sess *models.Session) error {
	if err := c.storage.SetSession(sess); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	c.setKnown(sess)

	return nil
}

func (c *Client) clear() error {
	if err := c.storage.ClearSession(); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}

	c.setKnown(nil)

	return nil
}

func (c *Client) setKnown(sess *models.Session) {
	c.knownMu.Lock()
	defer c.knownMu.Unlock()

	if sess == nil {
		c.known = nil
		return
	}

	cp := *sess
	c.known = &cp
}
