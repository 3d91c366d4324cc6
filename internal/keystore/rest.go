package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/memhub/console/internal/errors"
	"github.com/memhub/console/internal/httpclient"
	"github.com/memhub/console/internal/models"
)

// selectColumns is the projection requested when listing keys.
const selectColumns = "Project_Name,User_API_Key,Expires_At,Created_At,Last_Used,Project_Id"

var restErrorFields = []string{"message", "details", "hint", "error"}

// TokenSource supplies the signed-in user's access token.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// REST is a Store backed by a PostgREST table at {url}/rest/v1/{table}.
// Row level security on the server enforces ownership; the owner filter is
// also sent so a misconfigured policy cannot widen a write.
type REST struct {
	baseURL string
	anonKey string
	tokens  TokenSource
	http    *httpclient.Client
	logger  *slog.Logger
}

// NewREST creates a REST store. A nil http.Client selects the shared
// default.
func NewREST(providerURL, anonKey, table string, tokens TokenSource, hc *http.Client, logger *slog.Logger) *REST {
	if table == "" {
		table = DefaultTable
	}

	return &REST{
		baseURL: strings.TrimRight(providerURL, "/") + "/rest/v1/" + url.PathEscape(table),
		anonKey: anonKey,
		tokens:  tokens,
		http:    httpclient.New(hc),
		logger:  logger.With(slog.String("component", "keystore"), slog.String("backend", "rest")),
	}
}

func (s *REST) send(ctx context.Context, op, method string, query url.Values, prefer string, body any) (*httpclient.Response, error) {
	if s.anonKey == "" {
		return nil, apperrors.ErrProviderUnconfigured
	}

	token, err := s.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("apikey", s.anonKey)
	header.Set("Authorization", "Bearer "+token)

	if prefer != "" {
		header.Set("Prefer", prefer)
	}

	resp, err := s.http.Do(ctx, httpclient.Request{
		Method: method,
		URL:    s.baseURL + "?" + query.Encode(),
		Header: header,
		Body:   body,
	})
	if err != nil {
		return nil, fmt.Errorf("%s keys: %w", op, err)
	}

	if !resp.OK() {
		msg := httpclient.ErrorMessage(resp, restErrorFields...)
		s.logger.Warn("key store request failed",
			slog.String("op", op),
			slog.Int("status", resp.StatusCode),
			slog.String("message", msg),
		)

		return nil, &StoreError{Op: op, Status: resp.StatusCode, Message: msg}
	}

	return resp, nil
}

func eq(v string) string {
	return "eq." + v
}

// List implements Store.
func (s *REST) List(ctx context.Context, userID string) ([]models.KeyRecord, error) {
	q := url.Values{}
	q.Set("select", selectColumns)
	q.Set("user_id", eq(userID))
	q.Set("order", "Created_At.desc")

	resp, err := s.send(ctx, "list", http.MethodGet, q, "", nil)
	if err != nil {
		return nil, err
	}

	var rows []models.KeyRecord
	if err := json.Unmarshal(resp.Body, &rows); err != nil {
		return nil, fmt.Errorf("list keys: %w: %w", apperrors.ErrDecode, err)
	}

	return rows, nil
}

// Rename implements Store. The updated rows are requested back so an
// update that matched nothing can be told apart from a success.
func (s *REST) Rename(ctx context.Context, keyID, userID, name string) error {
	q := url.Values{}
	q.Set("User_API_Key", eq(keyID))
	q.Set("user_id", eq(userID))
	q.Set("select", "User_API_Key")

	resp, err := s.send(ctx, "rename", http.MethodPatch, q, "return=representation",
		map[string]string{"Project_Name": name})
	if err != nil {
		return err
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(resp.Body, &rows); err != nil {
		return fmt.Errorf("rename key: %w: %w", apperrors.ErrDecode, err)
	}

	if len(rows) == 0 {
		return apperrors.ErrKeyNotFound
	}

	return nil
}

// Delete implements Store.
func (s *REST) Delete(ctx context.Context, keyID, userID string) error {
	q := url.Values{}
	q.Set("User_API_Key", eq(keyID))
	q.Set("user_id", eq(userID))

	_, err := s.send(ctx, "delete", http.MethodDelete, q, "return=minimal", nil)

	return err
}
