package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/memhub/console/internal/apikeys"
	"github.com/memhub/console/internal/authprovider"
	"github.com/memhub/console/internal/config"
	"github.com/memhub/console/internal/dashboard"
	"github.com/memhub/console/internal/issuer"
	"github.com/memhub/console/internal/keystore"
	"github.com/memhub/console/internal/logging"
	"github.com/memhub/console/internal/mcpserver"
	"github.com/memhub/console/internal/models"
	"github.com/memhub/console/internal/session"
	"github.com/memhub/console/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testUsername = "operator"
	testPassword = "operator-pass"
	userEmail    = "ada@example.com"
	userPassword = "correct horse"
	userID       = "user-1"
	seededKey    = "sk_mem_seeded000000000SEED0001"
)

// provider fakes the auth service and the issuance API. Issued keys are
// written to the key store, as the real issuance service does.
type provider struct {
	URL   string
	store *keystore.SQL

	mu      sync.Mutex
	counter int
}

func newProvider(t *testing.T, store *keystore.SQL) *provider {
	t.Helper()

	p := &provider{store: store}

	srv := httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(srv.Close)

	p.URL = srv.URL

	return p
}

func (p *provider) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	user := map[string]any{
		"id":            userID,
		"email":         userEmail,
		"user_metadata": map[string]any{"full_name": "Ada Lovelace"},
	}

	switch r.URL.Path {
	case "/auth/v1/token":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)

		if body["password"] != userPassword {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error_description":"Invalid login credentials"}`))

			return
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-token",
			"refresh_token": "refresh-token",
			"expires_at":    time.Now().Add(time.Hour).Unix(),
			"user":          user,
		})

	case "/auth/v1/user":
		_ = json.NewEncoder(w).Encode(user)

	case "/auth/v1/logout":
		w.WriteHeader(http.StatusNoContent)

	case "/api/generate-api-key":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)

		p.mu.Lock()
		p.counter++
		key := "sk_mem_issued00000000000ISSUE" + string(rune('0'+p.counter))
		p.mu.Unlock()

		rec := models.KeyRecord{
			UserID:      body["user_id"],
			ProjectName: body["Project_Name"],
			APIKey:      key,
			ExpiresAt:   models.UnixTimestamp(-1),
			CreatedAt:   models.UnixTimestamp(time.Now().Unix()),
		}

		if err := p.store.Insert(r.Context(), rec); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"detail":"insert failed"}`))

			return
		}

		_ = json.NewEncoder(w).Encode(rec)

	default:
		http.NotFound(w, r)
	}
}

// harness is one memhub process: real components over a shared state
// directory, served through the dashboard API with MCP mounted at /mcp.
type harness struct {
	URL      string
	Client   *http.Client
	Provider *authprovider.Client
	StateDir string
}

// newStack creates the shared backend: the fake provider and a SQLite key
// store seeded with one key.
func newStack(t *testing.T) (*provider, string) {
	t.Helper()

	store, err := keystore.OpenSQL(filepath.Join(t.TempDir(), "keys.db"), keystore.DefaultTable, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Insert(context.Background(), models.KeyRecord{
		UserID:      userID,
		ProjectName: "seeded",
		APIKey:      seededKey,
		ExpiresAt:   models.UnixTimestamp(-1),
		CreatedAt:   models.UnixTimestamp(1_700_000_000),
	}))

	return newProvider(t, store), t.TempDir()
}

// newHarness wires a memhub process against p using stateDir. The session
// watcher runs until the test ends.
func newHarness(t *testing.T, p *provider, stateDir string) *harness {
	t.Helper()

	logger := logging.Discard()

	st, err := state.Load(stateDir)
	require.NoError(t, err)

	auth := authprovider.New(p.URL, "anon-key", logger, authprovider.WithStorage(st))
	iss := issuer.New(p.URL+"/api/generate-api-key", nil, logger)

	keys := apikeys.NewManager(auth, iss, p.store, logger, apikeys.WithCache(st))
	t.Cleanup(keys.Close)

	sessions := session.New(auth, logger)
	t.Cleanup(sessions.Close)

	unsubscribe := sessions.Store().Subscribe(func(v session.View) {
		if !v.Authenticated {
			keys.Reset()
		}
	})
	t.Cleanup(unsubscribe)

	sessions.Initialize(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = auth.WatchStorage(ctx, st.Path())
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "memhub-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, sessions, keys)

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	handler := dashboard.NewServer(dashboard.Config{
		Sessions:   sessions,
		Keys:       keys,
		Users:      config.UserCredentials{testUsername: hash},
		CreateRate: 100,
		Logger:     logger,
		MCP: mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return mcpServer
		}, nil),
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &harness{
		URL:      srv.URL,
		Client:   &http.Client{Transport: &basicAuthTransport{base: srv.Client().Transport}},
		Provider: auth,
		StateDir: stateDir,
	}
}

// do sends a request with basic auth and decodes a JSON body into out
// when out is non-nil.
func (h *harness) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)

		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(t.Context(), method, h.URL+path, r)
	require.NoError(t, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp.StatusCode
}

func (h *harness) signIn(t *testing.T) {
	t.Helper()

	var v session.View

	code := h.do(t, http.MethodPost, "/api/session/signin", map[string]string{
		"email":    userEmail,
		"password": userPassword,
	}, &v)
	require.Equal(t, http.StatusOK, code)
	require.True(t, v.Authenticated)
}

func (h *harness) listKeys(t *testing.T) apikeys.Snapshot {
	t.Helper()

	var snap apikeys.Snapshot

	code := h.do(t, http.MethodGet, "/api/keys?refresh=true", nil, &snap)
	require.Equal(t, http.StatusOK, code)

	return snap
}

// mcpSession connects an MCP client to /mcp with basic auth.
func (h *harness) mcpSession(t *testing.T) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint:   h.URL + "/mcp",
		HTTPClient: h.Client,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	cs, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })

	return cs
}

// basicAuthTransport adds the operator credentials to every request.
type basicAuthTransport struct {
	base http.RoundTripper
}

func (bt *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(testUsername, testPassword)

	return bt.base.RoundTrip(req)
}
