// Package dashboard serves the JSON API behind the web dashboard: session
// sign-in and sign-out, and management of the signed-in user's API keys.
package dashboard

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/memhub/console/internal/apikeys"
	"github.com/memhub/console/internal/clipboard"
	"github.com/memhub/console/internal/config"
	"github.com/memhub/console/internal/models"
	"github.com/memhub/console/internal/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxRequestBody = 64 * 1024

// Sessions is the session synchronizer as seen by the API.
type Sessions interface {
	Current() session.View
	SignIn(ctx context.Context, email, password string) (session.View, error)
	SignUp(ctx context.Context, email, password string) (session.View, string, error)
	SignOut(ctx context.Context) error
}

// Keys is the key manager as seen by the API.
type Keys interface {
	Snapshot() apikeys.Snapshot
	Find(ref string) (models.KeyView, bool)
	List(ctx context.Context) ([]models.KeyView, error)
	Create(ctx context.Context, name string, exp apikeys.Expiration) (models.KeyView, error)
	Rename(ctx context.Context, ref, name string) error
	Revoke(ctx context.Context, ref string, confirmer apikeys.Confirmer) error
	Reset()
}

// Feed reports realtime connectivity. It is optional.
type Feed interface {
	Connected() bool
}

// Clipboard is the host clipboard. It is optional; without it copy
// requests are refused.
type Clipboard interface {
	Copy(text string) (clipboard.Method, error)
	Copied() bool
}

// Config holds the server's dependencies and settings.
type Config struct {
	Sessions       Sessions
	Keys           Keys
	Feed           Feed
	Clipboard      Clipboard
	Users          config.UserCredentials
	AllowedOrigins []string
	CreateRate     int
	Logger         *slog.Logger

	// MCP, when set, is served at /mcp behind the same basic auth.
	MCP http.Handler
}

// Server is the dashboard API.
type Server struct {
	sessions Sessions
	keys     Keys
	feed     Feed
	clip     Clipboard
	logger   *slog.Logger
	router   chi.Router
}

// NewServer builds the router.
func NewServer(cfg Config) *Server {
	s := &Server{
		sessions: cfg.Sessions,
		keys:     cfg.Keys,
		feed:     cfg.Feed,
		clip:     cfg.Clipboard,
		logger:   cfg.Logger.With(slog.String("component", "dashboard")),
		router:   chi.NewRouter(),
	}

	rate := cfg.CreateRate
	if rate < 1 {
		rate = 10
	}

	r := s.router
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(metricsMiddleware)

	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(basicAuth(cfg.Users, s.logger))

		r.Handle("/metrics", promhttp.Handler())

		if cfg.MCP != nil {
			r.Handle("/mcp", cfg.MCP)
		}

		r.Route("/api", func(r chi.Router) {
			r.Get("/session", s.handleSession)
			r.Post("/session/signin", s.handleSignIn)
			r.Post("/session/signup", s.handleSignUp)
			r.Post("/session/signout", s.handleSignOut)

			r.Get("/keys", s.handleListKeys)
			r.With(httprate.LimitByIP(rate, time.Minute)).Post("/keys", s.handleCreateKey)
			r.Get("/keys/expirations", s.handleExpirations)
			r.Patch("/keys/{ref}", s.handleRenameKey)
			r.Delete("/keys/{ref}", s.handleRevokeKey)
			r.Get("/clipboard", s.handleClipboard)
		})
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.feed != nil {
		body["realtime"] = s.feed.Connected()
	}

	writeJSON(w, http.StatusOK, body)
}
