package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/memhub/console/internal/apikeys"
	"github.com/memhub/console/internal/authprovider"
	"github.com/memhub/console/internal/config"
	"github.com/memhub/console/internal/issuer"
	"github.com/memhub/console/internal/keystore"
	"github.com/memhub/console/internal/logging"
	"github.com/memhub/console/internal/session"
	"github.com/memhub/console/internal/state"
)

// defaultCommandLevel keeps one-shot commands quiet unless asked.
const defaultCommandLevel = "warn"

// loadConfig reads the environment and applies the persistent flags.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.stateDir != "" {
		// config.Load resolves and expands STATE_DIR.
		if err := os.Setenv("STATE_DIR", o.stateDir); err != nil {
			return nil, fmt.Errorf("setting state dir: %w", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}

	return cfg, nil
}

// commandLogger is the logger for commands other than serve.
func (o *rootOptions) commandLogger(cfg *config.Config) *slog.Logger {
	level := o.logLevel
	if level == "" {
		level = defaultCommandLevel
	}

	return logging.NewLogger(cfg.Environment, level)
}

// app is the wired set of components every command works with.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	state    *state.State
	provider *authprovider.Client
	issuer   *issuer.Client
	store    keystore.Store
	sessions *session.Synchronizer
	keys     *apikeys.Manager

	unsubscribe func()
}

// newApp builds the components from cfg. The session is not loaded yet;
// callers decide when to Initialize.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := state.Load(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	if !cfg.AuthConfigured() {
		logger.Warn("SUPABASE_URL or SUPABASE_ANON_KEY is not set, sign-in is disabled")
	}

	provider := authprovider.New(cfg.SupabaseURL, cfg.SupabaseAnonKey, logger, authprovider.WithStorage(st))

	endpoint, err := cfg.IssuerURL()
	if err != nil {
		return nil, err
	}

	iss := issuer.New(endpoint, nil, logger)

	var store keystore.Store

	switch cfg.KeystoreBackend {
	case config.BackendSQL:
		sqlStore, err := keystore.OpenSQL(cfg.KeystoreDSN, cfg.KeystoreTable, logger)
		if err != nil {
			return nil, fmt.Errorf("opening key store: %w", err)
		}

		store = sqlStore
	default:
		store = keystore.NewREST(cfg.SupabaseURL, cfg.SupabaseAnonKey, cfg.KeystoreTable, provider, nil, logger)
	}

	keys := apikeys.NewManager(provider, iss, store, logger, apikeys.WithCache(st))
	sessions := session.New(provider, logger)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		state:    st,
		provider: provider,
		issuer:   iss,
		store:    store,
		sessions: sessions,
		keys:     keys,
	}

	// A different or missing user invalidates the loaded key list.
	a.unsubscribe = sessions.Store().Subscribe(func(v session.View) {
		if !v.Authenticated || v.UserID != keys.UserID() {
			keys.Reset()
		}
	})

	return a, nil
}

// Close releases the components in reverse order of construction.
func (a *app) Close() {
	a.unsubscribe()
	a.sessions.Close()
	a.keys.Close()

	if c, ok := a.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("closing key store", slog.String("error", err.Error()))
		}
	}
}
