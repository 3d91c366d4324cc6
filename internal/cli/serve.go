package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/memhub/console/internal/clipboard"
	"github.com/memhub/console/internal/dashboard"
	"github.com/memhub/console/internal/logging"
	"github.com/memhub/console/internal/mcpserver"
	"github.com/memhub/console/internal/realtime"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	listen     string
	noRealtime bool
	noMCP      bool
}

func newServeCmd(opts *rootOptions, version string) *cobra.Command {
	var so serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard API",
		Long: `Run the dashboard API server. It keeps the saved session fresh, follows
sign-ins made by other memhub processes, applies key changes pushed by the
realtime feed and serves the MCP tools at /mcp.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, so, version)
		},
	}

	cmd.Flags().StringVar(&so.listen, "listen", "", "listen address (overrides DASHBOARD_LISTEN_ADDR)")
	cmd.Flags().BoolVar(&so.noRealtime, "no-realtime", false, "do not subscribe to key changes")
	cmd.Flags().BoolVar(&so.noMCP, "no-mcp", false, "do not serve the MCP endpoint")

	return cmd
}

func runServe(ctx context.Context, opts *rootOptions, so serveOptions, version string) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	if so.listen != "" {
		cfg.DashboardListenAddr = so.listen
	}

	if err := cfg.ValidateDashboard(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	users, err := cfg.ParseDashboardUsers()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("memhub starting",
		slog.String("version", version),
		slog.String("keystore", cfg.KeystoreBackend),
		slog.Bool("realtime", cfg.RealtimeEnabled && !so.noRealtime),
		slog.Bool("mcp", !so.noMCP),
	)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	v := a.sessions.Initialize(ctx)
	if v.Authenticated {
		logger.Info("session loaded", slog.String("email", v.Email))
	} else {
		logger.Info("no session, waiting for sign-in")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(a.provider.AutoRefresh(gctx))
	})

	g.Go(func() error {
		return ignoreCanceled(a.provider.WatchStorage(gctx, a.state.Path()))
	})

	srvCfg := dashboard.Config{
		Sessions:       a.sessions,
		Keys:           a.keys,
		Clipboard:      clipboard.New(os.Stderr, logger),
		Users:          users,
		AllowedOrigins: cfg.DashboardAllowedOrigins,
		CreateRate:     cfg.DashboardCreateRate,
		Logger:         logger,
	}

	if cfg.RealtimeEnabled && !so.noRealtime && cfg.AuthConfigured() {
		feed, err := realtime.New(realtime.Config{
			ProviderURL: cfg.SupabaseURL,
			AnonKey:     cfg.SupabaseAnonKey,
			Table:       cfg.KeystoreTable,
			Identity:    a.provider,
			Tokens:      a.provider,
			Sink:        a.keys,
		}, logger)
		if err != nil {
			return fmt.Errorf("creating realtime feed: %w", err)
		}

		srvCfg.Feed = feed

		g.Go(func() error {
			return ignoreCanceled(feed.Run(gctx))
		})
	}

	if !so.noMCP {
		mcpServer := mcp.NewServer(
			&mcp.Implementation{Name: "memhub", Version: version},
			nil,
		)
		mcpserver.RegisterTools(mcpServer, a.sessions, a.keys)

		srvCfg.MCP = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return mcpServer
		}, nil)
	}

	server := &http.Server{
		Addr:         cfg.DashboardListenAddr,
		Handler:      dashboard.NewServer(srvCfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down dashboard server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		logger.Info("starting dashboard server",
			slog.String("listen", cfg.DashboardListenAddr),
			slog.Int("users", len(users)),
		)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("dashboard server error: %w", err)
		}

		return nil
	})

	return g.Wait()
}

// ignoreCanceled treats a cancelled context as a clean stop.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
