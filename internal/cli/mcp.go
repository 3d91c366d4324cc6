package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/memhub/console/internal/logging"
	"github.com/memhub/console/internal/mcpserver"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newMCPCmd(opts *rootOptions, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the key tools to an AI agent over stdio",
		Long: `Start a Model Context Protocol server on stdin/stdout exposing whoami and
the API key tools. Sign in with 'memhub login' first; the server follows
sign-ins and sign-outs made while it runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(cmd.Context(), opts, version)
		},
	}
}

// ServeMCP runs the stdio MCP server with configuration from the
// environment.
func ServeMCP(ctx context.Context, version string) error {
	return runMCP(ctx, &rootOptions{}, version)
}

func runMCP(ctx context.Context, opts *rootOptions, version string) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	// stdout carries the protocol; logs go to stderr.
	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel).With(slog.String("service", "mcp"))

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.sessions.Initialize(ctx)

	server := mcp.NewServer(
		&mcp.Implementation{Name: "memhub-mcp", Version: version},
		nil,
	)
	mcpserver.RegisterTools(server, a.sessions, a.keys)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(a.provider.AutoRefresh(gctx))
	})

	g.Go(func() error {
		return ignoreCanceled(a.provider.WatchStorage(gctx, a.state.Path()))
	})

	g.Go(func() error {
		defer stop()

		logger.Info("serving MCP over stdio", slog.String("version", version))

		// The client closing stdin ends the session.
		if err := server.Run(gctx, &mcp.StdioTransport{}); err != nil && gctx.Err() == nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("MCP server error: %w", err)
		}

		return nil
	})

	return g.Wait()
}
