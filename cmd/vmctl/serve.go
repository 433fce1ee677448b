package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jamesprial/vmctl/internal/app"
	"github.com/jamesprial/vmctl/internal/auth"
	"github.com/jamesprial/vmctl/internal/config"
	"github.com/jamesprial/vmctl/internal/safety"
	"github.com/jamesprial/vmctl/internal/tools"
	"github.com/jamesprial/vmctl/internal/vm"
)

const (
	mcpPath         = "/mcp"
	shutdownTimeout = 15 * time.Second
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server",
		Long: `Serve the VM tools over MCP streamable HTTP, with Prometheus metrics on
the configured path. SIGHUP reloads the configuration; SIGINT and SIGTERM
shut down gracefully.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withState(cmd.Context(), func(s *app.State) error {
				return serve(cmd.Context(), s)
			})
		},
	}
}

func serve(ctx context.Context, state *app.State) error {
	// The server settings are fixed at startup; work on a copy so the shared
	// config stays read-only.
	snapshot := *state.Config()
	cfg := &snapshot

	tokenBefore := cfg.Server.AuthToken
	token, err := config.EnsureAuthToken(cfg)
	switch {
	case err != nil:
		log.G(ctx).WithError(err).Warn("could not generate auth token, running without authentication")
	case tokenBefore == "":
		log.G(ctx).WithField("token", token).Warn("generated auth token, set VMCTL_AUTH_TOKEN to persist it")
	}

	audit, closeAudit := openAudit(ctx, cfg)
	defer func() {
		if err := closeAudit.Close(); err != nil {
			log.G(ctx).WithError(err).Warn("close audit log")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           newHandler(state, cfg, audit),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				_ = state.Reload(ctx)
			}
		}
	}()

	errc := make(chan error, 1)
	go func() {
		log.G(ctx).WithField("addr", addr).Info("vmctl listening")
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.G(ctx).Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.G(ctx).Info("server stopped")
	return nil
}

// newHandler wires the MCP endpoint and the metrics endpoint behind bearer
// authentication. The token is fixed for the life of the handler.
func newHandler(state *app.State, cfg *config.Config, audit *safety.AuditLogger) http.Handler {
	mcpServer := server.NewMCPServer(
		"vmctl",
		version,
		server.WithToolCapabilities(false),
	)
	confirm := safety.NewConfirmationTracker(vm.DestructiveTools)
	registrations := vm.VMTools(state.Manager(), state.Filter, confirm, audit)
	tools.RegisterAll(mcpServer, registrations)
	log.L.WithField("tools", tools.Names(registrations)).Debug("registered mcp tools")

	mux := http.NewServeMux()
	mux.Handle(mcpPath, server.NewStreamableHTTPServer(mcpServer))
	if cfg.Metrics.Enabled && cfg.Metrics.Path != mcpPath {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(state.Gatherer(), promhttp.HandlerOpts{}))
	}
	return auth.NewAuthMiddleware(cfg.Server.AuthToken)(mux)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openAudit opens the audit log when enabled. Failure disables auditing
// rather than the server.
func openAudit(ctx context.Context, cfg *config.Config) (*safety.AuditLogger, io.Closer) {
	if !cfg.Audit.Enabled {
		return nil, nopCloser{}
	}
	audit, closer, err := safety.OpenAuditLog(cfg.Audit.LogPath)
	if err != nil {
		log.G(ctx).WithError(err).WithField("path", cfg.Audit.LogPath).Warn("audit logging disabled")
		return nil, nopCloser{}
	}
	return audit, closer
}
