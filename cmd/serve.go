package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/sessions"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/urekai/urekai-engine/pkg/audit"
	"github.com/urekai/urekai-engine/pkg/auth"
	"github.com/urekai/urekai-engine/pkg/database"
	"github.com/urekai/urekai-engine/pkg/handlers"
	"github.com/urekai/urekai-engine/pkg/middleware"
	"github.com/urekai/urekai-engine/pkg/services"
)

const shutdownTimeout = 30 * time.Second

var noWorkers bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the ingestion workers",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&noWorkers, "no-workers", false, "Serve HTTP only; do not process the ingestion queues")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := migrate(a.cfg, a.logger); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              net.JoinHostPort(a.cfg.BindAddr, a.cfg.Port),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	if !noWorkers {
		listener, dispatcher := a.workers()
		g.Go(func() error { return dispatcher.Run(ctx) })
		g.Go(func() error { return listener.Run(ctx) })
	}

	g.Go(func() error {
		a.logger.Info("Starting urekai-engine",
			zap.String("addr", server.Addr),
			zap.String("version", a.cfg.Version),
			zap.Bool("workers", !noWorkers))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("Server stopped")
	return nil
}

func (a *app) routes() http.Handler {
	cfg := a.cfg

	validator := auth.NewHMACValidator(cfg.Auth.JWTSecret, cfg.Auth.EnableVerification)
	var store sessions.Store
	if cfg.Auth.SessionKey != "" {
		store = auth.NewSessionStore(cfg.Auth.SessionKey, cfg.Auth.SessionMaxAge, !cfg.IsLocal())
	}
	allowHeaderIDs := !cfg.Auth.EnableVerification && cfg.IsLocal()
	authService := auth.NewAuthService(validator, store, allowHeaderIDs, a.logger)
	authMiddleware := auth.NewMiddleware(authService, a.logger)
	scopeMiddleware := handlers.ScopeMiddleware(database.WithScope(a.scopes, a.logger))

	uploads := services.NewUploadService(a.queueRepo, a.metadataRepo, a.materializer,
		cfg.Storage.UploadDir, cfg.Storage.MaxUploadSize, a.logger)
	orchestrator := services.NewQueryOrchestrator(a.gateway, a.metadataRepo,
		services.NewQueryExecutor(cfg.Query.StatementTimeout), a.retryCfg, cfg.Query.MaxIterations, a.logger,
		services.WithSecurityAuditor(audit.NewSecurityAuditor(a.logger)))

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, a.db.Pool, a.logger).RegisterRoutes(mux)
	handlers.NewDataHandler(uploads, a.logger).RegisterRoutes(mux, authMiddleware, scopeMiddleware)
	handlers.NewQueryHandler(orchestrator, cfg.AllowedOrigins, a.logger).RegisterRoutes(mux, authMiddleware, scopeMiddleware)

	return middleware.Recoverer(a.logger)(middleware.RequestLogger(a.logger)(mux))
}
