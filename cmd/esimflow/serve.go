package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	handler "github.com/neomorfeo/esimflow/internal/adapter/http"
	"github.com/neomorfeo/esimflow/internal/adapter/otel"
	"github.com/neomorfeo/esimflow/internal/adapter/prometheus"
	"github.com/neomorfeo/esimflow/internal/adapter/qr"
	riveradapter "github.com/neomorfeo/esimflow/internal/adapter/river"
	"github.com/neomorfeo/esimflow/internal/adapter/sqlite"
	"github.com/neomorfeo/esimflow/internal/adapter/token"
	"github.com/neomorfeo/esimflow/internal/app"
	"github.com/neomorfeo/esimflow/internal/config"
	"github.com/neomorfeo/esimflow/internal/logging"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.RequireJWT(); err != nil {
				return err
			}

			logger, err := newLogger(cfg, "api")
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}
}

// server is the assembled process: the HTTP handler, the job queue and
// everything that must be released on exit.
type server struct {
	handler http.Handler
	queue   *riveradapter.Client
	store   *sqlite.Store
}

func (s *server) Close() error {
	return s.store.Close()
}

// newServer wires adapters, services and routes. The queue is created but
// not started.
func newServer(ctx context.Context, cfg config.Config, logger *zap.Logger) (*server, error) {
	// --- Adapters (out) ---
	db, err := otel.OpenDB(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	store, err := sqlite.NewFromDB(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("database: %w", err)
	}

	// Workers call back into services that need the client themselves;
	// handlers are filled in below, before the client starts.
	handlers := &riveradapter.Handlers{}
	queue, err := riveradapter.Setup(ctx, db, handlers, riveradapter.Options{
		PurgeInterval: cfg.ArtifactPurgeInterval,
		Logger:        logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("queue: %w", err)
	}

	metrics := prometheus.NewCollector(cfg.MetricsPrefix)

	deps := baseDeps(store, logger)
	deps.Profiles = otel.NewTracingProfileRepository(store.Profiles())
	deps.Audit = app.NewAuditRecorder(otel.NewTracingAuditSink(riveradapter.NewAuditPublisher(queue)), logger, nil)
	deps.Metrics = metrics

	exec, probe := deviceAdapters(cfg, logger)

	// --- Application ---
	profiles := app.NewProfileService(deps)
	verifier := app.NewActivationVerifier(probe, verifyPolicy(cfg), nil, logger)
	migrations := app.NewMigrationService(deps, profiles, otel.NewTracingExecutor(exec), verifier, executorTimeouts(cfg))
	artifacts := app.NewArtifactService(deps, qr.Renderer{}, cfg.ArtifactTTL)
	auditLog := app.NewAuditLog(deps, store.Audit())

	handlers.Audit = store.Audit()
	handlers.Migrations = migrations
	handlers.Artifacts = artifacts

	authority, err := token.NewAuthority(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("token authority: %w", err)
	}

	// --- Adapters (in) ---
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(logging.RequestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(otelchi.Middleware("esimflow", otelchi.WithChiRoutes(router)))

	router.Handle("/metrics", metrics.Handler())

	api := humachi.New(router, handler.APIConfig("esimflow", version))
	api.UseMiddleware(handler.Authenticate(api, authority))
	handler.Register(api, handler.Services{
		Profiles:   profiles,
		Migrations: migrations,
		Artifacts:  artifacts,
		AuditLog:   auditLog,
		Queue:      riveradapter.NewMigrationQueue(queue),
		Logger:     logger,
	})

	return &server{handler: router, queue: queue, store: store}, nil
}

// serve runs until ctx is cancelled, then shuts down within
// cfg.ShutdownTimeout.
func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	otelCfg, err := otel.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("otel config: %w", err)
	}
	providers, err := otel.Setup(ctx, otelCfg)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}

	srv, err := newServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	// Stopping is explicit below; a cancelled ctx must not abort running jobs.
	if err := srv.queue.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("starting queue: %w", err)
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		logger.Info("esimflow listening",
			zap.String("addr", httpSrv.Addr),
			zap.String("docs", "http://localhost:"+cfg.Port+"/docs"),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		logger.Error("server stopped", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	if err := srv.queue.Stop(shutdownCtx); err != nil {
		logger.Error("queue shutdown", zap.Error(err))
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Error("otel shutdown", zap.Error(err))
	}

	logger.Info("stopped")
	if serveErr != nil {
		return fmt.Errorf("server: %w", serveErr)
	}
	return nil
}
