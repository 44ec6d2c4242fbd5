// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/memvault/internal/api"
	"github.com/starford/memvault/internal/devstore"
	"github.com/starford/memvault/internal/entitystore"
	"github.com/starford/memvault/internal/envelope"
	"github.com/starford/memvault/internal/keyindex"
	"github.com/starford/memvault/internal/keys"
	"github.com/starford/memvault/internal/kv"
	"github.com/starford/memvault/internal/mcpserver"
	"github.com/starford/memvault/internal/memory"
	"github.com/starford/memvault/internal/remote/rpcclient"
	"github.com/starford/memvault/internal/sse"
)

const shutdownTimeout = 10 * time.Second

func newApplication(opts []Option, defaultOutput io.Writer) (*application, *slog.Logger, error) {
	app := &application{logOutput: defaultOutput, version: "dev"}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, nil, fmt.Errorf("config is required")
	}

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(app.logOutput, &slog.HandlerOptions{
		Level: app.config.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return app, logger, nil
}

// services is the memory stack shared by every run mode.
type services struct {
	store   kv.Store
	fs      *kv.FS
	index   *keyindex.Index
	adapter *entitystore.Adapter
	memory  *memory.Service
}

func buildServices(cfg *Config, logger *slog.Logger, notifier memory.Notifier) (*services, error) {
	s := &services{}
	switch cfg.Local.Backend {
	case BackendSQLite:
		db, err := kv.OpenSQLite(cfg.Local.Path)
		if err != nil {
			return nil, fmt.Errorf("init local store: %w", err)
		}
		s.store = db
	default:
		fs, err := kv.NewFS(cfg.Local.Path)
		if err != nil {
			return nil, fmt.Errorf("init local store: %w", err)
		}
		s.store, s.fs = fs, fs
	}

	idx, err := keyindex.Open(s.store, keyindex.DefaultName)
	if err != nil {
		s.store.Close()
		return nil, fmt.Errorf("init key index: %w", err)
	}
	s.index = idx

	client := rpcclient.New(cfg.Remote.Endpoints, cfg.Identity.Owner,
		rpcclient.WithTimeout(cfg.Remote.Timeout),
		rpcclient.WithLogger(logger),
	)

	s.adapter, err = entitystore.New(client, idx, entitystore.Config{
		Owner:             cfg.Identity.Owner,
		FailureThreshold:  cfg.Retrieval.FailureThreshold,
		PageSize:          cfg.Retrieval.PageSize,
		DefaultLimit:      cfg.Retrieval.DefaultLimit,
		EntityTTL:         cfg.Remote.EntityTTL,
		CacheSize:         cfg.Retrieval.CacheSize,
		CacheTTL:          cfg.Retrieval.CacheTTL,
		EntityURLTemplate: cfg.Explorer.EntityURLTemplate,
		TxURLTemplate:     cfg.Explorer.TxURLTemplate,
	}, logger)
	if err != nil {
		s.store.Close()
		return nil, fmt.Errorf("init entity store: %w", err)
	}

	km := keys.NewManager()
	cipher := envelope.New(km,
		envelope.WithIterations(cfg.Crypto.KDFIterations),
		envelope.WithMissingKeyPolicy(envelope.MissingKeyPolicy(cfg.Crypto.MissingKeyPolicy)),
		envelope.WithLogger(logger),
	)

	opts := []memory.Option{memory.WithLogger(logger)}
	if notifier != nil {
		opts = append(opts, memory.WithNotifier(notifier))
	}
	s.memory = memory.NewService(s.adapter, km, cipher, memory.Config{
		Owner:           cfg.Identity.Owner,
		StatsSampleSize: cfg.Stats.SampleSize,
	}, opts...)

	if cfg.Crypto.MasterSecret != "" {
		if err := s.memory.Unlock(cfg.Crypto.MasterSecret); err != nil {
			s.Close()
			return nil, fmt.Errorf("unlock vault: %w", err)
		}
	}
	return s, nil
}

// Close wipes key material and releases local resources.
func (s *services) Close() {
	s.memory.Lock()
	s.adapter.Close()
	if err := s.store.Close(); err != nil {
		slog.Warn("local store close failed", slog.String("error", err.Error()))
	}
}

// Run starts the HTTP API with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, logger, err := newApplication(opts, os.Stdout)
	if err != nil {
		return err
	}
	cfg := app.config

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("owner", cfg.Identity.Owner),
		slog.Any("remote_endpoints", cfg.Remote.Endpoints),
		slog.String("local_backend", cfg.Local.Backend),
		slog.String("local_path", cfg.Local.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	svcs, err := buildServices(cfg, logger, broker)
	if err != nil {
		return err
	}
	defer svcs.Close()

	// Initial reconcile of the local key index.
	if res, err := svcs.memory.Resync(ctx); err != nil {
		logger.Warn("initial resync failed", slog.String("error", err.Error()))
	} else {
		logger.Info("initial resync done",
			slog.Int("total", res.Total), slog.Int("added", res.Added), slog.Int("removed", res.Removed))
	}

	apiRouter := api.NewRouter(svcs.memory, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if svcs.adapter.BreakerTripped() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"degraded"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(ctx)

	// Reload the key index when another process rewrites it.
	if cfg.Local.Watch && svcs.fs != nil {
		file, err := svcs.fs.PathFor(svcs.index.Name())
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := keyindex.Watch(gCtx, svcs.index, file, logger, broker.PublishIndexReload); err != nil {
				logger.Warn("key index watcher failed", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		waitForShutdown(gCtx, logger)

		logger.Info("Shutting down server...")

		// Ends open SSE streams so Shutdown does not wait on them.
		broker.Close()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP serves the memory tools over stdio. Logs go to stderr unless
// WithLogOutput says otherwise, since stdout carries the protocol.
func RunMCP(_ context.Context, opts ...Option) error {
	app, logger, err := newApplication(opts, os.Stderr)
	if err != nil {
		return err
	}

	svcs, err := buildServices(app.config, logger, nil)
	if err != nil {
		return err
	}
	defer svcs.Close()

	logger.Info("MCP server starting on stdio", slog.String("owner", app.config.Identity.Owner))
	if err := mcpserver.New(svcs.memory, app.version).ServeStdio(); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}

// WithServices builds the memory stack, runs fn against it and tears it
// down. It backs one-shot CLI commands.
func WithServices(ctx context.Context, fn func(context.Context, *memory.Service) error, opts ...Option) error {
	app, logger, err := newApplication(opts, os.Stderr)
	if err != nil {
		return err
	}
	svcs, err := buildServices(app.config, logger, nil)
	if err != nil {
		return err
	}
	defer svcs.Close()
	return fn(ctx, svcs.memory)
}

// RunDevStore starts the development entity store.
func RunDevStore(ctx context.Context, opts ...Option) error {
	app, logger, err := newApplication(opts, os.Stdout)
	if err != nil {
		return err
	}
	cfg := app.config.DevStore

	db, err := devstore.Open(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("init devstore: %w", err)
	}
	defer db.Close()

	srv := devstore.NewServer(db,
		devstore.WithLogger(logger),
		devstore.WithOmitListPayloads(cfg.OmitListPayloads),
		devstore.WithDefaultTTL(cfg.DefaultTTL),
	)
	httpServer := &http.Server{
		Addr:    cfg.Address(),
		Handler: srv.Handler(),
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		srv.PurgeLoop(gCtx, cfg.PurgeInterval)
		return nil
	})

	g.Go(func() error {
		logger.Info("Starting devstore", slog.String("address", cfg.Address()),
			slog.String("sqlite_path", cfg.SQLitePath),
			slog.Bool("omit_list_payloads", cfg.OmitListPayloads))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("devstore server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		waitForShutdown(gCtx, logger)
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("devstore shutdown error", slog.String("error", err.Error()))
		}
		cancel()
		return nil
	})

	return g.Wait()
}

func waitForShutdown(ctx context.Context, logger *slog.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, initiating shutdown")
	}
}
