// Package internal provides the main application initialization and runtime logic.
package internal

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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/modelshift/internal/api"
	"github.com/starford/modelshift/internal/catalog"
	"github.com/starford/modelshift/internal/change"
	"github.com/starford/modelshift/internal/inference"
	"github.com/starford/modelshift/internal/mcpserver"
	"github.com/starford/modelshift/internal/metrics"
	"github.com/starford/modelshift/internal/notify"
	"github.com/starford/modelshift/internal/repository"
	"github.com/starford/modelshift/internal/sse"
)

// components is the wired pipeline shared by the HTTP and MCP front ends.
type components struct {
	logger  *slog.Logger
	repo    *repository.Client
	catalog *catalog.Catalog
	metrics *metrics.Metrics
	broker  *sse.Broker
	nats    *notify.NATS
	engine  *change.Engine
}

func (c *components) Close() {
	c.broker.Close()
	if c.nats != nil {
		if err := c.nats.Close(); err != nil {
			c.logger.Warn("nats drain failed", slog.String("error", err.Error()))
		}
	}
}

func setup(opts []Option) (*application, *slog.Logger, error) {
	app := &application{version: "dev", logOutput: os.Stdout}

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

func build(app *application, logger *slog.Logger) (*components, error) {
	cfg := app.config

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("repository_url", cfg.Repository.URL),
		slog.String("inference_model", cfg.Inference.Model),
		slog.String("auth_mode", cfg.Auth.Mode),
		slog.Bool("nats", cfg.NATS.Enabled()),
		slog.String("log_level", cfg.App.LogLevel.String()))

	c := &components{logger: logger}

	c.repo = repository.New(cfg.Repository.URL,
		repository.WithTimeout(cfg.Repository.Timeout),
		repository.WithLogger(logger.With(slog.String("component", "repository"))))

	inferer := app.inferer
	if inferer == nil {
		inferer = inference.NewOpenAI(cfg.Inference.Model,
			inference.WithBaseURL(cfg.Inference.BaseURL),
			inference.WithAPIKey(cfg.Inference.APIKey),
			inference.WithTemperature(cfg.Inference.Temperature),
			inference.WithTimeout(cfg.Inference.Timeout),
			inference.WithLogger(logger.With(slog.String("component", "inference"))))
	}

	c.catalog = catalog.New(logger.With(slog.String("component", "catalog")))
	if cfg.Catalog.Path != "" {
		if err := c.catalog.Load(cfg.Catalog.Path); err != nil {
			return nil, fmt.Errorf("load catalog: %w", err)
		}
	}

	c.metrics = metrics.New()
	c.broker = sse.NewBroker(15 * time.Second)

	publishers := notify.Multi{c.broker}
	if cfg.NATS.Enabled() {
		n, err := notify.ConnectNATS(cfg.NATS.URL, cfg.NATS.Subject, logger.With(slog.String("component", "nats")))
		if err != nil {
			c.broker.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		c.nats = n
		publishers = append(publishers, n)
	}

	c.engine = change.NewEngine(c.repo, inferer,
		change.WithCatalog(c.catalog),
		change.WithMetrics(c.metrics),
		change.WithPublisher(publishers),
		change.WithTopK(cfg.Retrieval.TopK),
		change.WithExpandDepth(cfg.Retrieval.ExpandDepth),
		change.WithLogger(logger.With(slog.String("component", "change"))))

	return c, nil
}

// handler builds the top-level chi router.
func (c *components) handler(cfg *Config) http.Handler {
	apiRouter := api.NewRouter(c.engine, c.repo, cfg.Auth.API(), c.broker)

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
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Handle("/metrics", c.metrics.Handler())

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	return r
}

// watchCatalog reloads the catalog file until ctx ends and tells SSE
// subscribers about each reload.
func (c *components) watchCatalog(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	return c.catalog.Watch(ctx, path, func() {
		c.broker.Broadcast(sse.Event{
			Type: "catalog.reloaded",
			Data: map[string]any{"types": c.catalog.Names()},
		})
	})
}

// Run starts the HTTP service with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, logger, err := setup(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	c, err := build(app, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: c.handler(cfg),
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Catalog hot reload.
	g.Go(func() error {
		if err := c.watchCatalog(gCtx, cfg.Catalog.Path); err != nil {
			logger.Warn("catalog watcher disabled", slog.String("error", err.Error()))
		}
		return nil
	})

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
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown ends the errgroup so the catalog watcher stops with the server.
var errShutdown = errors.New("shutdown")

// RunMCP serves the pipeline as MCP tools on stdin/stdout. Logs go to the
// configured log output, which must not be stdout.
func RunMCP(ctx context.Context, opts ...Option) error {
	opts = append([]Option{WithLogOutput(os.Stderr)}, opts...)
	app, logger, err := setup(opts)
	if err != nil {
		return err
	}
	c, err := build(app, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := c.watchCatalog(gCtx, app.config.Catalog.Path); err != nil {
			logger.Warn("catalog watcher disabled", slog.String("error", err.Error()))
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("MCP server starting", slog.String("version", app.version))
		if err := mcpserver.New(c.engine, c.catalog, app.version).ServeStdio(); err != nil {
			return fmt.Errorf("MCP server error: %w", err)
		}
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}
	return nil
}
