// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/ferrost/manifold/internal/api"
	"github.com/ferrost/manifold/internal/inbox"
	"github.com/ferrost/manifold/internal/inject"
	"github.com/ferrost/manifold/internal/keylock"
	"github.com/ferrost/manifold/internal/mcpserver"
	"github.com/ferrost/manifold/internal/reconcile"
	"github.com/ferrost/manifold/internal/registry"
	"github.com/ferrost/manifold/internal/resolver"
	"github.com/ferrost/manifold/internal/sse"
	"github.com/ferrost/manifold/internal/steampath"
	"github.com/ferrost/manifold/internal/storage"
)

// core bundles the wired engine components shared by every entrypoint.
type core struct {
	registry *registry.DB
	library  *storage.FS
	archive  *storage.FS
	pipeline *inject.Pipeline
	engine   *reconcile.Engine
	logger   *slog.Logger
}

func (c *core) close() {
	if err := c.registry.Close(); err != nil {
		c.logger.Warn("registry close failed", slog.String("error", err.Error()))
	}
}

func newLogger(cfg *Config) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

// buildCore resolves directories and wires storage, registry, resolver,
// pipeline, and reconciliation engine.
func buildCore(cfg *Config, logger *slog.Logger) (*core, error) {
	libraryPath := cfg.Library.Path
	if libraryPath == "" {
		root, err := steampath.Discover(cfg.Steam.Root)
		if err != nil {
			return nil, fmt.Errorf("locate steam: %w", err)
		}
		libraryPath, err = steampath.PluginDir(root)
		if err != nil {
			return nil, err
		}
		logger.Info("steam located",
			slog.String("root", root), slog.String("library", libraryPath))
	} else if err := os.MkdirAll(libraryPath, 0o755); err != nil {
		return nil, fmt.Errorf("create library dir: %w", err)
	}

	if err := os.MkdirAll(cfg.Archive.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	library, err := storage.NewFS(libraryPath)
	if err != nil {
		return nil, fmt.Errorf("init library: %w", err)
	}
	archive, err := storage.NewFS(cfg.Archive.Path)
	if err != nil {
		return nil, fmt.Errorf("init archive: %w", err)
	}

	db, err := registry.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("init registry: %w", err)
	}

	fetcher := resolver.NewHTTPFetcher(cfg.Resolver.UserAgent, cfg.Resolver.Cookies, cfg.Resolver.Timeout())
	res := resolver.NewSteamDB(fetcher, cfg.Resolver.BaseURL,
		resolver.WithMaxAttempts(cfg.Resolver.MaxAttempts))

	locks := keylock.New()
	pipeline := inject.New(library, archive, db, locks, logger)
	engine := reconcile.New(db, library, res, locks, logger, cfg.Resolver.Workers)

	return &core{
		registry: db,
		library:  library,
		archive:  archive,
		pipeline: pipeline,
		engine:   engine,
		logger:   logger,
	}, nil
}

// Run starts the long-running service: HTTP API, SSE, inbox watcher, and
// the optional periodic check.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config
	logger := newLogger(cfg)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("inbox_path", cfg.Inbox.Path),
		slog.String("archive_path", cfg.Archive.Path),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	if err := os.MkdirAll(cfg.Inbox.Path, 0o755); err != nil {
		return fmt.Errorf("create inbox dir: %w", err)
	}

	c, err := buildCore(cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	// Build API service and router.
	svc := api.NewService(c.registry, c.pipeline, c.engine)
	svc.SetNotifier(broker)
	apiRouter := api.NewRouter(svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

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
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	g, gCtx := errgroup.WithContext(ctx)

	// Inbox watcher with SSE callback.
	watcher := inbox.New(c.pipeline, cfg.Inbox.Path, logger, func(res *inject.Result) {
		broker.PublishManifestEvent("injected", res.Filename)
	})
	g.Go(func() error {
		return watcher.Run(gCtx)
	})

	// Periodic report-only check.
	if every := cfg.Resolver.CheckEvery(); every > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-gCtx.Done():
					return nil
				case <-ticker.C:
					sum, err := c.engine.Run(gCtx, reconcile.DeclineAll)
					if err != nil {
						logger.Warn("periodic check failed", slog.String("error", err.Error()))
						continue
					}
					logger.Info("periodic check finished",
						slog.Int("checked", sum.Checked),
						slog.Int("pending", sum.Skipped),
						slog.Int("failed", sum.Failed))
					broker.Publish(sse.Event{Type: "check.finished", Data: sum})
				}
			}
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
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

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

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunInject injects the given script files and prints one line per file.
func RunInject(ctx context.Context, cfg *Config, paths []string) error {
	logger := newLogger(cfg)

	c, err := buildCore(cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	var failed int
	for _, path := range paths {
		res, err := c.pipeline.Inject(ctx, path)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			continue
		}
		fmt.Printf("%s: %d record(s) registered, installed at %s\n",
			res.Filename, len(res.Records), res.DestPath)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d file(s) failed", failed, len(paths))
	}
	return nil
}

// RunCheck performs one reconciliation pass. With yes set every pending
// update is applied; otherwise each one is confirmed on the terminal.
func RunCheck(ctx context.Context, cfg *Config, yes bool) error {
	logger := newLogger(cfg)

	c, err := buildCore(cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	confirm := reconcile.Confirmer(reconcile.ConfirmAll)
	if !yes {
		confirm = promptConfirmer{in: bufio.NewReader(os.Stdin)}
	}

	sum, err := c.engine.Run(ctx, confirm)
	if err != nil {
		return err
	}

	reconcile.SortOutcomes(sum.Outcomes)
	for _, o := range sum.Outcomes {
		switch o.State {
		case reconcile.StateUpdated:
			fmt.Printf("%d/%d: updated %s -> %s\n", o.Entry.AppID, o.Entry.DepotID, o.Current, o.Latest)
		case reconcile.StateUpToDate:
			fmt.Printf("%d/%d: up to date (%s)\n", o.Entry.AppID, o.Entry.DepotID, o.Current)
		case reconcile.StateSkipped, reconcile.StateUpdateAvailable:
			fmt.Printf("%d/%d: update available %s -> %s (skipped)\n", o.Entry.AppID, o.Entry.DepotID, o.Current, o.Latest)
		case reconcile.StateFailed:
			fmt.Printf("%d/%d: failed: %s\n", o.Entry.AppID, o.Entry.DepotID, o.Reason)
		}
	}
	fmt.Printf("checked %d, updated %d, up to date %d, skipped %d, failed %d (%s)\n",
		sum.Checked, sum.Updated, sum.UpToDate, sum.Skipped, sum.Failed, sum.Elapsed)

	if sum.Failed > 0 {
		return fmt.Errorf("%d entr(ies) failed", sum.Failed)
	}
	return nil
}

// promptConfirmer asks on the terminal before each apply.
type promptConfirmer struct {
	in *bufio.Reader
}

func (p promptConfirmer) Confirm(o reconcile.Outcome) bool {
	fmt.Printf("%d/%d: update %s -> %s? [y/N] ",
		o.Entry.AppID, o.Entry.DepotID, o.Current, o.Latest)
	line, err := p.in.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// RunMCP serves the MCP tool server on stdio. Logs go to stderr so
// stdout stays clean for the protocol.
func RunMCP(_ context.Context, cfg *Config) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	c, err := buildCore(cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	svc := api.NewService(c.registry, c.pipeline, c.engine)
	srv := mcpserver.New(c.registry, c.engine,
		func(ctx context.Context, filename string, content []byte) (*inject.Result, error) {
			return svc.Inject(ctx, filename, content, 0)
		})
	return srv.ServeStdio()
}
