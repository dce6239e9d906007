package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/mapdev/ingestd/internal/config"
	"github.com/mapdev/ingestd/internal/logging"
	"github.com/mapdev/ingestd/internal/manifest"
	"github.com/mapdev/ingestd/internal/pipeline"
	"github.com/mapdev/ingestd/internal/routing"
	"github.com/mapdev/ingestd/internal/validate"
	"github.com/mapdev/ingestd/internal/watcher"
	"github.com/mapdev/ingestd/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"watch_enabled", cfg.Watch.Enabled,
		"routing_enabled", cfg.Routing.Enabled,
	)

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		slog.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}

	store := manifest.NewPGStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		slog.Error("failed to ensure ledger schema", "error", err)
		os.Exit(1)
	}

	var rules []validate.Rule
	if cfg.Ingest.LoadRulesFromDB {
		rules, err = store.LoadRules(ctx)
		if err != nil {
			slog.Error("failed to load validation rules", "error", err)
			os.Exit(1)
		}
		slog.Info("validation rules loaded", "count", len(rules))
	}

	router, err := routing.NewRouter(cfg.Routing)
	if err != nil {
		slog.Error("failed to build filename router", "error", err)
		os.Exit(1)
	}

	proc := pipeline.NewProcessor(store,
		pipeline.NewCopyLoader(pool),
		pipeline.NewPGSchemaSource(pool),
		router,
		validate.NewEngine('\t'),
		validate.NewRegistry(),
		validate.NewRuleSet(rules),
	)

	var watch *watcher.Service
	if cfg.Watch.Enabled {
		watch = watcher.NewService(cfg.Watch, proc, cfg.Ingest.Timeout)
		if err := watch.Start(ctx); err != nil {
			slog.Error("failed to start watch service", "error", err)
			os.Exit(1)
		}
		slog.Info("watch service started",
			"upload_dir", cfg.Watch.UploadPath(),
			"markers", cfg.Watch.UseMarkerFiles,
			"poll_interval", cfg.Watch.PollInterval,
		)
	}

	server := web.NewServer(*cfg, proc, store, watch)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		if watch != nil {
			if err := watch.Stop(); err != nil {
				slog.Warn("watch service did not drain in time", "error", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(cfg.Server.Addr()); err != nil {
		slog.Info("server stopped", "error", err)
	}
}
