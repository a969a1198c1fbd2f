package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/stewardai/steward/internal/engine"
	"github.com/stewardai/steward/internal/httpapi"
	"github.com/stewardai/steward/internal/janitor"
	"github.com/stewardai/steward/internal/llm"
	"github.com/stewardai/steward/internal/logging"
	"github.com/stewardai/steward/internal/memory"
	"github.com/stewardai/steward/internal/registry"
	"github.com/stewardai/steward/internal/store"
	"github.com/stewardai/steward/internal/stream"
	"github.com/stewardai/steward/pkg/mcp"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "steward:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	model, err := llm.NewModel(llm.ProviderConfig{
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
		BaseURL: cfg.LLMBaseURL,
	})
	if err != nil {
		return fmt.Errorf("init llm provider: %w", err)
	}

	bus := stream.NewBus()
	shards := memory.NewShards(stream.NewMemoryObserver(bus))
	tasks := registry.New(logger)

	eng := engine.New(engine.Config{
		MaxBatch:            cfg.MaxBatch,
		PoolSize:            cfg.PoolSize,
		InterventionTimeout: duration(cfg.InterventionTimeout, 0),
	}, llm.NewPlanner(model), llm.NewWorkers(model), st, shards, bus, tasks, logger)

	jan := janitor.New(shards, bus, tasks, eng, st, logger,
		cfg.JanitorSchedule, duration(cfg.IdleTTL, 0))
	if err := jan.Start(ctx); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	defer jan.Stop()

	if cfg.MCP {
		srv := mcp.NewStewardServer(mcp.StewardServerDeps{
			Engine: eng,
			Store:  st,
			Logger: logger,
		})
		logger.Info("steward mcp server listening on stdio")
		err := srv.Serve(ctx)
		eng.Shutdown(shutdownTimeout)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp server: %w", err)
		}
		return nil
	}

	api := httpapi.NewServer(httpapi.Deps{
		Engine: eng,
		Bus:    bus,
		Tasks:  tasks,
		Store:  st,
		Logger: logger,
	}, 0)
	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: api.Handler()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("steward listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err.Error())
	}
	cancelled, pending := eng.Shutdown(shutdownTimeout)
	logger.Info("engine drained", "cancelled", cancelled, "pending", pending)
	return nil
}

// newLogger builds the process logger. Output goes to stderr so MCP
// stdio transport keeps stdout to itself.
func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var inner slog.Handler
	if cfg.LogFormat == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}
