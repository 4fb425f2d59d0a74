// Command wisp runs the discovery/routing HTTP gateway (spec.md §6).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	wisphttp "github.com/wisp-mcp/wisp/internal/adapter/http"
	"github.com/wisp-mcp/wisp/internal/adapter/localembed"
	"github.com/wisp-mcp/wisp/internal/adapter/ristretto"
	"github.com/wisp-mcp/wisp/internal/adapter/sqlite"
	"github.com/wisp-mcp/wisp/internal/config"
	"github.com/wisp-mcp/wisp/internal/logger"
	"github.com/wisp-mcp/wisp/internal/service/gateway"
	"github.com/wisp-mcp/wisp/internal/service/retrieve"
)

func main() {
	// Temporary bootstrap logger until config is loaded.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closer := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer closer.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"store_path", cfg.Store.Path,
	)

	ctx := context.Background()

	// --- Infrastructure ---

	db, err := sqlite.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("sqlite ready", "path", cfg.Store.Path)

	store := sqlite.NewStore(db)

	queryCache, err := ristretto.New(32 << 20) // 32MB of query embeddings
	if err != nil {
		return fmt.Errorf("ristretto: %w", err)
	}

	embedder := localembed.New(0, log)

	// --- Services ---

	retriever := retrieve.New(store, embedder, queryCache, cfg.Retrieval)
	gw := gateway.New(store, log, cfg.Gateway)

	handlers := &wisphttp.Handlers{
		Store:     store,
		Retriever: retriever,
		Gateway:   gw,
		Tokens:    cfg.Tokens,
	}

	r := chi.NewRouter()

	r.Use(wisphttp.SecurityHeaders)
	r.Use(wisphttp.CORS(cfg.Server.CORSOrigin))
	r.Use(wisphttp.RequestID)
	r.Use(wisphttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(cfg.Gateway.CallTimeout + 10*time.Second))

	wisphttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Gateway.CallTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done

	// --- Ordered graceful shutdown ---
	slog.Info("shutdown phase 1: stopping HTTP server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("shutdown phase 2: closing query embedding cache")
	queryCache.Close()

	slog.Info("shutdown phase 3: closing database")
	if err := db.Close(); err != nil {
		slog.Error("db close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
