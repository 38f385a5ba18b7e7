// Janitor Runner — the work queue, worker assignment leases, and result
// ingestion component (C3). Serves:
//   - Worker-facing endpoints (assign/finish/ping), guarded by Basic auth
//   - Admin endpoints (peek/kill/active-runs/schedule/log retrieval)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/janitor-project/janitor/internal/artifactstore"
	"github.com/janitor-project/janitor/internal/eventbus"
	"github.com/janitor-project/janitor/internal/runner"
	"github.com/janitor-project/janitor/internal/store"
	"github.com/janitor-project/janitor/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
)

// Config holds runner configuration, loaded from the environment the same
// way cmd/control-plane/main.go's loadConfig does: string lookups with
// defaults, no config library.
type Config struct {
	ListenAddr   string
	DatabaseURL  string
	ArtifactDir  string
	OTLPEndpoint string
}

func loadConfig() Config {
	cfg := Config{
		ListenAddr:   os.Getenv("JANITOR_LISTEN_ADDR"),
		DatabaseURL:  os.Getenv("JANITOR_DATABASE_URL"),
		ArtifactDir:  os.Getenv("JANITOR_ARTIFACT_DIR"),
		OTLPEndpoint: os.Getenv("JANITOR_OTLP_ENDPOINT"),
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8081"
	}
	if cfg.ArtifactDir == "" {
		cfg.ArtifactDir = "/var/lib/janitor/artifacts"
	}
	return cfg
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := loadConfig()
	if cfg.DatabaseURL == "" {
		logger.Fatal("JANITOR_DATABASE_URL is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Fatal("init trace provider", zap.Error(err))
	}
	defer shutdownTracing(context.Background())

	st, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	artifacts, err := artifactstore.NewFSStore(cfg.ArtifactDir)
	if err != nil {
		logger.Fatal("open artifact store", zap.Error(err))
	}

	bus := eventbus.NewBus(256)
	r := runner.New(st, bus, runner.DefaultConfig(), logger)
	r.Start(ctx)
	defer r.Stop()

	srv := runner.NewServer(r, st, artifacts)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Mux(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting runner", zap.String("addr", cfg.ListenAddr), zap.String("version", version), zap.String("commit", commit))

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
