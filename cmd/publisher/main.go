// Janitor Publisher — the publish decision engine, merge-proposal
// lifecycle sweeps, and rate limiting component (C4). Serves admin
// endpoints for consider/publish/scan/autopublish and MP/policy CRUD.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/janitor-project/janitor/internal/eventbus"
	"github.com/janitor-project/janitor/internal/publisher"
	"github.com/janitor-project/janitor/internal/store"
	"github.com/janitor-project/janitor/internal/telemetry"
	"github.com/janitor-project/janitor/internal/vcspublish"
)

var (
	version = "dev"
	commit  = "none"
)

// Config holds publisher configuration, loaded the same way
// cmd/control-plane/main.go's loadConfig does.
type Config struct {
	ListenAddr      string
	DatabaseURL     string
	ForgeEndpoint   string
	ForgeSecret     string
	OTLPEndpoint    string
	ScanInterval    time.Duration
	PublishInterval time.Duration
}

func loadConfig() Config {
	cfg := Config{
		ListenAddr:    os.Getenv("JANITOR_LISTEN_ADDR"),
		DatabaseURL:   os.Getenv("JANITOR_DATABASE_URL"),
		ForgeEndpoint: os.Getenv("JANITOR_FORGE_ENDPOINT"),
		ForgeSecret:   os.Getenv("JANITOR_FORGE_SECRET"),
		OTLPEndpoint:  os.Getenv("JANITOR_OTLP_ENDPOINT"),
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8082"
	}
	cfg.ScanInterval = 10 * time.Minute
	cfg.PublishInterval = time.Minute
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

	bus := eventbus.NewBus(256)

	var vcs vcspublish.Publisher
	if cfg.ForgeEndpoint != "" {
		vcs = vcspublish.NewHTTPPublisher(cfg.ForgeEndpoint, cfg.ForgeSecret)
	}

	pub := publisher.New(st, bus, vcs, publisher.DefaultConfig(), logger)

	go pub.ProcessQueueLoop(ctx, cfg.PublishInterval)
	go runScanLoop(ctx, pub, cfg.ScanInterval, logger)

	srv := publisher.NewServer(pub)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Mux(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting publisher", zap.String("addr", cfg.ListenAddr), zap.String("version", version), zap.String("commit", commit))

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

// runScanLoop periodically reconciles every open MP against the forge,
// plus a CheckStragglers pass to catch MPs a busy forge webhook missed.
func runScanLoop(ctx context.Context, pub *publisher.Publisher, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := pub.Scan(ctx); err != nil {
				logger.Warn("scan tick failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("scan tick", zap.Int("checked", n))
			}
			if n, err := pub.CheckStragglers(ctx); err != nil {
				logger.Warn("straggler check failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("straggler check", zap.Int("checked", n))
			}
		}
	}
}
