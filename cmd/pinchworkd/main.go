// Command pinchworkd is the Pinchwork core process entrypoint: it wires
// configuration, logging, metrics, a storage backend and the engine
// together and runs the Background Reaper until signalled to stop.
//
// The HTTP surface that projects engine.Service over REST, the streaming
// transport, and persistent schema migrations are external collaborators
// and are not built here; this binary exists to prove the core boots and
// tears down cleanly on its own.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/anneschuth/pinchwork/applications/storage/memory"
	"github.com/anneschuth/pinchwork/applications/storage/postgres"
	"github.com/anneschuth/pinchwork/engine"
	"github.com/anneschuth/pinchwork/infrastructure/config"
	"github.com/anneschuth/pinchwork/infrastructure/logging"
	"github.com/anneschuth/pinchwork/infrastructure/metrics"
	"github.com/anneschuth/pinchwork/infrastructure/ratelimit"
)

func main() {
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides PINCHWORK_DATABASE_URL; in-memory storage when empty)")
	reaperTick := flag.Duration("reaper-tick", 0, "reaper sweep interval (overrides PINCHWORK_REAPER_TICK)")
	flag.Parse()

	cfg := config.FromEnv()
	if *reaperTick > 0 {
		cfg.ReaperTick = *reaperTick
	}

	logger := logging.New("pinchworkd", cfg.LogLevel, cfg.LogFormat)

	dsnVal := strings.TrimSpace(*dsn)
	if dsnVal == "" {
		dsnVal = cfg.DatabaseURL
	}

	svc, closer, err := buildService(cfg, dsnVal, logger)
	if err != nil {
		log.Fatalf("initialise pinchwork core: %v", err)
	}
	if closer != nil {
		defer closer()
	}

	reaper := engine.NewReaper(svc, cfg.ReaperTick)
	reaper.Start()
	defer reaper.Stop()

	logger.Logger.WithField("storage", storageKind(dsnVal)).Info("pinchworkd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Logger.Info("pinchworkd shutting down")
}

// buildService constructs the engine.Service over either a postgres-backed
// store (when dsn is set) or the in-memory store for local runs.
func buildService(cfg config.Config, dsn string, logger *logging.Logger) (*engine.Service, func() error, error) {
	ctx := context.Background()

	opts := engine.Options{
		Logger:      logger,
		Metrics:     metrics.New(),
		RateLimiter: ratelimit.New(ratelimit.DefaultConfig()),
	}

	if dsn != "" {
		pgStore, err := postgres.Open(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		svc, err := engine.New(ctx, pgStore, cfg, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("construct engine over postgres: %w", err)
		}
		return svc, pgStore.Close, nil
	}

	svc, err := engine.New(ctx, memory.New(), cfg, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("construct engine over memory store: %w", err)
	}
	return svc, nil, nil
}

func storageKind(dsn string) string {
	if dsn == "" {
		return "memory"
	}
	return "postgres"
}
