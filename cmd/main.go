package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/l0p7/mapinfo/internal/config"
	"github.com/l0p7/mapinfo/internal/logging"
	"github.com/l0p7/mapinfo/internal/metrics"
	"github.com/l0p7/mapinfo/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

// shutdownTimeout bounds store flushes on exit.
const shutdownTimeout = 3 * time.Second

func main() {
	var (
		configFile = flag.String("config", "", "path to agent configuration file")
		envPrefix  = flag.String("env-prefix", "MAPINFO", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	agent, err := buildApp(cfg, logger, metricsRecorder, appOptions{})
	if err != nil {
		logger.Error("unable to assemble agent", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		agent.close(shutdownCtx)
	}()

	stopWatch, err := agent.start(ctx)
	if err != nil {
		logger.Error("unable to start agent", slog.Any("error", err))
		os.Exit(1)
	}
	defer stopWatch()

	srv, err := server.New(cfg, logger, agent.handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("agent shutdown complete")
}
