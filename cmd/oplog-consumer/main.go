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

	"github.com/google/uuid"

	"github.com/syntrixbase/oplogpipe/internal/config"
	"github.com/syntrixbase/oplogpipe/internal/logging"
	"github.com/syntrixbase/oplogpipe/internal/oplog"
)

func main() {
	configID := flag.String("config-id", "", "Pipeline config id to consume")
	configDir := flag.String("config-dir", "config", "Directory holding config.yml")
	flag.Parse()

	if *configID == "" {
		fmt.Fprintln(os.Stderr, "-config-id is required")
		flag.Usage()
		os.Exit(2)
	}
	os.Exit(run(*configDir, *configID))
}

func run(configDir, configID string) int {
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		return 1
	}
	if err := logging.Initialize(cfg.Logging); err != nil {
		log.Printf("Failed to initialize logging: %v", err)
		return 1
	}
	defer func() { _ = logging.Shutdown() }()

	runID := uuid.NewString()
	logger := slog.Default().With("service", "oplog-consumer")

	ctx, cancel := context.WithCancel(logging.WithRunID(context.Background(), runID))
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.InfoContext(ctx, "Received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.InfoContext(ctx, "Oplog consumer starting", "config_id", configID)
	c, err := oplog.NewConsumer(ctx, cfg, configID, runID, logger)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to start consumer", "error", err)
		return 1
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer closeCancel()
		if err := c.Close(closeCtx); err != nil {
			logger.Error("Failed to close consumer", "error", err)
		}
	}()

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.ErrorContext(ctx, "Consumer failed", "error", err)
		return 1
	}
	logger.Info("Oplog consumer stopped")
	return 0
}
