package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"topicmaster/broker/internal/config"
	"topicmaster/broker/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	logging.ReplaceGlobals(logger)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := newServer(cfg, logger)
	if err != nil {
		logger.Error("startup failed", logging.Error(err))
		os.Exit(1)
	}
	if err := srv.run(ctx); err != nil {
		logger.Error("topic master stopped with error", logging.Error(err))
		os.Exit(1)
	}
	logger.Info("topic master stopped")
}
