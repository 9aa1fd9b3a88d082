package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/reelflow/reelflow/pkg/config"
	"github.com/reelflow/reelflow/pkg/logging"
	"github.com/reelflow/reelflow/pkg/outbox"
	"github.com/reelflow/reelflow/pkg/store/postgres"
)

func main() {
	os.Exit(start())
}

func start() int {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	db, err := postgres.NewStore(&cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", zap.Error(err))
		return 1
	}
	defer db.Close()

	writer, dlqWriter := outbox.NewWriters(cfg.Kafka)
	defer writer.Close()

	var dlq outbox.MessageWriter
	if dlqWriter != nil {
		defer dlqWriter.Close()
		dlq = dlqWriter
	}

	repo := postgres.NewOutboxRepository(db.DB())
	relay := outbox.NewRelay(repo, writer, dlq, logger, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := relay.Run(ctx); err != nil {
		logger.Error("outbox relay stopped with error", zap.Error(err))
		return 1
	}
	logger.Info("outbox relay stopped")
	return 0
}
