package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/pathfinder/pathfinder/pkg/app"
	"github.com/pathfinder/pathfinder/pkg/config"
	"github.com/pathfinder/pathfinder/pkg/eventbus"
	"github.com/pathfinder/pathfinder/pkg/logging"
	"github.com/pathfinder/pathfinder/pkg/outbox"
	"github.com/pathfinder/pathfinder/pkg/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	db, err := postgres.NewStore(&cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	producer := eventbus.NewKafkaProducer(eventbus.KafkaProducerConfig{
		Brokers:    cfg.Kafka.Brokers,
		ClientID:   cfg.Kafka.ClientID,
		EventTopic: cfg.Kafka.DetectionTopic,
		DLQTopic:   cfg.Kafka.DLQTopic,
	})
	defer producer.Close()

	repo := postgres.NewOutboxRepository(db.DB(), cfg.Outbox.LeaseDuration)
	relay := outbox.NewRelay(repo, producer, logger, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize, cfg.Outbox.MaxAttempts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := relay.Run(ctx); err != nil && err != context.Canceled {
			logger.Fatal("outbox relay stopped with error", zap.Error(err))
		}
	}()

	metricsServer := app.MetricsServer(cfg.Server)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	defer metricsServer.Close()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("outbox relay shutting down")
}
