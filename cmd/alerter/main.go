package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/pathfinder/pathfinder/pkg/alert"
	"github.com/pathfinder/pathfinder/pkg/app"
	"github.com/pathfinder/pathfinder/pkg/config"
	"github.com/pathfinder/pathfinder/pkg/eventbus"
	"github.com/pathfinder/pathfinder/pkg/logging"
	"github.com/pathfinder/pathfinder/pkg/retry"
	redisclient "github.com/pathfinder/pathfinder/pkg/store/redis"
)

// alerter consumes published detections and deploys the alert bot for each.
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var deduper eventbus.Deduper
	if len(cfg.Redis.Addresses) > 0 {
		redis, err := redisclient.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer redis.Close()
		deduper = redis.NewDeduper("alerts", cfg.Kafka.DedupeTTL)
	} else {
		logger.Warn("redis is not configured, deduplicating alerts in memory")
		deduper = eventbus.NewMemoryDeduper(cfg.Kafka.DedupeTTL)
	}

	bots, err := app.Notifier(cfg.Notifier, logger)
	if err != nil {
		logger.Fatal("failed to build notifier", zap.Error(err))
	}
	handler := alert.NewHandler(bots, retry.FromConfig(cfg.Dispatch), cfg.Notifier.AlertsEnabled, logger)

	producer := eventbus.NewKafkaProducer(eventbus.KafkaProducerConfig{
		Brokers:    cfg.Kafka.Brokers,
		ClientID:   cfg.Kafka.ClientID,
		EventTopic: cfg.Kafka.DetectionTopic,
		RetryTopic: cfg.Kafka.RetryTopic,
		DLQTopic:   cfg.Kafka.DLQTopic,
	})
	defer producer.Close()

	consumer := eventbus.NewKafkaConsumer(eventbus.KafkaConsumerConfig{
		Brokers:    cfg.Kafka.Brokers,
		ClientID:   cfg.Kafka.ClientID,
		GroupID:    cfg.Kafka.AlertGroup,
		EventTopic: cfg.Kafka.DetectionTopic,
		RetryTopic: cfg.Kafka.RetryTopic,
		DLQTopic:   cfg.Kafka.DLQTopic,
		MaxRetries: cfg.Kafka.MaxRetries,
	}, producer, handler.Handle, deduper, logger)
	defer consumer.Close()

	go func() {
		if err := consumer.Run(ctx); err != nil && err != context.Canceled {
			logger.Fatal("alert consumer stopped with error", zap.Error(err))
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

	logger.Info("alerter shutting down")
}
