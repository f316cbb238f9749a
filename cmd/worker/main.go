package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pathfinder/pathfinder/pkg/app"
	"github.com/pathfinder/pathfinder/pkg/config"
	"github.com/pathfinder/pathfinder/pkg/logging"
	"github.com/pathfinder/pathfinder/pkg/metrics"
	"github.com/pathfinder/pathfinder/pkg/store/postgres"
	redisclient "github.com/pathfinder/pathfinder/pkg/store/redis"
)

// worker runs the scheduler, the digest and report runners and the stats
// collector.
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

	db, err := postgres.NewStore(&cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	redis, err := redisclient.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redis.Close()

	c, err := app.Classifier(ctx, cfg.Classifier, logger)
	if err != nil {
		logger.Fatal("failed to load classifier rules", zap.Error(err))
	}
	pipeline := app.Pipeline(db, c, cfg, logger)

	bots, err := app.Notifier(cfg.Notifier, logger)
	if err != nil {
		logger.Fatal("failed to build notifier", zap.Error(err))
	}
	digests := app.DigestRunner(db, bots, cfg, logger)
	reports, err := app.ReportRunner(ctx, db, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build report runner", zap.Error(err))
	}
	sched := app.Scheduler(db, pipeline, redis, c, cfg, logger)
	collector := metrics.NewCollector(postgres.NewStatsRepository(db.DB()), 30*time.Second, logger)

	go sched.Run(ctx)
	go collector.Run(ctx)
	go func() {
		if err := digests.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("digest runner stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := reports.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("report runner stopped", zap.Error(err))
		}
	}()

	metricsServer := app.MetricsServer(cfg.Server)
	go func() {
		logger.Info("serving metrics", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("worker shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}
