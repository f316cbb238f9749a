package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pathfinder/pathfinder/pkg/apiserver"
	"github.com/pathfinder/pathfinder/pkg/app"
	"github.com/pathfinder/pathfinder/pkg/auth"
	"github.com/pathfinder/pathfinder/pkg/config"
	"github.com/pathfinder/pathfinder/pkg/logging"
	"github.com/pathfinder/pathfinder/pkg/store/postgres"
	redisclient "github.com/pathfinder/pathfinder/pkg/store/redis"
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.NewStore(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	redis, err := redisclient.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redis.Close()

	c, err := app.Classifier(ctx, cfg.Classifier, logger)
	if err != nil {
		logger.Fatal("Failed to load classifier rules", zap.Error(err))
	}
	pipeline := app.Pipeline(db, c, cfg, logger)

	bots, err := app.Notifier(cfg.Notifier, logger)
	if err != nil {
		logger.Fatal("Failed to build notifier", zap.Error(err))
	}
	reports, err := app.ReportRunner(ctx, db, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build report runner", zap.Error(err))
	}

	server := apiserver.NewServer(apiserver.Dependencies{
		Pipeline: pipeline,
		Planner:  app.Scheduler(db, pipeline, redis, c, cfg, logger),
		Digests:  app.DigestRunner(db, bots, cfg, logger),
		Reports:  reports,
		Stats:    postgres.NewStatsRepository(db.DB()),
		Tokens:   auth.NewTokenManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL, cfg.Auth.Issuer),
	}, cfg, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Starting API server", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
}
