// Package app assembles the components shared by the binaries from
// configuration.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pathfinder/pathfinder/pkg/classifier"
	"github.com/pathfinder/pathfinder/pkg/community"
	"github.com/pathfinder/pathfinder/pkg/config"
	"github.com/pathfinder/pathfinder/pkg/dispatch"
	"github.com/pathfinder/pathfinder/pkg/filestore"
	"github.com/pathfinder/pathfinder/pkg/ingest"
	"github.com/pathfinder/pathfinder/pkg/model"
	"github.com/pathfinder/pathfinder/pkg/notifier"
	"github.com/pathfinder/pathfinder/pkg/render"
	"github.com/pathfinder/pathfinder/pkg/retry"
	"github.com/pathfinder/pathfinder/pkg/scheduler"
	"github.com/pathfinder/pathfinder/pkg/store/postgres"
	redisclient "github.com/pathfinder/pathfinder/pkg/store/redis"
)

// Classifier loads the configured rules file, or the built-in rules when no
// file is set. With watch enabled the file is reloaded on change until ctx
// is done.
func Classifier(ctx context.Context, cfg config.ClassifierConfig, logger *zap.Logger) (*classifier.Classifier, error) {
	if cfg.RulesFile == "" {
		return classifier.NewDefault(), nil
	}
	rules, err := classifier.LoadRulesFile(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	c, err := classifier.New(rules)
	if err != nil {
		return nil, err
	}
	logger.Info("classifier rules loaded", zap.String("file", cfg.RulesFile), zap.String("version", c.Version()))

	if cfg.Watch {
		watcher := classifier.NewWatcher(c, cfg.RulesFile, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("rules watcher stopped", zap.Error(err))
			}
		}()
	}
	return c, nil
}

func Pipeline(db *postgres.Store, c *classifier.Classifier, cfg *config.Config, logger *zap.Logger) *ingest.Pipeline {
	var metadata ingest.MetadataSource
	if cfg.Community.BaseURL != "" {
		metadata = community.NewClient(cfg.Community, logger)
	}
	return ingest.NewPipeline(
		postgres.NewEventRepository(db.DB()),
		postgres.NewStateRepository(db.DB()),
		metadata,
		c,
		cfg.Ingest.JobTitleField,
		logger,
	)
}

func Notifier(cfg config.NotifierConfig, logger *zap.Logger) (*notifier.Client, error) {
	renderer, err := render.New()
	if err != nil {
		return nil, err
	}
	return notifier.NewClient(cfg, renderer, logger), nil
}

func DigestRunner(db *postgres.Store, sender dispatch.DigestSender, cfg *config.Config, logger *zap.Logger) *dispatch.Runner[model.Digest] {
	repo := postgres.NewDigestRepository(db.DB(), cfg.Dispatch.LeaseDuration)
	return dispatch.NewRunner[model.Digest](
		repo,
		dispatch.NewDigestDriver(sender, repo),
		retry.FromConfig(cfg.Dispatch),
		cfg.Dispatch.BatchSize,
		cfg.Dispatch.MaxAttempts,
		cfg.Dispatch.PollInterval,
		logger,
	)
}

func ReportRunner(ctx context.Context, db *postgres.Store, cfg *config.Config, logger *zap.Logger) (*dispatch.Runner[model.Report], error) {
	files, err := filestore.New(ctx, cfg.Reports)
	if err != nil {
		return nil, err
	}
	renderer, err := render.New()
	if err != nil {
		return nil, err
	}
	repo := postgres.NewReportRepository(db.DB(), cfg.Dispatch.LeaseDuration)
	return dispatch.NewRunner[model.Report](
		repo,
		dispatch.NewReportDriver(postgres.NewDetectionRepository(db.DB()), files, renderer, repo),
		retry.FromConfig(cfg.Dispatch),
		cfg.Dispatch.BatchSize,
		cfg.Dispatch.MaxAttempts,
		cfg.Dispatch.PollInterval,
		logger,
	), nil
}

// Scheduler builds the period planner. A nil redis client runs the jobs
// without a distributed lock, which is only safe with a single worker.
func Scheduler(db *postgres.Store, pipeline *ingest.Pipeline, redis *redisclient.Client, c *classifier.Classifier, cfg *config.Config, logger *zap.Logger) *scheduler.Scheduler {
	var newLock scheduler.LockFactory
	if redis != nil {
		newLock = func(name string, ttl time.Duration) scheduler.Lock {
			return redis.NewLock(name, ttl)
		}
	}
	grace := cfg.Scheduler.StaleEventAfter
	if grace <= 0 {
		grace = 15 * time.Minute
	}
	return scheduler.NewScheduler(
		postgres.NewDetectionRepository(db.DB()),
		postgres.NewDigestRepository(db.DB(), cfg.Dispatch.LeaseDuration),
		postgres.NewReportRepository(db.DB(), cfg.Dispatch.LeaseDuration),
		postgres.NewEventRepository(db.DB()).StaleClaimer(grace, cfg.Dispatch.LeaseDuration, cfg.Scheduler.StaleMaxAttempts),
		pipeline,
		newLock,
		Channels(cfg.Notifier.DigestChannels),
		c.Version,
		cfg.Scheduler,
		logger,
	)
}

// Channels keeps the known digest channels of names, in order.
func Channels(names []string) []model.Channel {
	var channels []model.Channel
	for _, name := range names {
		switch channel := model.Channel(name); channel {
		case model.ChannelEmail, model.ChannelTeams:
			channels = append(channels, channel)
		}
	}
	return channels
}

// MetricsServer serves /metrics and /healthz for the background binaries.
func MetricsServer(cfg config.ServerConfig) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.ReadTimeout * 2,
	}
}
