package metrics

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pathfinder/pathfinder/pkg/model"
)

type StatsSource interface {
	Stats(ctx context.Context) (model.Stats, error)
}

// Collector periodically copies the store's pipeline statistics into the
// gauges.
type Collector struct {
	source   StatsSource
	interval time.Duration
	logger   *zap.Logger
}

func NewCollector(source StatsSource, interval time.Duration, logger *zap.Logger) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Collector{source: source, interval: interval, logger: logger}
}

func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

func (c *Collector) Collect(ctx context.Context) {
	stats, err := c.source.Stats(ctx)
	if err != nil {
		c.logger.Warn("failed to collect pipeline stats", zap.Error(err))
		return
	}
	Record(stats)
}

func Record(stats model.Stats) {
	SeniorUsers.WithLabelValues("csuite").Set(float64(stats.CSuiteUsers))
	SeniorUsers.WithLabelValues("vp").Set(float64(stats.VPUsers))
	PendingWork.WithLabelValues("digests").Set(float64(stats.PendingDigests))
	PendingWork.WithLabelValues("reports").Set(float64(stats.PendingReports))
	PendingWork.WithLabelValues("events").Set(float64(stats.UnprocessedEvents))
	PendingWork.WithLabelValues("outbox").Set(float64(stats.PendingOutbox))
}
