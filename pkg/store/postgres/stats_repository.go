package postgres

import (
	"context"

	"gorm.io/gorm"

	"github.com/pathfinder/pathfinder/pkg/model"
	"github.com/pathfinder/pathfinder/pkg/seniority"
)

type StatsRepository struct {
	db *gorm.DB
}

func NewStatsRepository(db *gorm.DB) *StatsRepository {
	return &StatsRepository{db: db}
}

func (r *StatsRepository) Stats(ctx context.Context) (model.Stats, error) {
	var stats model.Stats
	db := r.db.WithContext(ctx)

	counts := []struct {
		dest  *int64
		query *gorm.DB
	}{
		{&stats.CSuiteUsers, db.Model(&model.UserState{}).Where("seniority_level = ?", seniority.LevelCSuite)},
		{&stats.VPUsers, db.Model(&model.UserState{}).Where("seniority_level = ?", seniority.LevelVP)},
		{&stats.TotalDetections, db.Model(&model.Detection{})},
		{&stats.PendingDigests, db.Model(&model.Digest{}).Where("sent = ? AND failed_at IS NULL", false)},
		{&stats.PendingReports, db.Model(&model.Report{}).Where("file_uri IS NULL AND failed_at IS NULL")},
		{&stats.UnprocessedEvents, db.Model(&model.RawEvent{}).Where("processed = ?", false)},
		{&stats.PendingOutbox, db.Model(&model.DetectionEvent{}).Where("status = ?", model.OutboxStatusPending)},
	}
	for _, c := range counts {
		if err := c.query.Count(c.dest).Error; err != nil {
			return model.Stats{}, err
		}
	}
	stats.SeniorUsers = stats.CSuiteUsers + stats.VPUsers
	return stats, nil
}
