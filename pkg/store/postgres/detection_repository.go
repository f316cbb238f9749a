package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/pathfinder/pathfinder/pkg/model"
	"github.com/pathfinder/pathfinder/pkg/seniority"
)

type DetectionRepository struct {
	db *gorm.DB
}

func NewDetectionRepository(db *gorm.DB) *DetectionRepository {
	return &DetectionRepository{db: db}
}

// ListBetween returns detections with from <= detected_at < to, oldest first.
func (r *DetectionRepository) ListBetween(ctx context.Context, from, to time.Time) ([]model.Detection, error) {
	var detections []model.Detection
	err := r.db.WithContext(ctx).
		Where("detected_at >= ? AND detected_at < ?", from.UTC(), to.UTC()).
		Order("detected_at ASC").
		Order("id ASC").
		Find(&detections).Error
	return detections, err
}

func (r *DetectionRepository) ListByUser(ctx context.Context, userID string) ([]model.Detection, error) {
	var detections []model.Detection
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("detected_at ASC").
		Order("id ASC").
		Find(&detections).Error
	return detections, err
}

func Summarize(detections []model.Detection) model.ReportSummary {
	summary := model.ReportSummary{Countries: map[string]int{}}
	for _, d := range detections {
		summary.Total++
		switch d.SeniorityLevel {
		case seniority.LevelCSuite:
			summary.CSuite++
		case seniority.LevelVP:
			summary.VP++
		}
		country := d.Country
		if country == "" {
			country = "Unknown"
		}
		summary.Countries[country]++
	}
	return summary
}
