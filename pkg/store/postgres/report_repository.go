package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pathfinder/pathfinder/pkg/claim"
	"github.com/pathfinder/pathfinder/pkg/model"
)

type ReportRepository struct {
	db *gorm.DB
	*claim.Claimer[model.Report]
}

func NewReportRepository(db *gorm.DB, lease time.Duration) *ReportRepository {
	return &ReportRepository{
		db: db,
		Claimer: claim.New[model.Report](db, claim.Options{
			Queue: "reports",
			Order: "created_at",
			Pending: func(db *gorm.DB) *gorm.DB {
				return db.Where("file_uri IS NULL AND failed_at IS NULL")
			},
			Lease: lease,
		}),
	}
}

// Create inserts the report row unless the month already has one.
func (r *ReportRepository) Create(ctx context.Context, report *model.Report) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "month_label"}},
			DoNothing: true,
		}).
		Create(report)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *ReportRepository) SetFiles(ctx context.Context, id uint64, token, fileURI, csvURI string, completedAt time.Time) error {
	return r.Complete(ctx, id, token, map[string]interface{}{
		"file_uri":     fileURI,
		"csv_uri":      csvURI,
		"completed_at": completedAt.UTC(),
		"last_error":   "",
	})
}

func (r *ReportRepository) Fail(ctx context.Context, id uint64, token string, cause error) error {
	return r.Complete(ctx, id, token, failUpdates(cause, time.Now()))
}

func (r *ReportRepository) GetByMonth(ctx context.Context, label string) (*model.Report, error) {
	var report model.Report
	if err := r.db.WithContext(ctx).First(&report, "month_label = ?", label).Error; err != nil {
		return nil, err
	}
	return &report, nil
}

func failUpdates(cause error, at time.Time) map[string]interface{} {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	return map[string]interface{}{
		"failed_at":  at.UTC(),
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": lastError,
	}
}
