package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/pathfinder/pathfinder/pkg/claim"
	"github.com/pathfinder/pathfinder/pkg/model"
)

type OutboxRepository struct {
	db *gorm.DB
	*claim.Claimer[model.DetectionEvent]
}

func NewOutboxRepository(db *gorm.DB, lease time.Duration) *OutboxRepository {
	return &OutboxRepository{
		db: db,
		Claimer: claim.New[model.DetectionEvent](db, claim.Options{
			Queue: "outbox",
			Order: "created_at",
			Pending: func(db *gorm.DB) *gorm.DB {
				return db.Where("status = ?", model.OutboxStatusPending)
			},
			Lease: lease,
		}),
	}
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, id uint64, token string, publishedAt time.Time) error {
	return r.Complete(ctx, id, token, map[string]interface{}{
		"status":       model.OutboxStatusPublished,
		"published_at": publishedAt.UTC(),
	})
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id uint64, token string, cause error) error {
	return r.Complete(ctx, id, token, map[string]interface{}{
		"status":     model.OutboxStatusFailed,
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": cause.Error(),
	})
}
