package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pathfinder/pathfinder/pkg/claim"
	"github.com/pathfinder/pathfinder/pkg/model"
	"github.com/pathfinder/pathfinder/pkg/store"
)

type EventRepository struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// InsertRawEvent stores the event unless a row with the same idempotency key
// exists. The uniqueness check and the insert are one statement; inserted is
// false for a duplicate delivery.
func (r *EventRepository) InsertRawEvent(ctx context.Context, event *model.RawEvent) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(event)
	if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
		return false, nil
	}
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *EventRepository) GetRawEvent(ctx context.Context, id uint64) (*model.RawEvent, error) {
	var event model.RawEvent
	err := r.db.WithContext(ctx).First(&event, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *EventRepository) MarkProcessed(ctx context.Context, id uint64, processedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.RawEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed":    true,
			"processed_at": processedAt.UTC(),
			"last_error":   "",
		}).Error
}

func (r *EventRepository) MarkFailed(ctx context.Context, id uint64, cause error) error {
	return r.db.WithContext(ctx).
		Model(&model.RawEvent{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": cause.Error(),
		}).Error
}

// StaleClaimer hands out unprocessed events older than grace, for the retry
// sweep. Events that already failed maxAttempts times are left alone.
func (r *EventRepository) StaleClaimer(grace, lease time.Duration, maxAttempts int) *claim.Claimer[model.RawEvent] {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return claim.New[model.RawEvent](r.db, claim.Options{
		Queue: "events",
		Order: "received_at",
		Pending: func(db *gorm.DB) *gorm.DB {
			return db.Where("processed = ? AND received_at < ? AND attempts < ?",
				false, time.Now().UTC().Add(-grace), maxAttempts)
		},
		Lease: lease,
	})
}
