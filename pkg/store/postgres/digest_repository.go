package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pathfinder/pathfinder/pkg/claim"
	"github.com/pathfinder/pathfinder/pkg/model"
)

type DigestRepository struct {
	db *gorm.DB
	*claim.Claimer[model.Digest]
}

func NewDigestRepository(db *gorm.DB, lease time.Duration) *DigestRepository {
	return &DigestRepository{
		db: db,
		Claimer: claim.New[model.Digest](db, claim.Options{
			Queue: "digests",
			Order: "created_at",
			Pending: func(db *gorm.DB) *gorm.DB {
				return db.Where("sent = ? AND failed_at IS NULL", false)
			},
			Lease: lease,
		}),
	}
}

// Create inserts the digest unless one already exists for the same week and
// channel.
func (r *DigestRepository) Create(ctx context.Context, digest *model.Digest) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "week_start"}, {Name: "channel"}},
			DoNothing: true,
		}).
		Create(digest)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *DigestRepository) MarkSent(ctx context.Context, id uint64, token string, sentAt time.Time) error {
	return r.Complete(ctx, id, token, map[string]interface{}{
		"sent":       true,
		"sent_at":    sentAt.UTC(),
		"last_error": "",
	})
}

// Fail marks the digest as given up. It is kept for inspection but never
// claimed again.
func (r *DigestRepository) Fail(ctx context.Context, id uint64, token string, cause error) error {
	return r.Complete(ctx, id, token, failUpdates(cause, time.Now()))
}

func (r *DigestRepository) Get(ctx context.Context, id uint64) (*model.Digest, error) {
	var digest model.Digest
	if err := r.db.WithContext(ctx).First(&digest, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &digest, nil
}
