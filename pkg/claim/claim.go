// Package claim hands out bounded batches of pending rows to concurrent
// workers so that no row is given to two workers at once.
package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pathfinder/pathfinder/pkg/metrics"
)

const (
	DefaultLimit = 10
	DefaultLease = 10 * time.Minute
)

var ErrLeaseLost = errors.New("claim lease lost")

// Row is implemented by models that embed model.Lease and carry the
// attempts and last_error columns.
type Row interface {
	LeaseID() uint64
}

type Options struct {
	// Queue names the work queue in logs and metrics.
	Queue string
	// Order is the creation time column; oldest rows are claimed first.
	Order string
	// Pending restricts a query to rows that are not done yet.
	Pending func(db *gorm.DB) *gorm.DB
	Lease   time.Duration
}

type Batch[T Row] struct {
	Token string
	Rows  []T
}

type Claimer[T Row] struct {
	db   *gorm.DB
	opts Options
	now  func() time.Time
}

func New[T Row](db *gorm.DB, opts Options) *Claimer[T] {
	if opts.Order == "" {
		opts.Order = "created_at"
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.Pending == nil {
		opts.Pending = func(db *gorm.DB) *gorm.DB { return db }
	}
	return &Claimer[T]{db: db, opts: opts, now: time.Now}
}

func (c *Claimer[T]) Queue() string {
	return c.opts.Queue
}

// Claim selects up to limit pending rows whose lease is free, locking them
// with SKIP LOCKED, and stamps them with a fresh token in the same
// transaction. The conditional UPDATE re-checks the lease so the claim stays
// exclusive on stores that ignore row locks.
func (c *Claimer[T]) Claim(ctx context.Context, limit int) (Batch[T], error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	batch := Batch[T]{Token: uuid.NewString()}
	now := c.now().UTC()
	expired := now.Add(-c.opts.Lease)

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uint64
		err := tx.Model(new(T)).
			Scopes(c.opts.Pending, leaseFree(expired)).
			Order(c.opts.Order + " ASC").
			Order("id ASC").
			Limit(limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Pluck("id", &ids).Error
		if err != nil {
			return fmt.Errorf("select pending %s: %w", c.opts.Queue, err)
		}
		if len(ids) == 0 {
			return nil
		}

		result := tx.Model(new(T)).
			Scopes(c.opts.Pending, leaseFree(expired)).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"claimed_by": batch.Token,
				"claimed_at": now,
			})
		if result.Error != nil {
			return fmt.Errorf("lease pending %s: %w", c.opts.Queue, result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		return tx.Where("claimed_by = ? AND id IN ?", batch.Token, ids).
			Order(c.opts.Order + " ASC").
			Order("id ASC").
			Find(&batch.Rows).Error
	})
	if err != nil {
		return Batch[T]{}, err
	}

	metrics.ClaimedRows.WithLabelValues(c.opts.Queue).Add(float64(len(batch.Rows)))
	return batch, nil
}

// Complete applies the done-marking updates and clears the lease, but only
// while the caller still holds it.
func (c *Claimer[T]) Complete(ctx context.Context, id uint64, token string, updates map[string]interface{}) error {
	return c.CompleteTx(c.db.WithContext(ctx), id, token, updates)
}

func (c *Claimer[T]) CompleteTx(tx *gorm.DB, id uint64, token string, updates map[string]interface{}) error {
	values := make(map[string]interface{}, len(updates)+2)
	for k, v := range updates {
		values[k] = v
	}
	values["claimed_by"] = ""
	values["claimed_at"] = nil

	result := tx.Model(new(T)).
		Where("id = ? AND claimed_by = ?", id, token).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release returns the row to the pending pool and records the failure.
func (c *Claimer[T]) Release(ctx context.Context, id uint64, token string, cause error) error {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	result := c.db.WithContext(ctx).Model(new(T)).
		Where("id = ? AND claimed_by = ?", id, token).
		Updates(map[string]interface{}{
			"claimed_by": "",
			"claimed_at": nil,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": lastError,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

func leaseFree(expired time.Time) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("(claimed_at IS NULL OR claimed_at < ?)", expired)
	}
}
