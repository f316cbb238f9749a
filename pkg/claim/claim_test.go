package claim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pathfinder/pathfinder/pkg/model"
	"github.com/pathfinder/pathfinder/pkg/store/storetest"
)

type job struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Done      bool   `gorm:"not null;default:false"`
	Attempts  int    `gorm:"not null;default:0"`
	LastError string
	CreatedAt time.Time

	model.Lease `gorm:"embedded"`
}

func (job) TableName() string {
	return "jobs"
}

func (j job) LeaseID() uint64 {
	return j.ID
}

func pendingJobs(db *gorm.DB) *gorm.DB {
	return db.Where("done = ?", false)
}

func seedJobs(t *testing.T, db *gorm.DB, n int) {
	t.Helper()
	require.NoError(t, db.AutoMigrate(&job{}))
	base := time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		require.NoError(t, db.Create(&job{CreatedAt: base.Add(time.Duration(i) * time.Minute)}).Error)
	}
}

func newJobClaimer(db *gorm.DB) *Claimer[job] {
	return New[job](db, Options{Queue: "jobs", Pending: pendingJobs, Lease: time.Minute})
}

func TestClaimOldestFirstAndBounded(t *testing.T) {
	db := storetest.Open(t)
	seedJobs(t, db, 12)
	claimer := newJobClaimer(db)

	batch, err := claimer.Claim(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, batch.Rows, DefaultLimit)
	require.NotEmpty(t, batch.Token)

	for i, row := range batch.Rows {
		assert.Equal(t, uint64(i+1), row.ID)
		assert.Equal(t, batch.Token, row.ClaimedBy)
		assert.NotNil(t, row.ClaimedAt)
	}

	next, err := claimer.Claim(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, next.Rows, 2)
	assert.Equal(t, uint64(11), next.Rows[0].ID)

	empty, err := claimer.Claim(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, empty.Rows)
}

func TestClaimIsExclusiveUnderConcurrency(t *testing.T) {
	db := storetest.Open(t)
	const rows, workers, limit = 35, 8, 5
	seedJobs(t, db, rows)
	claimer := newJobClaimer(db)

	var (
		mu      sync.Mutex
		claimed = make(map[uint64]int)
		wg      sync.WaitGroup
		errs    = make(chan error, workers)
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch, err := claimer.Claim(context.Background(), limit)
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, row := range batch.Rows {
				claimed[row.ID]++
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, claimed, rows, "every row is claimed when capacity exceeds the backlog")
	for id, count := range claimed {
		require.Equalf(t, 1, count, "row %d claimed %d times", id, count)
	}
}

func TestCompleteAndRelease(t *testing.T) {
	db := storetest.Open(t)
	seedJobs(t, db, 2)
	claimer := newJobClaimer(db)
	ctx := context.Background()

	batch, err := claimer.Claim(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch.Rows, 2)

	require.NoError(t, claimer.Complete(ctx, batch.Rows[0].ID, batch.Token, map[string]interface{}{"done": true}))
	require.NoError(t, claimer.Release(ctx, batch.Rows[1].ID, batch.Token, errors.New("notifier unavailable")))

	err = claimer.Complete(ctx, batch.Rows[1].ID, batch.Token, map[string]interface{}{"done": true})
	require.ErrorIs(t, err, ErrLeaseLost)

	var released job
	require.NoError(t, db.First(&released, batch.Rows[1].ID).Error)
	assert.Equal(t, 1, released.Attempts)
	assert.Equal(t, "notifier unavailable", released.LastError)
	assert.Empty(t, released.ClaimedBy)
	assert.Nil(t, released.ClaimedAt)

	again, err := claimer.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, again.Rows, 1)
	assert.Equal(t, batch.Rows[1].ID, again.Rows[0].ID)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	db := storetest.Open(t)
	seedJobs(t, db, 1)
	claimer := newJobClaimer(db)
	ctx := context.Background()

	first, err := claimer.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first.Rows, 1)

	held, err := claimer.Claim(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, held.Rows)

	claimer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	second, err := claimer.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, second.Rows, 1)
	require.NotEqual(t, first.Token, second.Token)

	err = claimer.Complete(ctx, first.Rows[0].ID, first.Token, map[string]interface{}{"done": true})
	require.ErrorIs(t, err, ErrLeaseLost, "a stale worker must not complete a reclaimed row")
}

func TestClaimUsesSkipLockedOnPostgres(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT "id" FROM "jobs" WHERE done = .*claimed_at IS NULL OR claimed_at < .*` +
		`ORDER BY created_at ASC,id ASC LIMIT \S+ FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2))
	mock.ExpectExec(`UPDATE "jobs" SET "claimed_at"=.*"claimed_by"=.* WHERE done = .*claimed_at IS NULL.* AND id IN`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery(`SELECT \* FROM "jobs" WHERE claimed_by = \$1 AND id IN \(\$2,\$3\)`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "done", "created_at", "claimed_by", "claimed_at"}).
			AddRow(1, false, now, "token", now).
			AddRow(2, false, now, "token", now))
	mock.ExpectCommit()

	batch, err := newJobClaimer(db).Claim(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, batch.Rows, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}
