// Package dispatch drains the claimable work queues: it claims a batch,
// performs each row's external call with bounded retry and marks the row
// done under the claim token.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pathfinder/pathfinder/pkg/claim"
	"github.com/pathfinder/pathfinder/pkg/metrics"
	"github.com/pathfinder/pathfinder/pkg/retry"
)

// Row is a claimable row that counts its failed passes.
type Row interface {
	claim.Row
	AttemptCount() int
}

// Queue is satisfied by the repositories embedding a claim.Claimer. Release
// returns a row to the pool; Fail takes it out for good.
type Queue[T Row] interface {
	Queue() string
	Claim(ctx context.Context, limit int) (claim.Batch[T], error)
	Release(ctx context.Context, id uint64, token string, cause error) error
	Fail(ctx context.Context, id uint64, token string, cause error) error
}

// Completion records a delivered row as done while the token still holds
// the lease.
type Completion func(ctx context.Context, token string) error

// Driver performs the external side effect for one row.
type Driver[T Row] interface {
	Deliver(ctx context.Context, row T) (Completion, error)
}

type RowError struct {
	ID    uint64 `json:"id"`
	Error string `json:"error"`
}

type BatchResult struct {
	Queue     string     `json:"queue"`
	Total     int        `json:"total"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Errors    []RowError `json:"errors,omitempty"`
}

type Runner[T Row] struct {
	queue        Queue[T]
	driver       Driver[T]
	policy       retry.Policy
	batchSize    int
	maxAttempts  int
	pollInterval time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

func NewRunner[T Row](queue Queue[T], driver Driver[T], policy retry.Policy, batchSize, maxAttempts int, pollInterval time.Duration, logger *zap.Logger) *Runner[T] {
	if batchSize <= 0 {
		batchSize = claim.DefaultLimit
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Runner[T]{
		queue:        queue,
		driver:       driver,
		policy:       policy,
		batchSize:    batchSize,
		maxAttempts:  maxAttempts,
		pollInterval: pollInterval,
		logger:       logger.With(zap.String("queue", queue.Queue())),
		now:          time.Now,
	}
}

func (r *Runner[T]) Run(ctx context.Context) error {
	r.logger.Info("dispatch runner starting",
		zap.Duration("poll_interval", r.pollInterval),
		zap.Int("batch_size", r.batchSize),
		zap.Int("max_attempts", r.maxAttempts),
	)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("dispatch runner shutting down")
			return ctx.Err()
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

// drain keeps claiming while full batches come back.
func (r *Runner[T]) drain(ctx context.Context) {
	for ctx.Err() == nil {
		result, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Warn("dispatch pass failed", zap.Error(err))
			return
		}
		if result.Total < r.batchSize || result.Succeeded == 0 {
			return
		}
	}
}

// RunOnce claims one batch and handles every row in it. A row failure is
// recorded on the row and in the result; only a failed claim aborts the pass.
func (r *Runner[T]) RunOnce(ctx context.Context) (BatchResult, error) {
	queue := r.queue.Queue()
	result := BatchResult{Queue: queue}

	batch, err := r.queue.Claim(ctx, r.batchSize)
	if err != nil {
		return result, fmt.Errorf("claim %s: %w", queue, err)
	}
	result.Total = len(batch.Rows)

	for _, row := range batch.Rows {
		if err := r.handle(ctx, row, batch.Token); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, RowError{ID: row.LeaseID(), Error: err.Error()})
			metrics.DispatchTotal.WithLabelValues(queue, "failed").Inc()
			continue
		}
		result.Succeeded++
		metrics.DispatchTotal.WithLabelValues(queue, "succeeded").Inc()
	}

	if result.Total > 0 {
		r.logger.Info("dispatch pass finished",
			zap.Int("total", result.Total),
			zap.Int("succeeded", result.Succeeded),
			zap.Int("failed", result.Failed),
		)
	}
	return result, nil
}

func (r *Runner[T]) handle(ctx context.Context, row T, token string) error {
	id := row.LeaseID()
	start := r.now()
	defer func() {
		metrics.DispatchDuration.WithLabelValues(r.queue.Queue()).Observe(time.Since(start).Seconds())
	}()

	var complete Completion
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		c, err := r.driver.Deliver(ctx, row)
		complete = c
		return err
	}, func(err error, wait time.Duration) {
		r.logger.Warn("delivery failed, retrying",
			zap.Uint64("id", id),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		r.settleFailure(ctx, row, token, err)
		return err
	}

	if complete == nil {
		return nil
	}
	err = retry.Do(ctx, r.policy, func(ctx context.Context) error {
		err := complete(ctx, token)
		if err == nil || errors.Is(err, claim.ErrLeaseLost) {
			return err
		}
		return retry.Transient(err)
	})
	if err != nil {
		// The side effect already happened; once the lease expires the row is
		// delivered again.
		r.logger.Error("row delivered but not marked done",
			zap.Uint64("id", id),
			zap.Bool("lease_lost", errors.Is(err, claim.ErrLeaseLost)),
			zap.Error(err),
		)
		return fmt.Errorf("complete row %d: %w", id, err)
	}
	return nil
}

// settleFailure releases a row that failed transiently, or was interrupted
// by shutdown, so a later pass retries it. Permanent failures and rows out of
// attempts are marked failed and never claimed again.
func (r *Runner[T]) settleFailure(ctx context.Context, row T, token string, err error) {
	id := row.LeaseID()
	interrupted := ctx.Err() != nil
	ctx = context.WithoutCancel(ctx)
	attempts := row.AttemptCount() + 1

	if interrupted || (retry.IsTransient(err) && attempts < r.maxAttempts) {
		r.logger.Warn("delivery failed",
			zap.Uint64("id", id),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		if releaseErr := r.queue.Release(ctx, id, token, err); releaseErr != nil {
			r.logger.Warn("failed to release row", zap.Uint64("id", id), zap.Error(releaseErr))
		}
		return
	}

	r.logger.Error("delivery failed permanently",
		zap.Uint64("id", id),
		zap.Int("attempts", attempts),
		zap.Bool("transient", retry.IsTransient(err)),
		zap.Error(err),
	)
	if failErr := r.queue.Fail(ctx, id, token, err); failErr != nil {
		r.logger.Warn("failed to mark row failed", zap.Uint64("id", id), zap.Error(failErr))
	}
}
