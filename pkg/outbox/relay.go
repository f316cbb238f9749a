// Package outbox publishes detection events that were committed together
// with their detection rows.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/pathfinder/pathfinder/pkg/claim"
	"github.com/pathfinder/pathfinder/pkg/eventbus"
	"github.com/pathfinder/pathfinder/pkg/metrics"
	"github.com/pathfinder/pathfinder/pkg/model"
)

const queueName = "outbox"

type Repository interface {
	Claim(ctx context.Context, limit int) (claim.Batch[model.DetectionEvent], error)
	Release(ctx context.Context, id uint64, token string, cause error) error
	MarkPublished(ctx context.Context, id uint64, token string, publishedAt time.Time) error
	MarkFailed(ctx context.Context, id uint64, token string, cause error) error
}

type Publisher interface {
	PublishEvent(ctx context.Context, key, value []byte, headers ...kafka.Header) error
	PublishDLQ(ctx context.Context, key, value []byte, headers ...kafka.Header) error
}

type Relay struct {
	repo         Repository
	publisher    Publisher
	logger       *zap.Logger
	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
}

type DLQMessage struct {
	Event    eventbus.Event `json:"event"`
	OutboxID uint64         `json:"outbox_id"`
	Attempts int            `json:"attempts"`
	Error    string         `json:"error"`
	FailedAt time.Time      `json:"failed_at"`
}

type Result struct {
	Claimed   int `json:"claimed"`
	Published int `json:"published"`
	Released  int `json:"released"`
	Failed    int `json:"failed"`
}

func NewRelay(repo Repository, publisher Publisher, logger *zap.Logger, pollInterval time.Duration, batchSize, maxAttempts int) *Relay {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Relay{
		repo:         repo,
		publisher:    publisher,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		maxAttempts:  maxAttempts,
	}
}

func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay starting",
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
			r.logger.Info("outbox relay shutting down")
			return ctx.Err()
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

// drain keeps claiming while full batches come back.
func (r *Relay) drain(ctx context.Context) {
	for ctx.Err() == nil {
		result, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Warn("failed to claim outbox events", zap.Error(err))
			return
		}
		if result.Claimed < r.batchSize {
			return
		}
	}
}

// RunOnce claims one batch of pending events and publishes each of them.
// A failed publish is released for the next pass until maxAttempts is
// reached, then the event goes to the dead-letter topic and is marked
// failed.
func (r *Relay) RunOnce(ctx context.Context) (Result, error) {
	batch, err := r.repo.Claim(ctx, r.batchSize)
	if err != nil {
		return Result{}, err
	}

	result := Result{Claimed: len(batch.Rows)}
	for _, row := range batch.Rows {
		event, err := toEvent(row)
		if err == nil {
			err = r.publish(ctx, row, event)
		}
		if err == nil {
			if markErr := r.repo.MarkPublished(ctx, row.ID, batch.Token, time.Now()); markErr != nil {
				r.logger.Warn("failed to mark event published", zap.Uint64("outbox_id", row.ID), zap.Error(markErr))
			}
			metrics.DispatchTotal.WithLabelValues(queueName, "succeeded").Inc()
			result.Published++
			continue
		}

		r.logger.Warn("failed to publish outbox event",
			zap.Uint64("outbox_id", row.ID),
			zap.Uint64("detection_id", row.DetectionID),
			zap.Int("attempts", row.Attempts+1),
			zap.Error(err),
		)
		metrics.DispatchTotal.WithLabelValues(queueName, "failed").Inc()

		if row.Attempts+1 < r.maxAttempts {
			if relErr := r.repo.Release(context.WithoutCancel(ctx), row.ID, batch.Token, err); relErr != nil {
				r.logger.Warn("failed to release outbox event", zap.Uint64("outbox_id", row.ID), zap.Error(relErr))
			}
			result.Released++
			continue
		}

		if dlqErr := r.publishDLQ(ctx, row, event, err); dlqErr != nil {
			r.logger.Error("failed to publish outbox event to DLQ", zap.Uint64("outbox_id", row.ID), zap.Error(dlqErr))
			_ = r.repo.Release(context.WithoutCancel(ctx), row.ID, batch.Token, err)
			result.Released++
			continue
		}
		if markErr := r.repo.MarkFailed(ctx, row.ID, batch.Token, err); markErr != nil {
			r.logger.Warn("failed to mark event failed", zap.Uint64("outbox_id", row.ID), zap.Error(markErr))
		}
		result.Failed++
	}

	return result, nil
}

func (r *Relay) publish(ctx context.Context, row model.DetectionEvent, event eventbus.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return r.publisher.PublishEvent(ctx, messageKey(row), value, event.Headers()...)
}

func (r *Relay) publishDLQ(ctx context.Context, row model.DetectionEvent, event eventbus.Event, publishErr error) error {
	payload, err := json.Marshal(DLQMessage{
		Event:    event,
		OutboxID: row.ID,
		Attempts: row.Attempts + 1,
		Error:    publishErr.Error(),
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return r.publisher.PublishDLQ(ctx, messageKey(row), payload, event.Headers()...)
}

// EventID is the same for every publish attempt of a detection.
func EventID(detectionID uint64) string {
	return fmt.Sprintf("detection-%d", detectionID)
}

func toEvent(row model.DetectionEvent) (eventbus.Event, error) {
	var message model.DetectionMessage
	if err := row.Payload.Decode(&message); err != nil {
		return eventbus.Event{}, fmt.Errorf("decode outbox payload: %w", err)
	}
	event, err := eventbus.NewEvent(EventID(row.DetectionID), row.EventType, message)
	if err != nil {
		return eventbus.Event{}, err
	}
	event.Timestamp = row.CreatedAt.Unix()
	return event, nil
}

// messageKey partitions by user so one user's detections stay ordered.
func messageKey(row model.DetectionEvent) []byte {
	if userID, ok := row.Payload["user_id"].(string); ok && userID != "" {
		return []byte(userID)
	}
	return []byte(EventID(row.DetectionID))
}
