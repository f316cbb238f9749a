// Package alert turns published detection events into immediate
// notifications.
package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/pathfinder/pathfinder/pkg/eventbus"
	"github.com/pathfinder/pathfinder/pkg/metrics"
	"github.com/pathfinder/pathfinder/pkg/model"
	"github.com/pathfinder/pathfinder/pkg/notifier"
	"github.com/pathfinder/pathfinder/pkg/retry"
)

const queueName = "alerts"

type Sender interface {
	SendDetectionAlert(ctx context.Context, msg model.DetectionMessage) (*notifier.Deployment, error)
}

type Handler struct {
	sender  Sender
	policy  retry.Policy
	enabled bool
	logger  *zap.Logger
}

func NewHandler(sender Sender, policy retry.Policy, enabled bool, logger *zap.Logger) *Handler {
	return &Handler{
		sender:  sender,
		policy:  policy,
		enabled: enabled,
		logger:  logger,
	}
}

// Handle delivers one detection alert. Events of other types and all events
// while alerts are disabled are acknowledged without side effects. An error
// sends the message through the consumer's retry topic.
func (h *Handler) Handle(ctx context.Context, message kafka.Message) error {
	event, err := eventbus.ParseEvent(message)
	if err != nil {
		return fmt.Errorf("parse event: %w", err)
	}
	if event.Type != model.EventTypeDetection {
		h.logger.Debug("ignoring event", zap.String("event_id", event.ID), zap.String("type", event.Type))
		return nil
	}
	if !h.enabled {
		metrics.DispatchTotal.WithLabelValues(queueName, "disabled").Inc()
		return nil
	}

	var detection model.DetectionMessage
	if err := event.Decode(&detection); err != nil {
		return fmt.Errorf("decode detection: %w", err)
	}

	start := time.Now()
	var deployment *notifier.Deployment
	err = retry.Do(ctx, h.policy, func(ctx context.Context) error {
		var sendErr error
		deployment, sendErr = h.sender.SendDetectionAlert(ctx, detection)
		return sendErr
	}, func(err error, wait time.Duration) {
		h.logger.Warn("alert delivery failed, retrying",
			zap.String("event_id", event.ID),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	metrics.DispatchDuration.WithLabelValues(queueName).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(queueName, "failed").Inc()
		return err
	}

	metrics.DispatchTotal.WithLabelValues(queueName, "succeeded").Inc()
	h.logger.Info("detection alert sent",
		zap.String("event_id", event.ID),
		zap.Uint64("detection_id", detection.DetectionID),
		zap.String("user_id", detection.UserID),
		zap.String("level", detection.Level),
		zap.String("deployment_id", deployment.ID()),
	)
	return nil
}
