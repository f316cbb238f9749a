// Package ingest turns community profile events into seniority state
// transitions exactly once per distinct delivery.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pathfinder/pathfinder/pkg/classifier"
	"github.com/pathfinder/pathfinder/pkg/idempotency"
	"github.com/pathfinder/pathfinder/pkg/metrics"
	"github.com/pathfinder/pathfinder/pkg/model"
	"github.com/pathfinder/pathfinder/pkg/seniority"
	"github.com/pathfinder/pathfinder/pkg/store"
)

const DefaultJobTitleField = "Job Title"

var ErrEventNotFound = errors.New("raw event not found")

type Status string

const (
	StatusSkipped   Status = "skipped"
	StatusDuplicate Status = "duplicate"
	StatusProcessed Status = "processed"
)

const (
	ReasonNotJobTitle              = "not_job_title"
	ReasonUnsupportedEventType     = "unsupported_event_type"
	ReasonNoJobTitleOnRegistration = "no_job_title_on_registration"
	ReasonAlreadyProcessed         = "already_processed"
)

// Event is one profile change as delivered by the community platform.
// EventID is part of the idempotency key; DeliveryID only labels the stored
// row, so a redelivery under a new id is still a duplicate.
type Event struct {
	EventID    string
	DeliveryID string
	EventType  string
	UserID     string
	Username   string
	Field      string
	Value      string
	OldValue   string
	Country    string
	Company    string
	JoinedAt   *time.Time
	ReceivedAt time.Time
}

func (e Event) missingMetadata() bool {
	return e.Country == "" || e.Company == "" || e.JoinedAt == nil
}

type Result struct {
	Status      Status          `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	IsSenior    bool            `json:"is_senior"`
	Level       seniority.Level `json:"seniority_level"`
	Transition  seniority.Kind  `json:"transition,omitempty"`
	RawEventID  uint64          `json:"raw_event_id,omitempty"`
	DetectionID uint64          `json:"detection_id,omitempty"`
}

type Metadata struct {
	Country  string
	Company  string
	JoinedAt *time.Time
}

type EventStore interface {
	InsertRawEvent(ctx context.Context, event *model.RawEvent) (bool, error)
	GetRawEvent(ctx context.Context, id uint64) (*model.RawEvent, error)
	MarkProcessed(ctx context.Context, id uint64, processedAt time.Time) error
	MarkFailed(ctx context.Context, id uint64, cause error) error
}

type StateStore interface {
	Apply(ctx context.Context, obs seniority.Observation) (seniority.Transition, *model.Detection, error)
}

type MetadataSource interface {
	Fetch(ctx context.Context, userID string) (*Metadata, error)
}

type Classifier interface {
	Classify(title string) classifier.Result
}

type Pipeline struct {
	events        EventStore
	states        StateStore
	metadata      MetadataSource
	classifier    Classifier
	jobTitleField string
	logger        *zap.Logger
	now           func() time.Time
}

func NewPipeline(events EventStore, states StateStore, metadata MetadataSource, c Classifier, jobTitleField string, logger *zap.Logger) *Pipeline {
	if jobTitleField == "" {
		jobTitleField = DefaultJobTitleField
	}
	return &Pipeline{
		events:        events,
		states:        states,
		metadata:      metadata,
		classifier:    c,
		jobTitleField: jobTitleField,
		logger:        logger,
		now:           time.Now,
	}
}

func (p *Pipeline) ProcessEvent(ctx context.Context, event Event) (Result, error) {
	if !strings.EqualFold(strings.TrimSpace(event.Field), p.jobTitleField) {
		return p.finish(Result{Status: StatusSkipped, Reason: ReasonNotJobTitle}), nil
	}

	receivedAt := event.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = p.now()
	}
	raw := &model.RawEvent{
		EventID:        firstNonEmpty(event.EventID, event.DeliveryID),
		EventType:      event.EventType,
		UserID:         event.UserID,
		Username:       event.Username,
		ProfileField:   event.Field,
		Value:          event.Value,
		OldValue:       event.OldValue,
		Country:        event.Country,
		Company:        event.Company,
		JoinedAt:       event.JoinedAt,
		IdempotencyKey: idempotency.Key(event.EventID, event.UserID, event.Field, event.Value),
		ReceivedAt:     receivedAt.UTC(),
	}

	inserted, err := p.events.InsertRawEvent(ctx, raw)
	if err != nil {
		return Result{}, fmt.Errorf("store raw event: %w", err)
	}
	if !inserted {
		p.logger.Info("duplicate event ignored",
			zap.String("user_id", event.UserID),
			zap.String("idempotency_key", raw.IdempotencyKey),
		)
		return p.finish(Result{Status: StatusDuplicate}), nil
	}

	return p.process(ctx, raw.ID, event)
}

// Reprocess runs classification and the state transition again for a
// stored event that has not been marked processed.
func (p *Pipeline) Reprocess(ctx context.Context, rawEventID uint64) (Result, error) {
	raw, err := p.events.GetRawEvent(ctx, rawEventID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, ErrEventNotFound
	}
	if err != nil {
		return Result{}, fmt.Errorf("load raw event: %w", err)
	}
	if raw.Processed {
		return p.finish(Result{Status: StatusDuplicate, Reason: ReasonAlreadyProcessed, RawEventID: raw.ID}), nil
	}

	return p.process(ctx, raw.ID, Event{
		DeliveryID: raw.EventID,
		EventType:  raw.EventType,
		UserID:     raw.UserID,
		Username:   raw.Username,
		Field:      raw.ProfileField,
		Value:      raw.Value,
		OldValue:   raw.OldValue,
		Country:    raw.Country,
		Company:    raw.Company,
		JoinedAt:   raw.JoinedAt,
		ReceivedAt: raw.ReceivedAt,
	})
}

func (p *Pipeline) process(ctx context.Context, rawEventID uint64, event Event) (Result, error) {
	event = p.enrich(ctx, event)

	classified := p.classifier.Classify(event.Value)
	metrics.ClassificationsTotal.WithLabelValues(classified.Level.String(), classified.RulesVersion).Inc()

	transition, detection, err := p.states.Apply(ctx, seniority.Observation{
		UserID:       event.UserID,
		Username:     event.Username,
		Title:        event.Value,
		Level:        classified.Level,
		Country:      event.Country,
		Company:      event.Company,
		JoinedAt:     event.JoinedAt,
		RulesVersion: classified.RulesVersion,
		ObservedAt:   p.now(),
	})
	if err != nil {
		p.recordFailure(ctx, rawEventID, err)
		return Result{}, fmt.Errorf("apply seniority transition: %w", err)
	}

	if err := p.events.MarkProcessed(ctx, rawEventID, p.now()); err != nil {
		p.recordFailure(ctx, rawEventID, err)
		return Result{}, fmt.Errorf("mark event processed: %w", err)
	}

	result := Result{
		Status:     StatusProcessed,
		IsSenior:   classified.IsSenior,
		Level:      classified.Level,
		Transition: transition.Kind,
		RawEventID: rawEventID,
	}
	if detection != nil {
		result.DetectionID = detection.ID
		metrics.DetectionsTotal.WithLabelValues(string(detection.Kind), string(detection.SeniorityLevel)).Inc()
	}

	p.logger.Info("event processed",
		zap.Uint64("raw_event_id", rawEventID),
		zap.String("user_id", event.UserID),
		zap.String("title", event.Value),
		zap.String("level", classified.Level.String()),
		zap.String("transition", string(transition.Kind)),
		zap.String("rules_version", classified.RulesVersion),
	)
	return p.finish(result), nil
}

// enrich fills missing country, company and join date from the metadata
// source. A failed lookup is logged and the event continues with what it has.
func (p *Pipeline) enrich(ctx context.Context, event Event) Event {
	if p.metadata == nil || !event.missingMetadata() {
		return event
	}

	meta, err := p.metadata.Fetch(ctx, event.UserID)
	if err != nil {
		metrics.MetadataFetchFailures.Inc()
		p.logger.Warn("failed to fetch user metadata",
			zap.String("user_id", event.UserID),
			zap.Error(err),
		)
		return event
	}
	if meta == nil {
		return event
	}

	if event.Country == "" {
		event.Country = meta.Country
	}
	if event.Company == "" {
		event.Company = meta.Company
	}
	if event.JoinedAt == nil {
		event.JoinedAt = meta.JoinedAt
	}
	return event
}

func (p *Pipeline) recordFailure(ctx context.Context, rawEventID uint64, cause error) {
	if err := p.events.MarkFailed(ctx, rawEventID, cause); err != nil {
		p.logger.Warn("failed to record event failure",
			zap.Uint64("raw_event_id", rawEventID),
			zap.Error(err),
		)
	}
}

func (p *Pipeline) finish(result Result) Result {
	metrics.EventsTotal.WithLabelValues(string(result.Status), result.Reason).Inc()
	return result
}
