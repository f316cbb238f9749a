package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pathfinder/pathfinder/pkg/eventbus"
	"github.com/pathfinder/pathfinder/pkg/model"
	"github.com/pathfinder/pathfinder/pkg/seniority"
	"github.com/pathfinder/pathfinder/pkg/store/postgres"
	"github.com/pathfinder/pathfinder/pkg/store/storetest"
)

type published struct {
	key     string
	value   []byte
	headers []kafka.Header
}

type fakePublisher struct {
	mu       sync.Mutex
	events   []published
	dlq      []published
	eventErr error
}

func (p *fakePublisher) PublishEvent(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.eventErr != nil {
		return p.eventErr
	}
	p.events = append(p.events, published{key: string(key), value: value, headers: headers})
	return nil
}

func (p *fakePublisher) PublishDLQ(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dlq = append(p.dlq, published{key: string(key), value: value, headers: headers})
	return nil
}

func setup(t *testing.T) (*postgres.Store, *postgres.OutboxRepository) {
	t.Helper()
	s := postgres.Wrap(storetest.Open(t))
	require.NoError(t, s.AutoMigrate())

	states := postgres.NewStateRepository(s.DB())
	for _, userID := range []string{"42", "43"} {
		_, detection, err := states.Apply(context.Background(), seniority.Observation{
			UserID:       userID,
			Username:     "user" + userID,
			Title:        "Chief Executive Officer",
			Level:        seniority.LevelCSuite,
			RulesVersion: "test-1",
			ObservedAt:   time.Now().UTC(),
		})
		require.NoError(t, err)
		require.NotNil(t, detection)
	}
	return s, postgres.NewOutboxRepository(s.DB(), time.Minute)
}

func outboxRows(t *testing.T, s *postgres.Store) []model.DetectionEvent {
	t.Helper()
	var rows []model.DetectionEvent
	require.NoError(t, s.DB().Order("id").Find(&rows).Error)
	return rows
}

func TestRunOncePublishesPendingEvents(t *testing.T) {
	s, repo := setup(t)
	publisher := &fakePublisher{}
	relay := NewRelay(repo, publisher, zap.NewNop(), time.Second, 10, 3)

	result, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 2, Published: 2}, result)

	require.Len(t, publisher.events, 2)
	assert.Equal(t, "42", publisher.events[0].key)
	assert.Equal(t, "43", publisher.events[1].key)

	var event eventbus.Event
	require.NoError(t, json.Unmarshal(publisher.events[0].value, &event))
	assert.Equal(t, model.EventTypeDetection, event.Type)

	var message model.DetectionMessage
	require.NoError(t, event.Decode(&message))
	assert.Equal(t, "42", message.UserID)
	assert.Equal(t, "csuite", message.Level)
	assert.Equal(t, EventID(message.DetectionID), event.ID)

	for _, row := range outboxRows(t, s) {
		assert.Equal(t, model.OutboxStatusPublished, row.Status)
		assert.NotNil(t, row.PublishedAt)
		assert.Empty(t, row.ClaimedBy)
	}

	again, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, again.Claimed)
}

func TestRunOnceReleasesThenDeadLetters(t *testing.T) {
	s, repo := setup(t)
	publisher := &fakePublisher{eventErr: errors.New("broker unavailable")}
	relay := NewRelay(repo, publisher, zap.NewNop(), time.Second, 10, 2)
	ctx := context.Background()

	first, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 2, Released: 2}, first)
	for _, row := range outboxRows(t, s) {
		assert.Equal(t, model.OutboxStatusPending, row.Status)
		assert.Equal(t, 1, row.Attempts)
		assert.Equal(t, "broker unavailable", row.LastError)
	}

	second, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Claimed: 2, Failed: 2}, second)
	require.Len(t, publisher.dlq, 2)

	var dead DLQMessage
	require.NoError(t, json.Unmarshal(publisher.dlq[0].value, &dead))
	assert.Equal(t, "broker unavailable", dead.Error)
	assert.Equal(t, 2, dead.Attempts)
	assert.Equal(t, model.EventTypeDetection, dead.Event.Type)

	for _, row := range outboxRows(t, s) {
		assert.Equal(t, model.OutboxStatusFailed, row.Status)
	}

	third, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, third.Claimed, "failed events are not retried")
}

func TestEventIDIsStable(t *testing.T) {
	assert.Equal(t, "detection-7", EventID(7))
	assert.Equal(t, EventID(7), EventID(7))
}
