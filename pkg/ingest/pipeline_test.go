package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pathfinder/pathfinder/pkg/classifier"
	"github.com/pathfinder/pathfinder/pkg/model"
	"github.com/pathfinder/pathfinder/pkg/seniority"
	"github.com/pathfinder/pathfinder/pkg/store"
	"github.com/pathfinder/pathfinder/pkg/store/postgres"
	"github.com/pathfinder/pathfinder/pkg/store/storetest"
)

type fakeEvents struct {
	byKey     map[string]*model.RawEvent
	byID      map[uint64]*model.RawEvent
	nextID    uint64
	failed    []error
	insertErr error
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{byKey: map[string]*model.RawEvent{}, byID: map[uint64]*model.RawEvent{}}
}

func (f *fakeEvents) InsertRawEvent(_ context.Context, event *model.RawEvent) (bool, error) {
	if f.insertErr != nil {
		return false, f.insertErr
	}
	if _, ok := f.byKey[event.IdempotencyKey]; ok {
		return false, nil
	}
	f.nextID++
	event.ID = f.nextID
	stored := *event
	f.byKey[event.IdempotencyKey] = &stored
	f.byID[stored.ID] = &stored
	return true, nil
}

func (f *fakeEvents) GetRawEvent(_ context.Context, id uint64) (*model.RawEvent, error) {
	event, ok := f.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *event
	return &copied, nil
}

func (f *fakeEvents) MarkProcessed(_ context.Context, id uint64, at time.Time) error {
	f.byID[id].Processed = true
	f.byID[id].ProcessedAt = &at
	return nil
}

func (f *fakeEvents) MarkFailed(_ context.Context, id uint64, cause error) error {
	f.failed = append(f.failed, cause)
	f.byID[id].Attempts++
	return nil
}

type fakeStates struct {
	observations []seniority.Observation
	levels       map[string]seniority.Level
	err          error
}

func (f *fakeStates) Apply(_ context.Context, obs seniority.Observation) (seniority.Transition, *model.Detection, error) {
	if f.err != nil {
		return seniority.Transition{}, nil, f.err
	}
	if f.levels == nil {
		f.levels = map[string]seniority.Level{}
	}
	f.observations = append(f.observations, obs)
	transition := seniority.Decide(f.levels[obs.UserID], obs.Level)
	f.levels[obs.UserID] = transition.To
	if !transition.EmitsDetection() {
		return transition, nil, nil
	}
	return transition, &model.Detection{ID: uint64(len(f.observations)), UserID: obs.UserID, SeniorityLevel: transition.To, Kind: transition.Kind}, nil
}

type fakeMetadata struct {
	meta  *Metadata
	err   error
	calls int
}

func (f *fakeMetadata) Fetch(context.Context, string) (*Metadata, error) {
	f.calls++
	return f.meta, f.err
}

func jobTitle(userID, value string) Event {
	return Event{UserID: userID, Username: "user" + userID, Field: "Job Title", Value: value}
}

func TestProcessEventSkipsOtherFields(t *testing.T) {
	events := newFakeEvents()
	p := NewPipeline(events, &fakeStates{}, nil, classifier.NewDefault(), "", zap.NewNop())

	result, err := p.ProcessEvent(context.Background(), Event{UserID: "1", Field: "Location", Value: "Berlin"})
	if err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if result.Status != StatusSkipped || result.Reason != ReasonNotJobTitle {
		t.Fatalf("expected skipped not_job_title, got %+v", result)
	}
	if len(events.byKey) != 0 {
		t.Fatalf("skipped event must not be stored")
	}
}

func TestProcessEventFieldCompareIgnoresCase(t *testing.T) {
	p := NewPipeline(newFakeEvents(), &fakeStates{}, nil, classifier.NewDefault(), "", zap.NewNop())

	result, err := p.ProcessEvent(context.Background(), Event{UserID: "1", Field: " job title ", Value: "CTO"})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, result.Status)
	assert.True(t, result.IsSenior)
	assert.Equal(t, seniority.LevelCSuite, result.Level)
}

func TestProcessEventDuplicateDelivery(t *testing.T) {
	events := newFakeEvents()
	states := &fakeStates{}
	p := NewPipeline(events, states, nil, classifier.NewDefault(), "", zap.NewNop())
	ctx := context.Background()

	first, err := p.ProcessEvent(ctx, jobTitle("42", "CEO"))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, first.Status)
	assert.Equal(t, seniority.KindFirstDetection, first.Transition)
	assert.NotZero(t, first.DetectionID)

	second, err := p.ProcessEvent(ctx, jobTitle("42", "CEO"))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, second.Status)
	assert.Len(t, states.observations, 1)
}

func TestProcessEventStampsRulesVersion(t *testing.T) {
	states := &fakeStates{}
	c := classifier.NewDefault()
	p := NewPipeline(newFakeEvents(), states, nil, c, "", zap.NewNop())

	_, err := p.ProcessEvent(context.Background(), jobTitle("7", "VP Marketing"))
	require.NoError(t, err)
	require.Len(t, states.observations, 1)
	assert.Equal(t, c.Version(), states.observations[0].RulesVersion)
	assert.Equal(t, seniority.LevelVP, states.observations[0].Level)
}

func TestProcessEventEnrichesMissingMetadata(t *testing.T) {
	joined := time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC)
	meta := &fakeMetadata{meta: &Metadata{Country: "France", Company: "Acme", JoinedAt: &joined}}
	states := &fakeStates{}
	p := NewPipeline(newFakeEvents(), states, meta, classifier.NewDefault(), "", zap.NewNop())

	event := jobTitle("9", "CFO")
	event.Company = "Initech"
	_, err := p.ProcessEvent(context.Background(), event)
	require.NoError(t, err)

	require.Equal(t, 1, meta.calls)
	obs := states.observations[0]
	assert.Equal(t, "France", obs.Country)
	assert.Equal(t, "Initech", obs.Company, "values carried by the event win")
	require.NotNil(t, obs.JoinedAt)
	assert.True(t, joined.Equal(*obs.JoinedAt))
}

func TestProcessEventSkipsFetchWhenComplete(t *testing.T) {
	joined := time.Now()
	meta := &fakeMetadata{}
	p := NewPipeline(newFakeEvents(), &fakeStates{}, meta, classifier.NewDefault(), "", zap.NewNop())

	event := jobTitle("9", "CFO")
	event.Country, event.Company, event.JoinedAt = "Spain", "Acme", &joined
	_, err := p.ProcessEvent(context.Background(), event)
	require.NoError(t, err)
	assert.Zero(t, meta.calls)
}

func TestProcessEventMetadataFailureIsBestEffort(t *testing.T) {
	meta := &fakeMetadata{err: errors.New("connection refused")}
	p := NewPipeline(newFakeEvents(), &fakeStates{}, meta, classifier.NewDefault(), "", zap.NewNop())

	result, err := p.ProcessEvent(context.Background(), jobTitle("5", "Chief Operating Officer"))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, result.Status)
	assert.Equal(t, seniority.LevelCSuite, result.Level)
}

func TestProcessEventStateFailureLeavesEventForRetry(t *testing.T) {
	events := newFakeEvents()
	states := &fakeStates{err: errors.New("deadlock detected")}
	p := NewPipeline(events, states, nil, classifier.NewDefault(), "", zap.NewNop())
	ctx := context.Background()

	_, err := p.ProcessEvent(ctx, jobTitle("3", "CEO"))
	require.Error(t, err)
	require.Len(t, events.failed, 1)

	stored := events.byID[1]
	assert.False(t, stored.Processed)
	assert.Equal(t, 1, stored.Attempts)

	states.err = nil
	result, err := p.Reprocess(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, result.Status)
	assert.Equal(t, seniority.KindFirstDetection, result.Transition)
	assert.True(t, events.byID[1].Processed)

	again, err := p.Reprocess(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, again.Status)
	assert.Equal(t, ReasonAlreadyProcessed, again.Reason)
}

func TestReprocessUnknownEvent(t *testing.T) {
	p := NewPipeline(newFakeEvents(), &fakeStates{}, nil, classifier.NewDefault(), "", zap.NewNop())

	_, err := p.Reprocess(context.Background(), 404)
	require.ErrorIs(t, err, ErrEventNotFound)
}

func TestProcessEventInsertFailurePropagates(t *testing.T) {
	events := newFakeEvents()
	events.insertErr = errors.New("connection reset")
	p := NewPipeline(events, &fakeStates{}, nil, classifier.NewDefault(), "", zap.NewNop())

	_, err := p.ProcessEvent(context.Background(), jobTitle("1", "CEO"))
	require.Error(t, err)
	assert.Empty(t, events.failed, "nothing stored, nothing to mark")
}

func TestProcessWebhookPayloads(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		status Status
		reason string
	}{
		{
			name:   "profile update of job title",
			body:   `{"event":"integration.UserProfileUpdated","userId":101,"username":"ada","profileField":"Job Title","value":"CTO","oldValue":"Engineer"}`,
			status: StatusProcessed,
		},
		{
			name:   "snake case fields",
			body:   `{"type":"integration.UserProfileUpdated","user_id":"102","profile_field":"Job Title","value":"VP Sales","old_value":""}`,
			status: StatusProcessed,
		},
		{
			name:   "other profile field",
			body:   `{"event":"integration.UserProfileUpdated","userId":"103","profileField":"Country","value":"Peru"}`,
			status: StatusSkipped,
			reason: ReasonNotJobTitle,
		},
		{
			name:   "registration with title",
			body:   `{"event":"integration.UserRegistered","user":{"id":104,"displayName":"Grace","jobTitle":"Chief Financial Officer","country":"UK"}}`,
			status: StatusProcessed,
		},
		{
			name:   "registration without title",
			body:   `{"event":"integration.UserRegistered","user":{"id":"105","username":"linus"}}`,
			status: StatusSkipped,
			reason: ReasonNoJobTitleOnRegistration,
		},
		{
			name:   "unsupported event",
			body:   `{"event":"integration.TopicCreated","userId":"106"}`,
			status: StatusSkipped,
			reason: ReasonUnsupportedEventType,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var payload WebhookPayload
			require.NoError(t, json.Unmarshal([]byte(tc.body), &payload))

			p := NewPipeline(newFakeEvents(), &fakeStates{}, nil, classifier.NewDefault(), "", zap.NewNop())
			result, err := p.ProcessWebhook(context.Background(), payload)
			require.NoError(t, err)
			assert.Equal(t, tc.status, result.Status)
			assert.Equal(t, tc.reason, result.Reason)
		})
	}
}

func TestRegistrationPayloadMapsUser(t *testing.T) {
	var payload WebhookPayload
	body := `{"event":"integration.UserRegistered","user":{"id":104,"displayName":"Grace","job_title":"CFO","company":"Acme"}}`
	require.NoError(t, json.Unmarshal([]byte(body), &payload))

	event, reason := payload.ToEvent("Job Title")
	require.Empty(t, reason)
	assert.Equal(t, "104", event.UserID)
	assert.Equal(t, "Grace", event.Username)
	assert.Equal(t, "Job Title", event.Field)
	assert.Equal(t, "CFO", event.Value)
	assert.Equal(t, "Acme", event.Company)
	assert.Empty(t, event.OldValue)
}

func TestWebhookRedeliveryWithNewIDIsDuplicate(t *testing.T) {
	events := newFakeEvents()
	p := NewPipeline(events, &fakeStates{}, nil, classifier.NewDefault(), "", zap.NewNop())
	ctx := context.Background()

	var first, second WebhookPayload
	require.NoError(t, json.Unmarshal([]byte(`{"id":"dlv-1","event":"integration.UserProfileUpdated","userId":"42","profileField":"Job Title","value":"CEO"}`), &first))
	require.NoError(t, json.Unmarshal([]byte(`{"id":"dlv-2","event":"integration.UserProfileUpdated","userId":"42","profileField":"Job Title","value":"CEO"}`), &second))

	result, err := p.ProcessWebhook(ctx, first)
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, result.Status)

	raw, err := events.GetRawEvent(ctx, result.RawEventID)
	require.NoError(t, err)
	assert.Equal(t, "dlv-1", raw.EventID)

	result, err = p.ProcessWebhook(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, result.Status)
	assert.Len(t, events.byKey, 1)
}

func TestEndToEndWithStore(t *testing.T) {
	s := postgres.Wrap(storetest.Open(t))
	require.NoError(t, s.AutoMigrate())
	ctx := context.Background()

	events := postgres.NewEventRepository(s.DB())
	states := postgres.NewStateRepository(s.DB())
	p := NewPipeline(events, states, nil, classifier.NewDefault(), "Job Title", zap.NewNop())

	first, err := p.ProcessEvent(ctx, jobTitle("42", "CEO"))
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, first.Status)
	assert.True(t, first.IsSenior)
	assert.Equal(t, seniority.LevelCSuite, first.Level)

	raw, err := events.GetRawEvent(ctx, first.RawEventID)
	require.NoError(t, err)
	assert.True(t, raw.Processed)

	state, err := states.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, seniority.LevelCSuite, state.SeniorityLevel)

	second, err := p.ProcessEvent(ctx, jobTitle("42", "CEO"))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, second.Status)

	var rawCount, detectionCount int64
	require.NoError(t, s.DB().Model(&model.RawEvent{}).Count(&rawCount).Error)
	require.NoError(t, s.DB().Model(&model.Detection{}).Count(&detectionCount).Error)
	assert.Equal(t, int64(1), rawCount)
	assert.Equal(t, int64(1), detectionCount)

	detections, err := postgres.NewDetectionRepository(s.DB()).ListByUser(ctx, "42")
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Equal(t, seniority.LevelCSuite, detections[0].SeniorityLevel)
	assert.Equal(t, first.DetectionID, detections[0].ID)
}
