package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pathfinder/pathfinder/pkg/model"
	"github.com/pathfinder/pathfinder/pkg/seniority"
	"github.com/pathfinder/pathfinder/pkg/store"
)

type StateRepository struct {
	db *gorm.DB
}

func NewStateRepository(db *gorm.DB) *StateRepository {
	return &StateRepository{db: db}
}

func (r *StateRepository) Get(ctx context.Context, userID string) (*model.UserState, error) {
	var state model.UserState
	err := r.db.WithContext(ctx).First(&state, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// errStateInserted reports that a concurrent first detection created the
// user row between the locking read and the insert.
var errStateInserted = errors.New("user state inserted concurrently")

// Apply runs one seniority transition for the observed user inside a single
// transaction: the user row is read FOR UPDATE, the transition is decided,
// and user_state, detections and the detection outbox are written together.
// The returned detection is nil unless the transition emitted one.
func (r *StateRepository) Apply(ctx context.Context, obs seniority.Observation) (seniority.Transition, *model.Detection, error) {
	var (
		transition seniority.Transition
		detection  *model.Detection
	)

	observedAt := obs.ObservedAt.UTC()
	if obs.ObservedAt.IsZero() {
		observedAt = time.Now().UTC()
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		transition, detection, err = transitionLocked(tx, obs, observedAt)
		if errors.Is(err, errStateInserted) {
			// The row is committed and visible now; decide again against it.
			transition, detection, err = transitionLocked(tx, obs, observedAt)
		}
		if err != nil {
			return err
		}

		if detection == nil {
			return nil
		}
		if err := tx.Create(detection).Error; err != nil {
			return fmt.Errorf("insert detection: %w", err)
		}
		payload, err := model.EncodeJSONB(model.NewDetectionMessage(*detection))
		if err != nil {
			return err
		}
		outbox := model.DetectionEvent{
			EventType:   model.EventTypeDetection,
			DetectionID: detection.ID,
			Payload:     payload,
			Status:      model.OutboxStatusPending,
		}
		if err := tx.Create(&outbox).Error; err != nil {
			return fmt.Errorf("insert detection event: %w", err)
		}
		return nil
	})
	if err != nil {
		return seniority.Transition{}, nil, err
	}
	return transition, detection, nil
}

// transitionLocked reads the user row FOR UPDATE, decides the transition and
// writes user_state. The first insert does nothing on a user_id conflict and
// returns errStateInserted instead.
func transitionLocked(tx *gorm.DB, obs seniority.Observation, observedAt time.Time) (seniority.Transition, *model.Detection, error) {
	var current model.UserState
	found := true
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", obs.UserID).
		Take(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		found = false
	} else if err != nil {
		return seniority.Transition{}, nil, fmt.Errorf("load user state: %w", err)
	}

	currentLevel := seniority.LevelNone
	if found {
		currentLevel = current.SeniorityLevel
	}
	transition := seniority.Decide(currentLevel, obs.Level)

	switch transition.Kind {
	case seniority.KindDemotion:
		if err := tx.Where("user_id = ?", obs.UserID).Delete(&model.UserState{}).Error; err != nil {
			return seniority.Transition{}, nil, fmt.Errorf("delete user state: %w", err)
		}

	case seniority.KindFirstDetection:
		state := model.UserState{
			UserID:          obs.UserID,
			Username:        obs.Username,
			Title:           obs.Title,
			SeniorityLevel:  transition.To,
			Country:         obs.Country,
			Company:         obs.Company,
			JoinedAt:        utcPtr(obs.JoinedAt),
			FirstDetectedAt: observedAt,
			LastSeenAt:      observedAt,
		}
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).Create(&state)
		if result.Error != nil {
			return seniority.Transition{}, nil, fmt.Errorf("insert user state: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return seniority.Transition{}, nil, fmt.Errorf("user %s: %w", obs.UserID, errStateInserted)
		}
		return transition, newDetection(state, transition, obs.RulesVersion, observedAt), nil

	case seniority.KindPromotion, seniority.KindUpdate:
		updates := descriptiveUpdates(obs, observedAt)
		updates["seniority_level"] = transition.To
		if err := tx.Model(&model.UserState{}).Where("user_id = ?", obs.UserID).Updates(updates).Error; err != nil {
			return seniority.Transition{}, nil, fmt.Errorf("update user state: %w", err)
		}
		if transition.Kind == seniority.KindPromotion {
			merged := mergeObservation(current, obs, transition.To)
			return transition, newDetection(merged, transition, obs.RulesVersion, observedAt), nil
		}
	}
	return transition, nil, nil
}

// descriptiveUpdates overwrites metadata only when the event carries it, so
// a later event without enrichment does not erase what is known.
func descriptiveUpdates(obs seniority.Observation, observedAt time.Time) map[string]interface{} {
	updates := map[string]interface{}{
		"title":        obs.Title,
		"last_seen_at": observedAt,
	}
	if obs.Username != "" {
		updates["username"] = obs.Username
	}
	if obs.Country != "" {
		updates["country"] = obs.Country
	}
	if obs.Company != "" {
		updates["company"] = obs.Company
	}
	if obs.JoinedAt != nil {
		updates["joined_at"] = obs.JoinedAt.UTC()
	}
	return updates
}

func mergeObservation(current model.UserState, obs seniority.Observation, level seniority.Level) model.UserState {
	merged := current
	merged.Title = obs.Title
	merged.SeniorityLevel = level
	if obs.Username != "" {
		merged.Username = obs.Username
	}
	if obs.Country != "" {
		merged.Country = obs.Country
	}
	if obs.Company != "" {
		merged.Company = obs.Company
	}
	if obs.JoinedAt != nil {
		merged.JoinedAt = utcPtr(obs.JoinedAt)
	}
	return merged
}

func newDetection(state model.UserState, transition seniority.Transition, rulesVersion string, at time.Time) *model.Detection {
	return &model.Detection{
		UserID:         state.UserID,
		Username:       state.Username,
		Title:          state.Title,
		SeniorityLevel: transition.To,
		Kind:           transition.Kind,
		Country:        state.Country,
		Company:        state.Company,
		JoinedAt:       state.JoinedAt,
		DetectedAt:     at,
		RulesVersion:   rulesVersion,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
