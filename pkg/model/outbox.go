package model

import "time"

const (
	OutboxStatusPending   = "pending"
	OutboxStatusPublished = "published"
	OutboxStatusFailed    = "failed"

	EventTypeDetection = "pathfinder.detection"
)

// DetectionEvent is the outbox row written in the same transaction as a
// Detection. The relay publishes it and flips Status.
type DetectionEvent struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	EventType   string    `gorm:"type:varchar(64);not null"`
	DetectionID uint64    `gorm:"not null;index"`
	Payload     JSONB     `gorm:"not null"`
	Status      string    `gorm:"type:varchar(16);not null;default:'pending';index"`
	Attempts    int       `gorm:"not null;default:0"`
	LastError   string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"not null;index"`
	PublishedAt *time.Time
	Lease       `gorm:"embedded"`
}

func (DetectionEvent) TableName() string {
	return "detection_events"
}

func (e DetectionEvent) LeaseID() uint64 {
	return e.ID
}

// DetectionMessage is the published form of a detection.
type DetectionMessage struct {
	DetectionID  uint64     `json:"detection_id"`
	UserID       string     `json:"user_id"`
	Username     string     `json:"username"`
	Title        string     `json:"title"`
	Level        string     `json:"level"`
	Kind         string     `json:"kind"`
	Country      string     `json:"country"`
	Company      string     `json:"company"`
	JoinedAt     *time.Time `json:"joined_at,omitempty"`
	DetectedAt   time.Time  `json:"detected_at"`
	RulesVersion string     `json:"rules_version"`
}

func NewDetectionMessage(d Detection) DetectionMessage {
	return DetectionMessage{
		DetectionID:  d.ID,
		UserID:       d.UserID,
		Username:     d.Username,
		Title:        d.Title,
		Level:        string(d.SeniorityLevel),
		Kind:         string(d.Kind),
		Country:      d.Country,
		Company:      d.Company,
		JoinedAt:     d.JoinedAt,
		DetectedAt:   d.DetectedAt,
		RulesVersion: d.RulesVersion,
	}
}
