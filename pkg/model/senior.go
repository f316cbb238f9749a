package model

import (
	"time"

	"github.com/pathfinder/pathfinder/pkg/seniority"
)

// UserState holds the live snapshot of a currently senior user. Demotion
// deletes the row.
type UserState struct {
	UserID          string          `gorm:"type:varchar(64);primaryKey"`
	Username        string          `gorm:"type:varchar(255)"`
	Title           string          `gorm:"type:text"`
	SeniorityLevel  seniority.Level `gorm:"type:varchar(16);not null;index;check:chk_user_state_level,seniority_level IN ('vp','csuite')"`
	Country         string          `gorm:"type:varchar(128)"`
	Company         string          `gorm:"type:varchar(255)"`
	JoinedAt        *time.Time
	FirstDetectedAt time.Time `gorm:"not null"`
	LastSeenAt      time.Time `gorm:"not null"`
}

func (UserState) TableName() string {
	return "user_state"
}

// Detection is append-only: a first senior classification or a promotion
// from vp to csuite.
type Detection struct {
	ID             uint64          `gorm:"primaryKey;autoIncrement"`
	UserID         string          `gorm:"type:varchar(64);not null;index"`
	Username       string          `gorm:"type:varchar(255)"`
	Title          string          `gorm:"type:text"`
	SeniorityLevel seniority.Level `gorm:"type:varchar(16);not null;index"`
	Kind           seniority.Kind  `gorm:"type:varchar(32);not null"`
	Country        string          `gorm:"type:varchar(128)"`
	Company        string          `gorm:"type:varchar(255)"`
	JoinedAt       *time.Time
	DetectedAt     time.Time `gorm:"not null;index"`
	RulesVersion   string    `gorm:"type:varchar(64);not null"`
}

func (Detection) TableName() string {
	return "detections"
}

type Stats struct {
	SeniorUsers       int64 `json:"senior_users"`
	CSuiteUsers       int64 `json:"csuite_users"`
	VPUsers           int64 `json:"vp_users"`
	TotalDetections   int64 `json:"total_detections"`
	PendingDigests    int64 `json:"pending_digests"`
	PendingReports    int64 `json:"pending_reports"`
	UnprocessedEvents int64 `json:"unprocessed_events"`
	PendingOutbox     int64 `json:"pending_outbox"`
}
