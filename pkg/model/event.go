package model

import "time"

// Lease marks a row as taken by one worker. A lease older than the claimer's
// lease duration is treated as abandoned and may be claimed again.
type Lease struct {
	ClaimedBy string     `gorm:"type:varchar(64);not null;default:''"`
	ClaimedAt *time.Time `gorm:"index"`
}

// RawEvent is one webhook delivery. It is never deleted; Processed flips
// once the state transition has committed.
type RawEvent struct {
	ID             uint64     `gorm:"primaryKey;autoIncrement"`
	EventID        string     `gorm:"type:varchar(128)"`
	EventType      string     `gorm:"type:varchar(128)"`
	UserID         string     `gorm:"type:varchar(64);not null;index"`
	Username       string     `gorm:"type:varchar(255)"`
	ProfileField   string     `gorm:"type:varchar(128);not null"`
	Value          string     `gorm:"type:text"`
	OldValue       string     `gorm:"type:text"`
	Country        string     `gorm:"type:varchar(128)"`
	Company        string     `gorm:"type:varchar(255)"`
	JoinedAt       *time.Time
	IdempotencyKey string     `gorm:"type:varchar(64);not null;uniqueIndex"`
	Processed      bool       `gorm:"not null;default:false;index"`
	Attempts       int        `gorm:"not null;default:0"`
	LastError      string     `gorm:"type:text"`
	ReceivedAt     time.Time  `gorm:"not null;index"`
	ProcessedAt    *time.Time
	Lease          `gorm:"embedded"`
}

func (RawEvent) TableName() string {
	return "events_raw"
}

func (e RawEvent) LeaseID() uint64 {
	return e.ID
}
