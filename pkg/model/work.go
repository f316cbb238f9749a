package model

import "time"

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelTeams Channel = "teams"
)

// Digest is a weekly summary waiting to be sent through one channel. A
// digest with FailedAt set is never claimed again.
type Digest struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	WeekStart time.Time `gorm:"not null;uniqueIndex:idx_digest_week_channel"`
	WeekEnd   time.Time `gorm:"not null"`
	Channel   Channel   `gorm:"type:varchar(16);not null;uniqueIndex:idx_digest_week_channel"`
	Payload   JSONB     `gorm:"not null"`
	Sent      bool      `gorm:"not null;default:false;index"`
	SentAt    *time.Time
	FailedAt  *time.Time `gorm:"index"`
	Attempts  int        `gorm:"not null;default:0"`
	LastError string     `gorm:"type:text"`
	CreatedAt time.Time  `gorm:"not null;index"`
	Lease     `gorm:"embedded"`
}

func (Digest) TableName() string {
	return "digests"
}

func (d Digest) LeaseID() uint64 {
	return d.ID
}

func (d Digest) AttemptCount() int {
	return d.Attempts
}

func (d Digest) DecodePayload() (DigestPayload, error) {
	var payload DigestPayload
	err := d.Payload.Decode(&payload)
	return payload, err
}

type DigestEntry struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	Title      string    `json:"title"`
	Level      string    `json:"level"`
	Kind       string    `json:"kind"`
	Country    string    `json:"country"`
	Company    string    `json:"company"`
	DetectedAt time.Time `json:"detected_at"`
}

type DigestPayload struct {
	WeekStart  time.Time     `json:"week_start"`
	WeekEnd    time.Time     `json:"week_end"`
	Channel    Channel       `json:"channel"`
	TotalCount int           `json:"total_count"`
	Detections []DigestEntry `json:"detections"`
}

// Report is a monthly export. FileURI is set once the files are written;
// FailedAt is set when generation gave up.
type Report struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement"`
	MonthLabel   string    `gorm:"type:varchar(7);not null;uniqueIndex"`
	PeriodStart  time.Time `gorm:"not null"`
	PeriodEnd    time.Time `gorm:"not null"`
	RulesVersion string    `gorm:"type:varchar(64)"`
	Summary      JSONB     `gorm:"not null"`
	FileURI      *string   `gorm:"type:text"`
	CSVURI       *string   `gorm:"type:text"`
	Attempts     int       `gorm:"not null;default:0"`
	LastError    string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"not null;index"`
	CompletedAt  *time.Time
	FailedAt     *time.Time `gorm:"index"`
	Lease        `gorm:"embedded"`
}

func (Report) TableName() string {
	return "reports"
}

func (r Report) LeaseID() uint64 {
	return r.ID
}

func (r Report) AttemptCount() int {
	return r.Attempts
}

func (r Report) DecodeSummary() (ReportSummary, error) {
	var summary ReportSummary
	err := r.Summary.Decode(&summary)
	return summary, err
}

type ReportSummary struct {
	Total     int            `json:"total"`
	CSuite    int            `json:"csuite"`
	VP        int            `json:"vp"`
	Countries map[string]int `json:"countries"`
}
