package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"
)

const (
	EventUserProfileUpdated = "integration.UserProfileUpdated"
	EventUserRegistered     = "integration.UserRegistered"
)

// FlexString decodes a JSON string or number into its string form. The
// community platform sends user ids as either.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

type WebhookUser struct {
	ID           FlexString `json:"id"`
	UserID       FlexString `json:"userId"`
	Username     string     `json:"username"`
	DisplayName  string     `json:"displayName"`
	JobTitle     string     `json:"jobTitle"`
	JobTitleAlt  string     `json:"job_title"`
	Country      string     `json:"country"`
	Company      string     `json:"company"`
	RegisteredAt *time.Time `json:"registeredAt"`
}

// WebhookPayload is the community webhook body. Both camelCase and
// snake_case spellings are accepted.
type WebhookPayload struct {
	ID              string       `json:"id"`
	EventID         string       `json:"eventId"`
	Event           string       `json:"event"`
	Type            string       `json:"type"`
	UserID          FlexString   `json:"userId"`
	UserIDAlt       FlexString   `json:"user_id"`
	Username        string       `json:"username"`
	ProfileField    string       `json:"profileField"`
	ProfileFieldAlt string       `json:"profile_field"`
	Value           string       `json:"value"`
	OldValue        string       `json:"oldValue"`
	OldValueAlt     string       `json:"old_value"`
	JobTitle        string       `json:"jobTitle"`
	User            *WebhookUser `json:"user"`
}

func (p WebhookPayload) EventType() string {
	return firstNonEmpty(p.Event, p.Type)
}

// ToEvent maps the payload to a pipeline event. A non-empty reason means the
// payload must be skipped without being stored.
func (p WebhookPayload) ToEvent(jobTitleField string) (Event, string) {
	if jobTitleField == "" {
		jobTitleField = DefaultJobTitleField
	}

	event := Event{
		DeliveryID: firstNonEmpty(p.EventID, p.ID),
		EventType:  p.EventType(),
		UserID:     firstNonEmpty(string(p.UserID), string(p.UserIDAlt)),
		Username:   p.Username,
		Field:      firstNonEmpty(p.ProfileField, p.ProfileFieldAlt),
		Value:      p.Value,
		OldValue:   firstNonEmpty(p.OldValue, p.OldValueAlt),
	}

	switch event.EventType {
	case EventUserRegistered:
		var title string
		if p.User != nil {
			event.UserID = firstNonEmpty(event.UserID, string(p.User.ID), string(p.User.UserID))
			event.Username = firstNonEmpty(event.Username, p.User.Username, p.User.DisplayName)
			event.Country = p.User.Country
			event.Company = p.User.Company
			event.JoinedAt = p.User.RegisteredAt
			title = firstNonEmpty(p.User.JobTitle, p.User.JobTitleAlt)
		}
		title = firstNonEmpty(title, p.JobTitle)
		if strings.TrimSpace(title) == "" {
			return Event{}, ReasonNoJobTitleOnRegistration
		}
		event.Field = jobTitleField
		event.Value = title
		event.OldValue = ""
		return event, ""

	case EventUserProfileUpdated:
		if !strings.EqualFold(strings.TrimSpace(event.Field), jobTitleField) {
			return Event{}, ReasonNotJobTitle
		}
		return event, ""

	default:
		return Event{}, ReasonUnsupportedEventType
	}
}

// ProcessWebhook filters the payload by event type and runs the resulting
// event through ProcessEvent.
func (p *Pipeline) ProcessWebhook(ctx context.Context, payload WebhookPayload) (Result, error) {
	event, reason := payload.ToEvent(p.jobTitleField)
	if reason != "" {
		return p.finish(Result{Status: StatusSkipped, Reason: reason}), nil
	}
	return p.ProcessEvent(ctx, event)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
