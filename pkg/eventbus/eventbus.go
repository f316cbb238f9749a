// Package eventbus carries detection events over Kafka: a producer for the
// event, retry and dead-letter topics and a consumer group that retries
// failed handlers through the retry topic.
package eventbus

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event is the envelope of every published message.
type Event struct {
	ID        string          `json:"event_id"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func NewEvent(id, eventType string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        id,
		Type:      eventType,
		Timestamp: time.Now().Unix(),
		Data:      data,
	}, nil
}

func (e Event) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return errors.New("event has no data")
	}
	return json.Unmarshal(e.Data, v)
}

// Headers identify the event without decoding the value.
func (e Event) Headers() []kafka.Header {
	return []kafka.Header{
		{Key: headerEventID, Value: []byte(e.ID)},
		{Key: headerEventType, Value: []byte(e.Type)},
	}
}

func ParseEvent(message kafka.Message) (Event, error) {
	var event Event
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return Event{}, err
	}
	if event.ID == "" {
		event.ID = extractEventID(message)
	}
	return event, nil
}
