package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestJSONBValueAndScan(t *testing.T) {
	original := JSONB{"channel": "email", "total_count": 2}

	value, err := original.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	data, ok := value.([]byte)
	if !ok {
		t.Fatalf("expected []byte value, got %T", value)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal value error: %v", err)
	}

	if decoded["channel"] != "email" {
		t.Fatalf("expected channel email, got %v", decoded["channel"])
	}

	var scanned JSONB
	if err := scanned.Scan(data); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if scanned["channel"] != "email" {
		t.Fatalf("expected scanned channel email, got %v", scanned["channel"])
	}

	var fromText JSONB
	if err := fromText.Scan(string(data)); err != nil {
		t.Fatalf("Scan(string) error: %v", err)
	}
	if fromText["channel"] != "email" {
		t.Fatalf("expected channel email from text, got %v", fromText["channel"])
	}

	if err := fromText.Scan(42); err == nil {
		t.Fatal("expected error scanning an int")
	}
}

func TestJSONBGormDataType(t *testing.T) {
	value := JSONB{"ok": true}
	if value.GormDataType() != "jsonb" {
		t.Fatalf("expected jsonb data type, got %q", value.GormDataType())
	}
}

func TestDigestPayloadEncodeDecode(t *testing.T) {
	start := time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC)
	payload := DigestPayload{
		WeekStart:  start,
		WeekEnd:    start.AddDate(0, 0, 6),
		Channel:    ChannelTeams,
		TotalCount: 1,
		Detections: []DigestEntry{{UserID: "42", Username: "ada", Title: "CEO", Level: "csuite"}},
	}

	stored, err := EncodeJSONB(payload)
	if err != nil {
		t.Fatalf("EncodeJSONB() error: %v", err)
	}
	if stored["channel"] != string(ChannelTeams) {
		t.Fatalf("expected channel teams, got %v", stored["channel"])
	}

	digest := Digest{Payload: stored}
	got, err := digest.DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload() error: %v", err)
	}
	if !got.WeekStart.Equal(start) || got.TotalCount != 1 || got.Detections[0].Username != "ada" {
		t.Fatalf("unexpected decoded payload: %+v", got)
	}
}
