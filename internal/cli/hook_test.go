package cli

import (
	"strings"
	"testing"
	"time"

	"github.com/pacetrace-dev/pacetrace/internal/log"
)

func TestReadPayload(t *testing.T) {
	in := strings.NewReader(`{
		"session_id": "sess-1",
		"transcript_path": "/tmp/t.jsonl",
		"cwd": "/work/repo",
		"hook_event_name": "UserPromptSubmit",
		"prompt": "fix the bug"
	}`)

	payload, err := readPayload(in)
	if err != nil {
		t.Fatalf("readPayload failed: %v", err)
	}
	if payload.SessionID != "sess-1" || payload.Prompt != "fix the bug" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestReadPayloadRejectsGarbage(t *testing.T) {
	if _, err := readPayload(strings.NewReader("not json")); err == nil {
		t.Error("expected an error for an unreadable payload")
	}
}

func TestReadPayloadRequiresSessionID(t *testing.T) {
	if _, err := readPayload(strings.NewReader(`{"cwd":"/tmp"}`)); err == nil {
		t.Error("expected an error for a payload without session_id")
	}
}

func TestFormatEvent(t *testing.T) {
	event := log.Event{
		Time:      time.Date(2026, 8, 27, 14, 30, 0, 0, time.UTC),
		Level:     "warn",
		Component: "push",
		Message:   "batch had item errors",
		SessionID: "sess-1",
		Count:     3,
	}

	line := formatEvent(event)
	for _, want := range []string{"14:30:00", "warn", "push", "batch had item errors", "session=sess-1", "count=3"} {
		if !strings.Contains(line, want) {
			t.Errorf("formatted line %q missing %q", line, want)
		}
	}
}
