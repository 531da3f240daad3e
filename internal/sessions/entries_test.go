package sessions

import (
	"strings"
	"testing"
	"time"
)

func TestUnmarshalEntryPreservesUnknownType(t *testing.T) {
	line := `{"type":"futureThing","id":"aa11bb22","parentId":null,"timestamp":"2026-08-25T10:00:00.000Z","message":{"role":"user","content":"hi"}}`

	entry, err := UnmarshalEntry([]byte(line))
	if err != nil {
		t.Fatalf("UnmarshalEntry: %v", err)
	}
	if entry.Meta().Type != EntryType("futureThing") {
		t.Fatalf("type = %q, want futureThing", entry.Meta().Type)
	}
	if _, ok := entry.(*MessageEntry); !ok {
		t.Fatalf("unknown type decoded as %T, want *MessageEntry", entry)
	}

	encoded, err := encodeLine(entry)
	if err != nil {
		t.Fatalf("encodeLine: %v", err)
	}
	if !strings.Contains(string(encoded), `"type":"futureThing"`) {
		t.Fatalf("rewrite lost the type tag: %s", encoded)
	}
}

func TestUnmarshalEntryStampsMissingTimestamp(t *testing.T) {
	entry, err := UnmarshalEntry([]byte(`{"type":"custom","id":"aa11bb22","parentId":null,"customType":"x"}`))
	if err != nil {
		t.Fatalf("UnmarshalEntry: %v", err)
	}
	if entry.Meta().Timestamp == "" {
		t.Fatal("timestamp not stamped")
	}
	if _, ok := parseTimestamp(entry.Meta().Timestamp); !ok {
		t.Fatalf("stamped timestamp %q not parseable", entry.Meta().Timestamp)
	}
}

func TestGenerateID(t *testing.T) {
	if id := generateID(nil); len(id) != 8 {
		t.Fatalf("id %q has length %d, want 8", id, len(id))
	}

	// When every short id collides the generator falls back to a full one.
	full := generateID(func(id string) bool { return len(id) == 8 })
	if len(full) != 32 {
		t.Fatalf("fallback id %q has length %d, want 32", full, len(full))
	}
}

func TestSessionFileNameIsFilesystemSafe(t *testing.T) {
	name := sessionFileName("2026-08-25T10:00:00.000Z", "a1b2c3")
	if strings.ContainsAny(strings.TrimSuffix(name, ".jsonl"), ":.") {
		t.Fatalf("file name %q keeps unsafe characters", name)
	}
	if name != "2026-08-25T10-00-00-000Z_a1b2c3.jsonl" {
		t.Fatalf("file name = %q", name)
	}
}

func TestParseTimestampForms(t *testing.T) {
	want := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	for _, value := range []string{
		"2026-08-25T10:00:00.000Z",
		"2026-08-25T10:00:00+00:00",
		"2026-08-25T10:00:00",
	} {
		got, ok := parseTimestamp(value)
		if !ok {
			t.Fatalf("parseTimestamp(%q) failed", value)
		}
		if !got.Equal(want) {
			t.Fatalf("parseTimestamp(%q) = %v, want %v", value, got, want)
		}
	}

	if _, ok := parseTimestamp("yesterday"); ok {
		t.Fatal("parseTimestamp accepted garbage")
	}
	if ms := timestampMillis("2026-08-25T10:00:00.000Z"); ms != want.UnixMilli() {
		t.Fatalf("timestampMillis = %d, want %d", ms, want.UnixMilli())
	}
}

func TestEncodeLineKeepsCodeReadable(t *testing.T) {
	line, err := encodeLine(map[string]string{"text": "<div> && x"})
	if err != nil {
		t.Fatalf("encodeLine: %v", err)
	}
	if got := string(line); got != "{\"text\":\"<div> && x\"}\n" {
		t.Fatalf("encoded = %q", got)
	}
}
