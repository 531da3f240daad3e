package sessions

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tillerlabs/tiller/pkg/models"
)

// EntryType tags a session log line.
type EntryType string

const (
	EntryMessage             EntryType = "message"
	EntryThinkingLevelChange EntryType = "thinking_level_change"
	EntryModelChange         EntryType = "model_change"
	EntryCompaction          EntryType = "compaction"
	EntryBranchSummary       EntryType = "branch_summary"
	EntryCustom              EntryType = "custom"
	EntryCustomMessage       EntryType = "custom_message"
	EntryLabel               EntryType = "label"
	EntrySessionInfo         EntryType = "session_info"
)

// headerType tags the first line of a session file.
const headerType = "session"

// Header is the first line of a session file. ParentSession points at the
// file this session was branched from, when any.
type Header struct {
	Type          string `json:"type"`
	ID            string `json:"id"`
	Timestamp     string `json:"timestamp"`
	Cwd           string `json:"cwd"`
	Version       int    `json:"version"`
	ParentSession string `json:"parentSession,omitempty"`
}

// EntryMeta is the envelope shared by every entry. ParentID is nil for
// entries that start a branch at the root.
type EntryMeta struct {
	Type      EntryType `json:"type"`
	ID        string    `json:"id"`
	ParentID  *string   `json:"parentId"`
	Timestamp string    `json:"timestamp"`
}

// Meta returns the entry envelope.
func (m *EntryMeta) Meta() *EntryMeta { return m }

// Entry is one line of the session log.
type Entry interface {
	Meta() *EntryMeta
}

// MessageEntry records one committed conversation message. The payload is
// kept as raw JSON so reloading and re-saving a file reproduces it byte
// for byte. Entries of unrecognized type also decode as message entries,
// keeping their original type tag.
type MessageEntry struct {
	EntryMeta
	Message json.RawMessage `json:"message,omitempty"`
}

// DecodeMessage unmarshals the stored message payload.
func (e *MessageEntry) DecodeMessage() (models.Message, error) {
	return decodeStoredMessage(e.Message)
}

// ThinkingLevelChangeEntry records a reasoning-effort switch.
type ThinkingLevelChangeEntry struct {
	EntryMeta
	ThinkingLevel string `json:"thinkingLevel"`
}

// ModelChangeEntry records a model switch.
type ModelChangeEntry struct {
	EntryMeta
	Provider string `json:"provider"`
	ModelID  string `json:"modelId"`
}

// CompactionEntry summarizes everything before FirstKeptEntryID. Context
// reconstruction replaces the summarized prefix with the summary.
type CompactionEntry struct {
	EntryMeta
	Summary          string         `json:"summary"`
	FirstKeptEntryID string         `json:"firstKeptEntryId"`
	TokensBefore     int            `json:"tokensBefore"`
	Details          map[string]any `json:"details,omitempty"`
	FromHook         bool           `json:"fromHook,omitempty"`
}

// BranchSummaryEntry records the intent of an abandoned branch when the
// conversation is rewound to FromID.
type BranchSummaryEntry struct {
	EntryMeta
	FromID   string         `json:"fromId"`
	Summary  string         `json:"summary"`
	Details  map[string]any `json:"details,omitempty"`
	FromHook bool           `json:"fromHook,omitempty"`
}

// CustomEntry is an extension record that does not affect context
// reconstruction.
type CustomEntry struct {
	EntryMeta
	CustomType string          `json:"customType"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// CustomMessageEntry is an extension record that surfaces in the
// reconstructed context as a display-only message.
type CustomMessageEntry struct {
	EntryMeta
	CustomType string          `json:"customType"`
	Content    json.RawMessage `json:"content"`
	Display    bool            `json:"display"`
	Details    map[string]any  `json:"details,omitempty"`
}

// LabelEntry attaches a label to an earlier entry. A nil label clears it.
type LabelEntry struct {
	EntryMeta
	TargetID string  `json:"targetId"`
	Label    *string `json:"label,omitempty"`
}

// SessionInfoEntry records session metadata; the latest non-empty name
// wins.
type SessionInfoEntry struct {
	EntryMeta
	Name string `json:"name,omitempty"`
}

// UnmarshalEntry decodes one session log line into its typed entry.
// Unrecognized types decode as message entries so logs written by newer
// versions still load.
func UnmarshalEntry(data []byte) (Entry, error) {
	var probe struct {
		Type EntryType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	var entry Entry
	switch probe.Type {
	case EntryMessage:
		entry = &MessageEntry{}
	case EntryThinkingLevelChange:
		entry = &ThinkingLevelChangeEntry{}
	case EntryModelChange:
		entry = &ModelChangeEntry{}
	case EntryCompaction:
		entry = &CompactionEntry{}
	case EntryBranchSummary:
		entry = &BranchSummaryEntry{}
	case EntryCustom:
		entry = &CustomEntry{}
	case EntryCustomMessage:
		entry = &CustomMessageEntry{}
	case EntryLabel:
		entry = &LabelEntry{}
	case EntrySessionInfo:
		entry = &SessionInfoEntry{}
	default:
		entry = &MessageEntry{}
	}
	if err := json.Unmarshal(data, entry); err != nil {
		return nil, err
	}
	if entry.Meta().Timestamp == "" {
		entry.Meta().Timestamp = nowISO()
	}
	return entry, nil
}

// encodeLine marshals one log line with a trailing newline. HTML escaping
// is off so code in message content stays readable in the file.
func encodeLine(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// isoMillis matches the timestamp format of the log: UTC with millisecond
// precision and a Z suffix.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

func nowISO() string {
	return time.Now().UTC().Format(isoMillis)
}

// parseTimestamp accepts the log's own format plus common ISO 8601
// variants, including numeric offsets and zone-less strings.
func parseTimestamp(value string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// timestampMillis converts an entry timestamp to Unix milliseconds, 0
// when unparseable.
func timestampMillis(value string) int64 {
	t, ok := parseTimestamp(value)
	if !ok {
		return 0
	}
	return t.UnixMilli()
}

// newSessionID returns a 32-char hex session id.
func newSessionID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// generateID returns an 8-char hex entry id not matched by taken. After
// 100 collisions it falls back to a full-length id.
func generateID(taken func(id string) bool) string {
	for i := 0; i < 100; i++ {
		id := newSessionID()[:8]
		if taken == nil || !taken(id) {
			return id
		}
	}
	return newSessionID()
}
