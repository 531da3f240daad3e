package sessions

import (
	"encoding/json"

	"github.com/tillerlabs/tiller/pkg/models"
)

// Display-only roles for messages reconstructed from non-message entries.
// They are filtered out before a context is handed to a provider.
const (
	RoleCustom            models.Role = "custom"
	RoleBranchSummary     models.Role = "branchSummary"
	RoleCompactionSummary models.Role = "compactionSummary"
)

// CustomMessage is the display form of a custom_message entry, or of a
// stored message whose role is "custom".
type CustomMessage struct {
	CustomType string          `json:"customType"`
	Content    json.RawMessage `json:"content"`
	Display    bool            `json:"display"`
	Details    map[string]any  `json:"details,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

func (*CustomMessage) Role() models.Role { return RoleCustom }

func (m *CustomMessage) Time() int64 { return m.Timestamp }

func (m *CustomMessage) MarshalJSON() ([]byte, error) {
	type alias CustomMessage
	return json.Marshal(struct {
		Role models.Role `json:"role"`
		*alias
	}{Role: RoleCustom, alias: (*alias)(m)})
}

// BranchSummaryMessage is the display form of a branch_summary entry.
type BranchSummaryMessage struct {
	Summary   string `json:"summary"`
	FromID    string `json:"fromId"`
	Timestamp int64  `json:"timestamp"`
}

func (*BranchSummaryMessage) Role() models.Role { return RoleBranchSummary }

func (m *BranchSummaryMessage) Time() int64 { return m.Timestamp }

func (m *BranchSummaryMessage) MarshalJSON() ([]byte, error) {
	type alias BranchSummaryMessage
	return json.Marshal(struct {
		Role models.Role `json:"role"`
		*alias
	}{Role: RoleBranchSummary, alias: (*alias)(m)})
}

// CompactionSummaryMessage marks a compacted prefix in a reconstructed
// context.
type CompactionSummaryMessage struct {
	Summary      string `json:"summary"`
	TokensBefore int    `json:"tokensBefore"`
	Timestamp    int64  `json:"timestamp"`
}

func (*CompactionSummaryMessage) Role() models.Role { return RoleCompactionSummary }

func (m *CompactionSummaryMessage) Time() int64 { return m.Timestamp }

func (m *CompactionSummaryMessage) MarshalJSON() ([]byte, error) {
	type alias CompactionSummaryMessage
	return json.Marshal(struct {
		Role models.Role `json:"role"`
		*alias
	}{Role: RoleCompactionSummary, alias: (*alias)(m)})
}

// decodeStoredMessage unmarshals a stored message payload. Payloads with
// the "custom" role, written by hooks, decode into the display-only
// CustomMessage.
func decodeStoredMessage(payload json.RawMessage) (models.Message, error) {
	msg, err := models.UnmarshalMessage(payload)
	if err == nil {
		return msg, nil
	}
	var probe struct {
		Role       models.Role     `json:"role"`
		CustomType string          `json:"customType"`
		Content    json.RawMessage `json:"content"`
		Display    bool            `json:"display"`
		Details    map[string]any  `json:"details"`
		Timestamp  int64           `json:"timestamp"`
	}
	if jsonErr := json.Unmarshal(payload, &probe); jsonErr == nil && probe.Role == RoleCustom {
		return &CustomMessage{
			CustomType: probe.CustomType,
			Content:    probe.Content,
			Display:    probe.Display,
			Details:    probe.Details,
			Timestamp:  probe.Timestamp,
		}, nil
	}
	return nil, err
}

// ModelRef identifies a provider/model pair recorded in the log.
type ModelRef struct {
	Provider string `json:"provider"`
	ModelID  string `json:"modelId"`
}

// SessionContext is the conversation state reconstructed at a leaf: the
// messages along its root path, plus the latest thinking level and model
// selection seen on that path.
type SessionContext struct {
	Messages      models.Messages
	ThinkingLevel models.ThinkingLevel
	Model         *ModelRef
}

// BuildContext reconstructs the conversation at leafID. An empty or
// unknown leafID yields an empty context.
func BuildContext(entries []Entry, leafID string) *SessionContext {
	byID := make(map[string]Entry, len(entries))
	for _, entry := range entries {
		byID[entry.Meta().ID] = entry
	}
	return buildContext(byID, leafID)
}

func buildContext(byID map[string]Entry, leafID string) *SessionContext {
	out := &SessionContext{ThinkingLevel: models.ThinkingOff}
	if leafID == "" {
		return out
	}
	leaf := byID[leafID]
	if leaf == nil {
		return out
	}

	var path []Entry
	for current := leaf; current != nil; {
		path = append(path, current)
		parent := current.Meta().ParentID
		if parent == nil {
			break
		}
		current = byID[*parent]
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	// The latest switch on the path wins; assistant messages carry their
	// own provenance. Multiple compactions collapse to the last.
	var compaction *CompactionEntry
	for _, entry := range path {
		switch e := entry.(type) {
		case *ThinkingLevelChangeEntry:
			out.ThinkingLevel = models.ThinkingLevel(e.ThinkingLevel)
		case *ModelChangeEntry:
			out.Model = &ModelRef{Provider: e.Provider, ModelID: e.ModelID}
		case *MessageEntry:
			if provider, modelID, ok := assistantProvenance(e.Message); ok {
				out.Model = &ModelRef{Provider: provider, ModelID: modelID}
			}
		case *CompactionEntry:
			compaction = e
		}
	}

	emit := func(entry Entry) {
		switch e := entry.(type) {
		case *MessageEntry:
			if msg, err := decodeStoredMessage(e.Message); err == nil {
				out.Messages = append(out.Messages, msg)
			}
		case *CustomMessageEntry:
			out.Messages = append(out.Messages, &CustomMessage{
				CustomType: e.CustomType,
				Content:    e.Content,
				Display:    e.Display,
				Details:    e.Details,
				Timestamp:  timestampMillis(e.Timestamp),
			})
		case *BranchSummaryEntry:
			out.Messages = append(out.Messages, &BranchSummaryMessage{
				Summary:   e.Summary,
				FromID:    e.FromID,
				Timestamp: timestampMillis(e.Timestamp),
			})
		}
	}

	if compaction == nil {
		for _, entry := range path {
			emit(entry)
		}
		return out
	}

	out.Messages = append(out.Messages, &CompactionSummaryMessage{
		Summary:      compaction.Summary,
		TokensBefore: compaction.TokensBefore,
		Timestamp:    timestampMillis(compaction.Timestamp),
	})
	compactionIdx := -1
	for i, entry := range path {
		if entry.Meta().ID == compaction.ID {
			compactionIdx = i
			break
		}
	}
	kept := false
	for _, entry := range path[:compactionIdx] {
		if entry.Meta().ID == compaction.FirstKeptEntryID {
			kept = true
		}
		if kept {
			emit(entry)
		}
	}
	for _, entry := range path[compactionIdx+1:] {
		emit(entry)
	}
	return out
}

// assistantProvenance peeks at a stored message payload and extracts the
// provider/model pair when it is an assistant message.
func assistantProvenance(payload json.RawMessage) (provider, modelID string, ok bool) {
	var probe struct {
		Role     models.Role `json:"role"`
		Provider string      `json:"provider"`
		Model    string      `json:"model"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.Role != models.RoleAssistant {
		return "", "", false
	}
	return probe.Provider, probe.Model, true
}
