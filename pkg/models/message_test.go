package models

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestUserMessageStringContentRoundTrip(t *testing.T) {
	msg := &UserMessage{Content: UserContent{Text: "Hello"}, Timestamp: 1700000000000}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if !strings.Contains(string(data), `"content":"Hello"`) {
		t.Errorf("plain text content must serialize as a JSON string, got %s", data)
	}
	if !strings.Contains(string(data), `"role":"user"`) {
		t.Errorf("missing role tag: %s", data)
	}

	decoded, err := UnmarshalMessage(data)
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	got, ok := decoded.(*UserMessage)
	if !ok {
		t.Fatalf("decoded = %T, want *UserMessage", decoded)
	}
	if !reflect.DeepEqual(got, msg) {
		t.Errorf("decoded = %+v, want %+v", got, msg)
	}
}

func TestUserMessageBlockContentRoundTrip(t *testing.T) {
	msg := &UserMessage{
		Content: UserContent{Blocks: UserBlocks{
			&TextContent{Text: "look at this"},
			&ImageContent{Data: "aGVsbG8=", MimeType: "image/png"},
		}},
		Timestamp: 42,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if !strings.Contains(string(data), `"type":"image"`) {
		t.Errorf("missing image block: %s", data)
	}

	decoded, err := UnmarshalMessage(data)
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if !reflect.DeepEqual(decoded, msg) {
		t.Errorf("decoded = %+v, want %+v", decoded, msg)
	}
}

func TestAssistantMessageRoundTrip(t *testing.T) {
	msg := &AssistantMessage{
		Content: AssistantBlocks{
			&ThinkingContent{Thinking: "hmm", ThinkingSignature: "sig-1"},
			&TextContent{Text: "Hi"},
			&ToolCall{ID: "call_1", Name: "echo", Arguments: map[string]any{"value": "hi"}},
		},
		API:        APIAnthropicMessages,
		Provider:   "anthropic",
		Model:      "claude-x",
		StopReason: StopReasonToolUse,
		Usage: Usage{
			Input: 10, Output: 4, CacheRead: 2, CacheWrite: 1, TotalTokens: 17,
			Cost: UsageCost{Input: 0.1, Output: 0.2, Total: 0.3},
		},
		Timestamp: 1700000000001,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if !strings.Contains(string(data), `"stopReason":"toolUse"`) {
		t.Errorf("stop reason must be camelCase on the wire: %s", data)
	}
	if !strings.Contains(string(data), `"type":"toolCall"`) {
		t.Errorf("tool call block must be tagged toolCall: %s", data)
	}

	decoded, err := UnmarshalMessage(data)
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if !reflect.DeepEqual(decoded, msg) {
		t.Errorf("decoded = %+v, want %+v", decoded, msg)
	}
}

func TestToolResultMessageRoundTrip(t *testing.T) {
	msg := &ToolResultMessage{
		ToolCallID: "call_9",
		ToolName:   "bash",
		Content: UserBlocks{
			&TextContent{Text: "ok"},
			&ImageContent{Data: "xyz", MimeType: "image/jpeg"},
		},
		Details:   map[string]any{"exit": "0"},
		IsError:   true,
		Timestamp: 5,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if !strings.Contains(string(data), `"role":"toolResult"`) {
		t.Errorf("missing toolResult role: %s", data)
	}
	if !strings.Contains(string(data), `"toolCallId":"call_9"`) {
		t.Errorf("tool call id must be camelCase: %s", data)
	}

	decoded, err := UnmarshalMessage(data)
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if !reflect.DeepEqual(decoded, msg) {
		t.Errorf("decoded = %+v, want %+v", decoded, msg)
	}
}

func TestUnmarshalMessageRejectsUnknownRole(t *testing.T) {
	if _, err := UnmarshalMessage([]byte(`{"role":"wizard"}`)); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestMessagesDecodeMixedList(t *testing.T) {
	wire := `[
		{"role":"user","content":"hi"},
		{"role":"assistant","content":[{"type":"text","text":"hello"}],"api":"openai-completions","provider":"openai","model":"gpt-x","usage":{"input":1,"output":1,"cacheRead":0,"cacheWrite":0,"totalTokens":2,"cost":{"input":0,"output":0,"cacheRead":0,"cacheWrite":0,"total":0}},"stopReason":"stop","timestamp":1},
		{"role":"toolResult","toolCallId":"t1","toolName":"echo","content":[{"type":"text","text":"ok"}],"isError":false,"timestamp":2}
	]`

	var msgs Messages
	if err := json.Unmarshal([]byte(wire), &msgs); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	if msgs[0].Role() != RoleUser || msgs[1].Role() != RoleAssistant || msgs[2].Role() != RoleToolResult {
		t.Errorf("roles = %v %v %v, want user assistant toolResult", msgs[0].Role(), msgs[1].Role(), msgs[2].Role())
	}
}

func TestToolCallsHelper(t *testing.T) {
	msg := &AssistantMessage{Content: AssistantBlocks{
		&TextContent{Text: "running"},
		&ToolCall{ID: "a", Name: "one", Arguments: map[string]any{}},
		&ToolCall{ID: "b", Name: "two", Arguments: map[string]any{}},
	}}

	calls := msg.ToolCalls()
	if len(calls) != 2 || calls[0].ID != "a" || calls[1].ID != "b" {
		t.Errorf("calls = %+v, want a then b", calls)
	}
}

func TestNilToolCallArgumentsSerializeAsObject(t *testing.T) {
	data, err := json.Marshal(&ToolCall{ID: "x", Name: "noop"})
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if !strings.Contains(string(data), `"arguments":{}`) {
		t.Errorf("nil arguments must serialize as an empty object: %s", data)
	}
}
