package providers

import (
	"reflect"
	"strings"
	"testing"

	"github.com/tillerlabs/tiller/pkg/models"
)

func transformTarget() *models.Model {
	return &models.Model{ID: "claude-test", API: models.APIAnthropicMessages, Provider: "anthropic"}
}

// sameModelAssistant builds an assistant message whose provenance matches
// the transform target, so provider state survives.
func sameModelAssistant(blocks ...models.AssistantBlock) *models.AssistantMessage {
	return &models.AssistantMessage{
		API: models.APIAnthropicMessages, Provider: "anthropic", Model: "claude-test",
		Content: blocks, StopReason: models.StopReasonStop,
	}
}

func foreignAssistant(blocks ...models.AssistantBlock) *models.AssistantMessage {
	return &models.AssistantMessage{
		API: models.APIOpenAICompletions, Provider: "openai", Model: "gpt-test",
		Content: blocks, StopReason: models.StopReasonStop,
	}
}

func TestTransformMessagesDropsFailedAssistants(t *testing.T) {
	failed := sameModelAssistant(&models.TextContent{Text: "half an answer"})
	failed.StopReason = models.StopReasonError
	aborted := sameModelAssistant(&models.TextContent{Text: "cut short"})
	aborted.StopReason = models.StopReasonAborted

	msgs := models.Messages{
		models.NewUserMessage("hi"),
		failed,
		aborted,
		sameModelAssistant(&models.TextContent{Text: "kept"}),
	}
	out := TransformMessages(msgs, transformTarget(), nil)
	if len(out) != 2 {
		t.Fatalf("messages = %d, want 2: %v", len(out), out)
	}
	kept := out[1].(*models.AssistantMessage)
	if kept.Content[0].(*models.TextContent).Text != "kept" {
		t.Errorf("kept = %v", kept.Content)
	}
}

func TestTransformMessagesSynthesizesMissingToolResults(t *testing.T) {
	msgs := models.Messages{
		sameModelAssistant(
			&models.ToolCall{ID: "toolu_1", Name: "read", Arguments: map[string]any{}},
			&models.ToolCall{ID: "toolu_2", Name: "write", Arguments: map[string]any{}},
		),
		models.NewToolResultMessage("toolu_1", "read", "content", false),
		models.NewUserMessage("next question"),
	}
	out := TransformMessages(msgs, transformTarget(), nil)
	if len(out) != 4 {
		t.Fatalf("messages = %d, want 4: %v", len(out), out)
	}

	synth, ok := out[2].(*models.ToolResultMessage)
	if !ok {
		t.Fatalf("out[2] = %T, want synthesized tool result", out[2])
	}
	if synth.ToolCallID != "toolu_2" || !synth.IsError {
		t.Errorf("synth = %+v", synth)
	}
	if text := synth.Content[0].(*models.TextContent).Text; text != "No result provided" {
		t.Errorf("synth text = %q", text)
	}
	if _, ok := out[3].(*models.UserMessage); !ok {
		t.Errorf("out[3] = %T, want user message after synthesized results", out[3])
	}
}

func TestTransformMessagesSynthesizesAtEndOfList(t *testing.T) {
	msgs := models.Messages{
		sameModelAssistant(&models.ToolCall{ID: "toolu_1", Name: "read", Arguments: map[string]any{}}),
	}
	out := TransformMessages(msgs, transformTarget(), nil)
	if len(out) != 2 {
		t.Fatalf("messages = %d, want 2", len(out))
	}
	if synth := out[1].(*models.ToolResultMessage); synth.ToolCallID != "toolu_1" {
		t.Errorf("synth = %+v", synth)
	}
}

func TestTransformMessagesForeignThinking(t *testing.T) {
	msgs := models.Messages{
		foreignAssistant(
			&models.ThinkingContent{Thinking: "foreign signed", ThinkingSignature: "sig"},
			&models.ThinkingContent{Thinking: "   "},
			&models.TextContent{Text: "answer"},
		),
	}
	out := TransformMessages(msgs, transformTarget(), nil)
	content := out[0].(*models.AssistantMessage).Content
	if len(content) != 2 {
		t.Fatalf("content = %d blocks, want 2: %v", len(content), content)
	}
	// Signed-elsewhere thinking downgrades to text; blank thinking is gone.
	text, ok := content[0].(*models.TextContent)
	if !ok || text.Text != "foreign signed" {
		t.Errorf("content[0] = %#v", content[0])
	}

	keep := models.Messages{
		sameModelAssistant(&models.ThinkingContent{Thinking: "mine", ThinkingSignature: "sig"}),
	}
	out = TransformMessages(keep, transformTarget(), nil)
	if _, ok := out[0].(*models.AssistantMessage).Content[0].(*models.ThinkingContent); !ok {
		t.Error("same-model signed thinking must survive")
	}
}

func TestTransformMessagesStripsForeignThoughtSignature(t *testing.T) {
	msgs := models.Messages{
		foreignAssistant(&models.ToolCall{
			ID: "call_1", Name: "read",
			Arguments:        map[string]any{},
			ThoughtSignature: `{"type":"reasoning.encrypted"}`,
		}),
		models.NewToolResultMessage("call_1", "read", "ok", false),
	}
	out := TransformMessages(msgs, transformTarget(), nil)
	call := out[0].(*models.AssistantMessage).ToolCalls()[0]
	if call.ThoughtSignature != "" {
		t.Errorf("ThoughtSignature = %q, want stripped", call.ThoughtSignature)
	}

	same := models.Messages{
		sameModelAssistant(&models.ToolCall{
			ID: "toolu_1", Name: "read",
			Arguments:        map[string]any{},
			ThoughtSignature: `{"type":"reasoning.encrypted"}`,
		}),
		models.NewToolResultMessage("toolu_1", "read", "ok", false),
	}
	out = TransformMessages(same, transformTarget(), nil)
	if sig := out[0].(*models.AssistantMessage).ToolCalls()[0].ThoughtSignature; sig == "" {
		t.Error("same-model thought signature must survive")
	}
}

func TestTransformMessagesRewritesToolCallIDs(t *testing.T) {
	longID := "call|" + strings.Repeat("x", 60)
	msgs := models.Messages{
		foreignAssistant(&models.ToolCall{ID: longID, Name: "read", Arguments: map[string]any{}}),
		models.NewToolResultMessage(longID, "read", "ok", false),
	}
	target := &models.Model{ID: "gpt-test", API: models.APIOpenAICompletions, Provider: "openai"}
	normalize := completionsToolIDNormalizer(target, resolveCompat(target))

	out := TransformMessages(msgs, target, normalize)
	call := out[0].(*models.AssistantMessage).ToolCalls()[0]
	result := out[1].(*models.ToolResultMessage)
	if call.ID == longID {
		t.Fatal("id not rewritten")
	}
	if result.ToolCallID != call.ID {
		t.Errorf("result id = %q, call id = %q; must match", result.ToolCallID, call.ID)
	}

	// The source list is untouched.
	if msgs[0].(*models.AssistantMessage).ToolCalls()[0].ID != longID {
		t.Error("input mutated")
	}
}

func TestTransformMessagesIdempotent(t *testing.T) {
	failed := foreignAssistant(&models.TextContent{Text: "nope"})
	failed.StopReason = models.StopReasonError
	msgs := models.Messages{
		models.NewUserMessage("hi"),
		foreignAssistant(
			&models.ThinkingContent{Thinking: "hm", ThinkingSignature: "sig"},
			&models.ToolCall{ID: "call_1", Name: "read", Arguments: map[string]any{"path": "a"}},
		),
		failed,
		models.NewUserMessage("again"),
	}
	target := transformTarget()
	once := TransformMessages(msgs, target, anthropicToolCallID)
	twice := TransformMessages(once, target, anthropicToolCallID)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("transform is not idempotent:\nonce:  %#v\ntwice: %#v", once, twice)
	}
}
