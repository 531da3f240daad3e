// Package models provides the provider-neutral message, model, and event
// types shared by the tiller agent runtime.
package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "toolResult"
)

// StopReason explains why an assistant message stopped streaming.
type StopReason string

const (
	// StopReasonStop is a normal end of turn.
	StopReasonStop StopReason = "stop"

	// StopReasonLength means the output token limit was reached.
	StopReasonLength StopReason = "length"

	// StopReasonToolUse means the model requested tool executions.
	StopReasonToolUse StopReason = "toolUse"

	// StopReasonError means the request failed; ErrorMessage is set.
	StopReasonError StopReason = "error"

	// StopReasonAborted means the caller cancelled the request.
	StopReasonAborted StopReason = "aborted"
)

// ContentType identifies a content block on the wire.
type ContentType string

const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeThinking ContentType = "thinking"
	ContentTypeToolCall ContentType = "toolCall"
)

// ThinkingLevel selects the reasoning effort for models that support it.
type ThinkingLevel string

const (
	ThinkingOff     ThinkingLevel = "off"
	ThinkingMinimal ThinkingLevel = "minimal"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingMedium  ThinkingLevel = "medium"
	ThinkingHigh    ThinkingLevel = "high"
	ThinkingXHigh   ThinkingLevel = "xhigh"
)

// CacheRetention controls prompt-cache markers on Anthropic requests.
type CacheRetention string

const (
	CacheRetentionNone  CacheRetention = "none"
	CacheRetentionShort CacheRetention = "short"
	CacheRetentionLong  CacheRetention = "long"
)

// UserBlock is a content block that may appear in user messages and tool
// results: text or image.
type UserBlock interface {
	userBlock()
}

// AssistantBlock is a content block produced by the model: text, thinking,
// or a tool call.
type AssistantBlock interface {
	assistantBlock()
}

// TextContent is a plain text block.
type TextContent struct {
	Text string `json:"text"`

	// TextSignature carries provider-opaque state attached to the text,
	// for example zai reasoning signatures.
	TextSignature string `json:"textSignature,omitempty"`
}

func (*TextContent) userBlock()      {}
func (*TextContent) assistantBlock() {}

// ImageContent is a base64-encoded image block.
type ImageContent struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

func (*ImageContent) userBlock() {}

// ThinkingContent is a reasoning block streamed by reasoning models.
type ThinkingContent struct {
	Thinking string `json:"thinking"`

	// ThinkingSignature is the provider's integrity signature. Unsigned
	// thinking cannot be replayed to Anthropic and is downgraded to text
	// when a context is converted for another model.
	ThinkingSignature string `json:"thinkingSignature,omitempty"`
}

func (*ThinkingContent) assistantBlock() {}

// ToolCall is a request by the model to execute a tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`

	// ThoughtSignature is encrypted reasoning state some OpenAI-compatible
	// endpoints attach to a tool call. It is only replayed to the model
	// that produced it.
	ThoughtSignature string `json:"thoughtSignature,omitempty"`
}

func (*ToolCall) assistantBlock() {}

// Message is a single conversation turn: user input, assistant output, or
// the result of a tool execution.
type Message interface {
	Role() Role

	// Time returns the creation time in Unix milliseconds, or 0 if unset.
	Time() int64
}

// UserContent holds user message content, which is either plain text or a
// list of text and image blocks. Plain text round-trips as a JSON string
// and block content as a JSON array; IsText reports which form is held.
type UserContent struct {
	Text   string
	Blocks UserBlocks
}

// IsText reports whether the content is the plain-text form.
func (c UserContent) IsText() bool { return c.Blocks == nil }

// UserMessage is input from the end user.
type UserMessage struct {
	Content   UserContent `json:"content"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

func (*UserMessage) Role() Role { return RoleUser }

func (m *UserMessage) Time() int64 { return m.Timestamp }

// NewUserMessage returns a plain-text user message.
func NewUserMessage(text string) *UserMessage {
	return &UserMessage{Content: UserContent{Text: text}, Timestamp: NowMillis()}
}

// NewUserBlockMessage returns a user message with block content.
func NewUserBlockMessage(blocks ...UserBlock) *UserMessage {
	return &UserMessage{Content: UserContent{Blocks: blocks}, Timestamp: NowMillis()}
}

// AssistantMessage is output from a model, including the provenance needed
// to decide whether provider-specific state can be replayed.
type AssistantMessage struct {
	Content      AssistantBlocks `json:"content"`
	API          API             `json:"api"`
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	Usage        Usage           `json:"usage"`
	StopReason   StopReason      `json:"stopReason"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Timestamp    int64           `json:"timestamp"`
}

func (*AssistantMessage) Role() Role { return RoleAssistant }

func (m *AssistantMessage) Time() int64 { return m.Timestamp }

// ToolCalls returns the tool-call blocks in order.
func (m *AssistantMessage) ToolCalls() []*ToolCall {
	var calls []*ToolCall
	for _, block := range m.Content {
		if call, ok := block.(*ToolCall); ok {
			calls = append(calls, call)
		}
	}
	return calls
}

// ToolResultMessage is the outcome of one tool call, fed back to the model.
type ToolResultMessage struct {
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	Content    UserBlocks     `json:"content"`
	Details    map[string]any `json:"details,omitempty"`
	IsError    bool           `json:"isError"`
	Timestamp  int64          `json:"timestamp"`
}

func (*ToolResultMessage) Role() Role { return RoleToolResult }

func (m *ToolResultMessage) Time() int64 { return m.Timestamp }

// NewToolResultMessage returns a text tool result for the given call.
func NewToolResultMessage(toolCallID, toolName, text string, isError bool) *ToolResultMessage {
	return &ToolResultMessage{
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Content:    UserBlocks{&TextContent{Text: text}},
		IsError:    isError,
		Timestamp:  NowMillis(),
	}
}

// Usage accumulates token counts and computed cost for one assistant
// message. TotalTokens includes cache reads and writes.
type Usage struct {
	Input       int       `json:"input"`
	Output      int       `json:"output"`
	CacheRead   int       `json:"cacheRead"`
	CacheWrite  int       `json:"cacheWrite"`
	TotalTokens int       `json:"totalTokens"`
	Cost        UsageCost `json:"cost"`
}

// UsageCost is the dollar cost of one assistant message by token bucket.
type UsageCost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cacheRead"`
	CacheWrite float64 `json:"cacheWrite"`
	Total      float64 `json:"total"`
}

// Tool describes a callable tool offered to the model. Parameters is a
// JSON-Schema object.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Context is the full input for one provider request.
type Context struct {
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	Messages     Messages `json:"messages"`
	Tools        []Tool   `json:"tools,omitempty"`
}

// NowMillis returns the current time in Unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
