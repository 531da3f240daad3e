package models

import (
	"github.com/tillerlabs/tiller/pkg/stream"
)

// EventType identifies a provider streaming event.
type EventType string

const (
	// EventStart opens the stream with an empty partial message.
	EventStart EventType = "start"

	EventTextStart EventType = "text_start"
	EventTextDelta EventType = "text_delta"
	EventTextEnd   EventType = "text_end"

	EventThinkingStart EventType = "thinking_start"
	EventThinkingDelta EventType = "thinking_delta"
	EventThinkingEnd   EventType = "thinking_end"

	EventToolCallStart EventType = "toolcall_start"
	EventToolCallDelta EventType = "toolcall_delta"
	EventToolCallEnd   EventType = "toolcall_end"

	// EventDone carries the final assistant message.
	EventDone EventType = "done"

	// EventError carries the assistant message with stop reason error or
	// aborted and the error text.
	EventError EventType = "error"
)

// Event is one streaming event from a provider. Partial is the assistant
// message accumulated so far; block events carry the index of the content
// block they touch.
type Event struct {
	Type         EventType         `json:"type"`
	ContentIndex int               `json:"contentIndex,omitempty"`
	Delta        string            `json:"delta,omitempty"`
	Content      string            `json:"content,omitempty"`
	ToolCall     *ToolCall         `json:"toolCall,omitempty"`
	Reason       StopReason        `json:"reason,omitempty"`
	Partial      *AssistantMessage `json:"partial,omitempty"`
	Message      *AssistantMessage `json:"message,omitempty"`
	Error        *AssistantMessage `json:"error,omitempty"`
}

// AssistantMessageStream is the event stream a provider returns: callers
// iterate Events and await Result for the final assistant message.
type AssistantMessageStream = stream.Stream[Event, *AssistantMessage]

// NewAssistantMessageStream returns a stream whose terminal value is taken
// from the first done or error event pushed into it.
func NewAssistantMessageStream() *AssistantMessageStream {
	return stream.New(func(ev Event) (*AssistantMessage, bool) {
		switch ev.Type {
		case EventDone:
			if ev.Message != nil {
				return ev.Message, true
			}
		case EventError:
			if ev.Error != nil {
				return ev.Error, true
			}
		}
		return nil, false
	})
}
