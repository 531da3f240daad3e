package models

import (
	"encoding/json"

	"github.com/tillerlabs/tiller/pkg/stream"
)

// AgentEventType identifies an agent-level streaming event.
type AgentEventType string

const (
	// AgentEventStart opens a run.
	AgentEventStart AgentEventType = "agent_start"

	// AgentEventTurnStart opens one assistant turn.
	AgentEventTurnStart AgentEventType = "turn_start"

	// AgentEventMessageStart announces a message the run just committed:
	// a prompt, the empty partial assistant, or a tool result.
	AgentEventMessageStart AgentEventType = "message_start"

	// AgentEventMessageUpdate wraps one provider event while the
	// assistant message is streaming.
	AgentEventMessageUpdate AgentEventType = "message_update"

	// AgentEventMessageEnd freezes the message announced by the matching
	// message_start.
	AgentEventMessageEnd AgentEventType = "message_end"

	AgentEventToolExecutionStart  AgentEventType = "tool_execution_start"
	AgentEventToolExecutionUpdate AgentEventType = "tool_execution_update"
	AgentEventToolExecutionEnd    AgentEventType = "tool_execution_end"

	// AgentEventTurnEnd closes a turn with the tool results it produced.
	AgentEventTurnEnd AgentEventType = "turn_end"

	// AgentEventEnd closes the run with every message it produced.
	AgentEventEnd AgentEventType = "agent_end"
)

// AgentEvent is one event from an agent run. Which payload fields are set
// depends on Type; events always reflect state already committed to the
// run's message list.
type AgentEvent struct {
	Type AgentEventType `json:"type"`

	// Message accompanies message_start, message_update, and message_end.
	Message Message `json:"message,omitempty"`

	// Update is the provider event behind a message_update.
	Update *Event `json:"update,omitempty"`

	// ToolCallID and ToolName identify the call on tool_execution_*.
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`

	// Args are the call arguments, echoed on tool_execution_start and
	// tool_execution_update.
	Args map[string]any `json:"args,omitempty"`

	// Partial carries intermediate tool output on tool_execution_update.
	Partial *ToolResultMessage `json:"partial,omitempty"`

	// Result carries the finished tool result on tool_execution_end.
	Result *ToolResultMessage `json:"result,omitempty"`

	// IsError reports a failed tool execution on tool_execution_end.
	IsError bool `json:"isError,omitempty"`

	// ToolResults carries the turn's results on turn_end.
	ToolResults []*ToolResultMessage `json:"toolResults,omitempty"`

	// Messages carries every message the run produced, on agent_end.
	Messages Messages `json:"messages,omitempty"`
}

func (e *AgentEvent) UnmarshalJSON(data []byte) error {
	type alias AgentEvent
	aux := struct {
		Message json.RawMessage `json:"message,omitempty"`
		*alias
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Message) > 0 && string(aux.Message) != "null" {
		msg, err := UnmarshalMessage(aux.Message)
		if err != nil {
			return err
		}
		e.Message = msg
	}
	return nil
}

// AgentEventStream is the stream an agent run returns: callers iterate
// Events and await Result for the messages the run produced.
type AgentEventStream = stream.Stream[AgentEvent, Messages]

// NewAgentEventStream returns a stream whose terminal value is taken from
// the agent_end event pushed into it.
func NewAgentEventStream() *AgentEventStream {
	return stream.New(func(ev AgentEvent) (Messages, bool) {
		if ev.Type == AgentEventEnd {
			return ev.Messages, true
		}
		return nil, false
	})
}
