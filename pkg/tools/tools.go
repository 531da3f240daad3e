// Package tools defines the contract between the agent loop and tool
// executors, plus JSON-Schema validation of tool-call arguments.
package tools

import (
	"context"
	"encoding/json"

	"github.com/tillerlabs/tiller/pkg/models"
)

// Result is the outcome of a tool execution. Content carries what the
// model sees (text and images); Details carries structured data for
// hosts (diffs, truncation info) that is never sent to the model.
type Result struct {
	Content models.UserBlocks `json:"content"`
	Details map[string]any    `json:"details,omitempty"`
}

// UpdateFunc receives partial results while a tool is still running.
type UpdateFunc func(*Result)

// Tool is implemented by anything the agent can invoke.
//
// Execute receives the raw tool-call id, the validated arguments, and an
// optional onUpdate callback for streaming partial output. A returned
// error becomes an error tool-result in the conversation; it does not
// abort the run.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, toolCallID string, args map[string]any, onUpdate UpdateFunc) (*Result, error)
}

// Descriptor converts a Tool into its wire descriptor.
func Descriptor(t Tool) models.Tool {
	return models.Tool{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Schema(),
	}
}

// Descriptors converts a tool set into wire descriptors, preserving order.
func Descriptors(ts []Tool) []models.Tool {
	if len(ts) == 0 {
		return nil
	}
	out := make([]models.Tool, len(ts))
	for i, t := range ts {
		out[i] = Descriptor(t)
	}
	return out
}

// Find returns the tool with the given name, or nil when absent.
func Find(ts []Tool, name string) Tool {
	for _, t := range ts {
		if t.Name() == name {
			return t
		}
	}
	return nil
}
