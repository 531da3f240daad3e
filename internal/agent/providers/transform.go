package providers

import (
	"strings"

	"github.com/tillerlabs/tiller/pkg/models"
)

// TransformMessages normalizes a conversation for the target model so that
// provider-specific state recorded by one model is never replayed to
// another:
//
//   - Assistant messages from a different {provider, api, model} lose what
//     the target cannot verify: thinking blocks downgrade to plain text
//     (blank unsigned thinking is dropped), tool calls lose their thought
//     signature, and tool-call ids are rewritten through normalize with the
//     rewrite applied to the matching tool results.
//   - Assistant messages that ended in error or aborted are dropped.
//   - Every surviving tool call must be answered before the next user
//     message, the next assistant message, or the end of the list; missing
//     results are synthesized as "No result provided" errors so the wire
//     history stays well-formed.
//
// The input is not modified. Applying the transform twice yields the same
// result as applying it once.
func TransformMessages(messages models.Messages, model *models.Model, normalize ToolCallIDNormalizer) models.Messages {
	idMap := map[string]string{}
	transformed := make(models.Messages, 0, len(messages))

	for _, msg := range messages {
		switch m := msg.(type) {
		case *models.ToolResultMessage:
			if mapped, ok := idMap[m.ToolCallID]; ok && mapped != m.ToolCallID {
				remapped := *m
				remapped.ToolCallID = mapped
				transformed = append(transformed, &remapped)
			} else {
				transformed = append(transformed, m)
			}
		case *models.AssistantMessage:
			transformed = append(transformed, transformAssistant(m, model, normalize, idMap))
		default:
			transformed = append(transformed, msg)
		}
	}

	result := make(models.Messages, 0, len(transformed))
	var pending []*models.ToolCall
	seen := map[string]bool{}

	flush := func() {
		for _, tc := range pending {
			if !seen[tc.ID] {
				result = append(result, models.NewToolResultMessage(tc.ID, tc.Name, "No result provided", true))
			}
		}
		pending = nil
		seen = map[string]bool{}
	}

	for _, msg := range transformed {
		switch m := msg.(type) {
		case *models.AssistantMessage:
			if len(pending) > 0 {
				flush()
			}
			if m.StopReason == models.StopReasonError || m.StopReason == models.StopReasonAborted {
				continue
			}
			if calls := m.ToolCalls(); len(calls) > 0 {
				pending = calls
				seen = map[string]bool{}
			}
			result = append(result, m)
		case *models.ToolResultMessage:
			seen[m.ToolCallID] = true
			result = append(result, m)
		case *models.UserMessage:
			if len(pending) > 0 {
				flush()
			}
			result = append(result, m)
		default:
			result = append(result, msg)
		}
	}
	if len(pending) > 0 {
		flush()
	}

	return result
}

func transformAssistant(msg *models.AssistantMessage, model *models.Model, normalize ToolCallIDNormalizer, idMap map[string]string) *models.AssistantMessage {
	sameModel := msg.Provider == model.Provider && msg.API == model.API && msg.Model == model.ID

	content := make(models.AssistantBlocks, 0, len(msg.Content))
	for _, block := range msg.Content {
		switch b := block.(type) {
		case *models.ThinkingContent:
			if sameModel && b.ThinkingSignature != "" {
				content = append(content, b)
				continue
			}
			if strings.TrimSpace(b.Thinking) == "" {
				continue
			}
			if sameModel {
				content = append(content, b)
			} else {
				content = append(content, &models.TextContent{Text: b.Thinking})
			}
		case *models.TextContent:
			if sameModel {
				content = append(content, b)
			} else {
				content = append(content, &models.TextContent{Text: b.Text})
			}
		case *models.ToolCall:
			tc := b
			if !sameModel && tc.ThoughtSignature != "" {
				stripped := *tc
				stripped.ThoughtSignature = ""
				tc = &stripped
			}
			if !sameModel && normalize != nil {
				if normalized := normalize(tc.ID); normalized != tc.ID {
					idMap[tc.ID] = normalized
					renamed := *tc
					renamed.ID = normalized
					tc = &renamed
				}
			}
			content = append(content, tc)
		default:
			content = append(content, block)
		}
	}

	out := *msg
	out.Content = content
	return &out
}
