package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/tillerlabs/tiller/pkg/models"
)

// CompletionsOptions are the request knobs specific to the chat-completions
// protocol.
type CompletionsOptions struct {
	StreamOptions

	// ToolChoice is sent verbatim when set.
	ToolChoice any

	// ReasoningEffort is encoded per the endpoint's thinking format.
	ReasoningEffort models.ThinkingLevel
}

// StreamCompletions issues one streaming chat-completions request and
// returns the event stream. Request failures surface as an error event and
// an assistant message with stop reason error (or aborted when the context
// was cancelled first).
func StreamCompletions(ctx context.Context, model *models.Model, mc *models.Context, opts *CompletionsOptions) *models.AssistantMessageStream {
	if opts == nil {
		opts = &CompletionsOptions{}
	}
	out := models.NewAssistantMessageStream()
	msg := newAssistantOutput(model)
	go func() {
		if err := runCompletions(ctx, model, mc, opts, out, msg); err != nil {
			failStream(ctx, out, msg, err)
		}
	}()
	return out
}

func runCompletions(ctx context.Context, model *models.Model, mc *models.Context, opts *CompletionsOptions, out *models.AssistantMessageStream, msg *models.AssistantMessage) error {
	apiKey, err := resolveAPIKey(model, opts.APIKey)
	if err != nil {
		return err
	}

	params := completionsParams(model, mc, opts)
	if opts.OnPayload != nil {
		opts.OnPayload(params)
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, completionsEndpoint(model), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	for key, value := range completionsHeaders(model, mc, apiKey, opts.Headers) {
		req.Header.Set(key, value)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return newHTTPError(model.Provider, model.ID, resp.StatusCode, body)
	}

	out.Push(models.Event{Type: models.EventStart, Partial: msg})

	// The current block accumulates deltas until a different block type
	// (or a new tool-call id) arrives; args re-parse on every delta so the
	// partial always carries the best-known arguments.
	var current models.AssistantBlock
	var toolArgs string

	blockIndex := func() int { return len(msg.Content) - 1 }
	finishBlock := func() {
		switch block := current.(type) {
		case nil:
		case *models.TextContent:
			out.Push(models.Event{Type: models.EventTextEnd, ContentIndex: blockIndex(), Content: block.Text, Partial: msg})
		case *models.ThinkingContent:
			out.Push(models.Event{Type: models.EventThinkingEnd, ContentIndex: blockIndex(), Content: block.Thinking, Partial: msg})
		case *models.ToolCall:
			out.Push(models.Event{Type: models.EventToolCallEnd, ContentIndex: blockIndex(), ToolCall: block, Partial: msg})
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return errAborted
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(line[len("data:"):])
		if data == "[DONE]" {
			break
		}

		var chunk completionsChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if chunk.Usage != nil {
			applyCompletionsUsage(model, msg, chunk.Usage)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			msg.StopReason = completionsStopReason(choice.FinishReason)
		}
		delta := choice.Delta

		if delta.Content != "" {
			block, ok := current.(*models.TextContent)
			if !ok {
				finishBlock()
				block = &models.TextContent{Text: delta.Content}
				current = block
				msg.Content = append(msg.Content, block)
				out.Push(models.Event{Type: models.EventTextStart, ContentIndex: blockIndex(), Partial: msg})
			} else {
				block.Text += delta.Content
			}
			out.Push(models.Event{Type: models.EventTextDelta, ContentIndex: blockIndex(), Delta: delta.Content, Partial: msg})
		}

		if field, text := delta.reasoning(); text != "" {
			block, ok := current.(*models.ThinkingContent)
			if !ok {
				finishBlock()
				block = &models.ThinkingContent{Thinking: text, ThinkingSignature: field}
				current = block
				msg.Content = append(msg.Content, block)
				out.Push(models.Event{Type: models.EventThinkingStart, ContentIndex: blockIndex(), Partial: msg})
			} else {
				block.Thinking += text
			}
			out.Push(models.Event{Type: models.EventThinkingDelta, ContentIndex: blockIndex(), Delta: text, Partial: msg})
		}

		for _, tc := range delta.ToolCalls {
			block, ok := current.(*models.ToolCall)
			if !ok || (tc.ID != "" && block.ID != tc.ID) {
				finishBlock()
				block = &models.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: map[string]any{}}
				current = block
				toolArgs = ""
				msg.Content = append(msg.Content, block)
				out.Push(models.Event{Type: models.EventToolCallStart, ContentIndex: blockIndex(), Partial: msg})
			}
			if tc.ID != "" {
				block.ID = tc.ID
			}
			// First non-empty name wins; endpoints occasionally repeat or
			// mangle the name on later chunks.
			if block.Name == "" && tc.Function.Name != "" {
				block.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolArgs += tc.Function.Arguments
				block.Arguments = parseStreamingJSON(toolArgs)
			}
			out.Push(models.Event{Type: models.EventToolCallDelta, ContentIndex: blockIndex(), Delta: tc.Function.Arguments, Partial: msg})
		}

		// Encrypted reasoning state rides alongside the tool call it
		// belongs to and is replayed on the next request.
		for _, detail := range delta.ReasoningDetails {
			if detail["type"] != "reasoning.encrypted" {
				continue
			}
			id, _ := detail["id"].(string)
			data, _ := detail["data"].(string)
			if id == "" || data == "" {
				continue
			}
			for _, existing := range msg.Content {
				if call, ok := existing.(*models.ToolCall); ok && call.ID == id {
					if raw, err := json.Marshal(detail); err == nil {
						call.ThoughtSignature = string(raw)
					}
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	finishBlock()

	if ctx.Err() != nil {
		return errAborted
	}
	out.Push(models.Event{Type: models.EventDone, Reason: msg.StopReason, Message: msg})
	out.End(msg)
	return nil
}

// completionsChunk is one SSE data payload. Reasoning deltas arrive under
// different field names depending on the endpoint; the field name is kept
// as the thinking signature so replay can use the same field.
type completionsChunk struct {
	Usage   *completionsUsage `json:"usage"`
	Choices []struct {
		FinishReason string           `json:"finish_reason"`
		Delta        completionsDelta `json:"delta"`
	} `json:"choices"`
}

type completionsDelta struct {
	Content          string           `json:"content"`
	ReasoningContent string           `json:"reasoning_content"`
	Reasoning        string           `json:"reasoning"`
	ReasoningText    string           `json:"reasoning_text"`
	ToolCalls        []struct {
		ID       string `json:"id"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls"`
	ReasoningDetails []map[string]any `json:"reasoning_details"`
}

func (d completionsDelta) reasoning() (field, text string) {
	switch {
	case d.ReasoningContent != "":
		return "reasoning_content", d.ReasoningContent
	case d.Reasoning != "":
		return "reasoning", d.Reasoning
	case d.ReasoningText != "":
		return "reasoning_text", d.ReasoningText
	}
	return "", ""
}

type completionsUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
	CompletionTokensDetails struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

// applyCompletionsUsage maps the protocol's usage block onto the neutral
// counters: cached tokens come out of input and reasoning tokens are
// counted as output.
func applyCompletionsUsage(model *models.Model, msg *models.AssistantMessage, usage *completionsUsage) {
	cached := usage.PromptTokensDetails.CachedTokens
	msg.Usage.Input = max(usage.PromptTokens-cached, 0)
	msg.Usage.Output = max(usage.CompletionTokens+usage.CompletionTokensDetails.ReasoningTokens, 0)
	msg.Usage.CacheRead = max(cached, 0)
	msg.Usage.CacheWrite = 0
	msg.Usage.TotalTokens = msg.Usage.Input + msg.Usage.Output + msg.Usage.CacheRead
	models.CalculateCost(model, &msg.Usage)
}

func completionsStopReason(reason string) models.StopReason {
	switch reason {
	case "stop":
		return models.StopReasonStop
	case "length":
		return models.StopReasonLength
	case "function_call", "tool_calls":
		return models.StopReasonToolUse
	default:
		return models.StopReasonError
	}
}

func completionsEndpoint(model *models.Model) string {
	base := model.BaseURL
	if base == "" {
		base = models.DefaultOpenAIBaseURL
	}
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasSuffix(base, "/chat/completions"):
		return base
	case strings.HasSuffix(base, "/v1"):
		return base + "/chat/completions"
	default:
		return base + "/v1/chat/completions"
	}
}

func completionsHeaders(model *models.Model, mc *models.Context, apiKey string, extra map[string]string) map[string]string {
	headers := map[string]string{
		"Authorization": "Bearer " + apiKey,
		"Content-Type":  "application/json",
	}
	for key, value := range model.Headers {
		headers[key] = value
	}
	if model.Provider == "github-copilot" {
		initiator := "user"
		if n := len(mc.Messages); n > 0 && mc.Messages[n-1].Role() != models.RoleUser {
			initiator = "agent"
		}
		headers["X-Initiator"] = initiator
		headers["Openai-Intent"] = "conversation-edits"
		if contextHasImages(mc.Messages) {
			headers["Copilot-Vision-Request"] = "true"
		}
	}
	for key, value := range extra {
		headers[key] = value
	}
	return headers
}

func contextHasImages(messages models.Messages) bool {
	blockHasImage := func(blocks models.UserBlocks) bool {
		for _, block := range blocks {
			if _, ok := block.(*models.ImageContent); ok {
				return true
			}
		}
		return false
	}
	for _, msg := range messages {
		switch m := msg.(type) {
		case *models.UserMessage:
			if !m.Content.IsText() && blockHasImage(m.Content.Blocks) {
				return true
			}
		case *models.ToolResultMessage:
			if blockHasImage(m.Content) {
				return true
			}
		}
	}
	return false
}

func completionsParams(model *models.Model, mc *models.Context, opts *CompletionsOptions) map[string]any {
	compat := resolveCompat(model)
	effort := clampReasoning(model, opts.ReasoningEffort)
	if !thinkingEnabled(effort) {
		effort = ""
	}

	params := map[string]any{
		"model":    model.ID,
		"messages": completionsMessages(model, mc, compat),
		"stream":   true,
	}
	if compat.supportsUsageInStreaming {
		params["stream_options"] = map[string]any{"include_usage": true}
	}
	if compat.supportsStore {
		params["store"] = false
	}
	if opts.MaxTokens > 0 {
		params[compat.maxTokensField] = opts.MaxTokens
	}
	if opts.Temperature != nil {
		params["temperature"] = *opts.Temperature
	}
	if len(mc.Tools) > 0 {
		params["tools"] = completionsTools(mc.Tools, compat)
	} else if hasToolHistory(mc.Messages) {
		// Endpoints reject transcripts that mention tools unless the
		// request declares a tools field.
		params["tools"] = []any{}
	}
	if opts.ToolChoice != nil {
		params["tool_choice"] = opts.ToolChoice
	}

	switch {
	case compat.thinkingFormat == models.ThinkingFormatZai && model.Reasoning:
		mode := "disabled"
		if effort != "" {
			mode = "enabled"
		}
		params["thinking"] = map[string]any{"type": mode}
	case compat.thinkingFormat == models.ThinkingFormatQwen && model.Reasoning:
		params["enable_thinking"] = effort != ""
	case effort != "" && model.Reasoning && compat.supportsReasoningEffort:
		params["reasoning_effort"] = string(effort)
	}

	if strings.Contains(model.BaseURL, "openrouter.ai") && len(compat.openRouterRouting) > 0 {
		params["provider"] = compat.openRouterRouting
	}
	if strings.Contains(model.BaseURL, "ai-gateway.vercel.sh") && len(compat.vercelGatewayRouting) > 0 {
		gateway := map[string][]string{}
		if only := compat.vercelGatewayRouting["only"]; len(only) > 0 {
			gateway["only"] = only
		}
		if order := compat.vercelGatewayRouting["order"]; len(order) > 0 {
			gateway["order"] = order
		}
		if len(gateway) > 0 {
			params["providerOptions"] = map[string]any{"gateway": gateway}
		}
	}
	return params
}

func completionsTools(tools []models.Tool, compat completionsCompat) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		fn := map[string]any{
			"name":        tool.Name,
			"description": tool.Description,
			"parameters":  tool.Parameters,
		}
		if compat.supportsStrictMode {
			fn["strict"] = false
		}
		out = append(out, map[string]any{"type": "function", "function": fn})
	}
	return out
}

func hasToolHistory(messages models.Messages) bool {
	for _, msg := range messages {
		switch m := msg.(type) {
		case *models.ToolResultMessage:
			return true
		case *models.AssistantMessage:
			if len(m.ToolCalls()) > 0 {
				return true
			}
		}
	}
	return false
}

// completionsMessages converts the neutral transcript to the wire shape.
// Consecutive tool results become role:"tool" messages; images they carry
// are hoisted into a synthetic user message right after the run, since the
// tool role only takes text.
func completionsMessages(model *models.Model, mc *models.Context, compat completionsCompat) []map[string]any {
	normalize := completionsToolIDNormalizer(model, compat)
	var wire []map[string]any

	if mc.SystemPrompt != "" {
		role := "system"
		if model.Reasoning && compat.supportsDeveloperRole {
			role = "developer"
		}
		wire = append(wire, map[string]any{"role": role, "content": models.SanitizeText(mc.SystemPrompt)})
	}

	transformed := TransformMessages(mc.Messages, model, normalize)
	var lastRole models.Role

	for i := 0; i < len(transformed); {
		msg := transformed[i]
		if compat.requiresAssistantAfterToolResult && lastRole == models.RoleToolResult && msg.Role() == models.RoleUser {
			wire = append(wire, map[string]any{"role": "assistant", "content": "I have processed the tool results."})
		}
		switch m := msg.(type) {
		case *models.UserMessage:
			if m.Content.IsText() {
				wire = append(wire, map[string]any{"role": "user", "content": models.SanitizeText(m.Content.Text)})
			} else {
				var content []map[string]any
				for _, block := range m.Content.Blocks {
					switch b := block.(type) {
					case *models.TextContent:
						content = append(content, map[string]any{"type": "text", "text": models.SanitizeText(b.Text)})
					case *models.ImageContent:
						if model.AcceptsImage() {
							content = append(content, imageURLBlock(b))
						}
					}
				}
				if len(content) == 0 {
					i++
					continue
				}
				wire = append(wire, map[string]any{"role": "user", "content": content})
			}
		case *models.AssistantMessage:
			entry := completionsAssistant(m, model, compat, normalize)
			if entry == nil {
				i++
				continue
			}
			wire = append(wire, entry)
		case *models.ToolResultMessage:
			var images []map[string]any
			j := i
			for j < len(transformed) {
				result, ok := transformed[j].(*models.ToolResultMessage)
				if !ok {
					break
				}
				var parts []string
				for _, block := range result.Content {
					if text, ok := block.(*models.TextContent); ok {
						parts = append(parts, text.Text)
					}
				}
				textResult := models.SanitizeText(strings.Join(parts, "\n"))
				entry := map[string]any{
					"role":         "tool",
					"content":      textResult,
					"tool_call_id": normalize(result.ToolCallID),
				}
				if textResult == "" {
					entry["content"] = "(see attached image)"
				}
				if compat.requiresToolResultName && result.ToolName != "" {
					entry["name"] = result.ToolName
				}
				wire = append(wire, entry)

				if model.AcceptsImage() {
					for _, block := range result.Content {
						if img, ok := block.(*models.ImageContent); ok {
							images = append(images, imageURLBlock(img))
						}
					}
				}
				j++
			}
			if len(images) > 0 {
				if compat.requiresAssistantAfterToolResult {
					wire = append(wire, map[string]any{"role": "assistant", "content": "I have processed the tool results."})
				}
				content := append([]map[string]any{{"type": "text", "text": "Attached image(s) from tool result:"}}, images...)
				wire = append(wire, map[string]any{"role": "user", "content": content})
				lastRole = models.RoleUser
			} else {
				lastRole = models.RoleToolResult
			}
			i = j
			continue
		}
		lastRole = msg.Role()
		i++
	}
	return wire
}

// completionsAssistant converts one assistant message, or returns nil when
// nothing remains to send. Signed thinking is replayed under the field it
// arrived on; endpoints without such a field get it prepended as text.
func completionsAssistant(m *models.AssistantMessage, model *models.Model, compat completionsCompat, normalize ToolCallIDNormalizer) map[string]any {
	entry := map[string]any{"role": "assistant"}
	var content any
	if compat.requiresAssistantAfterToolResult {
		content = ""
	}

	var textBlocks []*models.TextContent
	var thinkingBlocks []*models.ThinkingContent
	for _, block := range m.Content {
		switch b := block.(type) {
		case *models.TextContent:
			if strings.TrimSpace(b.Text) != "" {
				textBlocks = append(textBlocks, b)
			}
		case *models.ThinkingContent:
			if strings.TrimSpace(b.Thinking) != "" {
				thinkingBlocks = append(thinkingBlocks, b)
			}
		}
	}

	if len(textBlocks) > 0 {
		if model.Provider == "github-copilot" {
			// Copilot takes assistant text as a single string.
			var b strings.Builder
			for _, block := range textBlocks {
				b.WriteString(block.Text)
			}
			content = models.SanitizeText(b.String())
		} else {
			list := make([]map[string]any, 0, len(textBlocks))
			for _, block := range textBlocks {
				list = append(list, map[string]any{"type": "text", "text": models.SanitizeText(block.Text)})
			}
			content = list
		}
	}

	if len(thinkingBlocks) > 0 {
		if compat.requiresThinkingAsText {
			parts := make([]string, 0, len(thinkingBlocks))
			for _, block := range thinkingBlocks {
				parts = append(parts, block.Thinking)
			}
			thinkingEntry := map[string]any{"type": "text", "text": models.SanitizeText(strings.Join(parts, "\n\n"))}
			if list, ok := content.([]map[string]any); ok && len(list) > 0 {
				content = append([]map[string]any{thinkingEntry}, list...)
			} else {
				content = []map[string]any{thinkingEntry}
			}
		} else if sig := thinkingBlocks[0].ThinkingSignature; sig != "" {
			parts := make([]string, 0, len(thinkingBlocks))
			for _, block := range thinkingBlocks {
				parts = append(parts, block.Thinking)
			}
			entry[sig] = models.SanitizeText(strings.Join(parts, "\n"))
		}
	}

	if calls := m.ToolCalls(); len(calls) > 0 {
		wireCalls := make([]map[string]any, 0, len(calls))
		var details []map[string]any
		for _, call := range calls {
			args := call.Arguments
			if args == nil {
				args = map[string]any{}
			}
			raw, err := json.Marshal(args)
			if err != nil {
				raw = []byte("{}")
			}
			wireCalls = append(wireCalls, map[string]any{
				"id":   normalize(call.ID),
				"type": "function",
				"function": map[string]any{
					"name":      call.Name,
					"arguments": string(raw),
				},
			})
			if call.ThoughtSignature != "" {
				var parsed map[string]any
				if json.Unmarshal([]byte(call.ThoughtSignature), &parsed) == nil && len(parsed) > 0 {
					details = append(details, parsed)
				}
			}
		}
		entry["tool_calls"] = wireCalls
		if len(details) > 0 {
			entry["reasoning_details"] = details
		}
	}

	hasContent := false
	switch c := content.(type) {
	case string:
		hasContent = c != ""
	case []map[string]any:
		hasContent = len(c) > 0
	}
	if !hasContent && entry["tool_calls"] == nil {
		return nil
	}
	entry["content"] = content
	return entry
}

func imageURLBlock(img *models.ImageContent) map[string]any {
	return map[string]any{
		"type": "image_url",
		"image_url": map[string]any{
			"url": "data:" + img.MimeType + ";base64," + img.Data,
		},
	}
}
