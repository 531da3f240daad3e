package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/tillerlabs/tiller/pkg/models"
)

const anthropicVersion = "2023-06-01"

// cacheRetentionEnv overrides the default prompt-cache retention policy.
const cacheRetentionEnv = "PI_CACHE_RETENTION"

// claudeCodeSystemPrompt is the fixed first system block OAuth-mode
// requests must carry; subscription tokens are only valid for requests
// that identify as the CLI.
const claudeCodeSystemPrompt = "You are Claude Code, Anthropic's official CLI for Claude."

// MessagesOptions are the request knobs specific to the messages protocol.
type MessagesOptions struct {
	StreamOptions

	// ToolChoice is sent verbatim; a bare string s becomes {"type": s}.
	ToolChoice any

	ThinkingEnabled      bool
	ThinkingBudgetTokens int
}

// StreamMessages issues one streaming messages-protocol request and
// returns the event stream. Request failures surface as an error event and
// an assistant message with stop reason error (or aborted when the context
// was cancelled first).
func StreamMessages(ctx context.Context, model *models.Model, mc *models.Context, opts *MessagesOptions) *models.AssistantMessageStream {
	if opts == nil {
		opts = &MessagesOptions{}
	}
	out := models.NewAssistantMessageStream()
	msg := newAssistantOutput(model)
	go func() {
		if err := runMessages(ctx, model, mc, opts, out, msg); err != nil {
			failStream(ctx, out, msg, err)
		}
	}()
	return out
}

func runMessages(ctx context.Context, model *models.Model, mc *models.Context, opts *MessagesOptions, out *models.AssistantMessageStream, msg *models.AssistantMessage) error {
	apiKey, err := resolveAPIKey(model, opts.APIKey)
	if err != nil {
		return err
	}
	oauthMode := isAnthropicOAuthKey(apiKey)

	params := messagesParams(model, mc, opts, oauthMode)
	if opts.OnPayload != nil {
		opts.OnPayload(params)
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messagesEndpoint(model), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	for key, value := range messagesHeaders(apiKey, opts.ThinkingEnabled, opts.Headers) {
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

	// Blocks are keyed by the index the server declares; input_json
	// accumulates per index and re-parses on each delta.
	blocks := map[int]models.AssistantBlock{}
	partialJSON := map[int]string{}

	handle := func(eventName string, data []byte) {
		var ev messagesEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		eventType := eventName
		if eventType == "" {
			eventType = ev.Type
		}
		switch eventType {
		case "message_start":
			if ev.Message != nil && ev.Message.Usage != nil {
				usage := ev.Message.Usage
				msg.Usage.Input = tokenCount(usage.InputTokens)
				msg.Usage.Output = tokenCount(usage.OutputTokens)
				msg.Usage.CacheRead = tokenCount(usage.CacheReadInputTokens)
				msg.Usage.CacheWrite = tokenCount(usage.CacheCreationInputTokens)
				refreshUsageTotal(model, msg)
			}
		case "content_block_start":
			if ev.ContentBlock == nil {
				return
			}
			index := len(msg.Content)
			if ev.Index != nil {
				index = *ev.Index
			}
			switch ev.ContentBlock.Type {
			case "text":
				block := &models.TextContent{}
				msg.Content = append(msg.Content, block)
				blocks[index] = block
				out.Push(models.Event{Type: models.EventTextStart, ContentIndex: index, Partial: msg})
			case "thinking":
				block := &models.ThinkingContent{}
				msg.Content = append(msg.Content, block)
				blocks[index] = block
				out.Push(models.Event{Type: models.EventThinkingStart, ContentIndex: index, Partial: msg})
			case "tool_use":
				name := ev.ContentBlock.Name
				if oauthMode {
					name = agentToolName(name)
				}
				args := ev.ContentBlock.Input
				if args == nil {
					args = map[string]any{}
				}
				block := &models.ToolCall{ID: ev.ContentBlock.ID, Name: name, Arguments: args}
				msg.Content = append(msg.Content, block)
				blocks[index] = block
				partialJSON[index] = ""
				out.Push(models.Event{Type: models.EventToolCallStart, ContentIndex: index, Partial: msg})
			}
		case "content_block_delta":
			if ev.Delta == nil {
				return
			}
			index := 0
			if ev.Index != nil {
				index = *ev.Index
			}
			switch block := blocks[index].(type) {
			case *models.TextContent:
				if ev.Delta.Type == "text_delta" {
					block.Text += ev.Delta.Text
					out.Push(models.Event{Type: models.EventTextDelta, ContentIndex: index, Delta: ev.Delta.Text, Partial: msg})
				}
			case *models.ThinkingContent:
				switch ev.Delta.Type {
				case "thinking_delta":
					block.Thinking += ev.Delta.Thinking
					out.Push(models.Event{Type: models.EventThinkingDelta, ContentIndex: index, Delta: ev.Delta.Thinking, Partial: msg})
				case "signature_delta":
					block.ThinkingSignature += ev.Delta.Signature
				}
			case *models.ToolCall:
				if ev.Delta.Type == "input_json_delta" {
					partialJSON[index] += ev.Delta.PartialJSON
					block.Arguments = parseStreamingJSON(partialJSON[index])
					out.Push(models.Event{Type: models.EventToolCallDelta, ContentIndex: index, Delta: ev.Delta.PartialJSON, Partial: msg})
				}
			}
		case "content_block_stop":
			index := 0
			if ev.Index != nil {
				index = *ev.Index
			}
			switch block := blocks[index].(type) {
			case *models.TextContent:
				out.Push(models.Event{Type: models.EventTextEnd, ContentIndex: index, Content: block.Text, Partial: msg})
			case *models.ThinkingContent:
				out.Push(models.Event{Type: models.EventThinkingEnd, ContentIndex: index, Content: block.Thinking, Partial: msg})
			case *models.ToolCall:
				out.Push(models.Event{Type: models.EventToolCallEnd, ContentIndex: index, ToolCall: block, Partial: msg})
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				msg.StopReason = messagesStopReason(ev.Delta.StopReason)
			}
			if ev.Usage != nil {
				if ev.Usage.InputTokens != nil {
					msg.Usage.Input = *ev.Usage.InputTokens
				}
				if ev.Usage.OutputTokens != nil {
					msg.Usage.Output = *ev.Usage.OutputTokens
				}
				if ev.Usage.CacheReadInputTokens != nil {
					msg.Usage.CacheRead = *ev.Usage.CacheReadInputTokens
				}
				if ev.Usage.CacheCreationInputTokens != nil {
					msg.Usage.CacheWrite = *ev.Usage.CacheCreationInputTokens
				}
				refreshUsageTotal(model, msg)
			}
		}
	}

	var eventName string
	var dataLines []string
	dispatch := func() {
		if len(dataLines) == 0 {
			return
		}
		data := strings.Join(dataLines, "\n")
		dataLines = nil
		if data != "[DONE]" {
			handle(eventName, []byte(data))
		}
		eventName = ""
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return errAborted
		}
		line := scanner.Text()
		if line == "" {
			dispatch()
			continue
		}
		if rest, ok := strings.CutPrefix(line, "event:"); ok {
			eventName = strings.TrimSpace(rest)
			continue
		}
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			dataLines = append(dataLines, strings.TrimLeft(rest, " \t"))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	dispatch()

	if ctx.Err() != nil {
		return errAborted
	}
	out.Push(models.Event{Type: models.EventDone, Reason: msg.StopReason, Message: msg})
	out.End(msg)
	return nil
}

type messagesEvent struct {
	Type    string `json:"type"`
	Index   *int   `json:"index"`
	Message *struct {
		Usage *messagesUsage `json:"usage"`
	} `json:"message"`
	ContentBlock *struct {
		Type  string         `json:"type"`
		ID    string         `json:"id"`
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
		Signature   string `json:"signature"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage *messagesUsage `json:"usage"`
}

type messagesUsage struct {
	InputTokens              *int `json:"input_tokens"`
	OutputTokens             *int `json:"output_tokens"`
	CacheReadInputTokens     *int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens *int `json:"cache_creation_input_tokens"`
}

func tokenCount(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func refreshUsageTotal(model *models.Model, msg *models.AssistantMessage) {
	msg.Usage.TotalTokens = msg.Usage.Input + msg.Usage.Output + msg.Usage.CacheRead + msg.Usage.CacheWrite
	models.CalculateCost(model, &msg.Usage)
}

func messagesStopReason(reason string) models.StopReason {
	switch reason {
	case "end_turn":
		return models.StopReasonStop
	case "max_tokens":
		return models.StopReasonLength
	case "tool_use":
		return models.StopReasonToolUse
	case "refusal", "sensitive":
		return models.StopReasonError
	default:
		return models.StopReasonStop
	}
}

func isAnthropicOAuthKey(key string) bool {
	return strings.Contains(key, "sk-ant-oat")
}

func messagesEndpoint(model *models.Model) string {
	base := model.BaseURL
	if base == "" {
		base = models.DefaultAnthropicBaseURL
	}
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasSuffix(base, "/messages"):
		return base
	case strings.HasSuffix(base, "/v1"):
		return base + "/messages"
	default:
		return base + "/v1/messages"
	}
}

func messagesHeaders(apiKey string, thinking bool, extra map[string]string) map[string]string {
	headers := map[string]string{
		"content-type":      "application/json",
		"anthropic-version": anthropicVersion,
	}
	betas := []string{"fine-grained-tool-streaming-2025-05-14"}
	if thinking {
		betas = append(betas, "interleaved-thinking-2025-05-14")
	}
	if isAnthropicOAuthKey(apiKey) {
		headers["authorization"] = "Bearer " + apiKey
		betas = append([]string{"oauth-2025-04-20", "claude-code-20250219"}, betas...)
	} else {
		headers["x-api-key"] = apiKey
	}
	headers["anthropic-beta"] = strings.Join(betas, ",")
	for key, value := range extra {
		headers[key] = value
	}
	return headers
}

// anthropicCacheControl resolves the retention policy and the marker to
// attach. Explicit retention wins over the environment override; the 1h
// ttl is only valid on the canonical endpoint, so proxies get the plain
// ephemeral marker even under long retention.
func anthropicCacheControl(baseURL string, retention models.CacheRetention) (models.CacheRetention, map[string]any) {
	if retention == "" {
		switch models.CacheRetention(os.Getenv(cacheRetentionEnv)) {
		case models.CacheRetentionNone:
			retention = models.CacheRetentionNone
		case models.CacheRetentionLong:
			retention = models.CacheRetentionLong
		default:
			retention = models.CacheRetentionShort
		}
	}
	switch retention {
	case models.CacheRetentionNone:
		return models.CacheRetentionNone, nil
	case models.CacheRetentionLong:
		control := map[string]any{"type": "ephemeral"}
		if strings.Contains(baseURL, "api.anthropic.com") {
			control["ttl"] = "1h"
		}
		return models.CacheRetentionLong, control
	default:
		return models.CacheRetentionShort, map[string]any{"type": "ephemeral"}
	}
}

func messagesParams(model *models.Model, mc *models.Context, opts *MessagesOptions, oauthMode bool) map[string]any {
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = model.MaxTokens
	}
	if maxTokens == 0 {
		maxTokens = anthropicMinOutputTokens
	}

	transformed := TransformMessages(mc.Messages, model, anthropicToolCallID)
	params := map[string]any{
		"model":      model.ID,
		"messages":   messagesConversation(transformed, model, oauthMode),
		"stream":     true,
		"max_tokens": maxTokens,
	}

	var system []map[string]any
	if oauthMode {
		system = append(system, map[string]any{"type": "text", "text": claudeCodeSystemPrompt})
	}
	if mc.SystemPrompt != "" {
		system = append(system, map[string]any{"type": "text", "text": mc.SystemPrompt})
	}
	if len(system) > 0 {
		params["system"] = system
	}

	if opts.Temperature != nil {
		params["temperature"] = *opts.Temperature
	}
	if len(mc.Tools) > 0 {
		params["tools"] = messagesTools(mc.Tools, oauthMode)
	}
	if opts.ThinkingEnabled && model.Reasoning {
		budget := opts.ThinkingBudgetTokens
		if budget == 0 {
			budget = anthropicMinOutputTokens
		}
		params["thinking"] = map[string]any{"type": "enabled", "budget_tokens": budget}
	}
	if opts.ToolChoice != nil {
		if name, ok := opts.ToolChoice.(string); ok {
			params["tool_choice"] = map[string]any{"type": name}
		} else {
			params["tool_choice"] = opts.ToolChoice
		}
	}

	if _, control := anthropicCacheControl(messagesEndpoint(model), opts.CacheRetention); control != nil {
		for _, block := range system {
			block["cache_control"] = control
		}
		markLastUserBlock(params["messages"].([]map[string]any), control)
	}
	return params
}

// markLastUserBlock attaches the cache marker to the last content block of
// the final user message, the point up to which the prompt is stable.
func markLastUserBlock(wire []map[string]any, control map[string]any) {
	for i := len(wire) - 1; i >= 0; i-- {
		if wire[i]["role"] != "user" {
			continue
		}
		if content, ok := wire[i]["content"].([]map[string]any); ok && len(content) > 0 {
			content[len(content)-1]["cache_control"] = control
		}
		return
	}
}

func messagesTools(tools []models.Tool, oauthMode bool) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		var schema struct {
			Properties map[string]any `json:"properties"`
			Required   []string       `json:"required"`
		}
		_ = json.Unmarshal(tool.Parameters, &schema)
		if schema.Properties == nil {
			schema.Properties = map[string]any{}
		}
		if schema.Required == nil {
			schema.Required = []string{}
		}
		name := tool.Name
		if oauthMode {
			name = claudeCodeToolName(name)
		}
		out = append(out, map[string]any{
			"name":        name,
			"description": tool.Description,
			"input_schema": map[string]any{
				"type":       "object",
				"properties": schema.Properties,
				"required":   schema.Required,
			},
		})
	}
	return out
}

// messagesConversation converts the neutral transcript to the wire shape.
// Consecutive tool results collapse into one user message holding a
// tool_result block per result, which is the only form the endpoint
// accepts for parallel tool calls.
func messagesConversation(msgs models.Messages, model *models.Model, oauthMode bool) []map[string]any {
	var wire []map[string]any
	for i := 0; i < len(msgs); {
		switch m := msgs[i].(type) {
		case *models.UserMessage:
			if blocks := messagesUserBlocks(m, model); len(blocks) > 0 {
				wire = append(wire, map[string]any{"role": "user", "content": blocks})
			}
			i++
		case *models.AssistantMessage:
			if blocks := messagesAssistantBlocks(m, oauthMode); len(blocks) > 0 {
				wire = append(wire, map[string]any{"role": "assistant", "content": blocks})
			}
			i++
		case *models.ToolResultMessage:
			var results []map[string]any
			for i < len(msgs) {
				result, ok := msgs[i].(*models.ToolResultMessage)
				if !ok {
					break
				}
				results = append(results, messagesToolResult(result, model))
				i++
			}
			wire = append(wire, map[string]any{"role": "user", "content": results})
		default:
			i++
		}
	}
	return wire
}

func messagesUserBlocks(m *models.UserMessage, model *models.Model) []map[string]any {
	if m.Content.IsText() {
		if strings.TrimSpace(m.Content.Text) == "" {
			return nil
		}
		return []map[string]any{{"type": "text", "text": m.Content.Text}}
	}
	var blocks []map[string]any
	for _, block := range m.Content.Blocks {
		switch b := block.(type) {
		case *models.TextContent:
			if strings.TrimSpace(b.Text) != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": b.Text})
			}
		case *models.ImageContent:
			if model.AcceptsImage() {
				blocks = append(blocks, imageSourceBlock(b))
			}
		}
	}
	return blocks
}

func messagesAssistantBlocks(m *models.AssistantMessage, oauthMode bool) []map[string]any {
	var blocks []map[string]any
	for _, block := range m.Content {
		switch b := block.(type) {
		case *models.TextContent:
			if strings.TrimSpace(b.Text) != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": b.Text})
			}
		case *models.ThinkingContent:
			if strings.TrimSpace(b.Thinking) == "" {
				continue
			}
			if b.ThinkingSignature != "" {
				blocks = append(blocks, map[string]any{
					"type":      "thinking",
					"thinking":  b.Thinking,
					"signature": b.ThinkingSignature,
				})
			} else {
				// Unsigned thinking cannot be replayed as thinking.
				blocks = append(blocks, map[string]any{"type": "text", "text": b.Thinking})
			}
		case *models.ToolCall:
			name := b.Name
			if oauthMode {
				name = claudeCodeToolName(name)
			}
			args := b.Arguments
			if args == nil {
				args = map[string]any{}
			}
			blocks = append(blocks, map[string]any{
				"type":  "tool_use",
				"id":    anthropicToolCallID(b.ID),
				"name":  name,
				"input": args,
			})
		}
	}
	return blocks
}

func messagesToolResult(result *models.ToolResultMessage, model *models.Model) map[string]any {
	var blocks []map[string]any
	var parts []string
	for _, block := range result.Content {
		if text, ok := block.(*models.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	if len(parts) > 0 {
		blocks = append(blocks, map[string]any{"type": "text", "text": strings.Join(parts, "\n")})
	}
	if model.AcceptsImage() {
		for _, block := range result.Content {
			if img, ok := block.(*models.ImageContent); ok {
				blocks = append(blocks, imageSourceBlock(img))
			}
		}
	}
	if len(blocks) == 0 {
		blocks = []map[string]any{{"type": "text", "text": "(see attached image)"}}
	}
	return map[string]any{
		"type":        "tool_result",
		"tool_use_id": anthropicToolCallID(result.ToolCallID),
		"content":     blocks,
		"is_error":    result.IsError,
	}
}

func imageSourceBlock(img *models.ImageContent) map[string]any {
	return map[string]any{
		"type": "image",
		"source": map[string]any{
			"type":       "base64",
			"media_type": img.MimeType,
			"data":       img.Data,
		},
	}
}

// claudeCodeToolNames maps built-in tool names to the casing the CLI's
// system prompt refers to them by. OAuth-mode requests use the mapped
// names; streamed tool_use blocks map back before execution.
var claudeCodeToolNames = map[string]string{
	"bash":  "Bash",
	"read":  "Read",
	"write": "Write",
	"edit":  "Edit",
}

var agentToolNames = func() map[string]string {
	inverse := make(map[string]string, len(claudeCodeToolNames))
	for name, mapped := range claudeCodeToolNames {
		inverse[mapped] = name
	}
	return inverse
}()

func claudeCodeToolName(name string) string {
	if mapped, ok := claudeCodeToolNames[name]; ok {
		return mapped
	}
	return name
}

func agentToolName(name string) string {
	if original, ok := agentToolNames[name]; ok {
		return original
	}
	return name
}
