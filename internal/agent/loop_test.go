package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/tillerlabs/tiller/internal/agent/providers"
	"github.com/tillerlabs/tiller/pkg/models"
	"github.com/tillerlabs/tiller/pkg/tools"
)

func testModel() *models.Model {
	return &models.Model{
		ID:       "test-model",
		Provider: "testprov",
		API:      models.APIOpenAICompletions,
	}
}

// scriptedTurn is one canned assistant response.
type scriptedTurn struct {
	text    string
	calls   []*models.ToolCall
	errText string
	stop    models.StopReason
}

// scriptFn returns a StreamFunc that replays the given turns in order,
// repeating the last one if the loop asks for more.
func scriptFn(turns ...scriptedTurn) StreamFunc {
	var n int32
	return func(ctx context.Context, model *models.Model, mc *models.Context, opts *providers.SimpleOptions) *models.AssistantMessageStream {
		idx := int(atomic.AddInt32(&n, 1)) - 1
		if idx >= len(turns) {
			idx = len(turns) - 1
		}
		turn := turns[idx]
		out := models.NewAssistantMessageStream()
		go func() {
			msg := &models.AssistantMessage{
				API:        model.API,
				Provider:   model.Provider,
				Model:      model.ID,
				StopReason: models.StopReasonStop,
				Timestamp:  models.NowMillis(),
			}
			out.Push(models.Event{Type: models.EventStart, Partial: msg})
			if turn.errText != "" {
				msg.StopReason = turn.stop
				msg.ErrorMessage = turn.errText
				out.Push(models.Event{Type: models.EventError, Reason: msg.StopReason, Error: msg})
				out.End(msg)
				return
			}
			if turn.text != "" {
				msg.Content = append(msg.Content, &models.TextContent{Text: turn.text})
				out.Push(models.Event{Type: models.EventTextStart, Partial: msg})
				out.Push(models.Event{Type: models.EventTextDelta, Delta: turn.text, Partial: msg})
				out.Push(models.Event{Type: models.EventTextEnd, Content: turn.text, Partial: msg})
			}
			if len(turn.calls) > 0 {
				msg.StopReason = models.StopReasonToolUse
				for _, call := range turn.calls {
					msg.Content = append(msg.Content, call)
				}
			}
			out.Push(models.Event{Type: models.EventDone, Reason: msg.StopReason, Message: msg})
			out.End(msg)
		}()
		return out
	}
}

// fakeTool is a scriptable tool for loop tests.
type fakeTool struct {
	name   string
	schema string
	run    func(ctx context.Context, id string, args map[string]any, onUpdate tools.UpdateFunc) (*tools.Result, error)
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "test tool" }

func (f *fakeTool) Schema() json.RawMessage {
	if f.schema == "" {
		return json.RawMessage(`{"type":"object"}`)
	}
	return json.RawMessage(f.schema)
}

func (f *fakeTool) Execute(ctx context.Context, id string, args map[string]any, onUpdate tools.UpdateFunc) (*tools.Result, error) {
	if f.run != nil {
		return f.run(ctx, id, args, onUpdate)
	}
	return &tools.Result{Content: models.UserBlocks{&models.TextContent{Text: "ok"}}}, nil
}

// collect drains the stream and returns the events plus the terminal
// message list.
func collect(t *testing.T, s *models.AgentEventStream) ([]models.AgentEvent, models.Messages) {
	t.Helper()
	var events []models.AgentEvent
	for ev := range s.Events() {
		events = append(events, ev)
	}
	result, err := s.Result(context.Background())
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	return events, result
}

func eventTypes(events []models.AgentEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = string(ev.Type)
	}
	return out
}

func textOf(t *testing.T, msg models.Message) string {
	t.Helper()
	switch m := msg.(type) {
	case *models.UserMessage:
		if m.Content.IsText() {
			return m.Content.Text
		}
		for _, b := range m.Content.Blocks {
			if tc, ok := b.(*models.TextContent); ok {
				return tc.Text
			}
		}
	case *models.AssistantMessage:
		for _, b := range m.Content {
			if tc, ok := b.(*models.TextContent); ok {
				return tc.Text
			}
		}
	case *models.ToolResultMessage:
		for _, b := range m.Content {
			if tc, ok := b.(*models.TextContent); ok {
				return tc.Text
			}
		}
	}
	return ""
}

func TestRunEventSequenceSimpleTurn(t *testing.T) {
	cfg := &Config{Model: testModel(), StreamFn: scriptFn(scriptedTurn{text: "hello there"})}
	ac := &Context{SystemPrompt: "be brief"}

	s := Run(context.Background(), cfg, ac, models.NewUserMessage("hi"))
	events, result := collect(t, s)

	want := []string{
		"agent_start",
		"turn_start",
		"message_start", // prompt
		"message_end",
		"message_start", // assistant partial
		"message_update",
		"message_update",
		"message_update",
		"message_end",
		"turn_end",
		"agent_end",
	}
	got := eventTypes(events)
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}

	if len(result) != 2 {
		t.Fatalf("len(result) = %d, want 2", len(result))
	}
	if result[0].Role() != models.RoleUser || result[1].Role() != models.RoleAssistant {
		t.Fatalf("result roles = %s, %s", result[0].Role(), result[1].Role())
	}
	if got := textOf(t, result[1]); got != "hello there" {
		t.Fatalf("assistant text = %q, want %q", got, "hello there")
	}

	// turn_end carries the assistant message and no tool results.
	turnEnd := events[len(events)-2]
	if turnEnd.Message == nil {
		t.Fatal("turn_end missing assistant message")
	}
	if len(turnEnd.ToolResults) != 0 {
		t.Fatalf("turn_end tool results = %d, want 0", len(turnEnd.ToolResults))
	}
	if events[len(events)-1].Messages == nil {
		t.Fatal("agent_end missing messages")
	}
}

func TestRunDoesNotMutateCallerContext(t *testing.T) {
	cfg := &Config{Model: testModel(), StreamFn: scriptFn(scriptedTurn{text: "reply"})}
	ac := &Context{Messages: models.Messages{models.NewUserMessage("earlier")}}

	s := Run(context.Background(), cfg, ac, models.NewUserMessage("hi"))
	collect(t, s)

	if len(ac.Messages) != 1 {
		t.Fatalf("caller context grew to %d messages", len(ac.Messages))
	}
}

func TestRunExecutesToolCalls(t *testing.T) {
	call := &models.ToolCall{ID: "call_1", Name: "echo", Arguments: map[string]any{"text": "ping"}}
	cfg := &Config{
		Model: testModel(),
		StreamFn: scriptFn(
			scriptedTurn{text: "let me check", calls: []*models.ToolCall{call}},
			scriptedTurn{text: "done"},
		),
	}
	var gotArgs map[string]any
	echo := &fakeTool{
		name:   "echo",
		schema: `{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`,
		run: func(ctx context.Context, id string, args map[string]any, onUpdate tools.UpdateFunc) (*tools.Result, error) {
			gotArgs = args
			onUpdate(&tools.Result{Content: models.UserBlocks{&models.TextContent{Text: "pi"}}})
			return &tools.Result{
				Content: models.UserBlocks{&models.TextContent{Text: "pong"}},
				Details: map[string]any{"echoed": true},
			}, nil
		},
	}
	ac := &Context{Tools: []tools.Tool{echo}}

	s := Run(context.Background(), cfg, ac, models.NewUserMessage("go"))
	events, result := collect(t, s)

	if gotArgs["text"] != "ping" {
		t.Fatalf("tool args = %v, want text=ping", gotArgs)
	}

	var seq []string
	for _, ev := range events {
		switch ev.Type {
		case models.AgentEventToolExecutionStart, models.AgentEventToolExecutionUpdate, models.AgentEventToolExecutionEnd, models.AgentEventTurnStart, models.AgentEventTurnEnd:
			seq = append(seq, string(ev.Type))
		}
	}
	want := []string{
		"turn_start",
		"tool_execution_start",
		"tool_execution_update",
		"tool_execution_end",
		"turn_end",
		"turn_start",
		"turn_end",
	}
	if strings.Join(seq, " ") != strings.Join(want, " ") {
		t.Fatalf("tool/turn sequence = %v, want %v", seq, want)
	}

	// prompt, assistant with call, tool result, final assistant
	if len(result) != 4 {
		t.Fatalf("len(result) = %d, want 4", len(result))
	}
	trm, ok := result[2].(*models.ToolResultMessage)
	if !ok {
		t.Fatalf("result[2] = %T, want *ToolResultMessage", result[2])
	}
	if trm.IsError {
		t.Fatal("tool result marked as error")
	}
	if trm.ToolCallID != "call_1" || trm.ToolName != "echo" {
		t.Fatalf("tool result identity = %s/%s", trm.ToolCallID, trm.ToolName)
	}
	if got := textOf(t, trm); got != "pong" {
		t.Fatalf("tool result text = %q, want %q", got, "pong")
	}
	if trm.Details["echoed"] != true {
		t.Fatalf("tool result details = %v", trm.Details)
	}

	// The first turn_end carries exactly this result.
	for _, ev := range events {
		if ev.Type == models.AgentEventTurnEnd {
			if len(ev.ToolResults) != 1 || ev.ToolResults[0] != trm {
				t.Fatalf("turn_end tool results = %v", ev.ToolResults)
			}
			break
		}
	}
}

func TestRunToolFailures(t *testing.T) {
	tests := []struct {
		name     string
		toolName string
		tool     *fakeTool
		wantText string
	}{
		{
			name:     "unknown tool",
			toolName: "missing",
			tool:     &fakeTool{name: "other"},
			wantText: "Tool missing not found",
		},
		{
			name:     "invalid arguments",
			toolName: "echo",
			tool: &fakeTool{
				name:   "echo",
				schema: `{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`,
			},
			wantText: "invalid arguments for tool echo",
		},
		{
			name:     "execution error",
			toolName: "other",
			tool: &fakeTool{
				name: "other",
				run: func(ctx context.Context, id string, args map[string]any, onUpdate tools.UpdateFunc) (*tools.Result, error) {
					return nil, errors.New("disk on fire")
				},
			},
			wantText: "disk on fire",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call := &models.ToolCall{ID: "c1", Name: tt.toolName, Arguments: map[string]any{}}
			cfg := &Config{
				Model: testModel(),
				StreamFn: scriptFn(
					scriptedTurn{calls: []*models.ToolCall{call}},
					scriptedTurn{text: "recovered"},
				),
			}
			ac := &Context{Tools: []tools.Tool{tt.tool}}

			s := Run(context.Background(), cfg, ac, models.NewUserMessage("go"))
			events, result := collect(t, s)

			var end *models.AgentEvent
			for i := range events {
				if events[i].Type == models.AgentEventToolExecutionEnd {
					end = &events[i]
					break
				}
			}
			if end == nil {
				t.Fatal("no tool_execution_end event")
			}
			if !end.IsError {
				t.Fatal("tool_execution_end not marked as error")
			}
			if got := textOf(t, end.Result); !strings.Contains(got, tt.wantText) {
				t.Fatalf("error result text = %q, want substring %q", got, tt.wantText)
			}

			// The run recovers: the error result goes back to the model.
			last := result[len(result)-1]
			if got := textOf(t, last); got != "recovered" {
				t.Fatalf("final assistant text = %q, want %q", got, "recovered")
			}
		})
	}
}

func TestRunStopsOnErrorAndAborted(t *testing.T) {
	tests := []struct {
		name string
		stop models.StopReason
	}{
		{"provider error", models.StopReasonError},
		{"aborted", models.StopReasonAborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Model:    testModel(),
				StreamFn: scriptFn(scriptedTurn{errText: "boom", stop: tt.stop}),
			}
			executed := false
			ac := &Context{Tools: []tools.Tool{&fakeTool{name: "echo", run: func(ctx context.Context, id string, args map[string]any, onUpdate tools.UpdateFunc) (*tools.Result, error) {
				executed = true
				return nil, nil
			}}}}

			s := Run(context.Background(), cfg, ac, models.NewUserMessage("go"))
			events, result := collect(t, s)

			got := eventTypes(events)
			want := []string{
				"agent_start", "turn_start",
				"message_start", "message_end", // prompt
				"message_start", "message_end", // error assistant
				"turn_end", "agent_end",
			}
			if strings.Join(got, " ") != strings.Join(want, " ") {
				t.Fatalf("event sequence = %v, want %v", got, want)
			}
			if executed {
				t.Fatal("tool ran after terminal stop reason")
			}

			final, ok := result[len(result)-1].(*models.AssistantMessage)
			if !ok {
				t.Fatalf("last message = %T, want *AssistantMessage", result[len(result)-1])
			}
			if final.StopReason != tt.stop {
				t.Fatalf("stop reason = %s, want %s", final.StopReason, tt.stop)
			}
			if final.ErrorMessage != "boom" {
				t.Fatalf("error message = %q, want %q", final.ErrorMessage, "boom")
			}
		})
	}
}

func TestRunSteeringSkipsRemainingCalls(t *testing.T) {
	queue := NewSteeringQueue()
	c1 := &models.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]any{}}
	c2 := &models.ToolCall{ID: "c2", Name: "echo", Arguments: map[string]any{}}

	var secondRan bool
	echo := &fakeTool{name: "echo", run: func(ctx context.Context, id string, args map[string]any, onUpdate tools.UpdateFunc) (*tools.Result, error) {
		if id == "c1" {
			queue.SteerText("wait, stop")
		} else {
			secondRan = true
		}
		return &tools.Result{Content: models.UserBlocks{&models.TextContent{Text: "ran " + id}}}, nil
	}}

	cfg := &Config{
		Model: testModel(),
		StreamFn: scriptFn(
			scriptedTurn{calls: []*models.ToolCall{c1, c2}},
			scriptedTurn{text: "answering the interruption"},
		),
		GetSteering: queue.GetSteeringMessages,
	}
	ac := &Context{Tools: []tools.Tool{echo}}

	s := Run(context.Background(), cfg, ac, models.NewUserMessage("go"))
	events, result := collect(t, s)

	if secondRan {
		t.Fatal("preempted tool call was executed")
	}

	// Both calls get matched start/end pairs.
	var ends []models.AgentEvent
	for _, ev := range events {
		if ev.Type == models.AgentEventToolExecutionEnd {
			ends = append(ends, ev)
		}
	}
	if len(ends) != 2 {
		t.Fatalf("tool_execution_end count = %d, want 2", len(ends))
	}
	if ends[0].IsError {
		t.Fatal("first call marked as error")
	}
	if !ends[1].IsError {
		t.Fatal("skipped call not marked as error")
	}
	if got := textOf(t, ends[1].Result); got != "Skipped due to queued user message." {
		t.Fatalf("skip text = %q", got)
	}

	// The steering message opens the next turn.
	// go, assistant(calls), ran c1, skipped c2, steering, assistant
	if len(result) != 6 {
		t.Fatalf("len(result) = %d, want 6", len(result))
	}
	if got := textOf(t, result[4]); got != "wait, stop" {
		t.Fatalf("result[4] text = %q, want steering message", got)
	}
	if result[4].Role() != models.RoleUser {
		t.Fatalf("result[4] role = %s, want user", result[4].Role())
	}
	if got := textOf(t, result[5]); got != "answering the interruption" {
		t.Fatalf("final text = %q", got)
	}
}

func TestRunSteeringAfterLastCallOpensNextTurn(t *testing.T) {
	queue := NewSteeringQueue()
	c1 := &models.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]any{}}
	echo := &fakeTool{name: "echo", run: func(ctx context.Context, id string, args map[string]any, onUpdate tools.UpdateFunc) (*tools.Result, error) {
		queue.SteerText("also this")
		return &tools.Result{Content: models.UserBlocks{&models.TextContent{Text: "ok"}}}, nil
	}}

	cfg := &Config{
		Model: testModel(),
		StreamFn: scriptFn(
			scriptedTurn{calls: []*models.ToolCall{c1}},
			scriptedTurn{text: "final"},
		),
		GetSteering: queue.GetSteeringMessages,
	}
	ac := &Context{Tools: []tools.Tool{echo}}

	s := Run(context.Background(), cfg, ac, models.NewUserMessage("go"))
	_, result := collect(t, s)

	// go, assistant(call), result, steering, assistant
	if len(result) != 5 {
		t.Fatalf("len(result) = %d, want 5", len(result))
	}
	if got := textOf(t, result[3]); got != "also this" {
		t.Fatalf("result[3] text = %q, want steering message", got)
	}
}

func TestRunInitialSteeringJoinsFirstTurn(t *testing.T) {
	queue := NewSteeringQueue()
	queue.SteerText("queued before start")

	cfg := &Config{
		Model:       testModel(),
		StreamFn:    scriptFn(scriptedTurn{text: "hi"}),
		GetSteering: queue.GetSteeringMessages,
	}
	s := Run(context.Background(), cfg, &Context{}, models.NewUserMessage("prompt"))
	_, result := collect(t, s)

	if len(result) != 3 {
		t.Fatalf("len(result) = %d, want 3", len(result))
	}
	if got := textOf(t, result[0]); got != "prompt" {
		t.Fatalf("result[0] = %q", got)
	}
	if got := textOf(t, result[1]); got != "queued before start" {
		t.Fatalf("result[1] = %q, want queued steering message", got)
	}
}

func TestRunFollowUpStartsNewTurn(t *testing.T) {
	queue := NewSteeringQueue()
	queue.FollowUpText("and another thing")

	cfg := &Config{
		Model: testModel(),
		StreamFn: scriptFn(
			scriptedTurn{text: "first answer"},
			scriptedTurn{text: "second answer"},
		),
		GetFollowUp: queue.GetFollowUpMessages,
	}
	s := Run(context.Background(), cfg, &Context{}, models.NewUserMessage("go"))
	events, result := collect(t, s)

	turnStarts := 0
	for _, ev := range events {
		if ev.Type == models.AgentEventTurnStart {
			turnStarts++
		}
	}
	if turnStarts != 2 {
		t.Fatalf("turn_start count = %d, want 2", turnStarts)
	}

	// go, answer1, follow-up, answer2
	if len(result) != 4 {
		t.Fatalf("len(result) = %d, want 4", len(result))
	}
	if got := textOf(t, result[2]); got != "and another thing" {
		t.Fatalf("result[2] = %q, want follow-up message", got)
	}
	if got := textOf(t, result[3]); got != "second answer" {
		t.Fatalf("result[3] = %q", got)
	}
}

func TestRunFollowUpNotPolledAfterToolTurn(t *testing.T) {
	queue := NewSteeringQueue()
	queue.FollowUpText("later")

	polls := 0
	call := &models.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]any{}}
	cfg := &Config{
		Model: testModel(),
		StreamFn: scriptFn(
			scriptedTurn{calls: []*models.ToolCall{call}},
			scriptedTurn{text: "done"},
			scriptedTurn{text: "done again"},
		),
		GetFollowUp: func() models.Messages {
			polls++
			return queue.GetFollowUpMessages()
		},
	}
	ac := &Context{Tools: []tools.Tool{&fakeTool{name: "echo"}}}

	s := Run(context.Background(), cfg, ac, models.NewUserMessage("go"))
	_, result := collect(t, s)

	// The tool turn loops unconditionally; only the quiet turns poll
	// follow-up, so the queued message lands after the second answer.
	if polls != 2 {
		t.Fatalf("follow-up polls = %d, want 2", polls)
	}
	if len(result) != 6 {
		t.Fatalf("len(result) = %d, want 6", len(result))
	}
	if got := textOf(t, result[4]); got != "later" {
		t.Fatalf("result[4] = %q, want follow-up message", got)
	}
}

func TestContinueGuards(t *testing.T) {
	cfg := &Config{Model: testModel(), StreamFn: scriptFn(scriptedTurn{text: "hi"})}

	if _, err := Continue(context.Background(), cfg, &Context{}); !errors.Is(err, ErrNoMessages) {
		t.Fatalf("Continue on empty context: err = %v, want ErrNoMessages", err)
	}

	ac := &Context{Messages: models.Messages{
		models.NewUserMessage("hi"),
		&models.AssistantMessage{StopReason: models.StopReasonStop},
	}}
	_, err := Continue(context.Background(), cfg, ac)
	if err == nil || err.Error() != "Cannot continue from message role: assistant" {
		t.Fatalf("Continue after assistant: err = %v", err)
	}
}

func TestContinueRunsWithoutPromptEvents(t *testing.T) {
	cfg := &Config{Model: testModel(), StreamFn: scriptFn(scriptedTurn{text: "resuming"})}
	ac := &Context{Messages: models.Messages{models.NewUserMessage("continue from here")}}

	s, err := Continue(context.Background(), cfg, ac)
	if err != nil {
		t.Fatalf("Continue() error = %v", err)
	}
	events, result := collect(t, s)

	// No prompt message pair: the first message event is the assistant.
	got := eventTypes(events)
	want := []string{
		"agent_start", "turn_start",
		"message_start", "message_update", "message_update", "message_update", "message_end",
		"turn_end", "agent_end",
	}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}

	// Terminal result holds only the new assistant message.
	if len(result) != 1 {
		t.Fatalf("len(result) = %d, want 1", len(result))
	}
	if result[0].Role() != models.RoleAssistant {
		t.Fatalf("result[0] role = %s, want assistant", result[0].Role())
	}
}

func TestRunGetAPIKeyFailureFailsTurn(t *testing.T) {
	cfg := &Config{
		Model: testModel(),
		GetAPIKey: func(ctx context.Context, provider string) (string, error) {
			return "", fmt.Errorf("no credentials for %s", provider)
		},
		StreamFn: scriptFn(scriptedTurn{text: "unreachable"}),
	}
	s := Run(context.Background(), cfg, &Context{}, models.NewUserMessage("go"))
	_, result := collect(t, s)

	final, ok := result[len(result)-1].(*models.AssistantMessage)
	if !ok {
		t.Fatalf("last message = %T", result[len(result)-1])
	}
	if final.StopReason != models.StopReasonError {
		t.Fatalf("stop reason = %s, want error", final.StopReason)
	}
	if final.ErrorMessage != "no credentials for testprov" {
		t.Fatalf("error message = %q", final.ErrorMessage)
	}
}

func TestRunPassesOptionsToProvider(t *testing.T) {
	var gotOpts *providers.SimpleOptions
	var gotCtx *models.Context
	temp := 0.5
	cfg := &Config{
		Model: testModel(),
		StreamFn: func(ctx context.Context, model *models.Model, mc *models.Context, opts *providers.SimpleOptions) *models.AssistantMessageStream {
			gotOpts = opts
			gotCtx = mc
			return scriptFn(scriptedTurn{text: "ok"})(ctx, model, mc, opts)
		},
		APIKey:      "sk-test",
		MaxTokens:   512,
		Temperature: &temp,
		Reasoning:   models.ThinkingHigh,
		SessionID:   "ses_1",
		Headers:     map[string]string{"X-Test": "1"},
	}
	echo := &fakeTool{name: "echo"}
	ac := &Context{SystemPrompt: "sys", Tools: []tools.Tool{echo}}

	s := Run(context.Background(), cfg, ac, models.NewUserMessage("go"))
	collect(t, s)

	if gotOpts.APIKey != "sk-test" || gotOpts.MaxTokens != 512 || *gotOpts.Temperature != 0.5 {
		t.Fatalf("options = %+v", gotOpts.StreamOptions)
	}
	if gotOpts.Reasoning != models.ThinkingHigh {
		t.Fatalf("reasoning = %s", gotOpts.Reasoning)
	}
	if gotOpts.SessionID != "ses_1" || gotOpts.Headers["X-Test"] != "1" {
		t.Fatalf("session/headers = %q %v", gotOpts.SessionID, gotOpts.Headers)
	}
	if gotCtx.SystemPrompt != "sys" {
		t.Fatalf("system prompt = %q", gotCtx.SystemPrompt)
	}
	if len(gotCtx.Tools) != 1 || gotCtx.Tools[0].Name != "echo" {
		t.Fatalf("tools = %v", gotCtx.Tools)
	}
	if len(gotCtx.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(gotCtx.Messages))
	}
}

type displayOnlyMessage struct{}

func (displayOnlyMessage) Role() models.Role { return models.Role("custom") }
func (displayOnlyMessage) Time() int64       { return 0 }

func TestConvertToLLMDropsDisplayRoles(t *testing.T) {
	msgs := models.Messages{
		models.NewUserMessage("hi"),
		displayOnlyMessage{},
		&models.AssistantMessage{},
		&models.ToolResultMessage{},
	}
	got := ConvertToLLM(msgs)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for _, m := range got {
		if m.Role() == "custom" {
			t.Fatal("display-only message survived conversion")
		}
	}
}

func TestRunTransformContextApplied(t *testing.T) {
	var sawLen int
	cfg := &Config{
		Model:    testModel(),
		StreamFn: scriptFn(scriptedTurn{text: "ok"}),
		TransformContext: func(ctx context.Context, msgs models.Messages) (models.Messages, error) {
			sawLen = len(msgs)
			// Drop everything but the last message.
			return msgs[len(msgs)-1:], nil
		},
	}
	ac := &Context{Messages: models.Messages{
		models.NewUserMessage("old one"),
		&models.AssistantMessage{StopReason: models.StopReasonStop},
	}}

	var reqMessages int
	inner := cfg.StreamFn
	cfg.StreamFn = func(ctx context.Context, model *models.Model, mc *models.Context, opts *providers.SimpleOptions) *models.AssistantMessageStream {
		reqMessages = len(mc.Messages)
		return inner(ctx, model, mc, opts)
	}

	s := Run(context.Background(), cfg, ac, models.NewUserMessage("new"))
	collect(t, s)

	if sawLen != 3 {
		t.Fatalf("transform saw %d messages, want 3", sawLen)
	}
	if reqMessages != 1 {
		t.Fatalf("request carried %d messages, want 1", reqMessages)
	}
}
