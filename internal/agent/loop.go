package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tillerlabs/tiller/internal/agent/providers"
	"github.com/tillerlabs/tiller/internal/observability"
	"github.com/tillerlabs/tiller/pkg/models"
	"github.com/tillerlabs/tiller/pkg/tools"
)

// Context is the conversation state a run works on: the system prompt, the
// message history, and the tools offered to the model.
type Context struct {
	SystemPrompt string
	Messages     models.Messages
	Tools        []tools.Tool
}

// clone returns a copy with its own message slice so the run can append
// without mutating the caller's history.
func (c *Context) clone() *Context {
	cp := &Context{SystemPrompt: c.SystemPrompt, Tools: c.Tools}
	cp.Messages = append(models.Messages(nil), c.Messages...)
	return cp
}

// StreamFunc issues one provider request. providers.Stream is the default.
type StreamFunc func(ctx context.Context, model *models.Model, mc *models.Context, opts *providers.SimpleOptions) *models.AssistantMessageStream

// Config carries the per-run knobs that are not conversation state.
type Config struct {
	Model *models.Model

	// ConvertToLLM reduces the working history to the messages the model
	// may see. The default keeps user, assistant, and tool-result roles.
	ConvertToLLM func(msgs models.Messages) models.Messages

	// TransformContext rewrites the working history before each provider
	// request, for example to compact old turns. An error ends the turn
	// with an error assistant message.
	TransformContext func(ctx context.Context, msgs models.Messages) (models.Messages, error)

	// StreamFn overrides the provider transport.
	StreamFn StreamFunc

	// APIKey is used verbatim when set. Otherwise GetAPIKey is consulted,
	// and the provider falls back to its environment variable.
	APIKey    string
	GetAPIKey func(ctx context.Context, provider string) (string, error)

	// GetSteering returns user messages queued to interrupt tool batches.
	// GetFollowUp returns messages consumed only when a turn ends quiet.
	GetSteering func() models.Messages
	GetFollowUp func() models.Messages

	Reasoning       models.ThinkingLevel
	ThinkingBudgets map[models.ThinkingLevel]int
	MaxTokens       int
	Temperature     *float64
	Headers         map[string]string
	SessionID       string
	CacheRetention  models.CacheRetention
	OnPayload       func(payload map[string]any)

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Loop guard errors. They are raised synchronously, before any event is
// emitted.
var (
	// ErrNoMessages rejects Continue on a context with no messages.
	ErrNoMessages = errors.New("Cannot continue: no messages in context")
)

// errContinueFromRole rejects Continue when the last message already came
// from the assistant.
func errContinueFromRole(role models.Role) error {
	return fmt.Errorf("Cannot continue from message role: %s", role)
}

// skippedToolText is the content of the synthetic error result given to
// tool calls preempted by a steering message.
const skippedToolText = "Skipped due to queued user message."

// Run executes the agent loop with prompts appended to the context:
//
//	agent_start ─▶ turn_start ─▶ stream assistant ─▶ tool calls?
//	                                  │                │
//	                                  │ no             │ yes
//	                                  ▼                ▼
//	                            follow-up? ──▶ execute tools (steering
//	                                  │          may skip the rest)
//	                            empty │                │
//	                                  ▼                ▼
//	                              agent_end ◀── turn_end ─▶ turn_start
//
// The returned stream emits every event of the run and terminates with
// the list of new messages: prompts, assistant messages, and tool results
// in commit order. Failures surface as assistant messages with stop
// reason error or aborted; the stream itself always ends with agent_end.
func Run(ctx context.Context, cfg *Config, ac *Context, prompts ...models.Message) *models.AgentEventStream {
	out := models.NewAgentEventStream()
	go newRun(cfg, ac, out).loop(ctx, prompts)
	return out
}

// Continue resumes the loop from the existing context messages without new
// prompts, typically after a restart with a trailing user or tool-result
// message. The context must hold at least one message and must not end on
// an assistant message.
func Continue(ctx context.Context, cfg *Config, ac *Context) (*models.AgentEventStream, error) {
	if len(ac.Messages) == 0 {
		return nil, ErrNoMessages
	}
	if last := ac.Messages[len(ac.Messages)-1]; last.Role() == models.RoleAssistant {
		return nil, errContinueFromRole(last.Role())
	}
	out := models.NewAgentEventStream()
	go newRun(cfg, ac, out).loop(ctx, nil)
	return out, nil
}

// ConvertToLLM is the default context filter: it keeps the roles a model
// understands and drops display-only messages.
func ConvertToLLM(msgs models.Messages) models.Messages {
	out := make(models.Messages, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role() {
		case models.RoleUser, models.RoleAssistant, models.RoleToolResult:
			out = append(out, m)
		}
	}
	return out
}

// nopTracer backs runs configured without tracing.
var nopTracer, _ = observability.NewTracer(observability.TraceConfig{})

// run is the state of one loop invocation.
type run struct {
	cfg *Config
	ac  *Context
	out *models.AgentEventStream

	// produced accumulates every message committed during the run, in
	// order. It becomes the stream's terminal value.
	produced models.Messages

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

func newRun(cfg *Config, ac *Context, out *models.AgentEventStream) *run {
	r := &run{
		cfg:     cfg,
		ac:      ac.clone(),
		out:     out,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
	}
	if r.logger == nil {
		r.logger = observability.NopLogger()
	}
	if r.tracer == nil {
		r.tracer = nopTracer
	}
	return r
}

func (r *run) push(ev models.AgentEvent) {
	r.out.Push(ev)
}

// commit appends msg to the working context and the produced list, then
// announces it. The list update always precedes the event push.
func (r *run) commit(msg models.Message) {
	r.ac.Messages = append(r.ac.Messages, msg)
	r.produced = append(r.produced, msg)
	r.push(models.AgentEvent{Type: models.AgentEventMessageStart, Message: msg})
	r.push(models.AgentEvent{Type: models.AgentEventMessageEnd, Message: msg})
}

// loop drives the run to completion. incoming holds the messages that open
// the first turn; later turns are opened by steering or follow-up messages.
func (r *run) loop(ctx context.Context, incoming models.Messages) {
	model := ""
	if r.cfg.Model != nil {
		model = r.cfg.Model.ID
	}
	if r.cfg.SessionID != "" {
		ctx = observability.WithSessionID(ctx, r.cfg.SessionID)
	}
	ctx, span := r.tracer.TraceRun(ctx, r.cfg.SessionID, model)
	defer span.End()

	started := time.Now()
	if r.metrics != nil {
		r.metrics.RunStarted()
		defer func() { r.metrics.RunEnded(time.Since(started).Seconds()) }()
	}
	r.logger.Debug(ctx, "agent run started", "model", model, "prompts", len(incoming))

	r.push(models.AgentEvent{Type: models.AgentEventStart})

	// Steering that arrived before the run joins the first turn's prompts.
	if r.cfg.GetSteering != nil {
		incoming = append(incoming, r.cfg.GetSteering()...)
	}

	for {
		r.push(models.AgentEvent{Type: models.AgentEventTurnStart})
		for _, m := range incoming {
			r.commit(m)
		}
		incoming = nil

		msg := r.streamAssistant(ctx)

		if msg.StopReason == models.StopReasonError || msg.StopReason == models.StopReasonAborted {
			r.logger.Debug(ctx, "agent run ending", "stopReason", string(msg.StopReason), "error", msg.ErrorMessage)
			r.push(models.AgentEvent{Type: models.AgentEventTurnEnd, Message: msg})
			break
		}

		calls := msg.ToolCalls()
		if len(calls) == 0 {
			r.push(models.AgentEvent{Type: models.AgentEventTurnEnd, Message: msg})
			if r.cfg.GetFollowUp != nil {
				if fu := r.cfg.GetFollowUp(); len(fu) > 0 {
					incoming = fu
					continue
				}
			}
			break
		}

		results, pending := r.executeToolCalls(ctx, calls)
		r.push(models.AgentEvent{Type: models.AgentEventTurnEnd, Message: msg, ToolResults: results})

		// A turn that ran tools always loops; steering queued during the
		// batch, or arriving right after it, opens the next turn.
		if len(pending) == 0 && r.cfg.GetSteering != nil {
			pending = r.cfg.GetSteering()
		}
		incoming = pending
	}

	r.logger.Debug(ctx, "agent run finished", "messages", len(r.produced), "elapsed", time.Since(started))
	r.push(models.AgentEvent{Type: models.AgentEventEnd, Messages: r.produced})
	r.out.End(r.produced)
}

// streamAssistant issues one provider request and commits the streamed
// assistant message into the working context: the empty partial is
// appended on the provider's start event, replaced on every update, and
// replaced by the finalized message when the stream ends. The finalized
// message is always announced with message_end, whatever its stop reason.
func (r *run) streamAssistant(ctx context.Context) *models.AssistantMessage {
	if r.cfg.Model == nil {
		return r.failTurn(ctx, errors.New("no model configured"))
	}

	msgs := r.ac.Messages
	if r.cfg.TransformContext != nil {
		transformed, err := r.cfg.TransformContext(ctx, msgs)
		if err != nil {
			return r.failTurn(ctx, err)
		}
		msgs = transformed
	}
	convert := r.cfg.ConvertToLLM
	if convert == nil {
		convert = ConvertToLLM
	}

	apiKey := r.cfg.APIKey
	if apiKey == "" && r.cfg.GetAPIKey != nil {
		key, err := r.cfg.GetAPIKey(ctx, r.cfg.Model.Provider)
		if err != nil {
			return r.failTurn(ctx, err)
		}
		apiKey = key
	}

	mc := &models.Context{
		SystemPrompt: r.ac.SystemPrompt,
		Messages:     convert(msgs),
		Tools:        tools.Descriptors(r.ac.Tools),
	}
	opts := &providers.SimpleOptions{
		StreamOptions: providers.StreamOptions{
			APIKey:         apiKey,
			Headers:        r.cfg.Headers,
			MaxTokens:      r.cfg.MaxTokens,
			Temperature:    r.cfg.Temperature,
			SessionID:      r.cfg.SessionID,
			CacheRetention: r.cfg.CacheRetention,
			OnPayload:      r.cfg.OnPayload,
		},
		Reasoning:       r.cfg.Reasoning,
		ThinkingBudgets: r.cfg.ThinkingBudgets,
	}

	streamFn := r.cfg.StreamFn
	if streamFn == nil {
		streamFn = providers.Stream
	}

	llmCtx, llmSpan := r.tracer.TraceLLMRequest(ctx, r.cfg.Model.Provider, r.cfg.Model.ID)
	defer llmSpan.End()
	started := time.Now()

	resp := streamFn(llmCtx, r.cfg.Model, mc, opts)

	var partial *models.AssistantMessage
	for ev := range resp.Events() {
		switch ev.Type {
		case models.EventStart:
			partial = ev.Partial
			r.ac.Messages = append(r.ac.Messages, partial)
			r.push(models.AgentEvent{Type: models.AgentEventMessageStart, Message: partial})
		case models.EventDone, models.EventError:
			// The finalized message comes from the stream result below.
		default:
			if partial == nil {
				continue
			}
			update := ev
			partial = ev.Partial
			r.ac.Messages[len(r.ac.Messages)-1] = partial
			r.push(models.AgentEvent{Type: models.AgentEventMessageUpdate, Update: &update, Message: partial})
		}
	}

	final, err := resp.Result(ctx)
	if err != nil {
		// A conforming provider stream always terminates with done or
		// error; this covers a stream that closed with neither.
		final = r.newErrorMessage(ctx, err)
	}
	if partial != nil {
		r.ac.Messages[len(r.ac.Messages)-1] = final
	} else {
		r.ac.Messages = append(r.ac.Messages, final)
		r.push(models.AgentEvent{Type: models.AgentEventMessageStart, Message: final})
	}
	r.produced = append(r.produced, final)
	r.push(models.AgentEvent{Type: models.AgentEventMessageEnd, Message: final})

	if r.metrics != nil {
		status := "success"
		switch final.StopReason {
		case models.StopReasonError:
			status = "error"
		case models.StopReasonAborted:
			status = "aborted"
		}
		r.metrics.RecordLLMRequest(final.Provider, final.Model, status, time.Since(started).Seconds())
		u := final.Usage
		r.metrics.RecordLLMUsage(final.Provider, final.Model, u.Input, u.Output, u.CacheRead, u.CacheWrite, u.Cost.Total)
	}
	if final.StopReason == models.StopReasonError {
		r.tracer.RecordError(llmSpan, errors.New(final.ErrorMessage))
	}
	return final
}

// failTurn commits a synthetic error message for failures that happen
// before a provider stream exists, such as credential lookup.
func (r *run) failTurn(ctx context.Context, err error) *models.AssistantMessage {
	r.logger.Error(ctx, "turn failed before provider request", "error", err)
	if r.metrics != nil {
		r.metrics.RecordError("agent", "turn_setup")
	}
	msg := r.newErrorMessage(ctx, err)
	r.ac.Messages = append(r.ac.Messages, msg)
	r.produced = append(r.produced, msg)
	r.push(models.AgentEvent{Type: models.AgentEventMessageStart, Message: msg})
	r.push(models.AgentEvent{Type: models.AgentEventMessageEnd, Message: msg})
	return msg
}

func (r *run) newErrorMessage(ctx context.Context, err error) *models.AssistantMessage {
	msg := &models.AssistantMessage{
		StopReason:   models.StopReasonError,
		ErrorMessage: err.Error(),
		Timestamp:    models.NowMillis(),
	}
	if r.cfg.Model != nil {
		msg.API = r.cfg.Model.API
		msg.Provider = r.cfg.Model.Provider
		msg.Model = r.cfg.Model.ID
	}
	if ctx.Err() != nil {
		msg.StopReason = models.StopReasonAborted
	}
	return msg
}

// executeToolCalls runs the turn's tool calls in order. After each call it
// polls the steering queue; queued messages skip the remaining calls with
// synthetic error results and are returned as pending for the next turn.
// Every result is committed to the context before its events are pushed.
func (r *run) executeToolCalls(ctx context.Context, calls []*models.ToolCall) ([]*models.ToolResultMessage, models.Messages) {
	var results []*models.ToolResultMessage
	for i, call := range calls {
		results = append(results, r.executeToolCall(ctx, call))

		if r.cfg.GetSteering == nil || i == len(calls)-1 {
			continue
		}
		pending := r.cfg.GetSteering()
		if len(pending) == 0 {
			continue
		}
		for _, skipped := range calls[i+1:] {
			results = append(results, r.skipToolCall(skipped))
		}
		return results, pending
	}
	return results, nil
}

// executeToolCall resolves, validates, and invokes one call. Lookup,
// validation, and execution failures all become error results; they never
// end the run.
func (r *run) executeToolCall(ctx context.Context, call *models.ToolCall) *models.ToolResultMessage {
	r.push(models.AgentEvent{
		Type:       models.AgentEventToolExecutionStart,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Args:       call.Arguments,
	})

	toolCtx, span := r.tracer.TraceToolExecution(ctx, call.Name, call.ID)
	started := time.Now()

	result, err := r.invokeTool(toolCtx, call)

	isError := err != nil
	if isError {
		result = &tools.Result{Content: models.UserBlocks{&models.TextContent{Text: err.Error()}}}
		r.tracer.RecordError(span, err)
		r.logger.Debug(ctx, "tool execution failed", "tool", call.Name, "error", err)
	}
	span.End()
	if r.metrics != nil {
		status := "success"
		if isError {
			status = "error"
		}
		r.metrics.RecordToolExecution(call.Name, status, time.Since(started).Seconds())
	}

	trm := &models.ToolResultMessage{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    result.Content,
		Details:    result.Details,
		IsError:    isError,
		Timestamp:  models.NowMillis(),
	}
	r.push(models.AgentEvent{
		Type:       models.AgentEventToolExecutionEnd,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Result:     trm,
		IsError:    isError,
	})
	r.commit(trm)
	return trm
}

func (r *run) invokeTool(ctx context.Context, call *models.ToolCall) (*tools.Result, error) {
	tool := tools.Find(r.ac.Tools, call.Name)
	if tool == nil {
		return nil, fmt.Errorf("Tool %s not found", call.Name)
	}
	args, err := tools.ValidateArguments(r.ac.Tools, call.Name, call.Arguments)
	if err != nil {
		return nil, err
	}
	onUpdate := func(partial *tools.Result) {
		if partial == nil {
			return
		}
		r.push(models.AgentEvent{
			Type:       models.AgentEventToolExecutionUpdate,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Args:       call.Arguments,
			Partial: &models.ToolResultMessage{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Content:    partial.Content,
				Details:    partial.Details,
				Timestamp:  models.NowMillis(),
			},
		})
	}
	result, err := tool.Execute(ctx, call.ID, args, onUpdate)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &tools.Result{}
	}
	return result, nil
}

// skipToolCall synthesizes the error result for a call preempted by
// steering, with the matched start/end events the host expects.
func (r *run) skipToolCall(call *models.ToolCall) *models.ToolResultMessage {
	r.push(models.AgentEvent{
		Type:       models.AgentEventToolExecutionStart,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Args:       call.Arguments,
	})
	trm := models.NewToolResultMessage(call.ID, call.Name, skippedToolText, true)
	r.push(models.AgentEvent{
		Type:       models.AgentEventToolExecutionEnd,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Result:     trm,
		IsError:    true,
	})
	r.commit(trm)
	if r.metrics != nil {
		r.metrics.RecordToolExecution(call.Name, "skipped", 0)
	}
	return trm
}
