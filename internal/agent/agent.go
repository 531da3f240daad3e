package agent

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/tillerlabs/tiller/internal/observability"
	"github.com/tillerlabs/tiller/pkg/models"
	"github.com/tillerlabs/tiller/pkg/stream"
	"github.com/tillerlabs/tiller/pkg/tools"
)

// ErrAlreadyProcessing rejects Send and Continue while a run is active.
var ErrAlreadyProcessing = errors.New("Agent is already processing. Use Steer() or FollowUp() to queue messages.")

// MessageSink receives every message an agent commits, in commit order.
type MessageSink interface {
	AppendMessage(msg models.Message) error
}

// MessageSinkFunc adapts a function to the MessageSink interface.
type MessageSinkFunc func(msg models.Message) error

func (f MessageSinkFunc) AppendMessage(msg models.Message) error { return f(msg) }

// Options configures a new Agent. The zero value is usable with any model.
type Options struct {
	SystemPrompt  string
	Tools         []tools.Tool
	ThinkingLevel models.ThinkingLevel

	// SteeringMode and FollowUpMode default to one-at-a-time.
	SteeringMode QueueMode
	FollowUpMode QueueMode

	// GetSteering and GetFollowUp replace the built-in queues when set.
	GetSteering func() models.Messages
	GetFollowUp func() models.Messages

	ConvertToLLM     func(msgs models.Messages) models.Messages
	TransformContext func(ctx context.Context, msgs models.Messages) (models.Messages, error)
	StreamFn         StreamFunc

	SessionID string
	APIKey    string
	GetAPIKey func(ctx context.Context, provider string) (string, error)

	Headers         map[string]string
	MaxTokens       int
	Temperature     *float64
	ThinkingBudgets map[models.ThinkingLevel]int
	CacheRetention  models.CacheRetention
	OnPayload       func(payload map[string]any)

	// Sink persists committed messages, typically to a session log.
	Sink MessageSink

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Agent owns one conversation: the system prompt, model, message history,
// and the queues for user input that arrives while a run is active. At
// most one run is active at a time.
type Agent struct {
	mu sync.Mutex

	systemPrompt  string
	model         *models.Model
	thinkingLevel models.ThinkingLevel
	tools         []tools.Tool
	messages      models.Messages

	isStreaming   bool
	streamMessage models.Message
	pendingCalls  map[string]struct{}
	lastError     string

	queue       *SteeringQueue
	getSteering func() models.Messages
	getFollowUp func() models.Messages

	listeners  map[int]func(models.AgentEvent)
	listenerID int

	convert   func(msgs models.Messages) models.Messages
	transform func(ctx context.Context, msgs models.Messages) (models.Messages, error)
	streamFn  StreamFunc

	sessionID      string
	apiKey         string
	getAPIKey      func(ctx context.Context, provider string) (string, error)
	headers        map[string]string
	maxTokens      int
	temperature    *float64
	budgets        map[models.ThinkingLevel]int
	cacheRetention models.CacheRetention
	onPayload      func(payload map[string]any)

	sink    MessageSink
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	cancel context.CancelFunc
	idle   chan struct{}
	runGen int
}

// NewAgent returns an idle agent for the given model. opts may be nil.
func NewAgent(model *models.Model, opts *Options) *Agent {
	if opts == nil {
		opts = &Options{}
	}
	queue := NewSteeringQueue()
	if opts.SteeringMode != "" {
		queue.SetSteeringMode(opts.SteeringMode)
	}
	if opts.FollowUpMode != "" {
		queue.SetFollowUpMode(opts.FollowUpMode)
	}
	a := &Agent{
		systemPrompt:   opts.SystemPrompt,
		model:          model,
		thinkingLevel:  opts.ThinkingLevel,
		tools:          opts.Tools,
		pendingCalls:   make(map[string]struct{}),
		queue:          queue,
		getSteering:    opts.GetSteering,
		getFollowUp:    opts.GetFollowUp,
		listeners:      make(map[int]func(models.AgentEvent)),
		convert:        opts.ConvertToLLM,
		transform:      opts.TransformContext,
		streamFn:       opts.StreamFn,
		sessionID:      opts.SessionID,
		apiKey:         opts.APIKey,
		getAPIKey:      opts.GetAPIKey,
		headers:        opts.Headers,
		maxTokens:      opts.MaxTokens,
		temperature:    opts.Temperature,
		budgets:        opts.ThinkingBudgets,
		cacheRetention: opts.CacheRetention,
		onPayload:      opts.OnPayload,
		sink:           opts.Sink,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
	}
	if a.getSteering == nil {
		a.getSteering = queue.GetSteeringMessages
	}
	if a.getFollowUp == nil {
		a.getFollowUp = queue.GetFollowUpMessages
	}
	if a.logger == nil {
		a.logger = observability.NopLogger()
	}
	return a
}

// Subscribe registers a listener for every event of every run. It returns
// the function that removes the listener again.
func (a *Agent) Subscribe(fn func(models.AgentEvent)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.listenerID
	a.listenerID++
	a.listeners[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.listeners, id)
	}
}

// Send starts a run with the given prompts appended to the conversation.
// It fails with ErrAlreadyProcessing while another run is active.
func (a *Agent) Send(ctx context.Context, prompts ...models.Message) (*models.AgentEventStream, error) {
	return a.start(ctx, prompts, false)
}

// SendText starts a run with a single user prompt, attaching any images
// as content blocks.
func (a *Agent) SendText(ctx context.Context, text string, images ...*models.ImageContent) (*models.AgentEventStream, error) {
	var prompt models.Message
	if len(images) == 0 {
		prompt = models.NewUserMessage(text)
	} else {
		blocks := models.UserBlocks{&models.TextContent{Text: text}}
		for _, img := range images {
			blocks = append(blocks, img)
		}
		prompt = models.NewUserBlockMessage(blocks...)
	}
	return a.Send(ctx, prompt)
}

// Continue resumes from the existing history without a new prompt. The
// history must be non-empty and must not end on an assistant message.
func (a *Agent) Continue(ctx context.Context) (*models.AgentEventStream, error) {
	return a.start(ctx, nil, true)
}

func (a *Agent) start(ctx context.Context, prompts models.Messages, cont bool) (*models.AgentEventStream, error) {
	a.mu.Lock()
	if a.isStreaming {
		a.mu.Unlock()
		return nil, ErrAlreadyProcessing
	}
	if cont {
		if len(a.messages) == 0 {
			a.mu.Unlock()
			return nil, ErrNoMessages
		}
		if last := a.messages[len(a.messages)-1]; last.Role() == models.RoleAssistant {
			a.mu.Unlock()
			return nil, errContinueFromRole(last.Role())
		}
	}

	cfg := a.runConfig()
	ac := &Context{
		SystemPrompt: a.systemPrompt,
		Messages:     append(models.Messages(nil), a.messages...),
		Tools:        a.tools,
	}

	runCtx, cancel := context.WithCancel(ctx)
	idle := make(chan struct{})
	a.cancel = cancel
	a.idle = idle
	a.isStreaming = true
	a.streamMessage = nil
	a.lastError = ""
	a.runGen++
	gen := a.runGen
	a.mu.Unlock()

	base := models.NewAgentEventStream()
	go newRun(cfg, ac, base).loop(runCtx, prompts)

	out := stream.New[models.AgentEvent, models.Messages](nil)
	go a.forward(base, out, cancel, idle, gen)
	return out, nil
}

// runConfig snapshots the agent's settings into a loop config. Callers
// hold a.mu.
func (a *Agent) runConfig() *Config {
	reasoning := a.thinkingLevel
	if reasoning == models.ThinkingOff {
		reasoning = ""
	}
	return &Config{
		Model:            a.model,
		ConvertToLLM:     a.convert,
		TransformContext: a.transform,
		StreamFn:         a.streamFn,
		APIKey:           a.apiKey,
		GetAPIKey:        a.getAPIKey,
		GetSteering:      a.getSteering,
		GetFollowUp:      a.getFollowUp,
		Reasoning:        reasoning,
		ThinkingBudgets:  a.budgets,
		MaxTokens:        a.maxTokens,
		Temperature:      a.temperature,
		Headers:          a.headers,
		SessionID:        a.sessionID,
		CacheRetention:   a.cacheRetention,
		OnPayload:        a.onPayload,
		Logger:           a.logger,
		Metrics:          a.metrics,
		Tracer:           a.tracer,
	}
}

// forward relays run events to the caller's stream while folding each one
// into the agent's state. The caller's stream terminates with the agent's
// full message list, history included. agent_end already marks the agent
// idle, so a listener may start the next run before this cleanup executes;
// the generation check keeps the cleanup from touching that run's state.
func (a *Agent) forward(base, out *models.AgentEventStream, cancel context.CancelFunc, idle chan struct{}, gen int) {
	for ev := range base.Events() {
		a.handleEvent(ev)
		out.Push(ev)
	}
	a.mu.Lock()
	if a.runGen == gen {
		a.isStreaming = false
		a.streamMessage = nil
		a.cancel = nil
	}
	final := append(models.Messages(nil), a.messages...)
	a.mu.Unlock()
	cancel()
	close(idle)
	out.End(final)
}

func (a *Agent) handleEvent(ev models.AgentEvent) {
	var sink MessageSink
	a.mu.Lock()
	switch ev.Type {
	case models.AgentEventMessageStart, models.AgentEventMessageUpdate:
		a.streamMessage = ev.Message
	case models.AgentEventMessageEnd:
		a.streamMessage = nil
		a.messages = append(a.messages, ev.Message)
		sink = a.sink
	case models.AgentEventToolExecutionStart:
		a.pendingCalls[ev.ToolCallID] = struct{}{}
	case models.AgentEventToolExecutionEnd:
		delete(a.pendingCalls, ev.ToolCallID)
	case models.AgentEventTurnEnd:
		if am, ok := ev.Message.(*models.AssistantMessage); ok && am.ErrorMessage != "" {
			a.lastError = am.ErrorMessage
		}
	case models.AgentEventEnd:
		a.isStreaming = false
		a.streamMessage = nil
	}
	listeners := make([]func(models.AgentEvent), 0, len(a.listeners))
	for _, fn := range a.listeners {
		listeners = append(listeners, fn)
	}
	a.mu.Unlock()

	if sink != nil {
		if err := sink.AppendMessage(ev.Message); err != nil {
			a.logger.Error(context.Background(), "session append failed", "error", err)
		}
	}
	for _, fn := range listeners {
		fn(ev)
	}
}

// Steer queues a message that interrupts the current tool batch. Queued
// messages are delivered through the run's steering poll points.
func (a *Agent) Steer(msg models.Message) { a.queue.Steer(msg) }

// SteerText queues a plain-text steering message.
func (a *Agent) SteerText(text string) { a.queue.SteerText(text) }

// FollowUp queues a message consumed when a turn ends without tool calls.
func (a *Agent) FollowUp(msg models.Message) { a.queue.FollowUp(msg) }

// FollowUpText queues a plain-text follow-up message.
func (a *Agent) FollowUpText(text string) { a.queue.FollowUpText(text) }

// Queue exposes the agent's steering queue, for callers that need mode
// control or inspection.
func (a *Agent) Queue() *SteeringQueue { return a.queue }

// Abort cancels the active run. The run finalizes the in-flight provider
// stream with stop reason aborted and ends normally via agent_end.
func (a *Agent) Abort() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// WaitIdle blocks until the active run finishes, or returns immediately
// when none is running.
func (a *Agent) WaitIdle(ctx context.Context) error {
	a.mu.Lock()
	idle := a.idle
	a.mu.Unlock()
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsStreaming reports whether a run is active.
func (a *Agent) IsStreaming() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isStreaming
}

// StreamMessage returns the assistant partial currently streaming, or nil.
func (a *Agent) StreamMessage() models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streamMessage
}

// PendingToolCalls returns the ids of tool calls started but not finished.
func (a *Agent) PendingToolCalls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.pendingCalls))
	for id := range a.pendingCalls {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LastError returns the error message of the most recent failed turn, or
// the empty string.
func (a *Agent) LastError() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastError
}

// Messages returns a copy of the full conversation history.
func (a *Agent) Messages() models.Messages {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append(models.Messages(nil), a.messages...)
}

// ReplaceMessages swaps the conversation history, for session restores.
func (a *Agent) ReplaceMessages(msgs models.Messages) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(models.Messages(nil), msgs...)
}

// AppendMessage adds one message to the history without starting a run.
func (a *Agent) AppendMessage(msg models.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, msg)
}

// ClearMessages empties the conversation history.
func (a *Agent) ClearMessages() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = nil
}

// Reset clears the history, queues, and error state of an idle agent.
func (a *Agent) Reset() {
	a.mu.Lock()
	a.messages = nil
	a.streamMessage = nil
	a.pendingCalls = make(map[string]struct{})
	a.lastError = ""
	a.mu.Unlock()
	a.queue.Clear()
}

// SystemPrompt returns the current system prompt.
func (a *Agent) SystemPrompt() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.systemPrompt
}

// SetSystemPrompt changes the system prompt for subsequent runs.
func (a *Agent) SetSystemPrompt(prompt string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.systemPrompt = prompt
}

// Model returns the model used for subsequent runs.
func (a *Agent) Model() *models.Model {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.model
}

// SetModel changes the model for subsequent runs.
func (a *Agent) SetModel(model *models.Model) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model = model
}

// ThinkingLevel returns the reasoning effort for subsequent runs.
func (a *Agent) ThinkingLevel() models.ThinkingLevel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.thinkingLevel
}

// SetThinkingLevel changes the reasoning effort for subsequent runs.
func (a *Agent) SetThinkingLevel(level models.ThinkingLevel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.thinkingLevel = level
}

// Tools returns the tool set offered on subsequent runs.
func (a *Agent) Tools() []tools.Tool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tools
}

// SetTools changes the tool set offered on subsequent runs.
func (a *Agent) SetTools(ts []tools.Tool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tools = ts
}

// SessionID returns the session tag attached to runs.
func (a *Agent) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// SetSessionID changes the session tag attached to runs.
func (a *Agent) SetSessionID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionID = id
}

// SetSink changes where committed messages are persisted.
func (a *Agent) SetSink(sink MessageSink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = sink
}
