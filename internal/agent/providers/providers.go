// Package providers implements streaming clients for the two wire
// protocols tiller speaks: OpenAI-style chat completions and Anthropic
// messages. Both return an event stream that always terminates with a
// done or error event; request failures never surface as Go errors.
package providers

import (
	"context"
	"errors"
	"net/http"

	"github.com/tillerlabs/tiller/internal/auth"
	"github.com/tillerlabs/tiller/pkg/models"
)

// errAborted is raised at cancellation checkpoints so the terminal
// assistant message carries a readable reason.
var errAborted = errors.New("Request was aborted")

// httpClient is shared by both providers. Streams can run for minutes, so
// there is no client timeout; cancellation comes from the request context.
var httpClient = &http.Client{}

// StreamOptions are the per-request knobs common to both protocols.
type StreamOptions struct {
	// APIKey overrides credential lookup for the model's provider.
	APIKey string

	// Headers are merged into the request last, after provider defaults.
	Headers map[string]string

	MaxTokens   int
	Temperature *float64

	// SessionID tags the request for host-side accounting. It is not sent
	// on the wire.
	SessionID string

	// CacheRetention controls prompt-cache markers on Anthropic requests.
	// Empty selects the default policy.
	CacheRetention models.CacheRetention

	// OnPayload observes the request body just before it is sent.
	OnPayload func(payload map[string]any)
}

// SimpleOptions drive Stream: a reasoning level instead of raw
// protocol-specific thinking parameters.
type SimpleOptions struct {
	StreamOptions

	// Reasoning selects the thinking effort; empty or off disables it.
	Reasoning models.ThinkingLevel

	// ThinkingBudgets overrides DefaultThinkingBudgets per level for
	// Anthropic models.
	ThinkingBudgets map[models.ThinkingLevel]int

	// ToolChoice is passed through to the endpoint when set.
	ToolChoice any
}

// DefaultThinkingBudgets maps a reasoning level to an Anthropic thinking
// token budget.
var DefaultThinkingBudgets = map[models.ThinkingLevel]int{
	models.ThinkingMinimal: 1024,
	models.ThinkingLow:     2048,
	models.ThinkingMedium:  8192,
	models.ThinkingHigh:    16384,
}

// anthropicMinOutputTokens is the output floor kept when a thinking budget
// would otherwise consume the whole completion window.
const anthropicMinOutputTokens = 1024

// defaultMaxTokensCap bounds the derived max_tokens when the caller did
// not pass one and the model declares a large limit.
const defaultMaxTokensCap = 32000

// Stream issues one model turn, translating the reasoning level into the
// protocol-specific request form. All failures, including an unknown API
// id or a missing credential, surface as an error event on the returned
// stream.
func Stream(ctx context.Context, model *models.Model, mc *models.Context, opts *SimpleOptions) *models.AssistantMessageStream {
	if opts == nil {
		opts = &SimpleOptions{}
	}
	switch model.API {
	case models.APIOpenAICompletions:
		reasoning := clampReasoning(model, opts.Reasoning)
		return StreamCompletions(ctx, model, mc, &CompletionsOptions{
			StreamOptions:   opts.StreamOptions,
			ReasoningEffort: reasoning,
			ToolChoice:      opts.ToolChoice,
		})
	case models.APIAnthropicMessages:
		mo := &MessagesOptions{
			StreamOptions: opts.StreamOptions,
			ToolChoice:    opts.ToolChoice,
		}
		if thinkingEnabled(opts.Reasoning) && model.Reasoning {
			maxTokens, budget := adjustMaxTokensForThinking(model, opts.MaxTokens, opts.Reasoning, opts.ThinkingBudgets)
			mo.MaxTokens = maxTokens
			// A window too small to grant any thinking tokens sends the
			// request with thinking off rather than below the API minimum.
			if budget > 0 {
				mo.ThinkingEnabled = true
				mo.ThinkingBudgetTokens = budget
			}
		}
		return StreamMessages(ctx, model, mc, mo)
	default:
		return failedStream(ctx, model, errUnknownAPI(model))
	}
}

// Complete runs Stream to completion, discarding intermediate events, and
// returns the final assistant message. The message itself reports request
// failures through its stop reason.
func Complete(ctx context.Context, model *models.Model, mc *models.Context, opts *SimpleOptions) (*models.AssistantMessage, error) {
	s := Stream(ctx, model, mc, opts)
	go func() {
		for range s.Events() {
		}
	}()
	return s.Result(ctx)
}

func errUnknownAPI(model *models.Model) error {
	return &ProviderError{
		Provider: model.Provider,
		Model:    model.ID,
		Message:  "unknown api: " + string(model.API),
	}
}

// failedStream returns a stream that immediately reports err.
func failedStream(ctx context.Context, model *models.Model, err error) *models.AssistantMessageStream {
	out := models.NewAssistantMessageStream()
	msg := newAssistantOutput(model)
	failStream(ctx, out, msg, err)
	return out
}

// newAssistantOutput is the accumulating message every provider event
// aliases as its partial.
func newAssistantOutput(model *models.Model) *models.AssistantMessage {
	return &models.AssistantMessage{
		API:        model.API,
		Provider:   model.Provider,
		Model:      model.ID,
		StopReason: models.StopReasonStop,
		Timestamp:  models.NowMillis(),
	}
}

// failStream finalizes msg with the error and terminates the stream. The
// stop reason is aborted when the context was cancelled, regardless of
// which error won the race.
func failStream(ctx context.Context, out *models.AssistantMessageStream, msg *models.AssistantMessage, err error) {
	msg.StopReason = models.StopReasonError
	if ctx.Err() != nil {
		msg.StopReason = models.StopReasonAborted
	}
	msg.ErrorMessage = err.Error()
	out.Push(models.Event{Type: models.EventError, Reason: msg.StopReason, Error: msg})
	out.End(msg)
}

// resolveAPIKey returns the caller's key or falls back to the provider's
// environment variable.
func resolveAPIKey(model *models.Model, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if key := auth.EnvAPIKey(model.Provider); key != "" {
		return key, nil
	}
	return "", &ProviderError{
		Provider: model.Provider,
		Model:    model.ID,
		Message:  "no API key: set an env var or pass one in options",
	}
}

func thinkingEnabled(level models.ThinkingLevel) bool {
	return level != "" && level != models.ThinkingOff
}

// clampReasoning downgrades xhigh on models that do not advertise it.
func clampReasoning(model *models.Model, level models.ThinkingLevel) models.ThinkingLevel {
	if level == models.ThinkingXHigh && !model.SupportsXHigh {
		return models.ThinkingHigh
	}
	return level
}

// adjustMaxTokensForThinking grows the completion window by the thinking
// budget, capped at the model's declared limit, and shrinks the budget if
// the cap would leave less than anthropicMinOutputTokens of output.
func adjustMaxTokensForThinking(model *models.Model, maxTokens int, level models.ThinkingLevel, budgets map[models.ThinkingLevel]int) (adjusted, budget int) {
	base := maxTokens
	if base == 0 {
		switch {
		case model.MaxTokens > 0:
			base = min(model.MaxTokens, defaultMaxTokensCap)
		default:
			base = anthropicMinOutputTokens
		}
	}

	// The budget table has no xhigh tier; it borrows the high budget.
	if level == models.ThinkingXHigh {
		level = models.ThinkingHigh
	}
	budget = DefaultThinkingBudgets[level]
	if b, ok := budgets[level]; ok {
		budget = b
	}

	adjusted = base + budget
	if model.MaxTokens > 0 && adjusted > model.MaxTokens {
		adjusted = model.MaxTokens
	}
	if adjusted-budget < anthropicMinOutputTokens {
		budget = max(adjusted-anthropicMinOutputTokens, 0)
	}
	return adjusted, budget
}
