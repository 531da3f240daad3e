package models

import (
	"fmt"
	"sort"
	"sync"
)

// API identifies the wire protocol a model speaks.
type API string

const (
	APIOpenAICompletions API = "openai-completions"
	APIAnthropicMessages API = "anthropic-messages"
)

// DefaultOpenAIBaseURL is the endpoint used when a completions model does
// not set one.
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// DefaultAnthropicBaseURL is the endpoint used when a messages model does
// not set one.
const DefaultAnthropicBaseURL = "https://api.anthropic.com"

// ThinkingFormat selects how reasoning effort is encoded on a
// chat-completions request.
type ThinkingFormat string

const (
	ThinkingFormatOpenAI ThinkingFormat = "openai"
	ThinkingFormatZai    ThinkingFormat = "zai"
	ThinkingFormatQwen   ThinkingFormat = "qwen"
)

// Max-tokens field names used by chat-completions endpoints.
const (
	MaxTokensFieldLegacy     = "max_tokens"
	MaxTokensFieldCompletion = "max_completion_tokens"
)

// OpenAICompletionsCompat overrides endpoint-quirk detection for a
// chat-completions model. Nil pointer fields defer to detection by
// provider id and base URL.
type OpenAICompletionsCompat struct {
	SupportsStore                    *bool               `json:"supportsStore,omitempty"`
	SupportsDeveloperRole            *bool               `json:"supportsDeveloperRole,omitempty"`
	SupportsReasoningEffort          *bool               `json:"supportsReasoningEffort,omitempty"`
	SupportsUsageInStreaming         *bool               `json:"supportsUsageInStreaming,omitempty"`
	SupportsStrictMode               *bool               `json:"supportsStrictMode,omitempty"`
	MaxTokensField                   string              `json:"maxTokensField,omitempty"`
	RequiresToolResultName           *bool               `json:"requiresToolResultName,omitempty"`
	RequiresAssistantAfterToolResult *bool               `json:"requiresAssistantAfterToolResult,omitempty"`
	RequiresThinkingAsText           *bool               `json:"requiresThinkingAsText,omitempty"`
	RequiresMistralToolIDs           *bool               `json:"requiresMistralToolIds,omitempty"`
	ThinkingFormat                   ThinkingFormat      `json:"thinkingFormat,omitempty"`
	OpenRouterRouting                map[string][]string `json:"openrouterRouting,omitempty"`
	VercelGatewayRouting             map[string][]string `json:"vercelGatewayRouting,omitempty"`
}

// ModelCost is the provider's price per million tokens by bucket.
type ModelCost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cacheRead"`
	CacheWrite float64 `json:"cacheWrite"`
}

// Model describes one reachable model: where it lives, what it accepts,
// and what it costs.
type Model struct {
	ID            string                   `json:"id"`
	Name          string                   `json:"name,omitempty"`
	API           API                      `json:"api"`
	Provider      string                   `json:"provider"`
	BaseURL       string                   `json:"baseUrl"`
	Reasoning     bool                     `json:"reasoning"`
	Input         []string                 `json:"input"`
	Cost          ModelCost                `json:"cost"`
	ContextWindow int                      `json:"contextWindow,omitempty"`
	MaxTokens     int                      `json:"maxTokens,omitempty"`
	Headers       map[string]string        `json:"headers,omitempty"`
	Compat        *OpenAICompletionsCompat `json:"compat,omitempty"`
	SupportsXHigh bool                     `json:"supportsXhigh,omitempty"`
}

// AcceptsImage reports whether the model takes image input.
func (m *Model) AcceptsImage() bool {
	for _, in := range m.Input {
		if in == "image" {
			return true
		}
	}
	return false
}

// NewOpenAIModel returns a chat-completions model with OpenAI defaults.
// Callers adjust fields on the returned value before registering it.
func NewOpenAIModel(id string) *Model {
	return &Model{
		ID:       id,
		API:      APIOpenAICompletions,
		Provider: "openai",
		BaseURL:  DefaultOpenAIBaseURL,
		Input:    []string{"text"},
	}
}

type modelKey struct {
	provider string
	id       string
}

var (
	registryMu sync.RWMutex
	registry   = map[modelKey]*Model{}
)

// RegisterModel adds or replaces a model in the process-wide registry.
func RegisterModel(m *Model) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[modelKey{provider: m.Provider, id: m.ID}] = m
}

// GetModel looks up a registered model. Unknown openai models are created
// on the fly with defaults; anything else must be registered first.
func GetModel(provider, id string) (*Model, error) {
	registryMu.RLock()
	m, ok := registry[modelKey{provider: provider, id: id}]
	registryMu.RUnlock()
	if ok {
		return m, nil
	}
	if provider == "openai" {
		m = NewOpenAIModel(id)
		RegisterModel(m)
		return m, nil
	}
	return nil, fmt.Errorf("model not found: %s/%s (register it first)", provider, id)
}

// ListModels returns registered models, optionally filtered by provider.
// The result is sorted by provider then id.
func ListModels(provider string) []*Model {
	registryMu.RLock()
	defer registryMu.RUnlock()
	var out []*Model
	for key, m := range registry {
		if provider != "" && key.provider != provider {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CalculateCost fills usage.Cost from the model's per-million rates.
func CalculateCost(m *Model, usage *Usage) {
	rates := m.Cost
	usage.Cost.Input = float64(usage.Input) * rates.Input / 1e6
	usage.Cost.Output = float64(usage.Output) * rates.Output / 1e6
	usage.Cost.CacheRead = float64(usage.CacheRead) * rates.CacheRead / 1e6
	usage.Cost.CacheWrite = float64(usage.CacheWrite) * rates.CacheWrite / 1e6
	usage.Cost.Total = usage.Cost.Input + usage.Cost.Output + usage.Cost.CacheRead + usage.Cost.CacheWrite
}
