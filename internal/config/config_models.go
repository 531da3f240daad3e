package config

import (
	"fmt"

	"github.com/tillerlabs/tiller/pkg/models"
)

// ModelSettings declares one custom model in the settings file. Fields
// mirror models.Model with snake_case keys.
type ModelSettings struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`

	// API is "openai-completions" (default) or "anthropic-messages".
	API string `yaml:"api"`

	// BaseURL falls back to the provider's base_url, then the API default.
	BaseURL string `yaml:"base_url"`

	Reasoning     bool              `yaml:"reasoning"`
	Input         []string          `yaml:"input"`
	ContextWindow int               `yaml:"context_window"`
	MaxTokens     int               `yaml:"max_tokens"`
	Cost          CostSettings      `yaml:"cost"`
	Headers       map[string]string `yaml:"headers"`
	SupportsXHigh bool              `yaml:"supports_xhigh"`
	Compat        *CompatSettings   `yaml:"compat"`
}

// CostSettings is the price per million tokens by bucket.
type CostSettings struct {
	Input      float64 `yaml:"input"`
	Output     float64 `yaml:"output"`
	CacheRead  float64 `yaml:"cache_read"`
	CacheWrite float64 `yaml:"cache_write"`
}

// CompatSettings overrides endpoint-quirk detection for a
// chat-completions model. Unset fields defer to detection.
type CompatSettings struct {
	SupportsStore                    *bool               `yaml:"supports_store"`
	SupportsDeveloperRole            *bool               `yaml:"supports_developer_role"`
	SupportsReasoningEffort          *bool               `yaml:"supports_reasoning_effort"`
	SupportsUsageInStreaming         *bool               `yaml:"supports_usage_in_streaming"`
	SupportsStrictMode               *bool               `yaml:"supports_strict_mode"`
	MaxTokensField                   string              `yaml:"max_tokens_field"`
	RequiresToolResultName           *bool               `yaml:"requires_tool_result_name"`
	RequiresAssistantAfterToolResult *bool               `yaml:"requires_assistant_after_tool_result"`
	RequiresThinkingAsText           *bool               `yaml:"requires_thinking_as_text"`
	RequiresMistralToolIDs           *bool               `yaml:"requires_mistral_tool_ids"`
	ThinkingFormat                   string              `yaml:"thinking_format"`
	OpenRouterRouting                map[string][]string `yaml:"openrouter_routing"`
	VercelGatewayRouting             map[string][]string `yaml:"vercel_gateway_routing"`
}

func (m *ModelSettings) validate() error {
	if m.ID == "" {
		return fmt.Errorf("model id is required")
	}
	if m.Provider == "" {
		return fmt.Errorf("model %s: provider is required", m.ID)
	}
	switch models.API(m.API) {
	case "", models.APIOpenAICompletions, models.APIAnthropicMessages:
	default:
		return fmt.Errorf("model %s: unknown api %q", m.ID, m.API)
	}
	if m.Compat != nil {
		switch models.ThinkingFormat(m.Compat.ThinkingFormat) {
		case "", models.ThinkingFormatOpenAI, models.ThinkingFormatZai, models.ThinkingFormatQwen:
		default:
			return fmt.Errorf("model %s: unknown thinking_format %q", m.ID, m.Compat.ThinkingFormat)
		}
	}
	return nil
}

// ModelDefs converts the models section into registry entries.
func (s *Settings) ModelDefs() []*models.Model {
	defs := make([]*models.Model, 0, len(s.Models))
	for i := range s.Models {
		defs = append(defs, s.Models[i].toModel(s.Providers))
	}
	return defs
}

func (m *ModelSettings) toModel(providers map[string]ProviderSettings) *models.Model {
	api := models.API(m.API)
	if api == "" {
		api = models.APIOpenAICompletions
	}
	baseURL := m.BaseURL
	if baseURL == "" {
		baseURL = providers[m.Provider].BaseURL
	}
	if baseURL == "" {
		if api == models.APIAnthropicMessages {
			baseURL = models.DefaultAnthropicBaseURL
		} else {
			baseURL = models.DefaultOpenAIBaseURL
		}
	}
	input := m.Input
	if len(input) == 0 {
		input = []string{"text"}
	}

	model := &models.Model{
		ID:        m.ID,
		Name:      m.Name,
		API:       api,
		Provider:  m.Provider,
		BaseURL:   baseURL,
		Reasoning: m.Reasoning,
		Input:     input,
		Cost: models.ModelCost{
			Input:      m.Cost.Input,
			Output:     m.Cost.Output,
			CacheRead:  m.Cost.CacheRead,
			CacheWrite: m.Cost.CacheWrite,
		},
		ContextWindow: m.ContextWindow,
		MaxTokens:     m.MaxTokens,
		Headers:       m.Headers,
		SupportsXHigh: m.SupportsXHigh,
	}
	if m.Compat != nil {
		model.Compat = m.Compat.toCompat()
	}
	return model
}

func (c *CompatSettings) toCompat() *models.OpenAICompletionsCompat {
	return &models.OpenAICompletionsCompat{
		SupportsStore:                    c.SupportsStore,
		SupportsDeveloperRole:            c.SupportsDeveloperRole,
		SupportsReasoningEffort:          c.SupportsReasoningEffort,
		SupportsUsageInStreaming:         c.SupportsUsageInStreaming,
		SupportsStrictMode:               c.SupportsStrictMode,
		MaxTokensField:                   c.MaxTokensField,
		RequiresToolResultName:           c.RequiresToolResultName,
		RequiresAssistantAfterToolResult: c.RequiresAssistantAfterToolResult,
		RequiresThinkingAsText:           c.RequiresThinkingAsText,
		RequiresMistralToolIDs:           c.RequiresMistralToolIDs,
		ThinkingFormat:                   models.ThinkingFormat(c.ThinkingFormat),
		OpenRouterRouting:                c.OpenRouterRouting,
		VercelGatewayRouting:             c.VercelGatewayRouting,
	}
}
