package providers

import (
	"strings"

	"github.com/tillerlabs/tiller/pkg/models"
)

// completionsCompat is the resolved quirk set for one chat-completions
// endpoint. detectCompat guesses it from the provider id and base URL;
// explicit model.Compat fields override the guess per field.
type completionsCompat struct {
	supportsStore                    bool
	supportsDeveloperRole            bool
	supportsReasoningEffort          bool
	supportsUsageInStreaming         bool
	supportsStrictMode               bool
	maxTokensField                   string
	requiresToolResultName           bool
	requiresAssistantAfterToolResult bool
	requiresThinkingAsText           bool
	requiresMistralToolIDs           bool
	thinkingFormat                   models.ThinkingFormat
	openRouterRouting                map[string][]string
	vercelGatewayRouting             map[string][]string
}

func detectCompat(provider, baseURL string) completionsCompat {
	isZai := provider == "zai" || strings.Contains(baseURL, "api.z.ai")
	isGrok := provider == "xai" || strings.Contains(baseURL, "api.x.ai")
	isMistral := provider == "mistral" || strings.Contains(baseURL, "mistral.ai")
	nonStandard := isZai || isGrok || isMistral ||
		provider == "cerebras" || strings.Contains(baseURL, "cerebras.ai") ||
		strings.Contains(baseURL, "chutes.ai") ||
		strings.Contains(baseURL, "deepseek.com") ||
		provider == "opencode" || strings.Contains(baseURL, "opencode.ai")
	useMaxTokens := isMistral || strings.Contains(baseURL, "chutes.ai")

	c := completionsCompat{
		supportsStore:            !nonStandard,
		supportsDeveloperRole:    !nonStandard,
		supportsReasoningEffort:  !isGrok && !isZai,
		supportsUsageInStreaming: true,
		supportsStrictMode:       true,
		maxTokensField:           models.MaxTokensFieldCompletion,
		requiresToolResultName:   isMistral,
		requiresThinkingAsText:   isMistral,
		requiresMistralToolIDs:   isMistral,
		thinkingFormat:           models.ThinkingFormatOpenAI,
	}
	if useMaxTokens {
		c.maxTokensField = models.MaxTokensFieldLegacy
	}
	if isZai {
		c.thinkingFormat = models.ThinkingFormatZai
	}
	return c
}

// resolveCompat merges the model's explicit compat record over detection.
func resolveCompat(m *models.Model) completionsCompat {
	c := detectCompat(m.Provider, m.BaseURL)
	o := m.Compat
	if o == nil {
		return c
	}
	if o.SupportsStore != nil {
		c.supportsStore = *o.SupportsStore
	}
	if o.SupportsDeveloperRole != nil {
		c.supportsDeveloperRole = *o.SupportsDeveloperRole
	}
	if o.SupportsReasoningEffort != nil {
		c.supportsReasoningEffort = *o.SupportsReasoningEffort
	}
	if o.SupportsUsageInStreaming != nil {
		c.supportsUsageInStreaming = *o.SupportsUsageInStreaming
	}
	if o.SupportsStrictMode != nil {
		c.supportsStrictMode = *o.SupportsStrictMode
	}
	if o.MaxTokensField != "" {
		c.maxTokensField = o.MaxTokensField
	}
	if o.RequiresToolResultName != nil {
		c.requiresToolResultName = *o.RequiresToolResultName
	}
	if o.RequiresAssistantAfterToolResult != nil {
		c.requiresAssistantAfterToolResult = *o.RequiresAssistantAfterToolResult
	}
	if o.RequiresThinkingAsText != nil {
		c.requiresThinkingAsText = *o.RequiresThinkingAsText
	}
	if o.RequiresMistralToolIDs != nil {
		c.requiresMistralToolIDs = *o.RequiresMistralToolIDs
	}
	if o.ThinkingFormat != "" {
		c.thinkingFormat = o.ThinkingFormat
	}
	if len(o.OpenRouterRouting) > 0 {
		c.openRouterRouting = o.OpenRouterRouting
	}
	if len(o.VercelGatewayRouting) > 0 {
		c.vercelGatewayRouting = o.VercelGatewayRouting
	}
	return c
}
