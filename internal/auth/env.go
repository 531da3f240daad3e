package auth

import (
	"os"
	"sort"
)

// envKeyByProvider maps a provider id to the environment variable that
// carries its API key. openai-codex shares OPENAI_API_KEY because the
// key works against the same endpoints once issued.
var envKeyByProvider = map[string]string{
	"anthropic":         "ANTHROPIC_API_KEY",
	"openai":            "OPENAI_API_KEY",
	"openai-codex":      "OPENAI_API_KEY",
	"openrouter":        "OPENROUTER_API_KEY",
	"groq":              "GROQ_API_KEY",
	"cerebras":          "CEREBRAS_API_KEY",
	"xai":               "XAI_API_KEY",
	"mistral":           "MISTRAL_API_KEY",
	"vercel-ai-gateway": "AI_GATEWAY_API_KEY",
}

// EnvAPIKey returns the API key for a provider from its conventional
// environment variable, or "" when the provider has no known variable
// or the variable is unset.
func EnvAPIKey(provider string) string {
	envKey, ok := envKeyByProvider[provider]
	if !ok {
		return ""
	}
	return os.Getenv(envKey)
}

// EnvKeyName returns the environment variable name consulted for a
// provider, or "" when none is registered.
func EnvKeyName(provider string) string {
	return envKeyByProvider[provider]
}

// KnownProviders lists the provider ids with a conventional environment
// variable, sorted.
func KnownProviders() []string {
	out := make([]string, 0, len(envKeyByProvider))
	for provider := range envKeyByProvider {
		out = append(out, provider)
	}
	sort.Strings(out)
	return out
}
