package config

import (
	"testing"

	"github.com/tillerlabs/tiller/pkg/models"
)

func TestModelDefsFillsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "tiller.yaml", `
models:
  - id: glm-4.6
    provider: zai
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	defs := cfg.ModelDefs()
	if len(defs) != 1 {
		t.Fatalf("got %d defs", len(defs))
	}
	m := defs[0]
	if m.API != models.APIOpenAICompletions {
		t.Fatalf("api = %q", m.API)
	}
	if m.BaseURL != models.DefaultOpenAIBaseURL {
		t.Fatalf("base url = %q", m.BaseURL)
	}
	if len(m.Input) != 1 || m.Input[0] != "text" {
		t.Fatalf("input = %v", m.Input)
	}
}

func TestModelDefsUsesProviderBaseURL(t *testing.T) {
	cfg, err := Load(writeConfig(t, "tiller.yaml", `
providers:
  zai:
    base_url: https://api.z.ai/api/coding/paas/v4
models:
  - id: glm-4.6
    provider: zai
  - id: glm-4.5-air
    provider: zai
    base_url: https://override.example/v1
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	defs := cfg.ModelDefs()
	if defs[0].BaseURL != "https://api.z.ai/api/coding/paas/v4" {
		t.Fatalf("provider base url not applied: %q", defs[0].BaseURL)
	}
	if defs[1].BaseURL != "https://override.example/v1" {
		t.Fatalf("model base url must win: %q", defs[1].BaseURL)
	}
}

func TestModelDefsAnthropicDefaultBaseURL(t *testing.T) {
	cfg, err := Load(writeConfig(t, "tiller.yaml", `
models:
  - id: claude-sonnet-4-0
    provider: anthropic
    api: anthropic-messages
    reasoning: true
    input: [text, image]
    cost:
      input: 3
      output: 15
      cache_read: 0.3
      cache_write: 3.75
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	m := cfg.ModelDefs()[0]
	if m.API != models.APIAnthropicMessages {
		t.Fatalf("api = %q", m.API)
	}
	if m.BaseURL != models.DefaultAnthropicBaseURL {
		t.Fatalf("base url = %q", m.BaseURL)
	}
	if !m.Reasoning || !m.AcceptsImage() {
		t.Fatalf("model = %+v", m)
	}
	if m.Cost.Output != 15 || m.Cost.CacheWrite != 3.75 {
		t.Fatalf("cost = %+v", m.Cost)
	}
}

func TestModelDefsCarriesCompat(t *testing.T) {
	cfg, err := Load(writeConfig(t, "tiller.yaml", `
models:
  - id: qwen3-coder
    provider: lmstudio
    base_url: http://localhost:1234/v1
    compat:
      supports_reasoning_effort: false
      max_tokens_field: max_tokens
      thinking_format: qwen
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	m := cfg.ModelDefs()[0]
	if m.Compat == nil {
		t.Fatal("compat not carried")
	}
	if m.Compat.SupportsReasoningEffort == nil || *m.Compat.SupportsReasoningEffort {
		t.Fatalf("supports_reasoning_effort = %v", m.Compat.SupportsReasoningEffort)
	}
	if m.Compat.MaxTokensField != models.MaxTokensFieldLegacy {
		t.Fatalf("max_tokens_field = %q", m.Compat.MaxTokensField)
	}
	if m.Compat.ThinkingFormat != models.ThinkingFormatQwen {
		t.Fatalf("thinking_format = %q", m.Compat.ThinkingFormat)
	}
}

func TestModelSettingsValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"ok", "models:\n  - id: m\n    provider: p\n", false},
		{"missing provider", "models:\n  - id: m\n", true},
		{"bad api", "models:\n  - id: m\n    provider: p\n    api: grpc\n", true},
		{"bad thinking format", "models:\n  - id: m\n    provider: p\n    compat: {thinking_format: loud}\n", true},
	}
	for _, tc := range cases {
		_, err := Load(writeConfig(t, "tiller.yaml", tc.content))
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err = %v, wantErr = %v", tc.name, err, tc.wantErr)
		}
	}
}
