package providers

import (
	"strings"
	"testing"
	"unicode"

	"github.com/tillerlabs/tiller/pkg/models"
)

func TestCompletionsToolIDNormalizer(t *testing.T) {
	openai := &models.Model{ID: "gpt-test", Provider: "openai"}
	copilot := &models.Model{ID: "claude-sonnet-4", Provider: "github-copilot"}
	mistral := &models.Model{ID: "mistral-large", Provider: "mistral"}

	tests := []struct {
		name  string
		model *models.Model
		id    string
		want  string
	}{
		{name: "short id passes through", model: openai, id: "call_abc", want: "call_abc"},
		{name: "openai caps at 40 runes", model: openai, id: strings.Repeat("a", 50), want: strings.Repeat("a", 40)},
		{name: "routing tag dropped", model: openai, id: "call_abc|router-7", want: "call_abc"},
		{name: "copilot claude strips odd runes", model: copilot, id: "call.abc", want: "call_abc"},
		{name: "copilot claude caps at 64", model: copilot, id: strings.Repeat("b", 70), want: strings.Repeat("b", 64)},
		{name: "mistral pads to nine", model: mistral, id: "ab1", want: "ab1ABCDEF"},
		{name: "mistral strips and truncates", model: mistral, id: "call_123456789xyz", want: "call12345"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			normalize := completionsToolIDNormalizer(tt.model, resolveCompat(tt.model))
			if got := normalize(tt.id); got != tt.want {
				t.Errorf("normalize(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestAnthropicToolCallID(t *testing.T) {
	if got := anthropicToolCallID("toolu_01AbC"); got != "toolu_01AbC" {
		t.Errorf("valid id changed: %q", got)
	}
	if got := anthropicToolCallID("call.with/junk"); got != "call_with_junk" {
		t.Errorf("got %q, want %q", got, "call_with_junk")
	}
	long := strings.Repeat("x", 80)
	if got := anthropicToolCallID(long); len(got) != 64 {
		t.Errorf("len = %d, want 64", len(got))
	}
}

func TestNormalizeMistralToolID(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"", "ABCDEFGHI"},
		{"abc", "abcABCDEF"},
		{"abcdefghi", "abcdefghi"},
		{"abcdefghijkl", "abcdefghi"},
		{"a_b-c.d!e123", "abcde123A"},
	}
	for _, tt := range tests {
		got := normalizeMistralToolID(tt.id)
		if got != tt.want {
			t.Errorf("normalizeMistralToolID(%q) = %q, want %q", tt.id, got, tt.want)
		}
		if len(got) != 9 {
			t.Errorf("len(%q) = %d, want exactly 9", got, len(got))
		}
		for _, r := range got {
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
				t.Errorf("%q contains non-alphanumeric %q", got, r)
			}
		}
	}
}
