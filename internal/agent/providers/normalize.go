package providers

import (
	"strings"
	"unicode/utf8"

	"github.com/tillerlabs/tiller/pkg/models"
)

// ToolCallIDNormalizer rewrites a tool-call id into a form the target
// endpoint accepts. TransformMessages records every rewrite and applies it
// to the matching tool results.
type ToolCallIDNormalizer func(id string) string

// completionsToolIDNormalizer returns the id rules for a chat-completions
// target: mistral endpoints take exactly nine alphanumerics, ids carrying a
// "|" routing tag lose the tag, openai caps ids at 40 characters, and
// copilot claude models accept at most 64 characters of [A-Za-z0-9_-].
func completionsToolIDNormalizer(model *models.Model, compat completionsCompat) ToolCallIDNormalizer {
	return func(id string) string {
		if compat.requiresMistralToolIDs {
			return normalizeMistralToolID(id)
		}
		if prefix, _, found := strings.Cut(id, "|"); found {
			id = truncateRunes(replaceInvalidIDRunes(prefix), 40)
		}
		if model.Provider == "openai" && utf8.RuneCountInString(id) > 40 {
			return truncateRunes(id, 40)
		}
		if model.Provider == "github-copilot" && strings.Contains(strings.ToLower(model.ID), "claude") {
			return truncateRunes(replaceInvalidIDRunes(id), 64)
		}
		return id
	}
}

// anthropicToolCallID keeps [A-Za-z0-9_-] and caps the id at 64 characters,
// the format tool_use ids must satisfy.
func anthropicToolCallID(id string) string {
	return truncateRunes(replaceInvalidIDRunes(id), 64)
}

// normalizeMistralToolID strips to ASCII alphanumerics and pads or
// truncates to exactly nine characters.
func normalizeMistralToolID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if isIDRune(r) && r != '_' && r != '-' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	const pad = "ABCDEFGHI"
	if n := len(s); n < 9 {
		return s + pad[:9-n]
	}
	return s[:9]
}

func isIDRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_', r == '-':
		return true
	}
	return false
}

func replaceInvalidIDRunes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isIDRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
