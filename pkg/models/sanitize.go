package models

import (
	"strings"
	"unicode/utf8"
)

// SanitizeText removes bytes that do not form valid UTF-8, in particular
// unpaired UTF-16 surrogate halves carried over from JSON-decoded input.
// Providers reject request bodies containing them.
func SanitizeText(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if r == utf8.RuneError && size == 1 {
			i++
			continue
		}
		b.WriteString(text[i : i+size])
		i += size
	}
	return b.String()
}
