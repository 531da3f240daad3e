package tools

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Output caps shared by the executors: whichever limit is hit first wins.
const (
	maxOutputLines = 1000
	maxOutputBytes = 30 * 1024
)

// Truncation describes how tool output was cut down to the caps. It is
// attached to Result.Details so hosts can explain what the model saw.
type Truncation struct {
	Truncated   bool   `json:"truncated"`
	TruncatedBy string `json:"truncatedBy,omitempty"` // "lines" or "bytes"
	OutputLines int    `json:"outputLines"`
	TotalLines  int    `json:"totalLines"`
	OutputBytes int    `json:"outputBytes"`
	TotalBytes  int    `json:"totalBytes"`

	// FirstLineExceedsLimit is set by head truncation when even the first
	// line is over the byte cap, so no useful prefix can be shown.
	FirstLineExceedsLimit bool `json:"firstLineExceedsLimit,omitempty"`

	// LastLinePartial is set by tail truncation when the byte cap fell
	// inside the final line and only part of that one line is shown.
	LastLinePartial bool `json:"lastLinePartial,omitempty"`

	// Content is the surviving text.
	Content string `json:"-"`
}

// formatSize renders a byte count the way the executors report limits.
func formatSize(n int) string {
	if n < 1024 {
		return fmt.Sprintf("%dB", n)
	}
	if n < 1024*1024 {
		return fmt.Sprintf("%.1fKB", float64(n)/1024)
	}
	return fmt.Sprintf("%.1fMB", float64(n)/(1024*1024))
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

// cutHeadUTF8 keeps at most max bytes from the front without splitting a
// rune.
func cutHeadUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	b := []byte(s)[:max]
	for len(b) > 0 {
		r, size := utf8.DecodeLastRune(b)
		if r != utf8.RuneError || size > 1 {
			break
		}
		b = b[:len(b)-1]
	}
	return string(b)
}

// cutTailUTF8 keeps at most max bytes from the back without splitting a
// rune.
func cutTailUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	b := []byte(s)[len(s)-max:]
	for len(b) > 0 && !utf8.RuneStart(b[0]) {
		b = b[1:]
	}
	return string(b)
}

// truncateHead keeps the first maxOutputLines lines, then enforces the
// byte cap on what remains.
func truncateHead(text string) *Truncation {
	totalBytes := len(text)
	lines := strings.Split(text, "\n")
	totalLines := len(lines)

	t := &Truncation{TotalLines: totalLines, TotalBytes: totalBytes}

	out := text
	if totalLines > maxOutputLines {
		out = strings.Join(lines[:maxOutputLines], "\n")
		t.Truncated = true
		t.TruncatedBy = "lines"
	}
	if len(out) > maxOutputBytes {
		out = cutHeadUTF8(out, maxOutputBytes)
		t.Truncated = true
		t.TruncatedBy = "bytes"
	}
	if len(lines[0]) > maxOutputBytes {
		t.FirstLineExceedsLimit = true
	}

	t.Content = out
	t.OutputLines = countLines(out)
	t.OutputBytes = len(out)
	return t
}

// truncateTail keeps the last maxOutputLines lines, then enforces the
// byte cap on what remains.
func truncateTail(text string) *Truncation {
	totalBytes := len(text)
	lines := strings.Split(text, "\n")
	totalLines := len(lines)

	t := &Truncation{TotalLines: totalLines, TotalBytes: totalBytes}

	out := text
	if totalLines > maxOutputLines {
		out = strings.Join(lines[totalLines-maxOutputLines:], "\n")
		t.Truncated = true
		t.TruncatedBy = "lines"
	}
	if len(out) > maxOutputBytes {
		out = cutTailUTF8(out, maxOutputBytes)
		t.Truncated = true
		t.TruncatedBy = "bytes"
		if !strings.Contains(out, "\n") && len(lines[totalLines-1]) > maxOutputBytes {
			t.LastLinePartial = true
		}
	}

	t.Content = out
	t.OutputLines = countLines(out)
	t.OutputBytes = len(out)
	return t
}
