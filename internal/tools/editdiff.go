package tools

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/pmezard/go-difflib/difflib"
)

// detectLineEnding reports the file's dominant ending by whichever
// newline appears first.
func detectLineEnding(content string) string {
	crlf := strings.Index(content, "\r\n")
	lf := strings.Index(content, "\n")
	if lf == -1 || crlf == -1 {
		return "\n"
	}
	if crlf < lf {
		return "\r\n"
	}
	return "\n"
}

func normalizeToLF(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

func restoreLineEndings(text, ending string) string {
	if ending == "\r\n" {
		return strings.ReplaceAll(text, "\n", "\r\n")
	}
	return text
}

// stripBOM splits a leading UTF-8 byte order mark from the content so it
// can be restored on write.
func stripBOM(content string) (bom, rest string) {
	if strings.HasPrefix(content, "\ufeff") {
		return "\ufeff", content[len("\ufeff"):]
	}
	return "", content
}

// foldFuzzyRune maps typographic quotes, dashes, and spaces to their
// ASCII equivalents.
func foldFuzzyRune(r rune) rune {
	switch r {
	case '‘', '’', '‚', '‛':
		return '\''
	case '“', '”', '„', '‟':
		return '"'
	case '‐', '‑', '‒', '–', '—', '―', '−':
		return '-'
	case ' ', ' ', ' ', '　':
		return ' '
	}
	if r >= ' ' && r <= ' ' {
		return ' '
	}
	return r
}

// normalizeForFuzzyMatch trims trailing whitespace per line and folds
// typographic characters, the tolerance applied when an exact match
// fails.
func normalizeForFuzzyMatch(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(line, unicode.IsSpace)
	}
	return strings.Map(foldFuzzyRune, strings.Join(lines, "\n"))
}

// fuzzyMatch locates oldText in a haystack. When the fuzzy form matched,
// haystack is the normalized content and the replacement applies to it.
type fuzzyMatch struct {
	found     bool
	index     int
	length    int
	usedFuzzy bool
	haystack  string
}

func fuzzyFindText(content, oldText string) fuzzyMatch {
	if idx := strings.Index(content, oldText); idx >= 0 {
		return fuzzyMatch{found: true, index: idx, length: len(oldText), haystack: content}
	}
	fuzzyContent := normalizeForFuzzyMatch(content)
	fuzzyOld := normalizeForFuzzyMatch(oldText)
	if idx := strings.Index(fuzzyContent, fuzzyOld); idx >= 0 {
		return fuzzyMatch{found: true, index: idx, length: len(fuzzyOld), usedFuzzy: true, haystack: fuzzyContent}
	}
	return fuzzyMatch{haystack: content}
}

const diffContextLines = 4

// generateDiff renders a line-numbered diff between the two contents,
// eliding unchanged runs beyond the context window. It also returns the
// 1-based line number of the first change in the new content, 0 when the
// contents are equal.
func generateDiff(oldContent, newContent string) (string, int) {
	oldLines := strings.Split(oldContent, "\n")
	newLines := strings.Split(newContent, "\n")

	maxLineNum := len(oldLines)
	if len(newLines) > maxLineNum {
		maxLineNum = len(newLines)
	}
	width := len(fmt.Sprint(maxLineNum))

	opcodes := difflib.NewMatcher(oldLines, newLines).GetOpCodes()

	var out []string
	oldNum, newNum := 1, 1
	firstChanged := 0

	for idx, op := range opcodes {
		if op.Tag == 'e' {
			prevChange := idx > 0 && opcodes[idx-1].Tag != 'e'
			nextChange := idx < len(opcodes)-1 && opcodes[idx+1].Tag != 'e'
			if !prevChange && !nextChange {
				oldNum += op.I2 - op.I1
				newNum += op.J2 - op.J1
				continue
			}

			lines := oldLines[op.I1:op.I2]
			skipStart, skipEnd := 0, 0
			if !prevChange && len(lines) > diffContextLines {
				skipStart = len(lines) - diffContextLines
				lines = lines[skipStart:]
			}
			if !nextChange && len(lines) > diffContextLines {
				skipEnd = len(lines) - diffContextLines
				lines = lines[:diffContextLines]
			}

			if skipStart > 0 {
				out = append(out, fmt.Sprintf(" %s ...", strings.Repeat(" ", width)))
				oldNum += skipStart
				newNum += skipStart
			}
			for _, line := range lines {
				out = append(out, fmt.Sprintf(" %*d %s", width, oldNum, line))
				oldNum++
				newNum++
			}
			if skipEnd > 0 {
				out = append(out, fmt.Sprintf(" %s ...", strings.Repeat(" ", width)))
				oldNum += skipEnd
				newNum += skipEnd
			}
			continue
		}

		if firstChanged == 0 {
			firstChanged = newNum
		}
		if op.Tag == 'r' || op.Tag == 'd' {
			for _, line := range oldLines[op.I1:op.I2] {
				out = append(out, fmt.Sprintf("-%*d %s", width, oldNum, line))
				oldNum++
			}
		}
		if op.Tag == 'r' || op.Tag == 'i' {
			for _, line := range newLines[op.J1:op.J2] {
				out = append(out, fmt.Sprintf("+%*d %s", width, newNum, line))
				newNum++
			}
		}
	}

	return strings.Join(out, "\n"), firstChanged
}
