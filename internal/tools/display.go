package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Display is the one-line rendering of a tool call for host UIs: an
// emoji, a verb label, and the salient argument.
type Display struct {
	Name   string
	Emoji  string
	Title  string
	Label  string
	Detail string
}

// displaySpec configures how one tool renders.
type displaySpec struct {
	Emoji      string
	Title      string
	Label      string
	DetailKeys []string
}

var displaySpecs = map[string]displaySpec{
	"bash":  {Emoji: "💻", Title: "Bash", Label: "Running", DetailKeys: []string{"command"}},
	"read":  {Emoji: "📖", Title: "Read", Label: "Reading", DetailKeys: []string{"path"}},
	"write": {Emoji: "✏️", Title: "Write", Label: "Writing", DetailKeys: []string{"path"}},
	"edit":  {Emoji: "✏️", Title: "Edit", Label: "Editing", DetailKeys: []string{"path"}},
}

const fallbackEmoji = "🧩"

// ResolveDisplay builds the display info for a tool call.
func ResolveDisplay(name string, args map[string]any) *Display {
	normalized := normalizeToolName(name)
	d := &Display{Name: name, Title: defaultTitle(name), Emoji: fallbackEmoji}

	spec, ok := displaySpecs[normalized]
	if ok {
		d.Emoji = spec.Emoji
		d.Title = spec.Title
		d.Label = spec.Label
	}

	switch normalized {
	case "read":
		d.Detail = readDetail(args)
	case "write", "edit":
		d.Detail = pathDetail(args)
	default:
		d.Detail = detailFromKeys(args, spec.DetailKeys)
	}
	return d
}

// Summary renders the full one-liner: emoji, label, and detail.
func (d *Display) Summary() string {
	var parts []string
	if d.Emoji != "" {
		parts = append(parts, d.Emoji)
	}
	label := d.Label
	if label == "" {
		label = d.Title
	}
	if label != "" {
		parts = append(parts, label)
	}
	summary := strings.Join(parts, " ")
	if d.Detail != "" {
		summary += ": " + d.Detail
	}
	return summary
}

// normalizeToolName strips namespacing, so "server__edit" and
// "files.edit" both render as edit.
func normalizeToolName(name string) string {
	normalized := strings.ToLower(name)
	if idx := strings.LastIndex(normalized, "__"); idx >= 0 {
		normalized = normalized[idx+2:]
	}
	if idx := strings.LastIndex(normalized, "."); idx >= 0 {
		normalized = normalized[idx+1:]
	}
	return strings.TrimSuffix(normalized, "_tool")
}

// defaultTitle renders an unknown tool name in title case.
func defaultTitle(name string) string {
	normalized := normalizeToolName(name)
	normalized = strings.ReplaceAll(normalized, "_", " ")
	normalized = strings.ReplaceAll(normalized, "-", " ")
	words := strings.Fields(normalized)
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

// readDetail renders "path (offset-limit)" for the read tool.
func readDetail(args map[string]any) string {
	path, _ := args["path"].(string)
	if path == "" {
		return ""
	}
	detail := shortenHomePath(path)

	offset := displayValue(args["offset"])
	limit := displayValue(args["limit"])
	if offset != "" || limit != "" {
		detail += " ("
		detail += offset
		if limit != "" {
			if offset != "" {
				detail += "-"
			}
			detail += limit
		}
		detail += ")"
	}
	return detail
}

func pathDetail(args map[string]any) string {
	path, _ := args["path"].(string)
	return shortenHomePath(path)
}

func detailFromKeys(args map[string]any, keys []string) string {
	var parts []string
	for _, key := range keys {
		if value := displayValue(args[key]); value != "" {
			parts = append(parts, shortenHomePath(value))
		}
	}
	return strings.Join(parts, " · ")
}

func displayValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// shortenHomePath abbreviates the home directory to ~ for display.
func shortenHomePath(path string) string {
	if path == "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	clean := filepath.Clean(path)
	cleanHome := filepath.Clean(home)
	if strings.HasPrefix(clean, cleanHome) {
		return "~" + clean[len(cleanHome):]
	}
	return path
}
