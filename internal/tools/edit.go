package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tillerlabs/tiller/pkg/models"
	pkgtools "github.com/tillerlabs/tiller/pkg/tools"
)

const editSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string", "description": "Path to the file to edit (relative or absolute)"},
    "oldText": {"type": "string", "description": "Exact text to find and replace (must match exactly)"},
    "newText": {"type": "string", "description": "New text to replace the old text with"}
  },
  "required": ["path", "oldText", "newText"]
}`

// EditTool replaces one exact text occurrence in a file, tolerating
// trailing-whitespace and typographic-character drift via a fuzzy
// fallback match.
type EditTool struct {
	cwd string
}

// NewEditTool creates an edit tool that resolves relative paths against
// cwd.
func NewEditTool(cwd string) *EditTool {
	return &EditTool{cwd: cwd}
}

func (t *EditTool) Name() string { return "edit" }

func (t *EditTool) Description() string {
	return "Edit a file by replacing exact text. The oldText must match exactly (including whitespace). " +
		"Use this for precise, surgical edits."
}

func (t *EditTool) Schema() json.RawMessage { return json.RawMessage(editSchema) }

func (t *EditTool) Execute(ctx context.Context, _ string, args map[string]any, _ pkgtools.UpdateFunc) (*pkgtools.Result, error) {
	if ctx.Err() != nil {
		return nil, errors.New("Operation aborted")
	}
	path, _ := args["path"].(string)
	oldText, _ := args["oldText"].(string)
	newText, _ := args["newText"].(string)

	absolute := resolvePath(path, t.cwd)
	if info, err := os.Stat(absolute); err != nil || info.IsDir() {
		return nil, fmt.Errorf("File not found: %s", path)
	}

	raw, err := os.ReadFile(absolute)
	if err != nil {
		return nil, fmt.Errorf("File not found: %s", path)
	}

	bom, content := stripBOM(string(raw))
	originalEnding := detectLineEnding(content)
	normalized := normalizeToLF(content)
	normalizedOld := normalizeToLF(oldText)
	normalizedNew := normalizeToLF(newText)

	match := fuzzyFindText(normalized, normalizedOld)
	if !match.found {
		return nil, fmt.Errorf(
			"Could not find the exact text in %s. The old text must match exactly including all whitespace and newlines.",
			path)
	}

	// Uniqueness is judged in the fuzzy space so near-duplicates are
	// caught even when the exact match succeeded.
	occurrences := strings.Count(normalizeForFuzzyMatch(normalized), normalizeForFuzzyMatch(normalizedOld))
	if occurrences > 1 {
		return nil, fmt.Errorf(
			"Found %d occurrences of the text in %s. The text must be unique. Please provide more context to make it unique.",
			occurrences, path)
	}

	base := match.haystack
	updated := base[:match.index] + normalizedNew + base[match.index+match.length:]
	if updated == base {
		return nil, fmt.Errorf(
			"No changes made to %s. The replacement produced identical content. "+
				"This might indicate an issue with special characters or the text not existing as expected.",
			path)
	}

	final := bom + restoreLineEndings(updated, originalEnding)
	if err := os.WriteFile(absolute, []byte(final), 0o644); err != nil {
		return nil, err
	}

	diff, firstChangedLine := generateDiff(base, updated)
	return &pkgtools.Result{
		Content: models.UserBlocks{&models.TextContent{Text: fmt.Sprintf("Successfully replaced text in %s.", path)}},
		Details: map[string]any{"diff": diff, "firstChangedLine": firstChangedLine},
	}, nil
}
