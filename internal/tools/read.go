package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tillerlabs/tiller/pkg/models"
	pkgtools "github.com/tillerlabs/tiller/pkg/tools"
)

const readSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string", "description": "Path to the file to read (relative or absolute)"},
    "offset": {"type": "number", "description": "Line number to start reading from (1-indexed)"},
    "limit": {"type": "number", "description": "Maximum number of lines to read"}
  },
  "required": ["path"]
}`

// ReadTool reads text files with offset/limit paging and images as
// base64 blocks.
type ReadTool struct {
	cwd string
}

// NewReadTool creates a read tool that resolves relative paths against
// cwd.
func NewReadTool(cwd string) *ReadTool {
	return &ReadTool{cwd: cwd}
}

func (t *ReadTool) Name() string { return "read" }

func (t *ReadTool) Description() string {
	return fmt.Sprintf(
		"Read the contents of a file. Supports text files and images (jpg, png, gif, webp). "+
			"Text output is truncated to %d lines or %dKB. Use offset/limit for large files.",
		maxOutputLines, maxOutputBytes/1024)
}

func (t *ReadTool) Schema() json.RawMessage { return json.RawMessage(readSchema) }

// imageMimeType maps an image file extension to its mime type, empty for
// non-image files.
func imageMimeType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".apng":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}

func (t *ReadTool) Execute(ctx context.Context, _ string, args map[string]any, _ pkgtools.UpdateFunc) (*pkgtools.Result, error) {
	if ctx.Err() != nil {
		return nil, errors.New("Operation aborted")
	}
	path, _ := args["path"].(string)
	absolute := resolvePath(path, t.cwd)

	if _, err := os.Stat(absolute); err != nil {
		return nil, fmt.Errorf("File not found: %s", path)
	}

	if mime := imageMimeType(absolute); mime != "" {
		data, err := os.ReadFile(absolute)
		if err != nil {
			return nil, err
		}
		return &pkgtools.Result{Content: models.UserBlocks{
			&models.TextContent{Text: fmt.Sprintf("Read image file [%s]", mime)},
			&models.ImageContent{Data: base64.StdEncoding.EncodeToString(data), MimeType: mime},
		}}, nil
	}

	data, err := os.ReadFile(absolute)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(data), "\n")
	totalLines := len(lines)

	startLine := 0
	if offset, ok := args["offset"].(float64); ok {
		if startLine = int(offset) - 1; startLine < 0 {
			startLine = 0
		}
		if startLine >= totalLines {
			return nil, fmt.Errorf("Offset %d is beyond end of file (%d lines total)", int(offset), totalLines)
		}
	}

	selected := lines[startLine:]
	if limit, ok := args["limit"].(float64); ok && int(limit) < len(selected) {
		selected = selected[:int(limit)]
	}

	trunc := truncateHead(strings.Join(selected, "\n"))
	details := map[string]any{"truncation": trunc}

	if trunc.FirstLineExceedsLimit {
		message := fmt.Sprintf(
			"[Line %d is %s, exceeds %s limit. Use bash: sed -n '%dp' %s | head -c %d]",
			startLine+1, formatSize(len(lines[startLine])), formatSize(maxOutputBytes),
			startLine+1, path, maxOutputBytes)
		return &pkgtools.Result{
			Content: models.UserBlocks{&models.TextContent{Text: message}},
			Details: details,
		}, nil
	}

	outputText := trunc.Content
	if trunc.Truncated {
		endLine := startLine + trunc.OutputLines
		nextOffset := endLine + 1
		if trunc.TruncatedBy == "lines" {
			outputText += fmt.Sprintf(
				"\n\n[Showing lines %d-%d of %d. Use offset=%d to continue.]",
				startLine+1, endLine, totalLines, nextOffset)
		} else {
			outputText += fmt.Sprintf(
				"\n\n[Showing lines %d-%d of %d (%s limit). Use offset=%d to continue.]",
				startLine+1, endLine, totalLines, formatSize(maxOutputBytes), nextOffset)
		}
	} else if remaining := totalLines - (startLine + len(selected)); remaining > 0 {
		nextOffset := startLine + len(selected) + 1
		outputText += fmt.Sprintf(
			"\n\n[%d more lines in file. Use offset=%d to continue.]",
			remaining, nextOffset)
	}

	return &pkgtools.Result{
		Content: models.UserBlocks{&models.TextContent{Text: outputText}},
		Details: details,
	}, nil
}
