package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tillerlabs/tiller/pkg/models"
	pkgtools "github.com/tillerlabs/tiller/pkg/tools"
)

const writeSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string", "description": "Path to the file to write (relative or absolute)"},
    "content": {"type": "string", "description": "Content to write to the file"}
  },
  "required": ["path", "content"]
}`

// WriteTool writes whole files, creating parent directories as needed.
type WriteTool struct {
	cwd string
}

// NewWriteTool creates a write tool that resolves relative paths against
// cwd.
func NewWriteTool(cwd string) *WriteTool {
	return &WriteTool{cwd: cwd}
}

func (t *WriteTool) Name() string { return "write" }

func (t *WriteTool) Description() string {
	return "Write content to a file. Creates the file if it doesn't exist, overwrites if it does. " +
		"Automatically creates parent directories."
}

func (t *WriteTool) Schema() json.RawMessage { return json.RawMessage(writeSchema) }

func (t *WriteTool) Execute(ctx context.Context, _ string, args map[string]any, _ pkgtools.UpdateFunc) (*pkgtools.Result, error) {
	if ctx.Err() != nil {
		return nil, errors.New("Operation aborted")
	}
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)

	absolute := resolvePath(path, t.cwd)
	if err := os.MkdirAll(filepath.Dir(absolute), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(absolute, []byte(content), 0o644); err != nil {
		return nil, err
	}

	return &pkgtools.Result{Content: models.UserBlocks{
		&models.TextContent{Text: fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path)},
	}}, nil
}
