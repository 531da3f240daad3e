package tools

import (
	pkgtools "github.com/tillerlabs/tiller/pkg/tools"
)

// Defaults returns the built-in tool set rooted at cwd: bash, read,
// write, and edit, in the order they are offered to the model.
func Defaults(cwd string) []pkgtools.Tool {
	return []pkgtools.Tool{
		NewBashTool(cwd),
		NewReadTool(cwd),
		NewWriteTool(cwd),
		NewEditTool(cwd),
	}
}
