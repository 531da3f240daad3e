package tools

import (
	"os"
	"path/filepath"
	"strings"
)

// resolvePath resolves a tool path argument against the tool's working
// directory: ~ expands to the home directory, absolute paths pass
// through, relative paths join cwd. The result is cleaned.
func resolvePath(path, cwd string) string {
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(cwd, path)
}
