package sessions

import (
	"os"
	"path/filepath"
	"strings"
)

// agentDirEnv overrides the agent state directory.
const agentDirEnv = "TILLER_AGENT_DIR"

// AgentDir returns the tiller agent state directory: $TILLER_AGENT_DIR if
// set (a leading ~ expands to the home directory), otherwise
// ~/.tiller/agent.
func AgentDir() string {
	if dir := os.Getenv(agentDirEnv); dir != "" {
		if dir == "~" {
			if home, err := os.UserHomeDir(); err == nil {
				return home
			}
			return dir
		}
		if strings.HasPrefix(dir, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				return filepath.Join(home, dir[2:])
			}
		}
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".tiller", "agent")
}

// SessionsDir returns the root directory holding per-cwd session
// directories.
func SessionsDir() string {
	return filepath.Join(AgentDir(), "sessions")
}

// DefaultSessionDir returns and creates the session directory for cwd.
// The directory name flattens the path so every working directory maps to
// one folder: /home/x/proj becomes --home-x-proj--.
func DefaultSessionDir(cwd string) (string, error) {
	trimmed := strings.TrimLeft(cwd, "/\\")
	safe := strings.NewReplacer("/", "-", "\\", "-", ":", "-").Replace(trimmed)
	dir := filepath.Join(SessionsDir(), "--"+safe+"--")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}
