package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tillerlabs/tiller/pkg/models"
	pkgtools "github.com/tillerlabs/tiller/pkg/tools"
)

const bashSchema = `{
  "type": "object",
  "properties": {
    "command": {"type": "string", "description": "Bash command to execute"},
    "timeout": {"type": "number", "description": "Timeout in seconds (optional, no default timeout)"}
  },
  "required": ["command"]
}`

// BashTool runs shell commands in a fixed working directory, streaming
// merged stdout and stderr through onUpdate.
type BashTool struct {
	cwd string
}

// NewBashTool creates a bash tool rooted at cwd.
func NewBashTool(cwd string) *BashTool {
	return &BashTool{cwd: cwd}
}

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return fmt.Sprintf(
		"Execute a bash command in the current working directory. Returns stdout and stderr. "+
			"Output is truncated to last %d lines or %dKB (whichever is hit first). "+
			"If truncated, full output is saved to a temp file. "+
			"Optionally provide a timeout in seconds.",
		maxOutputLines, maxOutputBytes/1024)
}

func (t *BashTool) Schema() json.RawMessage { return json.RawMessage(bashSchema) }

func (t *BashTool) Execute(ctx context.Context, _ string, args map[string]any, onUpdate pkgtools.UpdateFunc) (*pkgtools.Result, error) {
	if ctx.Err() != nil {
		return nil, errors.New("Operation aborted")
	}
	command, _ := args["command"].(string)
	timeoutSecs, hasTimeout := args["timeout"].(float64)

	if _, err := os.Stat(t.cwd); err != nil {
		return nil, fmt.Errorf("Working directory does not exist: %s\nCannot execute bash commands.", t.cwd)
	}

	collector := newBashCollector()
	if onUpdate != nil {
		collector.onChunk = func(tail, spillPath string) {
			trunc := truncateTail(tail)
			details := map[string]any{}
			if trunc.Truncated {
				details["truncation"] = trunc
			}
			if spillPath != "" {
				details["fullOutputPath"] = spillPath
			}
			if len(details) == 0 {
				details = nil
			}
			onUpdate(&pkgtools.Result{
				Content: models.UserBlocks{&models.TextContent{Text: trunc.Content}},
				Details: details,
			})
		}
	}

	cmd := exec.Command(shellCommand(), "-c", command)
	cmd.Dir = t.cwd
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = collector
	cmd.Stderr = collector

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if hasTimeout && timeoutSecs > 0 {
		timer := time.NewTimer(time.Duration(timeoutSecs * float64(time.Second)))
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var exitErr error
	select {
	case exitErr = <-waitErr:
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-waitErr
		collector.close()
		output := collector.window()
		if output != "" {
			output += "\n\n"
		}
		return nil, errors.New(output + "Command aborted")
	case <-timeoutCh:
		killProcessGroup(cmd)
		<-waitErr
		collector.close()
		output := collector.window()
		if output != "" {
			output += "\n\n"
		}
		return nil, fmt.Errorf("%sCommand timed out after %g seconds", output, timeoutSecs)
	}
	collector.close()

	window, totalBytes, totalLines, spillPath := collector.snapshot()
	trunc := truncateTail(window)
	trunc.TotalBytes = totalBytes
	trunc.TotalLines = totalLines

	outputText := trunc.Content
	if outputText == "" {
		outputText = "(no output)"
	}

	var details map[string]any
	if trunc.Truncated {
		// Line-capped output can stay under the byte spill threshold; the
		// window still holds everything, so the full log is written now.
		if spillPath == "" {
			if f, err := os.CreateTemp("", "tiller-bash-*.log"); err == nil {
				_, _ = f.WriteString(window)
				_ = f.Close()
				spillPath = f.Name()
			}
		}
		details = map[string]any{"truncation": trunc, "fullOutputPath": spillPath}

		startLine := trunc.TotalLines - trunc.OutputLines + 1
		endLine := trunc.TotalLines
		switch {
		case trunc.LastLinePartial:
			lastLine := window
			if idx := strings.LastIndexByte(window, '\n'); idx >= 0 {
				lastLine = window[idx+1:]
			}
			outputText += fmt.Sprintf(
				"\n\n[Showing last %s of line %d (line is %s). Full output: %s]",
				formatSize(trunc.OutputBytes), endLine, formatSize(len(lastLine)), spillPath)
		case trunc.TruncatedBy == "lines":
			outputText += fmt.Sprintf(
				"\n\n[Showing lines %d-%d of %d. Full output: %s]",
				startLine, endLine, trunc.TotalLines, spillPath)
		default:
			outputText += fmt.Sprintf(
				"\n\n[Showing lines %d-%d of %d (%s limit). Full output: %s]",
				startLine, endLine, trunc.TotalLines, formatSize(maxOutputBytes), spillPath)
		}
	}

	if code := exitCode(exitErr); code != 0 {
		return nil, fmt.Errorf("%s\n\nCommand exited with code %d", outputText, code)
	}

	return &pkgtools.Result{
		Content: models.UserBlocks{&models.TextContent{Text: outputText}},
		Details: details,
	}, nil
}

var (
	shellOnce sync.Once
	shellPath string
)

// shellCommand picks the shell once per process: $SHELL when it exists on
// disk, then /bin/bash, then sh from PATH.
func shellCommand() string {
	shellOnce.Do(func() {
		if s := os.Getenv("SHELL"); s != "" {
			if _, err := os.Stat(s); err == nil {
				shellPath = s
				return
			}
		}
		if _, err := os.Stat("/bin/bash"); err == nil {
			shellPath = "/bin/bash"
			return
		}
		shellPath = "sh"
	})
	return shellPath
}

// killProcessGroup kills the command's process group, falling back to the
// process itself when no group exists.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// bashCollector receives merged stdout and stderr. It keeps a bounded
// tail window in memory and spills the complete output to a temp file
// once it crosses the byte cap. os/exec serializes Write calls because
// both streams share the one writer.
type bashCollector struct {
	mu        sync.Mutex
	tail      []byte
	total     int
	newlines  int
	spill     *os.File
	spillPath string
	spillErr  bool

	// onChunk observes the tail window after each write, outside the lock.
	onChunk func(tail, spillPath string)
}

const bashTailCap = maxOutputBytes * 2

func newBashCollector() *bashCollector {
	return &bashCollector{}
}

func (c *bashCollector) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.total += len(p)
	c.newlines += bytes.Count(p, []byte{'\n'})

	// The tail window still holds everything when the cap is first
	// crossed, so the spill file starts from byte zero.
	if c.total > maxOutputBytes && c.spill == nil && !c.spillErr {
		f, err := os.CreateTemp("", "tiller-bash-*.log")
		if err != nil {
			c.spillErr = true
		} else {
			c.spill = f
			c.spillPath = f.Name()
			_, _ = f.Write(c.tail)
		}
	}
	if c.spill != nil {
		_, _ = c.spill.Write(p)
	}

	c.tail = append(c.tail, p...)
	if over := len(c.tail) - bashTailCap; over > 0 {
		c.tail = append(c.tail[:0], c.tail[over:]...)
	}
	tail := string(c.tail)
	path := c.spillPath
	c.mu.Unlock()

	if c.onChunk != nil {
		c.onChunk(tail, path)
	}
	return len(p), nil
}

func (c *bashCollector) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.spill != nil {
		_ = c.spill.Close()
		c.spill = nil
	}
}

func (c *bashCollector) window() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.tail)
}

// snapshot returns the tail window plus the true totals seen on the
// stream, which feed the truncation descriptor.
func (c *bashCollector) snapshot() (window string, totalBytes, totalLines int, spillPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.tail), c.total, c.newlines + 1, c.spillPath
}
