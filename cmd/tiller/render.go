package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/tillerlabs/tiller/internal/tools"
	"github.com/tillerlabs/tiller/pkg/models"
)

// renderStream prints a run to the terminal: assistant text as it
// streams, one summary line per tool call, and turn errors.
func renderStream(ctx context.Context, st *models.AgentEventStream, out io.Writer) error {
	for ev := range st.Events() {
		switch ev.Type {
		case models.AgentEventMessageUpdate:
			if ev.Update != nil && ev.Update.Type == models.EventTextDelta {
				fmt.Fprint(out, ev.Update.Delta)
			}
		case models.AgentEventToolExecutionStart:
			display := tools.ResolveDisplay(ev.ToolName, ev.Args)
			fmt.Fprintf(out, "\n%s\n", display.Summary())
		case models.AgentEventToolExecutionEnd:
			if ev.IsError && ev.Result != nil {
				fmt.Fprintf(out, "%s\n", previewText(ev.Result.Content, 200))
			}
		case models.AgentEventMessageEnd:
			if am, ok := ev.Message.(*models.AssistantMessage); ok && am.ErrorMessage != "" {
				fmt.Fprintf(out, "\n%s\n", am.ErrorMessage)
			}
		case models.AgentEventEnd:
			fmt.Fprintln(out)
		}
	}
	_, err := st.Result(ctx)
	return err
}

// previewText returns the first text block trimmed to one line of at
// most max runes.
func previewText(blocks models.UserBlocks, max int) string {
	for _, block := range blocks {
		tc, ok := block.(*models.TextContent)
		if !ok {
			continue
		}
		line := tc.Text
		if i := strings.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		runes := []rune(line)
		if len(runes) > max {
			return string(runes[:max]) + "..."
		}
		return line
	}
	return ""
}
