package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tillerlabs/tiller/internal/sessions"
)

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}
	cmd.AddCommand(buildSessionsListCmd())
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	var (
		all        bool
		sessionDir string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions for the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, all, sessionDir)
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "List sessions for every directory")
	cmd.Flags().StringVar(&sessionDir, "session-dir", "", "Directory to list instead of the per-cwd default")

	return cmd
}

func runSessionsList(cmd *cobra.Command, all bool, sessionDir string) error {
	var infos []*sessions.Info
	if all {
		infos = sessions.ListAll(nil)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
		infos, err = sessions.List(cwd, expandUserPath(sessionDir), nil)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
	}

	if len(infos) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODIFIED\tMSGS\tNAME\tFIRST MESSAGE")
	for _, info := range infos {
		name := info.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			info.ID,
			info.Modified.Format("2006-01-02 15:04"),
			info.MessageCount,
			name,
			firstLine(info.FirstMessage, 48))
	}
	return w.Flush()
}

// firstLine flattens text to its first line, trimmed to max runes.
func firstLine(text string, max int) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	runes := []rune(text)
	if len(runes) > max {
		return string(runes[:max]) + "..."
	}
	return text
}
