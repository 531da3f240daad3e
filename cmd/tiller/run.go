package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tillerlabs/tiller/internal/agent"
	"github.com/tillerlabs/tiller/internal/config"
	"github.com/tillerlabs/tiller/internal/observability"
	"github.com/tillerlabs/tiller/internal/sessions"
	"github.com/tillerlabs/tiller/internal/tools"
	"github.com/tillerlabs/tiller/pkg/models"
)

// sessionFlags select which session a run or serve command attaches to.
type sessionFlags struct {
	sessionPath  string
	sessionDir   string
	continueLast bool
	noSession    bool
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.sessionPath, "session", "", "Open this session file")
	cmd.Flags().StringVar(&f.sessionDir, "session-dir", "", "Directory for session files (default: per-cwd under the agent dir)")
	cmd.Flags().BoolVar(&f.continueLast, "continue", false, "Continue the most recent session for this directory")
	cmd.Flags().BoolVar(&f.noSession, "no-session", false, "Do not persist the conversation")
}

func buildRunCmd() *cobra.Command {
	var (
		modelRef     string
		thinking     string
		systemPrompt string
		session      sessionFlags
	)

	cmd := &cobra.Command{
		Use:   "run [prompt...]",
		Short: "Run the agent, interactively or on a single prompt",
		Long: `Run the agent in the current directory.

With a prompt argument (or piped stdin) the agent handles it and
exits. Without one, an interactive loop reads prompts until EOF.

Conversations persist as session files; --continue picks up the most
recent one for this directory and --session opens a specific file.`,
		Example: `  # One-shot
  tiller run "summarize the failing tests"

  # Piped prompt
  git diff | tiller run "review this change"

  # Interactive, resuming the last conversation here
  tiller run --continue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.close()
			return runRun(cmd, app, &runOptions{
				modelRef:     modelRef,
				thinking:     thinking,
				systemPrompt: systemPrompt,
				session:      &session,
				prompt:       strings.TrimSpace(strings.Join(args, " ")),
			})
		},
	}

	cmd.Flags().StringVarP(&modelRef, "model", "m", "", "Model as provider/model (default: session, then default_model)")
	cmd.Flags().StringVar(&thinking, "thinking", "", "Reasoning effort: off, minimal, low, medium, high, xhigh")
	cmd.Flags().StringVar(&systemPrompt, "system-prompt", "", "Replace the system prompt")
	session.register(cmd)

	return cmd
}

type runOptions struct {
	modelRef     string
	thinking     string
	systemPrompt string
	session      *sessionFlags
	prompt       string
}

func runRun(cmd *cobra.Command, app *app, opts *runOptions) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mgr, ag, err := buildAgent(app, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	prompt := opts.prompt
	if prompt == "" && !stdinIsTerminal() {
		piped, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		prompt = strings.TrimSpace(string(piped))
	}
	if prompt != "" {
		if err := sendAndRender(ctx, ag, prompt, out); err != nil {
			return err
		}
		if lastErr := ag.LastError(); lastErr != "" {
			return errors.New(lastErr)
		}
		return nil
	}

	return interactiveLoop(ctx, ag, mgr, cmd.InOrStdin(), out)
}

// interactiveLoop reads prompts until EOF or exit. Run errors are
// printed rather than fatal so a transient provider failure does not
// end the conversation.
func interactiveLoop(ctx context.Context, ag *agent.Agent, mgr *sessions.Manager, in io.Reader, out io.Writer) error {
	if mgr.IsPersisted() {
		fmt.Fprintf(out, "session: %s\n", mgr.SessionFile())
	}
	model := ag.Model()
	fmt.Fprintf(out, "model: %s/%s (exit or Ctrl-D to quit)\n", model.Provider, model.ID)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		if err := sendAndRender(ctx, ag, line, out); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

func sendAndRender(ctx context.Context, ag *agent.Agent, text string, out io.Writer) error {
	st, err := ag.SendText(ctx, text)
	if err != nil {
		return err
	}
	return renderStream(ctx, st, out)
}

// buildAgent opens the selected session and assembles an agent on top of
// it: restored history, model and thinking level resolution, built-in
// tools, and the session log as message sink.
func buildAgent(app *app, opts *runOptions) (*sessions.Manager, *agent.Agent, error) {
	mgr, err := openSession(opts.session, app.cfg)
	if err != nil {
		return nil, nil, err
	}
	mgr.SetLogger(app.logger)
	metrics := observability.NewMetrics()
	mgr.SetMetrics(metrics)

	sc := mgr.BuildContext()

	model, err := pickModel(opts.modelRef, app.cfg, sc)
	if err != nil {
		return nil, nil, err
	}
	level, err := pickThinkingLevel(opts.thinking, app.cfg, sc)
	if err != nil {
		return nil, nil, err
	}

	systemPrompt := opts.systemPrompt
	if systemPrompt == "" {
		systemPrompt = app.cfg.SystemPrompt
	}
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt(mgr.Cwd())
	}

	ag := agent.NewAgent(model, &agent.Options{
		SystemPrompt:  systemPrompt,
		Tools:         tools.Defaults(mgr.Cwd()),
		ThinkingLevel: level,
		SessionID:     mgr.SessionID(),
		GetAPIKey:     app.auth.GetAPIKey,
		Sink: agent.MessageSinkFunc(func(msg models.Message) error {
			_, err := mgr.AppendMessage(msg)
			return err
		}),
		Logger:  app.logger,
		Metrics: metrics,
		Tracer:  app.tracer,
	})
	if len(sc.Messages) > 0 {
		ag.ReplaceMessages(sc.Messages)
	}

	// Record switches away from what the session last used, so the next
	// restore picks them up.
	if sc.Model != nil && (sc.Model.Provider != model.Provider || sc.Model.ModelID != model.ID) {
		if _, err := mgr.AppendModelChange(model.Provider, model.ID); err != nil {
			return nil, nil, err
		}
	}
	if sc.ThinkingLevel != "" && level != sc.ThinkingLevel {
		if _, err := mgr.AppendThinkingLevelChange(level); err != nil {
			return nil, nil, err
		}
	}

	return mgr, ag, nil
}

func openSession(flags *sessionFlags, cfg *config.Settings) (*sessions.Manager, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	dir := flags.sessionDir
	if dir == "" {
		dir = expandUserPath(cfg.SessionDir)
	}
	switch {
	case flags.noSession:
		return sessions.InMemory(cwd), nil
	case flags.sessionPath != "":
		return sessions.Open(flags.sessionPath, dir)
	case flags.continueLast:
		return sessions.ContinueRecent(cwd, dir)
	default:
		return sessions.New(cwd, dir)
	}
}

// pickModel resolves the model to use: the explicit flag, then the model
// recorded on the session branch, then the configured default.
func pickModel(ref string, cfg *config.Settings, sc *sessions.SessionContext) (*models.Model, error) {
	if ref == "" && sc.Model != nil {
		if model, err := models.GetModel(sc.Model.Provider, sc.Model.ModelID); err == nil {
			return model, nil
		}
	}
	if ref == "" {
		ref = cfg.DefaultModel
	}
	if ref == "" {
		return nil, errors.New("no model selected: pass --model or set default_model in the settings file")
	}
	provider, id, err := config.ParseModelRef(ref)
	if err != nil {
		return nil, err
	}
	return models.GetModel(provider, id)
}

func pickThinkingLevel(flag string, cfg *config.Settings, sc *sessions.SessionContext) (models.ThinkingLevel, error) {
	if flag != "" {
		level := models.ThinkingLevel(flag)
		switch level {
		case models.ThinkingOff, models.ThinkingMinimal, models.ThinkingLow,
			models.ThinkingMedium, models.ThinkingHigh, models.ThinkingXHigh:
			return level, nil
		}
		return "", fmt.Errorf("unknown thinking level %q", flag)
	}
	if sc.ThinkingLevel != "" {
		return sc.ThinkingLevel, nil
	}
	if cfg.ThinkingLevel != "" {
		return models.ThinkingLevel(cfg.ThinkingLevel), nil
	}
	return models.ThinkingOff, nil
}

func defaultSystemPrompt(cwd string) string {
	return fmt.Sprintf(`You are a coding agent running in a terminal. You can read, write,
and edit files and run bash commands with the provided tools. Keep
answers short; this is a terminal, not a chat window.

Current working directory: %s
Today's date: %s`, cwd, time.Now().Format("2006-01-02"))
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}
