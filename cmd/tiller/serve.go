package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tillerlabs/tiller/internal/observability"
	"github.com/tillerlabs/tiller/internal/rpc"
)

func buildServeCmd() *cobra.Command {
	var (
		modelRef     string
		thinking     string
		systemPrompt string
		session      sessionFlags
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the agent over newline-delimited JSON on stdio",
		Long: `Serve one agent on stdin/stdout for SDK drivers and editor
integrations. Each input line is a JSON request (prompt, steer,
follow_up, abort, state, messages, new_session, set_model,
set_thinking_level); responses and run events stream back one JSON
object per line.

Logs go to stderr so they never interleave with the protocol. With
metrics.listen configured, a Prometheus endpoint is exposed while
serving.`,
		Example: `  # Drive from another program
  tiller serve --model anthropic/claude-sonnet-4-5

  # Attach to an existing session file
  tiller serve --session ~/.tiller/agent/sessions/--work--/20260106-*.jsonl`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.close()
			return runServe(cmd, app, &runOptions{
				modelRef:     modelRef,
				thinking:     thinking,
				systemPrompt: systemPrompt,
				session:      &session,
			})
		},
	}

	cmd.Flags().StringVarP(&modelRef, "model", "m", "", "Model as provider/model (default: session, then default_model)")
	cmd.Flags().StringVar(&thinking, "thinking", "", "Reasoning effort: off, minimal, low, medium, high, xhigh")
	cmd.Flags().StringVar(&systemPrompt, "system-prompt", "", "Replace the system prompt")
	session.register(cmd)

	return cmd
}

func runServe(cmd *cobra.Command, app *app, opts *runOptions) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mgr, ag, err := buildAgent(app, opts)
	if err != nil {
		return err
	}

	if addr := app.cfg.Metrics.Listen; addr != "" {
		stop, err := startMetricsServer(addr, app.logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stop(shutdownCtx)
		}()
	}

	srv := rpc.NewServer(rpc.Options{
		Agent: ag,
		NewSession: func() (string, error) {
			mgr.NewSession("")
			ag.Reset()
			ag.SetSessionID(mgr.SessionID())
			return mgr.SessionID(), nil
		},
		ExtraState: func() map[string]any {
			return map[string]any{
				"cwd":         mgr.Cwd(),
				"sessionFile": mgr.SessionFile(),
			}
		},
		Logger: app.logger,
	})

	model := ag.Model()
	app.logger.Info(ctx, "serving stdio rpc",
		"session_id", mgr.SessionID(),
		"model", model.Provider+"/"+model.ID)

	return srv.Run(ctx, os.Stdin, cmd.OutOrStdout())
}

// startMetricsServer exposes /metrics and /healthz on addr. The returned
// function shuts the server down.
func startMetricsServer(addr string, logger *observability.Logger) (func(context.Context) error, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "metrics server error", "error", err)
		}
	}()
	logger.Info(context.Background(), "metrics server listening", "addr", addr)

	return server.Shutdown, nil
}
