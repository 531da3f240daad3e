// Package main provides the tiller CLI, a terminal agent runtime that
// talks to chat-completion and messages APIs with streaming, tool
// execution, and persistent sessions.
//
// # Basic Usage
//
// Ask a question and exit:
//
//	tiller run --model anthropic/claude-sonnet-4-5 "explain this stack trace"
//
// Start an interactive conversation that continues the most recent
// session for the working directory:
//
//	tiller run --continue
//
// Serve the agent over newline-delimited JSON on stdio for SDK drivers:
//
//	tiller serve --model openai/gpt-5
//
// # Environment Variables
//
//   - TILLER_CONFIG: path to the settings file (default: ~/.tiller/config.yaml)
//   - TILLER_AGENT_DIR: state directory for sessions and credentials
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, OPENROUTER_API_KEY, ...:
//     provider keys consulted when no stored credential exists
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tillerlabs/tiller/internal/auth"
	"github.com/tillerlabs/tiller/internal/config"
	"github.com/tillerlabs/tiller/internal/observability"
	"github.com/tillerlabs/tiller/internal/sessions"
	"github.com/tillerlabs/tiller/pkg/models"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tiller: %v\n", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tiller",
		Short: "Tiller - conversational agent runtime for the terminal",
		Long: `Tiller runs a streaming agent loop against chat-completion and
messages APIs, executes tools, and records conversations as session
files that survive restarts.

Providers are addressed as provider/model references, for example
anthropic/claude-sonnet-4-5 or openai/gpt-5. Custom models and
defaults live in the settings file.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to the settings file (default: $TILLER_CONFIG or ~/.tiller/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Minimum log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log output format: text or json")

	rootCmd.AddCommand(
		buildRunCmd(),
		buildServeCmd(),
		buildSessionsCmd(),
		buildAuthCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tiller %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// app bundles the process-wide pieces every command needs: settings,
// logging, credentials, and optional tracing.
type app struct {
	cfg    *config.Settings
	logger *observability.Logger
	auth   *auth.Storage
	tracer *observability.Tracer

	flushTraces func(context.Context) error
	logFile     *os.File
}

// newApp loads settings, configures logging, registers configured
// models, and opens the credentials store.
func newApp() (*app, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	format := cfg.Logging.Format
	if logFormat != "" {
		format = logFormat
	}

	a := &app{cfg: cfg}

	var out io.Writer
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(expandUserPath(cfg.Logging.File), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		a.logFile = f
		out = f
	}
	a.logger = observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: format,
		Output: out,
	})

	for _, def := range cfg.ModelDefs() {
		models.RegisterModel(def)
	}

	a.auth = auth.NewStorage(authFilePath())
	for provider, key := range cfg.ProviderAPIKeys() {
		a.auth.SetRuntimeAPIKey(provider, key)
	}
	a.auth.SetFallback(auth.EnvAPIKey)

	if cfg.Tracing.Endpoint != "" {
		tracer, flush := observability.NewTracer(observability.TraceConfig{
			ServiceName:    "tiller",
			ServiceVersion: version,
			Endpoint:       cfg.Tracing.Endpoint,
			SamplingRate:   cfg.Tracing.SamplingRate,
			EnableInsecure: cfg.Tracing.Insecure,
		})
		a.tracer = tracer
		a.flushTraces = flush
	}

	return a, nil
}

// close flushes pending traces and releases the log file.
func (a *app) close() {
	if a.flushTraces != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.flushTraces(ctx); err != nil {
			a.logger.Warn(ctx, "trace flush failed", "error", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}

// authFilePath is the credentials file under the agent state directory.
func authFilePath() string {
	return filepath.Join(sessions.AgentDir(), "auth.json")
}

// expandUserPath resolves a leading ~ to the home directory.
func expandUserPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
