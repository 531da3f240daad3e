// Package config loads tiller settings from YAML or JSON5 files, with
// $include merging, environment-variable expansion, and strict field
// checking.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tillerlabs/tiller/pkg/models"
)

// EnvConfigPath overrides the default settings file location.
const EnvConfigPath = "TILLER_CONFIG"

// Settings is the root of the tiller configuration file.
type Settings struct {
	// DefaultModel is the model used when the caller does not pick one,
	// as a "provider/model" reference.
	DefaultModel string `yaml:"default_model"`

	// ThinkingLevel is the default reasoning effort:
	// "off", "minimal", "low", "medium", "high", or "xhigh".
	ThinkingLevel string `yaml:"thinking_level"`

	// SessionDir overrides where session files are written.
	SessionDir string `yaml:"session_dir"`

	// SystemPrompt replaces the built-in system prompt when set.
	SystemPrompt string `yaml:"system_prompt"`

	Logging LoggingSettings `yaml:"logging"`
	Metrics MetricsSettings `yaml:"metrics"`
	Tracing TracingSettings `yaml:"tracing"`

	// Providers carries per-provider credentials and endpoint overrides,
	// keyed by provider id ("anthropic", "openrouter", ...).
	Providers map[string]ProviderSettings `yaml:"providers"`

	// Models declares custom models to register at startup.
	Models []ModelSettings `yaml:"models"`
}

type LoggingSettings struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`

	// File appends logs to a file instead of stderr.
	File string `yaml:"file"`
}

type MetricsSettings struct {
	// Listen exposes a Prometheus /metrics endpoint on this address in
	// serve mode. Empty disables the listener.
	Listen string `yaml:"listen"`
}

type TracingSettings struct {
	// Endpoint is the OTLP/gRPC collector address. Empty disables tracing.
	Endpoint string `yaml:"endpoint"`

	// SamplingRate is the fraction of traces recorded, 0.0 to 1.0.
	SamplingRate float64 `yaml:"sampling_rate"`

	// Insecure disables TLS for the OTLP connection.
	Insecure bool `yaml:"insecure"`
}

type ProviderSettings struct {
	// APIKey is used before the credentials file and environment are
	// consulted. Usually written as ${SOME_ENV_VAR}.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the endpoint for models of this provider that do
	// not set their own.
	BaseURL string `yaml:"base_url"`
}

// Load reads, merges, and validates the settings file at path.
func Load(path string) (*Settings, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawSettings(raw)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path, or the default location when path is empty.
// A missing default file yields baseline settings rather than an error;
// an explicit path must exist.
func LoadOrDefault(path string) (*Settings, error) {
	if path != "" {
		return Load(path)
	}
	path = DefaultPath()
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); err != nil {
		return Default(), nil
	}
	return Load(path)
}

// Default returns baseline settings with no file input.
func Default() *Settings {
	cfg := &Settings{}
	cfg.applyDefaults()
	return cfg
}

// DefaultPath is the settings file consulted when no explicit path is
// given: $TILLER_CONFIG, else the first existing candidate under
// ~/.tiller, else ~/.tiller/config.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return expandHome(p)
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	base := filepath.Join(home, ".tiller")
	for _, name := range []string{"config.yaml", "config.yml", "config.json5", "config.json"} {
		candidate := filepath.Join(base, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return filepath.Join(base, "config.yaml")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}

func (s *Settings) applyDefaults() {
	if s.ThinkingLevel == "" {
		s.ThinkingLevel = string(models.ThinkingOff)
	}
	if s.Logging.Level == "" {
		s.Logging.Level = "info"
	}
	if s.Logging.Format == "" {
		s.Logging.Format = "text"
	}
	if s.Tracing.SamplingRate == 0 {
		s.Tracing.SamplingRate = 1
	}
}

var validThinkingLevels = map[string]bool{
	string(models.ThinkingOff):     true,
	string(models.ThinkingMinimal): true,
	string(models.ThinkingLow):     true,
	string(models.ThinkingMedium):  true,
	string(models.ThinkingHigh):    true,
	string(models.ThinkingXHigh):   true,
}

// Validate checks cross-field constraints after defaults are applied.
func (s *Settings) Validate() error {
	if !validThinkingLevels[s.ThinkingLevel] {
		return fmt.Errorf("invalid thinking_level %q", s.ThinkingLevel)
	}
	switch s.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging format %q (use text or json)", s.Logging.Format)
	}
	if s.DefaultModel != "" {
		if _, _, err := ParseModelRef(s.DefaultModel); err != nil {
			return fmt.Errorf("invalid default_model: %w", err)
		}
	}
	if s.Tracing.SamplingRate < 0 || s.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing sampling_rate %v is out of range [0, 1]", s.Tracing.SamplingRate)
	}
	for i := range s.Models {
		if err := s.Models[i].validate(); err != nil {
			return fmt.Errorf("models[%d]: %w", i, err)
		}
	}
	return nil
}

// ProviderAPIKeys returns the non-empty api_key entries from the
// providers section, already env-expanded by the loader.
func (s *Settings) ProviderAPIKeys() map[string]string {
	keys := map[string]string{}
	for name, p := range s.Providers {
		if p.APIKey != "" {
			keys[name] = p.APIKey
		}
	}
	return keys
}

// ParseModelRef splits a "provider/model" reference. The model id may
// itself contain slashes, as openrouter ids do.
func ParseModelRef(ref string) (provider, id string, err error) {
	provider, id, ok := strings.Cut(ref, "/")
	if !ok || provider == "" || id == "" {
		return "", "", fmt.Errorf("model reference %q must be provider/model", ref)
	}
	return provider, id, nil
}
