package main

import (
	"strings"
	"testing"

	"github.com/tillerlabs/tiller/internal/config"
	"github.com/tillerlabs/tiller/internal/sessions"
	"github.com/tillerlabs/tiller/pkg/models"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"run", "serve", "sessions", "auth", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestPickModelPrecedence(t *testing.T) {
	models.RegisterModel(&models.Model{ID: "cfg-model", Provider: "cliprov", API: models.APIOpenAICompletions})
	models.RegisterModel(&models.Model{ID: "sess-model", Provider: "cliprov", API: models.APIOpenAICompletions})
	models.RegisterModel(&models.Model{ID: "flag-model", Provider: "cliprov", API: models.APIOpenAICompletions})

	cfg := &config.Settings{DefaultModel: "cliprov/cfg-model"}
	sc := &sessions.SessionContext{Model: &sessions.ModelRef{Provider: "cliprov", ModelID: "sess-model"}}

	model, err := pickModel("cliprov/flag-model", cfg, sc)
	if err != nil {
		t.Fatalf("pickModel(flag) error = %v", err)
	}
	if model.ID != "flag-model" {
		t.Fatalf("flag model = %q, want flag-model", model.ID)
	}

	model, err = pickModel("", cfg, sc)
	if err != nil {
		t.Fatalf("pickModel(session) error = %v", err)
	}
	if model.ID != "sess-model" {
		t.Fatalf("session model = %q, want sess-model", model.ID)
	}

	model, err = pickModel("", cfg, &sessions.SessionContext{})
	if err != nil {
		t.Fatalf("pickModel(config) error = %v", err)
	}
	if model.ID != "cfg-model" {
		t.Fatalf("config model = %q, want cfg-model", model.ID)
	}

	if _, err := pickModel("", &config.Settings{}, &sessions.SessionContext{}); err == nil {
		t.Fatal("pickModel with no sources should fail")
	}
}

func TestPickThinkingLevel(t *testing.T) {
	cfg := &config.Settings{ThinkingLevel: "low"}
	sc := &sessions.SessionContext{ThinkingLevel: models.ThinkingHigh}

	level, err := pickThinkingLevel("medium", cfg, sc)
	if err != nil || level != models.ThinkingMedium {
		t.Fatalf("flag level = %q, %v", level, err)
	}
	level, err = pickThinkingLevel("", cfg, sc)
	if err != nil || level != models.ThinkingHigh {
		t.Fatalf("session level = %q, %v", level, err)
	}
	level, err = pickThinkingLevel("", cfg, &sessions.SessionContext{})
	if err != nil || level != models.ThinkingLow {
		t.Fatalf("config level = %q, %v", level, err)
	}
	level, err = pickThinkingLevel("", &config.Settings{}, &sessions.SessionContext{})
	if err != nil || level != models.ThinkingOff {
		t.Fatalf("default level = %q, %v", level, err)
	}
	if _, err := pickThinkingLevel("turbo", cfg, sc); err == nil {
		t.Fatal("invalid level should fail")
	}
}

func TestFirstLineTruncates(t *testing.T) {
	if got := firstLine("  hello\nworld  ", 48); got != "hello" {
		t.Fatalf("firstLine = %q", got)
	}
	long := strings.Repeat("x", 60)
	if got := firstLine(long, 48); got != strings.Repeat("x", 48)+"..." {
		t.Fatalf("firstLine long = %q", got)
	}
}
