package tools

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveDisplayBash(t *testing.T) {
	d := ResolveDisplay("bash", map[string]any{"command": "ls -la"})
	if d.Emoji != "💻" || d.Title != "Bash" || d.Label != "Running" {
		t.Fatalf("display = %+v", d)
	}
	if d.Detail != "ls -la" {
		t.Fatalf("detail = %q", d.Detail)
	}
	if got := d.Summary(); got != "💻 Running: ls -la" {
		t.Fatalf("summary = %q", got)
	}
}

func TestResolveDisplayReadShowsPaging(t *testing.T) {
	cases := []struct {
		args map[string]any
		want string
	}{
		{map[string]any{"path": "/x/y.txt"}, "/x/y.txt"},
		{map[string]any{"path": "/x/y.txt", "offset": float64(10)}, "/x/y.txt (10)"},
		{map[string]any{"path": "/x/y.txt", "limit": float64(20)}, "/x/y.txt (20)"},
		{map[string]any{"path": "/x/y.txt", "offset": float64(10), "limit": float64(20)}, "/x/y.txt (10-20)"},
	}
	for _, tc := range cases {
		d := ResolveDisplay("read", tc.args)
		if d.Detail != tc.want {
			t.Fatalf("detail for %v = %q, want %q", tc.args, d.Detail, tc.want)
		}
	}
}

func TestResolveDisplayNormalizesNamespacedNames(t *testing.T) {
	d := ResolveDisplay("fs__edit", map[string]any{"path": "/tmp/f.txt"})
	if d.Title != "Edit" || d.Label != "Editing" || d.Detail != "/tmp/f.txt" {
		t.Fatalf("display = %+v", d)
	}

	d = ResolveDisplay("files.read_tool", map[string]any{"path": "/tmp/f.txt"})
	if d.Title != "Read" || d.Label != "Reading" {
		t.Fatalf("display = %+v", d)
	}
}

func TestResolveDisplayUnknownTool(t *testing.T) {
	d := ResolveDisplay("fetch_url", map[string]any{"url": "https://example.com"})
	if d.Emoji != "🧩" {
		t.Fatalf("emoji = %q", d.Emoji)
	}
	if d.Title != "Fetch Url" {
		t.Fatalf("title = %q", d.Title)
	}
	if got := d.Summary(); got != "🧩 Fetch Url" {
		t.Fatalf("summary = %q", got)
	}
}

func TestDisplayValueFormatsJSONNumbers(t *testing.T) {
	if got := displayValue(float64(3)); got != "3" {
		t.Fatalf("whole float = %q", got)
	}
	if got := displayValue(0.5); got != "0.5" {
		t.Fatalf("fraction = %q", got)
	}
	if got := displayValue(true); got != "true" {
		t.Fatalf("bool = %q", got)
	}
	if got := displayValue(nil); got != "" {
		t.Fatalf("nil = %q", got)
	}
}

func TestShortenHomePath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		t.Skip("no home directory")
	}
	inside := filepath.Join(home, "proj", "main.go")
	if got := shortenHomePath(inside); got != "~"+string(filepath.Separator)+filepath.Join("proj", "main.go") {
		t.Fatalf("got %q", got)
	}
	if got := shortenHomePath("/somewhere/else.go"); got != "/somewhere/else.go" {
		t.Fatalf("got %q", got)
	}
}
