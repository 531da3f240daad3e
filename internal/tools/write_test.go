package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteCreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	tool := NewWriteTool(dir)

	res, err := tool.Execute(context.Background(), "call-1",
		map[string]any{"path": "deep/nested/out.txt", "content": "hello"}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := resultText(t, res); got != "Successfully wrote 5 bytes to deep/nested/out.txt" {
		t.Fatalf("message = %q", got)
	}
	data, err := os.ReadFile(filepath.Join(dir, "deep", "nested", "out.txt"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("file = %q", data)
	}
}

func TestWriteOverwritesExistingFile(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "f.txt", "old old old")

	tool := NewWriteTool(dir)
	if _, err := tool.Execute(context.Background(), "call-1",
		map[string]any{"path": "f.txt", "content": "new"}, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := readBack(t, dir, "f.txt"); got != "new" {
		t.Fatalf("file = %q", got)
	}
}

func TestWriteReportsBytesNotRunes(t *testing.T) {
	dir := t.TempDir()
	tool := NewWriteTool(dir)

	res, err := tool.Execute(context.Background(), "call-1",
		map[string]any{"path": "u.txt", "content": "héllo"}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := resultText(t, res); got != "Successfully wrote 6 bytes to u.txt" {
		t.Fatalf("message = %q", got)
	}
}

func TestWriteAbort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tool := NewWriteTool(t.TempDir())
	_, err := tool.Execute(ctx, "call-1", map[string]any{"path": "x", "content": "y"}, nil)
	if err == nil || err.Error() != "Operation aborted" {
		t.Fatalf("error = %v", err)
	}
}
