package sessions

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tillerlabs/tiller/pkg/models"
)

func TestBuildInfoSummarizesSession(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.AppendMessage(&models.AssistantMessage{
		Content:    models.AssistantBlocks{&models.TextContent{Text: "welcome"}},
		Provider:   "anthropic",
		Model:      "claude-sonnet-4-5",
		StopReason: models.StopReasonStop,
		Timestamp:  1756100000000,
	}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := m.AppendMessage(&models.UserMessage{
		Content:   models.UserContent{Text: "help me refactor"},
		Timestamp: 1756100060000,
	}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := m.AppendSessionInfo("refactor session"); err != nil {
		t.Fatalf("AppendSessionInfo: %v", err)
	}

	info := BuildInfo(m.SessionFile())
	if info == nil {
		t.Fatal("BuildInfo returned nil")
	}
	if info.ID != m.SessionID() {
		t.Fatalf("id = %q, want %q", info.ID, m.SessionID())
	}
	if info.Cwd != "/work/project" {
		t.Fatalf("cwd = %q, want /work/project", info.Cwd)
	}
	if info.Name != "refactor session" {
		t.Fatalf("name = %q, want refactor session", info.Name)
	}
	if info.MessageCount != 2 {
		t.Fatalf("message count = %d, want 2", info.MessageCount)
	}
	// The first user message names the session list row, not the first
	// message overall.
	if info.FirstMessage != "help me refactor" {
		t.Fatalf("first message = %q, want the first user text", info.FirstMessage)
	}
	if info.AllMessagesText != "welcome help me refactor" {
		t.Fatalf("all messages = %q", info.AllMessagesText)
	}
	if want := time.UnixMilli(1756100060000).UTC(); !info.Modified.Equal(want) {
		t.Fatalf("modified = %v, want %v (latest message timestamp)", info.Modified, want)
	}
}

func TestBuildInfoPlaceholderWhenNoMessages(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.AppendSessionInfo("empty"); err != nil {
		t.Fatalf("AppendSessionInfo: %v", err)
	}

	info := BuildInfo(m.SessionFile())
	if info == nil {
		t.Fatal("BuildInfo returned nil")
	}
	if info.FirstMessage != "(no messages)" {
		t.Fatalf("first message = %q, want placeholder", info.FirstMessage)
	}
	if info.MessageCount != 0 {
		t.Fatalf("message count = %d, want 0", info.MessageCount)
	}
}

func TestBuildInfoRejectsInvalidFiles(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.jsonl")
	if err := os.WriteFile(garbage, []byte("not json\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if BuildInfo(garbage) != nil {
		t.Fatal("expected nil for a garbage file")
	}

	// A header that is not the first line does not count.
	headerLate := filepath.Join(dir, "late.jsonl")
	content := `{"type":"message","id":"e1","parentId":null,"timestamp":"2024-01-01T00:00:00.000Z","message":{"role":"user","content":"x"}}` + "\n" +
		`{"type":"session","id":"s1","timestamp":"2024-01-01T00:00:00.000Z","cwd":"/w","version":3}` + "\n"
	if err := os.WriteFile(headerLate, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if BuildInfo(headerLate) != nil {
		t.Fatal("expected nil when the header is not the first line")
	}

	if BuildInfo(filepath.Join(dir, "missing.jsonl")) != nil {
		t.Fatal("expected nil for a missing file")
	}
}

func TestListSortsByModified(t *testing.T) {
	dir := t.TempDir()

	older, err := New("/work/project", dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := older.AppendMessage(&models.UserMessage{
		Content:   models.UserContent{Text: "old"},
		Timestamp: 1756000000000,
	}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	newer, err := New("/work/project", dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := newer.AppendMessage(&models.UserMessage{
		Content:   models.UserContent{Text: "new"},
		Timestamp: 1756100000000,
	}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	var progressCalls int
	infos, err := List("/work/project", dir, func(loaded, total int) {
		progressCalls++
		if total != 2 {
			t.Fatalf("total = %d, want 2", total)
		}
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d sessions, want 2", len(infos))
	}
	if progressCalls != 2 {
		t.Fatalf("progress called %d times, want 2", progressCalls)
	}
	if infos[0].FirstMessage != "new" || infos[1].FirstMessage != "old" {
		t.Fatalf("order = [%q %q], want newest first", infos[0].FirstMessage, infos[1].FirstMessage)
	}
}

func TestListAllWalksEveryCwdDir(t *testing.T) {
	t.Setenv("TILLER_AGENT_DIR", t.TempDir())

	for _, cwd := range []string{"/work/alpha", "/work/beta"} {
		m, err := New(cwd, "")
		if err != nil {
			t.Fatalf("New(%s): %v", cwd, err)
		}
		appendUser(t, m, "hello from "+cwd)
	}

	infos := ListAll(nil)
	if len(infos) != 2 {
		t.Fatalf("got %d sessions, want 2", len(infos))
	}
	cwds := map[string]bool{}
	for _, info := range infos {
		cwds[info.Cwd] = true
	}
	if !cwds["/work/alpha"] || !cwds["/work/beta"] {
		t.Fatalf("cwds = %v, want both working directories", cwds)
	}
}

func TestFindMostRecentSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()

	m, err := New("/work/project", dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	appendUser(t, m, "hello")
	valid := m.SessionFile()

	invalid := filepath.Join(dir, "zzz-newest.jsonl")
	if err := os.WriteFile(invalid, []byte("garbage\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(invalid, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	if got := FindMostRecent(dir); got != valid {
		t.Fatalf("FindMostRecent = %q, want %q", got, valid)
	}
}

func TestFindMostRecentEmptyDir(t *testing.T) {
	if got := FindMostRecent(t.TempDir()); got != "" {
		t.Fatalf("FindMostRecent = %q, want empty", got)
	}
}

func TestDefaultSessionDirFlattensPath(t *testing.T) {
	t.Setenv("TILLER_AGENT_DIR", t.TempDir())

	dir, err := DefaultSessionDir("/home/dev/proj")
	if err != nil {
		t.Fatalf("DefaultSessionDir: %v", err)
	}
	if filepath.Base(dir) != "--home-dev-proj--" {
		t.Fatalf("dir name = %q, want --home-dev-proj--", filepath.Base(dir))
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("directory not created: %v", err)
	}
}

func TestAgentDirOverride(t *testing.T) {
	t.Setenv("TILLER_AGENT_DIR", "/custom/agent")
	if got := AgentDir(); got != "/custom/agent" {
		t.Fatalf("AgentDir = %q, want /custom/agent", got)
	}

	t.Setenv("TILLER_AGENT_DIR", "~/state")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	if got := AgentDir(); got != filepath.Join(home, "state") {
		t.Fatalf("AgentDir = %q, want %q", got, filepath.Join(home, "state"))
	}

	t.Setenv("TILLER_AGENT_DIR", "")
	if got := AgentDir(); got != filepath.Join(home, ".tiller", "agent") {
		t.Fatalf("AgentDir = %q, want %q", got, filepath.Join(home, ".tiller", "agent"))
	}
}
