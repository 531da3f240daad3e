package sessions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Info summarizes one session file for listing.
type Info struct {
	Path              string
	ID                string
	Cwd               string
	Name              string
	ParentSessionPath string
	Created           time.Time
	Modified          time.Time
	MessageCount      int
	FirstMessage      string
	AllMessagesText   string
}

// Progress reports incremental listing progress: loaded files out of
// total.
type Progress func(loaded, total int)

// BuildInfo summarizes one session file. It returns nil for unreadable
// files and for files whose first line is not a session header.
func BuildInfo(path string) *Info {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var docs []map[string]any
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			continue
		}
		docs = append(docs, obj)
	}
	if len(docs) == 0 {
		return nil
	}
	header := docs[0]
	if header["type"] != headerType {
		return nil
	}

	stat, err := os.Stat(path)
	if err != nil {
		return nil
	}
	mtime := stat.ModTime().UTC()

	var (
		messageCount int
		firstMessage string
		allMessages  []string
		name         string
	)
	for _, doc := range docs {
		if doc["type"] == string(EntrySessionInfo) {
			if n, ok := doc["name"].(string); ok && strings.TrimSpace(n) != "" {
				name = strings.TrimSpace(n)
			}
		}
		if doc["type"] != string(EntryMessage) {
			continue
		}
		messageCount++
		message, ok := messageWithContent(doc)
		if !ok {
			continue
		}
		role, _ := message["role"].(string)
		if role != "user" && role != "assistant" {
			continue
		}
		text := extractText(message)
		if text == "" {
			continue
		}
		allMessages = append(allMessages, text)
		if firstMessage == "" && role == "user" {
			firstMessage = text
		}
	}
	if firstMessage == "" {
		firstMessage = "(no messages)"
	}

	cwd, _ := header["cwd"].(string)
	parentSession, _ := header["parentSession"].(string)
	id, _ := header["id"].(string)

	created := mtime
	if ts, ok := header["timestamp"].(string); ok {
		if parsed, ok := parseTimestamp(ts); ok {
			created = parsed
		}
	}

	return &Info{
		Path:              path,
		ID:                id,
		Cwd:               cwd,
		Name:              name,
		ParentSessionPath: parentSession,
		Created:           created,
		Modified:          modifiedTime(docs, header, mtime),
		MessageCount:      messageCount,
		FirstMessage:      firstMessage,
		AllMessagesText:   strings.Join(allMessages, " "),
	}
}

// messageWithContent returns the message payload of a message document
// when it has a string role and a content field.
func messageWithContent(doc map[string]any) (map[string]any, bool) {
	message, ok := doc["message"].(map[string]any)
	if !ok {
		return nil, false
	}
	if _, ok := message["role"].(string); !ok {
		return nil, false
	}
	if _, ok := message["content"]; !ok {
		return nil, false
	}
	return message, true
}

// extractText flattens message content to plain text: strings pass
// through, block lists contribute their text blocks.
func extractText(message map[string]any) string {
	switch content := message["content"].(type) {
	case string:
		return content
	case []any:
		var parts []string
		for _, block := range content {
			b, ok := block.(map[string]any)
			if !ok || b["type"] != "text" {
				continue
			}
			if text, ok := b["text"].(string); ok {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

// modifiedTime prefers the latest user or assistant message activity,
// then the header timestamp, then the file mtime.
func modifiedTime(docs []map[string]any, header map[string]any, mtime time.Time) time.Time {
	var lastActivity int64
	for _, doc := range docs {
		if doc["type"] != string(EntryMessage) {
			continue
		}
		message, ok := messageWithContent(doc)
		if !ok {
			continue
		}
		role, _ := message["role"].(string)
		if role != "user" && role != "assistant" {
			continue
		}
		if ts, ok := message["timestamp"].(float64); ok && ts > 0 {
			if int64(ts) > lastActivity {
				lastActivity = int64(ts)
			}
			continue
		}
		if ts, ok := doc["timestamp"].(string); ok {
			if parsed, ok := parseTimestamp(ts); ok && parsed.UnixMilli() > lastActivity {
				lastActivity = parsed.UnixMilli()
			}
		}
	}
	if lastActivity > 0 {
		return time.UnixMilli(lastActivity).UTC()
	}
	if ts, ok := header["timestamp"].(string); ok {
		if parsed, ok := parseTimestamp(ts); ok {
			return parsed
		}
	}
	return mtime
}

// listDir summarizes every .jsonl file in dir. Invalid files are skipped.
func listDir(dir string, onProgress Progress) []*Info {
	names, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, entry := range names {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".jsonl" {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	var infos []*Info
	for i, file := range files {
		info := BuildInfo(file)
		if onProgress != nil {
			onProgress(i+1, len(files))
		}
		if info != nil {
			infos = append(infos, info)
		}
	}
	return infos
}

// List returns the session summaries for cwd, most recently modified
// first. An empty sessionDir selects the default per-cwd directory.
func List(cwd, sessionDir string, onProgress Progress) ([]*Info, error) {
	if sessionDir == "" {
		var err error
		if sessionDir, err = DefaultSessionDir(cwd); err != nil {
			return nil, err
		}
	}
	infos := listDir(sessionDir, onProgress)
	sortInfos(infos)
	return infos, nil
}

// ListAll returns session summaries across every working directory, most
// recently modified first.
func ListAll(onProgress Progress) []*Info {
	root := SessionsDir()
	dirEntries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var files []string
	for _, dir := range dirEntries {
		if !dir.IsDir() {
			continue
		}
		names, err := os.ReadDir(filepath.Join(root, dir.Name()))
		if err != nil {
			continue
		}
		for _, entry := range names {
			if !entry.IsDir() && filepath.Ext(entry.Name()) == ".jsonl" {
				files = append(files, filepath.Join(root, dir.Name(), entry.Name()))
			}
		}
	}
	var infos []*Info
	for i, file := range files {
		info := BuildInfo(file)
		if onProgress != nil {
			onProgress(i+1, len(files))
		}
		if info != nil {
			infos = append(infos, info)
		}
	}
	sortInfos(infos)
	return infos
}

func sortInfos(infos []*Info) {
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].Modified.After(infos[j].Modified)
	})
}

// FindMostRecent returns the most recently modified valid session file in
// dir, empty when none exists.
func FindMostRecent(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var (
		best      string
		bestMtime time.Time
	)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if len(readDocs(path)) == 0 {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMtime) {
			best = path
			bestMtime = info.ModTime()
		}
	}
	return best
}
