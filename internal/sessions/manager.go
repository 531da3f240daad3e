package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tillerlabs/tiller/internal/observability"
	"github.com/tillerlabs/tiller/pkg/models"
)

// Manager owns one session log file: the append-only JSONL entry list
// plus the in-memory index over it. All methods are safe for concurrent
// use.
//
// Persistence is lazy: creating a session writes nothing until the first
// entry is appended, so abandoned sessions leave no empty files. The
// first write after loading an existing file rewrites it whole, which
// also repairs a torn trailing line; subsequent appends are single-line.
type Manager struct {
	mu sync.Mutex

	cwd        string
	sessionDir string
	persist    bool

	sessionID   string
	sessionFile string
	header      *Header
	entries     []Entry
	byID        map[string]Entry
	labels      map[string]string
	leafID      string
	flushed     bool

	logger  *observability.Logger
	metrics *observability.Metrics
}

// New creates a manager with a fresh session for cwd. An empty sessionDir
// selects the default per-cwd directory under the agent dir.
func New(cwd, sessionDir string) (*Manager, error) {
	m, err := newPersistent(cwd, sessionDir)
	if err != nil {
		return nil, err
	}
	m.NewSession("")
	return m, nil
}

// Open loads an existing session file, creating it lazily if absent. The
// manager's working directory comes from the file header, falling back to
// the process working directory. An empty sessionDir defaults to the
// file's parent directory.
func Open(path, sessionDir string) (*Manager, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cwd := headerCwd(abs)
	if cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cwd = wd
		}
	}
	if sessionDir == "" {
		sessionDir = filepath.Dir(abs)
	}
	m, err := newPersistent(cwd, sessionDir)
	if err != nil {
		return nil, err
	}
	if err := m.SetSessionFile(abs); err != nil {
		return nil, err
	}
	return m, nil
}

// ContinueRecent opens the most recently modified session for cwd, or
// starts a fresh one when none exists.
func ContinueRecent(cwd, sessionDir string) (*Manager, error) {
	m, err := newPersistent(cwd, sessionDir)
	if err != nil {
		return nil, err
	}
	if recent := FindMostRecent(m.sessionDir); recent != "" {
		if err := m.SetSessionFile(recent); err != nil {
			return nil, err
		}
		return m, nil
	}
	m.NewSession("")
	return m, nil
}

// InMemory creates a manager that never touches disk. An empty cwd
// defaults to the process working directory.
func InMemory(cwd string) *Manager {
	if cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cwd = wd
		}
	}
	m := newManager(cwd, "", false)
	m.NewSession("")
	return m
}

func newPersistent(cwd, sessionDir string) (*Manager, error) {
	if sessionDir == "" {
		var err error
		if sessionDir, err = DefaultSessionDir(cwd); err != nil {
			return nil, err
		}
	} else if err := os.MkdirAll(sessionDir, 0o700); err != nil {
		return nil, err
	}
	return newManager(cwd, sessionDir, true), nil
}

func newManager(cwd, sessionDir string, persist bool) *Manager {
	return &Manager{
		cwd:        cwd,
		sessionDir: sessionDir,
		persist:    persist,
		byID:       make(map[string]Entry),
		labels:     make(map[string]string),
		logger:     observability.NopLogger(),
	}
}

// SetLogger replaces the manager's logger.
func (m *Manager) SetLogger(logger *observability.Logger) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	m.mu.Lock()
	m.logger = logger
	m.mu.Unlock()
}

// SetMetrics wires entry-append counters. A nil value disables them.
func (m *Manager) SetMetrics(metrics *observability.Metrics) {
	m.mu.Lock()
	m.metrics = metrics
	m.mu.Unlock()
}

// headerCwd reads the cwd recorded in a session file header, "" when the
// file is absent or has none.
func headerCwd(path string) string {
	for _, doc := range readDocs(path) {
		if doc.obj["type"] == headerType {
			if cwd, ok := doc.obj["cwd"].(string); ok {
				return cwd
			}
			return ""
		}
	}
	return ""
}

// rawDoc is one parsed session file line. The original bytes are kept so
// message payloads survive loading unchanged.
type rawDoc struct {
	line []byte
	obj  map[string]any
}

// readDocs parses a session file into raw documents, skipping blank and
// malformed lines. A file without a session header anywhere is treated as
// absent and yields nil.
func readDocs(path string) []rawDoc {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var docs []rawDoc
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			continue
		}
		if t, ok := obj["type"].(string); !ok || t == "" {
			continue
		}
		docs = append(docs, rawDoc{line: []byte(line), obj: obj})
	}
	for _, doc := range docs {
		if doc.obj["type"] == headerType {
			return docs
		}
	}
	return nil
}

// SetSessionFile points the manager at path. An existing file is loaded
// and migrated to the current version; a corrupt one is replaced by a
// fresh session in place; a missing one is created lazily on first
// append.
func (m *Manager) SetSessionFile(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		m.newSessionLocked("")
		m.sessionFile = abs
		return nil
	}

	docs := readDocs(abs)
	if len(docs) == 0 {
		m.logger.Warn(context.Background(), "session file unreadable, starting fresh", "path", abs)
		m.newSessionLocked("")
		m.sessionFile = abs
		if err := m.rewriteLocked(); err != nil {
			return err
		}
		m.flushed = true
		return nil
	}

	objs := make([]map[string]any, len(docs))
	for i := range docs {
		objs[i] = docs[i].obj
	}
	migrated := migrateDocs(objs)
	if migrated {
		for i := range docs {
			line, err := encodeLine(objs[i])
			if err != nil {
				return err
			}
			docs[i].line = bytes.TrimRight(line, "\n")
		}
	}

	var header *Header
	entries := make([]Entry, 0, len(docs))
	for _, doc := range docs {
		if doc.obj["type"] == headerType {
			if header == nil {
				var h Header
				if err := json.Unmarshal(doc.line, &h); err != nil {
					return err
				}
				header = &h
			}
			continue
		}
		entry, err := UnmarshalEntry(doc.line)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}

	m.sessionFile = abs
	m.header = header
	m.sessionID = header.ID
	m.entries = entries
	m.rebuildIndexLocked()

	if migrated {
		m.logger.Info(context.Background(), "migrated session file", "path", abs, "version", CurrentVersion)
		if err := m.rewriteLocked(); err != nil {
			return err
		}
		m.flushed = true
		return nil
	}
	// readDocs drops a torn trailing line without repairing the file, so
	// the first append after a load rewrites the whole file.
	m.flushed = false
	return nil
}

// NewSession resets the manager to a fresh empty session, optionally
// recording the file it was branched from. Nothing is written until the
// first entry is appended. Returns the new session file path, empty for
// in-memory managers.
func (m *Manager) NewSession(parentSession string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newSessionLocked(parentSession)
}

func (m *Manager) newSessionLocked(parentSession string) string {
	m.sessionID = newSessionID()
	timestamp := nowISO()
	m.header = &Header{
		Type:          headerType,
		ID:            m.sessionID,
		Timestamp:     timestamp,
		Cwd:           m.cwd,
		Version:       CurrentVersion,
		ParentSession: parentSession,
	}
	m.entries = nil
	m.byID = make(map[string]Entry)
	m.labels = make(map[string]string)
	m.leafID = ""
	m.flushed = false
	if m.persist {
		m.sessionFile = filepath.Join(m.sessionDir, sessionFileName(timestamp, m.sessionID))
	}
	return m.sessionFile
}

// sessionFileName flattens the timestamp into a filesystem-safe prefix.
func sessionFileName(timestamp, sessionID string) string {
	safe := strings.NewReplacer(":", "-", ".", "-").Replace(timestamp)
	return safe + "_" + sessionID + ".jsonl"
}

func (m *Manager) rebuildIndexLocked() {
	m.byID = make(map[string]Entry, len(m.entries))
	m.labels = make(map[string]string)
	m.leafID = ""
	for _, entry := range m.entries {
		meta := entry.Meta()
		m.byID[meta.ID] = entry
		m.leafID = meta.ID
		if label, ok := entry.(*LabelEntry); ok {
			if label.Label != nil {
				m.labels[label.TargetID] = *label.Label
			} else {
				delete(m.labels, label.TargetID)
			}
		}
	}
}

// rewriteLocked writes the whole file atomically: header line first, then
// every entry in order.
func (m *Manager) rewriteLocked() error {
	if !m.persist || m.sessionFile == "" {
		return nil
	}
	var buf bytes.Buffer
	line, err := encodeLine(m.header)
	if err != nil {
		return err
	}
	buf.Write(line)
	for _, entry := range m.entries {
		line, err := encodeLine(entry)
		if err != nil {
			return err
		}
		buf.Write(line)
	}
	return atomicWrite(m.sessionFile, buf.Bytes())
}

func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".session-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

// persistEntryLocked writes one appended entry. The first write of a
// session flushes the whole file; later writes append a single line.
func (m *Manager) persistEntryLocked(entry Entry) error {
	if !m.persist || m.sessionFile == "" {
		return nil
	}
	if !m.flushed {
		if err := m.rewriteLocked(); err != nil {
			return err
		}
		m.flushed = true
		return nil
	}
	line, err := encodeLine(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(m.sessionFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (m *Manager) appendEntryLocked(entry Entry) error {
	meta := entry.Meta()
	m.entries = append(m.entries, entry)
	m.byID[meta.ID] = entry
	m.leafID = meta.ID
	if label, ok := entry.(*LabelEntry); ok {
		if label.Label != nil {
			m.labels[label.TargetID] = *label.Label
		} else {
			delete(m.labels, label.TargetID)
		}
	}
	if err := m.persistEntryLocked(entry); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.EntryAppended(string(meta.Type))
	}
	return nil
}

// newMetaLocked stamps a fresh envelope chained to the current leaf.
func (m *Manager) newMetaLocked(t EntryType) EntryMeta {
	meta := EntryMeta{Type: t, ID: m.generateIDLocked(), Timestamp: nowISO()}
	if m.leafID != "" {
		leaf := m.leafID
		meta.ParentID = &leaf
	}
	return meta
}

func (m *Manager) generateIDLocked() string {
	return generateID(func(id string) bool {
		_, ok := m.byID[id]
		return ok
	})
}

// Cwd returns the working directory this session belongs to.
func (m *Manager) Cwd() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cwd
}

// SessionDir returns the directory session files are written to, empty
// for in-memory managers.
func (m *Manager) SessionDir() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionDir
}

// SessionID returns the current session id.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// SessionFile returns the current session file path, empty for in-memory
// managers.
func (m *Manager) SessionFile() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionFile
}

// IsPersisted reports whether the manager writes to disk.
func (m *Manager) IsPersisted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persist
}

// Header returns a copy of the session header.
func (m *Manager) Header() Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.header == nil {
		return Header{}
	}
	return *m.header
}

// Entries returns the entries in file order. Callers must not modify
// them.
func (m *Manager) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Entry returns the entry with the given id, nil when absent.
func (m *Manager) Entry(id string) Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

// Label returns the label attached to an entry.
func (m *Manager) Label(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	label, ok := m.labels[id]
	return label, ok
}

// LeafID returns the current insertion point, empty after ResetLeaf on an
// empty branch.
func (m *Manager) LeafID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leafID
}

// LeafEntry returns the entry at the current insertion point, nil when
// the session is empty.
func (m *Manager) LeafEntry() Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leafID == "" {
		return nil
	}
	return m.byID[m.leafID]
}

// Children returns the entries whose parent is parentID, in file order.
// An empty parentID selects root entries.
func (m *Manager) Children(parentID string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var children []Entry
	for _, entry := range m.entries {
		p := entry.Meta().ParentID
		if parentID == "" {
			if p == nil {
				children = append(children, entry)
			}
		} else if p != nil && *p == parentID {
			children = append(children, entry)
		}
	}
	return children
}

// SessionName returns the latest non-empty name recorded by a
// session_info entry.
func (m *Manager) SessionName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		if info, ok := m.entries[i].(*SessionInfoEntry); ok && info.Name != "" {
			return info.Name
		}
	}
	return ""
}

// AppendMessage appends a committed conversation message and returns the
// new entry id.
func (m *Manager) AppendMessage(msg models.Message) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := &MessageEntry{EntryMeta: m.newMetaLocked(EntryMessage), Message: payload}
	if err := m.appendEntryLocked(entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// AppendThinkingLevelChange records a reasoning-effort switch.
func (m *Manager) AppendThinkingLevelChange(level models.ThinkingLevel) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := &ThinkingLevelChangeEntry{
		EntryMeta:     m.newMetaLocked(EntryThinkingLevelChange),
		ThinkingLevel: string(level),
	}
	if err := m.appendEntryLocked(entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// AppendModelChange records a model switch.
func (m *Manager) AppendModelChange(provider, modelID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := &ModelChangeEntry{
		EntryMeta: m.newMetaLocked(EntryModelChange),
		Provider:  provider,
		ModelID:   modelID,
	}
	if err := m.appendEntryLocked(entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// AppendCompaction records a summary replacing everything before
// firstKeptEntryID.
func (m *Manager) AppendCompaction(summary, firstKeptEntryID string, tokensBefore int, details map[string]any, fromHook bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := &CompactionEntry{
		EntryMeta:        m.newMetaLocked(EntryCompaction),
		Summary:          summary,
		FirstKeptEntryID: firstKeptEntryID,
		TokensBefore:     tokensBefore,
		Details:          details,
		FromHook:         fromHook,
	}
	if err := m.appendEntryLocked(entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// AppendBranchSummary records the intent of an abandoned branch rooted at
// fromID.
func (m *Manager) AppendBranchSummary(fromID, summary string, details map[string]any, fromHook bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := &BranchSummaryEntry{
		EntryMeta: m.newMetaLocked(EntryBranchSummary),
		FromID:    fromID,
		Summary:   summary,
		Details:   details,
		FromHook:  fromHook,
	}
	if err := m.appendEntryLocked(entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// AppendCustom records an extension entry. A nil data omits the payload.
func (m *Manager) AppendCustom(customType string, data any) (string, error) {
	var payload json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return "", err
		}
		payload = encoded
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := &CustomEntry{
		EntryMeta:  m.newMetaLocked(EntryCustom),
		CustomType: customType,
		Data:       payload,
	}
	if err := m.appendEntryLocked(entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// AppendCustomMessage records an extension entry that shows up in the
// reconstructed context as a display-only message.
func (m *Manager) AppendCustomMessage(customType string, content any, display bool, details map[string]any) (string, error) {
	payload, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := &CustomMessageEntry{
		EntryMeta:  m.newMetaLocked(EntryCustomMessage),
		CustomType: customType,
		Content:    payload,
		Display:    display,
		Details:    details,
	}
	if err := m.appendEntryLocked(entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// AppendLabel attaches a label to targetID; an empty label clears it.
func (m *Manager) AppendLabel(targetID, label string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := &LabelEntry{
		EntryMeta: m.newMetaLocked(EntryLabel),
		TargetID:  targetID,
	}
	if label != "" {
		entry.Label = &label
	}
	if err := m.appendEntryLocked(entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// AppendSessionInfo records session metadata. The name is trimmed; an
// empty name is recorded without one.
func (m *Manager) AppendSessionInfo(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := &SessionInfoEntry{
		EntryMeta: m.newMetaLocked(EntrySessionInfo),
		Name:      strings.TrimSpace(name),
	}
	if err := m.appendEntryLocked(entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// GetBranch returns the root-to-entry path for id, or for the current
// leaf when id is empty. Unknown ids yield nil.
func (m *Manager) GetBranch(id string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.branchPathLocked(id)
}

func (m *Manager) branchPathLocked(id string) []Entry {
	if id == "" {
		id = m.leafID
	}
	if id == "" {
		return nil
	}
	current := m.byID[id]
	if current == nil {
		return nil
	}
	var path []Entry
	for current != nil {
		path = append(path, current)
		parent := current.Meta().ParentID
		if parent == nil {
			break
		}
		current = m.byID[*parent]
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// TreeNode is one entry of the session tree with its children ordered by
// timestamp.
type TreeNode struct {
	Entry    Entry
	Label    string
	Children []*TreeNode
}

// Tree returns the session's branch structure. Entries whose parent is
// missing, and entries that point at themselves, become roots.
func (m *Manager) Tree() []*TreeNode {
	m.mu.Lock()
	defer m.mu.Unlock()

	nodes := make(map[string]*TreeNode, len(m.entries))
	for _, entry := range m.entries {
		id := entry.Meta().ID
		nodes[id] = &TreeNode{Entry: entry, Label: m.labels[id]}
	}

	var roots []*TreeNode
	for _, entry := range m.entries {
		meta := entry.Meta()
		node := nodes[meta.ID]
		if meta.ParentID == nil || *meta.ParentID == meta.ID {
			roots = append(roots, node)
			continue
		}
		if parent, ok := nodes[*meta.ParentID]; ok {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}

	stack := append([]*TreeNode(nil), roots...)
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		sort.SliceStable(node.Children, func(i, j int) bool {
			return node.Children[i].Entry.Meta().Timestamp < node.Children[j].Entry.Meta().Timestamp
		})
		stack = append(stack, node.Children...)
	}
	return roots
}

// Branch moves the insertion point to an earlier entry; subsequent
// appends chain off it, forming a new branch.
func (m *Manager) Branch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return fmt.Errorf("Entry %s not found", id)
	}
	m.leafID = id
	return nil
}

// ResetLeaf clears the insertion point; the next append starts a new
// branch at the root.
func (m *Manager) ResetLeaf() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leafID = ""
}

// BranchWithSummary moves the insertion point to fromID (the root when
// empty) and records a branch summary of the abandoned subtree.
func (m *Manager) BranchWithSummary(fromID, summary string, details map[string]any, fromHook bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fromID != "" {
		if _, ok := m.byID[fromID]; !ok {
			return "", fmt.Errorf("Entry %s not found", fromID)
		}
	}
	m.leafID = fromID
	meta := EntryMeta{Type: EntryBranchSummary, ID: m.generateIDLocked(), Timestamp: nowISO()}
	if fromID != "" {
		from := fromID
		meta.ParentID = &from
	}
	recordedFrom := fromID
	if recordedFrom == "" {
		recordedFrom = "root"
	}
	entry := &BranchSummaryEntry{
		EntryMeta: meta,
		FromID:    recordedFrom,
		Summary:   summary,
		Details:   details,
		FromHook:  fromHook,
	}
	if err := m.appendEntryLocked(entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// CreateBranchedSession repoints the manager at a fresh session file
// containing only the root-to-leafID path. Labels not on the path are
// dropped; labels on it are re-emitted after the path. The new header
// references the original file via parentSession. Returns the new file
// path, empty for in-memory managers.
func (m *Manager) CreateBranchedSession(leafID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.branchPathLocked(leafID)
	if len(path) == 0 {
		return "", fmt.Errorf("Entry %s not found", leafID)
	}

	kept := make([]Entry, 0, len(path))
	for _, entry := range path {
		if _, ok := entry.(*LabelEntry); !ok {
			kept = append(kept, entry)
		}
	}

	newID := newSessionID()
	timestamp := nowISO()
	parentSession := ""
	if m.persist {
		parentSession = m.sessionFile
	}
	header := &Header{
		Type:          headerType,
		ID:            newID,
		Timestamp:     timestamp,
		Cwd:           m.cwd,
		Version:       CurrentVersion,
		ParentSession: parentSession,
	}

	keptIDs := make(map[string]bool, len(kept))
	for _, entry := range kept {
		keptIDs[entry.Meta().ID] = true
	}

	entries := append([]Entry(nil), kept...)
	parentID := ""
	if len(kept) > 0 {
		parentID = kept[len(kept)-1].Meta().ID
	}
	for _, target := range kept {
		targetID := target.Meta().ID
		label, ok := m.labels[targetID]
		if !ok {
			continue
		}
		meta := EntryMeta{
			Type:      EntryLabel,
			ID:        generateID(func(id string) bool { return keptIDs[id] }),
			Timestamp: nowISO(),
		}
		if parentID != "" {
			parent := parentID
			meta.ParentID = &parent
		}
		value := label
		labelEntry := &LabelEntry{EntryMeta: meta, TargetID: targetID, Label: &value}
		keptIDs[labelEntry.ID] = true
		entries = append(entries, labelEntry)
		parentID = labelEntry.ID
	}

	m.header = header
	m.sessionID = newID
	m.entries = entries
	m.rebuildIndexLocked()

	if !m.persist {
		return "", nil
	}
	m.sessionFile = filepath.Join(m.sessionDir, sessionFileName(timestamp, newID))
	if err := m.rewriteLocked(); err != nil {
		return "", err
	}
	m.flushed = true
	return m.sessionFile, nil
}

// LoadMessages returns every conversation message in the file, in file
// order and regardless of branching. Display-only payloads are skipped.
func (m *Manager) LoadMessages() models.Messages {
	m.mu.Lock()
	defer m.mu.Unlock()
	var messages models.Messages
	for _, entry := range m.entries {
		me, ok := entry.(*MessageEntry)
		if !ok {
			continue
		}
		msg, err := models.UnmarshalMessage(me.Message)
		if err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages
}

// BuildContext reconstructs the conversation at the current leaf.
func (m *Manager) BuildContext() *SessionContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return buildContext(m.byID, m.leafID)
}
