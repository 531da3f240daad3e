// Package sessions persists conversations as append-only JSONL files.
//
// A session file starts with a header line identifying the session and
// its format version, followed by one entry per line. Entries carry a
// parentId pointer, so the file encodes a tree of conversation branches;
// the manager keeps a leaf cursor marking the insertion point. Rewinding
// the cursor to an earlier entry branches the conversation without
// rewriting history.
//
// Manager owns one file at a time. Besides message entries it records
// thinking-level and model switches, compactions, branch summaries,
// labels, and free-form custom entries, and can reconstruct the
// conversation state at any leaf from the parent chain.
package sessions
