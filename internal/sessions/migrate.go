package sessions

// CurrentVersion is the session file format version this package writes.
//
// Version history:
//
//	1: entries had no ids; compactions referenced entries by index.
//	2: entries carry {id, parentId}; compactions reference ids.
//	3: the message role "hookMessage" was renamed to "custom".
const CurrentVersion = 3

// migrateDocs upgrades raw session documents in place and reports whether
// anything changed. Documents are the parsed lines of a session file,
// header included, in file order.
func migrateDocs(docs []map[string]any) bool {
	version := 1
	for _, doc := range docs {
		if doc["type"] == headerType {
			if v, ok := doc["version"].(float64); ok {
				version = int(v)
			}
			break
		}
	}
	if version >= CurrentVersion {
		return false
	}

	if version < 2 {
		// Assign ids and chain parents in file order. Pre-id files were
		// strictly linear, so the flat chain preserves their shape.
		taken := make(map[string]bool)
		var previousID any
		for _, doc := range docs {
			if doc["type"] == headerType {
				doc["version"] = 2
				continue
			}
			id := generateID(func(id string) bool { return taken[id] })
			taken[id] = true
			doc["id"] = id
			doc["parentId"] = previousID
			previousID = id
			if doc["type"] == string(EntryCompaction) {
				if index, ok := doc["firstKeptEntryIndex"]; ok {
					if f, isNum := index.(float64); isNum {
						i := int(f)
						if i >= 0 && i < len(docs) && docs[i]["type"] != headerType {
							doc["firstKeptEntryId"] = docs[i]["id"]
						}
					}
					delete(doc, "firstKeptEntryIndex")
				}
			}
		}
		version = 2
	}

	if version < 3 {
		for _, doc := range docs {
			if doc["type"] == headerType {
				doc["version"] = 3
			}
			if doc["type"] == string(EntryMessage) {
				if message, ok := doc["message"].(map[string]any); ok && message["role"] == "hookMessage" {
					message["role"] = "custom"
				}
			}
		}
	}

	return true
}
