package sessions

import (
	"encoding/json"
	"os"
)

const indexFileName = ".session_index.v1.json"

// indexEntry caches the extracted metadata of a rollout file keyed by
// its size and mtime, so unchanged files are not re-parsed on each scan.
type indexEntry struct {
	MtimeNS int64 `json:"mtime_ns"`
	Size    int64 `json:"size"`
	Meta    *Meta `json:"meta"`
}

type indexDocument struct {
	Version int                   `json:"version"`
	Files   map[string]indexEntry `json:"files"`
}

// loadIndex returns the cached scan index, or an empty one when the
// file is missing or unreadable. The index is a pure cache; losing it
// only costs a re-parse.
func loadIndex(path string) indexDocument {
	doc := indexDocument{Version: 1, Files: map[string]indexEntry{}}

	data, err := os.ReadFile(path)
	if err != nil {
		return doc
	}
	var parsed indexDocument
	if err := json.Unmarshal(data, &parsed); err != nil || parsed.Files == nil {
		return doc
	}
	parsed.Version = 1
	return parsed
}

// saveIndex persists the scan index atomically, best effort.
func saveIndex(path string, doc indexDocument) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
	}
}
