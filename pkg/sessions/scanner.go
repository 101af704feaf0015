package sessions

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Scanner reconciles the rollout files under one account's codex home.
type Scanner struct {
	codexHome string
}

// NewScanner creates a Scanner for the given codex home directory.
func NewScanner(codexHome string) *Scanner {
	return &Scanner{codexHome: codexHome}
}

// SessionsRoot returns the live sessions directory of the codex home.
func (sc *Scanner) SessionsRoot() string {
	return filepath.Join(sc.codexHome, "sessions")
}

// TrashRoot returns the trash directory soft-deleted sessions move to.
func (sc *Scanner) TrashRoot() string {
	return filepath.Join(sc.codexHome, "trash", "sessions")
}

// rolloutItem is one scanned rollout file together with its metadata.
type rolloutItem struct {
	path    string
	mtimeNS int64
	meta    *Meta

	// trash-only fields
	trashBatch string
	restoreRel string
	deletedAt  string
}

func isRolloutFile(name string) bool {
	return strings.HasPrefix(name, "rollout-") && strings.HasSuffix(name, ".jsonl")
}

// scanRolloutItems walks the sessions tree, newest files first, reusing
// cached metadata for files whose size and mtime are unchanged. The
// index is rewritten whenever the file set or any entry changed.
func (sc *Scanner) scanRolloutItems() []rolloutItem {
	root := sc.SessionsRoot()
	if _, err := os.Stat(root); err != nil {
		return nil
	}

	indexPath := filepath.Join(root, indexFileName)
	previous := loadIndex(indexPath)
	next := indexDocument{Version: 1, Files: map[string]indexEntry{}}
	changed := false

	type fileStat struct {
		path    string
		rel     string
		mtimeNS int64
		size    int64
	}
	var files []fileStat
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isRolloutFile(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		files = append(files, fileStat{
			path:    path,
			rel:     rel,
			mtimeNS: info.ModTime().UnixNano(),
			size:    info.Size(),
		})
		return nil
	})
	sort.Slice(files, func(i, j int) bool { return files[i].mtimeNS > files[j].mtimeNS })

	var items []rolloutItem
	for _, file := range files {
		var meta *Meta
		cached, ok := previous.Files[file.rel]
		if ok && cached.MtimeNS == file.mtimeNS && cached.Size == file.size {
			meta = cached.Meta
		} else {
			changed = true
			meta, _ = extractMeta(file.path)
		}

		next.Files[file.rel] = indexEntry{MtimeNS: file.mtimeNS, Size: file.size, Meta: meta}

		if meta != nil {
			runtimeMeta := *meta
			runtimeMeta.File = file.path
			items = append(items, rolloutItem{
				path:    file.path,
				mtimeNS: file.mtimeNS,
				meta:    &runtimeMeta,
			})
		}
	}

	if len(previous.Files) != len(next.Files) {
		changed = true
	} else {
		for rel := range next.Files {
			if _, ok := previous.Files[rel]; !ok {
				changed = true
				break
			}
		}
	}
	if changed {
		saveIndex(indexPath, next)
	}
	return items
}

// realpath resolves symlinks where possible so cwd comparisons survive
// paths recorded through different links.
func realpath(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
