package sessions

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// ErrTrashedSessionNotFound indicates the trash holds no files for the
// session id within the project.
var ErrTrashedSessionNotFound = errors.New("session not found in trash")

// TrashedSession is one soft-deleted session as listed from the trash.
type TrashedSession struct {
	SessionID  string `json:"session_id"`
	Title      string `json:"title"`
	Timestamp  string `json:"timestamp,omitempty"`
	DeletedAt  string `json:"deleted_at,omitempty"`
	FilesCount int    `json:"files_count"`
}

// DeleteResult reports the outcome of a session delete.
type DeleteResult struct {
	RemovedFiles int    `json:"removed_files"`
	Mode         string `json:"mode"`
	TrashDir     string `json:"trash_dir,omitempty"`
}

// RestoreResult reports the outcome of a trash restore.
type RestoreResult struct {
	SessionID     string `json:"session_id"`
	RestoredFiles int    `json:"restored_files"`
}

// DeleteSession removes a session's rollout files. With soft=true the
// files move into a timestamped trash batch preserving their relative
// layout; otherwise they are unlinked. Files that vanished mid-flight
// are skipped.
func (sc *Scanner) DeleteSession(projectPath, sessionID string, soft bool) (*DeleteResult, error) {
	items, err := sc.findProjectSessionItems(projectPath, sessionID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.Wrapf(ErrSessionNotFound, "session %s", sessionID)
	}

	root := sc.SessionsRoot()
	mode := "hard"
	trashDir := ""
	if soft {
		mode = "soft"
		trashDir = filepath.Join(sc.TrashRoot(), trashBatchStamp(time.Now().UTC()))
	}

	removed := 0
	var merr *multierror.Error
	for _, item := range items {
		var opErr error
		if soft {
			rel, err := filepath.Rel(root, item.path)
			if err != nil || strings.HasPrefix(rel, "..") {
				rel = filepath.Base(item.path)
			}
			target := filepath.Join(trashDir, rel)
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				opErr = errors.Wrapf(err, "failed to prepare trash dir for %s", item.path)
			} else {
				opErr = os.Rename(item.path, target)
			}
		} else {
			opErr = os.Remove(item.path)
		}

		if opErr == nil {
			removed++
			continue
		}
		if os.IsNotExist(errors.Cause(opErr)) {
			continue
		}
		merr = multierror.Append(merr, errors.Wrapf(opErr, "failed to remove %s", item.path))
	}
	if err := merr.ErrorOrNil(); err != nil {
		return nil, err
	}

	// refresh the scan index so deleted files drop out immediately
	sc.scanRolloutItems()

	return &DeleteResult{
		RemovedFiles: removed,
		Mode:         mode,
		TrashDir:     trashDir,
	}, nil
}

// trashBatchStamp formats a UTC timestamp with microsecond precision so
// concurrent deletes land in distinct batch directories.
func trashBatchStamp(now time.Time) string {
	return fmt.Sprintf("%s%06dZ", now.Format("20060102T150405"), now.Nanosecond()/1000)
}

// scanTrashItems walks the trash tree. Trashed files are few and
// short-lived, so metadata is re-extracted on each call instead of
// going through the scan index.
func (sc *Scanner) scanTrashItems() []rolloutItem {
	root := sc.TrashRoot()
	if _, err := os.Stat(root); err != nil {
		return nil
	}

	var items []rolloutItem
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isRolloutFile(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		meta, err := extractMeta(path)
		if err != nil || meta == nil {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) < 2 {
			return nil
		}

		runtimeMeta := *meta
		runtimeMeta.File = path
		items = append(items, rolloutItem{
			path:       path,
			mtimeNS:    info.ModTime().UnixNano(),
			meta:       &runtimeMeta,
			trashBatch: parts[0],
			restoreRel: strings.Join(parts[1:], "/"),
			deletedAt:  info.ModTime().UTC().Format(time.RFC3339),
		})
		return nil
	})
	sort.Slice(items, func(i, j int) bool { return items[i].mtimeNS > items[j].mtimeNS })
	return items
}

func (sc *Scanner) findTrashedItems(projectPath, sessionID string) ([]rolloutItem, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id must not be empty")
	}

	targetPath := realpath(projectPath)
	var matched []rolloutItem
	for _, item := range sc.scanTrashItems() {
		if item.meta.SessionID != sessionID {
			continue
		}
		if item.meta.CWD == "" || realpath(item.meta.CWD) != targetPath {
			continue
		}
		matched = append(matched, item)
	}
	return matched, nil
}

// ListTrashedSessions groups the trashed rollout files of a project by
// session id, newest deletion first.
func (sc *Scanner) ListTrashedSessions(projectPath string, opts ListOptions) []TrashedSession {
	limit := opts.Limit
	if limit < 1 {
		limit = 30
	}
	query := strings.ToLower(strings.TrimSpace(opts.Query))
	targetPath := realpath(projectPath)

	byID := map[string]*TrashedSession{}
	for _, item := range sc.scanTrashItems() {
		meta := item.meta
		if meta.SessionID == "" || meta.CWD == "" {
			continue
		}
		if realpath(meta.CWD) != targetPath {
			continue
		}

		existing, ok := byID[meta.SessionID]
		if !ok {
			title := meta.Title
			if title == "" {
				title = meta.SessionID
			}
			byID[meta.SessionID] = &TrashedSession{
				SessionID:  meta.SessionID,
				Title:      title,
				Timestamp:  meta.Timestamp,
				DeletedAt:  item.deletedAt,
				FilesCount: 1,
			}
			continue
		}

		existing.FilesCount++
		if parseTimestamp(item.deletedAt).After(parseTimestamp(existing.DeletedAt)) {
			existing.DeletedAt = item.deletedAt
		}
		if existing.Title == existing.SessionID && meta.Title != "" {
			existing.Title = meta.Title
		}
	}

	var results []TrashedSession
	for _, session := range byID {
		if query != "" &&
			!strings.Contains(strings.ToLower(session.SessionID), query) &&
			!strings.Contains(strings.ToLower(session.Title), query) {
			continue
		}
		results = append(results, *session)
	}
	sort.Slice(results, func(i, j int) bool {
		return parseTimestamp(results[i].DeletedAt).After(parseTimestamp(results[j].DeletedAt))
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// RestoreSession moves a trashed session's files back into the sessions
// tree, suffixing the filename when the original location is occupied.
func (sc *Scanner) RestoreSession(projectPath, sessionID string) (*RestoreResult, error) {
	items, err := sc.findTrashedItems(projectPath, sessionID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.Wrapf(ErrTrashedSessionNotFound, "session %s", sessionID)
	}

	root := sc.SessionsRoot()
	restored := 0
	var merr *multierror.Error
	for _, item := range items {
		target := uniqueRestoreTarget(filepath.Join(root, sanitizeRestoreRel(item.restoreRel)))
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "failed to prepare restore dir for %s", item.path))
			continue
		}
		if err := os.Rename(item.path, target); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			merr = multierror.Append(merr, errors.Wrapf(err, "failed to restore %s", item.path))
			continue
		}
		restored++
	}
	if err := merr.ErrorOrNil(); err != nil {
		return nil, err
	}

	sc.scanRolloutItems()

	return &RestoreResult{
		SessionID:     strings.TrimSpace(sessionID),
		RestoredFiles: restored,
	}, nil
}

// sanitizeRestoreRel strips traversal components from a trash-relative
// path so restores can never escape the sessions root.
func sanitizeRestoreRel(raw string) string {
	raw = strings.TrimLeft(strings.ReplaceAll(raw, "\\", "/"), "/")
	var safe []string
	for _, part := range strings.Split(raw, "/") {
		if part == "" || part == "." || part == ".." {
			continue
		}
		safe = append(safe, part)
	}
	if len(safe) == 0 {
		return "unknown-rollout.jsonl"
	}
	return filepath.Join(safe...)
}

func uniqueRestoreTarget(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for suffix := 1; ; suffix++ {
		candidate := fmt.Sprintf("%s.restored-%d%s", stem, suffix, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
