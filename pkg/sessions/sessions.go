package sessions

import (
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrSessionNotFound indicates no rollout files matched the session id
// within the project.
var ErrSessionNotFound = errors.New("session not found")

// Session is one logical conversation, possibly spanning several
// rollout files.
type Session struct {
	SessionID     string `json:"session_id"`
	Title         string `json:"title"`
	Timestamp     string `json:"timestamp,omitempty"`
	CWD           string `json:"cwd,omitempty"`
	ModelProvider string `json:"model_provider,omitempty"`
}

// ListOptions filter and bound a session listing.
type ListOptions struct {
	Limit    int
	Query    string
	DateFrom string // YYYY-MM-DD, inclusive
	DateTo   string // YYYY-MM-DD, inclusive
}

// Preview is the message preview of a session.
type Preview struct {
	SessionID  string    `json:"session_id"`
	Title      string    `json:"title"`
	Timestamp  string    `json:"timestamp,omitempty"`
	FilesCount int       `json:"files_count"`
	Messages   []Message `json:"messages"`
}

// DeletionPlan reports what a session delete would remove.
type DeletionPlan struct {
	SessionID  string   `json:"session_id"`
	Title      string   `json:"title"`
	FilesCount int      `json:"files_count"`
	Files      []string `json:"files"`
}

func parseTimestamp(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// civilDate reduces a timestamp to its calendar date in its own offset,
// so a late-evening session with a non-UTC zone stays on the day the
// user saw it happen.
func civilDate(ts time.Time) time.Time {
	return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
}

func parseDate(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// ListProjectSessions returns the deduplicated, newest-first sessions of
// a project. Files sharing a session id collapse into one entry; the
// entry keeps the newest file's metadata with the title backfilled from
// older files when the newest one has none.
func (sc *Scanner) ListProjectSessions(projectPath string, opts ListOptions) []Session {
	limit := opts.Limit
	if limit < 1 {
		limit = 30
	}

	query := strings.ToLower(strings.TrimSpace(opts.Query))
	fromDate, hasFrom := parseDate(opts.DateFrom)
	toDate, hasTo := parseDate(opts.DateTo)
	if hasFrom && hasTo && fromDate.After(toDate) {
		fromDate, toDate = toDate, fromDate
	}
	needFullScan := query != "" || hasFrom || hasTo

	targetPath := realpath(projectPath)
	byID := map[string]*Meta{}

	for _, item := range sc.scanRolloutItems() {
		meta := item.meta
		if meta.SessionID == "" || meta.CWD == "" {
			continue
		}
		if realpath(meta.CWD) != targetPath {
			continue
		}

		existing, ok := byID[meta.SessionID]
		if !ok {
			copied := *meta
			byID[meta.SessionID] = &copied
		} else {
			currentTS := parseTimestamp(meta.Timestamp)
			existingTS := parseTimestamp(existing.Timestamp)
			if !currentTS.Before(existingTS) {
				copied := *meta
				if copied.Title == "" {
					copied.Title = existing.Title
				}
				byID[meta.SessionID] = &copied
			} else if existing.Title == "" {
				existing.Title = meta.Title
			}
		}

		if !needFullScan && len(byID) >= limit {
			break
		}
	}

	var results []Session
	for _, meta := range byID {
		if query != "" &&
			!strings.Contains(strings.ToLower(meta.SessionID), query) &&
			!strings.Contains(strings.ToLower(meta.Title), query) {
			continue
		}
		if hasFrom || hasTo {
			ts := parseTimestamp(meta.Timestamp)
			if ts.IsZero() {
				continue
			}
			day := civilDate(ts)
			if hasFrom && day.Before(fromDate) {
				continue
			}
			if hasTo && day.After(toDate) {
				continue
			}
		}

		title := meta.Title
		if title == "" {
			title = meta.SessionID
		}
		results = append(results, Session{
			SessionID:     meta.SessionID,
			Title:         title,
			Timestamp:     meta.Timestamp,
			CWD:           meta.CWD,
			ModelProvider: meta.ModelProvider,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return parseTimestamp(results[i].Timestamp).After(parseTimestamp(results[j].Timestamp))
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// findProjectSessionItems returns the rollout files of one session in a
// project, newest first.
func (sc *Scanner) findProjectSessionItems(projectPath, sessionID string) ([]rolloutItem, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id must not be empty")
	}

	targetPath := realpath(projectPath)
	var matched []rolloutItem
	for _, item := range sc.scanRolloutItems() {
		if item.meta.SessionID != sessionID {
			continue
		}
		if item.meta.CWD == "" || realpath(item.meta.CWD) != targetPath {
			continue
		}
		matched = append(matched, item)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].mtimeNS > matched[j].mtimeNS })
	return matched, nil
}

// SessionPreview returns the cached preview messages of a session,
// taken from its newest rollout file.
func (sc *Scanner) SessionPreview(projectPath, sessionID string, maxMessages int) (*Preview, error) {
	items, err := sc.findProjectSessionItems(projectPath, sessionID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.Wrapf(ErrSessionNotFound, "session %s", sessionID)
	}
	if maxMessages < 1 {
		maxMessages = maxPreviewCount
	}

	meta := items[0].meta
	messages := make([]Message, 0, maxMessages)
	for _, message := range meta.PreviewMessages {
		role := strings.TrimSpace(message.Role)
		text := strings.TrimSpace(message.Text)
		if (role != "user" && role != "assistant") || text == "" {
			continue
		}
		messages = append(messages, Message{Role: role, Text: text})
		if len(messages) >= maxMessages {
			break
		}
	}

	title := meta.Title
	if title == "" {
		title = sessionID
	}
	return &Preview{
		SessionID:  strings.TrimSpace(sessionID),
		Title:      title,
		Timestamp:  meta.Timestamp,
		FilesCount: len(items),
		Messages:   messages,
	}, nil
}

// PlanDeletion reports the files a session delete would touch without
// modifying anything.
func (sc *Scanner) PlanDeletion(projectPath, sessionID string) (*DeletionPlan, error) {
	items, err := sc.findProjectSessionItems(projectPath, sessionID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.Wrapf(ErrSessionNotFound, "session %s", sessionID)
	}

	root := sc.SessionsRoot()
	files := make([]string, 0, len(items))
	for _, item := range items {
		if rel, err := filepath.Rel(root, item.path); err == nil && !strings.HasPrefix(rel, "..") {
			files = append(files, rel)
		} else {
			files = append(files, item.path)
		}
	}

	title := items[0].meta.Title
	if title == "" {
		title = strings.TrimSpace(sessionID)
	}
	return &DeletionPlan{
		SessionID:  strings.TrimSpace(sessionID),
		Title:      title,
		FilesCount: len(files),
		Files:      files,
	}, nil
}
