// Package sessions reconciles Codex CLI rollout files into logical
// sessions. A session may span several rollout files; listing collapses
// them into a single entry keyed by session id. Soft deletion moves a
// session's files into a trash directory and restore reverses the move.
package sessions

import (
	"bufio"
	"encoding/json"
	"os"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

const (
	// metaScanLineLimit caps how deep into a rollout file the metadata
	// extractor reads before giving up on title/preview collection.
	metaScanLineLimit = 1500

	maxTitleRunes   = 72
	maxPreviewRunes = 180
	maxPreviewCount = 8
)

// Message is a single preview message of a session.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Meta is the per-file session metadata extracted from a rollout file.
type Meta struct {
	SessionID       string    `json:"session_id"`
	Timestamp       string    `json:"timestamp,omitempty"`
	CWD             string    `json:"cwd,omitempty"`
	ModelProvider   string    `json:"model_provider,omitempty"`
	File            string    `json:"file,omitempty"`
	Title           string    `json:"title,omitempty"`
	PreviewMessages []Message `json:"preview_messages,omitempty"`
}

type rolloutLine struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type sessionMetaPayload struct {
	ID            string `json:"id"`
	Timestamp     string `json:"timestamp"`
	CWD           string `json:"cwd"`
	ModelProvider string `json:"model_provider"`
}

type responseItemPayload struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

var whitespaceRE = regexp.MustCompile(`\s+`)

// extractMeta reads a rollout file and returns its session metadata, or
// nil when the file carries no session_meta line. Malformed lines are
// skipped; the scan stops once the metadata, a title and a full preview
// have been collected or the line limit is reached.
func extractMeta(path string) (*Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open rollout file %s", path)
	}
	defer f.Close()

	var meta *Meta
	var title string
	var preview []Message

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for lineNo := 0; scanner.Scan() && lineNo < metaScanLineLimit; lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var item rolloutLine
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			continue
		}

		switch item.Type {
		case "session_meta":
			if meta != nil {
				continue
			}
			var payload sessionMetaPayload
			if err := json.Unmarshal(item.Payload, &payload); err != nil {
				continue
			}
			meta = &Meta{
				SessionID:     payload.ID,
				Timestamp:     payload.Timestamp,
				CWD:           payload.CWD,
				ModelProvider: payload.ModelProvider,
				File:          path,
			}

		case "response_item":
			var payload responseItemPayload
			if err := json.Unmarshal(item.Payload, &payload); err != nil {
				continue
			}
			if payload.Type != "message" {
				continue
			}
			if payload.Role != "user" && payload.Role != "assistant" {
				continue
			}

			rawText := extractText(payload.Content)
			if rawText == "" {
				continue
			}

			ignoreForTitle := payload.Role == "user" && shouldIgnoreTitleSource(rawText)
			if payload.Role == "user" && title == "" && !ignoreForTitle {
				title = buildTitle(rawText)
			}

			if !(payload.Role == "user" && ignoreForTitle) && len(preview) < maxPreviewCount {
				if text := truncatePreview(rawText); text != "" {
					preview = append(preview, Message{Role: payload.Role, Text: text})
				}
			}
		}

		if meta != nil && title != "" && len(preview) >= maxPreviewCount {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read rollout file %s", path)
	}

	if meta == nil {
		return nil, nil
	}
	meta.Title = title
	meta.PreviewMessages = preview
	return meta, nil
}

// extractText joins the textual parts of a message content list.
func extractText(content []contentPart) string {
	var parts []string
	for _, item := range content {
		switch item.Type {
		case "input_text", "text", "output_text":
			if text := strings.TrimSpace(item.Text); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// buildTitle derives a display title from the first user message: the
// first sentence, collapsed whitespace, capped at maxTitleRunes.
func buildTitle(rawText string) string {
	collapsed := strings.TrimSpace(whitespaceRE.ReplaceAllString(rawText, " "))
	if collapsed == "" {
		return ""
	}

	title := collapsed
	for _, marker := range []string{"。", "！", "？", "!", "?"} {
		if idx := strings.Index(collapsed, marker); idx != -1 {
			title = strings.TrimSpace(collapsed[:idx+len(marker)])
			break
		}
	}

	runes := []rune(title)
	if len(runes) > maxTitleRunes {
		title = strings.TrimRight(string(runes[:maxTitleRunes]), " ") + "..."
	}
	return title
}

// shouldIgnoreTitleSource reports whether a user message is tool or
// harness preamble rather than actual user input.
func shouldIgnoreTitleSource(rawText string) bool {
	for _, line := range strings.Split(rawText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		first := strings.ToLower(line)
		for _, prefix := range []string{
			"# agents.md instructions for",
			"<environment_context>",
			"<permissions instructions>",
			"<collaboration_mode>",
		} {
			if strings.HasPrefix(first, prefix) {
				return true
			}
		}
		return false
	}
	return true
}

func truncatePreview(rawText string) string {
	collapsed := strings.TrimSpace(whitespaceRE.ReplaceAllString(rawText, " "))
	runes := []rune(collapsed)
	if len(runes) <= maxPreviewRunes {
		return collapsed
	}
	return strings.TrimRight(string(runes[:maxPreviewRunes]), " ") + "..."
}
