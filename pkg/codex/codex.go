// Package codex shells out to the Codex CLI and the surrounding desktop
// tooling (gnome-terminal, zenity, xdg-open). All launches that outlive the
// request run detached in their own process group.
package codex

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	quotaCacheTTL      = 60 * time.Second
	commandTimeout     = 20 * time.Second
	quotaProbeTimeout  = 30 * time.Second
	loginStatusTimeout = 30 * time.Second
)

var ansiEscapeRE = regexp.MustCompile(`\x1B\[[0-9;]*[A-Za-z]`)

// Ops runs Codex CLI operations. Binary lookups and quota probes are cached
// per process, matching the lifetime of the local server.
type Ops struct {
	binMu    sync.Mutex
	binCache map[string]string

	quotaMu    sync.Mutex
	quotaCache map[string]quotaCacheEntry
}

type quotaCacheEntry struct {
	cachedAt time.Time
	payload  Quota
}

func NewOps() *Ops {
	return &Ops{
		binCache:   make(map[string]string),
		quotaCache: make(map[string]quotaCacheEntry),
	}
}

func stripANSI(value string) string {
	return ansiEscapeRE.ReplaceAllString(value, "")
}

var whitespaceRE = regexp.MustCompile(`\s+`)

func compactWhitespace(value string) string {
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(value, " "))
}

// cleanLineValue strips ANSI escapes, collapses whitespace, and trims list
// punctuation that CLI tools tend to leave on version lines.
func cleanLineValue(value string) string {
	cleaned := compactWhitespace(stripANSI(value))
	return strings.Trim(cleaned, " |,，;；")
}
