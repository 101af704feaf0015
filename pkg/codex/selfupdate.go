package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"

	"github.com/zenquiem/codex-accounts-switch/pkg/logger"
)

const defaultUpdateRepo = "Zenquiem/codex-accounts-switch"

var (
	repoSlugRE     = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)
	versionDigitRE = regexp.MustCompile(`\d+`)
)

// SelfCheck is the update check result for the tool itself.
type SelfCheck struct {
	CurrentVersion string `json:"current_version"`
	LatestVersion  string `json:"latest_version"`
	Upgradable     bool   `json:"upgradable"`
	Repo           string `json:"repo"`
	Source         string `json:"source"`
	ReleaseURL     string `json:"release_url,omitempty"`
	CheckedAt      string `json:"checked_at"`
}

// SelfInstall reports how the self-update was started.
type SelfInstall struct {
	Mode       string `json:"mode"`
	Command    string `json:"command,omitempty"`
	ReleaseURL string `json:"release_url"`
	Message    string `json:"message"`
}

func parseGitHubRepoSlug(remoteURL string) string {
	raw := cleanLineValue(remoteURL)
	if raw == "" || !strings.Contains(raw, "github.com") {
		return ""
	}

	var path string
	switch {
	case strings.HasPrefix(raw, "git@github.com:"):
		path = strings.SplitN(raw, ":", 2)[1]
	case strings.Contains(raw, "github.com/"):
		path = strings.SplitN(raw, "github.com/", 2)[1]
	case strings.Contains(raw, "github.com:"):
		path = strings.SplitN(raw, "github.com:", 2)[1]
	default:
		return ""
	}

	normalized := strings.SplitN(path, "?", 2)[0]
	normalized = strings.SplitN(normalized, "#", 2)[0]
	normalized = strings.Trim(strings.TrimSpace(normalized), "/")
	normalized = strings.TrimSuffix(normalized, ".git")
	parts := []string{}
	for _, part := range strings.Split(normalized, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) < 2 {
		return ""
	}
	slug := parts[0] + "/" + parts[1]
	if !repoSlugRE.MatchString(slug) {
		return ""
	}
	return slug
}

// resolveUpdateRepoSlug decides which GitHub repository to check for new
// releases: CAS_UPDATE_REPO wins, then the git remote of the working
// directory, then the upstream default.
func (o *Ops) resolveUpdateRepoSlug(ctx context.Context) string {
	if envRepo := cleanLineValue(os.Getenv("CAS_UPDATE_REPO")); envRepo != "" && repoSlugRE.MatchString(envRepo) {
		return envRepo
	}

	if gitBin := o.ResolveBinary(ctx, "git"); gitBin != "" {
		cmdCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
		out, err := exec.CommandContext(cmdCtx, gitBin, "config", "--get", "remote.origin.url").Output()
		cancel()
		if err == nil {
			if parsed := parseGitHubRepoSlug(string(out)); parsed != "" {
				return parsed
			}
		}
	}

	return defaultUpdateRepo
}

func normalizeVersionText(raw string) string {
	cleaned := cleanLineValue(raw)
	if cleaned == "" {
		return ""
	}
	if len(cleaned) > 1 && (cleaned[0] == 'v' || cleaned[0] == 'V') && cleaned[1] >= '0' && cleaned[1] <= '9' {
		cleaned = cleaned[1:]
	}
	if token := extractVersionToken(cleaned); token != "" {
		return strings.TrimLeft(token, "vV")
	}
	return cleaned
}

func versionIntParts(raw string) []int {
	normalized := normalizeVersionText(raw)
	if normalized == "" {
		return nil
	}
	matches := versionDigitRE.FindAllString(normalized, 8)
	parts := make([]int, 0, len(matches))
	for _, match := range matches {
		value, err := strconv.Atoi(match)
		if err != nil {
			continue
		}
		parts = append(parts, value)
	}
	return parts
}

// compareVersions compares numeric version parts, padding the shorter side
// with zeros. Returns -1, 0, or 1.
func compareVersions(left, right string) int {
	leftParts := versionIntParts(left)
	rightParts := versionIntParts(right)
	maxLen := len(leftParts)
	if len(rightParts) > maxLen {
		maxLen = len(rightParts)
	}
	if maxLen == 0 {
		maxLen = 1
	}
	for i := 0; i < maxLen; i++ {
		l, r := 0, 0
		if i < len(leftParts) {
			l = leftParts[i]
		}
		if i < len(rightParts) {
			r = rightParts[i]
		}
		if l < r {
			return -1
		}
		if l > r {
			return 1
		}
	}
	return 0
}

var errGitHubNotFound = errors.New("github resource not found")

func fetchGitHubJSON(ctx context.Context, url string, target any) error {
	return retry.Do(
		func() error {
			reqCtx, cancel := context.WithTimeout(ctx, 12*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Accept", "application/vnd.github+json")
			req.Header.Set("User-Agent", "codex-accounts-switch")

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusNotFound {
				return retry.Unrecoverable(errGitHubNotFound)
			}
			if resp.StatusCode >= 400 {
				err := errors.Errorf("HTTP %d", resp.StatusCode)
				if resp.StatusCode >= 500 {
					return err
				}
				return retry.Unrecoverable(err)
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return err
			}
			if err := json.Unmarshal(body, target); err != nil {
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
}

// CheckSelfLatest compares the running version against the newest GitHub
// release, falling back to tags for repos that never cut a release.
func (o *Ops) CheckSelfLatest(ctx context.Context, currentVersion string) (*SelfCheck, error) {
	repoSlug := o.resolveUpdateRepoSlug(ctx)
	apiBase := "https://api.github.com/repos/" + repoSlug

	var latestTag, source, releaseURL string

	var release struct {
		TagName string `json:"tag_name"`
		HTMLURL string `json:"html_url"`
	}
	err := fetchGitHubJSON(ctx, apiBase+"/releases/latest", &release)
	switch {
	case err == nil:
		latestTag = cleanLineValue(release.TagName)
		releaseURL = cleanLineValue(release.HTMLURL)
		source = "github_release"
	case errors.Is(err, errGitHubNotFound):
		// no releases yet; try tags below
	default:
		return nil, errors.Wrap(err, "checking the latest tool version failed")
	}

	if latestTag == "" {
		var tags []struct {
			Name string `json:"name"`
		}
		if err := fetchGitHubJSON(ctx, apiBase+"/tags?per_page=1", &tags); err != nil {
			return nil, errors.Wrap(err, "checking the latest tool version failed")
		}
		if len(tags) > 0 {
			latestTag = cleanLineValue(tags[0].Name)
			source = "github_tags"
		}
	}

	latestVersion := normalizeVersionText(latestTag)
	if latestVersion == "" {
		return nil, errors.New("checking the latest tool version failed: no usable version number found")
	}
	currentNormalized := normalizeVersionText(currentVersion)
	if currentNormalized == "" {
		currentNormalized = strings.TrimSpace(currentVersion)
	}

	if source == "" {
		source = "unknown"
	}
	return &SelfCheck{
		CurrentVersion: currentNormalized,
		LatestVersion:  latestVersion,
		Upgradable:     compareVersions(currentNormalized, latestVersion) < 0,
		Repo:           repoSlug,
		Source:         source,
		ReleaseURL:     releaseURL,
		CheckedAt:      time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// LaunchSelfInstall starts a self-update. Inside a git checkout it opens a
// terminal running `git pull --ff-only` (plus the desktop entry installer
// when present); release installs just open the download page.
func (o *Ops) LaunchSelfInstall(ctx context.Context) (*SelfInstall, error) {
	repoSlug := o.resolveUpdateRepoSlug(ctx)
	releaseURL := fmt.Sprintf("https://github.com/%s/releases/latest", repoSlug)

	workDir, err := os.Getwd()
	if err != nil {
		workDir = "."
	}
	if _, statErr := os.Stat(filepath.Join(workDir, ".git")); statErr != nil {
		if err := o.OpenURL(ctx, releaseURL); err != nil {
			return nil, err
		}
		return &SelfInstall{
			Mode:       "release_page",
			ReleaseURL: releaseURL,
			Message:    "Running from a release build; opened the latest release download page.",
		}, nil
	}

	terminalBin, err := o.RequireBinary(ctx, "gnome-terminal")
	if err != nil {
		return nil, err
	}
	gitBin, err := o.RequireBinary(ctx, "git")
	if err != nil {
		return nil, err
	}

	commands := []string{
		"cd " + shellQuote(workDir),
		shellQuote(gitBin) + " pull --ff-only",
	}
	installScript := filepath.Join(workDir, "scripts", "install_desktop_entry.sh")
	if info, statErr := os.Stat(installScript); statErr == nil && info.Mode().IsRegular() {
		commands = append(commands, "bash "+shellQuote(installScript))
	}
	installCommand := strings.Join(commands, " && ")

	shellCommand := installCommand + "; status=$?; echo; " +
		"if [ $status -eq 0 ]; then echo 'Tool update finished. Restart the app to apply it. Press Enter to close this window.'; " +
		"else echo 'Tool update failed, review the output and retry. Press Enter to close this window.'; fi; " +
		"read -r _; exit $status"

	if err := o.spawnDetachedTerminal(ctx, terminalBin, shellCommand); err != nil {
		return nil, err
	}
	logger.G(ctx).WithField("repo", repoSlug).Info("opened self-update terminal")

	return &SelfInstall{
		Mode:       "git_pull",
		Command:    installCommand,
		ReleaseURL: releaseURL,
		Message:    "Opened the tool update terminal.",
	}, nil
}
