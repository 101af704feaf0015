package codex

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanLineValue(t *testing.T) {
	assert.Equal(t, "codex-cli 0.42.0", cleanLineValue("\x1B[1mcodex-cli  0.42.0\x1B[0m  "))
	assert.Equal(t, "a b", cleanLineValue("  a\n\tb , "))
	assert.Equal(t, "", cleanLineValue("   "))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "plain", shellQuote("plain"))
	assert.Equal(t, "''", shellQuote(""))
	assert.Equal(t, "'/tmp/my dir'", shellQuote("/tmp/my dir"))
	assert.Equal(t, `'it'"'"'s'`, shellQuote("it's"))
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/usr/bin", "CODEX_HOME=/old", "TERM=xterm"}
	merged := mergeEnv(base, map[string]string{"CODEX_HOME": "/new", "HTTP_PROXY": "http://127.0.0.1:7890/"})

	assert.Contains(t, merged, "CODEX_HOME=/new")
	assert.Contains(t, merged, "HTTP_PROXY=http://127.0.0.1:7890/")
	assert.Contains(t, merged, "PATH=/usr/bin")
	assert.NotContains(t, merged, "CODEX_HOME=/old")

	same := mergeEnv(base, nil)
	assert.Equal(t, base, same)
}

func TestReadOAuthFingerprint(t *testing.T) {
	codexHome := t.TempDir()
	authPath := filepath.Join(codexHome, "auth.json")

	_, err := ReadOAuthFingerprint(codexHome)
	assert.ErrorContains(t, err, "credentials file not found")

	require.NoError(t, os.WriteFile(authPath, []byte(`{"tokens":{"account_id":"Acct-42"}}`), 0o600))
	fingerprint, err := ReadOAuthFingerprint(codexHome)
	require.NoError(t, err)
	assert.Len(t, fingerprint, 64)

	// fingerprint is case-insensitive on the account id
	require.NoError(t, os.WriteFile(authPath, []byte(`{"tokens":{"account_id":"acct-42"}}`), 0o600))
	lowered, err := ReadOAuthFingerprint(codexHome)
	require.NoError(t, err)
	assert.Equal(t, fingerprint, lowered)

	require.NoError(t, os.WriteFile(authPath, []byte(`{"tokens":{}}`), 0o600))
	_, err = ReadOAuthFingerprint(codexHome)
	assert.ErrorContains(t, err, "no OAuth account id")

	require.NoError(t, os.WriteFile(authPath, []byte("{"), 0o600))
	_, err = ReadOAuthFingerprint(codexHome)
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestResolveBinaryFindsAndCaches(t *testing.T) {
	binDir := t.TempDir()
	fake := filepath.Join(binDir, "fake-tool")
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\necho ok\n"), 0o755))
	t.Setenv("PATH", binDir)

	ops := NewOps()
	ctx := context.Background()

	resolved := ops.ResolveBinary(ctx, "fake-tool")
	assert.Equal(t, fake, resolved)

	// cached hit survives a PATH change while the file exists
	t.Setenv("PATH", "")
	assert.Equal(t, fake, ops.ResolveBinary(ctx, "fake-tool"))

	// stale cache entry is dropped when the binary disappears
	require.NoError(t, os.Remove(fake))
	assert.Equal(t, "", ops.ResolveBinary(ctx, "fake-tool"))

	status := ops.BinaryStatusFor(ctx, "fake-tool")
	assert.False(t, status.Available)
	assert.Empty(t, status.Path)
}

func TestRequireBinaryMissing(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	ops := NewOps()

	_, err := ops.RequireBinary(context.Background(), "definitely-not-installed")
	assert.ErrorContains(t, err, "command not found")
}

func TestBuildQuotaWindow(t *testing.T) {
	window, mins := buildQuotaWindow(map[string]any{
		"usedPercent":        42.4,
		"windowDurationMins": float64(300),
	}, "primary")
	require.NotNil(t, window)
	assert.Equal(t, 300, mins)
	assert.Equal(t, "42", window.PercentUsed)
	assert.Equal(t, "58%", window.Remaining)
	assert.Contains(t, window.Line, "primary used 42%")
	assert.Contains(t, window.Line, "window 300m")

	clamped, _ := buildQuotaWindow(map[string]any{"used_percent": 180.0}, "primary")
	require.NotNil(t, clamped)
	assert.Equal(t, "100", clamped.PercentUsed)
	assert.Equal(t, "0%", clamped.Remaining)

	missing, _ := buildQuotaWindow(map[string]any{"windowDurationMins": 300.0}, "primary")
	assert.Nil(t, missing)

	notAMap, _ := buildQuotaWindow("nope", "primary")
	assert.Nil(t, notAMap)
}

func TestMapRateLimitsSnapshotTwoWindows(t *testing.T) {
	fiveHour, weekly := mapRateLimitsSnapshot(map[string]any{
		"primary": map[string]any{
			"usedPercent":        10.0,
			"windowDurationMins": float64(7 * 24 * 60),
		},
		"secondary": map[string]any{
			"usedPercent":        55.0,
			"windowDurationMins": float64(300),
		},
	})

	require.NotNil(t, fiveHour)
	require.NotNil(t, weekly)
	// the shorter window becomes the five-hour bucket regardless of order
	assert.Equal(t, "55", fiveHour.PercentUsed)
	assert.Equal(t, "10", weekly.PercentUsed)
	assert.Contains(t, fiveHour.Line, "5h used 55%")
	assert.Contains(t, weekly.Line, "weekly used 10%")
}

func TestMapRateLimitsSnapshotSingleWindow(t *testing.T) {
	fiveHour, weekly := mapRateLimitsSnapshot(map[string]any{
		"primary": map[string]any{
			"usedPercent":        30.0,
			"windowDurationMins": float64(300),
		},
	})
	require.NotNil(t, fiveHour)
	assert.Nil(t, weekly)

	fiveHour, weekly = mapRateLimitsSnapshot(map[string]any{
		"primary": map[string]any{
			"usedPercent":        30.0,
			"windowDurationMins": float64(7 * 24 * 60),
		},
	})
	assert.Nil(t, fiveHour)
	require.NotNil(t, weekly)

	fiveHour, weekly = mapRateLimitsSnapshot(nil)
	assert.Nil(t, fiveHour)
	assert.Nil(t, weekly)
}

func TestQuotaHasSignal(t *testing.T) {
	assert.False(t, quotaHasSignal(nil, nil))
	assert.True(t, quotaHasSignal(&QuotaWindow{PercentUsed: "42"}))
	assert.False(t, quotaHasSignal(&QuotaWindow{Line: "noise"}))
	assert.True(t, quotaHasSignal(nil, &QuotaWindow{Remaining: "10%", Reset: "2026-08-26 10:00", Line: "weekly"}))
	assert.False(t, quotaHasSignal(&QuotaWindow{Remaining: "10%", Reset: "x", Line: strings.Repeat("a", 200)}))
}

func TestClassifyQuotaRPCError(t *testing.T) {
	network := classifyQuotaRPCError(&rpcError{Message: "Failed to fetch Codex rate limits: timeout"})
	assert.True(t, network.networkFailure)
	assert.ErrorContains(t, network.err, "check your network connection")

	loggedOut := classifyQuotaRPCError(&rpcError{Message: "user is not logged in"})
	assert.False(t, loggedOut.networkFailure)
	assert.ErrorContains(t, loggedOut.err, "log in again")

	unsupported := classifyQuotaRPCError(&rpcError{Code: -32601, Message: "Method not found"})
	assert.False(t, unsupported.networkFailure)
	assert.ErrorContains(t, unsupported.err, "upgrade Codex")

	unknown := classifyQuotaRPCError(&rpcError{Message: ""})
	assert.ErrorContains(t, unknown.err, "unknown error")
}

func TestParseAptPolicyVersions(t *testing.T) {
	output := `zsh:
  Installed: 5.9-6ubuntu2
  Candidate: 5.9-7
  Version table:
     5.9-7 500
        500 http://archive.ubuntu.com jammy/main amd64 Packages
 *** 5.9-6ubuntu2 100
        100 /var/lib/dpkg/status
`
	installed, candidate := parseAptPolicyVersions(output)
	assert.Equal(t, "5.9-6ubuntu2", installed)
	assert.Equal(t, "5.9-7", candidate)

	installed, candidate = parseAptPolicyVersions("zsh:\n  Installed: (none)\n  Candidate: 5.9-7\n")
	assert.True(t, isNoneVersion(installed))
	assert.Equal(t, "5.9-7", candidate)
}

func TestParseAptPolicyVersionsTableFallback(t *testing.T) {
	// No Installed/Candidate labels, only the version table.
	output := `zsh:
  Version table:
 *** 5.9-6ubuntu2 100
        100 /var/lib/dpkg/status
`
	installed, candidate := parseAptPolicyVersions(output)
	assert.Equal(t, "5.9-6ubuntu2", installed)
	assert.Equal(t, "5.9-6ubuntu2", candidate)
}

func TestParseAptMadisonLatest(t *testing.T) {
	output := ` zsh | 5.9-7 | http://archive.ubuntu.com jammy/main amd64 Packages
 zsh | 5.9-6ubuntu2 | http://archive.ubuntu.com jammy/main Sources
`
	assert.Equal(t, "5.9-7", parseAptMadisonLatest(output))
	assert.Equal(t, "", parseAptMadisonLatest("no pipes here"))
}

func TestExtractVersionToken(t *testing.T) {
	assert.Equal(t, "0.42.0", extractVersionToken("codex-cli version 0.42.0 (stable)"))
	assert.Equal(t, "5.9-6ubuntu2", extractVersionToken("5.9-6ubuntu2"))
	assert.Equal(t, "", extractVersionToken("no digits"))
}

func TestLookupComponent(t *testing.T) {
	key, spec, err := lookupComponent(" Codex ")
	require.NoError(t, err)
	assert.Equal(t, "codex", key)
	assert.Equal(t, "@openai/codex", spec.Package)
	assert.Equal(t, "npm", spec.Manager)

	_, _, err = lookupComponent("vim")
	assert.ErrorContains(t, err, "unsupported component")
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, -1, compareVersions("1.2.3", "1.2.4"))
	assert.Equal(t, 1, compareVersions("2.0", "1.9.9"))
	assert.Equal(t, 0, compareVersions("v1.2.0", "1.2"))
	assert.Equal(t, -1, compareVersions("", "0.1"))
}

func TestNormalizeVersionText(t *testing.T) {
	assert.Equal(t, "1.2.3", normalizeVersionText("v1.2.3"))
	assert.Equal(t, "0.42.0", normalizeVersionText("release 0.42.0\n"))
	assert.Equal(t, "", normalizeVersionText("  "))
}

func TestParseGitHubRepoSlug(t *testing.T) {
	assert.Equal(t, "Zenquiem/codex-accounts-switch", parseGitHubRepoSlug("git@github.com:Zenquiem/codex-accounts-switch.git"))
	assert.Equal(t, "owner/repo", parseGitHubRepoSlug("https://github.com/owner/repo"))
	assert.Equal(t, "owner/repo", parseGitHubRepoSlug("https://github.com/owner/repo/tree/main?tab=readme#usage"))
	assert.Equal(t, "", parseGitHubRepoSlug("https://gitlab.com/owner/repo"))
	assert.Equal(t, "", parseGitHubRepoSlug("https://github.com/owner"))
}

func TestResolveUpdateRepoSlugEnvOverride(t *testing.T) {
	t.Setenv("CAS_UPDATE_REPO", "someone/some-fork")
	ops := NewOps()
	assert.Equal(t, "someone/some-fork", ops.resolveUpdateRepoSlug(context.Background()))

	t.Setenv("CAS_UPDATE_REPO", "not a slug")
	t.Setenv("PATH", t.TempDir()) // no git available
	assert.Equal(t, defaultUpdateRepo, NewOps().resolveUpdateRepoSlug(context.Background()))
}

func TestQuotaRawText(t *testing.T) {
	raw := quotaRawText(
		&QuotaWindow{Line: "5h used 42% · reset 2026-08-26 10:00"},
		&QuotaWindow{Line: "weekly used 10%"},
		&QuotaWindow{Line: "weekly used 10%"}, // duplicate collapses
		nil,
	)
	assert.Equal(t, "5h used 42% · reset 2026-08-26 10:00\nweekly used 10%", raw)
}

func TestGuessLocalProxyEnvShape(t *testing.T) {
	env := GuessLocalProxyEnv()
	if len(env) == 0 {
		return // no local proxy on this host
	}
	assert.Equal(t, env["HTTP_PROXY"], env["HTTPS_PROXY"])
	assert.True(t, strings.HasPrefix(env["ALL_PROXY"], "socks://127.0.0.1:"))
	assert.Equal(t, "localhost,127.0.0.0/8,::1", env["NO_PROXY"])
	assert.Equal(t, env["HTTP_PROXY"], env["http_proxy"])
}
