package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/zenquiem/codex-accounts-switch/pkg/logger"
	"github.com/zenquiem/codex-accounts-switch/pkg/osutil"
)

// QuotaWindow is one rate limit window as shown to the user.
type QuotaWindow struct {
	Line        string  `json:"line"`
	Used        *string `json:"used"`
	Limit       *string `json:"limit"`
	PercentUsed string  `json:"percent_used"`
	Remaining   string  `json:"remaining"`
	Reset       string  `json:"reset,omitempty"`
}

// Quota is the usage snapshot for one account.
type Quota struct {
	Source    string       `json:"source"`
	FetchedAt string       `json:"fetched_at"`
	FiveHour  *QuotaWindow `json:"five_hour"`
	Weekly    *QuotaWindow `json:"weekly"`
	RawText   string       `json:"raw_text"`
	Cached    bool         `json:"cached"`
}

type quotaProbeResult struct {
	fiveHour *QuotaWindow
	weekly   *QuotaWindow
	err      error
	// networkFailure marks errors worth retrying through a local proxy.
	networkFailure bool
}

// FetchQuota reads the account's rate limits through `codex app-server`.
// Results are cached for a minute per resolved home; forceRefresh bypasses
// the cache. When the upstream request looks like a network failure and a
// local proxy is listening, the probe is retried once through it.
func (o *Ops) FetchQuota(ctx context.Context, codexHome string, forceRefresh bool) (*Quota, error) {
	codexBin, err := o.RequireBinary(ctx, "codex")
	if err != nil {
		return nil, err
	}

	resolvedHome := resolveQuotaCacheKey(codexHome)
	if !forceRefresh {
		o.quotaMu.Lock()
		entry, ok := o.quotaCache[resolvedHome]
		o.quotaMu.Unlock()
		if ok && time.Since(entry.cachedAt) <= quotaCacheTTL {
			payload := entry.payload
			payload.Cached = true
			return &payload, nil
		}
	}

	probe := o.runQuotaProbe(ctx, resolvedHome, codexBin, nil)
	if quotaHasSignal(probe.fiveHour, probe.weekly) {
		return o.storeQuota(resolvedHome, "app_server_rate_limits", probe), nil
	}

	if probe.networkFailure {
		if proxyEnv := GuessLocalProxyEnv(); len(proxyEnv) > 0 {
			logger.G(ctx).WithField("codex_home", resolvedHome).Info("retrying quota probe through local proxy")
			retryProbe := o.runQuotaProbe(ctx, resolvedHome, codexBin, proxyEnv)
			if quotaHasSignal(retryProbe.fiveHour, retryProbe.weekly) {
				return o.storeQuota(resolvedHome, "app_server_rate_limits_local_proxy", retryProbe), nil
			}
			if retryProbe.err != nil {
				probe = retryProbe
			}
		}
	}

	if probe.err != nil {
		return nil, probe.err
	}
	return nil, errors.New("cannot fetch quota: no usable rate limit data in the app-server response")
}

func (o *Ops) storeQuota(cacheKey, source string, probe quotaProbeResult) *Quota {
	payload := Quota{
		Source:    source,
		FetchedAt: time.Now().UTC().Format(time.RFC3339),
		FiveHour:  probe.fiveHour,
		Weekly:    probe.weekly,
		RawText:   quotaRawText(probe.fiveHour, probe.weekly),
		Cached:    false,
	}
	o.quotaMu.Lock()
	o.quotaCache[cacheKey] = quotaCacheEntry{cachedAt: time.Now(), payload: payload}
	o.quotaMu.Unlock()
	return &payload
}

func resolveQuotaCacheKey(codexHome string) string {
	expanded := expandHome(codexHome)
	if resolved, err := filepath.EvalSymlinks(expanded); err == nil {
		return resolved
	}
	if abs, err := filepath.Abs(expanded); err == nil {
		return abs
	}
	return expanded
}

func quotaHasSignal(windows ...*QuotaWindow) bool {
	for _, window := range windows {
		if window == nil {
			continue
		}
		if strings.TrimSpace(window.PercentUsed) != "" {
			return true
		}
		if window.Used != nil && window.Limit != nil {
			return true
		}
		if len(window.Line) <= 180 && window.Remaining != "" && window.Reset != "" {
			return true
		}
	}
	return false
}

func quotaRawText(windows ...*QuotaWindow) string {
	var lines []string
	for _, window := range windows {
		if window == nil {
			continue
		}
		line := cleanLineValue(window.Line)
		if line == "" || contains(lines, line) {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

const (
	rpcInitID  = "cas-init"
	rpcQuotaID = "cas-quota"
)

// runQuotaProbe starts `codex app-server`, speaks line-delimited JSON-RPC on
// its stdio, and waits for the rate limits response.
func (o *Ops) runQuotaProbe(ctx context.Context, codexHome, codexBin string, overrideEnv map[string]string) quotaProbeResult {
	probeCtx, cancel := context.WithTimeout(ctx, quotaProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, codexBin, "app-server")
	cmd.Env = mergeEnv(BuildEnv(codexHome), overrideEnv)
	osutil.SetProcessGroup(cmd)
	osutil.SetProcessGroupKill(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return quotaProbeResult{err: errors.Wrap(err, "cannot fetch quota: failed to open app-server stdin")}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return quotaProbeResult{err: errors.Wrap(err, "cannot fetch quota: failed to open app-server stdout")}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return quotaProbeResult{err: errors.Wrap(err, "cannot fetch quota: failed to open app-server stderr")}
	}

	if err := cmd.Start(); err != nil {
		return quotaProbeResult{err: errors.Wrapf(err, "cannot fetch quota: failed to start Codex app-server")}
	}
	defer func() {
		cancel()
		_ = cmd.Wait()
	}()

	stderrFirst := make(chan string, 1)
	go collectStderrFirstLine(stderr, stderrFirst)

	requests := []rpcRequest{
		{
			JSONRPC: "2.0",
			ID:      rpcInitID,
			Method:  "initialize",
			Params: map[string]any{
				"clientInfo":   map[string]any{"name": "cas-quota", "version": "1.0.0"},
				"capabilities": map[string]any{},
			},
		},
		{
			JSONRPC: "2.0",
			ID:      rpcQuotaID,
			Method:  "account/rateLimits/read",
			Params:  nil,
		},
	}
	for _, request := range requests {
		line, err := json.Marshal(request)
		if err != nil {
			return quotaProbeResult{err: errors.Wrap(err, "cannot fetch quota: failed to encode request")}
		}
		if _, err := stdin.Write(append(line, '\n')); err != nil {
			return quotaProbeResult{err: errors.Wrap(err, "cannot fetch quota: app-server communication failed")}
		}
	}

	quotaResponse := readQuotaResponse(stdout)
	if quotaResponse == nil {
		detail := ""
		select {
		case detail = <-stderrFirst:
		case <-time.After(200 * time.Millisecond):
		}
		message := "cannot fetch quota: app-server returned no rate limit result"
		if detail != "" {
			message += ": " + detail
		}
		return quotaProbeResult{err: errors.New(message)}
	}

	if quotaResponse.Error != nil {
		return classifyQuotaRPCError(quotaResponse.Error)
	}

	var result map[string]any
	if err := json.Unmarshal(quotaResponse.Result, &result); err != nil {
		return quotaProbeResult{err: errors.New("cannot fetch quota: app-server returned a malformed result")}
	}
	snapshot, _ := pickKey(result, "rateLimits", "rate_limits").(map[string]any)
	fiveHour, weekly := mapRateLimitsSnapshot(snapshot)
	return quotaProbeResult{fiveHour: fiveHour, weekly: weekly}
}

func collectStderrFirstLine(stderr io.Reader, out chan<- string) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	first := ""
	for scanner.Scan() {
		cleaned := cleanLineValue(scanner.Text())
		if cleaned == "" || strings.HasPrefix(cleaned, "WARNING:") {
			continue
		}
		if first == "" {
			first = cleaned
		}
	}
	out <- first
}

func readQuotaResponse(stdout io.Reader) *rpcResponse {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var response rpcResponse
		if err := json.Unmarshal([]byte(text), &response); err != nil {
			continue
		}
		if id, ok := response.ID.(string); ok && id == rpcQuotaID {
			return &response
		}
	}
	return nil
}

func classifyQuotaRPCError(rpcErr *rpcError) quotaProbeResult {
	message := cleanLineValue(rpcErr.Message)
	if message == "" {
		message = "app-server returned an unknown error"
	}
	lowered := strings.ToLower(message)
	networkFailure := false
	switch {
	case strings.Contains(lowered, "failed to fetch codex rate limits"):
		message = "the rate limit request failed, check your network connection and retry"
		networkFailure = true
	case strings.Contains(lowered, "not logged in") || strings.Contains(lowered, "login required"):
		message = "this account is not logged in or its login expired, log in again and retry"
	}
	if rpcErr.Code == -32601 ||
		strings.Contains(lowered, "method not found") ||
		(strings.Contains(lowered, "ratelimits/read") && strings.Contains(lowered, "not found")) {
		message = "the installed Codex version does not support rate limit queries, upgrade Codex and retry"
		networkFailure = false
	}
	return quotaProbeResult{
		err:            errors.Errorf("cannot fetch quota: %s", message),
		networkFailure: networkFailure,
	}
}

func pickKey(m map[string]any, keys ...string) any {
	for _, key := range keys {
		if value, ok := m[key]; ok && value != nil {
			return value
		}
	}
	return nil
}

func coerceFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	case int:
		return float64(v), true
	}
	return 0, false
}

func coercePositiveInt(value any) (int, bool) {
	f, ok := coerceFloat(value)
	if !ok {
		return 0, false
	}
	parsed := int(f)
	if parsed <= 0 {
		return 0, false
	}
	return parsed, true
}

func formatResetTimestamp(value any) string {
	epoch, ok := coercePositiveInt(value)
	if !ok {
		return ""
	}
	return time.Unix(int64(epoch), 0).Local().Format("2006-01-02 15:04")
}

// buildQuotaWindow converts one raw rate limit window into a display entry.
// The second return value is the window duration in minutes when known.
func buildQuotaWindow(raw any, label string) (*QuotaWindow, int) {
	rawMap, ok := raw.(map[string]any)
	if !ok {
		return nil, 0
	}
	rawPercent := pickKey(rawMap, "usedPercent", "used_percent")
	if rawPercent == nil {
		return nil, 0
	}
	percentFloat, ok := coerceFloat(rawPercent)
	if !ok {
		return nil, 0
	}
	percent := int(math.Round(percentFloat))
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	windowMins, _ := coercePositiveInt(pickKey(rawMap, "windowDurationMins", "window_minutes"))
	resetAt := formatResetTimestamp(pickKey(rawMap, "resetsAt", "resets_at"))

	details := []string{fmt.Sprintf("%s used %d%%", label, percent)}
	if resetAt != "" {
		details = append(details, "reset "+resetAt)
	}
	if windowMins > 0 {
		details = append(details, fmt.Sprintf("window %dm", windowMins))
	}

	return &QuotaWindow{
		Line:        strings.Join(details, " · "),
		PercentUsed: strconv.Itoa(percent),
		Remaining:   fmt.Sprintf("%d%%", 100-percent),
		Reset:       resetAt,
	}, windowMins
}

// mapRateLimitsSnapshot assigns the app-server's primary/secondary windows to
// the five-hour and weekly buckets. With two windows the shorter duration is
// the five-hour one; a lone window counts as weekly when it spans three days
// or more.
func mapRateLimitsSnapshot(snapshot map[string]any) (*QuotaWindow, *QuotaWindow) {
	if snapshot == nil {
		return nil, nil
	}

	type candidate struct {
		window *QuotaWindow
		mins   int
	}
	var candidates []candidate
	if window, mins := buildQuotaWindow(snapshot["primary"], "primary"); window != nil {
		candidates = append(candidates, candidate{window, mins})
	}
	if window, mins := buildQuotaWindow(snapshot["secondary"], "secondary"); window != nil {
		candidates = append(candidates, candidate{window, mins})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var fiveHour, weekly *QuotaWindow
	if len(candidates) >= 2 {
		withMins := make([]candidate, 0, len(candidates))
		for _, c := range candidates {
			if c.mins > 0 {
				withMins = append(withMins, c)
			}
		}
		if len(withMins) >= 2 {
			sort.Slice(withMins, func(i, j int) bool { return withMins[i].mins < withMins[j].mins })
			fiveHour = withMins[0].window
			weekly = withMins[len(withMins)-1].window
		} else {
			fiveHour = candidates[0].window
			weekly = candidates[1].window
		}
	} else {
		only := candidates[0]
		if only.mins >= 24*60*3 {
			weekly = only.window
		} else {
			fiveHour = only.window
		}
	}

	if fiveHour != nil {
		fiveHour.Line = cleanLineValue(strings.NewReplacer("primary", "5h", "secondary", "5h").Replace(fiveHour.Line))
	}
	if weekly != nil {
		weekly.Line = cleanLineValue(strings.NewReplacer("primary", "weekly", "secondary", "weekly").Replace(weekly.Line))
	}
	return fiveHour, weekly
}
