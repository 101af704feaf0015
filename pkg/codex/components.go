package codex

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/zenquiem/codex-accounts-switch/pkg/logger"
	"github.com/zenquiem/codex-accounts-switch/pkg/osutil"
)

type componentSpec struct {
	Binary  string
	Manager string // npm or apt
	Package string
	Display string
}

var componentSpecs = map[string]componentSpec{
	"codex":          {Binary: "codex", Manager: "npm", Package: "@openai/codex", Display: "Codex CLI"},
	"gnome_terminal": {Binary: "gnome-terminal", Manager: "apt", Package: "gnome-terminal", Display: "gnome-terminal"},
	"zsh":            {Binary: "zsh", Manager: "apt", Package: "zsh", Display: "zsh"},
	"bash":           {Binary: "bash", Manager: "apt", Package: "bash", Display: "bash"},
	"zenity":         {Binary: "zenity", Manager: "apt", Package: "zenity", Display: "zenity"},
}

var (
	versionTokenRE   = regexp.MustCompile(`\d[0-9A-Za-z.+:~\-]*`)
	aptPolicyTableRE = regexp.MustCompile(`^\*{0,3}\s*([0-9][^\s]*)\s+\d+`)
)

// ComponentCheck is the latest-version report for one managed component.
type ComponentCheck struct {
	Component        string `json:"component"`
	DisplayName      string `json:"display_name"`
	Manager          string `json:"manager"`
	Package          string `json:"package"`
	CurrentVersion   string `json:"current_version,omitempty"`
	LatestVersion    string `json:"latest_version,omitempty"`
	Upgradable       bool   `json:"upgradable"`
	InstallSupported bool   `json:"install_supported"`
	CheckedAt        string `json:"checked_at"`
	Message          string `json:"message"`
}

// ComponentInstall reports an install terminal launch.
type ComponentInstall struct {
	Component   string `json:"component"`
	DisplayName string `json:"display_name"`
	Command     string `json:"command"`
	Message     string `json:"message"`
}

func lookupComponent(key string) (string, componentSpec, error) {
	normalized := strings.ToLower(strings.TrimSpace(key))
	spec, ok := componentSpecs[normalized]
	if !ok {
		return "", componentSpec{}, errors.Errorf("unsupported component `%s`", key)
	}
	return normalized, spec, nil
}

func extractVersionToken(text string) string {
	cleaned := cleanLineValue(text)
	if cleaned == "" {
		return ""
	}
	return strings.TrimSpace(versionTokenRE.FindString(cleaned))
}

func isNoneVersion(value string) bool {
	normalized := strings.ToLower(strings.TrimSpace(value))
	return normalized == "" || normalized == "(none)"
}

func runTextCommand(ctx context.Context, timeout time.Duration, command ...string) (string, string, int, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, command[0], command[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	if cmdCtx.Err() == context.DeadlineExceeded {
		return "", "", -1, errors.Errorf("command timed out: %s", strings.Join(command, " "))
	}
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", -1, errors.Wrapf(runErr, "command failed: %s", strings.Join(command, " "))
		}
	}
	return stdout.String(), stderr.String(), exitCode, nil
}

// parseAptPolicyVersions extracts the installed and candidate versions from
// `apt-cache policy` output. The labels are localized by apt, so a handful
// of common translations are matched alongside the English ones.
func parseAptPolicyVersions(output string) (installed, candidate string) {
	inVersionTable := false
	for _, rawLine := range strings.Split(output, "\n") {
		stripped := strings.TrimSpace(rawLine)
		lowered := strings.ToLower(stripped)

		if key, value, ok := strings.Cut(stripped, ":"); ok {
			keyNorm := strings.ToLower(strings.TrimSpace(key))
			parsedValue := strings.TrimSpace(value)
			switch {
			case containsAny(keyNorm, "installed", "已安装", "installiert", "instalado"):
				installed = parsedValue
			case containsAny(keyNorm, "candidate", "候选", "kandidat", "candidato"):
				candidate = parsedValue
			}
		}

		if strings.HasPrefix(lowered, "version table") || strings.HasPrefix(stripped, "版本列表") {
			inVersionTable = true
			continue
		}
		if !inVersionTable {
			continue
		}

		if match := aptPolicyTableRE.FindStringSubmatch(stripped); match != nil {
			tableVersion := strings.TrimSpace(match[1])
			if tableVersion != "" && isNoneVersion(candidate) {
				candidate = tableVersion
			}
			if tableVersion != "" && strings.Contains(stripped, "***") && isNoneVersion(installed) {
				installed = tableVersion
			}
		}
	}
	return installed, candidate
}

func parseAptMadisonLatest(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "|") {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 2 {
			continue
		}
		version := extractVersionToken(parts[1])
		if version == "" {
			version = cleanLineValue(parts[1])
		}
		if version != "" {
			return version
		}
	}
	return ""
}

func containsAny(value string, tokens ...string) bool {
	for _, token := range tokens {
		if strings.Contains(value, token) {
			return true
		}
	}
	return false
}

// CheckComponentLatest reports the current and latest available version of a
// managed component, via `npm view` or `apt-cache policy`.
func (o *Ops) CheckComponentLatest(ctx context.Context, componentKey string) (*ComponentCheck, error) {
	key, spec, err := lookupComponent(componentKey)
	if err != nil {
		return nil, err
	}

	var currentVersion, latestVersion string

	switch spec.Manager {
	case "npm":
		if binaryPath := o.ResolveBinary(ctx, spec.Binary); binaryPath != "" {
			if raw, _ := runBinaryVersion(ctx, binaryPath); raw != "" {
				currentVersion = extractVersionToken(raw)
				if currentVersion == "" {
					currentVersion = raw
				}
			}
		}

		npmBin, err := o.RequireBinary(ctx, "npm")
		if err != nil {
			return nil, err
		}
		stdout, stderr, exitCode, err := runTextCommand(ctx, 25*time.Second, npmBin, "view", spec.Package, "version")
		if err != nil {
			return nil, err
		}
		cleanedOut := cleanLineValue(stdout)
		if exitCode != 0 {
			detail := cleanLineValue(stderr)
			if detail == "" {
				detail = cleanedOut
			}
			if detail == "" {
				detail = "unknown error"
			}
			return nil, errors.Errorf("checking latest %s failed: %s", spec.Display, detail)
		}
		latestVersion = extractVersionToken(cleanedOut)
		if latestVersion == "" {
			latestVersion = cleanedOut
		}
		if latestVersion == "" {
			return nil, errors.Errorf("checking latest %s failed: no version returned", spec.Display)
		}

	case "apt":
		aptCacheBin, err := o.RequireBinary(ctx, "apt-cache")
		if err != nil {
			return nil, err
		}
		stdout, stderr, exitCode, err := runTextCommand(ctx, commandTimeout, aptCacheBin, "policy", spec.Package)
		if err != nil {
			return nil, err
		}
		if exitCode != 0 {
			detail := cleanLineValue(stderr)
			if detail == "" {
				detail = cleanLineValue(stdout)
			}
			if detail == "" {
				detail = "unknown error"
			}
			return nil, errors.Errorf("checking latest %s failed: %s", spec.Display, detail)
		}

		installed, candidate := parseAptPolicyVersions(stdout)
		if !isNoneVersion(installed) {
			currentVersion = installed
		}
		if !isNoneVersion(candidate) {
			latestVersion = candidate
		}

		// apt-cache policy output varies by locale and format.
		if latestVersion == "" {
			madisonOut, _, madisonCode, madisonErr := runTextCommand(ctx, commandTimeout, aptCacheBin, "madison", spec.Package)
			if madisonErr == nil && madisonCode == 0 {
				latestVersion = parseAptMadisonLatest(madisonOut)
			}
		}
		if currentVersion == "" {
			if binaryPath := o.ResolveBinary(ctx, spec.Binary); binaryPath != "" {
				if raw, _ := runBinaryVersion(ctx, binaryPath); raw != "" {
					currentVersion = extractVersionToken(raw)
					if currentVersion == "" {
						currentVersion = raw
					}
				}
			}
		}
		if currentVersion == "" && latestVersion == "" {
			return nil, errors.Errorf("checking latest %s failed: no version information parsed", spec.Display)
		}

	default:
		return nil, errors.Errorf("component `%s` does not support version checks", componentKey)
	}

	upgradable := false
	switch {
	case currentVersion != "" && latestVersion != "":
		upgradable = currentVersion != latestVersion
	case latestVersion != "":
		upgradable = true
	}

	message := fmt.Sprintf("%s is up to date.", spec.Display)
	if upgradable {
		message = fmt.Sprintf("%s can be upgraded.", spec.Display)
	}

	installSupported := o.ResolveBinary(ctx, "gnome-terminal") != ""
	switch spec.Manager {
	case "npm":
		installSupported = installSupported && o.ResolveBinary(ctx, "npm") != ""
	case "apt":
		installSupported = installSupported && o.ResolveBinary(ctx, "apt-get") != ""
	}

	return &ComponentCheck{
		Component:        key,
		DisplayName:      spec.Display,
		Manager:          spec.Manager,
		Package:          spec.Package,
		CurrentVersion:   currentVersion,
		LatestVersion:    latestVersion,
		Upgradable:       upgradable,
		InstallSupported: installSupported,
		CheckedAt:        time.Now().UTC().Format(time.RFC3339),
		Message:          message,
	}, nil
}

func (o *Ops) buildInstallCommand(ctx context.Context, spec componentSpec) (string, error) {
	switch spec.Manager {
	case "npm":
		npmBin, err := o.RequireBinary(ctx, "npm")
		if err != nil {
			return "", err
		}
		// Install into the npm prefix when it is user-writable, otherwise
		// fall back to sudo.
		return fmt.Sprintf(
			"pkg=%s; npm_bin=%s; "+
				`prefix="$($npm_bin config get prefix 2>/dev/null || true)"; `+
				`prefix="${prefix%%$'\r'}"; prefix="${prefix%%$'\n'}"; `+
				`if [ -n "$prefix" ] && [ "$prefix" != "undefined" ] && [ "$prefix" != "null" ] && [ -w "$prefix" ]; then `+
				`$npm_bin install -g "$pkg"; `+
				"elif command -v sudo >/dev/null 2>&1; then "+
				`sudo $npm_bin install -g "$pkg"; `+
				"else "+
				"echo 'npm global prefix is not writable and sudo is unavailable.' >&2; "+
				"echo 'Configure a user-level npm prefix (for example ~/.npm-global) and retry.' >&2; "+
				"exit 1; fi",
			shellQuote(spec.Package+"@latest"), shellQuote(npmBin),
		), nil
	case "apt":
		aptGetBin, err := o.RequireBinary(ctx, "apt-get")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("sudo %s update && sudo %s install -y %s",
			shellQuote(aptGetBin), shellQuote(aptGetBin), shellQuote(spec.Package)), nil
	}
	return "", errors.Errorf("component `%s` does not support automated install", spec.Binary)
}

// LaunchComponentInstall opens a terminal window that runs the component's
// install command and waits for the user to close it.
func (o *Ops) LaunchComponentInstall(ctx context.Context, componentKey string) (*ComponentInstall, error) {
	key, spec, err := lookupComponent(componentKey)
	if err != nil {
		return nil, err
	}
	terminalBin, err := o.RequireBinary(ctx, "gnome-terminal")
	if err != nil {
		return nil, err
	}
	installCommand, err := o.buildInstallCommand(ctx, spec)
	if err != nil {
		return nil, err
	}

	shellCommand := installCommand + "; status=$?; echo; " +
		"if [ $status -eq 0 ]; then echo 'Install command finished. Press Enter to close this window.'; " +
		"else echo 'Install command failed, review the output and retry. Press Enter to close this window.'; fi; " +
		"read -r _; exit $status"

	if err := o.spawnDetachedTerminal(ctx, terminalBin, shellCommand); err != nil {
		return nil, err
	}
	logger.G(ctx).WithField("component", key).Info("opened install terminal")

	return &ComponentInstall{
		Component:   key,
		DisplayName: spec.Display,
		Command:     installCommand,
		Message:     fmt.Sprintf("Opened an install terminal for %s.", spec.Display),
	}, nil
}

func (o *Ops) spawnDetachedTerminal(ctx context.Context, terminalBin, shellCommand string) error {
	cmd := exec.Command(terminalBin, "--", "bash", "-lc", shellCommand)
	cmd.SysProcAttr = &osutil.DetachSysProcAttr
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "failed to launch terminal")
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
