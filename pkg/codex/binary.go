package codex

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/zenquiem/codex-accounts-switch/pkg/logger"
)

// BinaryStatus reports whether a required external binary is available.
type BinaryStatus struct {
	Binary    string `json:"binary"`
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}

// ResolveBinary locates a binary the way interactive shells would find it:
// $PATH first, then the usual user-level install prefixes (npm, yarn, pnpm),
// then the npm prefix, and finally `command -v` in a login shell. Hits are
// cached; misses are re-resolved on the next call.
func (o *Ops) ResolveBinary(ctx context.Context, binary string) string {
	o.binMu.Lock()
	if cached, ok := o.binCache[binary]; ok && cached != "" {
		if isExecutableFile(cached) {
			o.binMu.Unlock()
			return cached
		}
		delete(o.binCache, binary)
	}
	o.binMu.Unlock()

	resolved := o.resolveBinaryUncached(ctx, binary)
	if resolved != "" {
		o.binMu.Lock()
		o.binCache[binary] = resolved
		o.binMu.Unlock()
	}
	return resolved
}

func (o *Ops) resolveBinaryUncached(ctx context.Context, binary string) string {
	if direct, err := exec.LookPath(binary); err == nil {
		return direct
	}

	home, _ := os.UserHomeDir()
	candidates := []string{
		filepath.Join(home, ".local", "bin", binary),
		filepath.Join(home, ".npm-global", "bin", binary),
		filepath.Join(home, ".npm", "bin", binary),
		filepath.Join(home, ".yarn", "bin", binary),
		filepath.Join(home, ".pnpm", binary),
		filepath.Join("/usr/local/bin", binary),
		filepath.Join("/usr/bin", binary),
		filepath.Join("/snap/bin", binary),
	}
	for _, candidate := range candidates {
		if isExecutableFile(candidate) {
			return candidate
		}
	}

	for _, prefix := range npmPrefixes(ctx) {
		for _, candidate := range []string{filepath.Join(prefix, "bin", binary), filepath.Join(prefix, binary)} {
			if isExecutableFile(candidate) {
				return candidate
			}
		}
	}

	// Last resort: ask a login shell, which sources the user's rc files
	// and may know about version managers we cannot enumerate.
	for _, shell := range []string{"zsh", "bash"} {
		shellPath, err := exec.LookPath(shell)
		if err != nil {
			continue
		}
		cmdCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
		out, err := exec.CommandContext(cmdCtx, shellPath, "-lc", "command -v "+shellQuote(binary)).Output()
		cancel()
		if err != nil {
			continue
		}
		first := firstLine(string(out))
		if strings.HasPrefix(first, "/") && isExecutableFile(first) {
			return first
		}
	}

	logger.G(ctx).WithField("binary", binary).Debug("binary not found")
	return ""
}

func npmPrefixes(ctx context.Context) []string {
	var prefixes []string
	if envPrefix := strings.TrimSpace(os.Getenv("NPM_CONFIG_PREFIX")); envPrefix != "" {
		prefixes = append(prefixes, expandHome(envPrefix))
	}
	npmBin, err := exec.LookPath("npm")
	if err != nil {
		return prefixes
	}
	cmdCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	out, err := exec.CommandContext(cmdCtx, npmBin, "config", "get", "prefix").Output()
	if err != nil {
		return prefixes
	}
	prefix := strings.TrimSpace(string(out))
	if prefix != "" && prefix != "undefined" && prefix != "null" {
		prefixes = append(prefixes, expandHome(prefix))
	}
	return prefixes
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func firstLine(value string) string {
	for _, line := range strings.Split(value, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// RequireBinary resolves a binary or returns an error naming it.
func (o *Ops) RequireBinary(ctx context.Context, binary string) (string, error) {
	resolved := o.ResolveBinary(ctx, binary)
	if resolved == "" {
		return "", errors.Errorf("`%s` command not found on this system", binary)
	}
	return resolved, nil
}

// BinaryStatusFor reports availability without failing.
func (o *Ops) BinaryStatusFor(ctx context.Context, binary string) BinaryStatus {
	path := o.ResolveBinary(ctx, binary)
	return BinaryStatus{
		Binary:    binary,
		Available: path != "",
		Path:      path,
	}
}

// shellQuote single-quotes a value for safe interpolation into `sh -c`
// command strings.
func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	if !strings.ContainsAny(value, " \t\n\"'`$&|;<>()*?[]#~%{}\\!") {
		return value
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
