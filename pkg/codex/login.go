package codex

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/zenquiem/codex-accounts-switch/pkg/logger"
)

// CheckLoginStatus runs `codex login status` against the given home and
// reports whether a login is active, along with the CLI's status message.
func (o *Ops) CheckLoginStatus(ctx context.Context, codexHome string) (bool, string, error) {
	codexBin, err := o.RequireBinary(ctx, "codex")
	if err != nil {
		return false, "", err
	}

	cmdCtx, cancel := context.WithTimeout(ctx, loginStatusTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, codexBin, "login", "status")
	cmd.Env = BuildEnv(codexHome)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	message := strings.TrimSpace(stdout.String())
	if message == "" {
		message = strings.TrimSpace(stderr.String())
	}
	if message == "" {
		message = "no status output returned"
	}
	loggedIn := runErr == nil && strings.Contains(strings.ToLower(message), "logged in")
	return loggedIn, message, nil
}

// RunOAuthLoginInTerminal opens a gnome-terminal window running `codex login`
// against the given home and blocks until the window closes, then verifies
// the outcome with `codex login status`. The terminal is interactive on
// purpose: the OAuth flow opens a browser and waits for the user.
func (o *Ops) RunOAuthLoginInTerminal(ctx context.Context, codexHome string) (bool, string, error) {
	codexBin, err := o.RequireBinary(ctx, "codex")
	if err != nil {
		return false, "", err
	}
	terminalBin, err := o.RequireBinary(ctx, "gnome-terminal")
	if err != nil {
		return false, "", err
	}

	loginCmd := fmt.Sprintf(
		"export CODEX_HOME=%s; %s login; status=$?; "+
			"if [ $status -ne 0 ]; then echo; echo 'codex login failed. Press Enter to close this window.'; read -r _; fi; "+
			"exit $status",
		shellQuote(codexHome), shellQuote(codexBin),
	)

	logger.G(ctx).WithField("codex_home", codexHome).Info("opening login terminal")
	cmd := exec.CommandContext(ctx, terminalBin, "--wait", "--", "bash", "-lc", loginCmd)
	if err := cmd.Run(); err != nil {
		return false, "login window was closed or the login command failed", nil
	}

	return o.CheckLoginStatus(ctx, codexHome)
}
