package codex

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zenquiem/codex-accounts-switch/pkg/logger"
	"github.com/zenquiem/codex-accounts-switch/pkg/osutil"
)

// TerminalLaunch describes a project terminal request.
type TerminalLaunch struct {
	ProjectPath    string
	CodexHome      string
	SessionID      string // resume this session when set
	PreferredShell string // zsh or bash; falls back to whichever exists
}

func (o *Ops) pickShell(ctx context.Context, preferred string) string {
	preferred = strings.TrimSpace(strings.ToLower(preferred))
	if (preferred == "zsh" || preferred == "bash") && o.ResolveBinary(ctx, preferred) != "" {
		return preferred
	}
	if o.ResolveBinary(ctx, "zsh") != "" {
		return "zsh"
	}
	return "bash"
}

// OpenProjectTerminal spawns a detached gnome-terminal in the project
// directory running Codex bound to the account's home. The spawned window
// outlives this process.
func (o *Ops) OpenProjectTerminal(ctx context.Context, launch TerminalLaunch) error {
	codexBin, err := o.RequireBinary(ctx, "codex")
	if err != nil {
		return err
	}
	terminalBin, err := o.RequireBinary(ctx, "gnome-terminal")
	if err != nil {
		return err
	}
	shell := o.pickShell(ctx, launch.PreferredShell)

	codexCommand := fmt.Sprintf("%s -C %s", shellQuote(codexBin), shellQuote(launch.ProjectPath))
	if launch.SessionID != "" {
		codexCommand = fmt.Sprintf("%s resume %s -C %s",
			shellQuote(codexBin), shellQuote(launch.SessionID), shellQuote(launch.ProjectPath))
	}
	shellCommand := fmt.Sprintf("export CODEX_HOME=%s; exec %s", shellQuote(launch.CodexHome), codexCommand)

	cmd := exec.Command(terminalBin,
		"--working-directory", launch.ProjectPath,
		"--", shell, "-lc", shellCommand,
	)
	cmd.SysProcAttr = &osutil.DetachSysProcAttr
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "failed to launch project terminal")
	}
	logger.G(ctx).WithFields(logrus.Fields{
		"project_path": launch.ProjectPath,
		"session_id":   launch.SessionID,
		"shell":        shell,
		"pid":          cmd.Process.Pid,
	}).Info("opened project terminal")
	go func() { _ = cmd.Wait() }()
	return nil
}

func (o *Ops) openWithDesktop(ctx context.Context, target string) error {
	var launcher []string
	if opener := o.ResolveBinary(ctx, "xdg-open"); opener != "" {
		launcher = []string{opener, target}
	} else if gio := o.ResolveBinary(ctx, "gio"); gio != "" {
		launcher = []string{gio, "open", target}
	} else {
		return errors.New("no desktop opener found (`xdg-open`/`gio`)")
	}

	cmd := exec.Command(launcher[0], launcher[1:]...)
	cmd.SysProcAttr = &osutil.DetachSysProcAttr
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "failed to launch desktop opener")
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// OpenDirectory opens a file manager window on an existing directory and
// returns the resolved path it opened.
func (o *Ops) OpenDirectory(ctx context.Context, dir string) (string, error) {
	resolved := realpathDir(dir)
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return "", errors.New("directory does not exist or is not accessible")
	}
	if err := o.openWithDesktop(ctx, resolved); err != nil {
		return "", err
	}
	return resolved, nil
}

// OpenURL opens a link in the user's default browser.
func (o *Ops) OpenURL(ctx context.Context, url string) error {
	target := cleanLineValue(url)
	if target == "" {
		return errors.New("invalid link address")
	}
	return o.openWithDesktop(ctx, target)
}

// OpenAccountTrash creates the account's session trash directory if needed
// and opens it in the file manager.
func (o *Ops) OpenAccountTrash(ctx context.Context, codexHome string) (string, error) {
	trashDir := realpathDir(filepath.Join(codexHome, "trash", "sessions"))
	if err := os.MkdirAll(trashDir, 0o700); err != nil {
		return "", errors.Wrap(err, "failed to create trash directory")
	}
	if err := o.openWithDesktop(ctx, trashDir); err != nil {
		return "", err
	}
	return trashDir, nil
}

// PickDirectory shows the zenity directory chooser. An empty path with a nil
// error means the user cancelled.
func (o *Ops) PickDirectory(ctx context.Context, initialPath string) (string, error) {
	zenityBin, err := o.RequireBinary(ctx, "zenity")
	if err != nil {
		return "", err
	}

	args := []string{"--file-selection", "--directory", "--title=Select project directory"}
	if initialPath != "" {
		if info, statErr := os.Stat(initialPath); statErr == nil && info.IsDir() {
			args = append(args, "--filename", initialPath+string(os.PathSeparator))
		}
	}

	cmd := exec.CommandContext(ctx, zenityBin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if runErr := cmd.Run(); runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) && exitErr.ExitCode() == 1 {
			return "", nil // cancelled
		}
		message := cleanLineValue(stderr.String())
		if message == "" {
			message = "unknown error"
		}
		return "", errors.Errorf("directory picker failed: %s", message)
	}

	selected := strings.TrimSpace(stdout.String())
	if selected == "" {
		return "", nil
	}
	resolved := realpathDir(expandHome(selected))
	info, statErr := os.Stat(resolved)
	if statErr != nil || !info.IsDir() {
		return "", errors.New("directory picker returned an invalid directory")
	}
	return resolved, nil
}

func realpathDir(path string) string {
	expanded := expandHome(path)
	if resolved, err := filepath.EvalSymlinks(expanded); err == nil {
		return resolved
	}
	if abs, err := filepath.Abs(expanded); err == nil {
		return abs
	}
	return expanded
}
