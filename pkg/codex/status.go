package codex

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"
)

// ComponentStatus is one entry of the system status report.
type ComponentStatus struct {
	Binary    string `json:"binary"`
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
	OK        bool   `json:"ok"`
}

// SystemStatus summarizes whether the host can run the full workflow:
// Codex itself, a terminal to launch it in, and at least one shell.
type SystemStatus struct {
	OverallOK  bool                       `json:"overall_ok"`
	Components map[string]ComponentStatus `json:"components"`
}

// runBinaryVersion runs `<binary> --version` and returns the first output
// line, or an error description.
func runBinaryVersion(ctx context.Context, binary string) (string, string) {
	cmdCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, binary, "--version")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	output := strings.TrimSpace(stdout.String())
	if output == "" {
		output = strings.TrimSpace(stderr.String())
	}
	if runErr != nil {
		if output == "" {
			output = "command failed"
		}
		return "", output
	}
	if output == "" {
		return "", "no version output returned"
	}
	return firstLine(output), ""
}

// CollectSystemStatus checks the external binaries the workflow depends on.
func (o *Ops) CollectSystemStatus(ctx context.Context) SystemStatus {
	codex := o.BinaryStatusFor(ctx, "codex")
	gnomeTerminal := o.BinaryStatusFor(ctx, "gnome-terminal")
	zsh := o.BinaryStatusFor(ctx, "zsh")
	bash := o.BinaryStatusFor(ctx, "bash")
	zenity := o.BinaryStatusFor(ctx, "zenity")

	codexVersion := ""
	codexError := ""
	if codex.Available {
		codexVersion, codexError = runBinaryVersion(ctx, codex.Path)
	}

	codexOK := codex.Available && codexVersion != ""
	terminalOK := gnomeTerminal.Available
	shellOK := zsh.Available || bash.Available

	return SystemStatus{
		OverallOK: codexOK && terminalOK && shellOK,
		Components: map[string]ComponentStatus{
			"codex": {
				Binary:    codex.Binary,
				Available: codex.Available,
				Path:      codex.Path,
				Version:   codexVersion,
				Error:     codexError,
				OK:        codexOK,
			},
			"gnome_terminal": {
				Binary:    gnomeTerminal.Binary,
				Available: gnomeTerminal.Available,
				Path:      gnomeTerminal.Path,
				OK:        terminalOK,
			},
			"zsh": {
				Binary:    zsh.Binary,
				Available: zsh.Available,
				Path:      zsh.Path,
				OK:        zsh.Available,
			},
			"bash": {
				Binary:    bash.Binary,
				Available: bash.Available,
				Path:      bash.Path,
				OK:        bash.Available,
			},
			"zenity": {
				Binary:    zenity.Binary,
				Available: zenity.Available,
				Path:      zenity.Path,
				OK:        zenity.Available,
			},
		},
	}
}
