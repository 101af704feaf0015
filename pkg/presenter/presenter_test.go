package presenter

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func newTestPresenter() (*TerminalPresenter, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return NewWithOptions(out, errOut, ColorNever), out, errOut
}

func TestErrorOutput(t *testing.T) {
	p, out, errOut := newTestPresenter()

	p.Error(errors.New("boom"), "launch failed")
	assert.Contains(t, errOut.String(), "[ERROR] launch failed: boom")
	assert.Empty(t, out.String())

	errOut.Reset()
	p.Error(nil, "ignored")
	assert.Empty(t, errOut.String())
}

func TestErrorWithoutContext(t *testing.T) {
	p, _, errOut := newTestPresenter()
	p.Error(errors.New("boom"), "")
	assert.Contains(t, errOut.String(), "[ERROR] boom")
}

func TestQuietModeSuppressesInfo(t *testing.T) {
	p, out, errOut := newTestPresenter()
	p.SetQuiet(true)

	p.Info("hidden")
	p.Success("hidden")
	p.Warning("hidden")
	p.Section("hidden")
	p.Separator()
	assert.Empty(t, out.String())

	// errors still surface in quiet mode
	p.Error(errors.New("boom"), "ctx")
	assert.Contains(t, errOut.String(), "boom")
}

func TestMessages(t *testing.T) {
	p, out, _ := newTestPresenter()

	p.Success("done")
	p.Warning("careful")
	p.Info("fyi")
	p.Section("Setup")

	got := out.String()
	assert.Contains(t, got, "✓ done")
	assert.Contains(t, got, "⚠ careful")
	assert.Contains(t, got, "fyi")
	assert.Contains(t, got, "Setup\n-----")
}
