package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLoggerFallsBackToGlobal(t *testing.T) {
	ctx := context.Background()
	entry := G(ctx)
	require.NotNil(t, entry)
	assert.Equal(t, L.Logger, entry.Logger)
}

func TestWithLoggerRoundTrip(t *testing.T) {
	base := logrus.New()
	entry := logrus.NewEntry(base).WithField("component", "test")
	ctx := WithLogger(context.Background(), entry)

	got := G(ctx)
	assert.Equal(t, base, got.Logger)
	assert.Equal(t, "test", got.Data["component"])
}

func TestSetLogLevel(t *testing.T) {
	require.NoError(t, SetLogLevel("debug"))
	assert.Equal(t, logrus.DebugLevel, L.Logger.GetLevel())

	assert.Error(t, SetLogLevel("not-a-level"))

	require.NoError(t, SetLogLevel("info"))
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf)
	SetLogFormat("json")
	defer func() {
		SetLogFormat("fmt")
		SetLogOutput(logrus.New().Out)
	}()

	L.WithField("key", "value").Info("hello")

	var payload map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &payload))
	assert.Equal(t, "hello", payload["message"])
	assert.Equal(t, "value", payload["key"])
	assert.Contains(t, payload, "timestamp")
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf)
	SetLogFormat("fmt")
	defer SetLogOutput(logrus.New().Out)

	L.Info("plain message")
	assert.True(t, strings.Contains(buf.String(), "plain message"))
}
