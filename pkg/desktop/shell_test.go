package desktop

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenquiem/codex-accounts-switch/pkg/codex"
)

func TestPickFreePort(t *testing.T) {
	port, err := PickFreePort("127.0.0.1")
	require.NoError(t, err)
	assert.Greater(t, port, 0)
	assert.LessOrEqual(t, port, 65535)
}

func TestEnsureLocalNoProxy(t *testing.T) {
	t.Setenv("NO_PROXY", "example.com")
	t.Setenv("no_proxy", "")

	ensureLocalNoProxy()

	for _, key := range []string{"NO_PROXY", "no_proxy"} {
		value := os.Getenv(key)
		for _, token := range []string{"127.0.0.1", "localhost", "::1", "127.0.0.0/8"} {
			assert.Contains(t, strings.Split(value, ","), token, "%s missing %s", key, token)
		}
	}
	assert.Contains(t, os.Getenv("NO_PROXY"), "example.com")
}

func TestEnsureLocalNoProxyIdempotent(t *testing.T) {
	t.Setenv("NO_PROXY", "127.0.0.1,localhost,::1,127.0.0.0/8")

	ensureLocalNoProxy()
	first := os.Getenv("NO_PROXY")
	ensureLocalNoProxy()
	assert.Equal(t, first, os.Getenv("NO_PROXY"))
}

func TestResolveAppBrowserFindsFirstInstalled(t *testing.T) {
	binDir := t.TempDir()
	fake := filepath.Join(binDir, "fakebrowser")
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	t.Setenv("PATH", binDir)

	browser, path := resolveAppBrowser(context.Background(), codex.NewOps(),
		[]string{"missing-browser-zz", "fakebrowser"})
	assert.Equal(t, "fakebrowser", browser)
	assert.Equal(t, fake, path)
}

func TestResolveAppBrowserNoneInstalled(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	t.Setenv("NPM_CONFIG_PREFIX", "")

	browser, path := resolveAppBrowser(context.Background(), codex.NewOps(),
		[]string{"missing-browser-zz"})
	assert.Empty(t, browser)
	assert.Empty(t, path)
}

func TestWaitServerReady(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	assert.True(t, waitServerReady(context.Background(), server.URL, 2*time.Second))
}

func TestWaitServerReadyTimesOut(t *testing.T) {
	// Nothing listens on this port after the listener closes.
	port, err := PickFreePort("127.0.0.1")
	require.NoError(t, err)

	start := time.Now()
	ready := waitServerReady(context.Background(), fmt.Sprintf("http://127.0.0.1:%d", port), 600*time.Millisecond)
	assert.False(t, ready)
	assert.Less(t, time.Since(start), 5*time.Second)
}
