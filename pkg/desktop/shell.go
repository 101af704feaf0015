// Package desktop launches the web UI inside a local application window.
// There is no embedded webview; the shell starts the loopback server, waits
// for it to answer, and opens a browser in app mode pointed at it.
package desktop

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zenquiem/codex-accounts-switch/pkg/codex"
	"github.com/zenquiem/codex-accounts-switch/pkg/logger"
	"github.com/zenquiem/codex-accounts-switch/pkg/osutil"
	"github.com/zenquiem/codex-accounts-switch/pkg/registry"
	"github.com/zenquiem/codex-accounts-switch/pkg/webui"
)

const (
	serverReadyTimeout = 8 * time.Second
	healthProbeTimeout = 900 * time.Millisecond
)

// appModeBrowsers are tried in order for a dedicated app window before
// falling back to the default browser.
var appModeBrowsers = []string{"chromium", "chromium-browser", "google-chrome", "brave-browser", "microsoft-edge"}

// Config holds the desktop shell configuration. A zero Port picks a free
// ephemeral port on Host.
type Config struct {
	Host     string
	Port     int
	DataRoot string
}

// PickFreePort asks the kernel for an unused TCP port on host.
func PickFreePort(host string) (int, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, errors.Wrap(err, "failed to pick a free port")
	}
	defer listener.Close()
	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		return 0, errors.New("listener did not report a TCP address")
	}
	return addr.Port, nil
}

// ensureLocalNoProxy makes sure loopback traffic bypasses any inherited
// proxy configuration, otherwise the shell window cannot reach the server.
func ensureLocalNoProxy() {
	required := []string{"127.0.0.1", "localhost", "::1", "127.0.0.0/8"}
	for _, key := range []string{"NO_PROXY", "no_proxy"} {
		raw := os.Getenv(key)
		tokens := []string{}
		seen := map[string]bool{}
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part != "" && !seen[part] {
				tokens = append(tokens, part)
				seen[part] = true
			}
		}
		changed := raw == ""
		for _, token := range required {
			if !seen[token] {
				tokens = append(tokens, token)
				seen[token] = true
				changed = true
			}
		}
		if changed {
			os.Setenv(key, strings.Join(tokens, ","))
		}
	}
}

// waitServerReady polls the health endpoint until it answers or the
// timeout elapses.
func waitServerReady(ctx context.Context, appURL string, timeout time.Duration) bool {
	client := &http.Client{Timeout: healthProbeTimeout}
	healthURL := appURL + "/api/health"
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
		if err != nil {
			return false
		}
		req.Header.Set("User-Agent", "cas-desktop")
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return true
			}
		}
		time.Sleep(150 * time.Millisecond)
	}
	return false
}

// resolveAppBrowser returns the name and path of the first candidate
// browser installed on this system, or empty strings when none is.
func resolveAppBrowser(ctx context.Context, ops *codex.Ops, candidates []string) (string, string) {
	for _, browser := range candidates {
		if path := ops.ResolveBinary(ctx, browser); path != "" {
			return browser, path
		}
	}
	return "", ""
}

// openAppWindow opens appURL in a chromium-family app window when one is
// installed, otherwise hands the URL to the desktop's default browser.
func openAppWindow(ctx context.Context, ops *codex.Ops, appURL string) error {
	browser, path := resolveAppBrowser(ctx, ops, appModeBrowsers)
	if path != "" {
		cmd := exec.Command(path, "--app="+appURL)
		cmd.SysProcAttr = &osutil.DetachSysProcAttr
		if err := cmd.Start(); err != nil {
			logger.G(ctx).WithError(err).WithField("browser", browser).Warn("failed to start app window")
		} else {
			go cmd.Wait()
			logger.G(ctx).WithFields(logrus.Fields{
				"browser": browser,
				"url":     appURL,
			}).Info("opened desktop app window")
			return nil
		}
	}
	return ops.OpenURL(ctx, appURL)
}

// Run starts the embedded web server and shows it in a desktop window. It
// blocks until the context is cancelled, then shuts the server down.
func Run(ctx context.Context, config Config) error {
	ensureLocalNoProxy()

	host := config.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := config.Port
	if port == 0 {
		picked, err := PickFreePort(host)
		if err != nil {
			return err
		}
		port = picked
	}

	store, err := registry.Open(config.DataRoot)
	if err != nil {
		return err
	}
	ops := codex.NewOps()

	server, err := webui.NewServer(ctx, &webui.ServerConfig{Host: host, Port: port}, store, ops)
	if err != nil {
		return err
	}

	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(serverCtx)
	}()

	appURL := fmt.Sprintf("http://%s:%d", host, port)
	if !waitServerReady(ctx, appURL, serverReadyTimeout) {
		cancel()
		<-serverErr
		return errors.New("the local web server did not become ready in time")
	}

	if err := openAppWindow(ctx, ops, appURL); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to open a desktop window, the UI is still reachable in a browser")
		logger.G(ctx).WithField("url", appURL).Info("open this address manually")
	}

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		cancel()
		return <-serverErr
	}
}
