package codex

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"
)

// localProxyCandidatePorts are the ports popular local proxies listen on
// (clash, v2ray, dante, generic HTTP proxies).
var localProxyCandidatePorts = []int{7890, 20171, 1080, 8080}

// BuildEnv returns the process environment with CODEX_HOME pointing at the
// given account home, so the spawned Codex CLI reads that account's
// credentials and session tree.
func BuildEnv(codexHome string) []string {
	return mergeEnv(os.Environ(), map[string]string{"CODEX_HOME": codexHome})
}

// GuessLocalProxyEnv probes well-known local proxy ports and, if one accepts
// a TCP connection, returns proxy environment variables pointing at it. An
// empty map means no local proxy was detected.
func GuessLocalProxyEnv() map[string]string {
	for _, port := range localProxyCandidatePorts {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 250*time.Millisecond)
		if err != nil {
			continue
		}
		conn.Close()

		httpProxy := fmt.Sprintf("http://127.0.0.1:%d/", port)
		socksProxy := fmt.Sprintf("socks://127.0.0.1:%d/", port)
		noProxy := "localhost,127.0.0.0/8,::1"
		return map[string]string{
			"HTTP_PROXY":  httpProxy,
			"HTTPS_PROXY": httpProxy,
			"ALL_PROXY":   socksProxy,
			"NO_PROXY":    noProxy,
			"http_proxy":  httpProxy,
			"https_proxy": httpProxy,
			"all_proxy":   socksProxy,
			"no_proxy":    noProxy,
		}
	}
	return map[string]string{}
}

func mergeEnv(env []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return env
	}
	merged := make([]string, 0, len(env)+len(overrides))
	for _, kv := range env {
		key, _, ok := strings.Cut(kv, "=")
		if ok {
			if _, overridden := overrides[key]; overridden {
				continue
			}
		}
		merged = append(merged, kv)
	}
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		merged = append(merged, key+"="+overrides[key])
	}
	return merged
}
