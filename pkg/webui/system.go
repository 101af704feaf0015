package webui

import (
	"net/http"
	"runtime"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/host"

	"github.com/zenquiem/codex-accounts-switch/pkg/registry"
	"github.com/zenquiem/codex-accounts-switch/pkg/version"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"platform":  runtime.GOOS,
		"data_root": s.store.Paths().Root,
	})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := s.ops.CollectSystemStatus(r.Context())
	s.writeJSON(w, map[string]any{"status": status})
}

func componentStatusFor(err error) int {
	if strings.Contains(err.Error(), "unsupported component") {
		return http.StatusNotFound
	}
	return http.StatusBadGateway
}

func (s *Server) handleComponentLatest(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	check, err := s.ops.CheckComponentLatest(r.Context(), key)
	if err != nil {
		s.writeError(w, r, componentStatusFor(err), err)
		return
	}
	s.writeJSON(w, map[string]any{"check": check})
}

func (s *Server) handleComponentInstall(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	install, err := s.ops.LaunchComponentInstall(r.Context(), key)
	if err != nil {
		s.writeError(w, r, componentStatusFor(err), err)
		return
	}
	s.writeJSON(w, map[string]any{"install": install})
}

func (s *Server) handleConfigDir(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{"path": s.store.Paths().Root})
}

func (s *Server) handleOpenConfigDir(w http.ResponseWriter, r *http.Request) {
	path, err := s.ops.OpenDirectory(r.Context(), s.store.Paths().Root)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, map[string]any{"path": path})
}

func (s *Server) handleAbout(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	about := map[string]any{
		"version":    info.Version,
		"git_commit": info.GitCommit,
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"data_root":  s.store.Paths().Root,
		"status":     s.ops.CollectSystemStatus(r.Context()),
	}
	if hostInfo, err := host.InfoWithContext(r.Context()); err == nil {
		about["platform"] = strings.TrimSpace(hostInfo.Platform + " " + hostInfo.PlatformVersion)
		about["kernel"] = hostInfo.KernelVersion
		about["hostname"] = hostInfo.Hostname
	}
	s.writeJSON(w, map[string]any{"about": about})
}

func (s *Server) handleSelfLatest(w http.ResponseWriter, r *http.Request) {
	check, err := s.ops.CheckSelfLatest(r.Context(), version.Get().Version)
	if err != nil {
		s.writeError(w, r, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, map[string]any{"check": check})
}

func (s *Server) handleSelfInstall(w http.ResponseWriter, r *http.Request) {
	install, err := s.ops.LaunchSelfInstall(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, map[string]any{"install": install})
}

// mostRecentAccount prefers the account used most recently, falling back to
// the newest account when nothing has been used yet.
func mostRecentAccount(accounts []registry.Account) *registry.Account {
	var picked *registry.Account
	for i := range accounts {
		account := &accounts[i]
		if picked == nil {
			picked = account
			continue
		}
		pickedAt := picked.CreatedAt
		if picked.LastUsedAt != nil {
			pickedAt = *picked.LastUsedAt
		}
		accountAt := account.CreatedAt
		if account.LastUsedAt != nil {
			accountAt = *account.LastUsedAt
		}
		if accountAt.After(pickedAt) {
			picked = account
		}
	}
	return picked
}

func (s *Server) handleOpenTrash(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AccountID string `json:"account_id"`
	}
	if err := decodeJSONBody(r, &payload); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	var account *registry.Account
	if id := strings.TrimSpace(payload.AccountID); id != "" {
		found, err := s.store.FindAccount(id)
		if err != nil {
			s.writeError(w, r, statusForError(err), err)
			return
		}
		account = found
	} else {
		accounts, err := s.store.ListAccounts()
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		account = mostRecentAccount(accounts)
		if account == nil {
			s.writeError(w, r, http.StatusBadRequest, errors.New("no account available, add an account first"))
			return
		}
	}

	path, err := s.ops.OpenAccountTrash(r.Context(), account.CodexHome)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	s.writeJSON(w, map[string]any{
		"path":          path,
		"account_id":    account.ID,
		"account_alias": account.Alias,
	})
}
