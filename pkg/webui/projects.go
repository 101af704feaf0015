package webui

import (
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/zenquiem/codex-accounts-switch/pkg/codex"
)

type projectRequest struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	AccountID string `json:"account_id"`
}

func (p *projectRequest) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("project name must not be empty")
	}
	if strings.TrimSpace(p.Path) == "" {
		return errors.New("project path must not be empty")
	}
	if strings.TrimSpace(p.AccountID) == "" {
		return errors.New("an account must be selected")
	}
	return nil
}

func (s *Server) handleAddProject(w http.ResponseWriter, r *http.Request) {
	var payload projectRequest
	if err := decodeJSONBody(r, &payload); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := payload.validate(); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	record, err := s.store.AddProject(
		strings.TrimSpace(payload.Name),
		strings.TrimSpace(payload.Path),
		strings.TrimSpace(payload.AccountID),
	)
	if err != nil {
		s.writeError(w, r, statusForError(err), err)
		return
	}

	s.writeJSON(w, map[string]any{"project": record})
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]

	var payload projectRequest
	if err := decodeJSONBody(r, &payload); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := payload.validate(); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	record, err := s.store.UpdateProject(
		projectID,
		strings.TrimSpace(payload.Name),
		strings.TrimSpace(payload.Path),
		strings.TrimSpace(payload.AccountID),
	)
	if err != nil {
		s.writeError(w, r, statusForError(err), err)
		return
	}

	s.writeJSON(w, map[string]any{"project": record})
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]

	removed, err := s.store.DeleteProject(projectID)
	if err != nil {
		s.writeError(w, r, statusForError(err), err)
		return
	}

	s.writeJSON(w, map[string]any{"removed": removed})
}

// handleOpenProject launches a terminal running Codex in the project
// directory under the bound account, then records the usage stamps.
func (s *Server) handleOpenProject(w http.ResponseWriter, r *http.Request) {
	project, account, err := s.projectForRequest(r)
	if err != nil {
		s.writeError(w, r, statusForError(err), err)
		return
	}

	if info, statErr := os.Stat(project.Path); statErr != nil || !info.IsDir() {
		s.writeError(w, r, http.StatusBadRequest, errors.New("project path no longer exists"))
		return
	}

	launch := codex.TerminalLaunch{
		ProjectPath:    project.Path,
		CodexHome:      account.CodexHome,
		PreferredShell: project.PreferredShell,
	}
	if err := s.ops.OpenProjectTerminal(r.Context(), launch); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	_ = s.store.TouchProjectOpened(project.ID)
	_ = s.store.TouchAccountUsed(account.ID)

	s.writeJSON(w, map[string]any{"message": "Project terminal started."})
}

type pickDirectoryRequest struct {
	InitialPath string `json:"initial_path"`
}

// handlePickDirectory shows the zenity directory chooser on the desktop this
// server runs on.
func (s *Server) handlePickDirectory(w http.ResponseWriter, r *http.Request) {
	var payload pickDirectoryRequest
	if err := decodeJSONBody(r, &payload); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	selected, err := s.ops.PickDirectory(r.Context(), strings.TrimSpace(payload.InitialPath))
	if err != nil {
		if strings.Contains(err.Error(), "`zenity`") {
			s.writeError(w, r, http.StatusBadRequest,
				errors.New("`zenity` is not installed, enter the project path manually"))
			return
		}
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if selected == "" {
		s.writeJSON(w, map[string]any{"cancelled": true})
		return
	}

	s.writeJSON(w, map[string]any{
		"cancelled": false,
		"path":      selected,
	})
}
