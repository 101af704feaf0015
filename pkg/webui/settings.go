package webui

import (
	"net/http"

	"github.com/zenquiem/codex-accounts-switch/pkg/registry"
)

func (s *Server) handleGetUISettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.UISettings()
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, map[string]any{"settings": settings})
}

func (s *Server) handleUpdateUISettings(w http.ResponseWriter, r *http.Request) {
	var update registry.UISettingsUpdate
	if err := decodeJSONBody(r, &update); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	settings, err := s.store.UpdateUISettings(update)
	if err != nil {
		s.writeError(w, r, statusForError(err), err)
		return
	}
	s.writeJSON(w, map[string]any{"settings": settings})
}
