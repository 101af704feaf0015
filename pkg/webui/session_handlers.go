package webui

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/zenquiem/codex-accounts-switch/pkg/codex"
	"github.com/zenquiem/codex-accounts-switch/pkg/sessions"
)

type sessionRequest struct {
	SessionID        string `json:"session_id"`
	SoftDelete       *bool  `json:"soft_delete,omitempty"`
	OpenAfterRestore bool   `json:"open_after_restore,omitempty"`
}

func (s *Server) sessionRequestFor(r *http.Request) (*sessionRequest, error) {
	var payload sessionRequest
	if err := decodeJSONBody(r, &payload); err != nil {
		return nil, err
	}
	payload.SessionID = strings.TrimSpace(payload.SessionID)
	if payload.SessionID == "" {
		return nil, errors.New("session_id must not be empty")
	}
	return &payload, nil
}

// handleListSessions lists the rollout conversations recorded for the
// project, filtered by the optional q/date_from/date_to parameters.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	project, account, err := s.projectForRequest(r)
	if err != nil {
		s.writeError(w, r, statusForError(err), err)
		return
	}

	query := r.URL.Query()
	opts := sessions.ListOptions{
		Limit:    parseLimit(query.Get("limit")),
		Query:    strings.TrimSpace(query.Get("q")),
		DateFrom: strings.TrimSpace(query.Get("date_from")),
		DateTo:   strings.TrimSpace(query.Get("date_to")),
	}

	listed := s.scannerFor(account).ListProjectSessions(project.Path, opts)
	s.writeJSON(w, map[string]any{"sessions": listed})
}

// handleOpenSession resumes a recorded session in a new project terminal.
func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	project, account, err := s.projectForRequest(r)
	if err != nil {
		s.writeError(w, r, statusForError(err), err)
		return
	}
	payload, err := s.sessionRequestFor(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	launch := codex.TerminalLaunch{
		ProjectPath:    project.Path,
		CodexHome:      account.CodexHome,
		SessionID:      payload.SessionID,
		PreferredShell: project.PreferredShell,
	}
	if err := s.ops.OpenProjectTerminal(r.Context(), launch); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	_ = s.store.TouchProjectOpened(project.ID)
	_ = s.store.TouchAccountUsed(account.ID)

	s.writeJSON(w, map[string]any{"message": "Opened the recorded session."})
}

// handleSessionDeletePlan reports which files a deletion would touch, so the
// UI can confirm before acting.
func (s *Server) handleSessionDeletePlan(w http.ResponseWriter, r *http.Request) {
	project, account, err := s.projectForRequest(r)
	if err != nil {
		s.writeError(w, r, statusForError(err), err)
		return
	}
	payload, err := s.sessionRequestFor(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	plan, err := s.scannerFor(account).PlanDeletion(project.Path, payload.SessionID)
	if err != nil {
		s.writeError(w, r, statusForError(err), err)
		return
	}

	s.writeJSON(w, map[string]any{"plan": plan})
}

// handleSessionPreview returns the first recorded messages of a session.
func (s *Server) handleSessionPreview(w http.ResponseWriter, r *http.Request) {
	project, account, err := s.projectForRequest(r)
	if err != nil {
		s.writeError(w, r, statusForError(err), err)
		return
	}

	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("session_id must not be empty"))
		return
	}

	preview, err := s.scannerFor(account).SessionPreview(project.Path, sessionID, 8)
	if err != nil {
		s.writeError(w, r, statusForError(err), err)
		return
	}

	s.writeJSON(w, map[string]any{"preview": preview})
}

// handleDeleteSession soft-deletes a session into the account trash, or
// removes it permanently when soft_delete is false.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	project, account, err := s.projectForRequest(r)
	if err != nil {
		s.writeError(w, r, statusForError(err), err)
		return
	}
	payload, err := s.sessionRequestFor(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	soft := true
	if payload.SoftDelete != nil {
		soft = *payload.SoftDelete
	}

	result, err := s.scannerFor(account).DeleteSession(project.Path, payload.SessionID, soft)
	if err != nil {
		s.writeError(w, r, statusForError(err), err)
		return
	}

	s.writeJSON(w, map[string]any{
		"removed_files": result.RemovedFiles,
		"mode":          result.Mode,
		"trash_dir":     result.TrashDir,
		"message":       fmt.Sprintf("Deleted the session (%s, cleaned up %d files).", result.Mode, result.RemovedFiles),
	})
}

// handleListTrashedSessions lists the soft-deleted sessions of a project.
func (s *Server) handleListTrashedSessions(w http.ResponseWriter, r *http.Request) {
	project, account, err := s.projectForRequest(r)
	if err != nil {
		s.writeError(w, r, statusForError(err), err)
		return
	}

	query := r.URL.Query()
	opts := sessions.ListOptions{
		Limit: parseLimit(query.Get("limit")),
		Query: strings.TrimSpace(query.Get("q")),
	}

	listed := s.scannerFor(account).ListTrashedSessions(project.Path, opts)
	s.writeJSON(w, map[string]any{"sessions": listed})
}

// handleRestoreSession moves a trashed session back into the live tree,
// optionally reopening it in a terminal.
func (s *Server) handleRestoreSession(w http.ResponseWriter, r *http.Request) {
	project, account, err := s.projectForRequest(r)
	if err != nil {
		s.writeError(w, r, statusForError(err), err)
		return
	}
	payload, err := s.sessionRequestFor(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	result, err := s.scannerFor(account).RestoreSession(project.Path, payload.SessionID)
	if err != nil {
		s.writeError(w, r, statusForError(err), err)
		return
	}

	message := fmt.Sprintf("Restored the session (%d files).", result.RestoredFiles)
	if payload.OpenAfterRestore {
		launch := codex.TerminalLaunch{
			ProjectPath:    project.Path,
			CodexHome:      account.CodexHome,
			SessionID:      payload.SessionID,
			PreferredShell: project.PreferredShell,
		}
		if err := s.ops.OpenProjectTerminal(r.Context(), launch); err != nil {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		_ = s.store.TouchProjectOpened(project.ID)
		_ = s.store.TouchAccountUsed(account.ID)
		message = "Restored and opened the session."
	}

	s.writeJSON(w, map[string]any{
		"restored_files": result.RestoredFiles,
		"opened":         payload.OpenAfterRestore,
		"message":        message,
	})
}
