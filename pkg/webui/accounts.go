package webui

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zenquiem/codex-accounts-switch/pkg/codex"
	"github.com/zenquiem/codex-accounts-switch/pkg/logger"
	"github.com/zenquiem/codex-accounts-switch/pkg/registry"
)

// projectView decorates a project with its account alias for the front end.
type projectView struct {
	registry.Project
	AccountAlias string `json:"account_alias"`
}

func (s *Server) projectViews(projects []registry.Project, accounts []registry.Account) []projectView {
	aliasByID := make(map[string]string, len(accounts))
	for _, account := range accounts {
		aliasByID[account.ID] = account.Alias
	}
	views := make([]projectView, 0, len(projects))
	for _, project := range projects {
		alias, ok := aliasByID[project.AccountID]
		if !ok {
			alias = "unknown account"
		}
		views = append(views, projectView{Project: project, AccountAlias: alias})
	}
	return views
}

// handleBootstrap returns everything the UI needs on first paint.
func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts()
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	projects, err := s.store.ListProjects()
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	settings, err := s.store.UISettings()
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, map[string]any{
		"accounts":    accounts,
		"projects":    s.projectViews(projects, accounts),
		"ui_settings": settings,
	})
}

// backfillAccountFingerprints fills in missing OAuth fingerprints for
// accounts created before fingerprint tracking existed. Failures are logged
// and skipped; the account may simply be logged out.
func (s *Server) backfillAccountFingerprints(ctx context.Context) {
	accounts, err := s.store.ListAccounts()
	if err != nil {
		logger.G(ctx).WithError(err).Warn("cannot list accounts for fingerprint backfill")
		return
	}
	for _, account := range accounts {
		if strings.TrimSpace(account.OAuthFingerprint) != "" {
			continue
		}
		s.backfillOneFingerprint(ctx, &account)
	}
}

func (s *Server) backfillOneFingerprint(ctx context.Context, account *registry.Account) string {
	if existing := strings.TrimSpace(account.OAuthFingerprint); existing != "" {
		return existing
	}
	if strings.TrimSpace(account.CodexHome) == "" {
		return ""
	}
	fingerprint, err := codex.ReadOAuthFingerprint(account.CodexHome)
	if err != nil {
		logger.G(ctx).WithError(err).WithField("account_id", account.ID).Debug("fingerprint backfill skipped")
		return ""
	}
	if err := s.store.SetAccountFingerprint(account.ID, fingerprint); err != nil {
		logger.G(ctx).WithError(err).WithField("account_id", account.ID).Warn("failed to persist backfilled fingerprint")
		return ""
	}
	return fingerprint
}

// findAccountByFingerprint checks the registry for an account with the given
// fingerprint, backfilling legacy accounts along the way.
func (s *Server) findAccountByFingerprint(ctx context.Context, fingerprint string) *registry.Account {
	if direct, err := s.store.FindAccountByFingerprint(fingerprint); err == nil {
		return direct
	}

	accounts, err := s.store.ListAccounts()
	if err != nil {
		return nil
	}
	for i := range accounts {
		account := &accounts[i]
		if strings.TrimSpace(account.OAuthFingerprint) != "" {
			continue
		}
		if s.backfillOneFingerprint(ctx, account) == fingerprint {
			if refreshed, err := s.store.FindAccount(account.ID); err == nil {
				return refreshed
			}
			return account
		}
	}
	return nil
}

type addAccountRequest struct {
	Alias string `json:"alias"`
}

// handleAddAccount provisions a fresh Codex home, walks the user through the
// OAuth login in a terminal window, and registers the account. The temporary
// home is removed on every failure path.
func (s *Server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload addAccountRequest
	if err := decodeJSONBody(r, &payload); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	alias := strings.TrimSpace(payload.Alias)
	if alias == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("account alias must not be empty"))
		return
	}
	if existing, err := s.store.FindAccountByAlias(alias); err == nil && existing != nil {
		s.writeError(w, r, http.StatusConflict, errors.Errorf("account alias `%s` already exists", alias))
		return
	}

	accountID := registry.NewID()
	codexHome := filepath.Join(s.store.Paths().AccountsRoot, accountID)
	if err := os.MkdirAll(codexHome, 0o700); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, errors.Wrap(err, "failed to create account home"))
		return
	}
	cleanup := func() { _ = os.RemoveAll(codexHome) }

	loggedIn, message, err := s.ops.RunOAuthLoginInTerminal(ctx, codexHome)
	if err != nil {
		cleanup()
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if !loggedIn {
		cleanup()
		s.writeError(w, r, http.StatusBadRequest, errors.Errorf("account login did not complete: %s", message))
		return
	}

	fingerprint, err := codex.ReadOAuthFingerprint(codexHome)
	if err != nil {
		cleanup()
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	// Same OAuth identity seen before: hand back the existing record
	// instead of creating a second account for it.
	if duplicate := s.findAccountByFingerprint(ctx, fingerprint); duplicate != nil {
		cleanup()
		duplicateAlias := strings.TrimSpace(duplicate.Alias)
		if duplicateAlias == "" {
			duplicateAlias = duplicate.ID
		}
		s.writeJSON(w, map[string]any{
			"account":      duplicate,
			"deduplicated": true,
			"message":      fmt.Sprintf("This OAuth account is already registered as `%s`.", duplicateAlias),
		})
		return
	}

	record, err := s.store.AddAccount(alias, accountID, codexHome, fingerprint)
	if err != nil {
		cleanup()
		s.writeError(w, r, statusForError(err), err)
		return
	}

	logger.G(ctx).WithFields(logrus.Fields{
		"account_id": record.ID,
		"alias":      record.Alias,
	}).Info("account added")
	s.writeJSON(w, map[string]any{
		"account": record,
		"message": "Account added.",
	})
}

// handleDeleteAccount removes the registry record and then the Codex home on
// disk. Accounts still referenced by a project are rejected by the store.
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]

	removed, err := s.store.DeleteAccount(accountID)
	if err != nil {
		s.writeError(w, r, statusForError(err), err)
		return
	}
	if removed.CodexHome != "" {
		_ = os.RemoveAll(removed.CodexHome)
	}

	s.writeJSON(w, map[string]any{"removed": removed})
}

// handleAccountQuota reads the account's rate limits, optionally bypassing
// the cache with ?force=1.
func (s *Server) handleAccountQuota(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	account, err := s.store.FindAccount(accountID)
	if err != nil {
		s.writeError(w, r, http.StatusNotFound, err)
		return
	}

	force := parseBool(r.URL.Query().Get("force"), false)
	quota, err := s.ops.FetchQuota(r.Context(), account.CodexHome, force)
	if err != nil {
		s.writeError(w, r, http.StatusBadGateway, err)
		return
	}

	s.writeJSON(w, map[string]any{
		"account_id": accountID,
		"quota":      quota,
	})
}
