// Package webui serves the local management UI and its JSON API. Everything
// binds to loopback by default; the API is the only way the front end talks
// to the registry, the session scanner, and the Codex launcher.
package webui

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zenquiem/codex-accounts-switch/pkg/codex"
	"github.com/zenquiem/codex-accounts-switch/pkg/logger"
	"github.com/zenquiem/codex-accounts-switch/pkg/presenter"
	"github.com/zenquiem/codex-accounts-switch/pkg/registry"
	"github.com/zenquiem/codex-accounts-switch/pkg/sessions"
)

//go:embed static/*
var embedFS embed.FS

// Server represents the local web UI server.
type Server struct {
	router   *mux.Router
	store    *registry.Store
	ops      *codex.Ops
	config   *ServerConfig
	server   *http.Server
	staticFS fs.FS
}

// ServerConfig holds the configuration for the web server.
type ServerConfig struct {
	Host string
	Port int
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Host == "" {
		return errors.New("host cannot be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

// NewServer creates the web UI server on top of an opened registry store.
func NewServer(ctx context.Context, config *ServerConfig, store *registry.Store, ops *codex.Ops) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid server configuration")
	}

	staticFS, err := fs.Sub(embedFS, "static")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create static filesystem")
	}

	s := &Server{
		router:   mux.NewRouter(),
		store:    store,
		ops:      ops,
		config:   config,
		staticFS: staticFS,
	}
	s.setupRoutes()

	// Legacy registries may predate fingerprint tracking.
	s.backfillAccountFingerprints(ctx)

	return s, nil
}

// scannerFor returns a session scanner bound to an account's Codex home.
func (s *Server) scannerFor(account *registry.Account) *sessions.Scanner {
	return sessions.NewScanner(account.CodexHome)
}

// setupRoutes configures all the HTTP routes.
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/bootstrap", s.handleBootstrap).Methods("GET")

	api.HandleFunc("/accounts", s.handleAddAccount).Methods("POST")
	api.HandleFunc("/accounts/{id}", s.handleDeleteAccount).Methods("DELETE")
	api.HandleFunc("/accounts/{id}/quota", s.handleAccountQuota).Methods("GET")

	api.HandleFunc("/projects", s.handleAddProject).Methods("POST")
	api.HandleFunc("/projects/{id}", s.handleUpdateProject).Methods("PUT")
	api.HandleFunc("/projects/{id}", s.handleDeleteProject).Methods("DELETE")
	api.HandleFunc("/projects/{id}/open", s.handleOpenProject).Methods("POST")

	api.HandleFunc("/projects/{id}/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/projects/{id}/sessions/open", s.handleOpenSession).Methods("POST")
	api.HandleFunc("/projects/{id}/sessions/delete-plan", s.handleSessionDeletePlan).Methods("POST")
	api.HandleFunc("/projects/{id}/sessions/preview", s.handleSessionPreview).Methods("GET")
	api.HandleFunc("/projects/{id}/sessions/delete", s.handleDeleteSession).Methods("POST")
	api.HandleFunc("/projects/{id}/trash/sessions", s.handleListTrashedSessions).Methods("GET")
	api.HandleFunc("/projects/{id}/trash/sessions/restore", s.handleRestoreSession).Methods("POST")

	api.HandleFunc("/settings/ui", s.handleGetUISettings).Methods("GET")
	api.HandleFunc("/settings/ui", s.handleUpdateUISettings).Methods("PUT")

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/system/status", s.handleSystemStatus).Methods("GET")
	api.HandleFunc("/system/components/{key}/latest", s.handleComponentLatest).Methods("GET")
	api.HandleFunc("/system/components/{key}/install", s.handleComponentInstall).Methods("POST")
	api.HandleFunc("/system/config-dir", s.handleConfigDir).Methods("GET")
	api.HandleFunc("/system/config-dir/open", s.handleOpenConfigDir).Methods("POST")
	api.HandleFunc("/system/about", s.handleAbout).Methods("GET")
	api.HandleFunc("/system/self/latest", s.handleSelfLatest).Methods("GET")
	api.HandleFunc("/system/self/install", s.handleSelfInstall).Methods("POST")
	api.HandleFunc("/system/pick-directory", s.handlePickDirectory).Methods("POST")
	api.HandleFunc("/system/open-trash", s.handleOpenTrash).Methods("POST")

	// Static assets and the single page app.
	s.router.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.FS(s.staticFS))))
	s.router.PathPrefix("/").HandlerFunc(s.handleIndex)

	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
}

// handleIndex serves the single-page UI.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	content, err := embedFS.ReadFile("static/index.html")
	if err != nil {
		logger.G(r.Context()).WithError(err).Error("failed to read index.html")
		http.Error(w, "failed to load application", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Write(content)
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: 200}
		next.ServeHTTP(rw, r)

		logger.G(r.Context()).WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rw.statusCode,
			"duration":    time.Since(start),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

// corsMiddleware adds CORS headers.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Utility methods

// writeJSON writes an {ok: true, ...} envelope.
func (s *Server) writeJSON(w http.ResponseWriter, fields map[string]any) {
	payload := map[string]any{"ok": true}
	for key, value := range fields {
		payload[key] = value
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.G(context.TODO()).WithError(err).Error("failed to encode JSON response")
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// writeError writes an {ok: false, error: ...} envelope.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	logger.G(r.Context()).WithError(err).WithField("status", statusCode).Warn("request failed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]any{
		"ok":    false,
		"error": err.Error(),
	}
	if encodeErr := json.NewEncoder(w).Encode(response); encodeErr != nil {
		logger.G(r.Context()).WithError(encodeErr).Error("failed to encode error response")
	}
}

// statusForError maps domain errors to HTTP statuses; anything unrecognized
// is the caller's fault.
func statusForError(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, sessions.ErrSessionNotFound),
		errors.Is(err, sessions.ErrTrashedSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// decodeJSONBody decodes an optional JSON request body into target.
func decodeJSONBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errors.Wrap(err, "invalid JSON body")
	}
	return nil
}

// parseLimit clamps the limit query parameter into [1, 200], defaulting to 30.
func parseLimit(raw string) int {
	if raw == "" {
		return 30
	}
	limit, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 30
	}
	if limit < 1 {
		return 1
	}
	if limit > 200 {
		return 200
	}
	return limit
}

// parseBool interprets form-style boolean strings with a default.
func parseBool(raw string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

// projectForRequest resolves the {id} project and its bound account.
func (s *Server) projectForRequest(r *http.Request) (*registry.Project, *registry.Account, error) {
	projectID := mux.Vars(r)["id"]
	project, err := s.store.FindProject(projectID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "project not found")
	}
	account, err := s.store.FindAccount(project.AccountID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "the project's bound account no longer exists")
	}
	return project, account, nil
}

// Start starts the web server and blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:    address,
		Handler: s.router,
	}

	presenter.Info(fmt.Sprintf("Starting web server on http://%s", address))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.G(ctx).WithError(err).Error("Web server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Stop stops the web server.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}
