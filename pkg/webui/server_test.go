package webui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenquiem/codex-accounts-switch/pkg/codex"
	"github.com/zenquiem/codex-accounts-switch/pkg/registry"
)

type testEnv struct {
	server  *Server
	store   *registry.Store
	account *registry.Account
	project *registry.Project
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := registry.Open(t.TempDir())
	require.NoError(t, err)

	accountID := registry.NewID()
	codexHome := filepath.Join(store.Paths().AccountsRoot, accountID)
	require.NoError(t, os.MkdirAll(codexHome, 0o700))
	account, err := store.AddAccount("work", accountID, codexHome, "fp-"+accountID)
	require.NoError(t, err)

	projectDir := t.TempDir()
	project, err := store.AddProject("demo", projectDir, account.ID)
	require.NoError(t, err)

	server, err := NewServer(context.Background(), &ServerConfig{Host: "127.0.0.1", Port: 18420}, store, codex.NewOps())
	require.NoError(t, err)

	return &testEnv{server: server, store: store, account: account, project: project}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(recorder, req)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload))
	return recorder, payload
}

// writeSessionFile drops a minimal rollout file into the account's live
// sessions tree.
func (env *testEnv) writeSessionFile(t *testing.T, name, sessionID, userText string, mtime time.Time) string {
	t.Helper()

	metaLine, err := json.Marshal(map[string]any{
		"type": "session_meta",
		"payload": map[string]any{
			"id":        sessionID,
			"timestamp": mtime.UTC().Format(time.RFC3339),
			"cwd":       env.project.Path,
		},
	})
	require.NoError(t, err)
	msgLine, err := json.Marshal(map[string]any{
		"type": "response_item",
		"payload": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": userText},
			},
		},
	})
	require.NoError(t, err)

	path := filepath.Join(env.account.CodexHome, "sessions", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	content := string(metaLine) + "\n" + string(msgLine) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	recorder, payload := env.do(t, "GET", "/api/health", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, true, payload["ok"])
	assert.Equal(t, env.store.Paths().Root, payload["data_root"])
	assert.NotEmpty(t, payload["platform"])
}

func TestBootstrapReturnsAccountsProjectsAndSettings(t *testing.T) {
	env := newTestEnv(t)

	recorder, payload := env.do(t, "GET", "/api/bootstrap", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	accounts := payload["accounts"].([]any)
	require.Len(t, accounts, 1)
	assert.Equal(t, "work", accounts[0].(map[string]any)["alias"])

	projects := payload["projects"].([]any)
	require.Len(t, projects, 1)
	project := projects[0].(map[string]any)
	assert.Equal(t, "demo", project["name"])
	assert.Equal(t, "work", project["account_alias"])

	settings := payload["ui_settings"].(map[string]any)
	assert.Equal(t, "zh-CN", settings["language"])
	assert.Equal(t, "light", settings["theme"])
}

func TestAddAccountRejectsEmptyAlias(t *testing.T) {
	env := newTestEnv(t)

	recorder, payload := env.do(t, "POST", "/api/accounts", map[string]any{"alias": "   "})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, false, payload["ok"])
	assert.Contains(t, payload["error"], "alias")
}

func TestAddAccountRejectsDuplicateAlias(t *testing.T) {
	env := newTestEnv(t)

	recorder, payload := env.do(t, "POST", "/api/accounts", map[string]any{"alias": "work"})
	assert.Equal(t, http.StatusConflict, recorder.Code)
	assert.Contains(t, payload["error"], "already exists")
}

func TestDeleteAccountRemovesCodexHome(t *testing.T) {
	env := newTestEnv(t)

	// The account is still bound to a project; the store must refuse.
	recorder, _ := env.do(t, "DELETE", "/api/accounts/"+env.account.ID, nil)
	assert.Equal(t, http.StatusConflict, recorder.Code)

	_, _ = env.do(t, "DELETE", "/api/projects/"+env.project.ID, nil)

	recorder, payload := env.do(t, "DELETE", "/api/accounts/"+env.account.ID, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, true, payload["ok"])
	_, err := os.Stat(env.account.CodexHome)
	assert.True(t, os.IsNotExist(err))
}

func TestProjectCRUD(t *testing.T) {
	env := newTestEnv(t)
	otherDir := t.TempDir()

	recorder, payload := env.do(t, "POST", "/api/projects", map[string]any{
		"name":       "second",
		"path":       otherDir,
		"account_id": env.account.ID,
	})
	require.Equal(t, http.StatusOK, recorder.Code)
	created := payload["project"].(map[string]any)
	projectID := created["id"].(string)
	assert.Equal(t, "second", created["name"])

	// Duplicate name conflicts.
	recorder, _ = env.do(t, "POST", "/api/projects", map[string]any{
		"name":       "Second",
		"path":       otherDir,
		"account_id": env.account.ID,
	})
	assert.Equal(t, http.StatusConflict, recorder.Code)

	// Missing directory is rejected.
	recorder, _ = env.do(t, "POST", "/api/projects", map[string]any{
		"name":       "ghost",
		"path":       filepath.Join(otherDir, "missing"),
		"account_id": env.account.ID,
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder, payload = env.do(t, "PUT", "/api/projects/"+projectID, map[string]any{
		"name":       "renamed",
		"path":       otherDir,
		"account_id": env.account.ID,
	})
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "renamed", payload["project"].(map[string]any)["name"])

	recorder, _ = env.do(t, "DELETE", "/api/projects/"+projectID, nil)
	assert.Equal(t, http.StatusOK, recorder.Code)

	recorder, _ = env.do(t, "DELETE", "/api/projects/"+projectID, nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestUISettingsRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	recorder, payload := env.do(t, "PUT", "/api/settings/ui", map[string]any{
		"language": "en-US",
		"theme":    "dark",
	})
	require.Equal(t, http.StatusOK, recorder.Code)
	settings := payload["settings"].(map[string]any)
	assert.Equal(t, "en-US", settings["language"])
	assert.Equal(t, "dark", settings["theme"])
	assert.Equal(t, "exit", settings["window_close_behavior"])

	recorder, payload = env.do(t, "GET", "/api/settings/ui", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	settings = payload["settings"].(map[string]any)
	assert.Equal(t, "en-US", settings["language"])

	// Unknown values are rejected, not silently normalized.
	recorder, _ = env.do(t, "PUT", "/api/settings/ui", map[string]any{"theme": "hotdog"})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestListSessionsFiltersAndLimits(t *testing.T) {
	env := newTestEnv(t)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		env.writeSessionFile(t,
			fmt.Sprintf("rollout-%d.jsonl", i),
			fmt.Sprintf("sess-%d", i),
			fmt.Sprintf("task number %d", i),
			base.Add(time.Duration(i)*time.Minute))
	}

	recorder, payload := env.do(t, "GET", "/api/projects/"+env.project.ID+"/sessions?limit=3", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	listed := payload["sessions"].([]any)
	require.Len(t, listed, 3)
	// Newest first.
	assert.Equal(t, "sess-4", listed[0].(map[string]any)["session_id"])

	recorder, payload = env.do(t, "GET", "/api/projects/"+env.project.ID+"/sessions?q=number+2", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	listed = payload["sessions"].([]any)
	require.Len(t, listed, 1)
	assert.Equal(t, "sess-2", listed[0].(map[string]any)["session_id"])
}

func TestListSessionsUnknownProject(t *testing.T) {
	env := newTestEnv(t)

	recorder, payload := env.do(t, "GET", "/api/projects/nope/sessions", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
	assert.Equal(t, false, payload["ok"])
}

func TestSessionDeletePlanPreviewAndSoftDelete(t *testing.T) {
	env := newTestEnv(t)
	env.writeSessionFile(t, "rollout-x.jsonl", "sess-x", "inspect the failing worker", time.Now())

	recorder, payload := env.do(t, "POST", "/api/projects/"+env.project.ID+"/sessions/delete-plan",
		map[string]any{"session_id": "sess-x"})
	require.Equal(t, http.StatusOK, recorder.Code)
	plan := payload["plan"].(map[string]any)
	assert.Equal(t, float64(1), plan["files_count"])

	recorder, payload = env.do(t, "GET",
		"/api/projects/"+env.project.ID+"/sessions/preview?session_id=sess-x", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	preview := payload["preview"].(map[string]any)
	messages := preview["messages"].([]any)
	require.NotEmpty(t, messages)
	assert.Equal(t, "user", messages[0].(map[string]any)["role"])

	recorder, payload = env.do(t, "POST", "/api/projects/"+env.project.ID+"/sessions/delete",
		map[string]any{"session_id": "sess-x"})
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "soft", payload["mode"])
	assert.Equal(t, float64(1), payload["removed_files"])

	// The live list is empty, the trash has it.
	_, payload = env.do(t, "GET", "/api/projects/"+env.project.ID+"/sessions", nil)
	assert.Empty(t, payload["sessions"])

	_, payload = env.do(t, "GET", "/api/projects/"+env.project.ID+"/trash/sessions", nil)
	trashed := payload["sessions"].([]any)
	require.Len(t, trashed, 1)
	assert.Equal(t, "sess-x", trashed[0].(map[string]any)["session_id"])
}

func TestSessionHardDelete(t *testing.T) {
	env := newTestEnv(t)
	env.writeSessionFile(t, "rollout-y.jsonl", "sess-y", "throwaway", time.Now())

	recorder, payload := env.do(t, "POST", "/api/projects/"+env.project.ID+"/sessions/delete",
		map[string]any{"session_id": "sess-y", "soft_delete": false})
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "hard", payload["mode"])

	_, payload = env.do(t, "GET", "/api/projects/"+env.project.ID+"/trash/sessions", nil)
	assert.Empty(t, payload["sessions"])
}

func TestRestoreSessionFromTrash(t *testing.T) {
	env := newTestEnv(t)
	env.writeSessionFile(t, "rollout-z.jsonl", "sess-z", "bring me back", time.Now())

	_, _ = env.do(t, "POST", "/api/projects/"+env.project.ID+"/sessions/delete",
		map[string]any{"session_id": "sess-z"})

	recorder, payload := env.do(t, "POST", "/api/projects/"+env.project.ID+"/trash/sessions/restore",
		map[string]any{"session_id": "sess-z"})
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, float64(1), payload["restored_files"])
	assert.Equal(t, false, payload["opened"])

	_, payload = env.do(t, "GET", "/api/projects/"+env.project.ID+"/sessions", nil)
	listed := payload["sessions"].([]any)
	require.Len(t, listed, 1)
	assert.Equal(t, "sess-z", listed[0].(map[string]any)["session_id"])
}

func TestDeleteUnknownSessionReturnsNotFound(t *testing.T) {
	env := newTestEnv(t)

	recorder, _ := env.do(t, "POST", "/api/projects/"+env.project.ID+"/sessions/delete",
		map[string]any{"session_id": "nope"})
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestSessionRequestsRequireSessionID(t *testing.T) {
	env := newTestEnv(t)

	recorder, payload := env.do(t, "POST", "/api/projects/"+env.project.ID+"/sessions/delete",
		map[string]any{})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Contains(t, payload["error"], "session_id")

	recorder, _ = env.do(t, "GET", "/api/projects/"+env.project.ID+"/sessions/preview", nil)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestConfigDirEndpoint(t *testing.T) {
	env := newTestEnv(t)

	recorder, payload := env.do(t, "GET", "/api/system/config-dir", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, env.store.Paths().Root, payload["path"])
}

func TestUnknownComponentReturnsNotFound(t *testing.T) {
	env := newTestEnv(t)

	recorder, _ := env.do(t, "GET", "/api/system/components/frobnicator/latest", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestServerConfigValidate(t *testing.T) {
	assert.NoError(t, (&ServerConfig{Host: "127.0.0.1", Port: 18420}).Validate())
	assert.Error(t, (&ServerConfig{Host: "", Port: 18420}).Validate())
	assert.Error(t, (&ServerConfig{Host: "127.0.0.1", Port: 0}).Validate())
	assert.Error(t, (&ServerConfig{Host: "127.0.0.1", Port: 70000}).Validate())
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, 30, parseLimit(""))
	assert.Equal(t, 30, parseLimit("abc"))
	assert.Equal(t, 1, parseLimit("0"))
	assert.Equal(t, 200, parseLimit("9999"))
	assert.Equal(t, 50, parseLimit("50"))
}

func TestIndexServedForUnknownPaths(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("GET", "/some/spa/route", nil)
	recorder := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Header().Get("Content-Type"), "text/html")
}
