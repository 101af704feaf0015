package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	return store
}

func addTestAccount(t *testing.T, store *Store, alias, fingerprint string) *Account {
	t.Helper()
	home := filepath.Join(store.Paths().AccountsRoot, NewID())
	require.NoError(t, os.MkdirAll(home, 0o700))
	account, err := store.AddAccount(alias, NewID(), home, fingerprint)
	require.NoError(t, err)
	return account
}

func TestOpenCreatesLayout(t *testing.T) {
	store := newTestStore(t)
	paths := store.Paths()

	for _, dir := range []string{paths.Registry, paths.AccountsRoot, paths.Logs} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	for _, file := range []string{paths.AccountsFile, paths.ProjectsFile, paths.SettingsFile} {
		_, err := os.Stat(file)
		assert.NoError(t, err)
	}

	accounts, err := store.ListAccounts()
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestOpenFailsOnCorruptRegistry(t *testing.T) {
	root := t.TempDir()
	store, err := Open(root)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.Paths().AccountsFile, []byte("{not json"), 0o600))

	_, err = store.ListAccounts()
	assert.Error(t, err)
}

func TestAddAccountRejectsDuplicateAlias(t *testing.T) {
	store := newTestStore(t)
	addTestAccount(t, store, "work", "fp-1")

	_, err := store.AddAccount("Work", NewID(), t.TempDir(), "fp-2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestAddAccountRejectsDuplicateFingerprint(t *testing.T) {
	store := newTestStore(t)
	addTestAccount(t, store, "work", "fp-1")

	_, err := store.AddAccount("personal", NewID(), t.TempDir(), "fp-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Contains(t, err.Error(), "work")
}

func TestFindAccountByFingerprint(t *testing.T) {
	store := newTestStore(t)
	account := addTestAccount(t, store, "work", "fp-1")

	found, err := store.FindAccountByFingerprint("fp-1")
	require.NoError(t, err)
	assert.Equal(t, account.ID, found.ID)

	_, err = store.FindAccountByFingerprint("fp-unknown")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = store.FindAccountByFingerprint("  ")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSetAccountFingerprint(t *testing.T) {
	store := newTestStore(t)
	first := addTestAccount(t, store, "work", "fp-1")
	second := addTestAccount(t, store, "personal", "")

	require.NoError(t, store.SetAccountFingerprint(second.ID, "fp-2"))
	found, err := store.FindAccountByFingerprint("fp-2")
	require.NoError(t, err)
	assert.Equal(t, second.ID, found.ID)

	// claiming another account's fingerprint is rejected
	err = store.SetAccountFingerprint(second.ID, "fp-1")
	assert.True(t, errors.Is(err, ErrConflict))

	// setting the same value twice is a no-op
	require.NoError(t, store.SetAccountFingerprint(first.ID, "fp-1"))
}

func TestDeleteAccountRejectedWhileReferenced(t *testing.T) {
	store := newTestStore(t)
	account := addTestAccount(t, store, "work", "fp-1")

	projectDir := t.TempDir()
	_, err := store.AddProject("demo", projectDir, account.ID)
	require.NoError(t, err)

	_, err = store.DeleteAccount(account.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Contains(t, err.Error(), "demo")

	projects, err := store.ListProjects()
	require.NoError(t, err)
	_, err = store.DeleteProject(projects[0].ID)
	require.NoError(t, err)

	removed, err := store.DeleteAccount(account.ID)
	require.NoError(t, err)
	assert.Equal(t, account.ID, removed.ID)

	_, err = store.FindAccount(account.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestAddProjectValidation(t *testing.T) {
	store := newTestStore(t)
	account := addTestAccount(t, store, "work", "fp-1")

	_, err := store.AddProject("", t.TempDir(), account.ID)
	assert.Error(t, err)

	_, err = store.AddProject("demo", filepath.Join(t.TempDir(), "missing"), account.ID)
	assert.Error(t, err)

	_, err = store.AddProject("demo", t.TempDir(), "no-such-account")
	assert.True(t, errors.Is(err, ErrNotFound))

	project, err := store.AddProject("demo", t.TempDir(), account.ID)
	require.NoError(t, err)
	assert.Len(t, project.ID, 12)
	assert.Equal(t, "zsh", project.PreferredShell)
	assert.True(t, filepath.IsAbs(project.Path))

	_, err = store.AddProject("DEMO", t.TempDir(), account.ID)
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestUpdateProject(t *testing.T) {
	store := newTestStore(t)
	account := addTestAccount(t, store, "work", "fp-1")
	project, err := store.AddProject("demo", t.TempDir(), account.ID)
	require.NoError(t, err)
	other, err := store.AddProject("other", t.TempDir(), account.ID)
	require.NoError(t, err)

	newDir := t.TempDir()
	updated, err := store.UpdateProject(project.ID, "renamed", newDir, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, newDir, updated.Path)
	require.NotNil(t, updated.UpdatedAt)

	// renaming onto another project's name is rejected
	_, err = store.UpdateProject(project.ID, "other", newDir, account.ID)
	assert.True(t, errors.Is(err, ErrConflict))

	// keeping one's own name is allowed
	_, err = store.UpdateProject(other.ID, "other", other.Path, account.ID)
	assert.NoError(t, err)

	_, err = store.UpdateProject("missing", "x", newDir, account.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTouchStamps(t *testing.T) {
	store := newTestStore(t)
	account := addTestAccount(t, store, "work", "fp-1")
	project, err := store.AddProject("demo", t.TempDir(), account.ID)
	require.NoError(t, err)

	assert.Nil(t, project.LastOpenedAt)
	require.NoError(t, store.TouchProjectOpened(project.ID))
	reloaded, err := store.FindProject(project.ID)
	require.NoError(t, err)
	assert.NotNil(t, reloaded.LastOpenedAt)

	require.NoError(t, store.TouchAccountUsed(account.ID))
	reloadedAccount, err := store.FindAccount(account.ID)
	require.NoError(t, err)
	assert.NotNil(t, reloadedAccount.LastUsedAt)

	// unknown ids are ignored
	assert.NoError(t, store.TouchProjectOpened("missing"))
	assert.NoError(t, store.TouchAccountUsed("missing"))
}

func TestUISettingsDefaultsAndNormalization(t *testing.T) {
	store := newTestStore(t)

	settings, err := store.UISettings()
	require.NoError(t, err)
	assert.Equal(t, UISettings{Language: "zh-CN", Theme: "light", WindowCloseBehavior: "exit"}, settings)

	// corrupt settings fall back to defaults instead of failing
	require.NoError(t, os.WriteFile(store.Paths().SettingsFile, []byte("oops"), 0o600))
	settings, err = store.UISettings()
	require.NoError(t, err)
	assert.Equal(t, "light", settings.Theme)
}

func TestUpdateUISettings(t *testing.T) {
	store := newTestStore(t)

	theme := "dark"
	language := "en-US"
	settings, err := store.UpdateUISettings(UISettingsUpdate{Theme: &theme, Language: &language})
	require.NoError(t, err)
	assert.Equal(t, "dark", settings.Theme)
	assert.Equal(t, "en-US", settings.Language)

	// partial update keeps previous values
	behavior := "minimize_to_tray"
	settings, err = store.UpdateUISettings(UISettingsUpdate{WindowCloseBehavior: &behavior})
	require.NoError(t, err)
	assert.Equal(t, "dark", settings.Theme)
	assert.Equal(t, "minimize_to_tray", settings.WindowCloseBehavior)

	bad := "neon"
	_, err = store.UpdateUISettings(UISettingsUpdate{Theme: &bad})
	assert.Error(t, err)
}
