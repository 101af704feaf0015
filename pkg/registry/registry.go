// Package registry persists the account and project registry as flat
// JSON documents under a local data root. Files are rewritten whole on
// every mutation (tmp file + rename); the only consistency guarantee is
// last-writer-wins within a single process.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound indicates the requested account or project does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a uniqueness violation (alias, name, fingerprint)
	// or a delete blocked by existing references.
	ErrConflict = errors.New("record conflict")
)

// Paths describes the on-disk layout of the data root.
type Paths struct {
	Root         string
	Registry     string
	AccountsRoot string
	Logs         string
	AccountsFile string
	ProjectsFile string
	SettingsFile string
}

// DefaultRoot returns the default data root under the user's home.
func DefaultRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve user home directory")
	}
	return filepath.Join(home, ".local", "share", "codex-accounts-switch"), nil
}

// Store provides registry access over the JSON documents. Mutations are
// serialized with an in-process mutex; there is no cross-process locking.
type Store struct {
	paths Paths
	mu    sync.Mutex
}

// Open initializes the data root layout and returns a Store. An empty
// root selects the default location.
func Open(root string) (*Store, error) {
	if root == "" {
		defaultRoot, err := DefaultRoot()
		if err != nil {
			return nil, err
		}
		root = defaultRoot
	}

	paths := Paths{
		Root:         root,
		Registry:     filepath.Join(root, "registry"),
		AccountsRoot: filepath.Join(root, "accounts"),
		Logs:         filepath.Join(root, "logs"),
		AccountsFile: filepath.Join(root, "registry", "accounts.json"),
		ProjectsFile: filepath.Join(root, "registry", "projects.json"),
		SettingsFile: filepath.Join(root, "registry", "settings.json"),
	}

	s := &Store{paths: paths}
	if err := s.ensureLayout(); err != nil {
		return nil, err
	}
	return s, nil
}

// Paths returns the resolved data root layout.
func (s *Store) Paths() Paths {
	return s.paths
}

func (s *Store) ensureLayout() error {
	for _, dir := range []string{s.paths.Root, s.paths.Registry, s.paths.AccountsRoot, s.paths.Logs} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return errors.Wrapf(err, "failed to create data directory %s", dir)
		}
		chmodBestEffort(dir, 0o700)
	}

	if _, err := os.Stat(s.paths.AccountsFile); os.IsNotExist(err) {
		if err := writeJSONFile(s.paths.AccountsFile, accountsDocument{Version: 1, Accounts: []Account{}}); err != nil {
			return err
		}
	}
	if _, err := os.Stat(s.paths.ProjectsFile); os.IsNotExist(err) {
		if err := writeJSONFile(s.paths.ProjectsFile, projectsDocument{Version: 1, Projects: []Project{}}); err != nil {
			return err
		}
	}
	if _, err := os.Stat(s.paths.SettingsFile); os.IsNotExist(err) {
		if err := writeJSONFile(s.paths.SettingsFile, defaultSettingsDocument()); err != nil {
			return err
		}
	}

	chmodBestEffort(s.paths.AccountsFile, 0o600)
	chmodBestEffort(s.paths.ProjectsFile, 0o600)
	chmodBestEffort(s.paths.SettingsFile, 0o600)
	return nil
}

// NewID generates a short random identifier for registry records.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func chmodBestEffort(path string, mode os.FileMode) {
	_ = os.Chmod(path, mode)
}

func readJSONFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", path)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "failed to parse %s", path)
	}
	return nil
}

// writeJSONFile writes the payload atomically: marshal to a sibling tmp
// file, then rename over the target.
func writeJSONFile(path string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s", path)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to replace %s", path)
	}
	chmodBestEffort(path, 0o600)
	return nil
}
