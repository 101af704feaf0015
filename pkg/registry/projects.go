package registry

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Project binds a filesystem path to an account. Launching a project
// opens a terminal in its path with the bound account's CODEX_HOME.
type Project struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Path           string     `json:"path"`
	AccountID      string     `json:"account_id"`
	PreferredShell string     `json:"preferred_shell"`
	CreatedAt      time.Time  `json:"created_at"`
	LastOpenedAt   *time.Time `json:"last_opened_at"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

type projectsDocument struct {
	Version  int       `json:"version"`
	Projects []Project `json:"projects"`
}

func (s *Store) readProjects() (projectsDocument, error) {
	var doc projectsDocument
	if err := readJSONFile(s.paths.ProjectsFile, &doc); err != nil {
		return projectsDocument{}, err
	}
	if doc.Projects == nil {
		doc.Projects = []Project{}
	}
	return doc, nil
}

func (s *Store) writeProjects(doc projectsDocument) error {
	return writeJSONFile(s.paths.ProjectsFile, doc)
}

// ListProjects returns all registered projects.
func (s *Store) ListProjects() ([]Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readProjects()
	if err != nil {
		return nil, err
	}
	return doc.Projects, nil
}

// FindProject returns the project with the given id.
func (s *Store) FindProject(projectID string) (*Project, error) {
	projects, err := s.ListProjects()
	if err != nil {
		return nil, err
	}
	for i := range projects {
		if projects[i].ID == projectID {
			return &projects[i], nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "project %s", projectID)
}

func validateProjectPath(rawPath string) (string, error) {
	expanded := rawPath
	if strings.HasPrefix(expanded, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			expanded = filepath.Join(home, strings.TrimPrefix(expanded, "~"))
		}
	}
	resolved, err := filepath.Abs(expanded)
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve project path")
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return "", errors.New("project path does not exist or is not a directory")
	}
	return resolved, nil
}

// AddProject registers a new project. The path must be an existing
// directory, the name unique (case-insensitive), and the account must
// exist.
func (s *Store) AddProject(name, rawPath, accountID string) (*Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("project name must not be empty")
	}
	resolved, err := validateProjectPath(rawPath)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	accountsDoc, err := s.readAccounts()
	if err != nil {
		return nil, err
	}
	if !containsAccount(accountsDoc.Accounts, accountID) {
		return nil, errors.Wrapf(ErrNotFound, "account %s", accountID)
	}

	doc, err := s.readProjects()
	if err != nil {
		return nil, err
	}
	for _, project := range doc.Projects {
		if strings.EqualFold(strings.TrimSpace(project.Name), name) {
			return nil, errors.Wrapf(ErrConflict, "project name %q already exists", name)
		}
	}

	record := Project{
		ID:             NewID(),
		Name:           name,
		Path:           resolved,
		AccountID:      accountID,
		PreferredShell: "zsh",
		CreatedAt:      time.Now().UTC(),
	}
	doc.Projects = append(doc.Projects, record)
	if err := s.writeProjects(doc); err != nil {
		return nil, err
	}
	return &record, nil
}

// UpdateProject rebinds a project's name, path and account.
func (s *Store) UpdateProject(projectID, name, rawPath, accountID string) (*Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("project name must not be empty")
	}
	resolved, err := validateProjectPath(rawPath)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	accountsDoc, err := s.readAccounts()
	if err != nil {
		return nil, err
	}
	if !containsAccount(accountsDoc.Accounts, accountID) {
		return nil, errors.Wrapf(ErrNotFound, "account %s", accountID)
	}

	doc, err := s.readProjects()
	if err != nil {
		return nil, err
	}
	var target *Project
	for i := range doc.Projects {
		project := &doc.Projects[i]
		if project.ID == projectID {
			target = project
		} else if strings.EqualFold(strings.TrimSpace(project.Name), name) {
			return nil, errors.Wrapf(ErrConflict, "project name %q already exists", name)
		}
	}
	if target == nil {
		return nil, errors.Wrapf(ErrNotFound, "project %s", projectID)
	}

	now := time.Now().UTC()
	target.Name = name
	target.Path = resolved
	target.AccountID = accountID
	target.UpdatedAt = &now

	if err := s.writeProjects(doc); err != nil {
		return nil, err
	}
	result := *target
	return &result, nil
}

// DeleteProject removes a project and returns the removed record.
func (s *Store) DeleteProject(projectID string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readProjects()
	if err != nil {
		return nil, err
	}
	var target *Project
	remaining := make([]Project, 0, len(doc.Projects))
	for i := range doc.Projects {
		if doc.Projects[i].ID == projectID {
			project := doc.Projects[i]
			target = &project
			continue
		}
		remaining = append(remaining, doc.Projects[i])
	}
	if target == nil {
		return nil, errors.Wrapf(ErrNotFound, "project %s", projectID)
	}

	doc.Projects = remaining
	if err := s.writeProjects(doc); err != nil {
		return nil, err
	}
	return target, nil
}

// TouchProjectOpened records the current time as the project's last open.
func (s *Store) TouchProjectOpened(projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readProjects()
	if err != nil {
		return err
	}
	for i := range doc.Projects {
		if doc.Projects[i].ID == projectID {
			now := time.Now().UTC()
			doc.Projects[i].LastOpenedAt = &now
			return s.writeProjects(doc)
		}
	}
	return nil
}

func containsAccount(accounts []Account, accountID string) bool {
	for _, account := range accounts {
		if account.ID == accountID {
			return true
		}
	}
	return false
}
