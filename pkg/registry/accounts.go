package registry

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Account is a managed Codex CLI login. CodexHome points at the
// per-account home directory holding the OAuth credentials, and the
// fingerprint is a digest derived from those credentials for dedup.
type Account struct {
	ID               string     `json:"id"`
	Alias            string     `json:"alias"`
	CodexHome        string     `json:"codex_home"`
	OAuthFingerprint string     `json:"oauth_fingerprint,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	LastUsedAt       *time.Time `json:"last_used_at"`
}

type accountsDocument struct {
	Version  int       `json:"version"`
	Accounts []Account `json:"accounts"`
}

func (s *Store) readAccounts() (accountsDocument, error) {
	var doc accountsDocument
	if err := readJSONFile(s.paths.AccountsFile, &doc); err != nil {
		return accountsDocument{}, err
	}
	if doc.Accounts == nil {
		doc.Accounts = []Account{}
	}
	return doc, nil
}

func (s *Store) writeAccounts(doc accountsDocument) error {
	return writeJSONFile(s.paths.AccountsFile, doc)
}

// ListAccounts returns all registered accounts.
func (s *Store) ListAccounts() ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readAccounts()
	if err != nil {
		return nil, err
	}
	return doc.Accounts, nil
}

// FindAccount returns the account with the given id.
func (s *Store) FindAccount(accountID string) (*Account, error) {
	accounts, err := s.ListAccounts()
	if err != nil {
		return nil, err
	}
	for i := range accounts {
		if accounts[i].ID == accountID {
			return &accounts[i], nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "account %s", accountID)
}

// FindAccountByAlias performs a case-insensitive alias lookup.
func (s *Store) FindAccountByAlias(alias string) (*Account, error) {
	aliasNorm := strings.ToLower(strings.TrimSpace(alias))
	accounts, err := s.ListAccounts()
	if err != nil {
		return nil, err
	}
	for i := range accounts {
		if strings.ToLower(strings.TrimSpace(accounts[i].Alias)) == aliasNorm {
			return &accounts[i], nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "account alias %q", alias)
}

// FindAccountByFingerprint returns the account matching the OAuth
// fingerprint, or ErrNotFound.
func (s *Store) FindAccountByFingerprint(fingerprint string) (*Account, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return nil, errors.Wrap(ErrNotFound, "empty fingerprint")
	}
	accounts, err := s.ListAccounts()
	if err != nil {
		return nil, err
	}
	for i := range accounts {
		if accounts[i].OAuthFingerprint == fingerprint {
			return &accounts[i], nil
		}
	}
	return nil, errors.Wrap(ErrNotFound, "no account with fingerprint")
}

// AddAccount registers a new account. The alias must be unique
// (case-insensitive) and, when a fingerprint is supplied, no existing
// account may carry the same fingerprint.
func (s *Store) AddAccount(alias, accountID, codexHome, fingerprint string) (*Account, error) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return nil, errors.New("account alias must not be empty")
	}
	fingerprint = strings.TrimSpace(fingerprint)

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readAccounts()
	if err != nil {
		return nil, err
	}
	for _, account := range doc.Accounts {
		if strings.EqualFold(strings.TrimSpace(account.Alias), alias) {
			return nil, errors.Wrapf(ErrConflict, "account alias %q already exists", alias)
		}
		if fingerprint != "" && account.OAuthFingerprint == fingerprint {
			existing := account.Alias
			if existing == "" {
				existing = account.ID
			}
			return nil, errors.Wrapf(ErrConflict, "OAuth account already registered as %q", existing)
		}
	}

	record := Account{
		ID:               accountID,
		Alias:            alias,
		CodexHome:        codexHome,
		OAuthFingerprint: fingerprint,
		CreatedAt:        time.Now().UTC(),
	}
	doc.Accounts = append(doc.Accounts, record)
	if err := s.writeAccounts(doc); err != nil {
		return nil, err
	}
	return &record, nil
}

// SetAccountFingerprint backfills the OAuth fingerprint of an existing
// account, rejecting fingerprints already claimed by another account.
func (s *Store) SetAccountFingerprint(accountID, fingerprint string) error {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return errors.New("oauth fingerprint must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readAccounts()
	if err != nil {
		return err
	}

	var target *Account
	for i := range doc.Accounts {
		account := &doc.Accounts[i]
		if account.OAuthFingerprint == fingerprint && account.ID != accountID {
			existing := account.Alias
			if existing == "" {
				existing = account.ID
			}
			return errors.Wrapf(ErrConflict, "OAuth account already registered as %q", existing)
		}
		if account.ID == accountID {
			target = account
		}
	}
	if target == nil {
		return errors.Wrapf(ErrNotFound, "account %s", accountID)
	}
	if target.OAuthFingerprint == fingerprint {
		return nil
	}

	target.OAuthFingerprint = fingerprint
	return s.writeAccounts(doc)
}

// DeleteAccount removes an account and returns the removed record. The
// delete is rejected while any project still references the account.
func (s *Store) DeleteAccount(accountID string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	projectsDoc, err := s.readProjects()
	if err != nil {
		return nil, err
	}
	var referencing []string
	for _, project := range projectsDoc.Projects {
		if project.AccountID == accountID {
			referencing = append(referencing, project.Name)
		}
	}
	if len(referencing) > 0 {
		return nil, errors.Wrapf(ErrConflict, "account still referenced by projects: %s", strings.Join(referencing, ", "))
	}

	doc, err := s.readAccounts()
	if err != nil {
		return nil, err
	}
	var target *Account
	remaining := make([]Account, 0, len(doc.Accounts))
	for i := range doc.Accounts {
		if doc.Accounts[i].ID == accountID {
			account := doc.Accounts[i]
			target = &account
			continue
		}
		remaining = append(remaining, doc.Accounts[i])
	}
	if target == nil {
		return nil, errors.Wrapf(ErrNotFound, "account %s", accountID)
	}

	doc.Accounts = remaining
	if err := s.writeAccounts(doc); err != nil {
		return nil, err
	}
	return target, nil
}

// TouchAccountUsed records the current time as the account's last use.
func (s *Store) TouchAccountUsed(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readAccounts()
	if err != nil {
		return err
	}
	for i := range doc.Accounts {
		if doc.Accounts[i].ID == accountID {
			now := time.Now().UTC()
			doc.Accounts[i].LastUsedAt = &now
			return s.writeAccounts(doc)
		}
	}
	return nil
}
