package codex

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

type authFile struct {
	Tokens struct {
		AccountID string `json:"account_id"`
	} `json:"tokens"`
}

// ReadOAuthFingerprint derives a stable identity for the OAuth account that
// owns a Codex home: the SHA-256 of the lowercased account id found in
// auth.json. Two homes logged into the same account share the fingerprint.
func ReadOAuthFingerprint(codexHome string) (string, error) {
	authPath := filepath.Join(codexHome, "auth.json")
	data, err := os.ReadFile(authPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.New("credentials file not found, cannot identify the OAuth account")
		}
		return "", errors.Wrap(err, "failed to read credentials file")
	}

	var payload authFile
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", errors.Wrap(err, "credentials file is not valid JSON")
	}

	accountID := strings.TrimSpace(payload.Tokens.AccountID)
	if accountID == "" {
		return "", errors.New("no OAuth account id found in credentials, cannot deduplicate")
	}

	sum := sha256.Sum256([]byte(strings.ToLower(accountID)))
	return hex.EncodeToString(sum[:]), nil
}
