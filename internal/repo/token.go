package repo

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/repoengine/internal/metadatadb"
	"github.com/cuemby/repoengine/internal/security"
	"github.com/cuemby/repoengine/internal/types"
)

// DefaultRepoToken is accepted for a repo that never had a lan token
// set.
const DefaultRepoToken = "default"

// tmpTokenTTL bounds how long a one-shot token stays valid if it is
// never consumed.
const tmpTokenTTL = time.Hour

// SetLanToken installs the repo's persistent shared secret for local
// network transfers.
func (m *Manager) SetLanToken(r *Repo, token string) error {
	return m.db.PutLanToken(&types.RepoToken{RepoID: r.ID, Token: token})
}

// GenerateLanToken creates, stores, and returns a fresh random lan
// token for the repo.
func (m *Manager) GenerateLanToken(r *Repo) (string, error) {
	raw, err := security.RandomBytes(20)
	if err != nil {
		return "", fmt.Errorf("repo: generate lan token: %w", err)
	}
	token := hex.EncodeToString(raw)
	if err := m.SetLanToken(r, token); err != nil {
		return "", err
	}
	return token, nil
}

// GetLanToken returns the repo's lan token, falling back to
// DefaultRepoToken when none was ever set.
func (m *Manager) GetLanToken(r *Repo) (string, error) {
	t, err := m.db.GetLanToken(r.ID, "")
	if errors.Is(err, metadatadb.ErrNotFound) {
		return DefaultRepoToken, nil
	}
	if err != nil {
		return "", err
	}
	return t.Token, nil
}

// VerifyLanToken checks a presented token against the repo's stored
// (or default) lan token.
func (m *Manager) VerifyLanToken(r *Repo, token string) (bool, error) {
	want, err := m.GetLanToken(r)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1, nil
}

// AddTmpToken stores a one-shot (repo, peer) token that a single
// VerifyTmpToken call consumes.
func (m *Manager) AddTmpToken(r *Repo, peerID, token string) error {
	return m.db.PutTmpToken(&types.RepoToken{
		RepoID:    r.ID,
		PeerID:    peerID,
		Token:     token,
		ExpiresAt: time.Now().Add(tmpTokenTTL),
	})
}

// VerifyTmpToken checks and consumes a one-shot token: whatever the
// outcome of the comparison, the stored row is deleted, so a token is
// never accepted twice.
func (m *Manager) VerifyTmpToken(r *Repo, peerID, token string) (bool, error) {
	t, err := m.db.GetTmpToken(r.ID, peerID)
	if errors.Is(err, metadatadb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if derr := m.db.DeleteTmpToken(r.ID, peerID); derr != nil {
		return false, derr
	}
	if time.Now().After(t.ExpiresAt) {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(t.Token), []byte(token)) == 1, nil
}
