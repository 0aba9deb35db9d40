// Package repo implements the Repo Manager: the engine's single
// entry point for repository lifecycle, staging,
// commit, checkout, reset/revert, and the glue that wires the index,
// cache tree, branch registry, and object store together under an
// at-most-one-writer-per-repo rule.
package repo

import (
	"sync"
	"time"

	"github.com/cuemby/repoengine/internal/objstore"
	"github.com/cuemby/repoengine/internal/security"
	"github.com/cuemby/repoengine/internal/types"
)

// Repo is one repository's live, in-memory state: the fields of
// types.Repo plus the runtime handles (object store, cached password)
// that never get persisted verbatim. The Manager exclusively owns the
// set of live Repos; a Repo owns its
// own mutex, head pointer, and encryption keys.
type Repo struct {
	ID            string
	Name          string
	Description   string
	Encrypted     bool
	EncVersion    int
	KDFIterations int
	Magic         string
	CreatedAt     time.Time

	WorktreePath string
	HeadBranch   string
	AutoSync     bool
	NetBrowsable bool
	RelayID      string
	Email        string
	Token        string

	// mu allows at most one mutating operation on this repo at a
	// time. Readers (status, diff) do not take it, so they run
	// concurrently with each other and with a mutator.
	mu sync.Mutex

	// passwd is the clear-text password cached in memory once the
	// user supplies it; on disk it lives only in the RepoPasswd row
	// and as the RepoKeys derived key.
	passwd string
	key    []byte
	iv     []byte

	store *objstore.Store

	deletePending bool
}

// Lock acquires the repo's mutating-operation lock. Call Unlock when
// the operation (stage, commit, checkout, reset, revert, merge)
// completes, success or not.
func (r *Repo) Lock()   { r.mu.Lock() }
func (r *Repo) Unlock() { r.mu.Unlock() }

// Crypto returns the objstore.Crypto to use for this repo's object
// reads/writes, or nil if the repo is unencrypted or the key hasn't
// been loaded yet (password not supplied this session).
func (r *Repo) Crypto() *objstore.Crypto {
	if !r.Encrypted || r.key == nil {
		return nil
	}
	return &objstore.Crypto{Key: r.key, IV: r.iv}
}

// HasKey reports whether this repo's encryption key is currently
// loaded, i.e. whether object reads/writes will succeed.
func (r *Repo) HasKey() bool {
	return !r.Encrypted || r.key != nil
}

// setKey caches derived key material in memory and, if the object
// store is already open, pushes it there too so in-flight reads/writes
// pick it up without a reopen; called after a successful
// SetRepoPasswd, GenerateMagic, or a startup key reload.
func (r *Repo) setKey(key, iv []byte) {
	r.key, r.iv = key, iv
	if r.store != nil {
		r.store.SetCrypto(r.Crypto())
	}
}

func (r *Repo) kdfParams() security.KDFParams {
	return security.KDFParams{EncVersion: r.EncVersion, Iterations: r.KDFIterations}
}

// toRow renders the runtime Repo into the types.Repo row persisted to
// the metadata DB's Repo bucket.
func (r *Repo) toRow() *types.Repo {
	status := types.RepoStatusNormal
	if r.deletePending {
		status = types.RepoStatusDeleted
	}
	return &types.Repo{
		ID:           r.ID,
		Name:         r.Name,
		Description:  r.Description,
		Encrypted:    r.Encrypted,
		EncVersion:   r.EncVersion,
		Magic:        r.Magic,
		Status:       status,
		CreatedAt:    r.CreatedAt,
		WorktreePath: r.WorktreePath,
	}
}
