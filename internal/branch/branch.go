// Package branch implements the named, mutable commit pointers a
// repo exposes.
package branch

import (
	"fmt"

	"github.com/cuemby/repoengine/internal/metadatadb"
	"github.com/cuemby/repoengine/internal/objstore"
	"github.com/cuemby/repoengine/internal/types"
)

// Registry resolves and updates branch pointers for one metadata DB.
// Callers are responsible for holding the owning repo's mutex around
// any Update call, like every other per-repo mutating operation.
type Registry struct {
	db *metadatadb.DB
}

// New wraps a metadata DB as a branch Registry.
func New(db *metadatadb.DB) *Registry {
	return &Registry{db: db}
}

// Head returns the commit id a branch currently points at.
func (r *Registry) Head(repoID, name string) (objstore.ID, error) {
	b, err := r.db.GetBranch(repoID, name)
	if err != nil {
		return objstore.ID{}, fmt.Errorf("branch: head %s/%s: %w", repoID, name, err)
	}
	return objstore.ParseID(b.CommitID)
}

// Create registers a new branch pointing at commitID. Returns an
// error if the branch already exists; use Update to move it.
func (r *Registry) Create(repoID, name string, commitID objstore.ID) error {
	if _, err := r.db.GetBranch(repoID, name); err == nil {
		return fmt.Errorf("branch: %s/%s already exists", repoID, name)
	}
	return r.db.PutBranch(&types.Branch{RepoID: repoID, Name: name, CommitID: commitID.String()})
}

// Update atomically swaps a branch's pointer to newCommit. The
// underlying bbolt Put is itself the atomicity boundary: readers
// either see the old commit id or the new one, never a partial write.
func (r *Registry) Update(repoID, name string, newCommit objstore.ID) error {
	if err := r.db.PutBranch(&types.Branch{RepoID: repoID, Name: name, CommitID: newCommit.String()}); err != nil {
		return fmt.Errorf("branch: update %s/%s: %w", repoID, name, err)
	}
	return nil
}

// List returns every branch registered for a repo.
func (r *Registry) List(repoID string) ([]*types.Branch, error) {
	out, err := r.db.ListBranches(repoID)
	if err != nil {
		return nil, fmt.Errorf("branch: list %s: %w", repoID, err)
	}
	return out, nil
}

// Delete removes a branch pointer entirely.
func (r *Registry) Delete(repoID, name string) error {
	return r.db.DeleteBranch(repoID, name)
}
