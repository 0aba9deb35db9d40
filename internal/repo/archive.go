package repo

import (
	"io"

	"github.com/cuemby/repoengine/internal/objstore"
)

// ExportRepoArchive streams every object reachable from head out of
// the repo's object store as a tar archive. For an encrypted repo the
// key must be loaded, since traversal decodes commits and trees.
func (m *Manager) ExportRepoArchive(r *Repo, w io.Writer, head objstore.ID) error {
	r.Lock()
	defer r.Unlock()
	return r.store.ExportArchive(w, head)
}

// ImportRepoArchive loads an exported archive's objects into the
// repo's object store, skipping anything already present.
func (m *Manager) ImportRepoArchive(r *Repo, rd io.Reader) error {
	r.Lock()
	defer r.Unlock()
	return r.store.ImportArchive(rd)
}
