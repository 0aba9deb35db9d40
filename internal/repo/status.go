package repo

import (
	"errors"
	"fmt"

	"github.com/cuemby/repoengine/internal/index"
	"github.com/cuemby/repoengine/internal/metadatadb"
	"github.com/cuemby/repoengine/internal/objstore"
	"github.com/cuemby/repoengine/internal/worktree"
)

// Status classifies everything that differs between the worktree, the
// index, and the head commit: modified/deleted tracked
// files, untracked additions, and staged-but-uncommitted changes, with
// empty-directory deletions collapsed and renames paired up.
func (m *Manager) Status(r *Repo) ([]worktree.Change, error) {
	if err := m.checkWorktree(r); err != nil {
		return nil, err
	}

	ix, err := index.Load(m.cfg.SeafDir, r.ID)
	if err != nil {
		return nil, fmt.Errorf("repo: status: load index: %w", err)
	}

	wtChanges, err := worktree.CollectWorktreeChanges(ix, r.WorktreePath, m.ignore)
	if err != nil {
		return nil, fmt.Errorf("repo: status: %w", err)
	}
	untracked, err := worktree.CollectUntracked(ix, r.WorktreePath, m.ignore)
	if err != nil {
		return nil, fmt.Errorf("repo: status: %w", err)
	}

	var headRoot objstore.ID
	if headID, herr := m.branches.Head(r.ID, r.HeadBranch); herr == nil {
		head, cerr := r.store.GetCommit(headID)
		if cerr != nil {
			return nil, fmt.Errorf("repo: status: load head: %w", cerr)
		}
		headRoot = head.RootID
	} else if !errors.Is(herr, metadatadb.ErrNotFound) {
		return nil, herr
	}

	staged, err := worktree.CollectIndexChanges(r.store, ix, headRoot)
	if err != nil {
		return nil, fmt.Errorf("repo: status: %w", err)
	}

	changes := append(append(wtChanges, untracked...), staged...)

	sentinels := make(map[string]bool)
	for _, e := range ix.Entries {
		if e.Mode == objstore.ModeDir {
			sentinels[e.Path] = true
		}
	}
	changes = worktree.ResolveEmptyDirs(changes, sentinels)
	changes = worktree.ResolveRenames(changes, func(path string) (objstore.ID, bool) {
		e, ok := ix.Get(path)
		if !ok {
			return objstore.ID{}, false
		}
		return e.Blob, true
	})
	return changes, nil
}
