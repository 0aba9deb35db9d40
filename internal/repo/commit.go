package repo

import (
	"errors"
	"fmt"

	"github.com/cuemby/repoengine/internal/cachetree"
	"github.com/cuemby/repoengine/internal/commitdag"
	"github.com/cuemby/repoengine/internal/events"
	"github.com/cuemby/repoengine/internal/index"
	"github.com/cuemby/repoengine/internal/metadatadb"
	"github.com/cuemby/repoengine/internal/objstore"
	"github.com/cuemby/repoengine/internal/rlog"
)

// ErrUnmergedIndex blocks a commit while the index still carries
// unresolved merge stages.
var ErrUnmergedIndex = errors.New("repo: index has unresolved merge conflicts")

// ErrNothingToCommit is returned when the index's derived tree is
// identical to the current head's, so a new commit would change
// nothing.
var ErrNothingToCommit = errors.New("repo: nothing to commit")

// IndexCommit records the current index as a new commit on the head
// branch: derive the root tree from the index, create
// the commit on top of the current head, swap the branch pointer, and
// announce repo-committed.
func (m *Manager) IndexCommit(r *Repo, description, creatorName, creatorID string) (objstore.ID, error) {
	r.Lock()
	defer r.Unlock()

	ix, err := index.Load(m.cfg.SeafDir, r.ID)
	if err != nil {
		return objstore.ID{}, fmt.Errorf("repo: commit: load index: %w", err)
	}
	if ix.HasUnmerged() {
		return objstore.ID{}, ErrUnmergedIndex
	}

	rootID, err := cachetree.Build(ix, r.store, cachetree.NewCache())
	if err != nil {
		return objstore.ID{}, fmt.Errorf("repo: commit: build tree: %w", err)
	}

	var parents []objstore.ID
	headID, herr := m.branches.Head(r.ID, r.HeadBranch)
	if herr == nil {
		head, cerr := r.store.GetCommit(headID)
		if cerr != nil {
			return objstore.ID{}, fmt.Errorf("repo: commit: load head: %w", cerr)
		}
		if head.RootID == rootID {
			return headID, ErrNothingToCommit
		}
		parents = []objstore.ID{headID}
	}

	commitID, err := commitdag.New(r.store, rootID, parents, creatorName, creatorID, description)
	if err != nil {
		return objstore.ID{}, fmt.Errorf("repo: commit: %w", err)
	}
	if err := m.setHead(r, commitID); err != nil {
		return objstore.ID{}, err
	}

	commitLogger := rlog.WithRepo(r.ID)
	commitLogger.Info().Str("commit", commitID.String()).Str("root", rootID.String()).Msg("committed index")
	m.events.Publish(&events.Event{Type: events.RepoCommitted, RepoID: r.ID, Message: commitID.String()})
	return commitID, nil
}

// setHead moves (creating if needed) the head branch to commitID and
// records the head branch name in the repo's "head" property. Caller
// holds r's lock.
func (m *Manager) setHead(r *Repo, commitID objstore.ID) error {
	if _, err := m.branches.Head(r.ID, r.HeadBranch); errors.Is(err, metadatadb.ErrNotFound) {
		if cerr := m.branches.Create(r.ID, r.HeadBranch, commitID); cerr != nil {
			return fmt.Errorf("repo: create head branch: %w", cerr)
		}
	} else {
		if uerr := m.branches.Update(r.ID, r.HeadBranch, commitID); uerr != nil {
			return fmt.Errorf("repo: move head branch: %w", uerr)
		}
	}
	if err := m.db.SetProperty(r.ID, "head", r.HeadBranch); err != nil {
		return fmt.Errorf("repo: cache head branch name: %w", err)
	}
	return nil
}

// HeadCommit resolves the repo's current head commit id, or
// metadatadb.ErrNotFound for a repo with no commits yet.
func (m *Manager) HeadCommit(r *Repo) (objstore.ID, error) {
	return m.branches.Head(r.ID, r.HeadBranch)
}

// GetCommits walks the head branch's history newest-first and returns
// up to limit commits (limit <= 0 means all).
func (m *Manager) GetCommits(r *Repo, limit int) ([]*objstore.Commit, error) {
	headID, err := m.branches.Head(r.ID, r.HeadBranch)
	if err != nil {
		return nil, err
	}
	var out []*objstore.Commit
	err = commitdag.Walk(r.store, headID, func(_ objstore.ID, c *objstore.Commit) error {
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			return commitdag.StopWalk
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
