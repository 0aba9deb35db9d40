package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/repoengine/internal/commitdag"
	"github.com/cuemby/repoengine/internal/events"
	"github.com/cuemby/repoengine/internal/index"
	"github.com/cuemby/repoengine/internal/objstore"
	"github.com/cuemby/repoengine/internal/unpack"
)

// CheckoutTask is the transient per-repo progress record: inserted
// when an async checkout starts, removed when its done callback
// fires. FinishedFiles is never advanced; per-file progress is only
// visible through the metrics checkout gauges.
type CheckoutTask struct {
	RepoID        string
	Worktree      string
	TotalFiles    int
	FinishedFiles int
	Success       bool

	cancelFn context.CancelFunc
}

func (t *CheckoutTask) cancel() {
	if t.cancelFn != nil {
		t.cancelFn()
	}
}

// AddCheckoutTask schedules an async job that checks out r's current
// head into a fresh worktree, then on success installs the worktree
// path on the repo and invokes doneCb.
func (m *Manager) AddCheckoutTask(r *Repo, worktreePath string, doneCb func(success bool, err error)) *CheckoutTask {
	ctx, cancel := context.WithCancel(context.Background())
	task := &CheckoutTask{RepoID: r.ID, Worktree: worktreePath, cancelFn: cancel}

	m.checkoutMu.Lock()
	m.checkoutTasks[r.ID] = task
	m.checkoutMu.Unlock()

	go func() {
		err := m.checkoutInitial(ctx, r, worktreePath, task)
		task.Success = err == nil

		m.checkoutMu.Lock()
		delete(m.checkoutTasks, r.ID)
		m.checkoutMu.Unlock()

		if err == nil {
			if werr := m.SetRepoWorktree(r, worktreePath); werr != nil {
				err = werr
			}
		}
		doneCb(task.Success, err)
	}()
	return task
}

// checkoutInitial writes every file of the repo's current head
// commit into a brand-new worktree, with no existing content to
// reconcile against.
func (m *Manager) checkoutInitial(ctx context.Context, r *Repo, worktreePath string, task *CheckoutTask) error {
	r.Lock()
	defer r.Unlock()

	headCommit, err := m.branches.Head(r.ID, r.HeadBranch)
	if err != nil {
		return nil // a freshly created repo with no commits yet has nothing to write
	}
	commit, err := r.store.GetCommit(headCommit)
	if err != nil {
		return fmt.Errorf("repo: checkout: load head commit: %w", err)
	}

	plan, err := unpack.OnewayMerge(r.store, objstore.ID{}, commit.RootID)
	if err != nil {
		return fmt.Errorf("repo: checkout: plan: %w", err)
	}
	task.TotalFiles = len(plan)

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := unpack.Apply(r.store, worktreePath, plan, r.ID, true); err != nil {
		return fmt.Errorf("repo: checkout: apply: %w", err)
	}

	ix := index.New()
	if err := writeIndexFromTree(r.store, commit.RootID, ix); err != nil {
		return fmt.Errorf("repo: checkout: rebuild index: %w", err)
	}
	if err := ix.Save(m.cfg.SeafDir, r.ID); err != nil {
		return fmt.Errorf("repo: checkout: save index: %w", err)
	}
	return nil
}

// Checkout performs a 2-way merge of the current index/worktree
// against targetCommit, used any time the worktree needs to move to
// a new commit while keeping unrelated local edits intact.
func (m *Manager) Checkout(r *Repo, targetCommit objstore.ID) error {
	r.Lock()
	defer r.Unlock()
	return m.checkoutLocked(r, targetCommit)
}

// checkoutLocked is Checkout's body, split out for callers (the merge
// engine's fast-forward path) that already hold r's lock.
func (m *Manager) checkoutLocked(r *Repo, targetCommit objstore.ID) error {
	if r.WorktreePath == "" {
		return fmt.Errorf("repo: checkout: %s has no worktree bound", r.ID)
	}

	ix, err := index.Load(m.cfg.SeafDir, r.ID)
	if err != nil {
		return fmt.Errorf("repo: checkout: load index: %w", err)
	}
	if ix.HasUnmerged() {
		return fmt.Errorf("repo: checkout: %s has unresolved merge conflicts", r.ID)
	}

	headCommit, err := m.branches.Head(r.ID, r.HeadBranch)
	var oldRoot objstore.ID
	if err == nil {
		if headC, cerr := r.store.GetCommit(headCommit); cerr == nil {
			oldRoot = headC.RootID
		}
	}
	newCommit, err := r.store.GetCommit(targetCommit)
	if err != nil {
		return fmt.Errorf("repo: checkout: load target commit: %w", err)
	}

	plan, err := unpack.TwowayMerge(r.store, oldRoot, newCommit.RootID, statFn(r.WorktreePath, ix))
	if err != nil {
		return fmt.Errorf("repo: checkout: plan: %w", err)
	}

	if anyConflicts(plan) {
		return fmt.Errorf("repo: checkout: %s: conflicting local changes block checkout", r.ID)
	}

	if err := unpack.Apply(r.store, r.WorktreePath, plan, r.ID, false); err != nil {
		return fmt.Errorf("repo: checkout: apply: %w", err)
	}

	newIx := index.New()
	if err := writeIndexFromTree(r.store, newCommit.RootID, newIx); err != nil {
		return fmt.Errorf("repo: checkout: rebuild index: %w", err)
	}
	if err := newIx.Save(m.cfg.SeafDir, r.ID); err != nil {
		return fmt.Errorf("repo: checkout: save index: %w", err)
	}

	return m.branches.Update(r.ID, r.HeadBranch, targetCommit)
}

// Reset force-moves the index and worktree to targetCommit without
// creating a new commit, and moves the branch pointer there too.
func (m *Manager) Reset(r *Repo, targetCommit objstore.ID) error {
	r.Lock()
	defer r.Unlock()
	return m.resetWorktreeTo(r, targetCommit)
}

// resetWorktreeTo is the shared oneway_merge mechanics behind Reset
// and Revert; caller must hold r's lock.
func (m *Manager) resetWorktreeTo(r *Repo, targetCommit objstore.ID) error {
	headCommit, err := m.branches.Head(r.ID, r.HeadBranch)
	var oldRoot objstore.ID
	if err == nil {
		if headC, cerr := r.store.GetCommit(headCommit); cerr == nil {
			oldRoot = headC.RootID
		}
	}
	target, err := r.store.GetCommit(targetCommit)
	if err != nil {
		return fmt.Errorf("repo: reset: load target commit: %w", err)
	}

	if r.WorktreePath != "" {
		plan, err := unpack.OnewayMerge(r.store, oldRoot, target.RootID)
		if err != nil {
			return fmt.Errorf("repo: reset: plan: %w", err)
		}
		if err := unpack.Apply(r.store, r.WorktreePath, plan, r.ID, false); err != nil {
			return fmt.Errorf("repo: reset: apply: %w", err)
		}
	}

	ix := index.New()
	if err := writeIndexFromTree(r.store, target.RootID, ix); err != nil {
		return fmt.Errorf("repo: reset: rebuild index: %w", err)
	}
	if err := ix.Save(m.cfg.SeafDir, r.ID); err != nil {
		return fmt.Errorf("repo: reset: save index: %w", err)
	}

	return m.branches.Update(r.ID, r.HeadBranch, targetCommit)
}

// Revert resets the worktree/index to targetCommit's content, then
// records a brand new commit on top of the current head carrying
// that content: unlike Reset, history gains a node instead of the
// branch pointer simply moving backward.
func (m *Manager) Revert(r *Repo, targetCommit objstore.ID, creatorName, creatorID string, at string) (objstore.ID, error) {
	r.Lock()
	defer r.Unlock()

	target, err := r.store.GetCommit(targetCommit)
	if err != nil {
		return objstore.ID{}, fmt.Errorf("repo: revert: load target commit: %w", err)
	}

	if r.WorktreePath != "" {
		headCommit, err := m.branches.Head(r.ID, r.HeadBranch)
		var oldRoot objstore.ID
		if err == nil {
			if headC, cerr := r.store.GetCommit(headCommit); cerr == nil {
				oldRoot = headC.RootID
			}
		}
		plan, perr := unpack.OnewayMerge(r.store, oldRoot, target.RootID)
		if perr != nil {
			return objstore.ID{}, fmt.Errorf("repo: revert: plan: %w", perr)
		}
		if aerr := unpack.Apply(r.store, r.WorktreePath, plan, r.ID, false); aerr != nil {
			return objstore.ID{}, fmt.Errorf("repo: revert: apply: %w", aerr)
		}
	}

	ix := index.New()
	if err := writeIndexFromTree(r.store, target.RootID, ix); err != nil {
		return objstore.ID{}, fmt.Errorf("repo: revert: rebuild index: %w", err)
	}
	if err := ix.Save(m.cfg.SeafDir, r.ID); err != nil {
		return objstore.ID{}, fmt.Errorf("repo: revert: save index: %w", err)
	}

	parent, err := m.branches.Head(r.ID, r.HeadBranch)
	var parents []objstore.ID
	if err == nil {
		parents = []objstore.ID{parent}
	}

	description := fmt.Sprintf("Reverted repo to status at %s", at)
	newCommit, err := commitdag.New(r.store, target.RootID, parents, creatorName, creatorID, description)
	if err != nil {
		return objstore.ID{}, fmt.Errorf("repo: revert: commit: %w", err)
	}
	if err := m.branches.Update(r.ID, r.HeadBranch, newCommit); err != nil {
		return objstore.ID{}, fmt.Errorf("repo: revert: update branch: %w", err)
	}

	m.events.Publish(&events.Event{Type: events.RepoCommitted, RepoID: r.ID, Message: newCommit.String()})
	return newCommit, nil
}

func anyConflicts(plan []unpack.PlanEntry) bool {
	for _, pe := range plan {
		if pe.Action == unpack.Conflict {
			return true
		}
	}
	return false
}

// statFn adapts on-disk state plus the index's recorded blob id into
// the unpack.WorktreeStat shape TwowayMerge expects.
func statFn(worktreeRoot string, ix *index.Index) func(string) unpack.WorktreeStat {
	return func(path string) unpack.WorktreeStat {
		e, ok := ix.Get(path)
		if !ok {
			if existsOnDisk(worktreeRoot, path) {
				return unpack.WorktreeStat{Exists: true}
			}
			return unpack.WorktreeStat{}
		}
		return unpack.WorktreeStat{Exists: true, LocalBlob: e.Blob}
	}
}

func existsOnDisk(root, relPath string) bool {
	_, err := os.Stat(filepath.Join(root, filepath.FromSlash(relPath)))
	return err == nil
}

// writeIndexFromTree rebuilds an index's merged entries from a
// commit's tree, the operation checkout/reset/revert use to keep the
// index consistent with the worktree they just wrote.
func writeIndexFromTree(store *objstore.Store, root objstore.ID, ix *index.Index) error {
	flat, err := unpack.Flatten(store, root)
	if err != nil {
		return err
	}
	for path, e := range flat {
		ix.Put(index.Entry{Path: path, Mode: e.Mode, Blob: e.Blob})
	}
	return nil
}
