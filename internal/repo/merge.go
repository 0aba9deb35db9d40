package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/repoengine/internal/cachetree"
	"github.com/cuemby/repoengine/internal/commitdag"
	"github.com/cuemby/repoengine/internal/events"
	"github.com/cuemby/repoengine/internal/index"
	"github.com/cuemby/repoengine/internal/metadatadb"
	"github.com/cuemby/repoengine/internal/metrics"
	"github.com/cuemby/repoengine/internal/objstore"
	"github.com/cuemby/repoengine/internal/rlog"
	"github.com/cuemby/repoengine/internal/types"
	"github.com/cuemby/repoengine/internal/unpack"
)

// MergeBranch merges remoteBranch into the repo's head.
// The returned bool reports whether a real merge happened: false for
// fast-forwards and no-ops, true when a two-parent merge commit was
// recorded. MergeInfo is persisted before the first worktree write and
// cleared only after the merge commit lands, so a crash in between is
// resumed at the next startup.
func (m *Manager) MergeBranch(ctx context.Context, r *Repo, remoteBranch string) (bool, error) {
	return m.mergeBranch(ctx, r, remoteBranch, false)
}

// mergeBranch is MergeBranch plus the recovering flag set by the
// startup path re-running a crash-interrupted merge: a recovery run
// skips the open-file lock check, since the worktree's pending writes
// are its own from the interrupted attempt.
func (m *Manager) mergeBranch(ctx context.Context, r *Repo, remoteBranch string, recovering bool) (bool, error) {
	r.Lock()
	defer r.Unlock()

	log := rlog.WithRepo(r.ID).With().Str("op", "merge").Str("branch", remoteBranch).Logger()

	remoteID, err := m.branches.Head(r.ID, remoteBranch)
	if err != nil {
		return false, fmt.Errorf("repo: merge: resolve branch %s: %w", remoteBranch, err)
	}

	headID, herr := m.branches.Head(r.ID, r.HeadBranch)
	if errors.Is(herr, metadatadb.ErrNotFound) {
		// No local history at all: adopt the remote head wholesale.
		log.Info().Msg("no local head, fast-forwarding to remote")
		metrics.MergeOutcomesTotal.WithLabelValues("fast_forward").Inc()
		if err := m.fastForwardLocked(r, remoteID); err != nil {
			return false, err
		}
		m.clearMergeInfo(r)
		m.events.Publish(&events.Event{Type: events.RepoMergeDone, RepoID: r.ID, Message: remoteBranch})
		return false, nil
	}
	if herr != nil {
		return false, herr
	}

	base, err := commitdag.MergeBase(r.store, headID, remoteID)
	if err != nil {
		return false, fmt.Errorf("repo: merge: find ancestor: %w", err)
	}

	switch {
	case base == remoteID:
		// Remote is already contained in local history.
		log.Debug().Msg("remote branch already merged, nothing to do")
		metrics.MergeOutcomesTotal.WithLabelValues("no_op").Inc()
		m.clearMergeInfo(r)
		m.events.Publish(&events.Event{Type: events.RepoMergeDone, RepoID: r.ID, Message: remoteBranch})
		return false, nil

	case base == headID:
		log.Info().Str("to", remoteID.String()).Msg("fast-forwarding")
		metrics.MergeOutcomesTotal.WithLabelValues("fast_forward").Inc()
		if err := m.fastForwardLocked(r, remoteID); err != nil {
			return false, err
		}
		m.clearMergeInfo(r)
		m.events.Publish(&events.Event{Type: events.RepoMergeDone, RepoID: r.ID, Message: remoteBranch})
		return false, nil
	}

	return true, m.realMergeLocked(ctx, r, log, remoteBranch, base, headID, remoteID, recovering)
}

// fastForwardLocked moves head to remoteID with a 2-way checkout,
// keeping unrelated local edits intact. Caller holds r's lock.
func (m *Manager) fastForwardLocked(r *Repo, remoteID objstore.ID) error {
	if r.WorktreePath != "" {
		return m.checkoutLocked(r, remoteID)
	}
	return m.setHead(r, remoteID)
}

// realMergeLocked performs the real 3-way merge of two diverged
// histories. Caller holds r's lock.
func (m *Manager) realMergeLocked(ctx context.Context, r *Repo, log zerolog.Logger, remoteBranch string, baseID, headID, remoteID objstore.ID, recovering bool) error {
	loadRoot := func(id objstore.ID) (objstore.ID, error) {
		c, err := r.store.GetCommit(id)
		if err != nil {
			return objstore.ID{}, fmt.Errorf("repo: merge: load commit %s: %w", id, err)
		}
		return c.RootID, nil
	}

	var baseRoot objstore.ID
	if !baseID.IsNull() {
		var err error
		if baseRoot, err = loadRoot(baseID); err != nil {
			return err
		}
	}
	headRoot, err := loadRoot(headID)
	if err != nil {
		return err
	}
	remoteRoot, err := loadRoot(remoteID)
	if err != nil {
		return err
	}

	// Persist the merge state before touching the worktree so a crash
	// from here on is recovered at startup.
	info := &types.MergeInfo{RepoID: r.ID, InMerge: true, Branch: remoteBranch, StartedAt: time.Now()}
	if err := m.db.PutMergeInfo(info); err != nil {
		return fmt.Errorf("repo: merge: persist merge info: %w", err)
	}
	m.events.Publish(&events.Event{Type: events.RepoMergeStarted, RepoID: r.ID, Message: remoteBranch})

	merged, conflicts, err := unpack.ThreewayMerge(r.store, baseRoot, headRoot, remoteRoot)
	if err != nil {
		return fmt.Errorf("repo: merge: %w", err)
	}
	if len(conflicts) > 0 {
		log.Warn().Strs("paths", conflicts).Msg("merge produced conflicts")
		metrics.MergeOutcomesTotal.WithLabelValues("conflict").Inc()
	} else {
		metrics.MergeOutcomesTotal.WithLabelValues("merged").Inc()
	}

	ix := index.New()
	for path, e := range merged {
		ix.Put(index.Entry{Path: path, Mode: e.Mode, Blob: e.Blob})
	}
	mergedRoot, err := cachetree.Build(ix, r.store, cachetree.NewCache())
	if err != nil {
		return fmt.Errorf("repo: merge: build merged tree: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if r.WorktreePath != "" {
		plan, perr := unpack.OnewayMerge(r.store, headRoot, mergedRoot)
		if perr != nil {
			return fmt.Errorf("repo: merge: plan worktree update: %w", perr)
		}
		if aerr := unpack.Apply(r.store, r.WorktreePath, plan, r.ID, recovering); aerr != nil {
			return fmt.Errorf("repo: merge: apply worktree update: %w", aerr)
		}
	}
	if err := ix.Save(m.cfg.SeafDir, r.ID); err != nil {
		return fmt.Errorf("repo: merge: save merged index: %w", err)
	}

	description := fmt.Sprintf("Merged branch %s", remoteBranch)
	if len(conflicts) > 0 {
		description += fmt.Sprintf(" with conflicts in %s", strings.Join(conflicts, ", "))
	}
	commitID, err := commitdag.New(r.store, mergedRoot, []objstore.ID{headID, remoteID}, r.Email, r.ID, description)
	if err != nil {
		return fmt.Errorf("repo: merge: record merge commit: %w", err)
	}
	if err := m.setHead(r, commitID); err != nil {
		return err
	}

	// The commit is durable; only now may the merge state be cleared.
	m.clearMergeInfo(r)

	log.Info().Str("commit", commitID.String()).Int("conflicts", len(conflicts)).Msg("merge committed")
	m.events.Publish(&events.Event{Type: events.RepoCommitted, RepoID: r.ID, Message: commitID.String()})
	m.events.Publish(&events.Event{Type: events.RepoMergeDone, RepoID: r.ID, Message: remoteBranch})
	return nil
}

// AbortMerge clears a pending merge's persisted state without
// recording a commit, returning the repo to the clean state.
func (m *Manager) AbortMerge(r *Repo) error {
	r.Lock()
	defer r.Unlock()
	if err := m.db.DeleteMergeInfo(r.ID); err != nil {
		return fmt.Errorf("repo: abort merge: %w", err)
	}
	return nil
}

func (m *Manager) clearMergeInfo(r *Repo) {
	if err := m.db.DeleteMergeInfo(r.ID); err != nil {
		clearMergeLogger := rlog.WithRepo(r.ID)
		clearMergeLogger.Error().Err(err).Msg("failed to clear merge info")
	}
}
