package repo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/repoengine/internal/commitdag"
	"github.com/cuemby/repoengine/internal/index"
	"github.com/cuemby/repoengine/internal/metadatadb"
	"github.com/cuemby/repoengine/internal/objstore"
	"github.com/cuemby/repoengine/internal/security"
	"github.com/cuemby/repoengine/internal/types"
)

// Initial commit: staged files and an empty-directory sentinel land in
// one root tree, in lexicographic order, with no parent commit.
func TestScenarioInitialCommit(t *testing.T) {
	m := newTestManager(t, testConfig(t))
	r := newWorktreeRepo(t, m, "initial")

	writeWorktreeFile(t, r, "a.txt", "hello")
	writeWorktreeFile(t, r, "dir/b.txt", "world")
	require.NoError(t, os.MkdirAll(filepath.Join(r.WorktreePath, "empty"), 0o755))

	commitID := stageAndCommit(t, m, r, "initial commit")

	commit, err := r.store.GetCommit(commitID)
	require.NoError(t, err)
	assert.True(t, commit.IsRoot(), "first commit has no parent")
	assert.Equal(t, "initial commit", commit.Description)

	root, err := r.store.GetTree(commit.RootID)
	require.NoError(t, err)
	require.Len(t, root.Entries, 3)
	assert.Equal(t, "a.txt", root.Entries[0].Name)
	assert.Equal(t, "dir", root.Entries[1].Name)
	assert.Equal(t, "empty", root.Entries[2].Name)
	assert.Equal(t, objstore.ModeDir, root.Entries[2].Mode, "empty-dir sentinel survives the commit")
}

// Ignored filenames never reach the tree.
func TestScenarioIgnore(t *testing.T) {
	m := newTestManager(t, testConfig(t))
	r := newWorktreeRepo(t, m, "ignore")

	writeWorktreeFile(t, r, "ok.txt", "keep me")
	writeWorktreeFile(t, r, "Thumbs.db", "windows junk")
	writeWorktreeFile(t, r, "foo~", "editor backup")

	commitID := stageAndCommit(t, m, r, "only ok.txt")

	commit, err := r.store.GetCommit(commitID)
	require.NoError(t, err)
	root, err := r.store.GetTree(commit.RootID)
	require.NoError(t, err)
	require.Len(t, root.Entries, 1)
	assert.Equal(t, "ok.txt", root.Entries[0].Name)
}

// Encrypted repo: wrong passwords are rejected by the magic check,
// stored bytes are ciphertext, and checkout restores plaintext.
func TestScenarioEncrypted(t *testing.T) {
	cfg := testConfig(t)
	m := newTestManager(t, cfg)
	r := newWorktreeRepo(t, m, "encrypted")

	_, err := m.GenerateMagic(r, "pw")
	require.NoError(t, err)
	require.NoError(t, m.VerifyPasswd(r, "pw"))
	assert.ErrorIs(t, m.VerifyPasswd(r, "pwx"), security.ErrWrongPassword)

	plaintext := "top secret payload"
	writeWorktreeFile(t, r, "secret.txt", plaintext)
	stageAndCommit(t, m, r, "secret")

	repoID := r.ID
	require.NoError(t, m.Close())

	// Peek at the raw object store without the key: the blob's stored
	// bytes must not be the plaintext.
	raw, err := objstore.Open(cfg.SeafDir, repoID, nil)
	require.NoError(t, err)
	stored, err := raw.GetBlob(objstore.Sum([]byte(plaintext)))
	require.NoError(t, err)
	assert.NotEqual(t, []byte(plaintext), stored)
	require.NoError(t, raw.Close())

	// Restart: keys reload from the metadata DB, and an initial
	// checkout into a fresh worktree reproduces the plaintext.
	m2 := newTestManager(t, cfg)
	r2, err := m2.GetRepo(repoID)
	require.NoError(t, err)
	require.True(t, r2.HasKey(), "cached keys restore decryption across restarts")

	fresh := t.TempDir()
	done := make(chan bool, 1)
	m2.AddCheckoutTask(r2, fresh, func(success bool, err error) { done <- success })
	select {
	case success := <-done:
		require.True(t, success)
	case <-time.After(10 * time.Second):
		t.Fatal("checkout task never finished")
	}
	assert.Equal(t, plaintext, readWorktreeFile(t, r2, "secret.txt"))
}

// Revert: history gains a new commit whose tree is the old commit's.
func TestScenarioRevert(t *testing.T) {
	m := newTestManager(t, testConfig(t))
	r := newWorktreeRepo(t, m, "revert")

	writeWorktreeFile(t, r, "x", "1")
	c1 := stageAndCommit(t, m, r, "x=1")

	writeWorktreeFile(t, r, "x", "2")
	c2 := stageAndCommit(t, m, r, "x=2")

	c3, err := m.Revert(r, c1, "tester", "session-1", "2026-07-01 12:00")
	require.NoError(t, err)

	assert.Equal(t, "1", readWorktreeFile(t, r, "x"))

	commit3, err := r.store.GetCommit(c3)
	require.NoError(t, err)
	require.Len(t, commit3.ParentIDs, 1)
	assert.Equal(t, c2, commit3.ParentIDs[0], "revert chains onto the current head")
	assert.True(t, strings.HasPrefix(commit3.Description, "Reverted repo to status at "))

	commit1, err := r.store.GetCommit(c1)
	require.NoError(t, err)
	assert.Equal(t, commit1.RootID, commit3.RootID, "reverted tree is identical to the target's")
}

// Fast-forward merge: no merge commit, head simply moves.
func TestScenarioMergeFastForward(t *testing.T) {
	m := newTestManager(t, testConfig(t))
	r := newWorktreeRepo(t, m, "ff")

	writeWorktreeFile(t, r, "x", "1")
	c1 := stageAndCommit(t, m, r, "c1")

	writeWorktreeFile(t, r, "x", "2")
	c2 := stageAndCommit(t, m, r, "c2")

	// Rewind local to c1 and park the newer commit on a remote branch.
	require.NoError(t, m.branches.Create(r.ID, "remote", c2))
	require.NoError(t, m.Reset(r, c1))
	require.Equal(t, "1", readWorktreeFile(t, r, "x"))

	real, err := m.MergeBranch(context.Background(), r, "remote")
	require.NoError(t, err)
	assert.False(t, real, "fast-forward is not a real merge")

	head, err := m.HeadCommit(r)
	require.NoError(t, err)
	assert.Equal(t, c2, head)
	assert.Equal(t, "2", readWorktreeFile(t, r, "x"))
}

// remoteCommitFrom builds a commit on top of base with one file
// replaced, registered under the given branch name — the shape a
// fetched remote branch has after download.
func remoteCommitFrom(t *testing.T, m *Manager, r *Repo, baseID objstore.ID, branch, path, content string) objstore.ID {
	t.Helper()

	base, err := r.store.GetCommit(baseID)
	require.NoError(t, err)
	tree, err := r.store.GetTree(base.RootID)
	require.NoError(t, err)

	blobID, err := r.store.PutBlob([]byte(content))
	require.NoError(t, err)

	newTree := &objstore.Tree{}
	replaced := false
	for _, e := range tree.Entries {
		if e.Name == path {
			e.ID = blobID
			replaced = true
		}
		newTree.Entries = append(newTree.Entries, e)
	}
	if !replaced {
		newTree.Entries = append(newTree.Entries, objstore.TreeEntry{Name: path, Mode: objstore.ModeFile, ID: blobID})
	}
	treeID, err := r.store.PutTree(newTree)
	require.NoError(t, err)

	commitID, err := commitdag.New(r.store, treeID, []objstore.ID{baseID}, "remote-user", "remote-session", "remote change")
	require.NoError(t, err)
	require.NoError(t, m.branches.Create(r.ID, branch, commitID))
	return commitID
}

// Real merge: diverged histories converge into a two-parent commit
// carrying both sides' changes.
func TestScenarioRealMerge(t *testing.T) {
	m := newTestManager(t, testConfig(t))
	r := newWorktreeRepo(t, m, "merge")

	writeWorktreeFile(t, r, "a.txt", "base-a")
	writeWorktreeFile(t, r, "b.txt", "base-b")
	c0 := stageAndCommit(t, m, r, "base")

	writeWorktreeFile(t, r, "a.txt", "local-a")
	c1 := stageAndCommit(t, m, r, "local change")

	c2 := remoteCommitFrom(t, m, r, c0, "remote", "b.txt", "remote-b")

	real, err := m.MergeBranch(context.Background(), r, "remote")
	require.NoError(t, err)
	assert.True(t, real)

	head := headCommit(t, m, r)
	require.True(t, head.IsMerge())
	assert.Equal(t, []objstore.ID{c1, c2}, head.ParentIDs)

	assert.Equal(t, "local-a", readWorktreeFile(t, r, "a.txt"))
	assert.Equal(t, "remote-b", readWorktreeFile(t, r, "b.txt"))

	_, err = m.db.GetMergeInfo(r.ID)
	assert.ErrorIs(t, err, metadatadb.ErrNotFound, "merge state cleared after the commit landed")
}

// Both sides touched the same text file: the merged worktree carries
// inline conflict markers and the merge still commits.
func TestScenarioMergeTextConflict(t *testing.T) {
	m := newTestManager(t, testConfig(t))
	r := newWorktreeRepo(t, m, "conflict")

	writeWorktreeFile(t, r, "a.txt", "line\nbase\n")
	c0 := stageAndCommit(t, m, r, "base")

	writeWorktreeFile(t, r, "a.txt", "line\nlocal\n")
	stageAndCommit(t, m, r, "local change")

	remoteCommitFrom(t, m, r, c0, "remote", "a.txt", "line\nremote\n")

	real, err := m.MergeBranch(context.Background(), r, "remote")
	require.NoError(t, err)
	assert.True(t, real)

	merged := readWorktreeFile(t, r, "a.txt")
	assert.Contains(t, merged, "<<<<<<< HEAD")
	assert.Contains(t, merged, "local")
	assert.Contains(t, merged, "remote")

	head := headCommit(t, m, r)
	assert.Contains(t, head.Description, "a.txt", "conflicted paths are named on the merge commit")
}

// Merging a branch already contained in local history is a no-op.
func TestScenarioMergeNoOp(t *testing.T) {
	m := newTestManager(t, testConfig(t))
	r := newWorktreeRepo(t, m, "noop")

	writeWorktreeFile(t, r, "x", "1")
	c1 := stageAndCommit(t, m, r, "c1")

	writeWorktreeFile(t, r, "x", "2")
	c2 := stageAndCommit(t, m, r, "c2")

	require.NoError(t, m.branches.Create(r.ID, "remote", c1))

	real, err := m.MergeBranch(context.Background(), r, "remote")
	require.NoError(t, err)
	assert.False(t, real)

	head, err := m.HeadCommit(r)
	require.NoError(t, err)
	assert.Equal(t, c2, head, "head does not move")
}

// A merge interrupted after MergeInfo was persisted but before the
// commit landed is re-run at the next startup.
func TestScenarioMergeRecovery(t *testing.T) {
	cfg := testConfig(t)
	m1 := newTestManager(t, cfg)
	r := newWorktreeRepo(t, m1, "recover")

	writeWorktreeFile(t, r, "a.txt", "base-a")
	writeWorktreeFile(t, r, "b.txt", "base-b")
	c0 := stageAndCommit(t, m1, r, "base")

	writeWorktreeFile(t, r, "a.txt", "local-a")
	stageAndCommit(t, m1, r, "local change")

	remoteCommitFrom(t, m1, r, c0, "remote", "b.txt", "remote-b")

	// Simulate a crash mid-merge: the persisted state says a merge of
	// "remote" was in flight, but no merge commit was recorded.
	require.NoError(t, m1.db.PutMergeInfo(&types.MergeInfo{RepoID: r.ID, InMerge: true, Branch: "remote", StartedAt: time.Now()}))
	repoID := r.ID
	require.NoError(t, m1.Close())

	m2 := newTestManager(t, cfg)
	r2, err := m2.GetRepo(repoID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		id, err := m2.HeadCommit(r2)
		if err != nil {
			return false
		}
		c, err := r2.store.GetCommit(id)
		return err == nil && c.IsMerge()
	}, 10*time.Second, 50*time.Millisecond, "startup recovery must finish the merge")

	require.Eventually(t, func() bool {
		_, err := m2.db.GetMergeInfo(repoID)
		return errors.Is(err, metadatadb.ErrNotFound)
	}, 10*time.Second, 50*time.Millisecond, "merge state cleared after recovery")

	assert.Equal(t, "local-a", readWorktreeFile(t, r2, "a.txt"))
	assert.Equal(t, "remote-b", readWorktreeFile(t, r2, "b.txt"))
}

// Staging twice with no worktree changes writes byte-identical index
// files.
func TestScenarioIdempotentStage(t *testing.T) {
	cfg := testConfig(t)
	m := newTestManager(t, cfg)
	r := newWorktreeRepo(t, m, "idempotent")

	writeWorktreeFile(t, r, "a.txt", "hello")
	writeWorktreeFile(t, r, "dir/b.txt", "world")

	require.NoError(t, m.IndexAdd(r, ""))
	first, err := os.ReadFile(filepath.Join(cfg.SeafDir, "index", r.ID))
	require.NoError(t, err)

	require.NoError(t, m.IndexAdd(r, ""))
	second, err := os.ReadFile(filepath.Join(cfg.SeafDir, "index", r.ID))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

// Commit then checkout then commit again: the tree id is stable and
// the second commit is refused as a no-change.
func TestScenarioCommitCheckoutRoundtrip(t *testing.T) {
	m := newTestManager(t, testConfig(t))
	r := newWorktreeRepo(t, m, "roundtrip")

	writeWorktreeFile(t, r, "a.txt", "hello")
	writeWorktreeFile(t, r, "dir/b.txt", "world")
	require.NoError(t, os.MkdirAll(filepath.Join(r.WorktreePath, "empty"), 0o755))
	c1 := stageAndCommit(t, m, r, "first")

	require.NoError(t, m.Reset(r, c1))

	require.NoError(t, m.IndexAdd(r, ""))
	_, err := m.IndexCommit(r, "again", "tester", "session-1")
	assert.ErrorIs(t, err, ErrNothingToCommit, "identical content must not produce a new commit")

	ix, err := index.Load(m.cfg.SeafDir, r.ID)
	require.NoError(t, err)
	paths := make([]string, 0, len(ix.Entries))
	for _, e := range ix.Entries {
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{"a.txt", "dir/b.txt", "empty"}, paths)
}

// Staging under a path prefix leaves siblings untouched.
func TestIndexAddWithPrefix(t *testing.T) {
	m := newTestManager(t, testConfig(t))
	r := newWorktreeRepo(t, m, "prefix")

	writeWorktreeFile(t, r, "tracked/a.txt", "a")
	writeWorktreeFile(t, r, "other/b.txt", "b")

	require.NoError(t, m.IndexAdd(r, "tracked"))

	ix, err := index.Load(m.cfg.SeafDir, r.ID)
	require.NoError(t, err)
	require.Len(t, ix.Entries, 1)
	assert.Equal(t, "tracked/a.txt", ix.Entries[0].Path)
}

// Deleting a worktree file and restaging drops its entry.
func TestIndexAddDropsDeletedFiles(t *testing.T) {
	m := newTestManager(t, testConfig(t))
	r := newWorktreeRepo(t, m, "drop")

	writeWorktreeFile(t, r, "keep.txt", "k")
	writeWorktreeFile(t, r, "gone.txt", "g")
	require.NoError(t, m.IndexAdd(r, ""))

	require.NoError(t, os.Remove(filepath.Join(r.WorktreePath, "gone.txt")))
	require.NoError(t, m.IndexAdd(r, ""))

	ix, err := index.Load(m.cfg.SeafDir, r.ID)
	require.NoError(t, err)
	require.Len(t, ix.Entries, 1)
	assert.Equal(t, "keep.txt", ix.Entries[0].Path)
}

// An empty directory that gains content loses its sentinel.
func TestIndexAddSentinelReplacedByContent(t *testing.T) {
	m := newTestManager(t, testConfig(t))
	r := newWorktreeRepo(t, m, "sentinel")

	require.NoError(t, os.MkdirAll(filepath.Join(r.WorktreePath, "d"), 0o755))
	require.NoError(t, m.IndexAdd(r, ""))

	ix, err := index.Load(m.cfg.SeafDir, r.ID)
	require.NoError(t, err)
	require.Len(t, ix.Entries, 1)
	assert.Equal(t, objstore.ModeDir, ix.Entries[0].Mode)

	writeWorktreeFile(t, r, "d/f.txt", "now populated")
	require.NoError(t, m.IndexAdd(r, ""))

	ix, err = index.Load(m.cfg.SeafDir, r.ID)
	require.NoError(t, err)
	require.Len(t, ix.Entries, 1)
	assert.Equal(t, "d/f.txt", ix.Entries[0].Path)
	assert.Equal(t, objstore.ModeFile, ix.Entries[0].Mode)
}

// Status classifies worktree, staged, and untracked changes together.
func TestStatusClassification(t *testing.T) {
	m := newTestManager(t, testConfig(t))
	r := newWorktreeRepo(t, m, "status")

	writeWorktreeFile(t, r, "committed.txt", "v1")
	stageAndCommit(t, m, r, "base")

	writeWorktreeFile(t, r, "committed.txt", "v2 with different size")
	writeWorktreeFile(t, r, "untracked.txt", "new")

	changes, err := m.Status(r)
	require.NoError(t, err)

	got := make(map[string]bool)
	for _, c := range changes {
		got[c.Path] = true
	}
	assert.True(t, got["committed.txt"], "modified tracked file reported")
	assert.True(t, got["untracked.txt"], "untracked file reported")
}
