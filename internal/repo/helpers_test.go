package repo

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/repoengine/internal/config"
	"github.com/cuemby/repoengine/internal/objstore"
	"github.com/cuemby/repoengine/internal/rlog"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		SeafDir:       t.TempDir(),
		ChunkSize:     objstore.DefaultChunkSize,
		EncVersion:    2,
		KDFIterations: 1000,
	}
}

// newTestManager starts a Manager over cfg's SeafDir. Pass the same
// cfg to a second call (after closing the first Manager) to simulate
// a process restart.
func newTestManager(t *testing.T, cfg *config.Config) *Manager {
	t.Helper()
	rlog.Init(rlog.Config{Level: rlog.ErrorLevel, Output: io.Discard})

	m, err := NewManager(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Close() })
	return m
}

// newWorktreeRepo creates a repo with a fresh bound worktree.
func newWorktreeRepo(t *testing.T, m *Manager, name string) *Repo {
	t.Helper()
	r, err := m.CreateNewRepo(name, "test repo")
	require.NoError(t, err)
	require.NoError(t, m.SetRepoWorktree(r, t.TempDir()))
	return r
}

func writeWorktreeFile(t *testing.T, r *Repo, rel, content string) {
	t.Helper()
	full := filepath.Join(r.WorktreePath, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func readWorktreeFile(t *testing.T, r *Repo, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(r.WorktreePath, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

// stageAndCommit is the common stage-everything-then-commit step the
// scenario tests repeat.
func stageAndCommit(t *testing.T, m *Manager, r *Repo, desc string) objstore.ID {
	t.Helper()
	require.NoError(t, m.IndexAdd(r, ""))
	id, err := m.IndexCommit(r, desc, "tester", "session-1")
	require.NoError(t, err)
	return id
}

func headCommit(t *testing.T, m *Manager, r *Repo) *objstore.Commit {
	t.Helper()
	id, err := m.HeadCommit(r)
	require.NoError(t, err)
	c, err := r.store.GetCommit(id)
	require.NoError(t, err)
	return c
}
