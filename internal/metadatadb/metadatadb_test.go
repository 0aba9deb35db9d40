package metadatadb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/repoengine/internal/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRepoCRUD(t *testing.T) {
	db := openTestDB(t)

	r := &types.Repo{ID: "repo-1", Name: "docs", CreatedAt: time.Unix(100, 0).UTC()}
	require.NoError(t, db.PutRepo(r))

	back, err := db.GetRepo("repo-1")
	require.NoError(t, err)
	assert.Equal(t, r, back)

	_, err = db.GetRepo("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.DeleteRepo("repo-1"))
	_, err = db.GetRepo("repo-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRepos(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.PutRepo(&types.Repo{ID: "b-repo"}))
	require.NoError(t, db.PutRepo(&types.Repo{ID: "a-repo"}))

	rows, err := db.ListRepos()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a-repo", rows[0].ID, "bbolt iterates keys in order")
	assert.Equal(t, "b-repo", rows[1].ID)
}

func TestBranchCRUD(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.PutBranch(&types.Branch{RepoID: "r1", Name: "master", CommitID: "abc"}))
	b, err := db.GetBranch("r1", "master")
	require.NoError(t, err)
	assert.Equal(t, "abc", b.CommitID)

	require.NoError(t, db.PutBranch(&types.Branch{RepoID: "r1", Name: "master", CommitID: "def"}))
	b, err = db.GetBranch("r1", "master")
	require.NoError(t, err)
	assert.Equal(t, "def", b.CommitID, "put overwrites atomically")

	_, err = db.GetBranch("r1", "feature")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProperties(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SetProperty("r1", "auto-sync", "true"))
	v, err := db.GetProperty("r1", "auto-sync")
	require.NoError(t, err)
	assert.Equal(t, "true", v)

	_, err = db.GetProperty("r1", "worktree")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMergeInfoLifecycle(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.PutMergeInfo(&types.MergeInfo{RepoID: "r1", InMerge: true, Branch: "remote"}))
	infos, err := db.ListMergeInfo()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].InMerge)

	require.NoError(t, db.DeleteMergeInfo("r1"))
	infos, err = db.ListMergeInfo()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestTmpTokenCompositeKey(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.PutTmpToken(&types.RepoToken{RepoID: "r1", PeerID: "peer-a", Token: "ta"}))
	require.NoError(t, db.PutTmpToken(&types.RepoToken{RepoID: "r1", PeerID: "peer-b", Token: "tb"}))

	ta, err := db.GetTmpToken("r1", "peer-a")
	require.NoError(t, err)
	assert.Equal(t, "ta", ta.Token)

	require.NoError(t, db.DeleteTmpToken("r1", "peer-a"))
	_, err = db.GetTmpToken("r1", "peer-a")
	assert.ErrorIs(t, err, ErrNotFound)

	tb, err := db.GetTmpToken("r1", "peer-b")
	require.NoError(t, err)
	assert.Equal(t, "tb", tb.Token)
}

func TestDeleteAllForRepo(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.PutRepo(&types.Repo{ID: "r1"}))
	require.NoError(t, db.PutBranch(&types.Branch{RepoID: "r1", Name: "master", CommitID: "abc"}))
	require.NoError(t, db.SetProperty("r1", "worktree", "/tmp/wt"))
	require.NoError(t, db.SetProperty("r1", "auto-sync", "true"))
	require.NoError(t, db.PutMergeInfo(&types.MergeInfo{RepoID: "r1", InMerge: true}))
	require.NoError(t, db.PutRepoPasswd(&types.RepoPasswd{RepoID: "r1", Passwd: "pw"}))
	require.NoError(t, db.PutRepoKeys(&types.RepoKeys{RepoID: "r1", Key: "k", IV: "v"}))
	require.NoError(t, db.PutLanToken(&types.RepoToken{RepoID: "r1", Token: "lan"}))
	require.NoError(t, db.PutTmpToken(&types.RepoToken{RepoID: "r1", PeerID: "p", Token: "tmp"}))

	// An unrelated repo must survive the wipe.
	require.NoError(t, db.PutRepo(&types.Repo{ID: "r2"}))
	require.NoError(t, db.SetProperty("r2", "worktree", "/tmp/other"))

	require.NoError(t, db.DeleteAllForRepo("r1"))

	n, err := db.CountRowsForRepo("r1")
	require.NoError(t, err)
	assert.Zero(t, n, "no table may keep a row for the wiped repo")

	n, err = db.CountRowsForRepo("r2")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
