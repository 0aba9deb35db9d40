package cachetree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/repoengine/internal/index"
	"github.com/cuemby/repoengine/internal/objstore"
)

func openStore(t *testing.T) *objstore.Store {
	t.Helper()
	s, err := objstore.Open(t.TempDir(), "test-repo", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func fileEntry(path, content string) index.Entry {
	return index.Entry{Path: path, Mode: objstore.ModeFile, Blob: objstore.Sum([]byte(content))}
}

func TestBuildDeterministicUnderPermutation(t *testing.T) {
	s := openStore(t)

	entries := []index.Entry{
		fileEntry("a.txt", "1"),
		fileEntry("dir/b.txt", "2"),
		fileEntry("dir/sub/c.txt", "3"),
		fileEntry("z.txt", "4"),
	}

	ix1 := index.New()
	for _, e := range entries {
		ix1.Put(e)
	}
	root1, err := Build(ix1, s, NewCache())
	require.NoError(t, err)

	ix2 := index.New()
	for i := len(entries) - 1; i >= 0; i-- {
		ix2.Put(entries[i])
	}
	root2, err := Build(ix2, s, NewCache())
	require.NoError(t, err)

	assert.Equal(t, root1, root2, "insertion order must not change the root id")
}

func TestBuildRootTreeContents(t *testing.T) {
	s := openStore(t)

	ix := index.New()
	ix.Put(fileEntry("a.txt", "hello"))
	ix.Put(fileEntry("dir/b.txt", "world"))
	ix.Put(index.Entry{Path: "empty", Mode: objstore.ModeDir})

	root, err := Build(ix, s, NewCache())
	require.NoError(t, err)

	tree, err := s.GetTree(root)
	require.NoError(t, err)
	require.Len(t, tree.Entries, 3)
	assert.Equal(t, "a.txt", tree.Entries[0].Name)
	assert.Equal(t, "dir", tree.Entries[1].Name)
	assert.Equal(t, objstore.ModeDir, tree.Entries[1].Mode)
	assert.Equal(t, "empty", tree.Entries[2].Name)
	assert.Equal(t, objstore.ModeDir, tree.Entries[2].Mode)

	sub, err := s.GetTree(tree.Entries[1].ID)
	require.NoError(t, err)
	require.Len(t, sub.Entries, 1)
	assert.Equal(t, "b.txt", sub.Entries[0].Name)
}

func TestBuildSkipsUnmergedStages(t *testing.T) {
	s := openStore(t)

	ix := index.New()
	ix.Put(fileEntry("a.txt", "x"))
	rootBefore, err := Build(ix, s, NewCache())
	require.NoError(t, err)

	conflicted := fileEntry("b.txt", "y")
	conflicted.Stage = index.StageTheirs
	ix.Put(conflicted)

	rootAfter, err := Build(ix, s, NewCache())
	require.NoError(t, err)
	assert.Equal(t, rootBefore, rootAfter, "nonzero-stage entries must not join the tree")
}

func TestBuildEmptyIndex(t *testing.T) {
	s := openStore(t)

	root1, err := Build(index.New(), s, NewCache())
	require.NoError(t, err)
	root2, err := Build(index.New(), s, NewCache())
	require.NoError(t, err)
	assert.Equal(t, root1, root2)
}

func TestCacheReusesCleanDirs(t *testing.T) {
	s := openStore(t)

	ix := index.New()
	ix.Put(fileEntry("a/x.txt", "1"))
	ix.Put(fileEntry("b/y.txt", "2"))

	c := NewCache()
	root1, err := Build(ix, s, c)
	require.NoError(t, err)

	// Nothing invalidated: a second build reuses the cached root.
	root2, err := Build(ix, s, c)
	require.NoError(t, err)
	assert.Equal(t, root1, root2)

	// Invalidating one subtree still yields the same content hash.
	c.Invalidate("a")
	root3, err := Build(ix, s, c)
	require.NoError(t, err)
	assert.Equal(t, root1, root3)
}
