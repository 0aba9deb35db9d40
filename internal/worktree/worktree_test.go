package worktree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/repoengine/internal/ignore"
	"github.com/cuemby/repoengine/internal/index"
	"github.com/cuemby/repoengine/internal/objstore"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

// trackFile stages rel in ix with the stat the file currently has on
// disk, so the collector's stat short-circuit sees it as clean.
func trackFile(t *testing.T, ix *index.Index, root, rel, content string) {
	t.Helper()
	info, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	ix.Put(index.Entry{
		Path:  rel,
		Mode:  objstore.ModeFile,
		Blob:  objstore.Sum([]byte(content)),
		Mtime: info.ModTime().UnixNano(),
		Size:  info.Size(),
	})
}

func changesByPath(changes []Change) map[string]ChangeType {
	out := make(map[string]ChangeType)
	for _, c := range changes {
		out[c.Path] = c.Type
	}
	return out
}

func TestCollectWorktreeChanges(t *testing.T) {
	root := t.TempDir()
	ig := ignore.New(nil)
	ix := index.New()

	writeFile(t, root, "clean.txt", "unchanged")
	trackFile(t, ix, root, "clean.txt", "unchanged")

	writeFile(t, root, "edited.txt", "v1")
	trackFile(t, ix, root, "edited.txt", "v1")

	ix.Put(index.Entry{Path: "missing.txt", Mode: objstore.ModeFile, Blob: objstore.Sum([]byte("x"))})

	// Rewrite edited.txt with different content and size so both the
	// stat check and the hash disagree.
	writeFile(t, root, "edited.txt", "version two")

	changes, err := CollectWorktreeChanges(ix, root, ig)
	require.NoError(t, err)

	got := changesByPath(changes)
	assert.NotContains(t, got, "clean.txt")
	assert.Equal(t, Modified, got["edited.txt"])
	assert.Equal(t, Deleted, got["missing.txt"])
}

func TestCollectUntracked(t *testing.T) {
	root := t.TempDir()
	ig := ignore.New(nil)
	ix := index.New()

	writeFile(t, root, "tracked.txt", "x")
	trackFile(t, ix, root, "tracked.txt", "x")

	writeFile(t, root, "new.txt", "y")
	writeFile(t, root, "dir/also-new.txt", "z")
	writeFile(t, root, "Thumbs.db", "junk")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "emptydir"), 0o755))

	changes, err := CollectUntracked(ix, root, ig)
	require.NoError(t, err)

	got := changesByPath(changes)
	assert.NotContains(t, got, "tracked.txt")
	assert.Equal(t, Added, got["new.txt"])
	assert.Equal(t, Added, got["dir/also-new.txt"])
	assert.Equal(t, DirAdded, got["emptydir"])
	assert.NotContains(t, got, "Thumbs.db", "ignored names stay out of untracked")
}

func TestCollectIndexChanges(t *testing.T) {
	s, err := objstore.Open(t.TempDir(), "test-repo", nil)
	require.NoError(t, err)
	defer s.Close()

	keepBlob, err := s.PutBlob([]byte("keep"))
	require.NoError(t, err)
	oldBlob, err := s.PutBlob([]byte("old"))
	require.NoError(t, err)
	goneBlob, err := s.PutBlob([]byte("gone"))
	require.NoError(t, err)

	headRoot, err := s.PutTree(&objstore.Tree{Entries: []objstore.TreeEntry{
		{Name: "gone.txt", Mode: objstore.ModeFile, ID: goneBlob},
		{Name: "keep.txt", Mode: objstore.ModeFile, ID: keepBlob},
		{Name: "mod.txt", Mode: objstore.ModeFile, ID: oldBlob},
	}})
	require.NoError(t, err)

	ix := index.New()
	ix.Put(index.Entry{Path: "keep.txt", Mode: objstore.ModeFile, Blob: keepBlob})
	ix.Put(index.Entry{Path: "mod.txt", Mode: objstore.ModeFile, Blob: objstore.Sum([]byte("new"))})
	ix.Put(index.Entry{Path: "added.txt", Mode: objstore.ModeFile, Blob: objstore.Sum([]byte("a"))})
	ix.Put(index.Entry{Path: "newdir", Mode: objstore.ModeDir})

	changes, err := CollectIndexChanges(s, ix, headRoot)
	require.NoError(t, err)

	got := changesByPath(changes)
	assert.NotContains(t, got, "keep.txt")
	assert.Equal(t, Modified, got["mod.txt"])
	assert.Equal(t, Added, got["added.txt"])
	assert.Equal(t, Deleted, got["gone.txt"])
	assert.Equal(t, DirAdded, got["newdir"])
}

func TestResolveEmptyDirs(t *testing.T) {
	changes := []Change{
		{Path: "empty", Type: Deleted},
		{Path: "file.txt", Type: Deleted},
	}
	out := ResolveEmptyDirs(changes, map[string]bool{"empty": true})

	got := changesByPath(out)
	assert.Equal(t, DirDeleted, got["empty"])
	assert.Equal(t, Deleted, got["file.txt"])
}

func TestResolveRenames(t *testing.T) {
	blob := objstore.Sum([]byte("moved content"))
	changes := []Change{
		{Path: "new/name.txt", Type: Added, BlobID: blob},
		{Path: "old/name.txt", Type: Deleted},
		{Path: "other.txt", Type: Added, BlobID: objstore.Sum([]byte("unrelated"))},
	}

	out := ResolveRenames(changes, func(path string) (objstore.ID, bool) {
		if path == "old/name.txt" {
			return blob, true
		}
		return objstore.ID{}, false
	})

	var renamed *Change
	for i := range out {
		if out[i].Type == Renamed {
			renamed = &out[i]
		}
	}
	require.NotNil(t, renamed)
	assert.Equal(t, "new/name.txt", renamed.Path)
	assert.Equal(t, "old/name.txt", renamed.OldPath)

	got := changesByPath(out)
	assert.Equal(t, Added, got["other.txt"])
	assert.NotContains(t, got, "old/name.txt")
}
