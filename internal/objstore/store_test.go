package objstore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/repoengine/internal/security"
)

func openTestStore(t *testing.T, crypto *Crypto) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "test-repo", crypto)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBlobRoundtrip(t *testing.T) {
	s := openTestStore(t, nil)

	id, err := s.PutBlob([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, Sum([]byte("hello")), id)

	back, err := s.GetBlob(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), back)
}

func TestGetBlobNotFound(t *testing.T) {
	s := openTestStore(t, nil)
	_, err := s.GetBlob(Sum([]byte("never stored")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutBlobIdempotent(t *testing.T) {
	s := openTestStore(t, nil)

	id1, err := s.PutBlob([]byte("same"))
	require.NoError(t, err)
	id2, err := s.PutBlob([]byte("same"))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestTreeRoundtripAndCanonicalOrder(t *testing.T) {
	s := openTestStore(t, nil)

	a := Tree{Entries: []TreeEntry{
		{Name: "b.txt", Mode: ModeFile, ID: Sum([]byte("b"))},
		{Name: "a.txt", Mode: ModeFile, ID: Sum([]byte("a"))},
	}}
	b := Tree{Entries: []TreeEntry{
		{Name: "a.txt", Mode: ModeFile, ID: Sum([]byte("a"))},
		{Name: "b.txt", Mode: ModeFile, ID: Sum([]byte("b"))},
	}}

	idA, err := s.PutTree(&a)
	require.NoError(t, err)
	idB, err := s.PutTree(&b)
	require.NoError(t, err)
	assert.Equal(t, idA, idB, "entry insertion order must not change the tree id")

	back, err := s.GetTree(idA)
	require.NoError(t, err)
	require.Len(t, back.Entries, 2)
	assert.Equal(t, "a.txt", back.Entries[0].Name)
	assert.Equal(t, "b.txt", back.Entries[1].Name)
}

func TestCommitRoundtrip(t *testing.T) {
	s := openTestStore(t, nil)

	c := &Commit{
		RootID:      Sum([]byte("root")),
		ParentIDs:   []ID{Sum([]byte("p1")), Sum([]byte("p2"))},
		CreatorName: "alice",
		CreatorID:   "session-1",
		CreatedAt:   time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
		Description: "merge of two lines\nwith a newline",
		Version:     1,
	}
	id, err := s.PutCommit(c)
	require.NoError(t, err)

	back, err := s.GetCommit(id)
	require.NoError(t, err)
	assert.Equal(t, c.RootID, back.RootID)
	assert.Equal(t, c.ParentIDs, back.ParentIDs)
	assert.Equal(t, c.CreatorName, back.CreatorName)
	assert.Equal(t, c.CreatedAt, back.CreatedAt)
	assert.Equal(t, c.Description, back.Description)
	assert.True(t, back.IsMerge())
}

func TestEncryptedStoreBytesDiffer(t *testing.T) {
	key, iv := security.DeriveKey("pw", "test-repo", security.KDFParams{EncVersion: 2, Iterations: 1000})
	s := openTestStore(t, &Crypto{Key: key, IV: iv})

	plain := []byte("super secret contents")
	id, err := s.PutBlob(plain)
	require.NoError(t, err)
	assert.Equal(t, Sum(plain), id, "object id stays the plaintext hash")

	stored, err := s.rawStored(bucketBlobs, id)
	require.NoError(t, err)
	assert.NotEqual(t, plain, stored, "stored bytes must be ciphertext")
	assert.False(t, bytes.Contains(stored, []byte("secret")))

	back, err := s.GetBlob(id)
	require.NoError(t, err)
	assert.Equal(t, plain, back)
}

func TestIndexBlocksSmallFile(t *testing.T) {
	s := openTestStore(t, nil)

	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	id, err := s.IndexBlocks(path)
	require.NoError(t, err)
	assert.Equal(t, Sum([]byte("hello")), id)

	back, err := s.GetBlob(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), back)
}

func TestIndexBlocksChunkedFile(t *testing.T) {
	s := openTestStore(t, nil)
	s.SetChunkSize(1024)

	content := bytes.Repeat([]byte("0123456789abcdef"), 1000) // 16000 bytes -> 16 chunks
	dir := t.TempDir()
	path := filepath.Join(dir, "big.bin")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	id, err := s.IndexBlocks(path)
	require.NoError(t, err)
	assert.Equal(t, Sum(content), id, "file id is the whole-plaintext hash")

	back, err := s.GetBlob(id)
	require.NoError(t, err)
	assert.Equal(t, content, back)
}

func TestIndexBlocksEmptyFile(t *testing.T) {
	s := openTestStore(t, nil)

	dir := t.TempDir()
	path := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	id, err := s.IndexBlocks(path)
	require.NoError(t, err)

	back, err := s.GetBlob(id)
	require.NoError(t, err)
	assert.Empty(t, back)
}

func TestParseID(t *testing.T) {
	id := Sum([]byte("x"))
	back, err := ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, back)

	_, err = ParseID("short")
	assert.Error(t, err)
	_, err = ParseID("zz" + id.String()[2:])
	assert.Error(t, err)
}

func TestExportImportArchive(t *testing.T) {
	src := openTestStore(t, nil)

	blobID, err := src.PutBlob([]byte("file contents"))
	require.NoError(t, err)
	tree := &Tree{Entries: []TreeEntry{{Name: "f.txt", Mode: ModeFile, ID: blobID}}}
	treeID, err := src.PutTree(tree)
	require.NoError(t, err)
	c1ID, err := src.PutCommit(&Commit{RootID: treeID, CreatedAt: time.Unix(100, 0).UTC(), Description: "first"})
	require.NoError(t, err)
	c2ID, err := src.PutCommit(&Commit{RootID: treeID, ParentIDs: []ID{c1ID}, CreatedAt: time.Unix(200, 0).UTC(), Description: "second"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, src.ExportArchive(&buf, c2ID))

	dst := openTestStore(t, nil)
	require.NoError(t, dst.ImportArchive(bytes.NewReader(buf.Bytes())))

	back, err := dst.GetCommit(c2ID)
	require.NoError(t, err)
	assert.Equal(t, "second", back.Description)

	data, err := dst.GetBlob(blobID)
	require.NoError(t, err)
	assert.Equal(t, []byte("file contents"), data)
}
