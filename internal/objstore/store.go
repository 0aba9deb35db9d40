// Package objstore implements the repository engine's
// content-addressed object store: immutable blobs, trees, and
// commits, each named by the SHA-1 hash of their canonical encoding,
// optionally encrypted at rest.
package objstore

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/repoengine/internal/security"
)

// ErrNotFound is returned when an object id has no matching entry.
var ErrNotFound = errors.New("objstore: object not found")

var (
	bucketBlobs     = []byte("blobs")
	bucketTrees     = []byte("trees")
	bucketCommits   = []byte("commits")
	bucketBlockmaps = []byte("blockmaps")
)

// DefaultChunkSize bounds how much of a file is stored as a single
// chunk before it is split and tracked through a blockmap.
const DefaultChunkSize = 8 << 20

// Crypto carries the key material needed to encrypt/decrypt this
// repo's objects. A nil Crypto means the repo is stored in the clear.
type Crypto struct {
	Key []byte
	IV  []byte
}

// Store is one repo's object database: a single bbolt file holding
// one bucket per object kind. Writes are idempotent; writing the
// same content twice is a no-op the second time.
type Store struct {
	db        *bolt.DB
	crypto    *Crypto
	chunkSize int64
}

// Open opens (creating if absent) the object store for one repo at
// <seafDir>/storage/<repoID>.db. Pass crypto for an encrypted repo, or
// nil for a plaintext one.
func Open(seafDir, repoID string, crypto *Crypto) (*Store, error) {
	path := storePath(seafDir, repoID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("objstore: mkdir %s: %w", filepath.Dir(path), err)
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("objstore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketBlobs, bucketTrees, bucketCommits, bucketBlockmaps} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, crypto: crypto, chunkSize: DefaultChunkSize}, nil
}

// SetChunkSize overrides the chunking threshold, set from config by
// the repo manager when it opens a repo's store.
func (s *Store) SetChunkSize(n int64) {
	if n > 0 {
		s.chunkSize = n
	}
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetCrypto updates the key material used for subsequent reads and
// writes. Needed because a repo's password (and thus its key) can be
// supplied any time after the store is first opened, not only at
// Open.
func (s *Store) SetCrypto(c *Crypto) {
	s.crypto = c
}

func storePath(seafDir, repoID string) string {
	return filepath.Join(seafDir, "storage", repoID+".db")
}

// Remove deletes a repo's object store file from disk. Callers must
// ensure the Store is closed (or never opened in this process) before
// calling, since bbolt holds an exclusive file lock while open.
func Remove(seafDir, repoID string) error {
	err := os.Remove(storePath(seafDir, repoID))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// PutBlob stores plaintext content, returning its content-addressed
// id — the hash of the plaintext, never of the ciphertext, so
// deduplication works across encrypted repos. Writing an id that
// already exists is a no-op.
func (s *Store) PutBlob(plain []byte) (ID, error) {
	id := Sum(plain)
	if err := s.putRaw(bucketBlobs, id, plain); err != nil {
		return ID{}, fmt.Errorf("objstore: put blob: %w", err)
	}
	return id, nil
}

// GetBlob returns the plaintext content for a blob id, reassembling
// it from chunks when the id names a blockmapped file.
func (s *Store) GetBlob(id ID) ([]byte, error) {
	data, err := s.getRaw(bucketBlobs, id)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("objstore: get blob %s: %w", id, err)
	}

	bm, berr := s.getRaw(bucketBlockmaps, id)
	if berr != nil {
		return nil, fmt.Errorf("objstore: get blob %s: %w", id, err)
	}
	if len(bm)%rawSize != 0 {
		return nil, fmt.Errorf("objstore: get blob %s: malformed blockmap", id)
	}
	var out []byte
	for off := 0; off < len(bm); off += rawSize {
		var chunkID ID
		copy(chunkID[:], bm[off:off+rawSize])
		chunk, cerr := s.getRaw(bucketBlobs, chunkID)
		if cerr != nil {
			return nil, fmt.Errorf("objstore: get blob %s: chunk %s: %w", id, chunkID, cerr)
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// IndexBlocks reads the file at path, splits it into chunks no larger
// than the store's chunk size, stores each chunk by its own content
// address, and returns the id of the whole file's plaintext. A file
// that fits in one chunk is stored directly under its own id; larger
// files additionally get a blockmap listing their chunk ids in order.
// Existing objects are never rewritten.
func (s *Store) IndexBlocks(path string) (ID, error) {
	f, err := os.Open(path)
	if err != nil {
		return ID{}, fmt.Errorf("objstore: index blocks: %w", err)
	}
	defer f.Close()

	whole := sha1.New()
	var chunkIDs []ID
	buf := make([]byte, s.chunkSize)

	for {
		n, rerr := io.ReadFull(f, buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			whole.Write(chunk)
			chunkID := Sum(chunk)
			if err := s.putRaw(bucketBlobs, chunkID, chunk); err != nil {
				return ID{}, fmt.Errorf("objstore: index blocks: store chunk: %w", err)
			}
			chunkIDs = append(chunkIDs, chunkID)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return ID{}, fmt.Errorf("objstore: index blocks: read: %w", rerr)
		}
	}

	var fileID ID
	copy(fileID[:], whole.Sum(nil))

	switch len(chunkIDs) {
	case 0:
		// Empty file: store the empty blob under its id.
		if err := s.putRaw(bucketBlobs, fileID, nil); err != nil {
			return ID{}, fmt.Errorf("objstore: index blocks: store empty blob: %w", err)
		}
	case 1:
		// A single chunk's id is the whole file's id; it is already stored.
	default:
		bm := make([]byte, 0, len(chunkIDs)*rawSize)
		for _, c := range chunkIDs {
			bm = append(bm, c[:]...)
		}
		if err := s.putRaw(bucketBlockmaps, fileID, bm); err != nil {
			return ID{}, fmt.Errorf("objstore: index blocks: store blockmap: %w", err)
		}
	}
	return fileID, nil
}

// PutTree stores a tree object and returns its id.
func (s *Store) PutTree(t *Tree) (ID, error) {
	enc := t.Encode()
	id := Sum(enc)
	if err := s.putRaw(bucketTrees, id, enc); err != nil {
		return ID{}, fmt.Errorf("objstore: put tree: %w", err)
	}
	return id, nil
}

// GetTree loads and decodes a tree object.
func (s *Store) GetTree(id ID) (*Tree, error) {
	data, err := s.getRaw(bucketTrees, id)
	if err != nil {
		return nil, fmt.Errorf("objstore: get tree %s: %w", id, err)
	}
	t, err := DecodeTree(data)
	if err != nil {
		return nil, fmt.Errorf("objstore: get tree %s: %w", id, err)
	}
	return t, nil
}

// PutCommit stores a commit object and returns its id.
func (s *Store) PutCommit(c *Commit) (ID, error) {
	enc := c.Encode()
	id := Sum(enc)
	if err := s.putRaw(bucketCommits, id, enc); err != nil {
		return ID{}, fmt.Errorf("objstore: put commit: %w", err)
	}
	return id, nil
}

// GetCommit loads and decodes a commit object.
func (s *Store) GetCommit(id ID) (*Commit, error) {
	data, err := s.getRaw(bucketCommits, id)
	if err != nil {
		return nil, fmt.Errorf("objstore: get commit %s: %w", id, err)
	}
	c, err := DecodeCommit(data)
	if err != nil {
		return nil, fmt.Errorf("objstore: get commit %s: %w", id, err)
	}
	return c, nil
}

// HasObject reports whether any bucket already holds id, used by
// callers that want to skip re-reading a file already known to the
// store before hashing it again.
func (s *Store) HasObject(id ID) bool {
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketBlobs, bucketTrees, bucketCommits, bucketBlockmaps} {
			if tx.Bucket(b).Get(id[:]) != nil {
				found = true
				return nil
			}
		}
		return nil
	})
	return found
}

func (s *Store) putRaw(bucket []byte, id ID, plain []byte) error {
	payload := plain
	if s.crypto != nil {
		enc, err := security.EncryptBlock(plain, s.crypto.Key, s.crypto.IV)
		if err != nil {
			return err
		}
		payload = enc
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		// Idempotent: identical content already present under this id.
		if b.Get(id[:]) != nil {
			return nil
		}
		return b.Put(id[:], payload)
	})
}

func (s *Store) getRaw(bucket []byte, id ID) ([]byte, error) {
	var payload []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get(id[:])
		if v == nil {
			return ErrNotFound
		}
		payload = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.crypto == nil {
		return payload, nil
	}
	return security.DecryptBlock(payload, s.crypto.Key, s.crypto.IV)
}
