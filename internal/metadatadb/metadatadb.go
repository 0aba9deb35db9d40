// Package metadatadb persists the repository engine's small,
// frequently-updated bookkeeping rows in one local bbolt database,
// one bucket per table.
package metadatadb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/repoengine/internal/types"
)

// ErrNotFound is returned when a lookup key has no row.
var ErrNotFound = errors.New("metadatadb: not found")

var (
	bucketRepos        = []byte("Repo")
	bucketDeletedRepos = []byte("DeletedRepo")
	bucketBranches     = []byte("RepoBranch")
	bucketProperties   = []byte("RepoProperty")
	bucketMergeInfo    = []byte("MergeInfo")
	bucketRepoPasswd   = []byte("RepoPasswd")
	bucketRepoKeys     = []byte("RepoKeys")
	bucketRepoLanToken = []byte("RepoLanToken")
	bucketRepoTmpToken = []byte("RepoTmpToken")
)

var allBuckets = [][]byte{
	bucketRepos, bucketDeletedRepos, bucketBranches, bucketProperties,
	bucketMergeInfo, bucketRepoPasswd, bucketRepoKeys,
	bucketRepoLanToken, bucketRepoTmpToken,
}

// DB wraps the bbolt file backing every table above.
type DB struct {
	db *bolt.DB
}

// Open opens (creating if absent) <seafDir>/repo.db and ensures every
// bucket exists.
func Open(seafDir string) (*DB, error) {
	if err := os.MkdirAll(seafDir, 0o700); err != nil {
		return nil, fmt.Errorf("metadatadb: mkdir %s: %w", seafDir, err)
	}
	path := filepath.Join(seafDir, "repo.db")
	bdb, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("metadatadb: open %s: %w", path, err)
	}

	err = bdb.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}
	return &DB{db: bdb}, nil
}

// Close closes the underlying bbolt file.
func (d *DB) Close() error {
	return d.db.Close()
}

// --- Repo ---

func (d *DB) PutRepo(r *types.Repo) error {
	return d.put(bucketRepos, []byte(r.ID), r)
}

func (d *DB) GetRepo(id string) (*types.Repo, error) {
	var r types.Repo
	if err := d.get(bucketRepos, []byte(id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (d *DB) DeleteRepo(id string) error {
	return d.delete(bucketRepos, []byte(id))
}

// ListRepos returns every Repo row in ascending id order, the
// ordering the Repo Manager relies on to rebuild its in-memory index
// at startup.
func (d *DB) ListRepos() ([]*types.Repo, error) {
	var out []*types.Repo
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRepos).ForEach(func(_, v []byte) error {
			var r types.Repo
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
			return nil
		})
	})
	return out, err
}

// --- DeletedRepo ---

func (d *DB) PutDeletedRepo(r *types.DeletedRepo) error {
	return d.put(bucketDeletedRepos, []byte(r.ID), r)
}

func (d *DB) GetDeletedRepo(id string) (*types.DeletedRepo, error) {
	var r types.DeletedRepo
	if err := d.get(bucketDeletedRepos, []byte(id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (d *DB) DeleteDeletedRepo(id string) error {
	return d.delete(bucketDeletedRepos, []byte(id))
}

func (d *DB) ListDeletedRepos() ([]*types.DeletedRepo, error) {
	var out []*types.DeletedRepo
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeletedRepos).ForEach(func(_, v []byte) error {
			var r types.DeletedRepo
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
			return nil
		})
	})
	return out, err
}

// --- RepoBranch ---

func branchKey(repoID, name string) []byte {
	return []byte(repoID + "\x00" + name)
}

func (d *DB) PutBranch(b *types.Branch) error {
	return d.put(bucketBranches, branchKey(b.RepoID, b.Name), b)
}

func (d *DB) GetBranch(repoID, name string) (*types.Branch, error) {
	var b types.Branch
	if err := d.get(bucketBranches, branchKey(repoID, name), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (d *DB) DeleteBranch(repoID, name string) error {
	return d.delete(bucketBranches, branchKey(repoID, name))
}

// ListBranches returns every branch row for one repo.
func (d *DB) ListBranches(repoID string) ([]*types.Branch, error) {
	prefix := []byte(repoID + "\x00")
	var out []*types.Branch
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBranches).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var b types.Branch
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, &b)
		}
		return nil
	})
	return out, err
}

// --- RepoProperty ---

func propKey(repoID, key string) []byte {
	return []byte(repoID + "\x00" + key)
}

func (d *DB) SetProperty(repoID, key, value string) error {
	return d.put(bucketProperties, propKey(repoID, key), &types.RepoProperty{RepoID: repoID, Key: key, Value: value})
}

func (d *DB) GetProperty(repoID, key string) (string, error) {
	var p types.RepoProperty
	if err := d.get(bucketProperties, propKey(repoID, key), &p); err != nil {
		return "", err
	}
	return p.Value, nil
}

// --- MergeInfo ---

func (d *DB) PutMergeInfo(m *types.MergeInfo) error {
	return d.put(bucketMergeInfo, []byte(m.RepoID), m)
}

func (d *DB) GetMergeInfo(repoID string) (*types.MergeInfo, error) {
	var m types.MergeInfo
	if err := d.get(bucketMergeInfo, []byte(repoID), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (d *DB) DeleteMergeInfo(repoID string) error {
	return d.delete(bucketMergeInfo, []byte(repoID))
}

// ListMergeInfo returns every unresolved merge, scanned at startup so
// the Repo Manager can resume or abort them.
func (d *DB) ListMergeInfo() ([]*types.MergeInfo, error) {
	var out []*types.MergeInfo
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMergeInfo).ForEach(func(_, v []byte) error {
			var m types.MergeInfo
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, &m)
			return nil
		})
	})
	return out, err
}

// --- RepoPasswd / RepoKeys ---

func (d *DB) PutRepoPasswd(p *types.RepoPasswd) error {
	return d.put(bucketRepoPasswd, []byte(p.RepoID), p)
}

func (d *DB) GetRepoPasswd(repoID string) (*types.RepoPasswd, error) {
	var p types.RepoPasswd
	if err := d.get(bucketRepoPasswd, []byte(repoID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *DB) PutRepoKeys(k *types.RepoKeys) error {
	return d.put(bucketRepoKeys, []byte(k.RepoID), k)
}

func (d *DB) GetRepoKeys(repoID string) (*types.RepoKeys, error) {
	var k types.RepoKeys
	if err := d.get(bucketRepoKeys, []byte(repoID), &k); err != nil {
		return nil, err
	}
	return &k, nil
}

// --- RepoLanToken / RepoTmpToken ---

func tokenKey(repoID, peerID string) []byte {
	return []byte(repoID + "\x00" + peerID)
}

func (d *DB) PutLanToken(t *types.RepoToken) error {
	return d.put(bucketRepoLanToken, tokenKey(t.RepoID, t.PeerID), t)
}

func (d *DB) GetLanToken(repoID, peerID string) (*types.RepoToken, error) {
	var t types.RepoToken
	if err := d.get(bucketRepoLanToken, tokenKey(repoID, peerID), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (d *DB) PutTmpToken(t *types.RepoToken) error {
	return d.put(bucketRepoTmpToken, tokenKey(t.RepoID, t.PeerID), t)
}

func (d *DB) GetTmpToken(repoID, peerID string) (*types.RepoToken, error) {
	var t types.RepoToken
	if err := d.get(bucketRepoTmpToken, tokenKey(repoID, peerID), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (d *DB) DeleteTmpToken(repoID, peerID string) error {
	return d.delete(bucketRepoTmpToken, tokenKey(repoID, peerID))
}

func (d *DB) DeleteRepoPasswd(repoID string) error {
	return d.delete(bucketRepoPasswd, []byte(repoID))
}

func (d *DB) DeleteRepoKeys(repoID string) error {
	return d.delete(bucketRepoKeys, []byte(repoID))
}

// DeleteAllForRepo removes every row keyed by repoID (directly or as a
// composite-key prefix) from every bucket except DeletedRepo; the
// tombstone there is removed separately with DeleteDeletedRepo.
func (d *DB) DeleteAllForRepo(repoID string) error {
	prefix := []byte(repoID + "\x00")
	return d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRepos, bucketMergeInfo, bucketRepoPasswd, bucketRepoKeys} {
			if err := tx.Bucket(name).Delete([]byte(repoID)); err != nil {
				return err
			}
		}
		for _, name := range [][]byte{bucketBranches, bucketProperties, bucketRepoLanToken, bucketRepoTmpToken} {
			c := tx.Bucket(name).Cursor()
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// CountRowsForRepo reports how many rows across every bucket still
// reference repoID; used by tests asserting delete completeness.
func (d *DB) CountRowsForRepo(repoID string) (int, error) {
	prefix := []byte(repoID + "\x00")
	count := 0
	err := d.db.View(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			c := tx.Bucket(name).Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if string(k) == repoID || bytes.HasPrefix(k, prefix) {
					count++
				}
			}
		}
		return nil
	})
	return count, err
}

// --- generic helpers ---

func (d *DB) put(bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("metadatadb: marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

func (d *DB) get(bucket, key []byte, v any) error {
	return d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, v)
	})
}

func (d *DB) delete(bucket, key []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(key)
	})
}
