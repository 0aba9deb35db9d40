package objstore

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ExportArchive writes a tar stream holding every object reachable
// from head: the commit chain, each commit's trees, and every blob
// (including blockmaps and their chunks). Payloads are copied exactly
// as stored, so an encrypted repo's archive stays ciphertext and can
// be imported into another store without the password; traversal
// itself needs a decrypting store, so the caller must have the key
// loaded for an encrypted repo.
func (s *Store) ExportArchive(w io.Writer, head ID) error {
	tw := tar.NewWriter(w)

	seen := make(map[ID]bool)
	var commits []ID
	stack := []ID{head}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id.IsNull() || seen[id] {
			continue
		}
		seen[id] = true
		commits = append(commits, id)

		c, err := s.GetCommit(id)
		if err != nil {
			return fmt.Errorf("objstore: export: load commit %s: %w", id, err)
		}
		if err := s.exportTree(tw, c.RootID, seen); err != nil {
			return err
		}
		stack = append(stack, c.ParentIDs...)
	}

	for _, id := range commits {
		if err := s.exportStored(tw, bucketCommits, id); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("objstore: export: close archive: %w", err)
	}
	return nil
}

func (s *Store) exportTree(tw *tar.Writer, id ID, seen map[ID]bool) error {
	if id.IsNull() || seen[id] {
		return nil
	}
	seen[id] = true

	t, err := s.GetTree(id)
	if err != nil {
		return fmt.Errorf("objstore: export: load tree %s: %w", id, err)
	}
	if err := s.exportStored(tw, bucketTrees, id); err != nil {
		return err
	}
	for _, e := range t.Entries {
		if e.Mode == ModeDir {
			if err := s.exportTree(tw, e.ID, seen); err != nil {
				return err
			}
			continue
		}
		if err := s.exportBlob(tw, e.ID, seen); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) exportBlob(tw *tar.Writer, id ID, seen map[ID]bool) error {
	if id.IsNull() || seen[id] {
		return nil
	}
	seen[id] = true

	if _, err := s.rawStored(bucketBlockmaps, id); err == nil {
		bm, err := s.getRaw(bucketBlockmaps, id)
		if err != nil {
			return fmt.Errorf("objstore: export: load blockmap %s: %w", id, err)
		}
		if err := s.exportStored(tw, bucketBlockmaps, id); err != nil {
			return err
		}
		for off := 0; off+rawSize <= len(bm); off += rawSize {
			var chunkID ID
			copy(chunkID[:], bm[off:off+rawSize])
			if seen[chunkID] {
				continue
			}
			seen[chunkID] = true
			if err := s.exportStored(tw, bucketBlobs, chunkID); err != nil {
				return err
			}
		}
		return nil
	}
	return s.exportStored(tw, bucketBlobs, id)
}

func (s *Store) exportStored(tw *tar.Writer, bucket []byte, id ID) error {
	payload, err := s.rawStored(bucket, id)
	if err != nil {
		return fmt.Errorf("objstore: export: %s/%s: %w", bucket, id, err)
	}
	return writeArchiveEntry(tw, bucket, id, payload)
}

func writeArchiveEntry(tw *tar.Writer, bucket []byte, id ID, payload []byte) error {
	hdr := &tar.Header{
		Name:    fmt.Sprintf("%s/%s", bucket, id),
		Mode:    0o600,
		Size:    int64(len(payload)),
		ModTime: time.Unix(0, 0),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("objstore: export: write header: %w", err)
	}
	if _, err := tw.Write(payload); err != nil {
		return fmt.Errorf("objstore: export: write payload: %w", err)
	}
	return nil
}

// ImportArchive reads a tar stream produced by ExportArchive and
// stores every entry verbatim. Existing objects are left untouched,
// so importing into a store that already holds part of the history is
// cheap and idempotent.
func (s *Store) ImportArchive(r io.Reader) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("objstore: import: read header: %w", err)
		}

		slash := strings.IndexByte(hdr.Name, '/')
		if slash < 0 {
			return fmt.Errorf("objstore: import: malformed entry name %q", hdr.Name)
		}
		bucket := []byte(hdr.Name[:slash])
		switch hdr.Name[:slash] {
		case "blobs", "trees", "commits", "blockmaps":
		default:
			return fmt.Errorf("objstore: import: unknown bucket in %q", hdr.Name)
		}
		id, err := ParseID(hdr.Name[slash+1:])
		if err != nil {
			return fmt.Errorf("objstore: import: %q: %w", hdr.Name, err)
		}
		payload, err := io.ReadAll(tr)
		if err != nil {
			return fmt.Errorf("objstore: import: read %q: %w", hdr.Name, err)
		}
		if err := s.putStored(bucket, id, payload); err != nil {
			return fmt.Errorf("objstore: import: store %q: %w", hdr.Name, err)
		}
	}
}

// rawStored reads a stored payload without decrypting it.
func (s *Store) rawStored(bucket []byte, id ID) ([]byte, error) {
	var payload []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get(id[:])
		if v == nil {
			return ErrNotFound
		}
		payload = append([]byte(nil), v...)
		return nil
	})
	return payload, err
}

// putStored writes a stored payload without encrypting it, skipping
// ids already present.
func (s *Store) putStored(bucket []byte, id ID, payload []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get(id[:]) != nil {
			return nil
		}
		return b.Put(id[:], payload)
	})
}
