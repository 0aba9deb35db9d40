// Package index implements the repository engine's staging area: an
// ordered, path-addressed cache of the entries that will form the
// next commit's tree, persisted as a flat file under the repo's
// state directory.
package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/cuemby/repoengine/internal/objstore"
)

const (
	magic   = "RIDX"
	version = uint32(1)
)

// Flag is the bit set carried on an Entry, consumed by the tree
// walker and worktree diff.
type Flag uint16

const (
	FlagRemove   Flag = 1 << 0
	FlagUpdate   Flag = 1 << 1
	FlagWTRemove Flag = 1 << 2
)

// Stage distinguishes a plain merged entry from the three slots a
// conflicted path occupies during an unresolved merge, mirroring git's index stage numbers.
type Stage uint8

const (
	StageMerged   Stage = 0
	StageAncestor Stage = 1
	StageOurs     Stage = 2
	StageTheirs   Stage = 3
)

// Entry is one staged path.
type Entry struct {
	Path  string
	Mode  objstore.EntryMode
	Blob  objstore.ID
	Ctime int64
	Mtime int64
	Size  int64
	Stage Stage
	Flags Flag
}

// Index is the in-memory, path-sorted staging area for one repo.
type Index struct {
	Entries []Entry
}

// New returns an empty index.
func New() *Index {
	return &Index{}
}

// Pos does a binary search for path over all entries (any stage),
// returning the slot of its lowest-stage entry, or the insert position
// when absent, and whether it was found, so callers can decide whether
// to insert or overwrite.
func (ix *Index) Pos(path string) (int, bool) {
	n := len(ix.Entries)
	i := sort.Search(n, func(i int) bool { return ix.Entries[i].Path >= path })
	if i < n && ix.Entries[i].Path == path {
		return i, true
	}
	return i, false
}

// Get returns the merged entry for path, if any.
func (ix *Index) Get(path string) (Entry, bool) {
	i, ok := ix.Pos(path)
	if !ok || ix.Entries[i].Stage != StageMerged {
		return Entry{}, false
	}
	return ix.Entries[i], true
}

// IsUnmerged reports whether path has any entry with a nonzero stage,
// i.e. the path is a live 3-way-merge conflict.
func (ix *Index) IsUnmerged(path string) bool {
	stages := 0
	for _, e := range ix.Entries {
		if e.Path == path && e.Stage != StageMerged {
			stages++
		}
	}
	return stages > 0
}

// HasUnmerged reports whether any entry carries a nonzero stage; a
// commit must be refused while this holds.
func (ix *Index) HasUnmerged() bool {
	for _, e := range ix.Entries {
		if e.Stage != StageMerged {
			return true
		}
	}
	return false
}

// MarkRemove flags every stage of path for removal during the next
// CompactRemoved pass, without disturbing the sort order.
func (ix *Index) MarkRemove(path string) {
	for i := range ix.Entries {
		if ix.Entries[i].Path == path {
			ix.Entries[i].Flags |= FlagRemove
		}
	}
}

// CompactRemoved drops every entry flagged FlagRemove.
func (ix *Index) CompactRemoved() {
	out := ix.Entries[:0]
	for _, e := range ix.Entries {
		if e.Flags&FlagRemove == 0 {
			out = append(out, e)
		}
	}
	ix.Entries = out
}

// Put inserts or overwrites the entry for e.Path, keeping Entries
// sorted by path then stage.
func (ix *Index) Put(e Entry) {
	for i, cur := range ix.Entries {
		if cur.Path == e.Path && cur.Stage == e.Stage {
			ix.Entries[i] = e
			return
		}
	}
	ix.Entries = append(ix.Entries, e)
	sort.Slice(ix.Entries, func(i, j int) bool {
		if ix.Entries[i].Path != ix.Entries[j].Path {
			return ix.Entries[i].Path < ix.Entries[j].Path
		}
		return ix.Entries[i].Stage < ix.Entries[j].Stage
	})
}

// Remove deletes every stage of path from the index.
func (ix *Index) Remove(path string) {
	out := ix.Entries[:0]
	for _, e := range ix.Entries {
		if e.Path != path {
			out = append(out, e)
		}
	}
	ix.Entries = out
}

// Paths for a path prefix, used by the worktree diff to scope a
// subtree scan.
func (ix *Index) PathsUnder(dir string) []Entry {
	var out []Entry
	prefix := dir
	if prefix != "" && prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	for _, e := range ix.Entries {
		if prefix == "" || bytes.HasPrefix([]byte(e.Path), []byte(prefix)) {
			out = append(out, e)
		}
	}
	return out
}

// indexFilePath returns the flat-file location for a repo's index.
func indexFilePath(seafDir, repoID string) string {
	return filepath.Join(seafDir, "index", repoID)
}

// Remove deletes a repo's on-disk index file, used when a repo is
// reclaimed after mark_repo_deleted.
func Remove(seafDir, repoID string) error {
	err := os.Remove(indexFilePath(seafDir, repoID))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// Load reads a repo's index from disk. A missing file yields an empty
// Index, matching a freshly-created repo with nothing staged yet.
func Load(seafDir, repoID string) (*Index, error) {
	path := indexFilePath(seafDir, repoID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("index: read %s: %w", path, err)
	}
	return decode(data)
}

// Save writes the index atomically: encode to a temp file in the same
// directory, fsync it, then rename over the live path.
func (ix *Index) Save(seafDir, repoID string) error {
	path := indexFilePath(seafDir, repoID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("index: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".index-*.tmp")
	if err != nil {
		return fmt.Errorf("index: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(ix.encode()); err != nil {
		tmp.Close()
		return fmt.Errorf("index: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("index: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("index: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("index: rename into place: %w", err)
	}
	return nil
}

func (ix *Index) encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(magic)
	binary.Write(&buf, binary.BigEndian, version)
	binary.Write(&buf, binary.BigEndian, uint32(len(ix.Entries)))
	for _, e := range ix.Entries {
		writeLPString(&buf, e.Path)
		binary.Write(&buf, binary.BigEndian, uint32(e.Mode))
		buf.Write(e.Blob[:])
		binary.Write(&buf, binary.BigEndian, e.Ctime)
		binary.Write(&buf, binary.BigEndian, e.Mtime)
		binary.Write(&buf, binary.BigEndian, e.Size)
		buf.WriteByte(byte(e.Stage))
		binary.Write(&buf, binary.BigEndian, uint16(e.Flags))
	}
	return buf.Bytes()
}

func decode(data []byte) (*Index, error) {
	r := bytes.NewReader(data)
	hdr := make([]byte, len(magic))
	if _, err := r.Read(hdr); err != nil || string(hdr) != magic {
		return nil, fmt.Errorf("index: bad magic")
	}
	var ver, count uint32
	if err := binary.Read(r, binary.BigEndian, &ver); err != nil {
		return nil, fmt.Errorf("index: read version: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("index: read entry count: %w", err)
	}

	ix := New()
	for i := uint32(0); i < count; i++ {
		var e Entry
		var err error
		if e.Path, err = readLPString(r); err != nil {
			return nil, fmt.Errorf("index: entry %d path: %w", i, err)
		}
		var mode uint32
		if err := binary.Read(r, binary.BigEndian, &mode); err != nil {
			return nil, fmt.Errorf("index: entry %d mode: %w", i, err)
		}
		e.Mode = objstore.EntryMode(mode)
		if _, err := r.Read(e.Blob[:]); err != nil {
			return nil, fmt.Errorf("index: entry %d blob id: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &e.Ctime); err != nil {
			return nil, fmt.Errorf("index: entry %d ctime: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &e.Mtime); err != nil {
			return nil, fmt.Errorf("index: entry %d mtime: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &e.Size); err != nil {
			return nil, fmt.Errorf("index: entry %d size: %w", i, err)
		}
		stage, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("index: entry %d stage: %w", i, err)
		}
		e.Stage = Stage(stage)
		var flags uint16
		if err := binary.Read(r, binary.BigEndian, &flags); err != nil {
			return nil, fmt.Errorf("index: entry %d flags: %w", i, err)
		}
		e.Flags = Flag(flags)
		ix.Entries = append(ix.Entries, e)
	}
	return ix, nil
}

func writeLPString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.BigEndian, uint32(len(s)))
	buf.WriteString(s)
}

func readLPString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(b); err != nil {
			return "", err
		}
	}
	return string(b), nil
}
