package objstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"time"
)

// EntryMode classifies a tree entry, matching the small set of modes
// the worktree diff and tree walker care about.
type EntryMode uint32

const (
	ModeDir    EntryMode = 0o040000
	ModeFile   EntryMode = 0o100644
	ModeExec   EntryMode = 0o100755
	ModeSymlnk EntryMode = 0o120000
)

// TreeEntry is one child of a Tree, addressed by name within its parent.
type TreeEntry struct {
	Name string
	Mode EntryMode
	ID   ID
}

// Tree is a directory snapshot: a sorted list of entries, each
// pointing at either a Blob (file) or another Tree (subdirectory).
// Canonical encoding is deterministic so identical directory contents
// always hash to the same id, independent of how entries were built.
type Tree struct {
	Entries []TreeEntry
}

// Encode produces the canonical byte representation of t, with
// entries sorted by name. This is what gets hashed to produce the
// tree's object id and what gets stored verbatim in the object store.
func (t *Tree) Encode() []byte {
	entries := append([]TreeEntry(nil), t.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	var buf bytes.Buffer
	for _, e := range entries {
		fmt.Fprintf(&buf, "%o %s\x00", e.Mode, e.Name)
		buf.Write(e.ID[:])
	}
	return buf.Bytes()
}

// DecodeTree parses bytes produced by Tree.Encode.
func DecodeTree(data []byte) (*Tree, error) {
	t := &Tree{}
	for len(data) > 0 {
		sp := bytes.IndexByte(data, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("objstore: malformed tree: missing mode separator")
		}
		var mode uint32
		if _, err := fmt.Sscanf(string(data[:sp]), "%o", &mode); err != nil {
			return nil, fmt.Errorf("objstore: malformed tree: bad mode: %w", err)
		}
		data = data[sp+1:]

		nul := bytes.IndexByte(data, 0)
		if nul < 0 {
			return nil, fmt.Errorf("objstore: malformed tree: missing name terminator")
		}
		name := string(data[:nul])
		data = data[nul+1:]

		if len(data) < rawSize {
			return nil, fmt.Errorf("objstore: malformed tree: truncated id")
		}
		var id ID
		copy(id[:], data[:rawSize])
		data = data[rawSize:]

		t.Entries = append(t.Entries, TreeEntry{Name: name, Mode: EntryMode(mode), ID: id})
	}
	return t, nil
}

// Find returns the entry named name, or false if absent.
func (t *Tree) Find(name string) (TreeEntry, bool) {
	for _, e := range t.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return TreeEntry{}, false
}

// Commit is one node of the commit DAG. ParentIDs has 0 entries for
// the root commit, 1 for a normal commit, and 2 for a merge commit;
// more than 2 is never produced by this engine.
type Commit struct {
	RootID      ID
	ParentIDs   []ID
	CreatorName string
	CreatorID   string
	CreatedAt   time.Time
	Description string
	Version     int
	// DeviceName mirrors the bookkeeping seafile commits carry for
	// conflict-message generation; optional.
	DeviceName string
}

// Encode produces the canonical byte representation of c. Field order
// is fixed and length-prefixed so parsing never depends on a
// delimiter scheme a description string could forge.
func (c *Commit) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(c.RootID[:])
	binary.Write(&buf, binary.BigEndian, uint32(len(c.ParentIDs)))
	for _, p := range c.ParentIDs {
		buf.Write(p[:])
	}
	writeLP(&buf, []byte(c.CreatorName))
	writeLP(&buf, []byte(c.CreatorID))
	binary.Write(&buf, binary.BigEndian, c.CreatedAt.UTC().UnixNano())
	writeLP(&buf, []byte(c.Description))
	binary.Write(&buf, binary.BigEndian, uint32(c.Version))
	writeLP(&buf, []byte(c.DeviceName))
	return buf.Bytes()
}

// DecodeCommit parses bytes produced by Commit.Encode.
func DecodeCommit(data []byte) (*Commit, error) {
	r := bytes.NewReader(data)
	c := &Commit{}

	if _, err := r.Read(c.RootID[:]); err != nil {
		return nil, fmt.Errorf("objstore: malformed commit: root id: %w", err)
	}

	var nparents uint32
	if err := binary.Read(r, binary.BigEndian, &nparents); err != nil {
		return nil, fmt.Errorf("objstore: malformed commit: parent count: %w", err)
	}
	for i := uint32(0); i < nparents; i++ {
		var p ID
		if _, err := r.Read(p[:]); err != nil {
			return nil, fmt.Errorf("objstore: malformed commit: parent id: %w", err)
		}
		c.ParentIDs = append(c.ParentIDs, p)
	}

	var err error
	if c.CreatorName, err = readLPString(r); err != nil {
		return nil, fmt.Errorf("objstore: malformed commit: creator name: %w", err)
	}
	if c.CreatorID, err = readLPString(r); err != nil {
		return nil, fmt.Errorf("objstore: malformed commit: creator id: %w", err)
	}
	var nanos int64
	if err := binary.Read(r, binary.BigEndian, &nanos); err != nil {
		return nil, fmt.Errorf("objstore: malformed commit: timestamp: %w", err)
	}
	c.CreatedAt = time.Unix(0, nanos).UTC()
	if c.Description, err = readLPString(r); err != nil {
		return nil, fmt.Errorf("objstore: malformed commit: description: %w", err)
	}
	var version uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, fmt.Errorf("objstore: malformed commit: version: %w", err)
	}
	c.Version = int(version)
	if c.DeviceName, err = readLPString(r); err != nil {
		return nil, fmt.Errorf("objstore: malformed commit: device name: %w", err)
	}
	return c, nil
}

// IsMerge reports whether c has two parents.
func (c *Commit) IsMerge() bool { return len(c.ParentIDs) == 2 }

// IsRoot reports whether c has no parents.
func (c *Commit) IsRoot() bool { return len(c.ParentIDs) == 0 }

func writeLP(buf *bytes.Buffer, s []byte) {
	binary.Write(buf, binary.BigEndian, uint32(len(s)))
	buf.Write(s)
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
