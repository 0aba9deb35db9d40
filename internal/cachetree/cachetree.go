// Package cachetree derives tree objects from the sorted index on
// demand, recomputing only the directory spans that changed since
// the last build.
package cachetree

import (
	"fmt"
	"path"
	"strings"

	"github.com/cuemby/repoengine/internal/index"
	"github.com/cuemby/repoengine/internal/objstore"
)

// Cache remembers the tree id last computed for each directory path so
// a later Build call can skip rehashing subtrees the caller marked
// clean, the same incremental-recompute shape a tracking blockstore
// gives an MST: only dirty spans get rewritten and rehashed.
type Cache struct {
	dirty map[string]bool // "" means the repo root
	ids   map[string]objstore.ID
}

// NewCache returns a cache with every directory considered dirty,
// appropriate for the first build after loading a repo.
func NewCache() *Cache {
	return &Cache{dirty: map[string]bool{"": true}, ids: make(map[string]objstore.ID)}
}

// Invalidate marks dirPath and every one of its ancestors dirty, to be
// called once per path an index mutation touches before the next Build.
func (c *Cache) Invalidate(dirPath string) {
	if c.dirty == nil {
		c.dirty = make(map[string]bool)
	}
	dirPath = strings.Trim(dirPath, "/")
	for {
		c.dirty[dirPath] = true
		if dirPath == "" {
			return
		}
		dirPath = path.Dir(dirPath)
		if dirPath == "." {
			dirPath = ""
		}
	}
}

// Build derives the tree id for the repo root from the index's merged
// (stage 0) entries, writing every new tree object along the way.
// Directories the cache considers clean reuse their last-computed id
// without rehashing.
func Build(ix *index.Index, store *objstore.Store, c *Cache) (objstore.ID, error) {
	byDir := make(map[string][]index.Entry)
	dirSet := map[string]bool{"": true}

	for _, e := range ix.Entries {
		if e.Stage != index.StageMerged {
			continue // unmerged paths do not participate in a tree build
		}
		dir := path.Dir(e.Path)
		if dir == "." {
			dir = ""
		}
		byDir[dir] = append(byDir[dir], e)
		for d := dir; ; {
			dirSet[d] = true
			if d == "" {
				break
			}
			d = path.Dir(d)
			if d == "." {
				d = ""
			}
		}
	}

	return buildDir(store, c, "", byDir, dirSet)
}

func buildDir(store *objstore.Store, c *Cache, dir string, byDir map[string][]index.Entry, dirSet map[string]bool) (objstore.ID, error) {
	if !c.dirty[dir] {
		if id, ok := c.ids[dir]; ok {
			return id, nil
		}
	}

	t := &objstore.Tree{}
	for _, e := range byDir[dir] {
		t.Entries = append(t.Entries, objstore.TreeEntry{
			Name: path.Base(e.Path),
			Mode: e.Mode,
			ID:   e.Blob,
		})
	}

	children := directChildren(dir, dirSet)
	for _, child := range children {
		childID, err := buildDir(store, c, child, byDir, dirSet)
		if err != nil {
			return objstore.ID{}, err
		}
		name := path.Base(child)
		t.Entries = append(t.Entries, objstore.TreeEntry{Name: name, Mode: objstore.ModeDir, ID: childID})
	}

	id, err := store.PutTree(t)
	if err != nil {
		return objstore.ID{}, fmt.Errorf("cachetree: build %q: %w", dir, err)
	}
	if c.ids == nil {
		c.ids = make(map[string]objstore.ID)
	}
	c.ids[dir] = id
	delete(c.dirty, dir)
	return id, nil
}

func directChildren(dir string, dirSet map[string]bool) []string {
	var out []string
	for d := range dirSet {
		if d == dir {
			continue
		}
		parent := path.Dir(d)
		if parent == "." {
			parent = ""
		}
		if parent == dir {
			out = append(out, d)
		}
	}
	return out
}
