// Package worktree classifies differences between the worktree, the
// index, and HEAD: three collectors whose output the repo manager
// turns into user-facing status.
package worktree

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/cuemby/repoengine/internal/ignore"
	"github.com/cuemby/repoengine/internal/index"
	"github.com/cuemby/repoengine/internal/objstore"
	"github.com/cuemby/repoengine/internal/unpack"
)

// ChangeType classifies one path's status relative to some baseline.
type ChangeType int

const (
	Added ChangeType = iota
	Deleted
	Modified
	DirAdded
	DirDeleted
	Renamed
)

func (c ChangeType) String() string {
	switch c {
	case Added:
		return "added"
	case Deleted:
		return "deleted"
	case Modified:
		return "modified"
	case DirAdded:
		return "dir-added"
	case DirDeleted:
		return "dir-deleted"
	case Renamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Change is one classified path, optionally carrying the rename
// partner once ResolveRenames has paired it up.
type Change struct {
	Path    string
	Type    ChangeType
	OldPath string // set only on Renamed
	BlobID  objstore.ID
}

// CollectWorktreeChanges walks every entry currently in the index and
// reports MODIFIED for a path whose on-disk stat or content no longer
// matches what the index recorded, and DELETED for a path missing
// entirely. Empty-directory sentinels are checked for existence only.
func CollectWorktreeChanges(ix *index.Index, worktreeRoot string, ig *ignore.Matcher) ([]Change, error) {
	var out []Change
	for _, e := range ix.Entries {
		if e.Stage != index.StageMerged {
			continue
		}
		if ig.Ignored(e.Path) {
			continue
		}
		full := filepath.Join(worktreeRoot, filepath.FromSlash(e.Path))
		info, err := os.Lstat(full)
		if err != nil {
			if os.IsNotExist(err) {
				out = append(out, Change{Path: e.Path, Type: Deleted})
				continue
			}
			return nil, fmt.Errorf("worktree: stat %s: %w", e.Path, err)
		}

		if e.Mode == objstore.ModeDir {
			continue // sentinel: absence already handled above
		}
		if info.IsDir() {
			return nil, fmt.Errorf("worktree: %s: expected file, found directory", e.Path)
		}

		if info.ModTime().UnixNano() == e.Mtime && info.Size() == e.Size {
			continue // stat matches recorded state, skip the hash
		}

		sum, err := hashFile(full)
		if err != nil {
			return nil, err
		}
		if sum != e.Blob {
			out = append(out, Change{Path: e.Path, Type: Modified, BlobID: sum})
		}
	}
	return out, nil
}

// CollectUntracked walks the worktree and reports every path not
// present in the index and not ignored: ADDED for files, DIR_ADDED
// for directories that are empty (a non-empty untracked directory is
// not reported itself; its contents are reported instead).
func CollectUntracked(ix *index.Index, worktreeRoot string, ig *ignore.Matcher) ([]Change, error) {
	known := make(map[string]bool, len(ix.Entries))
	for _, e := range ix.Entries {
		known[e.Path] = true
	}

	var out []Change
	err := filepath.Walk(worktreeRoot, func(full string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if full == worktreeRoot {
			return nil
		}
		rel, err := filepath.Rel(worktreeRoot, full)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if ig.Ignored(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if info.IsDir() {
			empty, err := dirIsEmpty(full)
			if err != nil {
				return err
			}
			if empty {
				if !known[rel] {
					out = append(out, Change{Path: rel, Type: DirAdded})
				}
				return filepath.SkipDir
			}
			return nil
		}

		if !known[rel] {
			sum, err := hashFile(full)
			if err != nil {
				return err
			}
			out = append(out, Change{Path: rel, Type: Added, BlobID: sum})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("worktree: collect untracked: %w", err)
	}
	return out, nil
}

// CollectIndexChanges diffs the index against headRoot (the HEAD
// commit's root tree, or the null id for a repo with no commits yet)
// and reports every path whose presence or content differs.
func CollectIndexChanges(store *objstore.Store, ix *index.Index, headRoot objstore.ID) ([]Change, error) {
	headFlat, err := unpack.Flatten(store, headRoot)
	if err != nil {
		return nil, fmt.Errorf("worktree: collect index changes: %w", err)
	}

	indexed := make(map[string]index.Entry, len(ix.Entries))
	for _, e := range ix.Entries {
		if e.Stage == index.StageMerged {
			indexed[e.Path] = e
		}
	}

	var out []Change
	for path, e := range indexed {
		if e.Mode == objstore.ModeDir {
			if _, ok := headFlat[path]; !ok {
				out = append(out, Change{Path: path, Type: DirAdded})
			}
			continue
		}
		he, ok := headFlat[path]
		switch {
		case !ok:
			out = append(out, Change{Path: path, Type: Added, BlobID: e.Blob})
		case he.Blob != e.Blob:
			out = append(out, Change{Path: path, Type: Modified, BlobID: e.Blob})
		}
	}
	for path := range headFlat {
		if _, ok := indexed[path]; !ok {
			out = append(out, Change{Path: path, Type: Deleted})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ResolveEmptyDirs collapses a DELETED entry for a directory's only
// remaining empty-dir sentinel into a single DIR_DELETED, the
// inverse of how add_empty_dir_to_index represents an empty directory
// in the index.
func ResolveEmptyDirs(changes []Change, wasEmptyDirSentinel map[string]bool) []Change {
	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		if c.Type == Deleted && wasEmptyDirSentinel[c.Path] {
			c.Type = DirDeleted
		}
		out = append(out, c)
	}
	return out
}

// ResolveRenames pairs an ADDED and a DELETED change that share a
// blob id (the deleted path's last-known content, found via
// deletedBlob) into a single RENAMED change; the index itself never
// records moves, so renames can only be inferred.
func ResolveRenames(changes []Change, deletedBlob func(path string) (objstore.ID, bool)) []Change {
	addedByBlob := make(map[objstore.ID][]int)
	for i, c := range changes {
		if c.Type == Added {
			addedByBlob[c.BlobID] = append(addedByBlob[c.BlobID], i)
		}
	}

	usedAdds := make(map[int]bool)
	usedDeletes := make(map[int]bool)
	var renamed []Change

	for i, c := range changes {
		if c.Type != Deleted {
			continue
		}
		blob, ok := deletedBlob(c.Path)
		if !ok {
			continue
		}
		paired := -1
		for _, idx := range addedByBlob[blob] {
			if !usedAdds[idx] {
				paired = idx
				break
			}
		}
		if paired < 0 {
			continue
		}
		usedAdds[paired] = true
		usedDeletes[i] = true
		renamed = append(renamed, Change{Path: changes[paired].Path, OldPath: c.Path, Type: Renamed, BlobID: blob})
	}

	out := make([]Change, 0, len(changes))
	for i, c := range changes {
		if usedAdds[i] || usedDeletes[i] {
			continue
		}
		out = append(out, c)
	}
	out = append(out, renamed...)
	return out
}

func dirIsEmpty(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		return false, err
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	if err == io.EOF {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func hashFile(full string) (objstore.ID, error) {
	f, err := os.Open(full)
	if err != nil {
		return objstore.ID{}, fmt.Errorf("worktree: open %s: %w", full, err)
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return objstore.ID{}, fmt.Errorf("worktree: hash %s: %w", full, err)
	}
	var id objstore.ID
	copy(id[:], h.Sum(nil))
	return id, nil
}
