// Package unpack implements the tree walker: lockstep comparison of
// up to three trees into a worktree update plan, and the applier
// that turns that plan into file writes.
package unpack

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/repoengine/internal/metrics"
	"github.com/cuemby/repoengine/internal/objstore"
)

// Action is what the applier should do with one plan entry.
type Action int

const (
	Update   Action = iota // write blob content to the worktree path
	WTRemove               // delete the worktree path
	Keep                   // worktree already matches, nothing to do
	Conflict               // cannot resolve automatically; caller decides
)

// PlanEntry is one path's resolved action.
type PlanEntry struct {
	Path   string
	Action Action
	Mode   objstore.EntryMode
	Blob   objstore.ID
	// TheirBlob is set alongside Conflict; the applier writes both
	// "path" (ours) and "path.conflict" (theirs).
	TheirBlob objstore.ID
}

// FlatEntry is one path discovered while flattening a tree.
type FlatEntry struct {
	Mode objstore.EntryMode
	Blob objstore.ID
}

// Flatten walks a tree recursively and returns every file path it
// contains, plus a ModeDir entry for each empty directory, keyed by
// worktree-relative path. A null id yields an
// empty map, the "no tree" case used for a brand new repo.
func Flatten(store *objstore.Store, root objstore.ID) (map[string]FlatEntry, error) {
	out := make(map[string]FlatEntry)
	if root.IsNull() {
		return out, nil
	}
	if err := flattenInto(store, root, "", out); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenInto(store *objstore.Store, id objstore.ID, prefix string, out map[string]FlatEntry) error {
	t, err := store.GetTree(id)
	if err != nil {
		return fmt.Errorf("unpack: flatten %s: %w", prefix, err)
	}
	if len(t.Entries) == 0 && prefix != "" {
		// An empty tree is representable; surface it so checkout recreates the directory
		// and the rebuilt index keeps its sentinel.
		out[prefix] = FlatEntry{Mode: objstore.ModeDir}
		return nil
	}
	for _, e := range t.Entries {
		p := filepath.ToSlash(filepath.Join(prefix, e.Name))
		if e.Mode == objstore.ModeDir {
			if e.ID.IsNull() {
				out[p] = FlatEntry{Mode: objstore.ModeDir}
				continue
			}
			if err := flattenInto(store, e.ID, p, out); err != nil {
				return err
			}
			continue
		}
		out[p] = FlatEntry{Mode: e.Mode, Blob: e.ID}
	}
	return nil
}

// OnewayMerge builds a plan that moves the worktree from oldTree to
// newTree unconditionally, ignoring whatever is on disk — the
// strategy behind reset and revert.
func OnewayMerge(store *objstore.Store, oldTree, newTree objstore.ID) ([]PlanEntry, error) {
	oldFlat, err := Flatten(store, oldTree)
	if err != nil {
		return nil, err
	}
	newFlat, err := Flatten(store, newTree)
	if err != nil {
		return nil, err
	}

	var plan []PlanEntry
	for p, ne := range newFlat {
		plan = append(plan, PlanEntry{Path: p, Action: Update, Mode: ne.Mode, Blob: ne.Blob})
	}
	for p := range oldFlat {
		if _, ok := newFlat[p]; !ok {
			plan = append(plan, PlanEntry{Path: p, Action: WTRemove})
		}
	}
	return plan, nil
}

// WorktreeStat is the caller-supplied view of what is actually on
// disk for a path, used by TwowayMerge to decide whether a local
// modification can be preserved or must be flagged as a conflict.
type WorktreeStat struct {
	Exists    bool
	LocalBlob objstore.ID // hash of the file's current on-disk content, if known
}

// TwowayMerge builds a checkout plan from oldTree (the worktree's
// current base, e.g. the branch head before a fetch) to newTree (the
// new head), given what each touched path actually looks like on
// disk. A path both trees hold with the same blob is left alone
// (Keep). A path only oldTree held is removed unless it was modified
// locally, in which case it stays on disk as an untracked file.
func TwowayMerge(store *objstore.Store, oldTree, newTree objstore.ID, stat func(path string) WorktreeStat) ([]PlanEntry, error) {
	oldFlat, err := Flatten(store, oldTree)
	if err != nil {
		return nil, err
	}
	newFlat, err := Flatten(store, newTree)
	if err != nil {
		return nil, err
	}

	var plan []PlanEntry
	for p, ne := range newFlat {
		oe, hadOld := oldFlat[p]
		st := stat(p)

		switch {
		case !hadOld:
			// New path introduced upstream. Safe unless something
			// unrelated already occupies it locally with different content.
			if st.Exists && st.LocalBlob != ne.Blob {
				plan = append(plan, PlanEntry{Path: p, Action: Conflict, Mode: ne.Mode, Blob: st.LocalBlob, TheirBlob: ne.Blob})
			} else {
				plan = append(plan, PlanEntry{Path: p, Action: Update, Mode: ne.Mode, Blob: ne.Blob})
			}
		case oe.Blob == ne.Blob:
			plan = append(plan, PlanEntry{Path: p, Action: Keep})
		case !st.Exists || st.LocalBlob == oe.Blob:
			// Unmodified locally (or already gone): safe to update.
			plan = append(plan, PlanEntry{Path: p, Action: Update, Mode: ne.Mode, Blob: ne.Blob})
		default:
			// Modified both upstream and locally.
			plan = append(plan, PlanEntry{Path: p, Action: Conflict, Mode: ne.Mode, Blob: st.LocalBlob, TheirBlob: ne.Blob})
		}
	}

	for p, oe := range oldFlat {
		if _, stillThere := newFlat[p]; stillThere {
			continue
		}
		st := stat(p)
		if !st.Exists || st.LocalBlob == oe.Blob {
			plan = append(plan, PlanEntry{Path: p, Action: WTRemove})
		}
		// else: locally modified but deleted upstream — leave it alone,
		// the file is now simply untracked.
	}
	return plan, nil
}

// Apply writes plan entries under worktreeRoot, reporting progress
// through metrics.CheckoutFilesDone. Update writes go through a
// temp-file-then-rename sequence so a crash mid-checkout never leaves
// a half-written file; WTRemove deletes the path directly.
// skipLockCheck disables the host-OS open-file check for callers that
// own the whole worktree anyway: an initial checkout into a fresh
// directory, or a merge re-run during crash recovery.
func Apply(store *objstore.Store, worktreeRoot string, plan []PlanEntry, repoID string, skipLockCheck bool) error {
	metrics.CheckoutFilesTotal.WithLabelValues(repoID).Set(float64(len(plan)))

	done := 0
	for _, pe := range plan {
		full := filepath.Join(worktreeRoot, filepath.FromSlash(pe.Path))

		switch pe.Action {
		case Update:
			if pe.Mode == objstore.ModeDir {
				if err := os.MkdirAll(full, 0o755); err != nil {
					return fmt.Errorf("unpack: apply %s: %w", pe.Path, err)
				}
				break
			}
			if err := writeFileAtomic(store, full, pe.Blob, pe.Mode); err != nil {
				return fmt.Errorf("unpack: apply %s: %w", pe.Path, err)
			}
		case WTRemove:
			if err := remove(full, skipLockCheck); err != nil {
				return fmt.Errorf("unpack: remove %s: %w", pe.Path, err)
			}
		case Conflict:
			if err := writeFileAtomic(store, full, pe.Blob, pe.Mode); err != nil {
				return fmt.Errorf("unpack: apply conflict (ours) %s: %w", pe.Path, err)
			}
			if err := writeFileAtomic(store, full+".conflict", pe.TheirBlob, pe.Mode); err != nil {
				return fmt.Errorf("unpack: apply conflict (theirs) %s: %w", pe.Path, err)
			}
		case Keep:
			// nothing to do
		}

		done++
		metrics.CheckoutFilesDone.WithLabelValues(repoID).Set(float64(done))
	}
	return nil
}

func writeFileAtomic(store *objstore.Store, full string, blob objstore.ID, mode objstore.EntryMode) error {
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	data, err := store.GetBlob(blob)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".unpack-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	perm := os.FileMode(0o644)
	if mode == objstore.ModeExec {
		perm = 0o755
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	return os.Rename(tmpPath, full)
}

// remove deletes full, first checking (unless the caller opted out)
// that the host OS (Windows in practice) does not still hold the file
// open, in which case the whole checkout aborts rather than corrupt
// an open file.
func remove(full string, skipLockCheck bool) error {
	if !skipLockCheck && isPathLocked(full) {
		return fmt.Errorf("unpack: %s is locked by another process", full)
	}
	err := os.Remove(full)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
