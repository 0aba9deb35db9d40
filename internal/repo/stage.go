package repo

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/repoengine/internal/index"
	"github.com/cuemby/repoengine/internal/metrics"
	"github.com/cuemby/repoengine/internal/objstore"
	"github.com/cuemby/repoengine/internal/rlog"
)

// IndexAdd stages every worktree change under pathPrefix into the
// repo's index: wait out any running GC, walk the worktree adding
// files and empty-directory sentinels, drop entries whose worktree
// counterpart vanished, then write the index back atomically. On any
// error the in-memory state is discarded and the on-disk index is
// left untouched.
func (m *Manager) IndexAdd(r *Repo, pathPrefix string) error {
	timer := metrics.NewTimer(metrics.IndexOperationDuration.WithLabelValues("index_add"))
	defer timer.ObserveDuration()

	m.waitForGC()

	r.Lock()
	defer r.Unlock()

	if err := m.checkWorktree(r); err != nil {
		return err
	}
	if r.Encrypted && !r.HasKey() {
		return fmt.Errorf("repo: index_add %s: password required", r.ID)
	}

	ix, err := index.Load(m.cfg.SeafDir, r.ID)
	if err != nil {
		return fmt.Errorf("repo: index_add: load index: %w", err)
	}

	if err := m.stageWorktree(r, ix, pathPrefix); err != nil {
		return err
	}
	if err := m.removeDeleted(r, ix, pathPrefix); err != nil {
		return err
	}
	ix.CompactRemoved()

	if err := ix.Save(m.cfg.SeafDir, r.ID); err != nil {
		return fmt.Errorf("repo: index_add: save index: %w", err)
	}
	return nil
}

// stageWorktree walks the worktree under pathPrefix, adding every
// regular file and empty directory that is not ignored.
func (m *Manager) stageWorktree(r *Repo, ix *index.Index, pathPrefix string) error {
	log := rlog.WithRepo(r.ID).With().Str("op", "index-add").Logger()
	walkRoot := filepath.Join(r.WorktreePath, filepath.FromSlash(pathPrefix))

	info, err := os.Lstat(walkRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // nothing under the prefix; removeDeleted handles the rest
		}
		return fmt.Errorf("repo: index_add: stat %s: %w", pathPrefix, err)
	}
	if !info.IsDir() {
		return m.addFileToIndex(r, ix, pathPrefix, walkRoot, info)
	}

	return filepath.Walk(walkRoot, func(full string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(r.WorktreePath, full)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if m.ignore.Ignored(rel) {
			log.Debug().Str("path", rel).Msg("skipping ignored path")
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if info.IsDir() {
			empty, derr := dirIsEmpty(full)
			if derr != nil {
				return derr
			}
			if empty {
				ix.Put(index.Entry{Path: rel, Mode: objstore.ModeDir})
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil // sockets, devices, symlinks are not tracked
		}
		return m.addFileToIndex(r, ix, rel, full, info)
	})
}

// addFileToIndex stages one regular file: if a same-path
// entry's recorded stat still matches the file, skip re-hashing;
// otherwise chunk and store the content and record the fresh entry.
func (m *Manager) addFileToIndex(r *Repo, ix *index.Index, rel, full string, info os.FileInfo) error {
	mtime := info.ModTime().UnixNano()
	size := info.Size()

	if e, ok := ix.Get(rel); ok && e.Mtime == mtime && e.Size == size {
		return nil
	}

	blobID, err := r.store.IndexBlocks(full)
	if err != nil {
		return fmt.Errorf("repo: index_add: index %s failed: %w", rel, err)
	}

	mode := objstore.ModeFile
	if info.Mode()&0o111 != 0 {
		mode = objstore.ModeExec
	}
	ix.Put(index.Entry{
		Path:  rel,
		Mode:  mode,
		Blob:  blobID,
		Ctime: mtime,
		Mtime: mtime,
		Size:  size,
	})
	return nil
}

// removeDeleted prunes stale entries: for every entry under
// pathPrefix, mark REMOVE if its worktree path is missing, is the
// wrong type, or (for empty-directory sentinels) is no longer empty.
func (m *Manager) removeDeleted(r *Repo, ix *index.Index, pathPrefix string) error {
	for _, e := range ix.Entries {
		if pathPrefix != "" && e.Path != pathPrefix && !strings.HasPrefix(e.Path, pathPrefix+"/") {
			continue
		}
		full := filepath.Join(r.WorktreePath, filepath.FromSlash(e.Path))
		info, err := os.Lstat(full)
		if err != nil {
			if os.IsNotExist(err) {
				ix.MarkRemove(e.Path)
				continue
			}
			return fmt.Errorf("repo: index_add: stat %s: %w", e.Path, err)
		}

		if e.Mode == objstore.ModeDir {
			if !info.IsDir() {
				ix.MarkRemove(e.Path)
				continue
			}
			empty, derr := dirIsEmpty(full)
			if derr != nil {
				return derr
			}
			if !empty {
				ix.MarkRemove(e.Path) // its contents are tracked as files now
			}
			continue
		}
		if info.IsDir() {
			ix.MarkRemove(e.Path)
		}
	}
	return nil
}

// checkWorktree validates the repo's worktree binding: the repo must
// have a worktree bound and it must still be a directory on disk.
func (m *Manager) checkWorktree(r *Repo) error {
	if r.WorktreePath == "" {
		return fmt.Errorf("repo: %s has no worktree bound", r.ID)
	}
	info, err := os.Stat(r.WorktreePath)
	if err != nil {
		return fmt.Errorf("repo: worktree %s: %w", r.WorktreePath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("repo: worktree %s is not a directory", r.WorktreePath)
	}
	return nil
}

// RemoveFileFromIndex drops a single path from the index and persists
// the change.
func (m *Manager) RemoveFileFromIndex(r *Repo, path string) error {
	timer := metrics.NewTimer(metrics.IndexOperationDuration.WithLabelValues("index_remove"))
	defer timer.ObserveDuration()

	r.Lock()
	defer r.Unlock()

	ix, err := index.Load(m.cfg.SeafDir, r.ID)
	if err != nil {
		return fmt.Errorf("repo: remove from index: load: %w", err)
	}
	ix.Remove(path)
	return ix.Save(m.cfg.SeafDir, r.ID)
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
	return false, err
}
