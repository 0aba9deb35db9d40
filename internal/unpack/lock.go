package unpack

import (
	"os"
	"runtime"
)

// isPathLocked reports whether another process holds full open in a
// way that would make an overwrite or delete fail silently-corrupt
// instead of cleanly erroring. Only Windows enforces mandatory file
// locking in a way this check can usefully detect ahead of time; on
// POSIX systems a concurrent writer simply gets a new inode, so the
// check is a no-op there. A runtime.GOOS gate keeps this in one file
// rather than a build-tagged file per OS.
func isPathLocked(full string) bool {
	if runtime.GOOS != "windows" {
		return false
	}
	if _, err := os.Stat(full); err != nil {
		return false // doesn't exist, nothing to be locked
	}
	f, err := os.OpenFile(full, os.O_RDWR, 0)
	if err != nil {
		return true // exists but cannot be opened exclusively: treat as locked
	}
	f.Close()
	return false
}
