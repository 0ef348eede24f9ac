// Package safeio implements the atomic-file-write primitive the message
// storage layer relies on: a received message's bytes either land in their
// final path whole, or not at all, never partially visible to a concurrent
// reader.
package safeio

import (
	"os"
	"path/filepath"
	"syscall"
)

// FileOp is an optional hook run against the temporary file's path after
// its bytes are written but before it is renamed into place -- for example
// to fsync it, or to run a last validation pass over what was just
// written. An error from any op aborts the write: the temporary file is
// removed and filename is left untouched.
type FileOp func(tmpPath string) error

// WriteFile writes data to filename atomically. It writes to a temporary
// file in the same directory as filename (same-directory rename is
// atomic on any reasonably modern filesystem), applies perm and ops in
// order, and only renames the result over filename once every op has
// succeeded.
func WriteFile(filename string, data []byte, perm os.FileMode, ops ...FileOp) error {
	tmpf, err := os.CreateTemp(filepath.Dir(filename), "."+filepath.Base(filename))
	if err != nil {
		return err
	}
	tmpPath := tmpf.Name()
	abort := func(cause error) error {
		tmpf.Close()
		os.Remove(tmpPath)
		return cause
	}

	if err := tmpf.Chmod(perm); err != nil {
		return abort(err)
	}
	if uid, gid := ownerOf(filename); uid >= 0 {
		if err := tmpf.Chown(uid, gid); err != nil {
			return abort(err)
		}
	}
	if _, err := tmpf.Write(data); err != nil {
		return abort(err)
	}
	if err := tmpf.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	for _, op := range ops {
		if err := op(tmpPath); err != nil {
			os.Remove(tmpPath)
			return err
		}
	}

	return os.Rename(tmpPath, filename)
}

// ownerOf returns the uid/gid that already own filename, or (-1, -1) if it
// doesn't exist yet or its owner can't be determined on this platform --
// used so a rewritten file keeps its previous owner instead of defaulting
// to whatever user this process runs as.
func ownerOf(filename string) (uid, gid int) {
	uid, gid = -1, -1
	stat, err := os.Stat(filename)
	if err != nil {
		return
	}
	sysstat, ok := stat.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	return int(sysstat.Uid), int(sysstat.Gid)
}
