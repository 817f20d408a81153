// Package safeio implements durable I/O routines used by the queue, inbox
// and transfer stores: every on-disk record those packages own is the
// whole truth about its own state, so writes must not leave a torn or
// half-written file behind on crash.
package safeio

import (
	"os"
	"path/filepath"
	"syscall"
)

// WriteFile writes data to a file named by filename, atomically, by writing
// to a temporary file in the same directory and renaming it into place.
//
// This relies on same-directory Rename being atomic, which holds on all
// filesystems quince is expected to run on.
func WriteFile(filename string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filename)
	tmpf, err := os.CreateTemp(dir, "."+filepath.Base(filename))
	if err != nil {
		return err
	}

	if err = tmpf.Chmod(perm); err != nil {
		tmpf.Close()
		os.Remove(tmpf.Name())
		return err
	}

	if uid, gid := getOwner(filename); uid >= 0 {
		if err = tmpf.Chown(uid, gid); err != nil {
			tmpf.Close()
			os.Remove(tmpf.Name())
			return err
		}
	}

	if _, err = tmpf.Write(data); err != nil {
		tmpf.Close()
		os.Remove(tmpf.Name())
		return err
	}

	if err = tmpf.Close(); err != nil {
		os.Remove(tmpf.Name())
		return err
	}

	return os.Rename(tmpf.Name(), filename)
}

// ReadFile is a thin wrapper around os.ReadFile, kept alongside WriteFile
// so callers that load durable records have a single package to import.
func ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

func getOwner(fname string) (uid, gid int) {
	uid = -1
	gid = -1
	stat, err := os.Stat(fname)
	if err == nil {
		if sysstat, ok := stat.Sys().(*syscall.Stat_t); ok {
			uid = int(sysstat.Uid)
			gid = int(sysstat.Gid)
		}
	}

	return
}
