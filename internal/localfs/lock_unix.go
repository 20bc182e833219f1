//go:build linux || darwin

package localfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// IsLocked reports whether another process holds an advisory lock on rel.
// Folders are locked when any file below them is.
func (c *Client) IsLocked(rel string) (bool, error) {
	abs := c.Abspath(rel)
	st, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", rel, err)
	}
	if !st.IsDir() {
		return probeLock(abs)
	}

	locked := false
	err = fs.WalkDir(os.DirFS(abs), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		ok, perr := probeLock(abs + string(os.PathSeparator) + p)
		if perr != nil {
			return nil
		}
		if ok {
			locked = true
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to walk %s: %w", rel, err)
	}
	return locked, nil
}

func probeLock(abs string) (bool, error) {
	f, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return true, nil
		}
		return false, err
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false, nil
}

func isLockError(err error) bool {
	return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EBUSY)
}
