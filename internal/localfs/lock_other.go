//go:build !linux && !darwin

package localfs

import (
	"errors"
	"io/fs"
)

// IsLocked always reports false here; mandatory locks surface instead as
// permission errors while reading, see isLockError.
func (c *Client) IsLocked(rel string) (bool, error) {
	return false, nil
}

func isLockError(err error) bool {
	return errors.Is(err, fs.ErrPermission)
}
