//go:build linux || darwin

package localfs

import (
	"errors"

	"golang.org/x/sys/unix"
)

const xattrSupported = true

func getXattr(path, name string) (string, error) {
	size, err := unix.Getxattr(path, name, nil)
	if err != nil {
		return "", err
	}
	buf := make([]byte, size)
	n, err := unix.Getxattr(path, name, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

func setXattr(path, name, value string) error {
	return unix.Setxattr(path, name, []byte(value), 0)
}

func removeXattr(path, name string) error {
	return unix.Removexattr(path, name)
}

func xattrUnsupported(err error) bool {
	return errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.EPERM)
}

func xattrMissing(err error) bool {
	return errors.Is(err, unix.ENODATA) || errors.Is(err, unix.ENOENT)
}
