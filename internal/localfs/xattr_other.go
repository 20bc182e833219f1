//go:build !linux && !darwin

package localfs

import "errors"

const xattrSupported = false

var errNoXattr = errors.New("extended attributes are not supported")

func getXattr(string, string) (string, error) { return "", errNoXattr }

func setXattr(string, string, string) error { return errNoXattr }

func removeXattr(string, string) error { return errNoXattr }

func xattrUnsupported(err error) bool { return errors.Is(err, errNoXattr) }

func xattrMissing(error) bool { return false }
