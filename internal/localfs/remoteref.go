package localfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/nxdrive/drivesync/internal/state"
)

// xattrName holds the remote reference of a synchronized file.
const xattrName = "user.nxdrive.remote_ref"

// GetRemoteRef returns the remote reference stored on rel, or "".
func (c *Client) GetRemoteRef(rel string) string {
	abs := c.Abspath(rel)
	if xattrSupported {
		v, err := getXattr(abs, xattrName)
		if err == nil {
			return v
		}
	}
	data, err := os.ReadFile(c.sidecarPath(rel))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// SetRemoteRef stores ref on rel, using a sidecar file when the filesystem
// has no extended attributes.
func (c *Client) SetRemoteRef(rel, ref string) error {
	abs := c.Abspath(rel)
	if xattrSupported {
		err := setXattr(abs, xattrName, ref)
		if err == nil {
			return nil
		}
		if !xattrUnsupported(err) {
			return fmt.Errorf("failed to set remote ref on %s: %w", rel, err)
		}
	}
	if state.NormalizePath(rel) == "/" {
		return nil
	}
	if err := os.WriteFile(c.sidecarPath(rel), []byte(ref), 0o644); err != nil {
		return fmt.Errorf("failed to write remote ref sidecar for %s: %w", rel, err)
	}
	return nil
}

// RemoveRemoteRef drops the remote reference stored on rel.
func (c *Client) RemoveRemoteRef(rel string) error {
	if xattrSupported {
		if err := removeXattr(c.Abspath(rel), xattrName); err != nil && !xattrUnsupported(err) && !xattrMissing(err) {
			return fmt.Errorf("failed to remove remote ref on %s: %w", rel, err)
		}
	}
	c.removeSidecar(rel)
	return nil
}

func (c *Client) sidecarPath(rel string) string {
	abs := c.Abspath(rel)
	return filepath.Join(filepath.Dir(abs), SidecarPrefix+filepath.Base(abs))
}

func (c *Client) moveSidecar(from, to string) {
	src := c.sidecarPath(from)
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err := os.Rename(src, c.sidecarPath(to)); err != nil {
		c.logger.Printf("Warning: failed to move remote ref sidecar of %s: %v", from, err)
	}
}

func (c *Client) removeSidecar(rel string) {
	if state.NormalizePath(rel) == "/" {
		return
	}
	if err := os.Remove(c.sidecarPath(rel)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Printf("Warning: failed to remove remote ref sidecar of %s: %v", rel, err)
	}
}
