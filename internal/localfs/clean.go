package localfs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// CleanStats counts what CleanTree removed.
type CleanStats struct {
	Refs     int
	Partials int
}

// CleanTree strips remote references and leftover partial downloads below
// rel, leaving user content untouched.
func (c *Client) CleanTree(rel string) (CleanStats, error) {
	var stats CleanStats
	base := c.Abspath(rel)

	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		switch {
		case strings.HasPrefix(name, TmpPrefix):
			if err := os.RemoveAll(p); err != nil {
				return err
			}
			stats.Partials++
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		case strings.HasPrefix(name, SidecarPrefix):
			if err := os.Remove(p); err != nil {
				return err
			}
			stats.Refs++
			return nil
		}

		if xattrSupported {
			if _, gerr := getXattr(p, xattrName); gerr == nil {
				if rerr := removeXattr(p, xattrName); rerr != nil {
					return rerr
				}
				stats.Refs++
			}
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("failed to clean %s: %w", rel, err)
	}
	return stats, nil
}
