// Package localfs gives the engine a root-relative view of the local tree.
//
// Every path crossing this package boundary is slash-separated and relative
// to the root ("/" is the root itself). Writes performed on behalf of the
// engine are recorded in a short-lived guard so the local watcher can drop
// their echo events.
package localfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nxdrive/drivesync/internal/state"
)

var (
	// ErrNotFound is returned when a path does not exist under the root.
	ErrNotFound = errors.New("local file not found")

	// ErrLocked is returned when another process holds a lock on a file.
	ErrLocked = errors.New("local file is locked")

	// ErrOutsideRoot is returned for absolute paths not under the root.
	ErrOutsideRoot = errors.New("path is outside the local root")
)

// FileInfo describes a local file or folder.
type FileInfo struct {
	Path         string
	Name         string
	Folderish    bool
	Size         int64
	LastModified time.Time
	Digest       state.Digest
	RemoteRef    string
}

// ParentPath returns the relative path of the parent folder.
func (fi *FileInfo) ParentPath() string {
	return state.ParentPath(fi.Path)
}

// Options configures a Client.
type Options struct {
	// TrashDir receives deleted files. Files are removed for good when empty.
	TrashDir string
	// BigFile is the size from which digests are deferred (0 disables).
	BigFile int64
	// Algorithm is the default digest algorithm.
	Algorithm string
	// GuardWindow is how long engine writes hide watcher events.
	GuardWindow time.Duration
	Logger      *log.Logger
}

// Client operates on the tree below one local root.
type Client struct {
	root      string
	trashDir  string
	bigFile   int64
	algorithm string
	guard     *writeGuard
	logger    *log.Logger
}

// New creates a Client for root.
func New(root string, opts Options) (*Client, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve local root: %w", err)
	}
	if opts.Algorithm == "" {
		opts.Algorithm = DefaultAlgorithm
	}
	if opts.GuardWindow == 0 {
		opts.GuardWindow = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[localfs] ", log.LstdFlags)
	}
	return &Client{
		root:      abs,
		trashDir:  opts.TrashDir,
		bigFile:   opts.BigFile,
		algorithm: opts.Algorithm,
		guard:     newWriteGuard(opts.GuardWindow),
		logger:    opts.Logger,
	}, nil
}

// Root returns the absolute local root.
func (c *Client) Root() string {
	return c.root
}

// Abspath converts a relative path to an OS path.
func (c *Client) Abspath(rel string) string {
	rel = strings.TrimPrefix(state.NormalizePath(rel), "/")
	if rel == "" {
		return c.root
	}
	return filepath.Join(c.root, filepath.FromSlash(rel))
}

// Relpath converts an OS path below the root to a relative path.
func (c *Client) Relpath(abs string) (string, error) {
	rel, err := filepath.Rel(c.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, abs)
	}
	if rel == "." {
		return "/", nil
	}
	return state.NormalizePath(filepath.ToSlash(rel)), nil
}

// Exists reports whether rel exists.
func (c *Client) Exists(rel string) bool {
	_, err := os.Lstat(c.Abspath(rel))
	return err == nil
}

// GetInfo returns the description of rel without computing its digest.
func (c *Client) GetInfo(rel string) (*FileInfo, error) {
	rel = state.NormalizePath(rel)
	st, err := os.Stat(c.Abspath(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", rel, err)
	}
	info := &FileInfo{
		Path:         rel,
		Name:         filepath.Base(c.Abspath(rel)),
		Folderish:    st.IsDir(),
		LastModified: st.ModTime().UTC(),
	}
	if rel == "/" {
		info.Name = filepath.Base(c.root)
	}
	if !st.IsDir() {
		info.Size = st.Size()
	}
	info.RemoteRef = c.GetRemoteRef(rel)
	return info, nil
}

// GetInfoWithDigest returns the description of rel including its digest.
// Files at or above the big file threshold, and files locked while being
// read, get a deferred digest.
func (c *Client) GetInfoWithDigest(rel, algorithm string) (*FileInfo, error) {
	info, err := c.GetInfo(rel)
	if err != nil {
		return nil, err
	}
	if info.Folderish {
		return info, nil
	}
	if algorithm == "" {
		algorithm = c.algorithm
	}
	if c.bigFile > 0 && info.Size >= c.bigFile {
		info.Digest = state.Digest{Algorithm: algorithm, Value: state.UnaccessibleHash}
		return info, nil
	}
	d, err := c.Digest(rel, algorithm)
	if err != nil {
		if errors.Is(err, ErrLocked) {
			info.Digest = state.Digest{Algorithm: algorithm, Value: state.UnaccessibleHash}
			return info, nil
		}
		return nil, err
	}
	info.Digest = d
	return info, nil
}

// GetChildren lists the non-ignored children of a folder, sorted by name.
func (c *Client) GetChildren(rel string) ([]*FileInfo, error) {
	rel = state.NormalizePath(rel)
	entries, err := os.ReadDir(c.Abspath(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return nil, fmt.Errorf("failed to list %s: %w", rel, err)
	}

	children := make([]*FileInfo, 0, len(entries))
	for _, e := range entries {
		if IsIgnored(e.Name()) {
			continue
		}
		if e.Type()&fs.ModeSymlink != 0 {
			continue
		}
		info, err := c.GetInfo(state.JoinPath(rel, e.Name()))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		children = append(children, info)
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
	return children, nil
}

// MakeFolder creates name under parent and returns its relative path.
func (c *Client) MakeFolder(parent, name string) (string, error) {
	rel := state.JoinPath(parent, name)
	c.guard.Add(rel)
	if err := os.MkdirAll(c.Abspath(rel), 0o755); err != nil {
		return "", fmt.Errorf("failed to create folder %s: %w", rel, err)
	}
	return rel, nil
}

// Move renames rel to name under parent, returning the new description.
func (c *Client) Move(rel, parent, name string) (*FileInfo, error) {
	dst := state.JoinPath(parent, name)
	if dst == state.NormalizePath(rel) {
		return c.GetInfo(rel)
	}
	if c.Exists(dst) && !strings.EqualFold(dst, state.NormalizePath(rel)) {
		return nil, fmt.Errorf("failed to move %s: destination %s exists", rel, dst)
	}
	c.guard.Add(rel)
	c.guard.Add(dst)
	if err := os.Rename(c.Abspath(rel), c.Abspath(dst)); err != nil {
		return nil, fmt.Errorf("failed to move %s to %s: %w", rel, dst, err)
	}
	c.moveSidecar(rel, dst)
	return c.GetInfo(dst)
}

// Commit atomically replaces rel with the file tmp, which must live in the
// same folder. It is how finished downloads take their final name.
func (c *Client) Commit(tmp, rel string) (*FileInfo, error) {
	c.guard.Add(rel)
	if err := os.Rename(c.Abspath(tmp), c.Abspath(rel)); err != nil {
		if isLockError(err) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, rel)
		}
		return nil, fmt.Errorf("failed to commit %s: %w", rel, err)
	}
	return c.GetInfo(rel)
}

// Rename renames rel in place.
func (c *Client) Rename(rel, name string) (*FileInfo, error) {
	return c.Move(rel, state.ParentPath(state.NormalizePath(rel)), name)
}

// Delete removes rel, moving it to the trash directory when one is set.
func (c *Client) Delete(rel string) error {
	rel = state.NormalizePath(rel)
	if rel == "/" {
		return fmt.Errorf("refusing to delete the local root")
	}
	abs := c.Abspath(rel)
	if _, err := os.Lstat(abs); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	c.guard.Add(rel)
	c.removeSidecar(rel)

	if c.trashDir != "" {
		if err := os.MkdirAll(c.trashDir, 0o755); err != nil {
			return fmt.Errorf("failed to create trash: %w", err)
		}
		dst := filepath.Join(c.trashDir, fmt.Sprintf("%d_%s", time.Now().UnixNano(), filepath.Base(abs)))
		if err := os.Rename(abs, dst); err == nil {
			return nil
		}
		// Trash on another device: fall through to a plain delete.
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("failed to delete %s: %w", rel, err)
	}
	return nil
}

// CopyAs copies the file rel next to itself under name.
func (c *Client) CopyAs(rel, name string) (*FileInfo, error) {
	dst := state.JoinPath(state.ParentPath(state.NormalizePath(rel)), name)
	src, err := os.Open(c.Abspath(rel))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", rel, err)
	}
	defer src.Close()

	out, err := os.OpenFile(c.Abspath(dst), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return nil, fmt.Errorf("failed to copy %s: %w", rel, err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("failed to close %s: %w", dst, err)
	}
	return c.GetInfo(dst)
}

// FreeName returns name, or the first DedupName(name, n) not used under
// parent.
func (c *Client) FreeName(parent, name string) string {
	if !c.Exists(state.JoinPath(parent, name)) {
		return name
	}
	for n := 1; ; n++ {
		candidate := DedupName(name, n)
		if !c.Exists(state.JoinPath(parent, candidate)) {
			return candidate
		}
	}
}

// DedupOrigin returns the name of rel without a __N suffix when the item
// it was deduplicated from sits next to it. Otherwise the suffix is part of
// the user's own name and the name is returned as is.
func (c *Client) DedupOrigin(rel string) string {
	rel = state.NormalizePath(rel)
	name := rel[strings.LastIndex(rel, "/")+1:]
	origin := StripDedup(name)
	if origin == name || !c.Exists(state.JoinPath(state.ParentPath(rel), origin)) {
		return name
	}
	return origin
}

// SetTimes updates the modification time of rel.
func (c *Client) SetTimes(rel string, mtime time.Time) error {
	if err := os.Chtimes(c.Abspath(rel), mtime, mtime); err != nil {
		return fmt.Errorf("failed to set times on %s: %w", rel, err)
	}
	return nil
}

// Guard records an engine write on rel.
func (c *Client) Guard(rel string) {
	c.guard.Add(state.NormalizePath(rel))
}

// IsGuarded reports whether rel was recently written by the engine.
func (c *Client) IsGuarded(rel string) bool {
	return c.guard.Has(state.NormalizePath(rel))
}
