package state

import (
	"path"
	"strings"
	"time"
)

// UnaccessibleHash marks files whose digest is deferred (too big to hash
// eagerly or in use while scanned).
const UnaccessibleHash = "TO_COMPUTE"

// Digest is a content hash together with the algorithm that produced it.
type Digest struct {
	Algorithm string `json:"algorithm,omitempty" yaml:"algorithm,omitempty"`
	Value     string `json:"value,omitempty" yaml:"value,omitempty"`
}

// IsZero reports whether no digest is known.
func (d Digest) IsZero() bool {
	return d.Value == ""
}

// IsDeferred reports whether the digest still has to be computed.
func (d Digest) IsDeferred() bool {
	return d.Value == UnaccessibleHash
}

// Equal compares two digests. Unknown or deferred digests never match.
func (d Digest) Equal(o Digest) bool {
	if d.IsZero() || o.IsZero() || d.IsDeferred() || o.IsDeferred() {
		return false
	}
	if d.Algorithm != "" && o.Algorithm != "" && d.Algorithm != o.Algorithm {
		return false
	}
	return strings.EqualFold(d.Value, o.Value)
}

func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Algorithm + ":" + d.Value
}

// TransferKind records the direction of the last byte transfer of a pair.
type TransferKind string

const (
	TransferNone     TransferKind = ""
	TransferUpload   TransferKind = "upload"
	TransferDownload TransferKind = "download"
)

// DocPair is the engine's per-document row.
//
// Local fields are empty until a local counterpart exists and remote fields
// are empty until a remote counterpart exists. Paths are slash-separated and
// relative to the local root ("/" is the root itself).
type DocPair struct {
	ID int64

	// Local side
	LocalPath        string
	LocalParentPath  string
	LocalName        string
	LocalDigest      Digest
	LastLocalUpdated time.Time
	LocalState       LocalState

	// Remote side
	RemoteRef         string
	RemoteParentRef   string
	RemoteParentPath  string
	RemoteName        string
	RemoteDigest      Digest
	LastRemoteUpdated time.Time
	RemoteState       RemoteState

	Folderish bool
	Size      int64
	PairState PairState

	RemoteCanRename      bool
	RemoteCanDelete      bool
	RemoteCanUpdate      bool
	RemoteCanCreateChild bool

	ErrorCount        int
	LastError         string
	LastErrorDetails  string
	LastSyncErrorDate time.Time
	LastSyncDate      time.Time

	Processor    int
	Version      int
	LastTransfer TransferKind
	Session      int64
}

// HasLocal reports whether a local counterpart exists. Remote creations
// carry their intended local path before the file is written.
func (p *DocPair) HasLocal() bool {
	return p.LocalState != LocalUnknown && p.LocalState != "" && p.LocalPath != ""
}

// HasRemote reports whether a remote counterpart is known.
func (p *DocPair) HasRemote() bool {
	return p.RemoteRef != ""
}

// RemotePath returns the ref path of the remote document itself.
func (p *DocPair) RemotePath() string {
	if p.RemoteRef == "" {
		return ""
	}
	return strings.TrimSuffix(p.RemoteParentPath, "/") + "/" + p.RemoteRef
}

// Name returns the best known name of the document.
func (p *DocPair) Name() string {
	if p.LocalName != "" {
		return p.LocalName
	}
	return p.RemoteName
}

// Clone returns a shallow copy of the pair.
func (p *DocPair) Clone() *DocPair {
	c := *p
	return &c
}

// JoinPath joins a relative parent path and a name using slash separators.
func JoinPath(parent, name string) string {
	if parent == "" || parent == "/" {
		return "/" + name
	}
	return path.Join(parent, name)
}

// ParentPath returns the parent of a relative slash path ("/" for top-level).
func ParentPath(p string) string {
	if p == "" || p == "/" {
		return ""
	}
	dir := path.Dir(p)
	if dir == "." {
		return "/"
	}
	return dir
}

// NormalizePath converts a path to the slash-separated form used at every
// store boundary.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" {
		return p
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return path.Clean(p)
}

// IsUnder reports whether p is strictly below the folder dir.
func IsUnder(p, dir string) bool {
	if dir == "/" {
		return p != "/" && strings.HasPrefix(p, "/")
	}
	return strings.HasPrefix(p, dir+"/")
}
