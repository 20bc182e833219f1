// Package remote defines the contract between the engine and the remote
// document repository.
//
// Documents are addressed by opaque file system item identifiers ("refs").
// The ref path of a document is the slash-joined list of refs from the
// synchronization root down to the document itself, and is what filters and
// remote_parent_path columns are expressed in.
package remote

import (
	"context"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/nxdrive/drivesync/internal/state"
)

// Change event identifiers reported in change summaries.
const (
	EventCreated          = "documentCreated"
	EventModified         = "documentModified"
	EventMoved            = "documentMoved"
	EventDeleted          = "deleted"
	EventSecurityUpdated  = "securityUpdated"
	EventLocked           = "documentLocked"
	EventUnlocked         = "documentUnlocked"
	EventRootRegistered   = "rootRegistered"
	EventRootUnregistered = "rootUnregistered"
)

// Info describes a remote document.
type Info struct {
	UID          string
	ParentUID    string
	Path         string
	Name         string
	Folderish    bool
	LastModified time.Time
	Digest       state.Digest
	Size         int64
	DownloadURL  string
	LockOwner    string

	CanRename      bool
	CanDelete      bool
	CanUpdate      bool
	CanCreateChild bool
}

// ParentPath returns the ref path of the parent, derived from Path.
func (i *Info) ParentPath() string {
	idx := strings.LastIndex(i.Path, "/")
	if idx <= 0 {
		return ""
	}
	return i.Path[:idx]
}

// Change is one entry of a change summary.
type Change struct {
	EventID   string
	EventDate time.Time
	DocUUID   string
	ItemID    string
	ItemName  string
	// Item is nil for deletions and for documents no longer visible.
	Item *Info
}

// ChangeSummary is the server delta since a lower bound.
type ChangeSummary struct {
	SyncDate          int64
	UpperBound        int64
	ActiveRoots       string
	Changes           []Change
	HasTooManyChanges bool
}

// Batch is the server handle collecting the chunks of one upload. It is
// persisted as JSON between chunks so an upload can resume after a crash.
type Batch struct {
	ID             string            `json:"batchId"`
	Provider       string            `json:"provider,omitempty"`
	FileIdx        int               `json:"fileIdx"`
	ChunkSize      int64             `json:"chunkSize"`
	ChunkCount     int               `json:"chunkCount,omitempty"`
	UploadedChunks []int             `json:"uploadedChunkIds,omitempty"`
	Extra          map[string]string `json:"extraInfo,omitempty"`
	ETags          map[int]string    `json:"etags,omitempty"`
}

// ProviderS3 identifies batches uploaded directly to S3 with pre-signed URLs.
const ProviderS3 = "s3"

// IsS3 reports whether chunks go straight to S3.
func (b *Batch) IsS3() bool {
	return b.Provider == ProviderS3
}

// HasChunk reports whether chunk idx was acknowledged by the server.
func (b *Batch) HasChunk(idx int) bool {
	return slices.Contains(b.UploadedChunks, idx)
}

// NextChunk returns the lowest chunk index not yet acknowledged.
func (b *Batch) NextChunk() int {
	for i := 0; ; i++ {
		if !b.HasChunk(i) {
			return i
		}
	}
}

// Chunk is one part of a file sent to a batch.
type Chunk struct {
	Index    int
	Count    int
	Size     int64
	FileSize int64
	FileName string
	Data     io.Reader
}

// AttachRequest finalizes a batch into a document. Ref is set when the
// content of an existing document is replaced; ParentRef and Name when a new
// document is created. RequestUID makes the call idempotent.
type AttachRequest struct {
	Ref        string
	ParentRef  string
	Name       string
	RequestUID string
	Digest     state.Digest
}

// Client is the remote API consumed by the engine.
type Client interface {
	GetInfo(ctx context.Context, ref string) (*Info, error)
	GetChildren(ctx context.Context, ref string) ([]*Info, error)
	GetChangeSummary(ctx context.Context, lowerBound int64, lastRoots string) (*ChangeSummary, error)
	SetSynchronization(ctx context.Context, ref string, enable bool) error

	MakeFolder(ctx context.Context, parentRef, name string) (*Info, error)
	Rename(ctx context.Context, ref, name string) (*Info, error)
	Move(ctx context.Context, ref, parentRef string) (*Info, error)
	Delete(ctx context.Context, ref string, trash bool) error
	Lock(ctx context.Context, ref string) error
	Unlock(ctx context.Context, ref string) error

	// Download streams the content of info starting at offset.
	Download(ctx context.Context, info *Info, offset int64) (io.ReadCloser, error)

	NewBatch(ctx context.Context) (*Batch, error)
	BatchStatus(ctx context.Context, b *Batch) (*Batch, error)
	UploadChunk(ctx context.Context, b *Batch, chunk Chunk) (*Batch, error)
	Attach(ctx context.Context, b *Batch, req AttachRequest) (*Info, error)
	CancelBatch(ctx context.Context, b *Batch) error

	ServerConfig(ctx context.Context) (map[string]any, error)
	ServerVersion(ctx context.Context) (string, error)
	DocumentURL(ref string, edit bool) string
}
