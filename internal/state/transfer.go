package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// TransferStatus is the lifecycle status of an upload or download.
type TransferStatus string

const (
	TransferOngoing   TransferStatus = "ongoing"
	TransferPaused    TransferStatus = "paused"
	TransferSuspended TransferStatus = "suspended"
	TransferDone      TransferStatus = "done"
	TransferCancelled TransferStatus = "cancelled"
)

// Transfer holds the fields shared by uploads and downloads.
type Transfer struct {
	UID              int64          `json:"uid" yaml:"uid"`
	DocPair          int64          `json:"doc_pair" yaml:"doc_pair"`
	Path             string         `json:"path" yaml:"path"`
	Status           TransferStatus `json:"status" yaml:"status"`
	Progress         float64        `json:"progress" yaml:"progress"`
	Filesize         int64          `json:"filesize" yaml:"filesize"`
	Engine           string         `json:"engine" yaml:"engine"`
	IsDirectEdit     bool           `json:"is_direct_edit" yaml:"is_direct_edit"`
	IsDirectTransfer bool           `json:"is_direct_transfer" yaml:"is_direct_transfer"`
}

// Upload is a resumable chunked upload.
type Upload struct {
	Transfer
	Batch            json.RawMessage `json:"batch,omitempty" yaml:"-"`
	ChunkSize        int64           `json:"chunk_size" yaml:"chunk_size"`
	RequestUID       string          `json:"request_uid" yaml:"request_uid"`
	RemoteParentPath string          `json:"remote_parent_path,omitempty" yaml:"remote_parent_path,omitempty"`
	RemoteParentRef  string          `json:"remote_parent_ref,omitempty" yaml:"remote_parent_ref,omitempty"`
	// SourceModified is the modification time of the file when its first
	// chunk was read.
	SourceModified time.Time `json:"source_modified,omitempty" yaml:"source_modified,omitempty"`
}

// Download is a resumable streamed download.
type Download struct {
	Transfer
	TmpName string `json:"tmpname" yaml:"tmpname"`
	URL     string `json:"url" yaml:"url"`
}

// Offset returns the byte offset matching the committed progress.
func (t *Transfer) Offset() int64 {
	if t.Filesize <= 0 || t.Progress <= 0 {
		return 0
	}
	off := int64(t.Progress * float64(t.Filesize) / 100)
	if off > t.Filesize {
		off = t.Filesize
	}
	return off
}

// SessionStatus is the status of a Direct Transfer session.
type SessionStatus string

const (
	SessionOngoing   SessionStatus = "ongoing"
	SessionPaused    SessionStatus = "paused"
	SessionDone      SessionStatus = "done"
	SessionCancelled SessionStatus = "cancelled"
)

// Session is a batched user-initiated upload (Direct Transfer).
type Session struct {
	UID          int64         `json:"uid" yaml:"uid"`
	Status       SessionStatus `json:"status" yaml:"status"`
	RemotePath   string        `json:"remote_path" yaml:"remote_path"`
	RemoteRef    string        `json:"remote_ref" yaml:"remote_ref"`
	Uploaded     int           `json:"uploaded" yaml:"uploaded"`
	Total        int           `json:"total" yaml:"total"`
	PlannedItems int           `json:"planned_items" yaml:"planned_items"`
	CreatedOn    time.Time     `json:"created_on" yaml:"created_on"`
	CompletedOn  *time.Time    `json:"completed_on,omitempty" yaml:"completed_on,omitempty"`
	Description  string        `json:"description,omitempty" yaml:"description,omitempty"`
}

// Validate checks the session counters.
func (s *Session) Validate() error {
	if s.RemoteRef == "" {
		return fmt.Errorf("remote_ref is required")
	}
	if s.Total < 0 || s.Uploaded < 0 {
		return fmt.Errorf("counters must be positive (uploaded=%d, total=%d)", s.Uploaded, s.Total)
	}
	if s.Uploaded > s.Total {
		return fmt.Errorf("uploaded (%d) exceeds total (%d)", s.Uploaded, s.Total)
	}
	return nil
}
