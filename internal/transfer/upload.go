package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/nxdrive/drivesync/internal/remote"
	"github.com/nxdrive/drivesync/internal/state"
)

// UploadRequest describes the content to send for a pair.
type UploadRequest struct {
	// AbsPath is the OS path of the file to read.
	AbsPath string
	// Ref is the document to update; empty to create a new one.
	Ref string
	// ParentRef and ParentPath locate the parent of a new document.
	ParentRef  string
	ParentPath string
	// Name of the new document.
	Name           string
	DirectTransfer bool
}

// Upload sends the file of req for pair and returns the resulting remote
// document. An upload already recorded for pair is resumed from its last
// acknowledged chunk; a paused or suspended one returns ErrPaused.
func (m *Manager) Upload(ctx context.Context, pair *state.DocPair, req UploadRequest) (*remote.Info, error) {
	st, err := os.Stat(req.AbsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", req.AbsPath, err)
	}
	size := st.Size()
	mtime := st.ModTime().UTC()

	u, err := m.store.GetUpload(ctx, pair.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load upload of pair %d: %w", pair.ID, err)
	}
	switch {
	case u == nil:
		u = &state.Upload{
			Transfer: state.Transfer{
				DocPair:          pair.ID,
				Path:             req.AbsPath,
				Status:           state.TransferOngoing,
				Filesize:         size,
				Engine:           m.engineUID,
				IsDirectTransfer: req.DirectTransfer,
			},
			ChunkSize:        m.chunkSize,
			RequestUID:       uuid.NewString(),
			RemoteParentPath: req.ParentPath,
			RemoteParentRef:  req.ParentRef,
			SourceModified:   mtime,
		}
		if err := m.store.SaveUpload(ctx, u); err != nil {
			return nil, fmt.Errorf("failed to record upload of %s: %w", req.AbsPath, err)
		}
	case u.Status != state.TransferOngoing:
		return nil, ErrPaused
	case u.Filesize != size || !u.SourceModified.Equal(mtime):
		// The file changed since the upload started: the sent chunks are
		// stale, start over.
		m.logger.Printf("%s changed during upload, restarting", req.AbsPath)
		m.cancelBatch(ctx, u)
		u.Batch = nil
		u.Progress = 0
		u.Filesize = size
		u.SourceModified = mtime
		u.RequestUID = uuid.NewString()
	}
	if u.ChunkSize <= 0 {
		u.ChunkSize = m.chunkSize
	}

	batch, err := m.openBatch(ctx, u)
	if err != nil {
		return nil, err
	}

	count := chunkCount(size, u.ChunkSize)
	for idx := 0; idx < count; idx++ {
		if batch.HasChunk(idx) {
			continue
		}
		if err := m.checkStatus(ctx, state.TransferUpload, u.UID); err != nil {
			return nil, err
		}
		batch, err = m.sendChunk(ctx, batch, req, u, idx, count, size)
		if err != nil {
			if errors.Is(err, remote.ErrBatchExpired) {
				u.Batch = nil
				u.Progress = 0
				_ = m.store.SaveUpload(ctx, u)
			}
			return nil, err
		}
		if err := m.saveBatch(ctx, u, batch, size); err != nil {
			return nil, err
		}
	}

	info, err := m.remote.Attach(ctx, batch, remote.AttachRequest{
		Ref:        req.Ref,
		ParentRef:  req.ParentRef,
		Name:       req.Name,
		RequestUID: u.RequestUID,
	})
	if err != nil {
		if errors.Is(err, remote.ErrBatchExpired) {
			u.Batch = nil
			u.Progress = 0
			_ = m.store.SaveUpload(ctx, u)
		}
		return nil, fmt.Errorf("failed to attach %s: %w", req.AbsPath, err)
	}

	u.Status = state.TransferDone
	u.Progress = 100
	m.progress(state.TransferUpload, u.Transfer)
	if err := m.store.RemoveTransfer(ctx, state.TransferUpload, pair.ID); err != nil {
		return nil, fmt.Errorf("failed to clear upload of pair %d: %w", pair.ID, err)
	}
	m.logger.Printf("uploaded %s (%s, %d chunk(s)) as %s",
		filepath.Base(req.AbsPath), humanize.IBytes(uint64(size)), count, info.UID)
	return info, nil
}

// openBatch resumes the batch saved in u, or opens a new one.
func (m *Manager) openBatch(ctx context.Context, u *state.Upload) (*remote.Batch, error) {
	if len(u.Batch) > 0 {
		var saved remote.Batch
		if err := json.Unmarshal(u.Batch, &saved); err == nil && saved.ID != "" {
			b, err := m.remote.BatchStatus(ctx, &saved)
			if err == nil {
				b.ChunkSize = u.ChunkSize
				if saved.IsS3() {
					// The server does not track S3 parts; trust the saved ETags.
					b.UploadedChunks = saved.UploadedChunks
					b.ETags = saved.ETags
				}
				m.logger.Printf("resuming batch %s at chunk %d", b.ID, b.NextChunk())
				return b, nil
			}
			if !errors.Is(err, remote.ErrBatchExpired) {
				return nil, fmt.Errorf("failed to check batch %s: %w", saved.ID, err)
			}
			m.logger.Printf("batch %s expired, starting a new one", saved.ID)
		}
	}

	b, err := m.remote.NewBatch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open batch: %w", err)
	}
	b.ChunkSize = u.ChunkSize
	u.Progress = 0
	if err := m.saveBatch(ctx, u, b, u.Filesize); err != nil {
		return nil, err
	}
	return b, nil
}

func (m *Manager) sendChunk(ctx context.Context, b *remote.Batch, req UploadRequest, u *state.Upload, idx, count int, size int64) (*remote.Batch, error) {
	f, err := os.Open(req.AbsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", req.AbsPath, err)
	}
	defer f.Close()

	offset := int64(idx) * u.ChunkSize
	length := u.ChunkSize
	if offset+length > size {
		length = size - offset
	}
	name := req.Name
	if name == "" {
		name = filepath.Base(req.AbsPath)
	}
	out, err := m.remote.UploadChunk(ctx, b, remote.Chunk{
		Index:    idx,
		Count:    count,
		Size:     length,
		FileSize: size,
		FileName: name,
		Data:     io.NewSectionReader(f, offset, length),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload chunk %d/%d of %s: %w", idx+1, count, req.AbsPath, err)
	}
	out.ChunkSize = u.ChunkSize
	return out, nil
}

// saveBatch persists the batch handle and progress of u.
func (m *Manager) saveBatch(ctx context.Context, u *state.Upload, b *remote.Batch, size int64) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}
	u.Batch = data
	done := int64(len(b.UploadedChunks)) * u.ChunkSize
	if done > size {
		done = size
	}
	u.Progress = percent(done, size)
	if size == 0 && len(b.UploadedChunks) == 0 {
		u.Progress = 0
	}
	if err := m.store.SaveUpload(ctx, u); err != nil {
		return fmt.Errorf("failed to save upload %d: %w", u.UID, err)
	}
	m.progress(state.TransferUpload, u.Transfer)
	return nil
}

func (m *Manager) cancelBatch(ctx context.Context, u *state.Upload) {
	if len(u.Batch) == 0 {
		return
	}
	var b remote.Batch
	if json.Unmarshal(u.Batch, &b) != nil || b.ID == "" {
		return
	}
	if err := m.remote.CancelBatch(ctx, &b); err != nil {
		m.logger.Printf("failed to cancel batch %s: %v", b.ID, err)
	}
}

// CancelUpload drops the upload of a pair and its server batch.
func (m *Manager) CancelUpload(ctx context.Context, pairID int64) error {
	u, err := m.store.GetUpload(ctx, pairID)
	if err != nil || u == nil {
		return err
	}
	m.cancelBatch(ctx, u)
	return m.store.RemoveTransfer(ctx, state.TransferUpload, pairID)
}

// chunkCount returns how many chunks a file of size needs. Empty files
// still send one empty chunk.
func chunkCount(size, chunkSize int64) int {
	if size <= 0 {
		return 1
	}
	return int((size + chunkSize - 1) / chunkSize)
}
