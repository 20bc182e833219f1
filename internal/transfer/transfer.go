// Package transfer moves file content between the local tree and the
// remote repository.
//
// Overview
//
// Every byte transfer is backed by a row of the state store (Uploads or
// Downloads) which is updated after each committed step:
//
//	Upload:   file ──chunk──> batch ──chunk──> ... ──attach──> document
//	              (batch handle + progress saved after every chunk)
//
//	Download: document ──stream──> .~nxsync_<name>.part ──rename──> <name>
//	              (progress saved after every buffer)
//
// A transfer interrupted by a crash, a pause or a network failure resumes
// from the last committed chunk or offset. At engine start every ongoing
// transfer is demoted to suspended; resuming it puts it back to ongoing and
// the next processor run picks it up where it stopped.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/nxdrive/drivesync/internal/localfs"
	"github.com/nxdrive/drivesync/internal/remote"
	"github.com/nxdrive/drivesync/internal/state"
)

var (
	// ErrPaused is returned when a transfer was paused or suspended. The
	// pair must not count it as an error.
	ErrPaused = errors.New("transfer paused")

	// ErrDigestMismatch is returned when downloaded bytes do not hash to the
	// remote digest.
	ErrDigestMismatch = errors.New("downloaded content does not match the remote digest")
)

// DefaultChunkSize is the upload chunk size used when none is configured.
const DefaultChunkSize = 20 << 20

// Store is the transfer persistence.
type Store interface {
	SaveUpload(ctx context.Context, u *state.Upload) error
	SaveDownload(ctx context.Context, d *state.Download) error
	GetUpload(ctx context.Context, docPair int64) (*state.Upload, error)
	GetDownload(ctx context.Context, docPair int64) (*state.Download, error)
	GetTransferStatus(ctx context.Context, kind state.TransferKind, uid int64) (state.TransferStatus, error)
	SetTransferStatus(ctx context.Context, kind state.TransferKind, uid int64, status state.TransferStatus) error
	RemoveTransfer(ctx context.Context, kind state.TransferKind, docPair int64) error
	SuspendOngoingTransfers(ctx context.Context) (int64, error)
	ResumeSuspendedTransfers(ctx context.Context) (int64, error)
}

// Progress receives transfer updates. It must not block.
type Progress func(kind state.TransferKind, t state.Transfer)

// Options configures a Manager.
type Options struct {
	// ChunkSize is the upload chunk size in bytes.
	ChunkSize int64
	// EngineUID is recorded on every transfer row.
	EngineUID string
	// OnProgress is called after every committed step.
	OnProgress Progress
	Logger     *log.Logger
}

// Manager runs the uploads and downloads of one engine.
type Manager struct {
	store      Store
	remote     remote.Client
	local      *localfs.Client
	chunkSize  int64
	engineUID  string
	onProgress Progress
	logger     *log.Logger
}

// New creates a Manager.
func New(store Store, rc remote.Client, local *localfs.Client, opts Options) *Manager {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[transfer] ", log.LstdFlags)
	}
	return &Manager{
		store:      store,
		remote:     rc,
		local:      local,
		chunkSize:  opts.ChunkSize,
		engineUID:  opts.EngineUID,
		onProgress: opts.OnProgress,
		logger:     opts.Logger,
	}
}

// ChunkSize returns the upload chunk size in bytes.
func (m *Manager) ChunkSize() int64 {
	return m.chunkSize
}

// Pause stops a transfer after its current step. It can be resumed.
func (m *Manager) Pause(ctx context.Context, kind state.TransferKind, uid int64) error {
	return m.setStatus(ctx, kind, uid, state.TransferPaused)
}

// Resume puts a paused or suspended transfer back to ongoing. The caller
// re-queues the pair so a processor continues it.
func (m *Manager) Resume(ctx context.Context, kind state.TransferKind, uid int64) error {
	return m.setStatus(ctx, kind, uid, state.TransferOngoing)
}

func (m *Manager) setStatus(ctx context.Context, kind state.TransferKind, uid int64, status state.TransferStatus) error {
	if err := m.store.SetTransferStatus(ctx, kind, uid, status); err != nil {
		return fmt.Errorf("failed to set %s %d to %s: %w", kind, uid, status, err)
	}
	m.logger.Printf("%s %d is now %s", kind, uid, status)
	return nil
}

// SuspendAll demotes every ongoing transfer to suspended, on engine start
// and on suspend.
func (m *Manager) SuspendAll(ctx context.Context) (int64, error) {
	n, err := m.store.SuspendOngoingTransfers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to suspend transfers: %w", err)
	}
	if n > 0 {
		m.logger.Printf("suspended %d transfer(s)", n)
	}
	return n, nil
}

// ResumeAll puts every suspended transfer back to ongoing.
func (m *Manager) ResumeAll(ctx context.Context) (int64, error) {
	n, err := m.store.ResumeSuspendedTransfers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to resume transfers: %w", err)
	}
	if n > 0 {
		m.logger.Printf("resumed %d transfer(s)", n)
	}
	return n, nil
}

// checkStatus returns ErrPaused when the transfer row left the ongoing
// status, and the context error when ctx is done.
func (m *Manager) checkStatus(ctx context.Context, kind state.TransferKind, uid int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st, err := m.store.GetTransferStatus(ctx, kind, uid)
	if err != nil {
		return err
	}
	switch st {
	case state.TransferOngoing:
		return nil
	case state.TransferCancelled:
		return fmt.Errorf("%s %d was cancelled: %w", kind, uid, ErrPaused)
	default:
		return ErrPaused
	}
}

func (m *Manager) progress(kind state.TransferKind, t state.Transfer) {
	if m.onProgress != nil {
		m.onProgress(kind, t)
	}
}

func percent(done, total int64) float64 {
	if total <= 0 {
		return 100
	}
	p := float64(done) * 100 / float64(total)
	if p > 100 {
		p = 100
	}
	return p
}
