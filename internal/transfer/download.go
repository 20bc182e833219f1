package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/nxdrive/drivesync/internal/localfs"
	"github.com/nxdrive/drivesync/internal/remote"
	"github.com/nxdrive/drivesync/internal/state"
)

// downloadBuffer is the amount of bytes written between two progress saves.
const downloadBuffer = 1 << 20

// Download fetches the content of info into the relative path target and
// tags the file with the remote ref. Bytes go to a hidden sibling first;
// the target is replaced only once the digest matched.
func (m *Manager) Download(ctx context.Context, pair *state.DocPair, info *remote.Info, target string) (*localfs.FileInfo, error) {
	target = state.NormalizePath(target)
	tmp := state.JoinPath(state.ParentPath(target), localfs.TmpName(baseName(target)))

	d, err := m.store.GetDownload(ctx, pair.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load download of pair %d: %w", pair.ID, err)
	}
	switch {
	case d == nil:
		d = &state.Download{
			Transfer: state.Transfer{
				DocPair:  pair.ID,
				Path:     target,
				Status:   state.TransferOngoing,
				Filesize: info.Size,
				Engine:   m.engineUID,
			},
			TmpName: tmp,
			URL:     info.DownloadURL,
		}
		if err := m.store.SaveDownload(ctx, d); err != nil {
			return nil, fmt.Errorf("failed to record download of %s: %w", target, err)
		}
	case d.Status != state.TransferOngoing:
		return nil, ErrPaused
	case d.Filesize != info.Size || d.URL != info.DownloadURL:
		// The remote content changed since: restart from scratch.
		d.Progress = 0
		d.Filesize = info.Size
		d.URL = info.DownloadURL
	}
	if d.TmpName != "" {
		tmp = d.TmpName
	}

	f, offset, err := m.openPartial(tmp, d.Offset())
	if err != nil {
		return nil, err
	}
	written, err := m.stream(ctx, f, info, d, offset)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close %s: %w", tmp, cerr)
	}
	if err != nil {
		return nil, err
	}

	if !info.Digest.IsZero() {
		got, err := localfs.DigestFile(m.local.Abspath(tmp), info.Digest.Algorithm)
		if err != nil {
			return nil, err
		}
		if !got.Equal(info.Digest) {
			m.discard(ctx, pair.ID, tmp)
			return nil, fmt.Errorf("%w: %s (got %s, want %s)", ErrDigestMismatch, target, got, info.Digest)
		}
	}

	fi, err := m.local.Commit(tmp, target)
	if err != nil {
		return nil, err
	}
	if err := m.local.SetRemoteRef(target, info.UID); err != nil {
		m.logger.Printf("failed to tag %s with %s: %v", target, info.UID, err)
	}
	if !info.LastModified.IsZero() {
		if err := m.local.SetTimes(target, info.LastModified); err != nil {
			m.logger.Printf("%v", err)
		} else {
			fi.LastModified = info.LastModified.UTC()
		}
	}
	fi.RemoteRef = info.UID
	fi.Digest = info.Digest

	d.Status = state.TransferDone
	d.Progress = 100
	m.progress(state.TransferDownload, d.Transfer)
	if err := m.store.RemoveTransfer(ctx, state.TransferDownload, pair.ID); err != nil {
		return nil, fmt.Errorf("failed to clear download of pair %d: %w", pair.ID, err)
	}
	m.logger.Printf("downloaded %s (%s, resumed at %s)", target,
		humanize.IBytes(uint64(offset+written)), humanize.IBytes(uint64(offset)))
	return fi, nil
}

// openPartial opens the partial file positioned at the resume offset. The
// offset never exceeds what is actually on disk.
func (m *Manager) openPartial(tmp string, offset int64) (*os.File, int64, error) {
	abs := m.local.Abspath(tmp)
	m.local.Guard(tmp)
	st, err := os.Stat(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		offset = 0
	case err != nil:
		return nil, 0, fmt.Errorf("failed to stat %s: %w", tmp, err)
	case st.Size() < offset:
		offset = st.Size()
	}

	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open %s: %w", tmp, err)
	}
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to truncate %s: %w", tmp, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to seek %s: %w", tmp, err)
	}
	return f, offset, nil
}

// stream copies the remote content into f from offset, saving progress
// after every buffer.
func (m *Manager) stream(ctx context.Context, f *os.File, info *remote.Info, d *state.Download, offset int64) (int64, error) {
	if offset > 0 && offset >= info.Size {
		return 0, nil
	}
	rc, err := m.remote.Download(ctx, info, offset)
	if err != nil {
		return 0, fmt.Errorf("failed to download %s: %w", info.UID, err)
	}
	defer rc.Close()

	buf := make([]byte, 64<<10)
	var written, sinceSave int64
	for {
		n, rerr := rc.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("failed to write %s: %w", d.TmpName, err)
			}
			written += int64(n)
			sinceSave += int64(n)
		}
		if sinceSave >= downloadBuffer || (rerr != nil && sinceSave > 0) {
			sinceSave = 0
			d.Progress = percent(offset+written, info.Size)
			if err := m.store.SaveDownload(ctx, d); err != nil {
				return written, fmt.Errorf("failed to save download %d: %w", d.UID, err)
			}
			m.progress(state.TransferDownload, d.Transfer)
			if rerr == nil {
				if err := m.checkStatus(ctx, state.TransferDownload, d.UID); err != nil {
					return written, err
				}
			}
		}
		if errors.Is(rerr, io.EOF) {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("failed to read %s: %w", info.UID, rerr)
		}
	}
}

// discard drops a partial download and its row.
func (m *Manager) discard(ctx context.Context, pairID int64, tmp string) {
	_ = os.Remove(m.local.Abspath(tmp))
	if err := m.store.RemoveTransfer(ctx, state.TransferDownload, pairID); err != nil {
		m.logger.Printf("failed to clear download of pair %d: %v", pairID, err)
	}
}

// CancelDownload drops the download of a pair and its partial file.
func (m *Manager) CancelDownload(ctx context.Context, pairID int64) error {
	d, err := m.store.GetDownload(ctx, pairID)
	if err != nil || d == nil {
		return err
	}
	m.discard(ctx, pairID, d.TmpName)
	return nil
}

func baseName(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}
