package processor

import (
	"context"
	"os"
	"path"

	"github.com/dustin/go-humanize"

	"github.com/nxdrive/drivesync/internal/state"
	"github.com/nxdrive/drivesync/internal/transfer"
)

// syncDirectTransfer uploads one item of a Direct Transfer session. Folder
// items create the remote folder their children are uploaded into.
func (p *Processor) syncDirectTransfer(ctx context.Context, s *step) error {
	pair := s.pair
	sess, err := p.store.GetSession(ctx, pair.Session)
	if err != nil {
		return err
	}
	switch {
	case sess == nil, sess.Status == state.SessionCancelled:
		s.log.Printf("session of %s is gone, dropping it", pair.LocalPath)
		return p.store.RemoveState(ctx, pair)
	case sess.Status == state.SessionPaused:
		return nil
	}
	if pair.RemoteParentRef == "" {
		return yield("remote folder of " + pair.LocalParentPath + " not created yet")
	}
	if _, err := os.Stat(pair.LocalPath); err != nil {
		return err
	}

	if pair.Folderish {
		info, err := p.remote.MakeFolder(ctx, pair.RemoteParentRef, pair.LocalName)
		if err != nil {
			return err
		}
		refPath := pair.RemoteParentPath + "/" + info.UID
		if err := p.store.SetDirectTransferParent(ctx, pair.LocalPath, info.UID, refPath); err != nil {
			return err
		}
		s.log.Printf("created %s as %s", pair.LocalPath, path.Join(pair.RemoteParentPath, info.UID))
	} else {
		s.log.Printf("uploading %s (%s) for session %d", pair.LocalPath, humanize.IBytes(uint64(pair.Size)), pair.Session)
		if _, err := p.transfers.Upload(ctx, pair, transfer.UploadRequest{
			AbsPath:        pair.LocalPath,
			ParentRef:      pair.RemoteParentRef,
			ParentPath:     pair.RemoteParentPath,
			Name:           pair.LocalName,
			DirectTransfer: true,
		}); err != nil {
			return err
		}
	}

	sess, err = p.store.IncrementSessionUploaded(ctx, pair.Session)
	if err != nil {
		return err
	}
	if sess.Status == state.SessionDone {
		s.log.Printf("session %d done (%d item(s))", sess.UID, sess.Total)
	}
	if p.opts.OnSession != nil {
		p.opts.OnSession(sess)
	}
	return p.store.RemoveState(ctx, pair)
}
