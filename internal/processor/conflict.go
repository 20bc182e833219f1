package processor

import (
	"context"

	"github.com/nxdrive/drivesync/internal/dao"
	"github.com/nxdrive/drivesync/internal/localfs"
	"github.com/nxdrive/drivesync/internal/remote"
	"github.com/nxdrive/drivesync/internal/state"
)

// syncConflicted settles a conflict when both sides hold the same content.
// Otherwise the local content is kept aside as a "(local copy)" sibling, the
// remote content takes the original name and the pair stays conflicted
// until the user picks a side.
func (p *Processor) syncConflicted(ctx context.Context, s *step) error {
	pair := s.pair
	if !p.local.Exists(pair.LocalPath) {
		s.log.Printf("%s is gone locally, taking the remote side", pair.Name())
		return p.store.ForceRemote(ctx, pair)
	}
	info, err := p.remoteInfo(ctx, pair.RemoteRef)
	if err != nil {
		return err
	}

	if pair.Folderish {
		return p.settle(ctx, s, info)
	}
	d, err := p.localDigest(ctx, s)
	if err != nil {
		return err
	}
	if pair.LastError == ReasonLocalCopy && pair.RemoteDigest.Equal(info.Digest) {
		// Local copy already made for this remote content.
		return nil
	}
	if d.Equal(info.Digest) {
		return p.settle(ctx, s, info)
	}

	locked, err := p.local.IsLocked(pair.LocalPath)
	if err != nil {
		return err
	}
	if locked {
		return &ProcessError{Kind: Locked, Reason: ReasonLocked, Err: localfs.ErrLocked}
	}

	name := p.local.FreeName(pair.LocalParentPath, localfs.LocalCopyName(pair.LocalName))
	fi, err := p.local.CopyAs(pair.LocalPath, name)
	if err != nil {
		return err
	}
	s.log.Printf("kept local content of %s as %s", pair.LocalPath, fi.Path)

	downloaded, err := p.transfers.Download(ctx, pair, info, pair.LocalPath)
	if err != nil {
		return err
	}
	if err := p.store.SetLastTransfer(ctx, pair, state.TransferDownload); err != nil {
		return err
	}
	if err := p.store.IncreaseError(ctx, pair, ReasonLocalCopy, fi.Path, 0); err != nil {
		return err
	}
	if err := p.store.UpdateLocalState(ctx, pair, downloaded, false); err != nil {
		return err
	}
	_, err = p.store.UpdateRemoteState(ctx, pair, info, dao.RemoteUpdate{Force: true})
	return err
}

// settle marks a conflict with identical sides as synchronized.
func (p *Processor) settle(ctx context.Context, s *step, info *remote.Info) error {
	s.log.Printf("%s has the same content on both sides", s.pair.Name())
	if _, err := p.store.UpdateRemoteState(ctx, s.pair, info, dao.RemoteUpdate{Force: true}); err != nil {
		return err
	}
	return p.synchronize(ctx, s)
}
