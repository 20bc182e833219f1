package processor

import (
	"context"
	"errors"

	"github.com/dustin/go-humanize"

	"github.com/nxdrive/drivesync/internal/dao"
	"github.com/nxdrive/drivesync/internal/remote"
	"github.com/nxdrive/drivesync/internal/state"
	"github.com/nxdrive/drivesync/internal/transfer"
)

// syncLocallyCreated creates the remote counterpart of a new local item.
func (p *Processor) syncLocallyCreated(ctx context.Context, s *step) error {
	pair := s.pair
	if !p.local.Exists(pair.LocalPath) {
		s.log.Printf("%s vanished before its creation was synchronized", pair.LocalPath)
		return p.store.RemoveState(ctx, pair)
	}
	parent, err := p.parentByLocal(ctx, pair)
	if err != nil {
		return err
	}
	if parent.RemoteRef == "" {
		return yield("parent " + parent.LocalPath + " not created remotely yet")
	}
	name := p.local.DedupOrigin(pair.LocalPath)

	existing, err := p.findRemoteChild(ctx, parent, name, pair.Folderish)
	if err != nil {
		return err
	}
	if existing != nil {
		if p.opts.Filters != nil && p.opts.Filters.IsFiltered(parent.RemotePath()+"/"+existing.UID) {
			s.log.Printf("%s matches a filtered document, not uploading", pair.LocalPath)
			return nil
		}
		return p.alignLocal(ctx, s, parent, existing)
	}

	var info *remote.Info
	if pair.Folderish {
		info, err = p.remote.MakeFolder(ctx, parent.RemoteRef, name)
		if err != nil {
			return err
		}
	} else {
		if _, err := p.localDigest(ctx, s); err != nil {
			return err
		}
		s.log.Printf("uploading %s (%s)", pair.LocalPath, humanize.IBytes(uint64(pair.Size)))
		info, err = p.transfers.Upload(ctx, pair, transfer.UploadRequest{
			AbsPath:    p.local.Abspath(pair.LocalPath),
			ParentRef:  parent.RemoteRef,
			ParentPath: parent.RemotePath(),
			Name:       name,
		})
		if err != nil {
			return err
		}
		pair.LastTransfer = state.TransferUpload
	}
	return p.bindRemote(ctx, s, parent, info)
}

// findRemoteChild returns the child of parent named name, if any, that no
// other pair is bound to.
func (p *Processor) findRemoteChild(ctx context.Context, parent *state.DocPair, name string, folderish bool) (*remote.Info, error) {
	children, err := p.remote.GetChildren(ctx, parent.RemoteRef)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		if child.Name != name || child.Folderish != folderish {
			continue
		}
		bound, err := p.store.GetStateFromRemote(ctx, child.UID)
		if err != nil {
			return nil, err
		}
		if bound == nil {
			return child, nil
		}
	}
	return nil, nil
}

// alignLocal binds a new local item to a remote document of the same name
// instead of creating a duplicate.
func (p *Processor) alignLocal(ctx context.Context, s *step, parent *state.DocPair, info *remote.Info) error {
	pair := s.pair
	if pair.Folderish {
		return p.bindRemote(ctx, s, parent, info)
	}
	d, err := p.localDigest(ctx, s)
	if err != nil {
		return err
	}
	if d.Equal(info.Digest) {
		s.log.Printf("aligned %s with %s", pair.LocalPath, info.UID)
		return p.bindRemote(ctx, s, parent, info)
	}
	pair.RemoteState = state.RemoteCreated
	if _, err := p.store.UpdateRemoteState(ctx, pair, info, dao.RemoteUpdate{
		RemoteParentPath: parent.RemotePath(),
		Force:            true,
	}); err != nil {
		return err
	}
	p.conflict(s)
	return nil
}

// bindRemote records info as the remote side of pair and synchronizes it.
func (p *Processor) bindRemote(ctx context.Context, s *step, parent *state.DocPair, info *remote.Info) error {
	pair := s.pair
	if _, err := p.store.UpdateRemoteState(ctx, pair, info, dao.RemoteUpdate{
		RemoteParentPath: parent.RemotePath(),
		Force:            true,
	}); err != nil {
		return err
	}
	if err := p.local.SetRemoteRef(pair.LocalPath, info.UID); err != nil {
		s.log.Printf("failed to tag %s: %v", pair.LocalPath, err)
	}
	return p.synchronize(ctx, s)
}

// syncLocallyModified uploads the new content of a local file. With force,
// the content is sent even when it equals the remote one.
func (p *Processor) syncLocallyModified(ctx context.Context, s *step, force bool) error {
	pair := s.pair
	if pair.RemoteRef == "" {
		if err := p.store.ClearRemoteSide(ctx, pair); err != nil {
			return err
		}
		return p.syncLocallyCreated(ctx, s)
	}
	if pair.Folderish {
		return p.synchronize(ctx, s)
	}
	if !p.local.Exists(pair.LocalPath) {
		return &ProcessError{Kind: NotFound, Reason: "LOCAL_NOT_FOUND", Local: true}
	}

	d, err := p.localDigest(ctx, s)
	if err != nil {
		return err
	}
	if !force && d.Equal(pair.RemoteDigest) {
		return p.synchronize(ctx, s)
	}
	if !pair.RemoteCanUpdate {
		return &ProcessError{Kind: Permanent, Reason: ReasonReadOnly, Err: remote.ErrForbidden}
	}

	s.log.Printf("uploading new content of %s (%s)", pair.LocalPath, humanize.IBytes(uint64(pair.Size)))
	info, err := p.transfers.Upload(ctx, pair, transfer.UploadRequest{
		AbsPath:    p.local.Abspath(pair.LocalPath),
		Ref:        pair.RemoteRef,
		ParentRef:  pair.RemoteParentRef,
		ParentPath: pair.RemoteParentPath,
		Name:       pair.RemoteName,
	})
	if errors.Is(err, remote.ErrNotFound) {
		s.log.Printf("%s was deleted remotely, creating it again", pair.RemoteRef)
		if err := p.store.ClearRemoteSide(ctx, pair); err != nil {
			return err
		}
		return p.syncLocallyCreated(ctx, s)
	}
	if err != nil {
		return err
	}
	pair.LastTransfer = state.TransferUpload
	if _, err := p.store.UpdateRemoteState(ctx, pair, info, dao.RemoteUpdate{Force: true}); err != nil {
		return err
	}
	return p.synchronize(ctx, s)
}

// syncLocallyMoved moves or renames the remote document after a local move.
// With remoteChanged, the remote content is pulled by a later step.
func (p *Processor) syncLocallyMoved(ctx context.Context, s *step, remoteChanged bool) error {
	pair := s.pair
	if pair.RemoteRef == "" {
		if err := p.store.ClearRemoteSide(ctx, pair); err != nil {
			return err
		}
		return p.syncLocallyCreated(ctx, s)
	}
	parent, err := p.parentByLocal(ctx, pair)
	if err != nil {
		return err
	}
	if parent.RemoteRef == "" {
		return yield("parent " + parent.LocalPath + " not created remotely yet")
	}

	oldPath := pair.RemotePath()
	name := p.local.DedupOrigin(pair.LocalPath)
	var info *remote.Info
	if parent.RemoteRef != pair.RemoteParentRef {
		s.log.Printf("moving %s under %s", pair.RemoteRef, parent.RemoteRef)
		if info, err = p.remote.Move(ctx, pair.RemoteRef, parent.RemoteRef); err != nil {
			return err
		}
	}
	if name != pair.RemoteName {
		s.log.Printf("renaming %s to %s", pair.RemoteRef, name)
		if info, err = p.remote.Rename(ctx, pair.RemoteRef, name); err != nil {
			return err
		}
	}
	if info == nil {
		if info, err = p.remoteInfo(ctx, pair.RemoteRef); err != nil {
			return err
		}
	}

	if remoteChanged {
		// The move is done; what is left is a remote modification.
		pair.LocalState = state.LocalSynchronized
		pair.RemoteState = state.RemoteModified
	}
	if _, err := p.store.UpdateRemoteState(ctx, pair, info, dao.RemoteUpdate{
		RemoteParentPath: parent.RemotePath(),
		Force:            true,
		NoDigest:         remoteChanged,
	}); err != nil {
		return err
	}
	if pair.Folderish && oldPath != pair.RemotePath() {
		if err := p.store.UpdateRemoteParentPaths(ctx, oldPath, pair.RemotePath()); err != nil {
			return err
		}
	}
	if remoteChanged {
		return nil
	}

	if !pair.Folderish {
		d, err := p.localDigest(ctx, s)
		if err != nil {
			return err
		}
		if !d.Equal(info.Digest) {
			info, err = p.transfers.Upload(ctx, pair, transfer.UploadRequest{
				AbsPath:    p.local.Abspath(pair.LocalPath),
				Ref:        pair.RemoteRef,
				ParentRef:  pair.RemoteParentRef,
				ParentPath: pair.RemoteParentPath,
				Name:       pair.RemoteName,
			})
			if err != nil {
				return err
			}
			pair.LastTransfer = state.TransferUpload
			if _, err := p.store.UpdateRemoteState(ctx, pair, info, dao.RemoteUpdate{Force: true}); err != nil {
				return err
			}
		}
	}
	return p.synchronize(ctx, s)
}

// syncLocallyDeleted deletes the remote document of a removed local item.
// Read-only documents are downloaded again instead.
func (p *Processor) syncLocallyDeleted(ctx context.Context, s *step) error {
	pair := s.pair
	if pair.RemoteRef != "" {
		if !pair.RemoteCanDelete {
			s.log.Printf("%s is read-only remotely, restoring it", pair.Name())
			return p.store.SetRemoteState(ctx, pair, state.RemoteCreated)
		}
		err := p.remote.Delete(ctx, pair.RemoteRef, p.opts.Trash)
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			return err
		}
		s.log.Printf("deleted %s remotely (trash=%v)", pair.RemoteRef, p.opts.Trash)
	}
	return p.store.RemoveState(ctx, pair)
}
