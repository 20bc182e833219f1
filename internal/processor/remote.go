package processor

import (
	"context"
	"path"

	"github.com/dustin/go-humanize"

	"github.com/nxdrive/drivesync/internal/dao"
	"github.com/nxdrive/drivesync/internal/localfs"
	"github.com/nxdrive/drivesync/internal/remote"
	"github.com/nxdrive/drivesync/internal/state"
)

// syncRemotelyCreated creates the local counterpart of a new remote
// document.
func (p *Processor) syncRemotelyCreated(ctx context.Context, s *step) error {
	pair := s.pair
	parent, err := p.parentByRemote(ctx, pair)
	if err != nil {
		return err
	}
	if !parent.HasLocal() || parent.PairState == state.PairRemotelyCreated {
		return yield("parent " + parent.Name() + " not created locally yet")
	}
	info, err := p.remoteInfo(ctx, pair.RemoteRef)
	if err != nil {
		return err
	}

	target, bound, err := p.localTarget(ctx, s, parent, info)
	if err != nil {
		return err
	}
	if pair.LocalPath != "" && pair.LocalPath != target {
		if err := p.store.UpdateLocalPaths(ctx, pair.LocalPath, target); err != nil {
			return err
		}
		pair.Version++
	}

	var fi *localfs.FileInfo
	switch {
	case bound:
		// Same content already on disk.
		if fi, err = p.local.GetInfo(target); err != nil {
			return err
		}
		fi.Digest = info.Digest
		if err := p.local.SetRemoteRef(target, info.UID); err != nil {
			s.log.Printf("failed to tag %s: %v", target, err)
		}
	case pair.Folderish:
		rel, err := p.local.MakeFolder(parent.LocalPath, path.Base(target))
		if err != nil {
			return err
		}
		if err := p.local.SetRemoteRef(rel, info.UID); err != nil {
			s.log.Printf("failed to tag %s: %v", rel, err)
		}
		if fi, err = p.local.GetInfo(rel); err != nil {
			return err
		}
	default:
		s.log.Printf("downloading %s (%s)", target, humanize.IBytes(uint64(info.Size)))
		if fi, err = p.transfers.Download(ctx, pair, info, target); err != nil {
			return err
		}
		pair.LastTransfer = state.TransferDownload
	}

	if _, err := p.store.UpdateRemoteState(ctx, pair, info, dao.RemoteUpdate{}); err != nil {
		return err
	}
	if err := p.store.UpdateLocalState(ctx, pair, fi, false); err != nil {
		return err
	}
	return p.synchronize(ctx, s)
}

// localTarget picks the local path of a remote document under parent. It
// reports bound when an unpaired local file with the same content already
// sits at the natural path.
func (p *Processor) localTarget(ctx context.Context, s *step, parent *state.DocPair, info *remote.Info) (string, bool, error) {
	pair := s.pair
	name := localfs.SafeName(info.Name)
	if pair.LocalPath != "" && pair.LocalParentPath == parent.LocalPath &&
		(pair.LocalName == name || localfs.StripDedup(pair.LocalName) == name) && !p.local.Exists(pair.LocalPath) {
		// Path chosen by the remote watcher, possibly deduplicated.
		return pair.LocalPath, false, nil
	}
	target := state.JoinPath(parent.LocalPath, name)
	if !p.local.Exists(target) {
		return target, false, nil
	}

	other, err := p.store.GetStateFromLocal(ctx, target)
	if err != nil {
		return "", false, err
	}
	if other == nil || other.ID == pair.ID {
		if pair.Folderish {
			return target, true, nil
		}
		d, err := p.local.Digest(target, p.opts.Algorithm)
		if err != nil {
			return "", false, err
		}
		if d.Equal(info.Digest) {
			return target, true, nil
		}
	}
	free := p.local.FreeName(parent.LocalPath, name)
	s.log.Printf("%s is taken, using %s", target, free)
	return state.JoinPath(parent.LocalPath, free), false, nil
}

// syncRemotelyModified applies a remote rename, move or content change to
// the local item.
func (p *Processor) syncRemotelyModified(ctx context.Context, s *step) error {
	pair := s.pair
	if !pair.HasLocal() {
		return p.syncRemotelyCreated(ctx, s)
	}
	info, err := p.remoteInfo(ctx, pair.RemoteRef)
	if err != nil {
		return err
	}
	if !p.local.Exists(pair.LocalPath) {
		return &ProcessError{Kind: NotFound, Reason: "LOCAL_NOT_FOUND", Local: true}
	}

	parent, err := p.store.GetStateFromRemote(ctx, info.ParentUID)
	if err != nil {
		return err
	}
	if parent == nil {
		s.log.Printf("%s left the synchronization root", pair.Name())
		return p.store.MarkRemotelyDeleted(ctx, pair)
	}
	if !parent.HasLocal() {
		return yield("parent " + parent.Name() + " not created locally yet")
	}

	name := localfs.SafeName(info.Name)
	if parent.LocalPath != pair.LocalParentPath || (name != pair.LocalName && name != p.local.DedupOrigin(pair.LocalPath)) {
		free := name
		if state.JoinPath(parent.LocalPath, name) != pair.LocalPath {
			free = p.local.FreeName(parent.LocalPath, name)
		}
		old := pair.LocalPath
		fi, err := p.local.Move(old, parent.LocalPath, free)
		if err != nil {
			return err
		}
		s.log.Printf("moved %s to %s", old, fi.Path)
		if err := p.store.UpdateLocalPaths(ctx, old, fi.Path); err != nil {
			return err
		}
		pair.Version++
		pair.LocalPath = fi.Path
		pair.LocalParentPath = state.ParentPath(fi.Path)
		pair.LocalName = fi.Name
	}

	if !pair.Folderish {
		stored := pair.LocalDigest
		d, err := p.localDigest(ctx, s)
		if err != nil {
			return err
		}
		if !d.Equal(info.Digest) {
			if !stored.IsZero() && !stored.IsDeferred() && !d.Equal(stored) {
				// Edited locally since the last synchronization.
				return &ProcessError{Kind: Conflict, Reason: "CONFLICT"}
			}
			locked, err := p.local.IsLocked(pair.LocalPath)
			if err != nil {
				return err
			}
			if locked {
				return &ProcessError{Kind: Locked, Reason: ReasonLocked, Err: localfs.ErrLocked}
			}
			s.log.Printf("downloading new content of %s (%s)", pair.LocalPath, humanize.IBytes(uint64(info.Size)))
			fi, err := p.transfers.Download(ctx, pair, info, pair.LocalPath)
			if err != nil {
				return err
			}
			pair.LastTransfer = state.TransferDownload
			if err := p.store.UpdateLocalState(ctx, pair, fi, false); err != nil {
				return err
			}
		}
	}

	if _, err := p.store.UpdateRemoteState(ctx, pair, info, dao.RemoteUpdate{Force: true}); err != nil {
		return err
	}
	return p.synchronize(ctx, s)
}

// syncRemotelyDeleted removes the local item of a deleted remote document.
func (p *Processor) syncRemotelyDeleted(ctx context.Context, s *step) error {
	pair := s.pair
	if pair.LocalPath != "" && pair.LocalPath != "/" && p.local.Exists(pair.LocalPath) {
		locked, err := p.local.IsLocked(pair.LocalPath)
		if err != nil {
			return err
		}
		if locked {
			return &ProcessError{Kind: Locked, Reason: ReasonLocked, Err: localfs.ErrLocked}
		}
		if err := p.local.Delete(pair.LocalPath); err != nil {
			return err
		}
		s.log.Printf("deleted %s locally", pair.LocalPath)
	}
	return p.store.RemoveState(ctx, pair)
}
