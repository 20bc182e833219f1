package engine

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/nxdrive/drivesync/internal/dao"
	"github.com/nxdrive/drivesync/internal/localfs"
	"github.com/nxdrive/drivesync/internal/state"
)

// DirectTransfer uploads local files and folders, which need not be in the
// local folder, into the remote folder parentRef. It returns the session
// tracking the upload; the pairs are processed like any other.
func (e *Engine) DirectTransfer(ctx context.Context, paths []string, parentRef, description string) (*state.Session, error) {
	if !e.cfg.Features.DirectTransfer {
		return nil, fmt.Errorf("%w: direct transfer", ErrFeatureDisabled)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("nothing to transfer")
	}
	parent, err := e.remote.GetInfo(ctx, parentRef)
	if err != nil {
		return nil, fmt.Errorf("failed to get target folder: %w", err)
	}
	if !parent.Folderish || !parent.CanCreateChild {
		return nil, fmt.Errorf("cannot upload into %s", parent.Name)
	}

	var items []dao.SessionItem
	var total int64
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		found, err := plan(abs)
		if err != nil {
			return nil, err
		}
		for _, it := range found {
			total += it.Size
		}
		items = append(items, found...)
	}

	sess := &state.Session{
		RemotePath:   parent.Path,
		RemoteRef:    parent.UID,
		Total:        len(items),
		PlannedItems: len(items),
		Description:  description,
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	if err := e.store.AddSessionItems(ctx, sess.UID, items); err != nil {
		return nil, err
	}

	top := make(map[string]bool, len(paths))
	for _, p := range paths {
		abs, _ := filepath.Abs(p)
		top[abs] = true
	}
	// Items are planned parents first: nested items wait for the remote
	// folder of their parent.
	for _, it := range items {
		ref, refPath := "", ""
		if top[it.Path] {
			ref, refPath = parent.UID, parent.Path
		}
		if _, err := e.store.InsertDirectTransfer(ctx, it.Path, it.Folderish, it.Size, sess.UID, ref, refPath); err != nil {
			return nil, err
		}
	}
	e.logger.Printf("direct transfer session %d: %d item(s), %s, into %s",
		sess.UID, len(items), humanize.IBytes(uint64(total)), parent.Name)
	e.onSession(sess)
	return sess, nil
}

// plan lists abs and, for a folder, everything below it, parents first.
func plan(abs string) ([]dao.SessionItem, error) {
	var items []dao.SessionItem
	err := filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != abs && localfs.IsIgnored(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		it := dao.SessionItem{Path: p, Folderish: info.IsDir()}
		if !it.Folderish {
			it.Size = info.Size()
		}
		items = append(items, it)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", abs, err)
	}
	return items, nil
}

// PauseSession stops processing the items of a Direct Transfer session.
func (e *Engine) PauseSession(ctx context.Context, uid int64) error {
	return e.store.SetSessionStatus(ctx, uid, state.SessionPaused)
}

// ResumeSession resumes a paused session.
func (e *Engine) ResumeSession(ctx context.Context, uid int64) error {
	if err := e.store.SetSessionStatus(ctx, uid, state.SessionOngoing); err != nil {
		return err
	}
	return e.requeue(ctx)
}

// CancelSession drops the items of a session not uploaded yet.
func (e *Engine) CancelSession(ctx context.Context, uid int64) error {
	if err := e.store.SetSessionStatus(ctx, uid, state.SessionCancelled); err != nil {
		return err
	}
	return e.requeue(ctx)
}

// Sessions returns the active sessions, or the completed ones with done.
func (e *Engine) Sessions(ctx context.Context, done bool) ([]*state.Session, error) {
	return e.store.ListSessions(ctx, done)
}
