package watcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/nxdrive/drivesync/internal/dao"
	"github.com/nxdrive/drivesync/internal/filter"
	"github.com/nxdrive/drivesync/internal/localfs"
	"github.com/nxdrive/drivesync/internal/remote"
	"github.com/nxdrive/drivesync/internal/state"
)

// RemoteOptions configures a Remote watcher.
type RemoteOptions struct {
	// RootRef is the ref of the synchronization root pair.
	RootRef string
	// Filters skips filtered subtrees; nil disables filtering.
	Filters *filter.Engine
	// Local tags aligned local items with their remote ref; optional.
	Local *localfs.Client
	// OnConflict is called when an update turns a pair into a conflict.
	OnConflict func(pair *state.DocPair)
	Logger     *log.Logger
}

// Remote polls the remote change summary of one engine.
type Remote struct {
	store      *dao.Store
	client     remote.Client
	rootRef    string
	filters    *filter.Engine
	local      *localfs.Client
	onConflict func(pair *state.DocPair)
	logger     *log.Logger

	mu sync.Mutex // one poll or scan at a time
}

// NewRemote creates a Remote watcher.
func NewRemote(store *dao.Store, client remote.Client, opts RemoteOptions) *Remote {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[remote-watcher] ", log.LstdFlags)
	}
	return &Remote{
		store:      store,
		client:     client,
		rootRef:    opts.RootRef,
		filters:    opts.Filters,
		local:      opts.Local,
		onConflict: opts.OnConflict,
		logger:     opts.Logger,
	}
}

// Run polls every interval until ctx is done. A positive scanInterval also
// runs a full scan that often.
func (w *Remote) Run(ctx context.Context, interval, scanInterval time.Duration) error {
	poll := time.NewTicker(interval)
	defer poll.Stop()

	var scanC <-chan time.Time
	if scanInterval > 0 {
		scan := time.NewTicker(scanInterval)
		defer scan.Stop()
		scanC = scan.C
	}

	w.pollAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			w.pollAndLog(ctx)
		case <-scanC:
			if err := w.Scan(ctx); err != nil && ctx.Err() == nil {
				w.logger.Printf("periodic scan failed: %v", err)
			}
		}
	}
}

func (w *Remote) pollAndLog(ctx context.Context) {
	if err := w.Poll(ctx); err != nil && ctx.Err() == nil {
		if remote.IsTransient(err) {
			w.logger.Printf("server unreachable, will retry: %v", err)
			return
		}
		w.logger.Printf("poll failed: %v", err)
	}
}

// Poll applies the changes since the last acknowledged position, then
// retries the folders waiting in ToRemoteScan.
func (w *Remote) Poll(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	scanned, err := w.store.GetConfig(ctx, dao.ConfigLastFullScan, "")
	if err != nil {
		return err
	}
	if scanned == "" {
		return w.scan(ctx)
	}

	lower, err := w.store.GetConfigInt(ctx, dao.ConfigLowerBound, 0)
	if err != nil {
		return err
	}
	roots, err := w.store.GetConfig(ctx, dao.ConfigActiveRoots, "")
	if err != nil {
		return err
	}
	summary, err := w.client.GetChangeSummary(ctx, lower, roots)
	if err != nil {
		return fmt.Errorf("failed to get change summary: %w", err)
	}

	if summary.HasTooManyChanges || (roots != "" && summary.ActiveRoots != roots) {
		w.logger.Printf("change summary cannot be applied incrementally, scanning")
		if err := w.scan(ctx); err != nil {
			return err
		}
	} else if len(summary.Changes) > 0 {
		w.logger.Printf("%d change(s) since %d", len(summary.Changes), lower)
		if err := w.handleChanges(ctx, summary.Changes); err != nil {
			return err
		}
	}
	if err := w.savePosition(ctx, summary); err != nil {
		return err
	}
	return w.retryPendingScans(ctx)
}

// Scan lists the whole synchronization root.
func (w *Remote) Scan(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.scan(ctx)
}

func (w *Remote) scan(ctx context.Context) error {
	root, err := w.store.GetStateFromRemote(ctx, w.rootRef)
	if err != nil {
		return err
	}
	if root == nil {
		return fmt.Errorf("no pair for synchronization root %s", w.rootRef)
	}

	// Take the position first so changes made during the scan are replayed.
	lower, err := w.store.GetConfigInt(ctx, dao.ConfigLowerBound, 0)
	if err != nil {
		return err
	}
	summary, err := w.client.GetChangeSummary(ctx, lower, "")
	if err != nil {
		return fmt.Errorf("failed to get change summary: %w", err)
	}

	start := time.Now()
	if err := w.scanTree(ctx, root); err != nil {
		return err
	}
	if err := w.savePosition(ctx, summary); err != nil {
		return err
	}
	if err := w.store.SetConfig(ctx, dao.ConfigLastFullScan, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	w.logger.Printf("full remote scan done in %s", time.Since(start).Round(time.Millisecond))
	return nil
}

func (w *Remote) savePosition(ctx context.Context, summary *remote.ChangeSummary) error {
	if err := w.store.SetConfig(ctx, dao.ConfigLowerBound, strconv.FormatInt(summary.UpperBound, 10)); err != nil {
		return err
	}
	return w.store.SetConfig(ctx, dao.ConfigActiveRoots, summary.ActiveRoots)
}

// scanTree lists the folder of top and everything below it. A folder that
// cannot be listed because of the network is kept for the next poll; the
// rest of the tree is still scanned. Documents missing from every listing
// are marked as deleted once the whole tree was seen.
func (w *Remote) scanTree(ctx context.Context, top *state.DocPair) error {
	seen := make(map[string]bool)
	var missing []*state.DocPair

	queue := []*state.DocPair{top}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		folder := queue[0]
		queue = queue[1:]

		children, err := w.client.GetChildren(ctx, folder.RemoteRef)
		switch {
		case errors.Is(err, remote.ErrNotFound) && folder.ID != top.ID:
			missing = append(missing, folder)
			continue
		case err != nil && remote.IsTransient(err) && ctx.Err() == nil:
			w.logger.Printf("failed to list %s, retrying later: %v", folder.RemotePath(), err)
			if err := w.store.AddPathToScan(ctx, folder.RemotePath()); err != nil {
				return err
			}
			continue
		case err != nil:
			return fmt.Errorf("failed to list %s: %w", folder.RemotePath(), err)
		}

		known, err := w.store.GetRemoteChildren(ctx, folder.RemoteRef)
		if err != nil {
			return err
		}
		for _, info := range children {
			seen[info.UID] = true
			if w.isFiltered(folder, info) {
				continue
			}
			pair, err := w.apply(ctx, folder, info)
			if err != nil {
				w.logger.Printf("failed to apply %s: %v", info.UID, err)
				continue
			}
			if pair != nil && info.Folderish {
				queue = append(queue, pair)
			}
		}
		for _, pair := range known {
			if !seen[pair.RemoteRef] {
				missing = append(missing, pair)
			}
		}
	}

	for _, pair := range missing {
		if seen[pair.RemoteRef] || pair.RemoteState == state.RemoteDeleted {
			continue
		}
		if err := w.markDeleted(ctx, pair); err != nil {
			w.logger.Printf("failed to mark %s as deleted: %v", pair.RemoteRef, err)
		}
	}
	return nil
}

// retryPendingScans scans the folders whose listing failed earlier.
func (w *Remote) retryPendingScans(ctx context.Context) error {
	paths, err := w.store.GetPathsToScan(ctx)
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := w.store.DeletePathToScan(ctx, path); err != nil {
			return err
		}
		folder, err := w.store.GetStateFromRemotePath(ctx, path)
		if err != nil {
			return err
		}
		if folder == nil || (w.filters != nil && w.filters.IsFiltered(path)) {
			continue
		}
		w.logger.Printf("rescanning %s", path)
		err = w.scanTree(ctx, folder)
		if errors.Is(err, remote.ErrNotFound) {
			if err := w.markDeleted(ctx, folder); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// handleChanges applies a change summary. Each document is handled once,
// at its oldest event, with its current description; parents are
// therefore known before their children.
func (w *Remote) handleChanges(ctx context.Context, changes []remote.Change) error {
	done := make(map[string]bool, len(changes))
	for i := len(changes) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := changes[i]
		ref := c.ItemID
		if ref == "" {
			ref = c.DocUUID
		}
		if done[ref] {
			continue
		}
		done[ref] = true
		if err := w.handleChange(ctx, ref, c); err != nil {
			w.logger.Printf("failed to apply %s on %s: %v", c.EventID, ref, err)
		}
	}
	return nil
}

func (w *Remote) handleChange(ctx context.Context, ref string, c remote.Change) error {
	if ref == w.rootRef {
		return nil
	}
	pair, err := w.store.GetStateFromRemote(ctx, ref)
	if err != nil {
		return err
	}

	info := c.Item
	if info == nil {
		if pair != nil && pair.RemoteState != state.RemoteDeleted {
			return w.markDeleted(ctx, pair)
		}
		return nil
	}

	parent, err := w.store.GetStateFromRemote(ctx, info.ParentUID)
	if err != nil {
		return err
	}
	if parent == nil {
		// Moved out of the synchronization root.
		if pair != nil && pair.RemoteState != state.RemoteDeleted {
			return w.markDeleted(ctx, pair)
		}
		return nil
	}
	if w.isFiltered(parent, info) {
		// Moved into a filtered subtree: the local copy goes away.
		if pair != nil && pair.RemoteState != state.RemoteDeleted {
			return w.markDeleted(ctx, pair)
		}
		return nil
	}

	if pair != nil {
		return w.update(ctx, pair, parent, info)
	}
	created, err := w.apply(ctx, parent, info)
	if err != nil || created == nil || !info.Folderish {
		return err
	}
	// A folder moved in from outside comes with its content.
	return w.scanTree(ctx, created)
}

func (w *Remote) isFiltered(parent *state.DocPair, info *remote.Info) bool {
	if w.filters == nil {
		return false
	}
	return w.filters.IsFiltered(parent.RemotePath() + "/" + info.UID)
}

// apply inserts or updates the pair of info, a child of parent.
func (w *Remote) apply(ctx context.Context, parent *state.DocPair, info *remote.Info) (*state.DocPair, error) {
	pair, err := w.store.GetStateFromRemote(ctx, info.UID)
	if err != nil {
		return nil, err
	}
	if pair != nil {
		return pair, w.update(ctx, pair, parent, info)
	}
	return w.insert(ctx, parent, info)
}

// insert records a new remote document, binding it to a local-only pair
// with the same name and content when there is one.
func (w *Remote) insert(ctx context.Context, parent *state.DocPair, info *remote.Info) (*state.DocPair, error) {
	name := localfs.SafeName(info.Name)
	candidate, err := w.store.FindAlignment(ctx, dao.AlignQuery{
		Side:       dao.AlignLocal,
		ParentPath: parent.LocalPath,
		Name:       name,
		Folderish:  info.Folderish,
		Digest:     info.Digest,
	})
	if err != nil {
		return nil, err
	}
	if candidate != nil {
		return candidate, w.align(ctx, candidate, parent, info)
	}

	localPath, err := w.freeLocalPath(ctx, parent.LocalPath, name)
	if err != nil {
		return nil, err
	}
	id, err := w.store.InsertRemoteState(ctx, info, parent.RemotePath(), localPath, parent.LocalPath)
	if err != nil {
		return nil, err
	}
	return w.store.GetStateFromID(ctx, id)
}

// freeLocalPath returns the local path for name under parent, deduplicated
// against the paths already claimed by other pairs.
func (w *Remote) freeLocalPath(ctx context.Context, parent, name string) (string, error) {
	candidate := name
	for n := 1; ; n++ {
		p := state.JoinPath(parent, candidate)
		existing, err := w.store.GetStateFromLocal(ctx, p)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return p, nil
		}
		candidate = localfs.DedupName(name, n)
	}
}

// align binds a local-only pair to the remote document info.
func (w *Remote) align(ctx context.Context, pair *state.DocPair, parent *state.DocPair, info *remote.Info) error {
	pair.RemoteState = state.RemoteCreated
	if _, err := w.store.UpdateRemoteState(ctx, pair, info, dao.RemoteUpdate{
		RemoteParentPath: parent.RemotePath(),
		Force:            true,
	}); err != nil {
		return err
	}
	if info.Folderish || info.Digest.Equal(pair.LocalDigest) {
		ok, err := w.store.SynchronizeState(ctx, pair, pair.Version)
		if err != nil || !ok {
			return err
		}
		if w.local != nil {
			if err := w.local.SetRemoteRef(pair.LocalPath, info.UID); err != nil {
				w.logger.Printf("failed to tag %s: %v", pair.LocalPath, err)
			}
		}
		w.logger.Printf("aligned %s with %s", pair.LocalPath, info.UID)
		if pair.Folderish {
			return w.store.QueueChildren(ctx, pair)
		}
		return nil
	}
	w.conflict(pair, state.PairUnknown)
	return nil
}

// update writes the new description of an already known document.
func (w *Remote) update(ctx context.Context, pair *state.DocPair, parent *state.DocPair, info *remote.Info) error {
	if pair.LocalState == state.LocalDirect {
		return nil
	}
	oldPath := pair.RemotePath()
	before := pair.PairState

	changed := pair.RemoteName != info.Name ||
		pair.RemoteParentRef != info.ParentUID ||
		(!info.Folderish && pair.RemoteDigest != info.Digest)

	next := pair.RemoteState
	switch {
	case pair.RemoteState == state.RemoteDeleted:
		changed = true
		next = state.RemoteModified
		if pair.LocalState == state.LocalUnknown {
			next = state.RemoteCreated
		}
	case changed && pair.RemoteState != state.RemoteCreated:
		next = state.RemoteModified
	}
	if _, err := state.PairStateFor(pair.LocalState, next); err == nil {
		pair.RemoteState = next
	}

	if _, err := w.store.UpdateRemoteState(ctx, pair, info, dao.RemoteUpdate{
		RemoteParentPath: parent.RemotePath(),
		Force:            changed,
	}); err != nil {
		return err
	}
	if pair.Folderish && oldPath != "" && oldPath != pair.RemotePath() {
		if err := w.store.UpdateRemoteParentPaths(ctx, oldPath, pair.RemotePath()); err != nil {
			return err
		}
	}
	w.conflict(pair, before)
	return nil
}

// markDeleted records a remote deletion. Pairs never written locally are
// simply dropped.
func (w *Remote) markDeleted(ctx context.Context, pair *state.DocPair) error {
	if pair.RemoteRef == w.rootRef {
		return nil
	}
	if pair.LocalState == state.LocalUnknown {
		return w.store.RemoveState(ctx, pair)
	}
	w.logger.Printf("%s (%s) was deleted remotely", pair.Name(), pair.RemoteRef)
	return w.store.MarkRemotelyDeleted(ctx, pair)
}

func (w *Remote) conflict(pair *state.DocPair, before state.PairState) {
	if pair.PairState == state.PairConflicted && before != state.PairConflicted {
		w.logger.Printf("conflict on %s", pair.Name())
		if w.onConflict != nil {
			w.onConflict(pair)
		}
	}
}
