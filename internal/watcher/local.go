package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nxdrive/drivesync/internal/dao"
	"github.com/nxdrive/drivesync/internal/localfs"
	"github.com/nxdrive/drivesync/internal/state"
)

// DefaultMoveDelay is how long a removal waits for the matching creation.
const DefaultMoveDelay = time.Second

// LocalOptions configures a Local watcher.
type LocalOptions struct {
	// Algorithm is the digest algorithm of local files.
	Algorithm string
	// MoveDelay is how long a removal waits for its creation counterpart.
	MoveDelay time.Duration
	// OnConflict is called when an update turns a pair into a conflict.
	OnConflict func(pair *state.DocPair)
	Logger     *log.Logger
}

type pendingDelete struct {
	pair *state.DocPair
	at   time.Time
}

// Local watches the local tree of one engine.
type Local struct {
	store      *dao.Store
	local      *localfs.Client
	algorithm  string
	moveDelay  time.Duration
	onConflict func(pair *state.DocPair)
	logger     *log.Logger

	mu      sync.Mutex
	pending map[string]pendingDelete
	fsw     *fsnotify.Watcher
	now     func() time.Time
}

// NewLocal creates a Local watcher.
func NewLocal(store *dao.Store, local *localfs.Client, opts LocalOptions) *Local {
	if opts.MoveDelay <= 0 {
		opts.MoveDelay = DefaultMoveDelay
	}
	if opts.Algorithm == "" {
		opts.Algorithm = localfs.DefaultAlgorithm
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[local-watcher] ", log.LstdFlags)
	}
	return &Local{
		store:      store,
		local:      local,
		algorithm:  opts.Algorithm,
		moveDelay:  opts.MoveDelay,
		onConflict: opts.OnConflict,
		logger:     opts.Logger,
		pending:    make(map[string]pendingDelete),
		now:        time.Now,
	}
}

// Scan reconciles the whole local tree with the store.
func (w *Local) Scan(ctx context.Context) error {
	start := time.Now()
	n, err := w.scanTree(ctx, "/")
	if err != nil {
		return err
	}
	w.logger.Printf("full scan done: %d item(s) in %s", n, time.Since(start).Round(time.Millisecond))
	return nil
}

// scanTree walks the folder rel breadth-first. For every folder it updates
// the pairs of the observed children. Known but missing ones are marked as
// deleted once the walk is over, so an item moved to a folder scanned later
// is still seen as a move.
func (w *Local) scanTree(ctx context.Context, rel string) (int, error) {
	queue := []string{rel}
	count := 0
	var missing []*state.DocPair
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		folder := queue[0]
		queue = queue[1:]

		children, err := w.local.GetChildren(folder)
		if errors.Is(err, localfs.ErrNotFound) {
			continue
		}
		if err != nil {
			return count, fmt.Errorf("failed to scan %s: %w", folder, err)
		}

		seen := make(map[string]bool, len(children))
		for _, child := range children {
			seen[child.Path] = true
			count++
			if err := w.updateEntry(ctx, child); err != nil {
				w.logger.Printf("failed to scan %s: %v", child.Path, err)
				continue
			}
			if child.Folderish {
				queue = append(queue, child.Path)
			}
		}

		known, err := w.store.GetLocalChildren(ctx, folder)
		if err != nil {
			return count, err
		}
		for _, pair := range known {
			if seen[pair.LocalPath] || !pair.HasLocal() || pair.LocalState == state.LocalDeleted {
				continue
			}
			if w.local.Exists(pair.LocalPath) {
				// Ignored name or symlink: nothing to track.
				continue
			}
			missing = append(missing, pair)
		}
	}
	w.markMissing(ctx, missing)
	return count, nil
}

// markMissing marks as deleted the pairs still at the path they were
// missing from.
func (w *Local) markMissing(ctx context.Context, missing []*state.DocPair) {
	for _, pair := range missing {
		current, err := w.store.GetStateFromID(ctx, pair.ID)
		if err != nil || current == nil {
			continue
		}
		if current.LocalPath != pair.LocalPath || current.LocalState == state.LocalDeleted || w.local.Exists(current.LocalPath) {
			continue
		}
		if err := w.markDeleted(ctx, current); err != nil {
			w.logger.Printf("failed to mark %s as deleted: %v", pair.LocalPath, err)
		}
	}
}

// updateEntry reconciles one observed local item with its pair.
func (w *Local) updateEntry(ctx context.Context, info *localfs.FileInfo) error {
	pair, err := w.store.GetStateFromLocal(ctx, info.Path)
	if err != nil {
		return err
	}

	if pair == nil {
		if info.RemoteRef != "" {
			moved, err := w.store.GetStateFromRemote(ctx, info.RemoteRef)
			if err != nil {
				return err
			}
			if moved != nil && moved.HasLocal() && moved.LocalPath != info.Path && !w.local.Exists(moved.LocalPath) {
				return w.handleMove(ctx, moved, info)
			}
		}
		return w.insert(ctx, info)
	}

	switch {
	case pair.LocalState == state.LocalUnknown:
		return w.align(ctx, pair, info)
	case pair.LocalState == state.LocalDirect:
		return nil
	case info.Folderish:
		if pair.LocalState == state.LocalDeleted {
			return w.restore(ctx, pair, info)
		}
		return nil
	}

	if pair.LocalState != state.LocalDeleted &&
		info.Size == pair.Size && info.LastModified.Equal(pair.LastLocalUpdated) {
		return nil
	}
	full, err := w.local.GetInfoWithDigest(info.Path, w.algorithm)
	if err != nil {
		return err
	}
	if pair.LocalState == state.LocalDeleted {
		return w.restore(ctx, pair, full)
	}
	if full.Digest.Equal(pair.LocalDigest) {
		// Touched, not modified.
		return w.store.UpdateLocalState(ctx, pair, full, false)
	}
	return w.setModified(ctx, pair, full)
}

// insert records a new local item, binding it to a remote-only pair with
// the same name and content when there is one.
func (w *Local) insert(ctx context.Context, info *localfs.FileInfo) error {
	full, err := w.local.GetInfoWithDigest(info.Path, w.algorithm)
	if err != nil {
		return err
	}
	candidate, err := w.store.FindAlignment(ctx, dao.AlignQuery{
		Side:       dao.AlignRemote,
		ParentPath: full.ParentPath(),
		Name:       full.Name,
		Folderish:  full.Folderish,
		Digest:     full.Digest,
	})
	if err != nil {
		return err
	}
	if candidate != nil {
		return w.align(ctx, candidate, full)
	}
	_, err = w.store.InsertLocalState(ctx, full, full.ParentPath())
	return err
}

// align binds a local item to a remote-only pair. Equal content (or two
// folders) is synchronized at once; different content is a conflict.
func (w *Local) align(ctx context.Context, pair *state.DocPair, info *localfs.FileInfo) error {
	if !info.Folderish && info.Digest.IsZero() {
		full, err := w.local.GetInfoWithDigest(info.Path, w.algorithm)
		if err != nil {
			return err
		}
		info = full
	}
	if pair.RemoteState == state.RemoteDeleted {
		// Stale remote side: the local item is a plain creation.
		if err := w.store.RemoveState(ctx, pair); err != nil {
			return err
		}
		_, err := w.store.InsertLocalState(ctx, info, info.ParentPath())
		return err
	}
	if pair.LocalPath != info.Path {
		if err := w.store.UpdateLocalPaths(ctx, pair.LocalPath, info.Path); err != nil {
			return err
		}
		pair.Version++
	}
	pair.LocalState = state.LocalCreated
	if err := w.store.UpdateLocalState(ctx, pair, info, false); err != nil {
		return err
	}

	if info.Folderish || info.Digest.Equal(pair.RemoteDigest) {
		ok, err := w.store.SynchronizeState(ctx, pair, pair.Version)
		if err != nil || !ok {
			return err
		}
		if err := w.local.SetRemoteRef(info.Path, pair.RemoteRef); err != nil {
			w.logger.Printf("failed to tag %s: %v", info.Path, err)
		}
		w.logger.Printf("aligned %s with %s", info.Path, pair.RemoteRef)
		if pair.Folderish {
			return w.store.QueueChildren(ctx, pair)
		}
		return nil
	}
	w.conflict(pair, state.PairUnknown)
	return nil
}

// setModified records new content for pair.
func (w *Local) setModified(ctx context.Context, pair *state.DocPair, info *localfs.FileInfo) error {
	before := pair.PairState
	switch pair.LocalState {
	case state.LocalCreated, state.LocalMoved, state.LocalResolved, state.LocalUnsynchronized:
		// The pending step uploads the latest content anyway.
	default:
		pair.LocalState = state.LocalModified
	}
	if err := w.store.UpdateLocalState(ctx, pair, info, false); err != nil {
		return err
	}
	w.conflict(pair, before)
	return nil
}

// restore revives a pair whose local item reappeared before the deletion
// was processed.
func (w *Local) restore(ctx context.Context, pair *state.DocPair, info *localfs.FileInfo) error {
	local := state.LocalModified
	if info.Folderish || info.Digest.Equal(pair.LocalDigest) {
		local = state.LocalSynchronized
	}
	if pair.RemoteState == state.RemoteUnknown {
		local = state.LocalCreated
	}
	if _, err := state.PairStateFor(local, pair.RemoteState); err != nil {
		return err
	}
	before := pair.PairState
	pair.LocalState = local
	if err := w.store.UpdateLocalState(ctx, pair, info, false); err != nil {
		return err
	}
	w.conflict(pair, before)
	return nil
}

// handleMove records that pair now lives at info.Path.
func (w *Local) handleMove(ctx context.Context, pair *state.DocPair, info *localfs.FileInfo) error {
	from := pair.LocalPath
	if err := w.store.UpdateLocalPaths(ctx, from, info.Path); err != nil {
		return err
	}
	moved, err := w.store.GetStateFromID(ctx, pair.ID)
	if err != nil || moved == nil {
		return err
	}
	switch moved.LocalState {
	case state.LocalSynchronized, state.LocalModified:
		moved.LocalState = state.LocalMoved
	case state.LocalDeleted:
		// Seen missing before the new location was: the deletion is undone.
		if _, err := state.PairStateFor(state.LocalMoved, moved.RemoteState); err == nil {
			moved.LocalState = state.LocalMoved
		}
	}
	if !info.Folderish {
		full, err := w.local.GetInfoWithDigest(info.Path, w.algorithm)
		if err != nil {
			return err
		}
		info = full
	}
	before := moved.PairState
	if err := w.store.UpdateLocalState(ctx, moved, info, false); err != nil {
		return err
	}
	w.logger.Printf("moved %s to %s", from, info.Path)
	w.conflict(moved, before)
	return nil
}

// markDeleted records the disappearance of pair and its descendants.
func (w *Local) markDeleted(ctx context.Context, pair *state.DocPair) error {
	if w.local.IsGuarded(pair.LocalPath) {
		return nil
	}
	w.logger.Printf("%s was deleted", pair.LocalPath)
	return w.store.MarkLocallyDeleted(ctx, pair)
}

func (w *Local) conflict(pair *state.DocPair, before state.PairState) {
	if pair.PairState == state.PairConflicted && before != state.PairConflicted {
		w.logger.Printf("conflict on %s", pair.LocalPath)
		if w.onConflict != nil {
			w.onConflict(pair)
		}
	}
}

// --- incremental mode ---

// Run follows OS notifications until ctx is done. The caller runs Scan
// first; Run only adds what happens afterwards.
func (w *Local) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	w.mu.Lock()
	w.fsw = fsw
	w.mu.Unlock()

	if err := w.watchTree(w.local.Root()); err != nil {
		return err
	}

	ticker := time.NewTicker(w.moveDelay / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if err := w.HandleEvent(ctx, ev); err != nil {
				w.logger.Printf("failed to handle %s: %v", ev, err)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Printf("event queue overflow, rescanning")
				if err := w.Scan(ctx); err != nil {
					w.logger.Printf("rescan failed: %v", err)
				}
				continue
			}
			w.logger.Printf("watch error: %v", err)

		case <-ticker.C:
			w.FlushDeletes(ctx, false)
		}
	}
}

// watchTree registers abs and every folder below it.
func (w *Local) watchTree(abs string) error {
	w.mu.Lock()
	fsw := w.fsw
	w.mu.Unlock()
	if fsw == nil {
		return nil
	}
	return filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == abs {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != abs && localfs.IsIgnored(d.Name()) {
			return filepath.SkipDir
		}
		if err := fsw.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		return nil
	})
}

// HandleEvent applies one OS notification.
func (w *Local) HandleEvent(ctx context.Context, ev fsnotify.Event) error {
	rel, err := w.local.Relpath(ev.Name)
	if err != nil || rel == "/" {
		return nil
	}
	if localfs.IsIgnored(filepath.Base(ev.Name)) {
		return nil
	}
	if w.local.IsGuarded(rel) {
		return nil
	}

	switch {
	case ev.Has(fsnotify.Create):
		return w.created(ctx, rel)
	case ev.Has(fsnotify.Write):
		info, err := w.local.GetInfo(rel)
		if errors.Is(err, localfs.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return w.updateEntry(ctx, info)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return w.removed(ctx, rel)
	}
	return nil
}

func (w *Local) created(ctx context.Context, rel string) error {
	info, err := w.local.GetInfo(rel)
	if errors.Is(err, localfs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if info.RemoteRef != "" {
		w.mu.Lock()
		var match *state.DocPair
		for path, pd := range w.pending {
			if pd.pair.RemoteRef == info.RemoteRef {
				match = pd.pair
				delete(w.pending, path)
				break
			}
		}
		w.mu.Unlock()
		if match != nil {
			if err := w.handleMove(ctx, match, info); err != nil {
				return err
			}
			if info.Folderish {
				return w.watchTree(w.local.Abspath(rel))
			}
			return nil
		}
	}

	if err := w.updateEntry(ctx, info); err != nil {
		return err
	}
	if info.Folderish {
		if err := w.watchTree(w.local.Abspath(rel)); err != nil {
			return err
		}
		// Items created before the folder was registered.
		_, err := w.scanTree(ctx, rel)
		return err
	}
	return nil
}

func (w *Local) removed(ctx context.Context, rel string) error {
	if w.local.Exists(rel) {
		// Replaced in place (atomic save).
		info, err := w.local.GetInfo(rel)
		if err != nil {
			return err
		}
		return w.updateEntry(ctx, info)
	}
	pair, err := w.store.GetStateFromLocal(ctx, rel)
	if err != nil || pair == nil || !pair.HasLocal() {
		return err
	}
	w.mu.Lock()
	w.pending[rel] = pendingDelete{pair: pair, at: w.now()}
	w.mu.Unlock()
	return nil
}

// FlushDeletes marks the removals older than the move delay as deletions.
// With all set, every pending removal is flushed.
func (w *Local) FlushDeletes(ctx context.Context, all bool) {
	now := w.now()
	var due []*state.DocPair
	w.mu.Lock()
	for path, pd := range w.pending {
		if all || now.Sub(pd.at) >= w.moveDelay {
			due = append(due, pd.pair)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	// The pairs may have moved since the events.
	w.markMissing(ctx, due)
}
