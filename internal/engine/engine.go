// Package engine binds one local folder to one remote workspace and runs the
// components keeping them in agreement: the two watchers feed the state
// store, the store feeds the queue and the queue feeds the processor.
//
// Manager keeps the registry of bound engines and implements the
// bind/unbind entry points of the command line.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nxdrive/drivesync/internal/config"
	"github.com/nxdrive/drivesync/internal/dao"
	"github.com/nxdrive/drivesync/internal/filter"
	"github.com/nxdrive/drivesync/internal/localfs"
	"github.com/nxdrive/drivesync/internal/logging"
	"github.com/nxdrive/drivesync/internal/notify"
	"github.com/nxdrive/drivesync/internal/processor"
	"github.com/nxdrive/drivesync/internal/queue"
	"github.com/nxdrive/drivesync/internal/remote"
	"github.com/nxdrive/drivesync/internal/state"
	"github.com/nxdrive/drivesync/internal/transfer"
	"github.com/nxdrive/drivesync/internal/watcher"
)

// Engine states reported in Status and on the event bus.
const (
	StateStopped   = "stopped"
	StateRunning   = "running"
	StateSuspended = "suspended"
)

// How often the suspension schedule is checked.
const scheduleInterval = 5 * time.Second

// suspendForever is the suspend_until value of an open-ended suspension.
const suspendForever = "forever"

var (
	// ErrUnknownPair is returned for a pair id missing from the store.
	ErrUnknownPair = errors.New("unknown pair")
	// ErrNotConflicted is returned when resolving a pair that is not conflicted.
	ErrNotConflicted = errors.New("pair is not conflicted")
	// ErrRunning is returned by operations needing a stopped engine.
	ErrRunning = errors.New("engine is running")
	// ErrFeatureDisabled is returned when a disabled feature is used.
	ErrFeatureDisabled = errors.New("feature disabled")
)

// Binding describes one bound local folder. Bindings are persisted by the
// Manager; the token lives in the engine database.
type Binding struct {
	UID         string `toml:"uid" json:"uid" yaml:"uid"`
	Name        string `toml:"name" json:"name" yaml:"name"`
	LocalFolder string `toml:"local_folder" json:"local_folder" yaml:"local_folder"`
	ServerURL   string `toml:"server_url" json:"server_url" yaml:"server_url"`
	User        string `toml:"user" json:"user" yaml:"user"`
	RootRef     string `toml:"root_ref" json:"root_ref" yaml:"root_ref"`
}

// Dialer creates the remote client of a binding.
type Dialer func(ctx context.Context, b Binding, token string) (remote.Client, error)

// Options configures an Engine.
type Options struct {
	// Config is the application configuration. Server policy is applied
	// on a copy.
	Config *config.Config
	// Dial creates the remote client. Required.
	Dial Dialer
	// Token replaces the stored token when set.
	Token string
	// Bus receives the engine events. Nil creates a private bus.
	Bus  *notify.Bus
	Logs *logging.Sink
}

// Engine synchronizes one binding.
type Engine struct {
	binding Binding
	cfg     *config.Config
	logs    *logging.Sink
	logger  *log.Logger
	debug   *log.Logger

	store     *dao.Store
	local     *localfs.Client
	remote    remote.Client
	transfers *transfer.Manager
	filters   *filter.Engine
	queue     *queue.Manager
	proc      *processor.Processor
	lw        *watcher.Local
	rw        *watcher.Remote

	bus    *notify.Bus
	ownBus bool
	now    func() time.Time

	mu        sync.Mutex
	running   bool
	suspended bool
	scheduled bool // suspended by suspend_until
	cancel    context.CancelFunc
	done      chan error
}

// New opens the engine database and builds the components. On first use it
// records the synchronization root pair.
func New(ctx context.Context, b Binding, opts Options) (*Engine, error) {
	if b.UID == "" {
		return nil, fmt.Errorf("engine uid cannot be empty")
	}
	if b.LocalFolder == "" {
		return nil, fmt.Errorf("local folder cannot be empty")
	}
	if b.RootRef == "" {
		return nil, fmt.Errorf("root ref cannot be empty")
	}
	if opts.Dial == nil {
		return nil, fmt.Errorf("dialer cannot be nil")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logs := opts.Logs
	if logs == nil {
		logs = logging.New(os.Stderr, cfg.Verbose)
	}
	bus, ownBus := opts.Bus, false
	if bus == nil {
		bus, ownBus = notify.NewBus(logs.Logger("notify")), true
	}

	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create home folder: %w", err)
	}
	if err := os.MkdirAll(b.LocalFolder, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create local folder: %w", err)
	}
	store, err := dao.Open(cfg.DatabasePath(b.UID), logs.Logger("dao"))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		binding: b,
		cfg:     cfg,
		logs:    logs,
		logger:  logs.Logger("engine"),
		debug:   logs.Debug("engine"),
		store:   store,
		bus:     bus,
		ownBus:  ownBus,
		now:     time.Now,
	}
	if err := e.setup(ctx, opts); err != nil {
		_ = store.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) setup(ctx context.Context, opts Options) error {
	if opts.Token != "" {
		if err := e.store.SetConfig(ctx, dao.ConfigRemoteToken, opts.Token); err != nil {
			return err
		}
	}
	token, err := e.store.GetConfig(ctx, dao.ConfigRemoteToken, "")
	if err != nil {
		return err
	}
	if e.remote, err = opts.Dial(ctx, e.binding, token); err != nil {
		return fmt.Errorf("failed to create remote client: %w", err)
	}
	e.applyServerPolicy(ctx)

	algorithm, err := e.store.GetConfig(ctx, dao.ConfigDigestAlgorithm, localfs.DefaultAlgorithm)
	if err != nil {
		return err
	}
	e.local, err = localfs.New(e.binding.LocalFolder, localfs.Options{
		BigFile:   e.cfg.BigFileBytes(),
		Algorithm: algorithm,
		Logger:    e.logs.Logger("localfs"),
	})
	if err != nil {
		return err
	}

	e.queue = queue.New(&queue.Config{
		FileWorkers:   e.cfg.MaxFileProcessors,
		ErrorInterval: e.cfg.ErrorInterval,
		MaxErrors:     e.cfg.MaxErrors,
		Gate:          e.gate,
		OnGiveUp:      e.onGiveUp,
		Logger:        e.logs.Logger("queue"),
	})
	e.store.SetQueueManager(e.queue)

	if e.filters, err = filter.New(ctx, e.store, e.queue, e.logs.Logger("filter")); err != nil {
		return err
	}
	e.transfers = transfer.New(e.store, e.remote, e.local, transfer.Options{
		ChunkSize:  e.cfg.ChunkSizeBytes(),
		EngineUID:  e.binding.UID,
		OnProgress: e.onProgress,
		Logger:     e.logs.Logger("transfer"),
	})
	e.proc = processor.New(e.store, e.remote, e.local, e.transfers, processor.Options{
		Algorithm:      algorithm,
		Trash:          e.cfg.DeletionBehavior == config.DeleteToTrash,
		Filters:        e.filters,
		OnConflict:     e.onConflict,
		OnError:        e.onError,
		OnSynchronized: e.onSynchronized,
		OnSession:      e.onSession,
		Logger:         e.logs.Logger("processor"),
	})
	e.lw = watcher.NewLocal(e.store, e.local, watcher.LocalOptions{
		Algorithm:  algorithm,
		MoveDelay:  e.cfg.MoveDetectionDelay,
		OnConflict: e.onConflict,
		Logger:     e.logs.Logger("local-watcher"),
	})
	e.rw = watcher.NewRemote(e.store, e.remote, watcher.RemoteOptions{
		RootRef:    e.binding.RootRef,
		Filters:    e.filters,
		Local:      e.local,
		OnConflict: e.onConflict,
		Logger:     e.logs.Logger("remote-watcher"),
	})

	if err := e.bootstrap(ctx, algorithm); err != nil {
		return err
	}
	// Leases and live transfers of a previous run died with it.
	if err := e.store.ReleaseAllProcessors(ctx); err != nil {
		return err
	}
	_, err = e.transfers.SuspendAll(ctx)
	return err
}

// applyServerPolicy overlays the server-pushed options. An unreachable
// server leaves the local configuration in place.
func (e *Engine) applyServerPolicy(ctx context.Context) {
	policy, err := e.remote.ServerConfig(ctx)
	if err != nil {
		e.logger.Printf("server configuration unavailable: %v", err)
	} else if cfg, applied, err := e.cfg.ApplyServerPolicy(policy); err != nil {
		e.logger.Printf("ignoring server configuration: %v", err)
	} else {
		e.cfg = cfg
		if len(applied) > 0 {
			e.logger.Printf("server configuration applied: %v", applied)
		}
	}

	if n, ok := e.remote.(interface {
		Negotiate(ctx context.Context, allowS3 bool) (string, error)
	}); ok {
		if _, err := n.Negotiate(ctx, e.cfg.Features.S3DirectUpload); err != nil {
			e.logger.Printf("server version unavailable: %v", err)
		}
	}
}

// bootstrap records the root pair the first time the engine runs.
func (e *Engine) bootstrap(ctx context.Context, algorithm string) error {
	root, err := e.store.GetStateFromLocal(ctx, "/")
	if err != nil {
		return err
	}
	if root != nil {
		if root.RemoteRef != e.binding.RootRef {
			return fmt.Errorf("local folder is bound to %s, not %s", root.RemoteRef, e.binding.RootRef)
		}
		return nil
	}

	localRoot, err := e.local.GetInfo("/")
	if err != nil {
		return err
	}
	info, err := e.remote.GetInfo(ctx, e.binding.RootRef)
	if err != nil {
		return fmt.Errorf("failed to get synchronization root: %w", err)
	}
	if _, err := e.store.InsertRootState(ctx, localRoot, info); err != nil {
		return err
	}
	for name, value := range map[string]string{
		dao.ConfigRootRef:         e.binding.RootRef,
		dao.ConfigLocalFolder:     e.local.Root(),
		dao.ConfigServerURL:       e.binding.ServerURL,
		dao.ConfigRemoteUser:      e.binding.User,
		dao.ConfigDigestAlgorithm: algorithm,
	} {
		if err := e.store.SetConfig(ctx, name, value); err != nil {
			return err
		}
	}
	e.logger.Printf("bound %s to %s", e.local.Root(), info.Name)
	return nil
}

// UID returns the engine uid.
func (e *Engine) UID() string {
	return e.binding.UID
}

// Binding returns what the engine synchronizes.
func (e *Engine) Binding() Binding {
	return e.binding
}

// Remote returns the remote client of the engine.
func (e *Engine) Remote() remote.Client {
	return e.remote
}

// Start scans the local folder, queues pending work and runs the watchers
// and workers in the background until Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrRunning
	}
	e.logger.Printf("starting %s", e.binding.LocalFolder)

	if e.cfg.Features.AutoResumeTransfers && !e.suspended {
		if _, err := e.transfers.ResumeAll(ctx); err != nil {
			return err
		}
	}
	if err := e.lw.Scan(ctx); err != nil {
		return fmt.Errorf("initial local scan failed: %w", err)
	}
	if err := e.requeue(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if err := e.lw.Run(gctx); err != nil {
			return fmt.Errorf("local watcher: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return e.rw.Run(gctx, e.cfg.Delay, e.cfg.RemoteScanInterval)
	})
	g.Go(func() error {
		return e.queue.Run(gctx, e.handle)
	})
	g.Go(func() error {
		e.schedule(gctx)
		return nil
	})

	done := make(chan error, 1)
	go func() {
		err := g.Wait()
		if err != nil {
			e.logger.Printf("stopped on error: %v", err)
		}
		done <- err
	}()

	e.running, e.cancel, e.done = true, cancel, done
	e.emitStateLocked(ctx)
	return nil
}

// Stop cancels the background loops and waits up to the stop timeout for
// in-flight work. Live transfers are suspended so they resume on restart.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	cancel, done := e.cancel, e.done
	e.running, e.cancel, e.done = false, nil, nil
	e.mu.Unlock()

	e.logger.Println("stopping")
	cancel()

	timer := time.NewTimer(e.cfg.StopTimeout)
	defer timer.Stop()
	var err error
	select {
	case err = <-done:
	case <-timer.C:
		e.logger.Printf("workers still busy after %s", e.cfg.StopTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}

	wctx := context.WithoutCancel(ctx)
	if _, serr := e.transfers.SuspendAll(wctx); serr != nil && err == nil {
		err = serr
	}
	e.emitState(wctx)
	return err
}

// Close stops the engine and closes its database.
func (e *Engine) Close(ctx context.Context) error {
	err := e.Stop(ctx)
	if cerr := e.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if e.ownBus {
		e.bus.Close()
	}
	return err
}

// Running reports whether the background loops run.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Suspended reports whether processing is suspended.
func (e *Engine) Suspended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suspended
}

// Suspend stops dispatching pairs. Transfers finish their current chunk
// and are marked suspended; watchers keep recording changes.
func (e *Engine) Suspend(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suspendLocked(ctx)
}

func (e *Engine) suspendLocked(ctx context.Context) error {
	if e.suspended {
		return nil
	}
	e.queue.Suspend()
	if _, err := e.transfers.SuspendAll(ctx); err != nil {
		return err
	}
	e.suspended = true
	e.logger.Println("suspended")
	e.emitStateLocked(ctx)
	return nil
}

// SuspendUntil suspends the engine until t; a zero t suspends it until
// Resume. The deadline is stored so other processes see it.
func (e *Engine) SuspendUntil(ctx context.Context, t time.Time) error {
	value := suspendForever
	if !t.IsZero() {
		value = t.UTC().Format(time.RFC3339)
	}
	if err := e.store.SetConfig(ctx, dao.ConfigSuspendUntil, value); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scheduled = true
	return e.suspendLocked(ctx)
}

// Resume restarts dispatching, resumes suspended transfers and queues the
// pairs they belonged to.
func (e *Engine) Resume(ctx context.Context) error {
	if err := e.store.DeleteConfig(ctx, dao.ConfigSuspendUntil); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resumeLocked(ctx)
}

func (e *Engine) resumeLocked(ctx context.Context) error {
	e.scheduled = false
	if !e.suspended {
		return nil
	}
	if _, err := e.transfers.ResumeAll(ctx); err != nil {
		return err
	}
	e.suspended = false
	e.queue.Resume()
	if err := e.requeue(ctx); err != nil {
		return err
	}
	e.logger.Println("resumed")
	e.emitStateLocked(ctx)
	return nil
}

// schedule applies the stored suspension deadline until ctx is done.
func (e *Engine) schedule(ctx context.Context) {
	ticker := time.NewTicker(scheduleInterval)
	defer ticker.Stop()
	for {
		if err := e.checkSchedule(ctx); err != nil && ctx.Err() == nil {
			e.logger.Printf("failed to apply suspension schedule: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) checkSchedule(ctx context.Context) error {
	raw, err := e.store.GetConfig(ctx, dao.ConfigSuspendUntil, "")
	if err != nil {
		return err
	}
	active := raw == suspendForever
	if raw != "" && !active {
		until, perr := time.Parse(time.RFC3339, raw)
		active = perr == nil && e.now().Before(until)
		if !active {
			if err := e.store.DeleteConfig(ctx, dao.ConfigSuspendUntil); err != nil {
				return err
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case active && !e.suspended:
		e.scheduled = true
		return e.suspendLocked(ctx)
	case !active && e.suspended && e.scheduled:
		return e.resumeLocked(ctx)
	}
	return nil
}

// SuspendedUntil returns the stored suspension deadline. ok is false when
// none is set; a zero time means until resumed.
func (e *Engine) SuspendedUntil(ctx context.Context) (until time.Time, ok bool, err error) {
	raw, err := e.store.GetConfig(ctx, dao.ConfigSuspendUntil, "")
	if err != nil || raw == "" {
		return time.Time{}, false, err
	}
	if raw == suspendForever {
		return time.Time{}, true, nil
	}
	until, err = time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid %s %q: %w", dao.ConfigSuspendUntil, raw, err)
	}
	return until, true, nil
}

// SyncOnce scans both sides and processes every queued pair without the
// background loops. It returns the number of processed items.
func (e *Engine) SyncOnce(ctx context.Context) (int, error) {
	if e.Running() {
		return 0, ErrRunning
	}
	if e.cfg.Features.AutoResumeTransfers && !e.Suspended() {
		if _, err := e.transfers.ResumeAll(ctx); err != nil {
			return 0, err
		}
	}
	if err := e.lw.Scan(ctx); err != nil {
		return 0, fmt.Errorf("local scan failed: %w", err)
	}
	if err := e.rw.Poll(ctx); err != nil {
		return 0, fmt.Errorf("remote poll failed: %w", err)
	}
	e.lw.FlushDeletes(ctx, true)
	if err := e.requeue(ctx); err != nil {
		return 0, err
	}
	return e.queue.Drain(ctx, e.handle), nil
}

func (e *Engine) handle(ctx context.Context, worker int, it queue.Item) error {
	return e.proc.Process(ctx, worker, it.ID)
}

// requeue queues every pair waiting for a processor, conflicts included.
func (e *Engine) requeue(ctx context.Context) error {
	pairs, err := e.store.GetStatesToProcess(ctx)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		e.queue.Push(p)
	}
	conflicts, err := e.store.GetConflicts(ctx)
	if err != nil {
		return err
	}
	for _, p := range conflicts {
		e.queue.PushConflict(p)
	}
	if n := len(pairs) + len(conflicts); n > 0 {
		e.debug.Printf("queued %d pending pair(s)", n)
	}
	return nil
}

// gate keeps a child out of the queue while its parent is being created.
// Synchronizing the parent queues its children again.
func (e *Engine) gate(pair *state.DocPair) bool {
	if pair.LocalState == state.LocalDirect || pair.LocalPath == "/" {
		return true
	}
	ctx := context.Background()
	var parent *state.DocPair
	var err error
	switch {
	case pair.PairState.IsLocal() && pair.LocalParentPath != "":
		parent, err = e.store.GetStateFromLocal(ctx, pair.LocalParentPath)
	case pair.RemoteParentRef != "":
		parent, err = e.store.GetStateFromRemote(ctx, pair.RemoteParentRef)
	}
	if err != nil || parent == nil {
		return true
	}
	if parent.PairState.IsCreation() {
		e.debug.Printf("%s waits for its parent %s", pair.Name(), parent.Name())
		return false
	}
	return true
}

// --- event hooks ---

func (e *Engine) onConflict(pair *state.DocPair) {
	e.queue.PushConflict(pair)
	e.bus.Emit(notify.NewConflict, e.binding.UID, pairData(pair, ""))
}

func (e *Engine) onError(pair *state.DocPair, pe *processor.ProcessError) {
	e.bus.Emit(notify.NewError, e.binding.UID, pairData(pair, pe.Error()))
}

func (e *Engine) onSynchronized(pair *state.DocPair) {
	e.bus.Emit(notify.NewItem, e.binding.UID, pairData(pair, ""))
}

func (e *Engine) onSession(sess *state.Session) {
	e.bus.Emit(notify.SessionUpdated, e.binding.UID, notify.SessionData{
		UID:      sess.UID,
		Status:   string(sess.Status),
		Uploaded: sess.Uploaded,
		Total:    sess.Total,
	})
}

func (e *Engine) onProgress(kind state.TransferKind, t state.Transfer) {
	e.bus.Emit(notify.TransferUpdated, e.binding.UID, notify.TransferData{
		Kind:     string(kind),
		DocPair:  t.DocPair,
		Path:     t.Path,
		Status:   string(t.Status),
		Progress: t.Progress,
		Filesize: t.Filesize,
	})
}

func (e *Engine) onGiveUp(it queue.Item, err error) {
	e.logger.Printf("giving up on pair %d: %v", it.ID, err)
	pair, gerr := e.store.GetStateFromID(context.Background(), it.ID)
	if gerr != nil || pair == nil {
		return
	}
	e.bus.Emit(notify.NewError, e.binding.UID, pairData(pair, err.Error()))
}

func pairData(pair *state.DocPair, errText string) notify.PairData {
	d := notify.PairData{
		ID:        pair.ID,
		Path:      pair.LocalPath,
		RemoteRef: pair.RemoteRef,
		PairState: string(pair.PairState),
		Error:     pair.LastError,
		Details:   errText,
	}
	if d.Details == "" {
		d.Details = pair.LastErrorDetails
	}
	return d
}

// State returns the lifecycle state of the engine.
func (e *Engine) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *Engine) stateLocked() string {
	switch {
	case e.suspended:
		return StateSuspended
	case e.running:
		return StateRunning
	}
	return StateStopped
}

func (e *Engine) emitState(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emitStateLocked(ctx)
}

func (e *Engine) emitStateLocked(ctx context.Context) {
	ev, err := e.stateEvent(ctx, e.stateLocked())
	if err != nil {
		e.logger.Printf("failed to build state event: %v", err)
		return
	}
	e.bus.Publish(ev)
}

func (e *Engine) stateEvent(ctx context.Context, st string) (notify.Event, error) {
	stats := e.queue.Stats()
	errs, err := e.store.GetErrors(ctx, 1)
	if err != nil {
		return notify.Event{}, err
	}
	return notify.NewEvent(notify.EngineState, e.binding.UID, notify.EngineStateData{
		State:  st,
		Queued: stats.Total(),
		Errors: len(errs),
	})
}

// Events subscribes to the events of the engine bus.
func (e *Engine) Events(buffer int) (<-chan notify.Event, func()) {
	return e.bus.Subscribe(buffer)
}

// --- user actions ---

func (e *Engine) pair(ctx context.Context, id int64) (*state.DocPair, error) {
	pair, err := e.store.GetStateFromID(ctx, id)
	if err != nil {
		return nil, err
	}
	if pair == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPair, id)
	}
	return pair, nil
}

func (e *Engine) conflicted(ctx context.Context, id int64) (*state.DocPair, error) {
	pair, err := e.pair(ctx, id)
	if err != nil {
		return nil, err
	}
	if pair.PairState != state.PairConflicted {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotConflicted, pair.Name(), pair.PairState)
	}
	return pair, nil
}

// ResolveWithLocal keeps the local content of a conflicted pair; it is
// uploaded over the remote document.
func (e *Engine) ResolveWithLocal(ctx context.Context, id int64) error {
	pair, err := e.conflicted(ctx, id)
	if err != nil {
		return err
	}
	e.logger.Printf("resolving %s with the local content", pair.Name())
	return e.store.ForceLocal(ctx, pair)
}

// ResolveWithRemote keeps the remote content of a conflicted pair; it is
// downloaded over the local file.
func (e *Engine) ResolveWithRemote(ctx context.Context, id int64) error {
	pair, err := e.conflicted(ctx, id)
	if err != nil {
		return err
	}
	e.logger.Printf("resolving %s with the remote content", pair.Name())
	return e.store.ForceRemote(ctx, pair)
}

// RetryPair clears the errors of a pair and queues it again.
func (e *Engine) RetryPair(ctx context.Context, id int64) error {
	pair, err := e.pair(ctx, id)
	if err != nil {
		return err
	}
	if err := e.store.ResetError(ctx, pair); err != nil {
		return err
	}
	e.queue.Retry(pair)
	return nil
}

// Unsynchronize freezes a pair until Resynchronize.
func (e *Engine) Unsynchronize(ctx context.Context, id int64, reason string) error {
	pair, err := e.pair(ctx, id)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "USER"
	}
	return e.store.UnsynchronizeState(ctx, pair, reason, "requested by the user")
}

// Resynchronize puts a frozen pair back in the synchronization. A pair with
// a remote document is compared with it, which turns diverging edits into a
// conflict; a local-only pair is uploaded again.
func (e *Engine) Resynchronize(ctx context.Context, id int64) error {
	pair, err := e.pair(ctx, id)
	if err != nil {
		return err
	}
	if err := e.store.ResetError(ctx, pair); err != nil {
		return err
	}
	if pair.HasRemote() {
		return e.store.ForceRemote(ctx, pair)
	}
	return e.store.SetLocalState(ctx, pair, state.LocalCreated)
}

// AddFilter excludes a remote subtree, given as a ref path.
func (e *Engine) AddFilter(ctx context.Context, refPath string) error {
	return e.filters.Add(ctx, refPath)
}

// RemoveFilter includes a remote subtree again. It is pulled on the next
// poll.
func (e *Engine) RemoveFilter(ctx context.Context, refPath string) error {
	return e.filters.Remove(ctx, refPath)
}

// Filters returns the active filters.
func (e *Engine) Filters() []string {
	return e.filters.List()
}

// PauseTransfer pauses one upload or download after its current step.
func (e *Engine) PauseTransfer(ctx context.Context, kind state.TransferKind, uid int64) error {
	return e.transfers.Pause(ctx, kind, uid)
}

// ResumeTransfer resumes a paused transfer.
func (e *Engine) ResumeTransfer(ctx context.Context, kind state.TransferKind, uid int64) error {
	if err := e.transfers.Resume(ctx, kind, uid); err != nil {
		return err
	}
	return e.requeue(ctx)
}

// LocalPath converts an absolute path below the local folder into the
// path used by the store.
func (e *Engine) LocalPath(abs string) (string, error) {
	return e.local.Relpath(filepath.Clean(abs))
}

// DocumentURL returns the web address of the document synchronized with
// the local path rel.
func (e *Engine) DocumentURL(ctx context.Context, rel string, edit bool) (string, error) {
	pair, err := e.store.GetStateFromLocal(ctx, rel)
	if err != nil {
		return "", err
	}
	if pair == nil || pair.RemoteRef == "" {
		return "", fmt.Errorf("%s is not synchronized", rel)
	}
	return e.remote.DocumentURL(pair.RemoteRef, edit), nil
}
