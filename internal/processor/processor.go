// Package processor applies the next synchronization step of a pair.
//
// Process leases a pair, re-reads it and dispatches on its pair state:
//
//	locally_created                 upload the file or create the folder remotely
//	remotely_created                download the file or create the folder locally
//	locally_modified                upload the new content
//	locally_resolved                upload the local content of a resolved conflict
//	remotely_modified               download the new content, apply renames and moves
//	locally_moved                   move or rename the remote document
//	locally_deleted                 delete (or trash) the remote document
//	remotely_deleted                delete the local item
//	conflicted                      resolve equal contents, keep a local copy otherwise
//	direct_transfer                 upload into a Direct Transfer session
//
// Failures are classified into a ProcessError. Transient and locked
// failures are recorded on the pair and returned so the queue retries them;
// permanent failures freeze the pair as unsynchronized; conflicts move it
// to the conflicted state. A pair whose prerequisites are missing (parent
// not synchronized yet) yields and is retried after a short delay.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nxdrive/drivesync/internal/dao"
	"github.com/nxdrive/drivesync/internal/filter"
	"github.com/nxdrive/drivesync/internal/localfs"
	"github.com/nxdrive/drivesync/internal/remote"
	"github.com/nxdrive/drivesync/internal/state"
	"github.com/nxdrive/drivesync/internal/transfer"
)

// Default delays.
const (
	DefaultLockDelay  = 5 * time.Second
	DefaultYieldDelay = 2 * time.Second
)

// Options configures a Processor.
type Options struct {
	// Algorithm is the digest algorithm used for local files.
	Algorithm string
	// Trash sends remote deletions to the server trash.
	Trash bool
	// LockDelay is the retry delay of pairs blocked by a locked file.
	LockDelay time.Duration
	// YieldDelay is the retry delay of pairs waiting for a prerequisite.
	YieldDelay time.Duration
	// Filters excludes filtered pairs; nil disables filtering.
	Filters *filter.Engine

	// OnConflict is called when a pair becomes conflicted.
	OnConflict func(pair *state.DocPair)
	// OnError is called for every recorded failure.
	OnError func(pair *state.DocPair, err *ProcessError)
	// OnSynchronized is called when a pair reaches the synchronized state.
	OnSynchronized func(pair *state.DocPair)
	// OnSession is called after each Direct Transfer item.
	OnSession func(sess *state.Session)

	// Logger is the base logger; each worker logs with its own prefix.
	Logger *log.Logger
}

// Processor runs synchronization steps. It is safe for concurrent use by
// several workers, each with its own worker id.
type Processor struct {
	store     *dao.Store
	remote    remote.Client
	local     *localfs.Client
	transfers *transfer.Manager
	opts      Options

	infos singleflight.Group

	mu      sync.Mutex
	loggers map[int]*log.Logger
}

// New creates a Processor.
func New(store *dao.Store, rc remote.Client, local *localfs.Client, transfers *transfer.Manager, opts Options) *Processor {
	if opts.Algorithm == "" {
		opts.Algorithm = localfs.DefaultAlgorithm
	}
	if opts.LockDelay <= 0 {
		opts.LockDelay = DefaultLockDelay
	}
	if opts.YieldDelay <= 0 {
		opts.YieldDelay = DefaultYieldDelay
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Processor{
		store:     store,
		remote:    rc,
		local:     local,
		transfers: transfers,
		opts:      opts,
		loggers:   make(map[int]*log.Logger),
	}
}

// logger returns the logger of one worker.
func (p *Processor) logger(worker int) *log.Logger {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.loggers[worker]
	if !ok {
		l = log.New(p.opts.Logger.Writer(), fmt.Sprintf("[processor-%d] ", worker), p.opts.Logger.Flags())
		p.loggers[worker] = l
	}
	return l
}

// step carries the pair being processed and the worker handling it.
type step struct {
	pair   *state.DocPair
	worker int
	log    *log.Logger
}

// Process runs the next step of pair id on behalf of worker. A nil error
// means the pair needs nothing more from this call; a *ProcessError asks
// for a retry.
func (p *Processor) Process(ctx context.Context, worker int, id int64) error {
	ok, err := p.store.AcquireProcessor(ctx, worker, id)
	if err != nil {
		return err
	}
	if !ok {
		// Another worker holds the pair.
		return nil
	}
	defer func() {
		if err := p.store.ReleaseProcessor(context.WithoutCancel(ctx), worker); err != nil {
			p.logger(worker).Printf("failed to release lease: %v", err)
		}
	}()

	pair, err := p.store.GetStateFromID(ctx, id)
	if err != nil || pair == nil {
		return err
	}
	// A new filter marks its subtree remotely deleted; that removal still
	// has to reach the local side.
	if p.opts.Filters != nil && pair.PairState != state.PairRemotelyDeleted && p.opts.Filters.IsPairFiltered(pair) {
		return nil
	}

	s := &step{pair: pair, worker: worker, log: p.logger(worker)}
	before := pair.PairState
	s.log.Printf("%s %s", pair.PairState, pair.Name())

	err = p.dispatch(ctx, s)
	switch {
	case err == nil:
		if pair.PairState == state.PairSynchronized && before != state.PairSynchronized && p.opts.OnSynchronized != nil {
			p.opts.OnSynchronized(pair)
		}
		return nil
	case errors.Is(err, transfer.ErrPaused):
		// Resuming the transfer queues the pair again.
		s.log.Printf("transfer of %s is paused", pair.Name())
		return nil
	}
	return p.fail(ctx, s, err)
}

func (p *Processor) dispatch(ctx context.Context, s *step) error {
	switch s.pair.PairState {
	case state.PairLocallyCreated:
		return p.syncLocallyCreated(ctx, s)
	case state.PairRemotelyCreated:
		return p.syncRemotelyCreated(ctx, s)
	case state.PairLocallyModified:
		return p.syncLocallyModified(ctx, s, false)
	case state.PairLocallyResolved:
		return p.syncLocallyModified(ctx, s, true)
	case state.PairRemotelyModified:
		return p.syncRemotelyModified(ctx, s)
	case state.PairLocallyMoved:
		return p.syncLocallyMoved(ctx, s, false)
	case state.PairLocallyMovedRemotelyModified:
		return p.syncLocallyMoved(ctx, s, true)
	case state.PairLocallyMovedCreated:
		// The remote document is gone: the moved item is a new creation.
		s.log.Printf("%s moved after its remote deletion, recreating it", s.pair.Name())
		if err := p.store.ClearRemoteSide(ctx, s.pair); err != nil {
			return err
		}
		return p.syncLocallyCreated(ctx, s)
	case state.PairLocallyDeleted:
		return p.syncLocallyDeleted(ctx, s)
	case state.PairRemotelyDeleted:
		return p.syncRemotelyDeleted(ctx, s)
	case state.PairDeleted, state.PairUnknownDeleted, state.PairDeletedUnknown:
		return p.store.RemoveState(ctx, s.pair)
	case state.PairConflicted:
		return p.syncConflicted(ctx, s)
	case state.PairDirectTransfer:
		return p.syncDirectTransfer(ctx, s)
	case state.PairSynchronized, state.PairUnsynchronized, state.PairUnknown:
		return nil
	}
	return fmt.Errorf("%w: %s", state.ErrUnknownPairState, s.pair.PairState)
}

// fail records a failed step according to its classification.
func (p *Processor) fail(ctx context.Context, s *step, err error) error {
	pe := Classify(err)
	pair := s.pair
	// Store writes must land even when the step was cancelled.
	wctx := context.WithoutCancel(ctx)

	switch pe.Kind {
	case Yield:
		pe.attempts = pair.ErrorCount
		pe.delay = p.opts.YieldDelay
		s.log.Printf("%s waits: %s", pair.Name(), pe.Reason)
		return pe

	case Locked:
		if ierr := p.store.IncreaseError(wctx, pair, ReasonLocked, pe.Error(), 1); ierr != nil {
			return ierr
		}
		pe.attempts = pair.ErrorCount
		pe.delay = p.opts.LockDelay
		s.log.Printf("%s is locked, retrying in %s", pair.Name(), p.opts.LockDelay)
		p.notifyError(pair, pe)
		return pe

	case NotFound:
		if pe.Local {
			if pair.LocalState == state.LocalDirect {
				return p.freeze(wctx, s, pe)
			}
			s.log.Printf("%s disappeared locally", pair.Name())
			return p.store.MarkLocallyDeleted(wctx, pair)
		}
		if pair.HasRemote() {
			s.log.Printf("%s disappeared remotely", pair.Name())
			return p.store.MarkRemotelyDeleted(wctx, pair)
		}
		return p.retry(wctx, s, pe)

	case Conflict:
		if cerr := p.store.SetConflictState(wctx, pair); cerr != nil {
			return cerr
		}
		p.conflict(s)
		return nil

	case Permanent:
		return p.freeze(wctx, s, pe)
	}

	if pe.Reason == ReasonDigestMismatch && pair.LastError == ReasonDigestMismatch {
		// Already retried once.
		return p.freeze(wctx, s, pe)
	}
	return p.retry(wctx, s, pe)
}

func (p *Processor) retry(ctx context.Context, s *step, pe *ProcessError) error {
	if err := p.store.IncreaseError(ctx, s.pair, pe.Reason, pe.Error(), 1); err != nil {
		return err
	}
	pe.attempts = s.pair.ErrorCount
	s.log.Printf("%s failed (%d): %v", s.pair.Name(), s.pair.ErrorCount, pe.Err)
	p.notifyError(s.pair, pe)
	return pe
}

func (p *Processor) freeze(ctx context.Context, s *step, pe *ProcessError) error {
	s.log.Printf("%s unsynchronized: %v", s.pair.Name(), pe)
	if err := p.store.UnsynchronizeState(ctx, s.pair, pe.Reason, pe.Error()); err != nil {
		return err
	}
	p.notifyError(s.pair, pe)
	return nil
}

func (p *Processor) notifyError(pair *state.DocPair, pe *ProcessError) {
	if p.opts.OnError != nil {
		p.opts.OnError(pair, pe)
	}
}

func (p *Processor) conflict(s *step) {
	s.log.Printf("conflict on %s", s.pair.Name())
	if p.opts.OnConflict != nil {
		p.opts.OnConflict(s.pair)
	}
}

// remoteInfo fetches the current description of ref. Concurrent lookups of
// the same ref share one call.
func (p *Processor) remoteInfo(ctx context.Context, ref string) (*remote.Info, error) {
	v, err, _ := p.infos.Do(ref, func() (any, error) {
		return p.remote.GetInfo(ctx, ref)
	})
	if err != nil {
		return nil, err
	}
	info := *v.(*remote.Info)
	return &info, nil
}

// synchronize marks pair synchronized. Losing the version race is not an
// error: the writer that won queued the pair again.
func (p *Processor) synchronize(ctx context.Context, s *step) error {
	ok, err := p.store.SynchronizeState(ctx, s.pair, s.pair.Version)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Printf("%s changed while processing, will be processed again", s.pair.Name())
		return nil
	}
	if s.pair.Folderish {
		return p.store.QueueChildren(ctx, s.pair)
	}
	return nil
}

// localDigest returns the current digest of the local file of pair,
// refreshing the stored one when it changed or was deferred.
func (p *Processor) localDigest(ctx context.Context, s *step) (state.Digest, error) {
	d, err := p.local.Digest(s.pair.LocalPath, p.opts.Algorithm)
	if err != nil {
		return state.Digest{}, err
	}
	if d != s.pair.LocalDigest {
		if err := p.store.SetLocalDigest(ctx, s.pair, d); err != nil {
			return state.Digest{}, err
		}
		s.pair.LocalDigest = d
	}
	return d, nil
}

// parentByLocal returns the pair of the local parent folder of pair.
func (p *Processor) parentByLocal(ctx context.Context, pair *state.DocPair) (*state.DocPair, error) {
	parent, err := p.store.GetStateFromLocal(ctx, pair.LocalParentPath)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, yield(ReasonParentMissing)
	}
	return parent, nil
}

// parentByRemote returns the pair of the remote parent folder of pair.
func (p *Processor) parentByRemote(ctx context.Context, pair *state.DocPair) (*state.DocPair, error) {
	parent, err := p.store.GetStateFromRemote(ctx, pair.RemoteParentRef)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, yield(ReasonParentMissing)
	}
	return parent, nil
}
