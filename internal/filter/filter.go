// Package filter keeps the remote subtrees excluded from synchronization.
//
// Filters are remote ref paths ending with "/". A path is filtered when one
// of the filters is a prefix of it (with its own trailing slash). The set is
// persisted by the state store and cached here so the watchers can prune
// their output without a database round trip per item.
package filter

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/nxdrive/drivesync/internal/state"
)

// Store is the persistence the filter engine relies on.
type Store interface {
	GetFilters(ctx context.Context) ([]string, error)
	AddFilter(ctx context.Context, refPath string) (*state.DocPair, error)
	RemoveFilter(ctx context.Context, refPath string) error
}

// Pusher queues pairs affected by a new filter.
type Pusher interface {
	Push(pair *state.DocPair)
}

// Engine is the filter cache of one engine.
type Engine struct {
	store  Store
	queue  Pusher
	logger *log.Logger

	mu      sync.RWMutex
	filters []string
}

// New loads the persisted filters.
func New(ctx context.Context, store Store, queue Pusher, logger *log.Logger) (*Engine, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[filter] ", log.LstdFlags)
	}
	e := &Engine{store: store, queue: queue, logger: logger}
	if err := e.Reload(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload refreshes the cache from the store.
func (e *Engine) Reload(ctx context.Context) error {
	filters, err := e.store.GetFilters(ctx)
	if err != nil {
		return fmt.Errorf("failed to load filters: %w", err)
	}
	sort.Strings(filters)
	e.mu.Lock()
	e.filters = filters
	e.mu.Unlock()
	return nil
}

// Add excludes the subtree at refPath. Filters below it are coalesced and
// the folder pair, when known, is queued so its local copy gets removed.
func (e *Engine) Add(ctx context.Context, refPath string) error {
	refPath = normalize(refPath)
	if refPath == "" {
		return fmt.Errorf("cannot filter the root")
	}
	if e.IsFiltered(refPath) {
		e.logger.Printf("%s already covered by a filter", refPath)
		return nil
	}

	folder, err := e.store.AddFilter(ctx, refPath)
	if err != nil {
		return fmt.Errorf("failed to add filter %s: %w", refPath, err)
	}
	if err := e.Reload(ctx); err != nil {
		return err
	}
	e.logger.Printf("filtered %s", refPath)
	if folder != nil && e.queue != nil && folder.PairState.IsQueueable() {
		e.queue.Push(folder)
	}
	return nil
}

// Remove re-includes the subtree at refPath. The store schedules a remote
// scan so the subtree is pulled again.
func (e *Engine) Remove(ctx context.Context, refPath string) error {
	refPath = normalize(refPath)
	if err := e.store.RemoveFilter(ctx, refPath); err != nil {
		return fmt.Errorf("failed to remove filter %s: %w", refPath, err)
	}
	if err := e.Reload(ctx); err != nil {
		return err
	}
	e.logger.Printf("unfiltered %s", refPath)
	return nil
}

// IsFiltered reports whether refPath lies in an excluded subtree.
func (e *Engine) IsFiltered(refPath string) bool {
	p := withSlash(normalize(refPath))
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, f := range e.filters {
		if strings.HasPrefix(p, f) {
			return true
		}
	}
	return false
}

// IsPairFiltered reports whether the remote side of a pair is excluded.
func (e *Engine) IsPairFiltered(pair *state.DocPair) bool {
	if pair == nil || pair.RemoteRef == "" {
		return false
	}
	return e.IsFiltered(pair.RemotePath())
}

// List returns the active filters, sorted.
func (e *Engine) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.filters...)
}

func normalize(p string) string {
	p = strings.TrimSpace(p)
	return strings.TrimSuffix(p, "/")
}

func withSlash(p string) string {
	return p + "/"
}
