// Package queue dispatches pairs to processors.
//
// Four FIFO queues feed the workers: local folders, local files, remote
// folders and remote files. Each folder queue has a dedicated worker so that
// folders are handled one at a time, parents before children. File queues
// are shared by a pool of workers.
//
// Pairs whose processing failed wait in the error queue until their next
// try. The next try is computed from the error count of the pair, unless the
// failure asked for a fixed delay (locked file, parent not ready), in which
// case the pair is retried after that delay whatever its count.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/nxdrive/drivesync/internal/state"
)

// Kind identifies one of the four queues.
type Kind int

const (
	LocalFolder Kind = iota
	LocalFile
	RemoteFolder
	RemoteFile
)

var kindNames = [...]string{"local_folder", "local_file", "remote_folder", "remote_file"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// KindOf returns the queue a pair belongs to.
func KindOf(pair *state.DocPair) Kind {
	switch {
	case pair.PairState.IsLocal() && pair.Folderish:
		return LocalFolder
	case pair.PairState.IsLocal():
		return LocalFile
	case pair.Folderish:
		return RemoteFolder
	default:
		return RemoteFile
	}
}

// Item is a queued pair. Processors re-read the pair from the store; the
// state here is only the one observed at push time.
type Item struct {
	ID        int64
	Kind      Kind
	Folderish bool
	PairState state.PairState
	Path      string
}

func itemOf(pair *state.DocPair) Item {
	path := pair.LocalPath
	if path == "" {
		path = pair.RemoteName
	}
	return Item{
		ID:        pair.ID,
		Kind:      KindOf(pair),
		Folderish: pair.Folderish,
		PairState: pair.PairState,
		Path:      path,
	}
}

// Handler processes one item. worker identifies the calling worker; it is
// used as the processor lease id.
type Handler func(ctx context.Context, worker int, it Item) error

// Retryable is implemented by handler errors that drive the error queue.
type Retryable interface {
	// Attempts is the number of consecutive failures of the pair.
	Attempts() int
	// Delay is a fixed wait before the next try. A positive delay is
	// always honored, whatever the number of attempts.
	Delay() time.Duration
}

// ErrorEntry describes a pair waiting in the error queue.
type ErrorEntry struct {
	Item     Item
	NextTry  time.Time
	Attempts int
	Err      error
}

// Stats is a snapshot of the queues.
type Stats struct {
	Queued   map[Kind]int
	Errors   int
	InFlight int
	GivenUp  int
}

// Total returns the number of queued items.
func (s Stats) Total() int {
	n := 0
	for _, c := range s.Queued {
		n += c
	}
	return n
}

// Config holds configuration for the queue manager.
type Config struct {
	// FileWorkers is the size of the file processor pool.
	FileWorkers int

	// ErrorInterval is multiplied by the attempt count to schedule retries.
	ErrorInterval time.Duration

	// MaxErrors is the number of failures after which a pair is left alone.
	MaxErrors int

	// TickInterval is how often due error items are re-queued.
	TickInterval time.Duration

	// Gate, when set, is consulted on push; items it rejects are dropped.
	// The store re-emits them when their parent is synchronized.
	Gate func(pair *state.DocPair) bool

	// OnGiveUp is called when a pair exceeds MaxErrors.
	OnGiveUp func(it Item, err error)

	// Logger for queue activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FileWorkers:   5,
		ErrorInterval: time.Minute,
		MaxErrors:     3,
		TickInterval:  time.Second,
		Logger:        log.New(os.Stderr, "[queue] ", log.LstdFlags),
	}
}

// Manager owns the queues and the workers draining them.
type Manager struct {
	config *Config
	now    func() time.Time

	mu       sync.Mutex
	queues   [4][]Item
	queued   map[int64]Kind
	enabled  [4]bool
	errors   map[int64]*ErrorEntry
	givenUp  map[int64]*ErrorEntry
	inFlight map[int64]bool
	again    map[int64]Item
	changed  chan struct{}

	running bool
}

// New creates a queue manager. A nil config uses DefaultConfig.
func New(config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.FileWorkers <= 0 {
		config.FileWorkers = def.FileWorkers
	}
	if config.ErrorInterval <= 0 {
		config.ErrorInterval = def.ErrorInterval
	}
	if config.MaxErrors <= 0 {
		config.MaxErrors = def.MaxErrors
	}
	if config.TickInterval <= 0 {
		config.TickInterval = def.TickInterval
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	return &Manager{
		config:   config,
		now:      time.Now,
		queued:   make(map[int64]Kind),
		enabled:  [4]bool{true, true, true, true},
		errors:   make(map[int64]*ErrorEntry),
		givenUp:  make(map[int64]*ErrorEntry),
		inFlight: make(map[int64]bool),
		again:    make(map[int64]Item),
		changed:  make(chan struct{}),
	}
}

// Push queues pair if its state needs processing.
func (m *Manager) Push(pair *state.DocPair) {
	if pair == nil || !pair.PairState.IsQueueable() {
		return
	}
	if m.config.Gate != nil && !m.config.Gate(pair) {
		return
	}
	m.push(itemOf(pair))
}

// PushConflict queues a conflicted pair once so the processor can try to
// resolve it on its own.
func (m *Manager) PushConflict(pair *state.DocPair) {
	if pair == nil || pair.PairState != state.PairConflicted {
		return
	}
	it := itemOf(pair)
	if pair.Folderish {
		it.Kind = LocalFolder
	} else {
		it.Kind = LocalFile
	}
	m.push(it)
}

func (m *Manager) push(it Item) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A new change supersedes a pending retry.
	delete(m.errors, it.ID)
	delete(m.givenUp, it.ID)

	if m.inFlight[it.ID] {
		m.again[it.ID] = it
		return
	}
	if kind, ok := m.queued[it.ID]; ok {
		if kind == it.Kind {
			return
		}
		m.remove(kind, it.ID)
	}
	m.queues[it.Kind] = append(m.queues[it.Kind], it)
	m.queued[it.ID] = it.Kind
	m.signal()
}

// remove drops id from the queue of kind. Callers hold mu.
func (m *Manager) remove(kind Kind, id int64) {
	q := m.queues[kind]
	for i, it := range q {
		if it.ID == id {
			m.queues[kind] = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	delete(m.queued, id)
}

// signal wakes idle workers. Callers hold mu.
func (m *Manager) signal() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// PushError records a failed item. err may implement Retryable; plain
// errors count as one more attempt.
func (m *Manager) PushError(it Item, err error) {
	attempts, delay := 1, time.Duration(0)
	var r Retryable
	if errors.As(err, &r) {
		attempts, delay = r.Attempts(), r.Delay()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.errors[it.ID]; ok && r == nil {
		attempts = prev.Attempts + 1
	}

	entry := &ErrorEntry{Item: it, Attempts: attempts, Err: err}
	switch {
	case delay > 0:
		entry.NextTry = m.now().Add(delay)
	case attempts >= m.config.MaxErrors:
		m.givenUp[it.ID] = entry
		m.config.Logger.Printf("giving up on pair %d (%s) after %d error(s): %v", it.ID, it.Path, attempts, err)
		if m.config.OnGiveUp != nil {
			go m.config.OnGiveUp(it, err)
		}
		return
	default:
		entry.NextTry = m.now().Add(m.config.ErrorInterval * time.Duration(attempts))
	}
	m.errors[it.ID] = entry
}

// RetryDue moves the error items whose next try has passed back into
// their queues and returns how many were moved.
func (m *Manager) RetryDue() int {
	now := m.now()
	m.mu.Lock()
	var due []Item
	for id, e := range m.errors {
		if !e.NextTry.After(now) {
			due = append(due, e.Item)
			delete(m.errors, id)
		}
	}
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	for _, it := range due {
		m.push(it)
	}
	return len(due)
}

// Retry re-queues a pair that was given up or waits in the error queue.
func (m *Manager) Retry(pair *state.DocPair) {
	m.mu.Lock()
	delete(m.givenUp, pair.ID)
	delete(m.errors, pair.ID)
	m.mu.Unlock()
	if pair.PairState == state.PairConflicted {
		m.PushConflict(pair)
		return
	}
	m.Push(pair)
}

// Errors returns the pairs waiting for a retry, soonest first.
func (m *Manager) Errors() []ErrorEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ErrorEntry, 0, len(m.errors))
	for _, e := range m.errors {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextTry.Before(out[j].NextTry) })
	return out
}

// GivenUp returns the pairs that exceeded the error threshold.
func (m *Manager) GivenUp() []ErrorEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ErrorEntry, 0, len(m.givenUp))
	for _, e := range m.givenUp {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Item.ID < out[j].Item.ID })
	return out
}

// Enable switches dispatch of one queue on or off. Disabled queues keep
// their content.
func (m *Manager) Enable(kind Kind, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled[kind] = enabled
	if enabled {
		m.signal()
	}
}

// Suspend stops dispatch on every queue.
func (m *Manager) Suspend() {
	for k := LocalFolder; k <= RemoteFile; k++ {
		m.Enable(k, false)
	}
	m.config.Logger.Printf("suspended")
}

// Resume restarts dispatch on every queue.
func (m *Manager) Resume() {
	for k := LocalFolder; k <= RemoteFile; k++ {
		m.Enable(k, true)
	}
	m.config.Logger.Printf("resumed")
}

// Suspended reports whether every queue is disabled.
func (m *Manager) Suspended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, on := range m.enabled {
		if on {
			return false
		}
	}
	return true
}

// Size returns the number of queued items.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queued)
}

// Active reports whether anything is queued or being processed.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queued) > 0 || len(m.inFlight) > 0
}

// Stats returns a snapshot of the queues.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Queued:   make(map[Kind]int, 4),
		Errors:   len(m.errors),
		InFlight: len(m.inFlight),
		GivenUp:  len(m.givenUp),
	}
	for k := range m.queues {
		s.Queued[Kind(k)] = len(m.queues[k])
	}
	return s
}

// next pops the first item of the first enabled, non-empty queue in kinds.
// It returns a channel closed on the next change when nothing is available.
func (m *Manager) next(kinds []Kind) (Item, bool, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range kinds {
		if !m.enabled[k] {
			continue
		}
		for len(m.queues[k]) > 0 {
			it := m.queues[k][0]
			m.queues[k] = m.queues[k][1:]
			delete(m.queued, it.ID)
			if m.inFlight[it.ID] {
				m.again[it.ID] = it
				continue
			}
			m.inFlight[it.ID] = true
			return it, true, nil
		}
	}
	return Item{}, false, m.changed
}

func (m *Manager) handle(ctx context.Context, h Handler, worker int, it Item) {
	err := h(ctx, worker, it)

	m.mu.Lock()
	delete(m.inFlight, it.ID)
	again, requeue := m.again[it.ID]
	delete(m.again, it.ID)
	m.mu.Unlock()

	switch {
	case err != nil && ctx.Err() == nil:
		m.config.Logger.Printf("pair %d (%s) failed: %v", it.ID, it.Path, err)
		m.PushError(it, err)
	case err == nil:
		m.mu.Lock()
		delete(m.errors, it.ID)
		m.mu.Unlock()
	}
	if requeue {
		m.push(again)
	}
}
