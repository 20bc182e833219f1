package engine

import (
	"context"
	"sort"
	"time"

	"github.com/nxdrive/drivesync/internal/state"
)

// Item is a pair as shown to the user.
type Item struct {
	ID         int64           `json:"id" yaml:"id"`
	Path       string          `json:"path" yaml:"path"`
	RemoteRef  string          `json:"remote_ref,omitempty" yaml:"remote_ref,omitempty"`
	PairState  state.PairState `json:"pair_state" yaml:"pair_state"`
	Error      string          `json:"error,omitempty" yaml:"error,omitempty"`
	ErrorCount int             `json:"error_count,omitempty" yaml:"error_count,omitempty"`
	Details    string          `json:"details,omitempty" yaml:"details,omitempty"`
}

func itemOf(p *state.DocPair) Item {
	return Item{
		ID:         p.ID,
		Path:       p.LocalPath,
		RemoteRef:  p.RemoteRef,
		PairState:  p.PairState,
		Error:      p.LastError,
		ErrorCount: p.ErrorCount,
		Details:    p.LastErrorDetails,
	}
}

func itemsOf(pairs []*state.DocPair) []Item {
	out := make([]Item, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, itemOf(p))
	}
	return out
}

// TransferItem is an upload or download in progress.
type TransferItem struct {
	Kind           state.TransferKind `json:"kind" yaml:"kind"`
	state.Transfer `yaml:",inline"`
}

// Status is a point-in-time report of an engine. ChildrenModified lists
// the folders with pending work below them.
type Status struct {
	Binding          `yaml:",inline"`
	State            string                  `json:"state" yaml:"state"`
	SuspendedUntil   *time.Time              `json:"suspended_until,omitempty" yaml:"suspended_until,omitempty"`
	Pairs            map[state.PairState]int `json:"pairs" yaml:"pairs"`
	Queued           int                     `json:"queued" yaml:"queued"`
	InFlight         int                     `json:"in_flight" yaml:"in_flight"`
	Conflicts        []Item                  `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
	Errors           []Item                  `json:"errors,omitempty" yaml:"errors,omitempty"`
	Unsynchronized   []Item                  `json:"unsynchronized,omitempty" yaml:"unsynchronized,omitempty"`
	ChildrenModified []string                `json:"children_modified,omitempty" yaml:"children_modified,omitempty"`
	Transfers        []TransferItem          `json:"transfers,omitempty" yaml:"transfers,omitempty"`
	Sessions         []*state.Session        `json:"sessions,omitempty" yaml:"sessions,omitempty"`
	Filters          []string                `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// Status reports the engine state, pair counts and everything waiting for
// work or for the user.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	st := &Status{Binding: e.binding, State: e.State(), Filters: e.filters.List()}
	if until, ok, err := e.SuspendedUntil(ctx); err != nil {
		return nil, err
	} else if ok && !until.IsZero() {
		st.SuspendedUntil = &until
	}

	var err error
	if st.Pairs, err = e.store.CountByPairState(ctx); err != nil {
		return nil, err
	}
	stats := e.queue.Stats()
	st.Queued, st.InFlight = stats.Total(), stats.InFlight

	conflicts, err := e.store.GetConflicts(ctx)
	if err != nil {
		return nil, err
	}
	errs, err := e.store.GetErrors(ctx, 1)
	if err != nil {
		return nil, err
	}
	frozen, err := e.store.GetUnsynchronized(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := e.store.GetStatesToProcess(ctx)
	if err != nil {
		return nil, err
	}
	st.Conflicts, st.Errors, st.Unsynchronized = itemsOf(conflicts), itemsOf(errs), itemsOf(frozen)
	st.ChildrenModified = childrenModified(pending, conflicts, errs, frozen)

	uploads, err := e.store.ListUploads(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, u := range uploads {
		if u.Status != state.TransferDone {
			st.Transfers = append(st.Transfers, TransferItem{Kind: state.TransferUpload, Transfer: u.Transfer})
		}
	}
	downloads, err := e.store.ListDownloads(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, d := range downloads {
		if d.Status != state.TransferDone {
			st.Transfers = append(st.Transfers, TransferItem{Kind: state.TransferDownload, Transfer: d.Transfer})
		}
	}

	if st.Sessions, err = e.store.ListSessions(ctx, false); err != nil {
		return nil, err
	}
	return st, nil
}

// childrenModified returns the folders above the given pairs, the root
// excluded. Direct transfers live outside the local folder and are skipped.
func childrenModified(groups ...[]*state.DocPair) []string {
	seen := make(map[string]bool)
	for _, pairs := range groups {
		for _, p := range pairs {
			if p.LocalState == state.LocalDirect || p.LocalPath == "" {
				continue
			}
			for dir := state.ParentPath(p.LocalPath); dir != "" && dir != "/"; dir = state.ParentPath(dir) {
				if seen[dir] {
					break
				}
				seen[dir] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for dir := range seen {
		out = append(out, dir)
	}
	sort.Strings(out)
	return out
}
