// Package state defines the per-document pair model shared by every part of
// the synchronization engine.
//
// A DocPair tracks one document (file or folder) known on the local side, the
// remote side, or both. Each side carries its own state; the combination of
// the two is folded into a single PairState that tells the processor which
// reconciliation step is required next.
package state

import (
	"errors"
	"fmt"
)

// ErrUnknownPairState is returned when a (local, remote) combination has no
// entry in the pair state table.
var ErrUnknownPairState = errors.New("unknown pair state")

// LocalState is the state of the local side of a pair.
type LocalState string

const (
	LocalUnknown        LocalState = "unknown"
	LocalCreated        LocalState = "created"
	LocalModified       LocalState = "modified"
	LocalMoved          LocalState = "moved"
	LocalDeleted        LocalState = "deleted"
	LocalSynchronized   LocalState = "synchronized"
	LocalResolved       LocalState = "resolved"
	LocalUnsynchronized LocalState = "unsynchronized"
	LocalDirect         LocalState = "direct"
)

// RemoteState is the state of the remote side of a pair.
type RemoteState string

const (
	RemoteUnknown      RemoteState = "unknown"
	RemoteCreated      RemoteState = "created"
	RemoteModified     RemoteState = "modified"
	RemoteMoved        RemoteState = "moved"
	RemoteDeleted      RemoteState = "deleted"
	RemoteSynchronized RemoteState = "synchronized"
	RemoteTodo         RemoteState = "todo"
)

// PairState summarizes the next reconciliation step for a pair.
type PairState string

const (
	PairUnknown                      PairState = "unknown"
	PairSynchronized                 PairState = "synchronized"
	PairLocallyCreated               PairState = "locally_created"
	PairRemotelyCreated              PairState = "remotely_created"
	PairLocallyModified              PairState = "locally_modified"
	PairRemotelyModified             PairState = "remotely_modified"
	PairLocallyMoved                 PairState = "locally_moved"
	PairLocallyMovedCreated          PairState = "locally_moved_created"
	PairLocallyMovedRemotelyModified PairState = "locally_moved_remotely_modified"
	PairLocallyDeleted               PairState = "locally_deleted"
	PairRemotelyDeleted              PairState = "remotely_deleted"
	PairDeleted                      PairState = "deleted"
	PairConflicted                   PairState = "conflicted"
	PairLocallyResolved              PairState = "locally_resolved"
	PairUnsynchronized               PairState = "unsynchronized"
	PairDirectTransfer               PairState = "direct_transfer"
	PairUnknownDeleted               PairState = "unknown_deleted"
	PairDeletedUnknown               PairState = "deleted_unknown"

	// PairChildrenModified is a display-only projection for folders whose
	// descendants are pending. It is never stored.
	PairChildrenModified PairState = "children_modified"
)

type sides struct {
	local  LocalState
	remote RemoteState
}

// pairStates is the authoritative (local, remote) -> pair state table.
var pairStates = map[sides]PairState{
	// Regular cases
	{LocalUnknown, RemoteUnknown}:           PairUnknown,
	{LocalSynchronized, RemoteSynchronized}: PairSynchronized,
	{LocalCreated, RemoteUnknown}:           PairLocallyCreated,
	{LocalUnknown, RemoteCreated}:           PairRemotelyCreated,
	{LocalModified, RemoteSynchronized}:     PairLocallyModified,
	{LocalMoved, RemoteSynchronized}:        PairLocallyMoved,
	{LocalMoved, RemoteDeleted}:             PairLocallyMovedCreated,
	{LocalMoved, RemoteModified}:            PairLocallyMovedRemotelyModified,
	{LocalSynchronized, RemoteModified}:     PairRemotelyModified,
	{LocalSynchronized, RemoteMoved}:        PairRemotelyModified,
	{LocalModified, RemoteUnknown}:          PairLocallyModified,
	{LocalUnknown, RemoteModified}:          PairRemotelyModified,
	{LocalDeleted, RemoteSynchronized}:      PairLocallyDeleted,
	{LocalSynchronized, RemoteDeleted}:      PairRemotelyDeleted,
	{LocalDeleted, RemoteDeleted}:           PairDeleted,
	{LocalSynchronized, RemoteUnknown}:      PairSynchronized,

	// Conflicts with automatic resolution
	{LocalCreated, RemoteDeleted}:  PairLocallyCreated,
	{LocalDeleted, RemoteCreated}:  PairRemotelyCreated,
	{LocalModified, RemoteDeleted}: PairLocallyCreated,
	{LocalDeleted, RemoteModified}: PairRemotelyCreated,

	// Frozen pairs
	{LocalUnsynchronized, RemoteUnknown}:      PairUnsynchronized,
	{LocalUnsynchronized, RemoteCreated}:      PairUnsynchronized,
	{LocalUnsynchronized, RemoteModified}:     PairUnsynchronized,
	{LocalUnsynchronized, RemoteSynchronized}: PairUnsynchronized,
	{LocalUnsynchronized, RemoteDeleted}:      PairRemotelyDeleted,

	// Conflicts requiring a decision
	{LocalModified, RemoteModified}: PairConflicted,
	{LocalCreated, RemoteCreated}:   PairConflicted,
	{LocalCreated, RemoteModified}:  PairConflicted,
	{LocalMoved, RemoteUnknown}:     PairConflicted,
	{LocalMoved, RemoteMoved}:       PairConflicted,
	{LocalMoved, RemoteCreated}:     PairConflicted,
	{LocalModified, RemoteMoved}:    PairConflicted,

	// Conflicts resolved by the user in favor of the local side
	{LocalResolved, RemoteUnknown}:      PairLocallyResolved,
	{LocalResolved, RemoteSynchronized}: PairLocallyResolved,
	{LocalResolved, RemoteModified}:     PairLocallyResolved,

	// Inconsistent cases, the pair is simply dropped
	{LocalUnknown, RemoteDeleted}: PairUnknownDeleted,
	{LocalDeleted, RemoteUnknown}: PairDeletedUnknown,

	// Direct Transfer
	{LocalDirect, RemoteTodo}: PairDirectTransfer,
}

// PairStateFor returns the pair state for the given side states.
func PairStateFor(local LocalState, remote RemoteState) (PairState, error) {
	ps, ok := pairStates[sides{local, remote}]
	if !ok {
		return "", fmt.Errorf("%w: (%s, %s)", ErrUnknownPairState, local, remote)
	}
	return ps, nil
}

// IsQueueable reports whether pairs in this state may be handed to a processor.
func (p PairState) IsQueueable() bool {
	switch p {
	case PairSynchronized, PairConflicted, PairUnsynchronized, PairUnknown:
		return false
	default:
		return true
	}
}

// IsLocal reports whether the next step is driven by a local change.
func (p PairState) IsLocal() bool {
	switch p {
	case PairLocallyCreated, PairLocallyModified, PairLocallyMoved,
		PairLocallyMovedCreated, PairLocallyMovedRemotelyModified,
		PairLocallyDeleted, PairLocallyResolved, PairDirectTransfer,
		PairDeleted, PairUnknownDeleted, PairDeletedUnknown:
		return true
	default:
		return false
	}
}

// IsCreation reports whether the pair still waits for its first counterpart.
func (p PairState) IsCreation() bool {
	return p == PairLocallyCreated || p == PairRemotelyCreated
}
