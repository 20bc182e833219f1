// Package watcher turns changes on both sides into state store mutations.
//
// # Local watcher
//
// Local walks the local tree breadth-first at startup, then follows OS
// notifications (fsnotify, registered on every folder since it is not
// recursive):
//
//	Create  -> insert, align with a remote-only pair, or finish a move
//	Write   -> local_state = modified (digest recomputed)
//	Remove  -> deferred for MoveDelay, then local_state = deleted
//	Rename  -> same as Remove; the Create of the new name completes the move
//
// A Remove followed within MoveDelay by a Create carrying the same remote
// ref (xattr or sidecar) becomes a single moved update. Writes performed by
// the engine itself are recognized through the localfs write guard and
// dropped.
//
// # Remote watcher
//
// Remote polls the change summary since the last acknowledged upper bound
// and applies one update per document. A full scan of the synchronization
// root runs on first start, when the server reports too many changes, and
// when the set of active roots changes. Folders whose listing failed are
// kept in ToRemoteScan and retried on the next poll.
//
// Neither watcher talks to processors: the store queues every pair that
// needs work after each committed mutation.
package watcher
