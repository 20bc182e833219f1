package dao

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/nxdrive/drivesync/internal/localfs"
	"github.com/nxdrive/drivesync/internal/remote"
	"github.com/nxdrive/drivesync/internal/state"
)

const pairColumns = `id, local_path, local_parent_path, local_name,
	local_digest, local_digest_algorithm, last_local_updated, local_state,
	remote_ref, remote_parent_ref, remote_parent_path, remote_name,
	remote_digest, remote_digest_algorithm, last_remote_updated, remote_state,
	folderish, size, pair_state,
	remote_can_rename, remote_can_delete, remote_can_update, remote_can_create_child,
	error_count, last_error, last_error_details, last_sync_error_date, last_sync_date,
	processor, version, last_transfer, session`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPair(row rowScanner) (*state.DocPair, error) {
	var (
		p                                           state.DocPair
		localPath, localParent, localName           sql.NullString
		localDigest, localAlgo, lastLocal           sql.NullString
		remoteRef, remoteParentRef, remoteParentPth sql.NullString
		remoteName, remoteDigest, remoteAlgo        sql.NullString
		lastRemote, lastError, lastErrorDetails     sql.NullString
		lastErrorDate, lastSync, lastTransfer       sql.NullString
		localState, remoteState, pairState          string
	)
	err := row.Scan(
		&p.ID, &localPath, &localParent, &localName,
		&localDigest, &localAlgo, &lastLocal, &localState,
		&remoteRef, &remoteParentRef, &remoteParentPth, &remoteName,
		&remoteDigest, &remoteAlgo, &lastRemote, &remoteState,
		&p.Folderish, &p.Size, &pairState,
		&p.RemoteCanRename, &p.RemoteCanDelete, &p.RemoteCanUpdate, &p.RemoteCanCreateChild,
		&p.ErrorCount, &lastError, &lastErrorDetails, &lastErrorDate, &lastSync,
		&p.Processor, &p.Version, &lastTransfer, &p.Session,
	)
	if err != nil {
		return nil, err
	}

	p.LocalPath = localPath.String
	p.LocalParentPath = localParent.String
	p.LocalName = localName.String
	p.LocalDigest = state.Digest{Algorithm: localAlgo.String, Value: localDigest.String}
	p.LastLocalUpdated = parseTime(lastLocal)
	p.LocalState = state.LocalState(localState)
	p.RemoteRef = remoteRef.String
	p.RemoteParentRef = remoteParentRef.String
	p.RemoteParentPath = remoteParentPth.String
	p.RemoteName = remoteName.String
	p.RemoteDigest = state.Digest{Algorithm: remoteAlgo.String, Value: remoteDigest.String}
	p.LastRemoteUpdated = parseTime(lastRemote)
	p.RemoteState = state.RemoteState(remoteState)
	p.PairState = state.PairState(pairState)
	p.LastError = lastError.String
	p.LastErrorDetails = lastErrorDetails.String
	p.LastSyncErrorDate = parseTime(lastErrorDate)
	p.LastSyncDate = parseTime(lastSync)
	p.LastTransfer = state.TransferKind(lastTransfer.String)
	return &p, nil
}

func scanPairs(rows *sql.Rows) ([]*state.DocPair, error) {
	defer rows.Close()
	var pairs []*state.DocPair
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pairs: %w", err)
	}
	return pairs, nil
}

// queryOne returns nil, nil when no row matches.
func (s *Store) queryOne(ctx context.Context, where string, args ...any) (*state.DocPair, error) {
	row := s.ro.QueryRowContext(ctx, `SELECT `+pairColumns+` FROM States WHERE `+where+` LIMIT 1`, args...)
	p, err := scanPair(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pair: %w", err)
	}
	return p, nil
}

func (s *Store) queryMany(ctx context.Context, where string, args ...any) ([]*state.DocPair, error) {
	rows, err := s.ro.QueryContext(ctx, `SELECT `+pairColumns+` FROM States WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pairs: %w", err)
	}
	return scanPairs(rows)
}

func txQueryMany(ctx context.Context, tx *sql.Tx, where string, args ...any) ([]*state.DocPair, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+pairColumns+` FROM States WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pairs: %w", err)
	}
	return scanPairs(rows)
}

func txQueryOne(ctx context.Context, tx *sql.Tx, where string, args ...any) (*state.DocPair, error) {
	p, err := scanPair(tx.QueryRowContext(ctx, `SELECT `+pairColumns+` FROM States WHERE `+where+` LIMIT 1`, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pair: %w", err)
	}
	return p, nil
}

// --- lookups ---

// GetStateFromID returns the pair with the given id, or nil.
func (s *Store) GetStateFromID(ctx context.Context, id int64) (*state.DocPair, error) {
	return s.queryOne(ctx, "id = ?", id)
}

// GetStateFromLocal returns the pair at a local path, or nil.
func (s *Store) GetStateFromLocal(ctx context.Context, path string) (*state.DocPair, error) {
	return s.queryOne(ctx, "local_path = ?", state.NormalizePath(path))
}

// GetStateFromRemote returns the pair bound to a remote ref, or nil.
func (s *Store) GetStateFromRemote(ctx context.Context, ref string) (*state.DocPair, error) {
	return s.queryOne(ctx, "remote_ref = ?", ref)
}

// GetStateFromRemotePath returns the pair whose ref path is path, or nil.
func (s *Store) GetStateFromRemotePath(ctx context.Context, path string) (*state.DocPair, error) {
	path = trimSlash(path)
	return s.queryOne(ctx, "remote_ref IS NOT NULL AND coalesce(remote_parent_path, '') || '/' || remote_ref = ?", path)
}

// GetLocalChildren returns the pairs whose local parent is path.
func (s *Store) GetLocalChildren(ctx context.Context, path string) ([]*state.DocPair, error) {
	return s.queryMany(ctx, "local_parent_path = ? ORDER BY local_name", state.NormalizePath(path))
}

// GetRemoteChildren returns the pairs whose remote parent is ref.
func (s *Store) GetRemoteChildren(ctx context.Context, ref string) ([]*state.DocPair, error) {
	return s.queryMany(ctx, "remote_parent_ref = ? ORDER BY remote_name", ref)
}

// GetStatesToProcess returns every pair needing a processor, folders first.
func (s *Store) GetStatesToProcess(ctx context.Context) ([]*state.DocPair, error) {
	return s.queryMany(ctx, `pair_state NOT IN ('synchronized', 'unsynchronized', 'conflicted', 'unknown')
		ORDER BY folderish DESC, id`)
}

// GetConflicts returns pairs waiting for a user decision.
func (s *Store) GetConflicts(ctx context.Context) ([]*state.DocPair, error) {
	return s.queryMany(ctx, "pair_state = 'conflicted' ORDER BY last_remote_updated")
}

// GetErrors returns pairs with at least threshold errors.
func (s *Store) GetErrors(ctx context.Context, threshold int) ([]*state.DocPair, error) {
	return s.queryMany(ctx, "error_count >= ? AND pair_state != 'synchronized' ORDER BY last_sync_error_date", threshold)
}

// GetUnsynchronized returns pairs frozen until user action.
func (s *Store) GetUnsynchronized(ctx context.Context) ([]*state.DocPair, error) {
	return s.queryMany(ctx, "pair_state = 'unsynchronized' ORDER BY local_path")
}

// GetLocalDescendants returns every pair strictly below a local folder.
func (s *Store) GetLocalDescendants(ctx context.Context, path string) ([]*state.DocPair, error) {
	path = state.NormalizePath(path)
	return s.queryMany(ctx, `(local_parent_path = ? OR local_parent_path LIKE ? ESCAPE '\') ORDER BY local_path`,
		path, likePrefix(path))
}

// GetRemoteDescendants returns every pair strictly below a remote ref path.
func (s *Store) GetRemoteDescendants(ctx context.Context, path string) ([]*state.DocPair, error) {
	path = trimSlash(path)
	return s.queryMany(ctx, `(remote_parent_path = ? OR remote_parent_path LIKE ? ESCAPE '\') ORDER BY remote_parent_path`,
		path, likePrefix(path))
}

// CountByPairState returns the number of pairs per pair_state.
func (s *Store) CountByPairState(ctx context.Context) (map[state.PairState]int, error) {
	rows, err := s.ro.QueryContext(ctx, `SELECT pair_state, COUNT(*) FROM States GROUP BY pair_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count pairs: %w", err)
	}
	defer rows.Close()

	out := make(map[state.PairState]int)
	for rows.Next() {
		var ps string
		var n int
		if err := rows.Scan(&ps, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		out[state.PairState(ps)] = n
	}
	return out, rows.Err()
}

// AlignSide selects which kind of unpaired row FindAlignment looks for.
type AlignSide int

const (
	// AlignLocal finds a local-only pair, to match a remote creation.
	AlignLocal AlignSide = iota
	// AlignRemote finds a remote-only pair, to match a local creation.
	AlignRemote
)

// AlignQuery describes the document to align.
type AlignQuery struct {
	Side       AlignSide
	ParentPath string
	Name       string
	Folderish  bool
	Digest     state.Digest
}

// FindAlignment looks for an unpaired row matching the query. An exact
// (parent, name, folderish, digest) match is preferred; the digest is dropped
// from the match when it cannot be compared.
func (s *Store) FindAlignment(ctx context.Context, q AlignQuery) (*state.DocPair, error) {
	var base string
	switch q.Side {
	case AlignLocal:
		base = `remote_ref IS NULL AND local_state = 'created' AND local_parent_path = ? AND local_name = ? AND folderish = ?`
	case AlignRemote:
		base = `local_state = 'unknown' AND remote_state = 'created' AND local_parent_path = ? AND remote_name = ? AND folderish = ?`
	default:
		return nil, fmt.Errorf("invalid alignment side %d", q.Side)
	}
	args := []any{state.NormalizePath(q.ParentPath), q.Name, boolInt(q.Folderish)}

	candidates, err := s.queryMany(ctx, base+" ORDER BY id", args...)
	if err != nil || len(candidates) == 0 {
		return nil, err
	}
	if q.Folderish {
		return candidates[0], nil
	}

	var relaxed *state.DocPair
	for _, c := range candidates {
		other := c.LocalDigest
		if q.Side == AlignRemote {
			other = c.RemoteDigest
		}
		if q.Digest.Equal(other) {
			return c, nil
		}
		if relaxed == nil && (q.Digest.IsZero() || q.Digest.IsDeferred() || other.IsZero() || other.IsDeferred()) {
			relaxed = c
		}
	}
	return relaxed, nil
}

// --- inserts ---

// InsertLocalState records a new local document found under parentPath.
// The pair is queued unless its parent is itself still waiting for its first
// synchronization; the parent's processor re-queues children afterwards.
func (s *Store) InsertLocalState(ctx context.Context, info *localfs.FileInfo, parentPath string) (int64, error) {
	ps, err := state.PairStateFor(state.LocalCreated, state.RemoteUnknown)
	if err != nil {
		return 0, err
	}
	parentPath = state.NormalizePath(parentPath)

	var id int64
	var parentPending bool
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO States (
				last_local_updated, local_digest, local_digest_algorithm,
				local_path, local_parent_path, local_name, folderish, size,
				local_state, remote_state, pair_state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			formatTime(info.LastModified), nullString(info.Digest.Value), nullString(info.Digest.Algorithm),
			state.NormalizePath(info.Path), parentPath, info.Name, boolInt(info.Folderish), info.Size,
			state.LocalCreated, state.RemoteUnknown, ps)
		if err != nil {
			return fmt.Errorf("failed to insert local state %s: %w", info.Path, err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read inserted id: %w", err)
		}

		parent, err := txQueryOne(ctx, tx, "local_path = ?", parentPath)
		if err != nil {
			return err
		}
		parentPending = parent != nil && parent.PairState.IsCreation()
		return nil
	})
	if err != nil {
		return 0, err
	}

	if !parentPending {
		p, err := s.GetStateFromID(ctx, id)
		if err != nil {
			return id, err
		}
		s.push(p)
	}
	return id, nil
}

// InsertRemoteState records a new remote document. localPath is where the
// document is expected to be created locally.
func (s *Store) InsertRemoteState(ctx context.Context, info *remote.Info, remoteParentPath, localPath, localParentPath string) (int64, error) {
	ps, err := state.PairStateFor(state.LocalUnknown, state.RemoteCreated)
	if err != nil {
		return 0, err
	}
	localParentPath = state.NormalizePath(localParentPath)

	var id int64
	var parentPending bool
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO States (
				remote_ref, remote_parent_ref, remote_parent_path, remote_name,
				last_remote_updated, remote_digest, remote_digest_algorithm,
				local_path, local_parent_path, folderish, size,
				remote_can_rename, remote_can_delete, remote_can_update, remote_can_create_child,
				local_state, remote_state, pair_state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			info.UID, nullString(info.ParentUID), nullString(trimSlash(remoteParentPath)), info.Name,
			formatTime(info.LastModified), nullString(info.Digest.Value), nullString(info.Digest.Algorithm),
			nullString(state.NormalizePath(localPath)), nullString(localParentPath), boolInt(info.Folderish), info.Size,
			boolInt(info.CanRename), boolInt(info.CanDelete), boolInt(info.CanUpdate), boolInt(info.CanCreateChild),
			state.LocalUnknown, state.RemoteCreated, ps)
		if err != nil {
			return fmt.Errorf("failed to insert remote state %s: %w", info.UID, err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read inserted id: %w", err)
		}

		parent, err := txQueryOne(ctx, tx, "remote_ref = ?", info.ParentUID)
		if err != nil {
			return err
		}
		parentPending = parent != nil && parent.PairState.IsCreation()
		return nil
	})
	if err != nil {
		return 0, err
	}

	if !parentPending {
		p, err := s.GetStateFromID(ctx, id)
		if err != nil {
			return id, err
		}
		s.push(p)
	}
	return id, nil
}

// InsertRootState creates the pair binding the local root to the remote
// synchronization root. It is a no-op returning the existing pair when one
// is already bound to info.
func (s *Store) InsertRootState(ctx context.Context, local *localfs.FileInfo, info *remote.Info) (*state.DocPair, error) {
	existing, err := s.GetStateFromLocal(ctx, "/")
	if err != nil || existing != nil {
		return existing, err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO States (
				local_path, local_parent_path, local_name, last_local_updated,
				remote_ref, remote_name, last_remote_updated, folderish,
				remote_can_rename, remote_can_delete, remote_can_update, remote_can_create_child,
				local_state, remote_state, pair_state, last_sync_date)
			VALUES ('/', '', ?, ?, ?, ?, ?, 1, 0, 0, ?, ?, 'synchronized', 'synchronized', 'synchronized', ?)`,
			local.Name, formatTime(local.LastModified),
			info.UID, info.Name, formatTime(info.LastModified),
			boolInt(info.CanUpdate), boolInt(info.CanCreateChild), formatTime(time.Now()))
		if err != nil {
			return fmt.Errorf("failed to insert root pair: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetStateFromLocal(ctx, "/")
}

// InsertDirectTransfer records a local path to upload into a session.
// Paths of direct transfers are absolute OS paths outside the local root.
func (s *Store) InsertDirectTransfer(ctx context.Context, absPath string, folderish bool, size int64, sessionUID int64, remoteParentRef, remoteParentPath string) (int64, error) {
	ps, err := state.PairStateFor(state.LocalDirect, state.RemoteTodo)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO States (
				local_path, local_parent_path, local_name, folderish, size,
				remote_parent_ref, remote_parent_path,
				local_state, remote_state, pair_state, session)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			absPath, directParent(absPath), directName(absPath), boolInt(folderish), size,
			nullString(remoteParentRef), nullString(trimSlash(remoteParentPath)),
			state.LocalDirect, state.RemoteTodo, ps, sessionUID)
		if err != nil {
			return fmt.Errorf("failed to insert direct transfer %s: %w", absPath, err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	p, err := s.GetStateFromID(ctx, id)
	if err != nil {
		return id, err
	}
	s.push(p)
	return id, nil
}

// SetDirectTransferParent points the direct transfer children of a local
// folder to the remote folder created for it.
func (s *Store) SetDirectTransferParent(ctx context.Context, absParent, ref, refPath string) error {
	var children []*state.DocPair
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE States SET remote_parent_ref = ?, remote_parent_path = ?, version = version + 1
			 WHERE local_parent_path = ? AND local_state = 'direct'`,
			ref, trimSlash(refPath), absParent); err != nil {
			return fmt.Errorf("failed to update direct transfer parent: %w", err)
		}
		var err error
		children, err = txQueryMany(ctx, tx, "local_parent_path = ? AND local_state = 'direct'", absParent)
		return err
	})
	if err != nil {
		return err
	}
	s.push(children...)
	return nil
}

// --- updates ---

// UpdateLocalState writes the local side of pair from info, keeping the
// caller-set pair.LocalState. The pair is updated in place.
func (s *Store) UpdateLocalState(ctx context.Context, pair *state.DocPair, info *localfs.FileInfo, versioned bool) error {
	ps, err := state.PairStateFor(pair.LocalState, pair.RemoteState)
	if err != nil {
		return err
	}

	digest := pair.LocalDigest
	if !info.Digest.IsZero() {
		digest = info.Digest
	}
	path := state.NormalizePath(info.Path)
	inc := boolInt(versioned)

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE States SET
				last_local_updated = ?, local_digest = ?, local_digest_algorithm = ?,
				local_path = ?, local_parent_path = ?, local_name = ?,
				folderish = ?, size = ?, local_state = ?, pair_state = ?,
				version = version + ?
			WHERE id = ?`,
			formatTime(info.LastModified), nullString(digest.Value), nullString(digest.Algorithm),
			path, state.ParentPath(path), info.Name,
			boolInt(info.Folderish), info.Size, pair.LocalState, ps,
			inc, pair.ID)
		if err != nil {
			return fmt.Errorf("failed to update local state of %d: %w", pair.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	pair.LastLocalUpdated = info.LastModified
	pair.LocalDigest = digest
	pair.LocalPath = path
	pair.LocalParentPath = state.ParentPath(path)
	pair.LocalName = info.Name
	pair.Folderish = info.Folderish
	pair.Size = info.Size
	pair.PairState = ps
	pair.Version += inc
	s.push(pair)
	return nil
}

// SetLocalDigest stores a digest computed after the fact (deferred digests).
func (s *Store) SetLocalDigest(ctx context.Context, pair *state.DocPair, d state.Digest) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE States SET local_digest = ?, local_digest_algorithm = ?, version = version + 1 WHERE id = ?`,
			nullString(d.Value), nullString(d.Algorithm), pair.ID); err != nil {
			return fmt.Errorf("failed to update local digest of %d: %w", pair.ID, err)
		}
		pair.LocalDigest = d
		pair.Version++
		return nil
	})
}

// RemoteUpdate tunes UpdateRemoteState.
type RemoteUpdate struct {
	// RemoteParentPath is the new ref path of the parent; empty keeps it.
	RemoteParentPath string
	// Force writes even when nothing material changed.
	Force bool
	// NoDigest keeps the stored remote digest.
	NoDigest bool
	// Versioned bumps the pair version.
	Versioned bool
}

// UpdateRemoteState writes the remote side of pair from info, keeping the
// caller-set pair.RemoteState. It reports whether a write happened.
func (s *Store) UpdateRemoteState(ctx context.Context, pair *state.DocPair, info *remote.Info, opts RemoteUpdate) (bool, error) {
	parentPath := pair.RemoteParentPath
	if opts.RemoteParentPath != "" {
		parentPath = trimSlash(opts.RemoteParentPath)
	}
	digest := pair.RemoteDigest
	if !opts.NoDigest {
		digest = info.Digest
	}

	if !opts.Force && pair.RemoteRef == info.UID &&
		pair.RemoteParentRef == info.ParentUID &&
		pair.RemoteParentPath == parentPath &&
		pair.RemoteName == info.Name &&
		pair.RemoteDigest == digest &&
		pair.LastRemoteUpdated.Equal(info.LastModified) &&
		pair.RemoteCanRename == info.CanRename &&
		pair.RemoteCanDelete == info.CanDelete &&
		pair.RemoteCanUpdate == info.CanUpdate &&
		pair.RemoteCanCreateChild == info.CanCreateChild {
		return false, nil
	}

	remoteState := pair.RemoteState
	// A renamed remote folder whose local name still differs must be
	// renamed locally.
	if pair.Folderish && pair.LocalName != "" && pair.LocalName != info.Name &&
		pair.RemoteState == state.RemoteSynchronized &&
		pair.PairState != state.PairConflicted && pair.PairState != state.PairRemotelyCreated &&
		pair.LocalPath != "/" {
		remoteState = state.RemoteModified
	}

	ps, err := state.PairStateFor(pair.LocalState, remoteState)
	if err != nil {
		return false, err
	}
	inc := boolInt(opts.Versioned)

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE States SET
				remote_ref = ?, remote_parent_ref = ?, remote_parent_path = ?, remote_name = ?,
				last_remote_updated = ?, remote_digest = ?, remote_digest_algorithm = ?,
				folderish = ?, remote_can_rename = ?, remote_can_delete = ?,
				remote_can_update = ?, remote_can_create_child = ?,
				remote_state = ?, pair_state = ?, version = version + ?
			WHERE id = ?`,
			info.UID, nullString(info.ParentUID), nullString(parentPath), info.Name,
			formatTime(info.LastModified), nullString(digest.Value), nullString(digest.Algorithm),
			boolInt(info.Folderish), boolInt(info.CanRename), boolInt(info.CanDelete),
			boolInt(info.CanUpdate), boolInt(info.CanCreateChild),
			remoteState, ps, inc, pair.ID)
		if err != nil {
			return fmt.Errorf("failed to update remote state of %d: %w", pair.ID, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	pair.RemoteRef = info.UID
	pair.RemoteParentRef = info.ParentUID
	pair.RemoteParentPath = parentPath
	pair.RemoteName = info.Name
	pair.LastRemoteUpdated = info.LastModified
	pair.RemoteDigest = digest
	pair.Folderish = info.Folderish
	pair.RemoteCanRename = info.CanRename
	pair.RemoteCanDelete = info.CanDelete
	pair.RemoteCanUpdate = info.CanUpdate
	pair.RemoteCanCreateChild = info.CanCreateChild
	pair.RemoteState = remoteState
	pair.PairState = ps
	pair.Version += inc
	s.push(pair)
	return true, nil
}

// setStates writes both side states of pair, bumping its version.
func (s *Store) setStates(ctx context.Context, pair *state.DocPair, local state.LocalState, remoteSt state.RemoteState, queue bool) error {
	ps, err := state.PairStateFor(local, remoteSt)
	if err != nil {
		return err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE States SET local_state = ?, remote_state = ?, pair_state = ?, version = version + 1 WHERE id = ?`,
			local, remoteSt, ps, pair.ID)
		if err != nil {
			return fmt.Errorf("failed to update states of %d: %w", pair.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	pair.LocalState = local
	pair.RemoteState = remoteSt
	pair.PairState = ps
	pair.Version++
	if queue {
		s.push(pair)
	}
	return nil
}

// SetLocalState changes the local state of pair and queues it.
func (s *Store) SetLocalState(ctx context.Context, pair *state.DocPair, local state.LocalState) error {
	return s.setStates(ctx, pair, local, pair.RemoteState, true)
}

// SetRemoteState changes the remote state of pair and queues it.
func (s *Store) SetRemoteState(ctx context.Context, pair *state.DocPair, remoteSt state.RemoteState) error {
	return s.setStates(ctx, pair, pair.LocalState, remoteSt, true)
}

// SynchronizeState marks both sides synchronized if pair is still at
// version. It returns false when another writer updated the pair first.
func (s *Store) SynchronizeState(ctx context.Context, pair *state.DocPair, version int) (bool, error) {
	now := time.Now().UTC()
	var updated bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE States SET
				local_state = 'synchronized', remote_state = 'synchronized', pair_state = 'synchronized',
				local_digest = ?, local_digest_algorithm = ?,
				remote_digest = ?, remote_digest_algorithm = ?,
				last_sync_date = ?, last_transfer = ?,
				error_count = 0, last_error = NULL, last_error_details = NULL, last_sync_error_date = NULL,
				version = version + 1
			WHERE id = ? AND version = ?`,
			nullString(pair.LocalDigest.Value), nullString(pair.LocalDigest.Algorithm),
			nullString(pair.RemoteDigest.Value), nullString(pair.RemoteDigest.Algorithm),
			formatTime(now), nullString(string(pair.LastTransfer)),
			pair.ID, version)
		if err != nil {
			return fmt.Errorf("failed to synchronize pair %d: %w", pair.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		updated = n == 1
		return nil
	})
	if err != nil || !updated {
		return false, err
	}

	pair.LocalState = state.LocalSynchronized
	pair.RemoteState = state.RemoteSynchronized
	pair.PairState = state.PairSynchronized
	pair.LastSyncDate = now
	pair.ErrorCount = 0
	pair.LastError = ""
	pair.LastErrorDetails = ""
	pair.LastSyncErrorDate = time.Time{}
	pair.Version = version + 1
	return true, nil
}

// UnsynchronizeState freezes pair until user action.
func (s *Store) UnsynchronizeState(ctx context.Context, pair *state.DocPair, reason, details string) error {
	ps, err := state.PairStateFor(state.LocalUnsynchronized, pair.RemoteState)
	if err != nil {
		return err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE States SET
				local_state = 'unsynchronized', pair_state = ?,
				last_error = ?, last_error_details = ?, last_sync_error_date = ?,
				version = version + 1
			WHERE id = ?`,
			ps, nullString(reason), nullString(details), formatTime(time.Now()), pair.ID)
		if err != nil {
			return fmt.Errorf("failed to unsynchronize pair %d: %w", pair.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	pair.LocalState = state.LocalUnsynchronized
	pair.PairState = ps
	pair.LastError = reason
	pair.LastErrorDetails = details
	pair.Version++
	s.push(pair)
	return nil
}

// SetConflictState moves pair into the conflicted state. Side states are
// set to (modified, modified) unless they already map to a conflict.
func (s *Store) SetConflictState(ctx context.Context, pair *state.DocPair) error {
	if ps, err := state.PairStateFor(pair.LocalState, pair.RemoteState); err == nil && ps == state.PairConflicted {
		if pair.PairState == state.PairConflicted {
			return nil
		}
		return s.setStates(ctx, pair, pair.LocalState, pair.RemoteState, false)
	}
	return s.setStates(ctx, pair, state.LocalModified, state.RemoteModified, false)
}

// ForceLocal resolves a conflict in favor of the local content.
func (s *Store) ForceLocal(ctx context.Context, pair *state.DocPair) error {
	remoteSt := pair.RemoteState
	switch remoteSt {
	case state.RemoteUnknown, state.RemoteSynchronized, state.RemoteModified:
	default:
		remoteSt = state.RemoteModified
	}
	if err := s.ResetError(ctx, pair); err != nil {
		return err
	}
	return s.setStates(ctx, pair, state.LocalResolved, remoteSt, true)
}

// ForceRemote resolves a conflict in favor of the remote content.
func (s *Store) ForceRemote(ctx context.Context, pair *state.DocPair) error {
	if err := s.ResetError(ctx, pair); err != nil {
		return err
	}
	return s.setStates(ctx, pair, state.LocalSynchronized, state.RemoteModified, true)
}

// ClearRemoteSide forgets the remote counterpart of pair and makes it a
// local creation again.
func (s *Store) ClearRemoteSide(ctx context.Context, pair *state.DocPair) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE States SET
				remote_ref = NULL, remote_parent_ref = NULL, remote_parent_path = NULL,
				remote_name = NULL, remote_digest = NULL, remote_digest_algorithm = NULL,
				last_remote_updated = NULL, local_state = 'created', remote_state = 'unknown',
				pair_state = 'locally_created', version = version + 1
			WHERE id = ?`, pair.ID)
		if err != nil {
			return fmt.Errorf("failed to clear remote side of %d: %w", pair.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	pair.RemoteRef, pair.RemoteParentRef, pair.RemoteParentPath, pair.RemoteName = "", "", "", ""
	pair.RemoteDigest = state.Digest{}
	pair.LastRemoteUpdated = time.Time{}
	pair.LocalState = state.LocalCreated
	pair.RemoteState = state.RemoteUnknown
	pair.PairState = state.PairLocallyCreated
	pair.Version++
	return nil
}

// SetLastTransfer records the direction of the last byte transfer.
func (s *Store) SetLastTransfer(ctx context.Context, pair *state.DocPair, kind state.TransferKind) error {
	pair.LastTransfer = kind
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE States SET last_transfer = ? WHERE id = ?`, nullString(string(kind)), pair.ID)
		if err != nil {
			return fmt.Errorf("failed to set last transfer of %d: %w", pair.ID, err)
		}
		return nil
	})
}

// --- processor leases ---

// AcquireProcessor leases row id to processor threadID. It succeeds when the
// row is free or already held by threadID.
func (s *Store) AcquireProcessor(ctx context.Context, threadID int, id int64) (bool, error) {
	var ok bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE States SET processor = ? WHERE id = ? AND processor IN (0, ?)`,
			threadID, id, threadID)
		if err != nil {
			return fmt.Errorf("failed to acquire pair %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		ok = n == 1
		return err
	})
	return ok, err
}

// ReleaseProcessor clears every lease held by threadID.
func (s *Store) ReleaseProcessor(ctx context.Context, threadID int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE States SET processor = 0 WHERE processor = ?`, threadID); err != nil {
			return fmt.Errorf("failed to release processor %d: %w", threadID, err)
		}
		return nil
	})
}

// ReleaseAllProcessors clears leases left by a previous run.
func (s *Store) ReleaseAllProcessors(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE States SET processor = 0 WHERE processor != 0`); err != nil {
			return fmt.Errorf("failed to release processors: %w", err)
		}
		return nil
	})
}

// --- errors ---

// IncreaseError records a failure on pair. The pair keeps its state so the
// queue manager can retry it.
func (s *Store) IncreaseError(ctx context.Context, pair *state.DocPair, errName, details string, incr int) error {
	now := time.Now().UTC()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE States SET
				error_count = error_count + ?, last_error = ?, last_error_details = ?,
				last_sync_error_date = ?
			WHERE id = ?`,
			incr, nullString(errName), nullString(details), formatTime(now), pair.ID)
		if err != nil {
			return fmt.Errorf("failed to increase error of %d: %w", pair.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	pair.ErrorCount += incr
	pair.LastError = errName
	pair.LastErrorDetails = details
	pair.LastSyncErrorDate = now
	return nil
}

// ResetError clears the error bookkeeping of pair and queues it again.
func (s *Store) ResetError(ctx context.Context, pair *state.DocPair) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE States SET
				error_count = 0, last_error = NULL, last_error_details = NULL, last_sync_error_date = NULL
			WHERE id = ?`, pair.ID)
		if err != nil {
			return fmt.Errorf("failed to reset error of %d: %w", pair.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	pair.ErrorCount = 0
	pair.LastError = ""
	pair.LastErrorDetails = ""
	pair.LastSyncErrorDate = time.Time{}
	s.push(pair)
	return nil
}

// --- deletions and recursive updates ---

// RemoveState deletes pair. Folder pairs take every descendant with them,
// matched by local path prefix and by remote ref path prefix.
func (s *Store) RemoveState(ctx context.Context, pair *state.DocPair) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM States WHERE id = ?`, pair.ID); err != nil {
			return fmt.Errorf("failed to remove pair %d: %w", pair.ID, err)
		}
		if !pair.Folderish {
			return nil
		}
		if pair.LocalPath != "" && pair.LocalState != state.LocalDirect {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM States WHERE local_parent_path = ? OR local_parent_path LIKE ? ESCAPE '\'`,
				pair.LocalPath, likePrefix(pair.LocalPath)); err != nil {
				return fmt.Errorf("failed to remove local descendants of %d: %w", pair.ID, err)
			}
		}
		if rp := pair.RemotePath(); rp != "" {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM States WHERE remote_parent_path = ? OR remote_parent_path LIKE ? ESCAPE '\'`,
				rp, likePrefix(rp)); err != nil {
				return fmt.Errorf("failed to remove remote descendants of %d: %w", pair.ID, err)
			}
		}
		return nil
	})
}

// MarkLocallyDeleted marks pair, and every descendant, as deleted locally.
// Only pair itself is queued; descendants are dropped with it.
func (s *Store) MarkLocallyDeleted(ctx context.Context, pair *state.DocPair) error {
	var descendants []*state.DocPair
	if pair.Folderish && pair.LocalPath != "" {
		var err error
		descendants, err = s.GetLocalDescendants(ctx, pair.LocalPath)
		if err != nil {
			return err
		}
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, d := range descendants {
			if d.LocalState == state.LocalUnknown || d.LocalState == state.LocalDeleted {
				continue
			}
			if _, err := state.PairStateFor(state.LocalDeleted, d.RemoteState); err != nil {
				// A pending remote move keeps its step; the pair goes with
				// its folder once the deletion is processed.
				continue
			}
			if err := txSetLocalState(ctx, tx, d, state.LocalDeleted); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if pair.LocalState == state.LocalUnknown {
		return s.RemoveState(ctx, pair)
	}
	return s.setStates(ctx, pair, state.LocalDeleted, pair.RemoteState, true)
}

// MarkRemotelyDeleted marks pair as deleted on the server and queues it.
func (s *Store) MarkRemotelyDeleted(ctx context.Context, pair *state.DocPair) error {
	return s.setStates(ctx, pair, pair.LocalState, state.RemoteDeleted, true)
}

// MarkRemotelyDeletedUnder marks every pair strictly below a remote ref path
// as deleted on the server, without queueing them. It returns the number of
// pairs changed.
func (s *Store) MarkRemotelyDeletedUnder(ctx context.Context, refPath string) (int, error) {
	descendants, err := s.GetRemoteDescendants(ctx, refPath)
	if err != nil {
		return 0, err
	}
	n := 0
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, d := range descendants {
			if err := txSetRemoteState(ctx, tx, d, state.RemoteDeleted); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func txSetLocalState(ctx context.Context, tx *sql.Tx, p *state.DocPair, local state.LocalState) error {
	ps, err := state.PairStateFor(local, p.RemoteState)
	if err != nil {
		return fmt.Errorf("failed to update pair %d: %w", p.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE States SET local_state = ?, pair_state = ?, version = version + 1 WHERE id = ?`,
		local, ps, p.ID); err != nil {
		return fmt.Errorf("failed to update pair %d: %w", p.ID, err)
	}
	return nil
}

func txSetRemoteState(ctx context.Context, tx *sql.Tx, p *state.DocPair, remoteSt state.RemoteState) error {
	ps, err := state.PairStateFor(p.LocalState, remoteSt)
	if err != nil {
		// Direct transfers and resolved pairs have no deleted counterpart.
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE States SET remote_state = ?, pair_state = ?, version = version + 1 WHERE id = ?`,
		remoteSt, ps, p.ID); err != nil {
		return fmt.Errorf("failed to update pair %d: %w", p.ID, err)
	}
	return nil
}

// UpdateLocalPaths rewrites the local path of the pair at oldPath and of
// every descendant to live under newPath.
func (s *Store) UpdateLocalPaths(ctx context.Context, oldPath, newPath string) error {
	oldPath = state.NormalizePath(oldPath)
	newPath = state.NormalizePath(newPath)
	if oldPath == newPath {
		return nil
	}
	// substr counts characters, not bytes.
	n := utf8.RuneCountInString(oldPath) + 1
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE States SET local_path = ?, local_parent_path = ?, local_name = ?, version = version + 1
			WHERE local_path = ?`,
			newPath, state.ParentPath(newPath), baseName(newPath), oldPath)
		if err != nil {
			return fmt.Errorf("failed to move pair %s: %w", oldPath, err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE States SET
				local_path = ? || substr(local_path, ?),
				local_parent_path = CASE
					WHEN local_parent_path = ? THEN ?
					ELSE ? || substr(local_parent_path, ?)
				END,
				version = version + 1
			WHERE local_parent_path = ? OR local_parent_path LIKE ? ESCAPE '\'`,
			newPath, n,
			oldPath, newPath,
			newPath, n,
			oldPath, likePrefix(oldPath))
		if err != nil {
			return fmt.Errorf("failed to move descendants of %s: %w", oldPath, err)
		}
		return nil
	})
}

// UpdateRemoteParentPaths rewrites the remote parent path of every pair below
// a remote folder that moved from oldPath to newPath.
func (s *Store) UpdateRemoteParentPaths(ctx context.Context, oldPath, newPath string) error {
	oldPath, newPath = trimSlash(oldPath), trimSlash(newPath)
	if oldPath == newPath || oldPath == "" {
		return nil
	}
	// substr counts characters, not bytes.
	n := utf8.RuneCountInString(oldPath) + 1
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE States SET
				remote_parent_path = CASE
					WHEN remote_parent_path = ? THEN ?
					ELSE ? || substr(remote_parent_path, ?)
				END,
				version = version + 1
			WHERE remote_parent_path = ? OR remote_parent_path LIKE ? ESCAPE '\'`,
			oldPath, newPath, newPath, n, oldPath, likePrefix(oldPath))
		if err != nil {
			return fmt.Errorf("failed to move remote descendants of %s: %w", oldPath, err)
		}
		return nil
	})
}

// QueueChildren queues every child of a folder pair that needs processing.
func (s *Store) QueueChildren(ctx context.Context, pair *state.DocPair) error {
	var children []*state.DocPair
	var err error
	if pair.RemoteRef != "" {
		children, err = s.queryMany(ctx,
			`(local_parent_path = ? OR remote_parent_ref = ?) AND id != ? ORDER BY folderish DESC, id`,
			pair.LocalPath, pair.RemoteRef, pair.ID)
	} else {
		children, err = s.queryMany(ctx, `local_parent_path = ? AND id != ? ORDER BY folderish DESC, id`,
			pair.LocalPath, pair.ID)
	}
	if err != nil {
		return err
	}
	s.push(children...)
	return nil
}

func trimSlash(p string) string {
	if len(p) > 1 {
		for len(p) > 1 && p[len(p)-1] == '/' {
			p = p[:len(p)-1]
		}
	}
	if p == "/" {
		return ""
	}
	return p
}

func baseName(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

func directParent(abs string) string {
	for i := len(abs) - 1; i >= 0; i-- {
		if abs[i] == '/' || abs[i] == '\\' {
			if i == 0 {
				return abs[:1]
			}
			return abs[:i]
		}
	}
	return ""
}

func directName(abs string) string {
	for i := len(abs) - 1; i >= 0; i-- {
		if abs[i] == '/' || abs[i] == '\\' {
			return abs[i+1:]
		}
	}
	return abs
}
