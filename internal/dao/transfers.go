package dao

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nxdrive/drivesync/internal/state"
)

const uploadColumns = `uid, path, status, progress, filesize, doc_pair, engine,
	is_direct_edit, is_direct_transfer, batch, chunk_size, request_uid,
	remote_parent_path, remote_parent_ref, source_mtime`

const downloadColumns = `uid, path, status, progress, filesize, doc_pair, engine,
	is_direct_edit, tmpname, url`

func scanUpload(row rowScanner) (*state.Upload, error) {
	var (
		u                                      state.Upload
		path, engine, batch, requestUID        sql.NullString
		remoteParentPath, remoteParentRef, sts sql.NullString
		sourceMtime                            sql.NullString
		docPair                                sql.NullInt64
	)
	if err := row.Scan(&u.UID, &path, &sts, &u.Progress, &u.Filesize, &docPair, &engine,
		&u.IsDirectEdit, &u.IsDirectTransfer, &batch, &u.ChunkSize, &requestUID,
		&remoteParentPath, &remoteParentRef, &sourceMtime); err != nil {
		return nil, err
	}
	u.Path = path.String
	u.Status = state.TransferStatus(sts.String)
	u.DocPair = docPair.Int64
	u.Engine = engine.String
	if batch.Valid && batch.String != "" {
		u.Batch = []byte(batch.String)
	}
	u.RequestUID = requestUID.String
	u.RemoteParentPath = remoteParentPath.String
	u.RemoteParentRef = remoteParentRef.String
	u.SourceModified = parseTime(sourceMtime)
	return &u, nil
}

func scanDownload(row rowScanner) (*state.Download, error) {
	var (
		d                           state.Download
		path, engine, tmp, url, sts sql.NullString
		docPair                     sql.NullInt64
	)
	if err := row.Scan(&d.UID, &path, &sts, &d.Progress, &d.Filesize, &docPair, &engine,
		&d.IsDirectEdit, &tmp, &url); err != nil {
		return nil, err
	}
	d.Path = path.String
	d.Status = state.TransferStatus(sts.String)
	d.DocPair = docPair.Int64
	d.Engine = engine.String
	d.TmpName = tmp.String
	d.URL = url.String
	return &d, nil
}

// SaveUpload inserts u, or updates it when u.UID is set. The UID is filled
// on insert.
func (s *Store) SaveUpload(ctx context.Context, u *state.Upload) error {
	if u.Status == "" {
		u.Status = state.TransferOngoing
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if u.UID == 0 {
			res, err := tx.ExecContext(ctx, `INSERT INTO Uploads (
					path, status, progress, filesize, doc_pair, engine,
					is_direct_edit, is_direct_transfer, batch, chunk_size, request_uid,
					remote_parent_path, remote_parent_ref, source_mtime)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				u.Path, u.Status, u.Progress, u.Filesize, u.DocPair, nullString(u.Engine),
				boolInt(u.IsDirectEdit), boolInt(u.IsDirectTransfer), nullString(string(u.Batch)),
				u.ChunkSize, nullString(u.RequestUID),
				nullString(u.RemoteParentPath), nullString(u.RemoteParentRef), formatTime(u.SourceModified))
			if err != nil {
				return fmt.Errorf("failed to insert upload of pair %d: %w", u.DocPair, err)
			}
			u.UID, err = res.LastInsertId()
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE Uploads SET
				path = ?, status = ?, progress = ?, filesize = ?, batch = ?,
				chunk_size = ?, request_uid = ?, source_mtime = ?
			WHERE uid = ?`,
			u.Path, u.Status, u.Progress, u.Filesize, nullString(string(u.Batch)),
			u.ChunkSize, nullString(u.RequestUID), formatTime(u.SourceModified), u.UID)
		if err != nil {
			return fmt.Errorf("failed to update upload %d: %w", u.UID, err)
		}
		return nil
	})
}

// SaveDownload inserts d, or updates it when d.UID is set.
func (s *Store) SaveDownload(ctx context.Context, d *state.Download) error {
	if d.Status == "" {
		d.Status = state.TransferOngoing
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if d.UID == 0 {
			res, err := tx.ExecContext(ctx, `INSERT INTO Downloads (
					path, status, progress, filesize, doc_pair, engine, is_direct_edit, tmpname, url)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				d.Path, d.Status, d.Progress, d.Filesize, d.DocPair, nullString(d.Engine),
				boolInt(d.IsDirectEdit), nullString(d.TmpName), nullString(d.URL))
			if err != nil {
				return fmt.Errorf("failed to insert download of pair %d: %w", d.DocPair, err)
			}
			d.UID, err = res.LastInsertId()
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE Downloads SET
				path = ?, status = ?, progress = ?, filesize = ?, tmpname = ?, url = ?
			WHERE uid = ?`,
			d.Path, d.Status, d.Progress, d.Filesize, nullString(d.TmpName), nullString(d.URL), d.UID)
		if err != nil {
			return fmt.Errorf("failed to update download %d: %w", d.UID, err)
		}
		return nil
	})
}

// GetUpload returns the upload of a pair, or nil.
func (s *Store) GetUpload(ctx context.Context, docPair int64) (*state.Upload, error) {
	u, err := scanUpload(s.ro.QueryRowContext(ctx,
		`SELECT `+uploadColumns+` FROM Uploads WHERE doc_pair = ?`, docPair))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload of pair %d: %w", docPair, err)
	}
	return u, nil
}

// GetDownload returns the download of a pair, or nil.
func (s *Store) GetDownload(ctx context.Context, docPair int64) (*state.Download, error) {
	d, err := scanDownload(s.ro.QueryRowContext(ctx,
		`SELECT `+downloadColumns+` FROM Downloads WHERE doc_pair = ?`, docPair))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get download of pair %d: %w", docPair, err)
	}
	return d, nil
}

// GetTransferStatus returns the status of the transfer identified by kind
// and uid. It is polled between chunks to honor pause and suspend.
func (s *Store) GetTransferStatus(ctx context.Context, kind state.TransferKind, uid int64) (state.TransferStatus, error) {
	table, err := transferTable(kind)
	if err != nil {
		return "", err
	}
	var sts string
	err = s.ro.QueryRowContext(ctx, `SELECT status FROM `+table+` WHERE uid = ?`, uid).Scan(&sts)
	if errors.Is(err, sql.ErrNoRows) {
		return state.TransferCancelled, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get transfer status: %w", err)
	}
	return state.TransferStatus(sts), nil
}

// SetTransferStatus changes the status of one transfer.
func (s *Store) SetTransferStatus(ctx context.Context, kind state.TransferKind, uid int64, status state.TransferStatus) error {
	table, err := transferTable(kind)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE `+table+` SET status = ? WHERE uid = ?`, status, uid); err != nil {
			return fmt.Errorf("failed to set transfer %d status: %w", uid, err)
		}
		return nil
	})
}

// SuspendOngoingTransfers suspends every ongoing transfer. Paused transfers
// are left alone. It returns the number of suspended transfers.
func (s *Store) SuspendOngoingTransfers(ctx context.Context) (int64, error) {
	return s.switchTransfers(ctx, state.TransferOngoing, state.TransferSuspended)
}

// ResumeSuspendedTransfers resumes every suspended transfer.
func (s *Store) ResumeSuspendedTransfers(ctx context.Context) (int64, error) {
	return s.switchTransfers(ctx, state.TransferSuspended, state.TransferOngoing)
}

func (s *Store) switchTransfers(ctx context.Context, from, to state.TransferStatus) (int64, error) {
	var total int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"Uploads", "Downloads"} {
			res, err := tx.ExecContext(ctx, `UPDATE `+table+` SET status = ? WHERE status = ?`, to, from)
			if err != nil {
				return fmt.Errorf("failed to update %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	return total, err
}

// RemoveTransfer deletes the transfer row of a pair.
func (s *Store) RemoveTransfer(ctx context.Context, kind state.TransferKind, docPair int64) error {
	table, err := transferTable(kind)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE doc_pair = ?`, docPair); err != nil {
			return fmt.Errorf("failed to remove transfer of pair %d: %w", docPair, err)
		}
		return nil
	})
}

// ListUploads returns uploads, optionally restricted to one status.
func (s *Store) ListUploads(ctx context.Context, status state.TransferStatus) ([]*state.Upload, error) {
	query := `SELECT ` + uploadColumns + ` FROM Uploads`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	rows, err := s.ro.QueryContext(ctx, query+` ORDER BY uid`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	defer rows.Close()

	var out []*state.Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upload: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ListDownloads returns downloads, optionally restricted to one status.
func (s *Store) ListDownloads(ctx context.Context, status state.TransferStatus) ([]*state.Download, error) {
	query := `SELECT ` + downloadColumns + ` FROM Downloads`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	rows, err := s.ro.QueryContext(ctx, query+` ORDER BY uid`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	var out []*state.Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func transferTable(kind state.TransferKind) (string, error) {
	switch kind {
	case state.TransferUpload:
		return "Uploads", nil
	case state.TransferDownload:
		return "Downloads", nil
	default:
		return "", fmt.Errorf("invalid transfer kind %q", kind)
	}
}
