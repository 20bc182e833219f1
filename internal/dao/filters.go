package dao

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/nxdrive/drivesync/internal/state"
)

// FilterPath normalizes a remote ref path into the stored filter form,
// which always ends with a slash.
func FilterPath(refPath string) string {
	if refPath == "" {
		return "/"
	}
	if !strings.HasSuffix(refPath, "/") {
		refPath += "/"
	}
	return refPath
}

// GetFilters returns every filtered remote ref path.
func (s *Store) GetFilters(ctx context.Context) ([]string, error) {
	return s.listPaths(ctx, "Filters")
}

// AddFilter excludes a remote subtree from synchronization. In one
// transaction it drops filters made redundant by the new one, forgets
// pending scans below it and marks the folder pair and its descendants as
// remotely deleted. The folder pair, when known, is returned so the caller
// can queue it; otherwise the top-most marked descendants are queued here.
func (s *Store) AddFilter(ctx context.Context, refPath string) (*state.DocPair, error) {
	path := FilterPath(refPath)
	trimmed := strings.TrimSuffix(path, "/")

	folder, err := s.GetStateFromRemotePath(ctx, trimmed)
	if err != nil {
		return nil, err
	}
	descendants, err := s.GetRemoteDescendants(ctx, trimmed)
	if err != nil {
		return nil, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var covered int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM Filters WHERE substr(?1, 1, length(path)) = path`, path).Scan(&covered); err != nil {
			return fmt.Errorf("failed to check filters: %w", err)
		}
		if covered > 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM Filters WHERE path LIKE ? ESCAPE '\'`, likePrefix(trimmed)); err != nil {
			return fmt.Errorf("failed to drop subfilters: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO Filters (path) VALUES (?)`, path); err != nil {
			return fmt.Errorf("failed to add filter: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM ToRemoteScan WHERE path = ? OR path LIKE ? ESCAPE '\'`,
			trimmed, likePrefix(trimmed)); err != nil {
			return fmt.Errorf("failed to drop pending scans: %w", err)
		}
		for _, d := range descendants {
			if err := txSetRemoteState(ctx, tx, d, state.RemoteDeleted); err != nil {
				return err
			}
		}
		if folder != nil {
			if err := txSetRemoteState(ctx, tx, folder, state.RemoteDeleted); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if folder != nil {
		return s.GetStateFromID(ctx, folder.ID)
	}
	for _, d := range topMost(descendants) {
		fresh, err := s.GetStateFromID(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		s.push(fresh)
	}
	return nil, nil
}

// topMost keeps the pairs whose remote parent is not itself in pairs.
func topMost(pairs []*state.DocPair) []*state.DocPair {
	paths := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		paths[p.RemotePath()] = true
	}
	var top []*state.DocPair
	for _, p := range pairs {
		if !paths[strings.TrimSuffix(p.RemoteParentPath, "/")] {
			top = append(top, p)
		}
	}
	return top
}

// RemoveFilter re-includes a remote subtree and schedules it for a remote
// scan.
func (s *Store) RemoveFilter(ctx context.Context, refPath string) error {
	path := FilterPath(refPath)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM Filters WHERE path = ?`, path); err != nil {
			return fmt.Errorf("failed to remove filter: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO ToRemoteScan (path) VALUES (?)`, strings.TrimSuffix(path, "/")); err != nil {
			return fmt.Errorf("failed to schedule scan: %w", err)
		}
		return nil
	})
}

// IsFiltered reports whether a ref path lies in a filtered subtree.
func (s *Store) IsFiltered(ctx context.Context, refPath string) (bool, error) {
	var n int
	if err := s.ro.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM Filters WHERE substr(?1, 1, length(path)) = path`, FilterPath(refPath)).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check filters: %w", err)
	}
	return n > 0, nil
}

// AddPathToScan schedules a remote ref path for a full scan.
func (s *Store) AddPathToScan(ctx context.Context, refPath string) error {
	return s.addPath(ctx, "ToRemoteScan", refPath)
}

// DeletePathToScan removes a scheduled remote scan.
func (s *Store) DeletePathToScan(ctx context.Context, refPath string) error {
	return s.deletePath(ctx, "ToRemoteScan", refPath)
}

// GetPathsToScan returns the scheduled remote scans.
func (s *Store) GetPathsToScan(ctx context.Context) ([]string, error) {
	return s.listPaths(ctx, "ToRemoteScan")
}

// AddPathScanned records a remote folder whose children were listed.
func (s *Store) AddPathScanned(ctx context.Context, refPath string) error {
	return s.addPath(ctx, "RemoteScan", refPath)
}

// IsPathScanned reports whether a remote folder was already listed.
func (s *Store) IsPathScanned(ctx context.Context, refPath string) (bool, error) {
	var n int
	if err := s.ro.QueryRowContext(ctx, `SELECT COUNT(*) FROM RemoteScan WHERE path = ?`, refPath).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check scanned path: %w", err)
	}
	return n > 0, nil
}

// CleanScannedPaths forgets every listed remote folder.
func (s *Store) CleanScannedPaths(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM RemoteScan`); err != nil {
			return fmt.Errorf("failed to clean scanned paths: %w", err)
		}
		return nil
	})
}

func (s *Store) addPath(ctx context.Context, table, path string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO `+table+` (path) VALUES (?)`, path); err != nil {
			return fmt.Errorf("failed to add %s to %s: %w", path, table, err)
		}
		return nil
	})
}

func (s *Store) deletePath(ctx context.Context, table, path string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE path = ?`, path); err != nil {
			return fmt.Errorf("failed to delete %s from %s: %w", path, table, err)
		}
		return nil
	})
}

func (s *Store) listPaths(ctx context.Context, table string) ([]string, error) {
	rows, err := s.ro.QueryContext(ctx, `SELECT path FROM `+table+` ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan path: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
