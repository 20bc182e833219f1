package dao

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// Configuration keys stored by the engine.
const (
	ConfigRemoteUser      = "remote_user"
	ConfigServerURL       = "server_url"
	ConfigLocalFolder     = "local_folder"
	ConfigRemoteToken     = "remote_token"
	ConfigRootRef         = "root_ref"
	ConfigLowerBound      = "remote_last_event_log_id"
	ConfigLastSyncDate    = "remote_last_sync_date"
	ConfigActiveRoots     = "remote_last_root_definitions"
	ConfigLastFullScan    = "remote_last_full_scan"
	ConfigSuspendUntil    = "suspend_until"
	ConfigInvalidToken    = "invalid_credentials"
	ConfigDigestAlgorithm = "digest_algorithm"
)

// GetConfig returns a configuration value, or def when unset.
func (s *Store) GetConfig(ctx context.Context, name, def string) (string, error) {
	var v sql.NullString
	err := s.ro.QueryRowContext(ctx, `SELECT value FROM Configuration WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !v.Valid) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config %s: %w", name, err)
	}
	return v.String, nil
}

// GetConfigInt returns an integer configuration value, or def.
func (s *Store) GetConfigInt(ctx context.Context, name string, def int64) (int64, error) {
	v, err := s.GetConfig(ctx, name, "")
	if err != nil || v == "" {
		return def, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def, fmt.Errorf("invalid integer for config %s: %w", name, err)
	}
	return n, nil
}

// SetConfig stores a configuration value.
func (s *Store) SetConfig(ctx context.Context, name, value string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO Configuration (name, value) VALUES (?, ?)
			 ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, value); err != nil {
			return fmt.Errorf("failed to set config %s: %w", name, err)
		}
		return nil
	})
}

// DeleteConfig removes a configuration value.
func (s *Store) DeleteConfig(ctx context.Context, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM Configuration WHERE name = ?`, name); err != nil {
			return fmt.Errorf("failed to delete config %s: %w", name, err)
		}
		return nil
	})
}
