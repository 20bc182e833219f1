package dao

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nxdrive/drivesync/internal/state"
)

const sessionColumns = `uid, remote_path, remote_ref, status, uploaded, total,
	planned_items, created_on, completed_on, description`

func scanSession(row rowScanner) (*state.Session, error) {
	var (
		sess                             state.Session
		remotePath, remoteRef, sts, desc sql.NullString
		createdOn, completedOn           sql.NullString
	)
	if err := row.Scan(&sess.UID, &remotePath, &remoteRef, &sts, &sess.Uploaded, &sess.Total,
		&sess.PlannedItems, &createdOn, &completedOn, &desc); err != nil {
		return nil, err
	}
	sess.RemotePath = remotePath.String
	sess.RemoteRef = remoteRef.String
	sess.Status = state.SessionStatus(sts.String)
	sess.CreatedOn = parseTime(createdOn)
	if t := parseTime(completedOn); !t.IsZero() {
		sess.CompletedOn = &t
	}
	sess.Description = desc.String
	return &sess, nil
}

// CreateSession records a new Direct Transfer session and fills its UID.
func (s *Store) CreateSession(ctx context.Context, sess *state.Session) error {
	if sess.Status == "" {
		sess.Status = state.SessionOngoing
	}
	if sess.CreatedOn.IsZero() {
		sess.CreatedOn = time.Now().UTC()
	}
	if err := sess.Validate(); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO Sessions (
				remote_path, remote_ref, status, uploaded, total, planned_items, created_on, description)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.RemotePath, sess.RemoteRef, sess.Status, sess.Uploaded, sess.Total,
			sess.PlannedItems, formatTime(sess.CreatedOn), nullString(sess.Description))
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		sess.UID, err = res.LastInsertId()
		return err
	})
}

// GetSession returns a session, or nil.
func (s *Store) GetSession(ctx context.Context, uid int64) (*state.Session, error) {
	sess, err := scanSession(s.ro.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM Sessions WHERE uid = ?`, uid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %d: %w", uid, err)
	}
	return sess, nil
}

// ListSessions returns sessions, newest first. With done set, only completed
// sessions are returned, otherwise only active ones.
func (s *Store) ListSessions(ctx context.Context, done bool) ([]*state.Session, error) {
	where := `status IN ('ongoing', 'paused')`
	if done {
		where = `status IN ('done', 'cancelled')`
	}
	rows, err := s.ro.QueryContext(ctx, `SELECT `+sessionColumns+` FROM Sessions WHERE `+where+` ORDER BY uid DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*state.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// IncrementSessionUploaded bumps the uploaded counter of a session and
// completes it when every item went through. It returns the updated session.
func (s *Store) IncrementSessionUploaded(ctx context.Context, uid int64) (*state.Session, error) {
	var sess *state.Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE Sessions SET uploaded = min(uploaded + 1, total) WHERE uid = ?`, uid); err != nil {
			return fmt.Errorf("failed to update session %d: %w", uid, err)
		}
		var err error
		sess, err = scanSession(tx.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM Sessions WHERE uid = ?`, uid))
		if err != nil {
			return fmt.Errorf("failed to read session %d: %w", uid, err)
		}
		if sess.Uploaded == sess.Total && sess.Status == state.SessionOngoing {
			now := time.Now().UTC()
			if _, err := tx.ExecContext(ctx,
				`UPDATE Sessions SET status = 'done', completed_on = ? WHERE uid = ?`,
				formatTime(now), uid); err != nil {
				return fmt.Errorf("failed to complete session %d: %w", uid, err)
			}
			sess.Status = state.SessionDone
			sess.CompletedOn = &now
		}
		return nil
	})
	return sess, err
}

// SetSessionStatus changes the status of a session.
func (s *Store) SetSessionStatus(ctx context.Context, uid int64, status state.SessionStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		completed := sql.NullString{}
		if status == state.SessionDone || status == state.SessionCancelled {
			completed = formatTime(time.Now())
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE Sessions SET status = ?, completed_on = coalesce(?, completed_on) WHERE uid = ?`,
			status, completed, uid); err != nil {
			return fmt.Errorf("failed to set session %d status: %w", uid, err)
		}
		return nil
	})
}

// SessionItem is one planned entry of a Direct Transfer session.
type SessionItem struct {
	Path      string `json:"path"`
	Folderish bool   `json:"folderish"`
	Size      int64  `json:"size"`
}

// AddSessionItems stores the planned items of a session.
func (s *Store) AddSessionItems(ctx context.Context, uid int64, items []SessionItem) error {
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode session items: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO SessionItems (session_id, data) VALUES (?, ?)`, uid, string(data)); err != nil {
			return fmt.Errorf("failed to add items to session %d: %w", uid, err)
		}
		return nil
	})
}

// GetSessionItems returns every planned item of a session.
func (s *Store) GetSessionItems(ctx context.Context, uid int64) ([]SessionItem, error) {
	rows, err := s.ro.QueryContext(ctx, `SELECT data FROM SessionItems WHERE session_id = ? ORDER BY rowid`, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to get items of session %d: %w", uid, err)
	}
	defer rows.Close()

	var out []SessionItem
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan session item: %w", err)
		}
		var batch []SessionItem
		if err := json.Unmarshal([]byte(data), &batch); err != nil {
			return nil, fmt.Errorf("failed to decode session items: %w", err)
		}
		out = append(out, batch...)
	}
	return out, rows.Err()
}
