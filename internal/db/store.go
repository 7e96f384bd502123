package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/peterje/termhub/internal/models"
)

// ErrNotFound is returned when no row matches a session id.
var ErrNotFound = errors.New("session record not found")

// Store reads and writes session records.
type Store struct {
	db *sql.DB
}

func NewStore(database *sql.DB) *Store {
	return &Store{db: database}
}

// InsertSession records a newly detected session. An id that already exists
// is left untouched and reported as inserted == false.
func (s *Store) InsertSession(ctx context.Context, rec models.SessionRecord) (bool, error) {
	if rec.SessionID == "" {
		return false, errors.New("insert session: empty session id")
	}
	if rec.Status == "" {
		rec.Status = models.StatusActive
	}
	if rec.LastActivity.IsZero() {
		rec.LastActivity = time.Now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (session_id, display_name, working_directory, last_activity, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.DisplayName, rec.WorkingDirectory, rec.LastActivity.UTC(), rec.Status, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("insert session %s: %w", rec.SessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert session %s: %w", rec.SessionID, err)
	}
	return n == 1, nil
}

// UpdateStatus sets the status and bumps last_activity.
func (s *Store) UpdateStatus(ctx context.Context, sessionID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, last_activity = ? WHERE session_id = ?`,
		status, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session %s: %w", sessionID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSession returns one record.
func (s *Store) GetSession(ctx context.Context, sessionID string) (models.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, display_name, working_directory, last_activity, status, created_at
		 FROM sessions WHERE session_id = ?`, sessionID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return models.SessionRecord{}, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return rec, nil
}

// ListSessions returns up to limit records, most recently active first.
// A non-positive limit returns everything.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]models.SessionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, display_name, working_directory, last_activity, status, created_at
		 FROM sessions ORDER BY last_activity DESC, session_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	records := []models.SessionRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MarkActiveCompleted closes out records left active by a previous run.
func (s *Store) MarkActiveCompleted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE status = ?`, models.StatusCompleted, models.StatusActive)
	if err != nil {
		return 0, fmt.Errorf("close stale sessions: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (models.SessionRecord, error) {
	var rec models.SessionRecord
	var name sql.NullString
	if err := row.Scan(&rec.SessionID, &name, &rec.WorkingDirectory, &rec.LastActivity, &rec.Status, &rec.CreatedAt); err != nil {
		return rec, err
	}
	if name.Valid {
		rec.DisplayName = &name.String
	}
	return rec, nil
}
