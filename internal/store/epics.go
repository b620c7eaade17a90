package store

import (
	"database/sql"
	"fmt"
	"time"
)

const epicColumns = `id, name, goal, status, created_at, last_updated, notified_at`

func scanEpic(row interface{ Scan(...any) error }) (*Epic, error) {
	e := &Epic{}
	var notifiedAt sql.NullInt64

	err := row.Scan(&e.ID, &e.Name, &e.Goal, &e.Status, &e.CreatedAt, &e.LastUpdated, &notifiedAt)
	if err != nil {
		return nil, err
	}
	e.NotifiedAt = notifiedAt.Int64
	return e, nil
}

// CreateEpic inserts an epic.
func (s *Store) CreateEpic(e *Epic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	e.LastUpdated = e.CreatedAt
	if e.Status == "" {
		e.Status = EpicDraft
	}

	_, err := s.db.Exec(`
	INSERT INTO epics (id, name, goal, status, created_at, last_updated, notified_at)
	VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		e.ID, e.Name, e.Goal, e.Status, e.CreatedAt, e.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to create epic: %w", err)
	}
	return nil
}

// GetEpic retrieves an epic by id. Returns nil if not found.
func (s *Store) GetEpic(id string) (*Epic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := scanEpic(s.db.QueryRow(`SELECT `+epicColumns+` FROM epics WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get epic: %w", err)
	}
	return e, nil
}

// ListEpics returns epics, optionally filtered by status, newest first.
func (s *Store) ListEpics(status string) ([]*Epic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + epicColumns + ` FROM epics`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list epics: %w", err)
	}
	defer rows.Close()

	var epics []*Epic
	for rows.Next() {
		e, err := scanEpic(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan epic: %w", err)
		}
		epics = append(epics, e)
	}
	return epics, rows.Err()
}

// SetEpicStatus updates an epic's status.
func (s *Store) SetEpicStatus(id, status string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE epics SET status = ?, last_updated = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), id)
	if err != nil {
		return 0, fmt.Errorf("failed to set epic status: %w", err)
	}
	return res.RowsAffected()
}

// EpicStatsFor computes the task breakdown for an epic.
func (s *Store) EpicStatsFor(epicID string) (EpicStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epicStatsLocked(s.db.QueryRow, epicID)
}

type rowQuerier func(query string, args ...any) *sql.Row

func (s *Store) epicStatsLocked(queryRow rowQuerier, epicID string) (EpicStats, error) {
	var stats EpicStats
	err := queryRow(`
	SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
	FROM tasks WHERE epic_id = ?`,
		TaskCompleted, TaskFailed, TaskInProgress, epicID).
		Scan(&stats.Total, &stats.Completed, &stats.Failed, &stats.InProgress)
	if err != nil {
		return stats, fmt.Errorf("failed to compute epic stats: %w", err)
	}
	return stats, nil
}

// ChangedEpicsTx returns active epics where some task changed after the
// epic was last notified. The trigger resolver claims by stamping
// notified_at.
func (s *Store) ChangedEpicsTx(tx *sql.Tx) ([]*Epic, error) {
	rows, err := tx.Query(`
	SELECT `+prefixColumns(epicColumns, "e")+` FROM epics e
	WHERE e.status = ?
	AND EXISTS (
		SELECT 1 FROM tasks t
		WHERE t.epic_id = e.id AND t.last_updated > COALESCE(e.notified_at, 0)
	)`, EpicActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query changed epics: %w", err)
	}
	defer rows.Close()

	var epics []*Epic
	for rows.Next() {
		e, err := scanEpic(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan epic: %w", err)
		}
		epics = append(epics, e)
	}
	return epics, rows.Err()
}

// MarkEpicNotifiedTx stamps notified_at, consuming the change signal.
func (s *Store) MarkEpicNotifiedTx(tx *sql.Tx, epicID string, nowMS int64) error {
	_, err := tx.Exec(`UPDATE epics SET notified_at = ? WHERE id = ?`, nowMS, epicID)
	if err != nil {
		return fmt.Errorf("failed to mark epic notified: %w", err)
	}
	return nil
}

// EpicStatsTx computes the task breakdown inside a transaction.
func (s *Store) EpicStatsTx(tx *sql.Tx, epicID string) (EpicStats, error) {
	return s.epicStatsLocked(tx.QueryRow, epicID)
}
