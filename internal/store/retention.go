package store

import (
	"fmt"
)

// RetentionResult summarizes one retention sweep.
type RetentionResult struct {
	Tasks       int64
	InboxRows   int64
	SessionLogs int64
}

// SweepRetention deletes terminal tasks, resolved inbox messages and
// session log batches older than the cutoff. Cost rows are kept: they back
// spend accounting.
func (s *Store) SweepRetention(cutoffMS int64) (RetentionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result RetentionResult

	res, err := s.db.Exec(`
	DELETE FROM tasks WHERE status IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		TaskCompleted, TaskFailed, TaskCancelled, cutoffMS)
	if err != nil {
		return result, fmt.Errorf("failed to sweep tasks: %w", err)
	}
	result.Tasks, _ = res.RowsAffected()

	res, err = s.db.Exec(`
	DELETE FROM inbox_messages WHERE status IN (?, ?) AND last_updated < ?`,
		InboxResponded, InboxDelegated, cutoffMS)
	if err != nil {
		return result, fmt.Errorf("failed to sweep inbox: %w", err)
	}
	result.InboxRows, _ = res.RowsAffected()

	res, err = s.db.Exec(`DELETE FROM session_logs WHERE created_at < ?`, cutoffMS)
	if err != nil {
		return result, fmt.Errorf("failed to sweep session logs: %w", err)
	}
	result.SessionLogs, _ = res.RowsAffected()

	return result, nil
}
