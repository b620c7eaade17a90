package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// InsertSessionCost appends one cost record. Append-only: these rows back
// spend accounting and are never updated.
func (s *Store) InsertSessionCost(c *SessionCost) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.CreatedAt == 0 {
		c.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.db.Exec(`
	INSERT INTO session_costs (session_id, iteration, task_id, agent_id, cli,
		total_cost_usd, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SessionID, c.Iteration, nullString(c.TaskID), nullString(c.AgentID), nullString(c.CLI),
		c.TotalCostUSD, c.InputTokens, c.OutputTokens,
		c.CacheCreationTokens, c.CacheReadTokens, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session cost: %w", err)
	}
	return nil
}

// SumSessionCosts returns the total USD spend for a session.
func (s *Store) SumSessionCosts(sessionID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total float64
	err := s.db.QueryRow(`SELECT COALESCE(SUM(total_cost_usd), 0) FROM session_costs WHERE session_id = ?`,
		sessionID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum session costs: %w", err)
	}
	return total, nil
}

// ListSessionCosts returns a session's cost rows, oldest first.
func (s *Store) ListSessionCosts(sessionID string) ([]*SessionCost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
	SELECT id, session_id, iteration, task_id, agent_id, cli, total_cost_usd,
		input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens, created_at
	FROM session_costs WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session costs: %w", err)
	}
	defer rows.Close()

	var costs []*SessionCost
	for rows.Next() {
		c := &SessionCost{}
		var taskID, agentID, cli sql.NullString
		err := rows.Scan(&c.ID, &c.SessionID, &c.Iteration, &taskID, &agentID, &cli,
			&c.TotalCostUSD, &c.InputTokens, &c.OutputTokens,
			&c.CacheCreationTokens, &c.CacheReadTokens, &c.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session cost: %w", err)
		}
		c.TaskID = taskID.String
		c.AgentID = agentID.String
		c.CLI = cli.String
		costs = append(costs, c)
	}
	return costs, rows.Err()
}

// InsertSessionLog appends one batch of child stdout lines.
func (s *Store) InsertSessionLog(l *SessionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l.CreatedAt == 0 {
		l.CreatedAt = time.Now().UnixMilli()
	}
	lines, _ := json.Marshal(l.Lines)
	if l.Lines == nil {
		lines = []byte("[]")
	}
	_, err := s.db.Exec(`
	INSERT INTO session_logs (session_id, iteration, task_id, cli, lines, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		l.SessionID, l.Iteration, nullString(l.TaskID), nullString(l.CLI),
		string(lines), l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session log: %w", err)
	}
	return nil
}

// ListSessionLogs returns a session's log batches, oldest first.
func (s *Store) ListSessionLogs(sessionID string, limit int) ([]*SessionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	rows, err := s.db.Query(`
	SELECT id, session_id, iteration, task_id, cli, lines, created_at
	FROM session_logs WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session logs: %w", err)
	}
	defer rows.Close()

	var logs []*SessionLog
	for rows.Next() {
		l := &SessionLog{}
		var taskID, cli sql.NullString
		var lines string
		err := rows.Scan(&l.ID, &l.SessionID, &l.Iteration, &taskID, &cli, &lines, &l.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session log: %w", err)
		}
		l.TaskID = taskID.String
		l.CLI = cli.String
		if err := json.Unmarshal([]byte(lines), &l.Lines); err != nil {
			l.Lines = nil
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
