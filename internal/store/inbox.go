package store

import (
	"database/sql"
	"fmt"
	"time"
)

const inboxColumns = `id, agent_id, content, source, status, slack_channel_id,
	slack_thread_ts, slack_user_id, matched_text, delegated_to_task_id,
	response_text, processing_at, created_at, last_updated`

func scanInboxMessage(row interface{ Scan(...any) error }) (*InboxMessage, error) {
	m := &InboxMessage{}
	var slackChannel, slackThread, slackUser, matched, delegated, response sql.NullString
	var processingAt sql.NullInt64

	err := row.Scan(
		&m.ID, &m.AgentID, &m.Content, &m.Source, &m.Status,
		&slackChannel, &slackThread, &slackUser, &matched, &delegated,
		&response, &processingAt, &m.CreatedAt, &m.LastUpdated,
	)
	if err != nil {
		return nil, err
	}
	m.SlackChannelID = slackChannel.String
	m.SlackThreadTS = slackThread.String
	m.SlackUserID = slackUser.String
	m.MatchedText = matched.String
	m.DelegatedToTaskID = delegated.String
	m.ResponseText = response.String
	m.ProcessingAt = processingAt.Int64
	return m, nil
}

// InsertInboxMessage records an external chat event for an agent.
func (s *Store) InsertInboxMessage(m *InboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	m.LastUpdated = m.CreatedAt
	if m.Status == "" {
		m.Status = InboxUnread
	}

	_, err := s.db.Exec(`
	INSERT INTO inbox_messages (id, agent_id, content, source, status,
		slack_channel_id, slack_thread_ts, slack_user_id, matched_text,
		delegated_to_task_id, response_text, processing_at, created_at, last_updated)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.AgentID, m.Content, m.Source, m.Status,
		nullString(m.SlackChannelID), nullString(m.SlackThreadTS), nullString(m.SlackUserID),
		nullString(m.MatchedText), nullString(m.DelegatedToTaskID), nullString(m.ResponseText),
		nullInt64(m.ProcessingAt), m.CreatedAt, m.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("failed to insert inbox message: %w", err)
	}
	return nil
}

// GetInboxMessage retrieves one message by id. Returns nil if not found.
func (s *Store) GetInboxMessage(id string) (*InboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := scanInboxMessage(s.db.QueryRow(`SELECT `+inboxColumns+` FROM inbox_messages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inbox message: %w", err)
	}
	return m, nil
}

// CountUnreadInboxTx counts unread inbox messages for the agent.
func (s *Store) CountUnreadInboxTx(tx *sql.Tx, agentID string) (int, error) {
	var n int
	err := tx.QueryRow(`SELECT COUNT(*) FROM inbox_messages WHERE agent_id = ? AND status = ?`,
		agentID, InboxUnread).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread inbox: %w", err)
	}
	return n, nil
}

// ClaimUnreadInboxTx flips up to limit unread messages to processing and
// returns them, oldest first.
func (s *Store) ClaimUnreadInboxTx(tx *sql.Tx, agentID string, limit int) ([]*InboxMessage, error) {
	rows, err := tx.Query(`
	SELECT `+inboxColumns+` FROM inbox_messages
	WHERE agent_id = ? AND status = ?
	ORDER BY created_at ASC LIMIT ?`, agentID, InboxUnread, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unread inbox: %w", err)
	}
	defer rows.Close()

	var msgs []*InboxMessage
	for rows.Next() {
		m, err := scanInboxMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan inbox message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		_, err := tx.Exec(`
		UPDATE inbox_messages SET status = ?, processing_at = ?, last_updated = ?
		WHERE id = ? AND status = ?`, InboxProcessing, now, now, m.ID, InboxUnread)
		if err != nil {
			return nil, fmt.Errorf("failed to claim inbox message: %w", err)
		}
		m.Status = InboxProcessing
		m.ProcessingAt = now
		m.LastUpdated = now
	}
	return msgs, nil
}

// ResolveInboxMessage finalizes a processing message: responded with a
// response text, or delegated to a task. Any non-terminal status may
// resolve so recovery after a crashed child still works.
func (s *Store) ResolveInboxMessage(id, agentID, status, responseText, taskID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
	UPDATE inbox_messages SET status = ?, response_text = ?, delegated_to_task_id = ?, last_updated = ?
	WHERE id = ? AND agent_id = ? AND status IN (?, ?, ?)`,
		status, nullString(responseText), nullString(taskID), time.Now().UnixMilli(),
		id, agentID, InboxUnread, InboxProcessing, InboxRead)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve inbox message: %w", err)
	}
	return res.RowsAffected()
}

// ListInbox returns an agent's inbox, newest first, optionally filtered
// by status.
func (s *Store) ListInbox(agentID, status string, limit int) ([]*InboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT ` + inboxColumns + ` FROM inbox_messages WHERE agent_id = ?`
	args := []any{agentID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list inbox: %w", err)
	}
	defer rows.Close()

	var msgs []*InboxMessage
	for rows.Next() {
		m, err := scanInboxMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan inbox message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// RequeueStaleInbox flips processing messages older than cutoffMS back to
// unread. Crash recovery for abandoned claims.
func (s *Store) RequeueStaleInbox(cutoffMS int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
	UPDATE inbox_messages SET status = ?, processing_at = NULL, last_updated = ?
	WHERE status = ? AND processing_at < ?`,
		InboxUnread, time.Now().UnixMilli(), InboxProcessing, cutoffMS)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale inbox: %w", err)
	}
	return res.RowsAffected()
}
