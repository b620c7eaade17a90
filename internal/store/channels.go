package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/p-blackswan/agent-broker/internal/apperr"
)

const channelColumns = `id, name, is_dm, processing_by, processing_until, created_at`

func scanChannel(row interface{ Scan(...any) error }) (*Channel, error) {
	c := &Channel{}
	var processingBy sql.NullString
	var processingUntil sql.NullInt64

	err := row.Scan(&c.ID, &c.Name, &c.IsDM, &processingBy, &processingUntil, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.ProcessingBy = processingBy.String
	c.ProcessingUntil = processingUntil.Int64
	return c, nil
}

// CreateChannel creates a channel. Name must be unique.
func (s *Store) CreateChannel(c *Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.CreatedAt == 0 {
		c.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.db.Exec(`
	INSERT INTO channels (id, name, is_dm, processing_by, processing_until, created_at)
	VALUES (?, ?, ?, NULL, NULL, ?)`, c.ID, c.Name, c.IsDM, c.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return apperr.NewConflict("channels.name", fmt.Sprintf("channel %q already exists", c.Name))
		}
		return fmt.Errorf("failed to create channel: %w", err)
	}
	return nil
}

// GetChannel retrieves a channel by id. Returns nil if not found.
func (s *Store) GetChannel(id string) (*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := scanChannel(s.db.QueryRow(`SELECT `+channelColumns+` FROM channels WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return c, nil
}

// GetChannelByName retrieves a channel by its unique name.
func (s *Store) GetChannelByName(name string) (*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := scanChannel(s.db.QueryRow(`SELECT `+channelColumns+` FROM channels WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel by name: %w", err)
	}
	return c, nil
}

// ListChannels returns all channels ordered by name.
func (s *Store) ListChannels() ([]*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT ` + channelColumns + ` FROM channels ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

// InsertChannelMessage appends a message to a channel.
func (s *Store) InsertChannelMessage(m *ChannelMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertChannelMessageLocked(m)
}

// InsertChannelMessageTx appends a message inside a transaction.
func (s *Store) InsertChannelMessageTx(tx *sql.Tx, m *ChannelMessage) error {
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UnixMilli()
	}
	mentions, _ := json.Marshal(m.Mentions)
	if m.Mentions == nil {
		mentions = []byte("[]")
	}
	_, err := tx.Exec(`
	INSERT INTO channel_messages (id, channel_id, author_id, content, reply_to_id, mentions, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChannelID, nullString(m.AuthorID), m.Content,
		nullString(m.ReplyToID), string(mentions), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert channel message: %w", err)
	}
	return nil
}

func (s *Store) insertChannelMessageLocked(m *ChannelMessage) error {
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UnixMilli()
	}
	mentions, _ := json.Marshal(m.Mentions)
	if m.Mentions == nil {
		mentions = []byte("[]")
	}
	_, err := s.db.Exec(`
	INSERT INTO channel_messages (id, channel_id, author_id, content, reply_to_id, mentions, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChannelID, nullString(m.AuthorID), m.Content,
		nullString(m.ReplyToID), string(mentions), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert channel message: %w", err)
	}
	return nil
}

const channelMessageColumns = `id, channel_id, author_id, content, reply_to_id, mentions, created_at`

func scanChannelMessage(row interface{ Scan(...any) error }) (*ChannelMessage, error) {
	m := &ChannelMessage{}
	var authorID, replyToID sql.NullString
	var mentions string

	err := row.Scan(&m.ID, &m.ChannelID, &authorID, &m.Content, &replyToID, &mentions, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.AuthorID = authorID.String
	m.ReplyToID = replyToID.String
	if err := json.Unmarshal([]byte(mentions), &m.Mentions); err != nil {
		m.Mentions = nil
	}
	return m, nil
}

// ListChannelMessages returns a channel's messages, oldest first.
func (s *Store) ListChannelMessages(channelID string, sinceMS int64, limit int) ([]*ChannelMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.Query(`
	SELECT `+channelMessageColumns+` FROM channel_messages
	WHERE channel_id = ? AND created_at > ?
	ORDER BY created_at ASC LIMIT ?`, channelID, sinceMS, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list channel messages: %w", err)
	}
	defer rows.Close()

	var msgs []*ChannelMessage
	for rows.Next() {
		m, err := scanChannelMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UnreadMentionsTx returns channels where the agent has an unanswered
// mention: someone else mentioned the agent and the agent has not written
// in the channel since, and the channel is not held by another poller.
func (s *Store) UnreadMentionsTx(tx *sql.Tx, agentID string, nowMS int64) ([]*Channel, error) {
	needle := `%"` + agentID + `"%`
	rows, err := tx.Query(`
	SELECT `+prefixColumns(channelColumns, "c")+` FROM channels c
	WHERE (c.processing_until IS NULL OR c.processing_until < ? OR c.processing_by = ?)
	AND EXISTS (
		SELECT 1 FROM channel_messages m
		WHERE m.channel_id = c.id
		AND m.mentions LIKE ?
		AND (m.author_id IS NULL OR m.author_id != ?)
		AND NOT EXISTS (
			SELECT 1 FROM channel_messages r
			WHERE r.channel_id = c.id AND r.author_id = ? AND r.created_at > m.created_at
		)
	)`, nowMS, agentID, needle, agentID, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unread mentions: %w", err)
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

// HoldChannelsTx stamps a processing hold on the given channels so other
// pollers skip them until it expires.
func (s *Store) HoldChannelsTx(tx *sql.Tx, channelIDs []string, agentID string, untilMS int64) error {
	for _, id := range channelIDs {
		_, err := tx.Exec(`UPDATE channels SET processing_by = ?, processing_until = ? WHERE id = ?`,
			agentID, untilMS, id)
		if err != nil {
			return fmt.Errorf("failed to hold channel: %w", err)
		}
	}
	return nil
}

// ReleaseChannelHold clears the processing hold an agent placed.
func (s *Store) ReleaseChannelHold(channelID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
	UPDATE channels SET processing_by = NULL, processing_until = NULL
	WHERE id = ? AND processing_by = ?`, channelID, agentID)
	if err != nil {
		return fmt.Errorf("failed to release channel hold: %w", err)
	}
	return nil
}

// prefixColumns rewrites a comma-separated column list with a table alias.
func prefixColumns(cols, alias string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
