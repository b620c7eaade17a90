package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	return s.migrateV2()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL COLLATE NOCASE,
		is_lead          INTEGER NOT NULL DEFAULT 0,
		status           TEXT NOT NULL DEFAULT 'idle',
		role             TEXT,
		capabilities     TEXT NOT NULL DEFAULT '[]',
		max_tasks        INTEGER NOT NULL DEFAULT 1,
		persona          TEXT,
		instructions     TEXT,
		appearance       TEXT,
		memory_summary   TEXT,
		scratchpad       TEXT,
		empty_poll_count INTEGER NOT NULL DEFAULT 0,
		created_at       INTEGER NOT NULL,
		last_updated     INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_name ON agents(name COLLATE NOCASE);
	CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

	CREATE TABLE IF NOT EXISTS tasks (
		id                TEXT PRIMARY KEY,
		agent_id          TEXT,
		created_by        TEXT NOT NULL,
		description       TEXT NOT NULL,
		status            TEXT NOT NULL DEFAULT 'unassigned',
		source            TEXT NOT NULL DEFAULT 'api',
		task_type         TEXT,
		tags              TEXT NOT NULL DEFAULT '[]',
		priority          INTEGER NOT NULL DEFAULT 50,
		depends_on        TEXT NOT NULL DEFAULT '[]',
		offered_to        TEXT,
		offered_at        INTEGER,
		accepted_at       INTEGER,
		rejection_reason  TEXT,
		output            TEXT,
		failure_reason    TEXT,
		progress          TEXT,
		slack_channel_id  TEXT,
		slack_thread_ts   TEXT,
		slack_user_id     TEXT,
		github_repo       TEXT,
		github_issue      INTEGER,
		mail_message_id   TEXT,
		mention_origin    TEXT,
		epic_id           TEXT,
		parent_task_id    TEXT,
		claude_session_id TEXT,
		created_at        INTEGER NOT NULL,
		last_updated      INTEGER NOT NULL,
		finished_at       INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_agent_status ON tasks(agent_id, status);
	CREATE INDEX IF NOT EXISTS idx_tasks_status_priority ON tasks(status, priority);
	CREATE INDEX IF NOT EXISTS idx_tasks_offered ON tasks(offered_to, status);
	CREATE INDEX IF NOT EXISTS idx_tasks_creator ON tasks(created_by, created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_epic ON tasks(epic_id);

	CREATE TABLE IF NOT EXISTS inbox_messages (
		id                   TEXT PRIMARY KEY,
		agent_id             TEXT NOT NULL,
		content              TEXT NOT NULL,
		source               TEXT NOT NULL,
		status               TEXT NOT NULL DEFAULT 'unread',
		slack_channel_id     TEXT,
		slack_thread_ts      TEXT,
		slack_user_id        TEXT,
		matched_text         TEXT,
		delegated_to_task_id TEXT,
		response_text        TEXT,
		processing_at        INTEGER,
		created_at           INTEGER NOT NULL,
		last_updated         INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_inbox_agent_status ON inbox_messages(agent_id, status);

	CREATE TABLE IF NOT EXISTS channels (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL UNIQUE,
		is_dm            INTEGER NOT NULL DEFAULT 0,
		processing_by    TEXT,
		processing_until INTEGER,
		created_at       INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS channel_messages (
		id          TEXT PRIMARY KEY,
		channel_id  TEXT NOT NULL REFERENCES channels(id),
		author_id   TEXT,
		content     TEXT NOT NULL,
		reply_to_id TEXT,
		mentions    TEXT NOT NULL DEFAULT '[]',
		created_at  INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_channel_messages ON channel_messages(channel_id, created_at);

	CREATE TABLE IF NOT EXISTS epics (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		goal         TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'draft',
		created_at   INTEGER NOT NULL,
		last_updated INTEGER NOT NULL,
		notified_at  INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_epics_status ON epics(status);

	CREATE TABLE IF NOT EXISTS services (
		id           TEXT PRIMARY KEY,
		agent_id     TEXT NOT NULL,
		name         TEXT NOT NULL,
		port         INTEGER NOT NULL DEFAULT 0,
		script       TEXT,
		status       TEXT NOT NULL DEFAULT 'unknown',
		health_path  TEXT,
		url          TEXT,
		created_at   INTEGER NOT NULL,
		last_updated INTEGER NOT NULL,
		UNIQUE (agent_id, name)
	);

	CREATE TABLE IF NOT EXISTS session_costs (
		id                    INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id            TEXT NOT NULL,
		iteration             INTEGER NOT NULL DEFAULT 0,
		task_id               TEXT,
		agent_id              TEXT,
		cli                   TEXT,
		total_cost_usd        REAL NOT NULL DEFAULT 0,
		input_tokens          INTEGER NOT NULL DEFAULT 0,
		output_tokens         INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
		created_at            INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_session_costs ON session_costs(session_id, iteration);

	CREATE TABLE IF NOT EXISTS session_logs (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		iteration  INTEGER NOT NULL DEFAULT 0,
		task_id    TEXT,
		cli        TEXT,
		lines      TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_session_logs ON session_logs(session_id, iteration);

	CREATE TABLE IF NOT EXISTS config_entries (
		scope      TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (scope, key)
	);

	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}

	return nil
}

func (s *Store) migrateV2() error {
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil || version >= "2" {
		return nil
	}

	// notified_at on tasks arrived after v1; lead notification gating uses it.
	_, _ = s.db.Exec(`ALTER TABLE tasks ADD COLUMN notified_at INTEGER`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id)`)

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}
