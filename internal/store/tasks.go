package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const taskColumns = `id, agent_id, created_by, description, status, source, task_type,
	tags, priority, depends_on, offered_to, offered_at, accepted_at, rejection_reason,
	output, failure_reason, progress, slack_channel_id, slack_thread_ts, slack_user_id,
	github_repo, github_issue, mail_message_id, mention_origin, epic_id, parent_task_id,
	claude_session_id, created_at, last_updated, finished_at, notified_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	t := &Task{}
	var agentID, taskType, offeredTo, rejectionReason, output, failureReason, progress sql.NullString
	var slackChannel, slackThread, slackUser, githubRepo, mailMessageID, mentionOrigin sql.NullString
	var epicID, parentTaskID, claudeSessionID sql.NullString
	var githubIssue, offeredAt, acceptedAt, finishedAt, notifiedAt sql.NullInt64
	var tags, dependsOn string

	err := row.Scan(
		&t.ID, &agentID, &t.CreatedBy, &t.Description, &t.Status, &t.Source, &taskType,
		&tags, &t.Priority, &dependsOn, &offeredTo, &offeredAt, &acceptedAt, &rejectionReason,
		&output, &failureReason, &progress, &slackChannel, &slackThread, &slackUser,
		&githubRepo, &githubIssue, &mailMessageID, &mentionOrigin, &epicID, &parentTaskID,
		&claudeSessionID, &t.CreatedAt, &t.LastUpdated, &finishedAt, &notifiedAt,
	)
	if err != nil {
		return nil, err
	}

	t.AgentID = agentID.String
	t.TaskType = taskType.String
	t.OfferedTo = offeredTo.String
	t.OfferedAt = offeredAt.Int64
	t.AcceptedAt = acceptedAt.Int64
	t.RejectionReason = rejectionReason.String
	t.Output = output.String
	t.FailureReason = failureReason.String
	t.Progress = progress.String
	t.SlackChannelID = slackChannel.String
	t.SlackThreadTS = slackThread.String
	t.SlackUserID = slackUser.String
	t.GitHubRepo = githubRepo.String
	t.GitHubIssue = githubIssue.Int64
	t.MailMessageID = mailMessageID.String
	t.MentionOrigin = mentionOrigin.String
	t.EpicID = epicID.String
	t.ParentTaskID = parentTaskID.String
	t.ClaudeSessionID = claudeSessionID.String
	t.FinishedAt = finishedAt.Int64
	t.NotifiedAt = notifiedAt.Int64
	if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
		t.Tags = nil
	}
	if err := json.Unmarshal([]byte(dependsOn), &t.DependsOn); err != nil {
		t.DependsOn = nil
	}
	return t, nil
}

// InsertTaskTx inserts a task row. The engine owns status policy.
func (s *Store) InsertTaskTx(tx *sql.Tx, t *Task) error {
	now := time.Now().UnixMilli()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.LastUpdated = t.CreatedAt
	tags, _ := json.Marshal(t.Tags)
	if t.Tags == nil {
		tags = []byte("[]")
	}
	deps, _ := json.Marshal(t.DependsOn)
	if t.DependsOn == nil {
		deps = []byte("[]")
	}

	_, err := tx.Exec(`
	INSERT INTO tasks (id, agent_id, created_by, description, status, source, task_type,
		tags, priority, depends_on, offered_to, offered_at, accepted_at, rejection_reason,
		output, failure_reason, progress, slack_channel_id, slack_thread_ts, slack_user_id,
		github_repo, github_issue, mail_message_id, mention_origin, epic_id, parent_task_id,
		claude_session_id, created_at, last_updated, finished_at, notified_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, nullString(t.AgentID), t.CreatedBy, t.Description, t.Status, t.Source, nullString(t.TaskType),
		string(tags), t.Priority, string(deps), nullString(t.OfferedTo), nullInt64(t.OfferedAt),
		nullInt64(t.AcceptedAt), nullString(t.RejectionReason),
		nullString(t.Output), nullString(t.FailureReason), nullString(t.Progress),
		nullString(t.SlackChannelID), nullString(t.SlackThreadTS), nullString(t.SlackUserID),
		nullString(t.GitHubRepo), nullInt64(t.GitHubIssue), nullString(t.MailMessageID),
		nullString(t.MentionOrigin), nullString(t.EpicID), nullString(t.ParentTaskID),
		nullString(t.ClaudeSessionID), t.CreatedAt, t.LastUpdated,
		nullInt64(t.FinishedAt), nullInt64(t.NotifiedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id. Returns nil if not found.
func (s *Store) GetTask(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := scanTask(s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// GetTaskTx retrieves a task inside a transaction.
func (s *Store) GetTaskTx(tx *sql.Tx, id string) (*Task, error) {
	t, err := scanTask(tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// TaskFilter filters ListTasks.
type TaskFilter struct {
	Status  string
	AgentID string
	EpicID  string
	Search  string
	Limit   int
	Offset  int
}

// ListTasks retrieves tasks matching the filter, newest first.
func (s *Store) ListTasks(f TaskFilter) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.EpicID != "" {
		query += ` AND epic_id = ?`
		args = append(args, f.EpicID)
	}
	if f.Search != "" {
		query += ` AND description LIKE ?`
		args = append(args, "%"+f.Search+"%")
	}
	query += ` ORDER BY created_at DESC`

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// --- Transition primitives. Each is a guarded UPDATE whose WHERE clause
// includes the expected current state; the affected-row count is the race
// detector. The engine interprets 0 rows as a lost race or state violation.

// ClaimUnassignedTx moves unassigned → pending for the claiming agent.
func (s *Store) ClaimUnassignedTx(tx *sql.Tx, taskID, agentID string) (int64, error) {
	res, err := tx.Exec(`
	UPDATE tasks SET status = ?, agent_id = ?, last_updated = ?
	WHERE id = ? AND status = ? AND agent_id IS NULL`,
		TaskPending, agentID, time.Now().UnixMilli(), taskID, TaskUnassigned)
	if err != nil {
		return 0, fmt.Errorf("failed to claim task: %w", err)
	}
	return res.RowsAffected()
}

// MarkReviewingTx moves offered → reviewing for the offered agent.
func (s *Store) MarkReviewingTx(tx *sql.Tx, taskID, agentID string) (int64, error) {
	res, err := tx.Exec(`
	UPDATE tasks SET status = ?, last_updated = ?
	WHERE id = ? AND status = ? AND offered_to = ?`,
		TaskReviewing, time.Now().UnixMilli(), taskID, TaskOffered, agentID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark task reviewing: %w", err)
	}
	return res.RowsAffected()
}

// AcceptReviewingTx moves reviewing → pending, assigning ownership to the
// accepting agent.
func (s *Store) AcceptReviewingTx(tx *sql.Tx, taskID, agentID string) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := tx.Exec(`
	UPDATE tasks SET status = ?, agent_id = ?, accepted_at = ?, last_updated = ?
	WHERE id = ? AND status = ? AND offered_to = ?`,
		TaskPending, agentID, now, now, taskID, TaskReviewing, agentID)
	if err != nil {
		return 0, fmt.Errorf("failed to accept task: %w", err)
	}
	return res.RowsAffected()
}

// RejectReviewingTx moves reviewing → toStatus (unassigned or failed) and
// records the rejection reason. The offer fields are cleared so the task
// can be re-offered.
func (s *Store) RejectReviewingTx(tx *sql.Tx, taskID, agentID, reason, toStatus string) (int64, error) {
	now := time.Now().UnixMilli()
	var finishedAt sql.NullInt64
	if toStatus == TaskFailed {
		finishedAt = nullInt64(now)
	}
	res, err := tx.Exec(`
	UPDATE tasks SET status = ?, offered_to = NULL, offered_at = NULL,
		rejection_reason = ?, finished_at = ?, last_updated = ?
	WHERE id = ? AND status = ? AND offered_to = ?`,
		toStatus, nullString(reason), finishedAt, now, taskID, TaskReviewing, agentID)
	if err != nil {
		return 0, fmt.Errorf("failed to reject task: %w", err)
	}
	return res.RowsAffected()
}

// DispatchPendingTx moves pending → in_progress for the owning agent.
func (s *Store) DispatchPendingTx(tx *sql.Tx, taskID, agentID string) (int64, error) {
	res, err := tx.Exec(`
	UPDATE tasks SET status = ?, last_updated = ?
	WHERE id = ? AND status = ? AND agent_id = ?`,
		TaskInProgress, time.Now().UnixMilli(), taskID, TaskPending, agentID)
	if err != nil {
		return 0, fmt.Errorf("failed to dispatch task: %w", err)
	}
	return res.RowsAffected()
}

// FinishTx moves a task from its current (expected) status to a terminal
// status, recording output or failure reason.
func (s *Store) FinishTx(tx *sql.Tx, taskID, fromStatus, toStatus, output, failureReason string) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := tx.Exec(`
	UPDATE tasks SET status = ?, output = ?, failure_reason = ?, finished_at = ?, last_updated = ?
	WHERE id = ? AND status = ?`,
		toStatus, nullString(output), nullString(failureReason), now, now, taskID, fromStatus)
	if err != nil {
		return 0, fmt.Errorf("failed to finish task: %w", err)
	}
	return res.RowsAffected()
}

// PauseTx moves in_progress → paused for the owning agent, preserving progress.
func (s *Store) PauseTx(tx *sql.Tx, taskID, agentID, progress string) (int64, error) {
	now := time.Now().UnixMilli()
	var res sql.Result
	var err error
	if progress != "" {
		res, err = tx.Exec(`
		UPDATE tasks SET status = ?, progress = ?, last_updated = ?
		WHERE id = ? AND status = ? AND agent_id = ?`,
			TaskPaused, progress, now, taskID, TaskInProgress, agentID)
	} else {
		res, err = tx.Exec(`
		UPDATE tasks SET status = ?, last_updated = ?
		WHERE id = ? AND status = ? AND agent_id = ?`,
			TaskPaused, now, taskID, TaskInProgress, agentID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to pause task: %w", err)
	}
	return res.RowsAffected()
}

// ResumeTx moves paused → in_progress for the owning agent.
func (s *Store) ResumeTx(tx *sql.Tx, taskID, agentID string) (int64, error) {
	res, err := tx.Exec(`
	UPDATE tasks SET status = ?, last_updated = ?
	WHERE id = ? AND status = ? AND agent_id = ?`,
		TaskInProgress, time.Now().UnixMilli(), taskID, TaskPaused, agentID)
	if err != nil {
		return 0, fmt.Errorf("failed to resume task: %w", err)
	}
	return res.RowsAffected()
}

// CancelTx moves a non-terminal task to cancelled from its expected status.
func (s *Store) CancelTx(tx *sql.Tx, taskID, fromStatus, reason string) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := tx.Exec(`
	UPDATE tasks SET status = ?, failure_reason = ?, finished_at = ?, last_updated = ?
	WHERE id = ? AND status = ?`,
		TaskCancelled, nullString(reason), now, now, taskID, fromStatus)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel task: %w", err)
	}
	return res.RowsAffected()
}

// ActivateBacklogTx moves backlog → unassigned.
func (s *Store) ActivateBacklogTx(tx *sql.Tx, taskID string) (int64, error) {
	res, err := tx.Exec(`
	UPDATE tasks SET status = ?, last_updated = ?
	WHERE id = ? AND status = ?`,
		TaskUnassigned, time.Now().UnixMilli(), taskID, TaskBacklog)
	if err != nil {
		return 0, fmt.Errorf("failed to activate task: %w", err)
	}
	return res.RowsAffected()
}

// SetProgressTx updates the free-text progress of an in-progress task.
func (s *Store) SetProgressTx(tx *sql.Tx, taskID, agentID, progress string) (int64, error) {
	res, err := tx.Exec(`
	UPDATE tasks SET progress = ?, last_updated = ?
	WHERE id = ? AND status = ? AND agent_id = ?`,
		progress, time.Now().UnixMilli(), taskID, TaskInProgress, agentID)
	if err != nil {
		return 0, fmt.Errorf("failed to set progress: %w", err)
	}
	return res.RowsAffected()
}

// --- Discovery queries used by the trigger resolver and engine guards.

// NextOfferedTx returns the newest task offered to the agent, or nil.
func (s *Store) NextOfferedTx(tx *sql.Tx, agentID string) (*Task, error) {
	t, err := scanTask(tx.QueryRow(`
	SELECT `+taskColumns+` FROM tasks
	WHERE status = ? AND offered_to = ?
	ORDER BY priority DESC, created_at ASC LIMIT 1`, TaskOffered, agentID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query offered task: %w", err)
	}
	return t, nil
}

// NextPendingTx returns the highest-priority pending task owned by the agent.
func (s *Store) NextPendingTx(tx *sql.Tx, agentID string) (*Task, error) {
	t, err := scanTask(tx.QueryRow(`
	SELECT `+taskColumns+` FROM tasks
	WHERE status = ? AND agent_id = ?
	ORDER BY priority DESC, created_at ASC LIMIT 1`, TaskPending, agentID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pending task: %w", err)
	}
	return t, nil
}

// CountInProgressTx counts the agent's in_progress tasks (dispatch guard).
func (s *Store) CountInProgressTx(tx *sql.Tx, agentID string) (int, error) {
	var n int
	err := tx.QueryRow(`SELECT COUNT(*) FROM tasks WHERE agent_id = ? AND status = ?`,
		agentID, TaskInProgress).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count in-progress tasks: %w", err)
	}
	return n, nil
}

// CountOpenTx counts the agent's non-terminal, non-paused owned tasks
// (claim guard; pending work counts against the cap too).
func (s *Store) CountOpenTx(tx *sql.Tx, agentID string) (int, error) {
	var n int
	err := tx.QueryRow(`
	SELECT COUNT(*) FROM tasks
	WHERE agent_id = ? AND status IN (?, ?, ?)`,
		agentID, TaskPending, TaskInProgress, TaskReviewing).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open tasks: %w", err)
	}
	return n, nil
}

// CountInProgress counts in_progress tasks outside a transaction.
func (s *Store) CountInProgress(agentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE agent_id = ? AND status = ?`,
		agentID, TaskInProgress).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count in-progress tasks: %w", err)
	}
	return n, nil
}

// CountUnassignedTx counts pool tasks.
func (s *Store) CountUnassignedTx(tx *sql.Tx) (int, error) {
	var n int
	err := tx.QueryRow(`SELECT COUNT(*) FROM tasks WHERE status = ?`, TaskUnassigned).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unassigned tasks: %w", err)
	}
	return n, nil
}

// NextUnassignedTx returns the highest-priority unassigned task, or nil.
func (s *Store) NextUnassignedTx(tx *sql.Tx) (*Task, error) {
	t, err := scanTask(tx.QueryRow(`
	SELECT `+taskColumns+` FROM tasks
	WHERE status = ? ORDER BY priority DESC, created_at ASC LIMIT 1`, TaskUnassigned))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query unassigned task: %w", err)
	}
	return t, nil
}

// CountExistingTasksTx counts how many of the given ids exist. Used to
// validate dependsOn references.
func (s *Store) CountExistingTasksTx(tx *sql.Tx, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `SELECT COUNT(*) FROM tasks WHERE id IN (?` // first placeholder
	args := []any{ids[0]}
	for _, id := range ids[1:] {
		query += `, ?`
		args = append(args, id)
	}
	query += `)`

	var n int
	if err := tx.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return n, nil
}

// CountUnresolvedDepsTx counts dependencies of the given ids that are not
// yet completed. Zero means the dependent task may activate.
func (s *Store) CountUnresolvedDepsTx(tx *sql.Tx, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `SELECT COUNT(*) FROM tasks WHERE status != ? AND id IN (?`
	args := []any{TaskCompleted, ids[0]}
	for _, id := range ids[1:] {
		query += `, ?`
		args = append(args, id)
	}
	query += `)`

	var n int
	if err := tx.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count unresolved deps: %w", err)
	}
	return n, nil
}

// ListPausedByAgent returns the agent's paused tasks, oldest first, so the
// runner's resume sweep restores work in the order it was interrupted.
func (s *Store) ListPausedByAgent(agentID string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
	SELECT `+taskColumns+` FROM tasks
	WHERE agent_id = ? AND status = ? ORDER BY last_updated ASC`, agentID, TaskPaused)
	if err != nil {
		return nil, fmt.Errorf("failed to list paused tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListCancelled returns cancelled tasks, optionally filtered to one id.
// This backs the in-child cancellation hook.
func (s *Store) ListCancelled(taskID string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ?`
	args := []any{TaskCancelled}
	if taskID != "" {
		query += ` AND id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY last_updated DESC LIMIT 50`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cancelled tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// RecentTasksByCreatorTx returns tasks created by the given agent since
// sinceMS, newest first. The dedup window query.
func (s *Store) RecentTasksByCreatorTx(tx *sql.Tx, creatorID string, sinceMS int64) ([]*Task, error) {
	rows, err := tx.Query(`
	SELECT `+taskColumns+` FROM tasks
	WHERE created_by = ? AND created_at >= ?
	ORDER BY created_at DESC LIMIT 100`, creatorID, sinceMS)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListBacklogTx returns backlog tasks for the dependency sweep.
func (s *Store) ListBacklogTx(tx *sql.Tx) ([]*Task, error) {
	rows, err := tx.Query(`SELECT `+taskColumns+` FROM tasks WHERE status = ?`, TaskBacklog)
	if err != nil {
		return nil, fmt.Errorf("failed to list backlog: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
