// Package engine is the task lifecycle state machine. Every externally
// visible task transition goes through here: the engine validates the
// caller, composes the store's guarded primitives inside one transaction
// and interprets lost races as typed errors.
package engine

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/agent-broker/internal/apperr"
	"github.com/p-blackswan/agent-broker/internal/metrics"
	"github.com/p-blackswan/agent-broker/internal/store"
)

// Engine coordinates task lifecycle transitions.
type Engine struct {
	store   *store.Store
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates an Engine.
func New(st *store.Store, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	return &Engine{
		store:   st,
		metrics: m,
		logger:  logger.With().Str("component", "engine").Logger(),
	}
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	Description    string
	CreatedBy      string
	Source         string
	TaskType       string
	Tags           []string
	Priority       *int // nil means default (50)
	DependsOn      []string
	AgentID        string // direct assignment → pending
	OfferedTo      string // offer → offered
	EpicID         string
	ParentTaskID   string
	SlackChannelID string
	SlackThreadTS  string
	SlackUserID    string
	GitHubRepo     string
	GitHubIssue    int64
	MailMessageID  string
	MentionOrigin  string
}

// Create inserts a new task. Placement policy: a direct assignee makes it
// pending on that agent, an offer target makes it offered, unresolved
// dependencies park it in backlog, otherwise it enters the unassigned pool.
func (e *Engine) Create(req CreateRequest) (*store.Task, error) {
	if req.Description == "" {
		return nil, fmt.Errorf("%w: description is required", apperr.ErrValidation)
	}
	if req.CreatedBy == "" {
		return nil, fmt.Errorf("%w: createdBy is required", apperr.ErrValidation)
	}
	if req.AgentID != "" && req.OfferedTo != "" {
		return nil, fmt.Errorf("%w: agentId and offeredTo are mutually exclusive", apperr.ErrValidation)
	}
	priority := 50
	if req.Priority != nil {
		priority = *req.Priority
	}
	if priority < 0 || priority > 100 {
		return nil, fmt.Errorf("%w: priority must be 0..100", apperr.ErrValidation)
	}
	if req.Source == "" {
		req.Source = store.SourceAPI
	}

	task := &store.Task{
		ID:             uuid.NewString(),
		CreatedBy:      req.CreatedBy,
		Description:    req.Description,
		Source:         req.Source,
		TaskType:       req.TaskType,
		Tags:           req.Tags,
		Priority:       priority,
		DependsOn:      req.DependsOn,
		EpicID:         req.EpicID,
		ParentTaskID:   req.ParentTaskID,
		SlackChannelID: req.SlackChannelID,
		SlackThreadTS:  req.SlackThreadTS,
		SlackUserID:    req.SlackUserID,
		GitHubRepo:     req.GitHubRepo,
		GitHubIssue:    req.GitHubIssue,
		MailMessageID:  req.MailMessageID,
		MentionOrigin:  req.MentionOrigin,
	}

	err := e.store.WithTx(func(tx *sql.Tx) error {
		if len(req.DependsOn) > 0 {
			n, err := e.store.CountExistingTasksTx(tx, req.DependsOn)
			if err != nil {
				return err
			}
			if n != len(req.DependsOn) {
				return fmt.Errorf("%w: dependsOn references unknown tasks", apperr.ErrValidation)
			}
		}

		switch {
		case req.AgentID != "":
			agent, err := e.store.GetAgentTx(tx, req.AgentID)
			if err != nil {
				return err
			}
			if agent == nil {
				return fmt.Errorf("%w: agent %s", apperr.ErrNotFound, req.AgentID)
			}
			task.AgentID = req.AgentID
			task.Status = store.TaskPending
		case req.OfferedTo != "":
			agent, err := e.store.GetAgentTx(tx, req.OfferedTo)
			if err != nil {
				return err
			}
			if agent == nil {
				return fmt.Errorf("%w: agent %s", apperr.ErrNotFound, req.OfferedTo)
			}
			task.OfferedTo = req.OfferedTo
			task.OfferedAt = time.Now().UnixMilli()
			task.Status = store.TaskOffered
		default:
			unresolved := 0
			if len(req.DependsOn) > 0 {
				var err error
				unresolved, err = e.store.CountUnresolvedDepsTx(tx, req.DependsOn)
				if err != nil {
					return err
				}
			}
			if unresolved > 0 {
				task.Status = store.TaskBacklog
			} else {
				task.Status = store.TaskUnassigned
			}
		}

		return e.store.InsertTaskTx(tx, task)
	})
	if err != nil {
		return nil, err
	}

	e.metrics.RecordTransition(task.Status)
	e.logger.Info().
		Str("task_id", task.ID).
		Str("status", task.Status).
		Str("source", task.Source).
		Msg("task created")
	return task, nil
}

// Claim moves an unassigned pool task to pending on the claiming agent.
// The agent's open-task count must be below its cap.
func (e *Engine) Claim(taskID, agentID string) (*store.Task, error) {
	var task *store.Task
	err := e.store.WithTx(func(tx *sql.Tx) error {
		agent, err := e.requireAgent(tx, agentID)
		if err != nil {
			return err
		}

		open, err := e.store.CountOpenTx(tx, agentID)
		if err != nil {
			return err
		}
		if open >= agent.MaxTasks {
			return fmt.Errorf("%w: agent %s is at capacity (%d/%d)",
				apperr.ErrCapacity, agentID, open, agent.MaxTasks)
		}

		rows, err := e.store.ClaimUnassignedTx(tx, taskID, agentID)
		if err != nil {
			return err
		}
		if rows == 0 {
			return e.stateConflict(tx, taskID, "claim", store.TaskUnassigned)
		}

		task, err = e.store.GetTaskTx(tx, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.metrics.RecordTransition(store.TaskPending)
	e.logger.Info().Str("task_id", taskID).Str("agent_id", agentID).Msg("task claimed")
	return task, nil
}

// Accept moves a reviewing task to pending, assigning it to the accepting
// agent. Only the offer target may accept.
func (e *Engine) Accept(taskID, agentID string) (*store.Task, error) {
	var task *store.Task
	err := e.store.WithTx(func(tx *sql.Tx) error {
		if _, err := e.requireAgent(tx, agentID); err != nil {
			return err
		}

		rows, err := e.store.AcceptReviewingTx(tx, taskID, agentID)
		if err != nil {
			return err
		}
		if rows == 0 {
			current, err := e.store.GetTaskTx(tx, taskID)
			if err != nil {
				return err
			}
			if current == nil {
				return fmt.Errorf("%w: task %s", apperr.ErrNotFound, taskID)
			}
			if current.OfferedTo != agentID {
				return fmt.Errorf("%w: task %s is not offered to agent %s", apperr.ErrForbidden, taskID, agentID)
			}
			return apperr.NewStateError(taskID, "accept", store.TaskReviewing, current.Status)
		}

		task, err = e.store.GetTaskTx(tx, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.metrics.RecordTransition(store.TaskPending)
	e.logger.Info().Str("task_id", taskID).Str("agent_id", agentID).Msg("offer accepted")
	return task, nil
}

// Reject declines a reviewing offer. requeue=true returns the task to the
// unassigned pool; otherwise it fails with the rejection reason.
func (e *Engine) Reject(taskID, agentID, reason string, requeue bool) (*store.Task, error) {
	toStatus := store.TaskFailed
	if requeue {
		toStatus = store.TaskUnassigned
	}

	var task *store.Task
	err := e.store.WithTx(func(tx *sql.Tx) error {
		rows, err := e.store.RejectReviewingTx(tx, taskID, agentID, reason, toStatus)
		if err != nil {
			return err
		}
		if rows == 0 {
			current, err := e.store.GetTaskTx(tx, taskID)
			if err != nil {
				return err
			}
			if current == nil {
				return fmt.Errorf("%w: task %s", apperr.ErrNotFound, taskID)
			}
			if current.OfferedTo != agentID {
				return fmt.Errorf("%w: task %s is not offered to agent %s", apperr.ErrForbidden, taskID, agentID)
			}
			return apperr.NewStateError(taskID, "reject", store.TaskReviewing, current.Status)
		}

		task, err = e.store.GetTaskTx(tx, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.metrics.RecordTransition(toStatus)
	e.logger.Info().Str("task_id", taskID).Str("agent_id", agentID).
		Bool("requeue", requeue).Msg("offer rejected")
	return task, nil
}

// FinishResult distinguishes a fresh finish from an idempotent repeat.
type FinishResult struct {
	Task            *store.Task
	AlreadyFinished bool
}

// Finish moves a task to completed or failed. Idempotent: finishing an
// already-terminal task returns AlreadyFinished without modifying it. Only
// the owning agent (or the creator, while the task is unowned) may finish.
// Completing a task re-evaluates backlog tasks that depended on it and
// recomputes the agent's busy/idle status.
func (e *Engine) Finish(taskID, callerID, toStatus, output, failureReason string) (*FinishResult, error) {
	if toStatus != store.TaskCompleted && toStatus != store.TaskFailed {
		return nil, fmt.Errorf("%w: finish status must be completed or failed", apperr.ErrValidation)
	}

	result := &FinishResult{}
	var activated []string
	err := e.store.WithTx(func(tx *sql.Tx) error {
		current, err := e.store.GetTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("%w: task %s", apperr.ErrNotFound, taskID)
		}
		if store.IsTerminalStatus(current.Status) {
			result.Task = current
			result.AlreadyFinished = true
			return nil
		}

		owner := current.AgentID
		if owner == "" {
			owner = current.CreatedBy
		}
		if callerID != owner {
			return fmt.Errorf("%w: agent %s does not own task %s", apperr.ErrForbidden, callerID, taskID)
		}

		rows, err := e.store.FinishTx(tx, taskID, current.Status, toStatus, output, failureReason)
		if err != nil {
			return err
		}
		if rows == 0 {
			return apperr.NewStateError(taskID, "finish", current.Status, "changed")
		}

		if current.AgentID != "" {
			if err := e.recomputeAgentStatusTx(tx, current.AgentID); err != nil {
				return err
			}
		}

		if toStatus == store.TaskCompleted {
			activated, err = e.activateReadyTx(tx)
			if err != nil {
				return err
			}
		}

		result.Task, err = e.store.GetTaskTx(tx, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if !result.AlreadyFinished {
		e.metrics.RecordTransition(toStatus)
		e.logger.Info().Str("task_id", taskID).Str("status", toStatus).
			Int("activated", len(activated)).Msg("task finished")
	}
	return result, nil
}

// Pause suspends an in-progress task, preserving free-text progress so a
// restarted runner can pick up where it left off.
func (e *Engine) Pause(taskID, agentID, progress string) (*store.Task, error) {
	var task *store.Task
	err := e.store.WithTx(func(tx *sql.Tx) error {
		rows, err := e.store.PauseTx(tx, taskID, agentID, progress)
		if err != nil {
			return err
		}
		if rows == 0 {
			return e.ownedStateConflict(tx, taskID, agentID, "pause", store.TaskInProgress)
		}
		if err := e.recomputeAgentStatusTx(tx, agentID); err != nil {
			return err
		}
		task, err = e.store.GetTaskTx(tx, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.metrics.RecordTransition(store.TaskPaused)
	e.logger.Info().Str("task_id", taskID).Str("agent_id", agentID).Msg("task paused")
	return task, nil
}

// Resume reactivates a paused task.
func (e *Engine) Resume(taskID, agentID string) (*store.Task, error) {
	var task *store.Task
	err := e.store.WithTx(func(tx *sql.Tx) error {
		rows, err := e.store.ResumeTx(tx, taskID, agentID)
		if err != nil {
			return err
		}
		if rows == 0 {
			return e.ownedStateConflict(tx, taskID, agentID, "resume", store.TaskPaused)
		}
		if err := e.store.SetAgentStatusTx(tx, agentID, store.AgentBusy); err != nil {
			return err
		}
		task, err = e.store.GetTaskTx(tx, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.metrics.RecordTransition(store.TaskInProgress)
	e.logger.Info().Str("task_id", taskID).Str("agent_id", agentID).Msg("task resumed")
	return task, nil
}

// Cancel terminates a non-terminal task. The owner, the creator, or a
// lead may cancel. Idempotent on already-cancelled tasks.
func (e *Engine) Cancel(taskID, callerID, reason string) (*store.Task, error) {
	var task *store.Task
	var already bool
	err := e.store.WithTx(func(tx *sql.Tx) error {
		current, err := e.store.GetTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("%w: task %s", apperr.ErrNotFound, taskID)
		}
		if current.Status == store.TaskCancelled {
			task = current
			already = true
			return nil
		}
		if store.IsTerminalStatus(current.Status) {
			return apperr.NewStateError(taskID, "cancel", "non-terminal", current.Status)
		}
		if callerID != current.CreatedBy && callerID != current.AgentID {
			caller, err := e.store.GetAgentTx(tx, callerID)
			if err != nil {
				return err
			}
			if caller == nil || !caller.IsLead {
				return fmt.Errorf("%w: agent %s may not cancel task %s", apperr.ErrForbidden, callerID, taskID)
			}
		}

		rows, err := e.store.CancelTx(tx, taskID, current.Status, reason)
		if err != nil {
			return err
		}
		if rows == 0 {
			return apperr.NewStateError(taskID, "cancel", current.Status, "changed")
		}
		if current.AgentID != "" {
			if err := e.recomputeAgentStatusTx(tx, current.AgentID); err != nil {
				return err
			}
		}
		task, err = e.store.GetTaskTx(tx, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if !already {
		e.metrics.RecordTransition(store.TaskCancelled)
		e.logger.Info().Str("task_id", taskID).Str("caller", callerID).Msg("task cancelled")
	}
	return task, nil
}

// Activate moves a backlog task to the unassigned pool, provided all of
// its dependencies are completed.
func (e *Engine) Activate(taskID string) (*store.Task, error) {
	var task *store.Task
	err := e.store.WithTx(func(tx *sql.Tx) error {
		current, err := e.store.GetTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("%w: task %s", apperr.ErrNotFound, taskID)
		}
		if current.Status != store.TaskBacklog {
			return apperr.NewStateError(taskID, "activate", store.TaskBacklog, current.Status)
		}

		unresolved, err := e.store.CountUnresolvedDepsTx(tx, current.DependsOn)
		if err != nil {
			return err
		}
		if unresolved > 0 {
			return fmt.Errorf("%w: task %s has %d unresolved dependencies",
				apperr.ErrValidation, taskID, unresolved)
		}

		rows, err := e.store.ActivateBacklogTx(tx, taskID)
		if err != nil {
			return err
		}
		if rows == 0 {
			return apperr.NewStateError(taskID, "activate", store.TaskBacklog, "changed")
		}
		task, err = e.store.GetTaskTx(tx, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.metrics.RecordTransition(store.TaskUnassigned)
	return task, nil
}

// UpdateProgress replaces the free-text progress of an in-progress task.
func (e *Engine) UpdateProgress(taskID, agentID, progress string) error {
	return e.store.WithTx(func(tx *sql.Tx) error {
		rows, err := e.store.SetProgressTx(tx, taskID, agentID, progress)
		if err != nil {
			return err
		}
		if rows == 0 {
			return e.ownedStateConflict(tx, taskID, agentID, "progress", store.TaskInProgress)
		}
		return nil
	})
}

// ActiveCount returns how many tasks the agent is actively executing.
func (e *Engine) ActiveCount(agentID string) (int, error) {
	return e.store.CountInProgress(agentID)
}

// activateReadyTx sweeps backlog tasks whose dependencies are now all
// completed and moves them to the pool. Runs inside the finishing
// transaction so a completion and its unblocked successors commit together.
func (e *Engine) activateReadyTx(tx *sql.Tx) ([]string, error) {
	backlog, err := e.store.ListBacklogTx(tx)
	if err != nil {
		return nil, err
	}

	var activated []string
	for _, t := range backlog {
		unresolved, err := e.store.CountUnresolvedDepsTx(tx, t.DependsOn)
		if err != nil {
			return nil, err
		}
		if unresolved > 0 {
			continue
		}
		rows, err := e.store.ActivateBacklogTx(tx, t.ID)
		if err != nil {
			return nil, err
		}
		if rows == 1 {
			activated = append(activated, t.ID)
		}
	}
	return activated, nil
}

// recomputeAgentStatusTx sets the agent busy when it still has in_progress
// work, idle otherwise. Offline agents are left alone.
func (e *Engine) recomputeAgentStatusTx(tx *sql.Tx, agentID string) error {
	agent, err := e.store.GetAgentTx(tx, agentID)
	if err != nil {
		return err
	}
	if agent == nil || agent.Status == store.AgentOffline {
		return nil
	}

	active, err := e.store.CountInProgressTx(tx, agentID)
	if err != nil {
		return err
	}
	status := store.AgentIdle
	if active > 0 {
		status = store.AgentBusy
	}
	if status != agent.Status {
		return e.store.SetAgentStatusTx(tx, agentID, status)
	}
	return nil
}

func (e *Engine) requireAgent(tx *sql.Tx, agentID string) (*store.Agent, error) {
	agent, err := e.store.GetAgentTx(tx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, fmt.Errorf("%w: agent %s", apperr.ErrNotFound, agentID)
	}
	return agent, nil
}

// stateConflict inspects the task after a zero-row guarded update and
// produces the most specific error.
func (e *Engine) stateConflict(tx *sql.Tx, taskID, op, expected string) error {
	current, err := e.store.GetTaskTx(tx, taskID)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("%w: task %s", apperr.ErrNotFound, taskID)
	}
	return apperr.NewStateError(taskID, op, expected, current.Status)
}

func (e *Engine) ownedStateConflict(tx *sql.Tx, taskID, agentID, op, expected string) error {
	current, err := e.store.GetTaskTx(tx, taskID)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("%w: task %s", apperr.ErrNotFound, taskID)
	}
	if current.AgentID != agentID {
		return fmt.Errorf("%w: agent %s does not own task %s", apperr.ErrForbidden, agentID, taskID)
	}
	return apperr.NewStateError(taskID, op, expected, current.Status)
}
