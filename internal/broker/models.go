package broker

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/p-blackswan/agent-broker/internal/apperr"
	"github.com/p-blackswan/agent-broker/internal/store"
)

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func problemResponse(c *fiber.Ctx, status int, problemType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     problemType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}

// errorResponse maps engine/store failures onto HTTP problems.
func errorResponse(c *fiber.Ctx, err error) error {
	var stateErr *apperr.StateError
	var conflictErr *apperr.ConflictError

	switch {
	case errors.Is(err, apperr.ErrValidation):
		return problemResponse(c, fiber.StatusBadRequest, "validation_error", "Bad Request", err.Error())
	case errors.Is(err, apperr.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", err.Error())
	case errors.Is(err, apperr.ErrForbidden):
		return problemResponse(c, fiber.StatusForbidden, "forbidden", "Forbidden", err.Error())
	case errors.Is(err, apperr.ErrCapacity):
		return problemResponse(c, fiber.StatusConflict, "at_capacity", "Conflict", err.Error())
	case errors.Is(err, apperr.ErrAuthFailure):
		return problemResponse(c, fiber.StatusUnauthorized, "unauthorized", "Unauthorized", err.Error())
	case errors.Is(err, apperr.ErrUnavailable):
		return problemResponse(c, fiber.StatusServiceUnavailable, "unavailable", "Service Unavailable", err.Error())
	case errors.As(err, &stateErr):
		return problemResponse(c, fiber.StatusBadRequest, "state_violation", "Bad Request", stateErr.Error())
	case errors.As(err, &conflictErr):
		return problemResponse(c, fiber.StatusConflict, "conflict", "Conflict", conflictErr.Message)
	default:
		return problemResponse(c, fiber.StatusInternalServerError, "internal_error", "Internal Server Error", "An internal error occurred")
	}
}

// --- Request bodies.

type registerAgentRequest struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	IsLead        bool     `json:"isLead"`
	Role          string   `json:"role,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	MaxTasks      int      `json:"maxTasks,omitempty"`
	Persona       string   `json:"persona,omitempty"`
	Instructions  string   `json:"instructions,omitempty"`
	Appearance    string   `json:"appearance,omitempty"`
	MemorySummary string   `json:"memorySummary,omitempty"`
	Scratchpad    string   `json:"scratchpad,omitempty"`
}

type createTaskRequest struct {
	Description    string   `json:"description"`
	Source         string   `json:"source,omitempty"`
	TaskType       string   `json:"taskType,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Priority       *int     `json:"priority,omitempty"`
	DependsOn      []string `json:"dependsOn,omitempty"`
	AgentID        string   `json:"agentId,omitempty"`
	OfferedTo      string   `json:"offeredTo,omitempty"`
	EpicID         string   `json:"epicId,omitempty"`
	ParentTaskID   string   `json:"parentTaskId,omitempty"`
	SlackChannelID string   `json:"slackChannelId,omitempty"`
	SlackThreadTS  string   `json:"slackThreadTs,omitempty"`
}

type finishTaskRequest struct {
	Status        string `json:"status"`
	Output        string `json:"output,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
}

type pauseTaskRequest struct {
	Progress string `json:"progress,omitempty"`
}

type rejectTaskRequest struct {
	Reason  string `json:"reason,omitempty"`
	Requeue *bool  `json:"requeue,omitempty"`
}

type cancelTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

type progressRequest struct {
	Progress string `json:"progress"`
}

type sessionLogRequest struct {
	SessionID string   `json:"sessionId"`
	Iteration int      `json:"iteration"`
	TaskID    string   `json:"taskId,omitempty"`
	CLI       string   `json:"cli,omitempty"`
	Lines     []string `json:"lines"`
}

type sessionCostRequest struct {
	SessionID           string  `json:"sessionId"`
	Iteration           int     `json:"iteration"`
	TaskID              string  `json:"taskId,omitempty"`
	AgentID             string  `json:"agentId,omitempty"`
	CLI                 string  `json:"cli,omitempty"`
	TotalCostUSD        float64 `json:"totalCostUsd"`
	InputTokens         int64   `json:"inputTokens,omitempty"`
	OutputTokens        int64   `json:"outputTokens,omitempty"`
	CacheCreationTokens int64   `json:"cacheCreationTokens,omitempty"`
	CacheReadTokens     int64   `json:"cacheReadTokens,omitempty"`
}

type createChannelRequest struct {
	Name string `json:"name"`
	IsDM bool   `json:"isDm,omitempty"`
}

type postMessageRequest struct {
	Content   string   `json:"content"`
	ReplyToID string   `json:"replyToId,omitempty"`
	Mentions  []string `json:"mentions,omitempty"`
}

type createEpicRequest struct {
	Name   string `json:"name"`
	Goal   string `json:"goal,omitempty"`
	Status string `json:"status,omitempty"`
}

type updateEpicRequest struct {
	Status string `json:"status"`
}

type upsertServiceRequest struct {
	Name       string `json:"name"`
	Port       int    `json:"port,omitempty"`
	Script     string `json:"script,omitempty"`
	Status     string `json:"status,omitempty"`
	HealthPath string `json:"healthPath,omitempty"`
	URL        string `json:"url,omitempty"`
}

type respondInboxRequest struct {
	ResponseText string `json:"responseText"`
}

type delegateInboxRequest struct {
	Description string `json:"description"`
	AgentID     string `json:"agentId,omitempty"`
}

type updateIdentityRequest struct {
	Persona       *string `json:"persona,omitempty"`
	Instructions  *string `json:"instructions,omitempty"`
	Appearance    *string `json:"appearance,omitempty"`
	MemorySummary *string `json:"memorySummary,omitempty"`
	Scratchpad    *string `json:"scratchpad,omitempty"`
}

// --- Response bodies.

type capacityInfo struct {
	Current   int `json:"current"`
	Max       int `json:"max"`
	Available int `json:"available"`
}

type meResponse struct {
	Agent    agentDTO      `json:"agent"`
	Capacity capacityInfo  `json:"capacity"`
	Inbox    *inboxSummary `json:"inbox,omitempty"`
}

type inboxSummary struct {
	Unread int `json:"unread"`
}

type agentDTO struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	IsLead         bool     `json:"isLead"`
	Status         string   `json:"status"`
	Role           string   `json:"role,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty"`
	MaxTasks       int      `json:"maxTasks"`
	EmptyPollCount int      `json:"emptyPollCount"`
	CreatedAt      int64    `json:"createdAt"`
	LastUpdated    int64    `json:"lastUpdated"`
}

func toAgentDTO(a *store.Agent) agentDTO {
	return agentDTO{
		ID:             a.ID,
		Name:           a.Name,
		IsLead:         a.IsLead,
		Status:         a.Status,
		Role:           a.Role,
		Capabilities:   a.Capabilities,
		MaxTasks:       a.MaxTasks,
		EmptyPollCount: a.EmptyPollCount,
		CreatedAt:      a.CreatedAt,
		LastUpdated:    a.LastUpdated,
	}
}

type taskDTO struct {
	ID              string   `json:"id"`
	AgentID         string   `json:"agentId,omitempty"`
	CreatedBy       string   `json:"createdBy"`
	Description     string   `json:"description"`
	Status          string   `json:"status"`
	Source          string   `json:"source"`
	TaskType        string   `json:"taskType,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	Priority        int      `json:"priority"`
	DependsOn       []string `json:"dependsOn,omitempty"`
	OfferedTo       string   `json:"offeredTo,omitempty"`
	OfferedAt       int64    `json:"offeredAt,omitempty"`
	AcceptedAt      int64    `json:"acceptedAt,omitempty"`
	RejectionReason string   `json:"rejectionReason,omitempty"`
	Output          string   `json:"output,omitempty"`
	FailureReason   string   `json:"failureReason,omitempty"`
	Progress        string   `json:"progress,omitempty"`
	SlackChannelID  string   `json:"slackChannelId,omitempty"`
	SlackThreadTS   string   `json:"slackThreadTs,omitempty"`
	EpicID          string   `json:"epicId,omitempty"`
	ParentTaskID    string   `json:"parentTaskId,omitempty"`
	ClaudeSessionID string   `json:"claudeSessionId,omitempty"`
	CreatedAt       int64    `json:"createdAt"`
	LastUpdated     int64    `json:"lastUpdated"`
	FinishedAt      int64    `json:"finishedAt,omitempty"`
}

func toTaskDTO(t *store.Task) taskDTO {
	return taskDTO{
		ID:              t.ID,
		AgentID:         t.AgentID,
		CreatedBy:       t.CreatedBy,
		Description:     t.Description,
		Status:          t.Status,
		Source:          t.Source,
		TaskType:        t.TaskType,
		Tags:            t.Tags,
		Priority:        t.Priority,
		DependsOn:       t.DependsOn,
		OfferedTo:       t.OfferedTo,
		OfferedAt:       t.OfferedAt,
		AcceptedAt:      t.AcceptedAt,
		RejectionReason: t.RejectionReason,
		Output:          t.Output,
		FailureReason:   t.FailureReason,
		Progress:        t.Progress,
		SlackChannelID:  t.SlackChannelID,
		SlackThreadTS:   t.SlackThreadTS,
		EpicID:          t.EpicID,
		ParentTaskID:    t.ParentTaskID,
		ClaudeSessionID: t.ClaudeSessionID,
		CreatedAt:       t.CreatedAt,
		LastUpdated:     t.LastUpdated,
		FinishedAt:      t.FinishedAt,
	}
}

func toTaskDTOs(tasks []*store.Task) []taskDTO {
	out := make([]taskDTO, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskDTO(t))
	}
	return out
}

type finishResponse struct {
	Task            taskDTO `json:"task"`
	AlreadyFinished bool    `json:"alreadyFinished"`
}

type cancelledTasksResponse struct {
	Cancelled []cancelledTask `json:"cancelled"`
}

type cancelledTask struct {
	ID            string `json:"id"`
	FailureReason string `json:"failureReason,omitempty"`
}
