package broker

import (
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/agent-broker/internal/config"
	"github.com/p-blackswan/agent-broker/internal/engine"
	"github.com/p-blackswan/agent-broker/internal/health"
	"github.com/p-blackswan/agent-broker/internal/metrics"
	"github.com/p-blackswan/agent-broker/internal/router"
	"github.com/p-blackswan/agent-broker/internal/store"
	"github.com/p-blackswan/agent-broker/internal/trigger"
)

const (
	pollInterval    = 2 * time.Second
	pollCeilingCold = 60 * time.Second
	pollCeilingWarm = 5 * time.Second

	// Cap on each free-text identity field.
	maxIdentityBlob = 64 << 10
)

func identityTooLarge(fields ...string) bool {
	for _, f := range fields {
		if len(f) > maxIdentityBlob {
			return true
		}
	}
	return false
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	cfg       *config.Config
	store     *store.Store
	engine    *engine.Engine
	resolver  *trigger.Resolver
	router    *router.Router
	checker   *health.Checker
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	startTime time.Time
}

// NewHandlers creates a Handlers instance.
func NewHandlers(
	cfg *config.Config,
	st *store.Store,
	eng *engine.Engine,
	resolver *trigger.Resolver,
	rt *router.Router,
	checker *health.Checker,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Handlers {
	return &Handlers{
		cfg:       cfg,
		store:     st,
		engine:    eng,
		resolver:  resolver,
		router:    rt,
		checker:   checker,
		metrics:   m,
		logger:    logger.With().Str("component", "handlers").Logger(),
		startTime: time.Now(),
	}
}

// --- Health.

// Health handles GET /health.
func (h *Handlers) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"version": Version,
		"uptime":  time.Since(h.startTime).String(),
	})
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "alive"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if h.checker != nil && !h.checker.IsReady(c.Context()) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

// --- Agent lifecycle.

// RegisterAgent handles POST /agents. Idempotent upsert.
func (h *Handlers) RegisterAgent(c *fiber.Ctx) error {
	var req registerAgentRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}
	if req.Name == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_name", "Bad Request", "Agent name is required")
	}
	if identityTooLarge(req.Persona, req.Instructions, req.Appearance, req.MemorySummary, req.Scratchpad) {
		return problemResponse(c, fiber.StatusBadRequest,
			"identity_too_large", "Bad Request", "Identity fields are capped at 64 KiB each")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	agent, err := h.store.UpsertAgent(&store.Agent{
		ID:            req.ID,
		Name:          req.Name,
		IsLead:        req.IsLead,
		Role:          req.Role,
		Capabilities:  req.Capabilities,
		MaxTasks:      req.MaxTasks,
		Persona:       req.Persona,
		Instructions:  req.Instructions,
		Appearance:    req.Appearance,
		MemorySummary: req.MemorySummary,
		Scratchpad:    req.Scratchpad,
	})
	if err != nil {
		return errorResponse(c, err)
	}

	h.refreshOnlineGauge()
	return c.JSON(toAgentDTO(agent))
}

// GetAgent handles GET /agents/:id.
func (h *Handlers) GetAgent(c *fiber.Ctx) error {
	agent, err := h.store.GetAgent(c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	if agent == nil {
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", "Unknown agent")
	}
	return c.JSON(toAgentDTO(agent))
}

// ListAgents handles GET /agents.
func (h *Handlers) ListAgents(c *fiber.Ctx) error {
	agents, err := h.store.ListAgents()
	if err != nil {
		return errorResponse(c, err)
	}
	out := make([]agentDTO, 0, len(agents))
	for _, a := range agents {
		out = append(out, toAgentDTO(a))
	}
	return c.JSON(fiber.Map{"agents": out})
}

// Me handles GET /me?include=inbox.
func (h *Handlers) Me(c *fiber.Ctx) error {
	id, ok := requireAgentID(c)
	if !ok {
		return nil
	}

	agent, err := h.store.GetAgent(id)
	if err != nil {
		return errorResponse(c, err)
	}
	if agent == nil {
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", "Unknown agent")
	}

	active, err := h.store.CountInProgress(id)
	if err != nil {
		return errorResponse(c, err)
	}

	resp := meResponse{
		Agent: toAgentDTO(agent),
		Capacity: capacityInfo{
			Current:   active,
			Max:       agent.MaxTasks,
			Available: agent.MaxTasks - active,
		},
	}

	if c.Query("include") == "inbox" {
		msgs, err := h.store.ListInbox(id, store.InboxUnread, 0)
		if err != nil {
			return errorResponse(c, err)
		}
		resp.Inbox = &inboxSummary{Unread: len(msgs)}
	}
	return c.JSON(resp)
}

// UpdateIdentity handles PATCH /me/identity. Replaces only the fields the
// caller sent.
func (h *Handlers) UpdateIdentity(c *fiber.Ctx) error {
	id, ok := requireAgentID(c)
	if !ok {
		return nil
	}

	var req updateIdentityRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	agent, err := h.store.GetAgent(id)
	if err != nil {
		return errorResponse(c, err)
	}
	if agent == nil {
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", "Unknown agent")
	}

	if req.Persona != nil {
		agent.Persona = *req.Persona
	}
	if req.Instructions != nil {
		agent.Instructions = *req.Instructions
	}
	if req.Appearance != nil {
		agent.Appearance = *req.Appearance
	}
	if req.MemorySummary != nil {
		agent.MemorySummary = *req.MemorySummary
	}
	if req.Scratchpad != nil {
		agent.Scratchpad = *req.Scratchpad
	}
	if identityTooLarge(agent.Persona, agent.Instructions, agent.Appearance, agent.MemorySummary, agent.Scratchpad) {
		return problemResponse(c, fiber.StatusBadRequest,
			"identity_too_large", "Bad Request", "Identity fields are capped at 64 KiB each")
	}

	if err := h.store.UpdateAgentIdentity(agent); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(toAgentDTO(agent))
}

// Ping handles POST /ping.
func (h *Handlers) Ping(c *fiber.Ctx) error {
	id, ok := requireAgentID(c)
	if !ok {
		return nil
	}
	if err := h.store.TouchAgent(id); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"ok": true})
}

// Close handles POST /close: marks the agent offline.
func (h *Handlers) Close(c *fiber.Ctx) error {
	id, ok := requireAgentID(c)
	if !ok {
		return nil
	}
	if err := h.store.SetAgentStatus(id, store.AgentOffline); err != nil {
		return errorResponse(c, err)
	}
	h.refreshOnlineGauge()
	h.logger.Info().Str("agent_id", id).Msg("agent closed")
	return c.JSON(fiber.Map{"ok": true})
}

func (h *Handlers) refreshOnlineGauge() {
	if n, err := h.store.CountOnlineAgents(); err == nil {
		h.metrics.AgentsOnline.Set(float64(n))
	}
}

// --- Poll.

// Poll handles GET /api/poll?since=...: a long-poll that returns one
// trigger or null. since carries the client's original poll start (unix
// ms) so a reconnecting runner continues its wait window instead of
// restarting it. The ceiling shrinks when the runner already has running
// tasks so completions are observed quickly.
func (h *Handlers) Poll(c *fiber.Ctx) error {
	id, ok := requireAgentID(c)
	if !ok {
		return nil
	}

	began := time.Now()
	windowStart := began
	if since := int64(c.QueryInt("since")); since > 0 {
		if t := time.UnixMilli(since); t.Before(windowStart) {
			windowStart = t
		}
	}
	ceiling := pollCeilingCold
	if active, err := h.store.CountInProgress(id); err == nil && active > 0 {
		ceiling = pollCeilingWarm
	}

	defer func() {
		h.metrics.PollDuration.Observe(time.Since(began).Seconds())
	}()

	for {
		trig, err := h.resolver.Next(id)
		if err != nil {
			return errorResponse(c, err)
		}
		if trig != nil {
			return c.JSON(fiber.Map{"trigger": trig})
		}
		if time.Since(windowStart)+pollInterval > ceiling {
			return c.JSON(fiber.Map{"trigger": nil})
		}

		select {
		case <-c.Context().Done():
			return nil
		case <-time.After(pollInterval):
		}
	}
}

// --- Tasks.

// CreateTask handles POST /api/tasks.
func (h *Handlers) CreateTask(c *fiber.Ctx) error {
	var req createTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	creator, ok := requireAgentID(c)
	if !ok {
		return nil
	}

	task, err := h.engine.Create(engine.CreateRequest{
		Description:    req.Description,
		CreatedBy:      creator,
		Source:         req.Source,
		TaskType:       req.TaskType,
		Tags:           req.Tags,
		Priority:       req.Priority,
		DependsOn:      req.DependsOn,
		AgentID:        req.AgentID,
		OfferedTo:      req.OfferedTo,
		EpicID:         req.EpicID,
		ParentTaskID:   req.ParentTaskID,
		SlackChannelID: req.SlackChannelID,
		SlackThreadTS:  req.SlackThreadTS,
	})
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(toTaskDTO(task))
}

// ListTasks handles GET /api/tasks with filters.
func (h *Handlers) ListTasks(c *fiber.Ctx) error {
	tasks, err := h.store.ListTasks(store.TaskFilter{
		Status:  c.Query("status"),
		AgentID: c.Query("agentId"),
		EpicID:  c.Query("epicId"),
		Search:  c.Query("search"),
		Limit:   c.QueryInt("limit"),
		Offset:  c.QueryInt("offset"),
	})
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"tasks": toTaskDTOs(tasks)})
}

// GetTask handles GET /api/tasks/:id.
func (h *Handlers) GetTask(c *fiber.Ctx) error {
	task, err := h.store.GetTask(c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	if task == nil {
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", "Unknown task")
	}
	return c.JSON(toTaskDTO(task))
}

// ClaimTask handles POST /api/tasks/:id/claim.
func (h *Handlers) ClaimTask(c *fiber.Ctx) error {
	id, ok := requireAgentID(c)
	if !ok {
		return nil
	}
	task, err := h.engine.Claim(c.Params("id"), id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(toTaskDTO(task))
}

// AcceptTask handles POST /api/tasks/:id/accept.
func (h *Handlers) AcceptTask(c *fiber.Ctx) error {
	id, ok := requireAgentID(c)
	if !ok {
		return nil
	}
	task, err := h.engine.Accept(c.Params("id"), id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(toTaskDTO(task))
}

// RejectTask handles POST /api/tasks/:id/reject.
func (h *Handlers) RejectTask(c *fiber.Ctx) error {
	id, ok := requireAgentID(c)
	if !ok {
		return nil
	}

	var req rejectTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}
	requeue := true
	if req.Requeue != nil {
		requeue = *req.Requeue
	}

	task, err := h.engine.Reject(c.Params("id"), id, req.Reason, requeue)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(toTaskDTO(task))
}

// FinishTask handles POST /api/tasks/:id/finish. Idempotent.
func (h *Handlers) FinishTask(c *fiber.Ctx) error {
	id, ok := requireAgentID(c)
	if !ok {
		return nil
	}

	var req finishTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	result, err := h.engine.Finish(c.Params("id"), id, req.Status, req.Output, req.FailureReason)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(finishResponse{
		Task:            toTaskDTO(result.Task),
		AlreadyFinished: result.AlreadyFinished,
	})
}

// PauseTask handles POST /api/tasks/:id/pause.
func (h *Handlers) PauseTask(c *fiber.Ctx) error {
	id, ok := requireAgentID(c)
	if !ok {
		return nil
	}

	var req pauseTaskRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	task, err := h.engine.Pause(c.Params("id"), id, req.Progress)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(toTaskDTO(task))
}

// ResumeTask handles POST /api/tasks/:id/resume.
func (h *Handlers) ResumeTask(c *fiber.Ctx) error {
	id, ok := requireAgentID(c)
	if !ok {
		return nil
	}
	task, err := h.engine.Resume(c.Params("id"), id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(toTaskDTO(task))
}

// CancelTask handles POST /api/tasks/:id/cancel.
func (h *Handlers) CancelTask(c *fiber.Ctx) error {
	id, ok := requireAgentID(c)
	if !ok {
		return nil
	}

	var req cancelTaskRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	task, err := h.engine.Cancel(c.Params("id"), id, req.Reason)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(toTaskDTO(task))
}

// ActivateTask handles POST /api/tasks/:id/activate (backlog → pool).
func (h *Handlers) ActivateTask(c *fiber.Ctx) error {
	task, err := h.engine.Activate(c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(toTaskDTO(task))
}

// UpdateProgress handles POST /api/tasks/:id/progress.
func (h *Handlers) UpdateProgress(c *fiber.Ctx) error {
	id, ok := requireAgentID(c)
	if !ok {
		return nil
	}

	var req progressRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	if err := h.engine.UpdateProgress(c.Params("id"), id, req.Progress); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"ok": true})
}

// PausedTasks handles GET /api/paused-tasks (owner-scoped).
func (h *Handlers) PausedTasks(c *fiber.Ctx) error {
	id, ok := requireAgentID(c)
	if !ok {
		return nil
	}
	tasks, err := h.store.ListPausedByAgent(id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"tasks": toTaskDTOs(tasks)})
}

// CancelledTasks handles GET /cancelled-tasks?taskId=..., the in-child
// cancellation hook.
func (h *Handlers) CancelledTasks(c *fiber.Ctx) error {
	tasks, err := h.store.ListCancelled(c.Query("taskId"))
	if err != nil {
		return errorResponse(c, err)
	}
	out := make([]cancelledTask, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, cancelledTask{ID: t.ID, FailureReason: t.FailureReason})
	}
	return c.JSON(cancelledTasksResponse{Cancelled: out})
}

// --- Session observability.

// PostSessionLogs handles POST /api/session-logs.
func (h *Handlers) PostSessionLogs(c *fiber.Ctx) error {
	var req sessionLogRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}
	if req.SessionID == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_session_id", "Bad Request", "sessionId is required")
	}

	err := h.store.InsertSessionLog(&store.SessionLog{
		SessionID: req.SessionID,
		Iteration: req.Iteration,
		TaskID:    req.TaskID,
		CLI:       req.CLI,
		Lines:     req.Lines,
	})
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"ok": true})
}

// PostSessionCosts handles POST /api/session-costs.
func (h *Handlers) PostSessionCosts(c *fiber.Ctx) error {
	var req sessionCostRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}
	if req.SessionID == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_session_id", "Bad Request", "sessionId is required")
	}

	err := h.store.InsertSessionCost(&store.SessionCost{
		SessionID:           req.SessionID,
		Iteration:           req.Iteration,
		TaskID:              req.TaskID,
		AgentID:             req.AgentID,
		CLI:                 req.CLI,
		TotalCostUSD:        req.TotalCostUSD,
		InputTokens:         req.InputTokens,
		OutputTokens:        req.OutputTokens,
		CacheCreationTokens: req.CacheCreationTokens,
		CacheReadTokens:     req.CacheReadTokens,
	})
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"ok": true})
}

// GetSessionCosts handles GET /api/session-costs/:sessionId.
func (h *Handlers) GetSessionCosts(c *fiber.Ctx) error {
	sessionID := c.Params("sessionId")
	costs, err := h.store.ListSessionCosts(sessionID)
	if err != nil {
		return errorResponse(c, err)
	}
	total, err := h.store.SumSessionCosts(sessionID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"costs": costs, "totalCostUsd": total})
}

// --- Channels.

// CreateChannel handles POST /api/channels.
func (h *Handlers) CreateChannel(c *fiber.Ctx) error {
	var req createChannelRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}
	if req.Name == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_name", "Bad Request", "Channel name is required")
	}

	ch := &store.Channel{ID: uuid.NewString(), Name: req.Name, IsDM: req.IsDM}
	if err := h.store.CreateChannel(ch); err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(ch)
}

// ListChannels handles GET /api/channels.
func (h *Handlers) ListChannels(c *fiber.Ctx) error {
	channels, err := h.store.ListChannels()
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"channels": channels})
}

// ListChannelMessages handles GET /api/channels/:id/messages?since=...
func (h *Handlers) ListChannelMessages(c *fiber.Ctx) error {
	msgs, err := h.store.ListChannelMessages(c.Params("id"),
		int64(c.QueryInt("since")), c.QueryInt("limit"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"messages": msgs})
}

// PostChannelMessage handles POST /api/channels/:id/messages.
func (h *Handlers) PostChannelMessage(c *fiber.Ctx) error {
	var req postMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}
	if req.Content == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_content", "Bad Request", "Message content is required")
	}

	ch, err := h.store.GetChannel(c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	if ch == nil {
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", "Unknown channel")
	}

	msg := &store.ChannelMessage{
		ID:        uuid.NewString(),
		ChannelID: ch.ID,
		AuthorID:  agentID(c), // empty for human dashboard posts
		Content:   req.Content,
		ReplyToID: req.ReplyToID,
		Mentions:  req.Mentions,
	}
	if err := h.store.InsertChannelMessage(msg); err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

// ReleaseChannel handles POST /api/channels/:id/release: drops the
// caller's processing hold after it has answered its mentions.
func (h *Handlers) ReleaseChannel(c *fiber.Ctx) error {
	id, ok := requireAgentID(c)
	if !ok {
		return nil
	}
	if err := h.store.ReleaseChannelHold(c.Params("id"), id); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"ok": true})
}

// --- Epics.

// CreateEpic handles POST /api/epics.
func (h *Handlers) CreateEpic(c *fiber.Ctx) error {
	var req createEpicRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}
	if req.Name == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_name", "Bad Request", "Epic name is required")
	}

	epic := &store.Epic{ID: uuid.NewString(), Name: req.Name, Goal: req.Goal, Status: req.Status}
	if err := h.store.CreateEpic(epic); err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(epic)
}

// ListEpics handles GET /api/epics.
func (h *Handlers) ListEpics(c *fiber.Ctx) error {
	epics, err := h.store.ListEpics(c.Query("status"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"epics": epics})
}

// GetEpic handles GET /api/epics/:id, including progress stats.
func (h *Handlers) GetEpic(c *fiber.Ctx) error {
	epic, err := h.store.GetEpic(c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	if epic == nil {
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", "Unknown epic")
	}

	stats, err := h.store.EpicStatsFor(epic.ID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{
		"epic":     epic,
		"stats":    stats,
		"progress": stats.Progress(),
	})
}

// UpdateEpic handles PATCH /api/epics/:id.
func (h *Handlers) UpdateEpic(c *fiber.Ctx) error {
	var req updateEpicRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	rows, err := h.store.SetEpicStatus(c.Params("id"), req.Status)
	if err != nil {
		return errorResponse(c, err)
	}
	if rows == 0 {
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", "Unknown epic")
	}
	return c.JSON(fiber.Map{"ok": true})
}

// --- Services.

// UpsertService handles POST /api/services.
func (h *Handlers) UpsertService(c *fiber.Ctx) error {
	id, ok := requireAgentID(c)
	if !ok {
		return nil
	}

	var req upsertServiceRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}
	if req.Name == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_name", "Bad Request", "Service name is required")
	}

	svc := &store.Service{
		ID:         uuid.NewString(),
		AgentID:    id,
		Name:       req.Name,
		Port:       req.Port,
		Script:     req.Script,
		Status:     req.Status,
		HealthPath: req.HealthPath,
		URL:        req.URL,
	}
	if err := h.store.UpsertService(svc); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(svc)
}

// ListServices handles GET /api/services?agentId=...
func (h *Handlers) ListServices(c *fiber.Ctx) error {
	services, err := h.store.ListServices(c.Query("agentId"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"services": services})
}

// DeleteService handles DELETE /api/services/:name (caller-scoped).
func (h *Handlers) DeleteService(c *fiber.Ctx) error {
	id, ok := requireAgentID(c)
	if !ok {
		return nil
	}
	rows, err := h.store.DeleteService(id, c.Params("name"))
	if err != nil {
		return errorResponse(c, err)
	}
	if rows == 0 {
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", "Unknown service")
	}
	return c.JSON(fiber.Map{"ok": true})
}

// --- Inbox.

// ListInbox handles GET /api/inbox?status=...
func (h *Handlers) ListInbox(c *fiber.Ctx) error {
	id, ok := requireAgentID(c)
	if !ok {
		return nil
	}
	msgs, err := h.store.ListInbox(id, c.Query("status"), c.QueryInt("limit"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"messages": msgs})
}

// RespondInbox handles POST /api/inbox/:id/respond.
func (h *Handlers) RespondInbox(c *fiber.Ctx) error {
	id, ok := requireAgentID(c)
	if !ok {
		return nil
	}

	var req respondInboxRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	rows, err := h.store.ResolveInboxMessage(c.Params("id"), id, store.InboxResponded, req.ResponseText, "")
	if err != nil {
		return errorResponse(c, err)
	}
	if rows == 0 {
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found",
			"Message not found or already resolved")
	}
	return c.JSON(fiber.Map{"ok": true})
}

// DelegateInbox handles POST /api/inbox/:id/delegate: turns an inbox
// message into a task and marks the message delegated.
func (h *Handlers) DelegateInbox(c *fiber.Ctx) error {
	id, ok := requireAgentID(c)
	if !ok {
		return nil
	}

	var req delegateInboxRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	msg, err := h.store.GetInboxMessage(c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	if msg == nil || msg.AgentID != id {
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", "Unknown message")
	}

	description := req.Description
	if description == "" {
		description = msg.Content
	}

	task, err := h.engine.Create(engine.CreateRequest{
		Description:    description,
		CreatedBy:      id,
		Source:         msg.Source,
		AgentID:        req.AgentID,
		SlackChannelID: msg.SlackChannelID,
		SlackThreadTS:  msg.SlackThreadTS,
		SlackUserID:    msg.SlackUserID,
	})
	if err != nil {
		return errorResponse(c, err)
	}

	rows, err := h.store.ResolveInboxMessage(msg.ID, id, store.InboxDelegated, "", task.ID)
	if err != nil {
		return errorResponse(c, err)
	}
	if rows == 0 {
		h.logger.Warn().Str("message_id", msg.ID).Msg("delegated message already resolved")
	}
	return c.Status(fiber.StatusCreated).JSON(toTaskDTO(task))
}

// --- Stored config.

// ListConfigs handles GET /api/configs/:scope.
func (h *Handlers) ListConfigs(c *fiber.Ctx) error {
	entries, err := h.store.ListConfigEntries(c.Params("scope"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"entries": entries})
}

// PutConfig handles PUT /api/configs/:scope/:key.
func (h *Handlers) PutConfig(c *fiber.Ctx) error {
	var body struct {
		Value string `json:"value"`
	}
	if err := c.BodyParser(&body); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}
	if err := h.store.SetConfigEntry(c.Params("scope"), c.Params("key"), body.Value); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"ok": true})
}

// ReloadConfigs handles POST /api/configs/reload: re-exports the global
// scope into the process environment.
func (h *Handlers) ReloadConfigs(c *fiber.Ctx) error {
	n, err := ExportGlobalConfig(h.store)
	if err != nil {
		return errorResponse(c, err)
	}
	h.logger.Info().Int("exported", n).Msg("global config reloaded")
	return c.JSON(fiber.Map{"exported": n})
}

// ExportGlobalConfig copies the "global" scope into the process
// environment. One-shot at startup, repeatable via the reload endpoint.
func ExportGlobalConfig(st *store.Store) (int, error) {
	entries, err := st.ListConfigEntries("global")
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if err := os.Setenv(e.Key, e.Value); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}
