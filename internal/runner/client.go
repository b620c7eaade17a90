// Package runner is the agent-side supervisor: it registers with the
// broker, polls for triggers, and runs one CLI child process per task.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/agent-broker/internal/apperr"
	"github.com/p-blackswan/agent-broker/internal/retry"
)

// Task mirrors the broker's task representation.
type Task struct {
	ID              string `json:"id"`
	AgentID         string `json:"agentId"`
	CreatedBy       string `json:"createdBy"`
	Description     string `json:"description"`
	Status          string `json:"status"`
	Priority        int    `json:"priority"`
	OfferedTo       string `json:"offeredTo"`
	Output          string `json:"output"`
	FailureReason   string `json:"failureReason"`
	Progress        string `json:"progress"`
	EpicID          string `json:"epicId"`
	ClaudeSessionID string `json:"claudeSessionId"`
}

// Channel is a claimed mention channel inside a trigger.
type Channel struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	ProcessingUntil int64  `json:"processingUntil"`
}

// InboxMessage is a claimed inbox row inside a lead trigger.
type InboxMessage struct {
	ID      string `json:"id"`
	Source  string `json:"source"`
	Content string `json:"content"`
}

// EpicSummary names an epic inside a progress trigger.
type EpicSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EpicStats is the task breakdown of one epic.
type EpicStats struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	InProgress int `json:"inProgress"`
}

// EpicProgress pairs an epic with its stats at resolution time.
type EpicProgress struct {
	Epic  EpicSummary `json:"epic"`
	Stats EpicStats   `json:"stats"`
}

// Trigger is the poll envelope payload.
type Trigger struct {
	Type            string         `json:"type"`
	TaskID          string         `json:"taskId,omitempty"`
	Task            *Task          `json:"task,omitempty"`
	MentionsCount   int            `json:"mentionsCount,omitempty"`
	Count           int            `json:"count,omitempty"`
	ClaimedChannels []Channel      `json:"claimedChannels,omitempty"`
	Messages        []InboxMessage `json:"messages,omitempty"`
	Epics           []EpicProgress `json:"epics,omitempty"`
}

// FinishAck is the broker's response to a finish call.
type FinishAck struct {
	Task            Task `json:"task"`
	AlreadyFinished bool `json:"alreadyFinished"`
}

// AgentInfo is the broker's view of this runner.
type AgentInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsLead   bool   `json:"isLead"`
	Status   string `json:"status"`
	MaxTasks int    `json:"maxTasks"`
}

// SessionLogBatch is one buffered batch of child stdout lines.
type SessionLogBatch struct {
	SessionID string   `json:"sessionId"`
	Iteration int      `json:"iteration"`
	TaskID    string   `json:"taskId,omitempty"`
	CLI       string   `json:"cli,omitempty"`
	Lines     []string `json:"lines"`
}

// SessionCost is one cost record extracted from a child result line.
type SessionCost struct {
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

// Client talks to the broker HTTP API on behalf of one agent.
type Client struct {
	baseURL string
	apiKey  string
	agentID string
	http    *http.Client
	retry   retry.Config
	logger  zerolog.Logger
}

// NewClient creates a broker API client. The agent id is set after
// registration.
func NewClient(baseURL, apiKey string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		// Long polls can hold for a minute; leave headroom.
		http:   &http.Client{Timeout: 90 * time.Second},
		retry:  retry.DefaultConfig(),
		logger: logger.With().Str("component", "client").Logger(),
	}
}

// SetAgentID sets the X-Agent-ID used on subsequent calls.
func (c *Client) SetAgentID(id string) { c.agentID = id }

// AgentID returns the registered agent id.
func (c *Client) AgentID() string { return c.agentID }

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return retry.Do(ctx, c.retry, func(ctx context.Context) error {
		return c.doOnce(ctx, method, path, body, out)
	})
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.agentID != "" {
		req.Header.Set("X-Agent-ID", c.agentID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var problem struct {
			Type   string `json:"type"`
			Detail string `json:"detail"`
		}
		msg := resp.Status
		if err := json.NewDecoder(resp.Body).Decode(&problem); err == nil && problem.Detail != "" {
			msg = problem.Detail
		}
		return apperr.NewAPIError(resp.StatusCode, msg)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Register upserts this runner's agent record and stores the agent id.
func (c *Client) Register(ctx context.Context, id, name string, isLead bool, maxTasks int) (*AgentInfo, error) {
	var agent AgentInfo
	err := c.do(ctx, "POST", "/agents", map[string]any{
		"id":       id,
		"name":     name,
		"isLead":   isLead,
		"maxTasks": maxTasks,
	}, &agent)
	if err != nil {
		return nil, err
	}
	c.agentID = agent.ID
	return &agent, nil
}

// Ping marks the agent alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "POST", "/ping", map[string]any{}, nil)
}

// Close marks the agent offline.
func (c *Client) Close(ctx context.Context) error {
	return c.do(ctx, "POST", "/close", map[string]any{}, nil)
}

// Poll asks the broker for the next trigger. A nil trigger means nothing
// to do right now.
func (c *Client) Poll(ctx context.Context) (*Trigger, error) {
	var envelope struct {
		Trigger *Trigger `json:"trigger"`
	}
	// A retried long poll would double the wait; poll once per call.
	if err := c.doOnce(ctx, "GET", "/api/poll", nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Trigger, nil
}

// Claim attempts to take an unassigned task.
func (c *Client) Claim(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	if err := c.do(ctx, "POST", "/api/tasks/"+taskID+"/claim", map[string]any{}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Accept accepts an offered task under review.
func (c *Client) Accept(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	if err := c.do(ctx, "POST", "/api/tasks/"+taskID+"/accept", map[string]any{}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Reject declines an offered task under review.
func (c *Client) Reject(ctx context.Context, taskID, reason string, requeue bool) error {
	return c.do(ctx, "POST", "/api/tasks/"+taskID+"/reject", map[string]any{
		"reason":  reason,
		"requeue": requeue,
	}, nil)
}

// Finish reports a terminal outcome. Safe to retry: a repeat is
// acknowledged with AlreadyFinished.
func (c *Client) Finish(ctx context.Context, taskID, status, output, failureReason string) (*FinishAck, error) {
	var ack FinishAck
	err := c.do(ctx, "POST", "/api/tasks/"+taskID+"/finish", map[string]any{
		"status":        status,
		"output":        output,
		"failureReason": failureReason,
	}, &ack)
	if err != nil {
		return nil, err
	}
	return &ack, nil
}

// Pause suspends an in-progress task with a progress note.
func (c *Client) Pause(ctx context.Context, taskID, progress string) error {
	return c.do(ctx, "POST", "/api/tasks/"+taskID+"/pause", map[string]any{
		"progress": progress,
	}, nil)
}

// Resume reactivates one of this agent's paused tasks.
func (c *Client) Resume(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	if err := c.do(ctx, "POST", "/api/tasks/"+taskID+"/resume", map[string]any{}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// PausedTasks lists this agent's paused tasks, oldest first.
func (c *Client) PausedTasks(ctx context.Context) ([]Task, error) {
	var body struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.do(ctx, "GET", "/api/paused-tasks", nil, &body); err != nil {
		return nil, err
	}
	return body.Tasks, nil
}

// ListTasks lists tasks by status.
func (c *Client) ListTasks(ctx context.Context, status string) ([]Task, error) {
	var body struct {
		Tasks []Task `json:"tasks"`
	}
	path := "/api/tasks?status=" + url.QueryEscape(status)
	if err := c.do(ctx, "GET", path, nil, &body); err != nil {
		return nil, err
	}
	return body.Tasks, nil
}

// CancelledTaskIDs returns ids of cancelled tasks, optionally filtered to
// one task. Used to stop children whose work was cancelled server-side.
func (c *Client) CancelledTaskIDs(ctx context.Context, taskID string) ([]string, error) {
	var body struct {
		Cancelled []struct {
			ID string `json:"id"`
		} `json:"cancelled"`
	}
	path := "/cancelled-tasks"
	if taskID != "" {
		path += "?taskId=" + url.QueryEscape(taskID)
	}
	if err := c.do(ctx, "GET", path, nil, &body); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(body.Cancelled))
	for _, t := range body.Cancelled {
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// PostSessionLogs ships one batch of child output lines.
func (c *Client) PostSessionLogs(ctx context.Context, batch SessionLogBatch) error {
	return c.do(ctx, "POST", "/api/session-logs", batch, nil)
}

// PostSessionCosts records one cost entry. Best effort.
func (c *Client) PostSessionCosts(ctx context.Context, cost SessionCost) error {
	return c.do(ctx, "POST", "/api/session-costs", cost, nil)
}
