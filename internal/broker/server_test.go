package broker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/agent-broker/internal/config"
	"github.com/p-blackswan/agent-broker/internal/engine"
	"github.com/p-blackswan/agent-broker/internal/health"
	"github.com/p-blackswan/agent-broker/internal/metrics"
	"github.com/p-blackswan/agent-broker/internal/router"
	"github.com/p-blackswan/agent-broker/internal/store"
	"github.com/p-blackswan/agent-broker/internal/trigger"
)

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *store.Store) {
	t.Helper()

	dbPath := fmt.Sprintf("/tmp/test-broker-http-%d.db", time.Now().UnixNano())
	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)

	st, err := store.New(dbPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		st.Close()
		os.Remove(dbPath)
		os.Remove(dbPath + "-wal")
		os.Remove(dbPath + "-shm")
	})

	m := metrics.New()
	eng := engine.New(st, m, logger)
	resolver := trigger.New(st, m, logger)
	rt := router.New(st, eng, m, logger)

	checker := health.NewChecker(logger)
	checker.Register("database", func(ctx context.Context) health.Status {
		if st.Ping() != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})

	if cfg == nil {
		cfg = &config.Config{}
	}
	return NewServer(cfg, st, eng, resolver, rt, checker, m, logger), st
}

func doRequest(t *testing.T, srv *Server, method, path, agentID string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if agentID != "" {
		req.Header.Set("X-Agent-ID", agentID)
	}

	resp, err := srv.App().Test(req, 10000)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func registerTestAgent(t *testing.T, srv *Server, name string, isLead bool, maxTasks int) string {
	t.Helper()
	resp := doRequest(t, srv, "POST", "/agents", "", map[string]any{
		"name":     name,
		"isLead":   isLead,
		"maxTasks": maxTasks,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var agent struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &agent)
	require.NotEmpty(t, agent.ID)
	return agent.ID
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp := doRequest(t, srv, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])

	resp = doRequest(t, srv, "GET", "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_BearerRequired(t *testing.T) {
	srv, _ := newTestServer(t, &config.Config{APIKey: "s3cret"})

	// Probes stay open.
	resp := doRequest(t, srv, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, srv, "GET", "/me", "agent-1", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var problem ProblemDetail
	decodeBody(t, resp, &problem)
	assert.Equal(t, "missing_auth", problem.Type)

	req := httptest.NewRequest("GET", "/agents", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	wrongResp, err := srv.App().Test(req, 10000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, wrongResp.StatusCode)

	req = httptest.NewRequest("GET", "/agents", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	okResp, err := srv.App().Test(req, 10000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, okResp.StatusCode)
}

func TestMe_RequiresAgentHeader(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp := doRequest(t, srv, "GET", "/me", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var problem ProblemDetail
	decodeBody(t, resp, &problem)
	assert.Equal(t, "missing_agent_id", problem.Type)
}

func TestRegisterAndMe(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	id := registerTestAgent(t, srv, "lead", true, 2)

	resp := doRequest(t, srv, "GET", "/me?include=inbox", id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var me meResponse
	decodeBody(t, resp, &me)
	assert.Equal(t, "lead", me.Agent.Name)
	assert.True(t, me.Agent.IsLead)
	assert.Equal(t, 0, me.Capacity.Current)
	assert.Equal(t, 2, me.Capacity.Max)
	assert.Equal(t, 2, me.Capacity.Available)
	require.NotNil(t, me.Inbox)
	assert.Equal(t, 0, me.Inbox.Unread)
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	lead := registerTestAgent(t, srv, "lead", true, 2)
	worker := registerTestAgent(t, srv, "worker", false, 1)

	resp := doRequest(t, srv, "POST", "/api/tasks", lead, map[string]any{
		"description": "ship the release notes",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created taskDTO
	decodeBody(t, resp, &created)
	assert.Equal(t, store.TaskUnassigned, created.Status)
	assert.Equal(t, lead, created.CreatedBy)

	resp = doRequest(t, srv, "POST", "/api/tasks/"+created.ID+"/claim", worker, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var claimed taskDTO
	decodeBody(t, resp, &claimed)
	assert.Equal(t, store.TaskPending, claimed.Status)
	assert.Equal(t, worker, claimed.AgentID)

	// Second claim loses the race.
	resp = doRequest(t, srv, "POST", "/api/tasks/"+created.ID+"/claim", lead, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doRequest(t, srv, "POST", "/api/tasks/"+created.ID+"/finish", worker, map[string]any{
		"status": "completed",
		"output": "done",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var finished finishResponse
	decodeBody(t, resp, &finished)
	assert.Equal(t, store.TaskCompleted, finished.Task.Status)
	assert.False(t, finished.AlreadyFinished)

	// Retried finish is a no-op acknowledgement.
	resp = doRequest(t, srv, "POST", "/api/tasks/"+created.ID+"/finish", worker, map[string]any{
		"status": "completed",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &finished)
	assert.True(t, finished.AlreadyFinished)
}

func TestPoll_ReturnsAssignedTrigger(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	lead := registerTestAgent(t, srv, "lead", true, 2)
	worker := registerTestAgent(t, srv, "worker", false, 1)

	resp := doRequest(t, srv, "POST", "/api/tasks", lead, map[string]any{
		"description": "fix the login flow",
		"agentId":     worker,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doRequest(t, srv, "GET", "/api/poll", worker, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Trigger *trigger.Trigger `json:"trigger"`
	}
	decodeBody(t, resp, &body)
	require.NotNil(t, body.Trigger)
	assert.Equal(t, trigger.TypeTaskAssigned, body.Trigger.Type)
	require.NotNil(t, body.Trigger.Task)
	assert.Equal(t, store.TaskInProgress, body.Trigger.Task.Status)
}

func TestPoll_SinceContinuesWaitWindow(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	worker := registerTestAgent(t, srv, "worker", false, 1)

	// A reconnecting runner passes its original poll start; a window that
	// began two minutes ago is already past the cold ceiling, so the poll
	// answers null immediately instead of restarting the wait.
	since := time.Now().Add(-2 * time.Minute).UnixMilli()
	started := time.Now()
	resp := doRequest(t, srv, "GET", fmt.Sprintf("/api/poll?since=%d", since), worker, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Less(t, time.Since(started), 2*time.Second)

	var body struct {
		Trigger *trigger.Trigger `json:"trigger"`
	}
	decodeBody(t, resp, &body)
	assert.Nil(t, body.Trigger)
}

func TestCancelledTasksHook(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	lead := registerTestAgent(t, srv, "lead", true, 2)

	resp := doRequest(t, srv, "POST", "/api/tasks", lead, map[string]any{
		"description": "obsolete work",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created taskDTO
	decodeBody(t, resp, &created)

	resp = doRequest(t, srv, "POST", "/api/tasks/"+created.ID+"/cancel", lead, map[string]any{
		"reason": "superseded",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, srv, "GET", "/cancelled-tasks?taskId="+created.ID, lead, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var hook cancelledTasksResponse
	decodeBody(t, resp, &hook)
	require.Len(t, hook.Cancelled, 1)
	assert.Equal(t, created.ID, hook.Cancelled[0].ID)
	assert.Equal(t, "superseded", hook.Cancelled[0].FailureReason)
}

func TestPausedTasksScopedToOwner(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	lead := registerTestAgent(t, srv, "lead", true, 2)
	worker := registerTestAgent(t, srv, "worker", false, 1)

	resp := doRequest(t, srv, "POST", "/api/tasks", lead, map[string]any{
		"description": "long migration",
		"agentId":     worker,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created taskDTO
	decodeBody(t, resp, &created)

	// Pause is only legal from in_progress; poll to dispatch first.
	resp = doRequest(t, srv, "GET", "/api/poll", worker, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, srv, "POST", "/api/tasks/"+created.ID+"/pause", worker, map[string]any{
		"progress": "half way",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, srv, "GET", "/api/paused-tasks", worker, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var mine struct {
		Tasks []taskDTO `json:"tasks"`
	}
	decodeBody(t, resp, &mine)
	require.Len(t, mine.Tasks, 1)
	assert.Equal(t, "half way", mine.Tasks[0].Progress)

	resp = doRequest(t, srv, "GET", "/api/paused-tasks", lead, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var theirs struct {
		Tasks []taskDTO `json:"tasks"`
	}
	decodeBody(t, resp, &theirs)
	assert.Empty(t, theirs.Tasks)
}

func TestGitHubWebhook_RejectsBadSignature(t *testing.T) {
	srv, _ := newTestServer(t, &config.Config{GitHubWebhookSecret: "hook-secret"})

	payload := []byte(`{"action":"created"}`)
	req := httptest.NewRequest("POST", "/webhooks/github", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "issue_comment")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")

	resp, err := srv.App().Test(req, 10000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGitHubWebhook_RoutesIssueComment(t *testing.T) {
	srv, _ := newTestServer(t, &config.Config{GitHubWebhookSecret: "hook-secret"})
	registerTestAgent(t, srv, "lead", true, 2)

	payload, err := json.Marshal(map[string]any{
		"action": "created",
		"issue": map[string]any{
			"number": 42,
			"title":  "Crash on startup",
		},
		"comment": map[string]any{
			"body": "please investigate the crash",
			"user": map[string]any{"login": "human-dev"},
		},
		"repository": map[string]any{"full_name": "acme/platform"},
	})
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte("hook-secret"))
	mac.Write(payload)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest("POST", "/webhooks/github", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "issue_comment")
	req.Header.Set("X-Hub-Signature-256", sig)

	resp, err := srv.App().Test(req, 10000)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	decodeBody(t, resp, &body)
	assert.Equal(t, true, body["ok"])
	assert.NotEmpty(t, body["taskId"])
}

func TestMailWebhook_SecretAndRouting(t *testing.T) {
	srv, _ := newTestServer(t, &config.Config{MailWebhookSecret: "mail-secret"})
	registerTestAgent(t, srv, "lead", true, 2)

	payload := map[string]any{
		"messageId": "msg-1",
		"from":      "ops@example.com",
		"subject":   "Disk alert",
		"body":      "Prod disk above ninety percent",
	}

	resp := doRequest(t, srv, "POST", "/webhooks/mail", "", payload)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	b, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest("POST", "/webhooks/mail", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Secret", "mail-secret")

	okResp, err := srv.App().Test(req, 10000)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, okResp.StatusCode)

	var body map[string]any
	decodeBody(t, okResp, &body)
	assert.Equal(t, true, body["ok"])
}

func TestSlackWebhook_URLVerification(t *testing.T) {
	secret := "slack-signing"
	srv, _ := newTestServer(t, &config.Config{SlackSigningSecret: secret})

	payload := []byte(`{"type":"url_verification","challenge":"abc123"}`)
	ts := fmt.Sprintf("%d", time.Now().Unix())

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:%s", ts, payload)
	sig := "v0=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest("POST", "/webhooks/slack", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", sig)

	resp, err := srv.App().Test(req, 10000)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "abc123", string(raw))
}

func TestSlackWebhook_RejectsBadSignature(t *testing.T) {
	srv, _ := newTestServer(t, &config.Config{SlackSigningSecret: "slack-signing"})

	payload := []byte(`{"type":"url_verification","challenge":"abc123"}`)
	req := httptest.NewRequest("POST", "/webhooks/slack", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Slack-Request-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	req.Header.Set("X-Slack-Signature", "v0=bogus")

	resp, err := srv.App().Test(req, 10000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChannelsAndEpicsOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	lead := registerTestAgent(t, srv, "lead", true, 2)

	resp := doRequest(t, srv, "POST", "/api/channels", lead, map[string]any{"name": "general"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var ch store.Channel
	decodeBody(t, resp, &ch)

	resp = doRequest(t, srv, "POST", "/api/channels/"+ch.ID+"/messages", lead, map[string]any{
		"content": "kickoff at noon",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doRequest(t, srv, "GET", "/api/channels/"+ch.ID+"/messages", lead, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msgs struct {
		Messages []store.ChannelMessage `json:"messages"`
	}
	decodeBody(t, resp, &msgs)
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, "kickoff at noon", msgs.Messages[0].Content)

	resp = doRequest(t, srv, "POST", "/api/epics", lead, map[string]any{
		"name": "Q3 reliability",
		"goal": "cut error budget burn",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var epic store.Epic
	decodeBody(t, resp, &epic)

	resp = doRequest(t, srv, "POST", "/api/tasks", lead, map[string]any{
		"description": "add retry to the payment client",
		"epicId":      epic.ID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doRequest(t, srv, "GET", "/api/epics/"+epic.ID, lead, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail struct {
		Epic     store.Epic      `json:"epic"`
		Stats    store.EpicStats `json:"stats"`
		Progress float64         `json:"progress"`
	}
	decodeBody(t, resp, &detail)
	assert.Equal(t, 1, detail.Stats.Total)
	assert.Equal(t, float64(0), detail.Progress)
}

func TestInboxRespondAndDelegate(t *testing.T) {
	srv, st := newTestServer(t, nil)
	lead := registerTestAgent(t, srv, "lead", true, 2)

	require.NoError(t, st.InsertInboxMessage(&store.InboxMessage{
		ID:      "msg-1",
		AgentID: lead,
		Content: "can you check the deploy?",
		Source:  store.SourceSlack,
		Status:  store.InboxUnread,
	}))
	require.NoError(t, st.InsertInboxMessage(&store.InboxMessage{
		ID:      "msg-2",
		AgentID: lead,
		Content: "rotate the signing keys",
		Source:  store.SourceSlack,
		Status:  store.InboxUnread,
	}))

	resp := doRequest(t, srv, "POST", "/api/inbox/msg-1/respond", lead, map[string]any{
		"responseText": "deploy is green",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, srv, "POST", "/api/inbox/msg-2/delegate", lead, map[string]any{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var task taskDTO
	decodeBody(t, resp, &task)
	assert.Equal(t, "rotate the signing keys", task.Description)

	msg, err := st.GetInboxMessage("msg-2")
	require.NoError(t, err)
	assert.Equal(t, store.InboxDelegated, msg.Status)
	assert.Equal(t, task.ID, msg.DelegatedToTaskID)
}

func TestConfigEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	lead := registerTestAgent(t, srv, "lead", true, 2)

	resp := doRequest(t, srv, "PUT", "/api/configs/global/TEST_BROKER_FLAG", lead, map[string]any{
		"value": "enabled",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, srv, "GET", "/api/configs/global", lead, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries struct {
		Entries []store.ConfigEntry `json:"entries"`
	}
	decodeBody(t, resp, &entries)
	require.Len(t, entries.Entries, 1)
	assert.Equal(t, "TEST_BROKER_FLAG", entries.Entries[0].Key)

	resp = doRequest(t, srv, "POST", "/api/configs/reload", lead, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "enabled", os.Getenv("TEST_BROKER_FLAG"))
	os.Unsetenv("TEST_BROKER_FLAG")
}
