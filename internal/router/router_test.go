package router

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/agent-broker/internal/engine"
	"github.com/p-blackswan/agent-broker/internal/metrics"
	"github.com/p-blackswan/agent-broker/internal/store"
)

func newTestRouter(t *testing.T) (*Router, *store.Store, func()) {
	dbPath := fmt.Sprintf("/tmp/test-router-%d.db", time.Now().UnixNano())
	logger := zerolog.New(os.Stderr)
	st, err := store.New(dbPath, logger)
	require.NoError(t, err)

	m := metrics.New()
	e := engine.New(st, m, logger)
	r := New(st, e, m, logger)
	return r, st, func() {
		st.Close()
		os.Remove(dbPath)
	}
}

func addAgent(t *testing.T, st *store.Store, id string, lead bool) *store.Agent {
	a, err := st.UpsertAgent(&store.Agent{ID: id, Name: id, IsLead: lead, MaxTasks: 1})
	require.NoError(t, err)
	return a
}

func TestJaccard(t *testing.T) {
	assert.InDelta(t, 1.0, Jaccard("deploy the app", "deploy the app"), 0.001)
	assert.InDelta(t, 1.0, Jaccard("", ""), 0.001)
	assert.InDelta(t, 0.0, Jaccard("deploy", ""), 0.001)
	assert.InDelta(t, 0.0, Jaccard("", "deploy"), 0.001)
	assert.InDelta(t, 0.0, Jaccard("alpha beta", "gamma delta"), 0.001)

	// Punctuation and case are normalized away.
	assert.InDelta(t, 1.0, Jaccard("Deploy, the app!", "deploy THE app"), 0.001)

	// {deploy, the, app} vs {deploy, the, service}: 2/4.
	assert.InDelta(t, 0.5, Jaccard("deploy the app", "deploy the service"), 0.001)
}

func TestFindDuplicate_Order(t *testing.T) {
	threadTask := &store.Task{ID: "t-thread", Description: "completely different words", SlackChannelID: "C1", SlackThreadTS: "1.2"}
	similarTask := &store.Task{ID: "t-similar", Description: "deploy the new billing feature"}

	// Thread match wins even with zero text similarity.
	dup, reason := FindDuplicate([]*store.Task{threadTask}, Event{
		Text: "please deploy it now", SlackChannelID: "C1", SlackThreadTS: "1.2",
	})
	require.NotNil(t, dup)
	assert.Equal(t, "t-thread", dup.ID)
	assert.Equal(t, ReasonSameThread, reason)

	dup, reason = FindDuplicate([]*store.Task{similarTask}, Event{
		Text: "deploy the new billing feature",
	})
	require.NotNil(t, dup)
	assert.Equal(t, ReasonHighSimilarity, reason)

	// Moderate similarity only matches when pinned to the same agent.
	// {deploy,the,billing,service,to,staging} vs
	// {deploy,the,billing,service,to,production}: 5/7 ≈ 0.71.
	agentTask := &store.Task{ID: "t-agent", AgentID: "worker-1", Description: "deploy the billing service to staging"}
	dup, _ = FindDuplicate([]*store.Task{agentTask}, Event{
		Text: "deploy the billing service to production",
	})
	assert.Nil(t, dup)

	dup, reason = FindDuplicate([]*store.Task{agentTask}, Event{
		Text:          "deploy the billing service to production",
		TargetAgentID: "worker-1",
	})
	require.NotNil(t, dup)
	assert.Equal(t, ReasonSameAgent, reason)
}

func TestRoute_DirectiveToLead(t *testing.T) {
	r, st, cleanup := newTestRouter(t)
	defer cleanup()

	lead := addAgent(t, st, "lead-1", true)

	result, err := r.Route(Event{
		Source: store.SourceSlack, Author: "U123",
		Text: "summarize the incident report", MentionsBot: true,
		SlackChannelID: "C1", SlackThreadTS: "1.1",
	})
	require.NoError(t, err)
	require.NotNil(t, result.Task)
	assert.Equal(t, store.TaskPending, result.Task.Status)
	assert.Equal(t, lead.ID, result.Task.AgentID)
	assert.Equal(t, lead.ID, result.Task.CreatedBy)
	assert.Equal(t, "C1", result.Task.SlackChannelID)
}

func TestRoute_EmptyDirectiveGoesToInbox(t *testing.T) {
	r, st, cleanup := newTestRouter(t)
	defer cleanup()

	addAgent(t, st, "lead-1", true)

	result, err := r.Route(Event{
		Source: store.SourceSlack, Author: "U123",
		Text: "", MentionsBot: true, SlackChannelID: "C1",
	})
	require.NoError(t, err)
	require.NotNil(t, result.InboxMessage)
	assert.Equal(t, "lead-1", result.InboxMessage.AgentID)
	assert.Equal(t, store.InboxUnread, result.InboxMessage.Status)
}

func TestRoute_NoOneOnline_QueuesInbox(t *testing.T) {
	r, st, cleanup := newTestRouter(t)
	defer cleanup()

	addAgent(t, st, "lead-1", true)
	require.NoError(t, st.SetAgentStatus("lead-1", store.AgentOffline))

	result, err := r.Route(Event{
		Source: store.SourceSlack, Author: "U123", Text: "fix the build",
	})
	require.NoError(t, err)
	require.NotNil(t, result.InboxMessage, "offline lead still collects the event")
	assert.Nil(t, result.Task)
}

func TestRoute_NoLeadAtAll_PoolTask(t *testing.T) {
	r, _, cleanup := newTestRouter(t)
	defer cleanup()

	result, err := r.Route(Event{
		Source: store.SourceGitHub, Author: "octocat", Text: "triage issue 42",
		GitHubRepo: "acme/api", GitHubIssue: 42,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Task)
	assert.Equal(t, store.TaskUnassigned, result.Task.Status)
	assert.Equal(t, "octocat", result.Task.CreatedBy)
	assert.Equal(t, "acme/api", result.Task.GitHubRepo)
}

func TestRoute_DedupSameThread(t *testing.T) {
	r, st, cleanup := newTestRouter(t)
	defer cleanup()

	addAgent(t, st, "lead-1", true)

	first, err := r.Route(Event{
		Source: store.SourceSlack, Author: "U123",
		Text: "deploy new feature", MentionsBot: true,
		SlackChannelID: "C1", SlackThreadTS: "1.2",
	})
	require.NoError(t, err)
	require.NotNil(t, first.Task)

	second, err := r.Route(Event{
		Source: store.SourceSlack, Author: "U456",
		Text: "please deploy it now", MentionsBot: true,
		SlackChannelID: "C1", SlackThreadTS: "1.2",
	})
	require.NoError(t, err)
	require.NotNil(t, second.Duplicate)
	assert.Equal(t, first.Task.ID, second.Duplicate.ID)
	assert.Equal(t, ReasonSameThread, second.DedupReason)
}

func TestRoute_DedupHighSimilarity(t *testing.T) {
	r, st, cleanup := newTestRouter(t)
	defer cleanup()

	addAgent(t, st, "lead-1", true)

	_, err := r.Route(Event{
		Source: store.SourceSlack, Author: "U123",
		Text: "update the onboarding documentation for new hires", MentionsBot: true,
	})
	require.NoError(t, err)

	second, err := r.Route(Event{
		Source: store.SourceSlack, Author: "U456",
		Text: "update the onboarding documentation for new hires please", MentionsBot: true,
	})
	require.NoError(t, err)
	require.NotNil(t, second.Duplicate)
	assert.Equal(t, ReasonHighSimilarity, second.DedupReason)
}
