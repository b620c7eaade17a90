package trigger

import (
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/agent-broker/internal/engine"
	"github.com/p-blackswan/agent-broker/internal/metrics"
	"github.com/p-blackswan/agent-broker/internal/store"
)

func newTestResolver(t *testing.T) (*Resolver, *engine.Engine, *store.Store, func()) {
	dbPath := fmt.Sprintf("/tmp/test-trigger-%d.db", time.Now().UnixNano())
	logger := zerolog.New(os.Stderr)
	st, err := store.New(dbPath, logger)
	require.NoError(t, err)

	m := metrics.New()
	r := New(st, m, logger)
	e := engine.New(st, m, logger)
	return r, e, st, func() {
		st.Close()
		os.Remove(dbPath)
	}
}

func addAgent(t *testing.T, st *store.Store, id string, lead bool, maxTasks int) {
	_, err := st.UpsertAgent(&store.Agent{ID: id, Name: id, IsLead: lead, MaxTasks: maxTasks})
	require.NoError(t, err)
}

func TestNext_Empty(t *testing.T) {
	r, _, st, cleanup := newTestResolver(t)
	defer cleanup()

	addAgent(t, st, "worker-1", false, 1)

	trig, err := r.Next("worker-1")
	require.NoError(t, err)
	assert.Nil(t, trig)

	a, err := st.GetAgent("worker-1")
	require.NoError(t, err)
	assert.Equal(t, 1, a.EmptyPollCount)
}

func TestNext_OfferedBeatsAssigned(t *testing.T) {
	r, e, st, cleanup := newTestResolver(t)
	defer cleanup()

	addAgent(t, st, "worker-1", false, 2)

	_, err := e.Create(engine.CreateRequest{Description: "assigned", CreatedBy: "lead", AgentID: "worker-1"})
	require.NoError(t, err)
	offered, err := e.Create(engine.CreateRequest{Description: "offered", CreatedBy: "lead", OfferedTo: "worker-1"})
	require.NoError(t, err)

	trig, err := r.Next("worker-1")
	require.NoError(t, err)
	require.NotNil(t, trig)
	assert.Equal(t, TypeTaskOffered, trig.Type)
	assert.Equal(t, offered.ID, trig.TaskID)

	task, err := st.GetTask(offered.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskReviewing, task.Status)

	// Next poll dispatches the pending task.
	trig, err = r.Next("worker-1")
	require.NoError(t, err)
	require.NotNil(t, trig)
	assert.Equal(t, TypeTaskAssigned, trig.Type)
	assert.Equal(t, store.TaskInProgress, trig.Task.Status)

	a, _ := st.GetAgent("worker-1")
	assert.Equal(t, store.AgentBusy, a.Status)
	assert.Zero(t, a.EmptyPollCount)
}

func TestNext_OfferedRace_SingleWinner(t *testing.T) {
	r, e, st, cleanup := newTestResolver(t)
	defer cleanup()

	addAgent(t, st, "worker-1", false, 1)

	offered, err := e.Create(engine.CreateRequest{Description: "contested", CreatedBy: "lead", OfferedTo: "worker-1"})
	require.NoError(t, err)

	const pollers = 8
	var wg sync.WaitGroup
	results := make([]*Trigger, pollers)
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			trig, err := r.Next("worker-1")
			assert.NoError(t, err)
			results[i] = trig
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, trig := range results {
		if trig != nil && trig.Type == TypeTaskOffered {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one poll receives the offer")

	task, err := st.GetTask(offered.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskReviewing, task.Status)
}

func TestNext_CapacitySuppressesDispatch(t *testing.T) {
	r, e, st, cleanup := newTestResolver(t)
	defer cleanup()

	addAgent(t, st, "worker-1", false, 2)

	for i := 0; i < 3; i++ {
		_, err := e.Create(engine.CreateRequest{
			Description: fmt.Sprintf("task %d", i), CreatedBy: "lead", AgentID: "worker-1",
		})
		require.NoError(t, err)
	}

	// Two dispatches fill the cap.
	for i := 0; i < 2; i++ {
		trig, err := r.Next("worker-1")
		require.NoError(t, err)
		require.NotNil(t, trig)
		assert.Equal(t, TypeTaskAssigned, trig.Type)
	}

	// Third poll: at capacity, pending task is not dispatched.
	trig, err := r.Next("worker-1")
	require.NoError(t, err)
	assert.Nil(t, trig)

	// Finishing one frees a slot.
	tasks, err := st.ListTasks(store.TaskFilter{Status: store.TaskInProgress, AgentID: "worker-1"})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	_, err = e.Finish(tasks[0].ID, "worker-1", store.TaskCompleted, "", "")
	require.NoError(t, err)

	trig, err = r.Next("worker-1")
	require.NoError(t, err)
	require.NotNil(t, trig)
	assert.Equal(t, TypeTaskAssigned, trig.Type)
}

func TestNext_PoolCountUnclaimed(t *testing.T) {
	r, e, st, cleanup := newTestResolver(t)
	defer cleanup()

	addAgent(t, st, "worker-1", false, 1)
	addAgent(t, st, "worker-2", false, 1)

	pool, err := e.Create(engine.CreateRequest{Description: "pool work", CreatedBy: "lead"})
	require.NoError(t, err)

	// Both workers see the pool; neither poll claims it.
	for _, id := range []string{"worker-1", "worker-2"} {
		trig, err := r.Next(id)
		require.NoError(t, err)
		require.NotNil(t, trig)
		assert.Equal(t, TypePoolTasksAvailable, trig.Type)
		assert.Equal(t, 1, trig.Count)
	}

	task, err := st.GetTask(pool.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskUnassigned, task.Status)
}

func TestNext_LeadInboxAndEpics(t *testing.T) {
	r, e, st, cleanup := newTestResolver(t)
	defer cleanup()

	addAgent(t, st, "lead-1", true, 1)

	for i := 0; i < 7; i++ {
		require.NoError(t, st.InsertInboxMessage(&store.InboxMessage{
			ID: fmt.Sprintf("msg-%d", i), AgentID: "lead-1",
			Content: "hi", Source: store.SourceSlack,
			CreatedAt: time.Now().UnixMilli() + int64(i),
		}))
	}

	trig, err := r.Next("lead-1")
	require.NoError(t, err)
	require.NotNil(t, trig)
	assert.Equal(t, TypeSlackInboxMessage, trig.Type)
	assert.Equal(t, 5, trig.Count, "claims are batched")
	assert.Equal(t, store.InboxProcessing, trig.Messages[0].Status)

	// Second poll drains the remainder.
	trig, err = r.Next("lead-1")
	require.NoError(t, err)
	require.NotNil(t, trig)
	assert.Equal(t, 2, trig.Count)

	// Epic change fires once, then is consumed by notified_at.
	require.NoError(t, st.CreateEpic(&store.Epic{ID: "epic-1", Name: "launch", Status: store.EpicActive}))
	_, err = e.Create(engine.CreateRequest{Description: "epic task", CreatedBy: "lead-1", EpicID: "epic-1"})
	require.NoError(t, err)

	trig, err = r.Next("lead-1")
	require.NoError(t, err)
	require.NotNil(t, trig)
	assert.Equal(t, TypeEpicProgressChanged, trig.Type)
	require.Len(t, trig.Epics, 1)
	assert.Equal(t, 1, trig.Epics[0].Stats.Total)

	trig, err = r.Next("lead-1")
	require.NoError(t, err)
	assert.Nil(t, trig)
}

func TestNext_MentionsClaimChannels(t *testing.T) {
	r, _, st, cleanup := newTestResolver(t)
	defer cleanup()

	addAgent(t, st, "worker-1", false, 1)
	addAgent(t, st, "worker-2", false, 1)

	require.NoError(t, st.CreateChannel(&store.Channel{ID: "ch-1", Name: "general"}))
	require.NoError(t, st.InsertChannelMessage(&store.ChannelMessage{
		ID: "m-1", ChannelID: "ch-1", AuthorID: "worker-2",
		Content: "can you look at this", Mentions: []string{"worker-1"},
	}))

	trig, err := r.Next("worker-1")
	require.NoError(t, err)
	require.NotNil(t, trig)
	assert.Equal(t, TypeUnreadMentions, trig.Type)
	assert.Equal(t, 1, trig.MentionsCount)
	assert.Equal(t, "worker-1", trig.ClaimedChannels[0].ProcessingBy)

	require.NoError(t, st.WithTx(func(tx *sql.Tx) error {
		channels, err := st.UnreadMentionsTx(tx, "worker-1", time.Now().UnixMilli())
		require.NoError(t, err)
		assert.Len(t, channels, 1, "holder still sees its own hold")
		return nil
	}))
}
