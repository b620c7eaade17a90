package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	dbPath := fmt.Sprintf("/tmp/test-broker-%d.db", time.Now().UnixNano())
	logger := zerolog.New(os.Stderr)
	store, err := New(dbPath, logger)
	require.NoError(t, err)
	return store, dbPath
}

func cleanupStore(t *testing.T, store *Store, dbPath string) {
	if store != nil {
		store.Close()
	}
	os.Remove(dbPath)
}

func TestNew_CreatesDB(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)

	tables := []string{
		"agents", "tasks", "inbox_messages", "channels", "channel_messages",
		"epics", "services", "session_costs", "session_logs", "config_entries", "meta",
	}
	for _, table := range tables {
		var count int
		err := store.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist", table)
	}

	var version string
	err := store.db.QueryRow("SELECT value FROM meta WHERE key='schema_version'").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, "2", version)
}

func TestUpsertAgent_RegisterAndRevive(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)

	a, err := store.UpsertAgent(&Agent{ID: "agent-1", Name: "scout", MaxTasks: 2})
	require.NoError(t, err)
	assert.Equal(t, AgentIdle, a.Status)
	assert.Equal(t, 2, a.MaxTasks)

	require.NoError(t, store.SetAgentStatus("agent-1", AgentOffline))

	a, err = store.UpsertAgent(&Agent{ID: "agent-1", Name: "scout", MaxTasks: 3})
	require.NoError(t, err)
	assert.Equal(t, AgentIdle, a.Status, "offline agent revives on re-register")
	assert.Equal(t, 3, a.MaxTasks)
}

func TestUpsertAgent_DuplicateName(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)

	_, err := store.UpsertAgent(&Agent{ID: "agent-1", Name: "Scout"})
	require.NoError(t, err)

	_, err = store.UpsertAgent(&Agent{ID: "agent-2", Name: "scout"})
	assert.Error(t, err, "names are unique case-insensitively")
}

func TestTask_InsertGetList(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)

	err := store.WithTx(func(tx *sql.Tx) error {
		return store.InsertTaskTx(tx, &Task{
			ID:          "task-1",
			CreatedBy:   "agent-lead",
			Description: "write the release notes",
			Status:      TaskUnassigned,
			Source:      SourceAPI,
			Priority:    50,
			Tags:        []string{"docs"},
		})
	})
	require.NoError(t, err)

	task, err := store.GetTask("task-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, TaskUnassigned, task.Status)
	assert.Equal(t, 50, task.Priority)
	assert.Equal(t, []string{"docs"}, task.Tags)

	tasks, err := store.ListTasks(TaskFilter{Status: TaskUnassigned})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	tasks, err = store.ListTasks(TaskFilter{Search: "release"})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	tasks, err = store.ListTasks(TaskFilter{Search: "nothing-matches"})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestClaimUnassigned_SingleWinner(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)

	err := store.WithTx(func(tx *sql.Tx) error {
		return store.InsertTaskTx(tx, &Task{
			ID: "task-1", CreatedBy: "c", Description: "d",
			Status: TaskUnassigned, Source: SourceAPI,
		})
	})
	require.NoError(t, err)

	var first, second int64
	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		var err error
		first, err = store.ClaimUnassignedTx(tx, "task-1", "agent-a")
		return err
	}))
	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		var err error
		second, err = store.ClaimUnassignedTx(tx, "task-1", "agent-b")
		return err
	}))

	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(0), second, "second claim loses the race")

	task, err := store.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, TaskPending, task.Status)
	assert.Equal(t, "agent-a", task.AgentID)
}

func TestOfferReviewAcceptReject(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)

	now := time.Now().UnixMilli()
	err := store.WithTx(func(tx *sql.Tx) error {
		return store.InsertTaskTx(tx, &Task{
			ID: "task-1", CreatedBy: "c", Description: "d",
			Status: TaskOffered, Source: SourceAPI,
			OfferedTo: "agent-a", OfferedAt: now,
		})
	})
	require.NoError(t, err)

	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		rows, err := store.MarkReviewingTx(tx, "task-1", "agent-a")
		require.Equal(t, int64(1), rows)
		return err
	}))

	// A different agent cannot accept someone else's offer.
	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		rows, err := store.AcceptReviewingTx(tx, "task-1", "agent-b")
		require.Equal(t, int64(0), rows)
		return err
	}))

	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		rows, err := store.AcceptReviewingTx(tx, "task-1", "agent-a")
		require.Equal(t, int64(1), rows)
		return err
	}))

	task, err := store.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, TaskPending, task.Status)
	assert.Equal(t, "agent-a", task.AgentID)
	assert.NotZero(t, task.AcceptedAt)
}

func TestRejectReviewing_BackToPool(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)

	err := store.WithTx(func(tx *sql.Tx) error {
		return store.InsertTaskTx(tx, &Task{
			ID: "task-1", CreatedBy: "c", Description: "d",
			Status: TaskReviewing, Source: SourceAPI, OfferedTo: "agent-a",
		})
	})
	require.NoError(t, err)

	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		rows, err := store.RejectReviewingTx(tx, "task-1", "agent-a", "not my area", TaskUnassigned)
		require.Equal(t, int64(1), rows)
		return err
	}))

	task, err := store.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, TaskUnassigned, task.Status)
	assert.Empty(t, task.OfferedTo)
	assert.Equal(t, "not my area", task.RejectionReason)
	assert.Zero(t, task.FinishedAt)
}

func TestFinishPauseResume(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)

	err := store.WithTx(func(tx *sql.Tx) error {
		return store.InsertTaskTx(tx, &Task{
			ID: "task-1", CreatedBy: "c", Description: "d",
			Status: TaskInProgress, Source: SourceAPI, AgentID: "agent-a",
		})
	})
	require.NoError(t, err)

	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		rows, err := store.PauseTx(tx, "task-1", "agent-a", "halfway through")
		require.Equal(t, int64(1), rows)
		return err
	}))

	task, _ := store.GetTask("task-1")
	assert.Equal(t, TaskPaused, task.Status)
	assert.Equal(t, "halfway through", task.Progress)

	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		rows, err := store.ResumeTx(tx, "task-1", "agent-a")
		require.Equal(t, int64(1), rows)
		return err
	}))

	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		rows, err := store.FinishTx(tx, "task-1", TaskInProgress, TaskCompleted, "done", "")
		require.Equal(t, int64(1), rows)
		return err
	}))

	task, _ = store.GetTask("task-1")
	assert.Equal(t, TaskCompleted, task.Status)
	assert.Equal(t, "done", task.Output)
	assert.NotZero(t, task.FinishedAt)

	// Terminal tasks never transition again.
	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		rows, err := store.FinishTx(tx, "task-1", TaskInProgress, TaskFailed, "", "nope")
		require.Equal(t, int64(0), rows)
		return err
	}))
}

func TestCountOpenAndInProgress(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)

	for i, status := range []string{TaskPending, TaskInProgress, TaskReviewing, TaskPaused, TaskCompleted} {
		err := store.WithTx(func(tx *sql.Tx) error {
			return store.InsertTaskTx(tx, &Task{
				ID: fmt.Sprintf("task-%d", i), CreatedBy: "c", Description: "d",
				Status: status, Source: SourceAPI, AgentID: "agent-a",
			})
		})
		require.NoError(t, err)
	}

	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		open, err := store.CountOpenTx(tx, "agent-a")
		require.NoError(t, err)
		assert.Equal(t, 3, open)

		active, err := store.CountInProgressTx(tx, "agent-a")
		require.NoError(t, err)
		assert.Equal(t, 1, active)
		return nil
	}))
}

func TestInbox_ClaimAndResolve(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)

	for i := 0; i < 7; i++ {
		require.NoError(t, store.InsertInboxMessage(&InboxMessage{
			ID: fmt.Sprintf("msg-%d", i), AgentID: "agent-lead",
			Content: "hello", Source: SourceSlack,
			CreatedAt: time.Now().UnixMilli() + int64(i),
		}))
	}

	var claimed []*InboxMessage
	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		var err error
		claimed, err = store.ClaimUnreadInboxTx(tx, "agent-lead", 5)
		return err
	}))
	require.Len(t, claimed, 5)
	assert.Equal(t, "msg-0", claimed[0].ID, "oldest first")

	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		n, err := store.CountUnreadInboxTx(tx, "agent-lead")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return nil
	}))

	rows, err := store.ResolveInboxMessage("msg-0", "agent-lead", InboxResponded, "on it", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	m, err := store.GetInboxMessage("msg-0")
	require.NoError(t, err)
	assert.Equal(t, InboxResponded, m.Status)
	assert.Equal(t, "on it", m.ResponseText)
}

func TestUnreadMentions(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)

	require.NoError(t, store.CreateChannel(&Channel{ID: "ch-1", Name: "general"}))
	now := time.Now().UnixMilli()

	require.NoError(t, store.InsertChannelMessage(&ChannelMessage{
		ID: "m-1", ChannelID: "ch-1", AuthorID: "agent-b",
		Content: "ping", Mentions: []string{"agent-a"}, CreatedAt: now,
	}))

	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		channels, err := store.UnreadMentionsTx(tx, "agent-a", now)
		require.NoError(t, err)
		require.Len(t, channels, 1)
		assert.Equal(t, "ch-1", channels[0].ID)
		return nil
	}))

	// A later reply from the mentioned agent consumes the mention.
	require.NoError(t, store.InsertChannelMessage(&ChannelMessage{
		ID: "m-2", ChannelID: "ch-1", AuthorID: "agent-a",
		Content: "pong", CreatedAt: now + 10,
	}))

	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		channels, err := store.UnreadMentionsTx(tx, "agent-a", now)
		require.NoError(t, err)
		assert.Empty(t, channels)
		return nil
	}))
}

func TestUnreadMentions_HoldSkipsChannel(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)

	require.NoError(t, store.CreateChannel(&Channel{ID: "ch-1", Name: "general"}))
	now := time.Now().UnixMilli()
	require.NoError(t, store.InsertChannelMessage(&ChannelMessage{
		ID: "m-1", ChannelID: "ch-1", AuthorID: "agent-b",
		Content: "ping", Mentions: []string{"agent-a"}, CreatedAt: now,
	}))

	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		return store.HoldChannelsTx(tx, []string{"ch-1"}, "agent-c", now+60_000)
	}))

	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		channels, err := store.UnreadMentionsTx(tx, "agent-a", now)
		require.NoError(t, err)
		assert.Empty(t, channels, "held channel is skipped")
		return nil
	}))

	// The holder itself still sees the channel.
	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		channels, err := store.UnreadMentionsTx(tx, "agent-c", now)
		require.NoError(t, err)
		assert.Empty(t, channels, "holder has no mention of its own")
		return nil
	}))
}

func TestEpics_ChangedAndNotified(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)

	require.NoError(t, store.CreateEpic(&Epic{ID: "epic-1", Name: "launch", Status: EpicActive}))
	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		return store.InsertTaskTx(tx, &Task{
			ID: "task-1", CreatedBy: "c", Description: "d",
			Status: TaskCompleted, Source: SourceAPI, EpicID: "epic-1",
		})
	}))

	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		epics, err := store.ChangedEpicsTx(tx)
		require.NoError(t, err)
		require.Len(t, epics, 1)

		stats, err := store.EpicStatsTx(tx, "epic-1")
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Total)
		assert.Equal(t, 1, stats.Completed)
		assert.InDelta(t, 100.0, stats.Progress(), 0.01)

		return store.MarkEpicNotifiedTx(tx, "epic-1", time.Now().UnixMilli()+1)
	}))

	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		epics, err := store.ChangedEpicsTx(tx)
		require.NoError(t, err)
		assert.Empty(t, epics, "notified epic no longer fires")
		return nil
	}))
}

func TestConfigSeed(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)

	dir := t.TempDir()
	seedPath := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte("global:\n  motd: \"welcome\"\nagents:\n  poll_interval: \"2s\"\n"), 0o644))

	count, err := store.SeedConfigFromYAML(seedPath)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	v, err := store.GetConfigEntry("global", "motd")
	require.NoError(t, err)
	assert.Equal(t, "welcome", v)

	// Missing file is a no-op.
	count, err = store.SeedConfigFromYAML(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSweepRetention(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)

	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	require.NoError(t, store.WithTx(func(tx *sql.Tx) error {
		if err := store.InsertTaskTx(tx, &Task{
			ID: "task-old", CreatedBy: "c", Description: "d",
			Status: TaskCompleted, Source: SourceAPI, FinishedAt: old,
		}); err != nil {
			return err
		}
		return store.InsertTaskTx(tx, &Task{
			ID: "task-live", CreatedBy: "c", Description: "d",
			Status: TaskInProgress, Source: SourceAPI, AgentID: "agent-a",
		})
	}))
	require.NoError(t, store.InsertSessionLog(&SessionLog{
		SessionID: "s-1", Lines: []string{"x"}, CreatedAt: old,
	}))

	cutoff := time.Now().Add(-24 * time.Hour).UnixMilli()
	result, err := store.SweepRetention(cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Tasks)
	assert.Equal(t, int64(1), result.SessionLogs)

	task, err := store.GetTask("task-old")
	require.NoError(t, err)
	assert.Nil(t, task)

	task, err = store.GetTask("task-live")
	require.NoError(t, err)
	require.NotNil(t, task)
}

func TestSessionCostsAndLogs(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)

	require.NoError(t, store.InsertSessionCost(&SessionCost{
		SessionID: "s-1", Iteration: 1, TaskID: "task-1", AgentID: "agent-a",
		CLI: "claude", TotalCostUSD: 0.25, InputTokens: 1000, OutputTokens: 200,
	}))
	require.NoError(t, store.InsertSessionCost(&SessionCost{
		SessionID: "s-1", Iteration: 2, TotalCostUSD: 0.75,
	}))

	total, err := store.SumSessionCosts("s-1")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, total, 0.0001)

	require.NoError(t, store.InsertSessionLog(&SessionLog{
		SessionID: "s-1", Iteration: 1, TaskID: "task-1",
		Lines: []string{`{"type":"text"}`, `{"type":"result"}`},
	}))

	logs, err := store.ListSessionLogs("s-1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Len(t, logs[0].Lines, 2)
}
