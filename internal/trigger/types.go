// Package trigger computes the next thing a polling runner should do.
// One poll resolves at most one trigger, and any resource handed back is
// claimed inside the same transaction as the discovery query.
package trigger

import (
	"github.com/p-blackswan/agent-broker/internal/store"
)

// Trigger types, in priority order.
const (
	TypeTaskOffered         = "task_offered"
	TypeTaskAssigned        = "task_assigned"
	TypeUnreadMentions      = "unread_mentions"
	TypeSlackInboxMessage   = "slack_inbox_message"
	TypeEpicProgressChanged = "epic_progress_changed"
	TypePoolTasksAvailable  = "pool_tasks_available"
)

// EpicProgress pairs an epic with its task breakdown at resolution time.
type EpicProgress struct {
	Epic  *store.Epic     `json:"epic"`
	Stats store.EpicStats `json:"stats"`
}

// Trigger is the poll envelope. Fields are populated per Type; the zero
// value of unused fields is omitted from JSON.
type Trigger struct {
	Type string `json:"type"`

	// task_offered, task_assigned
	TaskID string      `json:"taskId,omitempty"`
	Task   *store.Task `json:"task,omitempty"`

	// unread_mentions
	MentionsCount   int              `json:"mentionsCount,omitempty"`
	ClaimedChannels []*store.Channel `json:"claimedChannels,omitempty"`

	// slack_inbox_message, epic_progress_changed, pool_tasks_available
	Count    int                   `json:"count,omitempty"`
	Messages []*store.InboxMessage `json:"messages,omitempty"`
	Epics    []EpicProgress        `json:"epics,omitempty"`
}
