package router

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/agent-broker/internal/engine"
	"github.com/p-blackswan/agent-broker/internal/metrics"
	"github.com/p-blackswan/agent-broker/internal/store"
)

// dedupWindow bounds how far back duplicate candidates are considered.
const dedupWindow = 10 * time.Minute

// Router classifies integration events into tasks or inbox messages.
type Router struct {
	store   *store.Store
	engine  *engine.Engine
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a Router.
func New(st *store.Store, e *engine.Engine, m *metrics.Metrics, logger zerolog.Logger) *Router {
	return &Router{
		store:   st,
		engine:  e,
		metrics: m,
		logger:  logger.With().Str("component", "router").Logger(),
	}
}

// Result is the outcome of routing one event. Exactly one of Task,
// InboxMessage or Duplicate is set.
type Result struct {
	Task         *store.Task
	InboxMessage *store.InboxMessage
	Duplicate    *store.Task
	DedupReason  string
}

// Route classifies an event. A directive at the bot goes to an online
// lead as a pending task; other events become pool tasks; when nobody is
// online the event queues as an inbox message on the lead. Dedup runs
// before any task creation.
func (r *Router) Route(ev Event) (*Result, error) {
	lead, err := r.store.LeadAgent()
	if err != nil {
		return nil, err
	}

	creator := ev.Author
	if lead != nil {
		creator = lead.ID
	}

	if dup, reason, err := r.findDuplicate(creator, ev); err != nil {
		return nil, err
	} else if dup != nil {
		r.metrics.RecordDedup(reason)
		r.logger.Info().
			Str("task_id", dup.ID).
			Str("reason", reason).
			Str("source", ev.Source).
			Msg("duplicate event suppressed")
		return &Result{Duplicate: dup, DedupReason: reason}, nil
	}

	leadOnline := lead != nil && lead.Status != store.AgentOffline

	// Directive at the bot: hand it to the lead directly. An empty text
	// cannot become a task and falls through to the inbox.
	if ev.MentionsBot && leadOnline && ev.Text != "" {
		task, err := r.createTask(ev, creator, lead.ID)
		if err != nil {
			return nil, err
		}
		return &Result{Task: task}, nil
	}

	workers, err := r.store.CountOnlineWorkers()
	if err != nil {
		return nil, err
	}

	// Nobody to work it: queue on the lead's inbox, even if the lead is
	// offline. With no lead at all, fall back to a pool task.
	if (!leadOnline && workers == 0 && lead != nil) || (ev.MentionsBot && ev.Text == "" && lead != nil) {
		msg, err := r.queueInbox(ev, lead.ID)
		if err != nil {
			return nil, err
		}
		return &Result{InboxMessage: msg}, nil
	}

	task, err := r.createTask(ev, creator, ev.TargetAgentID)
	if err != nil {
		return nil, err
	}
	return &Result{Task: task}, nil
}

func (r *Router) findDuplicate(creator string, ev Event) (*store.Task, string, error) {
	since := time.Now().Add(-dedupWindow).UnixMilli()

	var candidates []*store.Task
	err := r.store.WithTx(func(tx *sql.Tx) error {
		var err error
		candidates, err = r.store.RecentTasksByCreatorTx(tx, creator, since)
		return err
	})
	if err != nil {
		return nil, "", err
	}

	dup, reason := FindDuplicate(candidates, ev)
	return dup, reason, nil
}

func (r *Router) createTask(ev Event, creator, agentID string) (*store.Task, error) {
	return r.engine.Create(engine.CreateRequest{
		Description:    ev.Text,
		CreatedBy:      creator,
		Source:         ev.Source,
		AgentID:        agentID,
		SlackChannelID: ev.SlackChannelID,
		SlackThreadTS:  ev.SlackThreadTS,
		SlackUserID:    ev.SlackUserID,
		GitHubRepo:     ev.GitHubRepo,
		GitHubIssue:    ev.GitHubIssue,
		MailMessageID:  ev.MailMessageID,
		MentionOrigin:  ev.MentionOrigin,
	})
}

func (r *Router) queueInbox(ev Event, leadID string) (*store.InboxMessage, error) {
	msg := &store.InboxMessage{
		ID:             uuid.NewString(),
		AgentID:        leadID,
		Content:        ev.Text,
		Source:         ev.Source,
		Status:         store.InboxUnread,
		SlackChannelID: ev.SlackChannelID,
		SlackThreadTS:  ev.SlackThreadTS,
		SlackUserID:    ev.SlackUserID,
		MatchedText:    ev.MentionOrigin,
	}
	if err := r.store.InsertInboxMessage(msg); err != nil {
		return nil, err
	}
	r.logger.Info().Str("message_id", msg.ID).Str("source", ev.Source).Msg("event queued to inbox")
	return msg, nil
}
