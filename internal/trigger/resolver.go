package trigger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/agent-broker/internal/apperr"
	"github.com/p-blackswan/agent-broker/internal/metrics"
	"github.com/p-blackswan/agent-broker/internal/store"
)

const (
	inboxClaimBatch = 5
	// channelHold is how long a claimed mention channel is skipped by
	// other pollers.
	channelHold = 60 * time.Second
)

// Resolver computes the highest-priority trigger for an agent.
type Resolver struct {
	store   *store.Store
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a Resolver.
func New(st *store.Store, m *metrics.Metrics, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:   st,
		metrics: m,
		logger:  logger.With().Str("component", "trigger").Logger(),
	}
}

// Next resolves one trigger for the agent, or nil when there is nothing to
// do. Discovery and claim run in one transaction: a task returned here is
// already reviewing or in_progress, a mention channel is already held, an
// inbox batch is already processing. The pool trigger is the exception:
// it is a bare count and workers race on the explicit claim call.
func (r *Resolver) Next(agentID string) (*Trigger, error) {
	var trig *Trigger

	err := r.store.WithTx(func(tx *sql.Tx) error {
		agent, err := r.store.GetAgentTx(tx, agentID)
		if err != nil {
			return err
		}
		if agent == nil {
			return fmt.Errorf("%w: agent %s", apperr.ErrNotFound, agentID)
		}

		trig, err = r.resolveTx(tx, agent)
		if err != nil {
			return err
		}
		if trig != nil {
			return r.store.ResetEmptyPollsTx(tx, agentID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if trig == nil {
		r.metrics.RecordPoll("empty")
		// Best effort; a lost increment only delays idle detection.
		if err := r.store.BumpEmptyPolls(agentID); err != nil {
			r.logger.Warn().Err(err).Str("agent_id", agentID).Msg("failed to bump empty polls")
		}
		return nil, nil
	}

	r.metrics.RecordPoll("trigger")
	r.metrics.RecordTrigger(trig.Type)
	r.logger.Debug().Str("agent_id", agentID).Str("type", trig.Type).Msg("trigger resolved")
	return trig, nil
}

func (r *Resolver) resolveTx(tx *sql.Tx, agent *store.Agent) (*Trigger, error) {
	// 1. Offered task: claim by moving to reviewing.
	offered, err := r.store.NextOfferedTx(tx, agent.ID)
	if err != nil {
		return nil, err
	}
	if offered != nil {
		rows, err := r.store.MarkReviewingTx(tx, offered.ID, agent.ID)
		if err != nil {
			return nil, err
		}
		if rows == 1 {
			offered.Status = store.TaskReviewing
			return &Trigger{Type: TypeTaskOffered, TaskID: offered.ID, Task: offered}, nil
		}
		// Lost the race inside our own tx window; fall through.
	}

	active, err := r.store.CountInProgressTx(tx, agent.ID)
	if err != nil {
		return nil, err
	}
	hasCapacity := active < agent.MaxTasks

	// 2. Assigned pending task: dispatch to in_progress, capacity permitting.
	if hasCapacity {
		pending, err := r.store.NextPendingTx(tx, agent.ID)
		if err != nil {
			return nil, err
		}
		if pending != nil {
			rows, err := r.store.DispatchPendingTx(tx, pending.ID, agent.ID)
			if err != nil {
				return nil, err
			}
			if rows == 1 {
				pending.Status = store.TaskInProgress
				if err := r.store.SetAgentStatusTx(tx, agent.ID, store.AgentBusy); err != nil {
					return nil, err
				}
				r.metrics.RecordTransition(store.TaskInProgress)
				return &Trigger{Type: TypeTaskAssigned, TaskID: pending.ID, Task: pending}, nil
			}
		}
	}

	// 3. Unread mentions: hold the channels so other polls skip them.
	now := time.Now()
	channels, err := r.store.UnreadMentionsTx(tx, agent.ID, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	if len(channels) > 0 {
		ids := make([]string, len(channels))
		for i, c := range channels {
			ids[i] = c.ID
		}
		until := now.Add(channelHold).UnixMilli()
		if err := r.store.HoldChannelsTx(tx, ids, agent.ID, until); err != nil {
			return nil, err
		}
		for _, c := range channels {
			c.ProcessingBy = agent.ID
			c.ProcessingUntil = until
		}
		return &Trigger{
			Type:            TypeUnreadMentions,
			MentionsCount:   len(channels),
			ClaimedChannels: channels,
		}, nil
	}

	if agent.IsLead {
		// 4a. Inbox batch: unread → processing.
		messages, err := r.store.ClaimUnreadInboxTx(tx, agent.ID, inboxClaimBatch)
		if err != nil {
			return nil, err
		}
		if len(messages) > 0 {
			return &Trigger{
				Type:     TypeSlackInboxMessage,
				Count:    len(messages),
				Messages: messages,
			}, nil
		}

		// 4b. Epic progress: stamp notified_at to consume the change.
		epics, err := r.store.ChangedEpicsTx(tx)
		if err != nil {
			return nil, err
		}
		if len(epics) > 0 {
			nowMS := now.UnixMilli()
			progress := make([]EpicProgress, 0, len(epics))
			for _, e := range epics {
				stats, err := r.store.EpicStatsTx(tx, e.ID)
				if err != nil {
					return nil, err
				}
				if err := r.store.MarkEpicNotifiedTx(tx, e.ID, nowMS); err != nil {
					return nil, err
				}
				e.NotifiedAt = nowMS
				progress = append(progress, EpicProgress{Epic: e, Stats: stats})
			}
			return &Trigger{
				Type:  TypeEpicProgressChanged,
				Count: len(progress),
				Epics: progress,
			}, nil
		}
		return nil, nil
	}

	// 5. Worker pool: a bare count, deliberately unclaimed. Suppressed at
	// capacity since the subsequent claim would be rejected anyway.
	if hasCapacity {
		count, err := r.store.CountUnassignedTx(tx)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			return &Trigger{Type: TypePoolTasksAvailable, Count: count}, nil
		}
	}
	return nil, nil
}
