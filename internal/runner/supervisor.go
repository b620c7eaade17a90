package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/agent-broker/internal/config"
	"github.com/p-blackswan/agent-broker/internal/store"
	"github.com/p-blackswan/agent-broker/internal/trigger"
)

const (
	idlePollDelay    = 1 * time.Second
	errorPollDelay   = 5 * time.Second
	cancelCheckEvery = 10 * time.Second
)

type childHandle struct {
	task Task
	// Directive runs have no broker task behind them; nothing to
	// finish, pause or cancel-check.
	directive bool
	child     *Child
	cancel    context.CancelFunc
	done      chan struct{}
}

// Supervisor is the runner main loop: it keeps up to MaxConcurrentTasks
// children alive and converts broker triggers into child runs.
type Supervisor struct {
	cfg    *config.Config
	client *Client
	logger zerolog.Logger

	mu        sync.Mutex
	children  map[string]*childHandle
	iteration int
}

// NewSupervisor creates a supervisor around a broker client.
func NewSupervisor(cfg *config.Config, client *Client, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		client:   client,
		logger:   logger.With().Str("component", "supervisor").Logger(),
		children: make(map[string]*childHandle),
	}
}

// Run registers the agent and loops until ctx is cancelled, then shuts
// down children gracefully. Children run detached from ctx; shutdown owns
// their termination so in-flight work gets the grace period.
func (s *Supervisor) Run(ctx context.Context) error {
	agent, err := s.client.Register(ctx, s.cfg.AgentID, s.cfg.AgentName, s.cfg.IsLead, s.cfg.MaxConcurrentTasks)
	if err != nil {
		return err
	}
	s.logger.Info().Str("agent_id", agent.ID).Str("name", agent.Name).
		Bool("lead", agent.IsLead).Msg("registered")

	// Work left over from a previous run comes first.
	s.resumePaused(ctx)

	lastCancelCheck := time.Now()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		default:
		}

		if err := s.client.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("ping failed")
		}

		if time.Since(lastCancelCheck) >= cancelCheckEvery {
			s.killCancelled(ctx)
			lastCancelCheck = time.Now()
		}

		if s.activeCount() >= s.cfg.MaxConcurrentTasks {
			s.sleep(ctx, idlePollDelay)
			continue
		}

		trig, err := s.client.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.logger.Warn().Err(err).Msg("poll failed")
			s.sleep(ctx, errorPollDelay)
			continue
		}
		if trig == nil {
			s.sleep(ctx, idlePollDelay)
			continue
		}

		s.handleTrigger(ctx, trig)
	}
}

func (s *Supervisor) handleTrigger(ctx context.Context, trig *Trigger) {
	switch trig.Type {
	case trigger.TypeTaskAssigned:
		if trig.Task != nil {
			s.startChild(*trig.Task)
		}

	case trigger.TypeTaskOffered:
		if trig.Task == nil {
			return
		}
		task, err := s.client.Accept(ctx, trig.Task.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("task_id", trig.Task.ID).Msg("accept failed")
			return
		}
		s.logger.Info().Str("task_id", task.ID).Msg("offer accepted")
		// The accepted task dispatches on the next poll.

	case trigger.TypePoolTasksAvailable:
		s.claimFromPool(ctx)

	case trigger.TypeUnreadMentions, trigger.TypeSlackInboxMessage, trigger.TypeEpicProgressChanged:
		s.startDirective(trig)

	default:
		s.logger.Debug().Str("type", trig.Type).Msg("unknown trigger type")
	}
}

// claimFromPool races other workers for the oldest unassigned task.
// Losing the race is normal.
func (s *Supervisor) claimFromPool(ctx context.Context) {
	tasks, err := s.client.ListTasks(ctx, store.TaskUnassigned)
	if err != nil {
		s.logger.Warn().Err(err).Msg("pool listing failed")
		return
	}
	for i := len(tasks) - 1; i >= 0; i-- {
		task, err := s.client.Claim(ctx, tasks[i].ID)
		if err != nil {
			continue
		}
		s.logger.Info().Str("task_id", task.ID).Msg("claimed from pool")
		return
	}
}

func (s *Supervisor) resumePaused(ctx context.Context) {
	paused, err := s.client.PausedTasks(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("paused task sweep failed")
		return
	}
	for _, t := range paused {
		if s.activeCount() >= s.cfg.MaxConcurrentTasks {
			return
		}
		task, err := s.client.Resume(ctx, t.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("task_id", t.ID).Msg("resume failed")
			continue
		}
		s.logger.Info().Str("task_id", task.ID).Msg("resumed paused task")
		s.startChild(*task)
	}
}

func (s *Supervisor) startChild(task Task) {
	s.start(task, false)
}

// startDirective runs a child for a lead trigger that carries no task:
// the prompt tells the agent what needs attention and the child acts on
// it through the broker API.
func (s *Supervisor) startDirective(trig *Trigger) {
	prompt := directivePrompt(trig)
	if prompt == "" {
		return
	}
	s.start(Task{ID: "directive-" + uuid.NewString(), Description: prompt}, true)
}

func (s *Supervisor) start(task Task, directive bool) {
	s.mu.Lock()
	if _, running := s.children[task.ID]; running {
		s.mu.Unlock()
		return
	}
	s.iteration++
	iteration := s.iteration

	childCtx, cancel := context.WithCancel(context.Background())
	handle := &childHandle{
		task:      task,
		directive: directive,
		child:     NewChild(s.cfg, s.client, task, iteration, s.logger),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.children[task.ID] = handle
	s.mu.Unlock()

	go func() {
		defer close(handle.done)
		defer func() {
			s.mu.Lock()
			delete(s.children, task.ID)
			s.mu.Unlock()
		}()

		outcome, err := handle.child.Run(childCtx)
		if err != nil {
			s.logger.Error().Err(err).Str("task_id", task.ID).Msg("child run failed")
			if !directive {
				s.finish(task.ID, store.TaskFailed, "", err.Error())
			}
			return
		}
		if directive || outcome.Killed {
			// Directive runs have no task state; killed children are
			// settled by shutdown or the cancellation hook.
			return
		}
		if outcome.ExitCode == 0 {
			s.finish(task.ID, store.TaskCompleted, outcome.Output, "")
		} else {
			s.finish(task.ID, store.TaskFailed, outcome.Output, "child exited non-zero")
		}
	}()
}

// directivePrompt renders a lead trigger as a child prompt. Empty means
// the trigger carries nothing actionable.
func directivePrompt(trig *Trigger) string {
	var b strings.Builder
	switch trig.Type {
	case trigger.TypeUnreadMentions:
		names := make([]string, 0, len(trig.ClaimedChannels))
		for _, ch := range trig.ClaimedChannels {
			names = append(names, ch.Name)
		}
		if len(names) == 0 {
			return ""
		}
		fmt.Fprintf(&b, "You have %d unread mention(s) in channel(s): %s.\n",
			trig.MentionsCount, strings.Join(names, ", "))
		b.WriteString("Read the messages over the broker API and reply in each channel.")

	case trigger.TypeSlackInboxMessage:
		if len(trig.Messages) == 0 {
			return ""
		}
		fmt.Fprintf(&b, "%d inbox message(s) need your attention:\n", len(trig.Messages))
		for _, m := range trig.Messages {
			fmt.Fprintf(&b, "- [%s] %s\n", m.ID, m.Content)
		}
		b.WriteString("For each, respond or delegate a task via the broker inbox API.")

	case trigger.TypeEpicProgressChanged:
		if len(trig.Epics) == 0 {
			return ""
		}
		fmt.Fprintf(&b, "Progress changed on %d epic(s):\n", len(trig.Epics))
		for _, e := range trig.Epics {
			fmt.Fprintf(&b, "- %s: %d/%d tasks completed, %d failed\n",
				e.Epic.Name, e.Stats.Completed, e.Stats.Total, e.Stats.Failed)
		}
		b.WriteString("Review the epics via the broker API and follow up where needed.")

	default:
		return ""
	}
	return b.String()
}

func (s *Supervisor) finish(taskID, status, output, failureReason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ack, err := s.client.Finish(ctx, taskID, status, output, failureReason)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("finish failed")
		return
	}
	if ack.AlreadyFinished {
		s.logger.Info().Str("task_id", taskID).Msg("task was already finished")
		return
	}
	s.logger.Info().Str("task_id", taskID).Str("status", status).Msg("task finished")
}

// killCancelled stops children whose task was cancelled on the broker.
func (s *Supervisor) killCancelled(ctx context.Context) {
	s.mu.Lock()
	running := make([]*childHandle, 0, len(s.children))
	for _, h := range s.children {
		if !h.directive {
			running = append(running, h)
		}
	}
	s.mu.Unlock()

	for _, h := range running {
		ids, err := s.client.CancelledTaskIDs(ctx, h.task.ID)
		if err != nil {
			s.logger.Warn().Err(err).Msg("cancel check failed")
			return
		}
		if len(ids) > 0 {
			s.logger.Info().Str("task_id", h.task.ID).Msg("task cancelled, stopping child")
			h.cancel()
			h.child.Kill()
		}
	}
}

func (s *Supervisor) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// shutdown waits out a shared grace budget for children to exit on their
// own, then kills the stragglers and pauses their tasks so the next run
// picks them back up.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	running := make([]*childHandle, 0, len(s.children))
	for _, h := range s.children {
		running = append(running, h)
	}
	s.mu.Unlock()

	s.logger.Info().Int("children", len(running)).Msg("shutting down")

	deadline := time.Now().Add(s.cfg.ShutdownTimeout())
	for _, h := range running {
		if remaining := time.Until(deadline); remaining > 0 {
			timer := time.NewTimer(remaining)
			select {
			case <-h.done:
				// Exited naturally; its goroutine reported the outcome.
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		h.cancel()
		h.child.Kill()
		<-h.done

		if h.directive {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.client.Pause(ctx, h.task.ID, "interrupted by runner shutdown"); err != nil {
			s.logger.Warn().Err(err).Str("task_id", h.task.ID).Msg("shutdown pause failed")
			if _, ferr := s.client.Finish(ctx, h.task.ID, store.TaskFailed, "", "runner shut down"); ferr != nil {
				s.logger.Error().Err(ferr).Str("task_id", h.task.ID).Msg("shutdown finish failed")
			}
		}
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.client.Close(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("close failed")
	}
	s.logger.Info().Msg("runner stopped")
}
