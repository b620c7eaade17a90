package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/agent-broker/internal/config"
)

const (
	logFlushLines    = 50
	logFlushInterval = 5 * time.Second
	// Child CLIs emit large single-line JSON events.
	maxLineBytes = 1 << 20
	// Bound on Wait after the process is gone, in case a grandchild
	// inherited the stdout pipe.
	childWaitDelay = 5 * time.Second
)

// Outcome is the result of running one child process to completion.
type Outcome struct {
	Output    string
	SessionID string
	ExitCode  int
	Killed    bool
}

// Child runs one CLI agent process for one task, streaming its NDJSON
// stdout to the broker in batches.
type Child struct {
	cfg       *config.Config
	client    *Client
	task      Task
	iteration int
	logger    zerolog.Logger

	cmd       *exec.Cmd
	stdout    io.ReadCloser
	buffer    []string
	lastFlush time.Time
}

// NewChild prepares a child run for the given task.
func NewChild(cfg *config.Config, client *Client, task Task, iteration int, logger zerolog.Logger) *Child {
	return &Child{
		cfg:       cfg,
		client:    client,
		task:      task,
		iteration: iteration,
		logger: logger.With().
			Str("component", "child").
			Str("task_id", task.ID).
			Logger(),
	}
}

// resultLine is the final NDJSON event a CLI child prints before exit.
type resultLine struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	Result       string  `json:"result"`
	SessionID    string  `json:"session_id"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Usage        struct {
		InputTokens         int64 `json:"input_tokens"`
		OutputTokens        int64 `json:"output_tokens"`
		CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
		CacheReadTokens     int64 `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

func (ch *Child) args() []string {
	prompt := ch.task.Description
	if ch.task.Progress != "" {
		prompt = fmt.Sprintf("%s\n\nProgress so far:\n%s", prompt, ch.task.Progress)
	}

	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	if ch.task.ClaudeSessionID != "" {
		args = append(args, "--resume", ch.task.ClaudeSessionID)
	}
	if ch.cfg.Yolo {
		args = append(args, "--dangerously-skip-permissions")
	}
	return args
}

// Run starts the child and blocks until it exits or ctx is cancelled.
func (ch *Child) Run(ctx context.Context) (*Outcome, error) {
	cmd := exec.CommandContext(ctx, ch.cfg.AgentCmd, ch.args()...)
	cmd.Env = append(os.Environ(),
		"AGENT_ID="+ch.client.AgentID(),
		"TASK_ID="+ch.task.ID,
		"MCP_BASE_URL="+ch.cfg.MCPBaseURL,
		"SESSION_ID="+ch.cfg.SessionID,
	)
	stderrFile, err := ch.openStderrLog()
	if err != nil {
		ch.logger.Warn().Err(err).Msg("stderr log open failed, using parent stderr")
		cmd.Stderr = os.Stderr
	} else {
		cmd.Stderr = stderrFile
		defer stderrFile.Close()
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	// Closing the pipe on cancel unblocks the scanner even when a
	// grandchild still holds the write end.
	cmd.Cancel = func() error {
		stdout.Close()
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = childWaitDelay
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", ch.cfg.AgentCmd, err)
	}
	ch.cmd = cmd
	ch.stdout = stdout
	ch.logger.Info().Int("pid", cmd.Process.Pid).Msg("child started")

	taskFile, err := ch.writeTaskFile(cmd.Process.Pid)
	if err != nil {
		ch.logger.Warn().Err(err).Msg("task file write failed")
	}
	if taskFile != "" {
		defer os.Remove(taskFile)
	}

	outcome := &Outcome{}
	ch.lastFlush = time.Now()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		ch.buffer = append(ch.buffer, line)
		if len(ch.buffer) >= logFlushLines || time.Since(ch.lastFlush) >= logFlushInterval {
			ch.flush(ctx)
		}

		var result resultLine
		if err := json.Unmarshal([]byte(line), &result); err == nil && result.Type == "result" {
			outcome.Output = result.Result
			outcome.SessionID = result.SessionID
			ch.reportCost(ctx, result)
		}
	}
	if err := scanner.Err(); err != nil {
		ch.logger.Warn().Err(err).Msg("child stdout scan failed")
	}
	ch.flush(ctx)

	waitErr := cmd.Wait()
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			outcome.ExitCode = exitErr.ExitCode()
		} else {
			return nil, waitErr
		}
	}
	if ctx.Err() != nil {
		outcome.Killed = true
	}

	ch.logger.Info().Int("exit_code", outcome.ExitCode).Bool("killed", outcome.Killed).
		Msg("child exited")
	return outcome, nil
}

// Kill terminates the child process and closes its stdout pipe so Run's
// scanner is not left waiting on an orphaned writer.
func (ch *Child) Kill() {
	if ch.cmd != nil && ch.cmd.Process != nil {
		_ = ch.cmd.Process.Kill()
	}
	if ch.stdout != nil {
		_ = ch.stdout.Close()
	}
}

func (ch *Child) flush(ctx context.Context) {
	if len(ch.buffer) == 0 {
		return
	}
	batch := SessionLogBatch{
		SessionID: ch.cfg.SessionID,
		Iteration: ch.iteration,
		TaskID:    ch.task.ID,
		CLI:       ch.cfg.AgentCmd,
		Lines:     ch.buffer,
	}
	if err := ch.client.PostSessionLogs(ctx, batch); err != nil {
		ch.logger.Warn().Err(err).Int("lines", len(ch.buffer)).Msg("session log flush failed")
	}
	ch.buffer = nil
	ch.lastFlush = time.Now()
}

func (ch *Child) reportCost(ctx context.Context, result resultLine) {
	cost := SessionCost{
		SessionID:           ch.cfg.SessionID,
		Iteration:           ch.iteration,
		TaskID:              ch.task.ID,
		AgentID:             ch.client.AgentID(),
		CLI:                 ch.cfg.AgentCmd,
		TotalCostUSD:        result.TotalCostUSD,
		InputTokens:         result.Usage.InputTokens,
		OutputTokens:        result.Usage.OutputTokens,
		CacheCreationTokens: result.Usage.CacheCreationTokens,
		CacheReadTokens:     result.Usage.CacheReadTokens,
	}
	if err := ch.client.PostSessionCosts(ctx, cost); err != nil {
		ch.logger.Warn().Err(err).Msg("session cost report failed")
	}
}

func (ch *Child) openStderrLog() (*os.File, error) {
	if err := os.MkdirAll(ch.cfg.LogDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(ch.cfg.LogDir, ch.task.ID+".stderr.log")
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// writeTaskFile records which task a PID is working on, so external
// tooling can map processes back to tasks. Written atomically.
func (ch *Child) writeTaskFile(pid int) (string, error) {
	dir := filepath.Join(ch.cfg.LogDir, "tasks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	payload, err := json.Marshal(map[string]any{
		"taskId":    ch.task.ID,
		"agentId":   ch.client.AgentID(),
		"startedAt": time.Now().UnixMilli(),
	})
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, fmt.Sprintf("%d.json", pid))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}
