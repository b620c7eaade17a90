package store

// Task statuses. Terminal statuses never transition again.
const (
	TaskBacklog    = "backlog"
	TaskUnassigned = "unassigned"
	TaskOffered    = "offered"
	TaskReviewing  = "reviewing"
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskPaused     = "paused"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskCancelled  = "cancelled"
)

// IsTerminalStatus reports whether a task status is terminal.
func IsTerminalStatus(status string) bool {
	return status == TaskCompleted || status == TaskFailed || status == TaskCancelled
}

// Agent statuses.
const (
	AgentIdle    = "idle"
	AgentBusy    = "busy"
	AgentOffline = "offline"
)

// Inbox message statuses.
const (
	InboxUnread     = "unread"
	InboxProcessing = "processing"
	InboxRead       = "read"
	InboxResponded  = "responded"
	InboxDelegated  = "delegated"
)

// Epic statuses.
const (
	EpicDraft     = "draft"
	EpicActive    = "active"
	EpicPaused    = "paused"
	EpicCompleted = "completed"
	EpicCancelled = "cancelled"
)

// Task sources.
const (
	SourceMCP       = "mcp"
	SourceSlack     = "slack"
	SourceAPI       = "api"
	SourceGitHub    = "github"
	SourceAgentMail = "agentmail"
)

// Agent is a registered autonomous CLI agent.
type Agent struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	IsLead         bool     `json:"isLead"`
	Status         string   `json:"status"`
	Role           string   `json:"role"`
	Capabilities   []string `json:"capabilities"`
	MaxTasks       int      `json:"maxTasks"`
	Persona        string   `json:"persona"`
	Instructions   string   `json:"instructions"`
	Appearance     string   `json:"appearance"`
	MemorySummary  string   `json:"memorySummary"`
	Scratchpad     string   `json:"scratchpad"`
	EmptyPollCount int      `json:"emptyPollCount"`
	CreatedAt      int64    `json:"createdAt"` // unix ms
	LastUpdated    int64    `json:"lastUpdated"` // unix ms
}

// Task is a unit of work subject to the lifecycle state machine.
type Task struct {
	ID              string   `json:"id"`
	AgentID         string   `json:"agentId"` // empty = unowned
	CreatedBy       string   `json:"createdBy"`
	Description     string   `json:"description"`
	Status          string   `json:"status"`
	Source          string   `json:"source"`
	TaskType        string   `json:"taskType"`
	Tags            []string `json:"tags"`
	Priority        int      `json:"priority"`
	DependsOn       []string `json:"dependsOn"`
	OfferedTo       string   `json:"offeredTo"`
	OfferedAt       int64    `json:"offeredAt"`
	AcceptedAt      int64    `json:"acceptedAt"`
	RejectionReason string   `json:"rejectionReason"`
	Output          string   `json:"output"`
	FailureReason   string   `json:"failureReason"`
	Progress        string   `json:"progress"`
	SlackChannelID  string   `json:"slackChannelId"`
	SlackThreadTS   string   `json:"slackThreadTs"`
	SlackUserID     string   `json:"slackUserId"`
	GitHubRepo      string   `json:"githubRepo"`
	GitHubIssue     int64    `json:"githubIssue"`
	MailMessageID   string   `json:"mailMessageId"`
	MentionOrigin   string   `json:"mentionOrigin"`
	EpicID          string   `json:"epicId"`
	ParentTaskID    string   `json:"parentTaskId"`
	ClaudeSessionID string   `json:"claudeSessionId"`
	CreatedAt       int64    `json:"createdAt"`
	LastUpdated     int64    `json:"lastUpdated"`
	FinishedAt      int64    `json:"finishedAt"`
	NotifiedAt      int64    `json:"notifiedAt"`
}

// InboxMessage is an external chat event recorded for a lead agent.
type InboxMessage struct {
	ID                string `json:"id"`
	AgentID           string `json:"agentId"`
	Content           string `json:"content"`
	Source            string `json:"source"`
	Status            string `json:"status"`
	SlackChannelID    string `json:"slackChannelId"`
	SlackThreadTS     string `json:"slackThreadTs"`
	SlackUserID       string `json:"slackUserId"`
	MatchedText       string `json:"matchedText"`
	DelegatedToTaskID string `json:"delegatedToTaskId"`
	ResponseText      string `json:"responseText"`
	ProcessingAt      int64  `json:"processingAt"`
	CreatedAt         int64  `json:"createdAt"`
	LastUpdated       int64  `json:"lastUpdated"`
}

// Channel is an internal chat channel (public or DM).
type Channel struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	IsDM            bool   `json:"isDm"`
	ProcessingBy    string `json:"processingBy"`
	ProcessingUntil int64  `json:"processingUntil"`
	CreatedAt       int64  `json:"createdAt"`
}

// ChannelMessage is a message in an internal channel. AuthorID is empty
// for human-authored messages.
type ChannelMessage struct {
	ID        string   `json:"id"`
	ChannelID string   `json:"channelId"`
	AuthorID  string   `json:"authorId"`
	Content   string   `json:"content"`
	ReplyToID string   `json:"replyToId"`
	Mentions  []string `json:"mentions"`
	CreatedAt int64    `json:"createdAt"`
}

// Epic is a named container of tasks with a computed progress percentage.
type Epic struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Goal        string `json:"goal"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"createdAt"`
	LastUpdated int64  `json:"lastUpdated"`
	NotifiedAt  int64  `json:"notifiedAt"`
}

// EpicStats is the task breakdown for an epic.
type EpicStats struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	InProgress int `json:"inProgress"`
}

// Progress returns completed/total as a 0..100 percentage.
func (s EpicStats) Progress() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Completed) / float64(s.Total) * 100
}

// Service is a per-agent registered service, used for artifact discovery.
type Service struct {
	ID          string `json:"id"`
	AgentID     string `json:"agentId"`
	Name        string `json:"name"`
	Port        int    `json:"port"`
	Script      string `json:"script"`
	Status      string `json:"status"`
	HealthPath  string `json:"healthPath"`
	URL         string `json:"url"`
	CreatedAt   int64  `json:"createdAt"`
	LastUpdated int64  `json:"lastUpdated"`
}

// SessionCost is an append-only cost record for one child iteration.
type SessionCost struct {
	ID                  int64   `json:"id"`
	SessionID           string  `json:"sessionId"`
	Iteration           int     `json:"iteration"`
	TaskID              string  `json:"taskId"`
	AgentID             string  `json:"agentId"`
	CLI                 string  `json:"cli"`
	TotalCostUSD        float64 `json:"totalCostUsd"`
	InputTokens         int64   `json:"inputTokens"`
	OutputTokens        int64   `json:"outputTokens"`
	CacheCreationTokens int64   `json:"cacheCreationTokens"`
	CacheReadTokens     int64   `json:"cacheReadTokens"`
	CreatedAt           int64   `json:"createdAt"`
}

// SessionLog is an append-only batch of child stdout lines.
type SessionLog struct {
	ID        int64    `json:"id"`
	SessionID string   `json:"sessionId"`
	Iteration int      `json:"iteration"`
	TaskID    string   `json:"taskId"`
	CLI       string   `json:"cli"`
	Lines     []string `json:"lines"`
	CreatedAt int64    `json:"createdAt"`
}

// ConfigEntry is one stored (scope,key,value) configuration row.
type ConfigEntry struct {
	Scope     string `json:"scope"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	UpdatedAt int64  `json:"updatedAt"`
}
