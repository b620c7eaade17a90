// Package router turns external integration events into tasks or inbox
// messages, with duplicate suppression in front of task creation.
package router

// Event is the uniform shape every integration delivers. Webhook handlers
// verify signatures and normalize their payloads into this before routing.
type Event struct {
	Source string // slack | github | agentmail
	Author string // external author identifier
	Text   string

	// Thread coordinates (slack) double as the dedup fast path.
	SlackChannelID string
	SlackThreadTS  string
	SlackUserID    string

	GitHubRepo    string
	GitHubIssue   int64
	MailMessageID string
	MentionOrigin string

	// MentionsBot marks an explicit directive at the bot.
	MentionsBot bool
	// TargetAgentID pins the resulting task to an agent.
	TargetAgentID string
}
