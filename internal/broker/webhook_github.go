package broker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	gh "github.com/google/go-github/v60/github"

	"github.com/p-blackswan/agent-broker/internal/router"
	"github.com/p-blackswan/agent-broker/internal/store"
)

// GitHubWebhook handles POST /webhooks/github. Issue comments become
// routed events; comments by the broker's own bot account are dropped.
func (h *Handlers) GitHubWebhook(c *fiber.Ctx) error {
	if !h.cfg.GitHubEnabled() {
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"github_disabled", "Service Unavailable", "GitHub integration is not configured")
	}

	payload := c.Body()

	sig := c.Get("X-Hub-Signature-256")
	if err := gh.ValidateSignature(sig, payload, []byte(h.cfg.GitHubWebhookSecret)); err != nil {
		h.metrics.RecordWebhook("github", "rejected")
		h.logger.Warn().Err(err).Msg("github webhook signature mismatch")
		return problemResponse(c, fiber.StatusUnauthorized,
			"invalid_signature", "Unauthorized", "Invalid webhook signature")
	}

	eventType := c.Get("X-GitHub-Event")
	switch eventType {
	case "issue_comment":
		var event gh.IssueCommentEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			h.metrics.RecordWebhook("github", "invalid")
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_payload", "Bad Request", "Unparseable issue_comment payload")
		}
		if event.GetAction() != "created" {
			h.metrics.RecordWebhook("github", "ignored")
			return c.JSON(fiber.Map{"ok": true})
		}
		return h.routeIssueComment(c, &event)

	case "issues":
		var event gh.IssuesEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			h.metrics.RecordWebhook("github", "invalid")
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_payload", "Bad Request", "Unparseable issues payload")
		}
		if event.GetAction() != "opened" {
			h.metrics.RecordWebhook("github", "ignored")
			return c.JSON(fiber.Map{"ok": true})
		}
		return h.routeIssueOpened(c, &event)
	}

	h.metrics.RecordWebhook("github", "ignored")
	return c.JSON(fiber.Map{"ok": true})
}

func (h *Handlers) routeIssueComment(c *fiber.Ctx, event *gh.IssueCommentEvent) error {
	author := event.GetComment().GetUser().GetLogin()
	if h.cfg.GitHubBotLogin != "" && author == h.cfg.GitHubBotLogin {
		h.metrics.RecordWebhook("github", "ignored")
		return c.JSON(fiber.Map{"ok": true})
	}

	body := event.GetComment().GetBody()
	return h.routeGitHubEvent(c, router.Event{
		Source:        store.SourceGitHub,
		Author:        author,
		Text:          githubText(event.GetIssue(), body),
		GitHubRepo:    event.GetRepo().GetFullName(),
		GitHubIssue:   int64(event.GetIssue().GetNumber()),
		MentionOrigin: body,
		MentionsBot:   mentionsLogin(body, h.cfg.GitHubBotLogin),
	})
}

func (h *Handlers) routeIssueOpened(c *fiber.Ctx, event *gh.IssuesEvent) error {
	author := event.GetIssue().GetUser().GetLogin()
	if h.cfg.GitHubBotLogin != "" && author == h.cfg.GitHubBotLogin {
		h.metrics.RecordWebhook("github", "ignored")
		return c.JSON(fiber.Map{"ok": true})
	}

	body := event.GetIssue().GetBody()
	return h.routeGitHubEvent(c, router.Event{
		Source:        store.SourceGitHub,
		Author:        author,
		Text:          githubText(event.GetIssue(), body),
		GitHubRepo:    event.GetRepo().GetFullName(),
		GitHubIssue:   int64(event.GetIssue().GetNumber()),
		MentionOrigin: body,
		MentionsBot:   mentionsLogin(body, h.cfg.GitHubBotLogin),
	})
}

func (h *Handlers) routeGitHubEvent(c *fiber.Ctx, ev router.Event) error {
	result, err := h.router.Route(ev)
	if err != nil {
		h.metrics.RecordWebhook("github", "error")
		h.logger.Error().Err(err).Msg("github event routing failed")
		return c.JSON(fiber.Map{"ok": false})
	}
	h.metrics.RecordWebhook("github", "routed")
	return c.JSON(routeSummary(result))
}

func githubText(issue *gh.Issue, body string) string {
	title := issue.GetTitle()
	if title == "" {
		return body
	}
	return fmt.Sprintf("%s\n\n%s", title, body)
}

func mentionsLogin(text, login string) bool {
	return login != "" && strings.Contains(strings.ToLower(text), strings.ToLower("@"+login))
}
