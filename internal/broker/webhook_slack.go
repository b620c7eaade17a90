package broker

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/p-blackswan/agent-broker/internal/router"
	"github.com/p-blackswan/agent-broker/internal/store"
)

// SlackWebhook handles POST /webhooks/slack: signed Events API callbacks.
// Handles the url_verification handshake, then routes app_mention and
// message events. The bot's own messages are dropped to avoid loops.
func (h *Handlers) SlackWebhook(c *fiber.Ctx) error {
	if !h.cfg.SlackEnabled() {
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"slack_disabled", "Service Unavailable", "Slack integration is not configured")
	}

	body := c.Body()

	verifier, err := slack.NewSecretsVerifier(slackHeader(c), h.cfg.SlackSigningSecret)
	if err != nil {
		h.metrics.RecordWebhook("slack", "rejected")
		return problemResponse(c, fiber.StatusUnauthorized,
			"invalid_signature", "Unauthorized", "Missing Slack signature headers")
	}
	if _, err := verifier.Write(body); err != nil {
		return errorResponse(c, err)
	}
	if err := verifier.Ensure(); err != nil {
		h.metrics.RecordWebhook("slack", "rejected")
		h.logger.Warn().Err(err).Msg("slack webhook signature mismatch")
		return problemResponse(c, fiber.StatusUnauthorized,
			"invalid_signature", "Unauthorized", "Invalid Slack signature")
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		h.metrics.RecordWebhook("slack", "invalid")
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_payload", "Bad Request", "Unparseable Slack event")
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_payload", "Bad Request", "Unparseable challenge")
		}
		c.Set("Content-Type", "text/plain")
		return c.SendString(challenge.Challenge)

	case slackevents.CallbackEvent:
		return h.slackCallback(c, event.InnerEvent)
	}

	h.metrics.RecordWebhook("slack", "ignored")
	return c.JSON(fiber.Map{"ok": true})
}

func (h *Handlers) slackCallback(c *fiber.Ctx, inner slackevents.EventsAPIInnerEvent) error {
	var ev router.Event

	switch e := inner.Data.(type) {
	case *slackevents.AppMentionEvent:
		if h.isBotUser(e.User) || e.BotID != "" {
			h.metrics.RecordWebhook("slack", "ignored")
			return c.JSON(fiber.Map{"ok": true})
		}
		ev = router.Event{
			Source:         store.SourceSlack,
			Author:         e.User,
			Text:           stripBotMention(e.Text, h.cfg.SlackBotUserID),
			SlackChannelID: e.Channel,
			SlackThreadTS:  slackThread(e.ThreadTimeStamp, e.TimeStamp),
			SlackUserID:    e.User,
			MentionOrigin:  e.Text,
			MentionsBot:    true,
		}

	case *slackevents.MessageEvent:
		// Thread replies and edits flow through here too; keep only
		// fresh human messages.
		if h.isBotUser(e.User) || e.BotID != "" || e.SubType != "" {
			h.metrics.RecordWebhook("slack", "ignored")
			return c.JSON(fiber.Map{"ok": true})
		}
		ev = router.Event{
			Source:         store.SourceSlack,
			Author:         e.User,
			Text:           stripBotMention(e.Text, h.cfg.SlackBotUserID),
			SlackChannelID: e.Channel,
			SlackThreadTS:  slackThread(e.ThreadTimeStamp, e.TimeStamp),
			SlackUserID:    e.User,
			MentionOrigin:  e.Text,
			MentionsBot:    mentionsUser(e.Text, h.cfg.SlackBotUserID),
		}

	default:
		h.metrics.RecordWebhook("slack", "ignored")
		return c.JSON(fiber.Map{"ok": true})
	}

	result, err := h.router.Route(ev)
	if err != nil {
		h.metrics.RecordWebhook("slack", "error")
		h.logger.Error().Err(err).Msg("slack event routing failed")
		// Slack retries on non-2xx; the failure is ours, not theirs.
		return c.JSON(fiber.Map{"ok": false})
	}

	h.metrics.RecordWebhook("slack", "routed")
	return c.JSON(routeSummary(result))
}

func (h *Handlers) isBotUser(userID string) bool {
	return h.cfg.SlackBotUserID != "" && userID == h.cfg.SlackBotUserID
}

func mentionsUser(text, userID string) bool {
	return userID != "" && strings.Contains(text, "<@"+userID+">")
}

func stripBotMention(text, userID string) string {
	if userID == "" {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(strings.ReplaceAll(text, "<@"+userID+">", ""))
}

func slackThread(threadTS, ts string) string {
	if threadTS != "" {
		return threadTS
	}
	return ts
}

// slackHeader rebuilds an http.Header from the Fiber request so the Slack
// secrets verifier can read the timestamp and signature headers.
func slackHeader(c *fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(k, v []byte) {
		header.Add(string(k), string(v))
	})
	return header
}

func routeSummary(result *router.Result) fiber.Map {
	out := fiber.Map{"ok": true}
	switch {
	case result.Duplicate != nil:
		out["duplicateOf"] = result.Duplicate.ID
		out["reason"] = result.DedupReason
	case result.Task != nil:
		out["taskId"] = result.Task.ID
	case result.InboxMessage != nil:
		out["inboxMessageId"] = result.InboxMessage.ID
	}
	return out
}
