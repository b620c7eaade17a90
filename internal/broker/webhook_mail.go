package broker

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"

	"github.com/p-blackswan/agent-broker/internal/router"
	"github.com/p-blackswan/agent-broker/internal/store"
)

type mailWebhookRequest struct {
	MessageID string `json:"messageId"`
	From      string `json:"from"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body"`
}

// MailWebhook handles POST /webhooks/mail: inbound agent mail guarded by
// a shared secret header.
func (h *Handlers) MailWebhook(c *fiber.Ctx) error {
	if !h.cfg.MailEnabled() {
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"mail_disabled", "Service Unavailable", "Mail integration is not configured")
	}

	secret := c.Get("X-Webhook-Secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(h.cfg.MailWebhookSecret)) != 1 {
		h.metrics.RecordWebhook("mail", "rejected")
		return problemResponse(c, fiber.StatusUnauthorized,
			"invalid_secret", "Unauthorized", "Invalid webhook secret")
	}

	var req mailWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		h.metrics.RecordWebhook("mail", "invalid")
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}
	if req.Body == "" && req.Subject == "" {
		h.metrics.RecordWebhook("mail", "ignored")
		return c.JSON(fiber.Map{"ok": true})
	}

	text := req.Body
	if req.Subject != "" {
		text = req.Subject + "\n\n" + req.Body
	}

	result, err := h.router.Route(router.Event{
		Source:        store.SourceAgentMail,
		Author:        req.From,
		Text:          text,
		MailMessageID: req.MessageID,
		MentionOrigin: req.Subject,
	})
	if err != nil {
		h.metrics.RecordWebhook("mail", "error")
		h.logger.Error().Err(err).Msg("mail event routing failed")
		return c.JSON(fiber.Map{"ok": false})
	}

	h.metrics.RecordWebhook("mail", "routed")
	return c.JSON(routeSummary(result))
}
