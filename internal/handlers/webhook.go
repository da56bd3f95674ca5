package handlers

import (
	"context"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/cornerstone-re/referral-backend/internal/models"
	"github.com/cornerstone-re/referral-backend/internal/services"
	"github.com/cornerstone-re/referral-backend/internal/storage"
)

// WebhookHandler processes inbound SMS webhooks from Twilio.
type WebhookHandler struct {
	store      storage.Store
	machine    *services.StateMachine
	guard      *services.IdempotencyGuard
	dispatcher services.Dispatcher
	handoff    *services.HandoffRouter
	timeout    time.Duration
}

// NewWebhookHandler creates the inbound webhook handler.
func NewWebhookHandler(
	store storage.Store,
	machine *services.StateMachine,
	guard *services.IdempotencyGuard,
	dispatcher services.Dispatcher,
	handoff *services.HandoffRouter,
	timeout time.Duration,
) *WebhookHandler {
	return &WebhookHandler{
		store:      store,
		machine:    machine,
		guard:      guard,
		dispatcher: dispatcher,
		handoff:    handoff,
		timeout:    timeout,
	}
}

// TwilioWebhookPayload is the inbound message form Twilio posts.
type TwilioWebhookPayload struct {
	MessageSid string `form:"MessageSid"`
	AccountSid string `form:"AccountSid"`
	From       string `form:"From"`
	To         string `form:"To"`
	Body       string `form:"Body"`
}

// HandleInbound runs one webhook delivery through the guard and the state
// machine, then dispatches whatever action comes back. Returns 200 for
// anything already handled (including duplicates) and 500 for transient
// failures so the carrier redelivers.
func (h *WebhookHandler) HandleInbound(c *fiber.Ctx) error {
	var payload TwilioWebhookPayload
	if err := c.BodyParser(&payload); err != nil {
		log.Printf("Error parsing webhook: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid webhook payload",
		})
	}

	// Status callbacks and media-only events carry no text to process.
	if payload.Body == "" || payload.From == "" || payload.MessageSid == "" {
		return c.SendStatus(fiber.StatusOK)
	}

	phone := models.NormalizePhone(payload.From)

	admission, err := h.guard.Admit(payload.MessageSid)
	if err != nil {
		log.Printf("Admission check failed for %s: %v", payload.MessageSid, err)
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	if admission == services.Duplicate {
		log.Printf("%v: %s dropped", services.ErrDuplicateDelivery, payload.MessageSid)
		return c.SendStatus(fiber.StatusOK)
	}
	defer h.guard.Release(payload.MessageSid)

	unlock := h.guard.LockPhone(phone)
	defer unlock()

	ctx, cancel := context.WithTimeout(c.Context(), h.timeout)
	defer cancel()

	action, err := h.machine.HandleInbound(ctx, phone, payload.Body, payload.MessageSid, time.Now())
	if err != nil {
		// Nothing committed; a 500 asks the carrier to redeliver.
		log.Printf("Processing failed for %s (conversation %s): %v", payload.MessageSid, action.ConversationID, err)
		return c.SendStatus(fiber.StatusInternalServerError)
	}

	h.dispatch(phone, action)
	return c.SendStatus(fiber.StatusOK)
}

// dispatch forwards the committed action to the carrier or the agent. A
// dispatch failure after commit is logged, never retried here: the state
// is already consistent and a duplicate reply is worse than silence.
func (h *WebhookHandler) dispatch(phone string, action services.Action) {
	switch action.Type {
	case services.ActionReply:
		if err := h.dispatcher.SendSMS(phone, action.ReplyText); err != nil {
			log.Printf("Failed to send reply for conversation %s: %v", action.ConversationID, err)
		}
	case services.ActionEscalate:
		conv, err := h.store.GetConversation(action.ConversationID)
		if err != nil {
			log.Printf("Failed to load escalated conversation %s: %v", action.ConversationID, err)
			return
		}
		turns, err := h.store.GetTurns(action.ConversationID)
		if err != nil {
			log.Printf("Failed to load turns for escalated conversation %s: %v", action.ConversationID, err)
		}
		if err := h.handoff.Notify(conv, action.Reason, turns); err != nil {
			log.Printf("Handoff notification failed for conversation %s: %v", action.ConversationID, err)
		}
	}
}
