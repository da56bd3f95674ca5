package services

import (
	"fmt"
	"log"
	"strings"

	"github.com/cornerstone-re/referral-backend/internal/models"
)

// HandoffRouter decides when a conversation must leave automation and go
// to a human agent, and delivers the out-of-band notification.
type HandoffRouter struct {
	dispatcher   Dispatcher
	agentContact string
}

// NewHandoffRouter creates a router that notifies the configured agent
// contact through the dispatcher.
func NewHandoffRouter(dispatcher Dispatcher, agentContact string) *HandoffRouter {
	return &HandoffRouter{
		dispatcher:   dispatcher,
		agentContact: agentContact,
	}
}

// MaybeEscalate inspects the classified intent and rewrites the pending
// action into an escalation when a human needs to take over. The automated
// reply is suppressed; escalation is terminal for the conversation.
func (h *HandoffRouter) MaybeEscalate(conv *models.Conversation, intent Intent, action Action) Action {
	if action.Type == ActionEscalate {
		return action
	}
	if intent == IntentUrgent {
		escalated := Escalate(conv.ConversationID, "urgent or agent-requested message")
		escalated.Intent = intent
		return escalated
	}
	return action
}

// Notify delivers the escalation with a transcript summary to the agent
// contact. Failures are logged and returned; the conversation stays
// escalated regardless.
func (h *HandoffRouter) Notify(conv *models.Conversation, reason string, turns []*models.Turn) error {
	if h.agentContact == "" {
		log.Printf("Escalation for conversation %s has no agent contact configured", conv.ConversationID)
		return fmt.Errorf("no agent contact configured")
	}

	msg := fmt.Sprintf("Referral assistant handoff\nTenant: %s\nConversation: %s\nReason: %s\n%s",
		conv.TenantPhone, conv.ConversationID, reason, summarizeTurns(turns))

	if err := h.dispatcher.SendSMS(h.agentContact, msg); err != nil {
		log.Printf("Failed to notify agent for conversation %s: %v", conv.ConversationID, err)
		return err
	}
	log.Printf("Escalated conversation %s to %s: %s", conv.ConversationID, h.agentContact, reason)
	return nil
}

// summarizeTurns renders the tail of the transcript, newest last. SMS has
// tight length limits, so only the last few turns are included.
func summarizeTurns(turns []*models.Turn) string {
	const maxTurns = 6
	if len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	var b strings.Builder
	for _, t := range turns {
		who := "tenant"
		if t.Direction == models.DirectionOutbound {
			who = "assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", who, t.RawText)
	}
	return strings.TrimRight(b.String(), "\n")
}
