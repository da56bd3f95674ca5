package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cornerstone-re/referral-backend/internal/models"
	"github.com/cornerstone-re/referral-backend/internal/storage"
)

// Canned texts used when the language engine gives no reply, and for paths
// that must not depend on the engine at all.
const (
	blastMessage = "Hi! This is the assistant from Cornerstone Real Estate. " +
		"We're looking to help more students find great off-campus housing like yours! " +
		"Do you know anyone who might be looking for a place to live? " +
		"Just reply with their name and phone number, or let me know if you don't have any referrals right now. Thanks!"

	optOutConfirmation = "You're all set - we won't text you again. Thanks for letting us know!"

	unknownSenderReply = "Thanks for your message! I'll have our team follow up."

	askForDetailsReply = "Great! Could you share their name and phone number?"

	rePromptReply = "Sorry, I didn't quite catch that. Could you share the person's name and phone number?"

	declineCloseReply = "No worries! Thanks for letting me know. Have a great day!"

	leadCapturedReply = "Perfect, thanks so much! We'll reach out to them. If anyone else comes to mind, just text me."
)

// optOutKeywords are matched locally before any language-engine call so
// carrier-mandated stop words work even when the engine is down.
var optOutKeywords = map[string]bool{
	"STOP": true, "STOPALL": true, "UNSUBSCRIBE": true,
	"CANCEL": true, "END": true, "QUIT": true,
}

// StateMachine owns the conversation lifecycle: it classifies inbound
// events, mutates conversation state, and decides the outbound action. All
// row writes for one event commit in a single store transaction together
// with the dedup row; if the commit fails nothing is sent and the event
// stays unadmitted for carrier redelivery.
type StateMachine struct {
	store   storage.Store
	engine  LanguageEngine
	handoff *HandoffRouter
	cfg     Config
	now     func() time.Time
}

// NewStateMachine wires the conversation state machine.
func NewStateMachine(store storage.Store, engine LanguageEngine, handoff *HandoffRouter, cfg Config) *StateMachine {
	return &StateMachine{
		store:   store,
		engine:  engine,
		handoff: handoff,
		cfg:     cfg,
		now:     time.Now,
	}
}

// HandleInbound processes one admitted inbound message and returns the
// action the caller should dispatch.
func (sm *StateMachine) HandleInbound(ctx context.Context, phone, text, dedupKey string, receivedAt time.Time) (Action, error) {
	phone = models.NormalizePhone(phone)
	if receivedAt.IsZero() {
		receivedAt = sm.now()
	}

	tenant, err := sm.store.GetTenantByPhone(phone)
	if errors.Is(err, storage.ErrNotFound) {
		return sm.handleUnknownSender(phone, dedupKey, receivedAt)
	}
	if err != nil {
		return NoOp(""), fmt.Errorf("%w: load tenant %s: %v", ErrTransientDependency, phone, err)
	}

	// A tenant who opted out gets nothing beyond the confirmation already
	// sent on the opt-out transition.
	if tenant.OptOut {
		err := sm.store.Transaction(func(tx storage.Store) error {
			return tx.CreateWebhookEvent(&models.WebhookEvent{DedupKey: dedupKey, ReceivedAt: receivedAt})
		})
		if err != nil {
			return NoOp(""), fmt.Errorf("%w: record opted-out event: %v", ErrTransientDependency, err)
		}
		log.Printf("Dropping message from opted-out tenant %s", phone)
		return NoOp(""), nil
	}

	// Carrier stop words bind in every state, including after a
	// conversation closed, so detect them before any other routing.
	optingOut := optOutKeywords[strings.ToUpper(strings.TrimSpace(text))]

	active, err := sm.store.GetActiveConversations(phone)
	if err != nil {
		return NoOp(""), fmt.Errorf("%w: load conversations for %s: %v", ErrTransientDependency, phone, err)
	}
	if len(active) > 1 {
		return sm.handleInvariantViolation(active, dedupKey, receivedAt)
	}

	var conv *models.Conversation
	isNew := false
	if len(active) == 1 {
		conv = active[0]
	} else {
		latest, err := sm.store.GetLatestConversation(phone)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return NoOp(""), fmt.Errorf("%w: load latest conversation for %s: %v", ErrTransientDependency, phone, err)
		}
		// A message shortly after a closed conversation is kept as an
		// unanswered note so we don't reopen a finished deal.
		if latest != nil && latest.State.IsTerminal() && receivedAt.Sub(latest.LastActivityAt) < sm.cfg.Cooldown {
			if optingOut {
				return sm.optOutAfterClose(tenant, latest, text, dedupKey, receivedAt)
			}
			return sm.appendTerminalNote(latest, text, dedupKey, receivedAt)
		}
		conv = &models.Conversation{
			TenantPhone:    phone,
			State:          models.StateAwaitingConsent,
			Origin:         models.OriginInbound,
			OpenedAt:       receivedAt,
			LastActivityAt: receivedAt,
		}
		isNew = true
	}

	// Runaway-loop guard: bots and auto-replies get cut off, no reply.
	// A stop word still goes through classification so the tenant is
	// flagged rather than merely expired.
	if !isNew && !optingOut && conv.TurnCount >= sm.cfg.MaxTurns {
		return sm.expireConversation(conv, text, dedupKey, receivedAt)
	}

	result, err := sm.classify(ctx, conv, isNew, text)
	if err != nil {
		return NoOp(conv.ConversationID), err
	}

	action, lead, optedOut := sm.transition(conv, result)
	action.Intent = result.Intent

	action = sm.handoff.MaybeEscalate(conv, result.Intent, action)
	if action.Type == ActionEscalate {
		conv.State = models.StateEscalated
	}

	err = sm.store.Transaction(func(tx storage.Store) error {
		if isNew {
			if err := tx.CreateConversation(conv); err != nil {
				return err
			}
			action.ConversationID = conv.ConversationID
		}

		seq := conv.TurnCount + 1
		if err := tx.AppendTurn(&models.Turn{
			ConversationID: conv.ConversationID,
			SequenceNumber: seq,
			Direction:      models.DirectionInbound,
			RawText:        text,
			SentAt:         receivedAt,
			DedupKey:       dedupKey,
		}); err != nil {
			return err
		}
		conv.TurnCount = seq

		if action.Type == ActionReply && action.ReplyText != "" {
			seq++
			if err := tx.AppendTurn(&models.Turn{
				ConversationID: conv.ConversationID,
				SequenceNumber: seq,
				Direction:      models.DirectionOutbound,
				RawText:        action.ReplyText,
				SentAt:         receivedAt,
			}); err != nil {
				return err
			}
			conv.TurnCount = seq
		}

		conv.LastActivityAt = receivedAt
		if err := tx.UpdateConversation(conv); err != nil {
			return err
		}

		if lead != nil {
			lead.ConversationID = conv.ConversationID
			lead.TenantPhone = conv.TenantPhone
			if err := tx.CreateLead(lead); err != nil {
				return err
			}
			tenant.ReferralsProvided++
			if err := tx.UpdateTenant(tenant); err != nil {
				return err
			}
		}

		if optedOut {
			tenant.OptOut = true
			if err := tx.UpdateTenant(tenant); err != nil {
				return err
			}
		}

		return tx.CreateWebhookEvent(&models.WebhookEvent{DedupKey: dedupKey, ReceivedAt: receivedAt})
	})
	if err != nil {
		// Nothing was committed and nothing will be sent; the carrier will
		// redeliver and the guard has not durably admitted the key.
		return NoOp(conv.ConversationID), fmt.Errorf("%w: commit conversation %s: %v", ErrTransientDependency, conv.ConversationID, err)
	}

	action.ConversationID = conv.ConversationID
	return action, nil
}

// HandleCampaignTrigger opens a new outreach conversation for a tenant and
// returns the opening reply for the scheduler to dispatch.
func (sm *StateMachine) HandleCampaignTrigger(ctx context.Context, tenant *models.Tenant) (Action, error) {
	if tenant.OptOut {
		return NoOp(""), ErrTenantOptedOut
	}
	active, err := sm.store.GetActiveConversations(tenant.Phone)
	if err != nil {
		return NoOp(""), fmt.Errorf("%w: load conversations for %s: %v", ErrTransientDependency, tenant.Phone, err)
	}
	if len(active) > 0 {
		return NoOp(active[0].ConversationID), ErrConversationActive
	}

	now := sm.now()
	conv := &models.Conversation{
		TenantPhone:    tenant.Phone,
		State:          models.StateStarted,
		Origin:         models.OriginCampaign,
		OpenedAt:       now,
		LastActivityAt: now,
	}

	err = sm.store.Transaction(func(tx storage.Store) error {
		if err := tx.CreateConversation(conv); err != nil {
			return err
		}
		if err := tx.AppendTurn(&models.Turn{
			ConversationID: conv.ConversationID,
			SequenceNumber: 1,
			Direction:      models.DirectionOutbound,
			RawText:        blastMessage,
			SentAt:         now,
		}); err != nil {
			return err
		}
		conv.TurnCount = 1
		conv.State = models.StateAwaitingConsent
		return tx.UpdateConversation(conv)
	})
	if err != nil {
		return NoOp(""), fmt.Errorf("%w: open campaign conversation for %s: %v", ErrTransientDependency, tenant.Phone, err)
	}

	return Reply(conv.ConversationID, blastMessage), nil
}

// classify runs the local opt-out keyword check, then the language engine.
func (sm *StateMachine) classify(ctx context.Context, conv *models.Conversation, isNew bool, text string) (*ClassifyResult, error) {
	if optOutKeywords[strings.ToUpper(strings.TrimSpace(text))] {
		return &ClassifyResult{Intent: IntentOptOut, ReplyText: optOutConfirmation}, nil
	}

	var history []*models.Turn
	if !isNew {
		var err error
		history, err = sm.store.GetTurns(conv.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("%w: load turns for %s: %v", ErrTransientDependency, conv.ConversationID, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, sm.cfg.ExternalTimeout)
	defer cancel()
	result, err := sm.engine.ClassifyAndRespond(ctx, history, text)
	if err != nil {
		log.Printf("Classification failed for conversation %s: %v", conv.ConversationID, err)
		return nil, err
	}
	return result, nil
}

// transition applies the state table. It mutates conv in place and returns
// the pending action, a lead to persist (extraction success only), and
// whether the tenant opted out.
func (sm *StateMachine) transition(conv *models.Conversation, result *ClassifyResult) (Action, *models.Lead, bool) {
	id := conv.ConversationID

	if result.Intent == IntentOptOut {
		conv.State = models.StateDeclined
		return Reply(id, optOutConfirmation), nil, true
	}

	switch conv.State {
	case models.StateStarted, models.StateAwaitingConsent:
		switch result.Intent {
		case IntentConsentYes:
			conv.State = models.StateCollectingReferral
			conv.RetryCount = 0
			return Reply(id, replyOr(result, askForDetailsReply)), nil, false
		case IntentConsentNo:
			conv.State = models.StateDeclined
			return Reply(id, replyOr(result, declineCloseReply)), nil, false
		case IntentProvidesInfo:
			// Tenant volunteered details without being asked twice.
			conv.State = models.StateCollectingReferral
			action, lead := sm.handleExtraction(conv, result)
			return action, lead, false
		default:
			return Reply(id, replyOr(result, rePromptReply)), nil, false
		}

	case models.StateCollectingReferral:
		switch result.Intent {
		case IntentProvidesInfo:
			action, lead := sm.handleExtraction(conv, result)
			return action, lead, false
		case IntentConsentNo:
			conv.State = models.StateDeclined
			return Reply(id, replyOr(result, declineCloseReply)), nil, false
		case IntentConsentYes:
			return Reply(id, replyOr(result, askForDetailsReply)), nil, false
		default:
			action := sm.rePromptOrEscalate(conv, result)
			return action, nil, false
		}

	case models.StateConfirming:
		switch result.Intent {
		case IntentConsentYes:
			conv.State = models.StateLeadCaptured
			return Reply(id, replyOr(result, leadCapturedReply)), nil, false
		case IntentConsentNo:
			// They want to correct the details; collect again.
			conv.State = models.StateCollectingReferral
			conv.RetryCount = 0
			return Reply(id, replyOr(result, askForDetailsReply)), nil, false
		case IntentProvidesInfo:
			action, lead := sm.handleExtraction(conv, result)
			return action, lead, false
		default:
			action := sm.rePromptOrEscalate(conv, result)
			return action, nil, false
		}
	}

	// Terminal states are filtered out before transition; treat anything
	// unexpected as a no-op.
	return NoOp(id), nil, false
}

// handleExtraction writes a Lead when the engine is confident enough,
// otherwise re-prompts within the retry cap.
func (sm *StateMachine) handleExtraction(conv *models.Conversation, result *ClassifyResult) (Action, *models.Lead) {
	ext := result.Extraction
	if ext == nil {
		return sm.rePromptOrEscalate(conv, result), nil
	}

	if ext.Confidence >= sm.cfg.ConfidenceThreshold {
		contact := ext.Phone
		if contact == "" {
			contact = ext.Email
		}
		lead := &models.Lead{
			ReferredName:    ext.Name,
			ReferredContact: contact,
			ReferredEmail:   ext.Email,
			Notes:           ext.Notes,
			Confidence:      ext.Confidence,
		}
		conv.State = models.StateConfirming
		conv.RetryCount = 0
		confirm := replyOr(result, fmt.Sprintf("Got it - %s at %s. Did I get that right?", ext.Name, contact))
		return Reply(conv.ConversationID, confirm), lead
	}

	log.Printf("Low-confidence extraction (%.2f) on conversation %s", ext.Confidence, conv.ConversationID)
	return sm.rePromptOrEscalate(conv, result), nil
}

// rePromptOrEscalate counts a failed attempt and escalates past the cap.
func (sm *StateMachine) rePromptOrEscalate(conv *models.Conversation, result *ClassifyResult) Action {
	conv.RetryCount++
	if conv.RetryCount >= sm.cfg.MaxRetries {
		return Escalate(conv.ConversationID, "could not capture referral details after repeated attempts")
	}
	return Reply(conv.ConversationID, replyOr(result, rePromptReply))
}

// handleUnknownSender answers numbers with no tenant row with a single
// canned acknowledgement and no conversation.
func (sm *StateMachine) handleUnknownSender(phone, dedupKey string, receivedAt time.Time) (Action, error) {
	err := sm.store.Transaction(func(tx storage.Store) error {
		return tx.CreateWebhookEvent(&models.WebhookEvent{DedupKey: dedupKey, ReceivedAt: receivedAt})
	})
	if err != nil {
		return NoOp(""), fmt.Errorf("%w: record unknown-sender event: %v", ErrTransientDependency, err)
	}
	log.Printf("Message from unknown number %s, sending canned acknowledgement", phone)
	return Reply("", unknownSenderReply), nil
}

// optOutAfterClose flags the tenant when a stop word arrives after their
// conversation already closed. The closed conversation keeps its state; the
// tenant still gets the single confirmation.
func (sm *StateMachine) optOutAfterClose(tenant *models.Tenant, conv *models.Conversation, text, dedupKey string, receivedAt time.Time) (Action, error) {
	err := sm.store.Transaction(func(tx storage.Store) error {
		seq := conv.TurnCount + 1
		if err := tx.AppendTurn(&models.Turn{
			ConversationID: conv.ConversationID,
			SequenceNumber: seq,
			Direction:      models.DirectionInbound,
			RawText:        text,
			SentAt:         receivedAt,
			DedupKey:       dedupKey,
		}); err != nil {
			return err
		}
		seq++
		if err := tx.AppendTurn(&models.Turn{
			ConversationID: conv.ConversationID,
			SequenceNumber: seq,
			Direction:      models.DirectionOutbound,
			RawText:        optOutConfirmation,
			SentAt:         receivedAt,
		}); err != nil {
			return err
		}
		conv.TurnCount = seq
		conv.LastActivityAt = receivedAt
		if err := tx.UpdateConversation(conv); err != nil {
			return err
		}
		tenant.OptOut = true
		if err := tx.UpdateTenant(tenant); err != nil {
			return err
		}
		return tx.CreateWebhookEvent(&models.WebhookEvent{DedupKey: dedupKey, ReceivedAt: receivedAt})
	})
	if err != nil {
		return NoOp(conv.ConversationID), fmt.Errorf("%w: record opt-out for %s: %v", ErrTransientDependency, tenant.Phone, err)
	}
	log.Printf("Tenant %s opted out after conversation %s closed", tenant.Phone, conv.ConversationID)
	action := Reply(conv.ConversationID, optOutConfirmation)
	action.Intent = IntentOptOut
	return action, nil
}

// appendTerminalNote stores a post-close message without reopening the
// conversation or replying.
func (sm *StateMachine) appendTerminalNote(conv *models.Conversation, text, dedupKey string, receivedAt time.Time) (Action, error) {
	err := sm.store.Transaction(func(tx storage.Store) error {
		seq := conv.TurnCount + 1
		if err := tx.AppendTurn(&models.Turn{
			ConversationID: conv.ConversationID,
			SequenceNumber: seq,
			Direction:      models.DirectionInbound,
			RawText:        text,
			SentAt:         receivedAt,
			DedupKey:       dedupKey,
		}); err != nil {
			return err
		}
		conv.TurnCount = seq
		conv.LastActivityAt = receivedAt
		if err := tx.UpdateConversation(conv); err != nil {
			return err
		}
		return tx.CreateWebhookEvent(&models.WebhookEvent{DedupKey: dedupKey, ReceivedAt: receivedAt})
	})
	if err != nil {
		return NoOp(conv.ConversationID), fmt.Errorf("%w: append note to %s: %v", ErrTransientDependency, conv.ConversationID, err)
	}
	log.Printf("Appended unanswered note to closed conversation %s", conv.ConversationID)
	return NoOp(conv.ConversationID), nil
}

// expireConversation closes a conversation that blew past the turn cap.
func (sm *StateMachine) expireConversation(conv *models.Conversation, text, dedupKey string, receivedAt time.Time) (Action, error) {
	err := sm.store.Transaction(func(tx storage.Store) error {
		seq := conv.TurnCount + 1
		if err := tx.AppendTurn(&models.Turn{
			ConversationID: conv.ConversationID,
			SequenceNumber: seq,
			Direction:      models.DirectionInbound,
			RawText:        text,
			SentAt:         receivedAt,
			DedupKey:       dedupKey,
		}); err != nil {
			return err
		}
		conv.TurnCount = seq
		conv.State = models.StateExpired
		conv.LastActivityAt = receivedAt
		if err := tx.UpdateConversation(conv); err != nil {
			return err
		}
		return tx.CreateWebhookEvent(&models.WebhookEvent{DedupKey: dedupKey, ReceivedAt: receivedAt})
	})
	if err != nil {
		return NoOp(conv.ConversationID), fmt.Errorf("%w: expire conversation %s: %v", ErrTransientDependency, conv.ConversationID, err)
	}
	log.Printf("Conversation %s expired at %d turns", conv.ConversationID, conv.TurnCount)
	return NoOp(conv.ConversationID), nil
}

// handleInvariantViolation flags every active conversation for review and
// drops the event so it cannot make things worse.
func (sm *StateMachine) handleInvariantViolation(active []*models.Conversation, dedupKey string, receivedAt time.Time) (Action, error) {
	ids := make([]string, 0, len(active))
	err := sm.store.Transaction(func(tx storage.Store) error {
		for _, c := range active {
			c.NeedsReview = true
			if err := tx.UpdateConversation(c); err != nil {
				return err
			}
			ids = append(ids, c.ConversationID)
		}
		return tx.CreateWebhookEvent(&models.WebhookEvent{DedupKey: dedupKey, ReceivedAt: receivedAt})
	})
	if err != nil {
		return NoOp(""), fmt.Errorf("%w: flag conversations: %v", ErrTransientDependency, err)
	}
	log.Printf("%v: multiple active conversations flagged for review: %v", ErrInvariantViolation, ids)
	return NoOp(""), nil
}

func replyOr(result *ClassifyResult, fallback string) string {
	if result.ReplyText != "" {
		return result.ReplyText
	}
	return fallback
}
