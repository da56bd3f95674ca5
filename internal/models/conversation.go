package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConversationState is the lifecycle state of a referral conversation.
type ConversationState string

const (
	StateStarted            ConversationState = "started"
	StateAwaitingConsent    ConversationState = "awaiting_consent"
	StateCollectingReferral ConversationState = "collecting_referral"
	StateConfirming         ConversationState = "confirming"
	StateLeadCaptured       ConversationState = "lead_captured"
	StateDeclined           ConversationState = "declined"
	StateEscalated          ConversationState = "escalated"
	StateExpired            ConversationState = "expired"
)

// IsTerminal reports whether no further automated replies are allowed.
func (s ConversationState) IsTerminal() bool {
	switch s {
	case StateLeadCaptured, StateDeclined, StateEscalated, StateExpired:
		return true
	}
	return false
}

// ConversationOrigin records what opened the conversation.
type ConversationOrigin string

const (
	OriginInbound  ConversationOrigin = "inbound"
	OriginCampaign ConversationOrigin = "campaign"
)

// Conversation is one ongoing SMS exchange with a single tenant toward one
// referral outcome. At most one non-terminal conversation exists per tenant.
type Conversation struct {
	gorm.Model

	ConversationID string             `json:"conversation_id" gorm:"uniqueIndex"`
	TenantPhone    string             `json:"tenant_phone" gorm:"index"`
	State          ConversationState  `json:"state" gorm:"index"`
	Origin         ConversationOrigin `json:"origin"`
	OpenedAt       time.Time          `json:"opened_at"`
	LastActivityAt time.Time          `json:"last_activity_at"`
	TurnCount      int                `json:"turn_count" gorm:"default:0"`
	RetryCount     int                `json:"retry_count" gorm:"default:0"`
	NeedsReview    bool               `json:"needs_review" gorm:"default:false"`
}

// BeforeCreate assigns the public conversation ID and timestamps.
func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ConversationID == "" {
		c.ConversationID = uuid.NewString()
	}
	if c.OpenedAt.IsZero() {
		c.OpenedAt = time.Now()
	}
	if c.LastActivityAt.IsZero() {
		c.LastActivityAt = c.OpenedAt
	}
	return nil
}
