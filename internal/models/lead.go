package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Lead is a referral captured from a tenant conversation. Immutable once
// written.
type Lead struct {
	gorm.Model

	LeadID          string  `json:"lead_id" gorm:"uniqueIndex"`
	ConversationID  string  `json:"conversation_id" gorm:"index"`
	TenantPhone     string  `json:"tenant_phone"`
	ReferredName    string  `json:"referred_name"`
	ReferredContact string  `json:"referred_contact"`
	ReferredEmail   string  `json:"referred_email"`
	Notes           string  `json:"notes"`
	Confidence      float64 `json:"confidence"`
}

// BeforeCreate assigns the public lead ID and normalizes the referred
// contact if it looks like a phone number.
func (l *Lead) BeforeCreate(tx *gorm.DB) error {
	if l.LeadID == "" {
		l.LeadID = uuid.NewString()
	}
	if l.ReferredContact != "" {
		l.ReferredContact = NormalizePhone(l.ReferredContact)
	}
	return nil
}
