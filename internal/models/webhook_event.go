package models

import (
	"time"

	"gorm.io/gorm"
)

// WebhookEvent records a processed carrier delivery so redelivered webhooks
// can be dropped. Rows are expired after a retention window; the carrier
// stops retrying long before that.
type WebhookEvent struct {
	gorm.Model

	DedupKey   string    `json:"dedup_key" gorm:"uniqueIndex"`
	ReceivedAt time.Time `json:"received_at"`
}

// BeforeCreate stamps the receive time when the caller did not.
func (e *WebhookEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now()
	}
	return nil
}
