package models

import (
	"time"

	"gorm.io/gorm"
)

// TurnDirection marks who sent the message.
type TurnDirection string

const (
	DirectionInbound  TurnDirection = "inbound"
	DirectionOutbound TurnDirection = "outbound"
)

// Turn is one inbound or outbound message within a conversation.
// Turns are append-only and never edited once written. SequenceNumber is
// strictly increasing per conversation with no gaps.
type Turn struct {
	gorm.Model

	ConversationID string        `json:"conversation_id" gorm:"index"`
	SequenceNumber int           `json:"sequence_number"`
	Direction      TurnDirection `json:"direction"`
	RawText        string        `json:"raw_text"`
	SentAt         time.Time     `json:"sent_at"`
	DedupKey       string        `json:"dedup_key"`
}

// BeforeCreate stamps the send time when the caller did not.
func (t *Turn) BeforeCreate(tx *gorm.DB) error {
	if t.SentAt.IsZero() {
		t.SentAt = time.Now()
	}
	return nil
}
