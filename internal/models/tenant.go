package models

import (
	"strings"
	"time"
	"unicode"

	"gorm.io/gorm"
)

// Tenant represents a current tenant we may ask for referrals.
// Rows are created at onboarding and never deleted, only flagged.
type Tenant struct {
	gorm.Model

	Phone             string     `json:"phone" gorm:"uniqueIndex"`
	Name              string     `json:"name"`
	PropertyID        string     `json:"property_id"`
	OptOut            bool       `json:"opt_out" gorm:"default:false"`
	LastContactedAt   *time.Time `json:"last_contacted_at"`
	ReferralsProvided int        `json:"referrals_provided" gorm:"default:0"`
}

// BeforeCreate normalizes the phone number so lookups by webhook sender
// always hit the same row.
func (t *Tenant) BeforeCreate(tx *gorm.DB) error {
	t.Phone = NormalizePhone(t.Phone)
	return nil
}

// NormalizePhone strips formatting and ensures a +1 country code, matching
// how the carrier reports sender numbers.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return phone
	}
	if len(digits) == 11 && strings.HasPrefix(digits, "1") {
		return "+" + digits
	}
	if len(digits) == 10 {
		return "+1" + digits
	}
	return "+" + digits
}
