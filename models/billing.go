package models

import (
	"time"

	"gorm.io/gorm"
)

// Invoice represents an issued invoice. Number/tax computation lives in the
// invoicing feature; sync and billing webhooks only read and annotate these.
type Invoice struct {
	gorm.Model
	UserID   uint  `gorm:"not null;index" json:"user_id"`
	ClientID *uint `gorm:"index" json:"client_id,omitempty"`

	Number      string     `gorm:"not null;index" json:"number"`
	AmountCents int64      `gorm:"not null" json:"amount_cents"`
	Currency    string     `gorm:"default:'usd'" json:"currency"`
	Status      string     `gorm:"default:'draft'" json:"status"` // draft, sent, paid, void
	PaidAt      *time.Time `json:"paid_at"`

	StripePaymentIntentID *string `gorm:"index" json:"stripe_payment_intent_id,omitempty"`
}

// BillingEvent records a verified Stripe webhook delivery so replays are
// detectable and processing stays idempotent.
type BillingEvent struct {
	gorm.Model
	StripeEventID string `gorm:"not null;uniqueIndex" json:"stripe_event_id"`
	Type          string `gorm:"not null;index" json:"type"`
	Payload       string `gorm:"type:text" json:"-"`
	ProcessedAt   *time.Time `json:"processed_at"`
}
