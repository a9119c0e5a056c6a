package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account represents a registered user and their token balance.
// Tokens is never negative; every mutation goes through the ledger store.
type Account struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Tokens       int64     `json:"tokens"`
	CreatedAt    time.Time `json:"created_at"`
}

// RedeemCode is a pre-issued, single-use code worth a fixed token amount.
// A code is consumed when UsedBy is set; the consume and the balance credit
// it causes are a single atomic unit.
type RedeemCode struct {
	Code      string     `json:"code"`
	Tokens    int64      `json:"tokens"`
	UsedBy    *uuid.UUID `json:"used_by,omitempty"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Used reports whether the code has already been consumed.
func (c *RedeemCode) Used() bool {
	return c.UsedBy != nil
}

// PaymentEvent records a settled payment-provider notification. The provider
// delivers notifications at least once; the stored event id is what makes
// re-delivery a no-op.
type PaymentEvent struct {
	EventID   string    `json:"event_id"`
	AccountID uuid.UUID `json:"account_id"`
	Tokens    int64     `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
}

// GenerationResult is the outcome of a successful cover-letter generation:
// the produced text plus the post-debit balance.
type GenerationResult struct {
	Text   string `json:"text"`
	Tokens int64  `json:"tokens"`
}
