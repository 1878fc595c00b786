package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	TransactionReservation = "reservation"
	TransactionRefund      = "refund"
	TransactionGrant       = "grant"
)

// CreditTransaction is an append-only ledger entry. Reservations carry a
// negative amount; refunds and grants a positive one.
type CreditTransaction struct {
	ID              uuid.UUID  `db:"id"               json:"id"`
	AccountID       uuid.UUID  `db:"account_id"       json:"account_id"`
	Amount          int        `db:"amount"           json:"amount"`
	TransactionType string     `db:"transaction_type" json:"transaction_type"`
	ReferenceID     *uuid.UUID `db:"reference_id"     json:"reference_id,omitempty"`
	CreatedAt       time.Time  `db:"created_at"       json:"created_at"`
}
