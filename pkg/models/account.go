package models

import (
	"time"

	"github.com/google/uuid"
)

// Account owns API keys, a credit balance and a business context.
type Account struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	Credits   int       `db:"credits"    json:"credits"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// BusinessContext is the account configuration a profile is scored against.
type BusinessContext struct {
	AccountID      uuid.UUID `db:"account_id"      json:"account_id"`
	BusinessName   string    `db:"business_name"   json:"business_name"`
	Industry       string    `db:"industry"        json:"industry"`
	Offering       string    `db:"offering"        json:"offering"`
	TargetAudience string    `db:"target_audience" json:"target_audience"`
	IdealCustomer  string    `db:"ideal_customer"  json:"ideal_customer"`
	UpdatedAt      time.Time `db:"updated_at"      json:"updated_at"`
}
