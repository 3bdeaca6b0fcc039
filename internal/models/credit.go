package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger entry sources.
const (
	LedgerSourceCampaignSend = "campaign_send"
	LedgerSourceTopUp        = "top_up"
)

// CreditLedgerEntry is an append-only signed balance adjustment.
// BalanceAfter of entry n equals BalanceAfter of entry n-1 plus Amount of entry n.
type CreditLedgerEntry struct {
	ID           uuid.UUID       `json:"id"`
	UserID       string          `json:"user_id"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Source       string          `json:"source"`
	Reference    string          `json:"reference,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// SendCommit is the unit of work recorded after an upstream send succeeded: the
// message becomes sent, one credit is debited and the campaign counters move.
type SendCommit struct {
	CampaignID uuid.UUID
	MessageID  uuid.UUID
	UserID     string
	Amount     decimal.Decimal // Positive amount to debit
	UpstreamID string
	SentAt     time.Time
}
