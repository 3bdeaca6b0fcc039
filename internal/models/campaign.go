package models

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus represents the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
	CampaignError     CampaignStatus = "error"
)

// Terminal reports whether no further dispatch can happen.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignCancelled || s == CampaignError
}

// CampaignType selects how templates are applied to contacts.
type CampaignType string

const (
	CampaignStandard CampaignType = "standard"
	CampaignABTest   CampaignType = "ab_test"
)

// Pause reasons recorded on the campaign.
const (
	PauseReasonInsufficientCredits = "insufficient_credits"
	PauseReasonUser                = "user_requested"
)

// DispatchSettings controls pacing and retries for a campaign.
type DispatchSettings struct {
	ChipIDs         []uuid.UUID `json:"chip_ids"`
	IntervalSeconds float64     `json:"interval_seconds"`
	Jitter          bool        `json:"jitter"`
	RetryAttempts   int         `json:"retry_attempts"`
	RetryInterval   float64     `json:"retry_interval_seconds"`
}

// Interval returns the configured inter-message delay.
func (s DispatchSettings) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds * float64(time.Second))
}

// RetryBackoff returns the fixed delay between send attempts.
func (s DispatchSettings) RetryBackoff() time.Duration {
	return time.Duration(s.RetryInterval * float64(time.Second))
}

// MaxAttempts is the total number of send attempts for one message.
func (s DispatchSettings) MaxAttempts() int {
	if s.RetryAttempts < 0 {
		return 1
	}
	return s.RetryAttempts + 1
}

// Campaign is a bulk message send owned by a tenant.
type Campaign struct {
	ID          uuid.UUID         `json:"id"`
	TenantID    string            `json:"tenant_id"`
	UserID      string            `json:"user_id"` // Credit account charged per send
	Name        string            `json:"name"`
	Type        CampaignType      `json:"type"`
	TemplateA   string            `json:"template_a"`
	TemplateB   string            `json:"template_b,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	ContactIDs  []string          `json:"contact_ids"`
	Status      CampaignStatus    `json:"status"`
	PauseReason string            `json:"pause_reason,omitempty"`
	Settings    DispatchSettings  `json:"settings"`

	ContactCount    int `json:"contact_count"`
	SentCount       int `json:"sent_count"`
	DeliveredCount  int `json:"delivered_count"`
	ReadCount       int `json:"read_count"`
	FailedCount     int `json:"failed_count"`
	CreditsConsumed int `json:"credits_consumed"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// MessageStatus is the delivery state of a campaign message.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

var messageRank = map[MessageStatus]int{
	MessagePending:   0,
	MessageSending:   1,
	MessageFailed:    2,
	MessageSent:      3,
	MessageDelivered: 4,
	MessageRead:      5,
}

// CanAdvance reports whether a message may move between statuses. Transitions are
// monotonic forward, with failed -> sending as the only backwards edge (retry).
func (s MessageStatus) CanAdvance(to MessageStatus) bool {
	if s == MessageFailed && to == MessageSending {
		return true
	}
	return messageRank[to] > messageRank[s]
}

// CampaignMessage is one rendered message addressed to one contact.
type CampaignMessage struct {
	ID            uuid.UUID     `json:"id"`
	CampaignID    uuid.UUID     `json:"campaign_id"`
	ContactID     string        `json:"contact_id"`
	Phone         string        `json:"phone"`
	ChipID        uuid.UUID     `json:"chip_id"`
	Content       string        `json:"content"`
	Variant       string        `json:"variant"` // "A" or "B"
	Status        MessageStatus `json:"status"`
	Attempts      int           `json:"attempts"`
	FailureReason string        `json:"failure_reason,omitempty"`
	UpstreamID    string        `json:"upstream_id,omitempty"`
	Seq           int           `json:"seq"` // Creation order within the campaign
	SentAt        *time.Time    `json:"sent_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Outstanding reports whether the message still needs a dispatch pass.
func (m *CampaignMessage) Outstanding(maxAttempts int) bool {
	switch m.Status {
	case MessagePending, MessageSending:
		return true
	case MessageFailed:
		return m.Attempts < maxAttempts
	}
	return false
}
