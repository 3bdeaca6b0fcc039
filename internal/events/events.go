// Package events publishes tenant lifecycle events and per-campaign progress updates.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Lifecycle event names.
const (
	CampaignStarted   = "campaign.started"
	CampaignPaused    = "campaign.paused"
	CampaignResumed   = "campaign.resumed"
	CampaignCancelled = "campaign.cancelled"
	CampaignCompleted = "campaign.completed"
	CampaignFailed    = "campaign.error"

	ChipStatusChanged = "chip.status_changed"

	MaturationStarted   = "maturation.started"
	MaturationPaused    = "maturation.paused"
	MaturationCompleted = "maturation.completed"
)

// Envelope is the wire shape of a dispatched event.
type Envelope struct {
	ID         string      `json:"id"`
	TenantID   string      `json:"tenant_id"`
	Event      string      `json:"event"`
	Payload    interface{} `json:"payload"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// NewEnvelope stamps a new event.
func NewEnvelope(tenantID, event string, payload interface{}) Envelope {
	return Envelope{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Event:      event,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}

// Dispatcher hands tenant events to the webhook collaborator. Delivery and retries
// beyond the publish are the collaborator's concern.
type Dispatcher interface {
	Dispatch(ctx context.Context, tenantID, event string, payload interface{}) error
}

// Broadcaster publishes progress updates for live observers.
type Broadcaster interface {
	Broadcast(ctx context.Context, topic string, payload interface{}) error
}

// CampaignTopic is the broadcast topic of a campaign.
func CampaignTopic(campaignID uuid.UUID) string {
	return "campaign:" + campaignID.String()
}

// Nop discards everything.
type Nop struct{}

func (Nop) Dispatch(ctx context.Context, tenantID, event string, payload interface{}) error {
	return nil
}

func (Nop) Broadcast(ctx context.Context, topic string, payload interface{}) error {
	return nil
}

var (
	_ Dispatcher  = Nop{}
	_ Broadcaster = Nop{}
)
