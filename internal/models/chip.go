package models

import (
	"time"

	"github.com/google/uuid"
)

// ChipStatus is the state of a chip's binding to its runtime session.
type ChipStatus string

const (
	ChipWaitingQR    ChipStatus = "waiting_qr"
	ChipConnecting   ChipStatus = "connecting"
	ChipConnected    ChipStatus = "connected"
	ChipDisconnected ChipStatus = "disconnected"
	ChipMaturing     ChipStatus = "maturing"
	ChipBanned       ChipStatus = "banned"
	ChipMaintenance  ChipStatus = "maintenance"
)

// chipTransitions lists the forward edges of the chip state machine. DISCONNECTED and
// BANNED are additionally reachable from every state (see CanTransition).
var chipTransitions = map[ChipStatus][]ChipStatus{
	ChipWaitingQR:    {ChipConnecting, ChipConnected},
	ChipConnecting:   {ChipConnected, ChipWaitingQR},
	ChipConnected:    {ChipMaturing, ChipMaintenance},
	ChipMaturing:     {ChipConnected},
	ChipMaintenance:  {ChipConnected, ChipWaitingQR},
	ChipDisconnected: {ChipWaitingQR, ChipConnecting, ChipConnected},
	ChipBanned:       {},
}

// CanTransition reports whether a chip may move from one status to another.
func CanTransition(from, to ChipStatus) bool {
	if from == to {
		return true
	}
	if to == ChipDisconnected || to == ChipBanned {
		return true
	}
	for _, next := range chipTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ChipSession binds a tenant's logical endpoint to a runtime session.
type ChipSession struct {
	ID             uuid.UUID  `json:"id"`
	TenantID       string     `json:"tenant_id"`
	Alias          string     `json:"alias"`
	Phone          string     `json:"phone,omitempty"`
	SessionName    string     `json:"session_name"`
	AssignmentID   *uuid.UUID `json:"assignment_id,omitempty"` // Current egress identity assignment
	Status         ChipStatus `json:"status"`
	HealthScore    int        `json:"health_score"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// LinkPhase describes how far upstream session creation has progressed.
type LinkPhase string

const (
	// LinkStarting means the runtime was not ready; the session is created lazily later.
	LinkStarting LinkPhase = "starting"
	LinkCreated  LinkPhase = "created"
	LinkFailed   LinkPhase = "failed"
)

// UpstreamLinkState is the typed sub-record of a chip describing its upstream session.
type UpstreamLinkState struct {
	ChipID           uuid.UUID  `json:"chip_id"`
	SessionName      string     `json:"session_name"`
	FingerprintEpoch int        `json:"fingerprint_epoch"` // Bumped only by explicit rotation
	Phase            LinkPhase  `json:"phase"`
	LastError        string     `json:"last_error,omitempty"`
	ConnectedAt      *time.Time `json:"connected_at,omitempty"`
	DisconnectedAt   *time.Time `json:"disconnected_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
