package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IdentityType classifies an egress identity.
type IdentityType string

const (
	IdentityRotating IdentityType = "rotating"
	IdentityStatic   IdentityType = "static"
	IdentityMobile   IdentityType = "mobile"
)

// Assignable reports whether identities of this type can back a sticky chip session.
func (t IdentityType) Assignable() bool {
	return t == IdentityRotating || t == IdentityMobile
}

// EgressIdentity is a network-egress identity (proxy) from a provider pool.
// Rows are seeded out-of-band and never deleted by the control plane.
type EgressIdentity struct {
	ID          uuid.UUID       `json:"id"`
	ProviderRef string          `json:"provider_ref"`
	URLTemplate string          `json:"url_template"`
	Type        IdentityType    `json:"type"`
	Region      string          `json:"region"`
	HealthScore int             `json:"health_score"` // 0-100
	BytesUsed   int64           `json:"bytes_used"`
	CostPerGB   decimal.Decimal `json:"cost_per_gb"`
	Active      bool            `json:"active"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// HealthAdjustment moves an identity's health score by Delta, clamped to [0, Max]. An
// active identity whose new score is below Floor is deactivated.
type HealthAdjustment struct {
	Delta int
	Max   int
	Floor int
	At    time.Time
}

// Apply returns the score and active flag after the adjustment.
func (a HealthAdjustment) Apply(score int, active bool) (int, bool) {
	score += a.Delta
	if score < 0 {
		score = 0
	}
	if score > a.Max {
		score = a.Max
	}
	return score, active && score >= a.Floor
}

// IdentityAssignment binds a chip to an identity with a sticky session token.
// At most one assignment per chip has ReleasedAt == nil.
type IdentityAssignment struct {
	ID          uuid.UUID  `json:"id"`
	ChipID      uuid.UUID  `json:"chip_id"`
	TenantID    string     `json:"tenant_id"`
	IdentityID  uuid.UUID  `json:"identity_id"`
	StickyToken string     `json:"sticky_token"`
	AssignedAt  time.Time  `json:"assigned_at"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
}

// Active reports whether the assignment has not been released.
func (a *IdentityAssignment) Active() bool {
	return a.ReleasedAt == nil
}

// IdentityUsageEntry is a periodic estimate of egress traffic for one assignment.
type IdentityUsageEntry struct {
	ID         uuid.UUID       `json:"id"`
	TenantID   string          `json:"tenant_id"`
	ChipID     uuid.UUID       `json:"chip_id"`
	IdentityID uuid.UUID       `json:"identity_id"`
	Bytes      int64           `json:"bytes"`
	Cost       decimal.Decimal `json:"cost"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// EgressUsage aggregates a tenant's usage over a period.
type EgressUsage struct {
	BytesUsed int64           `json:"bytes_used"`
	Cost      decimal.Decimal `json:"cost"`
}
