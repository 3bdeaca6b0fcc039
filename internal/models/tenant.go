package models

import "time"

// Plan holds the limits a tenant has purchased.
type Plan struct {
	Name string `json:"name"`
	// MaxChips is the ceiling on concurrently existing chips.
	MaxChips int `json:"max_chips"`
	// EgressBytesPerMonth is the allotted egress volume. Zero means unlimited.
	EgressBytesPerMonth int64 `json:"egress_bytes_per_month"`
}

// Tenant is an account owning chips, campaigns and at most one runtime.
type Tenant struct {
	ID          string    `json:"id"`
	OwnerUserID string    `json:"owner_user_id"` // Credit account debited for sends
	Region      string    `json:"region"`
	Plan        Plan      `json:"plan"`
	CreatedAt   time.Time `json:"created_at"`
}

// Contact is a campaign recipient.
type Contact struct {
	ID       string            `json:"id"`
	TenantID string            `json:"tenant_id"`
	Name     string            `json:"name"`
	Phone    string            `json:"phone"`
	Fields   map[string]string `json:"fields,omitempty"`
}
