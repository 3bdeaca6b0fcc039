package models

import (
	"time"

	"github.com/google/uuid"
)

// WarmupStatus is the state of a warm-up cohort.
type WarmupStatus string

const (
	WarmupInProgress WarmupStatus = "in_progress"
	WarmupPaused     WarmupStatus = "paused"
	WarmupCompleted  WarmupStatus = "completed"
	WarmupCancelled  WarmupStatus = "cancelled"
)

// WarmupStage is one phase of a warm-up plan.
type WarmupStage struct {
	Name            string        `json:"name"`
	Duration        time.Duration `json:"duration"`
	MessagesPerHour int           `json:"messages_per_hour"`
	Guidance        string        `json:"guidance,omitempty"`
}

// WarmupCohort binds chips of one tenant to a shared phased plan.
type WarmupCohort struct {
	ID             uuid.UUID     `json:"id"`
	TenantID       string        `json:"tenant_id"`
	ChipIDs        []uuid.UUID   `json:"chip_ids"`
	Stages         []WarmupStage `json:"stages"`
	PhaseIndex     int           `json:"phase_index"`
	PhaseStartedAt time.Time     `json:"phase_started_at"`
	Status         WarmupStatus  `json:"status"`
	MessagePool    []string      `json:"message_pool,omitempty"`
	MessagesSent   int           `json:"messages_sent"`
	LastMessageAt  *time.Time    `json:"last_message_at,omitempty"`
	PauseReason    string        `json:"pause_reason,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// CurrentStage returns the active stage, or nil once the plan is exhausted.
func (c *WarmupCohort) CurrentStage() *WarmupStage {
	if c.PhaseIndex < 0 || c.PhaseIndex >= len(c.Stages) {
		return nil
	}
	return &c.Stages[c.PhaseIndex]
}

// HeatUpState is the typed per-chip warm-up sub-record.
type HeatUpState struct {
	ChipID       uuid.UUID    `json:"chip_id"`
	CohortID     uuid.UUID    `json:"cohort_id"`
	Status       WarmupStatus `json:"status"`
	MessagesSent int          `json:"messages_sent"`
	UpdatedAt    time.Time    `json:"updated_at"`
}
