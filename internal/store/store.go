package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dante-gpu/dante-messaging/internal/models"
)

// TenantStore holds tenants and their contacts.
type TenantStore interface {
	SaveTenant(ctx context.Context, tenant *models.Tenant) error
	GetTenant(ctx context.Context, tenantID string) (*models.Tenant, error)
	SaveContact(ctx context.Context, contact *models.Contact) error
	// GetContacts returns the contacts in the order of ids. Unknown ids are skipped.
	GetContacts(ctx context.Context, tenantID string, ids []string) ([]*models.Contact, error)
}

// ChipStore holds chip sessions and their upstream link sub-records.
type ChipStore interface {
	// CreateChip inserts a chip. Returns ErrAlreadyExists when the alias is taken in the tenant.
	CreateChip(ctx context.Context, chip *models.ChipSession) error
	GetChip(ctx context.Context, chipID uuid.UUID) (*models.ChipSession, error)
	UpdateChip(ctx context.Context, chip *models.ChipSession) error
	// DeleteChip removes the chip together with its link and heat-up sub-records.
	DeleteChip(ctx context.Context, chipID uuid.UUID) error
	ListChips(ctx context.Context, tenantID string) ([]*models.ChipSession, error)
	CountChips(ctx context.Context, tenantID string) (int, error)
	// ListChipsByStatus returns chips in status whose UpdatedAt is before the cutoff.
	ListChipsByStatus(ctx context.Context, status models.ChipStatus, updatedBefore time.Time) ([]*models.ChipSession, error)
	GetLinkState(ctx context.Context, chipID uuid.UUID) (*models.UpstreamLinkState, error)
	SaveLinkState(ctx context.Context, state *models.UpstreamLinkState) error
}

// IdentityStore holds egress identities, assignments and usage entries.
type IdentityStore interface {
	SaveIdentity(ctx context.Context, identity *models.EgressIdentity) error
	GetIdentity(ctx context.Context, identityID uuid.UUID) (*models.EgressIdentity, error)
	ListIdentities(ctx context.Context, activeOnly bool) ([]*models.EgressIdentity, error)
	// AdjustHealth applies adj to the stored score and active flag in place, leaving the
	// other columns untouched, and returns the updated identity.
	AdjustHealth(ctx context.Context, identityID uuid.UUID, adj models.HealthAdjustment) (*models.EgressIdentity, error)

	// GetActiveAssignment returns ErrNotFound when the chip holds no active assignment.
	GetActiveAssignment(ctx context.Context, chipID uuid.UUID) (*models.IdentityAssignment, error)
	// LastAssignment returns the most recent assignment of the chip, released or not.
	LastAssignment(ctx context.Context, chipID uuid.UUID) (*models.IdentityAssignment, error)
	ListActiveAssignments(ctx context.Context) ([]*models.IdentityAssignment, error)
	// TokenInUse reports whether an active assignment already carries token.
	TokenInUse(ctx context.Context, token string) (bool, error)
	// CreateAssignment returns ErrAlreadyExists if the chip already holds an active assignment.
	CreateAssignment(ctx context.Context, assignment *models.IdentityAssignment) error
	// ReleaseAssignment stamps ReleasedAt on the chip's active assignment.
	ReleaseAssignment(ctx context.Context, chipID uuid.UUID, at time.Time) (*models.IdentityAssignment, error)

	// AddUsage records an estimate and adds its bytes to the identity's cumulative total.
	AddUsage(ctx context.Context, entry *models.IdentityUsageEntry) error
	SumUsage(ctx context.Context, tenantID string, since time.Time) (models.EgressUsage, error)
}

// CampaignStore holds campaigns and their messages.
type CampaignStore interface {
	SaveCampaign(ctx context.Context, campaign *models.Campaign) error
	GetCampaign(ctx context.Context, campaignID uuid.UUID) (*models.Campaign, error)
	ListCampaignsByStatus(ctx context.Context, status models.CampaignStatus) ([]*models.Campaign, error)
	// TransitionCampaign moves the campaign to `to` only if its current status is in
	// from, and returns the updated campaign. Otherwise it returns ErrInvalidTransition.
	TransitionCampaign(ctx context.Context, campaignID uuid.UUID, from []models.CampaignStatus, to models.CampaignStatus, reason string) (*models.Campaign, error)
	IncrementFailed(ctx context.Context, campaignID uuid.UUID) error

	// CreateMessages inserts all messages of a campaign at once. It returns
	// ErrAlreadyExists if the campaign already has messages.
	CreateMessages(ctx context.Context, campaignID uuid.UUID, messages []*models.CampaignMessage) error
	// ListMessages returns the campaign's messages in creation order.
	ListMessages(ctx context.Context, campaignID uuid.UUID) ([]*models.CampaignMessage, error)
	GetMessage(ctx context.Context, messageID uuid.UUID) (*models.CampaignMessage, error)
	// UpdateMessage persists a status change; the change must be a legal forward move.
	UpdateMessage(ctx context.Context, message *models.CampaignMessage) error
}

// CreditStore is the credit ledger.
type CreditStore interface {
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	// Credit appends a positive adjustment (top-up) to the user's ledger.
	Credit(ctx context.Context, userID string, amount decimal.Decimal, source, reference string) (*models.CreditLedgerEntry, error)
	// CommitSend debits the user, appends the ledger entry, marks the message sent and
	// moves the campaign counters in one atomic unit serialized per user. Returns
	// ErrInsufficientCredits without side effects when the balance does not cover it.
	CommitSend(ctx context.Context, commit models.SendCommit) (*models.CreditLedgerEntry, error)
	ListLedger(ctx context.Context, userID string) ([]*models.CreditLedgerEntry, error)
}

// WarmupStore holds warm-up cohorts and per-chip heat-up sub-records.
type WarmupStore interface {
	SaveCohort(ctx context.Context, cohort *models.WarmupCohort) error
	GetCohort(ctx context.Context, cohortID uuid.UUID) (*models.WarmupCohort, error)
	ListCohorts(ctx context.Context, status models.WarmupStatus) ([]*models.WarmupCohort, error)
	GetHeatUp(ctx context.Context, chipID uuid.UUID) (*models.HeatUpState, error)
	SaveHeatUp(ctx context.Context, state *models.HeatUpState) error
}

// Store is the full persistence surface of the control plane.
type Store interface {
	TenantStore
	ChipStore
	IdentityStore
	CampaignStore
	CreditStore
	WarmupStore

	// Initialize is called to set up the store, e.g., create tables if they don't exist.
	Initialize(ctx context.Context) error
	// Close releases any resources held by the store, like DB connections.
	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
