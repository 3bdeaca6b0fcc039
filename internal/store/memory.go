package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "github.com/dante-gpu/dante-messaging/internal/errors"
	"github.com/dante-gpu/dante-messaging/internal/models"
)

// MemoryStore is an in-process Store. A single mutex serializes every write, which
// gives CommitSend the same per-user linearization the PostgreSQL row lock provides.
// Values are copied on the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu sync.RWMutex

	tenants     map[string]*models.Tenant
	contacts    map[string]*models.Contact
	chips       map[uuid.UUID]*models.ChipSession
	links       map[uuid.UUID]*models.UpstreamLinkState
	identities  map[uuid.UUID]*models.EgressIdentity
	assignments []*models.IdentityAssignment
	usage       []*models.IdentityUsageEntry
	campaigns   map[uuid.UUID]*models.Campaign
	messages    map[uuid.UUID][]*models.CampaignMessage
	balances    map[string]decimal.Decimal
	ledger      map[string][]*models.CreditLedgerEntry
	cohorts     map[uuid.UUID]*models.WarmupCohort
	heatups     map[uuid.UUID]*models.HeatUpState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:    make(map[string]*models.Tenant),
		contacts:   make(map[string]*models.Contact),
		chips:      make(map[uuid.UUID]*models.ChipSession),
		links:      make(map[uuid.UUID]*models.UpstreamLinkState),
		identities: make(map[uuid.UUID]*models.EgressIdentity),
		campaigns:  make(map[uuid.UUID]*models.Campaign),
		messages:   make(map[uuid.UUID][]*models.CampaignMessage),
		balances:   make(map[string]decimal.Decimal),
		ledger:     make(map[string][]*models.CreditLedgerEntry),
		cohorts:    make(map[uuid.UUID]*models.WarmupCohort),
		heatups:    make(map[uuid.UUID]*models.HeatUpState),
	}
}

// Initialize is a no-op for the in-memory store.
func (s *MemoryStore) Initialize(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func notFound(op, id string) error {
	return apperrors.New(op, id, apperrors.ErrNotFound, nil)
}

// Tenants

func (s *MemoryStore) SaveTenant(ctx context.Context, tenant *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := *tenant
	s.tenants[tenant.ID] = &t
	return nil
}

func (s *MemoryStore) GetTenant(ctx context.Context, tenantID string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, notFound("store.GetTenant", tenantID)
	}
	out := *t
	return &out, nil
}

func (s *MemoryStore) SaveContact(ctx context.Context, contact *models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *contact
	c.Fields = copyStrings(contact.Fields)
	s.contacts[contact.ID] = &c
	return nil
}

func (s *MemoryStore) GetContacts(ctx context.Context, tenantID string, ids []string) ([]*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Contact, 0, len(ids))
	for _, id := range ids {
		c, ok := s.contacts[id]
		if !ok || c.TenantID != tenantID {
			continue
		}
		cp := *c
		cp.Fields = copyStrings(c.Fields)
		out = append(out, &cp)
	}
	return out, nil
}

// Chips

func (s *MemoryStore) CreateChip(ctx context.Context, chip *models.ChipSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.chips[chip.ID]; exists {
		return apperrors.New("store.CreateChip", chip.ID.String(), apperrors.ErrAlreadyExists, nil)
	}
	for _, c := range s.chips {
		if c.TenantID == chip.TenantID && c.Alias == chip.Alias {
			return apperrors.New("store.CreateChip", chip.Alias, apperrors.ErrAlreadyExists, fmt.Errorf("alias taken"))
		}
	}
	c := *chip
	s.chips[chip.ID] = &c
	return nil
}

func (s *MemoryStore) GetChip(ctx context.Context, chipID uuid.UUID) (*models.ChipSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chips[chipID]
	if !ok {
		return nil, notFound("store.GetChip", chipID.String())
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) UpdateChip(ctx context.Context, chip *models.ChipSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chips[chip.ID]; !ok {
		return notFound("store.UpdateChip", chip.ID.String())
	}
	c := *chip
	s.chips[chip.ID] = &c
	return nil
}

func (s *MemoryStore) DeleteChip(ctx context.Context, chipID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chips[chipID]; !ok {
		return notFound("store.DeleteChip", chipID.String())
	}
	delete(s.chips, chipID)
	delete(s.links, chipID)
	delete(s.heatups, chipID)
	return nil
}

func (s *MemoryStore) ListChips(ctx context.Context, tenantID string) ([]*models.ChipSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ChipSession
	for _, c := range s.chips {
		if c.TenantID == tenantID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CountChips(ctx context.Context, tenantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.chips {
		if c.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListChipsByStatus(ctx context.Context, status models.ChipStatus, updatedBefore time.Time) ([]*models.ChipSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ChipSession
	for _, c := range s.chips {
		if c.Status == status && c.UpdatedAt.Before(updatedBefore) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetLinkState(ctx context.Context, chipID uuid.UUID) (*models.UpstreamLinkState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[chipID]
	if !ok {
		return nil, notFound("store.GetLinkState", chipID.String())
	}
	out := *l
	return &out, nil
}

func (s *MemoryStore) SaveLinkState(ctx context.Context, state *models.UpstreamLinkState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := *state
	s.links[state.ChipID] = &l
	return nil
}

// Egress identities

func (s *MemoryStore) SaveIdentity(ctx context.Context, identity *models.EgressIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := *identity
	s.identities[identity.ID] = &i
	return nil
}

func (s *MemoryStore) AdjustHealth(ctx context.Context, identityID uuid.UUID, adj models.HealthAdjustment) (*models.EgressIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.identities[identityID]
	if !ok {
		return nil, notFound("store.AdjustHealth", identityID.String())
	}
	i.HealthScore, i.Active = adj.Apply(i.HealthScore, i.Active)
	i.UpdatedAt = adj.At
	out := *i
	return &out, nil
}

func (s *MemoryStore) GetIdentity(ctx context.Context, identityID uuid.UUID) (*models.EgressIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.identities[identityID]
	if !ok {
		return nil, notFound("store.GetIdentity", identityID.String())
	}
	out := *i
	return &out, nil
}

func (s *MemoryStore) ListIdentities(ctx context.Context, activeOnly bool) ([]*models.EgressIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.EgressIdentity
	for _, i := range s.identities {
		if activeOnly && !i.Active {
			continue
		}
		cp := *i
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID.String() < out[b].ID.String() })
	return out, nil
}

func (s *MemoryStore) GetActiveAssignment(ctx context.Context, chipID uuid.UUID) (*models.IdentityAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.assignments {
		if a.ChipID == chipID && a.Active() {
			out := *a
			return &out, nil
		}
	}
	return nil, notFound("store.GetActiveAssignment", chipID.String())
}

func (s *MemoryStore) LastAssignment(ctx context.Context, chipID uuid.UUID) (*models.IdentityAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.assignments) - 1; i >= 0; i-- {
		if a := s.assignments[i]; a.ChipID == chipID {
			out := *a
			return &out, nil
		}
	}
	return nil, notFound("store.LastAssignment", chipID.String())
}

func (s *MemoryStore) ListActiveAssignments(ctx context.Context) ([]*models.IdentityAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.IdentityAssignment
	for _, a := range s.assignments {
		if a.Active() {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) TokenInUse(ctx context.Context, token string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.assignments {
		if a.Active() && a.StickyToken == token {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) CreateAssignment(ctx context.Context, assignment *models.IdentityAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.assignments {
		if a.ChipID == assignment.ChipID && a.Active() {
			return apperrors.New("store.CreateAssignment", assignment.ChipID.String(), apperrors.ErrAlreadyExists, nil)
		}
	}
	a := *assignment
	s.assignments = append(s.assignments, &a)
	return nil
}

func (s *MemoryStore) ReleaseAssignment(ctx context.Context, chipID uuid.UUID, at time.Time) (*models.IdentityAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.assignments {
		if a.ChipID == chipID && a.Active() {
			released := at
			a.ReleasedAt = &released
			out := *a
			return &out, nil
		}
	}
	return nil, notFound("store.ReleaseAssignment", chipID.String())
}

func (s *MemoryStore) AddUsage(ctx context.Context, entry *models.IdentityUsageEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := *entry
	s.usage = append(s.usage, &e)
	if i, ok := s.identities[entry.IdentityID]; ok {
		i.BytesUsed += entry.Bytes
	}
	return nil
}

func (s *MemoryStore) SumUsage(ctx context.Context, tenantID string, since time.Time) (models.EgressUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := models.EgressUsage{Cost: decimal.Zero}
	for _, e := range s.usage {
		if e.TenantID == tenantID && !e.RecordedAt.Before(since) {
			total.BytesUsed += e.Bytes
			total.Cost = total.Cost.Add(e.Cost)
		}
	}
	return total, nil
}

// Campaigns

func (s *MemoryStore) SaveCampaign(ctx context.Context, campaign *models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[campaign.ID] = cloneCampaign(campaign)
	return nil
}

func (s *MemoryStore) GetCampaign(ctx context.Context, campaignID uuid.UUID) (*models.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return nil, notFound("store.GetCampaign", campaignID.String())
	}
	return cloneCampaign(c), nil
}

func (s *MemoryStore) ListCampaignsByStatus(ctx context.Context, status models.CampaignStatus) ([]*models.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Campaign
	for _, c := range s.campaigns {
		if c.Status == status {
			out = append(out, cloneCampaign(c))
		}
	}
	return out, nil
}

func (s *MemoryStore) TransitionCampaign(ctx context.Context, campaignID uuid.UUID, from []models.CampaignStatus, to models.CampaignStatus, reason string) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return nil, notFound("store.TransitionCampaign", campaignID.String())
	}
	allowed := false
	for _, f := range from {
		if c.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, apperrors.New("store.TransitionCampaign", campaignID.String(), apperrors.ErrInvalidTransition,
			fmt.Errorf("%s -> %s", c.Status, to))
	}
	now := time.Now().UTC()
	applyCampaignTransition(c, to, reason, now)
	return cloneCampaign(c), nil
}

func (s *MemoryStore) IncrementFailed(ctx context.Context, campaignID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return notFound("store.IncrementFailed", campaignID.String())
	}
	c.FailedCount++
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CreateMessages(ctx context.Context, campaignID uuid.UUID, messages []*models.CampaignMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages[campaignID]) > 0 {
		return apperrors.New("store.CreateMessages", campaignID.String(), apperrors.ErrAlreadyExists, nil)
	}
	list := make([]*models.CampaignMessage, 0, len(messages))
	for _, m := range messages {
		cp := *m
		list = append(list, &cp)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
	s.messages[campaignID] = list
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, campaignID uuid.UUID) ([]*models.CampaignMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messages[campaignID]
	out := make([]*models.CampaignMessage, 0, len(list))
	for _, m := range list {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, messageID uuid.UUID) (*models.CampaignMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m := s.findMessage(messageID); m != nil {
		out := *m
		return &out, nil
	}
	return nil, notFound("store.GetMessage", messageID.String())
}

func (s *MemoryStore) UpdateMessage(ctx context.Context, message *models.CampaignMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.findMessage(message.ID)
	if m == nil {
		return notFound("store.UpdateMessage", message.ID.String())
	}
	if m.Status != message.Status && !m.Status.CanAdvance(message.Status) {
		return apperrors.New("store.UpdateMessage", message.ID.String(), apperrors.ErrInvalidTransition,
			fmt.Errorf("%s -> %s", m.Status, message.Status))
	}
	*m = *message
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) findMessage(messageID uuid.UUID) *models.CampaignMessage {
	for _, list := range s.messages {
		for _, m := range list {
			if m.ID == messageID {
				return m
			}
		}
	}
	return nil
}

// Credits

func (s *MemoryStore) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[userID], nil
}

func (s *MemoryStore) Credit(ctx context.Context, userID string, amount decimal.Decimal, source, reference string) (*models.CreditLedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, apperrors.Invalid("store.Credit", userID, "credit amount must be positive, got %s", amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLedger(userID, amount, source, reference), nil
}

func (s *MemoryStore) CommitSend(ctx context.Context, commit models.SendCommit) (*models.CreditLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.findMessage(commit.MessageID)
	if msg == nil {
		return nil, notFound("store.CommitSend", commit.MessageID.String())
	}
	if msg.Status != models.MessageSending {
		return nil, apperrors.New("store.CommitSend", commit.MessageID.String(), apperrors.ErrInvalidTransition,
			fmt.Errorf("message is %s, not sending", msg.Status))
	}
	campaign, ok := s.campaigns[commit.CampaignID]
	if !ok {
		return nil, notFound("store.CommitSend", commit.CampaignID.String())
	}

	balance := s.balances[commit.UserID]
	if balance.LessThan(commit.Amount) || !balance.IsPositive() {
		return nil, apperrors.New("store.CommitSend", commit.UserID, apperrors.ErrInsufficientCredits,
			fmt.Errorf("balance %s, required %s", balance, commit.Amount))
	}

	entry := s.appendLedger(commit.UserID, commit.Amount.Neg(), models.LedgerSourceCampaignSend, commit.MessageID.String())

	sentAt := commit.SentAt
	msg.Status = models.MessageSent
	msg.SentAt = &sentAt
	msg.UpstreamID = commit.UpstreamID
	msg.FailureReason = ""
	msg.UpdatedAt = sentAt

	campaign.SentCount++
	campaign.CreditsConsumed += int(commit.Amount.IntPart())
	campaign.UpdatedAt = sentAt
	return entry, nil
}

func (s *MemoryStore) appendLedger(userID string, amount decimal.Decimal, source, reference string) *models.CreditLedgerEntry {
	after := s.balances[userID].Add(amount)
	s.balances[userID] = after
	entry := &models.CreditLedgerEntry{
		ID:           uuid.New(),
		UserID:       userID,
		Amount:       amount,
		BalanceAfter: after,
		Source:       source,
		Reference:    reference,
		CreatedAt:    time.Now().UTC(),
	}
	s.ledger[userID] = append(s.ledger[userID], entry)
	out := *entry
	return &out
}

func (s *MemoryStore) ListLedger(ctx context.Context, userID string) ([]*models.CreditLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.ledger[userID]
	out := make([]*models.CreditLedgerEntry, 0, len(list))
	for _, e := range list {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// Warm-up

func (s *MemoryStore) SaveCohort(ctx context.Context, cohort *models.WarmupCohort) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cohorts[cohort.ID] = cloneCohort(cohort)
	return nil
}

func (s *MemoryStore) GetCohort(ctx context.Context, cohortID uuid.UUID) (*models.WarmupCohort, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cohorts[cohortID]
	if !ok {
		return nil, notFound("store.GetCohort", cohortID.String())
	}
	return cloneCohort(c), nil
}

func (s *MemoryStore) ListCohorts(ctx context.Context, status models.WarmupStatus) ([]*models.WarmupCohort, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.WarmupCohort
	for _, c := range s.cohorts {
		if c.Status == status {
			out = append(out, cloneCohort(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetHeatUp(ctx context.Context, chipID uuid.UUID) (*models.HeatUpState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.heatups[chipID]
	if !ok {
		return nil, notFound("store.GetHeatUp", chipID.String())
	}
	out := *h
	return &out, nil
}

func (s *MemoryStore) SaveHeatUp(ctx context.Context, state *models.HeatUpState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := *state
	s.heatups[state.ChipID] = &h
	return nil
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneCampaign(c *models.Campaign) *models.Campaign {
	out := *c
	out.Variables = copyStrings(c.Variables)
	out.ContactIDs = append([]string(nil), c.ContactIDs...)
	out.Settings.ChipIDs = append([]uuid.UUID(nil), c.Settings.ChipIDs...)
	return &out
}

func cloneCohort(c *models.WarmupCohort) *models.WarmupCohort {
	out := *c
	out.ChipIDs = append([]uuid.UUID(nil), c.ChipIDs...)
	out.Stages = append([]models.WarmupStage(nil), c.Stages...)
	out.MessagePool = append([]string(nil), c.MessagePool...)
	return &out
}

// applyCampaignTransition stamps the timestamps and reason that go with a status change.
func applyCampaignTransition(c *models.Campaign, to models.CampaignStatus, reason string, now time.Time) {
	c.Status = to
	c.UpdatedAt = now
	switch to {
	case models.CampaignRunning:
		c.PauseReason = ""
		if c.StartedAt == nil {
			c.StartedAt = &now
		}
	case models.CampaignPaused:
		c.PauseReason = reason
	case models.CampaignCompleted, models.CampaignCancelled, models.CampaignError:
		c.CompletedAt = &now
		if reason != "" {
			c.PauseReason = reason
		}
	}
}
