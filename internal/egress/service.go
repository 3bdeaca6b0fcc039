// Package egress assigns network-egress identities to chips and keeps their health and
// usage accounting.
package egress

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dante-gpu/dante-messaging/internal/config"
	apperrors "github.com/dante-gpu/dante-messaging/internal/errors"
	"github.com/dante-gpu/dante-messaging/internal/logging"
	"github.com/dante-gpu/dante-messaging/internal/models"
	"github.com/dante-gpu/dante-messaging/internal/store"
)

const (
	healthMax     = 100
	healthReward  = 5
	healthPenalty = 20

	// tokenAttempts bounds the collision loop when deriving a sticky token.
	tokenAttempts = 5

	bytesPerGB = 1 << 30
)

// QuotaLevel is the outcome of a monthly egress quota check.
type QuotaLevel string

const (
	QuotaOK      QuotaLevel = "ok"
	QuotaWarn    QuotaLevel = "warn"
	QuotaBlocked QuotaLevel = "blocked"
)

const (
	quotaWarnPercent    = 80
	quotaBlockedPercent = 100
)

// QuotaStatus reports a tenant's egress consumption against its plan.
type QuotaStatus struct {
	Level     QuotaLevel         `json:"level"`
	Usage     models.EgressUsage `json:"usage"`
	Allotment int64              `json:"allotment_bytes"`
	Percent   float64            `json:"percent"`
}

// Binding is the result of an assignment: the identity, the sticky token and the
// egress URL handed to the upstream session.
type Binding struct {
	AssignmentID uuid.UUID
	IdentityID   uuid.UUID
	Token        string
	URL          string
}

// Service implements identity assignment, release, usage accounting and health scoring.
type Service struct {
	identities store.IdentityStore
	tenants    store.TenantStore
	prober     Prober
	cfg        config.EgressConfig
	logger     *zap.Logger

	// mu serializes assignment decisions made by this process.
	mu  sync.Mutex
	now func() time.Time
}

// NewService creates the egress identity service.
func NewService(identities store.IdentityStore, tenants store.TenantStore, prober Prober, cfg config.EgressConfig, logger *zap.Logger) *Service {
	return &Service{
		identities: identities,
		tenants:    tenants,
		prober:     prober,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Assign returns the egress binding for chip. An existing active assignment is reused
// unless forceNew is set or its identity has been deactivated; otherwise the healthiest
// assignable identity in the tenant's region is bound under a fresh sticky token.
func (s *Service) Assign(ctx context.Context, chip *models.ChipSession, forceNew bool) (*Binding, error) {
	const op = "egress.Assign"
	logger := logging.FromContext(ctx, s.logger).With(
		zap.String("tenant_id", chip.TenantID),
		zap.String("chip_id", chip.ID.String()))

	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.identities.GetActiveAssignment(ctx, chip.ID)
	switch {
	case err == nil:
		if !forceNew {
			identity, err := s.identities.GetIdentity(ctx, active.IdentityID)
			if err != nil {
				return nil, err
			}
			if identity.Active {
				return bind(active, identity)
			}
			logger.Info("Assigned identity was deactivated, rotating", zap.String("identity_id", identity.ID.String()))
		}
		if _, err := s.identities.ReleaseAssignment(ctx, chip.ID, s.now().UTC()); err != nil && !apperrors.IsNotFound(err) {
			return nil, err
		}
	case !apperrors.IsNotFound(err):
		return nil, err
	}

	tenant, err := s.tenants.GetTenant(ctx, chip.TenantID)
	if err != nil {
		return nil, err
	}

	identity, err := s.pickIdentity(ctx, tenant.Region)
	if err != nil {
		return nil, apperrors.New(op, chip.ID.String(), apperrors.ErrResourceExhausted, err)
	}

	token, err := s.newToken(ctx, chip.ID)
	if err != nil {
		return nil, err
	}

	assignment := &models.IdentityAssignment{
		ID:          uuid.New(),
		ChipID:      chip.ID,
		TenantID:    chip.TenantID,
		IdentityID:  identity.ID,
		StickyToken: token,
		AssignedAt:  s.now().UTC(),
	}
	if err := s.identities.CreateAssignment(ctx, assignment); err != nil {
		return nil, err
	}

	logger.Info("Egress identity assigned",
		zap.String("identity_id", identity.ID.String()),
		zap.String("provider", identity.ProviderRef),
		zap.Bool("force_new", forceNew))
	return bind(assignment, identity)
}

func bind(a *models.IdentityAssignment, identity *models.EgressIdentity) (*Binding, error) {
	u, err := BuildURL(identity.URLTemplate, a.StickyToken)
	if err != nil {
		return nil, apperrors.New("egress.bind", identity.ID.String(), apperrors.ErrInvalidInput, err)
	}
	return &Binding{
		AssignmentID: a.ID,
		IdentityID:   identity.ID,
		Token:        a.StickyToken,
		URL:          u,
	}, nil
}

// pickIdentity selects the healthiest active identity of an assignable type in region.
// Identities without a region serve every region.
func (s *Service) pickIdentity(ctx context.Context, region string) (*models.EgressIdentity, error) {
	all, err := s.identities.ListIdentities(ctx, true)
	if err != nil {
		return nil, err
	}
	var candidates []*models.EgressIdentity
	for _, identity := range all {
		if !identity.Type.Assignable() {
			continue
		}
		if identity.Region != "" && region != "" && identity.Region != region {
			continue
		}
		candidates = append(candidates, identity)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no active rotating or mobile identity for region %q", region)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].HealthScore != candidates[j].HealthScore {
			return candidates[i].HealthScore > candidates[j].HealthScore
		}
		return candidates[i].BytesUsed < candidates[j].BytesUsed
	})
	return candidates[0], nil
}

// newToken derives a sticky token that no active assignment carries and that differs
// from the chip's previous token.
func (s *Service) newToken(ctx context.Context, chipID uuid.UUID) (string, error) {
	var previous string
	if last, err := s.identities.LastAssignment(ctx, chipID); err == nil {
		previous = last.StickyToken
	} else if !apperrors.IsNotFound(err) {
		return "", err
	}

	token := DeriveToken(chipID, s.now())
	for attempt := 0; attempt < tokenAttempts; attempt++ {
		if token != previous {
			inUse, err := s.identities.TokenInUse(ctx, token)
			if err != nil {
				return "", err
			}
			if !inUse {
				return token, nil
			}
		}
		token = DeriveToken(chipID, s.now()) + randomSuffix()
	}
	return "", apperrors.Exhausted("egress.newToken", chipID.String(), "no free sticky token after %d attempts", tokenAttempts)
}

// Release ends the chip's active assignment. Releasing a chip without one is a no-op.
func (s *Service) Release(ctx context.Context, chipID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	released, err := s.identities.ReleaseAssignment(ctx, chipID, s.now().UTC())
	if apperrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	logging.FromContext(ctx, s.logger).Info("Egress identity released",
		zap.String("chip_id", chipID.String()),
		zap.String("identity_id", released.IdentityID.String()))
	return nil
}

// monthStart returns the first instant of t's calendar month in UTC.
func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// MonthlyUsage aggregates the tenant's estimated usage entries of the current month.
func (s *Service) MonthlyUsage(ctx context.Context, tenantID string) (models.EgressUsage, error) {
	return s.identities.SumUsage(ctx, tenantID, monthStart(s.now()))
}

// CheckQuota compares the month's usage with the tenant's plan allotment. A plan without
// an allotment is never blocked.
func (s *Service) CheckQuota(ctx context.Context, tenantID string) (QuotaStatus, error) {
	tenant, err := s.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return QuotaStatus{}, err
	}
	usage, err := s.MonthlyUsage(ctx, tenantID)
	if err != nil {
		return QuotaStatus{}, err
	}

	status := QuotaStatus{Level: QuotaOK, Usage: usage, Allotment: tenant.Plan.EgressBytesPerMonth}
	if status.Allotment <= 0 {
		return status, nil
	}
	status.Percent = float64(usage.BytesUsed) / float64(status.Allotment) * 100
	switch {
	case status.Percent >= quotaBlockedPercent:
		status.Level = QuotaBlocked
	case status.Percent >= quotaWarnPercent:
		status.Level = QuotaWarn
	}
	return status, nil
}

// RecordEstimatedUsage writes one usage estimate per active assignment and returns how
// many were recorded.
func (s *Service) RecordEstimatedUsage(ctx context.Context) (int, error) {
	assignments, err := s.identities.ListActiveAssignments(ctx)
	if err != nil {
		return 0, err
	}

	bytes := s.cfg.BytesPerSample
	gb := decimal.NewFromInt(bytes).Div(decimal.NewFromInt(bytesPerGB))
	recorded := 0
	for _, a := range assignments {
		identity, err := s.identities.GetIdentity(ctx, a.IdentityID)
		if err != nil {
			s.logger.Warn("Skipping usage sample for unknown identity",
				zap.String("identity_id", a.IdentityID.String()), zap.Error(err))
			continue
		}
		entry := &models.IdentityUsageEntry{
			ID:         uuid.New(),
			TenantID:   a.TenantID,
			ChipID:     a.ChipID,
			IdentityID: a.IdentityID,
			Bytes:      bytes,
			Cost:       gb.Mul(identity.CostPerGB),
			RecordedAt: s.now().UTC(),
		}
		if err := s.identities.AddUsage(ctx, entry); err != nil {
			return recorded, fmt.Errorf("failed to record usage for chip %s: %w", a.ChipID, err)
		}
		recorded++
	}
	s.logger.Debug("Egress usage sampled", zap.Int("assignments", recorded))
	return recorded, nil
}

// HealthCheck probes identity and adjusts its health score. Identities that fall below
// the configured floor are deactivated.
func (s *Service) HealthCheck(ctx context.Context, identityID uuid.UUID) (*models.EgressIdentity, error) {
	identity, err := s.identities.GetIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With(zap.String("identity_id", identity.ID.String()), zap.String("provider", identity.ProviderRef))

	probeURL, err := BuildURL(identity.URLTemplate, "probe"+DeriveToken(identity.ID, s.now())[:6])
	if err == nil {
		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
		err = s.prober.Probe(probeCtx, probeURL)
		cancel()
	}

	adj := models.HealthAdjustment{Delta: healthReward, Max: healthMax, Floor: s.cfg.HealthFloor, At: s.now().UTC()}
	if err != nil {
		adj.Delta = -healthPenalty
	}
	updated, saveErr := s.identities.AdjustHealth(ctx, identity.ID, adj)
	if saveErr != nil {
		return nil, saveErr
	}
	if err != nil {
		logger.Warn("Egress identity probe failed", zap.Int("health_score", updated.HealthScore), zap.Error(err))
	}
	if identity.Active && !updated.Active {
		logger.Warn("Egress identity deactivated", zap.Int("health_score", updated.HealthScore), zap.Int("floor", s.cfg.HealthFloor))
	}
	return updated, nil
}

// HealthSweep probes every active identity. Individual probe failures only move scores.
func (s *Service) HealthSweep(ctx context.Context) error {
	identities, err := s.identities.ListIdentities(ctx, true)
	if err != nil {
		return err
	}
	for _, identity := range identities {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.HealthCheck(ctx, identity.ID); err != nil {
			s.logger.Error("Egress health check failed", zap.String("identity_id", identity.ID.String()), zap.Error(err))
		}
	}
	return nil
}
