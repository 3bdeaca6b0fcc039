// Package chips owns the chip session state machine and its binding to runtime sessions
// and egress identities.
package chips

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dante-gpu/dante-messaging/internal/egress"
	apperrors "github.com/dante-gpu/dante-messaging/internal/errors"
	"github.com/dante-gpu/dante-messaging/internal/events"
	"github.com/dante-gpu/dante-messaging/internal/logging"
	"github.com/dante-gpu/dante-messaging/internal/models"
	"github.com/dante-gpu/dante-messaging/internal/session"
	"github.com/dante-gpu/dante-messaging/internal/store"
)

const initialHealthScore = 100

// Runtimes is the part of the runtime provisioner the lifecycle drives.
type Runtimes interface {
	GetOrCreate(ctx context.Context, tenantID string) (*models.TenantRuntime, error)
	Client(ctx context.Context, tenantID string) (session.Client, error)
	Destroy(ctx context.Context, tenantID string) error
}

// Identities is the part of the egress identity service the lifecycle drives.
type Identities interface {
	Assign(ctx context.Context, chip *models.ChipSession, forceNew bool) (*egress.Binding, error)
	Release(ctx context.Context, chipID uuid.UUID) error
	CheckQuota(ctx context.Context, tenantID string) (egress.QuotaStatus, error)
}

// Lifecycle implements chip creation, pairing, reconnection and teardown.
type Lifecycle struct {
	chips      store.ChipStore
	tenants    store.TenantStore
	runtimes   Runtimes
	identities Identities
	events     events.Dispatcher
	logger     *zap.Logger

	observersMu sync.RWMutex
	observers   []SignalObserver

	locksMu   sync.Mutex
	chipLocks map[uuid.UUID]*sync.Mutex

	now func() time.Time
}

// NewLifecycle creates the chip lifecycle.
func NewLifecycle(chips store.ChipStore, tenants store.TenantStore, runtimes Runtimes, identities Identities, dispatcher events.Dispatcher, logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		chips:      chips,
		tenants:    tenants,
		runtimes:   runtimes,
		identities: identities,
		events:     dispatcher,
		logger:     logger,
		chipLocks:  make(map[uuid.UUID]*sync.Mutex),
		now:        time.Now,
	}
}

// Observe registers o for upstream signals.
func (l *Lifecycle) Observe(o SignalObserver) {
	l.observersMu.Lock()
	defer l.observersMu.Unlock()
	l.observers = append(l.observers, o)
}

func (l *Lifecycle) lockChip(chipID uuid.UUID) func() {
	l.locksMu.Lock()
	mu, ok := l.chipLocks[chipID]
	if !ok {
		mu = &sync.Mutex{}
		l.chipLocks[chipID] = mu
	}
	l.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// baseSessionName is the runtime session name of a chip before any reconnect.
func baseSessionName(chipID uuid.UUID) string {
	return "chip_" + strings.ReplaceAll(chipID.String(), "-", "")[:12]
}

// freshSessionName suffixes the base name so the upstream never reuses a cached session.
func freshSessionName(chipID uuid.UUID) string {
	return baseSessionName(chipID) + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

func (l *Lifecycle) chipLogger(ctx context.Context, chip *models.ChipSession) *zap.Logger {
	return logging.FromContext(ctx, l.logger).With(
		zap.String("tenant_id", chip.TenantID),
		zap.String("chip_id", chip.ID.String()))
}

// Create validates the tenant's limits, stores the chip and binds it to a runtime session
// and an egress identity. A runtime that is still starting does not fail the call: the
// chip is returned with its link in the starting phase and the session is created on the
// next QR read.
func (l *Lifecycle) Create(ctx context.Context, tenantID, alias string) (*models.ChipSession, error) {
	const op = "chips.Create"
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return nil, apperrors.Invalid(op, tenantID, "alias is required")
	}

	tenant, err := l.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	count, err := l.chips.CountChips(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant.Plan.MaxChips > 0 && count >= tenant.Plan.MaxChips {
		return nil, apperrors.New(op, tenantID, apperrors.ErrQuotaExceeded,
			fmt.Errorf("plan %q allows %d chips", tenant.Plan.Name, tenant.Plan.MaxChips))
	}
	quota, err := l.identities.CheckQuota(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if quota.Level == egress.QuotaBlocked {
		return nil, apperrors.New(op, tenantID, apperrors.ErrQuotaExceeded,
			fmt.Errorf("monthly egress allotment used (%.0f%%)", quota.Percent))
	}

	now := l.now().UTC()
	chip := &models.ChipSession{
		ID:             uuid.New(),
		TenantID:       tenantID,
		Alias:          alias,
		Status:         models.ChipWaitingQR,
		HealthScore:    initialHealthScore,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	chip.SessionName = baseSessionName(chip.ID)
	if err := l.chips.CreateChip(ctx, chip); err != nil {
		return nil, err
	}
	logger := l.chipLogger(ctx, chip)

	link := &models.UpstreamLinkState{
		ChipID:      chip.ID,
		SessionName: chip.SessionName,
		Phase:       models.LinkStarting,
		UpdatedAt:   now,
	}
	if err := l.chips.SaveLinkState(ctx, link); err != nil {
		return nil, err
	}

	if _, err := l.runtimes.GetOrCreate(ctx, tenantID); err != nil {
		if !apperrors.IsTransient(err) {
			l.rollbackCreate(ctx, logger, chip)
			return nil, err
		}
		logger.Warn("Runtime not available yet, session will be created lazily", zap.Error(err))
		l.recordLinkError(ctx, link, models.LinkStarting, err)
		return chip, nil
	}

	binding, err := l.identities.Assign(ctx, chip, false)
	if err != nil {
		l.rollbackCreate(ctx, logger, chip)
		return nil, err
	}
	chip.AssignmentID = &binding.AssignmentID
	if err := l.chips.UpdateChip(ctx, chip); err != nil {
		return nil, err
	}

	l.createUpstream(ctx, logger, chip, link, binding.URL)
	logger.Info("Chip created", zap.String("alias", alias), zap.String("link_phase", string(link.Phase)))
	return chip, nil
}

// rollbackCreate removes a chip whose creation failed on a hard error.
func (l *Lifecycle) rollbackCreate(ctx context.Context, logger *zap.Logger, chip *models.ChipSession) {
	if err := l.identities.Release(ctx, chip.ID); err != nil {
		logger.Warn("Failed to release identity during rollback", zap.Error(err))
	}
	if err := l.chips.DeleteChip(ctx, chip.ID); err != nil {
		logger.Error("Failed to roll back chip", zap.Error(err))
	}
}

// createUpstream creates the runtime session for chip and records the outcome on link.
// Failures are absorbed into the link phase; an existing session counts as created.
func (l *Lifecycle) createUpstream(ctx context.Context, logger *zap.Logger, chip *models.ChipSession, link *models.UpstreamLinkState, egressURL string) {
	client, err := l.runtimes.Client(ctx, chip.TenantID)
	if err == nil {
		err = client.CreateSession(ctx, session.CreateRequest{
			Name:        chip.SessionName,
			Fingerprint: session.DeriveFingerprint(chip.ID, link.FingerprintEpoch),
			EgressURL:   egressURL,
		})
	}

	switch {
	case err == nil, apperrors.IsAlreadyExists(err):
		link.Phase = models.LinkCreated
		link.LastError = ""
		link.UpdatedAt = l.now().UTC()
		if err := l.chips.SaveLinkState(ctx, link); err != nil {
			logger.Error("Failed to save link state", zap.Error(err))
		}
	case apperrors.IsTransient(err), apperrors.IsNotFound(err):
		logger.Warn("Upstream session creation deferred", zap.Error(err))
		l.recordLinkError(ctx, link, models.LinkStarting, err)
	default:
		logger.Error("Upstream session creation failed", zap.Error(err))
		l.recordLinkError(ctx, link, models.LinkFailed, err)
	}
}

func (l *Lifecycle) recordLinkError(ctx context.Context, link *models.UpstreamLinkState, phase models.LinkPhase, cause error) {
	link.Phase = phase
	link.LastError = cause.Error()
	link.UpdatedAt = l.now().UTC()
	if err := l.chips.SaveLinkState(ctx, link); err != nil {
		l.logger.Error("Failed to save link state", zap.String("chip_id", link.ChipID.String()), zap.Error(err))
	}
}

// ensureSession makes sure the chip's runtime is up and its upstream session exists,
// recreating it when the link is not in the created phase.
func (l *Lifecycle) ensureSession(ctx context.Context, logger *zap.Logger, chip *models.ChipSession, link *models.UpstreamLinkState, force bool) (session.Client, error) {
	if _, err := l.runtimes.GetOrCreate(ctx, chip.TenantID); err != nil {
		return nil, err
	}
	if force || link.Phase != models.LinkCreated {
		binding, err := l.identities.Assign(ctx, chip, false)
		if err != nil {
			return nil, err
		}
		if chip.AssignmentID == nil || *chip.AssignmentID != binding.AssignmentID {
			chip.AssignmentID = &binding.AssignmentID
			chip.UpdatedAt = l.now().UTC()
			if err := l.chips.UpdateChip(ctx, chip); err != nil {
				return nil, err
			}
		}
		l.createUpstream(ctx, logger, chip, link, binding.URL)
		if link.Phase != models.LinkCreated {
			return nil, apperrors.Transient("chips.ensureSession", chip.ID.String(), fmt.Errorf("session not created: %s", link.LastError))
		}
	}
	return l.runtimes.Client(ctx, chip.TenantID)
}

func (l *Lifecycle) loadLink(ctx context.Context, chip *models.ChipSession) (*models.UpstreamLinkState, error) {
	link, err := l.chips.GetLinkState(ctx, chip.ID)
	if apperrors.IsNotFound(err) {
		return &models.UpstreamLinkState{
			ChipID:      chip.ID,
			SessionName: chip.SessionName,
			Phase:       models.LinkStarting,
			UpdatedAt:   l.now().UTC(),
		}, nil
	}
	return link, err
}

// Get returns a chip.
func (l *Lifecycle) Get(ctx context.Context, chipID uuid.UUID) (*models.ChipSession, error) {
	return l.chips.GetChip(ctx, chipID)
}

// GetQR returns the pairing artifact of the chip. A session missing upstream is recreated
// and the fetch retried once. Upstream failures degrade to an unavailable result.
func (l *Lifecycle) GetQR(ctx context.Context, chipID uuid.UUID) (*QRResult, error) {
	unlock := l.lockChip(chipID)
	defer unlock()

	chip, err := l.chips.GetChip(ctx, chipID)
	if err != nil {
		return nil, err
	}
	logger := l.chipLogger(ctx, chip)

	switch chip.Status {
	case models.ChipConnected, models.ChipMaturing:
		return unavailable(chip, ReasonAlreadyConnected, nil), nil
	case models.ChipBanned:
		return unavailable(chip, ReasonBanned, nil), nil
	}

	link, err := l.loadLink(ctx, chip)
	if err != nil {
		return nil, err
	}
	client, err := l.ensureSession(ctx, logger, chip, link, false)
	if err != nil {
		switch {
		case apperrors.IsValidation(err):
			return nil, err
		case apperrors.IsExhausted(err):
			return unavailable(chip, ReasonResourceExhausted, err), nil
		}
		return unavailable(chip, ReasonRuntimeStarting, err), nil
	}

	qr, err := client.GetQR(ctx, chip.SessionName)
	if apperrors.IsNotFound(err) {
		logger.Info("Upstream session missing, recreating")
		client, err = l.ensureSession(ctx, logger, chip, link, true)
		if err == nil {
			qr, err = client.GetQR(ctx, chip.SessionName)
		}
	}
	if err != nil {
		logger.Warn("QR unavailable", zap.Error(err))
		return unavailable(chip, ReasonUpstreamUnavailable, err), nil
	}

	if chip.Status == models.ChipDisconnected || chip.Status == models.ChipMaintenance {
		if _, err := l.setStatus(ctx, chip, models.ChipWaitingQR); err != nil {
			logger.Warn("Failed to move chip back to waiting_qr", zap.Error(err))
		}
	}
	return &QRResult{Available: true, ChipID: chip.ID, Status: chip.Status, QR: qr}, nil
}

// Reconnect tears down the chip's upstream session, rotates its egress identity and
// creates a new session under a fresh name. The device fingerprint is kept.
func (l *Lifecycle) Reconnect(ctx context.Context, chipID uuid.UUID) (*models.ChipSession, error) {
	const op = "chips.Reconnect"
	unlock := l.lockChip(chipID)
	defer unlock()

	chip, err := l.chips.GetChip(ctx, chipID)
	if err != nil {
		return nil, err
	}
	if chip.Status == models.ChipBanned {
		return nil, apperrors.New(op, chip.ID.String(), apperrors.ErrInvalidTransition, fmt.Errorf("chip is banned"))
	}
	logger := l.chipLogger(ctx, chip)
	previous := chip.Status

	if _, err := l.runtimes.GetOrCreate(ctx, chip.TenantID); err != nil && !apperrors.IsTransient(err) {
		return nil, err
	}
	l.deleteUpstream(ctx, logger, chip)

	if err := l.identities.Release(ctx, chip.ID); err != nil {
		return nil, err
	}
	binding, err := l.identities.Assign(ctx, chip, true)
	if err != nil {
		return nil, err
	}

	link, err := l.loadLink(ctx, chip)
	if err != nil {
		return nil, err
	}
	now := l.now().UTC()
	chip.SessionName = freshSessionName(chip.ID)
	chip.AssignmentID = &binding.AssignmentID
	chip.Status = models.ChipWaitingQR
	chip.LastActivityAt = now
	chip.UpdatedAt = now
	if err := l.chips.UpdateChip(ctx, chip); err != nil {
		return nil, err
	}

	link.SessionName = chip.SessionName
	link.ConnectedAt = nil
	link.DisconnectedAt = nil
	link.Phase = models.LinkStarting
	l.createUpstream(ctx, logger, chip, link, binding.URL)

	if previous == models.ChipMaturing {
		l.notify(ctx, chip, previous, SignalDisconnected)
	}
	logger.Info("Chip reconnected", zap.String("session_name", chip.SessionName))
	return chip, nil
}

// deleteUpstream stops and deletes the chip's current session. Failures are logged only.
func (l *Lifecycle) deleteUpstream(ctx context.Context, logger *zap.Logger, chip *models.ChipSession) {
	client, err := l.runtimes.Client(ctx, chip.TenantID)
	if err != nil {
		logger.Debug("No runtime client for session teardown", zap.Error(err))
		return
	}
	if err := client.StopSession(ctx, chip.SessionName); err != nil && !apperrors.IsNotFound(err) {
		logger.Warn("Failed to stop upstream session", zap.Error(err))
	}
	if err := client.DeleteSession(ctx, chip.SessionName); err != nil && !apperrors.IsNotFound(err) {
		logger.Warn("Failed to delete upstream session", zap.Error(err))
	}
}

// Disconnect removes the upstream session and releases the identity. Upstream failures
// are absorbed.
func (l *Lifecycle) Disconnect(ctx context.Context, chipID uuid.UUID) (*models.ChipSession, error) {
	unlock := l.lockChip(chipID)
	defer unlock()

	chip, err := l.chips.GetChip(ctx, chipID)
	if err != nil {
		return nil, err
	}
	logger := l.chipLogger(ctx, chip)

	l.deleteUpstream(ctx, logger, chip)
	if err := l.identities.Release(ctx, chip.ID); err != nil {
		logger.Warn("Failed to release identity", zap.Error(err))
	}

	link, err := l.loadLink(ctx, chip)
	if err != nil {
		return nil, err
	}
	now := l.now().UTC()
	link.Phase = models.LinkStarting
	link.DisconnectedAt = &now
	link.UpdatedAt = now
	if err := l.chips.SaveLinkState(ctx, link); err != nil {
		return nil, err
	}

	chip.AssignmentID = nil
	chip.UpdatedAt = now
	if err := l.chips.UpdateChip(ctx, chip); err != nil {
		return nil, err
	}
	return l.applySignal(ctx, chip, SignalDisconnected)
}

// Delete removes the chip through the same path for users and the reaper. The tenant's
// runtime is torn down when no chips remain.
func (l *Lifecycle) Delete(ctx context.Context, chipID uuid.UUID) error {
	unlock := l.lockChip(chipID)
	defer unlock()

	chip, err := l.chips.GetChip(ctx, chipID)
	if err != nil {
		return err
	}
	logger := l.chipLogger(ctx, chip)

	if chip.Status == models.ChipMaturing {
		l.notify(ctx, chip, chip.Status, SignalDisconnected)
	}
	l.deleteUpstream(ctx, logger, chip)
	if err := l.identities.Release(ctx, chip.ID); err != nil {
		logger.Warn("Failed to release identity", zap.Error(err))
	}
	if err := l.chips.DeleteChip(ctx, chip.ID); err != nil {
		return err
	}

	l.locksMu.Lock()
	delete(l.chipLocks, chipID)
	l.locksMu.Unlock()

	remaining, err := l.chips.CountChips(ctx, chip.TenantID)
	if err != nil {
		logger.Warn("Could not count remaining chips, leaving runtime to the reaper", zap.Error(err))
		return nil
	}
	if remaining == 0 {
		if err := l.runtimes.Destroy(ctx, chip.TenantID); err != nil {
			logger.Warn("Failed to destroy idle runtime, leaving it to the reaper", zap.Error(err))
		} else {
			logger.Info("Tenant runtime destroyed after last chip deletion")
		}
	}
	logger.Info("Chip deleted")
	return nil
}

// Resolve returns the chip and the session client of its tenant runtime.
func (l *Lifecycle) Resolve(ctx context.Context, chipID uuid.UUID) (*models.ChipSession, session.Client, error) {
	chip, err := l.chips.GetChip(ctx, chipID)
	if err != nil {
		return nil, nil, err
	}
	client, err := l.runtimes.Client(ctx, chip.TenantID)
	if err != nil {
		return chip, nil, err
	}
	return chip, client, nil
}

// Transition moves the chip to status `to` if the state machine allows it.
func (l *Lifecycle) Transition(ctx context.Context, chipID uuid.UUID, to models.ChipStatus) (*models.ChipSession, error) {
	unlock := l.lockChip(chipID)
	defer unlock()

	chip, err := l.chips.GetChip(ctx, chipID)
	if err != nil {
		return nil, err
	}
	return l.setStatus(ctx, chip, to)
}

func (l *Lifecycle) setStatus(ctx context.Context, chip *models.ChipSession, to models.ChipStatus) (*models.ChipSession, error) {
	if !models.CanTransition(chip.Status, to) {
		return nil, apperrors.New("chips.Transition", chip.ID.String(), apperrors.ErrInvalidTransition,
			fmt.Errorf("%s -> %s", chip.Status, to))
	}
	if chip.Status == to {
		return chip, nil
	}
	from := chip.Status
	now := l.now().UTC()
	chip.Status = to
	chip.UpdatedAt = now
	if err := l.chips.UpdateChip(ctx, chip); err != nil {
		return nil, err
	}
	l.chipLogger(ctx, chip).Info("Chip status changed", zap.String("from", string(from)), zap.String("to", string(to)))
	l.publish(ctx, chip, from)
	return chip, nil
}

func (l *Lifecycle) publish(ctx context.Context, chip *models.ChipSession, from models.ChipStatus) {
	payload := map[string]interface{}{
		"chip_id": chip.ID,
		"alias":   chip.Alias,
		"from":    from,
		"to":      chip.Status,
	}
	if err := l.events.Dispatch(ctx, chip.TenantID, events.ChipStatusChanged, payload); err != nil {
		l.logger.Warn("Failed to dispatch chip event", zap.String("chip_id", chip.ID.String()), zap.Error(err))
	}
}

// RotateFingerprint bumps the chip's fingerprint epoch. The new fingerprint is used the
// next time the upstream session is created.
func (l *Lifecycle) RotateFingerprint(ctx context.Context, chipID uuid.UUID) (*models.UpstreamLinkState, error) {
	unlock := l.lockChip(chipID)
	defer unlock()

	chip, err := l.chips.GetChip(ctx, chipID)
	if err != nil {
		return nil, err
	}
	link, err := l.loadLink(ctx, chip)
	if err != nil {
		return nil, err
	}
	link.FingerprintEpoch++
	link.UpdatedAt = l.now().UTC()
	if err := l.chips.SaveLinkState(ctx, link); err != nil {
		return nil, err
	}
	l.chipLogger(ctx, chip).Info("Device fingerprint rotated", zap.Int("epoch", link.FingerprintEpoch))
	return link, nil
}
