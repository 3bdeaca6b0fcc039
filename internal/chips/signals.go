package chips

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/dante-gpu/dante-messaging/internal/errors"
	"github.com/dante-gpu/dante-messaging/internal/models"
	"github.com/dante-gpu/dante-messaging/internal/session"
)

// Signal is an upstream observation about a chip's session.
type Signal string

const (
	SignalConnected    Signal = "connected"
	SignalDisconnected Signal = "disconnected"
	SignalFailed       Signal = "failed"
	SignalBanned       Signal = "banned"
	SignalQR           Signal = "qr"
)

// Disruptive reports whether the signal means the chip lost its session.
func (s Signal) Disruptive() bool {
	return s == SignalDisconnected || s == SignalFailed || s == SignalBanned
}

// SignalObserver is told about every upstream signal applied to a chip, with the status
// the chip had before the signal.
type SignalObserver interface {
	OnChipSignal(ctx context.Context, chip *models.ChipSession, previous models.ChipStatus, signal Signal)
}

// Reasons carried by an unavailable QR result.
const (
	ReasonAlreadyConnected    = "already_connected"
	ReasonBanned              = "banned"
	ReasonRuntimeStarting     = "runtime_starting"
	ReasonResourceExhausted   = "resource_exhausted"
	ReasonUpstreamUnavailable = "upstream_unavailable"
)

// QRResult is the outcome of a pairing artifact read. When Available is false, Reason
// says why and the caller should poll again later.
type QRResult struct {
	Available bool              `json:"available"`
	ChipID    uuid.UUID         `json:"chip_id"`
	Status    models.ChipStatus `json:"status"`
	QR        *session.QR       `json:"qr,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Detail    string            `json:"detail,omitempty"`
}

func unavailable(chip *models.ChipSession, reason string, cause error) *QRResult {
	r := &QRResult{ChipID: chip.ID, Status: chip.Status, Reason: reason}
	if cause != nil {
		r.Detail = cause.Error()
	}
	return r
}

// targetStatus maps a signal onto the status it moves a chip in current to. The second
// result is false when the signal does not change the chip.
func targetStatus(current models.ChipStatus, signal Signal) (models.ChipStatus, bool) {
	switch signal {
	case SignalConnected:
		if current == models.ChipMaturing || current == models.ChipMaintenance {
			return current, false
		}
		return models.ChipConnected, true
	case SignalDisconnected, SignalFailed:
		return models.ChipDisconnected, true
	case SignalBanned:
		return models.ChipBanned, true
	case SignalQR:
		return models.ChipWaitingQR, true
	}
	return current, false
}

// HandleSignal applies an upstream signal to the chip and notifies observers before
// returning. Signals that the state machine does not allow are ignored.
func (l *Lifecycle) HandleSignal(ctx context.Context, chipID uuid.UUID, signal Signal) (*models.ChipSession, error) {
	unlock := l.lockChip(chipID)
	defer unlock()

	chip, err := l.chips.GetChip(ctx, chipID)
	if err != nil {
		return nil, err
	}
	return l.applySignal(ctx, chip, signal)
}

func (l *Lifecycle) applySignal(ctx context.Context, chip *models.ChipSession, signal Signal) (*models.ChipSession, error) {
	logger := l.chipLogger(ctx, chip)
	previous := chip.Status

	to, changes := targetStatus(previous, signal)
	if !changes || !models.CanTransition(previous, to) {
		logger.Debug("Signal does not change chip", zap.String("signal", string(signal)), zap.String("status", string(previous)))
		if signal.Disruptive() {
			l.notify(ctx, chip, previous, signal)
		}
		return chip, nil
	}

	now := l.now().UTC()
	chip.LastActivityAt = now
	if _, err := l.setStatus(ctx, chip, to); err != nil {
		return nil, err
	}
	l.stampLink(ctx, logger, chip, signal, now)

	l.notify(ctx, chip, previous, signal)
	return chip, nil
}

func (l *Lifecycle) stampLink(ctx context.Context, logger *zap.Logger, chip *models.ChipSession, signal Signal, now time.Time) {
	link, err := l.loadLink(ctx, chip)
	if err != nil {
		logger.Warn("Failed to load link state", zap.Error(err))
		return
	}
	switch {
	case signal == SignalConnected:
		link.ConnectedAt = &now
		link.Phase = models.LinkCreated
	case signal.Disruptive():
		link.DisconnectedAt = &now
	default:
		return
	}
	link.UpdatedAt = now
	if err := l.chips.SaveLinkState(ctx, link); err != nil {
		logger.Warn("Failed to save link state", zap.Error(err))
	}
}

func (l *Lifecycle) notify(ctx context.Context, chip *models.ChipSession, previous models.ChipStatus, signal Signal) {
	l.observersMu.RLock()
	observers := append([]SignalObserver(nil), l.observers...)
	l.observersMu.RUnlock()
	for _, o := range observers {
		o.OnChipSignal(ctx, chip, previous, signal)
	}
}

// signalFor maps an upstream session state to a signal.
func signalFor(state session.State) (Signal, bool) {
	switch state {
	case session.StateWorking:
		return SignalConnected, true
	case session.StateScanQR:
		return SignalQR, true
	case session.StateFailed:
		return SignalFailed, true
	case session.StateStopped:
		return SignalDisconnected, true
	}
	return "", false
}

// RefreshStatus polls the upstream session and applies the resulting signal. An
// unreachable runtime leaves the chip unchanged.
func (l *Lifecycle) RefreshStatus(ctx context.Context, chipID uuid.UUID) (*models.ChipSession, error) {
	unlock := l.lockChip(chipID)
	defer unlock()

	chip, err := l.chips.GetChip(ctx, chipID)
	if err != nil {
		return nil, err
	}
	logger := l.chipLogger(ctx, chip)

	client, err := l.runtimes.Client(ctx, chip.TenantID)
	if err != nil {
		logger.Debug("Runtime unavailable for status refresh", zap.Error(err))
		return chip, nil
	}

	status, err := client.GetStatus(ctx, chip.SessionName)
	switch {
	case apperrors.IsNotFound(err):
		if chip.Status == models.ChipWaitingQR {
			return chip, nil
		}
		return l.applySignal(ctx, chip, SignalDisconnected)
	case err != nil:
		logger.Debug("Status refresh failed", zap.Error(err))
		return chip, nil
	}

	if status.Phone != "" && status.Phone != chip.Phone {
		chip.Phone = status.Phone
		chip.UpdatedAt = l.now().UTC()
		if err := l.chips.UpdateChip(ctx, chip); err != nil {
			return nil, err
		}
	}
	signal, ok := signalFor(status.State)
	if !ok {
		return chip, nil
	}
	return l.applySignal(ctx, chip, signal)
}

// syncedStatuses are the states whose upstream session can change without a user action.
var syncedStatuses = []models.ChipStatus{
	models.ChipWaitingQR,
	models.ChipConnecting,
	models.ChipConnected,
	models.ChipMaturing,
}

// SyncStatuses refreshes every chip with a live upstream session and returns how many
// changed status.
func (l *Lifecycle) SyncStatuses(ctx context.Context) (int, error) {
	cutoff := l.now().UTC()
	changed := 0
	for _, status := range syncedStatuses {
		list, err := l.chips.ListChipsByStatus(ctx, status, cutoff)
		if err != nil {
			return changed, err
		}
		for _, chip := range list {
			if ctx.Err() != nil {
				return changed, ctx.Err()
			}
			got, err := l.RefreshStatus(ctx, chip.ID)
			if err != nil {
				if !apperrors.IsNotFound(err) {
					l.chipLogger(ctx, chip).Warn("Status sync failed", zap.Error(err))
				}
				continue
			}
			if got.Status != chip.Status {
				changed++
			}
		}
	}
	return changed, nil
}
