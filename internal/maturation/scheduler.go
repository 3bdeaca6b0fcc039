// Package maturation warms up groups of chips by having them message each other at a
// rate that grows through a phased plan.
package maturation

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dante-gpu/dante-messaging/internal/chips"
	"github.com/dante-gpu/dante-messaging/internal/config"
	apperrors "github.com/dante-gpu/dante-messaging/internal/errors"
	"github.com/dante-gpu/dante-messaging/internal/events"
	"github.com/dante-gpu/dante-messaging/internal/logging"
	"github.com/dante-gpu/dante-messaging/internal/models"
	"github.com/dante-gpu/dante-messaging/internal/session"
	"github.com/dante-gpu/dante-messaging/internal/store"
)

// Chips is the part of the chip lifecycle the scheduler drives.
type Chips interface {
	Get(ctx context.Context, chipID uuid.UUID) (*models.ChipSession, error)
	Resolve(ctx context.Context, chipID uuid.UUID) (*models.ChipSession, session.Client, error)
	Transition(ctx context.Context, chipID uuid.UUID, to models.ChipStatus) (*models.ChipSession, error)
}

// Scheduler runs warm-up cohorts. It is registered as a chips.SignalObserver so a chip
// losing its session pauses its cohort.
//
// OnChipSignal runs under the lifecycle's chip lock, so mu is never held across a call
// into Chips.
type Scheduler struct {
	store  store.WarmupStore
	chips  Chips
	events events.Dispatcher
	cfg    config.MaturationConfig
	logger *zap.Logger

	mu sync.Mutex

	rngMu sync.Mutex
	rng   *rand.Rand

	now func() time.Time
}

func NewScheduler(st store.WarmupStore, chipsvc Chips, dispatcher events.Dispatcher, cfg config.MaturationConfig, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:  st,
		chips:  chipsvc,
		events: dispatcher,
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
}

func (s *Scheduler) cohortLogger(ctx context.Context, c *models.WarmupCohort) *zap.Logger {
	return logging.FromContext(ctx, s.logger).With(
		zap.String("tenant_id", c.TenantID),
		zap.String("cohort_id", c.ID.String()))
}

// StartCohort moves the given connected chips into a new in-progress cohort. Empty stages
// or pool select the defaults.
func (s *Scheduler) StartCohort(ctx context.Context, tenantID string, chipIDs []uuid.UUID, stages []models.WarmupStage, pool []string) (*models.WarmupCohort, error) {
	const op = "maturation.StartCohort"

	ids := dedupe(chipIDs)
	if len(ids) < 2 {
		return nil, apperrors.Invalid(op, tenantID, "a cohort needs at least two chips")
	}
	if len(stages) == 0 {
		stages = DefaultStages()
	}
	if err := validateStages(stages); err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		pool = s.cfg.MessagePool
	}
	if len(pool) == 0 {
		pool = DefaultMessagePool
	}

	for _, id := range ids {
		chip, err := s.chips.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if chip.TenantID != tenantID {
			return nil, apperrors.Invalid(op, id.String(), "chip belongs to another tenant")
		}
		if chip.Status != models.ChipConnected {
			return nil, apperrors.Invalid(op, id.String(), "chip is %s, not connected", chip.Status)
		}
		if heat, err := s.store.GetHeatUp(ctx, id); err == nil && heat.Status == models.WarmupInProgress {
			return nil, apperrors.New(op, id.String(), apperrors.ErrAlreadyExists,
				fmt.Errorf("chip is warming up in cohort %s", heat.CohortID))
		}
	}

	now := s.now().UTC()
	cohort := &models.WarmupCohort{
		ID:             uuid.New(),
		TenantID:       tenantID,
		ChipIDs:        ids,
		Stages:         stages,
		PhaseStartedAt: now,
		Status:         models.WarmupInProgress,
		MessagePool:    pool,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	logger := s.cohortLogger(ctx, cohort)

	var moved []uuid.UUID
	for _, id := range ids {
		if _, err := s.chips.Transition(ctx, id, models.ChipMaturing); err != nil {
			for _, back := range moved {
				if _, rerr := s.chips.Transition(ctx, back, models.ChipConnected); rerr != nil {
					logger.Warn("Failed to return chip after aborted cohort start", zap.String("chip_id", back.String()), zap.Error(rerr))
				}
			}
			return nil, err
		}
		moved = append(moved, id)
	}

	if err := s.store.SaveCohort(ctx, cohort); err != nil {
		return nil, err
	}
	if err := s.setHeatUps(ctx, cohort, models.WarmupInProgress, nil); err != nil {
		return nil, err
	}

	logger.Info("Warm-up cohort started", zap.Int("chips", len(ids)), zap.Int("stages", len(stages)))
	s.emit(ctx, cohort, events.MaturationStarted, nil)
	return cohort, nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// setHeatUps writes the per-chip sub-record of every chip in the cohort. When only is
// non-nil, chips whose current state is not in it are left alone.
func (s *Scheduler) setHeatUps(ctx context.Context, cohort *models.WarmupCohort, status models.WarmupStatus, only []models.WarmupStatus) error {
	now := s.now().UTC()
	for _, id := range cohort.ChipIDs {
		heat, err := s.store.GetHeatUp(ctx, id)
		switch {
		case apperrors.IsNotFound(err) || (err == nil && heat.CohortID != cohort.ID):
			if only != nil {
				continue
			}
			heat = &models.HeatUpState{ChipID: id, CohortID: cohort.ID}
		case err != nil:
			return err
		case only != nil && !warmupIn(heat.Status, only):
			continue
		}
		heat.Status = status
		heat.UpdatedAt = now
		if err := s.store.SaveHeatUp(ctx, heat); err != nil {
			return err
		}
	}
	return nil
}

func warmupIn(s models.WarmupStatus, set []models.WarmupStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// updateCohort reloads the cohort and applies fn under the scheduler lock. fn returning
// false leaves the cohort unchanged.
func (s *Scheduler) updateCohort(ctx context.Context, cohortID uuid.UUID, fn func(c *models.WarmupCohort) bool) (*models.WarmupCohort, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cohort, err := s.store.GetCohort(ctx, cohortID)
	if err != nil {
		return nil, false, err
	}
	if !fn(cohort) {
		return cohort, false, nil
	}
	cohort.UpdatedAt = s.now().UTC()
	if err := s.store.SaveCohort(ctx, cohort); err != nil {
		return nil, false, err
	}
	return cohort, true, nil
}

// PauseCohort pauses an in-progress cohort. Its chips stay in maturing.
func (s *Scheduler) PauseCohort(ctx context.Context, cohortID uuid.UUID, reason string) (*models.WarmupCohort, error) {
	cohort, changed, err := s.updateCohort(ctx, cohortID, func(c *models.WarmupCohort) bool {
		if c.Status != models.WarmupInProgress {
			return false
		}
		c.Status = models.WarmupPaused
		c.PauseReason = reason
		return true
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, invalidCohortTransition(cohort, models.WarmupPaused)
	}
	if err := s.setHeatUps(ctx, cohort, models.WarmupPaused, []models.WarmupStatus{models.WarmupInProgress}); err != nil {
		return nil, err
	}
	s.cohortLogger(ctx, cohort).Info("Warm-up cohort paused", zap.String("reason", reason))
	s.emit(ctx, cohort, events.MaturationPaused, map[string]interface{}{"reason": reason})
	return cohort, nil
}

// ResumeCohort restarts a paused cohort. Only an explicit call resumes a cohort. Chips
// that reconnected since the pause go back to maturing; the current stage starts over.
func (s *Scheduler) ResumeCohort(ctx context.Context, cohortID uuid.UUID) (*models.WarmupCohort, error) {
	const op = "maturation.ResumeCohort"

	cohort, err := s.store.GetCohort(ctx, cohortID)
	if err != nil {
		return nil, err
	}
	if cohort.Status != models.WarmupPaused {
		return nil, invalidCohortTransition(cohort, models.WarmupInProgress)
	}

	var ready []uuid.UUID
	for _, id := range cohort.ChipIDs {
		chip, err := s.chips.Get(ctx, id)
		if apperrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if chip.Status == models.ChipConnected || chip.Status == models.ChipMaturing {
			ready = append(ready, id)
		}
	}
	if len(ready) < 2 {
		return nil, apperrors.Invalid(op, cohortID.String(), "%d of the cohort's chips are connected, need two", len(ready))
	}
	for _, id := range ready {
		if _, err := s.chips.Transition(ctx, id, models.ChipMaturing); err != nil {
			return nil, err
		}
	}

	cohort, changed, err := s.updateCohort(ctx, cohortID, func(c *models.WarmupCohort) bool {
		if c.Status != models.WarmupPaused {
			return false
		}
		c.Status = models.WarmupInProgress
		c.PauseReason = ""
		c.PhaseStartedAt = s.now().UTC()
		return true
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, invalidCohortTransition(cohort, models.WarmupInProgress)
	}

	now := s.now().UTC()
	for _, id := range ready {
		heat := &models.HeatUpState{ChipID: id, CohortID: cohort.ID}
		if prev, err := s.store.GetHeatUp(ctx, id); err == nil && prev.CohortID == cohort.ID {
			heat = prev
		}
		heat.Status = models.WarmupInProgress
		heat.UpdatedAt = now
		if err := s.store.SaveHeatUp(ctx, heat); err != nil {
			return nil, err
		}
	}
	s.cohortLogger(ctx, cohort).Info("Warm-up cohort resumed", zap.Int("chips", len(ready)))
	s.emit(ctx, cohort, events.MaturationStarted, map[string]interface{}{"resumed": true})
	return cohort, nil
}

// StopCohort cancels the cohort and returns its maturing chips to connected.
func (s *Scheduler) StopCohort(ctx context.Context, cohortID uuid.UUID) (*models.WarmupCohort, error) {
	cohort, changed, err := s.updateCohort(ctx, cohortID, func(c *models.WarmupCohort) bool {
		if c.Status != models.WarmupInProgress && c.Status != models.WarmupPaused {
			return false
		}
		c.Status = models.WarmupCancelled
		return true
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, invalidCohortTransition(cohort, models.WarmupCancelled)
	}
	s.release(ctx, cohort, models.WarmupCancelled)
	s.cohortLogger(ctx, cohort).Info("Warm-up cohort stopped")
	return cohort, nil
}

// release closes the cohort's heat-up records and returns maturing chips to connected.
func (s *Scheduler) release(ctx context.Context, cohort *models.WarmupCohort, status models.WarmupStatus) {
	logger := s.cohortLogger(ctx, cohort)
	if err := s.setHeatUps(ctx, cohort, status, []models.WarmupStatus{models.WarmupInProgress, models.WarmupPaused}); err != nil {
		logger.Warn("Failed to close heat-up records", zap.Error(err))
	}
	for _, id := range cohort.ChipIDs {
		chip, err := s.chips.Get(ctx, id)
		if err != nil || chip.Status != models.ChipMaturing {
			continue
		}
		if _, err := s.chips.Transition(ctx, id, models.ChipConnected); err != nil {
			logger.Warn("Failed to return chip to connected", zap.String("chip_id", id.String()), zap.Error(err))
		}
	}
}

func invalidCohortTransition(c *models.WarmupCohort, to models.WarmupStatus) error {
	return apperrors.New("maturation.Cohort", c.ID.String(), apperrors.ErrInvalidTransition,
		fmt.Errorf("%s -> %s", c.Status, to))
}

// Tick is one pass of the warm-up worker over every in-progress cohort.
func (s *Scheduler) Tick(ctx context.Context) error {
	cohorts, err := s.store.ListCohorts(ctx, models.WarmupInProgress)
	if err != nil {
		return err
	}
	for _, c := range cohorts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.tickCohort(ctx, c); err != nil {
			s.cohortLogger(ctx, c).Warn("Warm-up tick failed", zap.Error(err))
		}
	}
	return nil
}

func (s *Scheduler) tickCohort(ctx context.Context, cohort *models.WarmupCohort) error {
	logger := s.cohortLogger(ctx, cohort)
	now := s.now().UTC()

	stage := cohort.CurrentStage()
	if stage != nil && now.Sub(cohort.PhaseStartedAt) >= stage.Duration {
		updated, changed, err := s.updateCohort(ctx, cohort.ID, func(c *models.WarmupCohort) bool {
			if c.Status != models.WarmupInProgress || c.PhaseIndex != cohort.PhaseIndex {
				return false
			}
			c.PhaseIndex++
			c.PhaseStartedAt = now
			return true
		})
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		cohort = updated
		stage = cohort.CurrentStage()
		if stage != nil {
			logger.Info("Warm-up phase advanced", zap.Int("phase", cohort.PhaseIndex), zap.String("stage", stage.Name))
		}
	}
	if stage == nil {
		return s.complete(ctx, cohort)
	}

	if cohort.LastMessageAt != nil && now.Sub(*cohort.LastMessageAt) < minGap(stage) {
		return nil
	}

	candidates, err := s.candidates(ctx, cohort)
	if err != nil {
		return err
	}
	if len(candidates) < 2 {
		logger.Debug("Not enough maturing chips to exchange a message", zap.Int("available", len(candidates)))
		return nil
	}

	s.rngMu.Lock()
	order := s.rng.Perm(len(candidates))
	text := cohort.MessagePool[s.rng.Intn(len(cohort.MessagePool))]
	s.rngMu.Unlock()
	sender, receiver := candidates[order[0]], candidates[order[1]]

	_, client, err := s.chips.Resolve(ctx, sender.ID)
	if err != nil {
		return err
	}
	if _, err := client.SendText(ctx, sender.SessionName, receiver.Phone, text); err != nil {
		return fmt.Errorf("warm-up send from %s: %w", sender.ID, err)
	}

	_, recorded, err := s.updateCohort(ctx, cohort.ID, func(c *models.WarmupCohort) bool {
		if c.Status != models.WarmupInProgress {
			return false
		}
		c.MessagesSent++
		c.LastMessageAt = &now
		return true
	})
	if err != nil {
		return err
	}
	if !recorded {
		return nil
	}
	if heat, err := s.store.GetHeatUp(ctx, sender.ID); err == nil {
		heat.MessagesSent++
		heat.UpdatedAt = now
		if err := s.store.SaveHeatUp(ctx, heat); err != nil {
			logger.Warn("Failed to record heat-up progress", zap.Error(err))
		}
	}
	logger.Debug("Warm-up message sent",
		zap.String("from_chip", sender.ID.String()),
		zap.String("to_chip", receiver.ID.String()),
		zap.String("stage", stage.Name))
	return nil
}

// candidates returns the cohort's chips that can exchange a message right now.
func (s *Scheduler) candidates(ctx context.Context, cohort *models.WarmupCohort) ([]*models.ChipSession, error) {
	var out []*models.ChipSession
	for _, id := range cohort.ChipIDs {
		heat, err := s.store.GetHeatUp(ctx, id)
		if err != nil || heat.CohortID != cohort.ID || heat.Status != models.WarmupInProgress {
			continue
		}
		chip, err := s.chips.Get(ctx, id)
		if apperrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if chip.Status == models.ChipMaturing && chip.Phone != "" {
			out = append(out, chip)
		}
	}
	return out, nil
}

func (s *Scheduler) complete(ctx context.Context, cohort *models.WarmupCohort) error {
	updated, changed, err := s.updateCohort(ctx, cohort.ID, func(c *models.WarmupCohort) bool {
		if c.Status != models.WarmupInProgress {
			return false
		}
		c.Status = models.WarmupCompleted
		return true
	})
	if err != nil || !changed {
		return err
	}
	s.release(ctx, updated, models.WarmupCompleted)
	s.cohortLogger(ctx, updated).Info("Warm-up cohort completed", zap.Int("messages_sent", updated.MessagesSent))
	s.emit(ctx, updated, events.MaturationCompleted, nil)
	return nil
}

// OnChipSignal pauses the chip's in-progress cohort when a maturing chip loses its session.
// The cohort stays paused until ResumeCohort is called.
func (s *Scheduler) OnChipSignal(ctx context.Context, chip *models.ChipSession, previous models.ChipStatus, signal chips.Signal) {
	if !signal.Disruptive() || previous != models.ChipMaturing {
		return
	}
	heat, err := s.store.GetHeatUp(ctx, chip.ID)
	if err != nil || heat.Status != models.WarmupInProgress {
		return
	}

	reason := "chip_" + string(signal)
	cohort, changed, err := s.updateCohort(ctx, heat.CohortID, func(c *models.WarmupCohort) bool {
		if c.Status != models.WarmupInProgress {
			return false
		}
		c.Status = models.WarmupPaused
		c.PauseReason = reason
		return true
	})
	if err != nil {
		s.logger.Error("Failed to pause warm-up after chip signal",
			zap.String("chip_id", chip.ID.String()), zap.String("signal", string(signal)), zap.Error(err))
		return
	}
	if !changed {
		return
	}
	logger := s.cohortLogger(ctx, cohort)
	if err := s.setHeatUps(ctx, cohort, models.WarmupPaused, []models.WarmupStatus{models.WarmupInProgress}); err != nil {
		logger.Warn("Failed to pause heat-up records", zap.Error(err))
	}
	logger.Warn("Warm-up paused, chip lost its session",
		zap.String("chip_id", chip.ID.String()),
		zap.String("signal", string(signal)))
	s.emit(ctx, cohort, events.MaturationPaused, map[string]interface{}{
		"reason":  reason,
		"chip_id": chip.ID,
		"alias":   chip.Alias,
		"signal":  signal,
	})
}

func (s *Scheduler) emit(ctx context.Context, c *models.WarmupCohort, event string, extra map[string]interface{}) {
	payload := map[string]interface{}{
		"cohort_id":     c.ID,
		"status":        c.Status,
		"phase_index":   c.PhaseIndex,
		"chip_ids":      c.ChipIDs,
		"messages_sent": c.MessagesSent,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := s.events.Dispatch(ctx, c.TenantID, event, payload); err != nil {
		s.cohortLogger(ctx, c).Warn("Failed to dispatch warm-up event", zap.String("event", event), zap.Error(err))
	}
}

var _ chips.SignalObserver = (*Scheduler)(nil)
