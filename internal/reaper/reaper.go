// Package reaper garbage-collects tenant runtimes and stale chips and restarts runtimes
// that stop answering or leak memory.
package reaper

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dante-gpu/dante-messaging/internal/config"
	apperrors "github.com/dante-gpu/dante-messaging/internal/errors"
	"github.com/dante-gpu/dante-messaging/internal/models"
	"github.com/dante-gpu/dante-messaging/internal/runtime"
	"github.com/dante-gpu/dante-messaging/internal/store"
)

const pingTimeout = 10 * time.Second

// Runtimes is the provisioner surface the reaper needs.
type Runtimes interface {
	Instances(ctx context.Context) ([]runtime.Instance, error)
	DestroyInstance(ctx context.Context, inst runtime.Instance) error
	Restart(ctx context.Context, tenantID string) error
	Stats(ctx context.Context, tenantID string) (models.RuntimeStats, error)
	Ping(ctx context.Context, tenantID string) error
}

// ChipDeleter deletes a chip the same way a user delete does.
type ChipDeleter interface {
	Delete(ctx context.Context, chipID uuid.UUID) error
}

// Store is the persistence the reaper reads.
type Store interface {
	store.TenantStore
	store.ChipStore
}

// RuntimeReport summarizes one runtime sweep.
type RuntimeReport struct {
	Orphans   int
	Idle      int
	Restarted int
	Retained  int
}

// Reaper runs the three sweeps. Each is safe to run concurrently with request traffic.
type Reaper struct {
	runtimes Runtimes
	chips    ChipDeleter
	store    Store
	cfg      config.ReaperConfig
	logger   *zap.Logger
	now      func() time.Time
}

func New(runtimes Runtimes, chips ChipDeleter, st Store, cfg config.ReaperConfig, logger *zap.Logger) *Reaper {
	return &Reaper{
		runtimes: runtimes,
		chips:    chips,
		store:    st,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SweepRuntimes removes runtimes without an owning tenant, removes runtimes of tenants
// with no chips once they are older than the grace period, and restarts runtimes whose
// memory exceeds the ceiling.
func (r *Reaper) SweepRuntimes(ctx context.Context) (RuntimeReport, error) {
	var report RuntimeReport
	instances, err := r.runtimes.Instances(ctx)
	if err != nil {
		return report, err
	}
	now := r.now()

	for _, inst := range instances {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		logger := r.logger.With(zap.String("runtime", inst.Name), zap.String("tenant_id", inst.TenantID))

		orphan := inst.TenantID == ""
		if !orphan {
			_, err := r.store.GetTenant(ctx, inst.TenantID)
			if err != nil && !apperrors.IsNotFound(err) {
				logger.Warn("Could not resolve runtime owner, skipping", zap.Error(err))
				continue
			}
			orphan = err != nil
		}
		if orphan {
			leak := apperrors.New("reaper.SweepRuntimes", inst.Name, apperrors.ErrOrphanOrLeak, errors.New("no owning tenant"))
			logger.Warn("Removing orphaned runtime", zap.Error(leak))
			if err := r.runtimes.DestroyInstance(ctx, inst); err != nil {
				logger.Error("Failed to remove orphaned runtime", zap.Error(err))
				continue
			}
			report.Orphans++
			continue
		}

		chips, err := r.store.CountChips(ctx, inst.TenantID)
		if err != nil {
			logger.Warn("Could not count tenant chips, skipping", zap.Error(err))
			continue
		}
		age := now.Sub(inst.CreatedAt)
		if chips == 0 {
			if age <= r.cfg.RuntimeGracePeriod {
				// A chip may be in the middle of being created.
				report.Retained++
				continue
			}
			logger.Info("Removing idle runtime", zap.Duration("age", age))
			if err := r.runtimes.DestroyInstance(ctx, inst); err != nil {
				logger.Error("Failed to remove idle runtime", zap.Error(err))
				continue
			}
			report.Idle++
			continue
		}

		if inst.Running && r.cfg.MemoryCeilingMB > 0 {
			stats, err := r.runtimes.Stats(ctx, inst.TenantID)
			if err != nil {
				logger.Warn("Failed to sample runtime stats", zap.Error(err))
			} else if stats.MemMB > r.cfg.MemoryCeilingMB {
				leak := apperrors.New("reaper.SweepRuntimes", inst.Name, apperrors.ErrOrphanOrLeak, errors.New("memory above ceiling"))
				logger.Warn("Restarting runtime over memory ceiling",
					zap.Float64("mem_mb", stats.MemMB),
					zap.Float64("ceiling_mb", r.cfg.MemoryCeilingMB),
					zap.Error(leak))
				if err := r.runtimes.Restart(ctx, inst.TenantID); err != nil {
					logger.Error("Failed to restart runtime", zap.Error(err))
					continue
				}
				report.Restarted++
				continue
			}
		}
		report.Retained++
	}

	if report.Orphans+report.Idle+report.Restarted > 0 {
		r.logger.Info("Runtime sweep finished",
			zap.Int("orphans", report.Orphans),
			zap.Int("idle", report.Idle),
			zap.Int("restarted", report.Restarted),
			zap.Int("retained", report.Retained))
	}
	return report, nil
}

// SweepChips deletes chips that have waited for a pairing scan longer than the staleness
// threshold.
func (r *Reaper) SweepChips(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.StaleQRAfter)
	stale, err := r.store.ListChipsByStatus(ctx, models.ChipWaitingQR, cutoff)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, chip := range stale {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		logger := r.logger.With(zap.String("chip_id", chip.ID.String()), zap.String("tenant_id", chip.TenantID))
		if err := r.chips.Delete(ctx, chip.ID); err != nil {
			if !apperrors.IsNotFound(err) {
				logger.Error("Failed to delete stale chip", zap.Error(err))
			}
			continue
		}
		logger.Info("Deleted chip stuck waiting for QR", zap.Time("last_update", chip.UpdatedAt))
		removed++
	}
	return removed, nil
}

// HealthSweep pings every running runtime and restarts those that do not answer.
// Runtimes younger than the grace period are still booting and are skipped.
func (r *Reaper) HealthSweep(ctx context.Context) (int, error) {
	instances, err := r.runtimes.Instances(ctx)
	if err != nil {
		return 0, err
	}
	now := r.now()
	restarted := 0
	for _, inst := range instances {
		if !inst.Running || inst.TenantID == "" || now.Sub(inst.CreatedAt) <= r.cfg.RuntimeGracePeriod {
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := r.runtimes.Ping(pingCtx, inst.TenantID)
		cancel()
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return restarted, ctx.Err()
		}
		logger := r.logger.With(zap.String("runtime", inst.Name), zap.String("tenant_id", inst.TenantID))
		logger.Warn("Runtime failed health check, restarting", zap.Error(err))
		if err := r.runtimes.Restart(ctx, inst.TenantID); err != nil {
			logger.Error("Failed to restart unhealthy runtime", zap.Error(err))
			continue
		}
		restarted++
	}
	return restarted, nil
}
