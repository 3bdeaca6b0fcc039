package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dante-gpu/dante-messaging/internal/models"
)

const cohortColumns = `id, tenant_id, chip_ids, stages, phase_index, phase_started_at, status, message_pool,
	messages_sent, last_message_at, pause_reason, created_at, updated_at`

func scanCohort(row pgx.Row) (*models.WarmupCohort, error) {
	c := &models.WarmupCohort{}
	var chipIDsJSON, stagesJSON, poolJSON []byte
	err := row.Scan(&c.ID, &c.TenantID, &chipIDsJSON, &stagesJSON, &c.PhaseIndex, &c.PhaseStartedAt,
		&c.Status, &poolJSON, &c.MessagesSent, &c.LastMessageAt, &c.PauseReason, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(chipIDsJSON, &c.ChipIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chip ids: %w", err)
	}
	if err := json.Unmarshal(stagesJSON, &c.Stages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stages: %w", err)
	}
	if len(poolJSON) > 0 {
		if err := json.Unmarshal(poolJSON, &c.MessagePool); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message pool: %w", err)
		}
	}
	return c, nil
}

func (s *PostgresStore) SaveCohort(ctx context.Context, c *models.WarmupCohort) error {
	chipIDsJSON, err := json.Marshal(c.ChipIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal chip ids: %w", err)
	}
	stagesJSON, err := json.Marshal(c.Stages)
	if err != nil {
		return fmt.Errorf("failed to marshal stages: %w", err)
	}
	poolJSON, err := json.Marshal(c.MessagePool)
	if err != nil {
		return fmt.Errorf("failed to marshal message pool: %w", err)
	}

	query := `
		INSERT INTO warmup_cohorts (` + cohortColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			chip_ids = EXCLUDED.chip_ids, stages = EXCLUDED.stages, phase_index = EXCLUDED.phase_index,
			phase_started_at = EXCLUDED.phase_started_at, status = EXCLUDED.status,
			message_pool = EXCLUDED.message_pool, messages_sent = EXCLUDED.messages_sent,
			last_message_at = EXCLUDED.last_message_at, pause_reason = EXCLUDED.pause_reason,
			updated_at = EXCLUDED.updated_at
	`
	return s.exec(ctx, "store.SaveCohort", c.ID.String(), func() error {
		_, err := s.db.Exec(ctx, query, c.ID, c.TenantID, chipIDsJSON, stagesJSON, c.PhaseIndex, c.PhaseStartedAt,
			c.Status, poolJSON, c.MessagesSent, c.LastMessageAt, c.PauseReason, c.CreatedAt, c.UpdatedAt)
		return err
	})
}

func (s *PostgresStore) GetCohort(ctx context.Context, cohortID uuid.UUID) (*models.WarmupCohort, error) {
	query := `SELECT ` + cohortColumns + ` FROM warmup_cohorts WHERE id = $1`
	var c *models.WarmupCohort
	err := s.exec(ctx, "store.GetCohort", cohortID.String(), func() error {
		var err error
		c, err = scanCohort(s.db.QueryRow(ctx, query, cohortID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) ListCohorts(ctx context.Context, status models.WarmupStatus) ([]*models.WarmupCohort, error) {
	query := `SELECT ` + cohortColumns + ` FROM warmup_cohorts WHERE status = $1 ORDER BY created_at`
	var out []*models.WarmupCohort
	err := s.exec(ctx, "store.ListCohorts", string(status), func() error {
		out = nil
		rows, err := s.db.Query(ctx, query, status)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			c, err := scanCohort(rows)
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) GetHeatUp(ctx context.Context, chipID uuid.UUID) (*models.HeatUpState, error) {
	h := &models.HeatUpState{}
	err := s.exec(ctx, "store.GetHeatUp", chipID.String(), func() error {
		return s.db.QueryRow(ctx, `
			SELECT chip_id, cohort_id, status, messages_sent, updated_at
			FROM heatup_states WHERE chip_id = $1`, chipID).
			Scan(&h.ChipID, &h.CohortID, &h.Status, &h.MessagesSent, &h.UpdatedAt)
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (s *PostgresStore) SaveHeatUp(ctx context.Context, h *models.HeatUpState) error {
	query := `
		INSERT INTO heatup_states (chip_id, cohort_id, status, messages_sent, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chip_id) DO UPDATE SET
			cohort_id = EXCLUDED.cohort_id, status = EXCLUDED.status,
			messages_sent = EXCLUDED.messages_sent, updated_at = EXCLUDED.updated_at
	`
	return s.exec(ctx, "store.SaveHeatUp", h.ChipID.String(), func() error {
		_, err := s.db.Exec(ctx, query, h.ChipID, h.CohortID, h.Status, h.MessagesSent, h.UpdatedAt)
		return err
	})
}
