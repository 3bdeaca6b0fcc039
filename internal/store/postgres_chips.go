package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	apperrors "github.com/dante-gpu/dante-messaging/internal/errors"
	"github.com/dante-gpu/dante-messaging/internal/models"
)

const chipColumns = `id, tenant_id, alias, phone, session_name, assignment_id, status, health_score,
	last_activity_at, created_at, updated_at`

func scanChip(row pgx.Row) (*models.ChipSession, error) {
	c := &models.ChipSession{}
	err := row.Scan(&c.ID, &c.TenantID, &c.Alias, &c.Phone, &c.SessionName, &c.AssignmentID,
		&c.Status, &c.HealthScore, &c.LastActivityAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) CreateChip(ctx context.Context, chip *models.ChipSession) error {
	query := `INSERT INTO chips (` + chipColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	return s.exec(ctx, "store.CreateChip", chip.Alias, func() error {
		_, err := s.db.Exec(ctx, query, chip.ID, chip.TenantID, chip.Alias, chip.Phone, chip.SessionName,
			chip.AssignmentID, chip.Status, chip.HealthScore, chip.LastActivityAt, chip.CreatedAt, chip.UpdatedAt)
		return err
	})
}

func (s *PostgresStore) GetChip(ctx context.Context, chipID uuid.UUID) (*models.ChipSession, error) {
	query := `SELECT ` + chipColumns + ` FROM chips WHERE id = $1`
	var chip *models.ChipSession
	err := s.exec(ctx, "store.GetChip", chipID.String(), func() error {
		var err error
		chip, err = scanChip(s.db.QueryRow(ctx, query, chipID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return chip, nil
}

func (s *PostgresStore) UpdateChip(ctx context.Context, chip *models.ChipSession) error {
	query := `
		UPDATE chips
		SET phone = $2, session_name = $3, assignment_id = $4, status = $5, health_score = $6,
		    last_activity_at = $7, updated_at = $8
		WHERE id = $1
	`
	return s.exec(ctx, "store.UpdateChip", chip.ID.String(), func() error {
		result, err := s.db.Exec(ctx, query, chip.ID, chip.Phone, chip.SessionName, chip.AssignmentID,
			chip.Status, chip.HealthScore, chip.LastActivityAt, chip.UpdatedAt)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
}

// DeleteChip relies on ON DELETE CASCADE for the link and heat-up sub-records.
func (s *PostgresStore) DeleteChip(ctx context.Context, chipID uuid.UUID) error {
	return s.exec(ctx, "store.DeleteChip", chipID.String(), func() error {
		result, err := s.db.Exec(ctx, `DELETE FROM chips WHERE id = $1`, chipID)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
}

func (s *PostgresStore) queryChips(ctx context.Context, op, entity, query string, args ...interface{}) ([]*models.ChipSession, error) {
	var chips []*models.ChipSession
	err := s.exec(ctx, op, entity, func() error {
		chips = nil
		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			c, err := scanChip(rows)
			if err != nil {
				return err
			}
			chips = append(chips, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return chips, nil
}

func (s *PostgresStore) ListChips(ctx context.Context, tenantID string) ([]*models.ChipSession, error) {
	query := `SELECT ` + chipColumns + ` FROM chips WHERE tenant_id = $1 ORDER BY created_at`
	return s.queryChips(ctx, "store.ListChips", tenantID, query, tenantID)
}

func (s *PostgresStore) CountChips(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.exec(ctx, "store.CountChips", tenantID, func() error {
		return s.db.QueryRow(ctx, `SELECT COUNT(*) FROM chips WHERE tenant_id = $1`, tenantID).Scan(&n)
	})
	return n, err
}

func (s *PostgresStore) ListChipsByStatus(ctx context.Context, status models.ChipStatus, updatedBefore time.Time) ([]*models.ChipSession, error) {
	query := `SELECT ` + chipColumns + ` FROM chips WHERE status = $1 AND updated_at < $2 ORDER BY updated_at`
	return s.queryChips(ctx, "store.ListChipsByStatus", string(status), query, status, updatedBefore)
}

func (s *PostgresStore) GetLinkState(ctx context.Context, chipID uuid.UUID) (*models.UpstreamLinkState, error) {
	query := `
		SELECT chip_id, session_name, fingerprint_epoch, phase, last_error, connected_at, disconnected_at, updated_at
		FROM chip_link_states WHERE chip_id = $1
	`
	l := &models.UpstreamLinkState{}
	err := s.exec(ctx, "store.GetLinkState", chipID.String(), func() error {
		return s.db.QueryRow(ctx, query, chipID).Scan(&l.ChipID, &l.SessionName, &l.FingerprintEpoch,
			&l.Phase, &l.LastError, &l.ConnectedAt, &l.DisconnectedAt, &l.UpdatedAt)
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (s *PostgresStore) SaveLinkState(ctx context.Context, state *models.UpstreamLinkState) error {
	query := `
		INSERT INTO chip_link_states (chip_id, session_name, fingerprint_epoch, phase, last_error, connected_at, disconnected_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (chip_id) DO UPDATE SET
			session_name = EXCLUDED.session_name, fingerprint_epoch = EXCLUDED.fingerprint_epoch,
			phase = EXCLUDED.phase, last_error = EXCLUDED.last_error, connected_at = EXCLUDED.connected_at,
			disconnected_at = EXCLUDED.disconnected_at, updated_at = EXCLUDED.updated_at
	`
	err := s.exec(ctx, "store.SaveLinkState", state.ChipID.String(), func() error {
		_, err := s.db.Exec(ctx, query, state.ChipID, state.SessionName, state.FingerprintEpoch, state.Phase,
			state.LastError, state.ConnectedAt, state.DisconnectedAt, state.UpdatedAt)
		return err
	})
	if apperrors.IsInvalidInput(err) {
		return apperrors.New("store.SaveLinkState", state.ChipID.String(), apperrors.ErrNotFound, err)
	}
	return err
}
