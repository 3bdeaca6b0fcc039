package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/dante-gpu/dante-messaging/internal/models"
)

const identityColumns = `id, provider_ref, url_template, type, region, health_score, bytes_used, cost_per_gb, active, updated_at`

const assignmentColumns = `id, chip_id, tenant_id, identity_id, sticky_token, assigned_at, released_at`

func scanIdentity(row pgx.Row) (*models.EgressIdentity, error) {
	i := &models.EgressIdentity{}
	err := row.Scan(&i.ID, &i.ProviderRef, &i.URLTemplate, &i.Type, &i.Region, &i.HealthScore,
		&i.BytesUsed, &i.CostPerGB, &i.Active, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return i, nil
}

func scanAssignment(row pgx.Row) (*models.IdentityAssignment, error) {
	a := &models.IdentityAssignment{}
	err := row.Scan(&a.ID, &a.ChipID, &a.TenantID, &a.IdentityID, &a.StickyToken, &a.AssignedAt, &a.ReleasedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *PostgresStore) SaveIdentity(ctx context.Context, identity *models.EgressIdentity) error {
	query := `
		INSERT INTO egress_identities (` + identityColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			provider_ref = EXCLUDED.provider_ref, url_template = EXCLUDED.url_template, type = EXCLUDED.type,
			region = EXCLUDED.region, health_score = EXCLUDED.health_score, bytes_used = EXCLUDED.bytes_used,
			cost_per_gb = EXCLUDED.cost_per_gb, active = EXCLUDED.active, updated_at = EXCLUDED.updated_at
	`
	return s.exec(ctx, "store.SaveIdentity", identity.ID.String(), func() error {
		_, err := s.db.Exec(ctx, query, identity.ID, identity.ProviderRef, identity.URLTemplate, identity.Type,
			identity.Region, identity.HealthScore, identity.BytesUsed, identity.CostPerGB, identity.Active, identity.UpdatedAt)
		return err
	})
}

func (s *PostgresStore) AdjustHealth(ctx context.Context, identityID uuid.UUID, adj models.HealthAdjustment) (*models.EgressIdentity, error) {
	// SET expressions read the pre-update row, so active sees the old score plus delta.
	query := `
		UPDATE egress_identities SET
			health_score = LEAST($3, GREATEST(0, health_score + $2)),
			active = active AND LEAST($3, GREATEST(0, health_score + $2)) >= $4,
			updated_at = $5
		WHERE id = $1
		RETURNING ` + identityColumns
	var identity *models.EgressIdentity
	err := s.exec(ctx, "store.AdjustHealth", identityID.String(), func() error {
		var err error
		identity, err = scanIdentity(s.db.QueryRow(ctx, query, identityID, adj.Delta, adj.Max, adj.Floor, adj.At))
		return err
	})
	if err != nil {
		return nil, err
	}
	return identity, nil
}

func (s *PostgresStore) GetIdentity(ctx context.Context, identityID uuid.UUID) (*models.EgressIdentity, error) {
	query := `SELECT ` + identityColumns + ` FROM egress_identities WHERE id = $1`
	var identity *models.EgressIdentity
	err := s.exec(ctx, "store.GetIdentity", identityID.String(), func() error {
		var err error
		identity, err = scanIdentity(s.db.QueryRow(ctx, query, identityID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return identity, nil
}

func (s *PostgresStore) ListIdentities(ctx context.Context, activeOnly bool) ([]*models.EgressIdentity, error) {
	query := `SELECT ` + identityColumns + ` FROM egress_identities WHERE ($1 = FALSE OR active) ORDER BY id`
	var identities []*models.EgressIdentity
	err := s.exec(ctx, "store.ListIdentities", "", func() error {
		identities = nil
		rows, err := s.db.Query(ctx, query, activeOnly)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			i, err := scanIdentity(rows)
			if err != nil {
				return err
			}
			identities = append(identities, i)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return identities, nil
}

func (s *PostgresStore) queryAssignment(ctx context.Context, op string, chipID uuid.UUID, query string) (*models.IdentityAssignment, error) {
	var a *models.IdentityAssignment
	err := s.exec(ctx, op, chipID.String(), func() error {
		var err error
		a, err = scanAssignment(s.db.QueryRow(ctx, query, chipID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *PostgresStore) GetActiveAssignment(ctx context.Context, chipID uuid.UUID) (*models.IdentityAssignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM identity_assignments WHERE chip_id = $1 AND released_at IS NULL`
	return s.queryAssignment(ctx, "store.GetActiveAssignment", chipID, query)
}

func (s *PostgresStore) LastAssignment(ctx context.Context, chipID uuid.UUID) (*models.IdentityAssignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM identity_assignments WHERE chip_id = $1 ORDER BY assigned_at DESC LIMIT 1`
	return s.queryAssignment(ctx, "store.LastAssignment", chipID, query)
}

func (s *PostgresStore) ListActiveAssignments(ctx context.Context) ([]*models.IdentityAssignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM identity_assignments WHERE released_at IS NULL`
	var out []*models.IdentityAssignment
	err := s.exec(ctx, "store.ListActiveAssignments", "", func() error {
		out = nil
		rows, err := s.db.Query(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			a, err := scanAssignment(rows)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) TokenInUse(ctx context.Context, token string) (bool, error) {
	var exists bool
	err := s.exec(ctx, "store.TokenInUse", token, func() error {
		return s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM identity_assignments WHERE sticky_token = $1 AND released_at IS NULL)`,
			token).Scan(&exists)
	})
	return exists, err
}

// CreateAssignment relies on the partial unique index on chip_id for the one-active rule.
func (s *PostgresStore) CreateAssignment(ctx context.Context, a *models.IdentityAssignment) error {
	query := `INSERT INTO identity_assignments (` + assignmentColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	return s.exec(ctx, "store.CreateAssignment", a.ChipID.String(), func() error {
		_, err := s.db.Exec(ctx, query, a.ID, a.ChipID, a.TenantID, a.IdentityID, a.StickyToken, a.AssignedAt, a.ReleasedAt)
		return err
	})
}

func (s *PostgresStore) ReleaseAssignment(ctx context.Context, chipID uuid.UUID, at time.Time) (*models.IdentityAssignment, error) {
	query := `
		UPDATE identity_assignments SET released_at = $2
		WHERE chip_id = $1 AND released_at IS NULL
		RETURNING ` + assignmentColumns
	var a *models.IdentityAssignment
	err := s.exec(ctx, "store.ReleaseAssignment", chipID.String(), func() error {
		var err error
		a, err = scanAssignment(s.db.QueryRow(ctx, query, chipID, at))
		return err
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *PostgresStore) AddUsage(ctx context.Context, e *models.IdentityUsageEntry) error {
	return s.inTx(ctx, "store.AddUsage", e.IdentityID.String(), func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO identity_usage (id, tenant_id, chip_id, identity_id, bytes, cost, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.ID, e.TenantID, e.ChipID, e.IdentityID, e.Bytes, e.Cost, e.RecordedAt)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE egress_identities SET bytes_used = bytes_used + $2 WHERE id = $1`,
			e.IdentityID, e.Bytes)
		return err
	})
}

func (s *PostgresStore) SumUsage(ctx context.Context, tenantID string, since time.Time) (models.EgressUsage, error) {
	usage := models.EgressUsage{Cost: decimal.Zero}
	err := s.exec(ctx, "store.SumUsage", tenantID, func() error {
		return s.db.QueryRow(ctx, `
			SELECT COALESCE(SUM(bytes), 0), COALESCE(SUM(cost), 0)
			FROM identity_usage WHERE tenant_id = $1 AND recorded_at >= $2`,
			tenantID, since).Scan(&usage.BytesUsed, &usage.Cost)
	})
	return usage, err
}
