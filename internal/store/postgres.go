package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/dante-gpu/dante-messaging/internal/models"
	"github.com/dante-gpu/dante-messaging/internal/retryer"
)

// PostgresStore implements Store using a PostgreSQL database.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
	policy retryer.Policy
}

// NewPostgresStore creates a new PostgresStore.
// It expects a connected pgxpool.Pool.
func NewPostgresStore(db *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
		policy: retryer.DefaultPolicy(),
	}
}

// Initialize creates the necessary database tables
func (s *PostgresStore) Initialize(ctx context.Context) error {
	queries := []string{
		createTenantsTable,
		createContactsTable,
		createChipsTable,
		createChipLinkStatesTable,
		createEgressIdentitiesTable,
		createIdentityAssignmentsTable,
		createIdentityUsageTable,
		createCampaignsTable,
		createCampaignMessagesTable,
		createCreditAccountsTable,
		createCreditLedgerTable,
		createWarmupCohortsTable,
		createHeatUpStatesTable,
		createIndexes,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	s.logger.Info("Database tables initialized successfully")
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// exec runs fn under the retry policy and maps the final error.
func (s *PostgresStore) exec(ctx context.Context, op, entity string, fn func() error) error {
	return mapDBError(op, entity, retryer.Do(ctx, s.logger, s.policy, op, fn))
}

// inTx runs fn in a transaction, retrying the whole transaction on transient errors
// such as serialization failures and deadlocks.
func (s *PostgresStore) inTx(ctx context.Context, op, entity string, fn func(tx pgx.Tx) error) error {
	return s.exec(ctx, op, entity, func() error {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// Tenants

func (s *PostgresStore) SaveTenant(ctx context.Context, tenant *models.Tenant) error {
	query := `
		INSERT INTO tenants (id, owner_user_id, region, plan_name, max_chips, egress_bytes_per_month, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			owner_user_id = EXCLUDED.owner_user_id, region = EXCLUDED.region, plan_name = EXCLUDED.plan_name,
			max_chips = EXCLUDED.max_chips, egress_bytes_per_month = EXCLUDED.egress_bytes_per_month
	`
	return s.exec(ctx, "store.SaveTenant", tenant.ID, func() error {
		_, err := s.db.Exec(ctx, query, tenant.ID, tenant.OwnerUserID, tenant.Region,
			tenant.Plan.Name, tenant.Plan.MaxChips, tenant.Plan.EgressBytesPerMonth, tenant.CreatedAt)
		return err
	})
}

func (s *PostgresStore) GetTenant(ctx context.Context, tenantID string) (*models.Tenant, error) {
	query := `
		SELECT id, owner_user_id, region, plan_name, max_chips, egress_bytes_per_month, created_at
		FROM tenants WHERE id = $1
	`
	t := &models.Tenant{}
	err := s.exec(ctx, "store.GetTenant", tenantID, func() error {
		return s.db.QueryRow(ctx, query, tenantID).Scan(&t.ID, &t.OwnerUserID, &t.Region,
			&t.Plan.Name, &t.Plan.MaxChips, &t.Plan.EgressBytesPerMonth, &t.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PostgresStore) SaveContact(ctx context.Context, contact *models.Contact) error {
	fieldsJSON, err := json.Marshal(contact.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal contact fields: %w", err)
	}
	query := `
		INSERT INTO contacts (id, tenant_id, name, phone, fields)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, phone = EXCLUDED.phone, fields = EXCLUDED.fields
	`
	return s.exec(ctx, "store.SaveContact", contact.ID, func() error {
		_, err := s.db.Exec(ctx, query, contact.ID, contact.TenantID, contact.Name, contact.Phone, fieldsJSON)
		return err
	})
}

func (s *PostgresStore) GetContacts(ctx context.Context, tenantID string, ids []string) ([]*models.Contact, error) {
	query := `SELECT id, tenant_id, name, phone, fields FROM contacts WHERE tenant_id = $1 AND id = ANY($2)`

	byID := make(map[string]*models.Contact, len(ids))
	err := s.exec(ctx, "store.GetContacts", tenantID, func() error {
		rows, err := s.db.Query(ctx, query, tenantID, ids)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			c := &models.Contact{}
			var fieldsJSON []byte
			if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &c.Phone, &fieldsJSON); err != nil {
				return err
			}
			if len(fieldsJSON) > 0 {
				if err := json.Unmarshal(fieldsJSON, &c.Fields); err != nil {
					return fmt.Errorf("failed to unmarshal contact fields: %w", err)
				}
			}
			byID[c.ID] = c
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	out := make([]*models.Contact, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}
