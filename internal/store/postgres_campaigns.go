package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	apperrors "github.com/dante-gpu/dante-messaging/internal/errors"
	"github.com/dante-gpu/dante-messaging/internal/models"
)

const campaignColumns = `id, tenant_id, user_id, name, type, template_a, template_b, variables, contact_ids,
	status, pause_reason, settings, contact_count, sent_count, delivered_count, read_count, failed_count,
	credits_consumed, started_at, completed_at, created_at, updated_at`

const messageColumns = `id, campaign_id, contact_id, phone, chip_id, content, variant, status, attempts,
	failure_reason, upstream_id, seq, sent_at, created_at, updated_at`

func scanCampaign(row pgx.Row) (*models.Campaign, error) {
	c := &models.Campaign{}
	var variablesJSON, contactIDsJSON, settingsJSON []byte
	err := row.Scan(&c.ID, &c.TenantID, &c.UserID, &c.Name, &c.Type, &c.TemplateA, &c.TemplateB,
		&variablesJSON, &contactIDsJSON, &c.Status, &c.PauseReason, &settingsJSON,
		&c.ContactCount, &c.SentCount, &c.DeliveredCount, &c.ReadCount, &c.FailedCount,
		&c.CreditsConsumed, &c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(variablesJSON) > 0 {
		if err := json.Unmarshal(variablesJSON, &c.Variables); err != nil {
			return nil, fmt.Errorf("failed to unmarshal variables: %w", err)
		}
	}
	if err := json.Unmarshal(contactIDsJSON, &c.ContactIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal contact ids: %w", err)
	}
	if err := json.Unmarshal(settingsJSON, &c.Settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return c, nil
}

func scanMessage(row pgx.Row) (*models.CampaignMessage, error) {
	m := &models.CampaignMessage{}
	err := row.Scan(&m.ID, &m.CampaignID, &m.ContactID, &m.Phone, &m.ChipID, &m.Content, &m.Variant,
		&m.Status, &m.Attempts, &m.FailureReason, &m.UpstreamID, &m.Seq, &m.SentAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *PostgresStore) SaveCampaign(ctx context.Context, c *models.Campaign) error {
	variablesJSON, err := json.Marshal(c.Variables)
	if err != nil {
		return fmt.Errorf("failed to marshal variables: %w", err)
	}
	contactIDsJSON, err := json.Marshal(c.ContactIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal contact ids: %w", err)
	}
	settingsJSON, err := json.Marshal(c.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	query := `
		INSERT INTO campaigns (` + campaignColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, type = EXCLUDED.type, template_a = EXCLUDED.template_a,
			template_b = EXCLUDED.template_b, variables = EXCLUDED.variables, contact_ids = EXCLUDED.contact_ids,
			status = EXCLUDED.status, pause_reason = EXCLUDED.pause_reason, settings = EXCLUDED.settings,
			contact_count = EXCLUDED.contact_count, sent_count = EXCLUDED.sent_count,
			delivered_count = EXCLUDED.delivered_count, read_count = EXCLUDED.read_count,
			failed_count = EXCLUDED.failed_count, credits_consumed = EXCLUDED.credits_consumed,
			started_at = EXCLUDED.started_at, completed_at = EXCLUDED.completed_at, updated_at = EXCLUDED.updated_at
	`
	return s.exec(ctx, "store.SaveCampaign", c.ID.String(), func() error {
		_, err := s.db.Exec(ctx, query, c.ID, c.TenantID, c.UserID, c.Name, c.Type, c.TemplateA, c.TemplateB,
			variablesJSON, contactIDsJSON, c.Status, c.PauseReason, settingsJSON, c.ContactCount, c.SentCount,
			c.DeliveredCount, c.ReadCount, c.FailedCount, c.CreditsConsumed, c.StartedAt, c.CompletedAt,
			c.CreatedAt, c.UpdatedAt)
		return err
	})
}

func (s *PostgresStore) GetCampaign(ctx context.Context, campaignID uuid.UUID) (*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	var c *models.Campaign
	err := s.exec(ctx, "store.GetCampaign", campaignID.String(), func() error {
		var err error
		c, err = scanCampaign(s.db.QueryRow(ctx, query, campaignID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) ListCampaignsByStatus(ctx context.Context, status models.CampaignStatus) ([]*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE status = $1 ORDER BY created_at`
	var out []*models.Campaign
	err := s.exec(ctx, "store.ListCampaignsByStatus", string(status), func() error {
		out = nil
		rows, err := s.db.Query(ctx, query, status)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			c, err := scanCampaign(rows)
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

// TransitionCampaign locks the campaign row so concurrent pause/cancel/complete calls
// observe each other's result.
func (s *PostgresStore) TransitionCampaign(ctx context.Context, campaignID uuid.UUID, from []models.CampaignStatus, to models.CampaignStatus, reason string) (*models.Campaign, error) {
	var updated *models.Campaign
	err := s.inTx(ctx, "store.TransitionCampaign", campaignID.String(), func(tx pgx.Tx) error {
		c, err := scanCampaign(tx.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1 FOR UPDATE`, campaignID))
		if err != nil {
			return err
		}

		allowed := false
		for _, f := range from {
			if c.Status == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return apperrors.New("store.TransitionCampaign", campaignID.String(), apperrors.ErrInvalidTransition,
				fmt.Errorf("%s -> %s", c.Status, to))
		}

		applyCampaignTransition(c, to, reason, time.Now().UTC())
		_, err = tx.Exec(ctx, `
			UPDATE campaigns SET status = $2, pause_reason = $3, started_at = $4, completed_at = $5, updated_at = $6
			WHERE id = $1`,
			c.ID, c.Status, c.PauseReason, c.StartedAt, c.CompletedAt, c.UpdatedAt)
		if err != nil {
			return err
		}
		updated = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStore) IncrementFailed(ctx context.Context, campaignID uuid.UUID) error {
	return s.exec(ctx, "store.IncrementFailed", campaignID.String(), func() error {
		result, err := s.db.Exec(ctx,
			`UPDATE campaigns SET failed_count = failed_count + 1, updated_at = NOW() WHERE id = $1`, campaignID)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
}

// CreateMessages inserts the batch in one transaction. A concurrent prepare of the same
// campaign loses on the (campaign_id, contact_id) unique constraint.
func (s *PostgresStore) CreateMessages(ctx context.Context, campaignID uuid.UUID, messages []*models.CampaignMessage) error {
	query := `INSERT INTO campaign_messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	return s.inTx(ctx, "store.CreateMessages", campaignID.String(), func(tx pgx.Tx) error {
		var existing int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM campaign_messages WHERE campaign_id = $1`, campaignID).Scan(&existing); err != nil {
			return err
		}
		if existing > 0 {
			return apperrors.New("store.CreateMessages", campaignID.String(), apperrors.ErrAlreadyExists, nil)
		}

		batch := &pgx.Batch{}
		for _, m := range messages {
			batch.Queue(query, m.ID, m.CampaignID, m.ContactID, m.Phone, m.ChipID, m.Content, m.Variant,
				m.Status, m.Attempts, m.FailureReason, m.UpstreamID, m.Seq, m.SentAt, m.CreatedAt, m.UpdatedAt)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *PostgresStore) ListMessages(ctx context.Context, campaignID uuid.UUID) ([]*models.CampaignMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM campaign_messages WHERE campaign_id = $1 ORDER BY seq`
	var out []*models.CampaignMessage
	err := s.exec(ctx, "store.ListMessages", campaignID.String(), func() error {
		out = nil
		rows, err := s.db.Query(ctx, query, campaignID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID uuid.UUID) (*models.CampaignMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM campaign_messages WHERE id = $1`
	var m *models.CampaignMessage
	err := s.exec(ctx, "store.GetMessage", messageID.String(), func() error {
		var err error
		m, err = scanMessage(s.db.QueryRow(ctx, query, messageID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *PostgresStore) UpdateMessage(ctx context.Context, m *models.CampaignMessage) error {
	return s.inTx(ctx, "store.UpdateMessage", m.ID.String(), func(tx pgx.Tx) error {
		var current models.MessageStatus
		if err := tx.QueryRow(ctx, `SELECT status FROM campaign_messages WHERE id = $1 FOR UPDATE`, m.ID).Scan(&current); err != nil {
			return err
		}
		if current != m.Status && !current.CanAdvance(m.Status) {
			return apperrors.New("store.UpdateMessage", m.ID.String(), apperrors.ErrInvalidTransition,
				fmt.Errorf("%s -> %s", current, m.Status))
		}
		_, err := tx.Exec(ctx, `
			UPDATE campaign_messages
			SET chip_id = $2, content = $3, status = $4, attempts = $5, failure_reason = $6,
			    upstream_id = $7, sent_at = $8, updated_at = NOW()
			WHERE id = $1`,
			m.ID, m.ChipID, m.Content, m.Status, m.Attempts, m.FailureReason, m.UpstreamID, m.SentAt)
		return err
	})
}
