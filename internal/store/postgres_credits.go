package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/dante-gpu/dante-messaging/internal/errors"
	"github.com/dante-gpu/dante-messaging/internal/models"
)

func (s *PostgresStore) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	balance := decimal.Zero
	err := s.exec(ctx, "store.Balance", userID, func() error {
		err := s.db.QueryRow(ctx, `SELECT balance FROM credit_accounts WHERE user_id = $1`, userID).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	})
	return balance, err
}

// Credit upserts the account row; the upsert takes the row lock, so the returned
// balance is the one this entry produced.
func (s *PostgresStore) Credit(ctx context.Context, userID string, amount decimal.Decimal, source, reference string) (*models.CreditLedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, apperrors.Invalid("store.Credit", userID, "credit amount must be positive, got %s", amount)
	}

	var entry *models.CreditLedgerEntry
	err := s.inTx(ctx, "store.Credit", userID, func(tx pgx.Tx) error {
		var after decimal.Decimal
		err := tx.QueryRow(ctx, `
			INSERT INTO credit_accounts (user_id, balance, updated_at) VALUES ($1, $2, NOW())
			ON CONFLICT (user_id) DO UPDATE SET balance = credit_accounts.balance + EXCLUDED.balance, updated_at = NOW()
			RETURNING balance`, userID, amount).Scan(&after)
		if err != nil {
			return err
		}
		entry, err = insertLedgerEntry(ctx, tx, userID, amount, after, source, reference)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Credits added",
		zap.String("user_id", userID),
		zap.String("amount", amount.String()),
		zap.String("balance_after", entry.BalanceAfter.String()),
	)
	return entry, nil
}

// CommitSend serializes on the user's credit_accounts row. The debit, the ledger entry,
// the message status and the campaign counters commit together or not at all.
func (s *PostgresStore) CommitSend(ctx context.Context, commit models.SendCommit) (*models.CreditLedgerEntry, error) {
	var entry *models.CreditLedgerEntry
	err := s.inTx(ctx, "store.CommitSend", commit.MessageID.String(), func(tx pgx.Tx) error {
		balance := decimal.Zero
		err := tx.QueryRow(ctx, `SELECT balance FROM credit_accounts WHERE user_id = $1 FOR UPDATE`, commit.UserID).Scan(&balance)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if balance.LessThan(commit.Amount) || !balance.IsPositive() {
			return apperrors.New("store.CommitSend", commit.UserID, apperrors.ErrInsufficientCredits,
				fmt.Errorf("balance %s, required %s", balance, commit.Amount))
		}

		var status models.MessageStatus
		if err := tx.QueryRow(ctx, `SELECT status FROM campaign_messages WHERE id = $1 FOR UPDATE`, commit.MessageID).Scan(&status); err != nil {
			return err
		}
		if status != models.MessageSending {
			return apperrors.New("store.CommitSend", commit.MessageID.String(), apperrors.ErrInvalidTransition,
				fmt.Errorf("message is %s, not sending", status))
		}

		after := balance.Sub(commit.Amount)
		if _, err := tx.Exec(ctx, `UPDATE credit_accounts SET balance = $2, updated_at = NOW() WHERE user_id = $1`,
			commit.UserID, after); err != nil {
			return err
		}
		entry, err = insertLedgerEntry(ctx, tx, commit.UserID, commit.Amount.Neg(), after,
			models.LedgerSourceCampaignSend, commit.MessageID.String())
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE campaign_messages
			SET status = $2, sent_at = $3, upstream_id = $4, failure_reason = '', updated_at = $3
			WHERE id = $1`,
			commit.MessageID, models.MessageSent, commit.SentAt, commit.UpstreamID); err != nil {
			return err
		}

		result, err := tx.Exec(ctx, `
			UPDATE campaigns
			SET sent_count = sent_count + 1, credits_consumed = credits_consumed + $2, updated_at = $3
			WHERE id = $1`,
			commit.CampaignID, commit.Amount.IntPart(), commit.SentAt)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func insertLedgerEntry(ctx context.Context, tx pgx.Tx, userID string, amount, after decimal.Decimal, source, reference string) (*models.CreditLedgerEntry, error) {
	entry := &models.CreditLedgerEntry{
		ID:           uuid.New(),
		UserID:       userID,
		Amount:       amount,
		BalanceAfter: after,
		Source:       source,
		Reference:    reference,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_ledger (id, user_id, amount, balance_after, source, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.UserID, entry.Amount, entry.BalanceAfter, entry.Source, entry.Reference, entry.CreatedAt)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *PostgresStore) ListLedger(ctx context.Context, userID string) ([]*models.CreditLedgerEntry, error) {
	query := `
		SELECT id, user_id, amount, balance_after, source, reference, created_at
		FROM credit_ledger WHERE user_id = $1 ORDER BY seq
	`
	var out []*models.CreditLedgerEntry
	err := s.exec(ctx, "store.ListLedger", userID, func() error {
		out = nil
		rows, err := s.db.Query(ctx, query, userID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			e := &models.CreditLedgerEntry{}
			if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.BalanceAfter, &e.Source, &e.Reference, &e.CreatedAt); err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
