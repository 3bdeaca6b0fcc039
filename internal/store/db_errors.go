package store

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/dante-gpu/dante-messaging/internal/errors"
)

// Common database error codes
const (
	PgUniqueViolation     = "23505" // unique_violation
	PgForeignKeyViolation = "23503" // foreign_key_violation
	PgCheckViolation      = "23514" // check_violation
)

// mapDBError translates driver errors into the application's error kinds.
// Errors that do not map to a kind are wrapped as ErrDatabase.
func mapDBError(op, entity string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.New(op, entity, apperrors.ErrNotFound, nil)
	}

	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case PgUniqueViolation:
			return apperrors.New(op, entity, apperrors.ErrAlreadyExists, err)
		case PgForeignKeyViolation, PgCheckViolation:
			return apperrors.New(op, entity, apperrors.ErrInvalidInput, err)
		}
	}
	return apperrors.New(op, entity, apperrors.ErrDatabase, err)
}
