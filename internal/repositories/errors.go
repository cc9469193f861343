package repositories

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sbilibin2017/gw-user-records/internal/errs"
)

// Postgres SQLSTATE codes surfaced as typed errors.
const (
	uniqueViolationCode = "23505"
	checkViolationCode  = "23514"
)

// constraintFields maps users table constraint names to the offending field.
var constraintFields = map[string]string{
	"users_username_key":          "username",
	"users_email_key":             "email",
	"users_timestamps_check":      "updated_at",
	"users_location_object_check": "location",
}

func asPgError(err error) (*pgconn.PgError, bool) {
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// translateError converts a store error into the errs taxonomy.
// Errors already in the taxonomy pass through unchanged.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errs.ErrValidation) ||
		errors.Is(err, errs.ErrUniquenessViolation) ||
		errors.Is(err, errs.ErrNotFound) ||
		errors.Is(err, errs.ErrStorageUnavailable) {
		return err
	}

	if pe, ok := asPgError(err); ok {
		switch pe.Code {
		case uniqueViolationCode:
			return &errs.UniquenessViolationError{
				Field:      constraintFields[pe.ConstraintName],
				Constraint: pe.ConstraintName,
			}
		case checkViolationCode:
			field := constraintFields[pe.ConstraintName]
			if field == "" {
				field = pe.ConstraintName
			}
			return errs.NewValidationError(field, pe.Message)
		}
	}

	return &errs.StorageError{Op: op, Err: err}
}
