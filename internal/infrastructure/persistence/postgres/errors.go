package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alem-hub/gamification-engine/internal/domain/shared"
)

var (
	// ErrConnectionClosed indicates the connection pool is closed.
	ErrConnectionClosed = errors.New("postgres: connection pool is closed")

	// ErrMigrationFailed indicates a migration failure.
	ErrMigrationFailed = errors.New("postgres: migration failed")
)

// SQLSTATE codes the store reacts to.
const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

func sqlState(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, true
	}
	return "", false
}

// IsUniqueViolation checks if the error is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	code, ok := sqlState(err)
	return ok && code == codeUniqueViolation
}

// IsForeignKeyViolation checks if the error is a foreign key violation.
func IsForeignKeyViolation(err error) bool {
	code, ok := sqlState(err)
	return ok && code == codeForeignKeyViolation
}

// IsNoRows checks if the error is a "no rows" error.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsSerializationFailure reports a lost concurrent update.
func IsSerializationFailure(err error) bool {
	code, ok := sqlState(err)
	return ok && (code == codeSerializationFailure || code == codeDeadlockDetected)
}

// IsConnectionError reports failures to reach the server at all.
func IsConnectionError(err error) bool {
	if errors.Is(err, ErrConnectionClosed) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	if code, ok := sqlState(err); ok {
		// Class 08: connection exception. 57P01..57P03: shutdown in progress.
		return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "57P0")
	}
	return pgconn.SafeToRetry(err)
}

// TranslateError maps driver errors onto the engine's error kinds.
// Errors that already carry a domain kind pass through unchanged.
func TranslateError(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *shared.DomainError
	if errors.As(err, &de) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case IsSerializationFailure(err):
		return shared.WrapError("postgres", op, shared.ErrConcurrencyConflict, "concurrent update", err)
	case IsConnectionError(err):
		return shared.WrapError("postgres", op, shared.ErrStoreUnavailable, "database unavailable", err)
	}
	return err
}
