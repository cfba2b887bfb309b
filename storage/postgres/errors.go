package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/plone/guillotina-sub001"
)

// SQLSTATE codes the storage classifies.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeReadOnlyTransaction  = "25006"
	codeAdminShutdown        = "57P01"
	classConnectionException = "08"
)

// mapError translates driver errors into the root package sentinels. The driver error
// stays in the chain.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		var connErr *pgconn.ConnectError
		if errors.As(err, &connErr) {
			return guillotina.Error{Code: guillotina.StorageUnavailable, Err: err}
		}
		return err
	}
	switch {
	case pgErr.Code == codeSerializationFailure, pgErr.Code == codeDeadlockDetected:
		return fmt.Errorf("%w: %w", guillotina.ErrConflict, err)
	case pgErr.Code == codeUniqueViolation:
		return fmt.Errorf("%w: %w", guillotina.ErrConflictIDOnContainer, err)
	case pgErr.Code == codeForeignKeyViolation:
		return fmt.Errorf("%w: %w", guillotina.ErrTIDConflict, err)
	case pgErr.Code == codeReadOnlyTransaction:
		return fmt.Errorf("%w: %w", guillotina.ErrReadOnly, err)
	case pgErr.Code == codeAdminShutdown, strings.HasPrefix(pgErr.Code, classConnectionException):
		return guillotina.Error{Code: guillotina.StorageUnavailable, Err: err}
	}
	return err
}
