package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/bibliostore/srs/internal/records"
)

// PostgreSQL error codes inspected by classify.
const (
	pqForeignKeyViolation  = "23503"
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqTooManyConnections   = "53300"
	pqQueryCanceled        = "57014"

	// actualRecordIndex enforces a single ACTUAL row per matched id.
	actualRecordIndex = "idx_records_matched_id_actual"
	// recordSnapshotForeignKey links records to snapshots.
	recordSnapshotForeignKey = "fk_records_snapshot"
)

// classify maps driver and database/sql failures onto the record error kinds.
// Errors already carrying a kind, and errors with no known mapping, are returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, records.ErrNotFound) || errors.Is(err, records.ErrBadRequest) ||
		errors.Is(err, records.ErrTransient) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == pqForeignKeyViolation && pqErr.Constraint == recordSnapshotForeignKey:
			return fmt.Errorf("%w: %w", records.ErrNotFound, err)
		case pqErr.Code == pqUniqueViolation && pqErr.Constraint == actualRecordIndex:
			// A concurrent save promoted another row of the same matched id; retrying resolves it.
			return fmt.Errorf("%w: %w", records.ErrTransient, err)
		case isTransientCode(string(pqErr.Code)):
			return fmt.Errorf("%w: %w", records.ErrTransient, err)
		}

		return err
	}

	if isDatabaseConnectionError(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", records.ErrTransient, err)
	}

	return err
}

func isTransientCode(code string) bool {
	switch code {
	case pqSerializationFailure, pqDeadlockDetected, pqTooManyConnections, pqQueryCanceled:
		return true
	}

	// Class 08 = Connection Exception, class 57P = operator intervention (shutdown, crash).
	return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "57P")
}

// isDatabaseConnectionError checks if an error indicates database connection failure.
// Uses PostgreSQL error codes (Class 08) and standard database/sql errors.
func isDatabaseConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}
