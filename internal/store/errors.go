package store

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/roach88/steptrace/internal/trace"
)

// isConstraintViolation reports whether err is a unique, check, not-null or
// foreign key violation from either engine.
func isConstraintViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		// Class 23: integrity constraint violation.
		return pe.Code.Class() == "23"
	}
	return false
}

// wrapWriteErr classifies a failure inside an ingest transaction.
// Constraint violations the upsert keys did not absorb become
// STORAGE_CONFLICT; everything else is wrapped with the operation name.
func wrapWriteErr(op, entity, id string, err error) error {
	if err == nil {
		return nil
	}
	var te *trace.Error
	if errors.As(err, &te) {
		return err
	}
	if isConstraintViolation(err) {
		return trace.NewStorageConflict(entity, id, "constraint violation", err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
