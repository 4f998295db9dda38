// Copyright 2025 James Ross
package store

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a lookup by key finds no row.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateJob is returned by Enqueue when a non-terminal job already
	// exists for the (repo_id, job_type, mode) family.
	ErrDuplicateJob = errors.New("store: duplicate job family")
	// ErrLeaseConflict is returned when a guarded update affects zero rows
	// because the lease was stolen or the row already moved to a terminal state.
	ErrLeaseConflict = errors.New("store: lease conflict")
	// ErrWatermarkRegression is returned when a proposed watermark advance
	// would move the cursor backward.
	ErrWatermarkRegression = errors.New("store: watermark regression")
)

// pqQueryCanceled is the Postgres error code for query_canceled, raised when
// a statement exceeds statement_timeout.
const pqQueryCanceled = "57014"

// IsStatementTimeout reports whether err is a Postgres query_canceled error,
// distinguishing a transient timeout from a genuine lease conflict or a
// harder database error.
func IsStatementTimeout(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqQueryCanceled
	}
	return false
}
