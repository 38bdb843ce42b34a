package stream

import (
	"errors"
	"fmt"
)

// Definition validation errors.
var (
	ErrEmptyName            = errors.New("stream table name must not be empty")
	ErrEmptySource          = errors.New("stream table source must not be empty")
	ErrEmptyQuery           = errors.New("stream table query must not be empty")
	ErrBadCDCMode           = errors.New("cdc_mode must be trigger or wal")
	ErrFastPathNeedsTrigger = errors.New("fast path requires cdc_mode = trigger")
)

// Engine-level sentinels.
var (
	// ErrNotFound is returned by stores when a stream table id is unknown.
	ErrNotFound = errors.New("stream table not found")

	// ErrVersionConflict is returned by a compare-and-swap write whose
	// expected schema_version no longer matches the stored one.
	ErrVersionConflict = errors.New("schema version conflict")

	// ErrStalePlan is returned when a compiled plan's schema_version does not
	// match the definition's at apply time. The plan must be recompiled
	// before the next apply.
	ErrStalePlan = errors.New("compiled plan is stale")

	// ErrWriteConflict is returned by optimistic target-store writes that
	// lost a race on the same group key. Callers retry.
	ErrWriteConflict = errors.New("aggregate row write conflict")

	// ErrScannerRequired rejects, at registration time, a query whose
	// non-invertible columns need base-relation rescans in a deployment
	// that has no source scanner. Registering it anyway would let the
	// table drift silently.
	ErrScannerRequired = errors.New("query needs base-relation rescans but no source scanner is configured")
)

// ClassificationError reports that a query's shape disqualifies it from the
// synchronous fast path. Not fatal: the table runs on the batch path until
// its query changes.
type ClassificationError struct {
	Reason string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("query not fast-path eligible: %s", e.Reason)
}

// CompilationError reports that no executable plan could be generated.
// The table's fast path is disabled and the error recorded as last_error.
type CompilationError struct {
	Table string
	Err   error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("compile plan for %s: %v", e.Table, e.Err)
}

func (e *CompilationError) Unwrap() error { return e.Err }

// ApplyError wraps a failure to apply a delta to the target table.
// Transient failures (lock timeout, deadlock, write conflict) are retried by
// the next scheduler tick; persistent ones increment consecutive_failures
// until an operator intervenes or the plan is recompiled.
type ApplyError struct {
	Table     string
	Transient bool
	Err       error
}

func (e *ApplyError) Error() string {
	kind := "persistent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("apply to %s (%s): %v", e.Table, kind, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient apply failure worth retrying.
func IsTransient(err error) bool {
	var ae *ApplyError
	if errors.As(err, &ae) {
		return ae.Transient
	}
	return errors.Is(err, ErrWriteConflict)
}
