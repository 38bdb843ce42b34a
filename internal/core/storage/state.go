package storage

import (
	"context"

	"github.com/deltaview-lab/deltaview/internal/core/stream"
)

// StateStore persists per-stream-table status: the compiled plan descriptor,
// fast-path flag, schema version and failure counters. The catalog owns the
// records; this engine writes through.
//
// Put is compare-and-swap on schema_version: a write whose expectedVersion
// does not match the stored record fails with stream.ErrVersionConflict, so
// a stale actor can never clobber a newer definition. The stored version
// after a successful Put is def.SchemaVersion (the caller bumps it for DDL
// and query changes, and leaves it for status-only writes).
type StateStore interface {
	Get(ctx context.Context, id string) (stream.StreamTableDefinition, error)

	Put(ctx context.Context, def stream.StreamTableDefinition, expectedVersion int64) error

	List(ctx context.Context) ([]stream.StreamTableDefinition, error)
}
