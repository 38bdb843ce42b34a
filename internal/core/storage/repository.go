package storage

import (
	"context"

	"github.com/deltaview-lab/deltaview/internal/core/stream"
	"github.com/deltaview-lab/deltaview/internal/plan"
)

// Tx is a transaction against the target store. The fast path runs inside
// the host's own transaction: rollback of the host transaction discards the
// fast-path update with it, so no compensating action exists anywhere.
type Tx interface {
	// GetForUpdate reads one AggregateState row with its row lock held until
	// Commit or Rollback. Concurrent transactions on different keys do not
	// block each other; on the same key they serialize here.
	GetForUpdate(ctx context.Context, tableID string, key stream.GroupKey) (stream.AggregateState, bool, error)

	// Put stages an upsert of one AggregateState row.
	Put(ctx context.Context, tableID string, st stream.AggregateState) error

	// Delete stages removal of one row (accumulators back at identity).
	Delete(ctx context.Context, tableID string, key stream.GroupKey) error

	// AppendChange stages a change-buffer append. A buffered record must
	// commit and roll back with the mutation that produced it, or the batch
	// path would apply changes that never happened.
	AppendChange(ctx context.Context, tableID string, rec stream.ChangeRecord) error

	Commit() error
	Rollback() error
}

// AggregateStore persists the materialized result rows and each table's
// consumed watermark.
//
// Contract: ApplyBatch merges the group deltas and advances the watermark in
// a single transaction. A batch that fails leaves the watermark unmoved, so
// the same changes are re-drained on the next tick; a record at or below the
// watermark is never applied again.
type AggregateStore interface {
	// Begin opens a transaction for fast-path point updates.
	Begin(ctx context.Context) (Tx, error)

	// ApplyBatch merges deltas into the target table and advances the
	// watermark atomically. recomputed, when non-nil, carries full
	// replacement states for rescanned groups (non-invertible columns) and
	// overrides the delta merge for those keys.
	ApplyBatch(
		ctx context.Context,
		tableID string,
		deltas map[stream.GroupKey]*plan.GroupDelta,
		recomputed map[stream.GroupKey]*stream.AggregateState,
		watermark int64,
	) error

	// Watermark returns the position up to which the table's change buffer
	// has been consumed. Zero means nothing consumed yet.
	Watermark(ctx context.Context, tableID string) (int64, error)

	// Load returns all live rows of one target table.
	Load(ctx context.Context, tableID string) (map[stream.GroupKey]stream.AggregateState, error)

	// Replace overwrites rows wholesale; reconciliation writes its
	// recomputation result through here. Keys present in states are
	// replaced, keys in remove are deleted, all in one transaction.
	Replace(ctx context.Context, tableID string, states map[stream.GroupKey]stream.AggregateState, remove []stream.GroupKey) error

	// GroupCount returns the number of live group keys, for the fast path's
	// cardinality guard.
	GroupCount(ctx context.Context, tableID string) (int, error)
}

// ChangeBuffer is the per-table append-only buffer feeding the batch path.
// Appends carry the per-source sequence token; reads return records in
// non-decreasing sequence order.
type ChangeBuffer interface {
	Append(ctx context.Context, tableID string, rec stream.ChangeRecord) error

	// ReadAfter returns up to limit records with Seq > cursor, in order.
	ReadAfter(ctx context.Context, tableID string, cursor int64, limit int) ([]stream.ChangeRecord, error)

	// Prune discards records at or below the consumed watermark.
	Prune(ctx context.Context, tableID string, upTo int64) error
}

// SourceScanner yields the current rows of a base relation, for group
// rescans and reconciliation's full recomputation.
type SourceScanner interface {
	Scan(ctx context.Context, sourceID string, fn func(row map[string]any) error) error
}
