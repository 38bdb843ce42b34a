package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deltaview-lab/deltaview/internal/core/storage"
	"github.com/deltaview-lab/deltaview/internal/core/stream"
	"github.com/deltaview-lab/deltaview/internal/plan"
)

// AggregateAdapter implements storage.AggregateStore using PostgreSQL.
// Batch merges and the watermark write share a single transaction, so a
// crash mid-apply leaves the watermark unmoved and the batch replayable.
type AggregateAdapter struct {
	db *sql.DB
}

// NewAggregateAdapter creates an AggregateAdapter sharing the given connection.
func NewAggregateAdapter(db *sql.DB) *AggregateAdapter {
	return &AggregateAdapter{db: db}
}

// Begin opens a transaction for fast-path point updates. Row locks are taken
// by GetForUpdate and released by Commit or Rollback.
func (a *AggregateAdapter) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("aggregate store: begin tx: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetForUpdate(ctx context.Context, tableID string, key stream.GroupKey) (stream.AggregateState, bool, error) {
	st, err := scanStateRow(t.tx.QueryRowContext(ctx, querySelectStateForUpdate, tableID, string(key)), key)
	if errors.Is(err, sql.ErrNoRows) {
		return stream.AggregateState{Key: key}, false, nil
	}
	if err != nil {
		return st, false, fmt.Errorf("select state for update: %w", err)
	}
	return st, true, nil
}

func (t *pgTx) Put(ctx context.Context, tableID string, st stream.AggregateState) error {
	groupValuesJSON, columnsJSON, err := marshalState(st)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, queryUpsertState,
		tableID, string(st.Key), groupValuesJSON, st.Rows, columnsJSON, st.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert state %s: %w", st.Key, err)
	}
	return nil
}

func (t *pgTx) Delete(ctx context.Context, tableID string, key stream.GroupKey) error {
	if _, err := t.tx.ExecContext(ctx, queryDeleteState, tableID, string(key)); err != nil {
		return fmt.Errorf("delete state %s: %w", key, err)
	}
	return nil
}

// AppendChange writes the change record through the host transaction, so a
// rollback discards the buffered capture with the mutation.
func (t *pgTx) AppendChange(ctx context.Context, tableID string, rec stream.ChangeRecord) error {
	return execAppendChange(ctx, t.tx, tableID, rec)
}

func (t *pgTx) Commit() error   { return t.tx.Commit() }
func (t *pgTx) Rollback() error { return t.tx.Rollback() }

// ApplyBatch merges group deltas into the target table and advances the
// watermark in one transaction. The watermark row is locked first and writes
// are enforced monotonic, which makes replay of an already-consumed batch a
// no-op rather than a double apply.
func (a *AggregateAdapter) ApplyBatch(
	ctx context.Context,
	tableID string,
	deltas map[stream.GroupKey]*plan.GroupDelta,
	recomputed map[stream.GroupKey]*stream.AggregateState,
	watermark int64,
) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply batch: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	durable, err := lockWatermark(ctx, tx, tableID)
	if err != nil {
		return fmt.Errorf("apply batch: %w", err)
	}
	if watermark <= durable {
		slog.Warn("[AggregateAdapter] Skipping stale/no-op batch",
			"table_id", tableID,
			"watermark", watermark,
			"durable_watermark", durable,
			"groups", len(deltas))
		return nil
	}

	now := time.Now().UTC()
	for _, key := range plan.SortedKeys(deltas) {
		// Rescanned groups are replaced wholesale below, not merged.
		if _, rescanned := recomputed[key]; rescanned {
			continue
		}
		st, found, err := getForUpdate(ctx, tx, tableID, key)
		if err != nil {
			return fmt.Errorf("apply batch: %w", err)
		}
		if !found {
			st = stream.AggregateState{Key: key}
		}
		plan.MergeGroupDelta(&st, deltas[key], now)
		if err := writeOrRemove(ctx, tx, tableID, st); err != nil {
			return fmt.Errorf("apply batch: %w", err)
		}
	}

	for _, key := range plan.SortedKeys(recomputed) {
		st := recomputed[key]
		if st == nil || st.Empty() {
			if _, err := tx.ExecContext(ctx, queryDeleteState, tableID, string(key)); err != nil {
				return fmt.Errorf("apply batch: delete rescanned group %s: %w", key, err)
			}
			continue
		}
		replaced := st.Clone()
		replaced.UpdatedAt = now
		if err := putState(ctx, tx, tableID, replaced); err != nil {
			return fmt.Errorf("apply batch: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, queryUpdateWatermark, watermark, now, tableID)
	if err != nil {
		return fmt.Errorf("apply batch: write watermark: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("apply batch: check watermark write: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("apply batch: watermark row missing (table=%s)", tableID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply batch: commit: %w", err)
	}

	slog.Info("[AggregateAdapter] Applied batch",
		"table_id", tableID,
		"groups", len(deltas),
		"rescanned", len(recomputed),
		"watermark", watermark,
	)
	return nil
}

// Watermark returns the table's durable consumed position, 0 when the table
// has never been refreshed.
func (a *AggregateAdapter) Watermark(ctx context.Context, tableID string) (int64, error) {
	var wm int64
	err := a.db.QueryRowContext(ctx, queryReadWatermark, tableID).Scan(&wm)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	return wm, nil
}

// Load returns all live rows of one target table.
func (a *AggregateAdapter) Load(ctx context.Context, tableID string) (map[stream.GroupKey]stream.AggregateState, error) {
	rows, err := a.db.QueryContext(ctx, queryLoadStates, tableID)
	if err != nil {
		return nil, fmt.Errorf("load states: %w", err)
	}
	defer rows.Close()

	out := make(map[stream.GroupKey]stream.AggregateState)
	for rows.Next() {
		var key string
		var groupValuesJSON, columnsJSON []byte
		var st stream.AggregateState
		if err := rows.Scan(&key, &groupValuesJSON, &st.Rows, &columnsJSON, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("load states: scan row: %w", err)
		}
		st.Key = stream.GroupKey(key)
		if len(groupValuesJSON) > 0 {
			if err := unmarshalJSON(groupValuesJSON, &st.GroupValues); err != nil {
				return nil, fmt.Errorf("load states: %w", err)
			}
		}
		if err := unmarshalJSON(columnsJSON, &st.Columns); err != nil {
			return nil, fmt.Errorf("load states: %w", err)
		}
		out[st.Key] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load states: iterate rows: %w", err)
	}
	return out, nil
}

// Replace overwrites rows wholesale in one transaction; reconciliation
// writes its recomputation result through here.
func (a *AggregateAdapter) Replace(
	ctx context.Context,
	tableID string,
	states map[stream.GroupKey]stream.AggregateState,
	remove []stream.GroupKey,
) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace states: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, key := range plan.SortedKeys(states) {
		if err := putState(ctx, tx, tableID, states[key]); err != nil {
			return fmt.Errorf("replace states: %w", err)
		}
	}
	for _, key := range remove {
		if _, err := tx.ExecContext(ctx, queryDeleteState, tableID, string(key)); err != nil {
			return fmt.Errorf("replace states: delete %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace states: commit: %w", err)
	}
	return nil
}

// GroupCount returns the number of live group keys.
func (a *AggregateAdapter) GroupCount(ctx context.Context, tableID string) (int, error) {
	var n int
	if err := a.db.QueryRowContext(ctx, queryCountGroups, tableID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count groups: %w", err)
	}
	return n, nil
}

// lockWatermark locks the table's watermark row, creating it on first use,
// and returns the durable position.
func lockWatermark(ctx context.Context, tx *sql.Tx, tableID string) (int64, error) {
	var durable int64
	err := tx.QueryRowContext(ctx, querySelectWatermarkForUpdate, tableID).Scan(&durable)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx, queryInitWatermarkRow, tableID, time.Now().UTC()); err != nil {
			return 0, fmt.Errorf("init watermark row: %w", err)
		}
		err = tx.QueryRowContext(ctx, querySelectWatermarkForUpdate, tableID).Scan(&durable)
		if err != nil {
			return 0, fmt.Errorf("read initialized watermark for update: %w", err)
		}
		return durable, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark for update: %w", err)
	}
	return durable, nil
}

func getForUpdate(ctx context.Context, tx *sql.Tx, tableID string, key stream.GroupKey) (stream.AggregateState, bool, error) {
	st, err := scanStateRow(tx.QueryRowContext(ctx, querySelectStateForUpdate, tableID, string(key)), key)
	if errors.Is(err, sql.ErrNoRows) {
		return stream.AggregateState{Key: key}, false, nil
	}
	if err != nil {
		return st, false, err
	}
	return st, true, nil
}

func putState(ctx context.Context, tx *sql.Tx, tableID string, st stream.AggregateState) error {
	groupValuesJSON, columnsJSON, err := marshalState(st)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, queryUpsertState,
		tableID, string(st.Key), groupValuesJSON, st.Rows, columnsJSON, st.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert state %s: %w", st.Key, err)
	}
	return nil
}

// writeOrRemove upserts a live state or deletes one whose row count has
// returned to zero.
func writeOrRemove(ctx context.Context, tx *sql.Tx, tableID string, st stream.AggregateState) error {
	if st.Empty() {
		if _, err := tx.ExecContext(ctx, queryDeleteState, tableID, string(st.Key)); err != nil {
			return fmt.Errorf("delete emptied group %s: %w", st.Key, err)
		}
		return nil
	}
	return putState(ctx, tx, tableID, st)
}
