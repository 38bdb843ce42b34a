package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/deltaview-lab/deltaview/internal/core/stream"
)

// BufferAdapter implements storage.ChangeBuffer over the change_records
// table. Appends are idempotent on (table_id, seq), which absorbs the WAL
// path's at-least-once delivery.
type BufferAdapter struct {
	db *sql.DB
}

// NewBufferAdapter creates a BufferAdapter sharing the given connection.
func NewBufferAdapter(db *sql.DB) *BufferAdapter {
	return &BufferAdapter{db: db}
}

// Append stores one change record. A record already present at the same
// sequence is silently dropped.
func (a *BufferAdapter) Append(ctx context.Context, tableID string, rec stream.ChangeRecord) error {
	return execAppendChange(ctx, a.db, tableID, rec)
}

// execer is satisfied by both *sql.DB and *sql.Tx, so trigger-mode appends
// can run on the host's transaction (see pgTx.AppendChange).
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execAppendChange(ctx context.Context, ex execer, tableID string, rec stream.ChangeRecord) error {
	var beforeJSON, afterJSON []byte
	var err error
	if rec.Before != nil {
		if beforeJSON, err = json.Marshal(rec.Before); err != nil {
			return fmt.Errorf("append change: marshal before image: %w", err)
		}
	}
	if rec.After != nil {
		if afterJSON, err = json.Marshal(rec.After); err != nil {
			return fmt.Errorf("append change: marshal after image: %w", err)
		}
	}

	res, err := ex.ExecContext(ctx, queryAppendChange,
		tableID, rec.Seq, rec.SourceID, string(rec.Op), beforeJSON, afterJSON, rec.TxID,
	)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		slog.Debug("[BufferAdapter] Dropped duplicate change record",
			"table_id", tableID, "seq", rec.Seq)
	}
	return nil
}

// ReadAfter returns up to limit records with seq > cursor in sequence order.
func (a *BufferAdapter) ReadAfter(ctx context.Context, tableID string, cursor int64, limit int) ([]stream.ChangeRecord, error) {
	rows, err := a.db.QueryContext(ctx, queryReadChangesAfter, tableID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("read changes after %d: %w", cursor, err)
	}
	defer rows.Close()

	var recs []stream.ChangeRecord
	for rows.Next() {
		rec, err := scanChangeRow(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change records: %w", err)
	}
	return recs, nil
}

// Prune discards records at or below the consumed watermark.
func (a *BufferAdapter) Prune(ctx context.Context, tableID string, upTo int64) error {
	res, err := a.db.ExecContext(ctx, queryPruneChanges, tableID, upTo)
	if err != nil {
		return fmt.Errorf("prune changes: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		slog.Debug("[BufferAdapter] Pruned consumed change records",
			"table_id", tableID, "up_to", upTo, "pruned", n)
	}
	return nil
}
