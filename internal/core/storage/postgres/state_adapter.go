package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deltaview-lab/deltaview/internal/core/stream"
)

// StateAdapter implements storage.StateStore over the stream_tables catalog.
// Writes are compare-and-swap on schema_version; a lost race surfaces as
// stream.ErrVersionConflict and the caller re-reads.
type StateAdapter struct {
	db *sql.DB
}

// NewStateAdapter creates a StateAdapter sharing the given connection.
func NewStateAdapter(db *sql.DB) *StateAdapter {
	return &StateAdapter{db: db}
}

// Get returns one definition by id.
func (a *StateAdapter) Get(ctx context.Context, id string) (stream.StreamTableDefinition, error) {
	def, err := scanDefinitionRow(a.db.QueryRowContext(ctx, queryGetDefinition, id))
	if errors.Is(err, sql.ErrNoRows) {
		return def, fmt.Errorf("%w: %s", stream.ErrNotFound, id)
	}
	if err != nil {
		return def, fmt.Errorf("get definition %s: %w", id, err)
	}
	return def, nil
}

// Put inserts or CAS-updates a definition. For a new record expectedVersion
// is the definition's own initial version; for an existing record the write
// succeeds only while the stored schema_version still equals expectedVersion.
func (a *StateAdapter) Put(ctx context.Context, def stream.StreamTableDefinition, expectedVersion int64) error {
	now := def.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	res, err := a.db.ExecContext(ctx, queryInsertDefinition,
		def.ID,
		def.Name,
		def.SourceID,
		def.Query,
		def.CDCMode,
		def.TargetRel,
		def.FastPathEnabled,
		def.CompiledPlan,
		def.SchemaVersion,
		def.LastError,
		def.ConsecutiveFailures,
		def.TickInterval.Milliseconds(),
		def.ReconcileInterval.Milliseconds(),
		def.CardinalityThreshold,
		def.Fingerprint,
		now,
	)
	if err != nil {
		return fmt.Errorf("insert definition %s: %w", def.Name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		slog.Debug("[StateAdapter] Inserted definition", "table", def.Name, "schema_version", def.SchemaVersion)
		return nil
	}

	// Row exists: CAS update gated on the expected version.
	res, err = a.db.ExecContext(ctx, queryUpdateDefinition,
		def.ID,
		def.Name,
		def.SourceID,
		def.Query,
		def.CDCMode,
		def.TargetRel,
		def.FastPathEnabled,
		def.CompiledPlan,
		def.SchemaVersion,
		def.LastError,
		def.ConsecutiveFailures,
		def.TickInterval.Milliseconds(),
		def.ReconcileInterval.Milliseconds(),
		def.CardinalityThreshold,
		def.Fingerprint,
		now,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update definition %s: %w", def.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update definition %s: check write: %w", def.Name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s expected schema_version %d", stream.ErrVersionConflict, def.Name, expectedVersion)
	}
	return nil
}

// List returns all registered definitions ordered by name.
func (a *StateAdapter) List(ctx context.Context) ([]stream.StreamTableDefinition, error) {
	rows, err := a.db.QueryContext(ctx, queryListDefinitions)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var defs []stream.StreamTableDefinition
	for rows.Next() {
		def, err := scanDefinitionRow(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate definitions: %w", err)
	}
	return defs, nil
}
