package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/deltaview-lab/deltaview/internal/core/stream"
)

type scanner interface {
	Scan(dest ...interface{}) error
}

func unmarshalJSON(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to unmarshal %T: %w", dst, err)
	}
	return nil
}

// marshalState serializes an AggregateState's JSON columns for storage.
// Nil group values (ungrouped singleton) produce SQL NULL rather than the
// JSON "null" string.
func marshalState(st stream.AggregateState) (groupValuesJSON, columnsJSON []byte, err error) {
	if len(st.GroupValues) > 0 {
		groupValuesJSON, err = json.Marshal(st.GroupValues)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal group values: %w", err)
		}
	}

	columnsJSON, err = json.Marshal(st.Columns)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal columns: %w", err)
	}

	return groupValuesJSON, columnsJSON, nil
}

// scanStateRow scans an aggregate_states row whose group_key is already known.
// Compatible with both sql.Row (single) and sql.Rows (multiple).
func scanStateRow(row scanner, key stream.GroupKey) (stream.AggregateState, error) {
	st := stream.AggregateState{Key: key}
	var groupValuesJSON, columnsJSON []byte

	if err := row.Scan(&groupValuesJSON, &st.Rows, &columnsJSON, &st.UpdatedAt); err != nil {
		return st, fmt.Errorf("failed to scan aggregate state row: %w", err)
	}

	if len(groupValuesJSON) > 0 {
		if err := json.Unmarshal(groupValuesJSON, &st.GroupValues); err != nil {
			return st, fmt.Errorf("failed to unmarshal group values: %w", err)
		}
	}
	if err := json.Unmarshal(columnsJSON, &st.Columns); err != nil {
		return st, fmt.Errorf("failed to unmarshal columns: %w", err)
	}
	return st, nil
}

// scanChangeRow scans a change_records row.
func scanChangeRow(row scanner) (stream.ChangeRecord, error) {
	var rec stream.ChangeRecord
	var op string
	var beforeJSON, afterJSON []byte

	if err := row.Scan(&rec.Seq, &rec.SourceID, &op, &beforeJSON, &afterJSON, &rec.TxID); err != nil {
		return rec, fmt.Errorf("failed to scan change record row: %w", err)
	}
	rec.Op = stream.ChangeOp(op)

	if len(beforeJSON) > 0 {
		if err := json.Unmarshal(beforeJSON, &rec.Before); err != nil {
			return rec, fmt.Errorf("failed to unmarshal before image: %w", err)
		}
	}
	if len(afterJSON) > 0 {
		if err := json.Unmarshal(afterJSON, &rec.After); err != nil {
			return rec, fmt.Errorf("failed to unmarshal after image: %w", err)
		}
	}
	return rec, nil
}

// definitionRow adapts the stream_tables columns to StreamTableDefinition.
// Intervals are stored in milliseconds.
type definitionRow struct {
	tickMs      int64
	reconcileMs int64
}

func scanDefinitionRow(row scanner) (stream.StreamTableDefinition, error) {
	var def stream.StreamTableDefinition
	var dr definitionRow

	if err := row.Scan(
		&def.ID,
		&def.Name,
		&def.SourceID,
		&def.Query,
		&def.CDCMode,
		&def.TargetRel,
		&def.FastPathEnabled,
		&def.CompiledPlan,
		&def.SchemaVersion,
		&def.LastError,
		&def.ConsecutiveFailures,
		&dr.tickMs,
		&dr.reconcileMs,
		&def.CardinalityThreshold,
		&def.Fingerprint,
		&def.UpdatedAt,
	); err != nil {
		return def, fmt.Errorf("failed to scan definition row: %w", err)
	}

	def.TickInterval = time.Duration(dr.tickMs) * time.Millisecond
	def.ReconcileInterval = time.Duration(dr.reconcileMs) * time.Millisecond
	return def, nil
}
