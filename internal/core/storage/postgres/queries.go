package postgres

// SQL statements for the deltaview schema. Kept in one place so adapter tests
// can assert against the exact text.
const (
	// stream_tables (catalog of definitions, CAS on schema_version)

	queryInsertDefinition = `
		INSERT INTO stream_tables (
			id, name, source_id, query, cdc_mode, target_rel,
			fast_path_enabled, compiled_plan, schema_version,
			last_error, consecutive_failures,
			tick_interval_ms, reconcile_interval_ms, cardinality_threshold,
			fingerprint, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING
	`

	queryUpdateDefinition = `
		UPDATE stream_tables SET
			name = $2, source_id = $3, query = $4, cdc_mode = $5, target_rel = $6,
			fast_path_enabled = $7, compiled_plan = $8, schema_version = $9,
			last_error = $10, consecutive_failures = $11,
			tick_interval_ms = $12, reconcile_interval_ms = $13, cardinality_threshold = $14,
			fingerprint = $15, updated_at = $16
		WHERE id = $1 AND schema_version = $17
	`

	queryGetDefinition = `
		SELECT
			id, name, source_id, query, cdc_mode, target_rel,
			fast_path_enabled, compiled_plan, schema_version,
			last_error, consecutive_failures,
			tick_interval_ms, reconcile_interval_ms, cardinality_threshold,
			fingerprint, updated_at
		FROM stream_tables
		WHERE id = $1
	`

	queryListDefinitions = `
		SELECT
			id, name, source_id, query, cdc_mode, target_rel,
			fast_path_enabled, compiled_plan, schema_version,
			last_error, consecutive_failures,
			tick_interval_ms, reconcile_interval_ms, cardinality_threshold,
			fingerprint, updated_at
		FROM stream_tables
		ORDER BY name ASC
	`

	// aggregate_states (materialized result rows)

	querySelectStateForUpdate = `
		SELECT group_values, row_count, columns, updated_at
		FROM aggregate_states
		WHERE table_id = $1 AND group_key = $2
		FOR UPDATE
	`

	queryUpsertState = `
		INSERT INTO aggregate_states (table_id, group_key, group_values, row_count, columns, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (table_id, group_key)
		DO UPDATE SET
			group_values = EXCLUDED.group_values,
			row_count    = EXCLUDED.row_count,
			columns      = EXCLUDED.columns,
			updated_at   = EXCLUDED.updated_at
	`

	queryDeleteState = `DELETE FROM aggregate_states WHERE table_id = $1 AND group_key = $2`

	queryLoadStates = `
		SELECT group_key, group_values, row_count, columns, updated_at
		FROM aggregate_states
		WHERE table_id = $1
	`

	queryCountGroups = `SELECT COUNT(*) FROM aggregate_states WHERE table_id = $1`

	// stream_watermarks (per-table consumed position)

	querySelectWatermarkForUpdate = `
		SELECT watermark
		FROM stream_watermarks
		WHERE table_id = $1
		FOR UPDATE
	`

	queryInitWatermarkRow = `
		INSERT INTO stream_watermarks (table_id, watermark, updated_at)
		VALUES ($1, 0, $2)
		ON CONFLICT (table_id) DO NOTHING
	`

	queryUpdateWatermark = `
		UPDATE stream_watermarks
		SET watermark = $1, updated_at = $2
		WHERE table_id = $3
	`

	queryReadWatermark = `SELECT watermark FROM stream_watermarks WHERE table_id = $1`

	// change_records (per-table append-only buffer)

	queryAppendChange = `
		INSERT INTO change_records (table_id, seq, source_id, op, before_row, after_row, tx_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (table_id, seq) DO NOTHING
	`

	queryReadChangesAfter = `
		SELECT seq, source_id, op, before_row, after_row, tx_id
		FROM change_records
		WHERE table_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`

	queryPruneChanges = `DELETE FROM change_records WHERE table_id = $1 AND seq <= $2`

	// source_rows (mirrored base relation rows for rescans)

	queryScanSourceRows = `SELECT payload FROM source_rows WHERE source_id = $1 ORDER BY row_key ASC`
)
