package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// ScannerAdapter implements storage.SourceScanner over the source_rows
// mirror table: one JSONB payload per live base-relation row. Group rescans
// and reconciliation read through it.
type ScannerAdapter struct {
	db *sql.DB
}

// NewScannerAdapter creates a ScannerAdapter sharing the given connection.
func NewScannerAdapter(db *sql.DB) *ScannerAdapter {
	return &ScannerAdapter{db: db}
}

// Scan streams every live row of one base relation through fn. The first fn
// error aborts the scan and is returned.
func (a *ScannerAdapter) Scan(ctx context.Context, sourceID string, fn func(row map[string]any) error) error {
	rows, err := a.db.QueryContext(ctx, queryScanSourceRows, sourceID)
	if err != nil {
		return fmt.Errorf("scan source %s: %w", sourceID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("scan source %s: scan row: %w", sourceID, err)
		}
		var row map[string]any
		if err := json.Unmarshal(payload, &row); err != nil {
			return fmt.Errorf("scan source %s: unmarshal payload: %w", sourceID, err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan source %s: iterate rows: %w", sourceID, err)
	}
	return nil
}
