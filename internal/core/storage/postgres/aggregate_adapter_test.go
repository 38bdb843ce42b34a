package postgres

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/deltaview-lab/deltaview/internal/core/stream"
	"github.com/deltaview-lab/deltaview/internal/plan"
)

func stateColumns() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"group_values", "row_count", "columns", "updated_at"})
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestAggregateAdapter_ApplyBatch(t *testing.T) {
	key := stream.KeyOf([]any{"eu"})
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	deltas := map[stream.GroupKey]*plan.GroupDelta{
		key: {
			Key:         key,
			GroupValues: []any{"eu"},
			Rows:        1,
			Cols: map[string]plan.ColumnDelta{
				"total": {Kind: stream.AggSum, Count: 1, Sum: decimal.NewFromInt(10)},
			},
		},
	}

	t.Run("merges and advances watermark", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		existing := stream.AggregateState{
			Key: key, GroupValues: []any{"eu"}, Rows: 1,
			Columns: map[string]stream.Accumulator{
				"total": {Kind: stream.AggSum, Count: 1, Sum: decimal.NewFromInt(5)},
			},
			UpdatedAt: now,
		}

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(querySelectWatermarkForUpdate)).
			WithArgs("tbl-1").
			WillReturnRows(sqlmock.NewRows([]string{"watermark"}).AddRow(int64(3)))
		mock.ExpectQuery(regexp.QuoteMeta(querySelectStateForUpdate)).
			WithArgs("tbl-1", string(key)).
			WillReturnRows(stateColumns().AddRow(
				mustJSON(t, existing.GroupValues), existing.Rows, mustJSON(t, existing.Columns), existing.UpdatedAt,
			))
		mock.ExpectExec(regexp.QuoteMeta(queryUpsertState)).
			WithArgs("tbl-1", string(key), sqlmock.AnyArg(), int64(2), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(queryUpdateWatermark)).
			WithArgs(int64(7), sqlmock.AnyArg(), "tbl-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err = NewAggregateAdapter(db).ApplyBatch(context.Background(), "tbl-1", deltas, nil, 7)
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale watermark is a no-op", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(querySelectWatermarkForUpdate)).
			WithArgs("tbl-1").
			WillReturnRows(sqlmock.NewRows([]string{"watermark"}).AddRow(int64(7)))
		mock.ExpectRollback()

		err = NewAggregateAdapter(db).ApplyBatch(context.Background(), "tbl-1", deltas, nil, 7)
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("first batch initializes watermark row", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(querySelectWatermarkForUpdate)).
			WithArgs("tbl-1").
			WillReturnRows(sqlmock.NewRows([]string{"watermark"}))
		mock.ExpectExec(regexp.QuoteMeta(queryInitWatermarkRow)).
			WithArgs("tbl-1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(regexp.QuoteMeta(querySelectWatermarkForUpdate)).
			WithArgs("tbl-1").
			WillReturnRows(sqlmock.NewRows([]string{"watermark"}).AddRow(int64(0)))
		mock.ExpectQuery(regexp.QuoteMeta(querySelectStateForUpdate)).
			WithArgs("tbl-1", string(key)).
			WillReturnRows(stateColumns())
		mock.ExpectExec(regexp.QuoteMeta(queryUpsertState)).
			WithArgs("tbl-1", string(key), sqlmock.AnyArg(), int64(1), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(queryUpdateWatermark)).
			WithArgs(int64(7), sqlmock.AnyArg(), "tbl-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err = NewAggregateAdapter(db).ApplyBatch(context.Background(), "tbl-1", deltas, nil, 7)
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("emptied group deleted instead of upserted", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		down := map[stream.GroupKey]*plan.GroupDelta{
			key: {Key: key, Rows: -1, Cols: map[string]plan.ColumnDelta{
				"total": {Kind: stream.AggSum, Count: -1, Sum: decimal.NewFromInt(-5)},
			}},
		}
		existing := stream.AggregateState{
			Key: key, GroupValues: []any{"eu"}, Rows: 1,
			Columns: map[string]stream.Accumulator{
				"total": {Kind: stream.AggSum, Count: 1, Sum: decimal.NewFromInt(5)},
			},
			UpdatedAt: now,
		}

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(querySelectWatermarkForUpdate)).
			WithArgs("tbl-1").
			WillReturnRows(sqlmock.NewRows([]string{"watermark"}).AddRow(int64(0)))
		mock.ExpectQuery(regexp.QuoteMeta(querySelectStateForUpdate)).
			WithArgs("tbl-1", string(key)).
			WillReturnRows(stateColumns().AddRow(
				mustJSON(t, existing.GroupValues), existing.Rows, mustJSON(t, existing.Columns), existing.UpdatedAt,
			))
		mock.ExpectExec(regexp.QuoteMeta(queryDeleteState)).
			WithArgs("tbl-1", string(key)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(queryUpdateWatermark)).
			WithArgs(int64(1), sqlmock.AnyArg(), "tbl-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err = NewAggregateAdapter(db).ApplyBatch(context.Background(), "tbl-1", down, nil, 1)
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rescanned group replaces merge", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		recomputed := map[stream.GroupKey]*stream.AggregateState{
			key: {
				Key: key, GroupValues: []any{"eu"}, Rows: 2,
				Columns: map[string]stream.Accumulator{
					"high": {Kind: stream.AggMax, Value: decimal.NewFromInt(70), Valid: true},
				},
			},
		}

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(querySelectWatermarkForUpdate)).
			WithArgs("tbl-1").
			WillReturnRows(sqlmock.NewRows([]string{"watermark"}).AddRow(int64(0)))
		// No FOR UPDATE read of the group: the rescan result wins outright.
		mock.ExpectExec(regexp.QuoteMeta(queryUpsertState)).
			WithArgs("tbl-1", string(key), sqlmock.AnyArg(), int64(2), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(queryUpdateWatermark)).
			WithArgs(int64(1), sqlmock.AnyArg(), "tbl-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err = NewAggregateAdapter(db).ApplyBatch(context.Background(), "tbl-1", deltas, recomputed, 1)
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAggregateAdapter_Watermark(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(queryReadWatermark)).
		WithArgs("tbl-1").
		WillReturnRows(sqlmock.NewRows([]string{"watermark"}))

	wm, err := NewAggregateAdapter(db).Watermark(context.Background(), "tbl-1")
	require.NoError(t, err)
	require.Zero(t, wm, "missing watermark row means nothing consumed")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAggregateAdapter_TxRollback(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	key := stream.KeyOf([]any{"eu"})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(querySelectStateForUpdate)).
		WithArgs("tbl-1", string(key)).
		WillReturnRows(stateColumns())
	mock.ExpectRollback()

	adapter := NewAggregateAdapter(db)
	tx, err := adapter.Begin(context.Background())
	require.NoError(t, err)

	_, found, err := tx.GetForUpdate(context.Background(), "tbl-1", key)
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAggregateAdapter_TxAppendChange(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// The buffered record rides the host transaction: the insert executes on
	// the tx and a rollback takes it down with the mutation.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(queryAppendChange)).
		WithArgs("tbl-1", int64(7), "orders", "insert", nil, []byte(`{"amount":5}`), "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	adapter := NewAggregateAdapter(db)
	tx, err := adapter.Begin(context.Background())
	require.NoError(t, err)

	require.NoError(t, tx.AppendChange(context.Background(), "tbl-1", stream.ChangeRecord{
		SourceID: "orders", Op: stream.OpInsert, After: map[string]any{"amount": 5}, Seq: 7,
	}))
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAggregateAdapter_GroupCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(queryCountGroups)).
		WithArgs("tbl-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	n, err := NewAggregateAdapter(db).GroupCount(context.Background(), "tbl-1")
	require.NoError(t, err)
	require.Equal(t, 42, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
