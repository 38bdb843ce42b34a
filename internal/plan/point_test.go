package plan

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltaview-lab/deltaview/internal/core/stream"
)

func compilePoint(t *testing.T, sql string) *CompiledPlan {
	t.Helper()
	def := stream.StreamTableDefinition{
		ID:            "tbl-1",
		Name:          "test_table",
		SourceID:      "orders",
		Query:         sql,
		CDCMode:       stream.CDCModeTrigger,
		SchemaVersion: 1,
	}
	p, cls, err := CompileDefinition(def)
	require.NoError(t, err)
	require.True(t, cls.Eligible, "reason: %s", cls.Reason)
	require.NotNil(t, p.Point)
	return p
}

func applyAll(t *testing.T, st *stream.AggregateState, p *CompiledPlan, recs ...stream.ChangeRecord) {
	t.Helper()
	for _, rec := range recs {
		deltas, err := p.Point.Deltas(rec)
		require.NoError(t, err)
		for _, d := range deltas {
			ApplyPointDelta(st, d, p.Specs, time.Now().UTC())
		}
	}
}

func TestPointUpdate_UngroupedSumSequence(t *testing.T) {
	p := compilePoint(t, "SELECT SUM(amount) AS total FROM orders")

	st := &stream.AggregateState{Key: stream.SingletonKey}

	applyAll(t, st, p, stream.ChangeRecord{Op: stream.OpInsert, After: map[string]any{"amount": 10}, Seq: 1})
	assert.True(t, reportDecimal(t, st, "total").Equal(decimal.NewFromInt(10)))

	applyAll(t, st, p, stream.ChangeRecord{Op: stream.OpInsert, After: map[string]any{"amount": 5}, Seq: 2})
	assert.True(t, reportDecimal(t, st, "total").Equal(decimal.NewFromInt(15)))

	applyAll(t, st, p, stream.ChangeRecord{Op: stream.OpDelete, Before: map[string]any{"amount": 10}, Seq: 3})
	assert.True(t, reportDecimal(t, st, "total").Equal(decimal.NewFromInt(5)))

	applyAll(t, st, p, stream.ChangeRecord{Op: stream.OpInsert, After: map[string]any{"amount": 15}, Seq: 4})
	assert.True(t, reportDecimal(t, st, "total").Equal(decimal.NewFromInt(20)))

	assert.Equal(t, int64(2), st.Rows)
}

func TestPointUpdate_SumOverZeroRowsReportsNull(t *testing.T) {
	p := compilePoint(t, "SELECT SUM(amount) AS total FROM orders")

	st := &stream.AggregateState{Key: stream.SingletonKey}
	applyAll(t, st, p,
		stream.ChangeRecord{Op: stream.OpInsert, After: map[string]any{"amount": 10}, Seq: 1},
		stream.ChangeRecord{Op: stream.OpDelete, Before: map[string]any{"amount": 10}, Seq: 2},
	)

	assert.True(t, st.Empty())
	assert.Nil(t, st.Report()["total"])
}

func TestPointUpdate_AvgDerivedFromSumAndCount(t *testing.T) {
	p := compilePoint(t, "SELECT AVG(amount) AS mean FROM orders")

	st := &stream.AggregateState{Key: stream.SingletonKey}
	applyAll(t, st, p,
		stream.ChangeRecord{Op: stream.OpInsert, After: map[string]any{"amount": 10}, Seq: 1},
		stream.ChangeRecord{Op: stream.OpInsert, After: map[string]any{"amount": 20}, Seq: 2},
	)
	assert.True(t, reportDecimal(t, st, "mean").Equal(decimal.NewFromInt(15)))

	// NULL values contribute to neither sum nor count.
	applyAll(t, st, p, stream.ChangeRecord{Op: stream.OpInsert, After: map[string]any{"amount": nil}, Seq: 3})
	assert.True(t, reportDecimal(t, st, "mean").Equal(decimal.NewFromInt(15)))
	assert.Equal(t, int64(3), st.Rows)
}

func TestPointUpdate_InPlaceUpdateNetsToSingleDelta(t *testing.T) {
	p := compilePoint(t, "SELECT customer_id, SUM(amount) AS total FROM orders GROUP BY customer_id")

	rec := stream.ChangeRecord{
		Op:     stream.OpUpdate,
		Before: map[string]any{"customer_id": 1, "amount": 10},
		After:  map[string]any{"customer_id": 1, "amount": 25},
	}
	deltas, err := p.Point.Deltas(rec)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, int64(0), deltas[0].Rows)
	assert.True(t, deltas[0].Cols["total"].Sum.Equal(decimal.NewFromInt(15)))
	assert.Equal(t, int64(0), deltas[0].Cols["total"].Count)
}

func TestPointUpdate_GroupKeyChangeDecomposes(t *testing.T) {
	p := compilePoint(t, "SELECT customer_id, COUNT(*) AS n, SUM(amount) AS total FROM orders GROUP BY customer_id")

	rec := stream.ChangeRecord{
		Op:     stream.OpUpdate,
		Before: map[string]any{"customer_id": 1, "amount": 5},
		After:  map[string]any{"customer_id": 2, "amount": 5},
	}
	deltas, err := p.Point.Deltas(rec)
	require.NoError(t, err)
	require.Len(t, deltas, 2)

	debit, credit := deltas[0], deltas[1]
	assert.Equal(t, int64(-1), debit.Rows)
	assert.True(t, debit.Cols["total"].Sum.Equal(decimal.NewFromInt(-5)))
	assert.Equal(t, int64(-1), debit.Cols["n"].Count)

	assert.Equal(t, int64(1), credit.Rows)
	assert.True(t, credit.Cols["total"].Sum.Equal(decimal.NewFromInt(5)))
	assert.NotEqual(t, debit.Key, credit.Key)
}

func TestPointUpdate_FilterBoundaryCrossing(t *testing.T) {
	p := compilePoint(t, "SELECT COUNT(*) AS n FROM orders WHERE amount > 10")

	t.Run("row enters the filter", func(t *testing.T) {
		deltas, err := p.Point.Deltas(stream.ChangeRecord{
			Op:     stream.OpUpdate,
			Before: map[string]any{"amount": 5},
			After:  map[string]any{"amount": 20},
		})
		require.NoError(t, err)
		require.Len(t, deltas, 1)
		assert.Equal(t, int64(1), deltas[0].Rows)
	})

	t.Run("row leaves the filter", func(t *testing.T) {
		deltas, err := p.Point.Deltas(stream.ChangeRecord{
			Op:     stream.OpUpdate,
			Before: map[string]any{"amount": 20},
			After:  map[string]any{"amount": 5},
		})
		require.NoError(t, err)
		require.Len(t, deltas, 1)
		assert.Equal(t, int64(-1), deltas[0].Rows)
	})

	t.Run("row never matches", func(t *testing.T) {
		deltas, err := p.Point.Deltas(stream.ChangeRecord{
			Op:     stream.OpUpdate,
			Before: map[string]any{"amount": 1},
			After:  map[string]any{"amount": 2},
		})
		require.NoError(t, err)
		assert.Empty(t, deltas)
	})
}

func TestCheckFresh_RefusesStalePlan(t *testing.T) {
	p := compilePoint(t, "SELECT COUNT(*) AS n FROM orders")

	def := stream.StreamTableDefinition{ID: "tbl-1", SchemaVersion: 1}
	require.NoError(t, p.CheckFresh(def))

	def.SchemaVersion = 2
	err := p.CheckFresh(def)
	require.Error(t, err)
	assert.ErrorIs(t, err, stream.ErrStalePlan)
}

func reportDecimal(t *testing.T, st *stream.AggregateState, col string) decimal.Decimal {
	t.Helper()
	v := st.Report()[col]
	require.NotNil(t, v, "column %s reported NULL", col)
	d, ok := v.(decimal.Decimal)
	require.True(t, ok, "column %s is %T", col, v)
	return d
}
