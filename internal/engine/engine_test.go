package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltaview-lab/deltaview/internal/core/storage/memory"
	"github.com/deltaview-lab/deltaview/internal/core/stream"
	"github.com/deltaview-lab/deltaview/internal/refresh"
)

type harness struct {
	states *memory.StateStore
	store  *memory.AggregateStore
	buffer *memory.ChangeBuffer
	source *memory.SourceTable
	eng    *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		states: memory.NewStateStore(),
		store:  memory.NewAggregateStore(),
		buffer: memory.NewChangeBuffer(),
		source: memory.NewSourceTable(),
	}
	h.store.BindChangeBuffer(h.buffer)
	h.eng = New(h.states, h.store, h.buffer, h.source, Config{
		CardinalityThreshold: 100000,
		Refresh:              refresh.Options{Interval: time.Hour},
	})
	return h
}

func (h *harness) register(t *testing.T, def stream.StreamTableDefinition) stream.StreamTableDefinition {
	t.Helper()
	registered, err := h.eng.Register(context.Background(), def)
	require.NoError(t, err)
	return registered
}

func triggerDef(id, name, sql string) stream.StreamTableDefinition {
	return stream.StreamTableDefinition{
		ID:       id,
		Name:     name,
		SourceID: "orders",
		Query:    sql,
		CDCMode:  stream.CDCModeTrigger,
	}
}

func TestRegister_EligibleQueryGetsFastPath(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, triggerDef("tbl-1", "revenue",
		"SELECT region, SUM(amount) AS total FROM orders GROUP BY region"))

	assert.True(t, def.FastPathEnabled)
	assert.Equal(t, int64(1), def.SchemaVersion)
	assert.NotEmpty(t, def.CompiledPlan, "descriptor persisted with the definition")

	stored, err := h.states.Get(context.Background(), "tbl-1")
	require.NoError(t, err)
	assert.True(t, stored.FastPathEnabled)
}

func TestRegister_IneligibleQueryStaysOnBatchPath(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, triggerDef("tbl-1", "highs",
		"SELECT region, MAX(amount) AS high FROM orders GROUP BY region"))
	assert.False(t, def.FastPathEnabled)
}

func TestRegister_WalModeNeverFastPath(t *testing.T) {
	h := newHarness(t)
	def := triggerDef("tbl-1", "counts", "SELECT COUNT(*) AS n FROM orders")
	def.CDCMode = stream.CDCModeWAL
	registered := h.register(t, def)
	assert.False(t, registered.FastPathEnabled)
}

func TestRegister_RescanPlanNeedsScanner(t *testing.T) {
	states := memory.NewStateStore()
	store := memory.NewAggregateStore()
	buffer := memory.NewChangeBuffer()
	store.BindChangeBuffer(buffer)
	eng := New(states, store, buffer, nil, Config{})
	ctx := context.Background()

	// MIN/MAX needs base-relation rescans; without a scanner the table could
	// only drift, so registration refuses it outright.
	_, err := eng.Register(ctx, triggerDef("tbl-1", "highs",
		"SELECT region, MAX(amount) AS high FROM orders GROUP BY region"))
	require.Error(t, err)
	assert.ErrorIs(t, err, stream.ErrScannerRequired)

	_, err = states.Get(ctx, "tbl-1")
	assert.ErrorIs(t, err, stream.ErrNotFound)

	// Fully invertible queries stay registrable.
	_, err = eng.Register(ctx, triggerDef("tbl-2", "revenue",
		"SELECT region, SUM(amount) AS total FROM orders GROUP BY region"))
	require.NoError(t, err)
}

func TestRegister_BadQueryRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.Register(context.Background(),
		triggerDef("tbl-1", "broken", "DELETE FROM orders"))
	require.Error(t, err)
	var cerr *stream.CompilationError
	assert.ErrorAs(t, err, &cerr)

	_, err = h.states.Get(context.Background(), "tbl-1")
	assert.ErrorIs(t, err, stream.ErrNotFound, "nothing persisted on compilation failure")
}

func TestMutate_FastPathEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.register(t, triggerDef("tbl-1", "revenue",
		"SELECT region, SUM(amount) AS total FROM orders GROUP BY region"))
	ctx := context.Background()

	require.NoError(t, h.eng.Mutate(ctx,
		stream.ChangeRecord{SourceID: "orders", Op: stream.OpInsert, After: map[string]any{"region": "eu", "amount": 10}},
		stream.ChangeRecord{SourceID: "orders", Op: stream.OpInsert, After: map[string]any{"region": "eu", "amount": 5}},
	))

	results, err := h.eng.Results(ctx, "revenue")
	require.NoError(t, err)
	require.Len(t, results, 1)
	st := results[stream.KeyOf([]any{"eu"})]
	assert.Equal(t, int64(2), st.Rows)
	assert.True(t, st.Columns["total"].Sum.Equal(decimal.NewFromInt(15)))
}

func TestMutate_BatchPathEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.register(t, triggerDef("tbl-1", "highs",
		"SELECT region, MAX(amount) AS high FROM orders GROUP BY region"))
	ctx := context.Background()

	// Keep the source mirror in step with the captured changes so the dirty
	// group rescan sees the surviving rows.
	h.source.Upsert("orders", "r1", map[string]any{"region": "eu", "amount": 40})
	require.NoError(t, h.eng.Mutate(ctx, stream.ChangeRecord{
		SourceID: "orders", Op: stream.OpInsert, After: map[string]any{"region": "eu", "amount": 40},
	}))

	n, err := h.eng.Refresh(ctx, "highs")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	results, err := h.eng.Results(ctx, "highs")
	require.NoError(t, err)
	st := results[stream.KeyOf([]any{"eu"})]
	require.True(t, st.Columns["high"].Valid)
	assert.True(t, st.Columns["high"].Value.Equal(decimal.NewFromInt(40)))
}

func TestUpdateQuery_BumpsVersionAndRecompiles(t *testing.T) {
	h := newHarness(t)
	h.register(t, triggerDef("tbl-1", "revenue",
		"SELECT region, SUM(amount) AS total FROM orders GROUP BY region"))
	ctx := context.Background()

	def, err := h.eng.UpdateQuery(ctx, "revenue",
		"SELECT region, MAX(amount) AS high FROM orders GROUP BY region")
	require.NoError(t, err)
	assert.Equal(t, int64(2), def.SchemaVersion)
	assert.False(t, def.FastPathEnabled, "MAX demotes the table to the batch path")

	p, err := h.eng.PlanFor(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.SchemaVersion)
}

func TestUpdateQuery_BadQueryLeavesDefinition(t *testing.T) {
	h := newHarness(t)
	h.register(t, triggerDef("tbl-1", "revenue",
		"SELECT region, SUM(amount) AS total FROM orders GROUP BY region"))
	ctx := context.Background()

	_, err := h.eng.UpdateQuery(ctx, "revenue", "not a query")
	require.Error(t, err)

	stored, err := h.eng.GetByName(ctx, "revenue")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.SchemaVersion)
	assert.Contains(t, stored.Query, "SUM(amount)")
}

func TestInvalidateSchema_BumpsEveryTableOnSource(t *testing.T) {
	h := newHarness(t)
	h.register(t, triggerDef("tbl-1", "revenue",
		"SELECT region, SUM(amount) AS total FROM orders GROUP BY region"))
	h.register(t, triggerDef("tbl-2", "counts", "SELECT COUNT(*) AS n FROM orders"))
	ctx := context.Background()

	require.NoError(t, h.eng.InvalidateSchema(ctx, "orders"))

	for _, id := range []string{"tbl-1", "tbl-2"} {
		def, err := h.states.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(2), def.SchemaVersion, id)
		assert.NotEmpty(t, def.CompiledPlan, id)
	}

	// The refreshed plan is served at the new version.
	def, err := h.eng.GetByName(ctx, "revenue")
	require.NoError(t, err)
	p, err := h.eng.PlanFor(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.SchemaVersion)
}

func TestPlanFor_ReloadsPersistedDescriptor(t *testing.T) {
	h := newHarness(t)
	registered := h.register(t, triggerDef("tbl-1", "revenue",
		"SELECT region, SUM(amount) AS total FROM orders GROUP BY region"))
	ctx := context.Background()

	// A second engine over the same stores has a cold cache and must rebuild
	// the executable from the stored descriptor.
	other := New(h.states, h.store, h.buffer, h.source, Config{})
	p, err := other.PlanFor(ctx, registered)
	require.NoError(t, err)
	assert.Equal(t, registered.SchemaVersion, p.SchemaVersion)
	assert.NotNil(t, p.Point)
}

func TestDisableFastPath_StatusOnlyWrite(t *testing.T) {
	h := newHarness(t)
	h.register(t, triggerDef("tbl-1", "revenue",
		"SELECT region, SUM(amount) AS total FROM orders GROUP BY region"))
	ctx := context.Background()

	require.NoError(t, h.eng.DisableFastPath(ctx, "tbl-1", "operator request"))

	def, err := h.states.Get(ctx, "tbl-1")
	require.NoError(t, err)
	assert.False(t, def.FastPathEnabled)
	assert.Equal(t, int64(1), def.SchemaVersion, "status write does not move the version")

	// Idempotent.
	require.NoError(t, h.eng.DisableFastPath(ctx, "tbl-1", "again"))
}

func TestReconcile_ManualPass(t *testing.T) {
	h := newHarness(t)
	h.register(t, triggerDef("tbl-1", "revenue",
		"SELECT region, SUM(amount) AS total FROM orders GROUP BY region"))
	ctx := context.Background()

	h.source.Upsert("orders", "r1", map[string]any{"region": "eu", "amount": 10})
	h.source.Upsert("orders", "r2", map[string]any{"region": "eu", "amount": 20})

	require.NoError(t, h.eng.Reconcile(ctx, "revenue"))

	results, err := h.eng.Results(ctx, "revenue")
	require.NoError(t, err)
	st := results[stream.KeyOf([]any{"eu"})]
	assert.Equal(t, int64(2), st.Rows)
	assert.True(t, st.Columns["total"].Sum.Equal(decimal.NewFromInt(30)))
}

func TestGetByName_Unknown(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.GetByName(context.Background(), "absent")
	assert.ErrorIs(t, err, stream.ErrNotFound)
}
