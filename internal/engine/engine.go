// Package engine wires the maintenance pipeline together: it owns the
// catalog of registered stream tables, compiles and caches their plans,
// routes captured changes, and runs the scheduler and reconciler lifecycles.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deltaview-lab/deltaview/internal/cdc"
	"github.com/deltaview-lab/deltaview/internal/classify"
	"github.com/deltaview-lab/deltaview/internal/core/storage"
	"github.com/deltaview-lab/deltaview/internal/core/stream"
	"github.com/deltaview-lab/deltaview/internal/fastpath"
	"github.com/deltaview-lab/deltaview/internal/plan"
	"github.com/deltaview-lab/deltaview/internal/query"
	"github.com/deltaview-lab/deltaview/internal/reconcile"
	"github.com/deltaview-lab/deltaview/internal/refresh"
)

// Config carries the engine's system-wide defaults; per-table values on the
// definition override them.
type Config struct {
	CardinalityThreshold int
	Refresh              refresh.Options
	Reconcile            reconcile.Options
}

// Engine is the incremental view maintenance core.
type Engine struct {
	states  storage.StateStore
	store   storage.AggregateStore
	buffer  storage.ChangeBuffer
	scanner storage.SourceScanner

	executor   *fastpath.Executor
	trigger    *cdc.TriggerCapture
	scheduler  *refresh.Scheduler
	reconciler *reconcile.Reconciler

	mu       sync.RWMutex
	plans    map[string]*plan.CompiledPlan // keyed by table id
	bySource map[string][]string           // source id → table ids
	byName   map[string]string             // table name → table id
}

// New builds a fully wired engine over the given stores.
func New(
	states storage.StateStore,
	store storage.AggregateStore,
	buffer storage.ChangeBuffer,
	scanner storage.SourceScanner,
	cfg Config,
) *Engine {
	e := &Engine{
		states:   states,
		store:    store,
		buffer:   buffer,
		scanner:  scanner,
		plans:    make(map[string]*plan.CompiledPlan),
		bySource: make(map[string][]string),
		byName:   make(map[string]string),
	}
	e.executor = fastpath.NewExecutor(store, cfg.CardinalityThreshold)
	e.trigger = cdc.NewTriggerCapture(e, e.executor, cdc.NewSequencer())
	e.scheduler = refresh.NewScheduler(states, buffer, store, scanner, e, cfg.Refresh)
	e.reconciler = reconcile.NewReconciler(states, store, scanner, e, cfg.Reconcile)
	return e
}

// Scheduler exposes the batch loop for process supervision.
func (e *Engine) Scheduler() *refresh.Scheduler { return e.scheduler }

// Reconciler exposes the reconciliation loop for process supervision.
func (e *Engine) Reconciler() *reconcile.Reconciler { return e.reconciler }

// Register parses, classifies and compiles a definition, persists it through
// the StateStore, and starts routing its source's changes.
//
// Classification rejection is not an error: the table simply runs on the
// batch path. A compilation failure registers nothing and is returned.
func (e *Engine) Register(ctx context.Context, def stream.StreamTableDefinition) (stream.StreamTableDefinition, error) {
	if err := def.Validate(); err != nil {
		return def, err
	}
	if def.SchemaVersion == 0 {
		def.SchemaVersion = 1
	}

	q, err := query.Parse(def.Query)
	if err != nil {
		return def, &stream.CompilationError{Table: def.Name, Err: err}
	}
	cls := classify.Classify(q)
	def.FastPathEnabled = cls.Eligible && def.CDCMode == stream.CDCModeTrigger

	p, err := plan.Compile(def, q, cls)
	if err != nil {
		return def, err
	}
	if err := e.checkRescanSupport(p, def.Name); err != nil {
		return def, err
	}
	if def.CompiledPlan, err = p.Descriptor(def.Query, q.Where); err != nil {
		return def, &stream.CompilationError{Table: def.Name, Err: err}
	}
	def.UpdatedAt = time.Now().UTC()

	if err := e.states.Put(ctx, def, def.SchemaVersion); err != nil {
		return def, fmt.Errorf("persist definition %s: %w", def.Name, err)
	}

	e.mu.Lock()
	e.plans[def.ID] = p
	e.bySource[def.SourceID] = appendUnique(e.bySource[def.SourceID], def.ID)
	e.byName[def.Name] = def.ID
	e.mu.Unlock()

	slog.Info("[Engine] Registered stream table",
		"table", def.Name,
		"source", def.SourceID,
		"cdc_mode", def.CDCMode,
		"fast_path", def.FastPathEnabled,
		"reason", cls.Reason,
	)
	return def, nil
}

// OnRowChange is the host's synchronous per-row callback. tx is the host's
// transaction; rolling it back discards any fast-path update along with the
// originating mutation.
func (e *Engine) OnRowChange(ctx context.Context, tx storage.Tx, rec stream.ChangeRecord) error {
	return e.trigger.OnRowChange(ctx, tx, rec)
}

// Mutate applies a group of ChangeRecords as one host transaction: a
// convenience wrapper for hosts (and tests) that drive the engine directly
// through the target store.
func (e *Engine) Mutate(ctx context.Context, recs ...stream.ChangeRecord) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin host transaction: %w", err)
	}
	for _, rec := range recs {
		if err := e.OnRowChange(ctx, tx, rec); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// RunWalCapture drains a host log-decoding stream into the change buffers.
func (e *Engine) RunWalCapture(ctx context.Context, reader cdc.LogReader) error {
	return cdc.NewWalCapture(e, e.buffer, reader).Run(ctx)
}

// TablesForSource implements cdc.Catalog with a snapshot of current
// registrations.
func (e *Engine) TablesForSource(ctx context.Context, sourceID string) []cdc.Registration {
	e.mu.RLock()
	ids := append([]string(nil), e.bySource[sourceID]...)
	e.mu.RUnlock()

	out := make([]cdc.Registration, 0, len(ids))
	for _, id := range ids {
		def, err := e.states.Get(ctx, id)
		if err != nil {
			continue
		}
		p, err := e.PlanFor(ctx, def)
		if err != nil {
			slog.Error("[Engine] Plan unavailable for registered table", "table", def.Name, "error", err)
			continue
		}
		out = append(out, cdc.Registration{Def: def, Plan: p})
	}
	return out
}

// DisableFastPath implements cdc.Catalog: persists fast_path_enabled = false
// while keeping the accumulated aggregate state as the batch path's starting
// point. Status-only write; schema_version does not move.
func (e *Engine) DisableFastPath(ctx context.Context, tableID, reason string) error {
	def, err := e.states.Get(ctx, tableID)
	if err != nil {
		return err
	}
	if !def.FastPathEnabled {
		return nil
	}
	def.FastPathEnabled = false
	def.UpdatedAt = time.Now().UTC()
	if err := e.states.Put(ctx, def, def.SchemaVersion); err != nil {
		return err
	}
	slog.Warn("[Engine] Fast path disabled", "table", def.Name, "reason", reason)
	return nil
}

// PlanFor implements refresh.PlanResolver. The cached executable is reused
// while its compile-time schema_version matches the definition; otherwise
// the persisted descriptor is reloaded or, when that too is stale, the query
// is reclassified and recompiled and the new descriptor persisted.
func (e *Engine) PlanFor(ctx context.Context, def stream.StreamTableDefinition) (*plan.CompiledPlan, error) {
	e.mu.RLock()
	p, ok := e.plans[def.ID]
	e.mu.RUnlock()
	if ok && p.SchemaVersion == def.SchemaVersion {
		return p, nil
	}

	if len(def.CompiledPlan) > 0 {
		loaded, err := plan.LoadDescriptor(def.CompiledPlan)
		if err == nil && loaded.SchemaVersion == def.SchemaVersion {
			e.cachePlan(def.ID, loaded)
			return loaded, nil
		}
	}

	return e.recompile(ctx, def)
}

func (e *Engine) recompile(ctx context.Context, def stream.StreamTableDefinition) (*plan.CompiledPlan, error) {
	q, err := query.Parse(def.Query)
	if err != nil {
		return nil, &stream.CompilationError{Table: def.Name, Err: err}
	}
	cls := classify.Classify(q)
	p, err := plan.Compile(def, q, cls)
	if err != nil {
		return nil, err
	}

	def.FastPathEnabled = cls.Eligible && def.CDCMode == stream.CDCModeTrigger
	if def.CompiledPlan, err = p.Descriptor(def.Query, q.Where); err != nil {
		return nil, &stream.CompilationError{Table: def.Name, Err: err}
	}
	def.UpdatedAt = time.Now().UTC()
	if err := e.states.Put(ctx, def, def.SchemaVersion); err != nil {
		return nil, fmt.Errorf("persist recompiled plan for %s: %w", def.Name, err)
	}

	e.cachePlan(def.ID, p)
	return p, nil
}

func (e *Engine) cachePlan(id string, p *plan.CompiledPlan) {
	e.mu.Lock()
	e.plans[id] = p
	e.mu.Unlock()
}

// InvalidateSchema handles a DDL change on a source relation: every stream
// table over it gets its schema_version bumped and its plan invalidated and
// recompiled atomically with the StateStore write, so no apply can run
// against the stale plan.
func (e *Engine) InvalidateSchema(ctx context.Context, sourceID string) error {
	e.mu.RLock()
	ids := append([]string(nil), e.bySource[sourceID]...)
	e.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		def, err := e.states.Get(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		expected := def.SchemaVersion
		def.SchemaVersion++
		def.CompiledPlan = nil

		q, err := query.Parse(def.Query)
		if err != nil {
			def.LastError = err.Error()
			def.FastPathEnabled = false
			if perr := e.states.Put(ctx, def, expected); perr != nil {
				errs = append(errs, perr)
			}
			errs = append(errs, &stream.CompilationError{Table: def.Name, Err: err})
			continue
		}
		cls := classify.Classify(q)
		def.FastPathEnabled = cls.Eligible && def.CDCMode == stream.CDCModeTrigger

		p, err := plan.Compile(def, q, cls)
		if err != nil {
			def.LastError = err.Error()
			def.FastPathEnabled = false
			if perr := e.states.Put(ctx, def, expected); perr != nil {
				errs = append(errs, perr)
			}
			errs = append(errs, err)
			continue
		}
		if def.CompiledPlan, err = p.Descriptor(def.Query, q.Where); err != nil {
			errs = append(errs, err)
			continue
		}
		def.UpdatedAt = time.Now().UTC()
		if err := e.states.Put(ctx, def, expected); err != nil {
			errs = append(errs, err)
			continue
		}
		e.cachePlan(def.ID, p)
		slog.Info("[Engine] Plan invalidated and recompiled after schema change",
			"table", def.Name,
			"schema_version", def.SchemaVersion,
		)
	}
	return errors.Join(errs...)
}

// UpdateQuery replaces a table's defining query: bump version, invalidate,
// reclassify, recompile. Same contract as a source schema change.
func (e *Engine) UpdateQuery(ctx context.Context, name, newQuery string) (stream.StreamTableDefinition, error) {
	def, err := e.GetByName(ctx, name)
	if err != nil {
		return def, err
	}
	expected := def.SchemaVersion
	def.Query = newQuery
	def.SchemaVersion++
	def.CompiledPlan = nil
	def.LastError = ""
	def.ConsecutiveFailures = 0

	q, err := query.Parse(newQuery)
	if err != nil {
		return def, &stream.CompilationError{Table: def.Name, Err: err}
	}
	cls := classify.Classify(q)
	def.FastPathEnabled = cls.Eligible && def.CDCMode == stream.CDCModeTrigger

	p, err := plan.Compile(def, q, cls)
	if err != nil {
		return def, err
	}
	if err := e.checkRescanSupport(p, def.Name); err != nil {
		return def, err
	}
	if def.CompiledPlan, err = p.Descriptor(def.Query, q.Where); err != nil {
		return def, &stream.CompilationError{Table: def.Name, Err: err}
	}
	def.UpdatedAt = time.Now().UTC()
	if err := e.states.Put(ctx, def, expected); err != nil {
		return def, err
	}
	e.cachePlan(def.ID, p)
	return def, nil
}

// checkRescanSupport rejects plans whose non-invertible columns need
// base-relation rescans when the deployment carries no source scanner.
func (e *Engine) checkRescanSupport(p *plan.CompiledPlan, name string) error {
	if e.scanner == nil && p.Graph != nil && p.Graph.NeedsRescan() {
		return fmt.Errorf("%w: %s", stream.ErrScannerRequired, name)
	}
	return nil
}

// GetByName resolves a definition by its registered name.
func (e *Engine) GetByName(ctx context.Context, name string) (stream.StreamTableDefinition, error) {
	e.mu.RLock()
	id, ok := e.byName[name]
	e.mu.RUnlock()
	if !ok {
		return stream.StreamTableDefinition{}, fmt.Errorf("%w: %s", stream.ErrNotFound, name)
	}
	return e.states.Get(ctx, id)
}

// List returns all registered definitions.
func (e *Engine) List(ctx context.Context) ([]stream.StreamTableDefinition, error) {
	return e.states.List(ctx)
}

// Refresh synchronously drains one table's buffer (manual refresh).
func (e *Engine) Refresh(ctx context.Context, name string) (int, error) {
	def, err := e.GetByName(ctx, name)
	if err != nil {
		return 0, err
	}
	total := 0
	for {
		n, err := e.scheduler.RefreshOnce(ctx, def)
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			return total, nil
		}
	}
}

// Reconcile synchronously reconciles one table against its base relation.
func (e *Engine) Reconcile(ctx context.Context, name string) error {
	def, err := e.GetByName(ctx, name)
	if err != nil {
		return err
	}
	p, err := e.PlanFor(ctx, def)
	if err != nil {
		return err
	}
	return e.reconciler.ReconcileTable(ctx, def, p)
}

// Results returns the reported rows of a table's materialized result.
func (e *Engine) Results(ctx context.Context, name string) (map[stream.GroupKey]stream.AggregateState, error) {
	def, err := e.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return e.store.Load(ctx, def.ID)
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
