// Package reconcile periodically re-derives aggregate state from the base
// relation: the only way to maintain non-invertible columns, and a
// drift-correcting safety net for the incrementally maintained ones.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/deltaview-lab/deltaview/internal/core/storage"
	"github.com/deltaview-lab/deltaview/internal/core/stream"
	"github.com/deltaview-lab/deltaview/internal/plan"
	"github.com/deltaview-lab/deltaview/internal/refresh"
)

// Options controls the reconciliation cadence. The interval is deliberately
// coarser than the scheduler tick.
type Options struct {
	Interval time.Duration
}

func (o Options) normalized() Options {
	n := o
	if n.Interval <= 0 {
		n.Interval = 10 * time.Minute
	}
	return n
}

// Reconciler runs full recomputations as its own batch pass. It never blocks
// the fast path: recomputation reads the base relation, then replaces rows
// through one store transaction.
type Reconciler struct {
	states  storage.StateStore
	store   storage.AggregateStore
	scanner storage.SourceScanner
	plans   refresh.PlanResolver
	opts    Options

	last map[string]time.Time
}

func NewReconciler(
	states storage.StateStore,
	store storage.AggregateStore,
	scanner storage.SourceScanner,
	plans refresh.PlanResolver,
	opts Options,
) *Reconciler {
	return &Reconciler{
		states:  states,
		store:   store,
		scanner: scanner,
		plans:   plans,
		opts:    opts.normalized(),
		last:    make(map[string]time.Time),
	}
}

// Start runs the reconciliation loop until the context is cancelled. Without
// a source scanner there is nothing to recompute from; the loop idles rather
// than failing every table each tick.
func (r *Reconciler) Start(ctx context.Context) error {
	if r.scanner == nil {
		slog.Warn("[Reconciler] No source scanner configured; periodic reconciliation disabled")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	slog.Info("[Reconciler] Starting reconciliation loop", "interval", r.opts.Interval)

	for {
		select {
		case <-ticker.C:
			r.tick(ctx)
		case <-ctx.Done():
			slog.Info("[Reconciler] Stopping (context cancelled)")
			return nil
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	defs, err := r.states.List(ctx)
	if err != nil {
		slog.Error("[Reconciler] Listing stream tables failed", "error", err)
		return
	}

	now := time.Now()
	for _, def := range defs {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p, err := r.plans.PlanFor(ctx, def)
		if err != nil {
			slog.Error("[Reconciler] Resolving plan failed", "table", def.Name, "error", err)
			continue
		}
		if !def.FastPathEnabled && !p.Graph.NeedsRescan() {
			// Pure invertible batch tables drift only through bugs; they are
			// still covered when an operator forces reconciliation manually.
			continue
		}
		if iv := def.ReconcileInterval; iv > 0 && now.Sub(r.last[def.ID]) < iv {
			continue
		}

		if err := r.ReconcileTable(ctx, def, p); err != nil {
			slog.Error("[Reconciler] Reconciliation failed", "table", def.Name, "error", err)
			continue
		}
		r.last[def.ID] = now
	}
}

// ReconcileTable recomputes the table's full state from the base relation
// and unconditionally overwrites the recomputed columns. Mismatches on
// invertible columns are drift and are logged before being corrected.
func (r *Reconciler) ReconcileTable(ctx context.Context, def stream.StreamTableDefinition, p *plan.CompiledPlan) error {
	if err := p.CheckFresh(def); err != nil {
		return err
	}
	if r.scanner == nil {
		return fmt.Errorf("no source scanner configured for %s", def.Name)
	}

	recomputed, err := p.Graph.Recompute(ctx, r.scanner, def.SourceID, nil)
	if err != nil {
		return fmt.Errorf("recompute from %s: %w", def.SourceID, err)
	}

	current, err := r.store.Load(ctx, def.ID)
	if err != nil {
		return fmt.Errorf("load current state: %w", err)
	}

	drift := 0
	states := make(map[stream.GroupKey]stream.AggregateState, len(recomputed))
	now := time.Now().UTC()
	for key, st := range recomputed {
		st.UpdatedAt = now
		states[key] = *st
		if cur, ok := current[key]; !ok || driftsFrom(cur, *st) {
			drift++
		}
	}

	var remove []stream.GroupKey
	for key := range current {
		if _, ok := recomputed[key]; !ok {
			remove = append(remove, key)
			drift++
		}
	}

	if err := r.store.Replace(ctx, def.ID, states, remove); err != nil {
		return &stream.ApplyError{Table: def.Name, Transient: stream.IsTransient(err), Err: err}
	}

	if drift > 0 {
		slog.Warn("[Reconciler] Corrected drifted groups",
			"table", def.Name,
			"groups", drift,
			"total", len(recomputed),
		)
	} else {
		slog.Info("[Reconciler] State verified, no drift", "table", def.Name, "groups", len(recomputed))
	}
	return nil
}

// driftsFrom compares the stored row against the recomputed one on the
// values that matter: row count and every accumulator.
func driftsFrom(stored, truth stream.AggregateState) bool {
	if stored.Rows != truth.Rows {
		return true
	}
	if len(stored.Columns) != len(truth.Columns) {
		return true
	}
	for col, want := range truth.Columns {
		got, ok := stored.Columns[col]
		if !ok || got.Count != want.Count || !got.Sum.Equal(want.Sum) {
			return true
		}
		if want.Valid != got.Valid || (want.Valid && !got.Value.Equal(want.Value)) {
			return true
		}
	}
	return false
}
