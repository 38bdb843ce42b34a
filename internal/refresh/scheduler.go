// Package refresh drives the asynchronous batch path: a tick-driven loop
// that drains each table's change buffer and applies the compiled
// differential plan. One table's failure never blocks another's tick.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/deltaview-lab/deltaview/internal/core/storage"
	"github.com/deltaview-lab/deltaview/internal/core/stream"
	"github.com/deltaview-lab/deltaview/internal/plan"
)

const (
	defaultBatchSize   = 10000
	defaultWorkerCount = 4

	// Safety limit on consecutive batches drained in one tick, so a burst
	// cannot pin a worker forever. The backlog resumes on the next tick.
	maxConsecutiveBatches = 100
)

// Options controls tick cadence and throughput.
type Options struct {
	Interval         time.Duration
	BatchSize        int
	WorkerCount      int
	BackoffThreshold int           // consecutive failures before backoff kicks in
	BackoffMax       time.Duration // cap on the effective polling interval
}

func (o Options) normalized() Options {
	n := o
	if n.Interval <= 0 {
		n.Interval = 2 * time.Second
	}
	if n.BatchSize <= 0 {
		n.BatchSize = defaultBatchSize
	}
	if n.WorkerCount <= 0 {
		n.WorkerCount = defaultWorkerCount
	}
	if n.BackoffThreshold <= 0 {
		n.BackoffThreshold = 3
	}
	if n.BackoffMax <= 0 {
		n.BackoffMax = 5 * time.Minute
	}
	return n
}

// PlanResolver returns the executable plan for a definition, recompiling
// when the stored descriptor is stale. The engine implements it.
type PlanResolver interface {
	PlanFor(ctx context.Context, def stream.StreamTableDefinition) (*plan.CompiledPlan, error)
}

// Scheduler is the tick loop. Per tick it fans independent per-table work
// out over a bounded worker pool; a table is never worked by two workers at
// once because each table appears exactly once per tick.
type Scheduler struct {
	states  storage.StateStore
	buffer  storage.ChangeBuffer
	store   storage.AggregateStore
	scanner storage.SourceScanner // nil disables non-invertible rescans
	plans   PlanResolver
	opts    Options

	mu          sync.Mutex
	nextAttempt map[string]time.Time // per-table backoff / interval gate
}

func NewScheduler(
	states storage.StateStore,
	buffer storage.ChangeBuffer,
	store storage.AggregateStore,
	scanner storage.SourceScanner,
	plans PlanResolver,
	opts Options,
) *Scheduler {
	return &Scheduler{
		states:      states,
		buffer:      buffer,
		store:       store,
		scanner:     scanner,
		plans:       plans,
		opts:        opts.normalized(),
		nextAttempt: make(map[string]time.Time),
	}
}

// Start runs the tick loop until the context is cancelled. The in-flight
// tick always completes or aborts atomically: a watermark only ever moves
// together with a fully applied batch, so an interrupted tick leaves every
// table replayable.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	slog.Info("[Scheduler] Starting differential refresh loop",
		"interval", s.opts.Interval,
		"batch_size", s.opts.BatchSize,
		"workers", s.opts.WorkerCount,
	)

	// Initial tick to catch up with any backlog.
	s.Tick(ctx)

	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-ctx.Done():
			slog.Info("[Scheduler] Stopping (context cancelled)")
			return nil
		}
	}
}

// Tick runs one scheduling cycle over all batch-path tables.
func (s *Scheduler) Tick(ctx context.Context) {
	defs, err := s.states.List(ctx)
	if err != nil {
		slog.Error("[Scheduler] Listing stream tables failed", "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.WorkerCount)

	for _, def := range defs {
		if def.FastPathEnabled {
			// Exclusively synchronous; reconciliation covers its drift.
			continue
		}
		def := def
		g.Go(func() error {
			if !s.due(def) {
				return nil
			}
			s.refreshTable(gctx, def)
			return nil // a table's failure must never abort the tick
		})
	}
	_ = g.Wait()
}

// due applies the per-table gate: backoff after persistent failures, and a
// per-table tick interval override when configured.
func (s *Scheduler) due(def stream.StreamTableDefinition) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !time.Now().Before(s.nextAttempt[def.ID])
}

func (s *Scheduler) gateUntil(tableID string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAttempt[tableID] = t
}

// refreshTable drains one table's buffer completely (bounded), applying one
// batch per iteration.
func (s *Scheduler) refreshTable(ctx context.Context, def stream.StreamTableDefinition) {
	for batch := 0; batch < maxConsecutiveBatches; batch++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := s.RefreshOnce(ctx, def)
		if err != nil {
			s.recordFailure(ctx, def, err)
			return
		}
		if n > 0 {
			def = s.recordSuccess(ctx, def)
		}
		if n < s.opts.BatchSize {
			return // backlog drained
		}
	}
	slog.Warn("[Scheduler] Max consecutive batches reached, pausing drain",
		"table", def.Name,
		"max_batches", maxConsecutiveBatches,
	)
}

// RefreshOnce applies one batch for one table and returns the number of
// change records consumed. The watermark advances atomically with the
// target-table merge; on any error it stays put and the same records are
// re-drained later.
func (s *Scheduler) RefreshOnce(ctx context.Context, def stream.StreamTableDefinition) (int, error) {
	watermark, err := s.store.Watermark(ctx, def.ID)
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}

	records, err := s.buffer.ReadAfter(ctx, def.ID, watermark, s.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("read change buffer: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	p, err := s.plans.PlanFor(ctx, def)
	if err != nil {
		return 0, err
	}
	if err := p.CheckFresh(def); err != nil {
		return 0, err
	}

	deltas, err := p.Graph.Fold(records)
	if err != nil {
		return 0, &stream.ApplyError{Table: def.Name, Err: err}
	}

	// Non-invertible columns cannot be maintained from deltas at all; the
	// affected groups are recomputed from the base relation and the result
	// replaces the merge for those keys.
	var recomputed map[stream.GroupKey]*stream.AggregateState
	if p.Graph.NeedsRescan() && s.scanner != nil {
		dirty := make(map[stream.GroupKey]bool)
		for key, gd := range deltas {
			if gd.Dirty {
				dirty[key] = true
			}
		}
		if len(dirty) > 0 {
			recomputed, err = p.Graph.Recompute(ctx, s.scanner, def.SourceID, dirty)
			if err != nil {
				return 0, &stream.ApplyError{Table: def.Name, Err: fmt.Errorf("group rescan: %w", err)}
			}
			// A dirty group absent from the rescan result has no surviving
			// rows; record the removal explicitly.
			for key := range dirty {
				if _, ok := recomputed[key]; !ok {
					recomputed[key] = nil
				}
			}
		}
	}

	// Advance to the highest consumed token, not the last slice element: a
	// regressed watermark would re-admit an already-applied record.
	var newWatermark int64
	for _, rec := range records {
		if rec.Seq > newWatermark {
			newWatermark = rec.Seq
		}
	}
	if err := s.store.ApplyBatch(ctx, def.ID, deltas, recomputed, newWatermark); err != nil {
		return 0, &stream.ApplyError{Table: def.Name, Transient: stream.IsTransient(err), Err: err}
	}

	if err := s.buffer.Prune(ctx, def.ID, newWatermark); err != nil {
		// Consumed records linger until the next prune; harmless.
		slog.Warn("[Scheduler] Pruning change buffer failed", "table", def.Name, "error", err)
	}

	slog.Info("[Scheduler] Batch applied",
		"table", def.Name,
		"records", len(records),
		"groups", len(deltas),
		"watermark", fmt.Sprintf("%d -> %d", watermark, newWatermark),
	)
	return len(records), nil
}

func (s *Scheduler) recordSuccess(ctx context.Context, def stream.StreamTableDefinition) stream.StreamTableDefinition {
	if def.TickInterval > 0 {
		s.gateUntil(def.ID, time.Now().Add(def.TickInterval))
	} else {
		s.gateUntil(def.ID, time.Time{})
	}

	if def.ConsecutiveFailures == 0 && def.LastError == "" {
		return def
	}
	def.ConsecutiveFailures = 0
	def.LastError = ""
	def.UpdatedAt = time.Now().UTC()
	if err := s.states.Put(ctx, def, def.SchemaVersion); err != nil {
		// A concurrent definition change won the race; its writer owns the
		// counters now.
		slog.Warn("[Scheduler] Resetting failure counters lost a version race", "table", def.Name, "error", err)
	}
	return def
}

func (s *Scheduler) recordFailure(ctx context.Context, def stream.StreamTableDefinition, cause error) {
	def.ConsecutiveFailures++
	def.LastError = cause.Error()
	def.UpdatedAt = time.Now().UTC()

	slog.Error("[Scheduler] Table refresh failed",
		"table", def.Name,
		"consecutive_failures", def.ConsecutiveFailures,
		"error", cause,
	)

	if def.ConsecutiveFailures > s.opts.BackoffThreshold {
		backoff := s.opts.Interval * (1 << uint(minInt(def.ConsecutiveFailures-s.opts.BackoffThreshold, 16)))
		if backoff > s.opts.BackoffMax {
			backoff = s.opts.BackoffMax
		}
		s.gateUntil(def.ID, time.Now().Add(backoff))
		slog.Warn("[Scheduler] Backing off persistently failing table",
			"table", def.Name,
			"retry_in", backoff,
		)
	}

	if err := s.states.Put(ctx, def, def.SchemaVersion); err != nil {
		slog.Warn("[Scheduler] Recording failure lost a version race", "table", def.Name, "error", err)
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
