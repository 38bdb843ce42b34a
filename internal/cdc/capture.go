// Package cdc converts row mutations on source relations into ordered
// ChangeRecords and routes them: synchronously to the fast-path executor for
// eligible trigger-mode tables, otherwise into the per-table change buffer
// drained by the refresh scheduler. The two routes are exclusive per record,
// so nothing is ever double counted.
package cdc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/deltaview-lab/deltaview/internal/core/storage"
	"github.com/deltaview-lab/deltaview/internal/core/stream"
	"github.com/deltaview-lab/deltaview/internal/fastpath"
	"github.com/deltaview-lab/deltaview/internal/plan"
)

// Registration is one stream table as the capture layer sees it.
type Registration struct {
	Def  stream.StreamTableDefinition
	Plan *plan.CompiledPlan
}

// Catalog resolves the stream tables maintained over a source relation.
type Catalog interface {
	// TablesForSource returns a snapshot of current registrations.
	TablesForSource(ctx context.Context, sourceID string) []Registration

	// DisableFastPath persists fast_path_enabled = false for the table,
	// keeping the accumulated state as the batch path's starting point.
	DisableFastPath(ctx context.Context, tableID, reason string) error
}

// Sequencer hands out the per-source monotonic sequence tokens that give
// trigger-mode records their commit order.
type Sequencer struct {
	mu   sync.Mutex
	next map[string]int64
}

func NewSequencer() *Sequencer {
	return &Sequencer{next: make(map[string]int64)}
}

// Next returns the next token for a source, starting at 1.
func (s *Sequencer) Next(sourceID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[sourceID]++
	return s.next[sourceID]
}

// TriggerCapture is the synchronous variant: the host invokes OnRowChange
// inside the mutating transaction, immediately after the row change is
// visible to that transaction.
type TriggerCapture struct {
	catalog  Catalog
	executor *fastpath.Executor
	seq      *Sequencer
}

func NewTriggerCapture(catalog Catalog, executor *fastpath.Executor, seq *Sequencer) *TriggerCapture {
	return &TriggerCapture{catalog: catalog, executor: executor, seq: seq}
}

// OnRowChange is the host call contract. tx is the host's own transaction;
// fast-path effects land in it and die with it on rollback.
//
// Routing contract: a fast-path-eligible table gets the record handed to the
// executor and never also enqueued; every other table gets the record staged
// into its change buffer through tx, so a rolled-back mutation buffers
// nothing.
func (c *TriggerCapture) OnRowChange(ctx context.Context, tx storage.Tx, rec stream.ChangeRecord) error {
	if rec.Seq == 0 {
		rec.Seq = c.seq.Next(rec.SourceID)
	}

	for _, reg := range c.catalog.TablesForSource(ctx, rec.SourceID) {
		if reg.Def.CDCMode != stream.CDCModeTrigger {
			continue
		}

		if reg.Def.FastPathEnabled && reg.Plan != nil && reg.Plan.Point != nil {
			err := c.executor.Apply(ctx, tx, reg.Def, reg.Plan, rec)
			if err == nil {
				continue
			}
			if errors.Is(err, fastpath.ErrCardinalityExceeded) {
				if derr := c.catalog.DisableFastPath(ctx, reg.Def.ID, "cardinality threshold exceeded"); derr != nil {
					return fmt.Errorf("disable fast path for %s: %w", reg.Def.Name, derr)
				}
				if berr := tx.AppendChange(ctx, reg.Def.ID, rec); berr != nil {
					return fmt.Errorf("buffer change for %s: %w", reg.Def.Name, berr)
				}
				continue
			}
			// A fast-path failure is a failure of the enclosing transaction;
			// the caller decides whether to retry the whole mutation.
			return err
		}

		if err := tx.AppendChange(ctx, reg.Def.ID, rec); err != nil {
			return fmt.Errorf("buffer change for %s: %w", reg.Def.Name, err)
		}
	}
	return nil
}

// LogReader decodes the host's transaction log out-of-band, yielding
// ChangeRecords in committed-transaction order. Next returns io.EOF when the
// stream ends.
type LogReader interface {
	Next(ctx context.Context) (stream.ChangeRecord, error)
}

// WalCapture is the asynchronous variant: it drains a LogReader into the
// change buffers of wal-mode tables. Delivery is at-least-once; the buffer
// dedupes on the sequence token.
type WalCapture struct {
	catalog Catalog
	buffer  storage.ChangeBuffer
	reader  LogReader
}

func NewWalCapture(catalog Catalog, buffer storage.ChangeBuffer, reader LogReader) *WalCapture {
	return &WalCapture{catalog: catalog, buffer: buffer, reader: reader}
}

// Run consumes the log stream until the context is cancelled or the stream
// ends.
func (c *WalCapture) Run(ctx context.Context) error {
	slog.Info("[WalCapture] Starting log decode stream")
	for {
		select {
		case <-ctx.Done():
			slog.Info("[WalCapture] Stopping (context cancelled)")
			return nil
		default:
		}

		rec, err := c.reader.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				slog.Info("[WalCapture] Log stream ended")
				return nil
			}
			return fmt.Errorf("decode change log: %w", err)
		}

		for _, reg := range c.catalog.TablesForSource(ctx, rec.SourceID) {
			if reg.Def.CDCMode != stream.CDCModeWAL {
				continue
			}
			if err := c.buffer.Append(ctx, reg.Def.ID, rec); err != nil {
				return fmt.Errorf("buffer change for %s: %w", reg.Def.Name, err)
			}
		}
	}
}
