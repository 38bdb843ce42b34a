// Package fastpath applies point-update descriptors synchronously inside the
// originating transaction. A committed mutation and its aggregate update are
// one atomic unit; an aborted transaction discards both.
package fastpath

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/deltaview-lab/deltaview/internal/core/storage"
	"github.com/deltaview-lab/deltaview/internal/core/stream"
	"github.com/deltaview-lab/deltaview/internal/plan"
)

// ErrCardinalityExceeded signals that the table's live group count passed
// the configured threshold. It is a soft condition, not an apply failure:
// the router reroutes the record to the batch buffer and the table stays
// correct, starting the batch path from the accumulated state.
var ErrCardinalityExceeded = errors.New("group cardinality threshold exceeded")

// Executor applies point updates against the target store.
type Executor struct {
	store            storage.AggregateStore
	defaultThreshold int
}

func NewExecutor(store storage.AggregateStore, defaultCardinalityThreshold int) *Executor {
	return &Executor{store: store, defaultThreshold: defaultCardinalityThreshold}
}

// Apply folds one ChangeRecord into the target table inside tx, the host's
// own transaction. Row locks taken by GetForUpdate serialize concurrent
// writers on the same GroupKey; writers on different keys do not block each
// other.
//
// All effects of the record are staged only after every touched row is
// locked and the cardinality guard has passed, so a guard trip never leaves
// a half-applied record behind.
func (e *Executor) Apply(
	ctx context.Context,
	tx storage.Tx,
	def stream.StreamTableDefinition,
	p *plan.CompiledPlan,
	rec stream.ChangeRecord,
) error {
	if err := p.CheckFresh(def); err != nil {
		return err
	}
	if p.Point == nil {
		return &stream.ApplyError{Table: def.Name, Err: fmt.Errorf("no point-update descriptor compiled")}
	}

	deltas, err := p.Point.Deltas(rec)
	if err != nil {
		return &stream.ApplyError{Table: def.Name, Err: err}
	}
	if len(deltas) == 0 {
		return nil
	}

	// Lock rows in key order. Every concurrent actor locks in the same
	// order, so two-key updates cannot deadlock against each other.
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].Key < deltas[j].Key })

	states := make([]stream.AggregateState, len(deltas))
	newKeys := 0
	for i, d := range deltas {
		st, found, err := tx.GetForUpdate(ctx, def.ID, d.Key)
		if err != nil {
			return &stream.ApplyError{Table: def.Name, Transient: errors.Is(err, stream.ErrWriteConflict), Err: err}
		}
		if !found {
			newKeys++
		}
		states[i] = st
	}

	if newKeys > 0 {
		threshold := def.CardinalityThreshold
		if threshold == 0 {
			threshold = e.defaultThreshold
		}
		if threshold > 0 {
			live, err := e.store.GroupCount(ctx, def.ID)
			if err != nil {
				return &stream.ApplyError{Table: def.Name, Err: err}
			}
			if live >= threshold {
				slog.Warn("[FastPath] Cardinality guard tripped, disabling fast path",
					"table", def.Name,
					"live_groups", live,
					"threshold", threshold,
				)
				return ErrCardinalityExceeded
			}
		}
	}

	now := time.Now().UTC()
	for i, d := range deltas {
		st := states[i]
		plan.ApplyPointDelta(&st, d, p.Specs, now)
		if st.Empty() {
			if err := tx.Delete(ctx, def.ID, d.Key); err != nil {
				return &stream.ApplyError{Table: def.Name, Err: err}
			}
			continue
		}
		if err := tx.Put(ctx, def.ID, st); err != nil {
			return &stream.ApplyError{Table: def.Name, Err: err}
		}
	}
	return nil
}
