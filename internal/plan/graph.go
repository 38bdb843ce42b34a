package plan

import (
	"context"
	"sort"

	"github.com/deltaview-lab/deltaview/internal/core/stream"
)

// Delta is one element of an ordered delta stream flowing between operator
// nodes. Updates never appear: the scan node decomposes them into
// delete-then-insert before anything downstream sees them.
type Delta struct {
	Op  stream.ChangeOp // OpInsert or OpDelete only
	Row map[string]any
	Seq int64
}

// Node is one operator of the differential graph. Each node consumes its
// child's ordered delta stream and emits an ordered delta stream for its
// parent.
type Node interface {
	Process(in []Delta) ([]Delta, error)
}

// ScanNode is the graph's leaf: it turns buffered ChangeRecords into the
// initial delta stream, preserving sequence order.
type ScanNode struct{}

// Expand converts change records into deltas. UPDATE becomes a delete of the
// before-image followed by an insert of the after-image at the same sequence
// token, which keeps the pair contiguous.
func (ScanNode) Expand(records []stream.ChangeRecord) []Delta {
	out := make([]Delta, 0, len(records))
	for _, rec := range records {
		switch rec.Op {
		case stream.OpInsert:
			out = append(out, Delta{Op: stream.OpInsert, Row: rec.After, Seq: rec.Seq})
		case stream.OpDelete:
			out = append(out, Delta{Op: stream.OpDelete, Row: rec.Before, Seq: rec.Seq})
		case stream.OpUpdate:
			out = append(out,
				Delta{Op: stream.OpDelete, Row: rec.Before, Seq: rec.Seq},
				Delta{Op: stream.OpInsert, Row: rec.After, Seq: rec.Seq},
			)
		}
	}
	return out
}

// FilterNode drops deltas whose rows do not satisfy the query's predicate.
type FilterNode struct {
	m *measures
}

func (n *FilterNode) Process(in []Delta) ([]Delta, error) {
	out := in[:0]
	for _, d := range in {
		if n.m.match(d.Row) {
			out = append(out, d)
		}
	}
	return out, nil
}

// GroupDelta is the aggregate node's output for one GroupKey: the net
// invertible accumulator adjustment, and whether the group needs a rescan
// because a non-invertible column was touched.
type GroupDelta struct {
	Key         stream.GroupKey
	GroupValues []any
	Rows        int64
	Cols        map[string]ColumnDelta
	Dirty       bool
}

// AggregateNode terminates the graph: it folds the delta stream into per-key
// GroupDeltas ready to merge into the target table.
type AggregateNode struct {
	m *measures
}

func (n *AggregateNode) Fold(in []Delta) (map[stream.GroupKey]*GroupDelta, error) {
	out := make(map[stream.GroupKey]*GroupDelta)
	dirty := n.m.hasNonInvertible()
	for _, d := range in {
		key, vals, err := n.m.keyFor(d.Row)
		if err != nil {
			return nil, err
		}
		gd, ok := out[key]
		if !ok {
			gd = &GroupDelta{Key: key, GroupValues: vals, Cols: make(map[string]ColumnDelta)}
			out[key] = gd
		}
		gd.Dirty = gd.Dirty || dirty

		c, err := n.m.contribution(d.Row)
		if err != nil {
			return nil, err
		}
		switch d.Op {
		case stream.OpInsert:
			gd.Rows++
			for col, cd := range c {
				gd.Cols[col] = gd.Cols[col].add(cd)
			}
		case stream.OpDelete:
			gd.Rows--
			for col, cd := range c {
				gd.Cols[col] = gd.Cols[col].add(cd.negate())
			}
		}
	}
	return out, nil
}

// OperatorGraph is the compiled differential plan for a batch-path table:
// scan → filter → aggregate, each consuming and emitting an ordered delta
// stream.
type OperatorGraph struct {
	TableID       string
	SchemaVersion int64

	scan   ScanNode
	filter *FilterNode
	agg    *AggregateNode
	m      *measures
}

// Fold runs the whole graph over one drained buffer batch and returns the
// per-key merge set.
func (g *OperatorGraph) Fold(records []stream.ChangeRecord) (map[stream.GroupKey]*GroupDelta, error) {
	deltas := g.scan.Expand(records)
	deltas, err := g.filter.Process(deltas)
	if err != nil {
		return nil, err
	}
	return g.agg.Fold(deltas)
}

// NeedsRescan reports whether the plan carries any non-invertible column, in
// which case merged groups must be recomputed from base data.
func (g *OperatorGraph) NeedsRescan() bool { return g.m.hasNonInvertible() }

// RowSource yields the base relation's current rows for full recomputation.
type RowSource interface {
	Scan(ctx context.Context, sourceID string, fn func(row map[string]any) error) error
}

// Recompute derives the complete AggregateState for every group from the
// base relation. limitTo, when non-nil, restricts the result to the given
// keys (affected-group rescan); nil recomputes everything (reconciliation).
func (g *OperatorGraph) Recompute(
	ctx context.Context,
	src RowSource,
	sourceID string,
	limitTo map[stream.GroupKey]bool,
) (map[stream.GroupKey]*stream.AggregateState, error) {
	out := make(map[stream.GroupKey]*stream.AggregateState)
	err := src.Scan(ctx, sourceID, func(row map[string]any) error {
		if !g.m.match(row) {
			return nil
		}
		key, vals, err := g.m.keyFor(row)
		if err != nil {
			return err
		}
		if limitTo != nil && !limitTo[key] {
			return nil
		}
		st, ok := out[key]
		if !ok {
			st = &stream.AggregateState{
				Key:         key,
				GroupValues: vals,
				Columns:     make(map[string]stream.Accumulator),
			}
			out[key] = st
		}
		return g.m.foldFull(st, row)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SortedKeys returns the merge set's keys in deterministic order. Appliers
// walk groups in this order so two concurrent actors touching overlapping
// keys lock in the same sequence.
func SortedKeys[V any](m map[stream.GroupKey]V) []stream.GroupKey {
	keys := make([]stream.GroupKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
