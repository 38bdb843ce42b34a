package plan

import (
	"time"

	"github.com/deltaview-lab/deltaview/internal/core/stream"
)

// PointDelta is one keyed effect of the point-update descriptor: the
// accumulator adjustments for a single GroupKey. An UPDATE that moves a row
// between groups produces two PointDeltas (debit old key, credit new key).
type PointDelta struct {
	Key         stream.GroupKey
	GroupValues []any
	Rows        int64 // +1 insert effect, -1 delete effect, 0 in-place update
	Cols        map[string]ColumnDelta
}

// PointUpdatePlan is the compiled point-update descriptor for a fast-path
// eligible query. It is parameterized by GroupKey: Deltas turns one
// ChangeRecord into the keyed accumulator adjustments to apply inside the
// originating transaction.
type PointUpdatePlan struct {
	TableID       string
	SchemaVersion int64

	m *measures
}

// Deltas computes the keyed effects of one ChangeRecord.
//
// A row only contributes while it passes the query's filter, so an UPDATE
// that moves a row across the filter boundary degrades to a pure insert or
// delete effect. An UPDATE that changes the grouping key decomposes into
// delete-then-insert: debit the old key by the prior contribution, credit
// the new key by the new one.
func (p *PointUpdatePlan) Deltas(rec stream.ChangeRecord) ([]PointDelta, error) {
	oldIn := rec.Before != nil && p.m.match(rec.Before)
	newIn := rec.After != nil && p.m.match(rec.After)

	if !oldIn && !newIn {
		return nil, nil
	}

	var oldKey, newKey stream.GroupKey
	var oldVals, newVals []any
	var err error
	if oldIn {
		if oldKey, oldVals, err = p.m.keyFor(rec.Before); err != nil {
			return nil, err
		}
	}
	if newIn {
		if newKey, newVals, err = p.m.keyFor(rec.After); err != nil {
			return nil, err
		}
	}

	// In-place update: same group, net accumulator adjustment only.
	if oldIn && newIn && oldKey == newKey {
		oldC, err := p.m.contribution(rec.Before)
		if err != nil {
			return nil, err
		}
		newC, err := p.m.contribution(rec.After)
		if err != nil {
			return nil, err
		}
		cols := make(map[string]ColumnDelta, len(newC))
		for col, d := range newC {
			cols[col] = d
		}
		for col, d := range oldC {
			cols[col] = cols[col].add(d.negate())
		}
		return []PointDelta{{Key: newKey, GroupValues: newVals, Rows: 0, Cols: cols}}, nil
	}

	var deltas []PointDelta
	if oldIn {
		c, err := p.m.contribution(rec.Before)
		if err != nil {
			return nil, err
		}
		neg := make(map[string]ColumnDelta, len(c))
		for col, d := range c {
			neg[col] = d.negate()
		}
		deltas = append(deltas, PointDelta{Key: oldKey, GroupValues: oldVals, Rows: -1, Cols: neg})
	}
	if newIn {
		c, err := p.m.contribution(rec.After)
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, PointDelta{Key: newKey, GroupValues: newVals, Rows: 1, Cols: c})
	}
	return deltas, nil
}

// ApplyPointDelta folds one PointDelta into an AggregateState row.
// The caller owns the row for the duration (row lock or staged copy).
func ApplyPointDelta(st *stream.AggregateState, d PointDelta, specs []stream.AggregateSpec, now time.Time) {
	if st.Columns == nil {
		st.Columns = make(map[string]stream.Accumulator, len(specs))
	}
	st.Key = d.Key
	if d.GroupValues != nil {
		st.GroupValues = d.GroupValues
	}
	st.Rows += d.Rows
	for _, spec := range specs {
		acc := st.Columns[spec.Column]
		acc.Kind = spec.Kind
		if cd, ok := d.Cols[spec.Column]; ok {
			acc.Count += cd.Count
			acc.Sum = acc.Sum.Add(cd.Sum)
		}
		st.Columns[spec.Column] = acc
	}
	st.UpdatedAt = now
}
