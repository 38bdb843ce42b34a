package plan

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/deltaview-lab/deltaview/internal/core/stream"
)

// ColumnDelta is the invertible-accumulator delta for one output column:
// how many contributing values entered or left, and the net sum change.
// Kind makes the delta self-describing so stores can merge without the
// column's AggSpec at hand.
type ColumnDelta struct {
	Kind  string
	Count int64
	Sum   decimal.Decimal
}

func (d ColumnDelta) add(o ColumnDelta) ColumnDelta {
	kind := d.Kind
	if kind == "" {
		kind = o.Kind
	}
	return ColumnDelta{Kind: kind, Count: d.Count + o.Count, Sum: d.Sum.Add(o.Sum)}
}

func (d ColumnDelta) negate() ColumnDelta {
	return ColumnDelta{Kind: d.Kind, Count: -d.Count, Sum: d.Sum.Neg()}
}

// measures is the shared evaluation core of both plan shapes: grouping-key
// computation, filter matching, and per-row aggregate contributions.
type measures struct {
	specs      []stream.AggregateSpec
	groupExprs []*Program // nil entries never occur; empty slice = ungrouped
	filter     *Program   // nil when the query has no WHERE
	args       map[string]*Program
}

func newMeasures(specs []stream.AggregateSpec, groupBy []string, where string) (*measures, error) {
	m := &measures{specs: specs, args: make(map[string]*Program, len(specs))}

	for _, col := range groupBy {
		prog, err := CompileExpr(col)
		if err != nil {
			return nil, fmt.Errorf("group-by %q: %w", col, err)
		}
		m.groupExprs = append(m.groupExprs, prog)
	}

	if where != "" {
		prog, err := CompileExpr(where)
		if err != nil {
			return nil, fmt.Errorf("where clause: %w", err)
		}
		m.filter = prog
	}

	for _, spec := range specs {
		if spec.Expr == "" {
			continue // COUNT(*)
		}
		prog, err := CompileExpr(spec.Expr)
		if err != nil {
			return nil, fmt.Errorf("aggregate %s: %w", spec.Column, err)
		}
		m.args[spec.Column] = prog
	}
	return m, nil
}

// match reports whether the row passes the query's filter.
func (m *measures) match(row map[string]any) bool {
	if row == nil {
		return false
	}
	if m.filter == nil {
		return true
	}
	return m.filter.Bool(row)
}

// keyFor computes the row's GroupKey and the reported grouping values.
func (m *measures) keyFor(row map[string]any) (stream.GroupKey, []any, error) {
	if len(m.groupExprs) == 0 {
		return stream.SingletonKey, nil, nil
	}
	values := make([]any, len(m.groupExprs))
	for i, prog := range m.groupExprs {
		v, err := prog.Value(row)
		if err != nil {
			return "", nil, err
		}
		values[i] = v
	}
	return stream.KeyOf(values), values, nil
}

// contribution computes the row's invertible-accumulator contribution per
// output column: count(*) contributes (1, 0); count(x)/sum(x)/avg(x)
// contribute (1, value) when x is non-NULL and nothing otherwise.
// Non-invertible columns contribute nothing here; they are recomputed from
// base data by the rescan and reconciliation passes.
func (m *measures) contribution(row map[string]any) (map[string]ColumnDelta, error) {
	out := make(map[string]ColumnDelta, len(m.specs))
	for _, spec := range m.specs {
		if !spec.Invertible {
			continue
		}
		if spec.Kind == stream.AggCount && spec.Expr == "" {
			out[spec.Column] = ColumnDelta{Kind: spec.Kind, Count: 1}
			continue
		}
		v, err := m.args[spec.Column].Value(row)
		if err != nil {
			return nil, err
		}
		num, ok := Numeric(v)
		if !ok {
			continue // NULL contributes nothing
		}
		if spec.Kind == stream.AggCount {
			out[spec.Column] = ColumnDelta{Kind: spec.Kind, Count: 1}
		} else {
			out[spec.Column] = ColumnDelta{Kind: spec.Kind, Count: 1, Sum: num}
		}
	}
	return out, nil
}

// foldFull folds one base-relation row into a full recomputation state,
// including non-invertible columns. Used by group rescan and reconciliation.
func (m *measures) foldFull(st *stream.AggregateState, row map[string]any) error {
	st.Rows++
	for _, spec := range m.specs {
		acc := st.Columns[spec.Column]
		acc.Kind = spec.Kind

		if spec.Kind == stream.AggCount && spec.Expr == "" {
			acc.Count++
			st.Columns[spec.Column] = acc
			continue
		}

		v, err := m.args[spec.Column].Value(row)
		if err != nil {
			return err
		}
		num, ok := Numeric(v)
		if !ok {
			st.Columns[spec.Column] = acc
			continue
		}

		switch spec.Kind {
		case stream.AggCount:
			acc.Count++
		case stream.AggSum, stream.AggAvg:
			acc.Count++
			acc.Sum = acc.Sum.Add(num)
		case stream.AggMin:
			if !acc.Valid || num.LessThan(acc.Value) {
				acc.Value = num
			}
			acc.Valid = true
		case stream.AggMax:
			if !acc.Valid || num.GreaterThan(acc.Value) {
				acc.Value = num
			}
			acc.Valid = true
		}
		st.Columns[spec.Column] = acc
	}
	return nil
}

// hasNonInvertible reports whether any output column needs rescans.
func (m *measures) hasNonInvertible() bool {
	for _, spec := range m.specs {
		if !spec.Invertible {
			return true
		}
	}
	return false
}
