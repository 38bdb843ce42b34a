// Package classify decides, per stream table definition, whether its query
// qualifies for the synchronous in-transaction fast path.
//
// The decision is purely structural and runs at compile time and again on
// every query or source schema change. Ineligible queries are never compiled
// to a point-update descriptor; they always run on the batched differential
// path.
package classify

import (
	"fmt"
	"strings"

	"github.com/deltaview-lab/deltaview/internal/core/stream"
	"github.com/deltaview-lab/deltaview/internal/query"
)

// Classification is the outcome for one query.
type Classification struct {
	Eligible bool
	Reason   string // why the query was rejected; empty when eligible
	Specs    []stream.AggregateSpec
	GroupBy  []string
}

// Classify applies the eligibility decision procedure:
//
//  1. Reject joins, subqueries and more than one GROUP BY clause.
//  2. Reject any aggregate whose kind is not count, sum or avg.
//  3. Otherwise eligible; avg is carried as a (sum, count) pair internally
//     and derived on read.
//
// The returned Specs describe every aggregate column either way, so the
// batch compiler reuses them for ineligible queries.
func Classify(q *query.Query) Classification {
	specs := buildSpecs(q)
	c := Classification{Specs: specs, GroupBy: q.GroupBy}

	switch {
	case q.HasJoin:
		c.Reason = "query contains a join"
	case q.HasSubquery:
		c.Reason = "query contains a subquery"
	case q.GroupByClauses > 1:
		c.Reason = fmt.Sprintf("query has %d GROUP BY clauses", q.GroupByClauses)
	case q.Distinct:
		c.Reason = "SELECT DISTINCT is not invertible"
	case q.Having != "":
		c.Reason = "HAVING requires post-aggregate filtering"
	case len(specs) == 0:
		c.Reason = "query has no aggregate columns"
	default:
		for _, s := range specs {
			if !s.Invertible {
				c.Reason = fmt.Sprintf("aggregate %s(%s) is not invertible", s.Kind, s.Expr)
				break
			}
		}
	}

	c.Eligible = c.Reason == ""
	return c
}

// buildSpecs maps the query's aggregate calls onto AggregateSpecs.
func buildSpecs(q *query.Query) []stream.AggregateSpec {
	var specs []stream.AggregateSpec
	for _, col := range q.Columns {
		if col.Agg == nil {
			continue
		}
		specs = append(specs, specFor(col.Name, *col.Agg))
	}
	return specs
}

func specFor(name string, call query.AggCall) stream.AggregateSpec {
	spec := stream.AggregateSpec{Column: name, Expr: call.Arg}

	switch strings.ToUpper(call.Func) {
	case "COUNT":
		spec.Kind = stream.AggCount
	case "SUM":
		spec.Kind = stream.AggSum
	case "AVG":
		spec.Kind = stream.AggAvg
	case "MIN":
		spec.Kind = stream.AggMin
	case "MAX":
		spec.Kind = stream.AggMax
	default:
		spec.Kind = stream.AggOther
	}

	// COUNT(DISTINCT x) cannot be maintained from deltas: removing one
	// duplicate must not decrement the distinct count.
	spec.Invertible = stream.Invertible(spec.Kind) && !call.Distinct
	return spec
}
