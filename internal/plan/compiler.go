// Package plan compiles a stream table's parsed query into an executable
// incremental-update plan: a point-update descriptor for fast-path eligible
// queries, or a differential operator graph for everything else.
package plan

import (
	"encoding/json"
	"fmt"

	"github.com/deltaview-lab/deltaview/internal/classify"
	"github.com/deltaview-lab/deltaview/internal/core/stream"
	"github.com/deltaview-lab/deltaview/internal/query"
)

// Plan modes.
const (
	ModePoint = "point"
	ModeGraph = "graph"
)

// CompiledPlan is one table's executable plan. It remembers the
// schema_version it was compiled against; any apply against a definition
// whose version has moved on is refused with ErrStalePlan.
type CompiledPlan struct {
	Mode          string
	TableID       string
	SchemaVersion int64
	Specs         []stream.AggregateSpec
	GroupBy       []string

	Point *PointUpdatePlan // set when Mode == ModePoint
	Graph *OperatorGraph   // always set; the fast path falls back to it
}

// descriptor is the serialized plan form persisted through the StateStore.
// Executable expression programs are rebuilt from it on load.
type descriptor struct {
	Mode          string                 `json:"mode"`
	TableID       string                 `json:"table_id"`
	SchemaVersion int64                  `json:"schema_version"`
	Query         string                 `json:"query"`
	GroupBy       []string               `json:"group_by"`
	Where         string                 `json:"where,omitempty"`
	Specs         []stream.AggregateSpec `json:"specs"`
}

// Compile builds the plan for a definition. The classification decides the
// mode; compilation failures surface as CompilationError so the caller can
// disable the fast path and record last_error.
func Compile(def stream.StreamTableDefinition, q *query.Query, cls classify.Classification) (*CompiledPlan, error) {
	m, err := newMeasures(cls.Specs, cls.GroupBy, q.Where)
	if err != nil {
		return nil, &stream.CompilationError{Table: def.Name, Err: err}
	}

	p := &CompiledPlan{
		Mode:          ModeGraph,
		TableID:       def.ID,
		SchemaVersion: def.SchemaVersion,
		Specs:         cls.Specs,
		GroupBy:       cls.GroupBy,
		Graph: &OperatorGraph{
			TableID:       def.ID,
			SchemaVersion: def.SchemaVersion,
			filter:        &FilterNode{m: m},
			agg:           &AggregateNode{m: m},
			m:             m,
		},
	}

	if cls.Eligible {
		p.Mode = ModePoint
		p.Point = &PointUpdatePlan{
			TableID:       def.ID,
			SchemaVersion: def.SchemaVersion,
			m:             m,
		}
	}
	return p, nil
}

// CompileDefinition parses, classifies and compiles in one step.
func CompileDefinition(def stream.StreamTableDefinition) (*CompiledPlan, classify.Classification, error) {
	q, err := query.Parse(def.Query)
	if err != nil {
		return nil, classify.Classification{}, &stream.CompilationError{Table: def.Name, Err: err}
	}
	cls := classify.Classify(q)
	p, err := Compile(def, q, cls)
	return p, cls, err
}

// CheckFresh refuses to run against a definition whose schema_version has
// moved past the version the plan was compiled at.
func (p *CompiledPlan) CheckFresh(def stream.StreamTableDefinition) error {
	if def.SchemaVersion != p.SchemaVersion {
		return fmt.Errorf("%w: compiled at v%d, definition at v%d",
			stream.ErrStalePlan, p.SchemaVersion, def.SchemaVersion)
	}
	return nil
}

// Descriptor serializes the plan for persistence through the StateStore.
func (p *CompiledPlan) Descriptor(queryText string, where string) ([]byte, error) {
	d := descriptor{
		Mode:          p.Mode,
		TableID:       p.TableID,
		SchemaVersion: p.SchemaVersion,
		Query:         queryText,
		GroupBy:       p.GroupBy,
		Where:         where,
		Specs:         p.Specs,
	}
	out, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal plan descriptor: %w", err)
	}
	return out, nil
}

// LoadDescriptor rebuilds an executable plan from a persisted descriptor.
func LoadDescriptor(raw []byte) (*CompiledPlan, error) {
	var d descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("unmarshal plan descriptor: %w", err)
	}
	m, err := newMeasures(d.Specs, d.GroupBy, d.Where)
	if err != nil {
		return nil, err
	}
	p := &CompiledPlan{
		Mode:          d.Mode,
		TableID:       d.TableID,
		SchemaVersion: d.SchemaVersion,
		Specs:         d.Specs,
		GroupBy:       d.GroupBy,
		Graph: &OperatorGraph{
			TableID:       d.TableID,
			SchemaVersion: d.SchemaVersion,
			filter:        &FilterNode{m: m},
			agg:           &AggregateNode{m: m},
			m:             m,
		},
	}
	if d.Mode == ModePoint {
		p.Point = &PointUpdatePlan{TableID: d.TableID, SchemaVersion: d.SchemaVersion, m: m}
	}
	return p, nil
}
