package stream

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// CDC mode for a stream table. The two modes are mutually exclusive per table.
const (
	CDCModeTrigger = "trigger" // synchronous per-row callback inside the mutating transaction
	CDCModeWAL     = "wal"     // asynchronous log decoding, at-least-once into the change buffer
)

// Aggregate kinds. Only count/sum/avg are invertible; avg is never stored,
// it is derived from a (sum, count) pair at read time.
const (
	AggCount = "count"
	AggSum   = "sum"
	AggAvg   = "avg"
	AggMin   = "min"
	AggMax   = "max"
	AggOther = "other"
)

// Invertible reports whether an aggregate of the given kind can be maintained
// from its old value and a delta alone, without rescanning base data.
func Invertible(kind string) bool {
	switch kind {
	case AggCount, AggSum, AggAvg:
		return true
	}
	return false
}

// ChangeOp is the row-level operation captured by CDC.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// ChangeRecord is one captured row mutation on a source relation.
//
// Seq is a per-source monotonic token reflecting commit order: every consumer
// observes records for one source in non-decreasing Seq order, and records
// from one transaction are contiguous.
type ChangeRecord struct {
	SourceID string
	Op       ChangeOp
	Before   map[string]any // nil for insert
	After    map[string]any // nil for delete
	Seq      int64
	TxID     string
}

// StreamTableDefinition is the catalog record driving one maintained result
// table. The catalog owns it; the engine reads it to execute and writes back
// CompiledPlan, FastPathEnabled, LastError and ConsecutiveFailures.
//
// Invariant: FastPathEnabled ⇒ CDCMode == CDCModeTrigger.
type StreamTableDefinition struct {
	ID        string
	Name      string
	SourceID  string
	Query     string
	CDCMode   string
	TargetRel string

	FastPathEnabled bool
	// CompiledPlan is the serialized plan descriptor. Opaque to callers;
	// the compiler produces it and the executors refuse to run a plan whose
	// SchemaVersion no longer matches.
	CompiledPlan  []byte
	SchemaVersion int64

	LastError           string
	ConsecutiveFailures int

	// Per-table overrides; zero means "use the system-wide default".
	TickInterval         time.Duration
	ReconcileInterval    time.Duration
	CardinalityThreshold int

	Fingerprint string
	UpdatedAt   time.Time
}

// Validate checks the definition's internal invariants.
func (d StreamTableDefinition) Validate() error {
	if d.Name == "" {
		return ErrEmptyName
	}
	if d.SourceID == "" {
		return ErrEmptySource
	}
	if strings.TrimSpace(d.Query) == "" {
		return ErrEmptyQuery
	}
	if d.CDCMode != CDCModeTrigger && d.CDCMode != CDCModeWAL {
		return ErrBadCDCMode
	}
	if d.FastPathEnabled && d.CDCMode != CDCModeTrigger {
		return ErrFastPathNeedsTrigger
	}
	return nil
}

// AggregateSpec describes one aggregate output column.
type AggregateSpec struct {
	Column     string // output column name
	Kind       string // count, sum, avg, min, max, other
	Expr       string // source expression text; empty for COUNT(*)
	Invertible bool
}

// GroupKey identifies one row of the target table: the canonical encoding of
// the grouping-column tuple. The empty tuple (ungrouped aggregation) encodes
// to SingletonKey.
type GroupKey string

// SingletonKey is the GroupKey of the single result row of an ungrouped query.
const SingletonKey GroupKey = "\x00"

// keySep separates tuple elements inside a GroupKey; nullElem marks a NULL
// grouping value. Elements are length-prefixed, so neither marker can be
// forged by a column value that happens to contain it.
const (
	keySep   = "\x1f"
	nullElem = "-"
)

// KeyOf encodes a grouping tuple into its canonical GroupKey. The encoding
// is injective: distinct tuples always yield distinct keys.
func KeyOf(values []any) GroupKey {
	if len(values) == 0 {
		return SingletonKey
	}
	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteString(keySep)
		}
		if v == nil {
			b.WriteString(nullElem)
			continue
		}
		s := cast.ToString(v)
		b.WriteString(strconv.Itoa(len(s)))
		b.WriteByte(':')
		b.WriteString(s)
	}
	return GroupKey(b.String())
}

// Accumulator holds the stored state for one aggregate column of one group.
// Count and Sum carry the invertible kinds; Value carries the latest full
// recomputation of a non-invertible kind.
type Accumulator struct {
	Kind  string          `json:"kind"`
	Count int64           `json:"count"`
	Sum   decimal.Decimal `json:"sum"`
	Value decimal.Decimal `json:"value"`
	Valid bool            `json:"valid"` // Value has been computed
}

// Report derives the column's reported value. Avg is sum/count, undefined
// (nil) when count is zero; sum follows SQL and reports NULL over zero rows.
func (a Accumulator) Report() any {
	switch a.Kind {
	case AggCount:
		return a.Count
	case AggSum:
		if a.Count == 0 {
			return nil
		}
		return a.Sum
	case AggAvg:
		if a.Count == 0 {
			return nil
		}
		return a.Sum.Div(decimal.NewFromInt(a.Count))
	default:
		if !a.Valid {
			return nil
		}
		return a.Value
	}
}

// AggregateState is one exclusively-owned row of the target table.
// Rows is the group's live row count; when it returns to zero the row is
// removable.
type AggregateState struct {
	Key         GroupKey               `json:"key"`
	GroupValues []any                  `json:"group_values"`
	Rows        int64                  `json:"rows"`
	Columns     map[string]Accumulator `json:"columns"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Empty reports whether the state has returned to the identity and the row
// can be removed from the target table.
func (s AggregateState) Empty() bool { return s.Rows <= 0 }

// Clone returns a deep copy safe to mutate.
func (s AggregateState) Clone() AggregateState {
	out := s
	out.GroupValues = append([]any(nil), s.GroupValues...)
	out.Columns = make(map[string]Accumulator, len(s.Columns))
	for k, v := range s.Columns {
		out.Columns[k] = v
	}
	return out
}

// Report renders the row as reported column values.
func (s AggregateState) Report() map[string]any {
	out := make(map[string]any, len(s.Columns))
	for name, acc := range s.Columns {
		out[name] = acc.Report()
	}
	return out
}
