package plan

import (
	"time"

	"github.com/deltaview-lab/deltaview/internal/core/stream"
)

// MergeGroupDelta folds one batch-path GroupDelta into an AggregateState
// row. Stores call this inside their apply transaction; the delta carries
// everything needed, so stores stay ignorant of query shapes.
func MergeGroupDelta(st *stream.AggregateState, gd *GroupDelta, now time.Time) {
	if st.Columns == nil {
		st.Columns = make(map[string]stream.Accumulator, len(gd.Cols))
	}
	st.Key = gd.Key
	if gd.GroupValues != nil {
		st.GroupValues = gd.GroupValues
	}
	st.Rows += gd.Rows
	for col, cd := range gd.Cols {
		acc := st.Columns[col]
		if acc.Kind == "" {
			acc.Kind = cd.Kind
		}
		acc.Count += cd.Count
		acc.Sum = acc.Sum.Add(cd.Sum)
		st.Columns[col] = acc
	}
	st.UpdatedAt = now
}
