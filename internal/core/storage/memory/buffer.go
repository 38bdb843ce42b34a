package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/deltaview-lab/deltaview/internal/core/stream"
)

// ChangeBuffer is an in-memory per-table append-only change buffer.
// WAL-mode delivery is at-least-once, so Append dedupes on the sequence
// token; the record's first arrival wins.
type ChangeBuffer struct {
	mu      sync.Mutex
	records map[string][]stream.ChangeRecord // per table, ascending Seq
	seen    map[string]map[int64]bool
}

func NewChangeBuffer() *ChangeBuffer {
	return &ChangeBuffer{
		records: make(map[string][]stream.ChangeRecord),
		seen:    make(map[string]map[int64]bool),
	}
}

func (b *ChangeBuffer) Append(_ context.Context, tableID string, rec stream.ChangeRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen, ok := b.seen[tableID]
	if !ok {
		seen = make(map[int64]bool)
		b.seen[tableID] = seen
	}
	if seen[rec.Seq] {
		return nil
	}
	seen[rec.Seq] = true

	// Concurrent producers can deliver out of sequence order; insert at the
	// record's position so reads always see ascending Seq.
	recs := b.records[tableID]
	i := sort.Search(len(recs), func(i int) bool { return recs[i].Seq > rec.Seq })
	recs = append(recs, stream.ChangeRecord{})
	copy(recs[i+1:], recs[i:])
	recs[i] = rec
	b.records[tableID] = recs
	return nil
}

func (b *ChangeBuffer) ReadAfter(_ context.Context, tableID string, cursor int64, limit int) ([]stream.ChangeRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []stream.ChangeRecord
	for _, rec := range b.records[tableID] {
		if rec.Seq <= cursor {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (b *ChangeBuffer) Prune(_ context.Context, tableID string, upTo int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	recs := b.records[tableID]
	kept := recs[:0]
	for _, rec := range recs {
		if rec.Seq > upTo {
			kept = append(kept, rec)
		}
	}
	b.records[tableID] = kept
	return nil
}
