// Package memory provides in-process implementations of the storage
// interfaces. They back the unit tests and single-process deployments; the
// postgres adapters are the durable production path.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/deltaview-lab/deltaview/internal/core/storage"
	"github.com/deltaview-lab/deltaview/internal/core/stream"
	"github.com/deltaview-lab/deltaview/internal/plan"
)

type rowKey struct {
	tableID string
	key     stream.GroupKey
}

// AggregateStore is an in-memory storage.AggregateStore with per-row locks,
// mirroring the SELECT ... FOR UPDATE serialization the postgres adapter
// gets from the host store.
type AggregateStore struct {
	mu         sync.Mutex
	tables     map[string]map[stream.GroupKey]stream.AggregateState
	watermarks map[string]int64
	rowLocks   map[rowKey]*sync.Mutex
	buffer     *ChangeBuffer
}

func NewAggregateStore() *AggregateStore {
	return &AggregateStore{
		tables:     make(map[string]map[stream.GroupKey]stream.AggregateState),
		watermarks: make(map[string]int64),
		rowLocks:   make(map[rowKey]*sync.Mutex),
	}
}

// BindChangeBuffer makes b the publication target for transaction-staged
// change appends. In postgres both live in one database and one sql.Tx covers
// them; here the binding plays that role.
func (s *AggregateStore) BindChangeBuffer(b *ChangeBuffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = b
}

func (s *AggregateStore) rowLock(k rowKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.rowLocks[k]
	if !ok {
		l = &sync.Mutex{}
		s.rowLocks[k] = l
	}
	return l
}

func (s *AggregateStore) table(tableID string) map[stream.GroupKey]stream.AggregateState {
	t, ok := s.tables[tableID]
	if !ok {
		t = make(map[stream.GroupKey]stream.AggregateState)
		s.tables[tableID] = t
	}
	return t
}

// Begin opens a fast-path transaction. Writes are staged and become visible
// atomically at Commit; Rollback discards them, which is what makes host
// transaction aborts free of compensating actions.
func (s *AggregateStore) Begin(_ context.Context) (storage.Tx, error) {
	return &memTx{
		store:   s,
		writes:  make(map[rowKey]stream.AggregateState),
		deletes: make(map[rowKey]bool),
		held:    make(map[rowKey]*sync.Mutex),
	}, nil
}

type stagedAppend struct {
	tableID string
	rec     stream.ChangeRecord
}

type memTx struct {
	store   *AggregateStore
	writes  map[rowKey]stream.AggregateState
	deletes map[rowKey]bool
	appends []stagedAppend
	held    map[rowKey]*sync.Mutex
	done    bool
}

func (tx *memTx) GetForUpdate(_ context.Context, tableID string, key stream.GroupKey) (stream.AggregateState, bool, error) {
	rk := rowKey{tableID, key}
	if _, ok := tx.held[rk]; !ok {
		l := tx.store.rowLock(rk)
		l.Lock()
		tx.held[rk] = l
	}

	// Read-your-writes within the transaction.
	if tx.deletes[rk] {
		return stream.AggregateState{}, false, nil
	}
	if st, ok := tx.writes[rk]; ok {
		return st.Clone(), true, nil
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	st, ok := tx.store.table(tableID)[key]
	if !ok {
		return stream.AggregateState{}, false, nil
	}
	return st.Clone(), true, nil
}

func (tx *memTx) Put(_ context.Context, tableID string, st stream.AggregateState) error {
	rk := rowKey{tableID, st.Key}
	delete(tx.deletes, rk)
	tx.writes[rk] = st.Clone()
	return nil
}

func (tx *memTx) Delete(_ context.Context, tableID string, key stream.GroupKey) error {
	rk := rowKey{tableID, key}
	delete(tx.writes, rk)
	tx.deletes[rk] = true
	return nil
}

func (tx *memTx) AppendChange(_ context.Context, tableID string, rec stream.ChangeRecord) error {
	tx.store.mu.Lock()
	bound := tx.store.buffer != nil
	tx.store.mu.Unlock()
	if !bound {
		return errors.New("no change buffer bound to aggregate store")
	}
	tx.appends = append(tx.appends, stagedAppend{tableID: tableID, rec: rec})
	return nil
}

func (tx *memTx) Commit() error {
	if tx.done {
		return nil
	}
	tx.done = true

	tx.store.mu.Lock()
	for rk, st := range tx.writes {
		tx.store.table(rk.tableID)[rk.key] = st
	}
	for rk := range tx.deletes {
		delete(tx.store.table(rk.tableID), rk.key)
	}
	buffer := tx.store.buffer
	tx.store.mu.Unlock()

	// Staged change records publish only now; a rolled-back transaction
	// leaves no trace in the buffer.
	for _, a := range tx.appends {
		if err := buffer.Append(context.Background(), a.tableID, a.rec); err != nil {
			tx.releaseLocks()
			return err
		}
	}

	tx.releaseLocks()
	return nil
}

func (tx *memTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.releaseLocks()
	return nil
}

func (tx *memTx) releaseLocks() {
	// Release in deterministic order; acquisition order is the caller's
	// responsibility (the executor sorts keys before locking).
	keys := make([]rowKey, 0, len(tx.held))
	for rk := range tx.held {
		keys = append(keys, rk)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].tableID != keys[j].tableID {
			return keys[i].tableID < keys[j].tableID
		}
		return keys[i].key < keys[j].key
	})
	for _, rk := range keys {
		tx.held[rk].Unlock()
	}
	tx.held = map[rowKey]*sync.Mutex{}
}

// ApplyBatch merges the drained batch and advances the watermark in one
// critical section. Replaying a batch at or below the current watermark is a
// no-op (the idempotence contract).
func (s *AggregateStore) ApplyBatch(
	_ context.Context,
	tableID string,
	deltas map[stream.GroupKey]*plan.GroupDelta,
	recomputed map[stream.GroupKey]*stream.AggregateState,
	watermark int64,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if watermark <= s.watermarks[tableID] {
		return nil
	}

	now := time.Now().UTC()
	t := s.table(tableID)
	for _, key := range plan.SortedKeys(deltas) {
		gd := deltas[key]
		if rec, ok := recomputed[key]; ok {
			if rec == nil || rec.Empty() {
				delete(t, key)
			} else {
				t[key] = rec.Clone()
			}
			continue
		}
		st := t[key]
		plan.MergeGroupDelta(&st, gd, now)
		if st.Empty() {
			delete(t, key)
			continue
		}
		t[key] = st
	}
	// Rescanned groups with no surviving delta entry (e.g. a group that only
	// existed before the batch) still get replaced.
	for key, rec := range recomputed {
		if _, hasDelta := deltas[key]; hasDelta {
			continue
		}
		if rec == nil || rec.Empty() {
			delete(t, key)
			continue
		}
		t[key] = rec.Clone()
	}

	s.watermarks[tableID] = watermark
	return nil
}

func (s *AggregateStore) Watermark(_ context.Context, tableID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarks[tableID], nil
}

func (s *AggregateStore) Load(_ context.Context, tableID string) (map[stream.GroupKey]stream.AggregateState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[stream.GroupKey]stream.AggregateState, len(s.tables[tableID]))
	for k, st := range s.tables[tableID] {
		out[k] = st.Clone()
	}
	return out, nil
}

func (s *AggregateStore) Replace(
	_ context.Context,
	tableID string,
	states map[stream.GroupKey]stream.AggregateState,
	remove []stream.GroupKey,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(tableID)
	for k, st := range states {
		if st.Empty() {
			delete(t, k)
			continue
		}
		t[k] = st.Clone()
	}
	for _, k := range remove {
		delete(t, k)
	}
	return nil
}

func (s *AggregateStore) GroupCount(_ context.Context, tableID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables[tableID]), nil
}
