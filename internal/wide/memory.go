package wide

import (
	"bytes"
	"context"
	"sort"
	"sync"

	kerrors "github.com/eventkeep/eventkeep/internal/errors"
)

// MemoryStore is an in-process Store used by tests and the "memory" storage
// type. Mutations of a batch are applied one at a time without rollback, the
// same partial-application behavior a distributed store exhibits.
type MemoryStore struct {
	mu       sync.RWMutex
	plain    map[Family]map[string]map[string][]byte
	counters map[Family]map[string]map[string]int64

	// one-shot fault injection
	failAfter int
	failErr   error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		plain:     make(map[Family]map[string]map[string][]byte),
		counters:  make(map[Family]map[string]map[string]int64),
		failAfter: -1,
	}
	for _, f := range Families {
		if f.IsCounter() {
			s.counters[f] = make(map[string]map[string]int64)
		} else {
			s.plain[f] = make(map[string]map[string][]byte)
		}
	}
	return s
}

// FailNextApply makes the next Apply return err after applying n mutations.
func (s *MemoryStore) FailNextApply(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAfter = n
	s.failErr = err
}

// Apply implements Store.
func (s *MemoryStore) Apply(ctx context.Context, b *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	failAfter, failErr := s.failAfter, s.failErr
	s.failAfter, s.failErr = -1, nil

	for i, m := range b.mutations {
		if i == failAfter {
			return kerrors.NewBackendError("memory: injected failure", failErr)
		}
		name := string(m.Name)
		if m.Kind == MutationIncrement {
			row := s.counters[m.Family][m.Row]
			if row == nil {
				row = make(map[string]int64)
				s.counters[m.Family][m.Row] = row
			}
			row[name] += m.Delta
			continue
		}
		row := s.plain[m.Family][m.Row]
		if row == nil {
			row = make(map[string][]byte)
			s.plain[m.Family][m.Row] = row
		}
		row[name] = bytes.Clone(m.Value)
	}
	if failAfter >= len(b.mutations) {
		return kerrors.NewBackendError("memory: injected failure", failErr)
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, family Family, row string, names ...[]byte) ([]Column, error) {
	if err := checkFamily(family, false); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(family, row, names), nil
}

func (s *MemoryStore) getLocked(family Family, row string, names [][]byte) []Column {
	cols := s.plain[family][row]
	if len(cols) == 0 {
		return nil
	}
	if len(names) == 0 {
		return sliceColumns(cols, SliceRange{})
	}
	var out []Column
	for _, n := range names {
		if v, ok := cols[string(n)]; ok {
			out = append(out, Column{Name: bytes.Clone(n), Value: bytes.Clone(v)})
		}
	}
	sortColumns(out)
	return out
}

// MultiGet implements Store.
func (s *MemoryStore) MultiGet(ctx context.Context, family Family, rows []string, names ...[]byte) (map[string][]Column, error) {
	if err := checkFamily(family, false); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]Column, len(rows))
	for _, row := range rows {
		if cols := s.getLocked(family, row, names); len(cols) > 0 {
			out[row] = cols
		}
	}
	return out, nil
}

// Slice implements Store.
func (s *MemoryStore) Slice(ctx context.Context, family Family, row string, r SliceRange) ([]Column, error) {
	if err := checkFamily(family, false); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sliceColumns(s.plain[family][row], r), nil
}

// CounterSlice implements Store.
func (s *MemoryStore) CounterSlice(ctx context.Context, family Family, row string, r SliceRange) ([]CounterColumn, error) {
	if err := checkFamily(family, true); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	cols := s.counters[family][row]
	names := sliceNames(keysOf(cols), r)
	out := make([]CounterColumn, len(names))
	for i, n := range names {
		out[i] = CounterColumn{Name: []byte(n), Value: cols[n]}
	}
	return out, nil
}

// Count implements Store.
func (s *MemoryStore) Count(ctx context.Context, family Family, row string, r SliceRange) (int, error) {
	if err := checkFamily(family, family.IsCounter()); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if family.IsCounter() {
		return len(sliceNames(keysOf(s.counters[family][row]), r)), nil
	}
	return len(sliceNames(keysOf(s.plain[family][row]), r)), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

func keysOf[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func sliceColumns(cols map[string][]byte, r SliceRange) []Column {
	names := sliceNames(keysOf(cols), r)
	out := make([]Column, len(names))
	for i, n := range names {
		out[i] = Column{Name: []byte(n), Value: bytes.Clone(cols[n])}
	}
	return out
}

// sliceNames sorts, bounds, orders and limits names per r.
func sliceNames(names []string, r SliceRange) []string {
	sort.Strings(names)
	out := names[:0]
	for _, n := range names {
		if r.From != nil && n < string(r.From) {
			continue
		}
		if r.To != nil && n >= string(r.To) {
			continue
		}
		out = append(out, n)
	}
	if r.Reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if r.Limit > 0 && len(out) > r.Limit {
		out = out[:r.Limit]
	}
	return out
}
