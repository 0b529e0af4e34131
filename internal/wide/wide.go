// Package wide defines the wide-column storage contract eventkeep is built on
// and provides in-memory, SQLite and Badger implementations of it.
//
// A store holds named column families. Each family maps a row key to columns
// ordered bytewise by name. Plain families hold byte values; counter families
// hold 64-bit associative counters that are only ever incremented.
package wide

import (
	"context"
	"fmt"

	kerrors "github.com/eventkeep/eventkeep/internal/errors"
)

// Family names a column family.
type Family string

const (
	// FamilyEvent: row = event id; columns = type, payload, checksum, ...
	FamilyEvent Family = "event"
	// FamilyTimeline: row = composite key; column = time uuid, value = event id
	FamilyTimeline Family = "timeline"
	// FamilyStatistics: row = statistics key; column = bucket start, value = counter
	FamilyStatistics Family = "statistics"
	// FamilyChannel: row = registry sentinel; column = channel name, value = counter
	FamilyChannel Family = "channel"
	// FamilyIndex: row = index shape key; column = value tuple, value = counter
	FamilyIndex Family = "index"
)

// Families lists every family a store must provide.
var Families = []Family{FamilyEvent, FamilyTimeline, FamilyStatistics, FamilyChannel, FamilyIndex}

// IsCounter reports whether the family holds counters.
func (f Family) IsCounter() bool {
	switch f {
	case FamilyStatistics, FamilyChannel, FamilyIndex:
		return true
	default:
		return false
	}
}

func (f Family) valid() bool {
	for _, known := range Families {
		if f == known {
			return true
		}
	}
	return false
}

// Column is a plain cell.
type Column struct {
	Name  []byte
	Value []byte
}

// CounterColumn is a counter cell.
type CounterColumn struct {
	Name  []byte
	Value int64
}

// SliceRange bounds a single-row column scan. From is inclusive, To is
// exclusive, both compared bytewise against column names; nil means open.
// Reverse returns columns in descending name order. Limit <= 0 means no limit.
type SliceRange struct {
	From    []byte
	To      []byte
	Reverse bool
	Limit   int
}

// Store is a wide-column store. Implementations are safe for concurrent use.
// Reads provide no snapshot isolation against concurrent Apply calls.
type Store interface {
	// Apply executes the batch's mutations in order. Whether a failed batch
	// leaves earlier mutations applied is implementation specific.
	Apply(ctx context.Context, b *Batch) error

	// Get returns the named columns of one row that exist, in name order.
	Get(ctx context.Context, family Family, row string, names ...[]byte) ([]Column, error)

	// MultiGet fetches several rows of a plain family. With no names every
	// column is returned. Rows without columns are absent from the result.
	MultiGet(ctx context.Context, family Family, rows []string, names ...[]byte) (map[string][]Column, error)

	// Slice scans one row of a plain family.
	Slice(ctx context.Context, family Family, row string, r SliceRange) ([]Column, error)

	// CounterSlice scans one row of a counter family.
	CounterSlice(ctx context.Context, family Family, row string, r SliceRange) ([]CounterColumn, error)

	// Count returns the number of columns in range, stopping at r.Limit when positive.
	Count(ctx context.Context, family Family, row string, r SliceRange) (int, error)

	// Close releases the store.
	Close() error
}

// Snapshotter is implemented by stores that can write a consistent copy of
// their contents to a local file.
type Snapshotter interface {
	Snapshot(ctx context.Context, dstPath string) error
}

// MutationKind distinguishes plain writes from counter increments.
type MutationKind int

const (
	MutationPut MutationKind = iota
	MutationIncrement
)

// Mutation is one write in a batch.
type Mutation struct {
	Kind   MutationKind
	Family Family
	Row    string
	Name   []byte
	Value  []byte
	Delta  int64
}

// Batch is an ordered list of mutations applied together by Store.Apply.
// A Batch is not safe for concurrent use.
type Batch struct {
	mutations []Mutation
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Put writes a plain column.
func (b *Batch) Put(family Family, row string, name, value []byte) {
	b.mutations = append(b.mutations, Mutation{Kind: MutationPut, Family: family, Row: row, Name: name, Value: value})
}

// Increment adds delta to a counter column.
func (b *Batch) Increment(family Family, row string, name []byte, delta int64) {
	b.mutations = append(b.mutations, Mutation{Kind: MutationIncrement, Family: family, Row: row, Name: name, Delta: delta})
}

// Len returns the number of mutations.
func (b *Batch) Len() int {
	return len(b.mutations)
}

// Mutations returns the mutations in application order.
func (b *Batch) Mutations() []Mutation {
	return b.mutations
}

// validate rejects mutations that do not match their family's kind before
// anything is written.
func (b *Batch) validate() error {
	for i, m := range b.mutations {
		if !m.Family.valid() {
			return kerrors.NewInternalError(fmt.Sprintf("mutation %d: unknown family %q", i, m.Family), nil)
		}
		if m.Family.IsCounter() != (m.Kind == MutationIncrement) {
			return kerrors.NewInternalError(fmt.Sprintf("mutation %d: kind does not match family %q", i, m.Family), nil)
		}
	}
	return nil
}

func checkFamily(family Family, counter bool) error {
	if !family.valid() {
		return kerrors.NewInternalError(fmt.Sprintf("unknown family %q", family), nil)
	}
	if family.IsCounter() != counter {
		return kerrors.NewInternalError(fmt.Sprintf("family %q read with the wrong column kind", family), nil)
	}
	return nil
}
