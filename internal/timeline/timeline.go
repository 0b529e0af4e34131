// Package timeline maintains per-key, time-ordered lists of event ids.
//
// Each key's row holds one column per entry. Column names are TimeUUIDs, so
// bytewise column order is timestamp order with same-millisecond entries kept
// distinct. Column values are event ids.
package timeline

import (
	"context"
	"fmt"

	kerrors "github.com/eventkeep/eventkeep/internal/errors"
	"github.com/eventkeep/eventkeep/internal/keys"
	"github.com/eventkeep/eventkeep/internal/wide"
	"github.com/eventkeep/eventkeep/pkg/types"
)

// Range is a half-open time window [From, To) in epoch milliseconds.
// Zero leaves that side unbounded.
type Range struct {
	From int64
	To   int64
}

// Validate rejects windows whose bounds are both set and out of order.
func (r Range) Validate() error {
	if r.From < 0 || r.To < 0 {
		return kerrors.NewInvalidRangeError(fmt.Sprintf("negative bound in [%d, %d)", r.From, r.To))
	}
	if r.From != 0 && r.To != 0 && r.From >= r.To {
		return kerrors.NewInvalidRangeError(fmt.Sprintf("from %d must precede to %d", r.From, r.To))
	}
	return nil
}

func (r Range) slice() wide.SliceRange {
	var sr wide.SliceRange
	if r.From != 0 {
		sr.From = types.TimeUUIDLowerBound(r.From).Bytes()
	}
	if r.To != 0 {
		sr.To = types.TimeUUIDLowerBound(r.To).Bytes()
	}
	return sr
}

// Entry is one timeline column.
type Entry struct {
	ID      types.TimeUUID
	EventID string
}

// Timestamp returns the entry's time in epoch milliseconds.
func (e Entry) Timestamp() int64 {
	return e.ID.Timestamp()
}

// Index reads and writes timeline rows.
type Index struct {
	wide wide.Store
	gen  *types.TimeUUIDGenerator
}

// New creates a timeline index over w.
func New(w wide.Store) *Index {
	return &Index{wide: w, gen: types.NewTimeUUIDGenerator()}
}

// Stage adds an entry for eventID at ts under key to b.
func (x *Index) Stage(b *wide.Batch, key keys.Key, ts int64, eventID string) error {
	id, err := x.gen.GenerateAt(ts)
	if err != nil {
		return kerrors.NewValidationError(kerrors.CodeInvalidEvent,
			fmt.Sprintf("event %q: timestamp %d: %v", eventID, ts, err))
	}
	b.Put(wide.FamilyTimeline, key.Row(), id.Bytes(), []byte(eventID))
	return nil
}

// Append writes one entry immediately.
func (x *Index) Append(ctx context.Context, key keys.Key, ts int64, eventID string) error {
	b := wide.NewBatch()
	if err := x.Stage(b, key, ts, eventID); err != nil {
		return err
	}
	return x.wide.Apply(ctx, b)
}

// Scan returns up to limit entries of key within r after skipping offset
// entries, newest first unless ascending is set. A limit <= 0 returns every
// entry in range.
func (x *Index) Scan(ctx context.Context, key keys.Key, r Range, limit, offset int, ascending bool) ([]Entry, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	sr := r.slice()
	sr.Reverse = !ascending
	if limit > 0 {
		sr.Limit = limit + offset
	}

	cols, err := x.wide.Slice(ctx, wide.FamilyTimeline, key.Row(), sr)
	if err != nil {
		return nil, err
	}
	if offset >= len(cols) {
		return nil, nil
	}
	cols = cols[offset:]

	out := make([]Entry, 0, len(cols))
	for _, c := range cols {
		id, err := types.TimeUUIDFromBytes(c.Name)
		if err != nil {
			return nil, kerrors.NewIntegrityError(kerrors.CodeCorruptBlob,
				fmt.Sprintf("timeline %s: malformed column", key), err)
		}
		out = append(out, Entry{ID: id, EventID: string(c.Value)})
	}
	return out, nil
}

// ScanRange returns up to limit event ids of key within r, newest first
// unless ascending is set.
func (x *Index) ScanRange(ctx context.Context, key keys.Key, r Range, limit int, ascending bool) ([]string, error) {
	entries, err := x.Scan(ctx, key, r, limit, 0, ascending)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.EventID
	}
	return ids, nil
}

// Count returns the number of entries of key within r, stopping at cap when
// cap is positive. Results at the cap are a lower bound.
func (x *Index) Count(ctx context.Context, key keys.Key, r Range, cap int) (int, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	sr := r.slice()
	sr.Limit = cap
	return x.wide.Count(ctx, wide.FamilyTimeline, key.Row(), sr)
}

// Oldest returns the timestamp of the earliest entry of key.
func (x *Index) Oldest(ctx context.Context, key keys.Key) (int64, bool, error) {
	entries, err := x.Scan(ctx, key, Range{}, 1, 0, true)
	if err != nil {
		return 0, false, err
	}
	if len(entries) == 0 {
		return 0, false, nil
	}
	return entries[0].Timestamp(), true, nil
}
