// Package stats aggregates event counts into hour, day, month and year
// buckets and reads them back as complete, evenly spaced series.
//
// Each (key, granularity) pair owns one counter row. Column names are bucket
// starts encoded so that bytewise order is numeric order. Increments are
// commutative but not idempotent.
package stats

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	kerrors "github.com/eventkeep/eventkeep/internal/errors"
	"github.com/eventkeep/eventkeep/internal/keys"
	"github.com/eventkeep/eventkeep/internal/logging"
	"github.com/eventkeep/eventkeep/internal/wide"
	"github.com/eventkeep/eventkeep/pkg/types"
)

// StartResolver finds the earliest recorded activity of a key. The timeline
// index implements it.
type StartResolver interface {
	Oldest(ctx context.Context, key keys.Key) (int64, bool, error)
}

// Bucket is one period of a series.
type Bucket struct {
	Start int64 `json:"start"`
	Count int64 `json:"count"`
}

// Series is a gap-filled run of consecutive buckets.
type Series struct {
	Start       int64             `json:"start"`
	Granularity types.Granularity `json:"-"`
	Buckets     []Bucket          `json:"buckets"`
	// Clipped is set when the requested start was raised to the
	// granularity's maximum lookback.
	Clipped bool `json:"clipped,omitempty"`
}

// Counts returns the bucket counts in order.
func (s Series) Counts() []int64 {
	out := make([]int64, len(s.Buckets))
	for i, b := range s.Buckets {
		out[i] = b.Count
	}
	return out
}

// Aggregator reads and writes statistics counter rows.
type Aggregator struct {
	wide     wide.Store
	resolver StartResolver
	group    singleflight.Group
	log      *slog.Logger
}

// New creates an aggregator over w. resolver may be nil, in which case
// "all time" reads start at the oldest recorded bucket.
func New(w wide.Store, resolver StartResolver) *Aggregator {
	return &Aggregator{
		wide:     w,
		resolver: resolver,
		log:      logging.Component("stats"),
	}
}

// BucketName encodes a bucket start as a column name: big-endian with the
// sign bit flipped so negative starts sort first.
func BucketName(start int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(start)^(1<<63))
	return buf[:]
}

// ParseBucketName decodes a column name written by BucketName.
func ParseBucketName(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("stats: bucket name has %d bytes", len(b))
	}
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63)), nil
}

// Stage adds amount to the bucket containing ts at every granularity.
func (a *Aggregator) Stage(b *wide.Batch, key keys.Key, ts, amount int64) {
	for _, g := range types.Granularities {
		b.Increment(wide.FamilyStatistics, key.Statistics(g), BucketName(g.Truncate(ts)), amount)
	}
}

// Increment applies one Stage immediately.
func (a *Aggregator) Increment(ctx context.Context, key keys.Key, ts, amount int64) error {
	b := wide.NewBatch()
	a.Stage(b, key, ts, amount)
	return a.wide.Apply(ctx, b)
}

// Read returns the gap-filled series of key at granularity g over [from, to).
// A zero from means "all time": the start is taken from the key's oldest
// activity. A from older than the granularity's maximum lookback is raised to
// it. The series starts at the truncated start and has exactly one bucket per
// period before to; it is empty when no period fits.
func (a *Aggregator) Read(ctx context.Context, key keys.Key, g types.Granularity, from, to int64) (Series, error) {
	if from < 0 {
		return Series{}, kerrors.NewInvalidRangeError(fmt.Sprintf("negative from %d", from))
	}
	if from >= to {
		return Series{}, kerrors.NewInvalidRangeError(fmt.Sprintf("from %d must precede to %d", from, to))
	}

	series := Series{Granularity: g}
	if from != 0 {
		if floor, bounded := g.MaxLookback(to); bounded && from < floor {
			a.log.Debug("range clipped", "key", key.String(), "granularity", g.String(), "from", from, "clipped_from", floor)
			from = floor
			series.Clipped = true
		}
	} else {
		start, ok, err := a.resolveStart(ctx, key, g)
		if err != nil {
			return Series{}, err
		}
		if !ok {
			return series, nil
		}
		from = start
	}

	start := g.Truncate(from)
	if start >= to {
		return series, nil
	}

	cols, err := a.wide.CounterSlice(ctx, wide.FamilyStatistics, key.Statistics(g), wide.SliceRange{
		From: BucketName(start),
		To:   BucketName(to),
	})
	if err != nil {
		return Series{}, err
	}
	counts := make(map[int64]int64, len(cols))
	for _, c := range cols {
		p, err := ParseBucketName(c.Name)
		if err != nil {
			return Series{}, kerrors.NewIntegrityError(kerrors.CodeCorruptBlob,
				fmt.Sprintf("statistics %s: malformed bucket", key), err)
		}
		counts[p] += c.Value
	}

	series.Start = start
	for p := start; p < to; p = g.Next(p) {
		series.Buckets = append(series.Buckets, Bucket{Start: p, Count: counts[p]})
	}
	return series, nil
}

// resolveStart finds the earliest activity for an "all time" read. Concurrent
// identical lookups share one backend round trip. The shared lookup is not
// bound to any single caller's cancellation; each caller stops waiting when
// its own ctx is done.
func (a *Aggregator) resolveStart(ctx context.Context, key keys.Key, g types.Granularity) (int64, bool, error) {
	type resolved struct {
		start int64
		ok    bool
	}
	row := key.Statistics(g)
	shared := context.WithoutCancel(ctx)
	ch := a.group.DoChan(row, func() (interface{}, error) {
		if a.resolver != nil {
			ts, ok, err := a.resolver.Oldest(shared, key)
			if err != nil {
				return nil, err
			}
			if ok {
				return resolved{ts, true}, nil
			}
		}
		// Fall back to the oldest counter column.
		cols, err := a.wide.CounterSlice(shared, wide.FamilyStatistics, row, wide.SliceRange{Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(cols) == 0 {
			return resolved{}, nil
		}
		ts, err := ParseBucketName(cols[0].Name)
		if err != nil {
			return nil, kerrors.NewIntegrityError(kerrors.CodeCorruptBlob,
				fmt.Sprintf("statistics %s: malformed bucket", key), err)
		}
		return resolved{ts, true}, nil
	})
	select {
	case <-ctx.Done():
		return 0, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, false, res.Err
		}
		r := res.Val.(resolved)
		return r.start, r.ok, nil
	}
}
