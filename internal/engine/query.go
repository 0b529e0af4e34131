package engine

import (
	"context"
	"fmt"
	"time"

	kerrors "github.com/eventkeep/eventkeep/internal/errors"
	"github.com/eventkeep/eventkeep/internal/keys"
	"github.com/eventkeep/eventkeep/internal/stats"
	"github.com/eventkeep/eventkeep/internal/timeline"
	"github.com/eventkeep/eventkeep/internal/wide"
	"github.com/eventkeep/eventkeep/pkg/types"
)

// EventQuery selects a page of a channel's events, newest first.
// From (inclusive) and To (exclusive) are epoch milliseconds; zero leaves a
// side open. Count <= 0 or above the engine's cap is clamped to the cap.
type EventQuery struct {
	Channel string
	Filter  map[string]string
	From    int64
	To      int64
	Count   int
	Offset  int
}

// StatisticsQuery selects a bucketed series. A zero From means "all time"
// and a zero To means now; setting To without From is rejected.
type StatisticsQuery struct {
	Channel     string
	Filter      map[string]string
	From        int64
	To          int64
	Granularity types.Granularity
}

// GetEvent returns the event stored under id, or nil when there is none.
func (e *Engine) GetEvent(ctx context.Context, id string) (*types.Event, error) {
	defer e.observe("get_event", e.now())
	ev, err := e.blobs.Get(ctx, id)
	return ev, e.noteFault(err)
}

// Exists reports whether an event is stored under id.
func (e *Engine) Exists(ctx context.Context, id string) (bool, error) {
	return e.blobs.Exists(ctx, id)
}

// GetEvents returns the events of q, in timeline order. A timeline entry
// whose blob is missing fails the whole call with an integrity fault.
func (e *Engine) GetEvents(ctx context.Context, q EventQuery) ([]*types.Event, error) {
	defer e.observe("get_events", e.now())

	key, err := e.keyFor(q.Channel, q.Filter)
	if err != nil {
		return nil, err
	}
	count := q.Count
	if count <= 0 || count > e.maxEvents {
		count = e.maxEvents
	}

	entries, err := e.timeline.Scan(ctx, key, timeline.Range{From: q.From, To: q.To}, count, q.Offset, false)
	if err != nil {
		return nil, e.noteFault(err)
	}
	if len(entries) == 0 {
		return []*types.Event{}, nil
	}

	ids := make([]string, len(entries))
	for i, en := range entries {
		ids[i] = en.EventID
	}
	found, err := e.blobs.GetMany(ctx, ids)
	if err != nil {
		return nil, e.noteFault(err)
	}

	out := make([]*types.Event, 0, len(ids))
	for _, id := range ids {
		ev, ok := found[id]
		if !ok {
			e.log.Error("timeline references a missing event",
				"key", key.String(), "event_id", id)
			return nil, e.noteFault(kerrors.NewIntegrityError(kerrors.CodeMissingBlob,
				fmt.Sprintf("timeline %s references missing event %q", key, id), nil).
				WithDetails(map[string]interface{}{"event_id": id, "key": key.String()}))
		}
		out = append(out, ev)
	}
	return out, nil
}

// Count returns the approximate number of events in [from, to) on channel,
// capped at the engine's count cap.
func (e *Engine) Count(ctx context.Context, channel string, filter map[string]string, from, to int64) (int, error) {
	defer e.observe("count", e.now())

	key, err := e.keyFor(channel, filter)
	if err != nil {
		return 0, err
	}
	return e.timeline.Count(ctx, key, timeline.Range{From: from, To: to}, e.countCap)
}

// GetEventChannels lists registered channels with their message counts in
// registry order. A limit <= 0 lists all of them.
func (e *Engine) GetEventChannels(ctx context.Context, limit int) ([]types.ChannelCount, error) {
	defer e.observe("get_event_channels", e.now())

	cols, err := e.wide.CounterSlice(ctx, wide.FamilyChannel, keys.ChannelRegistryRow, wide.SliceRange{Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]types.ChannelCount, len(cols))
	for i, c := range cols {
		out[i] = types.ChannelCount{Channel: string(c.Name), Count: c.Value}
	}
	return out, nil
}

// GetStatistics returns the gap-filled series of q.
func (e *Engine) GetStatistics(ctx context.Context, q StatisticsQuery) (stats.Series, error) {
	defer e.observe("get_statistics", e.now())

	if q.From == 0 && q.To != 0 {
		return stats.Series{}, kerrors.NewInvalidRangeError("a statistics range needs from when to is given")
	}
	to := q.To
	if to == 0 {
		to = e.now().UnixMilli()
	}

	key, err := e.keyFor(q.Channel, q.Filter)
	if err != nil {
		return stats.Series{}, err
	}
	series, err := e.stats.Read(ctx, key, q.Granularity, q.From, to)
	if err != nil {
		return stats.Series{}, e.noteFault(err)
	}
	if series.Clipped {
		e.metrics.IncRangeClip(q.Granularity.String())
	}
	return series, nil
}

// GetIndexValues lists the value combinations observed for the index made of
// fields on channel, with their counts.
func (e *Engine) GetIndexValues(ctx context.Context, channel string, fields []string, limit int) ([]types.IndexValueCount, error) {
	defer e.observe("get_index_values", e.now())
	values, err := e.indexes.ObservedValues(ctx, channel, fields, limit)
	return values, e.noteFault(err)
}

// keyFor resolves a filter to a timeline/statistics key and records its use.
func (e *Engine) keyFor(channel string, filter map[string]string) (keys.Key, error) {
	if channel == "" {
		return keys.Key{}, kerrors.NewValidationError(kerrors.CodeInvalidFilter, "channel is required")
	}
	key, err := e.indexes.KeyFor(channel, filter)
	if len(filter) > 0 {
		names := make([]string, 0, len(filter))
		for n := range filter {
			names = append(names, n)
		}
		e.filters.RecordFilter(channel, keys.SortedNames(names), err == nil)
	}
	return key, err
}

func (e *Engine) noteFault(err error) error {
	if kerrors.IsIntegrityFault(err) {
		e.metrics.IncIntegrityFault()
	}
	return err
}

func (e *Engine) observe(op string, start time.Time) {
	e.metrics.ObserveQuery(op, e.now().Sub(start))
}
