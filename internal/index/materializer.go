package index

import (
	"context"
	"log/slog"

	kerrors "github.com/eventkeep/eventkeep/internal/errors"
	"github.com/eventkeep/eventkeep/internal/keys"
	"github.com/eventkeep/eventkeep/internal/logging"
	"github.com/eventkeep/eventkeep/internal/stats"
	"github.com/eventkeep/eventkeep/internal/timeline"
	"github.com/eventkeep/eventkeep/internal/wide"
	"github.com/eventkeep/eventkeep/pkg/types"
)

// Entry is one projection resolved against one event.
type Entry struct {
	Projection Projection
	Values     []string // parallel to Projection
}

// Key returns the timeline/statistics key of the entry.
func (e Entry) Key(channel string) keys.Key {
	m := make(map[string]string, len(e.Projection))
	for i, name := range e.Projection {
		m[name] = e.Values[i]
	}
	return keys.Index(channel, m)
}

// Materializer derives index writes from events.
type Materializer struct {
	wide      wide.Store
	def       *Definition
	accessors *AccessorTable
	timeline  *timeline.Index
	stats     *stats.Aggregator
	onWarning func(typeName, field string)
	log       *slog.Logger
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithWarningHook registers fn to be called for every field that could not
// be extracted.
func WithWarningHook(fn func(typeName, field string)) Option {
	return func(m *Materializer) { m.onWarning = fn }
}

// NewMaterializer creates a materializer writing through tl and agg.
func NewMaterializer(w wide.Store, def *Definition, accessors *AccessorTable, tl *timeline.Index, agg *stats.Aggregator, opts ...Option) *Materializer {
	if def == nil {
		def, _ = NewDefinition(nil, nil)
	}
	m := &Materializer{
		wide:      w,
		def:       def,
		accessors: accessors,
		timeline:  tl,
		stats:     agg,
		log:       logging.Component("index"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Definition returns the index definition in use.
func (m *Materializer) Definition() *Definition {
	return m.def
}

// Resolve extracts the values of every projection applicable to ev on
// channel. A field without an accessor resolves to "" and is logged.
func (m *Materializer) Resolve(channel string, ev *types.Event) []Entry {
	projections := m.def.Projections(channel, ev.Type)
	if len(projections) == 0 {
		return nil
	}
	entries := make([]Entry, 0, len(projections))
	for _, p := range projections {
		values := make([]string, len(p))
		for i, field := range p {
			acc, ok := m.accessors.Lookup(ev.Type, field)
			if !ok {
				m.log.Warn("field not extractable",
					"channel", channel, "event_id", ev.ID, "type", ev.Type, "field", field)
				if m.onWarning != nil {
					m.onWarning(ev.Type, field)
				}
				continue
			}
			values[i] = acc(ev)
		}
		entries = append(entries, Entry{Projection: p, Values: values})
	}
	return entries
}

// Stage adds, for each applicable projection, a timeline entry, statistics
// increments and a registry increment to b. It returns the number of
// projections staged.
func (m *Materializer) Stage(b *wide.Batch, channel string, ev *types.Event) (int, error) {
	entries := m.Resolve(channel, ev)
	for _, e := range entries {
		key := e.Key(channel)
		if err := m.timeline.Stage(b, key, ev.Timestamp, ev.ID); err != nil {
			return 0, err
		}
		m.stats.Stage(b, key, ev.Timestamp, 1)
		b.Increment(wide.FamilyIndex, keys.Shape(channel, e.Projection).Row(), keys.EncodeValues(e.Values), 1)
	}
	return len(entries), nil
}

// KeyFor returns the key addressing filter on channel. An empty filter is the
// channel's own key; otherwise the filter's field names must form a
// configured projection.
func (m *Materializer) KeyFor(channel string, filter map[string]string) (keys.Key, error) {
	if len(filter) == 0 {
		return keys.Basic(channel), nil
	}
	names := make([]string, 0, len(filter))
	for n := range filter {
		names = append(names, n)
	}
	if _, ok := m.def.Match(channel, names); !ok {
		return keys.Key{}, kerrors.NewValidationError(kerrors.CodeInvalidFilter,
			"filter fields "+Projection(keys.SortedNames(names)).String()+" are not indexed on channel "+channel).
			WithDetails(map[string]interface{}{"channel": channel, "fields": keys.SortedNames(names)})
	}
	return keys.Index(channel, filter), nil
}

// ObservedValues lists the value combinations recorded for the projection
// names on channel, with their counts, in encoded-value order. A limit <= 0
// returns all of them.
func (m *Materializer) ObservedValues(ctx context.Context, channel string, names []string, limit int) ([]types.IndexValueCount, error) {
	p, ok := m.def.Match(channel, names)
	if !ok {
		return nil, kerrors.NewValidationError(kerrors.CodeInvalidFilter,
			"fields "+Projection(keys.SortedNames(names)).String()+" are not indexed on channel "+channel)
	}
	cols, err := m.wide.CounterSlice(ctx, wide.FamilyIndex, keys.Shape(channel, p).Row(), wide.SliceRange{Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]types.IndexValueCount, 0, len(cols))
	for _, c := range cols {
		values, err := keys.DecodeValues(c.Name)
		if err != nil {
			return nil, kerrors.NewIntegrityError(kerrors.CodeCorruptBlob, "index registry: malformed value tuple", err)
		}
		out = append(out, types.IndexValueCount{Values: values, Count: c.Value})
	}
	return out, nil
}
