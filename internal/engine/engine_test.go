package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/eventkeep/eventkeep/internal/errors"
	"github.com/eventkeep/eventkeep/internal/index"
	"github.com/eventkeep/eventkeep/internal/keys"
	"github.com/eventkeep/eventkeep/internal/observability"
	"github.com/eventkeep/eventkeep/internal/timeline"
	"github.com/eventkeep/eventkeep/internal/wide"
	"github.com/eventkeep/eventkeep/pkg/types"
)

var (
	day0 = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC).UnixMilli()
	now  = time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	engine  *Engine
	wide    wide.Store
	metrics *observability.Metrics
	filters *observability.FilterStats
}

func newFixture(t *testing.T, w wide.Store, mutate ...func(*Config)) *fixture {
	t.Helper()
	def, err := index.NewDefinition(
		map[string][][]string{"ingest": {{"source"}, {"labels.host", "state"}}},
		map[string][][]string{"LatencyEvent": {{"latency"}}},
	)
	require.NoError(t, err)
	acc, err := index.NewAccessorTable(nil)
	require.NoError(t, err)
	m, err := observability.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	cfg := Config{
		Definition: def,
		Accessors:  acc,
		Metrics:    m,
		Filters:    observability.NewFilterStats(time.Hour),
		Now:        func() time.Time { return now },
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	return &fixture{engine: New(w, cfg), wide: w, metrics: m, filters: cfg.Filters}
}

func message(channel, id, typeName string, ts int64) *types.Message {
	lat := int64(len(id))
	state := "OPEN"
	return &types.Message{
		Channel: channel,
		Event: types.Event{
			ID:        id,
			Type:      typeName,
			Timestamp: ts,
			Payload:   json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)),
			Attributes: types.Attributes{
				Source:  "api",
				Latency: &lat,
				State:   &state,
				Labels:  map[string]string{"host": "a"},
			},
		},
	}
}

func timelineLen(t *testing.T, f *fixture, key keys.Key) int {
	t.Helper()
	n, err := f.engine.timeline.Count(context.Background(), key, timeline.Range{}, 0)
	require.NoError(t, err)
	return n
}

func dayCounts(t *testing.T, f *fixture, key keys.Key, g types.Granularity) []int64 {
	t.Helper()
	start := g.Truncate(day0)
	series, err := f.engine.stats.Read(context.Background(), key, g, start, g.Next(start))
	require.NoError(t, err)
	return series.Counts()
}

func TestStoreMessage_BlobIdempotentCountersNot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, wide.NewMemoryStore())
	msg := message("ingest", "e1", "LatencyEvent", day0+1000)

	require.NoError(t, f.engine.StoreMessage(ctx, msg))
	require.NoError(t, f.engine.StoreMessage(ctx, msg))

	ev, err := f.engine.GetEvent(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "LatencyEvent", ev.Type)
	assert.JSONEq(t, `{"id":"e1"}`, string(ev.Payload))

	// derivative writes are repeated
	assert.Equal(t, 2, timelineLen(t, f, keys.Basic("ingest")))
	assert.Equal(t, []int64{2}, dayCounts(t, f, keys.Basic("ingest"), types.Day))
	channels, err := f.engine.GetEventChannels(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []types.ChannelCount{{Channel: "ingest", Count: 2}}, channels)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.MessagesStored))
}

func TestStoreMessage_TypeConflictWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, wide.NewMemoryStore())
	require.NoError(t, f.engine.StoreMessage(ctx, message("ingest", "E1", "A", day0+1000)))

	conflicting := message("other", "E1", "B", day0+2000)
	conflicting.Event.Payload = json.RawMessage(`{"different":true}`)
	err := f.engine.StoreMessage(ctx, conflicting)
	require.Error(t, err)
	assert.True(t, kerrors.IsConflict(err))

	ev, err := f.engine.GetEvent(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, "A", ev.Type)
	assert.JSONEq(t, `{"id":"E1"}`, string(ev.Payload))

	assert.Equal(t, 1, timelineLen(t, f, keys.Basic("ingest")))
	assert.Equal(t, 0, timelineLen(t, f, keys.Basic("other")))
	assert.Equal(t, []int64{0}, dayCounts(t, f, keys.Basic("other"), types.Day))
	channels, err := f.engine.GetEventChannels(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, channels, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Conflicts))
}

func TestStoreMessage_RejectsInvalidMessage(t *testing.T) {
	f := newFixture(t, wide.NewMemoryStore())
	err := f.engine.StoreMessage(context.Background(), message("", "e1", "A", day0))
	assert.Equal(t, kerrors.CodeInvalidEvent, kerrors.GetCode(err))

	err = f.engine.StoreMessage(context.Background(), message("ingest", "e1", "A", -5))
	assert.Equal(t, kerrors.CodeInvalidEvent, kerrors.GetCode(err))
}

func TestStoreMessage_WritesIndexes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, wide.NewMemoryStore())
	require.NoError(t, f.engine.StoreMessage(ctx, message("ingest", "e1", "LatencyEvent", day0+1000)))

	for _, key := range []keys.Key{
		keys.Index("ingest", map[string]string{"source": "api"}),
		keys.Index("ingest", map[string]string{"labels.host": "a", "state": "OPEN"}),
		keys.Index("ingest", map[string]string{"latency": "2"}),
	} {
		assert.Equal(t, 1, timelineLen(t, f, key), key.String())
		assert.Equal(t, []int64{1}, dayCounts(t, f, key, types.Day), key.String())
	}
}

func TestStoreMessage_PartialBatchAndRetryDoubleCounts(t *testing.T) {
	ctx := context.Background()
	w := wide.NewMemoryStore()
	f := newFixture(t, w, func(c *Config) { c.Definition = nil })
	msg := message("ingest", "e1", "Plain", day0+1000)
	basic := keys.Basic("ingest")

	// blob (5 columns), basic timeline, then the hourly bucket only
	boom := errors.New("node down")
	w.FailNextApply(7, boom)
	err := f.engine.StoreMessage(ctx, msg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.True(t, kerrors.IsRetryable(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WriteFailures))

	ev, err := f.engine.GetEvent(ctx, "e1")
	require.NoError(t, err)
	assert.NotNil(t, ev, "blob is written first")
	assert.Equal(t, 1, timelineLen(t, f, basic))
	assert.Equal(t, []int64{1}, dayCounts(t, f, basic, types.Hour))
	assert.Equal(t, []int64{0}, dayCounts(t, f, basic, types.Day))
	channels, err := f.engine.GetEventChannels(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, channels)

	// the retry is accepted and repeats what had been applied
	require.NoError(t, f.engine.StoreMessage(ctx, msg))
	assert.Equal(t, 2, timelineLen(t, f, basic))
	assert.Equal(t, []int64{2}, dayCounts(t, f, basic, types.Hour))
	assert.Equal(t, []int64{1}, dayCounts(t, f, basic, types.Day))
	channels, err = f.engine.GetEventChannels(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []types.ChannelCount{{Channel: "ingest", Count: 1}}, channels)
}

func TestStoreMessage_FailureAfterBlobOnly(t *testing.T) {
	ctx := context.Background()
	w := wide.NewMemoryStore()
	f := newFixture(t, w)

	w.FailNextApply(5, errors.New("timeout"))
	require.Error(t, f.engine.StoreMessage(ctx, message("ingest", "e1", "LatencyEvent", day0)))

	ok, err := f.engine.Exists(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, ok)
	n, err := f.engine.Count(ctx, "ingest", nil, 0, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStoreMessage_SQLiteBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	s, err := wide.OpenSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	defer s.Close()
	f := newFixture(t, s)

	require.NoError(t, f.engine.StoreMessage(ctx, message("ingest", "e1", "LatencyEvent", day0+1000)))
	require.NoError(t, f.engine.StoreMessage(ctx, message("ingest", "e2", "LatencyEvent", day0+2000)))

	events, err := f.engine.GetEvents(ctx, EventQuery{Channel: "ingest", Count: 10})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e2", events[0].ID)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = f.engine.StoreMessage(cancelled, message("ingest", "e3", "LatencyEvent", day0+3000))
	require.Error(t, err)

	n, err := f.engine.Count(ctx, "ingest", nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStoreMessage_ConcurrentProducersOnOneChannel(t *testing.T) {
	const producers, perProducer = 8, 20
	stores := map[string]func(t *testing.T) wide.Store{
		"memory": func(t *testing.T) wide.Store { return wide.NewMemoryStore() },
		"sqlite": func(t *testing.T) wide.Store {
			s, err := wide.OpenSQLite(filepath.Join(t.TempDir(), "engine.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"badger": func(t *testing.T) wide.Store {
			s, err := wide.OpenBadger("")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, open(t))

			var wg sync.WaitGroup
			errs := make(chan error, producers*perProducer)
			for p := 0; p < producers; p++ {
				wg.Add(1)
				go func(p int) {
					defer wg.Done()
					for i := 0; i < perProducer; i++ {
						id := fmt.Sprintf("p%d-e%d", p, i)
						errs <- f.engine.StoreMessage(ctx, message("ingest", id, "LatencyEvent", day0+int64(p*perProducer+i)))
					}
				}(p)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			total := int64(producers * perProducer)
			channels, err := f.engine.GetEventChannels(ctx, 0)
			require.NoError(t, err)
			require.Len(t, channels, 1)
			assert.Equal(t, total, channels[0].Count)
			assert.Equal(t, []int64{total}, dayCounts(t, f, keys.Basic("ingest"), types.Day))
			assert.Equal(t, int(total), timelineLen(t, f, keys.Basic("ingest")))
		})
	}
}

func TestStoreMessages_Results(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, wide.NewMemoryStore(), func(c *Config) { c.IngestConcurrency = 4 })

	msgs := []types.Message{
		*message("ingest", "e1", "A", day0+1),
		*message("ingest", "e2", "A", day0+2),
		*message("", "e3", "A", day0+3),
	}
	require.NoError(t, f.engine.StoreMessage(ctx, message("ingest", "e4", "A", day0)))
	msgs = append(msgs, *message("ingest", "e4", "B", day0+4))

	results, err := f.engine.StoreMessages(ctx, msgs)
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, StatusStored, results[0].Status)
	assert.Equal(t, StatusStored, results[1].Status)
	assert.Equal(t, StatusFailed, results[2].Status)
	assert.Equal(t, StatusConflict, results[3].Status)
	assert.Equal(t, "e4", results[3].ID)

	assert.Equal(t, Summary{Stored: 2, Conflicts: 1, Failed: 1}, Summarize(results))
	assert.Equal(t, "conflict", StatusConflict.String())
}

func TestStoreMessages_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := newFixture(t, wide.NewMemoryStore())

	results, err := f.engine.StoreMessages(ctx, []types.Message{*message("ingest", "e1", "A", day0)})
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 1)
	assert.Equal(t, StatusFailed, results[0].Status)
}

func TestGetStatistics_DefaultsAndValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, wide.NewMemoryStore())
	require.NoError(t, f.engine.StoreMessage(ctx, message("ingest", "e1", "A", day0+1000)))
	require.NoError(t, f.engine.StoreMessage(ctx, message("ingest", "e2", "A", day0+3600000)))
	require.NoError(t, f.engine.StoreMessage(ctx, message("ingest", "e3", "A", day0+90000000)))

	// neither bound: all time up to now
	series, err := f.engine.GetStatistics(ctx, StatisticsQuery{Channel: "ingest", Granularity: types.Day})
	require.NoError(t, err)
	assert.Equal(t, day0, series.Start)
	require.Len(t, series.Buckets, 11) // Mar 10 .. Mar 20 inclusive of the partial day
	assert.Equal(t, []int64{2, 1}, series.Counts()[:2])

	// explicit window
	series, err = f.engine.GetStatistics(ctx, StatisticsQuery{
		Channel: "ingest", Granularity: types.Day, From: day0, To: day0 + 2*86400000,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, series.Counts())

	// to without from
	_, err = f.engine.GetStatistics(ctx, StatisticsQuery{Channel: "ingest", Granularity: types.Day, To: day0})
	assert.True(t, kerrors.IsInvalidRange(err))

	// inverted
	_, err = f.engine.GetStatistics(ctx, StatisticsQuery{Channel: "ingest", Granularity: types.Day, From: day0 + 5, To: day0})
	assert.True(t, kerrors.IsInvalidRange(err))
}

func TestGetStatistics_ClipIsCounted(t *testing.T) {
	f := newFixture(t, wide.NewMemoryStore())
	to := now.UnixMilli()
	series, err := f.engine.GetStatistics(context.Background(), StatisticsQuery{
		Channel: "ingest", Granularity: types.Hour, From: now.AddDate(-3, 0, 0).UnixMilli(), To: to,
	})
	require.NoError(t, err)
	assert.True(t, series.Clipped)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RangeClips.WithLabelValues("hour")))
}

func TestGetStatistics_Filtered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, wide.NewMemoryStore())
	require.NoError(t, f.engine.StoreMessage(ctx, message("ingest", "e1", "A", day0+1000)))
	other := message("ingest", "e2", "A", day0+2000)
	other.Event.Attributes.Source = "worker"
	require.NoError(t, f.engine.StoreMessage(ctx, other))

	series, err := f.engine.GetStatistics(ctx, StatisticsQuery{
		Channel: "ingest", Filter: map[string]string{"source": "worker"},
		Granularity: types.Day, From: day0, To: day0 + 86400000,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, series.Counts())
}
