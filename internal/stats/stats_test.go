package stats

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/eventkeep/eventkeep/internal/errors"
	"github.com/eventkeep/eventkeep/internal/keys"
	"github.com/eventkeep/eventkeep/internal/timeline"
	"github.com/eventkeep/eventkeep/internal/wide"
	"github.com/eventkeep/eventkeep/pkg/types"
)

func ms(t time.Time) int64 { return t.UnixMilli() }

func TestBucketName_OrderMatchesNumericOrder(t *testing.T) {
	values := []int64{-5000, -1, 0, 1, 1700000000000}
	for i := 1; i < len(values); i++ {
		assert.Less(t, string(BucketName(values[i-1])), string(BucketName(values[i])))
	}
	for _, v := range values {
		got, err := ParseBucketName(BucketName(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
	_, err := ParseBucketName([]byte{1, 2})
	assert.Error(t, err)
}

func TestAggregator_DayScenario(t *testing.T) {
	ctx := context.Background()
	a := New(wide.NewMemoryStore(), nil)
	key := keys.Basic("K")

	T := ms(time.Date(2024, 3, 10, 1, 0, 0, 0, time.UTC))
	for _, ts := range []int64{T, T + 3600000, T + 90000000} {
		require.NoError(t, a.Increment(ctx, key, ts, 1))
	}

	day0 := types.Day.Truncate(T)
	series, err := a.Read(ctx, key, types.Day, day0, day0+2*24*3600*1000)
	require.NoError(t, err)
	assert.Equal(t, day0, series.Start)
	assert.Equal(t, []int64{2, 1}, series.Counts())
	assert.False(t, series.Clipped)
}

func TestAggregator_AllGranularitiesUpdated(t *testing.T) {
	ctx := context.Background()
	a := New(wide.NewMemoryStore(), nil)
	key := keys.Basic("K")
	T := ms(time.Date(2024, 3, 10, 1, 30, 0, 0, time.UTC))
	require.NoError(t, a.Increment(ctx, key, T, 3))

	for _, g := range types.Granularities {
		start := g.Truncate(T)
		series, err := a.Read(ctx, key, g, start, g.Next(start))
		require.NoError(t, err, g.String())
		assert.Equal(t, []int64{3}, series.Counts(), g.String())
	}
}

func TestAggregator_GapsAreFilledWithZero(t *testing.T) {
	ctx := context.Background()
	a := New(wide.NewMemoryStore(), nil)
	key := keys.Basic("K")
	h0 := ms(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	hour := int64(3600 * 1000)

	require.NoError(t, a.Increment(ctx, key, h0+10, 1))
	require.NoError(t, a.Increment(ctx, key, h0+3*hour+10, 1))
	require.NoError(t, a.Increment(ctx, key, h0+3*hour+20, 1))

	series, err := a.Read(ctx, key, types.Hour, h0, h0+5*hour)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 0, 0, 2, 0}, series.Counts())
	for i, b := range series.Buckets {
		assert.Equal(t, h0+int64(i)*hour, b.Start)
	}
}

func TestAggregator_StartIsTruncated(t *testing.T) {
	ctx := context.Background()
	a := New(wide.NewMemoryStore(), nil)
	key := keys.Basic("K")
	mid := ms(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, a.Increment(ctx, key, mid, 1))

	series, err := a.Read(ctx, key, types.Day, mid, mid+1)
	require.NoError(t, err)
	assert.Equal(t, types.Day.Truncate(mid), series.Start)
	assert.Equal(t, []int64{1}, series.Counts())
}

func TestAggregator_HourClipping(t *testing.T) {
	a := New(wide.NewMemoryStore(), nil)
	to := ms(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	from := ms(time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC))

	series, err := a.Read(context.Background(), keys.Basic("K"), types.Hour, from, to)
	require.NoError(t, err)
	assert.True(t, series.Clipped)
	assert.Equal(t, ms(time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)), series.Start)
	assert.Len(t, series.Buckets, 366*24)
}

func TestAggregator_DayClipping(t *testing.T) {
	a := New(wide.NewMemoryStore(), nil)
	to := ms(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	from := ms(time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC))

	series, err := a.Read(context.Background(), keys.Basic("K"), types.Day, from, to)
	require.NoError(t, err)
	assert.True(t, series.Clipped)
	assert.Equal(t, ms(time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC)), series.Start)
	assert.Len(t, series.Buckets, 5*365+2)
}

func TestAggregator_MonthAndYearAreNotClipped(t *testing.T) {
	a := New(wide.NewMemoryStore(), nil)
	to := ms(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	from := ms(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))

	series, err := a.Read(context.Background(), keys.Basic("K"), types.Year, from, to)
	require.NoError(t, err)
	assert.False(t, series.Clipped)
	assert.Len(t, series.Buckets, 24)

	series, err = a.Read(context.Background(), keys.Basic("K"), types.Month, from, to)
	require.NoError(t, err)
	assert.Len(t, series.Buckets, 24*12)
}

func TestAggregator_AllTimeUsesTimelineStart(t *testing.T) {
	ctx := context.Background()
	w := wide.NewMemoryStore()
	tl := timeline.New(w)
	a := New(w, tl)
	key := keys.Basic("K")

	T := ms(time.Date(2024, 3, 10, 5, 0, 0, 0, time.UTC))
	require.NoError(t, tl.Append(ctx, key, T, "e1"))
	require.NoError(t, a.Increment(ctx, key, T, 1))

	day0 := types.Day.Truncate(T)
	series, err := a.Read(ctx, key, types.Day, 0, day0+3*24*3600*1000)
	require.NoError(t, err)
	assert.Equal(t, day0, series.Start)
	assert.Equal(t, []int64{1, 0, 0}, series.Counts())
}

func TestAggregator_AllTimeFallsBackToCounters(t *testing.T) {
	ctx := context.Background()
	w := wide.NewMemoryStore()
	a := New(w, timeline.New(w))
	key := keys.Basic("K")

	T := ms(time.Date(2024, 3, 10, 5, 0, 0, 0, time.UTC))
	require.NoError(t, a.Increment(ctx, key, T, 4))

	series, err := a.Read(ctx, key, types.Month, 0, ms(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.Equal(t, ms(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)), series.Start)
	assert.Equal(t, []int64{4, 0}, series.Counts())
}

// gatedResolver blocks Oldest until released or until its ctx is done.
type gatedResolver struct {
	start   int64
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (r *gatedResolver) Oldest(ctx context.Context, key keys.Key) (int64, bool, error) {
	if r.calls.Add(1) == 1 {
		close(r.entered)
	}
	select {
	case <-ctx.Done():
		return 0, false, ctx.Err()
	case <-r.release:
		return r.start, true, nil
	}
}

func TestAggregator_CancelledAllTimeReadDoesNotFailOthers(t *testing.T) {
	w := wide.NewMemoryStore()
	T := ms(time.Date(2024, 3, 10, 5, 0, 0, 0, time.UTC))
	resolver := &gatedResolver{start: T, entered: make(chan struct{}), release: make(chan struct{})}
	a := New(w, resolver)
	key := keys.Basic("K")
	require.NoError(t, a.Increment(context.Background(), key, T, 2))

	day0 := types.Day.Truncate(T)
	to := day0 + 2*24*3600*1000

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := a.Read(first, key, types.Day, 0, to)
		firstErr <- err
	}()
	<-resolver.entered

	type result struct {
		series Series
		err    error
	}
	second := make(chan result, 1)
	go func() {
		series, err := a.Read(context.Background(), key, types.Day, 0, to)
		second <- result{series, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.True(t, errors.Is(<-firstErr, context.Canceled))

	close(resolver.release)
	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, day0, res.series.Start)
	assert.Equal(t, []int64{2, 0}, res.series.Counts())
}

func TestAggregator_AllTimeWithoutActivityIsEmpty(t *testing.T) {
	a := New(wide.NewMemoryStore(), nil)
	series, err := a.Read(context.Background(), keys.Basic("K"), types.Day, 0, time.Now().UnixMilli())
	require.NoError(t, err)
	assert.Zero(t, series.Start)
	assert.Empty(t, series.Buckets)
}

func TestAggregator_RejectsInvertedRange(t *testing.T) {
	a := New(wide.NewMemoryStore(), nil)
	_, err := a.Read(context.Background(), keys.Basic("K"), types.Day, 100, 100)
	assert.True(t, kerrors.IsInvalidRange(err))
	_, err = a.Read(context.Background(), keys.Basic("K"), types.Day, 200, 100)
	assert.True(t, kerrors.IsInvalidRange(err))
	_, err = a.Read(context.Background(), keys.Basic("K"), types.Day, -1, 100)
	assert.True(t, kerrors.IsInvalidRange(err))
}

func TestAggregator_NotIdempotent(t *testing.T) {
	ctx := context.Background()
	a := New(wide.NewMemoryStore(), nil)
	key := keys.Basic("K")
	T := ms(time.Date(2024, 3, 10, 5, 0, 0, 0, time.UTC))

	require.NoError(t, a.Increment(ctx, key, T, 1))
	require.NoError(t, a.Increment(ctx, key, T, 1))

	start := types.Year.Truncate(T)
	series, err := a.Read(ctx, key, types.Year, start, types.Year.Next(start))
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, series.Counts())
}
