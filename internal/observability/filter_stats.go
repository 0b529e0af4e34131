// Package observability provides prometheus metrics and filter usage
// tracking used to suggest index definitions.
package observability

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// FilterStats tracks how often each filter shape is queried per channel,
// and whether the shape was served by a configured index.
type FilterStats struct {
	mu      sync.RWMutex
	shapes  map[string]*ShapeStats
	window  time.Duration
	nowFunc func() time.Time
}

// ShapeStats holds usage statistics for one (channel, field set) pair.
type ShapeStats struct {
	Channel   string
	Fields    []string
	Frequency int64
	Rejected  int64 // queries refused because the shape is not indexed
	LastSeen  time.Time
}

// Indexed reports whether every recorded query of the shape was served.
func (s ShapeStats) Indexed() bool {
	return s.Rejected == 0
}

// NewFilterStats creates a tracker that forgets shapes unseen for window.
func NewFilterStats(window time.Duration) *FilterStats {
	return &FilterStats{
		shapes:  make(map[string]*ShapeStats),
		window:  window,
		nowFunc: time.Now,
	}
}

// RecordFilter records one query on channel filtering by fields. fields
// must already be sorted. This method is O(len(fields)) and thread-safe.
func (f *FilterStats) RecordFilter(channel string, fields []string, indexed bool) {
	if f == nil || len(fields) == 0 {
		return
	}
	key := channel + "\x00" + strings.Join(fields, "\x00")

	f.mu.Lock()
	defer f.mu.Unlock()

	stats, exists := f.shapes[key]
	if !exists {
		stats = &ShapeStats{
			Channel: channel,
			Fields:  append([]string(nil), fields...),
		}
		f.shapes[key] = stats
	}
	stats.Frequency++
	if !indexed {
		stats.Rejected++
	}
	stats.LastSeen = f.nowFunc()
}

// TopShapes returns the n most queried shapes, most frequent first.
func (f *FilterStats) TopShapes(n int) []ShapeStats {
	return f.top(n, func(*ShapeStats) bool { return true })
}

// Suggestions returns the n most frequently rejected shapes: candidates for
// new index definitions.
func (f *FilterStats) Suggestions(n int) []ShapeStats {
	return f.top(n, func(s *ShapeStats) bool { return s.Rejected > 0 })
}

func (f *FilterStats) top(n int, keep func(*ShapeStats) bool) []ShapeStats {
	if f == nil {
		return []ShapeStats{}
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	if n <= 0 || len(f.shapes) == 0 {
		return []ShapeStats{}
	}

	out := make([]ShapeStats, 0, len(f.shapes))
	for _, s := range f.shapes {
		if !keep(s) {
			continue
		}
		cp := *s
		cp.Fields = append([]string(nil), s.Fields...)
		out = append(out, cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Frequency != out[j].Frequency {
			return out[i].Frequency > out[j].Frequency
		}
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return strings.Join(out[i].Fields, ",") < strings.Join(out[j].Fields, ",")
	})

	if n > len(out) {
		n = len(out)
	}
	return out[:n]
}

// Prune removes shapes not seen within the window.
// This should be called periodically (e.g., every 5 minutes).
func (f *FilterStats) Prune() {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	threshold := f.nowFunc().Add(-f.window)
	for key, stats := range f.shapes {
		if stats.LastSeen.Before(threshold) {
			delete(f.shapes, key)
		}
	}
}
