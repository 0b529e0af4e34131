// Package engine composes the blob store, timeline index, statistics
// aggregator and index materializer into the write coordinator and the query
// engine.
package engine

import (
	"log/slog"
	"time"

	"github.com/eventkeep/eventkeep/internal/blob"
	"github.com/eventkeep/eventkeep/internal/index"
	"github.com/eventkeep/eventkeep/internal/logging"
	"github.com/eventkeep/eventkeep/internal/observability"
	"github.com/eventkeep/eventkeep/internal/stats"
	"github.com/eventkeep/eventkeep/internal/timeline"
	"github.com/eventkeep/eventkeep/internal/wide"
)

// Defaults applied to zero Config fields.
const (
	DefaultCountCap          = 100000
	DefaultMaxEvents         = 1000
	DefaultIngestConcurrency = 1
)

// Config carries the immutable collaborators and limits of an Engine.
type Config struct {
	// Definition lists the indexed projections; nil indexes nothing.
	Definition *index.Definition
	// Accessors resolves index fields; nil uses builtins only.
	Accessors *index.AccessorTable

	Metrics *observability.Metrics
	Filters *observability.FilterStats

	CountCap          int // cap of approximate counts
	MaxEvents         int // cap of one GetEvents page
	FetchChunk        int // ids per blob multi-get
	FetchConcurrency  int // blob multi-gets in flight
	IngestConcurrency int // messages stored in parallel by StoreMessages

	// Now supplies the default upper bound of statistics reads.
	Now func() time.Time
}

// Engine is safe for concurrent use. It holds no lock of its own: callers
// writing and reading concurrently see whatever the backend has applied.
type Engine struct {
	wide     wide.Store
	blobs    *blob.Store
	timeline *timeline.Index
	stats    *stats.Aggregator
	indexes  *index.Materializer
	metrics  *observability.Metrics
	filters  *observability.FilterStats

	countCap          int
	maxEvents         int
	ingestConcurrency int
	now               func() time.Time
	log               *slog.Logger
}

// New builds an engine over w.
func New(w wide.Store, cfg Config) *Engine {
	if cfg.CountCap <= 0 {
		cfg.CountCap = DefaultCountCap
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	if cfg.IngestConcurrency <= 0 {
		cfg.IngestConcurrency = DefaultIngestConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	tl := timeline.New(w)
	agg := stats.New(w, tl)
	e := &Engine{
		wide:              w,
		blobs:             blob.New(w, blob.WithFetchChunk(cfg.FetchChunk), blob.WithFetchConcurrency(cfg.FetchConcurrency)),
		timeline:          tl,
		stats:             agg,
		metrics:           cfg.Metrics,
		filters:           cfg.Filters,
		countCap:          cfg.CountCap,
		maxEvents:         cfg.MaxEvents,
		ingestConcurrency: cfg.IngestConcurrency,
		now:               cfg.Now,
		log:               logging.Component("engine"),
	}
	e.indexes = index.NewMaterializer(w, cfg.Definition, cfg.Accessors, tl, agg,
		index.WithWarningHook(e.metrics.IncFieldWarning))
	return e
}

// Filters returns the filter usage tracker, which may be nil.
func (e *Engine) Filters() *observability.FilterStats {
	return e.filters
}
