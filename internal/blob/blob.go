// Package blob is the event blob store: the only place an event's content
// lives. Every other structure refers to events by id.
//
// An event row holds the declared type, the timestamp, the snappy-compressed
// payload with a murmur3 checksum of the uncompressed bytes, and the typed
// attributes as JSON.
package blob

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	kerrors "github.com/eventkeep/eventkeep/internal/errors"
	"github.com/eventkeep/eventkeep/internal/logging"
	"github.com/eventkeep/eventkeep/internal/wide"
	"github.com/eventkeep/eventkeep/pkg/types"
)

// Column names of an event row.
var (
	ColType       = []byte("type")
	ColTimestamp  = []byte("ts")
	ColPayload    = []byte("payload")
	ColChecksum   = []byte("checksum")
	ColAttributes = []byte("attrs")
)

const (
	defaultFetchChunk       = 100
	defaultFetchConcurrency = 4
)

// Store reads and writes event rows of the wide event family.
type Store struct {
	wide        wide.Store
	fetchChunk  int
	concurrency int
	log         *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithFetchChunk sets how many ids one multi-get request carries.
func WithFetchChunk(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.fetchChunk = n
		}
	}
}

// WithFetchConcurrency bounds the number of multi-get requests in flight.
func WithFetchConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// New creates a blob store over w.
func New(w wide.Store, opts ...Option) *Store {
	s := &Store{
		wide:        w,
		fetchChunk:  defaultFetchChunk,
		concurrency: defaultFetchConcurrency,
		log:         logging.Component("blob"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StoredType returns the type recorded for id, if any.
func (s *Store) StoredType(ctx context.Context, id string) (string, bool, error) {
	cols, err := s.wide.Get(ctx, wide.FamilyEvent, id, ColType)
	if err != nil {
		return "", false, err
	}
	if len(cols) == 0 {
		return "", false, nil
	}
	return string(cols[0].Value), true, nil
}

// Check returns a conflict error when ev.ID is already stored under a
// different type. A matching type passes.
func (s *Store) Check(ctx context.Context, ev *types.Event) error {
	stored, ok, err := s.StoredType(ctx, ev.ID)
	if err != nil {
		return err
	}
	if ok && stored != ev.Type {
		return kerrors.NewConflictError(ev.ID, stored, ev.Type)
	}
	return nil
}

// Stage adds the writes of ev's row to b without checking for conflicts.
func (s *Store) Stage(b *wide.Batch, ev *types.Event) error {
	attrs, err := json.Marshal(ev.Attributes)
	if err != nil {
		return kerrors.NewValidationError(kerrors.CodeInvalidEvent, fmt.Sprintf("event %q: encode attributes: %v", ev.ID, err))
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(ev.Timestamp))
	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], murmur3.Sum64(ev.Payload))

	b.Put(wide.FamilyEvent, ev.ID, ColType, []byte(ev.Type))
	b.Put(wide.FamilyEvent, ev.ID, ColTimestamp, ts[:])
	b.Put(wide.FamilyEvent, ev.ID, ColPayload, snappy.Encode(nil, ev.Payload))
	b.Put(wide.FamilyEvent, ev.ID, ColChecksum, sum[:])
	b.Put(wide.FamilyEvent, ev.ID, ColAttributes, attrs)
	return nil
}

// Put stores ev, or fails with a conflict error and writes nothing when the
// id is already stored under a different type.
func (s *Store) Put(ctx context.Context, ev *types.Event) error {
	if err := s.Check(ctx, ev); err != nil {
		return err
	}
	b := wide.NewBatch()
	if err := s.Stage(b, ev); err != nil {
		return err
	}
	return s.wide.Apply(ctx, b)
}

// Get returns the event stored under id, or nil when there is none.
func (s *Store) Get(ctx context.Context, id string) (*types.Event, error) {
	cols, err := s.wide.Get(ctx, wide.FamilyEvent, id)
	if err != nil {
		return nil, err
	}
	ev, err := decode(id, cols)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		s.log.Debug("event not found", "event_id", id)
	}
	return ev, nil
}

// Exists reports whether an event row exists for id.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	_, ok, err := s.StoredType(ctx, id)
	return ok, err
}

// GetMany fetches the events for ids in concurrent chunks. The result holds
// only ids that were found and carries no ordering.
func (s *Store) GetMany(ctx context.Context, ids []string) (map[string]*types.Event, error) {
	result := make(map[string]*types.Event, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	sem := semaphore.NewWeighted(int64(s.concurrency))
	g, gctx := errgroup.WithContext(ctx)

	for start := 0; start < len(ids); start += s.fetchChunk {
		end := start + s.fetchChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)

			rows, err := s.wide.MultiGet(gctx, wide.FamilyEvent, chunk)
			if err != nil {
				return err
			}
			decoded := make(map[string]*types.Event, len(rows))
			for id, cols := range rows {
				ev, err := decode(id, cols)
				if err != nil {
					return err
				}
				if ev != nil {
					decoded[id] = ev
				}
			}

			mu.Lock()
			for id, ev := range decoded {
				result[id] = ev
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// decode rebuilds an event from its row. A row without a payload column
// decodes to nil.
func decode(id string, cols []wide.Column) (*types.Event, error) {
	byName := make(map[string][]byte, len(cols))
	for _, c := range cols {
		byName[string(c.Name)] = c.Value
	}
	compressed, ok := byName[string(ColPayload)]
	if !ok {
		return nil, nil
	}

	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, kerrors.NewIntegrityError(kerrors.CodeCorruptBlob, fmt.Sprintf("event %q: undecodable payload", id), err)
	}
	if sum, ok := byName[string(ColChecksum)]; ok {
		if len(sum) != 8 || binary.BigEndian.Uint64(sum) != murmur3.Sum64(payload) {
			return nil, kerrors.NewIntegrityError(kerrors.CodeChecksumMismatch, fmt.Sprintf("event %q: payload checksum mismatch", id), nil)
		}
	}

	ev := &types.Event{ID: id, Type: string(byName[string(ColType)])}
	if len(payload) > 0 {
		ev.Payload = json.RawMessage(payload)
	}
	if ts, ok := byName[string(ColTimestamp)]; ok {
		if len(ts) != 8 {
			return nil, kerrors.NewIntegrityError(kerrors.CodeCorruptBlob, fmt.Sprintf("event %q: bad timestamp column", id), nil)
		}
		ev.Timestamp = int64(binary.BigEndian.Uint64(ts))
	}
	if attrs, ok := byName[string(ColAttributes)]; ok && len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &ev.Attributes); err != nil {
			return nil, kerrors.NewIntegrityError(kerrors.CodeCorruptBlob, fmt.Sprintf("event %q: undecodable attributes", id), err)
		}
	}
	return ev, nil
}
