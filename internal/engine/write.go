package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	kerrors "github.com/eventkeep/eventkeep/internal/errors"
	"github.com/eventkeep/eventkeep/internal/keys"
	"github.com/eventkeep/eventkeep/internal/wide"
	"github.com/eventkeep/eventkeep/pkg/types"
)

// StoreMessage fans msg out into every derivative write as one batch, in
// this order:
//
//  1. the event blob
//  2. the channel's timeline entry and statistics increments
//  3. the channel registry counter
//  4. per applicable index projection: timeline entry, statistics
//     increments, registry counter
//
// A message whose id is already stored under another type is rejected with a
// conflict error before anything is written. Re-storing an id with the same
// type overwrites the blob but appends timeline entries and increments
// counters again, so a retry after a failure double counts whatever the
// failed attempt had applied. Whether a failed batch applied a prefix of its
// writes depends on the backend.
func (e *Engine) StoreMessage(ctx context.Context, msg *types.Message) error {
	start := e.now()

	if err := msg.Validate(); err != nil {
		return kerrors.NewValidationError(kerrors.CodeInvalidEvent, err.Error())
	}
	ev := &msg.Event

	if err := e.blobs.Check(ctx, ev); err != nil {
		if kerrors.IsConflict(err) {
			e.metrics.IncConflict()
			e.log.Warn("message rejected",
				"channel", msg.Channel, "event_id", ev.ID, "type", ev.Type, "error", err)
		}
		return err
	}

	b := wide.NewBatch()
	if err := e.blobs.Stage(b, ev); err != nil {
		return err
	}
	basic := keys.Basic(msg.Channel)
	if err := e.timeline.Stage(b, basic, ev.Timestamp, ev.ID); err != nil {
		return err
	}
	e.stats.Stage(b, basic, ev.Timestamp, 1)
	b.Increment(wide.FamilyChannel, keys.ChannelRegistryRow, []byte(msg.Channel), 1)
	if _, err := e.indexes.Stage(b, msg.Channel, ev); err != nil {
		return err
	}

	if err := e.wide.Apply(ctx, b); err != nil {
		e.metrics.IncWriteFailure()
		e.log.Error("batch failed, derivative writes may be partially applied",
			"channel", msg.Channel, "event_id", ev.ID, "mutations", b.Len(), "error", err)
		return err
	}

	e.metrics.ObserveStored(b.Len(), e.now().Sub(start))
	return nil
}

// Status is the outcome of one message in StoreMessages.
type Status int

const (
	StatusStored Status = iota
	StatusConflict
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusStored:
		return "stored"
	case StatusConflict:
		return "conflict"
	default:
		return "failed"
	}
}

// Result is the outcome of one message.
type Result struct {
	ID     string
	Status Status
	Err    error
}

// Summary totals a StoreMessages call.
type Summary struct {
	Stored    int
	Conflicts int
	Failed    int
}

// Summarize counts results by status.
func Summarize(results []Result) Summary {
	var s Summary
	for _, r := range results {
		switch r.Status {
		case StatusStored:
			s.Stored++
		case StatusConflict:
			s.Conflicts++
		default:
			s.Failed++
		}
	}
	return s
}

// StoreMessages stores every message and reports one result per message, in
// input order. Conflicts and per-message failures do not stop the others;
// only cancellation of ctx does, leaving the unprocessed messages failed.
func (e *Engine) StoreMessages(ctx context.Context, msgs []types.Message) ([]Result, error) {
	results := make([]Result, len(msgs))
	for i := range msgs {
		results[i] = Result{ID: msgs[i].Event.ID, Status: StatusFailed, Err: context.Canceled}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.ingestConcurrency)

	for i := range msgs {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			err := e.StoreMessage(gctx, &msgs[i])
			r := Result{ID: msgs[i].Event.ID, Err: err}
			switch {
			case err == nil:
				r.Status = StatusStored
			case kerrors.IsConflict(err):
				r.Status = StatusConflict
			default:
				r.Status = StatusFailed
			}
			mu.Lock()
			results[i] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results, ctx.Err()
}
