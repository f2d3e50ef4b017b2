// Package notify delivers best-effort events about committed state changes
// (quotes issued, bets confirmed, markets settled) to subscribers.
//
// A publish failure never undoes the state change it describes.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/microbook/quote-engine/internal/metrics"
	"github.com/microbook/quote-engine/internal/model"
)

// Publisher sends an event about a market to subscribers.
type Publisher interface {
	Publish(ctx context.Context, marketID string, e model.Event) error
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, marketID string, e model.Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, marketID, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type job struct {
	marketID string
	event    model.Event
}

// Async decouples publishing from the caller with a bounded queue drained by
// a single worker. Events are dropped when the queue is full.
type Async struct {
	next  Publisher
	queue chan job
}

// NewAsync wraps next with a queue of the given size.
func NewAsync(next Publisher, size int) *Async {
	if size <= 0 {
		size = 256
	}
	return &Async{next: next, queue: make(chan job, size)}
}

// Publish enqueues the event. It never blocks.
func (a *Async) Publish(_ context.Context, marketID string, e model.Event) error {
	select {
	case a.queue <- job{marketID: marketID, event: e}:
	default:
		metrics.EventsDropped.Inc()
		slog.Warn("event dropped, queue full", "market", marketID, "type", e.Type)
	}
	return nil
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case j := <-a.queue:
			a.deliver(ctx, j)
		case <-ctx.Done():
			for {
				select {
				case j := <-a.queue:
					a.deliver(context.WithoutCancel(ctx), j)
				default:
					return nil
				}
			}
		}
	}
}

func (a *Async) deliver(ctx context.Context, j job) {
	if err := a.next.Publish(ctx, j.marketID, j.event); err != nil {
		metrics.EventsFailed.Inc()
		slog.Warn("event publish failed", "market", j.marketID, "type", j.event.Type, "error", err)
	}
}
