// Package events carries a sale's ordered event log to outbound consumers.
// The engine calls Emit with each committed batch; durable delivery to the
// authoritative backend happens through the offline queue, and an event is
// only marked delivered once the backend acknowledges its action.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"kasirsync/internal/domain"
)

// Sink receives batches of events in per-sale sequence order.
type Sink interface {
	Deliver(ctx context.Context, batch []domain.Event) error
}

type SinkFunc func(ctx context.Context, batch []domain.Event) error

func (f SinkFunc) Deliver(ctx context.Context, batch []domain.Event) error {
	return f(ctx, batch)
}

// Emitter fans committed batches out to its sinks. A sink failure is logged
// and does not undo the commit; the batch stays undelivered in the store until
// the sync engine confirms it.
type Emitter struct {
	mu      sync.Mutex
	sinks   []Sink
	lastSeq map[string]int64
	log     *logrus.Entry
}

func NewEmitter(log *logrus.Entry, sinks ...Sink) *Emitter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Emitter{
		sinks:   sinks,
		lastSeq: map[string]int64{},
		log:     log.WithField("component", "events"),
	}
}

func (e *Emitter) Subscribe(s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

// Emit checks ordering against the last batch seen for each sale and hands
// the batch to every sink. It returns the ordering error, if any; sink errors
// are only logged.
func (e *Emitter) Emit(ctx context.Context, batch []domain.Event) error {
	if len(batch) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]int64, 1)
	for _, ev := range batch {
		last, ok := next[ev.SaleID]
		if !ok {
			last = e.lastSeq[ev.SaleID]
		}
		if last > 0 && ev.Seq <= last {
			return fmt.Errorf("event %s for sale %s out of order: seq %d after %d", ev.ID, ev.SaleID, ev.Seq, last)
		}
		next[ev.SaleID] = ev.Seq
	}
	for saleID, seq := range next {
		e.lastSeq[saleID] = seq
	}

	for _, sink := range e.sinks {
		if err := sink.Deliver(ctx, batch); err != nil {
			e.log.WithError(err).WithField("events", len(batch)).Warn("event sink delivery failed")
		}
	}
	return nil
}

// Forget drops the ordering cursor for a sale, typically once it is archived.
func (e *Emitter) Forget(saleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.lastSeq, saleID)
}

// CheckContiguous reports an error unless batch continues the sale log right
// after lastSeq with no gaps.
func CheckContiguous(lastSeq int64, batch []domain.Event) error {
	want := lastSeq + 1
	for _, ev := range batch {
		if ev.Seq != want {
			return fmt.Errorf("event %s has seq %d, expected %d", ev.Type, ev.Seq, want)
		}
		want++
	}
	return nil
}
