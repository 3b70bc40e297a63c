package events

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"kasirsync/internal/domain"
)

// LogSink writes each event as a structured log line.
func LogSink(log *logrus.Entry) Sink {
	return SinkFunc(func(_ context.Context, batch []domain.Event) error {
		for _, ev := range batch {
			log.WithFields(logrus.Fields{
				"sale_id":  ev.SaleID,
				"seq":      ev.Seq,
				"event":    ev.Type,
				"category": ev.Category,
			}).Debug("event emitted")
		}
		return nil
	})
}

// Recorder keeps every delivered event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *Recorder) Deliver(_ context.Context, batch []domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, batch...)
	return nil
}

func (r *Recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

func (r *Recorder) Types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}
