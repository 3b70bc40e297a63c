package events

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirsync/internal/domain"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func ev(sale string, seq int64, t domain.EventType) domain.Event {
	return domain.Event{ID: sale + "-" + string(t), SaleID: sale, Seq: seq, Type: t, Category: t.Category()}
}

func TestEmitDeliversInOrder(t *testing.T) {
	rec := &Recorder{}
	e := NewEmitter(quietLog(), rec)

	require.NoError(t, e.Emit(context.Background(), []domain.Event{ev("s1", 1, domain.EventSaleCreated)}))
	require.NoError(t, e.Emit(context.Background(), []domain.Event{
		ev("s1", 2, domain.EventItemAdded),
		ev("s2", 1, domain.EventSaleCreated),
		ev("s1", 3, domain.EventPaymentAdded),
	}))

	assert.Equal(t, []domain.EventType{
		domain.EventSaleCreated, domain.EventItemAdded, domain.EventSaleCreated, domain.EventPaymentAdded,
	}, rec.Types())
}

func TestEmitRejectsReplayedSequence(t *testing.T) {
	rec := &Recorder{}
	e := NewEmitter(quietLog(), rec)
	require.NoError(t, e.Emit(context.Background(), []domain.Event{ev("s1", 1, domain.EventSaleCreated), ev("s1", 2, domain.EventItemAdded)}))

	err := e.Emit(context.Background(), []domain.Event{ev("s1", 2, domain.EventItemAdded)})
	require.Error(t, err)
	assert.Len(t, rec.Events(), 2)

	e.Forget("s1")
	assert.NoError(t, e.Emit(context.Background(), []domain.Event{ev("s1", 2, domain.EventItemAdded)}))
}

func TestSinkFailureDoesNotStopOtherSinks(t *testing.T) {
	rec := &Recorder{}
	failing := SinkFunc(func(context.Context, []domain.Event) error { return errors.New("printer offline") })
	e := NewEmitter(quietLog(), failing)
	e.Subscribe(rec)

	require.NoError(t, e.Emit(context.Background(), []domain.Event{ev("s1", 1, domain.EventSaleCreated)}))
	assert.Len(t, rec.Events(), 1)
}

func TestCheckContiguous(t *testing.T) {
	assert.NoError(t, CheckContiguous(2, []domain.Event{ev("s", 3, domain.EventItemAdded), ev("s", 4, domain.EventItemAdded)}))
	assert.Error(t, CheckContiguous(2, []domain.Event{ev("s", 4, domain.EventItemAdded)}))
	assert.Error(t, CheckContiguous(0, []domain.Event{ev("s", 1, domain.EventItemAdded), ev("s", 1, domain.EventItemAdded)}))
}
