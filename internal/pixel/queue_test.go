package pixel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ComUnity/attribution-pixel/internal/models"
)

func ev(name string) models.TrackingEvent {
	return models.TrackingEvent{EventName: name, EventID: name + "-id"}
}

func TestEventQueue_FIFOAcrossFailedFlushes(t *testing.T) {
	sender := &recordingSender{failures: 2}
	q := NewEventQueue(sender, time.Hour, 0)
	defer q.Close()

	q.Enqueue(ev("a"))
	q.Enqueue(ev("b"))
	q.Enqueue(ev("c"))

	require.Error(t, q.Flush(context.Background()))
	q.Enqueue(ev("d"))
	require.Error(t, q.Flush(context.Background()))
	require.NoError(t, q.Flush(context.Background()))

	attempts := sender.Attempts()
	require.Len(t, attempts, 3)
	assert.Equal(t, []string{"a", "b", "c"}, eventNames(attempts[0]))
	assert.Equal(t, []string{"a", "b", "c", "d"}, eventNames(attempts[1]))
	assert.Equal(t, []string{"a", "b", "c", "d"}, eventNames(sender.Delivered()))
	assert.Zero(t, q.Len())
}

func TestEventQueue_FlushRemovesBatchBeforeSending(t *testing.T) {
	var q *EventQueue
	var seenDuringSend int
	sender := senderFunc(func(context.Context, []models.TrackingEvent) error {
		seenDuringSend = q.Len()
		return nil
	})
	q = NewEventQueue(sender, time.Hour, 0)
	defer q.Close()

	q.Enqueue(ev("a"))
	q.Enqueue(ev("b"))
	require.NoError(t, q.Flush(context.Background()))
	assert.Zero(t, seenDuringSend)
}

func TestEventQueue_DebounceTimerFlushes(t *testing.T) {
	sender := &recordingSender{}
	q := NewEventQueue(sender, 20*time.Millisecond, 0)
	defer q.Close()

	q.Enqueue(ev("a"))
	q.Enqueue(ev("b"))

	require.Eventually(t, func() bool { return len(sender.Attempts()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, eventNames(sender.Delivered()))
}

func TestEventQueue_EmptyFlushSendsNothing(t *testing.T) {
	sender := &recordingSender{}
	q := NewEventQueue(sender, time.Hour, 0)
	defer q.Close()

	require.NoError(t, q.Flush(context.Background()))
	assert.Empty(t, sender.Attempts())
}

func TestEventQueue_MaxAttemptsDiscards(t *testing.T) {
	sender := &recordingSender{failures: 10}
	q := NewEventQueue(sender, time.Hour, 2)
	defer q.Close()
	var discarded []models.TrackingEvent
	q.onDiscard = func(events []models.TrackingEvent, _ error) { discarded = append(discarded, events...) }

	q.Enqueue(ev("a"))
	_ = q.Flush(context.Background())
	assert.Equal(t, 1, q.Len())
	_ = q.Flush(context.Background())
	assert.Zero(t, q.Len())
	assert.Equal(t, []string{"a"}, eventNames(discarded))
}

func TestEventQueue_ClosedQueueRefusesEvents(t *testing.T) {
	q := NewEventQueue(&recordingSender{}, time.Hour, 0)
	q.Close()
	q.Enqueue(ev("a"))
	assert.Zero(t, q.Len())
}

type senderFunc func(context.Context, []models.TrackingEvent) error

func (f senderFunc) Send(ctx context.Context, events []models.TrackingEvent) error {
	return f(ctx, events)
}

func TestEventQueue_CloseWaitsForTimerFlush(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var delivered []models.TrackingEvent
	sender := senderFunc(func(_ context.Context, events []models.TrackingEvent) error {
		close(entered)
		<-release
		delivered = events
		return nil
	})
	q := NewEventQueue(sender, 10*time.Millisecond, 0)
	q.Enqueue(ev("a"))
	<-entered

	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while the debounce flush was still sending")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-closed
	assert.Equal(t, []string{"a"}, eventNames(delivered))
}

func TestEventQueue_RearmsAfterTimerFlush(t *testing.T) {
	sender := &recordingSender{}
	q := NewEventQueue(sender, 10*time.Millisecond, 0)
	defer q.Close()

	q.Enqueue(ev("a"))
	require.Eventually(t, func() bool { return len(sender.Attempts()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, q.Flush(context.Background()))

	q.Enqueue(ev("b"))
	require.Eventually(t, func() bool { return len(sender.Attempts()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"b"}, eventNames(sender.Delivered()))
	assert.Zero(t, q.Len())
}
