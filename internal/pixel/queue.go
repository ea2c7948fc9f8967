package pixel

import (
	"context"
	"sync"
	"time"

	"github.com/ComUnity/attribution-pixel/internal/models"
)

const defaultDebounce = 2 * time.Second

// Sender delivers one batch. A nil error means the batch was accepted.
type Sender interface {
	Send(ctx context.Context, events []models.TrackingEvent) error
}

type queuedEvent struct {
	event    models.TrackingEvent
	attempts int
}

// EventQueue owns outbound events until a Sender accepts them. Order is FIFO;
// a failed batch goes back to the head of the queue. Flushes are serialized
// so a retried batch is always sent before anything queued after it.
type EventQueue struct {
	sender      Sender
	debounce    time.Duration
	maxAttempts int // 0 retries forever
	onDiscard   func(events []models.TrackingEvent, err error)

	mu      sync.Mutex
	pending []queuedEvent
	timer   *time.Timer
	closed  bool

	flushMu  sync.Mutex
	inflight sync.WaitGroup
}

// NewEventQueue creates a queue; debounce <= 0 uses 2s.
func NewEventQueue(sender Sender, debounce time.Duration, maxAttempts int) *EventQueue {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &EventQueue{sender: sender, debounce: debounce, maxAttempts: maxAttempts}
}

// Enqueue appends ev and arms the debounce timer if none is pending.
func (q *EventQueue) Enqueue(ev models.TrackingEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.pending = append(q.pending, queuedEvent{event: ev})
	if q.timer == nil {
		var t *time.Timer
		t = time.AfterFunc(q.debounce, func() {
			q.mu.Lock()
			// A Flush or Close that ran first may have replaced or
			// cleared this timer.
			if q.timer != t || q.closed {
				q.mu.Unlock()
				return
			}
			q.timer = nil
			q.inflight.Add(1)
			q.mu.Unlock()
			defer q.inflight.Done()
			_ = q.Flush(context.Background())
		})
		q.timer = t
	}
}

// FlushAsync starts a flush without waiting for it. It is a no-op once the
// queue is closed.
func (q *EventQueue) FlushAsync() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.inflight.Add(1)
	q.mu.Unlock()
	go func() {
		defer q.inflight.Done()
		_ = q.Flush(context.Background())
	}()
}

// Flush removes every pending event, sends them as one batch and requeues
// the batch at the head on failure.
func (q *EventQueue) Flush(ctx context.Context) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	events := make([]models.TrackingEvent, len(batch))
	for i, b := range batch {
		events[i] = b.event
	}
	err := q.sender.Send(ctx, events)
	if err == nil {
		return nil
	}

	keep := batch[:0]
	var discarded []models.TrackingEvent
	for _, b := range batch {
		b.attempts++
		if q.maxAttempts > 0 && b.attempts >= q.maxAttempts {
			discarded = append(discarded, b.event)
			continue
		}
		keep = append(keep, b)
	}
	if len(discarded) > 0 && q.onDiscard != nil {
		q.onDiscard(discarded, err)
	}

	q.mu.Lock()
	q.pending = append(keep, q.pending...)
	q.mu.Unlock()
	return err
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Snapshot returns the queued events in order.
func (q *EventQueue) Snapshot() []models.TrackingEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.TrackingEvent, len(q.pending))
	for i, b := range q.pending {
		out[i] = b.event
	}
	return out
}

// Close refuses new events, stops the timer and waits for flushes started by
// the timer or FlushAsync.
func (q *EventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()
	q.inflight.Wait()
}
