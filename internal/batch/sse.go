package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// ServeSSE streams a task's events to w as SSE data lines until a terminal
// event is delivered or ctx is cancelled. A subscriber arriving after
// completion receives exactly the init snapshot followed by the retained
// final event.
func ServeSSE(ctx context.Context, w io.Writer, flush func(), task *Task) error {
	queue := newEventQueue()
	unsubscribe := task.Subscribe(queue.push)
	defer unsubscribe()

	snap := task.Snapshot()
	init := Event{
		Type:      "init",
		ID:        snap.ID,
		Status:    snap.Status,
		Total:     snap.Total,
		Processed: snap.Processed,
		OK:        snap.OK,
		Fail:      snap.Fail,
		Warning:   snap.Warning,
	}
	if err := writeEvent(w, flush, init); err != nil {
		return err
	}

	// Late-subscriber replay: a task that already terminated yields its
	// final event immediately and the stream closes.
	if final := task.FinalEvent(); final != nil {
		return writeEvent(w, flush, *final)
	}

	for {
		for _, ev := range queue.drain() {
			if err := writeEvent(w, flush, ev); err != nil {
				return err
			}
			if ev.Terminal() {
				return nil
			}
		}
		select {
		case <-queue.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func writeEvent(w io.Writer, flush func(), ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal task event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write task event: %w", err)
	}
	if flush != nil {
		flush()
	}
	return nil
}

// eventQueue buffers published events without bound so the producer's
// publish never blocks on a slow SSE client.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []Event {
	q.mu.Lock()
	events := q.events
	q.events = nil
	q.mu.Unlock()
	return events
}
