// Package batch manages bounded-concurrency admin jobs that publish live
// progress to SSE subscribers.
package batch

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Event is one message published to task subscribers. Type is one of
// init, progress, done, error, cancelled.
type Event struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Status    Status         `json:"status"`
	Total     int            `json:"total"`
	Processed int            `json:"processed"`
	OK        int            `json:"ok"`
	Fail      int            `json:"fail"`
	Item      string         `json:"item,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Error     string         `json:"error,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Warning   string         `json:"warning,omitempty"`
}

// Terminal reports whether the event ends a subscription.
func (e Event) Terminal() bool {
	switch e.Type {
	case "done", "error", "cancelled":
		return true
	}
	return false
}

// Snapshot is the point-in-time task state sent to new subscribers.
type Snapshot struct {
	ID        string `json:"id"`
	Status    Status `json:"status"`
	Total     int    `json:"total"`
	Processed int    `json:"processed"`
	OK        int    `json:"ok"`
	Fail      int    `json:"fail"`
	Warning   string `json:"warning,omitempty"`
}

// Record carries one processed item's outcome into the task counters.
type Record struct {
	OK     bool
	Item   string
	Detail string
	Error  string
}

// Task tracks one batch job: counters mutated by a single producer and
// events fanned out to subscribers. Terminal transitions happen exactly
// once; the final event is retained for late subscribers.
type Task struct {
	id        string
	createdAt time.Time

	mu         sync.Mutex
	total      int
	processed  int
	ok         int
	fail       int
	status     Status
	warning    string
	result     map[string]any
	errMsg     string
	cancelled  bool
	finalEvent *Event
	subs       map[int]func(Event)
	nextSub    int

	onTerminal func(*Task)
}

func newTask(total int, onTerminal func(*Task)) *Task {
	return &Task{
		id:         strings.ReplaceAll(uuid.New().String(), "-", ""),
		createdAt:  time.Now(),
		total:      total,
		status:     StatusRunning,
		subs:       make(map[int]func(Event)),
		onTerminal: onTerminal,
	}
}

// ID returns the opaque 32-character hexadecimal task id.
func (t *Task) ID() string { return t.id }

// Snapshot returns the current counters.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ID:        t.id,
		Status:    t.status,
		Total:     t.total,
		Processed: t.processed,
		OK:        t.ok,
		Fail:      t.fail,
		Warning:   t.warning,
	}
}

// FinalEvent returns the terminal event, or nil while running.
func (t *Task) FinalEvent() *Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalEvent == nil {
		return nil
	}
	ev := *t.finalEvent
	return &ev
}

// Record increments the counters for one processed item and publishes a
// progress event.
func (t *Task) Record(r Record) {
	t.mu.Lock()
	if t.status != StatusRunning {
		t.mu.Unlock()
		return
	}
	t.processed++
	if r.OK {
		t.ok++
	} else {
		t.fail++
	}
	ev := t.eventLocked("progress")
	ev.Item = r.Item
	ev.Detail = r.Detail
	ev.Error = r.Error
	subs := t.subscribersLocked()
	t.mu.Unlock()

	publish(subs, ev)
}

// Finish terminates the task successfully.
func (t *Task) Finish(result map[string]any, warning string) {
	t.terminate(StatusDone, func(ev *Event) {
		t.result = result
		t.warning = warning
		ev.Type = "done"
		ev.Result = result
		ev.Warning = warning
	})
}

// Fail terminates the task with an error.
func (t *Task) Fail(errMsg string) {
	t.terminate(StatusError, func(ev *Event) {
		t.errMsg = errMsg
		ev.Type = "error"
		ev.Error = errMsg
	})
}

// FinishCancelled records the terminal cancelled state. Callers invoke it
// only after the worker pool has drained.
func (t *Task) FinishCancelled() {
	t.terminate(StatusCancelled, func(ev *Event) {
		ev.Type = "cancelled"
	})
}

func (t *Task) terminate(status Status, decorate func(*Event)) {
	t.mu.Lock()
	if t.status != StatusRunning {
		t.mu.Unlock()
		return
	}
	t.status = status
	ev := t.eventLocked("")
	decorate(&ev)
	ev.Status = status
	t.finalEvent = &ev
	subs := t.subscribersLocked()
	onTerminal := t.onTerminal
	t.mu.Unlock()

	publish(subs, ev)
	if onTerminal != nil {
		onTerminal(t)
	}
}

// Cancel requests cooperative cancellation; workers observe it between
// items. The terminal transition happens via FinishCancelled once the pool
// drains.
func (t *Task) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
}

// Cancelled reports whether cancellation was requested.
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Subscribe registers a callback for subsequent events and returns its
// unsubscribe handle. Callbacks must not block: they are dispatched
// synchronously on the producer's goroutine.
func (t *Task) Subscribe(fn func(Event)) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

func (t *Task) eventLocked(typ string) Event {
	return Event{
		Type:      typ,
		ID:        t.id,
		Status:    t.status,
		Total:     t.total,
		Processed: t.processed,
		OK:        t.ok,
		Fail:      t.fail,
	}
}

func (t *Task) subscribersLocked() []func(Event) {
	subs := make([]func(Event), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	return subs
}

// publish dispatches the event to each subscriber, swallowing panics so one
// broken consumer cannot take down the producer.
func publish(subs []func(Event), ev Event) {
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("task subscriber panicked", "task", ev.ID, "err", r)
				}
			}()
			fn(ev)
		}()
	}
}
