package batch

import (
	"sync"
	"time"
)

// DefaultExpiry is how long a terminated task stays queryable so late
// subscribers can still fetch its final event.
const DefaultExpiry = 5 * time.Minute

// Registry owns all live batch tasks. Constructed once at startup and
// injected; there is no process-wide task map.
type Registry struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	expiry time.Duration
}

// NewRegistry constructs an empty registry with the default expiry.
func NewRegistry() *Registry {
	return &Registry{
		tasks:  make(map[string]*Task),
		expiry: DefaultExpiry,
	}
}

// SetExpiry overrides the retention delay for terminated tasks.
func (r *Registry) SetExpiry(d time.Duration) {
	r.mu.Lock()
	r.expiry = d
	r.mu.Unlock()
}

// Create allocates a new running task and registers it.
func (r *Registry) Create(total int) *Task {
	task := newTask(total, r.scheduleExpiry)
	r.mu.Lock()
	r.tasks[task.ID()] = task
	r.mu.Unlock()
	return task
}

// Get looks up a task by id.
func (r *Registry) Get(id string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	return task, ok
}

// scheduleExpiry arms the one-shot delayed delete once a task terminates.
func (r *Registry) scheduleExpiry(task *Task) {
	r.mu.Lock()
	delay := r.expiry
	r.mu.Unlock()

	time.AfterFunc(delay, func() {
		r.mu.Lock()
		delete(r.tasks, task.ID())
		r.mu.Unlock()
	})
}
