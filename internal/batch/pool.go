package batch

import (
	"context"
	"fmt"
	"sync"
)

// Outcome is the result of processing one item.
type Outcome struct {
	OK     bool
	Detail string
	Error  string
}

// DefaultConcurrency bounds a batch when the caller does not size it.
const DefaultConcurrency = 5

// RunInBatches processes items with at most concurrency concurrent
// processor invocations, recording every outcome on the task. Items are
// consumed FIFO; cancellation is observed between items, never mid-call. A
// processor panic is captured as a failed record. When the task was
// cancelled, the pool performs the terminal cancelled transition after
// draining; otherwise termination is left to the caller.
func RunInBatches[T any](ctx context.Context, items []T, task *Task, processor func(context.Context, T) Outcome, concurrency int) {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if concurrency > len(items) {
		concurrency = len(items)
	}

	queue := make(chan T, len(items))
	for _, item := range items {
		queue <- item
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range queue {
				if task.Cancelled() || ctx.Err() != nil {
					return
				}
				out := safeProcess(ctx, item, processor)
				task.Record(Record{
					OK:     out.OK,
					Item:   fmt.Sprintf("%v", item),
					Detail: out.Detail,
					Error:  out.Error,
				})
			}
		}()
	}
	wg.Wait()

	if task.Cancelled() {
		task.FinishCancelled()
	}
}

func safeProcess[T any](ctx context.Context, item T, processor func(context.Context, T) Outcome) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{OK: false, Error: fmt.Sprintf("%v", r)}
		}
	}()
	return processor(ctx, item)
}
