package batch

import (
	"regexp"
	"sync"
	"testing"
	"time"
)

func TestTaskIDFormat(t *testing.T) {
	r := NewRegistry()
	task := r.Create(3)
	if !regexp.MustCompile(`^[0-9a-f]{32}$`).MatchString(task.ID()) {
		t.Errorf("task id %q is not 32 hex characters", task.ID())
	}
}

func TestRecordKeepsCountersConsistent(t *testing.T) {
	r := NewRegistry()
	task := r.Create(3)

	var events []Event
	var mu sync.Mutex
	task.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	task.Record(Record{OK: true, Item: "a"})
	task.Record(Record{OK: false, Item: "b", Error: "nope"})
	task.Record(Record{OK: true, Item: "c", Detail: "fine"})

	snap := task.Snapshot()
	if snap.Processed != 3 || snap.OK != 2 || snap.Fail != 1 {
		t.Errorf("snapshot = %+v", snap)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Type != "progress" {
			t.Errorf("event %d type = %q", i, ev.Type)
		}
		if ev.Processed != ev.OK+ev.Fail {
			t.Errorf("event %d: processed %d != ok %d + fail %d", i, ev.Processed, ev.OK, ev.Fail)
		}
	}
	if events[1].Error != "nope" || events[2].Detail != "fine" {
		t.Errorf("payload fields lost: %+v", events)
	}
	// Progress events arrive in record order.
	if events[0].Item != "a" || events[1].Item != "b" || events[2].Item != "c" {
		t.Errorf("event order broken: %+v", events)
	}
}

func TestTerminalTransitionHappensOnce(t *testing.T) {
	r := NewRegistry()
	task := r.Create(1)

	task.Finish(map[string]any{"n": 1}, "")
	task.Fail("too late")
	task.FinishCancelled()

	snap := task.Snapshot()
	if snap.Status != StatusDone {
		t.Errorf("status = %q, want done to stick", snap.Status)
	}
	final := task.FinalEvent()
	if final == nil || final.Type != "done" {
		t.Fatalf("final event = %+v", final)
	}
	if n, ok := final.Result["n"]; !ok || n != 1 {
		t.Errorf("final result = %v", final.Result)
	}
}

func TestRecordAfterTerminalIsIgnored(t *testing.T) {
	r := NewRegistry()
	task := r.Create(2)
	task.Record(Record{OK: true})
	task.Fail("boom")
	task.Record(Record{OK: true})

	snap := task.Snapshot()
	if snap.Processed != 1 {
		t.Errorf("processed = %d, counters must freeze after terminal", snap.Processed)
	}
}

func TestSubscriberPanicIsSwallowed(t *testing.T) {
	r := NewRegistry()
	task := r.Create(1)

	task.Subscribe(func(Event) { panic("bad subscriber") })
	var got []Event
	task.Subscribe(func(ev Event) { got = append(got, ev) })

	task.Record(Record{OK: true})
	task.Finish(nil, "")

	if len(got) != 2 {
		t.Errorf("healthy subscriber received %d events, want 2", len(got))
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := NewRegistry()
	task := r.Create(2)

	var count int
	unsubscribe := task.Subscribe(func(Event) { count++ })
	task.Record(Record{OK: true})
	unsubscribe()
	task.Record(Record{OK: true})

	if count != 1 {
		t.Errorf("received %d events after unsubscribe, want 1", count)
	}
}

func TestRegistryRetainsTerminatedTaskUntilExpiry(t *testing.T) {
	r := NewRegistry()
	r.SetExpiry(30 * time.Millisecond)
	task := r.Create(0)
	task.Finish(nil, "")

	if _, ok := r.Get(task.ID()); !ok {
		t.Fatal("terminated task must stay queryable before expiry")
	}

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := r.Get(task.ID()); !ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("task was never expired")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCancelFlagDoesNotTerminate(t *testing.T) {
	r := NewRegistry()
	task := r.Create(5)
	task.Cancel()

	if !task.Cancelled() {
		t.Fatal("cancel flag not set")
	}
	if task.Snapshot().Status != StatusRunning {
		t.Error("cancel must not transition status; FinishCancelled does")
	}
	task.FinishCancelled()
	if task.Snapshot().Status != StatusCancelled {
		t.Error("FinishCancelled must reach the cancelled status")
	}
}
