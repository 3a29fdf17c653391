package batch

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

func parseEvents(t *testing.T, raw string) []Event {
	t.Helper()
	var events []Event
	for _, block := range strings.Split(raw, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		payload := strings.TrimPrefix(block, "data: ")
		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			t.Fatalf("bad event %q: %v", payload, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestServeSSELateSubscriberReplay(t *testing.T) {
	r := NewRegistry()
	task := r.Create(2)
	task.Record(Record{OK: true})
	task.Record(Record{OK: true})
	task.Finish(map[string]any{"n": 2}, "")

	var out strings.Builder
	if err := ServeSSE(context.Background(), &out, nil, task); err != nil {
		t.Fatal(err)
	}

	events := parseEvents(t, out.String())
	if len(events) != 2 {
		t.Fatalf("late subscriber got %d events, want exactly init + final: %+v", len(events), events)
	}
	init, final := events[0], events[1]
	if init.Type != "init" || init.Status != StatusDone || init.Processed != 2 || init.OK != 2 {
		t.Errorf("init = %+v", init)
	}
	if final.Type != "done" || final.Result["n"] != float64(2) {
		t.Errorf("final = %+v", final)
	}
}

func TestServeSSELiveProgressThenTerminal(t *testing.T) {
	r := NewRegistry()
	task := r.Create(2)

	var out strings.Builder
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ServeSSE(context.Background(), &out, nil, task); err != nil {
			t.Errorf("ServeSSE: %v", err)
		}
	}()

	// Give the bridge a moment to subscribe before producing.
	time.Sleep(20 * time.Millisecond)
	task.Record(Record{OK: true, Item: "x"})
	task.Record(Record{OK: false, Error: "e"})
	task.Finish(map[string]any{"ok": float64(1)}, "one failed")
	wg.Wait()

	events := parseEvents(t, out.String())
	if events[0].Type != "init" || events[0].Status != StatusRunning {
		t.Fatalf("first event = %+v", events[0])
	}
	last := events[len(events)-1]
	if last.Type != "done" || last.Warning != "one failed" {
		t.Errorf("terminal event = %+v", last)
	}
	terminals := 0
	progressOrder := []string{}
	for _, ev := range events {
		if ev.Terminal() {
			terminals++
		}
		if ev.Type == "progress" {
			progressOrder = append(progressOrder, ev.Item)
		}
	}
	if terminals != 1 {
		t.Errorf("got %d terminal events, want exactly one per subscription", terminals)
	}
	if len(progressOrder) == 2 && (progressOrder[0] != "x" || progressOrder[1] != "") {
		t.Errorf("progress order = %v", progressOrder)
	}
}

func TestServeSSEContextCancellation(t *testing.T) {
	r := NewRegistry()
	task := r.Create(1)

	ctx, cancel := context.WithCancel(context.Background())
	var out strings.Builder
	done := make(chan error, 1)
	go func() { done <- ServeSSE(ctx, &out, nil, task) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("cancelled bridge should report the context error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not exit on context cancellation")
	}
}

func TestServeSSECancelledTask(t *testing.T) {
	r := NewRegistry()
	task := r.Create(3)
	task.Record(Record{OK: true})
	task.Cancel()
	task.FinishCancelled()

	var out strings.Builder
	if err := ServeSSE(context.Background(), &out, nil, task); err != nil {
		t.Fatal(err)
	}
	events := parseEvents(t, out.String())
	if len(events) != 2 || events[1].Type != "cancelled" {
		t.Fatalf("events = %+v", events)
	}
	if events[1].Processed != 1 {
		t.Errorf("cancelled final event keeps partial counters: %+v", events[1])
	}
}
