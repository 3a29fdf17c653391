package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sections := map[string]json.RawMessage{
		"global": json.RawMessage(`{"base_url":"https://gw.example.com"}`),
		"grok":   json.RawMessage(`{"cf_clearance":"v1"}`),
	}
	if err := s.SaveSettings(ctx, sections); err != nil {
		t.Fatal(err)
	}

	got, err := s.FetchSettings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(got["global"]) != `{"base_url":"https://gw.example.com"}` {
		t.Errorf("global section = %s", got["global"])
	}

	// Upsert replaces in place.
	sections["grok"] = json.RawMessage(`{"cf_clearance":"v2"}`)
	if err := s.SaveSettings(ctx, sections); err != nil {
		t.Fatal(err)
	}
	got, err = s.FetchSettings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(got["grok"]) != `{"cf_clearance":"v2"}` {
		t.Errorf("grok section after upsert = %s", got["grok"])
	}
}

func TestRefreshProgressPartialUpdates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.GetRefreshProgress(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p.Running || p.Total != 0 {
		t.Fatalf("empty store should yield zero snapshot, got %+v", p)
	}

	running := true
	total := 10
	if err := s.UpdateRefreshProgress(ctx, ProgressPatch{Running: &running, Total: &total}); err != nil {
		t.Fatal(err)
	}

	current := 3
	success := 2
	if err := s.UpdateRefreshProgress(ctx, ProgressPatch{Current: &current, Success: &success}); err != nil {
		t.Fatal(err)
	}

	p, err = s.GetRefreshProgress(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Running {
		t.Error("running should be preserved across a patch that omits it")
	}
	if p.Total != 10 || p.Current != 3 || p.Success != 2 {
		t.Errorf("snapshot = %+v", p)
	}
	if p.UpdatedAt == 0 {
		t.Error("updated_at must be bumped on every write")
	}
}

func TestStatsBucketization(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 6, 12, 30, 0, 0, time.UTC)

	// Five rows across three UTC hours of the last 24h, plus one outside
	// the hourly window but inside the daily window, plus one too old.
	entries := []struct {
		ts     time.Time
		status int
	}{
		{now.Add(-10 * time.Minute), 200},
		{now.Add(-10 * time.Minute), 502},
		{now.Add(-2 * time.Hour), 200},
		{now.Add(-2 * time.Hour), 200},
		{now.Add(-5 * time.Hour), 301},
		{now.Add(-3 * 24 * time.Hour), 200},
		{now.Add(-20 * 24 * time.Hour), 200},
	}
	for _, e := range entries {
		if err := s.AppendLog(ctx, LogEntry{Timestamp: e.ts.Unix(), Status: e.status, Model: "grok-3"}); err != nil {
			t.Fatal(err)
		}
	}

	st, err := s.StatsAt(ctx, now)
	if err != nil {
		t.Fatal(err)
	}

	if st.Total != 6 {
		t.Errorf("total = %d, want 6 (row older than 14d excluded)", st.Total)
	}
	if len(st.Hourly) != 24 {
		t.Fatalf("hourly has %d entries, want 24", len(st.Hourly))
	}
	if len(st.Daily) != 14 {
		t.Fatalf("daily has %d entries, want 14", len(st.Daily))
	}

	hourlySum := 0
	for _, b := range st.Hourly {
		hourlySum += b.Success + b.Failed
	}
	if hourlySum != 5 {
		t.Errorf("hourly sum = %d, want the 5 rows within 24h", hourlySum)
	}

	dailySum := 0
	for _, b := range st.Daily {
		dailySum += b.Success + b.Failed
	}
	if dailySum != 6 {
		t.Errorf("daily sum = %d, want 6", dailySum)
	}

	// 5 successes of 6 total: 83.3 after round(…*1000)/10.
	if st.SuccessRate != 83.3 {
		t.Errorf("success rate = %v, want 83.3", st.SuccessRate)
	}

	last := st.Hourly[23]
	if last.Success != 1 || last.Failed != 1 {
		t.Errorf("current-hour bucket = %+v, want 1 success / 1 failure", last)
	}
}

func TestStatsEmpty(t *testing.T) {
	s := openTestStore(t)
	st, err := s.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.SuccessRate != 0 || st.Total != 0 {
		t.Errorf("empty stats = %+v", st)
	}
}

func TestRecentLogsOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.AppendLog(ctx, LogEntry{Timestamp: int64(1000 + i), Status: 200, Model: "grok-3"}); err != nil {
			t.Fatal(err)
		}
	}
	logs, err := s.RecentLogs(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Fatalf("got %d rows, want 2", len(logs))
	}
	if logs[0].Timestamp != 1002 {
		t.Errorf("newest first: got %d", logs[0].Timestamp)
	}
}
