package store

import (
	"context"
	"fmt"
	"math"
	"time"
)

// LogEntry is one append-only request log row.
type LogEntry struct {
	ID          int64   `json:"id"`
	Time        string  `json:"time"`
	Timestamp   int64   `json:"timestamp"`
	IP          string  `json:"ip"`
	Model       string  `json:"model"`
	Duration    float64 `json:"duration"`
	Status      int     `json:"status"`
	KeyName     string  `json:"key_name"`
	TokenSuffix string  `json:"token_suffix"`
	Error       string  `json:"error"`
}

// Bucket aggregates request outcomes over one time slot.
type Bucket struct {
	Label   string `json:"label"`
	Success int    `json:"success"`
	Failed  int    `json:"failed"`
}

// Stats summarizes the request log over the last 14 days.
type Stats struct {
	Total       int      `json:"total"`
	Success     int      `json:"success"`
	Failed      int      `json:"failed"`
	SuccessRate float64  `json:"success_rate"`
	Hourly      []Bucket `json:"hourly"`
	Daily       []Bucket `json:"daily"`
}

const statsWindow = 14 * 24 * time.Hour

// AppendLog inserts one request log row.
func (s *Store) AppendLog(ctx context.Context, e LogEntry) error {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().Unix()
	}
	if e.Time == "" {
		e.Time = time.Unix(e.Timestamp, 0).UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_logs (time, timestamp, ip, model, duration, status, key_name, token_suffix, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Time, e.Timestamp, e.IP, e.Model, e.Duration, e.Status, e.KeyName, e.TokenSuffix, e.Error)
	if err != nil {
		return fmt.Errorf("append request log: %w", err)
	}
	return nil
}

// RecentLogs returns the newest rows, most recent first.
func (s *Store) RecentLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, time, timestamp, ip, model, duration, status, key_name, token_suffix, error
		FROM request_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent logs: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.Time, &e.Timestamp, &e.IP, &e.Model, &e.Duration,
			&e.Status, &e.KeyName, &e.TokenSuffix, &e.Error); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StatsAt computes success/failure totals and the hourly (last 24h, 24
// buckets) and daily (14 buckets) series in one scan of the 14-day window.
// A status in [200, 400) counts as success.
func (s *Store) StatsAt(ctx context.Context, now time.Time) (Stats, error) {
	since := now.Add(-statsWindow).Unix()
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, status FROM request_logs WHERE timestamp > ?`, since)
	if err != nil {
		return Stats{}, fmt.Errorf("stats scan: %w", err)
	}
	defer rows.Close()

	nowUTC := now.UTC()
	hourAnchor := nowUTC.Truncate(time.Hour)
	dayAnchor := time.Date(nowUTC.Year(), nowUTC.Month(), nowUTC.Day(), 0, 0, 0, 0, time.UTC)

	st := Stats{
		Hourly: make([]Bucket, 24),
		Daily:  make([]Bucket, 14),
	}
	for i := range st.Hourly {
		st.Hourly[i].Label = hourAnchor.Add(time.Duration(i-23) * time.Hour).Format("15:00")
	}
	for i := range st.Daily {
		st.Daily[i].Label = dayAnchor.AddDate(0, 0, i-13).Format("2006-01-02")
	}

	for rows.Next() {
		var ts int64
		var status int
		if err := rows.Scan(&ts, &status); err != nil {
			return Stats{}, fmt.Errorf("scan stats row: %w", err)
		}
		ok := status >= 200 && status < 400

		st.Total++
		if ok {
			st.Success++
		} else {
			st.Failed++
		}

		t := time.Unix(ts, 0).UTC()

		if hourIdx := 23 - int(hourAnchor.Sub(t.Truncate(time.Hour))/time.Hour); hourIdx >= 0 && hourIdx < 24 {
			if ok {
				st.Hourly[hourIdx].Success++
			} else {
				st.Hourly[hourIdx].Failed++
			}
		}

		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		if dayIdx := 13 - int(dayAnchor.Sub(day)/(24*time.Hour)); dayIdx >= 0 && dayIdx < 14 {
			if ok {
				st.Daily[dayIdx].Success++
			} else {
				st.Daily[dayIdx].Failed++
			}
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	if st.Total > 0 {
		st.SuccessRate = math.Round(float64(st.Success)/float64(st.Total)*1000) / 10
	}
	return st, nil
}

// Stats is StatsAt anchored to the current time.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	return s.StatsAt(ctx, time.Now())
}
