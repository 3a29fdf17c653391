package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RefreshProgress is the singleton snapshot of the token refresh job.
type RefreshProgress struct {
	Running   bool  `json:"running"`
	Current   int   `json:"current"`
	Total     int   `json:"total"`
	Success   int   `json:"success"`
	Failed    int   `json:"failed"`
	UpdatedAt int64 `json:"updated_at"`
}

// ProgressPatch is a partial update; nil fields preserve the stored value.
type ProgressPatch struct {
	Running *bool
	Current *int
	Total   *int
	Success *int
	Failed  *int
}

// GetRefreshProgress returns the singleton row, or a zero snapshot if no
// refresh has ever run.
func (s *Store) GetRefreshProgress(ctx context.Context) (RefreshProgress, error) {
	var p RefreshProgress
	var running int
	err := s.db.QueryRowContext(ctx, `
		SELECT running, current, total, success, failed, updated_at
		FROM token_refresh_progress WHERE id = 1`).
		Scan(&running, &p.Current, &p.Total, &p.Success, &p.Failed, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RefreshProgress{}, nil
	}
	if err != nil {
		return RefreshProgress{}, fmt.Errorf("get refresh progress: %w", err)
	}
	p.Running = running != 0
	return p, nil
}

// UpdateRefreshProgress applies a partial update to the singleton row,
// preserving absent fields and bumping updated_at on every write.
func (s *Store) UpdateRefreshProgress(ctx context.Context, patch ProgressPatch) error {
	var running any
	if patch.Running != nil {
		if *patch.Running {
			running = 1
		} else {
			running = 0
		}
	}
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_refresh_progress (id, running, current, total, success, failed, updated_at)
		VALUES (1, COALESCE(?, 0), COALESCE(?, 0), COALESCE(?, 0), COALESCE(?, 0), COALESCE(?, 0), ?)
		ON CONFLICT(id) DO UPDATE SET
			running    = COALESCE(?, running),
			current    = COALESCE(?, current),
			total      = COALESCE(?, total),
			success    = COALESCE(?, success),
			failed     = COALESCE(?, failed),
			updated_at = ?`,
		running, intArg(patch.Current), intArg(patch.Total), intArg(patch.Success), intArg(patch.Failed), now,
		running, intArg(patch.Current), intArg(patch.Total), intArg(patch.Success), intArg(patch.Failed), now,
	)
	if err != nil {
		return fmt.Errorf("update refresh progress: %w", err)
	}
	return nil
}

func intArg(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
