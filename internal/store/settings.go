package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// FetchSettings reads all stored settings sections in one query.
func (s *Store) FetchSettings(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("fetch settings: %w", err)
	}
	defer rows.Close()

	sections := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan settings row: %w", err)
		}
		sections[key] = json.RawMessage(value)
	}
	return sections, rows.Err()
}

// SaveSettings upserts all sections in a single transaction with a shared
// updated_at timestamp. Either every section is written or none is.
func (s *Store) SaveSettings(ctx context.Context, sections map[string]json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settings tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare settings upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for key, value := range sections {
		if _, err := stmt.ExecContext(ctx, key, string(value), now); err != nil {
			return fmt.Errorf("upsert settings section %q: %w", key, err)
		}
	}
	return tx.Commit()
}
