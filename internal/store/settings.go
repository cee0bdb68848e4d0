package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SettingsTable is a key-value store over the settings table.
type SettingsTable struct {
	db *sqlx.DB
}

func (t *SettingsTable) GetString(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := t.db.GetContext(ctx, &value, "SELECT value FROM settings WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, true, nil
}

func (t *SettingsTable) PutString(ctx context.Context, key, value string) error {
	return t.PutStrings(ctx, map[string]string{key: value})
}

// PutStrings writes all values in one transaction.
func (t *SettingsTable) PutStrings(ctx context.Context, values map[string]string) error {
	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settings write: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for k, v := range values {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, k, v, now); err != nil {
			return fmt.Errorf("put setting %q: %w", k, err)
		}
	}
	return tx.Commit()
}

func (t *SettingsTable) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	query, args, err := sqlx.In("DELETE FROM settings WHERE key IN (?)", keys)
	if err != nil {
		return err
	}
	if _, err := t.db.ExecContext(ctx, t.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("delete settings: %w", err)
	}
	return nil
}
