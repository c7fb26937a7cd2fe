package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/HerbHall/subnetgrid/pkg/models"
	"github.com/HerbHall/subnetgrid/pkg/plugin"
)

// Setting is one remembered console choice, such as the last selected
// subnet.
type Setting struct {
	Key       string           `json:"key"`
	Value     string           `json:"value"`
	UpdatedAt models.Timestamp `json:"updated_at"`
}

// SettingsRepository stores console choices that outlive a restart.
type SettingsRepository interface {
	// Get returns the setting for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Setting, error)

	// Set creates or replaces the value for key.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Missing keys yield ErrNotFound.
	Delete(ctx context.Context, key string) error
}

var _ SettingsRepository = (*SQLiteSettingsRepository)(nil)

// SettingsMigrations creates the settings table.
var SettingsMigrations = []plugin.Migration{
	{
		Version:     1,
		Description: "create settings table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS settings (
					key        TEXT PRIMARY KEY,
					value      TEXT NOT NULL,
					updated_at TEXT NOT NULL
				)`)
			return err
		},
	},
}

// SQLiteSettingsRepository implements SettingsRepository on the local
// database.
type SQLiteSettingsRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteSettingsRepository runs SettingsMigrations and returns the
// repository.
func NewSQLiteSettingsRepository(ctx context.Context, store plugin.Store) (*SQLiteSettingsRepository, error) {
	if err := store.Migrate(ctx, "core", SettingsMigrations); err != nil {
		return nil, fmt.Errorf("settings migrations: %w", err)
	}
	return &SQLiteSettingsRepository{db: store.DB(), now: time.Now}, nil
}

func (r *SQLiteSettingsRepository) Get(ctx context.Context, key string) (*Setting, error) {
	var (
		s       Setting
		updated string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT key, value, updated_at FROM settings WHERE key = ?`, key,
	).Scan(&s.Key, &s.Value, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get setting %q: %w", key, err)
	}
	if s.UpdatedAt, err = parseTS(&updated); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SQLiteSettingsRepository) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTS(models.NewTimestamp(r.now())),
	)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

func (r *SQLiteSettingsRepository) Delete(ctx context.Context, key string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete setting %q: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
