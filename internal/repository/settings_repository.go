package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // Драйвер PostgreSQL для sqlx

	"companion-server/internal/model"
)

// SqlxSettingsRepository хранит настройки в PostgreSQL через sqlx
type SqlxSettingsRepository struct {
	db *sqlx.DB
}

// NewSettingsRepository создает новый репозиторий настроек
func NewSettingsRepository(db *sqlx.DB) *SqlxSettingsRepository {
	return &SqlxSettingsRepository{db: db}
}

// Get возвращает значение настройки по ключу
func (r *SqlxSettingsRepository) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = $1`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", model.ErrNotFound
		}
		return "", wrapStorage("ошибка запроса настройки", err)
	}
	return value, nil
}

// Set сохраняет значение настройки (upsert по ключу)
func (r *SqlxSettingsRepository) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at
	`, key, value, time.Now())
	if err != nil {
		return wrapStorage("ошибка сохранения настройки", err)
	}
	return nil
}

// Delete удаляет настройку по ключу
func (r *SqlxSettingsRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM settings WHERE key = $1`, key)
	if err != nil {
		return wrapStorage("ошибка удаления настройки", err)
	}
	return nil
}

// All возвращает все настройки одной картой
func (r *SqlxSettingsRepository) All(ctx context.Context) (map[string]string, error) {
	var rows []model.Setting
	if err := r.db.SelectContext(ctx, &rows, `SELECT key, value FROM settings ORDER BY key`); err != nil {
		return nil, wrapStorage("ошибка запроса настроек", err)
	}

	settings := make(map[string]string, len(rows))
	for _, row := range rows {
		settings[row.Key] = row.Value
	}
	return settings, nil
}
