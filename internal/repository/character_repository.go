package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"companion-server/internal/model"
)

// PostgresCharacterRepository хранит персонажей в PostgreSQL
type PostgresCharacterRepository struct {
	pool *pgxpool.Pool
}

// NewCharacterRepository создает новый репозиторий персонажей
func NewCharacterRepository(pool *pgxpool.Pool) *PostgresCharacterRepository {
	return &PostgresCharacterRepository{pool: pool}
}

// List возвращает всех персонажей в порядке создания
func (r *PostgresCharacterRepository) List(ctx context.Context) ([]model.Character, error) {
	query := `
		SELECT id, name, personality, visual_description, greeting, emotions, sprites,
		       scene_image_url, transform, indicator, system_instruction, created_at, updated_at
		FROM characters
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, wrapStorage("ошибка запроса списка персонажей", err)
	}
	defer rows.Close()

	characters := make([]model.Character, 0)
	for rows.Next() {
		character, err := scanCharacter(rows)
		if err != nil {
			return nil, err
		}
		characters = append(characters, character)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("ошибка чтения списка персонажей", err)
	}

	return characters, nil
}

// GetByID возвращает персонажа по ID
func (r *PostgresCharacterRepository) GetByID(ctx context.Context, id string) (model.Character, error) {
	query := `
		SELECT id, name, personality, visual_description, greeting, emotions, sprites,
		       scene_image_url, transform, indicator, system_instruction, created_at, updated_at
		FROM characters
		WHERE id = $1
	`

	row := r.pool.QueryRow(ctx, query, id)
	character, err := scanCharacter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Character{}, model.ErrNotFound
		}
		return model.Character{}, err
	}
	return character, nil
}

// Save сохраняет персонажа (upsert по ID)
func (r *PostgresCharacterRepository) Save(ctx context.Context, character model.Character) (model.Character, error) {
	query := `
		INSERT INTO characters (id, name, personality, visual_description, greeting, emotions, sprites,
		                        scene_image_url, transform, indicator, system_instruction, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			personality = EXCLUDED.personality,
			visual_description = EXCLUDED.visual_description,
			greeting = EXCLUDED.greeting,
			emotions = EXCLUDED.emotions,
			sprites = EXCLUDED.sprites,
			scene_image_url = EXCLUDED.scene_image_url,
			transform = EXCLUDED.transform,
			indicator = EXCLUDED.indicator,
			system_instruction = EXCLUDED.system_instruction,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at, updated_at
	`

	// Преобразование вложенных структур в JSON
	emotionsJSON, err := json.Marshal(character.Emotions)
	if err != nil {
		return model.Character{}, wrapStorage("ошибка маршалинга emotions", err)
	}
	spritesJSON, err := json.Marshal(character.Sprites)
	if err != nil {
		return model.Character{}, wrapStorage("ошибка маршалинга sprites", err)
	}
	indicatorJSON, err := json.Marshal(character.Indicator)
	if err != nil {
		return model.Character{}, wrapStorage("ошибка маршалинга indicator", err)
	}
	var transformJSON []byte
	if character.Transform != nil {
		transformJSON, err = json.Marshal(character.Transform)
		if err != nil {
			return model.Character{}, wrapStorage("ошибка маршалинга transform", err)
		}
	}

	now := time.Now()
	if character.CreatedAt.IsZero() {
		character.CreatedAt = now
	}

	row := r.pool.QueryRow(ctx, query,
		character.ID,
		character.Name,
		character.Personality,
		character.VisualDescription,
		character.Greeting,
		emotionsJSON,
		spritesJSON,
		character.SceneImageURL,
		transformJSON,
		indicatorJSON,
		character.SystemInstruction,
		now,
	)
	if err := row.Scan(&character.CreatedAt, &character.UpdatedAt); err != nil {
		return model.Character{}, wrapStorage("ошибка сохранения персонажа", err)
	}

	return character, nil
}

// Delete удаляет персонажа. Журнал диалога удаляется каскадно (FK в схеме).
func (r *PostgresCharacterRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM characters WHERE id = $1`, id)
	if err != nil {
		return wrapStorage("ошибка удаления персонажа", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// scanCharacter читает одну строку персонажа, разбирая JSONB-колонки
func scanCharacter(row pgx.Row) (model.Character, error) {
	var character model.Character
	var emotionsJSON, spritesJSON, indicatorJSON []byte
	// NULL для transform сканируется в nil-срез
	var transformJSON []byte

	err := row.Scan(
		&character.ID,
		&character.Name,
		&character.Personality,
		&character.VisualDescription,
		&character.Greeting,
		&emotionsJSON,
		&spritesJSON,
		&character.SceneImageURL,
		&transformJSON,
		&indicatorJSON,
		&character.SystemInstruction,
		&character.CreatedAt,
		&character.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Character{}, err
		}
		return model.Character{}, wrapStorage("ошибка сканирования персонажа", err)
	}

	if err := json.Unmarshal(emotionsJSON, &character.Emotions); err != nil {
		return model.Character{}, wrapStorage("ошибка разбора emotions", err)
	}
	if err := json.Unmarshal(spritesJSON, &character.Sprites); err != nil {
		return model.Character{}, wrapStorage("ошибка разбора sprites", err)
	}
	if err := json.Unmarshal(indicatorJSON, &character.Indicator); err != nil {
		return model.Character{}, wrapStorage("ошибка разбора indicator", err)
	}
	if len(transformJSON) > 0 {
		var transform model.Transform
		if err := json.Unmarshal(transformJSON, &transform); err != nil {
			return model.Character{}, wrapStorage("ошибка разбора transform", err)
		}
		character.Transform = &transform
	}

	return character, nil
}
