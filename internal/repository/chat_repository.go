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

// PostgresChatRepository хранит журналы диалогов в PostgreSQL.
// Журнал пишется целиком одной записью — порядок сообщений в JSONB
// и есть порядок, видимый пользователю.
type PostgresChatRepository struct {
	pool *pgxpool.Pool
}

// NewChatRepository создает новый репозиторий журналов диалогов
func NewChatRepository(pool *pgxpool.Pool) *PostgresChatRepository {
	return &PostgresChatRepository{pool: pool}
}

// Get возвращает журнал диалога персонажа
func (r *PostgresChatRepository) Get(ctx context.Context, characterID string) ([]model.Message, error) {
	var messagesJSON []byte
	err := r.pool.QueryRow(ctx,
		`SELECT messages FROM chat_histories WHERE character_id = $1`,
		characterID,
	).Scan(&messagesJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, wrapStorage("ошибка запроса журнала диалога", err)
	}

	var messages []model.Message
	if err := json.Unmarshal(messagesJSON, &messages); err != nil {
		return nil, wrapStorage("ошибка разбора журнала диалога", err)
	}
	return messages, nil
}

// Save сохраняет журнал диалога целиком (upsert по character_id)
func (r *PostgresChatRepository) Save(ctx context.Context, characterID string, messages []model.Message) error {
	if messages == nil {
		messages = []model.Message{}
	}
	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return wrapStorage("ошибка маршалинга журнала диалога", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO chat_histories (character_id, messages, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (character_id) DO UPDATE SET
			messages = EXCLUDED.messages,
			updated_at = EXCLUDED.updated_at
	`, characterID, messagesJSON, time.Now())
	if err != nil {
		return wrapStorage("ошибка сохранения журнала диалога", err)
	}
	return nil
}

// Delete удаляет журнал диалога персонажа. Отсутствие записи не считается ошибкой.
func (r *PostgresChatRepository) Delete(ctx context.Context, characterID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM chat_histories WHERE character_id = $1`, characterID)
	if err != nil {
		return wrapStorage("ошибка удаления журнала диалога", err)
	}
	return nil
}
