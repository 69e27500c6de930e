package repository

import (
	"context"
	"fmt"

	"companion-server/internal/model"
)

// CharacterRepository предоставляет доступ к коллекции персонажей
type CharacterRepository interface {
	List(ctx context.Context) ([]model.Character, error)
	GetByID(ctx context.Context, id string) (model.Character, error)
	Save(ctx context.Context, character model.Character) (model.Character, error)
	Delete(ctx context.Context, id string) error
}

// ChatHistoryRepository предоставляет доступ к журналам диалогов.
// Журнал — одна запись на персонажа; каждая запись читается и пишется целиком.
type ChatHistoryRepository interface {
	Get(ctx context.Context, characterID string) ([]model.Message, error)
	Save(ctx context.Context, characterID string, messages []model.Message) error
	Delete(ctx context.Context, characterID string) error
}

// SettingsRepository предоставляет доступ к плоскому хранилищу настроек
type SettingsRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	All(ctx context.Context) (map[string]string, error)
}

// wrapStorage помечает ошибку ввода-вывода как model.ErrStorage,
// чтобы вызывающий мог отличить её от ошибок логики и повторить операцию.
func wrapStorage(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", model.ErrStorage, op, err)
}
