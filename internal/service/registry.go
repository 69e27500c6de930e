package service

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"companion-server/internal/model"
	"companion-server/internal/repository"
)

// Registry управляет коллекцией персонажей: CRUD плюс миграция схемы
// при чтении. Каждая запись приводится к актуальной форме один раз —
// мигрированный вариант сразу сохраняется обратно.
type Registry struct {
	characters repository.CharacterRepository
	chats      repository.ChatHistoryRepository
}

// NewRegistry создает новый реестр персонажей
func NewRegistry(characters repository.CharacterRepository, chats repository.ChatHistoryRepository) *Registry {
	return &Registry{
		characters: characters,
		chats:      chats,
	}
}

// MigrateCharacter приводит запись персонажа к актуальной схеме.
// Функция чистая и идемпотентная; второй результат — true, если запись
// изменилась и её нужно сохранить.
func MigrateCharacter(character model.Character) (model.Character, bool) {
	changed := false

	// Пустой набор эмоций заполняется из ключей спрайтов.
	// Ключи сортируются, чтобы миграция была детерминированной.
	if len(character.Emotions) == 0 {
		if len(character.Sprites) > 0 {
			emotions := make([]string, 0, len(character.Sprites))
			for emotion := range character.Sprites {
				emotions = append(emotions, emotion)
			}
			sort.Strings(emotions)
			character.Emotions = emotions
		} else {
			character.Emotions = []string{model.DefaultEmotion}
		}
		changed = true
	}

	// Отсутствующий индикатор получает значения по умолчанию
	if character.Indicator.Name == "" {
		character.Indicator = model.Indicator{
			Name:  model.DefaultIndicatorName,
			Value: model.DefaultIndicatorValue,
		}
		changed = true
	}

	// Значение индикатора всегда в допустимом диапазоне
	if clamped := model.ClampIndicatorValue(character.Indicator.Value); clamped != character.Indicator.Value {
		character.Indicator.Value = clamped
		changed = true
	}

	return character, changed
}

// List возвращает всех персонажей, применяя миграцию к каждой записи
func (r *Registry) List(ctx context.Context) ([]model.Character, error) {
	characters, err := r.characters.List(ctx)
	if err != nil {
		return nil, err
	}

	for i, character := range characters {
		migrated, err := r.ensureMigrated(ctx, character)
		if err != nil {
			return nil, err
		}
		characters[i] = migrated
	}

	return characters, nil
}

// Get возвращает персонажа по ID, применяя миграцию
func (r *Registry) Get(ctx context.Context, id string) (model.Character, error) {
	character, err := r.characters.GetByID(ctx, id)
	if err != nil {
		return model.Character{}, err
	}
	return r.ensureMigrated(ctx, character)
}

// Save сохраняет персонажа (upsert по ID). Пустой ID означает нового
// персонажа — он получает сгенерированный идентификатор.
func (r *Registry) Save(ctx context.Context, character model.Character) (model.Character, error) {
	if character.ID == "" {
		character.ID = uuid.NewString()
	}

	// Инварианты записи не зависят от пути её появления
	character, _ = MigrateCharacter(character)

	return r.characters.Save(ctx, character)
}

// UpdateInstruction сохраняет системную инструкцию персонажа и стирает
// его журнал: накопленная история строилась на старой инструкции.
// Для активного персонажа сессии используется одноименная операция движка.
func (r *Registry) UpdateInstruction(ctx context.Context, id, instruction string) (model.Character, error) {
	character, err := r.Get(ctx, id)
	if err != nil {
		return model.Character{}, err
	}

	character.SystemInstruction = instruction
	saved, err := r.Save(ctx, character)
	if err != nil {
		return model.Character{}, err
	}

	if err := r.chats.Delete(ctx, id); err != nil {
		return model.Character{}, err
	}
	return saved, nil
}

// SetIndicator выставляет значение индикатора персонажа с приведением
// к допустимому диапазону
func (r *Registry) SetIndicator(ctx context.Context, id string, value int) (model.Character, error) {
	character, err := r.Get(ctx, id)
	if err != nil {
		return model.Character{}, err
	}

	character.Indicator.Value = model.ClampIndicatorValue(value)
	return r.Save(ctx, character)
}

// Delete удаляет персонажа вместе с его журналом диалога
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.characters.Delete(ctx, id); err != nil {
		return err
	}
	// Журнал удаляется каскадно на уровне схемы; явный вызов
	// закрывает конфигурации без внешнего ключа
	if err := r.chats.Delete(ctx, id); err != nil {
		log.Warn().Err(err).Str("characterID", id).Msg("Не удалось удалить журнал диалога при удалении персонажа")
	}
	return nil
}

// ensureMigrated применяет миграцию и сохраняет изменившуюся запись
func (r *Registry) ensureMigrated(ctx context.Context, character model.Character) (model.Character, error) {
	migrated, changed := MigrateCharacter(character)
	if !changed {
		return character, nil
	}

	log.Info().Str("characterID", character.ID).Msg("Запись персонажа мигрирована на актуальную схему")
	return r.characters.Save(ctx, migrated)
}
