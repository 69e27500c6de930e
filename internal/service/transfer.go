package service

import (
	"context"

	"github.com/rs/zerolog/log"

	"companion-server/internal/model"
)

// Transfer реализует экспорт и импорт персонажей. Формат обмена —
// обычные JSON-записи персонажей, поэтому адаптер работает поверх
// реестра и не вводит отдельной схемы.
type Transfer struct {
	registry *Registry
}

// NewTransfer создает адаптер импорта и экспорта
func NewTransfer(registry *Registry) *Transfer {
	return &Transfer{registry: registry}
}

// Export возвращает записи персонажей по списку ID. Неизвестные ID
// пропускаются с предупреждением, остальные записи выгружаются.
func (t *Transfer) Export(ctx context.Context, ids []string) ([]model.Character, error) {
	characters := make([]model.Character, 0, len(ids))
	for _, id := range ids {
		character, err := t.registry.Get(ctx, id)
		if err != nil {
			if errorsIsNotFound(err) {
				log.Warn().Str("characterID", id).Msg("Персонаж для экспорта не найден, пропускаем")
				continue
			}
			return nil, err
		}
		characters = append(characters, character)
	}
	return characters, nil
}

// Import загружает пачку записей персонажей. Записи без ID, имени или
// спрайтов отбрасываются; пригодные записи мигрируются и сохраняются
// (существующий персонаж с тем же ID перезаписывается). Ошибка
// возвращается только если в пачке не нашлось ни одной пригодной записи.
func (t *Transfer) Import(ctx context.Context, records []model.Character) ([]model.Character, error) {
	imported := make([]model.Character, 0, len(records))
	for _, record := range records {
		if !importable(record) {
			log.Warn().Str("characterID", record.ID).Str("name", record.Name).Msg("Запись не прошла проверку импорта, пропускаем")
			continue
		}

		saved, err := t.registry.Save(ctx, record)
		if err != nil {
			return nil, err
		}
		imported = append(imported, saved)
	}

	if len(imported) == 0 {
		return nil, model.ErrNoValidCharacters
	}

	log.Info().Int("imported", len(imported)).Int("total", len(records)).Msg("Импорт персонажей завершен")
	return imported, nil
}

// importable проверяет минимальный набор полей записи для импорта
func importable(record model.Character) bool {
	return record.ID != "" && record.Name != "" && len(record.Sprites) > 0
}
