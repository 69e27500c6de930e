package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion-server/internal/model"
	"companion-server/internal/service"
)

func validImportRecord(id string) model.Character {
	return model.Character{
		ID:      id,
		Name:    "Imported " + id,
		Sprites: map[string]string{"happy": "h.png"},
	}
}

// TestImport проверяет пакетную загрузку персонажей
func TestImport(t *testing.T) {
	ctx := context.Background()

	t.Run("Invalid records skipped, valid ones imported", func(t *testing.T) {
		charRepo := newFakeCharacterRepo()
		registry := service.NewRegistry(charRepo, newFakeChatRepo())
		transfer := service.NewTransfer(registry)

		records := []model.Character{
			validImportRecord("good-1"),
			{Name: "No ID", Sprites: map[string]string{"happy": "h.png"}},
			{ID: "no-name", Sprites: map[string]string{"happy": "h.png"}},
			{ID: "no-sprites", Name: "No Sprites"},
			validImportRecord("good-2"),
		}

		imported, err := transfer.Import(ctx, records)

		require.NoError(t, err)
		require.Len(t, imported, 2)
		assert.Equal(t, "good-1", imported[0].ID)
		assert.Equal(t, "good-2", imported[1].ID)

		// Отброшенные записи в хранилище не попали
		all, err := charRepo.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("Imported records migrated to current schema", func(t *testing.T) {
		registry := service.NewRegistry(newFakeCharacterRepo(), newFakeChatRepo())
		transfer := service.NewTransfer(registry)

		imported, err := transfer.Import(ctx, []model.Character{validImportRecord("legacy")})

		require.NoError(t, err)
		require.Len(t, imported, 1)
		assert.Equal(t, []string{"happy"}, imported[0].Emotions)
		assert.Equal(t, model.DefaultIndicatorName, imported[0].Indicator.Name)
		assert.Equal(t, model.DefaultIndicatorValue, imported[0].Indicator.Value)
	})

	t.Run("Existing character overwritten by same ID", func(t *testing.T) {
		existing := model.Character{ID: "c1", Name: "Old Name", Emotions: []string{"happy"}, Sprites: map[string]string{"happy": "h.png"}, Indicator: model.Indicator{Name: "Affection", Value: 50}}
		charRepo := newFakeCharacterRepo(existing)
		transfer := service.NewTransfer(service.NewRegistry(charRepo, newFakeChatRepo()))

		record := validImportRecord("c1")
		imported, err := transfer.Import(ctx, []model.Character{record})

		require.NoError(t, err)
		assert.Equal(t, record.Name, imported[0].Name)
	})

	t.Run("Batch without valid records rejected", func(t *testing.T) {
		transfer := service.NewTransfer(service.NewRegistry(newFakeCharacterRepo(), newFakeChatRepo()))

		_, err := transfer.Import(ctx, []model.Character{
			{Name: "No ID"},
			{ID: "no-name"},
		})

		assert.ErrorIs(t, err, model.ErrNoValidCharacters)
	})

	t.Run("Empty batch rejected", func(t *testing.T) {
		transfer := service.NewTransfer(service.NewRegistry(newFakeCharacterRepo(), newFakeChatRepo()))

		_, err := transfer.Import(ctx, nil)

		assert.ErrorIs(t, err, model.ErrNoValidCharacters)
	})
}

// TestExport проверяет выгрузку записей по списку ID
func TestExport(t *testing.T) {
	ctx := context.Background()

	t.Run("Known IDs exported, unknown skipped", func(t *testing.T) {
		first := model.Character{ID: "c1", Name: "Alice", Emotions: []string{"happy"}, Indicator: model.Indicator{Name: "Affection", Value: 50}}
		second := model.Character{ID: "c2", Name: "Bob", Emotions: []string{"sad"}, Indicator: model.Indicator{Name: "Affection", Value: 50}}
		transfer := service.NewTransfer(service.NewRegistry(newFakeCharacterRepo(first, second), newFakeChatRepo()))

		exported, err := transfer.Export(ctx, []string{"c1", "missing", "c2"})

		require.NoError(t, err)
		require.Len(t, exported, 2)
		assert.Equal(t, "Alice", exported[0].Name)
		assert.Equal(t, "Bob", exported[1].Name)
	})

	t.Run("Empty ID list gives empty result", func(t *testing.T) {
		transfer := service.NewTransfer(service.NewRegistry(newFakeCharacterRepo(), newFakeChatRepo()))

		exported, err := transfer.Export(ctx, nil)

		require.NoError(t, err)
		assert.Empty(t, exported)
	})
}
