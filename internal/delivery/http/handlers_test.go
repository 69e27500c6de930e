package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	delivery "companion-server/internal/delivery/http"
	"companion-server/internal/model"
	"companion-server/internal/prompt"
	"companion-server/internal/service"
	"companion-server/pkg/ai"
	"companion-server/pkg/taskmanager"
)

// --- Локальные фейки хранилища --- //

type memCharacterRepo struct {
	characters map[string]model.Character
}

func (r *memCharacterRepo) List(ctx context.Context) ([]model.Character, error) {
	out := make([]model.Character, 0, len(r.characters))
	for _, c := range r.characters {
		out = append(out, c)
	}
	return out, nil
}

func (r *memCharacterRepo) GetByID(ctx context.Context, id string) (model.Character, error) {
	c, ok := r.characters[id]
	if !ok {
		return model.Character{}, model.ErrNotFound
	}
	return c, nil
}

func (r *memCharacterRepo) Save(ctx context.Context, c model.Character) (model.Character, error) {
	r.characters[c.ID] = c
	return c, nil
}

func (r *memCharacterRepo) Delete(ctx context.Context, id string) error {
	if _, ok := r.characters[id]; !ok {
		return model.ErrNotFound
	}
	delete(r.characters, id)
	return nil
}

type memChatRepo struct {
	histories map[string][]model.Message
}

func (r *memChatRepo) Get(ctx context.Context, id string) ([]model.Message, error) {
	h, ok := r.histories[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return h, nil
}

func (r *memChatRepo) Save(ctx context.Context, id string, messages []model.Message) error {
	r.histories[id] = messages
	return nil
}

func (r *memChatRepo) Delete(ctx context.Context, id string) error {
	delete(r.histories, id)
	return nil
}

type memSettingsRepo struct {
	values map[string]string
}

func (r *memSettingsRepo) Get(ctx context.Context, key string) (string, error) {
	v, ok := r.values[key]
	if !ok {
		return "", model.ErrNotFound
	}
	return v, nil
}

func (r *memSettingsRepo) Set(ctx context.Context, key, value string) error {
	r.values[key] = value
	return nil
}

func (r *memSettingsRepo) Delete(ctx context.Context, key string) error {
	delete(r.values, key)
	return nil
}

func (r *memSettingsRepo) All(ctx context.Context) (map[string]string, error) {
	return r.values, nil
}

type stubModelClient struct{}

func (stubModelClient) CreateContext(systemInstruction string, history []model.Message) *ai.Context {
	return &ai.Context{}
}

func (stubModelClient) SendTurn(ctx context.Context, conv *ai.Context, userText string) (string, error) {
	return `{"dialogue": "ok", "emotion": "happy"}`, nil
}

func newTestRouter(t *testing.T) (*mux.Router, *memCharacterRepo) {
	t.Helper()

	charRepo := &memCharacterRepo{characters: make(map[string]model.Character)}
	chatRepo := &memChatRepo{histories: make(map[string][]model.Message)}
	settingsRepo := &memSettingsRepo{values: make(map[string]string)}

	registry := service.NewRegistry(charRepo, chatRepo)
	transfer := service.NewTransfer(registry)
	engine := service.NewEngine(registry, chatRepo, settingsRepo, stubModelClient{}, prompt.NewEngine(), nil)
	tasks := taskmanager.New(taskmanager.Config{MaxTasks: 2})

	handler := delivery.New(registry, transfer, engine, chatRepo, settingsRepo, tasks)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	return router, charRepo
}

func doRequest(router *mux.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// TestCharacterRoutes проверяет HTTP-слой реестра персонажей
func TestCharacterRoutes(t *testing.T) {
	t.Run("Create and fetch character", func(t *testing.T) {
		router, _ := newTestRouter(t)

		rec := doRequest(router, http.MethodPost, "/characters", map[string]interface{}{
			"name":    "Alice",
			"sprites": map[string]string{"happy": "h.png"},
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		var created model.Character
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, []string{"happy"}, created.Emotions)

		rec = doRequest(router, http.MethodGet, "/characters/"+created.ID, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("Character without name rejected", func(t *testing.T) {
		router, _ := newTestRouter(t)

		rec := doRequest(router, http.MethodPost, "/characters", map[string]interface{}{"personality": "x"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Unknown character gives 404", func(t *testing.T) {
		router, _ := newTestRouter(t)

		rec := doRequest(router, http.MethodGet, "/characters/missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = doRequest(router, http.MethodDelete, "/characters/missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Import rejects batch without valid records", func(t *testing.T) {
		router, _ := newTestRouter(t)

		rec := doRequest(router, http.MethodPost, "/characters/import", []map[string]interface{}{
			{"name": "No ID"},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Import and export round trip", func(t *testing.T) {
		router, _ := newTestRouter(t)

		rec := doRequest(router, http.MethodPost, "/characters/import", []map[string]interface{}{
			{"id": "ext-1", "name": "Alice", "sprites": map[string]string{"happy": "h.png"}},
		})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = doRequest(router, http.MethodPost, "/characters/export", map[string]interface{}{
			"ids": []string{"ext-1"},
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var exported []model.Character
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exported))
		require.Len(t, exported, 1)
		assert.Equal(t, "Alice", exported[0].Name)
	})
}

// TestChatRoutes проверяет HTTP-слой сессии диалога
func TestChatRoutes(t *testing.T) {
	seedCharacter := func(t *testing.T, router *mux.Router) string {
		rec := doRequest(router, http.MethodPost, "/characters", map[string]interface{}{
			"id":       "alice",
			"name":     "Alice",
			"greeting": "Hello there!",
			"sprites":  map[string]string{"happy": "h.png"},
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		return "alice"
	}

	t.Run("Select character returns seeded history", func(t *testing.T) {
		router, _ := newTestRouter(t)
		id := seedCharacter(t, router)

		rec := doRequest(router, http.MethodPost, "/chat/"+id+"/select", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var response struct {
			Messages []model.Message `json:"messages"`
			State    string          `json:"state"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		require.Len(t, response.Messages, 1)
		assert.Equal(t, "Hello there!", response.Messages[0].Text)
		assert.Equal(t, "idle", response.State)
	})

	t.Run("Send without selected character gives 409", func(t *testing.T) {
		router, _ := newTestRouter(t)

		rec := doRequest(router, http.MethodPost, "/chat/send", map[string]string{"text": "hi"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("Empty message gives 400 without creating task", func(t *testing.T) {
		router, _ := newTestRouter(t)
		id := seedCharacter(t, router)
		doRequest(router, http.MethodPost, "/chat/"+id+"/select", nil)

		rec := doRequest(router, http.MethodPost, "/chat/send", map[string]string{"text": "   "})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Send accepted as async task", func(t *testing.T) {
		router, _ := newTestRouter(t)
		id := seedCharacter(t, router)
		doRequest(router, http.MethodPost, "/chat/"+id+"/select", nil)

		rec := doRequest(router, http.MethodPost, "/chat/send", map[string]string{"text": "hi"})
		require.Equal(t, http.StatusAccepted, rec.Code)

		var response struct {
			TaskID string `json:"task_id"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		assert.NotEmpty(t, response.TaskID)
	})

	t.Run("Regenerate without selected character gives 409", func(t *testing.T) {
		router, _ := newTestRouter(t)

		rec := doRequest(router, http.MethodPost, "/chat/regenerate", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("Indicator override clamps value", func(t *testing.T) {
		router, _ := newTestRouter(t)
		id := seedCharacter(t, router)
		doRequest(router, http.MethodPost, "/chat/"+id+"/select", nil)

		rec := doRequest(router, http.MethodPut, "/characters/"+id+"/indicator", map[string]int{"value": 300})
		require.Equal(t, http.StatusOK, rec.Code)

		var indicator model.Indicator
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &indicator))
		assert.Equal(t, model.IndicatorMax, indicator.Value)
	})
}

// TestSettingsRoutes проверяет HTTP-слой настроек
func TestSettingsRoutes(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(router, http.MethodPut, "/settings", map[string]string{
		model.SettingUserName: "Bob",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, http.MethodGet, "/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var settings map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settings))
	assert.Equal(t, "Bob", settings[model.SettingUserName])

	rec = doRequest(router, http.MethodDelete, "/settings/"+model.SettingUserName, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
