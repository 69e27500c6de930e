package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"companion-server/internal/model"
	"companion-server/internal/repository"
	"companion-server/internal/service"
	"companion-server/pkg/taskmanager"
)

// Handler представляет HTTP обработчик
type Handler struct {
	registry *service.Registry
	transfer *service.Transfer
	engine   *service.Engine
	chats    repository.ChatHistoryRepository
	settings repository.SettingsRepository
	tasks    *taskmanager.Manager
}

// New создает новый экземпляр обработчика
func New(
	registry *service.Registry,
	transfer *service.Transfer,
	engine *service.Engine,
	chats repository.ChatHistoryRepository,
	settings repository.SettingsRepository,
	tasks *taskmanager.Manager,
) *Handler {
	return &Handler{
		registry: registry,
		transfer: transfer,
		engine:   engine,
		chats:    chats,
		settings: settings,
		tasks:    tasks,
	}
}

// RegisterRoutes регистрирует маршруты API
func (h *Handler) RegisterRoutes(router *mux.Router) {
	// Реестр персонажей (относительно /api)
	router.HandleFunc("/characters", h.ListCharacters).Methods("GET")
	router.HandleFunc("/characters", h.SaveCharacter).Methods("POST")
	router.HandleFunc("/characters/{id}", h.GetCharacter).Methods("GET")
	router.HandleFunc("/characters/{id}", h.UpdateCharacter).Methods("PUT")
	router.HandleFunc("/characters/{id}", h.DeleteCharacter).Methods("DELETE")

	// Импорт и экспорт персонажей
	router.HandleFunc("/characters/import", h.ImportCharacters).Methods("POST")
	router.HandleFunc("/characters/export", h.ExportCharacters).Methods("POST")

	// Инструкция и индикатор персонажа
	router.HandleFunc("/characters/{id}/instruction", h.UpdateInstruction).Methods("PUT")
	router.HandleFunc("/characters/{id}/indicator", h.SetIndicator).Methods("PUT")

	// Сессия диалога
	router.HandleFunc("/chat/send", h.SendMessage).Methods("POST")
	router.HandleFunc("/chat/regenerate", h.RegenerateMessage).Methods("POST")
	router.HandleFunc("/chat/new", h.NewChat).Methods("POST")
	router.HandleFunc("/chat/messages/{id}", h.EditMessage).Methods("PUT")
	router.HandleFunc("/chat/messages/{id}", h.DeleteMessage).Methods("DELETE")
	router.HandleFunc("/chat/{characterId}/select", h.SelectCharacter).Methods("POST")
	router.HandleFunc("/chat/{characterId}", h.GetChat).Methods("GET")

	// Настройки пользователя
	router.HandleFunc("/settings", h.GetSettings).Methods("GET")
	router.HandleFunc("/settings", h.UpdateSettings).Methods("PUT")
	router.HandleFunc("/settings/{key}", h.DeleteSetting).Methods("DELETE")

	// Статус асинхронных задач
	router.HandleFunc("/tasks/{id}", h.GetTaskStatus).Methods("GET")
	router.HandleFunc("/tasks/{id}", h.CancelTask).Methods("DELETE")
}

// ListCharacters возвращает список всех персонажей
func (h *Handler) ListCharacters(w http.ResponseWriter, r *http.Request) {
	characters, err := h.registry.List(r.Context())
	if err != nil {
		respondWithDomainError(w, err, "ошибка при получении списка персонажей")
		return
	}
	RespondWithJSON(w, http.StatusOK, characters)
}

// SaveCharacter создает или обновляет персонажа
func (h *Handler) SaveCharacter(w http.ResponseWriter, r *http.Request) {
	var character model.Character
	if err := json.NewDecoder(r.Body).Decode(&character); err != nil {
		RespondWithError(w, http.StatusBadRequest, fmt.Sprintf("неверный формат запроса: %v", err))
		return
	}
	if character.Name == "" {
		RespondWithError(w, http.StatusBadRequest, "имя персонажа обязательно")
		return
	}

	saved, err := h.registry.Save(r.Context(), character)
	if err != nil {
		respondWithDomainError(w, err, "ошибка при сохранении персонажа")
		return
	}
	RespondWithJSON(w, http.StatusCreated, saved)
}

// GetCharacter возвращает персонажа по ID
func (h *Handler) GetCharacter(w http.ResponseWriter, r *http.Request) {
	character, err := h.registry.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithDomainError(w, err, "ошибка при получении персонажа")
		return
	}
	RespondWithJSON(w, http.StatusOK, character)
}

// UpdateCharacter обновляет персонажа по ID из пути
func (h *Handler) UpdateCharacter(w http.ResponseWriter, r *http.Request) {
	var character model.Character
	if err := json.NewDecoder(r.Body).Decode(&character); err != nil {
		RespondWithError(w, http.StatusBadRequest, fmt.Sprintf("неверный формат запроса: %v", err))
		return
	}
	character.ID = mux.Vars(r)["id"]

	saved, err := h.registry.Save(r.Context(), character)
	if err != nil {
		respondWithDomainError(w, err, "ошибка при обновлении персонажа")
		return
	}
	RespondWithJSON(w, http.StatusOK, saved)
}

// DeleteCharacter удаляет персонажа вместе с журналом диалога
func (h *Handler) DeleteCharacter(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondWithDomainError(w, err, "ошибка при удалении персонажа")
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ImportCharacters загружает пачку записей персонажей
func (h *Handler) ImportCharacters(w http.ResponseWriter, r *http.Request) {
	var records []model.Character
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		RespondWithError(w, http.StatusBadRequest, fmt.Sprintf("неверный формат запроса: %v", err))
		return
	}

	imported, err := h.transfer.Import(r.Context(), records)
	if err != nil {
		respondWithDomainError(w, err, "ошибка при импорте персонажей")
		return
	}
	RespondWithJSON(w, http.StatusOK, imported)
}

// ExportCharacters выгружает записи персонажей по списку ID
func (h *Handler) ExportCharacters(w http.ResponseWriter, r *http.Request) {
	var request struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		RespondWithError(w, http.StatusBadRequest, fmt.Sprintf("неверный формат запроса: %v", err))
		return
	}

	characters, err := h.transfer.Export(r.Context(), request.IDs)
	if err != nil {
		respondWithDomainError(w, err, "ошибка при экспорте персонажей")
		return
	}
	RespondWithJSON(w, http.StatusOK, characters)
}

// SelectCharacter делает персонажа активным и возвращает его журнал
func (h *Handler) SelectCharacter(w http.ResponseWriter, r *http.Request) {
	messages, err := h.engine.SelectCharacter(r.Context(), mux.Vars(r)["characterId"])
	if err != nil {
		respondWithDomainError(w, err, "ошибка при выборе персонажа")
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"character": h.engine.ActiveCharacter(),
		"messages":  messages,
		"state":     h.engine.State(),
	})
}

// GetChat возвращает журнал диалога персонажа. Для активного персонажа
// отдается живое состояние сессии, для остальных — сохраненная история.
func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	characterID := mux.Vars(r)["characterId"]

	if active := h.engine.ActiveCharacter(); active != nil && active.ID == characterID {
		RespondWithJSON(w, http.StatusOK, map[string]interface{}{
			"character": active,
			"messages":  h.engine.Messages(),
			"state":     h.engine.State(),
		})
		return
	}

	character, err := h.registry.Get(r.Context(), characterID)
	if err != nil {
		respondWithDomainError(w, err, "ошибка при получении журнала")
		return
	}
	messages, err := h.chats.Get(r.Context(), characterID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		respondWithDomainError(w, err, "ошибка при получении журнала")
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"character": character,
		"messages":  messages,
	})
}

// SendMessage отправляет реплику пользователя. Ход выполняется асинхронной
// задачей: ответ персонажа приходит по WebSocket, а клиент получает ID
// задачи для опроса статуса.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		RespondWithError(w, http.StatusBadRequest, fmt.Sprintf("неверный формат запроса: %v", err))
		return
	}
	if strings.TrimSpace(request.Text) == "" {
		respondWithDomainError(w, model.ErrEmptyMessage, "ход отклонен")
		return
	}

	h.submitTurn(w, r, "send_message", func(ctx context.Context) (interface{}, error) {
		return h.engine.Send(ctx, request.Text)
	})
}

// RegenerateMessage заменяет последний ответ персонажа новым
func (h *Handler) RegenerateMessage(w http.ResponseWriter, r *http.Request) {
	h.submitTurn(w, r, "regenerate", func(ctx context.Context) (interface{}, error) {
		return h.engine.Regenerate(ctx)
	})
}

// submitTurn ставит ход диалога в очередь задач. Отказы состояния сессии
// должны возвращаться сразу, поэтому быстрые проверки выполняются до
// постановки задачи.
func (h *Handler) submitTurn(w http.ResponseWriter, r *http.Request, kind string, fn taskmanager.Func) {
	if h.engine.ActiveCharacter() == nil {
		respondWithDomainError(w, model.ErrNoCharacterSelected, "ход отклонен")
		return
	}
	if h.engine.State() == service.StateAwaitingModel {
		respondWithDomainError(w, model.ErrGenerationInProgress, "ход отклонен")
		return
	}

	taskID, err := h.tasks.Submit(r.Context(), kind, fn)
	if err != nil {
		RespondWithError(w, http.StatusServiceUnavailable, fmt.Sprintf("не удалось поставить задачу: %v", err))
		return
	}

	RespondWithJSON(w, http.StatusAccepted, map[string]interface{}{
		"task_id": taskID,
		"status":  taskmanager.StatusPending,
	})
}

// NewChat сбрасывает журнал активного персонажа
func (h *Handler) NewChat(w http.ResponseWriter, r *http.Request) {
	messages, err := h.engine.NewChat(r.Context())
	if err != nil {
		respondWithDomainError(w, err, "ошибка при сбросе диалога")
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

// EditMessage изменяет текст сообщения и усекает журнал после него
func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		RespondWithError(w, http.StatusBadRequest, fmt.Sprintf("неверный формат запроса: %v", err))
		return
	}

	messages, err := h.engine.EditMessage(r.Context(), mux.Vars(r)["id"], request.Text)
	if err != nil {
		respondWithDomainError(w, err, "ошибка при редактировании сообщения")
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

// DeleteMessage удаляет сообщение вместе со всеми последующими
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	messages, err := h.engine.DeleteMessage(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithDomainError(w, err, "ошибка при удалении сообщения")
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

// UpdateInstruction сохраняет системную инструкцию персонажа и стирает
// его журнал. Для активного персонажа операция идет через движок сессии,
// который сразу пересобирает контекст и засевает приветствие.
func (h *Handler) UpdateInstruction(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Instruction string `json:"instruction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		RespondWithError(w, http.StatusBadRequest, fmt.Sprintf("неверный формат запроса: %v", err))
		return
	}
	characterID := mux.Vars(r)["id"]

	if active := h.engine.ActiveCharacter(); active != nil && active.ID == characterID {
		messages, err := h.engine.UpdateSystemInstruction(r.Context(), request.Instruction)
		if err != nil {
			respondWithDomainError(w, err, "ошибка при обновлении инструкции")
			return
		}
		RespondWithJSON(w, http.StatusOK, map[string]interface{}{
			"character": h.engine.ActiveCharacter(),
			"messages":  messages,
		})
		return
	}

	character, err := h.registry.UpdateInstruction(r.Context(), characterID, request.Instruction)
	if err != nil {
		respondWithDomainError(w, err, "ошибка при обновлении инструкции")
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]interface{}{"character": character})
}

// SetIndicator вручную выставляет значение индикатора персонажа
func (h *Handler) SetIndicator(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Value int `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		RespondWithError(w, http.StatusBadRequest, fmt.Sprintf("неверный формат запроса: %v", err))
		return
	}
	characterID := mux.Vars(r)["id"]

	if active := h.engine.ActiveCharacter(); active != nil && active.ID == characterID {
		indicator, err := h.engine.SetIndicator(r.Context(), request.Value)
		if err != nil {
			respondWithDomainError(w, err, "ошибка при изменении индикатора")
			return
		}
		RespondWithJSON(w, http.StatusOK, indicator)
		return
	}

	character, err := h.registry.SetIndicator(r.Context(), characterID, request.Value)
	if err != nil {
		respondWithDomainError(w, err, "ошибка при изменении индикатора")
		return
	}
	RespondWithJSON(w, http.StatusOK, character.Indicator)
}

// GetSettings возвращает все настройки пользователя
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings.All(r.Context())
	if err != nil {
		respondWithDomainError(w, err, "ошибка при получении настроек")
		return
	}
	RespondWithJSON(w, http.StatusOK, settings)
}

// UpdateSettings сохраняет переданные настройки
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var request map[string]string
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		RespondWithError(w, http.StatusBadRequest, fmt.Sprintf("неверный формат запроса: %v", err))
		return
	}

	for key, value := range request {
		if err := h.settings.Set(r.Context(), key, value); err != nil {
			respondWithDomainError(w, err, "ошибка при сохранении настроек")
			return
		}
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// DeleteSetting удаляет настройку по ключу
func (h *Handler) DeleteSetting(w http.ResponseWriter, r *http.Request) {
	if err := h.settings.Delete(r.Context(), mux.Vars(r)["key"]); err != nil {
		respondWithDomainError(w, err, "ошибка при удалении настройки")
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GetTaskStatus возвращает статус асинхронной задачи
func (h *Handler) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "неверный формат ID задачи")
		return
	}

	task, err := h.tasks.Get(taskID)
	if err != nil {
		RespondWithError(w, http.StatusNotFound, err.Error())
		return
	}
	RespondWithJSON(w, http.StatusOK, task)
}

// CancelTask отменяет выполнение задачи
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "неверный формат ID задачи")
		return
	}

	if err := h.tasks.Cancel(taskID); err != nil {
		RespondWithError(w, http.StatusConflict, err.Error())
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// respondWithDomainError переводит доменную ошибку в HTTP-статус
func respondWithDomainError(w http.ResponseWriter, err error, prefix string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrEmptyMessage), errors.Is(err, model.ErrNoValidCharacters):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrNoCharacterSelected),
		errors.Is(err, model.ErrGenerationInProgress),
		errors.Is(err, model.ErrNothingToRegenerate):
		status = http.StatusConflict
	case errors.Is(err, model.ErrStorage):
		// Ошибка хранилища временная, клиент может повторить запрос
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg(prefix)
	}
	RespondWithError(w, status, fmt.Sprintf("%s: %v", prefix, err))
}

// RespondWithError отправляет ошибку в формате JSON
func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, map[string]string{"error": message})
}

// RespondWithJSON отправляет ответ в формате JSON
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
