package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"companion-server/internal/model"
	"companion-server/internal/prompt"
	"companion-server/internal/repository"
	"companion-server/pkg/ai"
)

// State — состояние сессии диалога
type State string

const (
	// StateIdle — сессия свободна, операции принимаются
	StateIdle State = "idle"
	// StateAwaitingModel — идет обращение к модели, изменяющие операции отклоняются
	StateAwaitingModel State = "awaiting_model"
	// StateError — переходное состояние после сбоя хранилища
	StateError State = "error"
)

// ModelClient — контракт клиента нейросети, используемый сессией
type ModelClient interface {
	CreateContext(systemInstruction string, history []model.Message) *ai.Context
	SendTurn(ctx context.Context, conv *ai.Context, userText string) (string, error)
}

// Notifier доставляет события сессии подключенным клиентам
type Notifier interface {
	Broadcast(messageType, topic string, payload interface{})
}

// Типы событий, рассылаемых через Notifier
const (
	EventState     = "session_state"
	EventTyping    = "typing"
	EventMessage   = "chat_message"
	EventHistory   = "chat_history"
	EventIndicator = "indicator_update"

	topicChat = "chat"
)

// Engine — движок сессии диалога с одним активным персонажем.
// Все изменяющие операции сериализуются мьютексом; на время обращения
// к модели мьютекс отпускается, а конкурентные изменения отсекаются
// состоянием StateAwaitingModel.
//
// Порядок фиксации одинаков для всех операций: сначала журнал
// сохраняется в хранилище, и только потом обновляется память сессии.
// Ошибка записи оставляет сессию в прежнем согласованном состоянии.
type Engine struct {
	mu        sync.Mutex
	state     State
	character *model.Character
	messages  []model.Message
	conv      *ai.Context

	registry *Registry
	chats    repository.ChatHistoryRepository
	settings repository.SettingsRepository
	model    ModelClient
	prompts  *prompt.Engine
	notifier Notifier
}

// NewEngine создает движок сессии без выбранного персонажа
func NewEngine(
	registry *Registry,
	chats repository.ChatHistoryRepository,
	settings repository.SettingsRepository,
	modelClient ModelClient,
	prompts *prompt.Engine,
	notifier Notifier,
) *Engine {
	return &Engine{
		state:    StateIdle,
		registry: registry,
		chats:    chats,
		settings: settings,
		model:    modelClient,
		prompts:  prompts,
		notifier: notifier,
	}
}

// State возвращает текущее состояние сессии
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ActiveCharacter возвращает копию активного персонажа или nil
func (e *Engine) ActiveCharacter() *model.Character {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.character == nil {
		return nil
	}
	character := *e.character
	return &character
}

// Messages возвращает копию журнала диалога
func (e *Engine) Messages() []model.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyMessages(e.messages)
}

// SelectCharacter делает персонажа активным и загружает его журнал.
// Для персонажа без истории журнал засевается приветственной репликой.
func (e *Engine) SelectCharacter(ctx context.Context, id string) ([]model.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateAwaitingModel {
		return nil, model.ErrGenerationInProgress
	}

	character, err := e.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	messages, err := e.chats.Get(ctx, id)
	if err != nil {
		if !errorsIsNotFound(err) {
			return nil, err
		}
		messages, err = e.seedGreeting(ctx, &character)
		if err != nil {
			return nil, err
		}
	}

	e.character = &character
	e.messages = messages
	e.state = StateIdle

	if err := e.rebuildContextLocked(ctx); err != nil {
		log.Error().Err(err).Str("characterID", id).Msg("Не удалось построить контекст модели при выборе персонажа")
	}

	log.Info().Str("characterID", id).Int("messages", len(messages)).Msg("Персонаж выбран")
	e.notify(EventHistory, copyMessages(messages))
	return copyMessages(messages), nil
}

// Send отправляет реплику пользователя и возвращает ответ персонажа.
// Реплика пользователя сохраняется до обращения к модели, поэтому сбой
// модели ее не теряет: вместо ответа в журнал попадает системная заметка.
func (e *Engine) Send(ctx context.Context, text string) (model.Message, error) {
	e.mu.Lock()

	if e.character == nil {
		e.mu.Unlock()
		return model.Message{}, model.ErrNoCharacterSelected
	}
	if e.state == StateAwaitingModel {
		e.mu.Unlock()
		return model.Message{}, model.ErrGenerationInProgress
	}
	if strings.TrimSpace(text) == "" {
		e.mu.Unlock()
		return model.Message{}, model.ErrEmptyMessage
	}
	if e.conv == nil {
		if err := e.rebuildContextLocked(ctx); err != nil {
			e.mu.Unlock()
			return model.Message{}, err
		}
	}

	userMessage := model.NewMessage(model.SenderUser, text)
	candidate := append(copyMessages(e.messages), userMessage)
	if err := e.chats.Save(ctx, e.character.ID, candidate); err != nil {
		e.mu.Unlock()
		return model.Message{}, err
	}

	e.messages = candidate
	e.state = StateAwaitingModel
	conv := e.conv
	e.mu.Unlock()

	e.notify(EventState, StateAwaitingModel)
	e.notify(EventMessage, userMessage)

	return e.completeTurn(ctx, conv, text)
}

// Regenerate заменяет последний ответ персонажа новым. Операция допустима
// только когда журнал заканчивается парой реплик user, ai: последний ответ
// отбрасывается, а завершающая реплика пользователя отправляется повторно.
func (e *Engine) Regenerate(ctx context.Context) (model.Message, error) {
	e.mu.Lock()

	if e.character == nil {
		e.mu.Unlock()
		return model.Message{}, model.ErrNoCharacterSelected
	}
	if e.state == StateAwaitingModel {
		e.mu.Unlock()
		return model.Message{}, model.ErrGenerationInProgress
	}

	n := len(e.messages)
	if n < 2 || e.messages[n-1].Sender != model.SenderAI || e.messages[n-2].Sender != model.SenderUser {
		e.mu.Unlock()
		return model.Message{}, model.ErrNothingToRegenerate
	}

	truncated := copyMessages(e.messages[:n-1])
	if err := e.chats.Save(ctx, e.character.ID, truncated); err != nil {
		e.mu.Unlock()
		return model.Message{}, err
	}
	e.messages = truncated

	// Контекст строится без завершающей реплики пользователя:
	// она уйдет в модель повторно как новый ход
	userText := truncated[len(truncated)-1].Text
	if err := e.rebuildContextFromLocked(ctx, truncated[:len(truncated)-1]); err != nil {
		e.mu.Unlock()
		return model.Message{}, err
	}

	e.state = StateAwaitingModel
	conv := e.conv
	e.mu.Unlock()

	e.notify(EventState, StateAwaitingModel)
	e.notify(EventHistory, copyMessages(truncated))

	return e.completeTurn(ctx, conv, userText)
}

// EditMessage изменяет текст сообщения и отбрасывает все, что шло после
// него. Редактирование переписывает прошлое, поэтому продолжение диалога
// после точки правки теряет смысл и удаляется.
func (e *Engine) EditMessage(ctx context.Context, messageID, newText string) ([]model.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.character == nil {
		return nil, model.ErrNoCharacterSelected
	}
	if e.state == StateAwaitingModel {
		return nil, model.ErrGenerationInProgress
	}

	idx := findMessage(e.messages, messageID)
	if idx < 0 {
		return nil, model.ErrNotFound
	}

	candidate := copyMessages(e.messages[:idx+1])
	candidate[idx].Text = newText

	if err := e.chats.Save(ctx, e.character.ID, candidate); err != nil {
		return nil, err
	}
	e.messages = candidate

	if err := e.rebuildContextLocked(ctx); err != nil {
		return nil, err
	}

	e.notify(EventHistory, copyMessages(candidate))
	return copyMessages(candidate), nil
}

// DeleteMessage удаляет сообщение вместе со всеми последующими
func (e *Engine) DeleteMessage(ctx context.Context, messageID string) ([]model.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.character == nil {
		return nil, model.ErrNoCharacterSelected
	}
	if e.state == StateAwaitingModel {
		return nil, model.ErrGenerationInProgress
	}

	idx := findMessage(e.messages, messageID)
	if idx < 0 {
		return nil, model.ErrNotFound
	}

	candidate := copyMessages(e.messages[:idx])
	if err := e.chats.Save(ctx, e.character.ID, candidate); err != nil {
		return nil, err
	}
	e.messages = candidate

	if err := e.rebuildContextLocked(ctx); err != nil {
		return nil, err
	}

	e.notify(EventHistory, copyMessages(candidate))
	return copyMessages(candidate), nil
}

// NewChat стирает журнал активного персонажа и начинает диалог заново
// с приветственной реплики
func (e *Engine) NewChat(ctx context.Context) ([]model.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.character == nil {
		return nil, model.ErrNoCharacterSelected
	}
	if e.state == StateAwaitingModel {
		return nil, model.ErrGenerationInProgress
	}

	return e.resetChatLocked(ctx)
}

// UpdateSystemInstruction сохраняет новую системную инструкцию персонажа
// и сбрасывает диалог: накопленная история строилась на старой инструкции
// и с новой несовместима.
func (e *Engine) UpdateSystemInstruction(ctx context.Context, instruction string) ([]model.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.character == nil {
		return nil, model.ErrNoCharacterSelected
	}
	if e.state == StateAwaitingModel {
		return nil, model.ErrGenerationInProgress
	}

	updated := *e.character
	updated.SystemInstruction = instruction
	saved, err := e.registry.Save(ctx, updated)
	if err != nil {
		return nil, err
	}
	*e.character = saved

	return e.resetChatLocked(ctx)
}

// SetIndicator вручную выставляет значение индикатора. Журнал сохраняется,
// но контекст модели пересоздается, чтобы инструкция отражала новое значение.
func (e *Engine) SetIndicator(ctx context.Context, value int) (model.Indicator, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.character == nil {
		return model.Indicator{}, model.ErrNoCharacterSelected
	}
	if e.state == StateAwaitingModel {
		return model.Indicator{}, model.ErrGenerationInProgress
	}

	updated := *e.character
	updated.Indicator.Value = model.ClampIndicatorValue(value)
	saved, err := e.registry.Save(ctx, updated)
	if err != nil {
		return model.Indicator{}, err
	}
	*e.character = saved

	if err := e.rebuildContextLocked(ctx); err != nil {
		return model.Indicator{}, err
	}

	e.notify(EventIndicator, saved.Indicator)
	return saved.Indicator, nil
}

// completeTurn завершает ход: дожидается ответа модели, разбирает его и
// фиксирует результат в журнале. Вызывается без мьютекса, сессия находится
// в StateAwaitingModel.
func (e *Engine) completeTurn(ctx context.Context, conv *ai.Context, userText string) (model.Message, error) {
	e.notify(EventTyping, true)
	rawText, modelErr := e.model.SendTurn(ctx, conv, userText)
	e.notify(EventTyping, false)

	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		e.state = StateIdle
		e.notify(EventState, StateIdle)
	}()

	if modelErr != nil {
		// Сбой модели не фатален: реплика пользователя уже в журнале,
		// вместо ответа персонажа появляется системная заметка
		log.Error().Err(modelErr).Msg("Модель не ответила, в журнал добавляется системная заметка")
		systemMessage := model.NewMessage(model.SenderSystem,
			fmt.Sprintf("The character couldn't respond (%v). Please try again.", modelErr))
		candidate := append(copyMessages(e.messages), systemMessage)
		if err := e.chats.Save(ctx, e.character.ID, candidate); err != nil {
			e.state = StateError
			e.notify(EventState, StateError)
			return model.Message{}, err
		}
		e.messages = candidate
		e.notify(EventMessage, systemMessage)
		return systemMessage, nil
	}

	reply, parsed := ai.ParseCharacterReply(rawText)
	if !parsed {
		log.Warn().Str("characterID", e.character.ID).Msg("Ответ модели не разобран, персонаж отвечает фиксированной репликой")
	}

	emotion := reply.Emotion
	if !e.character.HasEmotion(emotion) {
		// Незаявленная эмоция не должна ломать спрайты на фронтенде
		emotion = e.character.FallbackEmotion()
	}

	aiMessage := model.NewAIMessage(reply.Dialogue, emotion)
	candidate := append(copyMessages(e.messages), aiMessage)
	if err := e.chats.Save(ctx, e.character.ID, candidate); err != nil {
		e.state = StateError
		e.notify(EventState, StateError)
		return model.Message{}, err
	}
	e.messages = candidate

	if reply.IndicatorValue != nil {
		updated := *e.character
		updated.Indicator.Value = model.ClampIndicatorValue(*reply.IndicatorValue)
		saved, err := e.registry.Save(ctx, updated)
		if err != nil {
			e.state = StateError
			e.notify(EventState, StateError)
			return model.Message{}, err
		}
		*e.character = saved
		e.notify(EventIndicator, saved.Indicator)
	}

	e.notify(EventMessage, aiMessage)
	return aiMessage, nil
}

// resetChatLocked стирает журнал и засевает его приветствием заново.
// Вызывается под мьютексом.
func (e *Engine) resetChatLocked(ctx context.Context) ([]model.Message, error) {
	if err := e.chats.Delete(ctx, e.character.ID); err != nil {
		return nil, err
	}

	messages, err := e.seedGreeting(ctx, e.character)
	if err != nil {
		return nil, err
	}
	e.messages = messages

	if err := e.rebuildContextLocked(ctx); err != nil {
		return nil, err
	}

	e.notify(EventHistory, copyMessages(messages))
	return copyMessages(messages), nil
}

// seedGreeting создает и сохраняет стартовый журнал из одной
// приветственной реплики персонажа
func (e *Engine) seedGreeting(ctx context.Context, character *model.Character) ([]model.Message, error) {
	greeting := model.NewAIMessage(character.GreetingText(), character.FallbackEmotion())
	messages := []model.Message{greeting}
	if err := e.chats.Save(ctx, character.ID, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// rebuildContextLocked пересоздает контекст модели из текущего журнала
func (e *Engine) rebuildContextLocked(ctx context.Context) error {
	return e.rebuildContextFromLocked(ctx, e.messages)
}

// rebuildContextFromLocked пересоздает контекст модели из заданной истории.
// Имя и описание пользователя берутся из настроек; их отсутствие — норма.
func (e *Engine) rebuildContextFromLocked(ctx context.Context, history []model.Message) error {
	userName, err := e.settingOrEmpty(ctx, model.SettingUserName)
	if err != nil {
		return err
	}
	userPersonality, err := e.settingOrEmpty(ctx, model.SettingUserPersonality)
	if err != nil {
		return err
	}

	instruction := e.prompts.RenderSystemInstruction(e.character, userName, userPersonality)
	e.conv = e.model.CreateContext(instruction, history)
	return nil
}

// settingOrEmpty возвращает значение настройки, трактуя отсутствие как
// пустую строку
func (e *Engine) settingOrEmpty(ctx context.Context, key string) (string, error) {
	value, err := e.settings.Get(ctx, key)
	if err != nil {
		if errorsIsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

// notify рассылает событие сессии, если нотификатор подключен
func (e *Engine) notify(messageType string, payload interface{}) {
	if e.notifier == nil {
		return
	}
	e.notifier.Broadcast(messageType, topicChat, payload)
}

// errorsIsNotFound проверяет, что ошибка означает отсутствие записи
func errorsIsNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}

// findMessage возвращает индекс сообщения по ID или -1
func findMessage(messages []model.Message, id string) int {
	for i, msg := range messages {
		if msg.ID == id {
			return i
		}
	}
	return -1
}

// copyMessages возвращает независимую копию среза сообщений
func copyMessages(messages []model.Message) []model.Message {
	out := make([]model.Message, len(messages))
	copy(out, messages)
	return out
}
