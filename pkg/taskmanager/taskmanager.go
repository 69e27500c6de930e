package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Notifier отправляет уведомления о ходе задач через WebSocket
type Notifier interface {
	SendToUser(userID, messageType, topic string, payload interface{})
	Broadcast(messageType, topic string, payload interface{})
}

// Status представляет статус задачи
type Status string

// Возможные статусы задач
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Func — полезная работа задачи. Обычно это один ход диалога:
// обращение к модели и фиксация ответа.
type Func func(ctx context.Context) (interface{}, error)

// Task представляет асинхронную задачу
type Task struct {
	ID        uuid.UUID   `json:"id"`
	Kind      string      `json:"kind"`
	Status    Status      `json:"status"`
	Message   string      `json:"message,omitempty"`
	Result    interface{} `json:"result,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`

	cancel context.CancelFunc
}

// Manager управляет асинхронными задачами генерации ответов
type Manager struct {
	mu       sync.RWMutex
	tasks    map[uuid.UUID]*Task
	owners   map[uuid.UUID]string
	maxTasks int
	closing  chan struct{}
	wg       sync.WaitGroup
	notifier Notifier
}

// Config содержит конфигурацию менеджера задач
type Config struct {
	MaxTasks int
}

// New создает новый менеджер задач
func New(cfg Config) *Manager {
	maxTasks := cfg.MaxTasks
	if maxTasks <= 0 {
		maxTasks = 10
	}

	return &Manager{
		tasks:    make(map[uuid.UUID]*Task),
		owners:   make(map[uuid.UUID]string),
		maxTasks: maxTasks,
		closing:  make(chan struct{}),
	}
}

// SetNotifier подключает WebSocket-нотификатор
func (m *Manager) SetNotifier(notifier Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = notifier
}

// Submit создает и запускает новую задачу указанного вида
func (m *Manager) Submit(ctx context.Context, kind string, fn Func) (uuid.UUID, error) {
	return m.SubmitWithOwner(ctx, kind, fn, "")
}

// SubmitWithOwner создает задачу с привязкой к пользователю: уведомления
// о ходе задачи уходят только ему. Пустой ownerID означает широковещательные
// уведомления.
func (m *Manager) SubmitWithOwner(ctx context.Context, kind string, fn Func, ownerID string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.closing:
		return uuid.UUID{}, errors.New("менеджер задач остановлен")
	default:
	}

	active := 0
	for _, task := range m.tasks {
		if task.Status == StatusPending || task.Status == StatusRunning {
			active++
		}
	}
	if active >= m.maxTasks {
		return uuid.UUID{}, errors.New("превышено максимальное количество активных задач")
	}

	// Задача живет дольше HTTP-запроса, поэтому получает независимый
	// контекст, наследуя только логгер
	baseCtx, cancel := context.WithCancel(context.Background())
	taskCtx := log.Ctx(ctx).WithContext(baseCtx)

	task := &Task{
		ID:        uuid.New(),
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		cancel:    cancel,
	}
	m.tasks[task.ID] = task
	if ownerID != "" {
		m.owners[task.ID] = ownerID
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.run(taskCtx, task, fn)
	}()

	return task.ID, nil
}

// run выполняет задачу и обновляет её статус
func (m *Manager) run(ctx context.Context, task *Task, fn Func) {
	m.update(ctx, task, StatusRunning, "Задача запущена", nil)

	result, err := fn(ctx)

	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			m.update(ctx, task, StatusCancelled, "Задача отменена", nil)
		} else {
			m.update(ctx, task, StatusFailed, fmt.Sprintf("Ошибка контекста: %v", ctx.Err()), nil)
		}
		return
	}

	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("taskID", task.ID.String()).Str("kind", task.Kind).Msg("Задача завершилась с ошибкой")
		m.update(ctx, task, StatusFailed, fmt.Sprintf("Ошибка: %v", err), nil)
		return
	}

	m.update(ctx, task, StatusCompleted, "Задача успешно выполнена", result)
}

// update обновляет статус задачи и рассылает уведомление
func (m *Manager) update(ctx context.Context, task *Task, status Status, message string, result interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task.Status = status
	task.Message = message
	task.UpdatedAt = time.Now()
	if result != nil {
		task.Result = result
	}

	if m.notifier != nil {
		payload := map[string]interface{}{
			"task_id":    task.ID,
			"kind":       task.Kind,
			"status":     task.Status,
			"message":    task.Message,
			"updated_at": task.UpdatedAt,
		}
		if task.Status == StatusCompleted && task.Result != nil {
			payload["result"] = task.Result
		}

		if ownerID, ok := m.owners[task.ID]; ok {
			m.notifier.SendToUser(ownerID, "task_update", "tasks", payload)
		} else {
			m.notifier.Broadcast("task_update", "tasks", payload)
		}
	}

	log.Ctx(ctx).Info().
		Str("taskID", task.ID.String()).
		Str("kind", task.Kind).
		Str("newStatus", string(task.Status)).
		Msg("Статус задачи обновлен")
}

// Get возвращает снимок задачи по ID. Возвращается копия:
// оригинал продолжает меняться под мьютексом менеджера.
func (m *Manager) Get(taskID uuid.UUID) (Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return Task{}, fmt.Errorf("задача с ID %s не найдена", taskID)
	}
	return *task, nil
}

// Cancel отменяет выполнение задачи
func (m *Manager) Cancel(taskID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("задача с ID %s не найдена", taskID)
	}
	if task.Status != StatusPending && task.Status != StatusRunning {
		return fmt.Errorf("невозможно отменить задачу в статусе %s", task.Status)
	}

	if task.cancel != nil {
		task.cancel()
	}
	task.Status = StatusCancelled
	task.Message = "Задача отменена пользователем"
	task.UpdatedAt = time.Now()
	return nil
}

// Cleanup удаляет завершенные задачи старше указанного возраста
func (m *Manager) Cleanup(age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, task := range m.tasks {
		if task.Status == StatusPending || task.Status == StatusRunning {
			continue
		}
		if now.Sub(task.UpdatedAt) > age {
			delete(m.tasks, id)
			delete(m.owners, id)
		}
	}
}

// Shutdown останавливает прием задач и ждет завершения активных
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	select {
	case <-m.closing:
	default:
		close(m.closing)
	}
	for _, task := range m.tasks {
		if (task.Status == StatusPending || task.Status == StatusRunning) && task.cancel != nil {
			task.cancel()
		}
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("таймаут при ожидании завершения задач")
	}
}
