package model

import "errors"

// Ошибки уровня движка. Наружу (в HTTP-слой) как повод для повтора
// пробрасываются только ошибки хранилища; остальные категории
// обрабатываются внутри сессии или отклоняются синхронно.
var (
	// ErrNotFound возвращается, когда запись отсутствует в хранилище
	ErrNotFound = errors.New("запись не найдена")

	// ErrStorage помечает любую ошибку ввода-вывода хранилища.
	// Вызывающий обязан либо повторить операцию, либо показать ошибку пользователю.
	ErrStorage = errors.New("ошибка хранилища")

	// ErrNoCharacterSelected — операция сессии без выбранного персонажа
	ErrNoCharacterSelected = errors.New("персонаж не выбран")

	// ErrEmptyMessage — попытка отправить пустой текст
	ErrEmptyMessage = errors.New("пустое сообщение")

	// ErrGenerationInProgress — запрос к модели уже выполняется
	ErrGenerationInProgress = errors.New("генерация ответа уже выполняется")

	// ErrNothingToRegenerate — последняя пара сообщений не user→ai
	ErrNothingToRegenerate = errors.New("нет ответа для повторной генерации")

	// ErrNoValidCharacters — в импортируемом наборе нет ни одной валидной записи
	ErrNoValidCharacters = errors.New("нет валидных персонажей для импорта")
)
