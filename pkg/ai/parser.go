package ai

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// FallbackDialogue — фиксированная реплика, используемая вместо
// нераспознанного ответа модели.
const FallbackDialogue = "I'm sorry, I got a little lost... what were we talking about?"

// FallbackEmotion — эмоция фиксированного ответа
const FallbackEmotion = "sad"

// CharacterReply представляет структурированный ответ персонажа
type CharacterReply struct {
	Dialogue       string `json:"dialogue"`
	Emotion        string `json:"emotion"`
	IndicatorValue *int   `json:"indicatorValue,omitempty"`
}

// Регулярные выражения для блоков кода: с тегом языка и без
var (
	taggedFenceRegex = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*([\\s\\S]*?)\\s*```$")
)

// FallbackReply возвращает фиксированный ответ, подставляемый при любом
// сбое разбора. Значение индикатора отсутствует — сбойный ход не должен
// трогать показатель отношения.
func FallbackReply() CharacterReply {
	return CharacterReply{
		Dialogue: FallbackDialogue,
		Emotion:  FallbackEmotion,
	}
}

// ParseCharacterReply разбирает сырой текст ответа модели в CharacterReply.
// Функция тотальна: любой вход дает результат, ошибки не возвращаются.
// Второй результат — true, если ответ разобран штатно, и false, если
// использован фиксированный ответ; так вызывающий (и тесты) отличают
// чистый разбор от подмены, не заглядывая в содержимое.
func ParseCharacterReply(rawText string) (CharacterReply, bool) {
	text := strings.TrimSpace(rawText)
	if text == "" {
		return FallbackReply(), false
	}

	// Снимаем обрамление markdown-блока, если модель его добавила
	if matches := taggedFenceRegex.FindStringSubmatch(text); len(matches) > 1 {
		text = matches[1]
	}

	var data map[string]interface{}
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		log.Warn().Err(err).Msg("Ответ модели не является валидным JSON, используется фиксированный ответ")
		return FallbackReply(), false
	}

	// Обязательные поля: dialogue и emotion должны быть непустыми строками
	dialogue, ok := data["dialogue"].(string)
	if !ok || strings.TrimSpace(dialogue) == "" {
		log.Warn().Msg("В ответе модели отсутствует поле dialogue, используется фиксированный ответ")
		return FallbackReply(), false
	}
	emotion, ok := data["emotion"].(string)
	if !ok || strings.TrimSpace(emotion) == "" {
		log.Warn().Msg("В ответе модели отсутствует поле emotion, используется фиксированный ответ")
		return FallbackReply(), false
	}

	reply := CharacterReply{
		Dialogue: dialogue,
		Emotion:  strings.TrimSpace(emotion),
	}

	// Необязательное поле: числовое значение индикатора.
	// Присутствующее поле неверного типа делает весь ответ невалидным.
	if rawValue, exists := data["indicatorValue"]; exists && rawValue != nil {
		number, ok := rawValue.(float64)
		if !ok {
			log.Warn().Interface("indicatorValue", rawValue).Msg("Поле indicatorValue имеет неверный тип, используется фиксированный ответ")
			return FallbackReply(), false
		}
		value := int(number)
		reply.IndicatorValue = &value
	}

	return reply, true
}
